package fiber

import (
	"runtime"
	"sync"
)

// resident is anything a goroutine can be running fibers on: a pooled stack,
// or a worker running an inline fiber.
type resident interface {
	current() *entity
}

// residents maps goroutine ids to the resident on that goroutine. Entries
// are added once per stack or worker, not per fiber.
var residents sync.Map

func getGoroutineID() uint64 {
	var buf [64]byte
	n := runtime.Stack(buf[:], false)
	var id uint64
	for i := len("goroutine "); i < n; i++ {
		if buf[i] >= '0' && buf[i] <= '9' {
			id = id*10 + uint64(buf[i]-'0')
		} else {
			break
		}
	}
	return id
}

// current returns the fiber running on the calling goroutine, or nil.
func current() *entity {
	if r, ok := residents.Load(getGoroutineID()); ok {
		return r.(resident).current()
	}
	return nil
}
