package runq

import (
	"sync"
	"sync/atomic"
)

// Queue is an unbounded FIFO of ids guarded by a mutex, safe for any number
// of producers and consumers.
type Queue struct {
	mu   sync.Mutex
	buf  []uint64
	head int
	n    int
	size atomic.Int64
}

const minQueueSize = 16

// Push appends id.
func (x *Queue) Push(id uint64) {
	x.mu.Lock()
	if x.n == len(x.buf) {
		x.grow()
	}
	x.buf[(x.head+x.n)%len(x.buf)] = id
	x.n++
	x.size.Store(int64(x.n))
	x.mu.Unlock()
}

// Pop removes the oldest id.
func (x *Queue) Pop() (uint64, bool) {
	// lock-free empty check, producers always publish size under mu
	if x.size.Load() == 0 {
		return 0, false
	}
	x.mu.Lock()
	defer x.mu.Unlock()
	if x.n == 0 {
		return 0, false
	}
	id := x.buf[x.head]
	x.head = (x.head + 1) % len(x.buf)
	x.n--
	x.size.Store(int64(x.n))
	return id, true
}

// Len returns the number of queued ids.
func (x *Queue) Len() int { return int(x.size.Load()) }

func (x *Queue) grow() {
	size := len(x.buf) * 2
	if size < minQueueSize {
		size = minQueueSize
	}
	buf := make([]uint64, size)
	for i := 0; i < x.n; i++ {
		buf[i] = x.buf[(x.head+i)%len(x.buf)]
	}
	x.buf = buf
	x.head = 0
}
