package fiber

import (
	"context"
	"time"
)

// Await runs fn on a new goroutine and waits for it, suspending only the
// calling fiber, so blocking calls (syscalls, I/O, cgo) don't hold a
// worker. Outside of a fiber it blocks the calling goroutine.
//
// The context passed to fn is cancelled once Await returns. Await returns
// early with ctx.Err() when ctx is done, and with ErrCancelled when the
// calling fiber is stopped. A panic in fn is returned as a *PanicError, and
// runtime.Goexit as ErrGoexit.
func Await(ctx context.Context, fn func(ctx context.Context) (any, error)) (any, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var (
		q      waitQueue
		done   bool
		result any
		err    error
	)
	settle := func(r any, e error) {
		q.mu.Lock()
		if !done {
			done = true
			result, err = r, e
			q.wakeAllLocked()
		}
		q.mu.Unlock()
	}

	stop := context.AfterFunc(ctx, func() { settle(nil, ctx.Err()) })
	defer stop()

	go func() {
		completed := false
		defer func() {
			if r := recover(); r != nil {
				settle(nil, &PanicError{Value: r})
			} else if !completed {
				settle(nil, ErrGoexit)
			}
		}()
		r, e := fn(ctx)
		completed = true
		settle(r, e)
	}()

	if werr := q.wait(func() bool { return !done }, time.Time{}, true); werr != nil {
		return nil, werr
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	return result, err
}
