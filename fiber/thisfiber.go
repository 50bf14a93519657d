package fiber

import (
	"runtime"
	"time"
)

// Self returns the calling fiber's id, or 0 outside of a fiber.
func Self() ID {
	if e := current(); e != nil {
		return e.id
	}
	return 0
}

// Equal reports whether a and b identify the same fiber.
func Equal(a, b ID) bool { return a == b }

// Stopped reports whether the calling fiber has been asked to stop. It is
// always false outside of a fiber.
func Stopped() bool {
	if e := current(); e != nil {
		return e.stopped.Load()
	}
	return false
}

// Yield gives up the worker, letting other runnable fibers go first. Outside
// of a fiber (and in StackPthread fibers) it yields the goroutine. A stopped
// fiber gets ErrCancelled without yielding.
func Yield() error {
	e := current()
	if e != nil && e.stopped.Load() {
		return ErrCancelled
	}
	if e == nil || e.stack == nil {
		runtime.Gosched()
		return nil
	}
	e.suspend(func(w *worker) {
		e.status.Store(statusReady)
		e.readyAt = time.Now()
		// the remote queue is FIFO behind everything already queued
		w.remote.Push(uint64(e.id))
	})
	return nil
}

// SleepFor suspends the calling fiber for d. It returns ErrCancelled if the
// fiber is, or gets, stopped. Outside of a fiber it is time.Sleep.
func SleepFor(d time.Duration) error {
	return SleepUntil(time.Now().Add(d))
}

// SleepUntil suspends the calling fiber until deadline. See SleepFor.
func SleepUntil(deadline time.Time) error {
	e := current()
	if e == nil {
		time.Sleep(time.Until(deadline))
		return nil
	}
	if e.stopped.Load() {
		return ErrCancelled
	}
	if !deadline.After(time.Now()) {
		return Yield()
	}
	var q waitQueue
	switch err := q.wait(alwaysWait, deadline, true); err {
	case nil, ErrTimeout:
		return nil
	default:
		return err
	}
}

func alwaysWait() bool { return true }
