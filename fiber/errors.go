package fiber

import (
	"errors"
	"fmt"
)

var (
	// ErrInvalidArgument is returned for bad or stale fiber ids, double
	// joins, invalid keys, and out of range settings.
	ErrInvalidArgument = errors.New("fiber: invalid argument")

	// ErrResourceExhausted is returned when a fiber or key can't be
	// allocated.
	ErrResourceExhausted = errors.New("fiber: resource exhausted")

	// ErrTimeout is returned by timed lock and wait operations.
	ErrTimeout = errors.New("fiber: timed out")

	// ErrCancelled is returned by a suspension point that observed a stop
	// request.
	ErrCancelled = errors.New("fiber: cancelled")

	// ErrClosed is returned when starting fibers on a closed Runtime.
	ErrClosed = errors.New("fiber: runtime closed")

	// ErrTimerRunning is returned by RemoveTimer when the timer's callback
	// is being dispatched.
	ErrTimerRunning = errors.New("fiber: timer callback running")

	// ErrGoexit is reported when a fiber, or a function passed to Await,
	// called runtime.Goexit.
	ErrGoexit = errors.New("fiber: exited via runtime.Goexit")
)

// PanicError wraps the value a fiber panicked with. Join returns it (as an
// error) for fibers that finished abnormally.
type PanicError struct {
	Value any
}

func (e *PanicError) Error() string {
	return fmt.Sprintf("fiber: panicked: %v", e.Value)
}

// Unwrap exposes panics with error values to errors.Is and errors.As.
func (e *PanicError) Unwrap() error {
	if err, ok := e.Value.(error); ok {
		return err
	}
	return nil
}
