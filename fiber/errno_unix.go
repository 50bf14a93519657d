//go:build unix

package fiber

import (
	"errors"

	"golang.org/x/sys/unix"
)

// Errno maps an error returned by this package onto the errno value the
// equivalent pthread-style call would return. A nil error maps to 0, and
// unknown errors to EINVAL.
func Errno(err error) unix.Errno {
	switch {
	case err == nil:
		return 0
	case errors.Is(err, ErrTimeout):
		return unix.ETIMEDOUT
	case errors.Is(err, ErrCancelled):
		return unix.ECANCELED
	case errors.Is(err, ErrResourceExhausted):
		return unix.EAGAIN
	case errors.Is(err, ErrClosed):
		return unix.ESHUTDOWN
	default:
		return unix.EINVAL
	}
}
