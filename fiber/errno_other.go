//go:build !unix && !plan9

package fiber

import (
	"errors"
	"syscall"
)

// Errno maps an error returned by this package onto an errno value. A nil
// error maps to 0, and unknown errors to EINVAL.
func Errno(err error) syscall.Errno {
	switch {
	case err == nil:
		return 0
	case errors.Is(err, ErrTimeout):
		return syscall.ETIMEDOUT
	case errors.Is(err, ErrCancelled):
		return syscall.ECANCELED
	case errors.Is(err, ErrResourceExhausted):
		return syscall.EAGAIN
	case errors.Is(err, ErrClosed):
		return syscall.ESHUTDOWN
	default:
		return syscall.EINVAL
	}
}
