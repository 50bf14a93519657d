// Package logging builds the github.com/joeycumines/logiface loggers used
// across the module, backed by github.com/rs/zerolog.
package logging

import (
	"io"
	"os"

	izerolog "github.com/joeycumines/izerolog"
	"github.com/joeycumines/logiface"
	"github.com/rs/zerolog"
)

// New returns a generic logger writing JSON lines to w, at level and above.
func New(w io.Writer, level logiface.Level) *logiface.Logger[logiface.Event] {
	return logiface.New[*izerolog.Event](
		izerolog.WithZerolog(zerolog.New(w).With().Timestamp().Logger()),
		logiface.WithLevel[*izerolog.Event](level),
	).Logger()
}

// Default logs warnings and worse to stderr.
func Default() *logiface.Logger[logiface.Event] {
	return New(os.Stderr, logiface.LevelWarning)
}

// Discard returns a logger with logging disabled.
func Discard() *logiface.Logger[logiface.Event] {
	return New(io.Discard, logiface.LevelDisabled)
}
