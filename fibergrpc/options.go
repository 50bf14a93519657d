package fibergrpc

import (
	"fmt"

	"github.com/joeycumines/logiface"

	"github.com/flare-rpc/flare-go/fiber"
	"github.com/flare-rpc/flare-go/internal/logging"
)

type options struct {
	attr   fiber.Attr
	logger *logiface.Logger[logiface.Event]
}

// Option configures Interceptors.
type Option interface {
	apply(*options) error
}

type optionImpl struct {
	applyFunc func(*options) error
}

func (o *optionImpl) apply(opts *options) error {
	return o.applyFunc(opts)
}

// WithAttr sets the attributes of handler fibers. Detached is ignored, as
// the interceptor joins every handler.
func WithAttr(attr fiber.Attr) Option {
	return &optionImpl{func(opts *options) error {
		if attr.Stack > fiber.StackPthread {
			return fmt.Errorf("fibergrpc: invalid stack type %d", attr.Stack)
		}
		attr.Detached = false
		opts.attr = attr
		return nil
	}}
}

// WithLogger sets the logger handler panics are reported to.
func WithLogger(logger *logiface.Logger[logiface.Event]) Option {
	return &optionImpl{func(opts *options) error {
		opts.logger = logger
		return nil
	}}
}

func resolveOptions(opts []Option) (*options, error) {
	cfg := &options{
		attr:   fiber.AttrNormal,
		logger: logging.Default(),
	}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		if err := opt.apply(cfg); err != nil {
			return nil, err
		}
	}
	return cfg, nil
}
