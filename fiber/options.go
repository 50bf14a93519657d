package fiber

import (
	"fmt"
	"runtime"
	"time"

	"github.com/hashicorp/go-metrics"
	"github.com/joeycumines/logiface"

	"github.com/flare-rpc/flare-go/internal/logging"
)

const (
	// MaxConcurrency is the upper bound on the number of workers.
	MaxConcurrency = 1024

	defaultRunQueueSize  = 4096
	defaultMaxFibers     = 1 << 22
	defaultStackPoolSize = 1024
)

// runtimeOptions holds configuration for Runtime creation.
type runtimeOptions struct {
	logger          *logiface.Logger[logiface.Event]
	sink            metrics.MetricSink
	labels          []metrics.Label
	concurrency     int
	maxFibers       int
	runQueueSize    int
	stackPoolSize   int
	metricsInterval time.Duration
}

// Option configures a Runtime.
type Option interface {
	applyRuntime(*runtimeOptions) error
}

// optionImpl implements Option.
type optionImpl struct {
	applyRuntimeFunc func(*runtimeOptions) error
}

func (o *optionImpl) applyRuntime(opts *runtimeOptions) error {
	return o.applyRuntimeFunc(opts)
}

// WithConcurrency sets the number of workers started with the first fiber.
// Defaults to GOMAXPROCS+1, capped at MaxConcurrency.
func WithConcurrency(n int) Option {
	return &optionImpl{func(opts *runtimeOptions) error {
		if n < 1 || n > MaxConcurrency {
			return fmt.Errorf("%w: concurrency %d not in [1, %d]", ErrInvalidArgument, n, MaxConcurrency)
		}
		opts.concurrency = n
		return nil
	}}
}

// WithMaxFibers bounds the number of fibers that may exist at once. Starts
// beyond the bound fail with ErrResourceExhausted.
func WithMaxFibers(n int) Option {
	return &optionImpl{func(opts *runtimeOptions) error {
		if n < 1 {
			return fmt.Errorf("%w: max fibers %d", ErrInvalidArgument, n)
		}
		opts.maxFibers = n
		return nil
	}}
}

// WithRunQueueSize sets the capacity of each worker's local run queue,
// rounded up to a power of two.
func WithRunQueueSize(n int) Option {
	return &optionImpl{func(opts *runtimeOptions) error {
		if n < 1 {
			return fmt.Errorf("%w: run queue size %d", ErrInvalidArgument, n)
		}
		opts.runQueueSize = n
		return nil
	}}
}

// WithStackPoolSize sets how many idle fiber stacks each stack class keeps
// for reuse. Zero disables pooling.
func WithStackPoolSize(n int) Option {
	return &optionImpl{func(opts *runtimeOptions) error {
		if n < 0 {
			return fmt.Errorf("%w: stack pool size %d", ErrInvalidArgument, n)
		}
		opts.stackPoolSize = n
		return nil
	}}
}

// WithLogger sets the logger. A nil logger disables logging. The default
// writes warnings and above to stderr.
func WithLogger(logger *logiface.Logger[logiface.Event]) Option {
	return &optionImpl{func(opts *runtimeOptions) error {
		opts.logger = logger
		return nil
	}}
}

// WithMetricSink sets the sink runtime gauges are emitted to. Defaults to
// a metrics.BlackholeSink.
func WithMetricSink(sink metrics.MetricSink) Option {
	return &optionImpl{func(opts *runtimeOptions) error {
		if sink == nil {
			sink = &metrics.BlackholeSink{}
		}
		opts.sink = sink
		return nil
	}}
}

// WithMetricsInterval sets how often gauges are emitted. Zero disables
// emission. Defaults to 10 seconds.
func WithMetricsInterval(d time.Duration) Option {
	return &optionImpl{func(opts *runtimeOptions) error {
		if d < 0 {
			return fmt.Errorf("%w: metrics interval %s", ErrInvalidArgument, d)
		}
		opts.metricsInterval = d
		return nil
	}}
}

// WithMetricLabels adds labels to every emitted metric.
func WithMetricLabels(labels ...metrics.Label) Option {
	return &optionImpl{func(opts *runtimeOptions) error {
		opts.labels = append(opts.labels, labels...)
		return nil
	}}
}

// resolveOptions applies Option instances over the defaults.
func resolveOptions(opts []Option) (*runtimeOptions, error) {
	cfg := &runtimeOptions{
		logger:          logging.Default(),
		sink:            &metrics.BlackholeSink{},
		concurrency:     min(runtime.GOMAXPROCS(0)+1, MaxConcurrency),
		maxFibers:       defaultMaxFibers,
		runQueueSize:    defaultRunQueueSize,
		stackPoolSize:   defaultStackPoolSize,
		metricsInterval: 10 * time.Second,
	}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		if err := opt.applyRuntime(cfg); err != nil {
			return nil, err
		}
	}
	return cfg, nil
}
