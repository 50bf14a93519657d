// Command fiberbench exercises a fiber runtime with synthetic load.
//
// Scenarios:
//   - churn: producers start and join many short fibers
//   - pingpong: pairs of fibers hand a token back and forth through a
//     Mutex and Cond
//
// Run with: go run ./cmd/fiberbench -scenario all
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strconv"
	"time"

	_ "github.com/KimMachineGun/automemlimit"
	"github.com/hashicorp/go-metrics"
	"github.com/joeycumines/logiface"
	"github.com/pbnjay/memory"
	"go.uber.org/automaxprocs/maxprocs"

	"github.com/flare-rpc/flare-go/fiber"
	"github.com/flare-rpc/flare-go/internal/logging"
)

// concurrencyEnv overrides the default worker count.
const concurrencyEnv = "FIBER_CONCURRENCY"

// fiberFootprint is a rough per-fiber memory cost, used to keep -fibers
// within what the host can hold.
const fiberFootprint = 16 << 10

type config struct {
	scenario    string
	fibers      int
	producers   int
	pairs       int
	rounds      int
	concurrency int
	logLevel    string
	metrics     bool
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()
	if err := run(ctx, os.Args[1:], os.Stdout, os.Stderr); err != nil {
		if !errors.Is(err, flag.ErrHelp) {
			fmt.Fprintln(os.Stderr, "fiberbench:", err)
		}
		os.Exit(1)
	}
}

func parseFlags(args []string, stderr io.Writer) (*config, error) {
	cfg := &config{}
	fs := flag.NewFlagSet("fiberbench", flag.ContinueOnError)
	fs.SetOutput(stderr)
	fs.StringVar(&cfg.scenario, "scenario", "all", "scenario to run: churn, pingpong, or all")
	fs.IntVar(&cfg.fibers, "fibers", 100000, "fibers started by the churn scenario")
	fs.IntVar(&cfg.producers, "producers", 8, "goroutines starting fibers in the churn scenario")
	fs.IntVar(&cfg.pairs, "pairs", 64, "fiber pairs in the pingpong scenario")
	fs.IntVar(&cfg.rounds, "rounds", 10000, "hand-offs per pair in the pingpong scenario")
	fs.IntVar(&cfg.concurrency, "concurrency", 0, "workers (default $"+concurrencyEnv+", else GOMAXPROCS+1)")
	fs.StringVar(&cfg.logLevel, "log-level", "info", "log level")
	fs.BoolVar(&cfg.metrics, "metrics", false, "print runtime gauges after each scenario")
	if err := fs.Parse(args); err != nil {
		return nil, err
	}
	if cfg.concurrency == 0 {
		if v := os.Getenv(concurrencyEnv); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil {
				return nil, fmt.Errorf("%s: %w", concurrencyEnv, err)
			}
			cfg.concurrency = n
		}
	}
	if cfg.fibers < 1 || cfg.producers < 1 || cfg.pairs < 1 || cfg.rounds < 1 {
		return nil, errors.New("counts must be positive")
	}
	switch cfg.scenario {
	case "churn", "pingpong", "all":
	default:
		return nil, fmt.Errorf("unknown scenario %q", cfg.scenario)
	}
	return cfg, nil
}

func parseLevel(s string) (logiface.Level, error) {
	switch s {
	case "debug":
		return logiface.LevelDebug, nil
	case "info":
		return logiface.LevelInformational, nil
	case "warning", "warn":
		return logiface.LevelWarning, nil
	case "error":
		return logiface.LevelError, nil
	default:
		return 0, fmt.Errorf("unknown log level %q", s)
	}
}

func run(ctx context.Context, args []string, stdout, stderr io.Writer) error {
	cfg, err := parseFlags(args, stderr)
	if err != nil {
		return err
	}
	level, err := parseLevel(cfg.logLevel)
	if err != nil {
		return err
	}
	logger := logging.New(stderr, level)

	undo, err := maxprocs.Set(maxprocs.Logger(func(format string, a ...any) {
		logger.Debug().Log(fmt.Sprintf(format, a...))
	}))
	if err != nil {
		logger.Warning().Err(err).Log("fiberbench: could not apply container CPU quota")
	}
	defer undo()

	if total := memory.TotalMemory(); total != 0 {
		if limit := int(min(total/4/fiberFootprint, 1<<22)); cfg.fibers > limit {
			logger.Warning().
				Int("requested", cfg.fibers).
				Int("limit", limit).
				Log("fiberbench: capping fibers to available memory")
			cfg.fibers = limit
		}
	}

	var sink *metrics.InmemSink
	opts := []fiber.Option{fiber.WithLogger(logger)}
	if cfg.concurrency != 0 {
		opts = append(opts, fiber.WithConcurrency(cfg.concurrency))
	}
	if cfg.metrics {
		sink = metrics.NewInmemSink(time.Second, time.Minute)
		opts = append(opts,
			fiber.WithMetricSink(sink),
			fiber.WithMetricsInterval(100*time.Millisecond),
		)
	}
	rt, err := fiber.New(opts...)
	if err != nil {
		return err
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := rt.Close(closeCtx); err != nil {
			logger.Warning().Err(err).Log("fiberbench: close")
		}
	}()

	scenarios := []struct {
		name string
		fn   func(context.Context, *fiber.Runtime, *config) (int, error)
	}{
		{"churn", churn},
		{"pingpong", pingPong},
	}
	for _, s := range scenarios {
		if cfg.scenario != "all" && cfg.scenario != s.name {
			continue
		}
		start := time.Now()
		ops, err := s.fn(ctx, rt, cfg)
		elapsed := time.Since(start)
		if err != nil {
			return fmt.Errorf("%s: %w", s.name, err)
		}
		st := rt.Stats()
		fmt.Fprintf(stdout, "%-9s ops=%d elapsed=%s rate=%.0f/s workers=%d switches=%d steals=%d p50=%s p99=%s\n",
			s.name, ops, elapsed.Round(time.Microsecond), float64(ops)/elapsed.Seconds(),
			len(st.Workers), st.Switches(), st.Steals(), st.LatencyP50, st.LatencyP99)
		logger.Info().
			Str("scenario", s.name).
			Int("ops", ops).
			Dur("elapsed", elapsed).
			Log("fiberbench: scenario complete")
		if sink != nil {
			printGauges(stdout, sink)
		}
	}
	return nil
}

func printGauges(w io.Writer, sink *metrics.InmemSink) {
	data := sink.Data()
	if len(data) == 0 {
		return
	}
	last := data[len(data)-1]
	last.RLock()
	defer last.RUnlock()
	for _, g := range last.Gauges {
		fmt.Fprintf(w, "  %s %v\n", g.Name, g.Value)
	}
}
