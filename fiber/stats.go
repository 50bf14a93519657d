package fiber

import (
	"time"

	"github.com/flare-rpc/flare-go/internal/slot"
)

type (
	// Stats is a diagnostic snapshot of a Runtime. Counters are cumulative.
	Stats struct {
		Workers []WorkerStats
		// Live counts fibers started and not yet exited.
		Live int64
		// Entities counts fiber slots in use, including exited fibers not
		// yet joined. EntitySlots counts slots ever allocated.
		Entities    int
		EntitySlots int
		// Ready, Running, and Blocked count live fibers by state, sampled
		// one at a time.
		Ready   int
		Running int
		Blocked int
		// Parked counts workers sleeping for lack of work.
		Parked int
		// Signals counts attempts to wake parked workers.
		Signals uint64
		// Stacks counts stacks ever created, per stack class.
		Stacks [stackClasses]uint64
		// IdleStacks counts pooled stacks, per stack class.
		IdleStacks [stackClasses]int
		// TimersPending counts scheduled timers, including sleeps.
		TimersPending int
		Concurrency   int
		// LatencyP50 and LatencyP99 estimate the time fibers spend runnable
		// before running: the run-weighted mean of the per-worker medians,
		// and the worst per-worker 99th percentile.
		LatencyP50 time.Duration
		LatencyP99 time.Duration
	}

	// WorkerStats describes one worker.
	WorkerStats struct {
		RunQueue    int
		RunQueueCap int
		RemoteQueue int
		Switches    uint64
		Steals      uint64
		Parks       uint64
		Busy        time.Duration
		LatencyP50  time.Duration
		LatencyP99  time.Duration
		LatencyMax  time.Duration
	}
)

// Stats snapshots the runtime's counters.
func (rt *Runtime) Stats() Stats {
	ws := rt.group.load()
	s := Stats{
		Workers:       make([]WorkerStats, len(ws)),
		Live:          rt.live.Load(),
		Entities:      rt.entities.Len(),
		EntitySlots:   rt.entities.Cap(),
		Signals:       rt.group.signals.Load(),
		TimersPending: rt.timers.Stats().Pending,
		Concurrency:   rt.Concurrency(),
	}
	for i := range rt.group.lots {
		s.Parked += rt.group.lots[i].Waiters()
	}
	rt.entities.Range(func(_ slot.ID, e *entity) bool {
		switch e.status.Load() {
		case statusReady:
			s.Ready++
		case statusRunning:
			s.Running++
		case statusBlocked:
			s.Blocked++
		}
		return true
	})
	for i, p := range rt.stacks {
		s.Stacks[i] = p.created.Load()
		s.IdleStacks[i] = p.size()
	}
	var weighted float64
	var runs uint64
	for i, w := range ws {
		p50, p99, worst, n := w.lat.snapshot()
		s.Workers[i] = WorkerStats{
			RunQueue:    w.local.Len(),
			RunQueueCap: w.local.Cap(),
			RemoteQueue: w.remote.Len(),
			Switches:    w.switches.Load(),
			Steals:      w.steals.Load(),
			Parks:       w.parks.Load(),
			Busy:        time.Duration(w.busy.Load()),
			LatencyP50:  p50,
			LatencyP99:  p99,
			LatencyMax:  worst,
		}
		weighted += float64(p50) * float64(n)
		runs += n
		if p99 > s.LatencyP99 {
			s.LatencyP99 = p99
		}
	}
	if runs != 0 {
		s.LatencyP50 = time.Duration(weighted / float64(runs))
	}
	return s
}

// Switches sums the workers' switch counters.
func (s *Stats) Switches() (n uint64) {
	for _, w := range s.Workers {
		n += w.Switches
	}
	return n
}

// Steals sums the workers' steal counters.
func (s *Stats) Steals() (n uint64) {
	for _, w := range s.Workers {
		n += w.Steals
	}
	return n
}
