package fiber

import (
	"strconv"
	"sync"
	"time"

	"github.com/hashicorp/go-metrics"

	"github.com/flare-rpc/flare-go/internal/timer"
)

var (
	MetricWorkers       = []string{"fiber", "workers"}
	MetricParked        = []string{"fiber", "workers", "parked"}
	MetricLive          = []string{"fiber", "live"}
	MetricEntities      = []string{"fiber", "entities"}
	MetricRunQueueSize  = []string{"fiber", "runqueue", "size"}
	MetricSwitchCount   = []string{"fiber", "switch", "count"}
	MetricStealCount    = []string{"fiber", "steal", "count"}
	MetricSignalCount   = []string{"fiber", "signal", "count"}
	MetricTimersPending = []string{"fiber", "timers", "pending"}
	MetricLatencyP50    = []string{"fiber", "latency", "p50"}
	MetricLatencyP99    = []string{"fiber", "latency", "p99"}
	MetricPanicCount    = []string{"fiber", "panic", "count"}
	LabelWorker         = "worker"
)

// runtimeMetrics periodically emits Stats as gauges, from an inline callback
// on the timer thread that re-arms itself. It never starts workers.
type runtimeMetrics struct {
	rt       *Runtime
	sink     metrics.MetricSink
	labels   []metrics.Label
	interval time.Duration
	mu       sync.Mutex
	armed    timer.ID
	stopped  bool
}

func newRuntimeMetrics(rt *Runtime) *runtimeMetrics {
	return &runtimeMetrics{
		rt:       rt,
		sink:     rt.opts.sink,
		labels:   rt.opts.labels,
		interval: rt.opts.metricsInterval,
	}
}

func (x *runtimeMetrics) start() {
	if x.interval <= 0 {
		return
	}
	x.arm()
}

func (x *runtimeMetrics) arm() {
	x.mu.Lock()
	defer x.mu.Unlock()
	if x.stopped {
		return
	}
	id, err := x.rt.timers.Schedule(time.Now().Add(x.interval), x.tick, true)
	if err != nil {
		return
	}
	x.armed = id
}

func (x *runtimeMetrics) tick() {
	x.emit()
	x.arm()
}

func (x *runtimeMetrics) stop() {
	x.mu.Lock()
	defer x.mu.Unlock()
	x.stopped = true
	if x.armed != 0 {
		_ = x.rt.timers.Unschedule(x.armed)
		x.armed = 0
	}
}

func (x *runtimeMetrics) emit() {
	s := x.rt.Stats()
	x.sink.SetGaugeWithLabels(MetricWorkers, float32(len(s.Workers)), x.labels)
	x.sink.SetGaugeWithLabels(MetricParked, float32(s.Parked), x.labels)
	x.sink.SetGaugeWithLabels(MetricLive, float32(s.Live), x.labels)
	x.sink.SetGaugeWithLabels(MetricEntities, float32(s.Entities), x.labels)
	x.sink.SetGaugeWithLabels(MetricSwitchCount, float32(s.Switches()), x.labels)
	x.sink.SetGaugeWithLabels(MetricStealCount, float32(s.Steals()), x.labels)
	x.sink.SetGaugeWithLabels(MetricSignalCount, float32(s.Signals), x.labels)
	x.sink.SetGaugeWithLabels(MetricTimersPending, float32(s.TimersPending), x.labels)
	x.sink.SetGaugeWithLabels(MetricLatencyP50, float32(s.LatencyP50.Seconds()), x.labels)
	x.sink.SetGaugeWithLabels(MetricLatencyP99, float32(s.LatencyP99.Seconds()), x.labels)
	for i, w := range s.Workers {
		labels := append(x.labels[:len(x.labels):len(x.labels)], metrics.Label{Name: LabelWorker, Value: strconv.Itoa(i)})
		x.sink.SetGaugeWithLabels(MetricRunQueueSize, float32(w.RunQueue+w.RemoteQueue), labels)
	}
}

// countPanic records a fiber panic.
func (x *runtimeMetrics) countPanic() {
	x.sink.IncrCounterWithLabels(MetricPanicCount, 1, x.labels)
}
