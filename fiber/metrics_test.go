package fiber

import (
	"testing"
	"time"

	"github.com/hashicorp/go-metrics"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func gauge(sink *metrics.InmemSink, name string) (metrics.GaugeValue, bool) {
	for _, interval := range sink.Data() {
		interval.RLock()
		for _, g := range interval.Gauges {
			if g.Name == name {
				interval.RUnlock()
				return g, true
			}
		}
		interval.RUnlock()
	}
	return metrics.GaugeValue{}, false
}

func TestRuntimeMetrics_emitsGauges(t *testing.T) {
	sink := metrics.NewInmemSink(time.Second, time.Minute)
	rt := newRuntime(t,
		WithConcurrency(2),
		WithMetricSink(sink),
		WithMetricsInterval(5*time.Millisecond),
		WithMetricLabels(metrics.Label{Name: "runtime", Value: "test"}),
	)
	id, err := rt.StartBackground(nil, func(any) any { return nil }, nil)
	require.NoError(t, err)
	_, err = rt.Join(id)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		g, ok := gauge(sink, "fiber.workers")
		return ok && g.Value == 2
	}, 5*time.Second, 5*time.Millisecond)

	g, _ := gauge(sink, "fiber.workers")
	assert.Equal(t, []metrics.Label{{Name: "runtime", Value: "test"}}, g.Labels)
	g, ok := gauge(sink, "fiber.runqueue.size")
	require.True(t, ok)
	assert.Equal(t, []metrics.Label{{Name: "runtime", Value: "test"}, {Name: LabelWorker, Value: g.Labels[1].Value}}, g.Labels)
	_, ok = gauge(sink, "fiber.switch.count")
	assert.True(t, ok)
}

func TestRuntimeMetrics_panicCounter(t *testing.T) {
	sink := metrics.NewInmemSink(time.Second, time.Minute)
	rt := newRuntime(t, WithMetricSink(sink), WithMetricsInterval(0))
	id, err := rt.StartBackground(nil, func(any) any { panic("boom") }, nil)
	require.NoError(t, err)
	_, err = rt.Join(id)
	require.Error(t, err)

	found := false
	for _, interval := range sink.Data() {
		interval.RLock()
		for _, c := range interval.Counters {
			if c.Name == "fiber.panic.count" {
				found = found || c.Count > 0
			}
		}
		interval.RUnlock()
	}
	assert.True(t, found)
	_, ok := gauge(sink, "fiber.workers")
	assert.False(t, ok, "gauges disabled")
}

func TestRuntime_stats(t *testing.T) {
	rt := newRuntime(t, WithConcurrency(2), WithMetricsInterval(0))
	s := rt.Stats()
	assert.Empty(t, s.Workers)
	assert.Equal(t, 2, s.Concurrency)

	var ids []ID
	for i := 0; i < 200; i++ {
		id, err := rt.StartBackground(nil, func(any) any { return Yield() }, nil)
		require.NoError(t, err)
		ids = append(ids, id)
	}
	for _, id := range ids {
		_, err := rt.Join(id)
		require.NoError(t, err)
	}
	s = rt.Stats()
	require.Len(t, s.Workers, 2)
	assert.Zero(t, s.Live)
	assert.Zero(t, s.Entities)
	assert.GreaterOrEqual(t, s.Switches(), uint64(400))
	assert.NotZero(t, s.Stacks[StackNormal])
	assert.NotZero(t, s.IdleStacks[StackNormal])
	assert.GreaterOrEqual(t, s.LatencyP99, s.LatencyP50)
	assert.NotZero(t, s.Signals)
}

func TestRuntime_statsStates(t *testing.T) {
	rt := newRuntime(t, WithConcurrency(2), WithRunQueueSize(100), WithMetricsInterval(0))
	var m Mutex
	m.Lock()
	id, err := rt.StartBackground(nil, func(any) any {
		m.Lock()
		m.Unlock()
		return nil
	}, nil)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		s := rt.Stats()
		return s.Blocked == 1 && s.Ready == 0 && s.Running == 0 && s.Parked == 2
	}, 5*time.Second, time.Millisecond)
	s := rt.Stats()
	assert.Equal(t, 1, s.Entities)
	assert.GreaterOrEqual(t, s.EntitySlots, 1)
	for _, w := range s.Workers {
		assert.Equal(t, 128, w.RunQueueCap)
	}

	m.Unlock()
	_, err = rt.Join(id)
	require.NoError(t, err)
	s = rt.Stats()
	assert.Zero(t, s.Blocked)
	assert.Zero(t, s.Entities)
}
