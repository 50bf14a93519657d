package fiber

import (
	"context"
	"errors"
	"runtime"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flare-rpc/flare-go/internal/logging"
	"github.com/flare-rpc/flare-go/internal/slot"
)

func newRuntime(t *testing.T, opts ...Option) *Runtime {
	t.Helper()
	rt, err := New(append([]Option{WithLogger(logging.Discard())}, opts...)...)
	require.NoError(t, err)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := rt.Close(ctx); err != nil && !errors.Is(err, ErrClosed) {
			t.Errorf("close: %v", err)
		}
	})
	return rt
}

func TestNew_invalidOptions(t *testing.T) {
	for _, opt := range []Option{
		WithConcurrency(0),
		WithConcurrency(MaxConcurrency + 1),
		WithMaxFibers(0),
		WithRunQueueSize(-1),
		WithStackPoolSize(-1),
		WithMetricsInterval(-time.Second),
	} {
		_, err := New(opt)
		assert.ErrorIs(t, err, ErrInvalidArgument)
	}
	rt, err := New(nil, WithConcurrency(3))
	require.NoError(t, err)
	assert.Equal(t, 3, rt.Concurrency())
	require.NoError(t, rt.Close(context.Background()))
}

func TestRuntime_startJoin(t *testing.T) {
	rt := newRuntime(t)
	id, err := rt.StartBackground(nil, func(arg any) any {
		assert.NotZero(t, Self())
		return arg.(int) * 2
	}, 21)
	require.NoError(t, err)
	require.NotZero(t, id)
	v, err := rt.Join(id)
	require.NoError(t, err)
	assert.Equal(t, 42, v)
}

func TestRuntime_startInvalid(t *testing.T) {
	rt := newRuntime(t)
	_, err := rt.StartBackground(nil, nil, nil)
	assert.ErrorIs(t, err, ErrInvalidArgument)
	_, err = rt.StartUrgent(&Attr{Stack: StackType(9)}, func(any) any { return nil }, nil)
	assert.ErrorIs(t, err, ErrInvalidArgument)
}

func TestRuntime_stackTypes(t *testing.T) {
	rt := newRuntime(t)
	for _, attr := range []Attr{AttrNormal, AttrSmall, AttrPthread} {
		t.Run(attr.Stack.String(), func(t *testing.T) {
			id, err := rt.StartBackground(&attr, func(any) any {
				self := Self()
				if err := Yield(); err != nil {
					return err
				}
				if err := SleepFor(time.Millisecond); err != nil {
					return err
				}
				return self
			}, nil)
			require.NoError(t, err)
			v, err := rt.Join(id)
			require.NoError(t, err)
			assert.Equal(t, id, v)
		})
	}
}

func TestRuntime_churnUniqueIDs(t *testing.T) {
	rt := newRuntime(t, WithConcurrency(4))
	const producers, perProducer = 8, 12500
	var (
		mu   sync.Mutex
		seen = make(map[ID]struct{}, producers*perProducer)
		ran  atomic.Int64
		wg   sync.WaitGroup
	)
	for i := 0; i < producers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ids := make([]ID, 0, perProducer)
			for j := 0; j < perProducer; j++ {
				id, err := rt.StartBackground(&AttrSmall, func(any) any {
					ran.Add(1)
					return nil
				}, nil)
				if !assert.NoError(t, err) {
					return
				}
				ids = append(ids, id)
			}
			mu.Lock()
			for _, id := range ids {
				_, dup := seen[id]
				assert.False(t, dup, "duplicate id %d", id)
				seen[id] = struct{}{}
			}
			mu.Unlock()
			for _, id := range ids {
				_, err := rt.Join(id)
				assert.NoError(t, err)
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, int64(producers*perProducer), ran.Load())
	assert.Len(t, seen, producers*perProducer)
	assert.Zero(t, rt.Stats().Entities)
}

func TestRuntime_idsNotReusedAfterExit(t *testing.T) {
	rt := newRuntime(t, WithMaxFibers(1))
	noop := func(any) any { return nil }
	first, err := rt.StartBackground(nil, noop, nil)
	require.NoError(t, err)
	_, err = rt.Join(first)
	require.NoError(t, err)
	second, err := rt.StartBackground(nil, noop, nil)
	require.NoError(t, err)
	assert.NotEqual(t, first, second)
	assert.True(t, rt.Stopped(first))
	assert.ErrorIs(t, rt.Stop(first), ErrInvalidArgument)
	_, err = rt.Join(second)
	require.NoError(t, err)
}

func TestRuntime_maxFibers(t *testing.T) {
	rt := newRuntime(t, WithMaxFibers(2))
	release := make(chan struct{})
	block := func(any) any {
		_, _ = Await(context.Background(), func(context.Context) (any, error) {
			<-release
			return nil, nil
		})
		return nil
	}
	a, err := rt.StartBackground(nil, block, nil)
	require.NoError(t, err)
	b, err := rt.StartBackground(nil, block, nil)
	require.NoError(t, err)
	_, err = rt.StartBackground(nil, block, nil)
	assert.ErrorIs(t, err, ErrResourceExhausted)
	close(release)
	for _, id := range []ID{a, b} {
		_, err := rt.Join(id)
		require.NoError(t, err)
	}
}

func TestRuntime_joinErrors(t *testing.T) {
	rt := newRuntime(t)

	_, err := rt.Join(0)
	assert.ErrorIs(t, err, ErrInvalidArgument)

	id, err := rt.StartBackground(nil, func(any) any {
		_, err := rt.Join(Self())
		return err
	}, nil)
	require.NoError(t, err)
	v, err := rt.Join(id)
	require.NoError(t, err)
	assert.ErrorIs(t, v.(error), ErrInvalidArgument)

	_, err = rt.Join(id)
	assert.ErrorIs(t, err, ErrInvalidArgument, "already joined")

	release := make(chan struct{})
	id, err = rt.StartBackground(&AttrDetached, func(any) any {
		<-release
		return nil
	}, nil)
	require.NoError(t, err)
	_, err = rt.Join(id)
	assert.ErrorIs(t, err, ErrInvalidArgument, "detached")
	close(release)
}

func TestRuntime_concurrentJoin(t *testing.T) {
	rt := newRuntime(t)
	release := make(chan struct{})
	id, err := rt.StartBackground(nil, func(any) any {
		<-release
		return 7
	}, nil)
	require.NoError(t, err)

	joined := make(chan error, 1)
	go func() {
		_, err := rt.Join(id)
		joined <- err
	}()
	e, ok := rt.entities.Lookup(slot.ID(id))
	require.True(t, ok)
	assert.Eventually(t, func() bool {
		e.joinQ.mu.Lock()
		defer e.joinQ.mu.Unlock()
		return e.joined
	}, 5*time.Second, time.Millisecond)
	_, err = rt.Join(id)
	assert.ErrorIs(t, err, ErrInvalidArgument)
	assert.ErrorIs(t, rt.Detach(id), ErrInvalidArgument)
	close(release)
	assert.NoError(t, <-joined)
}

func TestRuntime_joinFromFiber(t *testing.T) {
	rt := newRuntime(t, WithConcurrency(1))
	parent, err := rt.StartBackground(nil, func(any) any {
		child, err := rt.StartBackground(nil, func(any) any {
			_ = SleepFor(5 * time.Millisecond)
			return "child"
		}, nil)
		if err != nil {
			return err
		}
		v, err := rt.Join(child)
		if err != nil {
			return err
		}
		return v
	}, nil)
	require.NoError(t, err)
	v, err := rt.Join(parent)
	require.NoError(t, err)
	assert.Equal(t, "child", v)
}

func TestRuntime_startUrgentRunsFirst(t *testing.T) {
	rt := newRuntime(t, WithConcurrency(1))
	var (
		mu    sync.Mutex
		order []string
	)
	record := func(s string) {
		mu.Lock()
		order = append(order, s)
		mu.Unlock()
	}
	id, err := rt.StartBackground(nil, func(any) any {
		record("parent")
		child, err := rt.StartUrgent(nil, func(any) any {
			record("child")
			return nil
		}, nil)
		if err != nil {
			return err
		}
		record("parent resumed")
		_, err = rt.Join(child)
		return err
	}, nil)
	require.NoError(t, err)
	v, err := rt.Join(id)
	require.NoError(t, err)
	assert.Nil(t, v)
	assert.Equal(t, []string{"parent", "child", "parent resumed"}, order)
}

func TestRuntime_startUrgentOutsideFiber(t *testing.T) {
	rt := newRuntime(t)
	id, err := rt.StartUrgent(nil, func(any) any { return 1 }, nil)
	require.NoError(t, err)
	v, err := rt.Join(id)
	require.NoError(t, err)
	assert.Equal(t, 1, v)
}

func TestYield_interleaves(t *testing.T) {
	rt := newRuntime(t, WithConcurrency(1))
	var order []byte
	loop := func(arg any) any {
		for i := 0; i < 3; i++ {
			order = append(order, arg.(byte))
			if err := Yield(); err != nil {
				return err
			}
		}
		return nil
	}
	id, err := rt.StartBackground(nil, func(any) any {
		a, _ := rt.StartBackground(nil, loop, byte('a'))
		b, _ := rt.StartBackground(nil, loop, byte('b'))
		_, _ = rt.Join(a)
		_, _ = rt.Join(b)
		return nil
	}, nil)
	require.NoError(t, err)
	_, err = rt.Join(id)
	require.NoError(t, err)
	require.Len(t, order, 6)
	for i := 1; i < len(order); i++ {
		assert.NotEqual(t, order[i-1], order[i], "order %q", order)
	}
}

func TestYield_outsideFiber(t *testing.T) {
	assert.NoError(t, Yield())
	assert.Zero(t, Self())
	assert.False(t, Stopped())
	assert.True(t, Equal(Self(), 0))
}

func TestYield_stopped(t *testing.T) {
	rt := newRuntime(t)
	gate := make(chan struct{})
	id, err := rt.StartBackground(nil, func(any) any {
		<-gate
		return []any{Stopped(), Yield()}
	}, nil)
	require.NoError(t, err)
	require.NoError(t, rt.Stop(id))
	close(gate)
	v, err := rt.Join(id)
	require.NoError(t, err)
	res := v.([]any)
	assert.Equal(t, true, res[0])
	assert.ErrorIs(t, res[1].(error), ErrCancelled)
}

func TestSleepFor(t *testing.T) {
	rt := newRuntime(t)
	id, err := rt.StartBackground(nil, func(any) any {
		start := time.Now()
		if err := SleepFor(20 * time.Millisecond); err != nil {
			return err
		}
		return time.Since(start)
	}, nil)
	require.NoError(t, err)
	v, err := rt.Join(id)
	require.NoError(t, err)
	require.IsType(t, time.Duration(0), v)
	assert.GreaterOrEqual(t, v.(time.Duration), 20*time.Millisecond)

	start := time.Now()
	require.NoError(t, SleepFor(5*time.Millisecond))
	assert.GreaterOrEqual(t, time.Since(start), 5*time.Millisecond)
}

func TestSleepFor_pastDeadline(t *testing.T) {
	rt := newRuntime(t)
	id, err := rt.StartBackground(nil, func(any) any {
		return SleepUntil(time.Now().Add(-time.Second))
	}, nil)
	require.NoError(t, err)
	v, err := rt.Join(id)
	require.NoError(t, err)
	assert.Nil(t, v)
}

func TestStop_interruptsSleep(t *testing.T) {
	rt := newRuntime(t)
	started := make(chan struct{})
	id, err := rt.StartBackground(nil, func(any) any {
		close(started)
		err := SleepFor(10 * time.Second)
		return []any{err, Stopped()}
	}, nil)
	require.NoError(t, err)
	<-started
	time.Sleep(10 * time.Millisecond)
	start := time.Now()
	require.NoError(t, rt.Stop(id))
	assert.True(t, rt.Stopped(id))
	v, err := rt.Join(id)
	require.NoError(t, err)
	assert.Less(t, time.Since(start), 5*time.Second)
	res := v.([]any)
	assert.ErrorIs(t, res[0].(error), ErrCancelled)
	assert.Equal(t, true, res[1])
}

func TestStop_beforeSleep(t *testing.T) {
	rt := newRuntime(t, WithConcurrency(1))
	gate := make(chan struct{})
	id, err := rt.StartBackground(nil, func(any) any {
		<-gate
		return SleepFor(time.Hour)
	}, nil)
	require.NoError(t, err)
	require.NoError(t, rt.Stop(id))
	close(gate)
	v, err := rt.Join(id)
	require.NoError(t, err)
	assert.ErrorIs(t, v.(error), ErrCancelled)
}

func TestStop_invalid(t *testing.T) {
	rt := newRuntime(t)
	assert.ErrorIs(t, rt.Stop(0), ErrInvalidArgument)
	assert.True(t, rt.Stopped(0))
}

func TestDetach(t *testing.T) {
	rt := newRuntime(t)
	release := make(chan struct{})
	done := make(chan struct{})
	id, err := rt.StartBackground(nil, func(any) any {
		<-release
		close(done)
		return nil
	}, nil)
	require.NoError(t, err)
	require.NoError(t, rt.Detach(id))
	require.NoError(t, rt.Detach(id), "detaching twice is allowed")
	_, err = rt.Join(id)
	assert.ErrorIs(t, err, ErrInvalidArgument)
	close(release)
	<-done
	assert.Eventually(t, func() bool { return rt.Stats().Entities == 0 }, 5*time.Second, time.Millisecond)
}

func TestDetach_afterExit(t *testing.T) {
	rt := newRuntime(t)
	id, err := rt.StartBackground(nil, func(any) any { return nil }, nil)
	require.NoError(t, err)
	assert.Eventually(t, func() bool { return rt.Stats().Live == 0 }, 5*time.Second, time.Millisecond)
	assert.Equal(t, 1, rt.Stats().Entities)
	require.NoError(t, rt.Detach(id))
	assert.Zero(t, rt.Stats().Entities)
	assert.ErrorIs(t, rt.Detach(id), ErrInvalidArgument)
}

func TestRuntime_panicIsolated(t *testing.T) {
	rt := newRuntime(t, WithConcurrency(1))
	boom := errors.New("boom")
	id, err := rt.StartBackground(nil, func(any) any { panic(boom) }, nil)
	require.NoError(t, err)
	v, err := rt.Join(id)
	assert.Nil(t, v)
	var pe *PanicError
	require.ErrorAs(t, err, &pe)
	assert.Equal(t, boom, pe.Value)
	assert.ErrorIs(t, err, boom)

	id, err = rt.StartBackground(&AttrPthread, func(any) any { panic("pthread") }, nil)
	require.NoError(t, err)
	_, err = rt.Join(id)
	require.ErrorAs(t, err, &pe)
	assert.Equal(t, "pthread", pe.Value)

	id, err = rt.StartBackground(nil, func(any) any { return "alive" }, nil)
	require.NoError(t, err)
	v, err = rt.Join(id)
	require.NoError(t, err)
	assert.Equal(t, "alive", v)
}

func TestRuntime_goexit(t *testing.T) {
	rt := newRuntime(t, WithConcurrency(1))
	for _, attr := range []Attr{AttrNormal, AttrPthread} {
		id, err := rt.StartBackground(&attr, func(any) any {
			runtime.Goexit()
			return nil
		}, nil)
		require.NoError(t, err)
		_, err = rt.Join(id)
		assert.ErrorIs(t, err, ErrGoexit)
	}
	id, err := rt.StartBackground(nil, func(any) any { return "alive" }, nil)
	require.NoError(t, err)
	v, err := rt.Join(id)
	require.NoError(t, err)
	assert.Equal(t, "alive", v)
}

func TestRuntime_noSignalFlush(t *testing.T) {
	rt := newRuntime(t, WithConcurrency(2))
	attr := Attr{NoSignal: true}
	var ids []ID
	for i := 0; i < 10; i++ {
		id, err := rt.StartBackground(&attr, func(arg any) any { return arg }, i)
		require.NoError(t, err)
		ids = append(ids, id)
	}
	rt.Flush()
	for i, id := range ids {
		v, err := rt.Join(id)
		require.NoError(t, err)
		assert.Equal(t, i, v)
	}
}

func TestRuntime_setConcurrency(t *testing.T) {
	rt := newRuntime(t, WithConcurrency(1))
	assert.ErrorIs(t, rt.SetConcurrency(0), ErrInvalidArgument)
	assert.ErrorIs(t, rt.SetConcurrency(MaxConcurrency+1), ErrInvalidArgument)
	require.NoError(t, rt.SetConcurrency(2))
	assert.Equal(t, 2, rt.Concurrency())
	assert.Empty(t, rt.Stats().Workers, "workers start lazily")

	id, err := rt.StartBackground(nil, func(any) any { return nil }, nil)
	require.NoError(t, err)
	_, err = rt.Join(id)
	require.NoError(t, err)
	assert.Len(t, rt.Stats().Workers, 2)

	assert.ErrorIs(t, rt.SetConcurrency(1), ErrInvalidArgument)
	assert.Equal(t, 2, rt.Concurrency())
	require.NoError(t, rt.SetConcurrency(4))
	assert.Equal(t, 4, rt.Concurrency())
	assert.Len(t, rt.Stats().Workers, 4)
	require.NoError(t, rt.SetConcurrency(4))
}

func TestRuntime_parallelism(t *testing.T) {
	rt := newRuntime(t, WithConcurrency(4))
	var running, peak atomic.Int32
	var ids []ID
	for i := 0; i < 16; i++ {
		id, err := rt.StartBackground(nil, func(any) any {
			n := running.Add(1)
			for {
				p := peak.Load()
				if n <= p || peak.CompareAndSwap(p, n) {
					break
				}
			}
			// spin without suspending, so only other workers can make progress
			deadline := time.Now().Add(20 * time.Millisecond)
			for time.Now().Before(deadline) {
			}
			running.Add(-1)
			return nil
		}, nil)
		require.NoError(t, err)
		ids = append(ids, id)
	}
	for _, id := range ids {
		_, err := rt.Join(id)
		require.NoError(t, err)
	}
	assert.Greater(t, peak.Load(), int32(1))
	s := rt.Stats()
	assert.GreaterOrEqual(t, s.Switches(), uint64(16))
}

func TestRuntime_noDoubleScheduling(t *testing.T) {
	rt := newRuntime(t, WithConcurrency(4), WithRunQueueSize(8))
	const fibers, rounds = 256, 60
	var (
		m          Mutex
		shared     int
		violations atomic.Int64
		early      atomic.Int64
	)
	body := func(any) any {
		var running atomic.Bool
		enter := func() {
			if !running.CompareAndSwap(false, true) {
				violations.Add(1)
			}
			if current().status.Load() != statusRunning {
				violations.Add(1)
			}
		}
		enter()
		for r := 0; r < rounds; r++ {
			running.Store(false)
			switch r % 3 {
			case 0:
				if err := Yield(); err != nil {
					return err
				}
			case 1:
				start := time.Now()
				if err := SleepFor(100 * time.Microsecond); err != nil {
					return err
				}
				if time.Since(start) < 100*time.Microsecond {
					early.Add(1)
				}
			case 2:
				m.Lock()
				shared++
				_ = Yield()
				m.Unlock()
			}
			enter()
		}
		running.Store(false)
		return nil
	}

	var ids []ID
	for i := 0; i < fibers; i++ {
		start := rt.StartBackground
		if i%4 == 0 {
			start = rt.StartUrgent
		}
		id, err := start(&AttrSmall, body, nil)
		require.NoError(t, err)
		ids = append(ids, id)
	}
	for _, id := range ids {
		v, err := rt.Join(id)
		require.NoError(t, err)
		assert.Nil(t, v)
	}
	assert.Zero(t, violations.Load(), "fiber resumed while already running")
	assert.Zero(t, early.Load(), "sleep resumed before its deadline")
	assert.Equal(t, fibers*(rounds/3), shared)
	s := rt.Stats()
	assert.Zero(t, s.Live)
	assert.GreaterOrEqual(t, s.Switches(), uint64(fibers*rounds))
}

func TestRuntime_addTimer(t *testing.T) {
	rt := newRuntime(t)
	fired := make(chan ID, 1)
	_, err := rt.AddTimer(time.Now().Add(10*time.Millisecond), func() { fired <- Self() })
	require.NoError(t, err)
	select {
	case id := <-fired:
		assert.NotZero(t, id, "callbacks run in a fiber")
	case <-time.After(5 * time.Second):
		t.Fatal("timer did not fire")
	}

	id, err := rt.AddTimer(time.Now().Add(time.Hour), func() { t.Error("removed timer fired") })
	require.NoError(t, err)
	require.NoError(t, rt.RemoveTimer(id))
	assert.ErrorIs(t, rt.RemoveTimer(id), ErrInvalidArgument)

	_, err = rt.AddTimer(time.Now(), nil)
	assert.ErrorIs(t, err, ErrInvalidArgument)
}

func TestRuntime_close(t *testing.T) {
	rt, err := New(WithLogger(logging.Discard()))
	require.NoError(t, err)
	var exited atomic.Bool
	id, err := rt.StartBackground(&AttrDetached, func(any) any {
		_ = SleepFor(20 * time.Millisecond)
		exited.Store(true)
		return nil
	}, nil)
	require.NoError(t, err)
	require.NotZero(t, id)

	require.NoError(t, rt.Close(context.Background()))
	assert.True(t, exited.Load(), "close waits for live fibers")

	_, err = rt.StartBackground(nil, func(any) any { return nil }, nil)
	assert.ErrorIs(t, err, ErrClosed)
	_, err = rt.AddTimer(time.Now(), func() {})
	assert.ErrorIs(t, err, ErrClosed)
	assert.ErrorIs(t, rt.SetConcurrency(2), ErrClosed)
	assert.ErrorIs(t, rt.Close(context.Background()), ErrClosed)
}

func TestRuntime_closeNeverStarted(t *testing.T) {
	rt, err := New()
	require.NoError(t, err)
	require.NoError(t, rt.Close(context.Background()))
}

func TestRuntime_closeDeadline(t *testing.T) {
	rt, err := New(WithLogger(logging.Discard()))
	require.NoError(t, err)
	release := make(chan struct{})
	defer close(release)
	_, err = rt.StartBackground(&AttrDetached, func(any) any {
		_, _ = Await(context.Background(), func(context.Context) (any, error) {
			<-release
			return nil, nil
		})
		return nil
	}, nil)
	require.NoError(t, err)
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, rt.Close(ctx), context.DeadlineExceeded)
}

func TestRuntime_closeFromFiber(t *testing.T) {
	rt := newRuntime(t)
	id, err := rt.StartBackground(nil, func(any) any {
		return rt.Close(context.Background())
	}, nil)
	require.NoError(t, err)
	v, err := rt.Join(id)
	require.NoError(t, err)
	assert.ErrorIs(t, v.(error), ErrInvalidArgument)
}

func TestRuntime_independentRuntimes(t *testing.T) {
	a := newRuntime(t, WithConcurrency(1))
	b := newRuntime(t, WithConcurrency(1))
	id, err := a.StartBackground(nil, func(any) any {
		inner, err := b.StartBackground(nil, func(any) any { return "b" }, nil)
		if err != nil {
			return err
		}
		v, err := b.Join(inner)
		if err != nil {
			return err
		}
		return v
	}, nil)
	require.NoError(t, err)
	v, err := a.Join(id)
	require.NoError(t, err)
	assert.Equal(t, "b", v)
}
