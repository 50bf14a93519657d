package timer

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestThread_firesInDeadlineOrder(t *testing.T) {
	x := New(Options{})
	defer x.Stop()

	var mu sync.Mutex
	var order []int
	done := make(chan struct{})
	base := time.Now()
	for _, i := range []int{3, 1, 2} {
		_, err := x.Schedule(base.Add(time.Duration(i)*15*time.Millisecond), func() {
			mu.Lock()
			order = append(order, i)
			n := len(order)
			mu.Unlock()
			if n == 3 {
				close(done)
			}
		}, true)
		require.NoError(t, err)
	}
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal(`timers did not fire`)
	}
	assert.Equal(t, []int{1, 2, 3}, order)
	s := x.Stats()
	assert.Equal(t, uint64(3), s.Scheduled)
	assert.Equal(t, uint64(3), s.Triggered)
	assert.Equal(t, 0, s.Pending)
}

func TestThread_earlierDeadlineWakesThread(t *testing.T) {
	x := New(Options{})
	defer x.Stop()

	_, err := x.Schedule(time.Now().Add(time.Hour), func() {}, true)
	require.NoError(t, err)

	fired := make(chan time.Time, 1)
	start := time.Now()
	_, err = x.Schedule(start.Add(10*time.Millisecond), func() { fired <- time.Now() }, true)
	require.NoError(t, err)
	select {
	case at := <-fired:
		assert.Less(t, at.Sub(start), time.Second)
	case <-time.After(5 * time.Second):
		t.Fatal(`earlier timer did not wake the thread`)
	}
}

func TestThread_unschedule(t *testing.T) {
	x := New(Options{})
	defer x.Stop()

	var ran atomic.Bool
	id, err := x.Schedule(time.Now().Add(50*time.Millisecond), func() { ran.Store(true) }, true)
	require.NoError(t, err)
	require.NoError(t, x.Unschedule(id))
	assert.ErrorIs(t, x.Unschedule(id), ErrNotFound)
	time.Sleep(100 * time.Millisecond)
	assert.False(t, ran.Load())
	assert.Equal(t, uint64(1), x.Stats().Unscheduled)
	assert.ErrorIs(t, x.Unschedule(0), ErrNotFound)
}

func TestThread_unscheduleRunning(t *testing.T) {
	x := New(Options{})
	defer x.Stop()

	entered := make(chan struct{})
	release := make(chan struct{})
	id, err := x.Schedule(time.Now(), func() {
		close(entered)
		<-release
	}, true)
	require.NoError(t, err)
	<-entered
	assert.ErrorIs(t, x.Unschedule(id), ErrRunning)
	close(release)
	require.Eventually(t, func() bool {
		return x.Unschedule(id) == ErrNotFound
	}, 5*time.Second, time.Millisecond)
}

func TestThread_dispatch(t *testing.T) {
	var dispatched atomic.Int32
	ran := make(chan struct{})
	x := New(Options{Dispatch: func(fn func()) {
		dispatched.Add(1)
		go fn()
	}})
	defer x.Stop()

	_, err := x.Schedule(time.Now(), func() { close(ran) }, false)
	require.NoError(t, err)
	select {
	case <-ran:
	case <-time.After(5 * time.Second):
		t.Fatal(`dispatched callback did not run`)
	}
	assert.Equal(t, int32(1), dispatched.Load())
}

func TestThread_panicIsolated(t *testing.T) {
	x := New(Options{})
	defer x.Stop()

	_, err := x.Schedule(time.Now(), func() { panic(`boom`) }, true)
	require.NoError(t, err)
	ran := make(chan struct{})
	_, err = x.Schedule(time.Now().Add(5*time.Millisecond), func() { close(ran) }, true)
	require.NoError(t, err)
	select {
	case <-ran:
	case <-time.After(5 * time.Second):
		t.Fatal(`thread died after a panicking callback`)
	}
}

func TestThread_stop(t *testing.T) {
	x := New(Options{})
	var ran atomic.Bool
	_, err := x.Schedule(time.Now().Add(time.Hour), func() { ran.Store(true) }, true)
	require.NoError(t, err)
	x.Stop()
	x.Stop()
	_, err = x.Schedule(time.Now(), func() {}, true)
	assert.ErrorIs(t, err, ErrStopped)
	assert.False(t, ran.Load())
	assert.Equal(t, 0, x.Stats().Pending)
}
