package fiber

import (
	"context"
	"errors"
	"runtime"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAwait_result(t *testing.T) {
	rt := newRuntime(t, WithConcurrency(1))
	var other atomic.Bool
	id, err := rt.StartBackground(nil, func(any) any {
		// another fiber keeps running on the only worker while this one waits
		peer, err := rt.StartBackground(nil, func(any) any {
			other.Store(true)
			return nil
		}, nil)
		if err != nil {
			return err
		}
		v, err := Await(context.Background(), func(ctx context.Context) (any, error) {
			deadline := time.Now().Add(5 * time.Second)
			for !other.Load() && time.Now().Before(deadline) {
				time.Sleep(time.Millisecond)
			}
			return "slow", nil
		})
		if err != nil {
			return err
		}
		if _, err := rt.Join(peer); err != nil {
			return err
		}
		return v
	}, nil)
	require.NoError(t, err)
	v, err := rt.Join(id)
	require.NoError(t, err)
	assert.Equal(t, "slow", v)
	assert.True(t, other.Load())
}

func TestAwait_error(t *testing.T) {
	sentinel := errors.New("sentinel")
	v, err := Await(context.Background(), func(context.Context) (any, error) {
		return 1, sentinel
	})
	assert.Equal(t, 1, v)
	assert.ErrorIs(t, err, sentinel)
}

func TestAwait_panicAndGoexit(t *testing.T) {
	_, err := Await(context.Background(), func(context.Context) (any, error) {
		panic("boom")
	})
	var pe *PanicError
	require.ErrorAs(t, err, &pe)
	assert.Equal(t, "boom", pe.Value)

	_, err = Await(context.Background(), func(context.Context) (any, error) {
		runtime.Goexit()
		return nil, nil
	})
	assert.ErrorIs(t, err, ErrGoexit)
}

func TestAwait_contextDone(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := Await(ctx, func(context.Context) (any, error) {
		t.Error("ran with a done context")
		return nil, nil
	})
	assert.ErrorIs(t, err, context.Canceled)

	rt := newRuntime(t)
	cancelled := make(chan struct{})
	id, err := rt.StartBackground(nil, func(any) any {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
		defer cancel()
		_, err := Await(ctx, func(ctx context.Context) (any, error) {
			<-ctx.Done()
			close(cancelled)
			return nil, nil
		})
		return err
	}, nil)
	require.NoError(t, err)
	v, err := rt.Join(id)
	require.NoError(t, err)
	assert.ErrorIs(t, v.(error), context.DeadlineExceeded)
	select {
	case <-cancelled:
	case <-time.After(5 * time.Second):
		t.Fatal("fn's context was not cancelled")
	}
}

func TestAwait_stop(t *testing.T) {
	rt := newRuntime(t)
	release := make(chan struct{})
	defer close(release)
	started := make(chan struct{})
	id, err := rt.StartBackground(nil, func(any) any {
		_, err := Await(context.Background(), func(context.Context) (any, error) {
			close(started)
			<-release
			return nil, nil
		})
		return err
	}, nil)
	require.NoError(t, err)
	<-started
	require.NoError(t, rt.Stop(id))
	v, err := rt.Join(id)
	require.NoError(t, err)
	assert.ErrorIs(t, v.(error), ErrCancelled)
}
