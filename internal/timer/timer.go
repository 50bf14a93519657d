// Package timer implements the scheduler's timer thread: a dedicated
// goroutine, locked to its OS thread, firing callbacks in deadline order.
package timer

import (
	"container/heap"
	"errors"
	"runtime"
	"sync"
	"time"

	"github.com/joeycumines/logiface"

	"github.com/flare-rpc/flare-go/internal/slot"
)

var (
	// ErrRunning is returned by Unschedule when the callback is executing.
	ErrRunning = errors.New("timer: callback is running")

	// ErrNotFound is returned by Unschedule for unknown or expired timers.
	ErrNotFound = errors.New("timer: not found")

	// ErrStopped is returned by Schedule once the thread has stopped.
	ErrStopped = errors.New("timer: thread stopped")
)

type (
	// ID identifies a scheduled timer. The zero value is never issued.
	ID = slot.ID

	// Options configure a Thread.
	Options struct {
		// Dispatch runs callbacks that were not scheduled inline. A nil
		// Dispatch runs them on a new goroutine.
		Dispatch func(fn func())

		// Logger receives panics from inline callbacks. May be nil.
		Logger *logiface.Logger[logiface.Event]
	}

	// Stats is a snapshot of a Thread's counters.
	Stats struct {
		Scheduled   uint64
		Triggered   uint64
		Unscheduled uint64
		Pending     int
	}

	// Thread owns the timer heap and the goroutine that drains it.
	Thread struct {
		opts    Options
		tasks   *slot.Table[task]
		wake    chan struct{}
		done    chan struct{}
		mu      sync.Mutex
		heap    taskHeap
		nearest time.Time
		stats   Stats
		stopped bool
	}

	task struct {
		when    time.Time
		fn      func()
		id      ID
		index   int // heap index, -1 when not queued
		inline  bool
		running bool
	}

	taskHeap []*task
)

func (h taskHeap) Len() int           { return len(h) }
func (h taskHeap) Less(i, j int) bool { return h[i].when.Before(h[j].when) }
func (h taskHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *taskHeap) Push(x any) {
	t := x.(*task)
	t.index = len(*h)
	*h = append(*h, t)
}

func (h *taskHeap) Pop() any {
	old := *h
	n := len(old)
	t := old[n-1]
	old[n-1] = nil
	t.index = -1
	*h = old[:n-1]
	return t
}

// New starts a timer thread.
func New(opts Options) *Thread {
	x := &Thread{
		opts:  opts,
		tasks: slot.New[task](0),
		wake:  make(chan struct{}, 1),
		done:  make(chan struct{}),
	}
	go x.run()
	return x
}

// Schedule registers fn to run at deadline. Inline callbacks run on the
// timer goroutine and must not block; the rest go through Options.Dispatch.
func (x *Thread) Schedule(deadline time.Time, fn func(), inline bool) (ID, error) {
	if fn == nil {
		return 0, errors.New("timer: nil callback")
	}
	x.mu.Lock()
	if x.stopped {
		x.mu.Unlock()
		return 0, ErrStopped
	}
	id, t, err := x.tasks.Acquire()
	if err != nil {
		x.mu.Unlock()
		return 0, err
	}
	*t = task{when: deadline, fn: fn, id: id, inline: inline}
	heap.Push(&x.heap, t)
	x.stats.Scheduled++
	earliest := x.nearest.IsZero() || deadline.Before(x.nearest)
	if earliest {
		x.nearest = deadline
	}
	x.mu.Unlock()

	if earliest {
		x.signal()
	}
	return id, nil
}

// Unschedule cancels a pending timer. It returns nil if the callback will
// not run, ErrRunning if it is executing right now, and ErrNotFound if the
// timer has already run or never existed.
func (x *Thread) Unschedule(id ID) error {
	x.mu.Lock()
	defer x.mu.Unlock()
	t, ok := x.tasks.Lookup(id)
	if !ok {
		return ErrNotFound
	}
	if t.running {
		return ErrRunning
	}
	if t.index < 0 {
		return ErrNotFound
	}
	heap.Remove(&x.heap, t.index)
	x.release(t)
	x.stats.Unscheduled++
	// nearest is left alone, the thread recomputes it on its next wake
	return nil
}

// Stop terminates the thread. Pending timers never run. It blocks until the
// goroutine has exited, and is safe to call more than once.
func (x *Thread) Stop() {
	x.mu.Lock()
	if !x.stopped {
		x.stopped = true
		for _, t := range x.heap {
			t.index = -1
			x.release(t)
		}
		x.heap = nil
	}
	x.mu.Unlock()
	x.signal()
	<-x.done
}

// Stats returns a snapshot of the counters.
func (x *Thread) Stats() Stats {
	x.mu.Lock()
	defer x.mu.Unlock()
	s := x.stats
	s.Pending = len(x.heap)
	return s
}

func (x *Thread) signal() {
	select {
	case x.wake <- struct{}{}:
	default:
	}
}

func (x *Thread) release(t *task) {
	t.fn = nil
	x.tasks.Release(t.id)
}

func (x *Thread) run() {
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()
	defer close(x.done)

	clock := time.NewTimer(time.Hour)
	defer clock.Stop()

	var due []*task
	for {
		x.mu.Lock()
		if x.stopped {
			x.mu.Unlock()
			return
		}
		now := time.Now()
		for len(x.heap) != 0 && !x.heap[0].when.After(now) {
			t := heap.Pop(&x.heap).(*task)
			t.running = true
			due = append(due, t)
		}
		if len(x.heap) != 0 {
			x.nearest = x.heap[0].when
		} else {
			x.nearest = time.Time{}
		}
		next := x.nearest
		x.mu.Unlock()

		if len(due) != 0 {
			for i, t := range due {
				x.fire(t)
				due[i] = nil
			}
			due = due[:0]
			continue
		}

		wait := time.Hour
		if !next.IsZero() {
			wait = time.Until(next)
		}
		clock.Reset(wait)
		select {
		case <-clock.C:
		case <-x.wake:
			clock.Stop()
		}
	}
}

func (x *Thread) fire(t *task) {
	fn := t.fn
	func() {
		defer func() {
			if r := recover(); r != nil {
				x.opts.Logger.Err().
					Any("panic", r).
					Uint64("timer", uint64(t.id)).
					Log("timer: callback panicked")
			}
		}()
		switch {
		case t.inline:
			fn()
		case x.opts.Dispatch != nil:
			x.opts.Dispatch(fn)
		default:
			go fn()
		}
	}()
	x.mu.Lock()
	x.stats.Triggered++
	t.running = false
	x.release(t)
	x.mu.Unlock()
}
