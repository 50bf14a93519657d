package fiber

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/joeycumines/go-catrate"
	"github.com/joeycumines/logiface"

	"github.com/flare-rpc/flare-go/internal/slot"
	"github.com/flare-rpc/flare-go/internal/timer"
)

type (
	// ID identifies a fiber. Zero is never a valid fiber, and is what Self
	// returns outside of one.
	ID uint64

	// Func is a fiber's entry point. Its return value is delivered by Join.
	Func func(arg any) any

	// TimerID identifies a timer added with AddTimer.
	TimerID uint64

	// Runtime is an M:N fiber scheduler. Workers start with the first
	// fiber. Several runtimes may coexist.
	Runtime struct {
		opts     *runtimeOptions
		logger   *logiface.Logger[logiface.Event]
		entities *slot.Table[entity]
		group    *group
		timers   *timer.Thread
		stacks   [stackClasses]*stackPool
		panics   *catrate.Limiter
		metrics  *runtimeMetrics
		idle     chan struct{}
		idleOnce sync.Once
		keys     keyRegistry

		// mu guards concurrency and the started transition
		mu          sync.Mutex
		concurrency int

		live     atomic.Int64
		nosignal atomic.Int64
		started  atomic.Bool
		closed   atomic.Bool
	}
)

// New creates a Runtime. No workers run until the first fiber is started.
func New(opts ...Option) (*Runtime, error) {
	cfg, err := resolveOptions(opts)
	if err != nil {
		return nil, err
	}
	rt := &Runtime{
		opts:        cfg,
		logger:      cfg.logger,
		entities:    slot.New[entity](cfg.maxFibers),
		idle:        make(chan struct{}),
		concurrency: cfg.concurrency,
		panics: catrate.NewLimiter(map[time.Duration]int{
			time.Second: 5,
			time.Minute: 60,
		}),
	}
	rt.group = newGroup(rt)
	rt.stacks[StackNormal] = newStackPool(StackNormal, cfg.stackPoolSize)
	rt.stacks[StackSmall] = newStackPool(StackSmall, 2*cfg.stackPoolSize)
	rt.timers = timer.New(timer.Options{
		Dispatch: rt.dispatchTimer,
		Logger:   cfg.logger,
	})
	rt.metrics = newRuntimeMetrics(rt)
	rt.metrics.start()
	return rt, nil
}

func (rt *Runtime) ensureStarted() error {
	if rt.started.Load() {
		return nil
	}
	rt.mu.Lock()
	defer rt.mu.Unlock()
	if rt.closed.Load() {
		return ErrClosed
	}
	if !rt.started.Load() {
		rt.group.addWorkers(rt.concurrency)
		rt.started.Store(true)
		rt.logger.Debug().
			Int("workers", rt.concurrency).
			Log("fiber: runtime started")
	}
	return nil
}

// StartUrgent starts fn(arg) in a new fiber. Called from a fiber of this
// runtime, the caller is suspended and the new fiber runs first, on the
// same worker; the caller is runnable again once the new fiber first
// switches out. Elsewhere it behaves like StartBackground.
func (rt *Runtime) StartUrgent(attr *Attr, fn Func, arg any) (ID, error) {
	return rt.start(attr, fn, arg, true)
}

// StartBackground starts fn(arg) in a new fiber and returns without
// switching to it.
func (rt *Runtime) StartBackground(attr *Attr, fn Func, arg any) (ID, error) {
	return rt.start(attr, fn, arg, false)
}

func (rt *Runtime) start(attr *Attr, fn Func, arg any, urgent bool) (ID, error) {
	if fn == nil {
		return 0, fmt.Errorf("%w: nil fiber function", ErrInvalidArgument)
	}
	if attr == nil {
		attr = &AttrNormal
	}
	if !attr.valid() {
		return 0, fmt.Errorf("%w: stack type %d", ErrInvalidArgument, attr.Stack)
	}
	if err := rt.ensureStarted(); err != nil {
		return 0, err
	}

	sid, e, err := rt.entities.Acquire()
	if err != nil {
		return 0, fmt.Errorf("%w: %w", ErrResourceExhausted, err)
	}
	id := ID(sid)
	e.reset(rt, id, *attr, fn, arg)

	rt.live.Add(1)
	if rt.closed.Load() {
		// lost the race with Close
		rt.entities.Release(sid)
		rt.exited()
		return 0, ErrClosed
	}

	cur := current()
	if cur != nil && cur.rt != rt {
		cur = nil
	}
	if urgent && cur != nil && cur.stack != nil {
		e.readyAt = time.Now()
		cur.suspend(func(w *worker) {
			w.requeue = append(w.requeue, cur)
			w.next = e
		})
		return id, nil
	}
	var w *worker
	if cur != nil {
		w = cur.worker
	}
	rt.ready(e, w)
	return id, nil
}

// ready makes e runnable. w is the worker the caller runs on (as the worker
// itself, or as a fiber it is running), or nil.
func (rt *Runtime) ready(e *entity, w *worker) {
	e.status.Store(statusReady)
	e.readyAt = time.Now()
	nosignal := e.attr.NoSignal
	if w != nil {
		w.push(uint64(e.id))
	} else {
		rt.group.chooseOne().remote.Push(uint64(e.id))
	}
	if nosignal {
		rt.nosignal.Add(1)
	} else {
		rt.group.signalTask(1)
	}
}

// execute runs a fiber's entry point and tears down its key table, on the
// fiber's own stack.
func (rt *Runtime) execute(e *entity) {
	completed := false
	defer func() {
		if completed {
			return
		}
		if r := recover(); r != nil {
			e.err = &PanicError{Value: r}
			rt.logPanic(e, r)
			rt.cleanupKeys(e)
			return
		}
		// Goexit: this goroutine, and the worker's if it was resuming us,
		// are being unwound, so nothing else will publish the exit
		e.err = ErrGoexit
		rt.cleanupKeys(e)
		rt.finish(e)
	}()
	e.result = e.fn(e.arg)
	completed = true
	rt.cleanupKeys(e)
}

func (rt *Runtime) cleanupKeys(e *entity) {
	defer func() {
		if r := recover(); r != nil {
			rt.logPanic(e, r)
		}
	}()
	e.releaseKeys()
}

func (rt *Runtime) logPanic(e *entity, r any) {
	rt.metrics.countPanic()
	if _, ok := rt.panics.Allow(fmt.Sprintf("%T", r)); !ok {
		return
	}
	rt.logger.Err().
		Uint64("fiber", uint64(e.id)).
		Any("panic", r).
		Log("fiber: panicked")
}

// finish publishes that e exited, waking joiners. Detached fibers are
// reclaimed here, the rest by Join.
func (rt *Runtime) finish(e *entity) {
	e.stack = nil
	e.worker = nil
	q := &e.joinQ
	q.mu.Lock()
	e.finished = true
	e.status.Store(statusFinished)
	e.fn, e.arg = nil, nil
	recycle := e.detached
	q.wakeAllLocked()
	q.mu.Unlock()
	if recycle {
		rt.recycle(e)
	}
	rt.exited()
}

func (rt *Runtime) recycle(e *entity) {
	e.result, e.err = nil, nil
	rt.entities.Release(slot.ID(e.id))
}

func (rt *Runtime) exited() {
	if rt.live.Add(-1) == 0 && rt.closed.Load() {
		rt.idleOnce.Do(func() { close(rt.idle) })
	}
}

func (rt *Runtime) lookup(id ID) (*entity, error) {
	if id == 0 {
		return nil, fmt.Errorf("%w: fiber 0", ErrInvalidArgument)
	}
	e, ok := rt.entities.Lookup(slot.ID(id))
	if !ok {
		return nil, fmt.Errorf("%w: no fiber %d", ErrInvalidArgument, id)
	}
	return e, nil
}

// Join waits for the fiber to exit and returns its result. A fiber that
// panicked yields a *PanicError. Joining 0, the calling fiber, a detached
// fiber, a fiber someone else is joining, or an id that was already joined
// fails with ErrInvalidArgument. Only the calling fiber is suspended.
func (rt *Runtime) Join(id ID) (any, error) {
	e, err := rt.lookup(id)
	if err != nil {
		return nil, err
	}
	if cur := current(); cur != nil && cur.rt == rt && cur.id == id {
		return nil, fmt.Errorf("%w: fiber %d joining itself", ErrInvalidArgument, id)
	}
	q := &e.joinQ
	q.mu.Lock()
	if !rt.entities.Valid(slot.ID(id)) || e.joined || e.detached {
		q.mu.Unlock()
		return nil, fmt.Errorf("%w: fiber %d is not joinable", ErrInvalidArgument, id)
	}
	e.joined = true
	q.mu.Unlock()

	_ = q.wait(func() bool { return !e.finished }, time.Time{}, false)

	result, ferr := e.result, e.err
	rt.recycle(e)
	return result, ferr
}

// Detach makes the fiber reclaim itself on exit. It can't be joined
// afterwards.
func (rt *Runtime) Detach(id ID) error {
	e, err := rt.lookup(id)
	if err != nil {
		return err
	}
	q := &e.joinQ
	q.mu.Lock()
	if !rt.entities.Valid(slot.ID(id)) || e.joined {
		q.mu.Unlock()
		return fmt.Errorf("%w: fiber %d can't be detached", ErrInvalidArgument, id)
	}
	recycle := e.finished && !e.detached
	e.detached = true
	q.mu.Unlock()
	if recycle {
		rt.recycle(e)
	}
	return nil
}

// Stop asks the fiber to stop. It is woken from any interruptible wait
// (sleeps, condition waits, Await) with ErrCancelled, and its later
// suspension points observe the request. Running code is never interrupted.
func (rt *Runtime) Stop(id ID) error {
	e, err := rt.lookup(id)
	if err != nil {
		return err
	}
	q := &e.joinQ
	q.mu.Lock()
	defer q.mu.Unlock()
	if !rt.entities.Valid(slot.ID(id)) {
		return fmt.Errorf("%w: no fiber %d", ErrInvalidArgument, id)
	}
	e.stopped.Store(true)
	if w := e.waiter.Load(); w != nil {
		w.cancel()
	}
	return nil
}

// Stopped reports whether Stop was called for the fiber. Stale ids report
// true.
func (rt *Runtime) Stopped(id ID) bool {
	e, err := rt.lookup(id)
	if err != nil {
		return true
	}
	q := &e.joinQ
	q.mu.Lock()
	defer q.mu.Unlock()
	return !rt.entities.Valid(slot.ID(id)) || e.stopped.Load()
}

// Flush wakes workers for fibers made runnable with Attr.NoSignal.
func (rt *Runtime) Flush() {
	if n := rt.nosignal.Swap(0); n > 0 && rt.started.Load() {
		rt.group.signalTask(int(n))
	}
}

// SetConcurrency sets the number of workers. Before the first fiber any
// value in [1, MaxConcurrency] is accepted. Afterwards workers can only be
// added: a value below the current count fails with ErrInvalidArgument and
// changes nothing.
func (rt *Runtime) SetConcurrency(n int) error {
	if n < 1 || n > MaxConcurrency {
		return fmt.Errorf("%w: concurrency %d not in [1, %d]", ErrInvalidArgument, n, MaxConcurrency)
	}
	rt.mu.Lock()
	defer rt.mu.Unlock()
	if rt.closed.Load() {
		return ErrClosed
	}
	if !rt.started.Load() {
		rt.concurrency = n
		return nil
	}
	switch {
	case n < rt.concurrency:
		return fmt.Errorf("%w: concurrency can't shrink from %d to %d", ErrInvalidArgument, rt.concurrency, n)
	case n > rt.concurrency:
		rt.group.addWorkers(n - rt.concurrency)
		rt.logger.Info().
			Int("from", rt.concurrency).
			Int("to", n).
			Log("fiber: concurrency raised")
		rt.concurrency = n
	}
	return nil
}

// Concurrency returns the number of workers, or the number that will start
// with the first fiber.
func (rt *Runtime) Concurrency() int {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	return rt.concurrency
}

// AddTimer runs fn in a new detached fiber at deadline.
func (rt *Runtime) AddTimer(deadline time.Time, fn func()) (TimerID, error) {
	if fn == nil {
		return 0, fmt.Errorf("%w: nil timer callback", ErrInvalidArgument)
	}
	if rt.closed.Load() {
		return 0, ErrClosed
	}
	id, err := rt.timers.Schedule(deadline, fn, false)
	if err != nil {
		return 0, fmt.Errorf("%w: %w", ErrClosed, err)
	}
	return TimerID(id), nil
}

// RemoveTimer cancels a timer. It returns ErrTimerRunning if the callback
// is being dispatched right now, and ErrInvalidArgument if the timer
// already ran or doesn't exist.
func (rt *Runtime) RemoveTimer(id TimerID) error {
	switch err := rt.timers.Unschedule(timer.ID(id)); err {
	case nil:
		return nil
	case timer.ErrRunning:
		return ErrTimerRunning
	default:
		return fmt.Errorf("%w: timer %d: %w", ErrInvalidArgument, id, err)
	}
}

func (rt *Runtime) dispatchTimer(fn func()) {
	if _, err := rt.StartBackground(&AttrDetached, func(any) any {
		fn()
		return nil
	}, nil); err != nil {
		rt.logger.Warning().
			Err(err).
			Log("fiber: dropped timer callback")
	}
}

// Close stops accepting fibers and waits, until ctx is done, for existing
// fibers to exit. The workers and the timer thread then shut down. If ctx
// ends first its error is returned and fibers still alive are abandoned.
// Close must not be called from one of the runtime's own fibers.
func (rt *Runtime) Close(ctx context.Context) error {
	if cur := current(); cur != nil && cur.rt == rt {
		return fmt.Errorf("%w: Close called from fiber %d", ErrInvalidArgument, cur.id)
	}
	rt.mu.Lock()
	if rt.closed.Load() {
		rt.mu.Unlock()
		return ErrClosed
	}
	rt.closed.Store(true)
	started := rt.started.Load()
	rt.mu.Unlock()

	rt.metrics.stop()
	if rt.live.Load() == 0 {
		rt.idleOnce.Do(func() { close(rt.idle) })
	}

	var err error
	select {
	case <-rt.idle:
	case <-ctx.Done():
		err = ctx.Err()
		rt.logger.Warning().
			Int64("live", rt.live.Load()).
			Err(err).
			Log("fiber: close abandoned live fibers")
	}

	if started {
		rt.group.stop()
		if err == nil {
			rt.group.wg.Wait()
		}
	}
	rt.timers.Stop()
	for _, p := range rt.stacks {
		p.drain()
	}
	return err
}
