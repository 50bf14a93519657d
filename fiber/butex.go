package fiber

import (
	"sync"
	"time"

	"github.com/flare-rpc/flare-go/internal/timer"
)

type (
	// waitQueue is the wait list every blocking primitive is built on. A
	// caller parks on it only while a condition, evaluated under mu, holds.
	// Fibers give up their worker while parked, goroutines block on a
	// channel.
	waitQueue struct {
		mu   sync.Mutex
		head *waiter
		tail *waiter
	}

	// waiter is a single wait. Every field other than the links is written
	// once, before the waiter is claimed, and read by the waiting side after
	// it resumes.
	waiter struct {
		q      *waitQueue
		fib    *entity       // resumed through the run queues
		owner  *entity       // stopping it cancels the wait
		ch     chan struct{} // closed to wake a goroutine waiter
		timers *timer.Thread
		prev   *waiter
		next   *waiter
		result error
		timer  timer.ID

		interruptible bool
		claimed       bool
		queued        bool
	}
)

func (q *waitQueue) pushLocked(w *waiter) {
	w.prev, w.next = q.tail, nil
	if q.tail != nil {
		q.tail.next = w
	} else {
		q.head = w
	}
	q.tail = w
	w.queued = true
}

func (q *waitQueue) removeLocked(w *waiter) {
	if !w.queued {
		return
	}
	if w.prev != nil {
		w.prev.next = w.next
	} else {
		q.head = w.next
	}
	if w.next != nil {
		w.next.prev = w.prev
	} else {
		q.tail = w.prev
	}
	w.prev, w.next = nil, nil
	w.queued = false
}

// wakeLocked claims w and makes it runnable with result. Only the first
// claim succeeds.
func (q *waitQueue) wakeLocked(w *waiter, result error) bool {
	if w.claimed {
		return false
	}
	w.claimed = true
	w.result = result
	q.removeLocked(w)
	if w.timer != 0 {
		// ErrRunning means the timeout itself is waiting on q.mu, and will
		// find w claimed
		_ = w.timers.Unschedule(w.timer)
	}
	if w.fib != nil {
		w.fib.rt.ready(w.fib, nil)
	} else {
		close(w.ch)
	}
	return true
}

func (q *waitQueue) wakeOneLocked() bool {
	if w := q.head; w != nil {
		return q.wakeLocked(w, nil)
	}
	return false
}

func (q *waitQueue) wakeAllLocked() (n int) {
	for q.head != nil {
		if q.wakeLocked(q.head, nil) {
			n++
		}
	}
	return n
}

func (q *waitQueue) wakeOne() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.wakeOneLocked()
}

func (q *waitQueue) wakeAll() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.wakeAllLocked()
}

// wait parks the caller on q for as long as check, evaluated under q.mu,
// returns true. It returns nil once woken (or if check was already false),
// ErrTimeout when a non-zero deadline passes, and ErrCancelled when the
// calling fiber is stopped during an interruptible wait.
func (q *waitQueue) wait(check func() bool, deadline time.Time, interruptible bool) error {
	e := current()
	if e != nil && e.stack != nil {
		return q.waitFiber(e, check, deadline, interruptible)
	}
	return q.waitGoroutine(e, check, deadline, interruptible)
}

func (q *waitQueue) waitFiber(e *entity, check func() bool, deadline time.Time, interruptible bool) error {
	w := &waiter{
		q:             q,
		fib:           e,
		timers:        e.rt.timers,
		interruptible: interruptible,
	}
	if interruptible {
		w.owner = e
	}
	e.suspend(func(wk *worker) {
		q.mu.Lock()
		defer q.mu.Unlock()
		if !check() {
			w.claimed = true
			e.rt.ready(e, wk)
			return
		}
		e.status.Store(statusBlocked)
		q.pushLocked(w)
		if interruptible {
			e.waiter.Store(w)
			if e.stopped.Load() {
				q.wakeLocked(w, ErrCancelled)
				return
			}
		}
		if !deadline.IsZero() {
			id, err := w.timers.Schedule(deadline, func() {
				q.mu.Lock()
				q.wakeLocked(w, ErrTimeout)
				q.mu.Unlock()
			}, true)
			if err != nil {
				// timer thread gone, the runtime is closing
				q.wakeLocked(w, ErrTimeout)
				return
			}
			w.timer = id
		}
	})
	if interruptible {
		e.waiter.Store(nil)
	}
	return w.result
}

func (q *waitQueue) waitGoroutine(owner *entity, check func() bool, deadline time.Time, interruptible bool) error {
	w := &waiter{
		q:             q,
		ch:            make(chan struct{}),
		interruptible: interruptible,
	}
	if interruptible {
		w.owner = owner
	}
	q.mu.Lock()
	if !check() {
		q.mu.Unlock()
		return nil
	}
	q.pushLocked(w)
	if w.owner != nil {
		w.owner.waiter.Store(w)
		if w.owner.stopped.Load() {
			q.wakeLocked(w, ErrCancelled)
		}
	}
	q.mu.Unlock()

	if w.owner != nil {
		defer w.owner.waiter.Store(nil)
	}

	if deadline.IsZero() {
		<-w.ch
		return w.result
	}
	t := time.NewTimer(time.Until(deadline))
	defer t.Stop()
	select {
	case <-w.ch:
	case <-t.C:
		q.mu.Lock()
		q.wakeLocked(w, ErrTimeout)
		q.mu.Unlock()
		<-w.ch
	}
	return w.result
}

// cancel wakes w with ErrCancelled if it is an interruptible wait.
func (w *waiter) cancel() {
	if !w.interruptible {
		return
	}
	w.q.mu.Lock()
	w.q.wakeLocked(w, ErrCancelled)
	w.q.mu.Unlock()
}
