// Package parking implements the parking lot idle workers sleep in.
//
// It is the only place the scheduler blocks an OS thread on purpose. A
// worker takes a State before its final look for work, then Waits on it;
// any Signal or Stop after the State was taken makes Wait return at once,
// so a wake-up can't be lost between the look and the sleep.
package parking

import (
	"sync"
	"sync/atomic"

	"golang.org/x/sys/cpu"
)

type (
	// Lot is a futex-like wait point. The zero value is ready to use.
	Lot struct {
		_ cpu.CacheLinePad
		// pending counts signals in steps of two; the low bit marks stop
		pending atomic.Uint32
		waiters atomic.Int32
		_       cpu.CacheLinePad
		mu      sync.Mutex
		cond    *sync.Cond
		once    sync.Once
	}

	// State is a snapshot of a Lot taken by State.
	State struct {
		val uint32
	}
)

// State snapshots the lot.
func (x *Lot) State() State {
	return State{val: x.pending.Load()}
}

// Stopped reports whether the lot had been stopped when s was taken.
func (s State) Stopped() bool { return s.val&1 != 0 }

// Wait blocks until the lot changes from s. It returns immediately if it
// already has.
func (x *Lot) Wait(s State) {
	if x.pending.Load() != s.val {
		return
	}
	x.init()
	x.waiters.Add(1)
	x.mu.Lock()
	for x.pending.Load() == s.val {
		x.cond.Wait()
	}
	x.mu.Unlock()
	x.waiters.Add(-1)
}

// Signal records n new tasks and wakes up to n waiters, returning how many
// waiters there were to wake (at most n).
func (x *Lot) Signal(n int) int {
	if n <= 0 {
		return 0
	}
	x.pending.Add(uint32(n) << 1)
	w := int(x.waiters.Load())
	if w == 0 {
		return 0
	}
	if w > n {
		w = n
	}
	x.init()
	x.mu.Lock()
	for i := 0; i < w; i++ {
		x.cond.Signal()
	}
	x.mu.Unlock()
	return w
}

// Stop marks the lot stopped and wakes every waiter. Stopping is permanent.
func (x *Lot) Stop() {
	x.pending.Or(1)
	x.init()
	x.mu.Lock()
	x.cond.Broadcast()
	x.mu.Unlock()
}

// Waiters returns the number of goroutines currently in Wait.
func (x *Lot) Waiters() int { return int(x.waiters.Load()) }

func (x *Lot) init() {
	x.once.Do(func() { x.cond = sync.NewCond(&x.mu) })
}
