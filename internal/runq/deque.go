// Package runq implements the run queues of the fiber scheduler.
//
// Each worker owns a Deque: the owner pushes and pops at the bottom, any
// other goroutine may steal from the top. A Queue is the mutex protected
// fallback used for pushes that cannot go through a Deque (from goroutines
// that are not the owner, or when the Deque is full).
//
// Queues store fiber ids, never the fibers themselves.
package runq

import (
	"sync/atomic"

	"golang.org/x/sys/cpu"
)

// Deque is a bounded, lock-free work-stealing deque of ids.
//
// Push and Pop may only be called by the owning goroutine, Steal may be
// called by anyone. Deque never blocks, Push reports false when full.
type Deque struct {
	_      cpu.CacheLinePad
	bottom atomic.Uint64
	_      cpu.CacheLinePad
	top    atomic.Uint64
	_      cpu.CacheLinePad
	buf    []atomic.Uint64
	mask   uint64
}

// NewDeque allocates a Deque, rounding capacity up to a power of two.
func NewDeque(capacity int) *Deque {
	n := 1
	for n < capacity {
		n <<= 1
	}
	return &Deque{
		buf:  make([]atomic.Uint64, n),
		mask: uint64(n - 1),
	}
}

// Push adds id at the bottom. Owner only.
func (x *Deque) Push(id uint64) bool {
	b := x.bottom.Load()
	t := x.top.Load()
	if b >= t+uint64(len(x.buf)) {
		return false
	}
	x.buf[b&x.mask].Store(id)
	x.bottom.Store(b + 1)
	return true
}

// Pop removes the most recently pushed id. Owner only.
func (x *Deque) Pop() (uint64, bool) {
	b := x.bottom.Load()
	t := x.top.Load()
	if t >= b {
		return 0, false
	}
	nb := b - 1
	x.bottom.Store(nb)
	t = x.top.Load()
	if t > nb {
		x.bottom.Store(b)
		return 0, false
	}
	id := x.buf[nb&x.mask].Load()
	if t != nb {
		return id, true
	}
	// single element left, race any thief for it
	ok := x.top.CompareAndSwap(t, t+1)
	x.bottom.Store(b)
	return id, ok
}

// Steal removes the oldest id. Safe from any goroutine.
func (x *Deque) Steal() (uint64, bool) {
	t := x.top.Load()
	b := x.bottom.Load()
	if t >= b {
		return 0, false
	}
	for {
		b = x.bottom.Load()
		if t >= b {
			return 0, false
		}
		id := x.buf[t&x.mask].Load()
		if x.top.CompareAndSwap(t, t+1) {
			return id, true
		}
		t = x.top.Load()
	}
}

// Len is an estimate of the number of queued ids.
func (x *Deque) Len() int {
	b := x.bottom.Load()
	t := x.top.Load()
	if b <= t {
		return 0
	}
	return int(b - t)
}

// Cap returns the fixed capacity.
func (x *Deque) Cap() int { return len(x.buf) }
