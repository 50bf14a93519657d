package fiber

import (
	"sync"
	"sync/atomic"
	"time"
)

// Cond is a condition variable that suspends fibers rather than their
// workers, usable from plain goroutines too. Its waits are interrupted by
// Stop.
type Cond struct {
	// L is held while observing or changing the condition.
	L   sync.Locker
	seq atomic.Uint32
	q   waitQueue
}

// NewCond returns a Cond using l, typically a *Mutex.
func NewCond(l sync.Locker) *Cond {
	return &Cond{L: l}
}

// Wait unlocks c.L, suspends until signalled, and locks c.L again. It
// returns ErrCancelled if the calling fiber was stopped.
func (c *Cond) Wait() error {
	return c.wait(time.Time{})
}

// WaitTimeout is Wait giving up with ErrTimeout after d.
func (c *Cond) WaitTimeout(d time.Duration) error {
	return c.wait(time.Now().Add(d))
}

func (c *Cond) wait(deadline time.Time) error {
	seq := c.seq.Load()
	c.L.Unlock()
	err := c.q.wait(func() bool { return c.seq.Load() == seq }, deadline, true)
	c.L.Lock()
	return err
}

// Signal wakes one waiter.
func (c *Cond) Signal() {
	c.seq.Add(1)
	c.q.wakeOne()
}

// Broadcast wakes every waiter.
func (c *Cond) Broadcast() {
	c.seq.Add(1)
	c.q.wakeAll()
}
