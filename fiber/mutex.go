package fiber

import (
	"sync"
	"sync/atomic"
	"time"
)

const (
	mutexUnlocked int32 = iota
	mutexLocked
	mutexContended
)

// Mutex is a mutual exclusion lock that suspends fibers rather than their
// workers. Plain goroutines may use it too. The zero value is unlocked.
//
// Lock waits are not interrupted by Stop, LockTimeout waits are.
type Mutex struct {
	state atomic.Int32
	q     waitQueue
}

var _ sync.Locker = (*Mutex)(nil)

// Lock acquires m, suspending the caller while it is held.
func (m *Mutex) Lock() {
	if m.state.CompareAndSwap(mutexUnlocked, mutexLocked) {
		return
	}
	for m.state.Swap(mutexContended) != mutexUnlocked {
		_ = m.q.wait(m.contended, time.Time{}, false)
	}
}

// TryLock acquires m if it is free.
func (m *Mutex) TryLock() bool {
	return m.state.CompareAndSwap(mutexUnlocked, mutexLocked)
}

// LockTimeout acquires m, giving up with ErrTimeout after d, or with
// ErrCancelled if the calling fiber is stopped while waiting.
func (m *Mutex) LockTimeout(d time.Duration) error {
	if m.state.CompareAndSwap(mutexUnlocked, mutexLocked) {
		return nil
	}
	deadline := time.Now().Add(d)
	for m.state.Swap(mutexContended) != mutexUnlocked {
		if err := m.q.wait(m.contended, deadline, true); err != nil {
			// one last attempt, as Unlock may have raced the timeout
			if m.state.Swap(mutexContended) == mutexUnlocked {
				return nil
			}
			return err
		}
	}
	return nil
}

// Unlock releases m, waking one waiter if there are any. Unlocking an
// unlocked Mutex panics.
func (m *Mutex) Unlock() {
	switch m.state.Swap(mutexUnlocked) {
	case mutexUnlocked:
		panic("fiber: unlock of unlocked mutex")
	case mutexContended:
		m.q.wakeOne()
	}
}

func (m *Mutex) contended() bool {
	return m.state.Load() == mutexContended
}
