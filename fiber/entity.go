package fiber

import (
	"sync/atomic"
	"time"
)

const (
	statusReady int32 = iota
	statusRunning
	statusBlocked
	statusFinished
)

// entity is a fiber's control block. Entities live in the runtime's slot
// table and are reused, so anything holding a *entity across a possible
// recycle must re-validate its ID under joinQ.mu.
type entity struct {
	rt     *Runtime
	fn     Func
	arg    any
	result any
	err    error
	stack  *stack
	// worker is the worker currently running the fiber, set before each run
	worker *worker
	keys   *keyTable
	// readyAt is when the fiber last became runnable
	readyAt time.Time
	attr    Attr
	id      ID

	status  atomic.Int32
	stopped atomic.Bool
	// waiter is the interruptible wait the fiber is parked in, if any
	waiter atomic.Pointer[waiter]

	// joinQ.mu also guards finished, joined, and detached
	joinQ    waitQueue
	finished bool
	joined   bool
	detached bool
}

func (e *entity) reset(rt *Runtime, id ID, attr Attr, fn Func, arg any) {
	e.joinQ.mu.Lock()
	e.rt = rt
	e.id = id
	e.attr = attr
	e.fn = fn
	e.arg = arg
	e.result = nil
	e.err = nil
	e.stack = nil
	e.worker = nil
	e.keys = nil
	e.finished = false
	e.joined = false
	e.detached = attr.Detached
	e.stopped.Store(false)
	e.waiter.Store(nil)
	e.status.Store(statusReady)
	e.joinQ.mu.Unlock()
}

// suspend switches the fiber out to its worker, which runs hook once the
// switch is complete. hook is responsible for making the fiber runnable
// again, directly or by handing it to whatever will wake it. Only fibers
// with their own stack may suspend.
func (e *entity) suspend(hook func(w *worker)) {
	e.worker.remained = hook
	e.stack.ctx.Suspend(jumpSuspend)
}
