// Package coro implements the context-switch primitive the fiber runtime is
// built on: a resumable execution context with its own stack, entered and
// left by an explicit jump that carries a single word in each direction.
//
// A Context is backed by [iter.Pull], which runs the entry on a dedicated
// goroutine and switches to and from it directly (the runtime's coroswitch),
// without a trip through the goroutine run queues. Nothing in this package
// knows about scheduling, queues, or fibers.
//
// Rules for callers:
//   - A Context must not be resumed concurrently, or from inside itself.
//   - Resuming a Context that has finished panics.
//   - Suspend may only be called from the Context's own stack.
package coro

import (
	"errors"
	"iter"
)

// ErrDead is the panic value used when resuming a finished Context.
var ErrDead = errors.New("coro: resume of dead context")

type (
	// Entry is the function a Context runs on its first Resume. The value
	// passed to that Resume is delivered as v, and the returned value is
	// delivered to the final Resume call, which reports alive=false.
	Entry func(c *Context, v uintptr) uintptr

	// Context is an execution context created by Make.
	Context struct {
		next  func() (uintptr, bool)
		stop  func()
		yield func(uintptr) bool
		entry Entry

		// in and out carry the transferred word; ownership alternates with
		// control, so no synchronisation beyond the switch itself is needed
		in  uintptr
		out uintptr

		done      bool
		abandoned bool
	}

	// abandonSignal unwinds the stack of an abandoned context.
	abandonSignal struct{}
)

// Make prepares a Context that will run entry on its own stack. Nothing runs
// until the first Resume.
func Make(entry Entry) *Context {
	if entry == nil {
		panic(`coro: nil entry`)
	}
	c := &Context{entry: entry}
	c.next, c.stop = iter.Pull(iter.Seq[uintptr](c.run))
	return c
}

func (c *Context) run(yield func(uintptr) bool) {
	c.yield = yield
	defer func() {
		if c.abandoned {
			_ = recover()
		}
	}()
	c.out = c.entry(c, c.in)
}

// Resume jumps into the context, delivering v. It returns when the context
// calls Suspend (alive=true) or its entry returns (alive=false). A panic on
// the context's stack propagates out of Resume, after which the context is
// dead.
func (c *Context) Resume(v uintptr) (out uintptr, alive bool) {
	if c.done {
		panic(ErrDead)
	}
	c.in = v
	var ok bool
	func() {
		defer func() {
			if !ok {
				c.done = true
			}
		}()
		out, ok = c.next()
	}()
	if !ok {
		return c.out, false
	}
	return out, true
}

// Suspend jumps back to the goroutine that resumed the context, delivering
// v, and returns the value passed to the next Resume. If the context is
// abandoned while suspended, Suspend does not return: the context's stack is
// unwound (deferred calls run) and the context finishes.
func (c *Context) Suspend(v uintptr) uintptr {
	if !c.yield(v) {
		c.abandoned = true
		panic(abandonSignal{})
	}
	return c.in
}

// Abandon releases a context that will never be resumed again. A suspended
// context is unwound; a context that never started is discarded. Calling it
// on a finished context is a no-op.
func (c *Context) Abandon() {
	if c.done {
		return
	}
	c.done = true
	c.stop()
}

// Done reports whether the context has finished or been abandoned.
func (c *Context) Done() bool { return c.done }
