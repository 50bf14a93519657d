// Package fiber implements an M:N scheduler of cooperative user-space
// threads.
//
// A Runtime multiplexes fibers over a fixed (growable) set of worker
// goroutines. Each worker owns a work-stealing run queue plus a FIFO queue
// for fibers made runnable from elsewhere, and idle workers park on one of
// a few parking lots until signalled. Fibers run on pooled coroutine stacks
// and switch out only at suspension points: Yield, the sleeps, Mutex and
// Cond waits, Join, and Await. A fiber blocked at one of these releases its
// worker to other fibers.
//
// Fibers are identified by a versioned ID, so ids of exited fibers never
// alias live ones. Unless started detached, a fiber's control block is kept
// until it is joined.
//
// Blocking calls that can't be made cooperative (syscalls, cgo, I/O without
// a fiber-aware API) should go through Await, which runs them on a
// goroutine of their own while only the calling fiber waits.
//
// The package level functions (Self, Yield, SleepFor, GetSpecific, and so
// on) act on the calling fiber, whichever Runtime it belongs to.
package fiber
