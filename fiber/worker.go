package fiber

import (
	"sync/atomic"
	"time"

	"github.com/flare-rpc/flare-go/internal/parking"
	"github.com/flare-rpc/flare-go/internal/runq"
	"github.com/flare-rpc/flare-go/internal/slot"
)

// stealOffsets are primes above MaxConcurrency, so stepping through the
// workers by any of them visits every worker exactly once.
var stealOffsets = [...]uint32{1031, 1033, 1039, 1049, 1051, 1061, 1063, 1069, 1087, 1091, 1093, 1097}

// worker runs the scheduling loop on its own goroutine. Its fields other
// than the counters, inline, and the run queues are only touched by that
// goroutine, or by a fiber it is running (which it is blocked on).
type worker struct {
	rt     *Runtime
	g      *group
	local  *runq.Deque
	remote runq.Queue
	lot    *parking.Lot

	// remained is the after-switch hook set by a suspending fiber
	remained func(w *worker)
	// next is an urgently started fiber to run directly
	next *entity
	// requeue holds fibers waiting for next to first switch out
	requeue []*entity

	inline atomic.Pointer[entity]
	lat    latency

	index  int
	seed   uint32
	offset uint32

	switches atomic.Uint64
	steals   atomic.Uint64
	parks    atomic.Uint64
	busy     atomic.Int64
}

func newWorker(g *group, index int) *worker {
	return &worker{
		rt:     g.rt,
		g:      g,
		local:  runq.NewDeque(g.rt.opts.runQueueSize),
		lot:    &g.lots[index%parkingLotCount],
		lat:    newLatency(),
		index:  index,
		seed:   uint32(index)*2654435761 + 1,
		offset: stealOffsets[index%len(stealOffsets)],
	}
}

func (w *worker) current() *entity { return w.inline.Load() }

func (w *worker) run() {
	exited := false
	defer func() {
		if exited {
			w.g.wg.Done()
			return
		}
		// runtime.Goexit called by a fiber unwound this goroutine
		w.rt.logger.Warning().
			Int("worker", w.index).
			Log("fiber: worker goroutine exited, restarting")
		go w.run()
	}()

	gid := getGoroutineID()
	residents.Store(gid, w)
	defer residents.Delete(gid)

	w.inline.Store(nil)
	w.remained = nil
	w.next = nil
	w.flushRequeue()
	for {
		e := w.pick()
		if e == nil {
			break
		}
		for e != nil {
			e = w.runFiber(e)
		}
	}
	exited = true
}

// pick returns the next fiber to run, parking while there is none. It
// returns nil once the worker's parking lot is stopped.
func (w *worker) pick() *entity {
	for {
		if id, ok := w.local.Pop(); ok {
			return w.resolve(id)
		}
		if id, ok := w.remote.Pop(); ok {
			return w.resolve(id)
		}
		if id, ok := w.g.stealTask(w); ok {
			w.steals.Add(1)
			return w.resolve(id)
		}
		st := w.lot.State()
		if st.Stopped() {
			return nil
		}
		// anything made runnable after this point bumps st
		if id, ok := w.remote.Pop(); ok {
			return w.resolve(id)
		}
		if id, ok := w.g.stealTask(w); ok {
			w.steals.Add(1)
			return w.resolve(id)
		}
		w.parks.Add(1)
		w.lot.Wait(st)
	}
}

func (w *worker) resolve(id uint64) *entity {
	e, ok := w.rt.entities.Lookup(slot.ID(id))
	if !ok {
		panic("fiber: queued id is not live")
	}
	return e
}

// runFiber runs e until it suspends or finishes, then reconciles. It returns
// a fiber to run immediately, if e started one urgently.
func (w *worker) runFiber(e *entity) *entity {
	start := time.Now()
	if !e.readyAt.IsZero() {
		w.lat.record(start.Sub(e.readyAt))
	}
	w.switches.Add(1)
	e.worker = w
	e.status.Store(statusRunning)

	if e.attr.Stack == StackPthread {
		w.inline.Store(e)
		w.rt.execute(e)
		w.inline.Store(nil)
		w.rt.finish(e)
	} else {
		s := e.stack
		if s == nil {
			s = w.rt.stacks[e.attr.Stack].get()
			e.stack = s
		}
		s.cur.Store(e)
		out, alive := s.ctx.Resume(0)
		switch {
		case !alive:
			e.stack = nil
			w.rt.finish(e)
		case out == jumpFinished:
			e.stack = nil
			s.pool.put(s)
			w.rt.finish(e)
		}
	}
	w.busy.Add(int64(time.Since(start)))

	if h := w.remained; h != nil {
		w.remained = nil
		h(w)
	}
	if n := w.next; n != nil {
		w.next = nil
		return n
	}
	w.flushRequeue()
	return nil
}

func (w *worker) flushRequeue() {
	for i, e := range w.requeue {
		w.requeue[i] = nil
		w.rt.ready(e, w)
	}
	w.requeue = w.requeue[:0]
}

// push queues id locally, spilling to the remote queue when full. Only the
// worker, or a fiber it is running, may call it.
func (w *worker) push(id uint64) {
	if !w.local.Push(id) {
		w.remote.Push(id)
	}
}
