package fiber

import (
	"sync"
	"sync/atomic"

	"github.com/flare-rpc/flare-go/internal/parking"
)

const parkingLotCount = 4

// group owns the workers and the parking lots they sleep in. The worker
// slice is replaced wholesale on growth, so the scheduling paths only load
// a pointer.
type group struct {
	rt      *Runtime
	workers atomic.Pointer[[]*worker]
	lots    [parkingLotCount]parking.Lot
	mu      sync.Mutex
	wg      sync.WaitGroup
	rr      atomic.Uint32
	lotRR   atomic.Uint32
	signals atomic.Uint64
}

func newGroup(rt *Runtime) *group {
	g := &group{rt: rt}
	empty := []*worker{}
	g.workers.Store(&empty)
	return g
}

func (g *group) load() []*worker { return *g.workers.Load() }

func (g *group) size() int { return len(g.load()) }

// addWorkers starts k more workers. Workers are never removed while the
// group runs.
func (g *group) addWorkers(k int) {
	g.mu.Lock()
	defer g.mu.Unlock()
	old := g.load()
	next := make([]*worker, len(old), len(old)+k)
	copy(next, old)
	for i := 0; i < k; i++ {
		next = append(next, newWorker(g, len(old)+i))
	}
	g.workers.Store(&next)
	g.wg.Add(k)
	for _, w := range next[len(old):] {
		go w.run()
	}
}

// chooseOne picks the worker that receives a fiber made runnable outside
// any worker, round-robin.
func (g *group) chooseOne() *worker {
	ws := g.load()
	return ws[g.rr.Add(1)%uint32(len(ws))]
}

// stealTask takes a fiber from another worker. The victim order starts at a
// pseudo-random worker and steps by the thief's prime offset, so idle
// workers spread out rather than all hitting the same victim.
func (g *group) stealTask(w *worker) (uint64, bool) {
	ws := g.load()
	n := uint32(len(ws))
	if n == 0 {
		return 0, false
	}
	w.seed ^= w.seed << 13
	w.seed ^= w.seed >> 17
	w.seed ^= w.seed << 5
	start := w.seed % n
	for i := uint32(0); i < n; i++ {
		v := ws[(start+i*w.offset)%n]
		if v == w {
			continue
		}
		if id, ok := v.local.Steal(); ok {
			return id, true
		}
		if id, ok := v.remote.Pop(); ok {
			return id, true
		}
	}
	return 0, false
}

// signalTask wakes up to n parked workers. Every lot tried is bumped, so a
// worker between its last look for work and parking can't miss the signal.
func (g *group) signalTask(n int) {
	g.signals.Add(1)
	if c := g.size(); n > c {
		n = c
	}
	start := g.lotRR.Add(1)
	for i := uint32(0); i < parkingLotCount && n > 0; i++ {
		n -= g.lots[(start+i)%parkingLotCount].Signal(n)
	}
}

// stop wakes every worker for good. Workers exit once they next look for
// work.
func (g *group) stop() {
	for i := range g.lots {
		g.lots[i].Stop()
	}
}
