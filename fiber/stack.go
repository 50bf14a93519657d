package fiber

import (
	"sync"
	"sync/atomic"

	"github.com/flare-rpc/flare-go/internal/coro"
)

// Values a stack suspends with.
const (
	jumpSuspend uintptr = iota + 1
	jumpFinished
)

type (
	// stack is a pooled execution context. Its body runs one fiber per
	// resume cycle, so a stack outlives the fibers it runs.
	stack struct {
		ctx  *coro.Context
		pool *stackPool
		cur  atomic.Pointer[entity]
	}

	// stackPool keeps idle stacks of one class.
	stackPool struct {
		mu      sync.Mutex
		free    []*stack
		limit   int
		class   StackType
		created atomic.Uint64
	}
)

func (s *stack) current() *entity { return s.cur.Load() }

func (s *stack) body(c *coro.Context, _ uintptr) uintptr {
	gid := getGoroutineID()
	residents.Store(gid, s)
	defer residents.Delete(gid)
	for {
		e := s.cur.Load()
		e.rt.execute(e)
		s.cur.Store(nil)
		c.Suspend(jumpFinished)
	}
}

func newStackPool(class StackType, limit int) *stackPool {
	return &stackPool{class: class, limit: limit}
}

func (p *stackPool) get() *stack {
	p.mu.Lock()
	if n := len(p.free); n != 0 {
		s := p.free[n-1]
		p.free[n-1] = nil
		p.free = p.free[:n-1]
		p.mu.Unlock()
		return s
	}
	p.mu.Unlock()
	p.created.Add(1)
	s := &stack{pool: p}
	s.ctx = coro.Make(s.body)
	return s
}

// put returns an idle stack, discarding it if the pool is full.
func (p *stackPool) put(s *stack) {
	p.mu.Lock()
	if len(p.free) < p.limit {
		p.free = append(p.free, s)
		p.mu.Unlock()
		return
	}
	p.mu.Unlock()
	s.ctx.Abandon()
}

func (p *stackPool) size() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.free)
}

// drain discards every idle stack.
func (p *stackPool) drain() {
	p.mu.Lock()
	free := p.free
	p.free = nil
	p.limit = 0
	p.mu.Unlock()
	for _, s := range free {
		s.ctx.Abandon()
	}
}
