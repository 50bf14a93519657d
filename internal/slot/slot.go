// Package slot provides a versioned slot allocator: a slab of values
// addressed by integer handles that carry a generation counter, so a handle
// to a released slot can never be mistaken for the slot's next occupant.
//
// Handles are 64-bit: the high 32 bits are the slot version, the low 32 bits
// are the slot index plus one. The zero handle is never issued.
package slot

import (
	"errors"
	"sync"
	"sync/atomic"
)

const (
	blockShift = 8
	blockSize  = 1 << blockShift
	blockMask  = blockSize - 1
	maxBlocks  = 1 << 14

	// MaxSlots is the hard upper bound on the number of slots in a Table.
	MaxSlots = maxBlocks * blockSize
)

// ErrExhausted is returned by Table.Acquire when no slot can be provided.
var ErrExhausted = errors.New("slot: table exhausted")

type (
	// ID is a versioned slot handle.
	ID uint64

	// Table is a slab of T values with versioned handles. Lookups are
	// lock-free; Acquire and Release take a mutex to maintain the free list.
	// Values are never freed, their memory is reused by later occupants.
	//
	// The zero value is not usable, see New.
	Table[T any] struct {
		blocks [maxBlocks]atomic.Pointer[block[T]]
		mu     sync.Mutex
		free   []uint32
		n      uint32 // slots ever allocated, guarded by mu
		live   atomic.Int64
		limit  uint32
	}

	block[T any] struct {
		items [blockSize]item[T]
	}

	item[T any] struct {
		version atomic.Uint32
		value   T
	}
)

// Make builds an ID from its parts.
func Make(index, version uint32) ID {
	return ID(uint64(version)<<32 | uint64(index+1))
}

// Index returns the slot index, only meaningful if the ID is non-zero.
func (x ID) Index() uint32 { return uint32(x) - 1 }

// Version returns the slot version.
func (x ID) Version() uint32 { return uint32(x >> 32) }

// New initialises a Table that will hold at most limit live slots. A limit
// of zero or above MaxSlots means MaxSlots.
func New[T any](limit int) *Table[T] {
	t := Table[T]{limit: MaxSlots}
	if limit > 0 && limit < MaxSlots {
		t.limit = uint32(limit)
	}
	return &t
}

// Acquire returns a free slot, reusing a released index (with its bumped
// version) when possible. The returned value is whatever the previous
// occupant left behind; callers reset it.
func (x *Table[T]) Acquire() (ID, *T, error) {
	x.mu.Lock()
	var index uint32
	if n := len(x.free); n != 0 {
		index = x.free[n-1]
		x.free = x.free[:n-1]
	} else {
		if x.n >= x.limit {
			x.mu.Unlock()
			return 0, nil, ErrExhausted
		}
		index = x.n
		b := x.blocks[index>>blockShift].Load()
		if b == nil {
			b = new(block[T])
			// versions start at 1, so that no ID is ever zero
			for i := range b.items {
				b.items[i].version.Store(1)
			}
			x.blocks[index>>blockShift].Store(b)
		}
		x.n++
	}
	x.mu.Unlock()

	x.live.Add(1)
	it := x.item(index)
	return Make(index, it.version.Load()), &it.value, nil
}

// Lookup returns the value addressed by id, if the slot still belongs to it.
//
// A successful Lookup does not pin the slot, it may be released immediately
// afterwards. Callers that need a stable view re-check with Valid while
// holding whatever lock serialises their release path.
func (x *Table[T]) Lookup(id ID) (*T, bool) {
	it, ok := x.find(id)
	if !ok || it.version.Load() != id.Version() {
		return nil, false
	}
	return &it.value, true
}

// Valid reports whether id currently addresses a live slot.
func (x *Table[T]) Valid(id ID) bool {
	it, ok := x.find(id)
	return ok && it.version.Load() == id.Version()
}

// Release invalidates id and returns its slot to the free list. It returns
// false if id was already stale.
func (x *Table[T]) Release(id ID) bool {
	it, ok := x.find(id)
	if !ok {
		return false
	}
	next := id.Version() + 1
	if next == 0 {
		next = 1
	}
	if !it.version.CompareAndSwap(id.Version(), next) {
		return false
	}
	x.live.Add(-1)
	x.mu.Lock()
	x.free = append(x.free, id.Index())
	x.mu.Unlock()
	return true
}

// Len returns the number of live slots.
func (x *Table[T]) Len() int { return int(x.live.Load()) }

// Cap returns the number of slots ever allocated.
func (x *Table[T]) Cap() int {
	x.mu.Lock()
	defer x.mu.Unlock()
	return int(x.n)
}

// Range calls fn for every live slot, stopping early if fn returns false.
// It is a diagnostic helper, the set may change while it runs.
func (x *Table[T]) Range(fn func(id ID, value *T) bool) {
	x.mu.Lock()
	n := x.n
	free := make(map[uint32]struct{}, len(x.free))
	for _, i := range x.free {
		free[i] = struct{}{}
	}
	x.mu.Unlock()
	for i := uint32(0); i < n; i++ {
		if _, ok := free[i]; ok {
			continue
		}
		it := x.item(i)
		if !fn(Make(i, it.version.Load()), &it.value) {
			return
		}
	}
}

func (x *Table[T]) find(id ID) (*item[T], bool) {
	if id == 0 {
		return nil, false
	}
	index := id.Index()
	if index >= MaxSlots {
		return nil, false
	}
	b := x.blocks[index>>blockShift].Load()
	if b == nil {
		return nil, false
	}
	return &b.items[index&blockMask], true
}

func (x *Table[T]) item(index uint32) *item[T] {
	return &x.blocks[index>>blockShift].Load().items[index&blockMask]
}
