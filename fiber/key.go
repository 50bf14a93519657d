package fiber

import (
	"fmt"
	"sync"
	"sync/atomic"
)

const (
	// KeysMax is the number of keys a Runtime can have at once.
	KeysMax = 1024

	// keyDestructorRounds bounds how often destructors are re-run when they
	// set new values.
	keyDestructorRounds = 4
)

type (
	// Key identifies a fiber-local storage slot. A deleted key's version
	// no longer matches, so it reads as unset even after its index is
	// reused.
	Key struct {
		Index   uint32
		Version uint32
	}

	// keyRegistry tracks the keys of one Runtime.
	keyRegistry struct {
		versions [KeysMax]atomic.Uint32
		mu       sync.RWMutex
		dtors    [KeysMax]func(any)
		used     [KeysMax]bool
		free     []uint32
		n        uint32
	}

	keyValue struct {
		value   any
		version uint32
	}

	// keyTable is a fiber's storage, indexed by Key.Index. Only the owning
	// fiber touches it while the fiber runs.
	keyTable struct {
		values []keyValue
	}

	// KeyTablePool lends key tables to fibers started with it in their
	// Attr, so values survive across fibers and need not be rebuilt.
	KeyTablePool struct {
		rt        *Runtime
		mu        sync.Mutex
		free      []*keyTable
		destroyed bool
	}
)

// KeyCreate allocates a key. dtor, if non-nil, runs for each fiber's
// non-nil value when the fiber exits.
func (rt *Runtime) KeyCreate(dtor func(any)) (Key, error) {
	r := &rt.keys
	r.mu.Lock()
	defer r.mu.Unlock()
	var index uint32
	if n := len(r.free); n != 0 {
		index = r.free[n-1]
		r.free = r.free[:n-1]
	} else {
		if r.n >= KeysMax {
			return Key{}, fmt.Errorf("%w: %d keys in use", ErrResourceExhausted, KeysMax)
		}
		index = r.n
		r.n++
		r.versions[index].Store(1)
	}
	r.used[index] = true
	r.dtors[index] = dtor
	return Key{Index: index, Version: r.versions[index].Load()}, nil
}

// KeyDelete invalidates key. Values already stored under it are not
// destroyed.
func (rt *Runtime) KeyDelete(key Key) error {
	r := &rt.keys
	r.mu.Lock()
	defer r.mu.Unlock()
	if key.Index >= KeysMax || !r.used[key.Index] || r.versions[key.Index].Load() != key.Version {
		return fmt.Errorf("%w: key %d.%d", ErrInvalidArgument, key.Index, key.Version)
	}
	next := key.Version + 1
	if next == 0 {
		next = 1
	}
	r.versions[key.Index].Store(next)
	r.used[key.Index] = false
	r.dtors[key.Index] = nil
	r.free = append(r.free, key.Index)
	return nil
}

func (r *keyRegistry) valid(key Key) bool {
	return key.Index < KeysMax && key.Version != 0 && r.versions[key.Index].Load() == key.Version
}

func (r *keyRegistry) dtor(index uint32, version uint32) func(any) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.used[index] && r.versions[index].Load() == version {
		return r.dtors[index]
	}
	return nil
}

func (t *keyTable) get(key Key) any {
	if int(key.Index) >= len(t.values) {
		return nil
	}
	if v := t.values[key.Index]; v.version == key.Version {
		return v.value
	}
	return nil
}

func (t *keyTable) set(key Key, value any) {
	if int(key.Index) >= len(t.values) {
		values := make([]keyValue, key.Index+1, max(int(key.Index)+1, 2*len(t.values)))
		copy(values, t.values)
		t.values = values
	}
	t.values[key.Index] = keyValue{value: value, version: key.Version}
}

// destroy runs destructors for every live value, repeating while
// destructors store new values, up to keyDestructorRounds times.
func (t *keyTable) destroy(r *keyRegistry) {
	for round := 0; round < keyDestructorRounds; round++ {
		again := false
		for i := range t.values {
			v := t.values[i]
			if v.value == nil {
				continue
			}
			t.values[i] = keyValue{}
			if dtor := r.dtor(uint32(i), v.version); dtor != nil {
				dtor(v.value)
				again = true
			}
		}
		if !again {
			return
		}
	}
}

// GetSpecific returns the calling fiber's value for key, or nil if it is
// unset, the key is stale, or the caller isn't a fiber.
func GetSpecific(key Key) any {
	e := current()
	if e == nil || !e.rt.keys.valid(key) {
		return nil
	}
	if e.keys == nil {
		e.borrowKeys()
		if e.keys == nil {
			return nil
		}
	}
	return e.keys.get(key)
}

// SetSpecific stores value under key for the calling fiber.
func SetSpecific(key Key, value any) error {
	e := current()
	if e == nil {
		return fmt.Errorf("%w: not called from a fiber", ErrInvalidArgument)
	}
	if !e.rt.keys.valid(key) {
		return fmt.Errorf("%w: key %d.%d", ErrInvalidArgument, key.Index, key.Version)
	}
	if e.keys == nil {
		e.borrowKeys()
		if e.keys == nil {
			e.keys = new(keyTable)
		}
	}
	e.keys.set(key, value)
	return nil
}

func (e *entity) borrowKeys() {
	if p := e.attr.KeyTablePool; p != nil {
		e.keys = p.borrow()
	}
}

// releaseKeys disposes of the fiber's table on exit: back to its pool, or
// destroyed.
func (e *entity) releaseKeys() {
	t := e.keys
	if t == nil {
		return
	}
	if p := e.attr.KeyTablePool; p != nil && p.giveBack(t) {
		e.keys = nil
		return
	}
	// destructors may store values again, into t
	t.destroy(&e.rt.keys)
	e.keys = nil
}

// NewKeyTablePool creates an empty pool of key tables.
func (rt *Runtime) NewKeyTablePool() *KeyTablePool {
	return &KeyTablePool{rt: rt}
}

func (p *KeyTablePool) borrow() *keyTable {
	p.mu.Lock()
	defer p.mu.Unlock()
	if n := len(p.free); n != 0 && !p.destroyed {
		t := p.free[n-1]
		p.free[n-1] = nil
		p.free = p.free[:n-1]
		return t
	}
	return nil
}

func (p *KeyTablePool) giveBack(t *keyTable) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.destroyed {
		return false
	}
	p.free = append(p.free, t)
	return true
}

// Reserve makes sure at least n tables are idle in the pool.
func (p *KeyTablePool) Reserve(n int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for len(p.free) < n && !p.destroyed {
		p.free = append(p.free, new(keyTable))
	}
}

// ReserveValue reserves n tables, and gives every idle table without a
// value for key one built by ctor.
func (p *KeyTablePool) ReserveValue(n int, key Key, ctor func() any) error {
	if ctor == nil || !p.rt.keys.valid(key) {
		return fmt.Errorf("%w: key %d.%d", ErrInvalidArgument, key.Index, key.Version)
	}
	p.Reserve(n)
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, t := range p.free {
		if t.get(key) == nil {
			t.set(key, ctor())
		}
	}
	return nil
}

// Size returns the number of idle tables.
func (p *KeyTablePool) Size() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.free)
}

// Destroy runs the destructors of every idle table and disables the pool.
// Tables still lent out are destroyed when their fibers exit.
func (p *KeyTablePool) Destroy() {
	p.mu.Lock()
	free := p.free
	p.free = nil
	p.destroyed = true
	p.mu.Unlock()
	for _, t := range free {
		t.destroy(&p.rt.keys)
	}
}
