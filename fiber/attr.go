package fiber

// StackType selects where a fiber runs.
type StackType uint8

const (
	// StackNormal runs the fiber on a pooled stack of the normal class.
	StackNormal StackType = iota

	// StackSmall runs the fiber on a pooled stack of the small class,
	// intended for many short-lived fibers.
	StackSmall

	// StackPthread runs the fiber directly on the worker goroutine. Its
	// suspension points block the worker, as they would a plain goroutine.
	StackPthread

	stackClasses = 2
)

func (x StackType) String() string {
	switch x {
	case StackNormal:
		return "normal"
	case StackSmall:
		return "small"
	case StackPthread:
		return "pthread"
	default:
		return "unknown"
	}
}

// Attr holds the attributes of a fiber. A nil *Attr means AttrNormal.
type Attr struct {
	// KeyTablePool, if set, supplies the fiber's key table, which is
	// returned to the pool (values intact) when the fiber exits.
	KeyTablePool *KeyTablePool

	Stack StackType

	// NoSignal suppresses waking idle workers when the fiber becomes
	// runnable. Call Runtime.Flush to signal the accumulated fibers.
	NoSignal bool

	// Detached fibers reclaim themselves on exit and can't be joined.
	Detached bool
}

var (
	AttrNormal   = Attr{}
	AttrSmall    = Attr{Stack: StackSmall}
	AttrPthread  = Attr{Stack: StackPthread}
	AttrDetached = Attr{Detached: true}
)

func (x *Attr) valid() bool {
	return x.Stack <= StackPthread
}
