package code

import (
	"fmt"
	"sync"
	"sync/atomic"
)

// Handle names an object in a code object's pool. It is what a literal word
// holds for IC data and argument descriptors: the pool index plus one, so
// that a zero word means "no object".
type Handle uint64

// NoHandle is the zero handle.
const NoHandle Handle = 0

// ObjectPool holds the out-of-line objects referenced from generated code.
//
// Reads are lock-free: the slice is replaced, never mutated, so a reader
// holding an old snapshot still sees a consistent prefix. Appends are rare
// (new IC data attached to a call site) and serialize on a mutex.
type ObjectPool struct {
	mu      sync.Mutex
	objects atomic.Pointer[[]any]
}

// NewObjectPool returns a pool pre-populated with objs; objs[i] gets handle i+1.
func NewObjectPool(objs ...any) *ObjectPool {
	p := &ObjectPool{}
	snapshot := append([]any(nil), objs...)
	p.objects.Store(&snapshot)
	return p
}

// Add appends obj and returns its handle.
func (p *ObjectPool) Add(obj any) Handle {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.appendLocked(p.snapshot(), obj)
}

// Intern returns the handle of obj, adding it only if the pool does not
// hold it yet. obj must be comparable.
func (p *ObjectPool) Intern(obj any) Handle {
	p.mu.Lock()
	defer p.mu.Unlock()

	cur := p.snapshot()
	for i, o := range cur {
		if o == obj {
			return Handle(i + 1)
		}
	}
	return p.appendLocked(cur, obj)
}

func (p *ObjectPool) snapshot() []any {
	if s := p.objects.Load(); s != nil {
		return *s
	}
	return nil
}

func (p *ObjectPool) appendLocked(cur []any, obj any) Handle {
	next := make([]any, len(cur), len(cur)+1)
	copy(next, cur)
	next = append(next, obj)
	p.objects.Store(&next)
	return Handle(len(next))
}

// At returns the object named by h.
// Panics if h does not name an object in this pool.
func (p *ObjectPool) At(h Handle) any {
	s := p.objects.Load()
	if h == NoHandle || s == nil || uint64(h) > uint64(len(*s)) {
		panic(fmt.Sprintf("ObjectPool.At: handle %d out of range", h))
	}
	return (*s)[h-1]
}

// Len returns the number of objects in the pool.
func (p *ObjectPool) Len() int {
	if s := p.objects.Load(); s != nil {
		return len(*s)
	}
	return 0
}
