// Package binder is the runtime side of call-site patching: it links static
// calls lazily, handles inline cache misses and plants deoptimization
// redirects, using the patcher for every read and write of generated code.
package binder

import (
	"errors"
	"fmt"
	"slices"
	"sync"

	"github.com/tliron/commonlog"

	"github.com/chazu/patchpoint/code"
	"github.com/chazu/patchpoint/patcher"
)

var log = commonlog.GetLogger("patchpoint.binder")

// Compiler produces code for a function that has none yet.
type Compiler func(fn *code.Function) (*code.Code, error)

// ErrNoICData is returned when a miss is reported for a call site that does
// not carry inline cache data.
var ErrNoICData = errors.New("binder: call site has no ic data")

// Binder rebinds call sites as the program runs.
//
// The patcher operations themselves take no locks; Binder serializes its
// own read-modify-patch sequences so that two misses on the same site do not
// interleave their cache updates.
type Binder struct {
	// PolymorphicStub is where a call site goes once its cache holds more
	// than one class.
	PolymorphicStub uintptr
	// MegamorphicStub is where a call site goes once its cache gave up.
	MegamorphicStub uintptr

	patcher *patcher.Patcher
	compile Compiler
	mu      sync.Mutex
}

// New creates a Binder patching through p and compiling through compile.
func New(p *patcher.Patcher, compile Compiler) *Binder {
	return &Binder{patcher: p, compile: compile}
}

func (b *Binder) ensureCode(fn *code.Function) error {
	if fn.HasCode() {
		return nil
	}
	if b.compile == nil {
		return fmt.Errorf("binder: %s has no code and no compiler is configured", fn.Name())
	}
	c, err := b.compile(fn)
	if err != nil {
		return fmt.Errorf("binder: compile %s: %w", fn.Name(), err)
	}
	fn.SetCode(c)
	log.Infof("compiled %s at %#x", fn.Name(), c.PayloadStart())
	return nil
}

// LinkStaticCall binds the unoptimized static call returning to ret to the
// code of the function its IC data names, compiling it first if needed, and
// returns the new target.
func (b *Binder) LinkStaticCall(ret uintptr, c *code.Code) (uintptr, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	fn, _ := b.patcher.UnoptimizedStaticCall(ret, c)
	if err := b.ensureCode(fn); err != nil {
		return 0, err
	}
	entry := fn.EntryPoint()
	if b.patcher.StaticCallTarget(ret, c) != entry {
		b.patcher.PatchStaticCall(ret, c, entry)
		log.Debugf("linked %s@%#x to %s", c.Name(), ret, fn.Name())
	}
	return entry, nil
}

// HandleICMiss records that receivers of classID dispatch to fn at the
// instance call returning to ret, then repoints the call according to the
// cache's new state. It returns the new target.
func (b *Binder) HandleICMiss(ret uintptr, c *code.Code, classID int, fn *code.Function) (uintptr, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	_, ic := b.patcher.InstanceCall(ret, c)
	if ic == nil {
		return 0, fmt.Errorf("%w: %s@%#x", ErrNoICData, c.Name(), ret)
	}
	if err := b.ensureCode(fn); err != nil {
		return 0, err
	}

	var target uintptr
	switch state := ic.AddCheck(classID, fn); state {
	case code.ICMonomorphic:
		target = fn.EntryPoint()
	case code.ICPolymorphic:
		target = b.PolymorphicStub
	case code.ICMegamorphic:
		target = b.MegamorphicStub
	default:
		return 0, fmt.Errorf("binder: unexpected cache state %s after miss at %#x", state, ret)
	}
	if target == 0 {
		return 0, fmt.Errorf("binder: no stub configured for %s call site %s@%#x", ic.State(), c.Name(), ret)
	}
	b.patcher.PatchInstanceCall(ret, c, target)
	log.Debugf("ic miss %s@%#x class %d -> %s (%s)", c.Name(), ret, classID, fn.Name(), ic.State())
	return target, nil
}

// Dispatch looks up the target for a receiver of classID in the cache of
// the instance call returning to ret, the way the polymorphic stub does.
// A miss is counted in the cache and reported as false; the caller then
// resolves the target and reports it through HandleICMiss.
func (b *Binder) Dispatch(ret uintptr, c *code.Code, classID int) (*code.Function, bool) {
	_, ic := b.patcher.InstanceCall(ret, c)
	if ic == nil {
		return nil, false
	}
	fn := ic.Lookup(classID)
	return fn, fn != nil
}

// InsertDeoptRedirect redirects the trampoline slot at pc to stub and
// returns the return address the stub will see.
//
// The slot itself calls the continuation reserved right after it, and the
// continuation calls stub. Stubs installed before c then stay reachable:
// the inserted call only ever branches forward.
func (b *Binder) InsertDeoptRedirect(c *code.Code, pc, stub uintptr) (uintptr, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if !slices.Contains(c.TrampolineSlots(), pc) {
		return 0, fmt.Errorf("binder: %#x is not a trampoline slot of %s", pc, c.Name())
	}
	cont := pc + code.TrampolineContinuationOffset
	b.patcher.PatchStaticCall(cont+patcher.TrampolineReturnOffset, c, stub)
	b.patcher.InsertCall(c, pc, cont)
	log.Infof("deopt redirect %s@%#x -> %#x", c.Name(), pc, stub)
	return pc + patcher.TrampolineReturnOffset, nil
}
