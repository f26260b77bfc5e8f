package patcher

import (
	"github.com/tliron/commonlog"

	"github.com/chazu/patchpoint/code"
	"github.com/chazu/patchpoint/journal"
)

// Patcher wraps the call-site operations with logging, optional read-back
// verification and a journal of every mutation. It holds no per-site state
// and is safe for concurrent use.
type Patcher struct {
	// VerifyWrites re-decodes a call site after every mutation and treats
	// a mismatch as a contract violation.
	VerifyWrites bool

	journal journal.Sink
	log     commonlog.Logger
}

// Option configures a Patcher.
type Option func(*Patcher)

// WithJournal records mutations to sink.
func WithJournal(sink journal.Sink) Option {
	return func(p *Patcher) { p.journal = sink }
}

// WithVerifyWrites enables or disables read-back verification.
func WithVerifyWrites(verify bool) Option {
	return func(p *Patcher) { p.VerifyWrites = verify }
}

// New creates a Patcher. Without WithJournal mutations are not recorded.
func New(opts ...Option) *Patcher {
	p := &Patcher{
		journal: journal.Discard,
		log:     commonlog.GetLogger("patchpoint.patcher"),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

func (p *Patcher) record(kind journal.Kind, c *code.Code, addr, old, new uintptr) {
	p.log.Debugf("%s %s@%#x: %#x -> %#x", kind, c.Name(), addr, old, new)
	if err := p.journal.Record(journal.NewEvent(kind, c.Name(), addr, old, new)); err != nil {
		p.log.Errorf("journal %s at %#x: %s", kind, addr, err)
	}
}

func (p *Patcher) verifyTarget(ret uintptr, c *code.Code, want uintptr) {
	if !p.VerifyWrites {
		return
	}
	if got := NewCallPattern(ret, c).TargetAddress(); got != want {
		violate("verify target", ret, "read back %#x after writing %#x", got, want)
	}
}

// StaticCallTarget returns the target of the static call returning to ret.
func (p *Patcher) StaticCallTarget(ret uintptr, c *code.Code) uintptr {
	return GetStaticCallTargetAt(ret, c)
}

// PatchStaticCall repoints a static call and journals the change.
func (p *Patcher) PatchStaticCall(ret uintptr, c *code.Code, target uintptr) {
	call := NewCallPattern(ret, c)
	old := call.TargetAddress()
	call.SetTargetAddress(target)
	p.verifyTarget(ret, c, target)
	p.record(journal.KindPatchStatic, c, ret, old, target)
}

// PatchInstanceCall repoints an instance call and journals the change.
func (p *Patcher) PatchInstanceCall(ret uintptr, c *code.Code, target uintptr) {
	call := NewCallPattern(ret, c)
	old := call.TargetAddress()
	call.SetTargetAddress(target)
	p.verifyTarget(ret, c, target)
	p.record(journal.KindPatchInstance, c, ret, old, target)
}

// InstanceCall returns the target and IC data of the call returning to ret.
func (p *Patcher) InstanceCall(ret uintptr, c *code.Code) (uintptr, *code.ICData) {
	return GetInstanceCallAt(ret, c)
}

// UnoptimizedStaticCall returns the function and IC data of an unoptimized
// static call.
func (p *Patcher) UnoptimizedStaticCall(ret uintptr, c *code.Code) (*code.Function, *code.ICData) {
	return GetUnoptimizedStaticCallAt(ret, c)
}

// ClosureArgDesc returns the arguments descriptor of a closure call.
func (p *Patcher) ClosureArgDesc(ret uintptr, c *code.Code) *code.ArgumentsDescriptor {
	return GetClosureArgDescAt(ret, c)
}

// AttachICData attaches ic to the call returning to ret and journals the
// old and new pool handles.
func (p *Patcher) AttachICData(ret uintptr, c *code.Code, ic *code.ICData) {
	call := NewCallPattern(ret, c)
	old := uintptr(c.LoadWord(call.icWordOrViolate()))
	call.SetIcData(ic)
	if p.VerifyWrites {
		if got, _ := NewCallPattern(ret, c).IcData(); got != ic {
			violate("verify ic data", ret, "read back %v after attaching %v", got, ic)
		}
	}
	p.record(journal.KindPatchICData, c, ret, old, uintptr(c.LoadWord(call.icWord)))
}

// InsertCall writes a redirect call to target at start and journals it.
func (p *Patcher) InsertCall(c *code.Code, start, target uintptr) {
	InsertCallAt(c, start, target)
	if p.VerifyWrites {
		if got := GetStaticCallTargetAt(start+TrampolineReturnOffset, c); got != target {
			violate("verify insert", start, "read back %#x after inserting call to %#x", got, target)
		}
	}
	p.record(journal.KindInsertCall, c, start, 0, target)
}
