// Package patcher recognises call sites in generated code by their return
// address and rewrites their targets and inline cache data while other
// threads may be executing them.
//
// Every patchable value of a call site is an aligned 8-byte literal word
// that the call sequence loads PC-relative (see the contract in package
// code). Patching is therefore one atomic word store followed by an
// instruction-cache flush; no instruction is ever rewritten in live code.
package patcher

import (
	"fmt"

	"github.com/chazu/patchpoint/code"
	"github.com/chazu/patchpoint/isa"
)

// Shape is the decoded form of a call site.
type Shape uint8

const (
	ShapeStatic  Shape = iota // ldr x16 ; blr x16
	ShapeIC                   // ldr x5 ; probe* ; ldr x16 ; blr x16 (no fixed size)
	ShapeClosure              // ldr x4 ; ldr x16 ; blr x16
)

func (s Shape) String() string {
	switch s {
	case ShapeStatic:
		return "static"
	case ShapeIC:
		return "ic"
	case ShapeClosure:
		return "closure"
	}
	return fmt.Sprintf("Shape(%d)", uint8(s))
}

// FixedLengthInBytes is the size of a sequence written by InsertAt.
const FixedLengthInBytes = code.TrampolineSlotSize

// TrampolineReturnOffset is the offset of an inserted call's return address
// from the start of the sequence.
const TrampolineReturnOffset = 2 * isa.InstrSize

// CallPattern is the decoded view of one call site. It is built fresh for
// every operation and never cached: the code it describes may be patched
// by someone else the moment the operation returns.
type CallPattern struct {
	code  *code.Code
	ret   uintptr
	start uintptr
	shape Shape

	targetWord   uintptr
	icWord       uintptr // 0 unless ShapeIC
	argsDescWord uintptr // 0 unless ShapeClosure
}

// NewCallPattern decodes the call site ending at ret inside c.
// An address outside c or a window that is not one of the known shapes is a
// contract violation.
func NewCallPattern(ret uintptr, c *code.Code) *CallPattern {
	const op = "decode call"
	// The BLR before ret must be an instruction of c; ret itself may be
	// the end of the instruction stream.
	if !c.ContainsInstructionAt(ret - isa.InstrSize) {
		violate(op, ret, "return address outside the instructions of %s", c)
	}
	if ret%isa.InstrSize != 0 {
		violate(op, ret, "return address not instruction aligned")
	}
	lo := c.PayloadStart()
	if ret-lo < 2*isa.InstrSize {
		violate(op, ret, "no room for a call sequence before the return address")
	}

	blr := c.LoadInstr(ret - isa.InstrSize)
	if !blr.IsBLR() || blr.Rn() != isa.RegCallTarget {
		violate(op, ret, "expected blr %s before return address, found %s", isa.RegCallTarget, blr)
	}

	p := &CallPattern{code: c, ret: ret, shape: ShapeStatic}
	p.start = ret - 2*isa.InstrSize
	p.targetWord = literalWord(c, p.start, isa.RegCallTarget, op)

	if p.start-lo < isa.InstrSize {
		return p
	}

	// A closure call loads its arguments descriptor right before the target.
	if prev := c.LoadInstr(p.start - isa.InstrSize); prev.IsLDRLiteral() && prev.Rt() == isa.RegArgsDesc {
		p.start -= isa.InstrSize
		p.argsDescWord = literalWord(c, p.start, isa.RegArgsDesc, op)
		p.shape = ShapeClosure
		return p
	}

	// An IC call loads its cache data before a variable amount of probe code.
	pc := p.start
	for n := 0; n <= code.MaxProbeInstructions && pc-lo >= isa.InstrSize; n++ {
		pc -= isa.InstrSize
		i := c.LoadInstr(pc)
		if i.IsLDRLiteral() && i.Rt() == isa.RegICData {
			p.start = pc
			p.icWord = literalWord(c, pc, isa.RegICData, op)
			p.shape = ShapeIC
			return p
		}
		if !isProbe(i) {
			break
		}
	}
	return p
}

// literalWord decodes the LDR (literal) into rt at pc and returns the
// address of the word it loads.
func literalWord(c *code.Code, pc uintptr, rt isa.Reg, op string) uintptr {
	i := c.LoadInstr(pc)
	if !i.IsLDRLiteral() || i.Rt() != rt {
		violate(op, pc, "expected ldr %s, =literal, found %s", rt, i)
	}
	w := uintptr(int64(pc) + int64(i.LiteralOffset()))
	if !c.ContainsWordAt(w) {
		violate(op, pc, "literal word %#x is misaligned or outside %s", w, c)
	}
	return w
}

func isProbe(i isa.Instr) bool {
	switch {
	case i == isa.NOP, i.IsCMP(), i.IsBCond():
		return true
	case i.IsLDRImm():
		rt := i.Rt()
		return rt != isa.RegArgsDesc && rt != isa.RegICData && rt != isa.RegCallTarget
	}
	return false
}

// Shape returns the decoded shape.
func (p *CallPattern) Shape() Shape { return p.shape }

// Start returns the address of the first instruction of the call site.
func (p *CallPattern) Start() uintptr { return p.start }

// ReturnAddress returns the address the pattern was decoded from.
func (p *CallPattern) ReturnAddress() uintptr { return p.ret }

// TargetWordAddress returns the address of the patchable target word.
func (p *CallPattern) TargetWordAddress() uintptr { return p.targetWord }

// TargetAddress returns the address the call currently branches to.
func (p *CallPattern) TargetAddress() uintptr {
	return uintptr(p.code.LoadWord(p.targetWord))
}

// SetTargetAddress rewrites the target word with one aligned store and
// synchronizes instruction fetch before returning.
func (p *CallPattern) SetTargetAddress(target uintptr) {
	p.code.StoreWord(p.targetWord, uint64(target))
	p.code.FlushICache(p.targetWord, isa.WordSize)
}

// IcData returns the inline cache data the call site carries. The second
// result is false for shapes without one.
func (p *CallPattern) IcData() (*code.ICData, bool) {
	if p.icWord == 0 {
		return nil, false
	}
	ic, ok := p.object("read ic data", p.icWord).(*code.ICData)
	if !ok {
		violate("read ic data", p.ret, "ic data word does not name an ICData")
	}
	return ic, true
}

// object returns the pool object named by the handle in word w.
func (p *CallPattern) object(op string, w uintptr) any {
	h := code.Handle(p.code.LoadWord(w))
	if h == code.NoHandle || uint64(h) > uint64(p.code.Pool().Len()) {
		violate(op, p.ret, "word %#x holds handle %d, pool of %s has %d objects",
			w, h, p.code.Name(), p.code.Pool().Len())
	}
	return p.code.Object(h)
}

func (p *CallPattern) icWordOrViolate() uintptr {
	if p.icWord == 0 {
		violate("attach ic data", p.ret, "%s call site has no ic data word", p.shape)
	}
	return p.icWord
}

// SetIcData attaches ic to the call site: ic is interned in the code
// object's pool and the IC data word is repointed with one aligned store.
func (p *CallPattern) SetIcData(ic *code.ICData) {
	w := p.icWordOrViolate()
	if ic == nil {
		violate("attach ic data", p.ret, "nil ic data")
	}
	h := p.code.Pool().Intern(ic)
	p.code.StoreWord(w, uint64(h))
	p.code.FlushICache(w, isa.WordSize)
}

// ClosureArgumentsDescriptor returns the arguments descriptor of a closure
// call site. Asking a site of any other shape is a contract violation.
func (p *CallPattern) ClosureArgumentsDescriptor() *code.ArgumentsDescriptor {
	if p.shape != ShapeClosure {
		violate("read arguments descriptor", p.ret, "%s call site is not a closure call", p.shape)
	}
	desc, ok := p.object("read arguments descriptor", p.argsDescWord).(*code.ArgumentsDescriptor)
	if !ok {
		violate("read arguments descriptor", p.ret, "descriptor word does not name an ArgumentsDescriptor")
	}
	return desc
}

// InsertAt writes a fresh call to target into the inert memory at start:
//
//	start+0  ldr x16, #8
//	start+4  blr x16
//	start+8  .quad target
//
// The sequence is FixedLengthInBytes long and its return address,
// start+TrampolineReturnOffset, decodes as a static call site. It is meant
// for redirect stubs that consume the return address and never return into
// the sequence. start must be word aligned.
func InsertAt(mem code.Memory, start, target uintptr) {
	const op = "insert call"
	if start%isa.WordSize != 0 {
		violate(op, start, "start not %d-byte aligned", isa.WordSize)
	}
	if !mem.ContainsInstructionAt(start) || !mem.ContainsInstructionAt(start+FixedLengthInBytes-isa.InstrSize) {
		violate(op, start, "%d-byte sequence does not fit in code memory", FixedLengthInBytes)
	}
	mem.StoreWord(start+TrampolineReturnOffset, uint64(target))
	mem.StoreInstr(start, isa.LDRLiteral(isa.RegCallTarget, TrampolineReturnOffset))
	mem.StoreInstr(start+isa.InstrSize, isa.BLR(isa.RegCallTarget))
	mem.FlushICache(start, FixedLengthInBytes)
}
