package code

import (
	"fmt"

	"github.com/chazu/patchpoint/isa"
)

// Call-site contract shared by the assembler and the call-site patcher.
//
//	static   ldr x16, =target ; blr x16
//	ic       ldr x5, =icdata ; probe* ; ldr x16, =target ; blr x16
//	closure  ldr x4, =argdesc ; ldr x16, =target ; blr x16
//
// Every patchable value is a distinct 8-byte literal word in the code
// object's literal pool, loaded PC-relative. A probe is ldr xt, [xn, #imm]
// (xt not x4, x5 or x16), cmp, b.cond or nop.
const (
	// MaxProbeInstructions bounds the inline cache probe code between the
	// IC data load and the target load of an instance call.
	MaxProbeInstructions = 8

	// TrampolineSlotSize is the size of an inert slot reserved for a
	// redirect trampoline.
	TrampolineSlotSize = 16

	// TrampolineContinuationOffset is the offset from a slot to the
	// continuation call reserved after it.
	TrampolineContinuationOffset = TrampolineSlotSize + isa.InstrSize
)

// probeTemplate is cycled through to produce n probe instructions: load the
// receiver class, load the cached class, compare, branch to the miss path.
var probeTemplate = []isa.Instr{
	isa.LDRImm(isa.X17, isa.X0, 8),
	isa.LDRImm(isa.X6, isa.X5, 16),
	isa.CMP(isa.X17, isa.X6),
	isa.BCond(isa.NE, 8),
	isa.NOP,
}

type literalFixup struct {
	at  int // instruction index of the LDR
	lit int // literal index
	rt  isa.Reg
}

type pendingCall struct {
	ret  int // instruction index just after the BLR
	kind CallKind
}

// Assembler emits call sites in the contracted shapes and installs the
// result in a Cache. Instructions that load literals are fixed up at install
// time, once the literal pool address is known. An Assembler is single use.
type Assembler struct {
	instrs   []isa.Instr
	literals []uint64
	fixups   []literalFixup
	calls    []pendingCall
	slots    []int
	objects  []any
}

// NewAssembler creates an empty assembler.
func NewAssembler() *Assembler {
	return &Assembler{}
}

// Emit appends one raw instruction.
func (a *Assembler) Emit(i isa.Instr) {
	a.instrs = append(a.instrs, i)
}

// Nop appends n NOPs.
func (a *Assembler) Nop(n int) {
	for ; n > 0; n-- {
		a.Emit(isa.NOP)
	}
}

// LoadLiteral appends LDR rt, =value with a fresh literal word.
func (a *Assembler) LoadLiteral(rt isa.Reg, value uint64) {
	a.literals = append(a.literals, value)
	a.fixups = append(a.fixups, literalFixup{at: len(a.instrs), lit: len(a.literals) - 1, rt: rt})
	a.Emit(0)
}

func (a *Assembler) addObject(obj any) Handle {
	a.objects = append(a.objects, obj)
	return Handle(len(a.objects))
}

func (a *Assembler) call(kind CallKind, target uintptr) int {
	a.LoadLiteral(isa.RegCallTarget, uint64(target))
	a.Emit(isa.BLR(isa.RegCallTarget))
	a.calls = append(a.calls, pendingCall{ret: len(a.instrs), kind: kind})
	return len(a.calls) - 1
}

// CallStatic emits a resolved static call and returns its call-site index.
func (a *Assembler) CallStatic(target uintptr) int {
	return a.call(CallStatic, target)
}

// CallUnoptimizedStatic emits a static call that carries a one-entry ICData.
func (a *Assembler) CallUnoptimizedStatic(ic *ICData, target uintptr) int {
	a.LoadLiteral(isa.RegICData, uint64(a.addObject(ic)))
	return a.call(CallUnoptimizedStatic, target)
}

// CallInstance emits an instance call with probes instructions of inline
// cache probe code between the IC data load and the target load.
func (a *Assembler) CallInstance(ic *ICData, target uintptr, probes int) int {
	if probes < 0 || probes > MaxProbeInstructions {
		panic(fmt.Sprintf("Assembler.CallInstance: %d probe instructions, max %d", probes, MaxProbeInstructions))
	}
	a.LoadLiteral(isa.RegICData, uint64(a.addObject(ic)))
	for i := 0; i < probes; i++ {
		a.Emit(probeTemplate[i%len(probeTemplate)])
	}
	return a.call(CallInstance, target)
}

// CallClosure emits a closure call carrying desc.
func (a *Assembler) CallClosure(desc *ArgumentsDescriptor, target uintptr) int {
	a.LoadLiteral(isa.RegArgsDesc, uint64(a.addObject(desc)))
	return a.call(CallClosure, target)
}

// ReserveTrampolineSlot pads to a word boundary and reserves an inert
// TrampolineSlotSize-byte slot of NOPs for a redirect call, followed by
//
//	brk #0
//	ldr x16, =0 ; blr x16
//
// The second line is the continuation: a static call whose target is set
// when the slot is used, so that a call inserted into the slot always has a
// target past its own end. The BRK keeps the slot's literal word from being
// read as part of the continuation. Execution must never fall through into
// a slot. It returns the slot index.
func (a *Assembler) ReserveTrampolineSlot() int {
	for len(a.instrs)*isa.InstrSize%isa.WordSize != 0 {
		a.Emit(isa.NOP)
	}
	a.slots = append(a.slots, len(a.instrs))
	a.Nop(TrampolineSlotSize / isa.InstrSize)
	a.Emit(isa.BRK(0))
	a.call(CallStatic, 0)
	return len(a.slots) - 1
}

// Size returns the number of bytes Install will allocate.
func (a *Assembler) Size() int {
	return a.poolOffset() + len(a.literals)*isa.WordSize
}

func (a *Assembler) poolOffset() int {
	return int(alignUp(uintptr(len(a.instrs)*isa.InstrSize), isa.WordSize))
}

// Install copies the code into cache, resolves literal loads, synchronizes
// the instruction cache and registers the new code object.
func (a *Assembler) Install(cache *Cache, name string) (*Code, error) {
	size := a.Size()
	if size == 0 {
		return nil, fmt.Errorf("code: %s: nothing to install", name)
	}
	start, err := cache.allocate(size)
	if err != nil {
		return nil, fmt.Errorf("code: install %s: %w", name, err)
	}
	pool := start + uintptr(a.poolOffset())

	for _, f := range a.fixups {
		offset := int64(pool+uintptr(f.lit*isa.WordSize)) - int64(start+uintptr(f.at*isa.InstrSize))
		if offset > isa.MaxLiteralOffset {
			return nil, fmt.Errorf("code: install %s: literal %d is %d bytes from its load", name, f.lit, offset)
		}
		a.instrs[f.at] = isa.LDRLiteral(f.rt, int32(offset))
	}

	region := cache.Region()
	for i, v := range a.literals {
		region.StoreWord(pool+uintptr(i*isa.WordSize), v)
	}
	for i, instr := range a.instrs {
		region.StoreInstr(start+uintptr(i*isa.InstrSize), instr)
	}
	region.FlushICache(start, size)

	code := &Code{
		name:      name,
		region:    region,
		start:     start,
		instrSize: len(a.instrs) * isa.InstrSize,
		size:      size,
		pool:      NewObjectPool(a.objects...),
	}
	for _, pc := range a.calls {
		code.calls = append(code.calls, CallSite{
			RetAddr: start + uintptr(pc.ret*isa.InstrSize),
			Kind:    pc.kind,
		})
	}
	for _, s := range a.slots {
		code.slots = append(code.slots, start+uintptr(s*isa.InstrSize))
	}
	cache.register(code)
	return code, nil
}
