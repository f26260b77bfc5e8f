// Package code models compiled code living in a code cache: the backing
// memory region, compiled code objects with their object pools and call-site
// records, inline cache data, argument descriptors, and an assembler that
// emits call sites in the shapes the call-site patcher understands.
package code

import (
	"fmt"
	"sort"

	"github.com/chazu/patchpoint/isa"
)

// CallKind says which convention the compiler used for a call site.
type CallKind uint8

const (
	CallStatic            CallKind = iota // resolved static call
	CallUnoptimizedStatic                 // static call routed through a one-entry ICData
	CallInstance                          // dispatched call with inline cache probe code
	CallClosure                           // closure call carrying an arguments descriptor
)

func (k CallKind) String() string {
	switch k {
	case CallStatic:
		return "static"
	case CallUnoptimizedStatic:
		return "unoptimized-static"
	case CallInstance:
		return "instance"
	case CallClosure:
		return "closure"
	}
	return fmt.Sprintf("CallKind(%d)", uint8(k))
}

// CallSite records one call emitted into a code object.
type CallSite struct {
	RetAddr uintptr // address immediately after the BLR
	Kind    CallKind
}

// Code is a compiled code object installed in a Region.
//
// Layout: instructions from PayloadStart, padded to a word boundary, then the
// literal words the instructions load from. The size never changes after
// installation; patching rewrites words in place.
type Code struct {
	name      string
	region    *Region
	start     uintptr
	instrSize int // bytes of instructions, before the literal pool
	size      int // total bytes, literal pool included

	pool  *ObjectPool
	calls []CallSite // sorted by RetAddr
	slots []uintptr  // reserved trampoline slots, ascending
}

// Name returns the code object's name.
func (c *Code) Name() string { return c.name }

// Region returns the region the code lives in.
func (c *Code) Region() *Region { return c.region }

// PayloadStart returns the address of the first instruction.
func (c *Code) PayloadStart() uintptr { return c.start }

// Size returns the total size in bytes, literal words included.
func (c *Code) Size() int { return c.size }

// InstructionsSize returns the size of the instruction stream in bytes.
func (c *Code) InstructionsSize() int { return c.instrSize }

// Pool returns the object pool.
func (c *Code) Pool() *ObjectPool { return c.pool }

// ContainsInstructionAt reports whether addr lies within the instructions
// of this code object. The literal pool does not count.
func (c *Code) ContainsInstructionAt(addr uintptr) bool {
	return addr >= c.start && addr-c.start < uintptr(c.instrSize)
}

// Contains reports whether addr lies anywhere within this code object,
// literal pool included.
func (c *Code) Contains(addr uintptr) bool {
	return addr >= c.start && addr-c.start < uintptr(c.size)
}

// containsRange reports whether [addr, addr+n) lies within this code object.
func (c *Code) containsRange(addr uintptr, n int) bool {
	return addr >= c.start && addr-c.start <= uintptr(c.size) &&
		uintptr(c.size)-(addr-c.start) >= uintptr(n)
}

// ContainsWordAt reports whether an aligned literal word at addr lies within
// this code object.
func (c *Code) ContainsWordAt(addr uintptr) bool {
	return addr%isa.WordSize == 0 && c.containsRange(addr, isa.WordSize)
}

func (c *Code) check(addr uintptr, n int, what string) {
	if !c.containsRange(addr, n) {
		panic(fmt.Sprintf("code: %s at %#x outside %s [%#x, %#x)",
			what, addr, c.name, c.start, c.start+uintptr(c.size)))
	}
}

// LoadInstr reads the instruction at addr.
func (c *Code) LoadInstr(addr uintptr) isa.Instr {
	c.check(addr, isa.InstrSize, "instruction read")
	return c.region.LoadInstr(addr)
}

// StoreInstr writes the instruction at addr.
func (c *Code) StoreInstr(addr uintptr, i isa.Instr) {
	c.check(addr, isa.InstrSize, "instruction write")
	c.region.StoreInstr(addr, i)
}

// LoadWord reads the literal word at addr.
func (c *Code) LoadWord(addr uintptr) uint64 {
	c.check(addr, isa.WordSize, "word read")
	return c.region.LoadWord(addr)
}

// StoreWord writes the literal word at addr with one aligned store.
func (c *Code) StoreWord(addr uintptr, v uint64) {
	c.check(addr, isa.WordSize, "word write")
	c.region.StoreWord(addr, v)
}

// FlushICache synchronizes instruction fetch for [addr, addr+size).
func (c *Code) FlushICache(addr uintptr, size int) {
	c.check(addr, size, "flush")
	c.region.FlushICache(addr, size)
}

// Object returns the pool object named by h.
func (c *Code) Object(h Handle) any { return c.pool.At(h) }

// CallSites returns the recorded call sites in address order.
func (c *Code) CallSites() []CallSite {
	return append([]CallSite(nil), c.calls...)
}

// FindCallSite returns the call site whose return address is retAddr.
func (c *Code) FindCallSite(retAddr uintptr) (CallSite, bool) {
	i := sort.Search(len(c.calls), func(i int) bool {
		return c.calls[i].RetAddr >= retAddr
	})
	if i < len(c.calls) && c.calls[i].RetAddr == retAddr {
		return c.calls[i], true
	}
	return CallSite{}, false
}

// TrampolineSlots returns the addresses of the inert slots the assembler
// reserved for redirect trampolines.
func (c *Code) TrampolineSlots() []uintptr {
	return append([]uintptr(nil), c.slots...)
}

// Disassemble renders the instruction stream and the literal words.
func (c *Code) Disassemble() []string {
	var lines []string
	end := c.start + uintptr(c.instrSize)
	for pc := c.start; pc < end; pc += isa.InstrSize {
		i := c.LoadInstr(pc)
		line := fmt.Sprintf("%#x: %08x  %s", pc, uint32(i), i)
		if i.IsLDRLiteral() {
			if w := uintptr(int64(pc) + int64(i.LiteralOffset())); c.ContainsWordAt(w) {
				line += fmt.Sprintf("  ; =%#x", c.LoadWord(w))
			}
		}
		lines = append(lines, line)
	}
	for w := alignUp(end, isa.WordSize); w < c.start+uintptr(c.size); w += isa.WordSize {
		lines = append(lines, fmt.Sprintf("%#x: .quad %#x", w, c.LoadWord(w)))
	}
	return lines
}

func (c *Code) String() string {
	return fmt.Sprintf("Code(%s @ %#x, %d bytes)", c.name, c.start, c.size)
}

func alignUp(v uintptr, a uintptr) uintptr {
	return (v + a - 1) &^ (a - 1)
}
