// Package isa encodes and decodes the small AArch64 instruction subset that
// makes up a patchable call site.
//
// Only the shapes the code generator is contracted to emit are understood.
// This is not a disassembler: anything outside the subset prints as a raw
// .word and is rejected by the call-site matcher.
package isa

import "fmt"

// InstrSize is the width of every instruction in bytes.
const InstrSize = 4

// WordSize is the width of a literal word (one absolute address) in bytes.
const WordSize = 8

// Instr is one 32-bit instruction word.
type Instr uint32

// Reg is a general purpose register number. 31 encodes XZR in the
// instructions used here.
type Reg uint8

const (
	X0 Reg = iota
	X1
	X2
	X3
	X4
	X5
	X6
	X7
	X8
	X9
	X10
	X11
	X12
	X13
	X14
	X15
	X16
	X17
	X18
	X19
	X20
	X21
	X22
	X23
	X24
	X25
	X26
	X27
	X28
	X29
	X30
	XZR
)

// Registers with a fixed role in the call-site contract.
const (
	RegCallTarget = X16 // IP0, holds the branch target loaded from the target word
	RegArgsDesc   = X4  // arguments descriptor for closure calls
	RegICData     = X5  // inline cache data for instance and unoptimized static calls
)

func (r Reg) String() string {
	if r == XZR {
		return "xzr"
	}
	return fmt.Sprintf("x%d", uint8(r))
}

// Cond is a B.cond condition code.
type Cond uint8

const (
	EQ Cond = 0x0
	NE Cond = 0x1
	HS Cond = 0x2
	LO Cond = 0x3
	HI Cond = 0x8
	LS Cond = 0x9
)

var condNames = map[Cond]string{EQ: "eq", NE: "ne", HS: "hs", LO: "lo", HI: "hi", LS: "ls"}

func (c Cond) String() string {
	if s, ok := condNames[c]; ok {
		return s
	}
	return fmt.Sprintf("cond%d", uint8(c))
}

// NOP is the architectural no-op (HINT #0).
const NOP Instr = 0xD503201F

// Literal loads reach ±1MiB around the instruction.
const (
	MinLiteralOffset = -(1 << 20)
	MaxLiteralOffset = (1 << 20) - InstrSize
)

// ---------------------------------------------------------------------------
// Encoders
// ---------------------------------------------------------------------------

// LDRLiteral encodes LDR Xt, <pc+offset>. The offset is relative to the
// address of the LDR itself and must be a multiple of 4.
// https://developer.arm.com/documentation/ddi0596/2020-12/Base-Instructions/LDR--literal---Load-Register--literal--
func LDRLiteral(rt Reg, offset int32) Instr {
	if offset%InstrSize != 0 || offset < MinLiteralOffset || offset > MaxLiteralOffset {
		panic(fmt.Sprintf("isa: literal offset %d not encodable", offset))
	}
	imm19 := uint32(offset>>2) & 0x7FFFF
	return Instr(0x58000000 | imm19<<5 | uint32(rt&0x1F))
}

// LDRImm encodes LDR Xt, [Xn, #offset] (unsigned scaled offset).
func LDRImm(rt, rn Reg, offset uint32) Instr {
	if offset%8 != 0 || offset/8 > 0xFFF {
		panic(fmt.Sprintf("isa: load offset %d not encodable", offset))
	}
	return Instr(0xF9400000 | (offset/8)<<10 | uint32(rn&0x1F)<<5 | uint32(rt&0x1F))
}

// BLR encodes BLR Xn.
func BLR(rn Reg) Instr {
	return Instr(0xD63F0000 | uint32(rn&0x1F)<<5)
}

// CMP encodes CMP Xn, Xm (SUBS XZR, Xn, Xm).
func CMP(rn, rm Reg) Instr {
	return Instr(0xEB00001F | uint32(rm&0x1F)<<16 | uint32(rn&0x1F)<<5)
}

// BRK encodes BRK #imm, a trap that marks code never meant to execute.
func BRK(imm uint16) Instr {
	return Instr(0xD4200000 | uint32(imm)<<5)
}

// BCond encodes B.cond <pc+offset>.
func BCond(cond Cond, offset int32) Instr {
	if offset%InstrSize != 0 || offset < MinLiteralOffset || offset > MaxLiteralOffset {
		panic(fmt.Sprintf("isa: branch offset %d not encodable", offset))
	}
	imm19 := uint32(offset>>2) & 0x7FFFF
	return Instr(0x54000000 | imm19<<5 | uint32(cond&0xF))
}

// ---------------------------------------------------------------------------
// Decoders
// ---------------------------------------------------------------------------

// IsBRK reports whether i is a BRK.
func (i Instr) IsBRK() bool { return i&0xFFE0001F == 0xD4200000 }

// IsLDRLiteral reports whether i is a 64-bit LDR (literal).
func (i Instr) IsLDRLiteral() bool { return i&0xFF000000 == 0x58000000 }

// IsLDRImm reports whether i is a 64-bit LDR with an unsigned immediate offset.
func (i Instr) IsLDRImm() bool { return i&0xFFC00000 == 0xF9400000 }

// IsBLR reports whether i is BLR Xn.
func (i Instr) IsBLR() bool { return i&0xFFFFFC1F == 0xD63F0000 }

// IsCMP reports whether i is CMP Xn, Xm without a shift.
func (i Instr) IsCMP() bool { return i&0xFFE0FC1F == 0xEB00001F }

// IsBCond reports whether i is B.cond.
func (i Instr) IsBCond() bool { return i&0xFF000010 == 0x54000000 }

// Rt returns the destination register field.
func (i Instr) Rt() Reg { return Reg(i & 0x1F) }

// Rn returns the base register field.
func (i Instr) Rn() Reg { return Reg(i >> 5 & 0x1F) }

// Rm returns the second source register field.
func (i Instr) Rm() Reg { return Reg(i >> 16 & 0x1F) }

// Cond returns the condition of a B.cond.
func (i Instr) Cond() Cond { return Cond(i & 0xF) }

// LiteralOffset returns the signed byte offset of a LDR (literal) or B.cond
// from its own address.
func (i Instr) LiteralOffset() int32 {
	imm19 := int32(i>>5) & 0x7FFFF
	return (imm19 << 13 >> 13) * InstrSize
}

// LoadOffset returns the byte offset of a LDR with an unsigned immediate.
func (i Instr) LoadOffset() uint32 {
	return uint32(i>>10&0xFFF) * 8
}

// String renders the recognised subset; everything else prints as a .word.
func (i Instr) String() string {
	switch {
	case i == NOP:
		return "nop"
	case i.IsLDRLiteral():
		return fmt.Sprintf("ldr %s, pc%+d", i.Rt(), i.LiteralOffset())
	case i.IsLDRImm():
		return fmt.Sprintf("ldr %s, [%s, #%d]", i.Rt(), i.Rn(), i.LoadOffset())
	case i.IsBLR():
		return fmt.Sprintf("blr %s", i.Rn())
	case i.IsCMP():
		return fmt.Sprintf("cmp %s, %s", i.Rn(), i.Rm())
	case i.IsBCond():
		return fmt.Sprintf("b.%s pc%+d", i.Cond(), i.LiteralOffset())
	case i.IsBRK():
		return fmt.Sprintf("brk #%d", uint32(i>>5&0xFFFF))
	}
	return fmt.Sprintf(".word %#08x", uint32(i))
}
