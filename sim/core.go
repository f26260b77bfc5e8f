// Package sim executes call-site instruction windows the way a CPU core
// would, so that tests and the stress tool can play "another thread running
// the code" while it is being patched.
//
// Each Core fetches instructions through a private decoded-instruction
// cache that is only invalidated by the region's flush epoch, the way a real
// instruction cache is only coherent after an explicit synchronization.
// Literal words are data and are always loaded from memory.
package sim

import (
	"fmt"

	"github.com/chazu/patchpoint/code"
	"github.com/chazu/patchpoint/isa"
)

// MaxSteps bounds the instructions executed by one Invoke.
const MaxSteps = 64

// Core is one simulated CPU core. A Core is not safe for concurrent use;
// give every goroutine its own.
type Core struct {
	region *code.Region
	icache map[uintptr]isa.Instr
	epoch  uint64
	regs   [32]uint64

	Fetches uint64 // instructions fetched
	Misses  uint64 // fetches that went to memory
}

// NewCore creates a core executing from region.
func NewCore(region *code.Region) *Core {
	return &Core{
		region: region,
		icache: make(map[uintptr]isa.Instr),
		epoch:  region.FlushEpoch(),
	}
}

func (c *Core) fetch(pc uintptr) (isa.Instr, error) {
	c.Fetches++
	if e := c.region.FlushEpoch(); e != c.epoch {
		clear(c.icache)
		c.epoch = e
	}
	if i, ok := c.icache[pc]; ok {
		return i, nil
	}
	if pc%isa.InstrSize != 0 || !c.region.ContainsInstructionAt(pc) {
		return 0, fmt.Errorf("sim: fetch from %#x outside code region", pc)
	}
	c.Misses++
	i := c.region.LoadInstr(pc)
	c.icache[pc] = i
	return i, nil
}

// Register returns the value of register r.
func (c *Core) Register(r isa.Reg) uint64 {
	if r == isa.XZR {
		return 0
	}
	return c.regs[r]
}

// Invoke runs the call window starting at start up to and including its BLR
// and returns the branch target and the return address the BLR would
// record. Probe instructions are stepped over: their flags and scratch
// registers do not influence where the call goes.
func (c *Core) Invoke(start uintptr) (target, ret uintptr, err error) {
	pc := start
	for step := 0; step < MaxSteps; step++ {
		i, ferr := c.fetch(pc)
		if ferr != nil {
			return 0, 0, ferr
		}
		switch {
		case i.IsLDRLiteral():
			addr := uintptr(int64(pc) + int64(i.LiteralOffset()))
			if addr%isa.WordSize != 0 || !c.region.Contains(addr, isa.WordSize) {
				return 0, 0, fmt.Errorf("sim: literal load from %#x at %#x", addr, pc)
			}
			if rt := i.Rt(); rt != isa.XZR {
				c.regs[rt] = c.region.LoadWord(addr)
			}
		case i.IsBLR():
			c.regs[isa.X30] = uint64(pc + isa.InstrSize)
			return uintptr(c.Register(i.Rn())), pc + isa.InstrSize, nil
		case i == isa.NOP, i.IsLDRImm(), i.IsCMP(), i.IsBCond():
		default:
			return 0, 0, fmt.Errorf("sim: unsupported instruction %s at %#x", i, pc)
		}
		pc += isa.InstrSize
	}
	return 0, 0, fmt.Errorf("sim: no call within %d instructions of %#x", MaxSteps, start)
}
