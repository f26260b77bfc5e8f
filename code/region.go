package code

import (
	"errors"
	"fmt"
	"sync/atomic"
	"unsafe"

	"github.com/chazu/patchpoint/isa"
)

// Memory is the view of code memory the patcher needs: bounds checks,
// atomic instruction and word access, and instruction-cache synchronization.
// Region and Code both implement it.
type Memory interface {
	ContainsInstructionAt(addr uintptr) bool
	LoadInstr(addr uintptr) isa.Instr
	StoreInstr(addr uintptr, i isa.Instr)
	LoadWord(addr uintptr) uint64
	StoreWord(addr uintptr, v uint64)
	FlushICache(addr uintptr, size int)
}

// Region is the backing memory of a code cache.
//
// Addresses seen by generated code start at base, which need not be the
// host address of the backing store; this keeps addresses stable and
// reproducible across runs. All reads and writes go through sync/atomic
// so that a concurrent reader sees either the old or the new value of an
// aligned instruction or word.
type Region struct {
	base   uintptr
	mem    []byte
	mapped bool
	unmap  func() error

	// Bumped by every FlushICache. Cores tag their decoded instructions
	// with the epoch they were fetched in.
	epoch   atomic.Uint64
	flushed atomic.Uint64 // bytes synchronized, for statistics
}

// NewRegion allocates size bytes of code memory addressed from base.
// When useMmap is set and the platform supports it the memory is an
// anonymous private mapping outside the Go heap; otherwise it is a
// word-aligned heap allocation.
func NewRegion(base uintptr, size int, useMmap bool) (*Region, error) {
	if size <= 0 {
		return nil, fmt.Errorf("code: region size must be positive, got %d", size)
	}
	if base%RegionAlignment != 0 {
		return nil, fmt.Errorf("code: region base %#x not %d-byte aligned", base, RegionAlignment)
	}
	r := &Region{base: base}
	if useMmap {
		mem, unmap, err := mapMemory(size)
		if err == nil {
			r.mem, r.unmap, r.mapped = mem[:size], unmap, true
			return r, nil
		}
		if err != errMmapUnsupported {
			return nil, fmt.Errorf("code: mmap %d bytes: %w", size, err)
		}
	}
	r.mem = heapMemory(size)
	return r, nil
}

var errMmapUnsupported = errors.New("code: mmap not supported on this platform")

// RegionAlignment is the required alignment of a region base address.
const RegionAlignment = 16

// heapMemory returns size bytes backed by a []uint64 so that every 8-byte
// word in it is naturally aligned for 64-bit atomics.
func heapMemory(size int) []byte {
	words := make([]uint64, (size+7)/8)
	return unsafe.Slice((*byte)(unsafe.Pointer(&words[0])), size)
}

// Base returns the address of the first byte of the region.
func (r *Region) Base() uintptr { return r.base }

// Size returns the region size in bytes.
func (r *Region) Size() int { return len(r.mem) }

// Mapped reports whether the region is an mmap'd mapping.
func (r *Region) Mapped() bool { return r.mapped }

// Contains reports whether [addr, addr+n) lies inside the region.
func (r *Region) Contains(addr uintptr, n int) bool {
	return addr >= r.base && n >= 0 && addr-r.base <= uintptr(len(r.mem)) &&
		uintptr(len(r.mem))-(addr-r.base) >= uintptr(n)
}

// ContainsInstructionAt reports whether a whole instruction at addr lies
// inside the region.
func (r *Region) ContainsInstructionAt(addr uintptr) bool {
	return r.Contains(addr, isa.InstrSize)
}

func (r *Region) word32(addr uintptr) *uint32 {
	if addr%isa.InstrSize != 0 || !r.Contains(addr, isa.InstrSize) {
		panic(fmt.Sprintf("code: instruction access at %#x outside region [%#x, %#x) or misaligned",
			addr, r.base, r.base+uintptr(len(r.mem))))
	}
	return (*uint32)(unsafe.Pointer(&r.mem[addr-r.base]))
}

func (r *Region) word64(addr uintptr) *uint64 {
	if addr%isa.WordSize != 0 || !r.Contains(addr, isa.WordSize) {
		panic(fmt.Sprintf("code: word access at %#x outside region [%#x, %#x) or misaligned",
			addr, r.base, r.base+uintptr(len(r.mem))))
	}
	return (*uint64)(unsafe.Pointer(&r.mem[addr-r.base]))
}

// LoadInstr reads the instruction at addr.
func (r *Region) LoadInstr(addr uintptr) isa.Instr {
	return isa.Instr(atomic.LoadUint32(r.word32(addr)))
}

// StoreInstr writes one instruction with a single aligned store.
func (r *Region) StoreInstr(addr uintptr, i isa.Instr) {
	atomic.StoreUint32(r.word32(addr), uint32(i))
}

// LoadWord reads the aligned 64-bit literal word at addr.
func (r *Region) LoadWord(addr uintptr) uint64 {
	return atomic.LoadUint64(r.word64(addr))
}

// StoreWord writes the aligned 64-bit literal word at addr with a single
// store. Readers observe either the previous or the new value, never a mix.
func (r *Region) StoreWord(addr uintptr, v uint64) {
	atomic.StoreUint64(r.word64(addr), v)
}

// FlushICache makes prior writes to [addr, addr+size) visible to instruction
// fetch on every core. The epoch bump is a sequentially consistent atomic,
// so it also orders the preceding stores before any fetch that observes it.
func (r *Region) FlushICache(addr uintptr, size int) {
	if !r.Contains(addr, size) {
		panic(fmt.Sprintf("code: flush of [%#x, %#x) outside region", addr, addr+uintptr(size)))
	}
	r.flushed.Add(uint64(size))
	r.epoch.Add(1)
}

// FlushEpoch returns the number of flushes issued so far.
func (r *Region) FlushEpoch() uint64 { return r.epoch.Load() }

// FlushedBytes returns the total number of bytes synchronized.
func (r *Region) FlushedBytes() uint64 { return r.flushed.Load() }

// Close releases the backing memory. The region must not be used afterwards.
func (r *Region) Close() error {
	if r.unmap == nil {
		r.mem = nil
		return nil
	}
	err := r.unmap()
	r.mem, r.unmap = nil, nil
	return err
}
