package code

import (
	"strings"
	"testing"

	"github.com/chazu/patchpoint/isa"
)

func newTestCache(t *testing.T, size int) *Cache {
	t.Helper()
	region, err := NewRegion(0x10000, size, false)
	if err != nil {
		t.Fatalf("NewRegion: %v", err)
	}
	t.Cleanup(func() { region.Close() })
	return NewCache(region)
}

func TestRegionBackings(t *testing.T) {
	for _, useMmap := range []bool{false, true} {
		region, err := NewRegion(0x20000, 100, useMmap)
		if err != nil {
			t.Fatalf("NewRegion(mmap=%v): %v", useMmap, err)
		}
		if region.Size() != 100 || region.Base() != 0x20000 {
			t.Errorf("region = %#x+%d", region.Base(), region.Size())
		}
		if !useMmap && region.Mapped() {
			t.Errorf("heap region reports mapped")
		}
		region.StoreWord(0x20008, 0x1122334455667788)
		region.StoreInstr(0x20010, isa.NOP)
		if got := region.LoadWord(0x20008); got != 0x1122334455667788 {
			t.Errorf("LoadWord = %#x", got)
		}
		if got := region.LoadInstr(0x20010); got != isa.NOP {
			t.Errorf("LoadInstr = %s", got)
		}
		if err := region.Close(); err != nil {
			t.Errorf("Close: %v", err)
		}
	}
}

func TestRegionRejectsBadShape(t *testing.T) {
	if _, err := NewRegion(0x1000, 0, false); err == nil {
		t.Error("Expected error for empty region")
	}
	if _, err := NewRegion(0x1004, 64, false); err == nil {
		t.Error("Expected error for misaligned base")
	}
}

func TestRegionBounds(t *testing.T) {
	region, err := NewRegion(0x1000, 32, false)
	if err != nil {
		t.Fatal(err)
	}
	tests := []struct {
		addr uintptr
		n    int
		want bool
	}{
		{0x1000, 32, true},
		{0x1018, 8, true},
		{0x101C, 8, false},
		{0x0FFC, 4, false},
		{0x1020, 0, true},
		{0x1020, 4, false},
	}
	for _, tt := range tests {
		if got := region.Contains(tt.addr, tt.n); got != tt.want {
			t.Errorf("Contains(%#x, %d) = %v, want %v", tt.addr, tt.n, got, tt.want)
		}
	}

	for name, f := range map[string]func(){
		"misaligned word":  func() { region.LoadWord(0x1004) },
		"word past end":    func() { region.StoreWord(0x1020, 1) },
		"misaligned instr": func() { region.LoadInstr(0x1002) },
		"flush past end":   func() { region.FlushICache(0x1010, 64) },
	} {
		func() {
			defer func() {
				if recover() == nil {
					t.Errorf("%s: expected panic", name)
				}
			}()
			f()
		}()
	}
}

func TestRegionFlushEpoch(t *testing.T) {
	region, err := NewRegion(0x1000, 64, false)
	if err != nil {
		t.Fatal(err)
	}
	epoch := region.FlushEpoch()
	region.FlushICache(0x1000, 16)
	region.FlushICache(0x1010, 8)
	if got := region.FlushEpoch(); got != epoch+2 {
		t.Errorf("epoch = %d, want %d", got, epoch+2)
	}
	if got := region.FlushedBytes(); got != 24 {
		t.Errorf("flushed = %d, want 24", got)
	}
}

func TestObjectPool(t *testing.T) {
	a, b := NewFunction("a"), NewFunction("b")
	pool := NewObjectPool(a)
	if pool.Len() != 1 || pool.At(1) != a {
		t.Fatalf("pool = %d objects, At(1) = %v", pool.Len(), pool.At(1))
	}
	if h := pool.Add(b); h != 2 || pool.At(h) != b {
		t.Errorf("Add = %d -> %v", h, pool.At(h))
	}
	if h := pool.Intern(a); h != 1 || pool.Len() != 2 {
		t.Errorf("Intern(a) = %d with %d objects, want 1 with 2", h, pool.Len())
	}
	c := NewFunction("c")
	for i := 0; i < 3; i++ {
		if h := pool.Intern(c); h != 3 || pool.At(h) != c {
			t.Errorf("Intern(c) = %d -> %v", h, pool.At(h))
		}
	}
	if pool.Len() != 3 {
		t.Errorf("pool = %d objects after interning c three times, want 3", pool.Len())
	}
	for _, h := range []Handle{NoHandle, 4} {
		func() {
			defer func() {
				if recover() == nil {
					t.Errorf("At(%d): expected panic", h)
				}
			}()
			pool.At(h)
		}()
	}
}

func TestArgumentsDescriptor(t *testing.T) {
	d := NewArgumentsDescriptor(1, 4, "x", "y")
	if d.TypeArgsLen() != 1 || d.Count() != 4 || d.PositionalCount() != 2 || d.NamedCount() != 2 {
		t.Errorf("descriptor = %s", d)
	}
	if d.NameAt(1) != "y" {
		t.Errorf("NameAt(1) = %q, want %q", d.NameAt(1), "y")
	}
	if want := "ArgsDesc(type_args=1, count=4, positional=2, names=[x, y])"; d.String() != want {
		t.Errorf("String = %q, want %q", d.String(), want)
	}
	defer func() {
		if recover() == nil {
			t.Error("Expected panic for more names than arguments")
		}
	}()
	NewArgumentsDescriptor(0, 1, "a", "b")
}

func TestFunctionCode(t *testing.T) {
	cache := newTestCache(t, 256)
	fn := NewFunction("f")
	if fn.HasCode() || fn.EntryPoint() != 0 {
		t.Errorf("fresh function has code")
	}
	asm := NewAssembler()
	asm.Nop(2)
	c, err := asm.Install(cache, "f")
	if err != nil {
		t.Fatal(err)
	}
	fn.SetCode(c)
	if fn.Code() != c || fn.EntryPoint() != c.PayloadStart() {
		t.Errorf("EntryPoint = %#x, want %#x", fn.EntryPoint(), c.PayloadStart())
	}
}

func TestAssemblerLayout(t *testing.T) {
	cache := newTestCache(t, 1024)
	ic := NewICData("foo", 1)
	desc := NewArgumentsDescriptor(0, 1)
	asm := NewAssembler()
	asm.CallStatic(0xA000)
	asm.CallInstance(ic, 0xB000, 3)
	asm.CallClosure(desc, 0xC000)
	slot := asm.ReserveTrampolineSlot()
	c, err := asm.Install(cache, "layout")
	if err != nil {
		t.Fatalf("Install: %v", err)
	}

	if c.PayloadStart()%CodeAlignment != 0 {
		t.Errorf("start %#x not aligned", c.PayloadStart())
	}
	if c.Pool().Len() != 2 || c.Object(1) != ic || c.Object(2) != desc {
		t.Errorf("pool = %d objects", c.Pool().Len())
	}

	sites := c.CallSites()
	kinds := []CallKind{CallStatic, CallInstance, CallClosure, CallStatic}
	if len(sites) != len(kinds) {
		t.Fatalf("call sites = %d, want %d", len(sites), len(kinds))
	}
	for i, s := range sites {
		if s.Kind != kinds[i] {
			t.Errorf("site %d kind = %s, want %s", i, s.Kind, kinds[i])
		}
		if blr := c.LoadInstr(s.RetAddr - isa.InstrSize); !blr.IsBLR() {
			t.Errorf("site %d: %s before return address", i, blr)
		}
		if got, ok := c.FindCallSite(s.RetAddr); !ok || got != s {
			t.Errorf("FindCallSite(%#x) = %v, %v", s.RetAddr, got, ok)
		}
	}
	if _, ok := c.FindCallSite(sites[0].RetAddr + isa.InstrSize); ok {
		t.Error("FindCallSite matched a non-call address")
	}

	// Every literal load resolves to an aligned word inside the code.
	for pc := c.PayloadStart(); pc < c.PayloadStart()+uintptr(c.InstructionsSize()); pc += isa.InstrSize {
		if i := c.LoadInstr(pc); i.IsLDRLiteral() {
			w := uintptr(int64(pc) + int64(i.LiteralOffset()))
			if !c.ContainsWordAt(w) {
				t.Errorf("ldr at %#x loads %#x outside the pool", pc, w)
			}
		}
	}

	slots := c.TrampolineSlots()
	if len(slots) != 1 || slot != 0 || slots[0]%isa.WordSize != 0 {
		t.Fatalf("slots = %#x", slots)
	}
	for a := slots[0]; a < slots[0]+TrampolineSlotSize; a += isa.InstrSize {
		if c.LoadInstr(a) != isa.NOP {
			t.Errorf("slot instruction at %#x is not a nop", a)
		}
	}
	if i := c.LoadInstr(slots[0] + TrampolineSlotSize); !i.IsBRK() {
		t.Errorf("instruction after slot = %s, want brk", i)
	}
	cont := slots[0] + TrampolineContinuationOffset
	if last := sites[len(sites)-1]; last.RetAddr != cont+2*isa.InstrSize {
		t.Errorf("continuation returns to %#x, want %#x", last.RetAddr, cont+2*isa.InstrSize)
	}

	end := c.PayloadStart() + uintptr(c.InstructionsSize())
	if !c.ContainsInstructionAt(end-isa.InstrSize) || c.ContainsInstructionAt(end) {
		t.Errorf("ContainsInstructionAt does not stop at %#x", end)
	}
	if !c.Contains(end) || c.Contains(c.PayloadStart()+uintptr(c.Size())) {
		t.Errorf("Contains does not cover the pool of %s", c)
	}

	dis := strings.Join(c.Disassemble(), "\n")
	for _, want := range []string{"blr x16", "=0xa000", ".quad 0xc000"} {
		if !strings.Contains(dis, want) {
			t.Errorf("disassembly missing %q:\n%s", want, dis)
		}
	}
}

func TestAssemblerRejectsTooManyProbes(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Error("Expected panic")
		}
	}()
	NewAssembler().CallInstance(NewICData("foo", 0), 0, MaxProbeInstructions+1)
}

func TestCacheLookup(t *testing.T) {
	cache := newTestCache(t, 256)
	var codes []*Code
	for _, name := range []string{"a", "b", "c"} {
		asm := NewAssembler()
		asm.CallStatic(0x9000)
		c, err := asm.Install(cache, name)
		if err != nil {
			t.Fatal(err)
		}
		codes = append(codes, c)
	}
	for _, c := range codes {
		for _, addr := range []uintptr{c.PayloadStart(), c.PayloadStart() + uintptr(c.Size()) - 1} {
			if got, ok := cache.Lookup(addr); !ok || got != c {
				t.Errorf("Lookup(%#x) = %v, want %s", addr, got, c)
			}
		}
	}
	if _, ok := cache.Lookup(cache.Region().Base() - 4); ok {
		t.Error("Lookup matched below the region")
	}
	if _, ok := cache.Lookup(codes[2].PayloadStart() + uintptr(codes[2].Size())); ok {
		t.Error("Lookup matched past the last code object")
	}
	if got := cache.Codes(); len(got) != 3 || got[0] != codes[0] {
		t.Errorf("Codes = %v", got)
	}
}

func TestCacheExhaustion(t *testing.T) {
	cache := newTestCache(t, 32)
	asm := NewAssembler()
	asm.Nop(12)
	if _, err := asm.Install(cache, "big"); err == nil || !strings.Contains(err.Error(), "exhausted") {
		t.Errorf("Install error = %v, want exhausted", err)
	}
	if _, err := NewAssembler().Install(cache, "empty"); err == nil {
		t.Error("Install of empty assembler succeeded")
	}
	if cache.Used() != 0 {
		t.Errorf("Used = %d after failed installs", cache.Used())
	}
}
