package patcher

import (
	"testing"

	"github.com/chazu/patchpoint/code"
	"github.com/chazu/patchpoint/journal"
)

func TestPatcherJournalsMutations(t *testing.T) {
	cache := newCache(t, 0x10000, 4096)
	ic := code.NewICData("value:", 1)
	var slot int
	c := install(t, cache, "caller", func(a *code.Assembler) {
		a.CallStatic(targetA)
		a.CallInstance(ic, 0xC000, 2)
		slot = a.ReserveTrampolineSlot()
	})
	mem := journal.NewMemory(16)
	p := New(WithJournal(mem), WithVerifyWrites(true))

	static, instance := retAddr(t, c, 0), retAddr(t, c, 1)
	p.PatchStaticCall(static, c, targetB)
	p.PatchInstanceCall(instance, c, 0xC100)
	next := code.NewICData("value:", 1)
	p.AttachICData(instance, c, next)
	start := c.TrampolineSlots()[slot]
	p.InsertCall(c, start, start+FixedLengthInBytes)

	events := mem.Events()
	want := []struct {
		kind     journal.Kind
		addr     uintptr
		old, new uintptr
	}{
		{journal.KindPatchStatic, static, targetA, targetB},
		{journal.KindPatchInstance, instance, 0xC000, 0xC100},
		{journal.KindPatchICData, instance, 1, 2},
		{journal.KindInsertCall, start, 0, start + FixedLengthInBytes},
	}
	if len(events) != len(want) {
		t.Fatalf("journal has %d events, want %d", len(events), len(want))
	}
	for i, w := range want {
		e := events[i]
		if e.Kind != w.kind || e.Code != "caller" || e.Address != uint64(w.addr) ||
			e.Old != uint64(w.old) || e.New != uint64(w.new) {
			t.Errorf("event %d = %s, want %s at %#x %#x -> %#x", i, e, w.kind, w.addr, w.old, w.new)
		}
	}

	if got := p.StaticCallTarget(static, c); got != targetB {
		t.Errorf("StaticCallTarget = %#x, want %#x", got, targetB)
	}
	if target, got := p.InstanceCall(instance, c); target != 0xC100 || got != next {
		t.Errorf("InstanceCall = %#x, %v; want 0xc100, %v", target, got, next)
	}
}

func TestPatcherReads(t *testing.T) {
	cache := newCache(t, 0x10000, 4096)
	fn := code.NewFunction("callee")
	desc := code.NewArgumentsDescriptor(0, 1)
	c := install(t, cache, "caller", func(a *code.Assembler) {
		a.CallUnoptimizedStatic(code.NewStaticICData(fn, 0), 0xB000)
		a.CallClosure(desc, 0xD000)
	})
	p := New()

	if got, _ := p.UnoptimizedStaticCall(retAddr(t, c, 0), c); got != fn {
		t.Errorf("UnoptimizedStaticCall = %v, want %v", got, fn)
	}
	if got := p.ClosureArgDesc(retAddr(t, c, 1), c); got != desc {
		t.Errorf("ClosureArgDesc = %v, want %v", got, desc)
	}
}

func TestPatcherWithoutJournal(t *testing.T) {
	cache := newCache(t, 0x10000, 4096)
	c := install(t, cache, "caller", func(a *code.Assembler) { a.CallStatic(targetA) })
	p := New()
	p.PatchStaticCall(retAddr(t, c, 0), c, targetB)
	if got := GetStaticCallTargetAt(retAddr(t, c, 0), c); got != targetB {
		t.Errorf("target = %#x, want %#x", got, targetB)
	}
}

func TestPatcherRejectsOverlappingInsert(t *testing.T) {
	cache := newCache(t, 0x10000, 4096)
	var slot int
	c := install(t, cache, "caller", func(a *code.Assembler) {
		slot = a.ReserveTrampolineSlot()
		a.Nop(4)
	})
	mem := journal.NewMemory(4)
	p := New(WithJournal(mem))
	start := c.TrampolineSlots()[slot]
	expectViolation(t, func() { p.InsertCall(c, start, start+8) })
	if n := len(mem.Events()); n != 0 {
		t.Errorf("journal has %d events after a failed insert", n)
	}
}
