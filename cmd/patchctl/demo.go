package main

import (
	"fmt"
	"strings"

	"github.com/chazu/patchpoint/binder"
	"github.com/chazu/patchpoint/code"
	"github.com/chazu/patchpoint/config"
	"github.com/chazu/patchpoint/journal"
	"github.com/chazu/patchpoint/patcher"
	"github.com/chazu/patchpoint/sim"
)

// handleDemoCommand builds one call site of every shape and walks each
// through the operation that rebinds it, printing where a core executing the
// site would branch after every step.
func handleDemoCommand(cfg *config.Config) error {
	region, err := cfg.OpenRegion()
	if err != nil {
		return err
	}
	defer region.Close()
	cache := code.NewCache(region)

	sink, err := cfg.OpenJournal()
	if err != nil {
		return err
	}
	defer sink.Close()
	p := cfg.NewPatcher(sink)

	stub := func(name string) (*code.Code, error) {
		asm := code.NewAssembler()
		asm.Nop(4)
		return asm.Install(cache, name)
	}
	resolve, err := stub("resolve-stub")
	if err != nil {
		return err
	}

	callee := code.NewFunction("Point>>x")
	area := code.NewICData("area", 1)
	closure := code.NewFunction("[:a :b | a + b]")
	closureBody, err := stub(closure.Name())
	if err != nil {
		return err
	}
	closure.SetCode(closureBody)
	deopt, err := stub("deopt-stub")
	if err != nil {
		return err
	}

	asm := code.NewAssembler()
	asm.CallUnoptimizedStatic(code.NewStaticICData(callee, 0), resolve.PayloadStart())
	asm.CallInstance(area, resolve.PayloadStart(), 4)
	asm.CallClosure(code.NewArgumentsDescriptor(0, 2, "b"), closure.EntryPoint())
	slot := asm.ReserveTrampolineSlot()
	caller, err := asm.Install(cache, "Demo>>run")
	if err != nil {
		return err
	}
	fmt.Printf("%s\n", caller)
	fmt.Printf("  %s\n", strings.Join(caller.Disassemble(), "\n  "))

	poly, err := stub("polymorphic-stub")
	if err != nil {
		return err
	}
	mega, err := stub("megamorphic-stub")
	if err != nil {
		return err
	}

	b := binder.New(p, func(fn *code.Function) (*code.Code, error) { return stub(fn.Name()) })
	b.PolymorphicStub = poly.PayloadStart()
	b.MegamorphicStub = mega.PayloadStart()

	core := sim.NewCore(region)
	show := func(step string, ret uintptr) error {
		call := patcher.NewCallPattern(ret, caller)
		target, _, err := core.Invoke(call.Start())
		if err != nil {
			return err
		}
		name := fmt.Sprintf("%#x", target)
		if c, ok := cache.Lookup(target); ok {
			name = c.Name()
		}
		fmt.Printf("%-28s %-8s site %#x -> %s\n", step, call.Shape(), ret, name)
		return nil
	}

	sites := caller.CallSites()
	static, instance, closureSite := sites[0].RetAddr, sites[1].RetAddr, sites[2].RetAddr

	if err := show("before linking", static); err != nil {
		return err
	}
	if _, err := b.LinkStaticCall(static, caller); err != nil {
		return err
	}
	if err := show("after LinkStaticCall", static); err != nil {
		return err
	}

	if err := show("before any miss", instance); err != nil {
		return err
	}
	methods := []*code.Function{code.NewFunction("Circle>>area"), code.NewFunction("Square>>area")}
	for _, classID := range []int{0, 1, 0, 1, 1} {
		if _, ok := b.Dispatch(instance, caller, classID); ok {
			continue
		}
		if _, err := b.HandleICMiss(instance, caller, classID, methods[classID]); err != nil {
			return err
		}
		if err := show(fmt.Sprintf("after miss on class %d", classID), instance); err != nil {
			return err
		}
	}
	fmt.Printf("%-28s %s, %d misses\n", "ic data", area, area.Misses())
	for _, e := range area.Entries() {
		fmt.Printf("%-28s class %d -> %s, %d hits\n", "", e.ClassID, e.Target.Name(), e.Count)
	}

	if err := show("closure call", closureSite); err != nil {
		return err
	}
	fmt.Printf("%-28s %s\n", "arguments descriptor", patcher.GetClosureArgDescAt(closureSite, caller))

	ret, err := b.InsertDeoptRedirect(caller, caller.TrampolineSlots()[slot], deopt.PayloadStart())
	if err != nil {
		return err
	}
	if err := show("deopt redirect", ret); err != nil {
		return err
	}
	cont := caller.TrampolineSlots()[slot] + code.TrampolineContinuationOffset
	if err := show("deopt continuation", cont+patcher.TrampolineReturnOffset); err != nil {
		return err
	}

	stats := code.CollectICStats(cache.Codes())
	fmt.Printf("\n%d ic data: %d empty, %d monomorphic, %d polymorphic, %d megamorphic\n",
		stats.Total, stats.Empty, stats.Monomorphic, stats.Polymorphic, stats.Megamorphic)
	fmt.Printf("%d bytes of %d used, %d flushes, %d instruction fetches (%d misses)\n",
		cache.Used(), region.Size(), region.FlushEpoch(), core.Fetches, core.Misses)

	if mem, ok := sink.(*journal.Memory); ok {
		fmt.Printf("\nJournal:\n")
		for _, e := range mem.Events() {
			fmt.Printf("  %s\n", e)
		}
	}
	return nil
}
