package code

import (
	"fmt"
	"testing"
)

func TestICDataEmpty(t *testing.T) {
	ic := NewICData("foo", 1)

	if ic.State() != ICEmpty {
		t.Errorf("Expected empty state, got %v", ic.State())
	}
	if fn := ic.Lookup(7); fn != nil {
		t.Error("Expected nil from empty cache")
	}
	if ic.Misses() != 1 {
		t.Errorf("Expected 1 miss, got %d", ic.Misses())
	}
}

func TestICDataMonomorphic(t *testing.T) {
	ic := NewICData("foo", 1)
	fn := NewFunction("Point>>foo")

	if state := ic.AddCheck(3, fn); state != ICMonomorphic {
		t.Errorf("Expected monomorphic state, got %v", state)
	}
	if ic.NumberOfChecks() != 1 {
		t.Errorf("Expected 1 check, got %d", ic.NumberOfChecks())
	}
	if got := ic.Lookup(3); got != fn {
		t.Error("Expected cache hit")
	}
	if got := ic.Lookup(4); got != nil {
		t.Error("Expected cache miss for different class")
	}
	if e := ic.Entries(); len(e) != 1 || e[0].Count != 1 {
		t.Errorf("Expected one entry with one hit, got %+v", e)
	}
}

func TestICDataReplacesExistingClass(t *testing.T) {
	ic := NewICData("foo", 1)
	old, next := NewFunction("old"), NewFunction("new")
	ic.AddCheck(3, old)
	if state := ic.AddCheck(3, next); state != ICMonomorphic {
		t.Errorf("Expected monomorphic after re-adding, got %v", state)
	}
	if ic.NumberOfChecks() != 1 || ic.GetTargetAt(0) != next {
		t.Errorf("Expected single entry targeting new, got %v", ic.Entries())
	}
}

func TestICDataUpgradeToMegamorphic(t *testing.T) {
	ic := NewICData("foo", 1)
	for class := 0; class < MaxICEntries; class++ {
		state := ic.AddCheck(class, NewFunction(fmt.Sprintf("m%d", class)))
		want := ICPolymorphic
		if class == 0 {
			want = ICMonomorphic
		}
		if state != want {
			t.Errorf("after %d checks: state %v, want %v", class+1, state, want)
		}
	}
	for class := 0; class < MaxICEntries; class++ {
		if got := ic.GetClassIDAt(class); got != class {
			t.Errorf("entry %d class = %d", class, got)
		}
	}

	if state := ic.AddCheck(MaxICEntries, NewFunction("overflow")); state != ICMegamorphic {
		t.Fatalf("Expected megamorphic, got %v", state)
	}
	if ic.NumberOfChecks() != 0 {
		t.Errorf("Expected entries cleared, got %d", ic.NumberOfChecks())
	}
	if state := ic.AddCheck(99, NewFunction("late")); state != ICMegamorphic {
		t.Errorf("Megamorphic cache left its state: %v", state)
	}
}

func TestStaticICData(t *testing.T) {
	fn := NewFunction("Array>>size")
	ic := NewStaticICData(fn, 0)
	if ic.Selector() != fn.Name() || ic.NumArgs() != 0 {
		t.Errorf("ic = %s", ic)
	}
	if ic.GetTargetAt(0) != fn || ic.GetClassIDAt(0) != NoClassID {
		t.Errorf("entry 0 = %+v", ic.Entries()[0])
	}
}

func TestICDataIndexPanics(t *testing.T) {
	ic := NewICData("foo", 1)
	for _, f := range []func(){
		func() { ic.GetTargetAt(0) },
		func() { ic.GetClassIDAt(-1) },
		func() { ic.AddCheck(1, nil) },
	} {
		func() {
			defer func() {
				if recover() == nil {
					t.Error("Expected panic")
				}
			}()
			f()
		}()
	}
}

func TestCollectICStats(t *testing.T) {
	region, err := NewRegion(0x1000, 1024, false)
	if err != nil {
		t.Fatal(err)
	}
	cache := NewCache(region)
	mono := NewICData("a", 0)
	mono.AddCheck(1, NewFunction("a"))
	poly := NewICData("b", 0)
	poly.AddCheck(1, NewFunction("b1"))
	poly.AddCheck(2, NewFunction("b2"))

	asm := NewAssembler()
	asm.CallInstance(NewICData("empty", 0), 0x9000, 1)
	asm.CallInstance(mono, 0x9000, 1)
	asm.CallInstance(poly, 0x9000, 1)
	asm.CallClosure(NewArgumentsDescriptor(0, 0), 0x9000)
	if _, err := asm.Install(cache, "stats"); err != nil {
		t.Fatal(err)
	}

	stats := CollectICStats(cache.Codes())
	want := ICStats{Total: 3, Empty: 1, Monomorphic: 1, Polymorphic: 1}
	if stats != want {
		t.Errorf("stats = %+v, want %+v", stats, want)
	}
}
