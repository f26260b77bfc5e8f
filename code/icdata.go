package code

import (
	"fmt"
	"sync"
)

// Inline cache data for call sites in generated code.
//
// An instance call site references its ICData through a literal word. The
// miss handler records (receiver class, target) pairs here and then repoints
// the call site; the call-site patcher itself never looks at the entries,
// except that an unoptimized static call always routes through entry 0 of
// a one-entry cache.

// ICState is the state of an inline cache.
type ICState uint8

const (
	ICEmpty       ICState = iota // No check recorded yet
	ICMonomorphic                // One (class, target) pair
	ICPolymorphic                // 2..MaxICEntries pairs
	ICMegamorphic                // Too many classes, dispatch through the full lookup
)

func (s ICState) String() string {
	switch s {
	case ICEmpty:
		return "empty"
	case ICMonomorphic:
		return "monomorphic"
	case ICPolymorphic:
		return "polymorphic"
	case ICMegamorphic:
		return "megamorphic"
	}
	return fmt.Sprintf("ICState(%d)", uint8(s))
}

// MaxICEntries is the maximum number of checks in a polymorphic cache.
const MaxICEntries = 6

// NoClassID is the receiver class recorded by static calls, which have no
// receiver check.
const NoClassID = -1

// ICEntry is one recorded check.
type ICEntry struct {
	ClassID int
	Target  *Function
	Count   uint64
}

// ICData is the out-of-line record behind one dispatch site.
// It progresses Empty -> Monomorphic -> Polymorphic -> Megamorphic.
type ICData struct {
	selector string
	numArgs  int

	mu      sync.RWMutex
	state   ICState
	entries [MaxICEntries]ICEntry
	count   int
	misses  uint64
}

// NewICData creates an empty cache for a call of selector with numArgs
// arguments (receiver included).
func NewICData(selector string, numArgs int) *ICData {
	return &ICData{selector: selector, numArgs: numArgs}
}

// NewStaticICData creates the one-entry cache used by an unoptimized static
// call to fn.
func NewStaticICData(fn *Function, numArgs int) *ICData {
	ic := NewICData(fn.Name(), numArgs)
	ic.AddCheck(NoClassID, fn)
	return ic
}

// Selector returns the called name.
func (ic *ICData) Selector() string { return ic.selector }

// NumArgs returns the argument count, receiver included.
func (ic *ICData) NumArgs() int { return ic.numArgs }

// State returns the current cache state.
func (ic *ICData) State() ICState {
	ic.mu.RLock()
	defer ic.mu.RUnlock()
	return ic.state
}

// NumberOfChecks returns the number of recorded entries.
func (ic *ICData) NumberOfChecks() int {
	ic.mu.RLock()
	defer ic.mu.RUnlock()
	return ic.count
}

// GetTargetAt returns the target of entry i.
// Panics if i is out of range.
func (ic *ICData) GetTargetAt(i int) *Function {
	ic.mu.RLock()
	defer ic.mu.RUnlock()
	if i < 0 || i >= ic.count {
		panic(fmt.Sprintf("ICData.GetTargetAt: index %d out of range (%d checks)", i, ic.count))
	}
	return ic.entries[i].Target
}

// GetClassIDAt returns the receiver class of entry i.
// Panics if i is out of range.
func (ic *ICData) GetClassIDAt(i int) int {
	ic.mu.RLock()
	defer ic.mu.RUnlock()
	if i < 0 || i >= ic.count {
		panic(fmt.Sprintf("ICData.GetClassIDAt: index %d out of range (%d checks)", i, ic.count))
	}
	return ic.entries[i].ClassID
}

// Lookup returns the target recorded for classID, or nil on a miss.
func (ic *ICData) Lookup(classID int) *Function {
	ic.mu.Lock()
	defer ic.mu.Unlock()
	for i := 0; i < ic.count; i++ {
		if ic.entries[i].ClassID == classID {
			ic.entries[i].Count++
			return ic.entries[i].Target
		}
	}
	ic.misses++
	return nil
}

// AddCheck records (classID, target) and returns the resulting state.
// Recording a class that is already present replaces its target.
func (ic *ICData) AddCheck(classID int, target *Function) ICState {
	if target == nil {
		panic("ICData.AddCheck: nil target")
	}
	ic.mu.Lock()
	defer ic.mu.Unlock()

	for i := 0; i < ic.count; i++ {
		if ic.entries[i].ClassID == classID {
			ic.entries[i].Target = target
			return ic.state
		}
	}

	switch ic.state {
	case ICEmpty:
		ic.state = ICMonomorphic
		ic.entries[0] = ICEntry{ClassID: classID, Target: target}
		ic.count = 1

	case ICMonomorphic, ICPolymorphic:
		if ic.count < MaxICEntries {
			ic.entries[ic.count] = ICEntry{ClassID: classID, Target: target}
			ic.count++
			ic.state = ICPolymorphic
		} else {
			ic.state = ICMegamorphic
			for i := range ic.entries {
				ic.entries[i] = ICEntry{}
			}
			ic.count = 0
		}

	case ICMegamorphic:
	}
	return ic.state
}

// Entries returns a copy of the recorded checks.
func (ic *ICData) Entries() []ICEntry {
	ic.mu.RLock()
	defer ic.mu.RUnlock()
	return append([]ICEntry(nil), ic.entries[:ic.count]...)
}

// Misses returns the number of failed lookups.
func (ic *ICData) Misses() uint64 {
	ic.mu.RLock()
	defer ic.mu.RUnlock()
	return ic.misses
}

func (ic *ICData) String() string {
	return fmt.Sprintf("ICData(%s/%d, %s, %d checks)", ic.selector, ic.numArgs, ic.State(), ic.NumberOfChecks())
}

// ICStats holds aggregate inline cache statistics.
type ICStats struct {
	Total       int // ICData objects found
	Empty       int
	Monomorphic int
	Polymorphic int
	Megamorphic int
}

// CollectICStats gathers statistics over every ICData in the pools of codes.
func CollectICStats(codes []*Code) ICStats {
	var stats ICStats
	for _, c := range codes {
		pool := c.Pool()
		for h := Handle(1); h <= Handle(pool.Len()); h++ {
			ic, ok := pool.At(h).(*ICData)
			if !ok {
				continue
			}
			stats.Total++
			switch ic.State() {
			case ICEmpty:
				stats.Empty++
			case ICMonomorphic:
				stats.Monomorphic++
			case ICPolymorphic:
				stats.Polymorphic++
			case ICMegamorphic:
				stats.Megamorphic++
			}
		}
	}
	return stats
}
