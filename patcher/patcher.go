package patcher

import (
	"github.com/chazu/patchpoint/code"
)

// The functions below are the shape-agnostic operations the rest of the
// runtime uses. Each decodes the call site once, performs one read or one
// word store, and flushes after a store. None of them takes a lock; callers
// that need check-then-patch must coordinate themselves.

// GetStaticCallTargetAt returns the current target of the call returning
// to ret.
func GetStaticCallTargetAt(ret uintptr, c *code.Code) uintptr {
	return NewCallPattern(ret, c).TargetAddress()
}

// PatchStaticCallAt repoints the static call returning to ret at target.
func PatchStaticCallAt(ret uintptr, c *code.Code, target uintptr) {
	NewCallPattern(ret, c).SetTargetAddress(target)
}

// PatchInstanceCallAt repoints the instance call returning to ret at
// target. The call site's IC data is left untouched.
func PatchInstanceCallAt(ret uintptr, c *code.Code, target uintptr) {
	NewCallPattern(ret, c).SetTargetAddress(target)
}

// GetInstanceCallAt returns the current target of the call returning to
// ret and its IC data, which is nil when the site carries none.
func GetInstanceCallAt(ret uintptr, c *code.Code) (uintptr, *code.ICData) {
	call := NewCallPattern(ret, c)
	ic, _ := call.IcData()
	return call.TargetAddress(), ic
}

// GetUnoptimizedStaticCallAt returns the function an unoptimized static
// call resolves to, which by convention is the first entry of its one-entry
// IC data, together with that IC data.
func GetUnoptimizedStaticCallAt(ret uintptr, c *code.Code) (*code.Function, *code.ICData) {
	ic, ok := NewCallPattern(ret, c).IcData()
	if !ok {
		violate("read unoptimized static call", ret, "call site carries no ic data")
	}
	if ic.NumberOfChecks() == 0 {
		violate("read unoptimized static call", ret, "ic data %s has no entries", ic)
	}
	return ic.GetTargetAt(0), ic
}

// GetClosureArgDescAt returns the arguments descriptor of the closure call
// returning to ret.
func GetClosureArgDescAt(ret uintptr, c *code.Code) *code.ArgumentsDescriptor {
	return NewCallPattern(ret, c).ClosureArgumentsDescriptor()
}

// PatchIcDataAt attaches ic to the call returning to ret.
func PatchIcDataAt(ret uintptr, c *code.Code, ic *code.ICData) {
	NewCallPattern(ret, c).SetIcData(ic)
}

// InsertCallAt writes a new call to target at start. The inserted sequence
// must end at or before target, which is where the lazy deoptimization
// code following a slot begins.
func InsertCallAt(mem code.Memory, start, target uintptr) {
	if start+FixedLengthInBytes > target {
		violate("insert call", start, "sequence [%#x, %#x) overlaps target %#x",
			start, start+FixedLengthInBytes, target)
	}
	InsertAt(mem, start, target)
}

// InstanceCallSizeInBytes would return the size of an instance call
// sequence. Instance calls embed a variable amount of probe code, so there
// is no such size and asking for it is a contract violation.
func InstanceCallSizeInBytes() int {
	violate("instance call size", 0, "instance call sequences have no fixed size")
	return 0
}
