package patcher

import "fmt"

// ContractViolation is the panic value raised when a caller breaks the
// call-site contract: a return address outside its code object, a window
// that is not one of the known shapes, an overlapping insertion, or a query
// that has no answer for the shape at hand.
//
// These are never returned as errors. They mean generated code and patcher
// disagree, and nothing at this layer can recover from that.
type ContractViolation struct {
	Op     string
	Addr   uintptr
	Reason string
}

func (e *ContractViolation) Error() string {
	return fmt.Sprintf("patcher: %s at %#x: %s", e.Op, e.Addr, e.Reason)
}

func violate(op string, addr uintptr, format string, args ...any) {
	panic(&ContractViolation{Op: op, Addr: addr, Reason: fmt.Sprintf(format, args...)})
}
