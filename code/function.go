package code

import "sync/atomic"

// Function is a named callable whose current code can be swapped while
// other threads call it. Inline caches record functions, not addresses, so
// that a call site can be rebound to whatever code the function has now.
type Function struct {
	name string
	code atomic.Pointer[Code]
}

// NewFunction creates a function with no code yet.
func NewFunction(name string) *Function {
	return &Function{name: name}
}

// Name returns the function name.
func (f *Function) Name() string { return f.name }

// Code returns the installed code, or nil before the first compilation.
func (f *Function) Code() *Code { return f.code.Load() }

// HasCode reports whether code has been installed.
func (f *Function) HasCode() bool { return f.code.Load() != nil }

// SetCode installs c as the function's current code.
func (f *Function) SetCode(c *Code) { f.code.Store(c) }

// EntryPoint returns the address of the installed code, or 0.
func (f *Function) EntryPoint() uintptr {
	if c := f.code.Load(); c != nil {
		return c.PayloadStart()
	}
	return 0
}

func (f *Function) String() string { return f.name }
