package code

import (
	"fmt"
	"strings"
)

// ArgumentsDescriptor describes the actual-argument shape of a call: how many
// type arguments, how many arguments in total, and which of them are named.
// It is immutable; closure call sites reference it from a literal word.
type ArgumentsDescriptor struct {
	typeArgsLen int
	count       int
	names       []string
}

// NewArgumentsDescriptor builds a descriptor for count arguments, the last
// len(names) of which are passed by name.
// Panics if there are more names than arguments.
func NewArgumentsDescriptor(typeArgsLen, count int, names ...string) *ArgumentsDescriptor {
	if typeArgsLen < 0 || count < 0 || len(names) > count {
		panic(fmt.Sprintf("NewArgumentsDescriptor: invalid shape (%d type args, %d args, %d names)",
			typeArgsLen, count, len(names)))
	}
	return &ArgumentsDescriptor{
		typeArgsLen: typeArgsLen,
		count:       count,
		names:       append([]string(nil), names...),
	}
}

// TypeArgsLen returns the number of type arguments.
func (d *ArgumentsDescriptor) TypeArgsLen() int { return d.typeArgsLen }

// Count returns the number of arguments, including the receiver.
func (d *ArgumentsDescriptor) Count() int { return d.count }

// PositionalCount returns the number of positional arguments.
func (d *ArgumentsDescriptor) PositionalCount() int { return d.count - len(d.names) }

// NamedCount returns the number of named arguments.
func (d *ArgumentsDescriptor) NamedCount() int { return len(d.names) }

// NameAt returns the i-th argument name.
func (d *ArgumentsDescriptor) NameAt(i int) string {
	if i < 0 || i >= len(d.names) {
		panic("ArgumentsDescriptor.NameAt: index out of range")
	}
	return d.names[i]
}

func (d *ArgumentsDescriptor) String() string {
	return fmt.Sprintf("ArgsDesc(type_args=%d, count=%d, positional=%d, names=[%s])",
		d.typeArgsLen, d.count, d.PositionalCount(), strings.Join(d.names, ", "))
}
