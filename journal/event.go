// Package journal records every mutation of generated code so that a VM
// engineer can reconstruct who repointed which call site, from what, to what.
package journal

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Kind names the kind of mutation.
type Kind string

const (
	KindPatchStatic   Kind = "patch-static"
	KindPatchInstance Kind = "patch-instance"
	KindPatchICData   Kind = "patch-icdata"
	KindInsertCall    Kind = "insert-call"
)

// Event is one recorded mutation. Address is the call site's return address
// for patches and the start of the sequence for insertions. Old and New are
// target addresses, or pool handles for KindPatchICData.
type Event struct {
	ID      uuid.UUID `cbor:"1,keyasint"`
	Kind    Kind      `cbor:"2,keyasint"`
	Code    string    `cbor:"3,keyasint"`
	Address uint64    `cbor:"4,keyasint"`
	Old     uint64    `cbor:"5,keyasint"`
	New     uint64    `cbor:"6,keyasint"`
	Time    int64     `cbor:"7,keyasint"` // unix nanoseconds
}

// NewEvent creates an event stamped with a fresh id and the current time.
func NewEvent(kind Kind, code string, addr, old, new uintptr) Event {
	return Event{
		ID:      uuid.New(),
		Kind:    kind,
		Code:    code,
		Address: uint64(addr),
		Old:     uint64(old),
		New:     uint64(new),
		Time:    time.Now().UnixNano(),
	}
}

// Timestamp returns the event time.
func (e Event) Timestamp() time.Time { return time.Unix(0, e.Time) }

func (e Event) String() string {
	return fmt.Sprintf("%s %s %s@%#x %#x -> %#x",
		e.Timestamp().Format(time.RFC3339Nano), e.Kind, e.Code, e.Address, e.Old, e.New)
}

// Sink receives events. Record must be safe for concurrent use.
type Sink interface {
	Record(e Event) error
	Close() error
}

// Discard drops every event.
var Discard Sink = discard{}

type discard struct{}

func (discard) Record(Event) error { return nil }
func (discard) Close() error       { return nil }
