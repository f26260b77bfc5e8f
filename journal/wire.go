package journal

import (
	"errors"
	"fmt"
	"io"
	"os"
	"sync"

	"github.com/fxamacker/cbor/v2"
)

// Events are encoded canonically so that identical journals are byte
// identical.
var cborEncMode cbor.EncMode

func init() {
	em, err := cbor.CanonicalEncOptions().EncMode()
	if err != nil {
		panic(fmt.Sprintf("journal: failed to create CBOR enc mode: %v", err))
	}
	cborEncMode = em
}

// MarshalEvent serializes an Event to CBOR bytes.
func MarshalEvent(e Event) ([]byte, error) {
	return cborEncMode.Marshal(e)
}

// UnmarshalEvent deserializes an Event from CBOR bytes.
func UnmarshalEvent(data []byte) (Event, error) {
	var e Event
	if err := cbor.Unmarshal(data, &e); err != nil {
		return Event{}, fmt.Errorf("journal: unmarshal event: %w", err)
	}
	return e, nil
}

// File appends events to a file as a sequence of CBOR data items.
type File struct {
	mu  sync.Mutex
	f   *os.File
	enc *cbor.Encoder
}

// OpenFile opens path for appending, creating it if needed.
func OpenFile(path string) (*File, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return nil, fmt.Errorf("journal: open %s: %w", path, err)
	}
	return &File{f: f, enc: cborEncMode.NewEncoder(f)}, nil
}

// Record appends e.
func (j *File) Record(e Event) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if err := j.enc.Encode(e); err != nil {
		return fmt.Errorf("journal: write event: %w", err)
	}
	return nil
}

// Close flushes and closes the file.
func (j *File) Close() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if err := j.f.Sync(); err != nil {
		j.f.Close()
		return err
	}
	return j.f.Close()
}

// ReadFile reads every event from a journal file written by File.
func ReadFile(path string) ([]Event, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("journal: open %s: %w", path, err)
	}
	defer f.Close()
	return ReadEvents(f)
}

// ReadEvents decodes events from r until EOF.
func ReadEvents(r io.Reader) ([]Event, error) {
	dec := cbor.NewDecoder(r)
	var events []Event
	for {
		var e Event
		err := dec.Decode(&e)
		if errors.Is(err, io.EOF) {
			return events, nil
		}
		if err != nil {
			return events, fmt.Errorf("journal: decode event %d: %w", len(events), err)
		}
		events = append(events, e)
	}
}
