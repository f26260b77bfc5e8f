package journal

import "sync"

// DefaultCapacity is the ring size used when none is configured.
const DefaultCapacity = 1024

// Memory keeps the most recent events in a bounded ring.
type Memory struct {
	mu      sync.Mutex
	events  []Event
	next    int
	full    bool
	dropped uint64
}

// NewMemory creates a ring holding up to capacity events.
func NewMemory(capacity int) *Memory {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Memory{events: make([]Event, capacity)}
}

// Record stores e, overwriting the oldest event when the ring is full.
func (m *Memory) Record(e Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.full {
		m.dropped++
	}
	m.events[m.next] = e
	m.next++
	if m.next == len(m.events) {
		m.next = 0
		m.full = true
	}
	return nil
}

// Events returns the retained events, oldest first.
func (m *Memory) Events() []Event {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.full {
		return append([]Event(nil), m.events[:m.next]...)
	}
	out := make([]Event, 0, len(m.events))
	out = append(out, m.events[m.next:]...)
	return append(out, m.events[:m.next]...)
}

// Dropped returns how many events were overwritten.
func (m *Memory) Dropped() uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.dropped
}

// Close is a no-op.
func (m *Memory) Close() error { return nil }
