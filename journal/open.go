package journal

import "fmt"

// Backend names accepted by Open.
const (
	BackendNone   = "none"
	BackendMemory = "memory"
	BackendCBOR   = "cbor"
	BackendSQLite = "sqlite"
)

// Open creates the sink named by backend. path is required for the file
// backed sinks; capacity sizes the memory ring.
func Open(backend, path string, capacity int) (Sink, error) {
	switch backend {
	case BackendNone:
		return Discard, nil
	case "", BackendMemory:
		return NewMemory(capacity), nil
	case BackendCBOR:
		if path == "" {
			return nil, fmt.Errorf("journal: %s backend needs a path", backend)
		}
		return OpenFile(path)
	case BackendSQLite:
		if path == "" {
			return nil, fmt.Errorf("journal: %s backend needs a path", backend)
		}
		return OpenSQLite(path)
	}
	return nil, fmt.Errorf("journal: unknown backend %q", backend)
}
