package code

import (
	"fmt"
	"sort"
	"sync"
)

// CodeAlignment is the alignment of every code object's first instruction.
const CodeAlignment = 16

// Cache hands out space in a Region and keeps track of the code objects
// installed there, so that an arbitrary code address can be mapped back to
// its owning code object.
type Cache struct {
	region *Region

	mu    sync.RWMutex
	next  uintptr
	codes []*Code // ascending by PayloadStart
}

// NewCache creates an empty cache over region.
func NewCache(region *Region) *Cache {
	return &Cache{region: region, next: region.Base()}
}

// Region returns the backing region.
func (c *Cache) Region() *Region { return c.region }

// allocate reserves size bytes, aligned to CodeAlignment.
func (c *Cache) allocate(size int) (uintptr, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	start := alignUp(c.next, CodeAlignment)
	if !c.region.Contains(start, size) {
		used := int(c.next - c.region.Base())
		return 0, fmt.Errorf("code: cache exhausted: need %d bytes, %d of %d used",
			size, used, c.region.Size())
	}
	c.next = start + uintptr(size)
	return start, nil
}

// register makes code visible to Lookup.
func (c *Cache) register(code *Code) {
	c.mu.Lock()
	defer c.mu.Unlock()

	i := sort.Search(len(c.codes), func(i int) bool {
		return c.codes[i].start >= code.start
	})
	c.codes = append(c.codes, nil)
	copy(c.codes[i+1:], c.codes[i:])
	c.codes[i] = code
}

// Lookup returns the code object containing addr.
func (c *Cache) Lookup(addr uintptr) (*Code, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	i := sort.Search(len(c.codes), func(i int) bool {
		return c.codes[i].start > addr
	})
	if i == 0 {
		return nil, false
	}
	if code := c.codes[i-1]; code.Contains(addr) {
		return code, true
	}
	return nil, false
}

// Codes returns the installed code objects in address order.
func (c *Cache) Codes() []*Code {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return append([]*Code(nil), c.codes...)
}

// Used returns the number of bytes handed out so far.
func (c *Cache) Used() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return int(c.next - c.region.Base())
}
