package resource

import (
	"errors"
	"sync"
)

var ErrClosed = errors.New("resource registry closed")

// Handle identifies a stored value. Handle 0 is never valid.
type Handle uint32

// Registry is a slab of host values addressed by handle. It backs transfer
// of native values between runtimes: the sender Inserts and passes the
// handle across, the receiver Takes. Take removes the entry, so a handle
// adopts at most once.
type Registry struct {
	mu       sync.RWMutex
	entries  []entry
	freeList []Handle
	closed   bool
}

type entry struct {
	value any
	valid bool
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		entries:  make([]entry, 0, 64),
		freeList: make([]Handle, 0, 16),
	}
}

// Insert stores a value and returns its handle.
func (r *Registry) Insert(value any) (Handle, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return 0, ErrClosed
	}

	e := entry{value: value, valid: true}
	if len(r.freeList) > 0 {
		h := r.freeList[len(r.freeList)-1]
		r.freeList = r.freeList[:len(r.freeList)-1]
		r.entries[h-1] = e
		return h, nil
	}
	r.entries = append(r.entries, e)
	return Handle(len(r.entries)), nil
}

// Get retrieves a value without removing it.
func (r *Registry) Get(h Handle) (any, bool) {
	if h == 0 {
		return nil, false
	}
	r.mu.RLock()
	defer r.mu.RUnlock()

	idx := int(h) - 1
	if idx >= len(r.entries) || !r.entries[idx].valid {
		return nil, false
	}
	return r.entries[idx].value, true
}

// Take removes and returns a value. Second Take of the same handle fails.
func (r *Registry) Take(h Handle) (any, bool) {
	if h == 0 {
		return nil, false
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	idx := int(h) - 1
	if idx >= len(r.entries) || !r.entries[idx].valid {
		return nil, false
	}
	value := r.entries[idx].value
	r.entries[idx] = entry{}
	r.freeList = append(r.freeList, h)
	return value, true
}

// Len reports the number of live entries.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	n := 0
	for _, e := range r.entries {
		if e.valid {
			n++
		}
	}
	return n
}

// Close drops all entries. Subsequent Inserts fail; handles become invalid.
func (r *Registry) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closed = true
	r.entries = nil
	r.freeList = nil
	return nil
}

// Process-global registries for values handed between runtimes. Buffers
// carries byte payloads; Modules carries compiled artifacts (e.g. wasm).
var (
	Buffers = NewRegistry()
	Modules = NewRegistry()
)
