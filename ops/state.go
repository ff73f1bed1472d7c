package ops

import (
	"sync"
)

// RuntimeHandle is a non-owning, upgradeable reference to the runtime that
// owns an op's realm. Ops use it to wake the event loop after completing
// work out of band; it never keeps the runtime alive.
type RuntimeHandle interface {
	// Wake nudges the event loop if the runtime is still alive.
	Wake()

	// Alive reports whether the runtime can still be reached.
	Alive() bool
}

// noopHandle backs State values that were never attached to a runtime.
type noopHandle struct{}

func (noopHandle) Wake()       {}
func (noopHandle) Alive() bool { return false }

// State is the per-realm shared mutable native state handed to op bodies,
// middleware, and extension hooks. It is a typed bag guarded by a mutex:
// op bodies run on worker goroutines, so access must be synchronized even
// though script execution itself is single-threaded.
type State struct {
	mu      sync.Mutex
	vals    map[string]any
	runtime RuntimeHandle
}

// NewState creates an empty state bound to the given runtime handle.
// handle may be nil for states used outside a runtime (tests, tools).
func NewState(handle RuntimeHandle) *State {
	if handle == nil {
		handle = noopHandle{}
	}
	return &State{
		vals:    make(map[string]any),
		runtime: handle,
	}
}

// Runtime returns the non-owning handle to the owning runtime.
func (s *State) Runtime() RuntimeHandle {
	return s.runtime
}

// Put stores a value under key, replacing any previous value.
func (s *State) Put(key string, v any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.vals[key] = v
}

// Get returns the value stored under key.
func (s *State) Get(key string) (any, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.vals[key]
	return v, ok
}

// Take removes and returns the value stored under key.
func (s *State) Take(key string) (any, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.vals[key]
	if ok {
		delete(s.vals, key)
	}
	return v, ok
}
