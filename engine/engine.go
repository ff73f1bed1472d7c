package engine

import (
	"sync"
	"time"

	"github.com/dop251/goja"
	"go.uber.org/atomic"
	"go.uber.org/zap"

	"github.com/wippyai/js-runtime/errors"
)

// Config holds configuration for engine creation
type Config struct {
	// HeapLimit is the soft heap limit in bytes that arms the near-heap-limit
	// watcher. 0 disables heap monitoring.
	HeapLimit uint64

	// HeapCheckInterval controls how often the watcher samples heap usage.
	// Zero means the default (250ms).
	HeapCheckInterval time.Duration

	// IsMain marks the primary/top-level host instance. It only affects
	// debugger-disconnect behavior in the runtime layer.
	IsMain bool

	// WillSnapshot marks an engine whose runtime will later be snapshotted.
	WillSnapshot bool
}

// NearHeapLimitFn is invoked when heap usage approaches the configured limit.
// It receives the current usage and limit and returns the new limit. A
// callback may call Engine.Terminate to force termination instead of (or in
// addition to) raising the limit.
type NearHeapLimitFn func(current, limit uint64) uint64

// terminationSentinel is the value handed to goja.Runtime.Interrupt. Realms
// translate it back into errors.Terminated when they observe the interrupt.
type terminationSentinel struct {
	reason string
}

// globalSetup guards process-wide VM initialization. goja needs none today,
// but construction is funneled through the same idempotent once-guard the
// native allocator contract requires, so adding global setup later cannot
// race.
var globalSetup sync.Once

// Engine owns one VM instance: the shared state behind every realm created
// from it. The zero value is not usable; call New.
type Engine struct {
	cfg Config
	log *zap.Logger

	mu     sync.Mutex
	realms []*Realm
	closed bool

	terminated atomic.Bool
	termReason atomic.String

	heap *heapWatcher
}

// New allocates the VM instance. The instance is constructed before any
// dependent state; Close tears dependent state down in reverse order before
// releasing the instance itself.
func New(cfg Config) (*Engine, error) {
	globalSetup.Do(func() {})

	e := &Engine{
		cfg: cfg,
		log: Logger(),
	}
	if cfg.HeapLimit > 0 {
		e.heap = newHeapWatcher(e, cfg.HeapLimit, cfg.HeapCheckInterval)
		e.heap.start()
	}
	return e, nil
}

// NewRealm creates an additional isolated global-object context sharing this
// engine's instance-level state.
func (e *Engine) NewRealm() (*Realm, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return nil, errors.NotInitialized(errors.PhaseCreate, "engine")
	}

	r := &Realm{
		eng: e,
		vm:  goja.New(),
		idx: len(e.realms),
	}
	r.vm.SetFieldNameMapper(goja.UncapFieldNameMapper())
	e.realms = append(e.realms, r)

	// A termination requested before this realm existed still applies to it.
	if e.terminated.Load() {
		r.vm.Interrupt(&terminationSentinel{reason: e.termReason.Load()})
	}
	return r, nil
}

// Realms returns the realms created so far, in creation order. Closed realms
// are nil'd out of the slice.
func (e *Engine) Realms() []*Realm {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]*Realm, len(e.realms))
	copy(out, e.realms)
	return out
}

// Terminate requests forced termination of in-flight script execution. It is
// safe to call from any goroutine. Termination is sticky: every subsequent
// script call fails with a terminated error until CancelTermination.
func (e *Engine) Terminate(reason string) {
	e.termReason.Store(reason)
	e.terminated.Store(true)

	e.mu.Lock()
	defer e.mu.Unlock()
	for _, r := range e.realms {
		if r != nil {
			r.vm.Interrupt(&terminationSentinel{reason: reason})
		}
	}
	e.log.Debug("termination requested", zap.String("reason", reason))
}

// CancelTermination clears a sticky termination so the same instance can run
// subsequent scripts.
func (e *Engine) CancelTermination() {
	e.terminated.Store(false)
	e.termReason.Store("")

	e.mu.Lock()
	defer e.mu.Unlock()
	for _, r := range e.realms {
		if r != nil {
			r.vm.ClearInterrupt()
		}
	}
}

// Terminated reports whether a forced termination is pending.
func (e *Engine) Terminated() bool {
	return e.terminated.Load()
}

// TerminationReason returns the reason passed to Terminate, or "".
func (e *Engine) TerminationReason() string {
	return e.termReason.Load()
}

// AddNearHeapLimitCallback registers fn and returns its handle. Callbacks
// run in registration order when the watcher observes usage above the limit.
func (e *Engine) AddNearHeapLimitCallback(fn NearHeapLimitFn) int {
	if e.heap == nil {
		// Heap monitoring disabled; arm a watcher with no limit so the
		// callback registry still exists for Remove symmetry.
		e.heap = newHeapWatcher(e, 0, e.cfg.HeapCheckInterval)
	}
	return e.heap.add(fn)
}

// RemoveNearHeapLimitCallback unregisters a callback by handle.
func (e *Engine) RemoveNearHeapLimitCallback(id int) {
	if e.heap != nil {
		e.heap.remove(id)
	}
}

// Close tears down all realms in reverse creation order, stops the heap
// watcher, and releases the instance. Idempotent.
func (e *Engine) Close() error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	realms := e.realms
	e.realms = nil
	e.mu.Unlock()

	for i := len(realms) - 1; i >= 0; i-- {
		if realms[i] != nil {
			realms[i].close()
		}
	}
	if e.heap != nil {
		e.heap.stop()
	}
	return nil
}
