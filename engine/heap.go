package engine

import (
	"runtime"
	"sync"
	"time"

	"go.uber.org/zap"
)

const defaultHeapCheckInterval = 250 * time.Millisecond

// heapWatcher samples Go heap usage and invokes near-heap-limit callbacks
// when usage crosses the configured limit. goja heaps live on the Go heap,
// so process heap allocation is the observable the host can act on.
//
// Callbacks run on the watcher goroutine, never on the VM goroutine; they
// must not touch VM objects. Raising the limit or calling Engine.Terminate
// are the supported reactions.
type heapWatcher struct {
	eng      *Engine
	interval time.Duration

	mu        sync.Mutex
	limit     uint64
	callbacks map[int]NearHeapLimitFn
	nextID    int
	stopCh    chan struct{}
	running   bool
}

func newHeapWatcher(eng *Engine, limit uint64, interval time.Duration) *heapWatcher {
	if interval <= 0 {
		interval = defaultHeapCheckInterval
	}
	return &heapWatcher{
		eng:       eng,
		interval:  interval,
		limit:     limit,
		callbacks: make(map[int]NearHeapLimitFn),
		nextID:    1,
	}
}

func (w *heapWatcher) start() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.running || w.limit == 0 {
		return
	}
	w.running = true
	w.stopCh = make(chan struct{})
	go w.loop(w.stopCh)
}

func (w *heapWatcher) stop() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if !w.running {
		return
	}
	w.running = false
	close(w.stopCh)
}

func (w *heapWatcher) add(fn NearHeapLimitFn) int {
	w.mu.Lock()
	defer w.mu.Unlock()
	id := w.nextID
	w.nextID++
	w.callbacks[id] = fn
	return id
}

func (w *heapWatcher) remove(id int) {
	w.mu.Lock()
	defer w.mu.Unlock()
	delete(w.callbacks, id)
}

func (w *heapWatcher) loop(stopCh chan struct{}) {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()
	for {
		select {
		case <-stopCh:
			return
		case <-ticker.C:
			w.check()
		}
	}
}

func (w *heapWatcher) check() {
	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)

	w.mu.Lock()
	limit := w.limit
	if limit == 0 || ms.HeapAlloc < limit {
		w.mu.Unlock()
		return
	}
	fns := make([]NearHeapLimitFn, 0, len(w.callbacks))
	for _, fn := range w.callbacks {
		fns = append(fns, fn)
	}
	w.mu.Unlock()

	Logger().Warn("near heap limit",
		zap.Uint64("heapAlloc", ms.HeapAlloc),
		zap.Uint64("limit", limit))

	if len(fns) == 0 {
		// Nobody registered to raise the limit; force termination so the
		// VM cannot grow unbounded.
		w.eng.Terminate("near heap limit")
		return
	}

	newLimit := limit
	for _, fn := range fns {
		newLimit = fn(ms.HeapAlloc, newLimit)
	}

	w.mu.Lock()
	w.limit = newLimit
	w.mu.Unlock()
}
