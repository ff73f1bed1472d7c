package runtime

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/wippyai/js-runtime/linker"
	"github.com/wippyai/js-runtime/ops"
)

// Options configures runtime creation. The zero value is usable: no loader
// (module loading fails), no extensions, no heap limit.
type Options struct {
	// Loader resolves and fetches module sources. Nil disables module
	// loading; restored snapshot modules still evaluate.
	Loader linker.ModuleLoader

	// Extensions contribute native ops, startup scripts, and loop hooks.
	// Registration order is binding order; duplicate op names are an error.
	Extensions []*ops.Extension

	// Snapshot is a blob produced by Runtime.Snapshot. When set, the module
	// map is re-hydrated from it before the main realm is created.
	Snapshot []byte

	// HeapLimit arms the near-heap-limit watcher at the given byte count.
	HeapLimit uint64

	// HeapCheckInterval overrides the watcher's sampling interval.
	HeapCheckInterval time.Duration

	// IsMain marks the top-level runtime of the process.
	IsMain bool

	// WillSnapshot marks a runtime built to be snapshotted.
	WillSnapshot bool

	// Inspector, if set, is polled once per event-loop tick.
	Inspector Inspector

	// StallGraceTicks is how many idle ticks a dynamically imported module
	// may sit in an unsettled top-level await before its import() promise is
	// rejected. Zero means the default of 1.
	StallGraceTicks int

	// OpWorkers bounds concurrent native op bodies. Zero means GOMAXPROCS.
	OpWorkers int

	// Logger, if nil, falls back to the package logger (no-op by default).
	Logger *zap.Logger

	// Metrics, if set, receives the runtime's op and loop collectors.
	Metrics prometheus.Registerer
}

// Inspector is the debugger integration point. The loop polls it every tick
// so session messages are serviced between script slices.
type Inspector interface {
	// Poll services queued inspector messages. An error aborts the loop.
	Poll() error

	// BlockOnExit reports whether the loop should stay alive after draining,
	// waiting for the debugger session to disconnect.
	BlockOnExit() bool
}
