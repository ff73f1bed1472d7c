// Package jsruntime provides an embeddable ECMAScript engine host.
//
// The library owns a sandboxed JavaScript VM (goja), loads and links ES
// modules through a pluggable loader, bridges native asynchronous operations
// ("ops") into script-visible promises, and drives a cooperative event loop
// until all outstanding work is exhausted or a fatal error occurs.
//
// # Architecture Overview
//
// The library is organized into several packages with distinct
// responsibilities:
//
//	jsruntime/           Root package docs and version
//	├── runtime/         High-level host API: create, load, evaluate, poll
//	├── engine/          Low-level goja integration: realms, termination,
//	│                    heap-limit callbacks
//	├── linker/          Module map, redirects, graph loading, dynamic imports
//	├── ops/             Native op declarations, extensions, pending queue
//	├── snapshot/        Module-map snapshot blob codec
//	├── resource/        Cross-instance one-shot handoff registries
//	├── loader/          Module loader implementations (fs, static)
//	├── errors/          Structured error types for debugging
//	└── extensions/      Built-in extensions (timers, wasm ops)
//
// # Quick Start
//
// Load and run a main module to completion:
//
//	rt, err := runtime.New(ctx, runtime.Options{
//	    Loader:     &loader.FsLoader{Root: "."},
//	    Extensions: []*ops.Extension{timers.New()},
//	})
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer rt.Close()
//
//	id, err := rt.LoadMainModule(ctx, "/main.js", "")
//	if err != nil {
//	    log.Fatal(err)
//	}
//	done, err := rt.ModEvaluate(id)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	if err := rt.RunEventLoop(ctx, false); err != nil {
//	    log.Fatal(err)
//	}
//	if err := <-done; err != nil {
//	    log.Fatal(err)
//	}
//
// # Thread Safety
//
// A Runtime is single-threaded by contract: all script execution and module
// bookkeeping happen on the goroutine that calls into it. Native ops run on
// a bounded worker pool; only their completion notifications cross back into
// the runtime, through the pending operation queue.
package jsruntime
