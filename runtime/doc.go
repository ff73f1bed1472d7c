// Package runtime is the embedding surface of the host: it ties one engine
// instance to a module map, a native op table, and the cooperative event
// loop that drives them.
//
// A Runtime is single-goroutine: create it, load modules, evaluate, and
// drive the loop from one goroutine. Terminate, CancelTermination, and Wake
// are the only methods safe to call from elsewhere.
//
// The loop contract is drain-based. RunEventLoop returns nil once every
// refed op has completed, every dynamic import has settled, and every
// tracked module evaluation has finished. Script keeps the loop alive by
// holding refed op promises or by core.setHasTickScheduled(true); it lets
// the loop drain by unrefing ops it no longer waits for.
package runtime
