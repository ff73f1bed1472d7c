// Package engine provides the low-level integration with the embedded
// ECMAScript VM (goja).
//
// Engine owns the VM-instance-level state shared by every realm: the sticky
// termination flag, the near-heap-limit watcher, and the realm list. Realm
// wraps a single goja.Runtime (one global object and its bindings) and is the
// only type that touches VM values directly.
//
// All script execution is single-threaded: a Realm must only be used from
// one goroutine at a time. The exceptions are Engine.Terminate and
// Engine.CancelTermination, which may be called from any goroutine to
// interrupt in-flight script execution.
package engine
