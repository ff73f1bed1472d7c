// Package ops defines the contract between native asynchronous operations
// and the script-visible promise machinery.
//
// An op is a named native function invocable from script. Ops are declared
// in groups by an Extension and dispatched by the runtime: the op body runs
// on a bounded worker pool and its completion is placed into a Queue, which
// the event loop drains every tick and delivers back to script as settled
// promises.
//
// Op bodies never touch VM objects. Arguments arrive as exported plain Go
// values and results travel back the same way; the runtime converts at the
// boundary on the VM goroutine.
package ops
