package ops

import (
	"context"
)

// Mode selects the submission strategy for an async op.
type Mode int

const (
	// Eager ops are polled once synchronously before suspending: if the
	// declaration provides an Immediate fast path and it completes, the
	// value short-circuits into the call without touching the promise
	// queue.
	Eager Mode = iota

	// Deferred ops always suspend, even when a result is available
	// immediately. Use this when synchronous resolution could reenter the
	// VM unsafely.
	Deferred
)

// Fn is the asynchronous body of an op. It runs on a worker goroutine; ctx
// is cancelled when the owning runtime closes. Errors are values: they are
// delivered to script as promise rejections, never as host-level faults.
//
// Panics are not recovered by this layer. Native op code is trusted.
type Fn func(ctx context.Context, st *State, args []any) (any, error)

// ImmediateFn is the optional synchronous fast path for Eager ops. It runs
// on the VM goroutine, so it must not block. ok=false falls through to the
// async path.
type ImmediateFn func(st *State, args []any) (v any, ok bool, err error)

// Decl declares one native op.
type Decl struct {
	Name      string
	Fn        Fn
	Immediate ImmediateFn
	Mode      Mode
}

// SourceFile is a startup script shipped by an extension, evaluated once per
// realm at initialization.
type SourceFile struct {
	Name string
	Code string
}

// Middleware is an event-loop hook invoked every tick with the realm's
// shared native state. Returning true requests continued scheduling: the
// loop stays alive even with no other pending work.
type Middleware func(st *State) bool

// Extension groups op declarations with their startup sources and hooks.
// This is the registration contract consumed by runtime.Create.
type Extension struct {
	Name string

	// Ops lists the native operation declarations.
	Ops []Decl

	// JS holds startup sources run once per realm at initialization, after
	// the core bindings are installed.
	JS []SourceFile

	// Middleware, if set, is invoked every event-loop tick.
	Middleware Middleware

	// InitState populates per-realm native state before any startup source
	// runs.
	InitState func(st *State)

	// TeardownState releases native state when the runtime closes.
	TeardownState func(st *State)
}
