package linker

import (
	"fmt"
	"sync"

	"github.com/dop251/goja"
)

// ModuleID is the integer id identifying a module for the lifetime of the
// map. Snapshots record ids and restore places modules back at them, so ids
// remain valid across snapshot and restore.
type ModuleID int32

// Status is the per-module state machine position.
type Status uint8

const (
	StatusFetching Status = iota
	StatusResolved
	StatusRedirect
	StatusFetchError
	StatusInstantiated
	StatusEvaluating
	StatusEvaluated
	StatusEvaluationError
)

func (s Status) String() string {
	switch s {
	case StatusFetching:
		return "fetching"
	case StatusResolved:
		return "resolved"
	case StatusRedirect:
		return "redirect"
	case StatusFetchError:
		return "fetch_error"
	case StatusInstantiated:
		return "instantiated"
	case StatusEvaluating:
		return "evaluating"
	case StatusEvaluated:
		return "evaluated"
	case StatusEvaluationError:
		return "evaluation_error"
	default:
		return fmt.Sprintf("status(%d)", uint8(s))
	}
}

// terminal reports whether no further transitions are allowed from s.
func (s Status) terminal() bool {
	return s == StatusRedirect || s == StatusFetchError || s == StatusEvaluated || s == StatusEvaluationError
}

// rank orders statuses along the forward-only progression.
func (s Status) rank() int {
	switch s {
	case StatusFetching:
		return 0
	case StatusResolved:
		return 1
	case StatusInstantiated:
		return 2
	case StatusEvaluating:
		return 3
	default:
		return 4
	}
}

// Module is one entry in the map.
type Module struct {
	ID        ModuleID
	Specifier string
	Status    Status
	Main      bool
	Media     MediaKind

	// Source is the original fetched source; Transformed the compilable
	// wrapper produced from it.
	Source      string
	Transformed string

	// Requests lists the resolved specifiers of the module's static
	// dependencies, in declaration order.
	Requests []string

	// Program is the compiled wrapper, populated at instantiation.
	Program *goja.Program

	// Err records the fetch or evaluation failure for error states.
	Err error

	// fetched is closed once the module's fetch settled and its static
	// requests are registered in the map. Overlapping loads that reach a
	// module owned by a sibling load wait on it. fetchErr is written before
	// the close and is immutable afterwards.
	fetched     chan struct{}
	fetchedOnce sync.Once
	fetchErr    error

	// redirectTo names the canonical specifier when this entry became a
	// redirect placeholder joining an existing module.
	redirectTo string

	// VM-side evaluation state, owned by the realm the map evaluates in.
	// Released on snapshot, before the realm is torn down.
	Namespace   *goja.Object
	EvalPromise goja.Value
}

// advance moves the module's status forward. Moving backward is a
// programming-contract violation and panics: callers hold the map's
// single-writer lock and drive the state machine themselves, so a backward
// transition is always a host bug, never input-dependent.
func (m *Module) advance(to Status) {
	if m.Status == to {
		return
	}
	if m.Status.terminal() || to.rank() < m.Status.rank() {
		panic(fmt.Sprintf("module %q: illegal status transition %s -> %s", m.Specifier, m.Status, to))
	}
	m.Status = to
}

// Advance moves the module's status forward. Exported for the evaluation
// driver in the runtime package.
func (m *Module) Advance(to Status) { m.advance(to) }

// Fail moves the module into a terminal error state.
func (m *Module) Fail(to Status, err error) { m.fail(to, err) }

// fail moves the module into a terminal error state from any prior state.
func (m *Module) fail(to Status, err error) {
	if m.Status.terminal() {
		return
	}
	m.Status = to
	m.Err = err
	if to == StatusFetchError || to == StatusRedirect {
		m.fetchErr = err
		m.markFetched()
	}
}

// markFetched unblocks loads waiting for this module's fetch to settle.
func (m *Module) markFetched() {
	if m.fetched == nil {
		return
	}
	m.fetchedOnce.Do(func() { close(m.fetched) })
}

// ReleaseHandles drops all VM object references held by the module. Called
// during snapshot teardown, before the owning realm is destroyed.
func (m *Module) ReleaseHandles() {
	m.Namespace = nil
	m.EvalPromise = nil
	m.Program = nil
}
