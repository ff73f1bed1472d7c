package engine

import (
	"github.com/dop251/goja"
	"go.uber.org/zap"

	"github.com/wippyai/js-runtime/errors"
)

// Realm wraps a single goja.Runtime: one global object plus the host-side
// bookkeeping attached to it. Realms are created via Engine.NewRealm and
// must be driven from a single goroutine.
type Realm struct {
	eng *Engine
	vm  *goja.Runtime
	idx int

	jobs   []func() error
	closed bool

	// hasTickScheduled is set by script through the runtime's core bindings;
	// the event loop reads it when computing pending state.
	hasTickScheduled bool

	rejectionTracker func(promise *goja.Promise, reason goja.Value, handled bool)
}

// Index returns the realm's position in creation order. Op completions are
// tagged with this index.
func (r *Realm) Index() int { return r.idx }

// VM exposes the underlying goja runtime. Callers must respect the
// single-goroutine contract.
func (r *Realm) VM() *goja.Runtime { return r.vm }

// Engine returns the owning engine.
func (r *Realm) Engine() *Engine { return r.eng }

// SetHasTickScheduled records whether script scheduled a next-tick callback.
func (r *Realm) SetHasTickScheduled(v bool) { r.hasTickScheduled = v }

// HasTickScheduled reports whether script scheduled a next-tick callback.
func (r *Realm) HasTickScheduled() bool { return r.hasTickScheduled }

// SetRejectionTracker installs the promise-rejection hook for this realm.
// handled=false means a promise was rejected with no handler attached;
// handled=true means a previously-reported rejection gained a handler.
func (r *Realm) SetRejectionTracker(fn func(promise *goja.Promise, reason goja.Value, handled bool)) {
	r.rejectionTracker = fn
	r.vm.SetPromiseRejectionTracker(func(p *goja.Promise, op goja.PromiseRejectionOperation) {
		if r.rejectionTracker == nil {
			return
		}
		switch op {
		case goja.PromiseRejectionReject:
			r.rejectionTracker(p, p.Result(), false)
		case goja.PromiseRejectionHandle:
			r.rejectionTracker(p, p.Result(), true)
		}
	})
}

// RunScript executes source synchronously in this realm. Exceptions are
// mapped to errors.ScriptException and forced termination to
// errors.Terminated.
func (r *Realm) RunScript(name, source string) (goja.Value, error) {
	if err := r.checkTerminated(); err != nil {
		return nil, err
	}
	v, err := r.vm.RunScript(name, source)
	if err != nil {
		return nil, r.MapException(err)
	}
	return v, nil
}

// RunProgram executes a pre-compiled program in this realm.
func (r *Realm) RunProgram(p *goja.Program) (goja.Value, error) {
	if err := r.checkTerminated(); err != nil {
		return nil, err
	}
	v, err := r.vm.RunProgram(p)
	if err != nil {
		return nil, r.MapException(err)
	}
	return v, nil
}

// Call invokes fn with the given this-value and arguments.
func (r *Realm) Call(fn goja.Value, this goja.Value, args ...goja.Value) (goja.Value, error) {
	if err := r.checkTerminated(); err != nil {
		return nil, err
	}
	callable, ok := goja.AssertFunction(fn)
	if !ok {
		return nil, errors.InvalidInput(errors.PhaseScript, "value is not callable")
	}
	v, err := callable(this, args...)
	if err != nil {
		return nil, r.MapException(err)
	}
	return v, nil
}

// Bind installs a native function on the realm's global object.
func (r *Realm) Bind(name string, fn func(goja.FunctionCall) goja.Value) error {
	return r.vm.Set(name, fn)
}

// Set installs an arbitrary value on the realm's global object.
func (r *Realm) Set(name string, v any) error {
	return r.vm.Set(name, v)
}

// NewCompletion creates a promise the host settles later. resolve and reject
// must be called on the realm's goroutine; settling runs the promise's
// reaction jobs inline, which is the microtask semantics the loop relies on.
func (r *Realm) NewCompletion() (*goja.Promise, func(any), func(any)) {
	p, resolve, reject := r.vm.NewPromise()
	return p, func(v any) { resolve(v) }, func(v any) { reject(v) }
}

// EnqueueJob schedules a host job to run at the next microtask checkpoint.
func (r *Realm) EnqueueJob(fn func() error) {
	r.jobs = append(r.jobs, fn)
}

// RunJobs drains the host job queue. This is the per-tick microtask
// checkpoint; an error aborts the drain and is fatal to the caller.
func (r *Realm) RunJobs() error {
	for len(r.jobs) > 0 {
		jobs := r.jobs
		r.jobs = nil
		for _, fn := range jobs {
			if err := fn(); err != nil {
				return err
			}
		}
	}
	return nil
}

// PendingJobs reports whether host jobs are queued.
func (r *Realm) PendingJobs() bool { return len(r.jobs) > 0 }

// Alive reports whether the realm is still usable.
func (r *Realm) Alive() bool { return !r.closed }

// MapException translates a goja error into the host error taxonomy.
func (r *Realm) MapException(err error) error {
	if err == nil {
		return nil
	}
	if ie, ok := err.(*goja.InterruptedError); ok {
		reason := "execution terminated"
		if s, ok := ie.Value().(*terminationSentinel); ok && s.reason != "" {
			reason = s.reason
		}
		return errors.Terminated(reason)
	}
	if ex, ok := err.(*goja.Exception); ok {
		return errors.New(errors.PhaseScript, errors.KindScriptException).
			Detail("%s", ex.Value().String()).
			Stack(ex.String()).
			Value(exportValue(ex.Value())).
			Build()
	}
	return errors.Wrap(errors.PhaseScript, errors.KindScriptException, err, "script execution failed")
}

func (r *Realm) checkTerminated() error {
	if r.eng.Terminated() {
		reason := r.eng.TerminationReason()
		if reason == "" {
			reason = "execution terminated"
		}
		return errors.Terminated(reason)
	}
	return nil
}

func (r *Realm) close() {
	if r.closed {
		return
	}
	r.closed = true
	r.jobs = nil
	r.rejectionTracker = nil
	Logger().Debug("realm closed", zap.Int("index", r.idx))
}

// exportValue converts a goja value to a plain Go value, tolerating nil.
func exportValue(v goja.Value) any {
	if v == nil || goja.IsUndefined(v) || goja.IsNull(v) {
		return nil
	}
	return v.Export()
}
