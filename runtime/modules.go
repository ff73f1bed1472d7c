package runtime

import (
	"context"
	"fmt"
	"sync"

	"github.com/dop251/goja"

	"github.com/wippyai/js-runtime/errors"
	"github.com/wippyai/js-runtime/linker"
)

// modEvaluation tracks one ModEvaluate call until its module's evaluation
// promise settles.
type modEvaluation struct {
	id        linker.ModuleID
	specifier string
	ch        chan error
}

// dynamicImport tracks one import() call: background graph load, then
// evaluation on the loop goroutine, then promise settlement.
type dynamicImport struct {
	realm     *Realm
	referrer  string
	specifier string
	resolve   func(any)
	reject    func(any)

	mu      sync.Mutex
	loaded  bool
	loadErr error
	id      linker.ModuleID

	evaluating bool
	grace      int
}

func (d *dynamicImport) loadResult() (linker.ModuleID, error, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.id, d.loadErr, d.loaded
}

// LoadMainModule loads the entry-point module graph. code, when non-empty,
// is used as the root source instead of the loader.
func (r *Runtime) LoadMainModule(ctx context.Context, specifier, code string) (linker.ModuleID, error) {
	if err := r.usable(); err != nil {
		return 0, err
	}
	return r.modules.LoadMain(ctx, specifier, code)
}

// LoadSideModule loads a non-entry-point module graph, typically ahead of
// snapshotting.
func (r *Runtime) LoadSideModule(ctx context.Context, specifier, code string) (linker.ModuleID, error) {
	if err := r.usable(); err != nil {
		return 0, err
	}
	return r.modules.LoadSide(ctx, specifier, code)
}

// ModEvaluate instantiates and evaluates the module graph rooted at id in
// the main realm. The returned channel receives exactly one value when the
// root's evaluation promise settles: nil on success, the evaluation error
// otherwise. The event loop must be driven for the channel to settle when
// the module uses top-level await.
func (r *Runtime) ModEvaluate(id linker.ModuleID) (<-chan error, error) {
	if err := r.usable(); err != nil {
		return nil, err
	}
	mod := r.modules.ByID(id)
	if mod == nil {
		return nil, errors.NotFound(errors.PhaseEvaluate, "module id", fmt.Sprint(id))
	}
	if err := r.modules.Instantiate(id); err != nil {
		return nil, err
	}

	ch := make(chan error, 1)
	ev := &modEvaluation{id: id, specifier: mod.Specifier, ch: ch}

	if err := r.evaluate(r.main, mod, make(map[linker.ModuleID]bool)); err != nil {
		return nil, err
	}
	r.pendingEvals = append(r.pendingEvals, ev)
	r.settleEvaluations()
	return ch, nil
}

// evaluate drives the graph rooted at mod in post-order: dependencies first,
// each module exactly once.
func (r *Runtime) evaluate(realm *Realm, mod *linker.Module, seen map[linker.ModuleID]bool) error {
	if seen[mod.ID] {
		return nil
	}
	seen[mod.ID] = true

	switch mod.Status {
	case linker.StatusEvaluating, linker.StatusEvaluated, linker.StatusRedirect:
		return nil
	case linker.StatusEvaluationError, linker.StatusFetchError:
		return mod.Err
	case linker.StatusInstantiated:
	default:
		return errors.Contract("module %q evaluated in status %s", mod.Specifier, mod.Status)
	}

	for _, req := range mod.Requests {
		dep, err := r.modules.Get(req)
		if err != nil {
			return err
		}
		if err := r.evaluate(realm, dep, seen); err != nil {
			return err
		}
	}
	return r.evaluateOne(realm, mod)
}

// evaluateOne calls the module's compiled wrapper. The wrapper returns the
// internal evaluation promise of the module's async body; settlement is
// observed through a host-attached reaction, which also marks the promise
// handled so a top-level-await rejection never trips the unhandled tracker.
func (r *Runtime) evaluateOne(realm *Realm, mod *linker.Module) error {
	vm := realm.er.VM()

	wrapper, err := realm.er.RunProgram(mod.Program)
	if err != nil {
		mod.Fail(linker.StatusEvaluationError, err)
		return err
	}

	mod.Namespace = vm.NewObject()

	importFn := vm.ToValue(func(call goja.FunctionCall) goja.Value {
		return r.importNamespace(realm, call.Argument(0).String())
	})
	dynamicFn := vm.ToValue(func(call goja.FunctionCall) goja.Value {
		return r.startDynamicImport(realm, mod.Specifier, call.Argument(0).String())
	})
	meta := vm.NewObject()
	_ = meta.Set("url", mod.Specifier)
	_ = meta.Set("main", mod.Main)
	exportFn := vm.ToValue(func(call goja.FunctionCall) goja.Value {
		obj := call.Argument(0).ToObject(vm)
		for _, key := range obj.Keys() {
			_ = mod.Namespace.Set(key, obj.Get(key))
		}
		return goja.Undefined()
	})

	mod.Advance(linker.StatusEvaluating)
	promise, err := realm.er.Call(wrapper, goja.Undefined(), importFn, dynamicFn, meta, exportFn)
	if err != nil {
		mod.Fail(linker.StatusEvaluationError, err)
		return err
	}
	mod.EvalPromise = promise

	then, ok := goja.AssertFunction(promise.ToObject(vm).Get("then"))
	if !ok {
		mod.Fail(linker.StatusEvaluationError, errors.Contract("module wrapper did not return a promise"))
		return mod.Err
	}
	onFulfilled := vm.ToValue(func(goja.FunctionCall) goja.Value {
		if mod.Status == linker.StatusEvaluating {
			mod.Advance(linker.StatusEvaluated)
		}
		return goja.Undefined()
	})
	onRejected := vm.ToValue(func(call goja.FunctionCall) goja.Value {
		reason := call.Argument(0)
		mod.Fail(linker.StatusEvaluationError,
			errors.EvaluationException(mod.Specifier, exportValue(reason), reason.String()))
		return goja.Undefined()
	})
	if _, err := then(promise, onFulfilled, onRejected); err != nil {
		return realm.er.MapException(err)
	}
	return nil
}

// importNamespace backs the __import closure: it returns the dependency's
// namespace when evaluation already finished, otherwise a promise chained
// on the dependency's evaluation promise. Importers await either.
func (r *Runtime) importNamespace(realm *Realm, specifier string) goja.Value {
	vm := realm.er.VM()
	dep, err := r.modules.Get(specifier)
	if err != nil {
		panic(vm.NewGoError(err))
	}
	if dep.Status == linker.StatusEvaluationError {
		panic(vm.NewGoError(dep.Err))
	}
	if dep.Status == linker.StatusEvaluated || dep.EvalPromise == nil {
		return dep.Namespace
	}
	then, ok := goja.AssertFunction(dep.EvalPromise.ToObject(vm).Get("then"))
	if !ok {
		return dep.Namespace
	}
	chained, terr := then(dep.EvalPromise, vm.ToValue(func(goja.FunctionCall) goja.Value {
		return dep.Namespace
	}))
	if terr != nil {
		panic(vm.NewGoError(terr))
	}
	return chained
}

// startDynamicImport backs the __dynamicImport closure. The graph load runs
// on the op executor; instantiation and evaluation happen on the loop
// goroutine once the load lands.
func (r *Runtime) startDynamicImport(realm *Realm, referrer, specifier string) goja.Value {
	p, resolve, reject := realm.er.NewCompletion()
	d := &dynamicImport{
		realm:     realm,
		referrer:  referrer,
		specifier: specifier,
		resolve:   resolve,
		reject:    reject,
		grace:     r.stallGrace,
	}
	r.dynamic = append(r.dynamic, d)

	// Loads run on their own goroutines, not the op worker pool: a load is
	// IO-bound and may have to wait for a sibling load's fetches, so it must
	// never compete with op bodies for pool slots.
	r.loadWG.Add(1)
	go func() {
		defer r.loadWG.Done()
		id, err := r.modules.LoadDynamic(r.opCtx, specifier, referrer)
		d.mu.Lock()
		d.id = id
		d.loadErr = err
		d.loaded = true
		d.mu.Unlock()
		r.Wake()
	}()
	return realm.er.VM().ToValue(p)
}

// stepDynamicImports advances every tracked import() one stage. Returns
// whether anything progressed.
func (r *Runtime) stepDynamicImports() bool {
	progressed := false
	kept := r.dynamic[:0]
	for _, d := range r.dynamic {
		id, loadErr, loaded := d.loadResult()

		if !d.evaluating {
			if !loaded {
				kept = append(kept, d)
				continue
			}
			if loadErr != nil {
				d.reject(d.realm.er.VM().NewGoError(loadErr))
				progressed = true
				continue
			}
			if err := r.modules.Instantiate(id); err != nil {
				d.reject(d.realm.er.VM().NewGoError(err))
				progressed = true
				continue
			}
			mod := r.modules.ByID(id)
			if err := r.evaluate(d.realm, mod, make(map[linker.ModuleID]bool)); err != nil {
				d.reject(d.realm.er.VM().NewGoError(err))
				progressed = true
				continue
			}
			d.evaluating = true
			progressed = true
		}

		mod := r.modules.ByID(id)
		switch mod.Status {
		case linker.StatusEvaluated:
			d.resolve(mod.Namespace)
			progressed = true
		case linker.StatusEvaluationError:
			d.reject(d.realm.er.VM().NewGoError(mod.Err))
			progressed = true
		default:
			kept = append(kept, d)
		}
	}
	r.dynamic = kept
	return progressed
}

// settleEvaluations completes ModEvaluate channels whose module reached a
// terminal evaluation state.
func (r *Runtime) settleEvaluations() bool {
	progressed := false
	kept := r.pendingEvals[:0]
	for _, ev := range r.pendingEvals {
		mod := r.modules.ByID(ev.id)
		switch mod.Status {
		case linker.StatusEvaluated:
			ev.ch <- nil
			progressed = true
		case linker.StatusEvaluationError:
			ev.ch <- mod.Err
			progressed = true
		default:
			kept = append(kept, ev)
		}
	}
	r.pendingEvals = kept
	return progressed
}

func exportValue(v goja.Value) any {
	if v == nil || goja.IsUndefined(v) || goja.IsNull(v) {
		return nil
	}
	return v.Export()
}
