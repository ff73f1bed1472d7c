package runtime

import (
	"context"
	"weak"

	"github.com/dop251/goja"

	"github.com/wippyai/js-runtime/engine"
	"github.com/wippyai/js-runtime/errors"
	"github.com/wippyai/js-runtime/ops"
)

// coreJS is the bootstrap evaluated in every realm before extension
// sources. It owns the promise table on the script side of the op protocol:
// __opDispatch returns either an eager result or a promise id, and the host
// settles ids in batches through __deliverOps.
const coreJS = `(function(global) {
"use strict";

const pending = new Map();
const promiseIds = new WeakMap();

function deliver(batch) {
	for (let i = 0; i < batch.length; i += 3) {
		const id = batch[i];
		const ok = batch[i + 1];
		const value = batch[i + 2];
		const entry = pending.get(id);
		if (entry === undefined) continue;
		pending.delete(id);
		if (ok) {
			entry.resolve(value);
		} else {
			entry.reject(new Error(value));
		}
	}
}

function opAsync(name, ...args) {
	const r = __opDispatch(name, args);
	if (r.mode === "eager") {
		return r.ok ? Promise.resolve(r.value) : Promise.reject(new Error(r.error));
	}
	const p = new Promise((resolve, reject) => {
		pending.set(r.id, { resolve: resolve, reject: reject });
	});
	promiseIds.set(p, r.id);
	return p;
}

function opSync(name, ...args) {
	const r = __opDispatch(name, args);
	if (r.mode !== "eager") {
		throw new Error("op " + name + " did not complete synchronously");
	}
	if (!r.ok) throw new Error(r.error);
	return r.value;
}

const core = {
	opAsync: opAsync,
	opSync: opSync,
	refOp(promise) {
		const id = promiseIds.get(promise);
		if (id !== undefined) __opRef(id, true);
	},
	unrefOp(promise) {
		const id = promiseIds.get(promise);
		if (id !== undefined) __opRef(id, false);
	},
	setHasTickScheduled(v) {
		__setHasTickScheduled(!!v);
	},
};

global.__deliverOps = deliver;
global.core = core;
})(globalThis);
`

// Realm is one global-object context plus its op bookkeeping. Created via
// Runtime.CreateRealm; the first realm is the main realm.
type Realm struct {
	rt    *Runtime
	er    *engine.Realm
	state *ops.State

	// pending maps in-flight op promises to their op ids; unrefed marks
	// the subset that no longer keeps the loop alive.
	pending map[ops.PromiseID]ops.OpID
	unrefed map[ops.PromiseID]struct{}

	deliver goja.Callable

	unhandled map[*goja.Promise]goja.Value
}

// CreateRealm creates an additional realm: core bindings, extension state,
// and extension startup sources, in that order.
func (r *Runtime) CreateRealm() (*Realm, error) {
	if err := r.usable(); err != nil {
		return nil, err
	}
	er, err := r.eng.NewRealm()
	if err != nil {
		return nil, err
	}

	realm := &Realm{
		rt:        r,
		er:        er,
		state:     ops.NewState(handle{p: weak.Make(r)}),
		pending:   make(map[ops.PromiseID]ops.OpID),
		unrefed:   make(map[ops.PromiseID]struct{}),
		unhandled: make(map[*goja.Promise]goja.Value),
	}

	er.SetRejectionTracker(func(p *goja.Promise, reason goja.Value, handled bool) {
		if handled {
			delete(realm.unhandled, p)
		} else {
			realm.unhandled[p] = reason
		}
	})

	vm := er.VM()
	if err := er.Bind("__opDispatch", func(call goja.FunctionCall) goja.Value {
		name := call.Argument(0).String()
		var args []any
		if exported := call.Argument(1).Export(); exported != nil {
			args, _ = exported.([]any)
		}
		return vm.ToValue(r.dispatch(realm, name, args))
	}); err != nil {
		return nil, err
	}
	if err := er.Bind("__opRef", func(call goja.FunctionCall) goja.Value {
		realm.setRef(ops.PromiseID(call.Argument(0).ToInteger()), call.Argument(1).ToBoolean())
		return goja.Undefined()
	}); err != nil {
		return nil, err
	}
	if err := er.Bind("__setHasTickScheduled", func(call goja.FunctionCall) goja.Value {
		er.SetHasTickScheduled(call.Argument(0).ToBoolean())
		return goja.Undefined()
	}); err != nil {
		return nil, err
	}

	if _, err := er.RunScript("core.js", coreJS); err != nil {
		return nil, err
	}
	deliver, ok := goja.AssertFunction(vm.Get("__deliverOps"))
	if !ok {
		return nil, errors.Contract("core bootstrap did not install __deliverOps")
	}
	realm.deliver = deliver

	for _, ext := range r.opts.Extensions {
		if ext.InitState != nil {
			ext.InitState(realm.state)
		}
	}
	for _, ext := range r.opts.Extensions {
		for _, src := range ext.JS {
			if _, err := er.RunScript(src.Name, src.Code); err != nil {
				return nil, err
			}
		}
	}

	r.realms = append(r.realms, realm)
	return realm, nil
}

// Index returns the realm's creation-order index.
func (rl *Realm) Index() int { return rl.er.Index() }

// VM exposes the underlying goja runtime.
func (rl *Realm) VM() *goja.Runtime { return rl.er.VM() }

// State returns the realm's shared native op state.
func (rl *Realm) State() *ops.State { return rl.state }

// ExecuteScript runs classic source in this realm.
func (rl *Realm) ExecuteScript(name, source string) (any, error) {
	v, err := rl.er.RunScript(name, source)
	if err != nil {
		return nil, err
	}
	if v == nil || goja.IsUndefined(v) || goja.IsNull(v) {
		return nil, nil
	}
	return v.Export(), nil
}

// pendingRefedOps counts in-flight ops that keep the loop alive.
func (rl *Realm) pendingRefedOps() int {
	return len(rl.pending) - len(rl.unrefed)
}

func (rl *Realm) setRef(pid ops.PromiseID, refed bool) {
	if _, inflight := rl.pending[pid]; !inflight {
		return
	}
	if refed {
		delete(rl.unrefed, pid)
	} else {
		rl.unrefed[pid] = struct{}{}
	}
}

// dispatch is the host side of __opDispatch. It runs on the VM goroutine.
func (r *Runtime) dispatch(realm *Realm, name string, args []any) map[string]any {
	id, ok := r.opIDs[name]
	if !ok {
		return map[string]any{"mode": "eager", "ok": false, "error": errors.OpNotRegistered(name).Error()}
	}
	decl := r.opTable[id]
	r.metrics.Dispatched.Inc()

	if decl.Mode == ops.Eager && decl.Immediate != nil {
		v, done, err := decl.Immediate(realm.state, args)
		if done {
			if err != nil {
				r.metrics.Failed.Inc()
				return map[string]any{"mode": "eager", "ok": false, "error": err.Error()}
			}
			r.metrics.Completed.Inc()
			return map[string]any{"mode": "eager", "ok": true, "value": v}
		}
	}
	if decl.Fn == nil {
		return map[string]any{"mode": "eager", "ok": false,
			"error": errors.Contract("op %q has no async body", name).Error()}
	}

	pid := ops.PromiseID(r.nextPromise.Inc())
	realm.pending[pid] = id
	ridx := realm.er.Index()
	r.exec.Go(r.opCtx, func(ctx context.Context) {
		v, err := decl.Fn(ctx, realm.state, args)
		r.queue.Complete(ops.Completion{Realm: ridx, Promise: pid, Op: id, Value: v, Err: err})
	})
	return map[string]any{"mode": "async", "id": int64(pid)}
}
