// Package wasmops exposes WebAssembly execution to script: compile a
// module from base64, call its exports, and transfer compiled modules
// between runtimes through the shared resource registry.
package wasmops

import (
	"context"
	"encoding/base64"
	"fmt"
	"sync"

	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"

	"github.com/wippyai/js-runtime/ops"
	"github.com/wippyai/js-runtime/resource"
)

const (
	runtimeKey = "wasmops.runtime"
	tableKey   = "wasmops.table"
)

const wasmJS = `(function(global) {
"use strict";

global.wasm = {
	compile(b64) { return core.opAsync("op_wasm_compile", b64); },
	call(handle, fn, ...args) { return core.opAsync("op_wasm_call", handle, fn, ...args); },
	transfer(handle) { return core.opAsync("op_wasm_transfer", handle); },
	adopt(id) { return core.opAsync("op_wasm_adopt", id); },
};
})(globalThis);
`

// instance pairs a live wasm module with the binary it was built from, so
// transfer can hand the binary to another runtime.
type instance struct {
	bin []byte
	mod api.Module
}

type table struct {
	mu   sync.Mutex
	next int64
	mods map[int64]*instance
}

func (t *table) insert(inst *instance) int64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.next++
	t.mods[t.next] = inst
	return t.next
}

func (t *table) get(h int64) (*instance, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	inst, ok := t.mods[h]
	return inst, ok
}

// New creates the wasm extension. Each realm gets its own wazero runtime,
// torn down with the owning runtime.
func New() *ops.Extension {
	return &ops.Extension{
		Name: "wasm",
		Ops: []ops.Decl{
			{Name: "op_wasm_compile", Mode: ops.Deferred, Fn: opCompile},
			{Name: "op_wasm_call", Mode: ops.Deferred, Fn: opCall},
			{Name: "op_wasm_transfer", Mode: ops.Deferred, Fn: opTransfer},
			{Name: "op_wasm_adopt", Mode: ops.Deferred, Fn: opAdopt},
		},
		JS: []ops.SourceFile{{Name: "ext:wasm.js", Code: wasmJS}},
		InitState: func(st *ops.State) {
			st.Put(runtimeKey, wazero.NewRuntime(context.Background()))
			st.Put(tableKey, &table{mods: make(map[int64]*instance)})
		},
		TeardownState: func(st *ops.State) {
			if v, ok := st.Take(runtimeKey); ok {
				_ = v.(wazero.Runtime).Close(context.Background())
			}
		},
	}
}

func stateParts(st *ops.State) (wazero.Runtime, *table, error) {
	rv, ok := st.Get(runtimeKey)
	if !ok {
		return nil, nil, fmt.Errorf("wasm runtime not initialized")
	}
	tv, ok := st.Get(tableKey)
	if !ok {
		return nil, nil, fmt.Errorf("wasm table not initialized")
	}
	return rv.(wazero.Runtime), tv.(*table), nil
}

func instantiate(ctx context.Context, rt wazero.Runtime, tbl *table, bin []byte) (int64, error) {
	mod, err := rt.Instantiate(ctx, bin)
	if err != nil {
		return 0, fmt.Errorf("instantiate wasm module: %w", err)
	}
	return tbl.insert(&instance{bin: bin, mod: mod}), nil
}

func opCompile(ctx context.Context, st *ops.State, args []any) (any, error) {
	rt, tbl, err := stateParts(st)
	if err != nil {
		return nil, err
	}
	b64, _ := argString(args, 0)
	bin, err := base64.StdEncoding.DecodeString(b64)
	if err != nil {
		return nil, fmt.Errorf("decode wasm binary: %w", err)
	}
	return instantiate(ctx, rt, tbl, bin)
}

func opCall(ctx context.Context, st *ops.State, args []any) (any, error) {
	_, tbl, err := stateParts(st)
	if err != nil {
		return nil, err
	}
	handle, _ := argInt(args, 0)
	name, _ := argString(args, 1)

	inst, ok := tbl.get(handle)
	if !ok {
		return nil, fmt.Errorf("unknown wasm handle %d", handle)
	}
	fn := inst.mod.ExportedFunction(name)
	if fn == nil {
		return nil, fmt.Errorf("wasm module exports no function %q", name)
	}

	params := make([]uint64, 0, len(args)-2)
	for _, a := range args[2:] {
		n, ok := argNum(a)
		if !ok {
			return nil, fmt.Errorf("wasm call arguments must be numbers")
		}
		params = append(params, api.EncodeI64(n))
	}
	results, err := fn.Call(ctx, params...)
	if err != nil {
		return nil, err
	}
	if len(results) == 0 {
		return nil, nil
	}
	return api.DecodeI32(results[0]), nil
}

func opTransfer(ctx context.Context, st *ops.State, args []any) (any, error) {
	_, tbl, err := stateParts(st)
	if err != nil {
		return nil, err
	}
	handle, _ := argInt(args, 0)
	inst, ok := tbl.get(handle)
	if !ok {
		return nil, fmt.Errorf("unknown wasm handle %d", handle)
	}
	id, err := resource.Modules.Insert(inst.bin)
	if err != nil {
		return nil, err
	}
	return int64(id), nil
}

func opAdopt(ctx context.Context, st *ops.State, args []any) (any, error) {
	rt, tbl, err := stateParts(st)
	if err != nil {
		return nil, err
	}
	id, _ := argInt(args, 0)
	v, ok := resource.Modules.Take(resource.Handle(id))
	if !ok {
		return nil, fmt.Errorf("transfer id %d not found or already adopted", id)
	}
	return instantiate(ctx, rt, tbl, v.([]byte))
}

func argString(args []any, i int) (string, bool) {
	if i >= len(args) {
		return "", false
	}
	s, ok := args[i].(string)
	return s, ok
}

func argInt(args []any, i int) (int64, bool) {
	if i >= len(args) {
		return 0, false
	}
	return argNum(args[i])
}

func argNum(v any) (int64, bool) {
	switch n := v.(type) {
	case int64:
		return n, true
	case float64:
		return int64(n), true
	}
	return 0, false
}
