package wasmops

import (
	"context"
	"encoding/base64"
	"testing"

	"github.com/wippyai/js-runtime/ops"
)

// addWasm is a minimal module exporting add(i32, i32) -> i32.
var addWasm = []byte{
	0x00, 0x61, 0x73, 0x6d, 0x01, 0x00, 0x00, 0x00,
	0x01, 0x07, 0x01, 0x60, 0x02, 0x7f, 0x7f, 0x01, 0x7f,
	0x03, 0x02, 0x01, 0x00,
	0x07, 0x07, 0x01, 0x03, 0x61, 0x64, 0x64, 0x00, 0x00,
	0x0a, 0x09, 0x01, 0x07, 0x00, 0x20, 0x00, 0x20, 0x01, 0x6a, 0x0b,
}

func newState(t *testing.T) *ops.State {
	t.Helper()
	ext := New()
	st := ops.NewState(nil)
	ext.InitState(st)
	t.Cleanup(func() { ext.TeardownState(st) })
	return st
}

func TestCompileAndCall(t *testing.T) {
	st := newState(t)
	ctx := context.Background()

	h, err := opCompile(ctx, st, []any{base64.StdEncoding.EncodeToString(addWasm)})
	if err != nil {
		t.Fatalf("opCompile: %v", err)
	}

	res, err := opCall(ctx, st, []any{h, "add", int64(2), int64(3)})
	if err != nil {
		t.Fatalf("opCall: %v", err)
	}
	if res.(int32) != 5 {
		t.Fatalf("add(2, 3) = %v, want 5", res)
	}

	if _, err := opCall(ctx, st, []any{h, "missing"}); err == nil {
		t.Fatal("expected error for unknown export")
	}
	if _, err := opCall(ctx, st, []any{int64(99), "add"}); err == nil {
		t.Fatal("expected error for unknown handle")
	}
}

func TestCompile_RejectsBadInput(t *testing.T) {
	st := newState(t)
	ctx := context.Background()

	if _, err := opCompile(ctx, st, []any{"not base64!!"}); err == nil {
		t.Fatal("expected base64 error")
	}
	if _, err := opCompile(ctx, st, []any{base64.StdEncoding.EncodeToString([]byte("junk"))}); err == nil {
		t.Fatal("expected instantiation error")
	}
}

func TestTransferAdopt(t *testing.T) {
	sender := newState(t)
	receiver := newState(t)
	ctx := context.Background()

	h, err := opCompile(ctx, sender, []any{base64.StdEncoding.EncodeToString(addWasm)})
	if err != nil {
		t.Fatalf("opCompile: %v", err)
	}
	id, err := opTransfer(ctx, sender, []any{h})
	if err != nil {
		t.Fatalf("opTransfer: %v", err)
	}

	h2, err := opAdopt(ctx, receiver, []any{id})
	if err != nil {
		t.Fatalf("opAdopt: %v", err)
	}
	res, err := opCall(ctx, receiver, []any{h2, "add", int64(20), int64(22)})
	if err != nil {
		t.Fatalf("opCall after adopt: %v", err)
	}
	if res.(int32) != 42 {
		t.Fatalf("add(20, 22) = %v, want 42", res)
	}

	// One-shot transfer.
	if _, err := opAdopt(ctx, receiver, []any{id}); err == nil {
		t.Fatal("expected error adopting the same transfer twice")
	}
}
