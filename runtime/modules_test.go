package runtime

import (
	"context"
	stderrors "errors"
	"strings"
	"testing"
	"time"

	jserrors "github.com/wippyai/js-runtime/errors"
	"github.com/wippyai/js-runtime/linker"
	"github.com/wippyai/js-runtime/loader"
)

// gateLoader holds the fetch of one specifier until release is closed.
type gateLoader struct {
	*loader.StaticLoader
	gated   string
	release chan struct{}
}

func (l *gateLoader) Load(ctx context.Context, specifier, referrer string, isDynamic bool) (linker.Source, error) {
	if specifier == l.gated {
		select {
		case <-l.release:
		case <-ctx.Done():
			return linker.Source{}, ctx.Err()
		}
	}
	return l.StaticLoader.Load(ctx, specifier, referrer, isDynamic)
}

func waitEval(t *testing.T, rt *Runtime, ch <-chan error) error {
	t.Helper()
	if err := rt.RunEventLoop(context.Background(), false); err != nil {
		return err
	}
	select {
	case err := <-ch:
		return err
	case <-time.After(time.Second):
		t.Fatal("evaluation did not settle after loop drained")
		return nil
	}
}

func TestModuleGraphEvaluation(t *testing.T) {
	ld := loader.NewStatic(map[string]linker.Source{
		"/main.js": {Code: `
import { double } from "./math.js";
import cfg from "./config.json";
globalThis.answer = double(cfg.base);
`},
		"/math.js":     {Code: `export function double(n) { return n * 2; }`},
		"/config.json": {Code: `{"base": 21}`, Media: linker.MediaJSON},
	})
	rt := newTestRuntime(t, Options{Loader: ld})

	id, err := rt.LoadMainModule(context.Background(), "/main.js", "")
	if err != nil {
		t.Fatalf("LoadMainModule: %v", err)
	}
	ch, err := rt.ModEvaluate(id)
	if err != nil {
		t.Fatalf("ModEvaluate: %v", err)
	}
	if err := waitEval(t, rt, ch); err != nil {
		t.Fatalf("evaluation: %v", err)
	}
	if v := mustEval(t, rt, "globalThis.answer"); v.(int64) != 42 {
		t.Fatalf("answer = %v, want 42", v)
	}
}

func TestTopLevelAwaitWithOp(t *testing.T) {
	ld := loader.NewStatic(map[string]linker.Source{
		"/main.js": {Code: `
const v = await core.opAsync("op_echo", 21);
globalThis.tla = v;
`},
	})
	rt := newTestRuntime(t, Options{Loader: ld})

	id, err := rt.LoadMainModule(context.Background(), "/main.js", "")
	if err != nil {
		t.Fatalf("LoadMainModule: %v", err)
	}
	ch, err := rt.ModEvaluate(id)
	if err != nil {
		t.Fatalf("ModEvaluate: %v", err)
	}
	if err := waitEval(t, rt, ch); err != nil {
		t.Fatalf("evaluation: %v", err)
	}
	if v := mustEval(t, rt, "globalThis.tla"); v.(int64) != 21 {
		t.Fatalf("tla = %v, want 21", v)
	}
}

func TestTopLevelAwaitRejection(t *testing.T) {
	ld := loader.NewStatic(map[string]linker.Source{
		"/main.js": {Code: `throw new Error("tla exploded");`},
	})
	rt := newTestRuntime(t, Options{Loader: ld})

	id, err := rt.LoadMainModule(context.Background(), "/main.js", "")
	if err != nil {
		t.Fatalf("LoadMainModule: %v", err)
	}
	ch, err := rt.ModEvaluate(id)
	if err != nil {
		t.Fatalf("ModEvaluate: %v", err)
	}
	evalErr := waitEval(t, rt, ch)
	if evalErr == nil || !strings.Contains(evalErr.Error(), "tla exploded") {
		t.Fatalf("evaluation error = %v", evalErr)
	}
}

func TestStalledTopLevelAwait(t *testing.T) {
	ld := loader.NewStatic(map[string]linker.Source{
		"/main.js": {Code: `await new Promise(() => {}); globalThis.never = true;`},
	})
	rt := newTestRuntime(t, Options{Loader: ld})

	id, err := rt.LoadMainModule(context.Background(), "/main.js", "")
	if err != nil {
		t.Fatalf("LoadMainModule: %v", err)
	}
	ch, err := rt.ModEvaluate(id)
	if err != nil {
		t.Fatalf("ModEvaluate: %v", err)
	}

	loopErr := rt.RunEventLoop(context.Background(), false)
	if !jserrors.IsStalled(loopErr) {
		t.Fatalf("RunEventLoop = %v, want stalled", loopErr)
	}
	select {
	case chErr := <-ch:
		if !jserrors.IsStalled(chErr) {
			t.Fatalf("evaluation channel = %v, want stalled", chErr)
		}
	default:
		t.Fatal("evaluation channel did not settle on stall")
	}
}

func TestDynamicImport(t *testing.T) {
	ld := loader.NewStatic(map[string]linker.Source{
		"/main.js": {Code: `
const ns = await import("./lazy.js");
globalThis.lazy = ns.value + ns.default;
`},
		"/lazy.js": {Code: `
export const value = 40;
export default 2;
`},
	})
	rt := newTestRuntime(t, Options{Loader: ld})

	id, err := rt.LoadMainModule(context.Background(), "/main.js", "")
	if err != nil {
		t.Fatalf("LoadMainModule: %v", err)
	}
	if ld.LoadCount("/lazy.js") != 0 {
		t.Fatal("dynamic import target fetched before evaluation")
	}

	ch, err := rt.ModEvaluate(id)
	if err != nil {
		t.Fatalf("ModEvaluate: %v", err)
	}
	if err := waitEval(t, rt, ch); err != nil {
		t.Fatalf("evaluation: %v", err)
	}
	if v := mustEval(t, rt, "globalThis.lazy"); v.(int64) != 42 {
		t.Fatalf("lazy = %v, want 42", v)
	}
	if n := ld.LoadCount("/lazy.js"); n != 1 {
		t.Fatalf("lazy module fetched %d times, want 1", n)
	}
}

func TestDynamicImportFailureRejects(t *testing.T) {
	ld := loader.NewStatic(map[string]linker.Source{
		"/main.js": {Code: `
import("./missing.js").catch(e => { globalThis.dynErr = String(e); });
`},
	})
	rt := newTestRuntime(t, Options{Loader: ld})

	id, err := rt.LoadMainModule(context.Background(), "/main.js", "")
	if err != nil {
		t.Fatalf("LoadMainModule: %v", err)
	}
	ch, err := rt.ModEvaluate(id)
	if err != nil {
		t.Fatalf("ModEvaluate: %v", err)
	}
	if err := waitEval(t, rt, ch); err != nil {
		t.Fatalf("evaluation: %v", err)
	}
	msg := mustEval(t, rt, "globalThis.dynErr").(string)
	if !strings.Contains(msg, "/missing.js") {
		t.Fatalf("rejection = %q", msg)
	}
}

func TestDynamicImportStallGrace(t *testing.T) {
	ld := loader.NewStatic(map[string]linker.Source{
		"/main.js": {Code: `
import("./stuck.js").catch(e => { globalThis.stuckErr = String(e); });
`},
		"/stuck.js": {Code: `await new Promise(() => {});`},
	})
	rt := newTestRuntime(t, Options{Loader: ld, StallGraceTicks: 2})

	id, err := rt.LoadMainModule(context.Background(), "/main.js", "")
	if err != nil {
		t.Fatalf("LoadMainModule: %v", err)
	}
	ch, err := rt.ModEvaluate(id)
	if err != nil {
		t.Fatalf("ModEvaluate: %v", err)
	}
	if err := waitEval(t, rt, ch); err != nil {
		t.Fatalf("evaluation: %v", err)
	}
	msg := mustEval(t, rt, "globalThis.stuckErr").(string)
	if !strings.Contains(msg, "stalled") {
		t.Fatalf("rejection = %q", msg)
	}
}

func TestSecondMainSharesEvaluation(t *testing.T) {
	ld := loader.NewStatic(map[string]linker.Source{
		"/first.js": {Code: `
globalThis.firstRuns = (globalThis.firstRuns || 0) + 1;
export const seen = true;
`},
		"/second.js": {Code: `
const ns = await import("./first.js");
globalThis.shared = ns.seen;
`},
	})
	rt := newTestRuntime(t, Options{Loader: ld})

	first, err := rt.LoadMainModule(context.Background(), "/first.js", "")
	if err != nil {
		t.Fatalf("LoadMainModule first: %v", err)
	}
	ch, err := rt.ModEvaluate(first)
	if err != nil {
		t.Fatalf("ModEvaluate first: %v", err)
	}
	if err := waitEval(t, rt, ch); err != nil {
		t.Fatalf("first evaluation: %v", err)
	}

	second, err := rt.LoadMainModule(context.Background(), "/second.js", "")
	if err != nil {
		t.Fatalf("LoadMainModule second: %v", err)
	}
	ch, err = rt.ModEvaluate(second)
	if err != nil {
		t.Fatalf("ModEvaluate second: %v", err)
	}
	if err := waitEval(t, rt, ch); err != nil {
		t.Fatalf("second evaluation: %v", err)
	}

	if v := mustEval(t, rt, "globalThis.firstRuns"); v.(int64) != 1 {
		t.Fatalf("first module ran %v times, want 1", v)
	}
	if v := mustEval(t, rt, "globalThis.shared"); v.(bool) != true {
		t.Fatal("second main did not observe the shared namespace")
	}
}

func TestConcurrentDynamicImportsShareInFlightFetch(t *testing.T) {
	gate := &gateLoader{
		StaticLoader: loader.NewStatic(map[string]linker.Source{
			"/main.js": {Code: `
globalThis.results = [];
import("./a.js").then(ns => results.push("a:" + ns.tag), e => results.push("a:" + String(e)));
import("./b.js").then(ns => results.push("b:" + ns.tag), e => results.push("b:" + String(e)));
`},
			"/a.js":      {Code: `import { s } from "./shared.js"; export const tag = s;`},
			"/b.js":      {Code: `import { s } from "./shared.js"; export const tag = s;`},
			"/shared.js": {Code: `export const s = "ok";`},
		}),
		gated:   "/shared.js",
		release: make(chan struct{}),
	}
	rt := newTestRuntime(t, Options{Loader: gate})

	id, err := rt.LoadMainModule(context.Background(), "/main.js", "")
	if err != nil {
		t.Fatalf("LoadMainModule: %v", err)
	}
	ch, err := rt.ModEvaluate(id)
	if err != nil {
		t.Fatalf("ModEvaluate: %v", err)
	}

	// Whichever import wins the race owns the /shared.js fetch; the other
	// must wait for it, not fail its link.
	time.AfterFunc(30*time.Millisecond, func() { close(gate.release) })
	if err := waitEval(t, rt, ch); err != nil {
		t.Fatalf("evaluation: %v", err)
	}

	got := mustEval(t, rt, `globalThis.results.slice().sort().join(",")`).(string)
	if got != "a:ok,b:ok" {
		t.Fatalf("dynamic imports settled as %q, want both ok", got)
	}
	if n := gate.LoadCount("/shared.js"); n != 1 {
		t.Fatalf("shared module fetched %d times, want 1", n)
	}
}

func TestDynamicImportNotStarvedByBusyWorkers(t *testing.T) {
	ld := loader.NewStatic(map[string]linker.Source{
		"/main.js": {Code: `
const hang = core.opAsync("op_hang");
hang.catch(() => {});
core.unrefOp(hang);
const ns = await import("./lazy.js");
globalThis.lazy = ns.value;
`},
		"/lazy.js": {Code: `export const value = 7;`},
	})
	rt := newTestRuntime(t, Options{Loader: ld, OpWorkers: 1})

	id, err := rt.LoadMainModule(context.Background(), "/main.js", "")
	if err != nil {
		t.Fatalf("LoadMainModule: %v", err)
	}
	ch, err := rt.ModEvaluate(id)
	if err != nil {
		t.Fatalf("ModEvaluate: %v", err)
	}
	// op_hang occupies the only op worker; the graph load must not queue
	// behind it.
	if err := waitEval(t, rt, ch); err != nil {
		t.Fatalf("evaluation: %v", err)
	}
	if v := mustEval(t, rt, "globalThis.lazy"); v.(int64) != 7 {
		t.Fatalf("lazy = %v, want 7", v)
	}
}

func TestMainModuleRedirectToRegisteredModule(t *testing.T) {
	ld := loader.NewStatic(map[string]linker.Source{
		"/real.js":  {Code: `export const v = 1;`},
		"/alias.js": {Code: `export const v = 1;`, Specifier: "/real.js"},
	})
	rt := newTestRuntime(t, Options{Loader: ld})

	realID, err := rt.LoadSideModule(context.Background(), "/real.js", "")
	if err != nil {
		t.Fatalf("LoadSideModule: %v", err)
	}
	aliasID, err := rt.LoadMainModule(context.Background(), "/alias.js", "")
	if err != nil {
		t.Fatalf("LoadMainModule: %v", err)
	}
	if aliasID != realID {
		t.Fatalf("redirected load returned id %d, want canonical %d", aliasID, realID)
	}
	ch, err := rt.ModEvaluate(aliasID)
	if err != nil {
		t.Fatalf("ModEvaluate: %v", err)
	}
	if err := waitEval(t, rt, ch); err != nil {
		t.Fatalf("evaluation: %v", err)
	}
}

func TestEvaluateTwiceRunsOnce(t *testing.T) {
	ld := loader.NewStatic(map[string]linker.Source{
		"/main.js": {Code: `
globalThis.count = (globalThis.count || 0) + 1;
export const ok = true;
`},
	})
	rt := newTestRuntime(t, Options{Loader: ld})

	id, err := rt.LoadMainModule(context.Background(), "/main.js", "")
	if err != nil {
		t.Fatalf("LoadMainModule: %v", err)
	}
	for i := 0; i < 2; i++ {
		ch, err := rt.ModEvaluate(id)
		if err != nil {
			t.Fatalf("ModEvaluate #%d: %v", i, err)
		}
		if err := waitEval(t, rt, ch); err != nil {
			t.Fatalf("evaluation #%d: %v", i, err)
		}
	}
	if v := mustEval(t, rt, "globalThis.count"); v.(int64) != 1 {
		t.Fatalf("module body ran %v times, want 1", v)
	}
}

func TestSnapshotRestore(t *testing.T) {
	ld := loader.NewStatic(map[string]linker.Source{
		"/main.js": {Code: `
import { n } from "./dep.js";
globalThis.restored = n;
`},
		"/dep.js": {Code: `export const n = 7;`},
	})

	src, err := New(context.Background(), Options{Loader: ld, WillSnapshot: true})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if _, err := src.LoadMainModule(context.Background(), "/main.js", ""); err != nil {
		t.Fatalf("LoadMainModule: %v", err)
	}
	srcID := src.ID()

	blob, err := src.Snapshot()
	if err != nil {
		t.Fatalf("Snapshot: %v", err)
	}

	// The snapshotted runtime is consumed.
	_, err = src.ExecuteScript("x.js", "1")
	if !stderrors.Is(err, &jserrors.Error{Phase: jserrors.PhaseSnapshot, Kind: jserrors.KindConsumed}) {
		t.Fatalf("post-snapshot use = %v, want consumed", err)
	}
	if _, err := src.Snapshot(); err == nil {
		t.Fatal("second Snapshot must fail")
	}

	// Restore without any loader: the graph must come from the blob alone.
	rt := newTestRuntime(t, Options{Snapshot: blob})
	if rt.ID() != srcID {
		t.Fatalf("restored id = %v, want %v", rt.ID(), srcID)
	}

	mod, err := rt.Modules().Get("/main.js")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	ch, err := rt.ModEvaluate(mod.ID)
	if err != nil {
		t.Fatalf("ModEvaluate: %v", err)
	}
	if err := waitEval(t, rt, ch); err != nil {
		t.Fatalf("evaluation: %v", err)
	}
	if v := mustEval(t, rt, "globalThis.restored"); v.(int64) != 7 {
		t.Fatalf("restored = %v, want 7", v)
	}
}

func TestSnapshotRestoreKeepsModuleIDs(t *testing.T) {
	ld := loader.NewStatic(map[string]linker.Source{
		"/dep.js":   {Code: `export const n = 5;`},
		"/alias.js": {Code: `export const n = 5;`, Specifier: "/dep.js"},
		"/main.js":  {Code: `import { n } from "./alias.js"; globalThis.n = n;`},
	})

	src, err := New(context.Background(), Options{Loader: ld, WillSnapshot: true})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	depID, err := src.LoadSideModule(context.Background(), "/dep.js", "")
	if err != nil {
		t.Fatalf("LoadSideModule dep: %v", err)
	}
	// The alias leaves a redirect placeholder behind, so recorded ids have
	// a gap the restore must preserve.
	if _, err := src.LoadSideModule(context.Background(), "/alias.js", ""); err != nil {
		t.Fatalf("LoadSideModule alias: %v", err)
	}
	mainID, err := src.LoadMainModule(context.Background(), "/main.js", "")
	if err != nil {
		t.Fatalf("LoadMainModule: %v", err)
	}

	blob, err := src.Snapshot()
	if err != nil {
		t.Fatalf("Snapshot: %v", err)
	}

	rt := newTestRuntime(t, Options{Snapshot: blob})
	dep, err := rt.Modules().Get("/dep.js")
	if err != nil {
		t.Fatalf("Get dep: %v", err)
	}
	if dep.ID != depID {
		t.Fatalf("restored dep id = %d, want %d", dep.ID, depID)
	}
	main, err := rt.Modules().Get("/main.js")
	if err != nil {
		t.Fatalf("Get main: %v", err)
	}
	if main.ID != mainID {
		t.Fatalf("restored main id = %d, want %d", main.ID, mainID)
	}

	// Ids held across the snapshot still evaluate.
	ch, err := rt.ModEvaluate(mainID)
	if err != nil {
		t.Fatalf("ModEvaluate: %v", err)
	}
	if err := waitEval(t, rt, ch); err != nil {
		t.Fatalf("evaluation: %v", err)
	}
	if v := mustEval(t, rt, "globalThis.n"); v.(int64) != 5 {
		t.Fatalf("n = %v, want 5", v)
	}
}

func TestModuleLoadWithoutLoader(t *testing.T) {
	rt := newTestRuntime(t, Options{})
	if _, err := rt.LoadMainModule(context.Background(), "/main.js", ""); err == nil {
		t.Fatal("expected error without a loader")
	}
}

func TestInlineMainModule(t *testing.T) {
	rt := newTestRuntime(t, Options{Loader: loader.NewStatic(nil)})

	id, err := rt.LoadMainModule(context.Background(), "/inline.js", `globalThis.inline = import.meta.main;`)
	if err != nil {
		t.Fatalf("LoadMainModule: %v", err)
	}
	ch, err := rt.ModEvaluate(id)
	if err != nil {
		t.Fatalf("ModEvaluate: %v", err)
	}
	if err := waitEval(t, rt, ch); err != nil {
		t.Fatalf("evaluation: %v", err)
	}
	if v := mustEval(t, rt, "globalThis.inline"); v.(bool) != true {
		t.Fatalf("import.meta.main = %v, want true", v)
	}
}
