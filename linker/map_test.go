package linker

import (
	"context"
	stderrors "errors"
	"fmt"
	"path"
	"strings"
	"sync"
	"testing"
	"time"

	jserrors "github.com/wippyai/js-runtime/errors"
)

// memLoader serves modules from memory and counts Load calls per specifier.
type memLoader struct {
	mu    sync.Mutex
	src   map[string]Source
	loads map[string]int
}

func newMemLoader(src map[string]Source) *memLoader {
	return &memLoader{src: src, loads: make(map[string]int)}
}

func (l *memLoader) Resolve(specifier, referrer string, kind ResolutionKind) (string, error) {
	if strings.HasPrefix(specifier, "./") && referrer != "" {
		return path.Join(path.Dir(referrer), specifier), nil
	}
	return specifier, nil
}

func (l *memLoader) Load(ctx context.Context, specifier, referrer string, isDynamic bool) (Source, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.loads[specifier]++
	s, ok := l.src[specifier]
	if !ok {
		return Source{}, fmt.Errorf("module not found")
	}
	return s, nil
}

func (l *memLoader) loadCount(specifier string) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.loads[specifier]
}

// blockingLoader delays the fetch of one specifier until release is closed.
// started is closed when that fetch begins.
type blockingLoader struct {
	*memLoader
	block     string
	started   chan struct{}
	startOnce sync.Once
	release   chan struct{}
}

func newBlockingLoader(src map[string]Source, block string) *blockingLoader {
	return &blockingLoader{
		memLoader: newMemLoader(src),
		block:     block,
		started:   make(chan struct{}),
		release:   make(chan struct{}),
	}
}

func (l *blockingLoader) Load(ctx context.Context, specifier, referrer string, isDynamic bool) (Source, error) {
	if specifier == l.block {
		l.startOnce.Do(func() { close(l.started) })
		select {
		case <-l.release:
		case <-ctx.Done():
			return Source{}, ctx.Err()
		}
	}
	return l.memLoader.Load(ctx, specifier, referrer, isDynamic)
}

func TestMap_LoadGraph(t *testing.T) {
	loader := newMemLoader(map[string]Source{
		"/main.js": {Code: `import "./a.js"; import "./b.js"; export const main = 1;`},
		"/a.js":    {Code: `import "./c.js"; export const a = 1;`},
		"/b.js":    {Code: `import "./c.js"; export const b = 1;`},
		"/c.js":    {Code: `export const c = 1;`},
	})
	m := NewMap(loader, nil)

	id, err := m.LoadMain(context.Background(), "/main.js", "")
	if err != nil {
		t.Fatalf("LoadMain: %v", err)
	}

	if m.Len() != 4 {
		t.Fatalf("expected 4 modules, got %d", m.Len())
	}
	if n := loader.loadCount("/c.js"); n != 1 {
		t.Fatalf("shared dependency fetched %d times, want 1", n)
	}

	main := m.ByID(id)
	if main == nil || !main.Main || main.Status != StatusResolved {
		t.Fatalf("unexpected main module state: %+v", main)
	}
	if len(main.Requests) != 2 || main.Requests[0] != "/a.js" || main.Requests[1] != "/b.js" {
		t.Fatalf("main requests = %v", main.Requests)
	}
	if !strings.Contains(main.Transformed, `__import("/a.js")`) {
		t.Fatalf("resolved specifier not baked into transformed code:\n%s", main.Transformed)
	}
}

func TestMap_LoadMainWithInlineCode(t *testing.T) {
	loader := newMemLoader(map[string]Source{
		"/dep.js": {Code: `export const d = 1;`},
	})
	m := NewMap(loader, nil)

	id, err := m.LoadMain(context.Background(), "/main.js", `import "/dep.js";`)
	if err != nil {
		t.Fatalf("LoadMain: %v", err)
	}
	if loader.loadCount("/main.js") != 0 {
		t.Fatal("inline main must not hit the loader")
	}
	if loader.loadCount("/dep.js") != 1 {
		t.Fatal("dependency of inline main was not fetched")
	}
	if m.ByID(id).Status != StatusResolved {
		t.Fatalf("main status = %v", m.ByID(id).Status)
	}
}

func TestMap_FetchErrorPropagates(t *testing.T) {
	loader := newMemLoader(map[string]Source{
		"/main.js": {Code: `import "/missing.js";`},
	})
	m := NewMap(loader, nil)

	_, err := m.LoadMain(context.Background(), "/main.js", "")
	if err == nil {
		t.Fatal("expected load error")
	}
	var je *jserrors.Error
	if !stderrors.As(err, &je) || je.Kind != jserrors.KindModuleLoad {
		t.Fatalf("unexpected error: %v", err)
	}

	missing, gerr := m.Get("/missing.js")
	if gerr != nil {
		t.Fatalf("Get: %v", gerr)
	}
	if missing.Status != StatusFetchError || missing.Err == nil {
		t.Fatalf("missing module state = %v err = %v", missing.Status, missing.Err)
	}
}

func TestMap_Redirect(t *testing.T) {
	loader := newMemLoader(map[string]Source{
		"/alias.js": {Code: `export const v = 1;`, Specifier: "/real.js"},
	})
	m := NewMap(loader, nil)

	id, err := m.LoadMain(context.Background(), "/alias.js", "")
	if err != nil {
		t.Fatalf("LoadMain: %v", err)
	}

	mod := m.ByID(id)
	if mod.Specifier != "/real.js" {
		t.Fatalf("module not re-keyed to canonical specifier: %q", mod.Specifier)
	}
	viaAlias, err := m.Get("/alias.js")
	if err != nil {
		t.Fatalf("Get via redirect: %v", err)
	}
	if viaAlias != mod {
		t.Fatal("redirect did not resolve to the canonical module")
	}

	// Loading the canonical specifier again must not refetch.
	if _, err := m.LoadSide(context.Background(), "/real.js", ""); err != nil {
		t.Fatalf("LoadSide: %v", err)
	}
	if loader.loadCount("/real.js") != 0 {
		t.Fatal("canonical specifier was refetched after redirect")
	}
}

func TestMap_OverlappingLoadsWaitForSharedFetch(t *testing.T) {
	loader := newBlockingLoader(map[string]Source{
		"/a.js":      {Code: `import { s } from "./shared.js"; export const a = s;`},
		"/b.js":      {Code: `import { s } from "./shared.js"; export const b = s;`},
		"/shared.js": {Code: `export const s = 1;`},
	}, "/shared.js")
	m := NewMap(loader, nil)

	aDone := make(chan error, 1)
	go func() {
		_, err := m.LoadSide(context.Background(), "/a.js", "")
		aDone <- err
	}()
	<-loader.started

	bDone := make(chan error, 1)
	var bID ModuleID
	go func() {
		id, err := m.LoadSide(context.Background(), "/b.js", "")
		bID = id
		bDone <- err
	}()

	// B reaches /shared.js while A owns its fetch; it must wait, not return.
	select {
	case err := <-bDone:
		t.Fatalf("overlapping load returned before the shared fetch settled: %v", err)
	case <-time.After(50 * time.Millisecond):
	}

	close(loader.release)
	if err := <-aDone; err != nil {
		t.Fatalf("load a: %v", err)
	}
	if err := <-bDone; err != nil {
		t.Fatalf("load b: %v", err)
	}
	if err := m.Instantiate(bID); err != nil {
		t.Fatalf("Instantiate after overlapping load: %v", err)
	}
	if n := loader.loadCount("/shared.js"); n != 1 {
		t.Fatalf("shared module fetched %d times, want 1", n)
	}
}

func TestMap_RedirectJoinsExistingEntry(t *testing.T) {
	loader := newMemLoader(map[string]Source{
		"/real.js":  {Code: `export const v = 1;`},
		"/alias.js": {Code: `export const v = 1;`, Specifier: "/real.js"},
	})
	m := NewMap(loader, nil)

	realID, err := m.LoadSide(context.Background(), "/real.js", "")
	if err != nil {
		t.Fatalf("LoadSide real: %v", err)
	}
	aliasID, err := m.LoadSide(context.Background(), "/alias.js", "")
	if err != nil {
		t.Fatalf("LoadSide alias: %v", err)
	}

	// The alias placeholder joined /real.js; the load must hand back the
	// canonical id, not the dead placeholder.
	if aliasID != realID {
		t.Fatalf("alias load returned id %d, want canonical %d", aliasID, realID)
	}
	if mod := m.ByID(aliasID); mod.Status == StatusRedirect {
		t.Fatalf("returned id points at a redirect placeholder")
	}
	if err := m.Instantiate(aliasID); err != nil {
		t.Fatalf("Instantiate: %v", err)
	}
}

func TestMap_CancelledFetchIsRetried(t *testing.T) {
	loader := newBlockingLoader(map[string]Source{
		"/main.js": {Code: `import "./bad.js"; import "./slow.js";`},
		"/slow.js": {Code: `export const s = 1;`},
	}, "/slow.js")
	m := NewMap(loader, nil)

	// /bad.js fails, cancelling the sibling /slow.js fetch mid-flight.
	if _, err := m.LoadMain(context.Background(), "/main.js", ""); err == nil {
		t.Fatal("expected load error from /bad.js")
	}
	if _, err := m.Get("/slow.js"); err == nil {
		t.Fatal("cancelled fetch left a terminal entry in the map")
	}

	close(loader.release)
	id, err := m.LoadSide(context.Background(), "/slow.js", "")
	if err != nil {
		t.Fatalf("reload after cancellation: %v", err)
	}
	if mod := m.ByID(id); mod.Status != StatusResolved {
		t.Fatalf("reloaded module status = %v", mod.Status)
	}
	if n := loader.loadCount("/slow.js"); n != 1 {
		t.Fatalf("slow module served %d times, want 1", n)
	}
}

func TestMap_RedirectCycle(t *testing.T) {
	m := NewMap(newMemLoader(nil), nil)
	m.AddRedirect("/x.js", "/y.js")
	m.AddRedirect("/y.js", "/x.js")

	_, err := m.Get("/x.js")
	if !stderrors.Is(err, &jserrors.Error{Phase: jserrors.PhaseResolve, Kind: jserrors.KindRedirectCycle}) {
		t.Fatalf("expected redirect cycle error, got %v", err)
	}
}

func TestMap_MainConflictsWithSide(t *testing.T) {
	loader := newMemLoader(map[string]Source{
		"/m.js": {Code: `export const v = 1;`},
	})
	m := NewMap(loader, nil)

	if _, err := m.LoadSide(context.Background(), "/m.js", ""); err != nil {
		t.Fatalf("LoadSide: %v", err)
	}
	if _, err := m.LoadMain(context.Background(), "/m.js", ""); err == nil {
		t.Fatal("expected error loading side module as main")
	}
}

func TestMap_Instantiate(t *testing.T) {
	loader := newMemLoader(map[string]Source{
		"/main.js": {Code: `import { a } from "./a.js"; export const m = a;`},
		"/a.js":    {Code: `export const a = 1;`},
	})
	m := NewMap(loader, nil)

	id, err := m.LoadMain(context.Background(), "/main.js", "")
	if err != nil {
		t.Fatalf("LoadMain: %v", err)
	}
	if err := m.Instantiate(id); err != nil {
		t.Fatalf("Instantiate: %v", err)
	}

	for _, mod := range m.Modules() {
		if mod.Status != StatusInstantiated {
			t.Fatalf("module %q status = %v", mod.Specifier, mod.Status)
		}
		if mod.Program == nil {
			t.Fatalf("module %q has no compiled program", mod.Specifier)
		}
	}

	// Idempotent.
	if err := m.Instantiate(id); err != nil {
		t.Fatalf("second Instantiate: %v", err)
	}
}

func TestMap_InjectRestoresWithoutLoader(t *testing.T) {
	loader := newMemLoader(nil) // any Load call fails
	m := NewMap(loader, nil)

	if err := m.Inject(0, "/main.js", true, MediaJavaScript,
		`import { a } from "/a.js"; export const m = a;`, []string{"/a.js"}); err != nil {
		t.Fatalf("Inject main: %v", err)
	}
	if err := m.Inject(1, "/a.js", false, MediaJavaScript,
		`export const a = 1;`, nil); err != nil {
		t.Fatalf("Inject dep: %v", err)
	}

	main, err := m.Get("/main.js")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if err := m.Instantiate(main.ID); err != nil {
		t.Fatalf("Instantiate: %v", err)
	}
	if loader.loadCount("/main.js") != 0 || loader.loadCount("/a.js") != 0 {
		t.Fatal("restore path consulted the loader")
	}
}

func TestMap_InjectAtRecordedIDs(t *testing.T) {
	loader := newMemLoader(map[string]Source{
		"/new.js": {Code: `export const n = 1;`},
	})
	m := NewMap(loader, nil)

	// Recorded ids may have gaps where the source map held placeholders.
	if err := m.Inject(2, "/dep.js", false, MediaJavaScript, `export const d = 1;`, nil); err != nil {
		t.Fatalf("Inject dep: %v", err)
	}
	if err := m.Inject(5, "/main.js", true, MediaJavaScript,
		`import { d } from "/dep.js"; export const m = d;`, []string{"/dep.js"}); err != nil {
		t.Fatalf("Inject main: %v", err)
	}

	if m.Len() != 2 {
		t.Fatalf("Len = %d, want 2", m.Len())
	}
	if mod := m.ByID(5); mod == nil || mod.Specifier != "/main.js" {
		t.Fatalf("ByID(5) = %+v", mod)
	}
	if mod := m.ByID(3); mod != nil {
		t.Fatalf("gap id resolved to %+v", mod)
	}
	if err := m.Inject(5, "/other.js", false, MediaJavaScript, ``, nil); err == nil {
		t.Fatal("expected error injecting at an occupied id")
	}

	// Fresh loads allocate past the highest restored id.
	id, err := m.LoadSide(context.Background(), "/new.js", "")
	if err != nil {
		t.Fatalf("LoadSide: %v", err)
	}
	if id != 6 {
		t.Fatalf("new module id = %d, want 6", id)
	}
}

func TestModule_BackwardTransitionPanics(t *testing.T) {
	mod := &Module{Specifier: "/m.js", Status: StatusInstantiated}
	defer func() {
		if recover() == nil {
			t.Fatal("expected panic on backward status transition")
		}
	}()
	mod.advance(StatusResolved)
}
