package linker

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/dop251/goja"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/wippyai/js-runtime/errors"
)

// Map is the module registry: every fetched module keyed by canonical
// specifier, plus the redirect table built up while following loader
// redirects. Queries run on the VM goroutine; graph loading fetches
// independent subtrees concurrently, with the map's own bookkeeping
// guarded by mu.
type Map struct {
	mu          sync.Mutex
	loader      ModuleLoader
	log         *zap.Logger
	byID        []*Module
	bySpecifier map[string]ModuleID
	redirects   map[string]string
}

// NewMap creates an empty module map backed by loader. log may be nil.
func NewMap(loader ModuleLoader, log *zap.Logger) *Map {
	if log == nil {
		log = zap.NewNop()
	}
	return &Map{
		loader:      loader,
		log:         log,
		bySpecifier: make(map[string]ModuleID),
		redirects:   make(map[string]string),
	}
}

// Len returns the number of registered modules, redirect entries included.
func (m *Map) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, mod := range m.byID {
		if mod != nil {
			n++
		}
	}
	return n
}

// Modules returns a snapshot of the registered modules in id order. Restore
// can leave id gaps; evicted entries leave stale slots. Neither appears here.
func (m *Map) Modules() []*Module {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*Module, 0, len(m.byID))
	for _, mod := range m.byID {
		if mod != nil && m.bySpecifier[mod.Specifier] == mod.ID {
			out = append(out, mod)
		}
	}
	return out
}

// Redirects returns a copy of the redirect table.
func (m *Map) Redirects() map[string]string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]string, len(m.redirects))
	for k, v := range m.redirects {
		out[k] = v
	}
	return out
}

// ByID returns the module with the given id, or nil.
func (m *Map) ByID(id ModuleID) *Module {
	m.mu.Lock()
	defer m.mu.Unlock()
	if int(id) < 0 || int(id) >= len(m.byID) {
		return nil
	}
	return m.byID[id]
}

// Get returns the module registered under specifier, following redirect
// chains transitively. A chain that loops yields a redirect-cycle error.
func (m *Map) Get(specifier string) (*Module, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	mod, ok, err := m.resolveLocked(specifier)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, errors.NotFound(errors.PhaseResolve, "module", specifier)
	}
	return mod, nil
}

// AddRedirect registers that requests for from are served by to.
func (m *Map) AddRedirect(from, to string) {
	if from == to {
		return
	}
	m.mu.Lock()
	m.redirects[from] = to
	m.mu.Unlock()
}

func (m *Map) resolveLocked(specifier string) (*Module, bool, error) {
	seen := map[string]bool{}
	for {
		if seen[specifier] {
			return nil, false, errors.RedirectCycle(specifier)
		}
		seen[specifier] = true
		next, ok := m.redirects[specifier]
		if !ok {
			break
		}
		specifier = next
	}
	id, ok := m.bySpecifier[specifier]
	if !ok {
		return nil, false, nil
	}
	return m.byID[id], true, nil
}

func (m *Map) insertLocked(specifier string, main bool) *Module {
	mod := &Module{
		ID:        ModuleID(len(m.byID)),
		Specifier: specifier,
		Status:    StatusFetching,
		Main:      main,
		fetched:   make(chan struct{}),
	}
	m.byID = append(m.byID, mod)
	m.bySpecifier[specifier] = mod.ID
	return mod
}

// evictLocked unregisters a module whose fetch was cancelled rather than
// refused, so a later load retries instead of replaying the cancellation.
// The byID slot keeps the dead entry; ids are never reused.
func (m *Map) evictLocked(mod *Module) {
	if id, ok := m.bySpecifier[mod.Specifier]; ok && id == mod.ID {
		delete(m.bySpecifier, mod.Specifier)
	}
}

// LoadMain loads the entry-point module and its full static dependency
// graph. code, when non-empty, is used as the module source instead of
// calling the loader for the root.
func (m *Map) LoadMain(ctx context.Context, specifier, code string) (ModuleID, error) {
	return m.load(ctx, specifier, "", code, true, ResolveMain)
}

// LoadSide loads a non-main module and its graph, for code that must be in
// the map (e.g. ahead of snapshotting) without being an entry point.
func (m *Map) LoadSide(ctx context.Context, specifier, code string) (ModuleID, error) {
	return m.load(ctx, specifier, "", code, false, ResolveStatic)
}

// LoadDynamic loads the target of an import() call evaluated at runtime.
func (m *Map) LoadDynamic(ctx context.Context, specifier, referrer string) (ModuleID, error) {
	return m.load(ctx, specifier, referrer, "", false, ResolveDynamic)
}

func (m *Map) load(ctx context.Context, specifier, referrer, code string, main bool, kind ResolutionKind) (ModuleID, error) {
	resolved, err := m.loader.Resolve(specifier, referrer, kind)
	if err != nil {
		return 0, errors.ResolveFailed(specifier, referrer, err)
	}

	m.mu.Lock()
	if mod, ok, rerr := m.resolveLocked(resolved); rerr != nil {
		m.mu.Unlock()
		return 0, rerr
	} else if ok {
		m.mu.Unlock()
		if main && !mod.Main {
			return 0, errors.InvalidInput(errors.PhaseFetch,
				fmt.Sprintf("module %q is already registered as a side module", resolved))
		}
		// A sibling load may still own this subtree's fetches; overlapping
		// loads return only once the shared graph is complete.
		if err := m.awaitSubtree(ctx, mod, make(map[ModuleID]bool)); err != nil {
			return mod.ID, err
		}
		return mod.ID, nil
	}
	root := m.insertLocked(resolved, main)
	m.mu.Unlock()

	m.log.Debug("loading module graph",
		zap.String("specifier", resolved),
		zap.Bool("main", main))

	dynamic := kind == ResolveDynamic
	g, gctx := errgroup.WithContext(ctx)
	if code != "" {
		if err := m.ingest(root, Source{Code: code, Media: MediaJavaScript}); err != nil {
			_ = g.Wait()
			return root.ID, err
		}
		m.descend(gctx, g, root, dynamic)
		root.markFetched()
	} else {
		g.Go(func() error {
			return m.fetchAndDescend(gctx, g, root, referrer, dynamic)
		})
	}
	if err := g.Wait(); err != nil {
		return root.ID, err
	}

	// A loader redirect may have re-routed the requested specifier to a
	// module that was already registered; the placeholder id is dead then,
	// so hand back the canonical module's id.
	m.mu.Lock()
	final, ok, rerr := m.resolveLocked(resolved)
	m.mu.Unlock()
	if rerr != nil {
		return root.ID, rerr
	}
	if ok {
		return final.ID, nil
	}
	return root.ID, nil
}

// awaitSubtree blocks until mod and every module reachable through its
// static requests has finished fetching, propagating the first fetch error.
// Request lists are registered before a module's fetch settles, so the walk
// observes the complete graph.
func (m *Map) awaitSubtree(ctx context.Context, mod *Module, seen map[ModuleID]bool) error {
	if seen[mod.ID] {
		return nil
	}
	seen[mod.ID] = true

	select {
	case <-mod.fetched:
	case <-ctx.Done():
		return ctx.Err()
	}
	if mod.fetchErr != nil {
		return mod.fetchErr
	}
	if mod.redirectTo != "" {
		target, err := m.Get(mod.redirectTo)
		if err != nil {
			return err
		}
		return m.awaitSubtree(ctx, target, seen)
	}
	for _, req := range mod.Requests {
		child, err := m.Get(req)
		if err != nil {
			return err
		}
		if err := m.awaitSubtree(ctx, child, seen); err != nil {
			return err
		}
	}
	return nil
}

// fetchAndDescend fetches one module, then schedules fetches for its not
// yet registered requests. Each module is owned by exactly one goroutine
// until the surrounding errgroup drains.
func (m *Map) fetchAndDescend(ctx context.Context, g *errgroup.Group, mod *Module, referrer string, dynamic bool) error {
	src, err := m.loader.Load(ctx, mod.Specifier, referrer, dynamic)
	if err != nil {
		e := errors.LoadFailed(mod.Specifier, err)
		if ctx.Err() != nil {
			// A cancelled fetch is no verdict on the module, usually a
			// sibling's failure tearing down the errgroup. Unregister the
			// entry so a later load retries it.
			m.mu.Lock()
			m.evictLocked(mod)
			m.mu.Unlock()
		}
		mod.fail(StatusFetchError, e)
		return e
	}

	if src.Specifier != "" && src.Specifier != mod.Specifier {
		requested := mod.Specifier
		m.mu.Lock()
		m.redirects[requested] = src.Specifier
		if _, ok := m.bySpecifier[src.Specifier]; ok {
			delete(m.bySpecifier, requested)
			m.mu.Unlock()
			m.log.Debug("module redirect joined existing entry",
				zap.String("from", requested),
				zap.String("to", src.Specifier))
			mod.redirectTo = src.Specifier
			mod.fail(StatusRedirect, nil)
			return nil
		}
		// Re-key this entry under its canonical specifier.
		delete(m.bySpecifier, requested)
		m.bySpecifier[src.Specifier] = mod.ID
		mod.Specifier = src.Specifier
		m.mu.Unlock()
	}

	if err := m.ingest(mod, src); err != nil {
		return err
	}
	m.descend(ctx, g, mod, dynamic)
	mod.markFetched()
	return nil
}

// ingest transforms the fetched source and resolves its static requests.
// Resolved specifiers are baked back into the transformed code so that
// evaluation never needs the loader again.
func (m *Map) ingest(mod *Module, src Source) error {
	transformed, raws, err := Transform(mod.Specifier, src.Code, src.Media)
	if err != nil {
		mod.fail(StatusFetchError, err)
		return err
	}
	mod.Source = src.Code
	mod.Media = src.Media

	requests := make([]string, 0, len(raws))
	for _, raw := range raws {
		resolved, err := m.loader.Resolve(raw, mod.Specifier, ResolveStatic)
		if err != nil {
			e := errors.ResolveFailed(raw, mod.Specifier, err)
			mod.fail(StatusFetchError, e)
			return e
		}
		if resolved != raw {
			transformed = strings.ReplaceAll(transformed,
				fmt.Sprintf("__import(%q)", raw),
				fmt.Sprintf("__import(%q)", resolved))
		}
		requests = append(requests, resolved)
	}
	mod.Transformed = transformed
	mod.Requests = requests
	mod.advance(StatusResolved)
	return nil
}

// descend registers the module's requests, schedules fetches for the ones
// not seen before, and waits out the ones a sibling load is fetching.
func (m *Map) descend(ctx context.Context, g *errgroup.Group, mod *Module, dynamic bool) {
	for _, req := range mod.Requests {
		m.mu.Lock()
		existing, known, rerr := m.resolveLocked(req)
		if rerr != nil {
			m.mu.Unlock()
			continue
		}
		if known {
			m.mu.Unlock()
			g.Go(func() error {
				return m.awaitSubtree(ctx, existing, make(map[ModuleID]bool))
			})
			continue
		}
		child := m.insertLocked(req, false)
		m.mu.Unlock()

		referrer := mod.Specifier
		g.Go(func() error {
			return m.fetchAndDescend(ctx, g, child, referrer, dynamic)
		})
	}
}

// Instantiate compiles the module and its transitive requests, verifying
// every request resolves to a loaded module. Idempotent for already
// instantiated subtrees.
func (m *Map) Instantiate(id ModuleID) error {
	mod := m.ByID(id)
	if mod == nil {
		return errors.NotFound(errors.PhaseLink, "module id", fmt.Sprint(id))
	}
	return m.instantiate(mod, make(map[ModuleID]bool))
}

func (m *Map) instantiate(mod *Module, seen map[ModuleID]bool) error {
	if seen[mod.ID] {
		return nil
	}
	seen[mod.ID] = true

	switch mod.Status {
	case StatusFetchError, StatusEvaluationError:
		return mod.Err
	case StatusInstantiated, StatusEvaluating, StatusEvaluated, StatusRedirect:
		return nil
	case StatusFetching:
		return errors.LinkFailed(mod.Specifier, "module graph load did not complete")
	}

	for _, req := range mod.Requests {
		child, err := m.Get(req)
		if err != nil {
			return errors.LinkFailed(mod.Specifier, fmt.Sprintf("request %q is not in the module map", req))
		}
		if err := m.instantiate(child, seen); err != nil {
			return err
		}
	}

	prog, err := goja.Compile(mod.Specifier, mod.Transformed, false)
	if err != nil {
		return errors.New(errors.PhaseLink, errors.KindLink).
			Specifier(mod.Specifier).
			Detail("compile transformed module").
			Cause(err).
			Build()
	}
	mod.Program = prog
	mod.advance(StatusInstantiated)
	return nil
}

// Inject registers a module restored from a snapshot without consulting the
// loader, placed at the id recorded at snapshot time so ids stay valid
// across restore. requests must carry the resolved specifiers recorded at
// snapshot time, in declaration order.
func (m *Map) Inject(id ModuleID, specifier string, main bool, media MediaKind, source string, requests []string) error {
	transformed, raws, err := Transform(specifier, source, media)
	if err != nil {
		return err
	}
	if len(raws) != len(requests) {
		return errors.InvalidInput(errors.PhaseSnapshot,
			fmt.Sprintf("module %q: snapshot records %d requests, source declares %d", specifier, len(requests), len(raws)))
	}
	for i := range raws {
		if raws[i] != requests[i] {
			transformed = strings.ReplaceAll(transformed,
				fmt.Sprintf("__import(%q)", raws[i]),
				fmt.Sprintf("__import(%q)", requests[i]))
		}
	}

	m.mu.Lock()
	if id < 0 {
		m.mu.Unlock()
		return errors.InvalidInput(errors.PhaseSnapshot,
			fmt.Sprintf("module %q restored with negative id %d", specifier, id))
	}
	if _, exists := m.bySpecifier[specifier]; exists {
		m.mu.Unlock()
		return errors.InvalidInput(errors.PhaseSnapshot,
			fmt.Sprintf("module %q restored twice", specifier))
	}
	for int(id) >= len(m.byID) {
		m.byID = append(m.byID, nil)
	}
	if m.byID[id] != nil {
		m.mu.Unlock()
		return errors.InvalidInput(errors.PhaseSnapshot,
			fmt.Sprintf("module %q restored at occupied id %d", specifier, id))
	}
	mod := &Module{
		ID:        id,
		Specifier: specifier,
		Status:    StatusFetching,
		Main:      main,
		fetched:   make(chan struct{}),
	}
	m.byID[id] = mod
	m.bySpecifier[specifier] = id
	m.mu.Unlock()

	mod.Source = source
	mod.Media = media
	mod.Transformed = transformed
	mod.Requests = requests
	mod.advance(StatusResolved)
	mod.markFetched()
	return nil
}
