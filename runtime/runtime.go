package runtime

import (
	"context"
	"sort"
	"sync"
	"time"
	"weak"

	"github.com/google/uuid"
	"go.uber.org/atomic"
	"go.uber.org/zap"

	"github.com/wippyai/js-runtime/engine"
	"github.com/wippyai/js-runtime/errors"
	"github.com/wippyai/js-runtime/linker"
	"github.com/wippyai/js-runtime/ops"
	"github.com/wippyai/js-runtime/snapshot"
)

// Runtime ties one engine instance to a module map, an op table, and the
// event loop that drives them. All methods except Terminate, Cancel-
// Termination, and Wake must be called from the goroutine that created it.
type Runtime struct {
	opts Options
	log  *zap.Logger

	eng     *engine.Engine
	modules *linker.Map
	queue   *ops.Queue
	exec    *ops.Executor
	metrics *ops.Metrics

	opTable []ops.Decl
	opIDs   map[string]ops.OpID

	realms []*Realm
	main   *Realm

	wakeCh      chan struct{}
	nextPromise atomic.Int64

	opCtx    context.Context
	opCancel context.CancelFunc

	pendingEvals []*modEvaluation
	dynamic      []*dynamicImport
	loadWG       sync.WaitGroup
	stallGrace   int

	id       uuid.UUID
	consumed bool
	closed   bool
}

// New creates a runtime: engine, module map, op table, main realm. When
// opts.Snapshot is set the module map is re-hydrated from it before any
// script runs, without consulting the loader.
func New(ctx context.Context, opts Options) (*Runtime, error) {
	log := opts.Logger
	if log == nil {
		log = engine.Logger()
	}

	eng, err := engine.New(engine.Config{
		HeapLimit:         opts.HeapLimit,
		HeapCheckInterval: opts.HeapCheckInterval,
		IsMain:            opts.IsMain,
		WillSnapshot:      opts.WillSnapshot,
	})
	if err != nil {
		return nil, err
	}

	metrics, err := ops.NewMetrics(opts.Metrics)
	if err != nil {
		eng.Close()
		return nil, errors.Wrap(errors.PhaseCreate, errors.KindInvalidInput, err, "register metrics")
	}

	grace := opts.StallGraceTicks
	if grace <= 0 {
		grace = 1
	}

	r := &Runtime{
		opts:       opts,
		log:        log,
		eng:        eng,
		exec:       ops.NewExecutor(opts.OpWorkers),
		metrics:    metrics,
		opIDs:      make(map[string]ops.OpID),
		wakeCh:     make(chan struct{}, 1),
		stallGrace: grace,
		id:         uuid.New(),
	}
	r.opCtx, r.opCancel = context.WithCancel(ctx)
	r.queue = ops.NewQueue(r.Wake)

	loader := opts.Loader
	if loader == nil {
		loader = noLoader{}
	}
	r.modules = linker.NewMap(loader, log)

	for _, ext := range opts.Extensions {
		for _, decl := range ext.Ops {
			if _, dup := r.opIDs[decl.Name]; dup {
				eng.Close()
				return nil, errors.InvalidInput(errors.PhaseCreate, "duplicate op name "+decl.Name)
			}
			r.opIDs[decl.Name] = ops.OpID(len(r.opTable))
			r.opTable = append(r.opTable, decl)
		}
	}

	if opts.Snapshot != nil {
		if err := r.restore(opts.Snapshot); err != nil {
			eng.Close()
			return nil, err
		}
	}

	main, err := r.CreateRealm()
	if err != nil {
		eng.Close()
		return nil, err
	}
	r.main = main

	log.Debug("runtime created",
		zap.String("id", r.id.String()),
		zap.Int("ops", len(r.opTable)),
		zap.Bool("restored", opts.Snapshot != nil))
	return r, nil
}

func (r *Runtime) restore(blob []byte) error {
	data, err := snapshot.Decode(blob)
	if err != nil {
		return err
	}
	r.id = uuid.UUID(data.ID)
	for _, m := range data.Modules {
		if err := r.modules.Inject(linker.ModuleID(m.ID), m.Specifier, m.Main, linker.MediaKind(m.Media), m.Source, m.Requests); err != nil {
			return err
		}
	}
	for _, rd := range data.Redirects {
		r.modules.AddRedirect(rd.From, rd.To)
	}
	return nil
}

// ID returns the runtime's identity. It survives snapshot and restore.
func (r *Runtime) ID() uuid.UUID { return r.id }

// MainRealm returns the realm created at construction time.
func (r *Runtime) MainRealm() *Realm { return r.main }

// Modules exposes the module map.
func (r *Runtime) Modules() *linker.Map { return r.modules }

// Engine exposes the underlying engine.
func (r *Runtime) Engine() *engine.Engine { return r.eng }

// ExecuteScript runs classic (non-module) source in the main realm.
func (r *Runtime) ExecuteScript(name, source string) (any, error) {
	if err := r.usable(); err != nil {
		return nil, err
	}
	return r.main.ExecuteScript(name, source)
}

// Terminate forces termination of in-flight script execution from any
// goroutine. Termination is sticky until CancelTermination.
func (r *Runtime) Terminate(reason string) {
	r.eng.Terminate(reason)
	r.Wake()
}

// CancelTermination clears a sticky termination.
func (r *Runtime) CancelTermination() {
	r.eng.CancelTermination()
}

// AddNearHeapLimitCallback registers a heap pressure callback and returns
// its handle.
func (r *Runtime) AddNearHeapLimitCallback(fn engine.NearHeapLimitFn) int {
	return r.eng.AddNearHeapLimitCallback(fn)
}

// RemoveNearHeapLimitCallback unregisters a heap pressure callback.
func (r *Runtime) RemoveNearHeapLimitCallback(id int) {
	r.eng.RemoveNearHeapLimitCallback(id)
}

// Wake nudges the event loop. Safe from any goroutine.
func (r *Runtime) Wake() {
	select {
	case r.wakeCh <- struct{}{}:
	default:
	}
}

// Snapshot serializes the module map and consumes the runtime: every module
// source, its resolved requests, and the redirect table, so a restored
// runtime can evaluate the same graph without a loader. After Snapshot the
// runtime is unusable.
func (r *Runtime) Snapshot() ([]byte, error) {
	if err := r.usable(); err != nil {
		return nil, err
	}

	data := snapshot.Data{
		Version:     snapshot.FormatVersion,
		ID:          r.id,
		CreatedUnix: time.Now().Unix(),
	}
	mods := r.modules.Modules()
	sort.Slice(mods, func(i, j int) bool { return mods[i].ID < mods[j].ID })
	for _, m := range mods {
		if m.Status == linker.StatusRedirect || m.Status == linker.StatusFetchError {
			continue
		}
		data.Modules = append(data.Modules, snapshot.Module{
			ID:        int32(m.ID),
			Specifier: m.Specifier,
			Main:      m.Main,
			Media:     uint8(m.Media),
			Source:    m.Source,
			Requests:  m.Requests,
		})
	}
	for from, to := range r.modules.Redirects() {
		data.Redirects = append(data.Redirects, snapshot.Redirect{From: from, To: to})
	}
	sort.Slice(data.Redirects, func(i, j int) bool { return data.Redirects[i].From < data.Redirects[j].From })

	blob, err := snapshot.Encode(data)
	if err != nil {
		return nil, err
	}

	for _, m := range mods {
		m.ReleaseHandles()
	}
	r.consumed = true
	r.teardown()
	r.log.Debug("runtime snapshotted",
		zap.String("id", r.id.String()),
		zap.Int("modules", len(data.Modules)))
	return blob, nil
}

// Close stops op workers, tears down extension state, and releases the
// engine. Idempotent.
func (r *Runtime) Close() error {
	if r.closed {
		return nil
	}
	r.teardown()
	return nil
}

func (r *Runtime) teardown() {
	if r.closed {
		return
	}
	r.closed = true
	r.opCancel()
	r.exec.Wait()
	r.loadWG.Wait()
	for _, realm := range r.realms {
		for _, ext := range r.opts.Extensions {
			if ext.TeardownState != nil {
				ext.TeardownState(realm.state)
			}
		}
	}
	r.eng.Close()
}

func (r *Runtime) usable() error {
	if r.consumed {
		return errors.SnapshotConsumed()
	}
	if r.closed {
		return errors.NotInitialized(errors.PhaseCreate, "runtime")
	}
	return nil
}

func (r *Runtime) realmByIndex(idx int) *Realm {
	if idx < 0 || idx >= len(r.realms) {
		return nil
	}
	return r.realms[idx]
}

// handle is the weak backreference handed to op state. It lets completed
// ops wake the loop without keeping a closed runtime reachable.
type handle struct {
	p weak.Pointer[Runtime]
}

func (h handle) Wake() {
	if rt := h.p.Value(); rt != nil {
		rt.Wake()
	}
}

func (h handle) Alive() bool {
	rt := h.p.Value()
	return rt != nil && !rt.closed
}

// noLoader rejects every resolution. Installed when Options.Loader is nil.
type noLoader struct{}

func (noLoader) Resolve(specifier, referrer string, kind linker.ResolutionKind) (string, error) {
	return "", errors.InvalidInput(errors.PhaseResolve, "runtime was created without a module loader")
}

func (noLoader) Load(ctx context.Context, specifier, referrer string, isDynamic bool) (linker.Source, error) {
	return linker.Source{}, errors.InvalidInput(errors.PhaseFetch, "runtime was created without a module loader")
}
