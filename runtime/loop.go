package runtime

import (
	"context"
	"time"

	"github.com/dop251/goja"

	"github.com/wippyai/js-runtime/errors"
	"github.com/wippyai/js-runtime/ops"
)

// idleInterval is the fallback poll cadence when nothing wakes the loop
// explicitly. Op completions and dynamic import loads wake immediately;
// the timer only covers middleware-driven work and stall grace accounting.
const idleInterval = 10 * time.Millisecond

// RunEventLoop polls until no pending work remains or an error surfaces.
// Returning nil means the loop drained: every refed op completed, every
// dynamic import settled, every tracked module evaluation finished.
func (r *Runtime) RunEventLoop(ctx context.Context, waitForInspector bool) error {
	if err := r.usable(); err != nil {
		return err
	}
	for {
		pending, err := r.PollEventLoop(ctx, waitForInspector)
		if err != nil {
			return err
		}
		if !pending {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-r.wakeCh:
		case <-time.After(idleInterval):
		}
	}
}

// PollEventLoop runs one tick: inspector, host jobs, dynamic import
// progression, op completion delivery, middleware, evaluation settlement,
// unhandled rejection check, pending-state computation. It returns whether
// pending work remains. With waitForInspector set, an otherwise drained
// loop reports pending while an attached inspector blocks exit.
func (r *Runtime) PollEventLoop(ctx context.Context, waitForInspector bool) (bool, error) {
	if err := r.usable(); err != nil {
		return false, err
	}
	start := time.Now()
	defer func() {
		r.metrics.Ticks.Inc()
		r.metrics.TickTime.Observe(time.Since(start).Seconds())
	}()

	if err := ctx.Err(); err != nil {
		return false, err
	}
	if r.eng.Terminated() {
		return false, r.terminatedErr()
	}
	if r.opts.Inspector != nil {
		if err := r.opts.Inspector.Poll(); err != nil {
			return false, err
		}
	}

	progressed := false

	for _, realm := range r.realms {
		if err := realm.er.RunJobs(); err != nil {
			return false, err
		}
	}

	// Dynamic imports can unlock each other (a resolved import evaluates a
	// module that starts another); iterate to a fixed point.
	for r.stepDynamicImports() {
		progressed = true
	}

	delivered, err := r.deliverCompletions()
	if err != nil {
		return false, err
	}
	progressed = progressed || delivered

	middlewareActive := false
	for _, ext := range r.opts.Extensions {
		if ext.Middleware == nil {
			continue
		}
		for _, realm := range r.realms {
			if ext.Middleware(realm.state) {
				middlewareActive = true
			}
		}
	}

	if r.settleEvaluations() {
		progressed = true
	}

	if err := r.raiseUnhandledRejection(); err != nil {
		return false, err
	}
	if r.eng.Terminated() {
		return false, r.terminatedErr()
	}

	opsPending := false
	for _, realm := range r.realms {
		if realm.pendingRefedOps() > 0 || realm.er.HasTickScheduled() || realm.er.PendingJobs() {
			opsPending = true
		}
	}
	loadsPending := false
	for _, d := range r.dynamic {
		if _, _, loaded := d.loadResult(); !loaded {
			loadsPending = true
		}
	}

	if progressed || opsPending || loadsPending || middlewareActive {
		return true, nil
	}

	// An attached inspector holds the loop open; it may still inject work,
	// so stall detection waits too.
	if waitForInspector && r.opts.Inspector != nil && r.opts.Inspector.BlockOnExit() {
		return true, nil
	}

	// Idle tick with unsettled work: nothing can make these promises
	// resolve. Dynamic imports burn their grace ticks and then reject;
	// a stuck root evaluation is a loop error.
	if len(r.dynamic) > 0 {
		kept := r.dynamic[:0]
		for _, d := range r.dynamic {
			d.grace--
			if d.grace < 0 {
				d.reject(d.realm.er.VM().NewGoError(errors.Stalled(d.specifier, true)))
				continue
			}
			kept = append(kept, d)
		}
		r.dynamic = kept
		return true, nil
	}
	if len(r.pendingEvals) > 0 {
		ev := r.pendingEvals[0]
		err := errors.Stalled(ev.specifier, false)
		for _, pe := range r.pendingEvals {
			pe.ch <- errors.Stalled(pe.specifier, false)
		}
		r.pendingEvals = nil
		return false, err
	}
	return false, nil
}

// deliverCompletions drains the op queue and hands each realm its batch as
// flat (id, ok, value) triples through the core deliver callback.
func (r *Runtime) deliverCompletions() (bool, error) {
	completions := r.queue.Drain()
	if len(completions) == 0 {
		return false, nil
	}

	byRealm := make(map[int][]ops.Completion)
	for _, c := range completions {
		byRealm[c.Realm] = append(byRealm[c.Realm], c)
	}

	for idx, batch := range byRealm {
		realm := r.realmByIndex(idx)
		if realm == nil || !realm.er.Alive() {
			continue
		}
		vm := realm.er.VM()
		flat := make([]any, 0, len(batch)*3)
		for _, c := range batch {
			delete(realm.pending, c.Promise)
			delete(realm.unrefed, c.Promise)
			if c.Err != nil {
				r.metrics.Failed.Inc()
				flat = append(flat, int64(c.Promise), false, c.Err.Error())
			} else {
				r.metrics.Completed.Inc()
				flat = append(flat, int64(c.Promise), true, c.Value)
			}
		}
		if _, err := realm.deliver(goja.Undefined(), vm.ToValue(flat)); err != nil {
			return true, realm.er.MapException(err)
		}
	}
	return true, nil
}

// raiseUnhandledRejection surfaces the first promise rejection that ended
// the tick without a handler.
func (r *Runtime) raiseUnhandledRejection() error {
	for _, realm := range r.realms {
		for p, reason := range realm.unhandled {
			delete(realm.unhandled, p)
			return errors.New(errors.PhaseLoop, errors.KindScriptException).
				Detail("uncaught promise rejection: %s", reason.String()).
				Value(exportValue(reason)).
				Build()
		}
	}
	return nil
}

func (r *Runtime) terminatedErr() error {
	reason := r.eng.TerminationReason()
	if reason == "" {
		reason = "execution terminated"
	}
	return errors.Terminated(reason)
}
