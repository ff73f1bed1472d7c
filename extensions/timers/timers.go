// Package timers provides setTimeout, setInterval and performance.now on
// top of the op protocol: sleeping happens on the op executor, so timers
// keep the event loop alive exactly like any other in-flight op.
package timers

import (
	"context"
	"time"

	"github.com/wippyai/js-runtime/ops"
)

const epochKey = "timers.epoch"

const timersJS = `(function(global) {
"use strict";

let nextTimer = 1;
const cancelled = new Set();

global.setTimeout = function(cb, delay, ...args) {
	const id = nextTimer++;
	core.opAsync("op_sleep", delay || 0).then(() => {
		if (cancelled.delete(id)) return;
		cb(...args);
	});
	return id;
};

global.clearTimeout = function(id) {
	cancelled.add(id);
};

global.setInterval = function(cb, delay, ...args) {
	const id = nextTimer++;
	const arm = () => {
		core.opAsync("op_sleep", delay || 0).then(() => {
			if (cancelled.delete(id)) return;
			cb(...args);
			arm();
		});
	};
	arm();
	return id;
};

global.clearInterval = global.clearTimeout;

global.performance = {
	now() { return core.opSync("op_now"); },
};
})(globalThis);
`

// New creates the timers extension.
func New() *ops.Extension {
	return &ops.Extension{
		Name: "timers",
		Ops: []ops.Decl{
			{Name: "op_sleep", Mode: ops.Deferred, Fn: opSleep},
			{Name: "op_now", Mode: ops.Eager, Immediate: opNow},
		},
		JS: []ops.SourceFile{{Name: "ext:timers.js", Code: timersJS}},
		InitState: func(st *ops.State) {
			st.Put(epochKey, time.Now())
		},
	}
}

func opSleep(ctx context.Context, st *ops.State, args []any) (any, error) {
	t := time.NewTimer(argMillis(args, 0))
	defer t.Stop()
	select {
	case <-t.C:
		return nil, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func opNow(st *ops.State, args []any) (any, bool, error) {
	v, ok := st.Get(epochKey)
	if !ok {
		return nil, true, nil
	}
	epoch := v.(time.Time)
	return float64(time.Since(epoch).Microseconds()) / 1000.0, true, nil
}

func argMillis(args []any, i int) time.Duration {
	if i >= len(args) {
		return 0
	}
	switch v := args[i].(type) {
	case int64:
		return time.Duration(v) * time.Millisecond
	case float64:
		return time.Duration(v * float64(time.Millisecond))
	}
	return 0
}
