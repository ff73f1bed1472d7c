package ops

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the op-dispatch counters exported when the runtime is
// created with a prometheus registerer.
type Metrics struct {
	Dispatched prometheus.Counter
	Completed  prometheus.Counter
	Failed     prometheus.Counter
	Ticks      prometheus.Counter
	TickTime   prometheus.Histogram
}

// NewMetrics creates and registers the op metrics. reg may be nil, in which
// case collectors are created but not registered (all observations become
// cheap no-op-ish updates on unexported collectors).
func NewMetrics(reg prometheus.Registerer) (*Metrics, error) {
	m := &Metrics{
		Dispatched: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "jsruntime_ops_dispatched_total",
			Help: "native ops dispatched to the worker pool",
		}),
		Completed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "jsruntime_ops_completed_total",
			Help: "native op completions delivered to script",
		}),
		Failed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "jsruntime_ops_failed_total",
			Help: "native op completions delivered as rejections",
		}),
		Ticks: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "jsruntime_event_loop_ticks_total",
			Help: "event loop polls executed",
		}),
		TickTime: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "jsruntime_event_loop_tick_seconds",
			Help:    "time spent inside one event loop poll",
			Buckets: prometheus.ExponentialBuckets(1e-6, 4, 12),
		}),
	}
	if reg != nil {
		for _, c := range []prometheus.Collector{m.Dispatched, m.Completed, m.Failed, m.Ticks, m.TickTime} {
			if err := reg.Register(c); err != nil {
				return nil, err
			}
		}
	}
	return m, nil
}
