package ops

import (
	"sync"
)

// PromiseID identifies one pending script promise tied to an op call.
type PromiseID int64

// OpID is the dense index of an op declaration in the runtime's table.
type OpID int32

// Completion is the 4-tuple a finished op yields: which realm, which
// promise, which op, and the result or error.
type Completion struct {
	Realm   int
	Promise PromiseID
	Op      OpID
	Value   any
	Err     error
}

// Queue collects in-flight op completions from worker goroutines. It is a
// multi-producer, single-consumer handoff: any goroutine may Complete, only
// the event loop goroutine drains. Completions are unordered relative to
// submission; the loop delivers them in drain order.
type Queue struct {
	mu     sync.Mutex
	ready  []Completion
	onPush func()
}

// NewQueue creates a queue. onPush, if non-nil, is invoked after every
// Complete; the runtime uses it to wake the event loop.
func NewQueue(onPush func()) *Queue {
	return &Queue{onPush: onPush}
}

// Complete records a finished op. Safe for concurrent use.
func (q *Queue) Complete(c Completion) {
	q.mu.Lock()
	q.ready = append(q.ready, c)
	q.mu.Unlock()
	if q.onPush != nil {
		q.onPush()
	}
}

// Drain removes and returns all currently ready completions.
func (q *Queue) Drain() []Completion {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := q.ready
	q.ready = nil
	return out
}

// Ready reports whether undrained completions exist.
func (q *Queue) Ready() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.ready) > 0
}
