package ops

import (
	"context"
	"runtime"
	"sync"

	"golang.org/x/sync/semaphore"
)

// Executor runs op bodies on a bounded pool of worker goroutines. Script
// execution never happens here; workers only compute results and push
// completions into the queue.
type Executor struct {
	sem *semaphore.Weighted
	wg  sync.WaitGroup
}

// NewExecutor creates an executor allowing at most workers concurrent op
// bodies. workers <= 0 means GOMAXPROCS.
func NewExecutor(workers int) *Executor {
	if workers <= 0 {
		workers = runtime.GOMAXPROCS(0)
	}
	return &Executor{
		sem: semaphore.NewWeighted(int64(workers)),
	}
}

// Go schedules task. The semaphore acquisition happens on the spawned
// goroutine so Go never blocks the VM thread; ctx cancellation releases
// tasks still waiting for a slot.
func (e *Executor) Go(ctx context.Context, task func(ctx context.Context)) {
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		if err := e.sem.Acquire(ctx, 1); err != nil {
			return
		}
		defer e.sem.Release(1)
		task(ctx)
	}()
}

// Wait blocks until every scheduled task has finished or been cancelled.
func (e *Executor) Wait() {
	e.wg.Wait()
}
