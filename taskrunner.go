package playerstore

import (
	"context"

	"golang.org/x/sync/errgroup"
)

// TaskRunner runs up to maxThreadCount tasks concurrently, propagating the
// first error and canceling its context on failure. Used by the Change
// Fan-out's observer delivery and by Store.Close to close Sessions in
// parallel.
type TaskRunner struct {
	eg          *errgroup.Group
	limiterChan chan struct{}
	ctx         context.Context
}

// NewTaskRunner creates a TaskRunner bound to ctx, capping concurrency at
// maxThreadCount.
func NewTaskRunner(ctx context.Context, maxThreadCount int) *TaskRunner {
	eg, ctx2 := errgroup.WithContext(ctx)
	return &TaskRunner{
		eg:          eg,
		limiterChan: make(chan struct{}, maxThreadCount),
		ctx:         ctx2,
	}
}

// Context returns the TaskRunner's derived context, canceled once any task
// returns an error.
func (tr *TaskRunner) Context() context.Context { return tr.ctx }

// Go schedules task to run, blocking the caller only if maxThreadCount tasks
// are already in flight.
func (tr *TaskRunner) Go(task func() error) {
	tr.limiterChan <- struct{}{}
	tr.eg.Go(func() error {
		defer func() { <-tr.limiterChan }()
		return task()
	})
}

// Wait blocks until every scheduled task has returned, and returns the first
// non-nil error, if any.
func (tr *TaskRunner) Wait() error {
	return tr.eg.Wait()
}
