// Package queue implements the Per-Key Operation Queue: a per-key FIFO of
// operations with a fast path for Update calls that have nothing ahead of
// them to wait for.
package queue

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/sharedcode/playerstore"
	"github.com/sharedcode/playerstore/codec"
)

// Kind identifies which queued-operation category a Task belongs to. Only
// KindUpdate is ever eligible for the fast path; Save, TxParticipate, and
// Unload always go through the FIFO.
type Kind int

const (
	KindUpdate Kind = iota
	KindSave
	KindTxParticipate
	KindUnload
)

// watchdogDeadline bounds how long an Update transform may run before it is
// treated as having suspended. Transforms are a synchronous frame over an
// in-memory deep copy and are never expected to do I/O.
const watchdogDeadline = 200 * time.Millisecond

// UpdateFunc is the shape of an Update transform: given a deep copy of the
// current data, it returns the proposed next value and whether to commit
// it. Returning commit=false is a no-op; the proposed next value is
// ignored.
type UpdateFunc func(data map[string]any) (next map[string]any, commit bool, err error)

// Task is one FIFO entry. Run executes the operation; it is always invoked
// with the Queue's per-key execution lock held, so at most one Task (fast
// path or queued) ever runs at a time for a given Queue.
type Task struct {
	Kind Kind
	Run  func(ctx context.Context) (any, error)
}

type entry struct {
	task   Task
	ctx    context.Context
	result chan outcome
}

type outcome struct {
	value any
	err   error
}

// Queue is the per-key FIFO described above. A single consumer goroutine
// drains queued Tasks in enqueue order; Submit instead runs an eligible
// Update Task inline, under the same execution lock, whenever no
// TxParticipate Task is queued or currently running against this key.
type Queue struct {
	mu        sync.Mutex
	ch        chan entry
	pendingTx int
	closed    bool
	done      chan struct{}
}

// Len reports the number of Tasks currently queued and waiting for the
// consumer goroutine to pick them up. It does not count a Task already
// running nor one that took the fast path.
func (q *Queue) Len() int {
	return len(q.ch)
}

// New returns a running Queue. Close stops its consumer goroutine.
func New() *Queue {
	q := &Queue{ch: make(chan entry, 128), done: make(chan struct{})}
	go q.loop()
	return q
}

func (q *Queue) loop() {
	defer close(q.done)
	for e := range q.ch {
		q.mu.Lock()
		v, err := e.task.Run(e.ctx)
		if e.task.Kind == KindTxParticipate {
			q.pendingTx--
		}
		q.mu.Unlock()
		e.result <- outcome{value: v, err: err}
	}
}

// Submit runs task, either on the fast path or via the FIFO, and returns
// its result. ctx cancellation while waiting for a queued slot or result
// returns ctx.Err(); it does not cancel a Task already running.
func (q *Queue) Submit(ctx context.Context, task Task) (any, error) {
	if task.Kind == KindUpdate {
		if v, err, ranInline := q.tryFastPath(ctx, task); ranInline {
			return v, err
		}
	}
	return q.enqueue(ctx, task)
}

func (q *Queue) tryFastPath(ctx context.Context, task Task) (any, error, bool) {
	q.mu.Lock()
	if q.closed || q.pendingTx > 0 {
		q.mu.Unlock()
		return nil, nil, false
	}
	defer q.mu.Unlock()
	v, err := task.Run(ctx)
	return v, err, true
}

func (q *Queue) enqueue(ctx context.Context, task Task) (any, error) {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return nil, playerstore.NewError(playerstore.KindStoreClosed, "", nil)
	}
	if task.Kind == KindTxParticipate {
		q.pendingTx++
	}
	q.mu.Unlock()

	e := entry{task: task, ctx: ctx, result: make(chan outcome, 1)}
	select {
	case q.ch <- e:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	select {
	case r := <-e.result:
		return r.value, r.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Close stops accepting new Tasks and waits for the consumer to drain what
// is already queued.
func (q *Queue) Close() {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	q.closed = true
	q.mu.Unlock()
	close(q.ch)
	<-q.done
}

// updateResult carries an Update Task's outcome through the any-typed
// Task.Run/Submit plumbing.
type updateResult struct {
	next      map[string]any
	committed bool
}

// SubmitUpdate runs fn against a deep copy of getCurrent() under the
// fast-path rule described on Queue, enforcing the synchronous,
// non-suspending contract via a watchdog: if fn has not returned within
// watchdogDeadline, the operation fails with UpdateYielded and the pending
// copy is discarded. getCurrent is called only once the Task has acquired
// the execution lock, so it always observes the latest committed value
// even when several Update calls race to submit concurrently.
func (q *Queue) SubmitUpdate(ctx context.Context, getCurrent func() map[string]any, fn UpdateFunc) (map[string]any, bool, error) {
	task := Task{
		Kind: KindUpdate,
		Run: func(ctx context.Context) (any, error) {
			next, committed, err := runWatchdog(getCurrent(), fn)
			if err != nil {
				return nil, err
			}
			return updateResult{next: next, committed: committed}, nil
		},
	}

	v, err := q.Submit(ctx, task)
	if err != nil {
		return nil, false, err
	}
	res := v.(updateResult)
	return res.next, res.committed, nil
}

func runWatchdog(current map[string]any, fn UpdateFunc) (map[string]any, bool, error) {
	snapshot, err := deepCopy(current)
	if err != nil {
		return nil, false, err
	}

	type result struct {
		next      map[string]any
		committed bool
		err       error
	}
	resultCh := make(chan result, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				resultCh <- result{err: playerstore.NewError(playerstore.KindUpdateYielded, "",
					fmt.Errorf("update transform panicked: %v", r))}
			}
		}()
		next, commit, err := fn(snapshot)
		resultCh <- result{next: next, committed: commit, err: err}
	}()

	select {
	case r := <-resultCh:
		return r.next, r.committed, r.err
	case <-time.After(watchdogDeadline):
		return nil, false, playerstore.NewError(playerstore.KindUpdateYielded, "",
			fmt.Errorf("update transform did not return within %s", watchdogDeadline))
	}
}

func deepCopy(data map[string]any) (map[string]any, error) {
	encoded, err := codec.Encode(data)
	if err != nil {
		return nil, err
	}
	return codec.Decode(encoded)
}
