package playerstore

import (
	"context"
	"sync"

	"github.com/sharedcode/playerstore/lock"
	"github.com/sharedcode/playerstore/session"
	"github.com/sharedcode/playerstore/shard"
	"github.com/sharedcode/playerstore/txn"
)

// Store owns the per-key Session map and everything every Session shares:
// the Lock Manager, the transaction Coordinator, the orphan-shard sweep
// queue, and the change fan-out. It is the Host API surface: Load, Unload,
// Update, Tx, Get, Peek, Save, Close.
type Store struct {
	docStore DocStore
	opts     Options

	lockMgr     *lock.Manager
	ledger      *txn.Ledger
	orphanQueue *shard.OrphanQueue
	coordinator *txn.Coordinator
	fanout      *session.Fanout

	mu       sync.Mutex
	sessions map[string]*session.Session
	closed   bool
}

// Open returns a Store whose DocStore-resident state lives in docStore and
// whose distributed locking runs over leases, configured by opts.
func Open(docStore DocStore, leases LeaseMap, opts Options) *Store {
	opts = opts.withDefaults()

	observers := make([]session.ChangeObserver, 0, len(opts.ChangedCallbacks))
	for _, cb := range opts.ChangedCallbacks {
		cb := cb
		observers = append(observers, session.ObserverFunc(func(key string, old, new map[string]any) {
			cb(key, old, new)
		}))
	}

	return &Store{
		docStore:    docStore,
		opts:        opts,
		lockMgr:     lock.New(leases),
		ledger:      txn.NewLedger(docStore),
		orphanQueue: shard.NewOrphanQueue(docStore),
		coordinator: txn.New(docStore, opts.Schema),
		fanout:      session.NewFanout(observers, opts.LogCallback),
		sessions:    make(map[string]*session.Session),
	}
}

func (st *Store) deps() session.Deps {
	return session.Deps{
		Store:       st.docStore,
		LockMgr:     st.lockMgr,
		Ledger:      st.ledger,
		OrphanQueue: st.orphanQueue,
		Options:     st.opts,
		Fanout:      st.fanout,
	}
}

// Load spawns a Session for key, acquires its lock, and brings it to Ready.
// Calling Load again for an already-loaded key is a no-op.
func (st *Store) Load(ctx context.Context, key string) error {
	sess, alreadyLoaded, err := st.getOrCreateSession(key)
	if err != nil {
		return err
	}
	if alreadyLoaded {
		return nil
	}
	if err := sess.Load(ctx); err != nil {
		st.mu.Lock()
		delete(st.sessions, key)
		st.mu.Unlock()
		return err
	}
	return nil
}

func (st *Store) getOrCreateSession(key string) (*session.Session, bool, error) {
	st.mu.Lock()
	defer st.mu.Unlock()
	if st.closed {
		return nil, false, NewError(KindStoreClosed, key, nil)
	}
	if sess, ok := st.sessions[key]; ok {
		return sess, true, nil
	}
	sess := session.New(key, st.deps())
	st.sessions[key] = sess
	return sess, false, nil
}

func (st *Store) session(key string) (*session.Session, error) {
	st.mu.Lock()
	sess, ok := st.sessions[key]
	st.mu.Unlock()
	if !ok {
		return nil, NewError(KindKeyNotLoaded, key, nil)
	}
	return sess, nil
}

// Unload flushes key's Session, releases its lock, and removes it from the
// Store. A key that is not loaded is a no-op.
func (st *Store) Unload(ctx context.Context, key string) error {
	st.mu.Lock()
	sess, ok := st.sessions[key]
	delete(st.sessions, key)
	st.mu.Unlock()
	if !ok {
		return nil
	}
	return sess.Close(ctx)
}

// Update runs fn against key's current data; fn returns whether to commit.
func (st *Store) Update(ctx context.Context, key string, fn UpdateFunc) (bool, error) {
	sess, err := st.session(key)
	if err != nil {
		return false, err
	}
	return sess.Update(ctx, fn)
}

// Tx atomically runs fn across every key in keys, all of which must
// already be loaded on this process.
func (st *Store) Tx(ctx context.Context, keys []string, fn TxFunc) (bool, error) {
	lookup := func(key string) (txn.Participant, bool) {
		st.mu.Lock()
		sess, ok := st.sessions[key]
		st.mu.Unlock()
		return sess, ok
	}
	transform := func(snapshot map[string]map[string]any) (map[string]map[string]any, bool, error) {
		return snapshot, fn(snapshot), nil
	}
	return st.coordinator.Run(ctx, keys, lookup, transform)
}

// Get returns a deep copy of key's current data. It fails with
// KeyNotLoaded if key has not been Loaded.
func (st *Store) Get(ctx context.Context, key string) (map[string]any, error) {
	sess, err := st.session(key)
	if err != nil {
		return nil, err
	}
	return sess.Get(ctx)
}

// Peek reads key's data straight from the DocStore, applying the readTx
// rule, without creating a Session or taking a lock. It returns nil if the
// key has no record yet.
func (st *Store) Peek(ctx context.Context, key string) (map[string]any, error) {
	return session.Peek(ctx, st.docKeyFor(key), st.ledger, st.docStore)
}

func (st *Store) docKeyFor(key string) string { return st.opts.Name + "/" + key }

// Save force-flushes key's pending changes, resolving once durable.
func (st *Store) Save(ctx context.Context, key string) error {
	sess, err := st.session(key)
	if err != nil {
		return err
	}
	return sess.Save(ctx)
}

// StoreMetrics is a point-in-time snapshot of a Store's internal state, for
// host observability.
type StoreMetrics struct {
	// ActiveSessions is the number of keys currently loaded.
	ActiveSessions int
	// QueueDepth is the sum, across every loaded Session, of operations
	// currently waiting in that Session's Per-Key Operation Queue.
	QueueDepth int
	// LockLossCount is the total number of Sessions that have ever
	// transitioned to Lost because their lease could not be refreshed.
	LockLossCount int64
	// OrphanQueueDepth is the number of shard IDs currently queued for
	// deletion by the background orphan sweep.
	OrphanQueueDepth int
}

// Metrics takes a snapshot of the Store's current internal state.
func (st *Store) Metrics(ctx context.Context) (StoreMetrics, error) {
	st.mu.Lock()
	sessions := make([]*session.Session, 0, len(st.sessions))
	for _, sess := range st.sessions {
		sessions = append(sessions, sess)
	}
	st.mu.Unlock()

	m := StoreMetrics{
		ActiveSessions: len(sessions),
		LockLossCount:  st.lockMgr.LockLossCount(),
	}
	for _, sess := range sessions {
		m.QueueDepth += sess.QueueDepth()
	}

	depth, err := st.orphanQueue.Depth(ctx)
	if err != nil {
		return m, err
	}
	m.OrphanQueueDepth = depth
	return m, nil
}

// Close initiates Unload on every loaded Session and refuses further
// operations; it resolves once every Session has reached Closed.
func (st *Store) Close(ctx context.Context) error {
	st.mu.Lock()
	if st.closed {
		st.mu.Unlock()
		return nil
	}
	st.closed = true
	sessions := make([]*session.Session, 0, len(st.sessions))
	for _, sess := range st.sessions {
		sessions = append(sessions, sess)
	}
	st.sessions = make(map[string]*session.Session)
	st.mu.Unlock()

	tr := NewTaskRunner(ctx, len(sessions))
	for _, sess := range sessions {
		sess := sess
		tr.Go(func() error { return sess.Close(ctx) })
	}
	return tr.Wait()
}
