// Package session implements the per-key Session state machine: load,
// ready, unloading, closed, lost, plus the pending-change buffer and save
// scheduler layered over the Lock Manager and Per-Key Operation Queue.
package session

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/sharedcode/playerstore"
	"github.com/sharedcode/playerstore/codec"
	"github.com/sharedcode/playerstore/lock"
	"github.com/sharedcode/playerstore/migration"
	"github.com/sharedcode/playerstore/queue"
	"github.com/sharedcode/playerstore/shard"
	"github.com/sharedcode/playerstore/txn"
)

// State is one of the Session FSM's five states.
type State int

const (
	StateLoading State = iota
	StateReady
	StateUnloading
	StateClosed
	StateLost
)

func (s State) String() string {
	switch s {
	case StateLoading:
		return "Loading"
	case StateReady:
		return "Ready"
	case StateUnloading:
		return "Unloading"
	case StateClosed:
		return "Closed"
	case StateLost:
		return "Lost"
	default:
		return "Unknown"
	}
}

// Deps bundles the collaborators every Session needs, shared across every
// key the owning Store Facade manages.
type Deps struct {
	Store       playerstore.DocStore
	LockMgr     *lock.Manager
	Ledger      *txn.Ledger
	OrphanQueue *shard.OrphanQueue
	Options     playerstore.Options
	Fanout      *Fanout
}

// Session is the per-key state machine described in the package doc.
type Session struct {
	key  string
	deps Deps

	mu    sync.Mutex
	state State

	data          map[string]any
	lastSavedData map[string]any
	version       int64
	shardIDs      []string
	appliedMigs   []string
	dirty         bool

	lockHandle *lock.Handle
	queue      *queue.Queue

	// txSlots counts participations currently holding this key's tx slot
	// open (BeginTx called, EndTx not yet called). It is bookkeeping only:
	// the fast path is disabled by the Queue's own TxParticipate
	// accounting, and no Session method reads txSlots.
	txSlots int

	// txDone holds, per in-flight transaction ID, the channel BeginTx's
	// blocked TxParticipate Task is waiting on; EndTx closes it to
	// release the Queue slot.
	txDone map[string]chan struct{}

	// stopAutosave, once Load starts the autosave ticker, is closed by
	// Close to stop it.
	stopAutosave chan struct{}
}

// New constructs a Session for key in the Loading state. Callers must call
// Load before any other method.
func New(key string, deps Deps) *Session {
	return &Session{
		key:   key,
		deps:  deps,
		state: StateLoading,
		queue: queue.New(),
	}
}

// Key implements txn.Participant.
func (s *Session) Key() string { return s.key }

// State reports the Session's current FSM state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Session) setState(next State) {
	s.mu.Lock()
	s.state = next
	s.mu.Unlock()
}

// requireReady returns StoreClosed/LockLost/KeyNotLoaded as appropriate if
// the Session isn't currently accepting operations.
func (s *Session) requireReady() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch s.state {
	case StateReady:
		return nil
	case StateClosed, StateUnloading:
		return playerstore.NewError(playerstore.KindStoreClosed, s.key, nil)
	case StateLost:
		return playerstore.NewError(playerstore.KindLockLost, s.key, nil)
	default:
		return playerstore.NewError(playerstore.KindKeyNotLoaded, s.key, nil)
	}
}

func (s *Session) docKey() string { return s.deps.Options.Name + "/" + s.key }

// QueueDepth reports the number of operations currently waiting in this
// Session's Per-Key Operation Queue, for host observability.
func (s *Session) QueueDepth() int { return s.queue.Len() }

func (s *Session) stopAutosaveTicker() {
	s.mu.Lock()
	stop := s.stopAutosave
	s.stopAutosave = nil
	s.mu.Unlock()
	if stop != nil {
		close(stop)
	}
}

// Get returns the Session's current data, deep-copied unless
// Options.DisableReferenceProtection opts the caller out of the copy.
func (s *Session) Get(ctx context.Context) (map[string]any, error) {
	if err := s.requireReady(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	data := s.data
	s.mu.Unlock()
	return s.protect(data), nil
}

// protect returns data unchanged if Options.DisableReferenceProtection is
// set, otherwise a deep copy, so that callers of Get can never mutate a
// Session's internal state through a returned snapshot. Change observers
// are protected separately: Fanout.Deliver copies for each of them.
func (s *Session) protect(data map[string]any) map[string]any {
	if s.deps.Options.DisableReferenceProtection {
		return data
	}
	return mustDeepCopy(data)
}

func deepCopy(data map[string]any) (map[string]any, error) {
	encoded, err := codec.Encode(data)
	if err != nil {
		return nil, err
	}
	return codec.Decode(encoded)
}

// onLockLost transitions the Session to Lost; called from the Lock
// Manager's loss callback.
func (s *Session) onLockLost() {
	s.mu.Lock()
	if s.state == StateReady {
		s.state = StateLost
	}
	s.mu.Unlock()
	playerstore.Log(s.deps.Options.LogCallback, slog.LevelWarn, "session lost its lock",
		map[string]any{"key": s.key})
}

// Close transitions the Session through Unloading to Closed: drains the
// queue, flushes a final save, releases the lock, and stops the queue's
// consumer goroutine.
func (s *Session) Close(ctx context.Context) error {
	s.mu.Lock()
	switch s.state {
	case StateClosed:
		s.mu.Unlock()
		return nil
	case StateReady:
		s.state = StateUnloading
	default:
		// Loading, Unloading, or Lost: fall straight to Closed without a
		// flush attempt, since there is no stable Ready data to flush.
		s.state = StateClosed
		s.mu.Unlock()
		s.stopAutosaveTicker()
		s.queue.Close()
		if s.lockHandle != nil {
			_ = s.lockHandle.Release(ctx)
		}
		return nil
	}
	s.mu.Unlock()

	s.stopAutosaveTicker()

	_, err := s.queue.Submit(ctx, queue.Task{Kind: queue.KindUnload, Run: func(ctx context.Context) (any, error) {
		return nil, s.flush(ctx)
	}})

	s.setState(StateClosed)
	s.queue.Close()
	if s.lockHandle != nil {
		if rerr := s.lockHandle.Release(ctx); rerr != nil {
			playerstore.Log(s.deps.Options.LogCallback, slog.LevelWarn, "lock release on close failed",
				map[string]any{"key": s.key, "error": rerr.Error()})
		}
	}
	return err
}

func (s *Session) applyMigrationsAndSchema(data map[string]any, appliedMigs []string) (map[string]any, []string, error) {
	if err := migration.CheckKnown(appliedMigs, s.deps.Options.MigrationSteps); err != nil {
		return nil, nil, err
	}

	next, applied, err := migration.Run(data, appliedMigs, s.deps.Options.MigrationSteps)
	if err != nil {
		return nil, nil, playerstore.NewError(playerstore.KindImportFailed, s.key, err)
	}
	if s.deps.Options.Schema != nil {
		if ok, reason := s.deps.Options.Schema.Validate(next); !ok {
			return nil, nil, playerstore.NewError(playerstore.KindSchemaFailed, s.key, fmt.Errorf("%s", reason))
		}
	}
	return next, applied, nil
}
