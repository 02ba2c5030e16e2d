// Package txn implements the Two-Phase Multi-Key Transaction Protocol: an
// atomic commit across several keys, all of which must be Ready on the
// same process.
package txn

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/sharedcode/playerstore"
	"github.com/sharedcode/playerstore/codec"
)

// watchdogDeadline bounds how long a Tx transform may run before it is
// treated as having suspended, mirroring queue.watchdogDeadline's
// synchronous, non-suspending contract for Update transforms.
const watchdogDeadline = 200 * time.Millisecond

// Participant is the subset of Session behavior the Coordinator needs to
// drive one key through Phases 0-4. Session satisfies this interface
// structurally; txn never imports the session package, so the dependency
// runs one way only (the Store Facade wires concrete Sessions in as
// Participants).
type Participant interface {
	Key() string
	// BeginTx reserves the key's tx slot (Phase 0): it blocks new
	// fast-path/queued non-tx operations and waits for any already running
	// to finish, then returns the key's current committed data.
	BeginTx(ctx context.Context, txID playerstore.UUID) (data map[string]any, err error)
	// StageWrite performs the Phase 2 write: activeTxId=txID, txPatch=patch,
	// committedData unchanged.
	StageWrite(ctx context.Context, txID playerstore.UUID, patch playerstore.Patch) error
	// Unstage clears a Phase-2 write during rollback.
	Unstage(ctx context.Context, txID playerstore.UUID) error
	// CommitWrite performs the Phase 4 write: data = apply(committedData,
	// patch), committedData = data, activeTxId/txPatch cleared.
	CommitWrite(ctx context.Context, txID playerstore.UUID, patch playerstore.Patch) error
	// ApplyDirect performs a plain single-key write of patch with no tx
	// bookkeeping at all, used for the single-changed-key downgrade.
	ApplyDirect(ctx context.Context, patch playerstore.Patch) error
	// EndTx releases the tx slot acquired by BeginTx, re-enabling fast-path
	// updates on this key.
	EndTx(ctx context.Context, txID playerstore.UUID)
}

// Lookup resolves a key to its Participant, returning found=false if the
// key is not Ready on this process.
type Lookup func(key string) (Participant, bool)

// Transform is the user-supplied multi-key transaction body: given a
// deep-copied {key: currentData} snapshot, it returns the proposed next
// snapshot and whether to commit it. It must be synchronous and
// non-suspending, and must not add or remove keys.
type Transform func(snapshot map[string]map[string]any) (next map[string]map[string]any, commit bool, err error)

// Coordinator runs the transaction protocol over a DocStore-backed Ledger.
type Coordinator struct {
	ledger *Ledger
	schema playerstore.Predicate
}

// New returns a Coordinator whose commit-point ledger lives in store and
// whose per-key validation uses schema (nil disables validation).
func New(store playerstore.DocStore, schema playerstore.Predicate) *Coordinator {
	return &Coordinator{ledger: NewLedger(store), schema: schema}
}

// Run executes Phases 0-4 across keys, reporting whether the transaction
// committed. A false result with a nil error means the transform itself
// chose to abort; a non-nil error means the transaction was rejected or
// failed before reaching a decision.
func (c *Coordinator) Run(ctx context.Context, keys []string, lookup Lookup, transform Transform) (bool, error) {
	participants := make(map[string]Participant, len(keys))
	for _, key := range keys {
		p, ok := lookup(key)
		if !ok {
			return false, playerstore.NewError(playerstore.KindKeyNotLoaded, key, nil)
		}
		participants[key] = p
	}

	txID := playerstore.NewUUID()

	// Phase 0 — Preparation.
	snapshot := make(map[string]map[string]any, len(keys))
	begun := make([]string, 0, len(keys))
	for _, key := range keys {
		data, err := participants[key].BeginTx(ctx, txID)
		if err != nil {
			c.endAll(ctx, txID, participants, begun)
			return false, err
		}
		begun = append(begun, key)
		snapshot[key] = data
	}
	defer c.endAll(ctx, txID, participants, begun)

	// Phase 1 — Compute.
	next, commit, err := runTransform(transform, snapshot)
	if err != nil {
		return false, err
	}
	if err := sameKeySet(snapshot, next); err != nil {
		return false, err
	}
	if !commit {
		return false, nil
	}

	patches := make(map[string]playerstore.Patch, len(keys))
	changed := make([]string, 0, len(keys))
	for _, key := range keys {
		if c.schema != nil {
			if ok, reason := c.schema.Validate(next[key]); !ok {
				return false, playerstore.NewError(playerstore.KindSchemaFailed, key, fmt.Errorf("%s", reason))
			}
		}
		patch := codec.Diff(snapshot[key], next[key])
		if len(patch) > 0 {
			changed = append(changed, key)
		}
		patches[key] = patch
	}

	if len(changed) == 0 {
		return true, nil
	}
	if len(changed) == 1 {
		key := changed[0]
		if err := participants[key].ApplyDirect(ctx, patches[key]); err != nil {
			return false, err
		}
		return true, nil
	}

	// Phase 2 — Stage, ascending key order.
	ordered := append([]string(nil), changed...)
	sort.Strings(ordered)
	staged := make([]string, 0, len(ordered))
	for _, key := range ordered {
		if err := participants[key].StageWrite(ctx, txID, patches[key]); err != nil {
			for _, stagedKey := range staged {
				_ = participants[stagedKey].Unstage(ctx, txID)
			}
			return false, err
		}
		staged = append(staged, key)
	}

	// Phase 3 — Commit point.
	if err := c.ledger.Commit(ctx, txID); err != nil {
		return false, err
	}

	// Phase 4 — Cleanup. Failures here are non-fatal; a future load heals
	// any key that still carries this txID via the readTx rule, so the
	// ledger entry is only deleted once every CommitWrite has succeeded.
	cleaned := true
	for _, key := range ordered {
		if err := participants[key].CommitWrite(ctx, txID, patches[key]); err != nil {
			cleaned = false
		}
	}
	if cleaned {
		_ = c.ledger.Delete(ctx, txID)
	}

	return true, nil
}

func (c *Coordinator) endAll(ctx context.Context, txID playerstore.UUID, participants map[string]Participant, keys []string) {
	for _, key := range keys {
		participants[key].EndTx(ctx, txID)
	}
}

// runTransform deep-copies snapshot and runs transform against the copy,
// enforcing the synchronous, non-suspending contract via a watchdog: if
// transform has not returned within watchdogDeadline, the operation fails
// with UpdateYielded, mirroring queue.runWatchdog's handling of Update.
func runTransform(transform Transform, snapshot map[string]map[string]any) (map[string]map[string]any, bool, error) {
	deepCopy := make(map[string]map[string]any, len(snapshot))
	for key, data := range snapshot {
		encoded, err := codec.Encode(data)
		if err != nil {
			return nil, false, err
		}
		copied, err := codec.Decode(encoded)
		if err != nil {
			return nil, false, err
		}
		deepCopy[key] = copied
	}

	type result struct {
		next   map[string]map[string]any
		commit bool
		err    error
	}
	resultCh := make(chan result, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				resultCh <- result{err: playerstore.NewError(playerstore.KindUpdateYielded, "",
					fmt.Errorf("tx transform panicked: %v", r))}
			}
		}()
		next, commit, err := transform(deepCopy)
		resultCh <- result{next: next, commit: commit, err: err}
	}()

	select {
	case r := <-resultCh:
		return r.next, r.commit, r.err
	case <-time.After(watchdogDeadline):
		return nil, false, playerstore.NewError(playerstore.KindUpdateYielded, "",
			fmt.Errorf("tx transform did not return within %s", watchdogDeadline))
	}
}

func sameKeySet(a, b map[string]map[string]any) error {
	if len(a) != len(b) {
		return playerstore.NewError(playerstore.KindKeysChangedInTransaction, "", nil)
	}
	for key := range a {
		if _, ok := b[key]; !ok {
			return playerstore.NewError(playerstore.KindKeysChangedInTransaction, key, nil)
		}
	}
	return nil
}
