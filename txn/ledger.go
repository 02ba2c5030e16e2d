package txn

import (
	"context"
	"errors"
	"os"

	"github.com/sharedcode/playerstore"
)

// Ledger is the TxLedger: a thin CAS wrapper over DocStore at key txId,
// the single linearization point a multi-key transaction's readers consult.
type Ledger struct {
	store playerstore.DocStore
}

// NewLedger returns a Ledger backed by store.
func NewLedger(store playerstore.DocStore) *Ledger {
	return &Ledger{store: store}
}

// Commit writes the ledger entry for txID as committed=true. It retries
// indefinitely (bounded only by ctx) since a process crash before this
// write succeeds would otherwise strand every staged participant.
func (l *Ledger) Commit(ctx context.Context, txID playerstore.UUID) error {
	for {
		err := playerstore.Do(ctx, func(ctx context.Context) error {
			_, _, found, err := l.store.Get(ctx, txID.String())
			if err != nil {
				return err
			}
			version := int64(0)
			// already committed by a previous crashed attempt; nothing to do.
			if found {
				return nil
			}
			_, ok, err := l.store.Put(ctx, txID.String(), playerstore.Document{Data: map[string]any{"committed": true}}, version)
			if err != nil {
				return err
			}
			if !ok {
				return playerstore.NewError(playerstore.KindTransientBackendError, txID.String(), nil)
			}
			return nil
		})
		if err == nil {
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
	}
}

// Status reports whether txID's ledger entry exists and, if so, whether it
// reads as committed. A NotFound-classified fetch error is reported as
// found=false per the readTx rule; any other error propagates. The fetch
// goes through the root package's Retry/Backoff wrapper like every other
// DocStore call site, so a transient read error doesn't immediately fail
// the readTx rule for every key with an active transaction.
func (l *Ledger) Status(ctx context.Context, txID playerstore.UUID) (committed bool, found bool, err error) {
	var doc playerstore.Document
	var f bool
	err = playerstore.Do(ctx, func(ctx context.Context) error {
		d, _, fo, e := l.store.Get(ctx, txID.String())
		if e != nil {
			return e
		}
		doc, f = d, fo
		return nil
	})
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return false, false, nil
		}
		return false, false, err
	}
	if !f {
		return false, false, nil
	}
	committed, _ = doc.Data["committed"].(bool)
	return committed, true, nil
}

// Delete removes txID's ledger entry. Called during Phase 4 cleanup; a
// failure here leaves the entry in place and is not fatal to the
// transaction.
func (l *Ledger) Delete(ctx context.Context, txID playerstore.UUID) error {
	return playerstore.Do(ctx, func(ctx context.Context) error {
		return l.store.Delete(ctx, txID.String())
	})
}
