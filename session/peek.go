package session

import (
	"context"

	"github.com/sharedcode/playerstore"
	"github.com/sharedcode/playerstore/txn"
)

// Peek reads docKey's data via the readTx rule without creating a Session
// or taking a lock, used by the Store Facade's lockless point-in-time
// read. It returns nil if the key has no record yet.
func Peek(ctx context.Context, docKey string, ledger *txn.Ledger, store playerstore.DocStore) (map[string]any, error) {
	var doc playerstore.Document
	var found bool
	err := playerstore.Do(ctx, func(ctx context.Context) error {
		d, _, f, err := store.Get(ctx, docKey)
		if err != nil {
			return err
		}
		doc, found = d, f
		return nil
	})
	if err != nil {
		return nil, playerstore.NewError(playerstore.KindTransientBackendError, docKey, err)
	}
	if !found {
		return nil, nil
	}

	resolved, err := resolveTx(ctx, docKey, ledger, doc)
	if err != nil {
		return nil, err
	}

	if len(doc.Meta.ShardIDs) > 0 {
		resolved, err = reassembleShards(ctx, docKey, store, resolved)
		if err != nil {
			return nil, err
		}
	}
	return resolved, nil
}
