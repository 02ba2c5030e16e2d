package session

import (
	"context"
	"encoding/base64"
	"fmt"
	"reflect"

	json "github.com/goccy/go-json"

	"github.com/sharedcode/playerstore"
	"github.com/sharedcode/playerstore/codec"
	"github.com/sharedcode/playerstore/shard"
	"github.com/sharedcode/playerstore/txn"
)

// Load drives the Session from Loading to Ready (or to Closed on any
// failure): it acquires the lock, fetches and reassembles the document,
// runs migrations, validates the schema, and imports legacy data for a
// record that does not yet exist.
func (s *Session) Load(ctx context.Context) error {
	s.mu.Lock()
	if s.state != StateLoading {
		s.mu.Unlock()
		return playerstore.NewError(playerstore.KindKeyNotLoaded, s.key, fmt.Errorf("session is not in Loading state"))
	}
	s.mu.Unlock()

	handle, err := s.deps.LockMgr.Acquire(ctx, s.key, s.deps.Options.LockDuration, s.deps.Options.LockRefreshInterval)
	if err != nil {
		s.setState(StateClosed)
		return playerstore.NewError(playerstore.KindLockUnavailable, s.key, err)
	}
	handle.OnLost(func(name string) { s.onLockLost() })
	s.lockHandle = handle

	data, version, shardIDs, appliedMigs, err := s.loadDocument(ctx)
	if err != nil {
		_ = handle.Release(ctx)
		s.setState(StateClosed)
		return err
	}

	migrated, allApplied, err := s.applyMigrationsAndSchema(data, appliedMigs)
	if err != nil {
		_ = handle.Release(ctx)
		s.setState(StateClosed)
		return err
	}

	s.mu.Lock()
	s.data = migrated
	s.lastSavedData = data
	s.version = version
	s.shardIDs = shardIDs
	s.appliedMigs = allApplied
	s.dirty = !reflect.DeepEqual(data, migrated)
	s.state = StateReady
	s.mu.Unlock()

	s.deps.Fanout.Deliver(ctx, s.key, nil, s.protect(migrated))
	s.startAutosave()
	return nil
}

// loadDocument fetches the primary document, reassembles it if sharded,
// and resolves it through the readTx rule. It returns the resolved data,
// the primary document's DocStore version, and its shard IDs.
func (s *Session) loadDocument(ctx context.Context) (map[string]any, int64, []string, []string, error) {
	doc, found, err := s.getDoc(ctx)
	if err != nil {
		return nil, 0, nil, nil, playerstore.NewError(playerstore.KindTransientBackendError, s.key, err)
	}
	if !found {
		return s.loadAbsent(ctx)
	}

	resolved, err := resolveTx(ctx, s.key, s.deps.Ledger, doc)
	if err != nil {
		return nil, 0, nil, nil, err
	}

	if len(doc.Meta.ShardIDs) > 0 {
		resolved, err = reassembleShards(ctx, s.key, s.deps.Store, resolved)
		if err != nil {
			return nil, 0, nil, nil, err
		}
	}

	return resolved, doc.Version, doc.Meta.ShardIDs, doc.Meta.AppliedMigrations, nil
}

// resolveTx implements the readTx rule: if no transaction is active on
// doc, its Data is authoritative; otherwise the TxLedger decides whether
// to read CommittedData as-is or with TxPatch applied.
func resolveTx(ctx context.Context, key string, ledger *txn.Ledger, doc playerstore.Document) (map[string]any, error) {
	if doc.Meta.ActiveTxID.IsNil() {
		return doc.Data, nil
	}

	committed, found, err := ledger.Status(ctx, doc.Meta.ActiveTxID)
	if err != nil {
		return nil, playerstore.NewError(playerstore.KindTransientBackendError, key, err)
	}
	if found && committed {
		next, err := codec.Apply(doc.Meta.CommittedData, doc.Meta.TxPatch)
		if err != nil {
			return nil, playerstore.NewError(playerstore.KindCorruptRecord, key, err)
		}
		return next, nil
	}
	return doc.Meta.CommittedData, nil
}

// reassembleShards reconstructs a sharded record's Data from its sibling
// documents, given the primary document's resolved manifest payload.
func reassembleShards(ctx context.Context, key string, store playerstore.DocStore, manifestPayload map[string]any) (map[string]any, error) {
	raw, err := json.Marshal(manifestPayload["manifest"])
	if err != nil {
		return nil, playerstore.NewError(playerstore.KindCorruptRecord, key, err)
	}
	var manifest shard.Manifest
	if err := json.Unmarshal(raw, &manifest); err != nil {
		return nil, playerstore.NewError(playerstore.KindCorruptRecord, key, err)
	}

	shards := make([][]byte, len(manifest.ShardIDs))
	for i, id := range manifest.ShardIDs {
		body, found, err := getShard(ctx, store, id)
		if err != nil {
			return nil, playerstore.NewError(playerstore.KindTransientBackendError, key, err)
		}
		if !found {
			return nil, playerstore.NewError(playerstore.KindCorruptRecord, key,
				fmt.Errorf("session: missing shard %q", id))
		}
		shards[i] = body
	}
	return shard.Reassemble(manifest, shards)
}

// shardChunkKey is the Data field under which a shard document's raw byte
// payload is base64-encoded, since DocStore only stores JSON-object
// documents, not arbitrary binary blobs.
const shardChunkKey = "chunk"

func getShard(ctx context.Context, store playerstore.DocStore, shardID string) ([]byte, bool, error) {
	var body []byte
	var found bool
	err := playerstore.Do(ctx, func(ctx context.Context) error {
		doc, _, f, err := store.Get(ctx, shardID)
		if err != nil {
			return err
		}
		found = f
		if !f {
			return nil
		}
		encoded, _ := doc.Data[shardChunkKey].(string)
		body, err = base64.StdEncoding.DecodeString(encoded)
		return err
	})
	return body, found, err
}

// loadAbsent handles a key with no primary document yet: it runs the
// host's legacy-import hook (at most once) and otherwise falls back to
// the configured Template.
func (s *Session) loadAbsent(ctx context.Context) (map[string]any, int64, []string, []string, error) {
	if s.deps.Options.ImportLegacyData != nil {
		imported, err := s.deps.Options.ImportLegacyData(s.key)
		if err != nil {
			return nil, 0, nil, nil, playerstore.NewError(playerstore.KindImportFailed, s.key, err)
		}
		if imported != nil {
			return imported, 0, nil, nil, nil
		}
	}
	return mustDeepCopy(s.deps.Options.Template), 0, nil, nil, nil
}

func (s *Session) getDoc(ctx context.Context) (playerstore.Document, bool, error) {
	var doc playerstore.Document
	var found bool
	err := playerstore.Do(ctx, func(ctx context.Context) error {
		d, _, f, err := s.deps.Store.Get(ctx, s.docKey())
		if err != nil {
			return err
		}
		doc, found = d, f
		return nil
	})
	return doc, found, err
}

func mustDeepCopy(data map[string]any) map[string]any {
	if data == nil {
		return map[string]any{}
	}
	copied, err := deepCopy(data)
	if err != nil {
		// Template/legacy data that fails to round-trip through the codec
		// is a configuration error, not a runtime one; fall back to the
		// original reference rather than losing the load entirely.
		return data
	}
	return copied
}
