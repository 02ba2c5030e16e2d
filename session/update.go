package session

import (
	"context"
	"encoding/base64"
	"fmt"
	"log/slog"
	"reflect"

	json "github.com/goccy/go-json"

	"github.com/sharedcode/playerstore"
	"github.com/sharedcode/playerstore/shard"
)

// shardChunkKey is declared in load.go.

// Update runs fn against the Session's pending data under the Per-Key
// Operation Queue's fast-path rule. A commit updates the pending buffer and
// fans out immediately; it does not itself write to the DocStore — that is
// the save scheduler's job (flush, Save, autosave).
func (s *Session) Update(ctx context.Context, fn playerstore.UpdateFunc) (bool, error) {
	if err := s.requireReady(); err != nil {
		return false, err
	}

	getCurrent := func() map[string]any {
		s.mu.Lock()
		defer s.mu.Unlock()
		return s.data
	}

	var schemaErr error
	var old, applied map[string]any

	_, committed, err := s.queue.SubmitUpdate(ctx, getCurrent, func(data map[string]any) (map[string]any, bool, error) {
		if !fn(data) {
			return data, false, nil
		}
		if s.deps.Options.Schema != nil {
			if ok, reason := s.deps.Options.Schema.Validate(data); !ok {
				schemaErr = playerstore.NewError(playerstore.KindSchemaFailed, s.key, fmt.Errorf("%s", reason))
				return data, false, nil
			}
		}
		// Committing here, rather than after SubmitUpdate returns, matters:
		// the Queue's execution lock is released the instant this closure
		// returns, so a concurrent fast-path Update could otherwise observe
		// stale pending data and clobber this commit.
		s.mu.Lock()
		old = s.data
		s.data = data
		s.dirty = !reflect.DeepEqual(data, s.lastSavedData)
		s.mu.Unlock()
		applied = data
		return data, true, nil
	})
	if err != nil {
		return false, err
	}
	if schemaErr != nil {
		return false, schemaErr
	}
	if !committed {
		return false, nil
	}

	oldCopy := s.protect(old)
	newCopy := s.protect(applied)
	s.deps.Fanout.Deliver(ctx, s.key, oldCopy, newCopy)
	return true, nil
}

// persist durably writes data as the primary document's committed value:
// splits it into shards if it exceeds MaxDocBytes, writes the primary
// document (and any shard documents) with CAS, enqueues now-orphaned shards
// for cleanup, and records data as the last-saved snapshot on success.
// Callers must already hold the Queue's execution lock (i.e. call this from
// inside a Task.Run, never via queue.Submit) so no concurrent Update can
// move the pending buffer out from under the write in flight.
func (s *Session) persist(ctx context.Context, data map[string]any) error {
	shards, manifest, err := shard.Split(s.docKey(), data, s.deps.Options.MaxDocBytes)
	if err != nil {
		return err
	}

	s.mu.Lock()
	version := s.version
	oldShardIDs := s.shardIDs
	appliedMigs := s.appliedMigs
	s.mu.Unlock()

	primaryData := data
	var shardIDs []string
	if len(shards) > 0 {
		if err := s.putShards(ctx, manifest.ShardIDs, shards); err != nil {
			return err
		}
		manifestMap, err := manifestToMap(manifest)
		if err != nil {
			return err
		}
		primaryData = map[string]any{"manifest": manifestMap}
		shardIDs = manifest.ShardIDs
	}

	doc := playerstore.Document{
		Data: primaryData,
		Meta: playerstore.DocumentMeta{
			AppliedMigrations: appliedMigs,
			ShardIDs:          shardIDs,
			ContentHash:       manifest.ContentHash,
		},
	}

	newVersion, err := s.putDoc(ctx, doc, version)
	if err != nil {
		return err
	}

	if orphaned := diffShardIDs(oldShardIDs, shardIDs); len(orphaned) > 0 {
		if err := s.deps.OrphanQueue.Enqueue(ctx, orphaned); err != nil {
			playerstore.Log(s.deps.Options.LogCallback, slog.LevelWarn, "failed to enqueue orphaned shards",
				map[string]any{"key": s.key, "error": err.Error()})
		}
	}

	s.mu.Lock()
	s.lastSavedData = data
	s.version = newVersion
	s.shardIDs = shardIDs
	s.dirty = false
	s.mu.Unlock()
	return nil
}

func (s *Session) putDoc(ctx context.Context, doc playerstore.Document, expectedVersion int64) (int64, error) {
	var newVersion int64
	err := playerstore.Do(ctx, func(ctx context.Context) error {
		v, ok, err := s.deps.Store.Put(ctx, s.docKey(), doc, expectedVersion)
		if err != nil {
			return err
		}
		if !ok {
			return playerstore.NewError(playerstore.KindTransientBackendError, s.key,
				fmt.Errorf("session: CAS conflict writing primary document"))
		}
		newVersion = v
		return nil
	})
	return newVersion, err
}

func (s *Session) putShards(ctx context.Context, ids []string, payloads [][]byte) error {
	for i, id := range ids {
		encoded := base64.StdEncoding.EncodeToString(payloads[i])
		doc := playerstore.Document{Data: map[string]any{shardChunkKey: encoded}}
		if err := s.putShardCAS(ctx, id, doc); err != nil {
			return err
		}
	}
	return nil
}

func (s *Session) putShardCAS(ctx context.Context, id string, doc playerstore.Document) error {
	return playerstore.Do(ctx, func(ctx context.Context) error {
		_, meta, found, err := s.deps.Store.Get(ctx, id)
		if err != nil {
			return err
		}
		version := int64(0)
		if found {
			version = meta.Version
		}
		_, ok, err := s.deps.Store.Put(ctx, id, doc, version)
		if err != nil {
			return err
		}
		if !ok {
			return playerstore.NewError(playerstore.KindTransientBackendError, id,
				fmt.Errorf("session: CAS conflict writing shard"))
		}
		return nil
	})
}

func manifestToMap(manifest shard.Manifest) (map[string]any, error) {
	raw, err := json.Marshal(manifest)
	if err != nil {
		return nil, err
	}
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, err
	}
	return m, nil
}

func diffShardIDs(old, next []string) []string {
	keep := make(map[string]bool, len(next))
	for _, id := range next {
		keep[id] = true
	}
	var orphaned []string
	for _, id := range old {
		if !keep[id] {
			orphaned = append(orphaned, id)
		}
	}
	return orphaned
}
