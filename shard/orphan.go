package shard

import (
	"context"
	"fmt"

	"github.com/sharedcode/playerstore"
)

// orphanQueueKey is the DocStore key for the orphaned-shard FIFO document.
// It is one fixed key, not per record and without any store-name prefix,
// so every store over the same DocStore shares this one queue document.
const orphanQueueKey = "__orphan_shards__"

// OrphanQueue is a persistent FIFO of shard IDs that were superseded by a
// shrinking write; the writer enqueues them here without deleting them
// itself. Grounded on the
// teacher's transaction-log cleanup sweep (processExpiredTransactionLogs's
// "consume everything due, then move on" loop), simplified from an
// hour-bucketed table scan to a single FIFO document since this engine has
// no table concept to bucket by.
type OrphanQueue struct {
	store playerstore.DocStore
}

// NewOrphanQueue returns an OrphanQueue backed by store.
func NewOrphanQueue(store playerstore.DocStore) *OrphanQueue {
	return &OrphanQueue{store: store}
}

// Enqueue appends shardIDs to the queue. It retries its own CAS loop
// internally since the queue document is shared across every key's writes.
func (q *OrphanQueue) Enqueue(ctx context.Context, shardIDs []string) error {
	if len(shardIDs) == 0 {
		return nil
	}
	return playerstore.Do(ctx, func(ctx context.Context) error {
		doc, _, found, err := q.store.Get(ctx, orphanQueueKey)
		if err != nil {
			return err
		}
		version := int64(0)
		pending, _ := doc.Data["pending"].([]any)
		if found {
			version = doc.Version
		}
		for _, id := range shardIDs {
			pending = append(pending, id)
		}
		_, ok, err := q.store.Put(ctx, orphanQueueKey, playerstore.Document{Data: map[string]any{"pending": pending}}, version)
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("shard: orphan queue CAS conflict, retrying")
		}
		return nil
	})
}

// Depth returns the number of shard IDs currently queued for deletion, for
// host observability.
func (q *OrphanQueue) Depth(ctx context.Context) (int, error) {
	doc, _, found, err := q.store.Get(ctx, orphanQueueKey)
	if err != nil || !found {
		return 0, err
	}
	pending, _ := doc.Data["pending"].([]any)
	return len(pending), nil
}

// Sweep attempts to delete every queued shard ID via delete, removing it
// from the queue on success and leaving it queued (for a future Sweep) on
// failure. It runs only when a caller invokes it: Store.Open does not call
// it, and no timer does.
func (q *OrphanQueue) Sweep(ctx context.Context, delete func(ctx context.Context, shardID string) error) error {
	doc, _, found, err := q.store.Get(ctx, orphanQueueKey)
	if err != nil || !found {
		return err
	}
	pending, _ := doc.Data["pending"].([]any)
	if len(pending) == 0 {
		return nil
	}

	var survivors []any
	for _, raw := range pending {
		id, _ := raw.(string)
		if err := delete(ctx, id); err != nil {
			survivors = append(survivors, id)
		}
	}

	_, _, err = q.store.Put(ctx, orphanQueueKey, playerstore.Document{Data: map[string]any{"pending": survivors}}, doc.Version)
	return err
}
