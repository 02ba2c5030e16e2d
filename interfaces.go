package playerstore

import (
	"context"
	"time"
)

// DocStore is the key/value document backend the engine is built on: one
// document per key, read and written under an optimistic compare-and-set
// version token. Implementations live in the docstore package (Cassandra,
// S3, and an in-memory test double).
type DocStore interface {
	// Get fetches key's current document and version. It returns
	// (Document{}, DocMeta{}, false, nil) if key does not exist.
	Get(ctx context.Context, key string) (Document, DocMeta, bool, error)

	// Put writes doc at key only if the backend's current version equals
	// expectedVersion (0 for "key must not exist yet"). It returns the new
	// version on success, or ok=false if the CAS check failed — the caller
	// should re-Get and retry, not treat it as a backend error.
	Put(ctx context.Context, key string, doc Document, expectedVersion int64) (newVersion int64, ok bool, err error)

	// Delete removes key unconditionally. Used by the transaction Ledger to
	// drop a transaction's entry during Phase 4 cleanup.
	Delete(ctx context.Context, key string) error
}

// LeaseMap is the best-effort shared hash map the Lock Manager coordinates
// over: one entry per lock name, value is the owning lock ID, entries expire
// on their own after a TTL even if the owner crashes. Implementations live
// in the leasemap package (Redis-backed, and an in-memory test double).
type LeaseMap interface {
	// Acquire sets name=lockID with the given TTL if and only if name is
	// absent or already held by lockID (a refresh). It reports ok=false,
	// with holder set to the current owner's ID, if held by someone else.
	Acquire(ctx context.Context, name string, lockID UUID, ttl time.Duration) (ok bool, holder UUID, err error)

	// Release deletes name, but only if it is currently held by lockID.
	Release(ctx context.Context, name string, lockID UUID) error

	// Holder reports the current owner of name, or NilUUID if unheld.
	Holder(ctx context.Context, name string) (UUID, error)
}
