// Package playerstore implements a multi-tenant, distributed player-data
// persistence engine on top of two collaborating external services: a
// key/value document store with per-key atomic compare-and-set (DocStore,
// see the docstore package) and a best-effort, lease-based shared hash map
// used for cross-process coordination (LeaseMap, see the leasemap package).
//
// The engine's core is the per-key Session (see the session package),
// together with a distributed Lock Manager (lock), a per-key operation
// Queue (queue), and a two-phase multi-key Transaction Coordinator (txn)
// layered over a document-embedded write-ahead log. Adjacent subsystems —
// schema validation (schema), migrations (migration), shard encoding
// (shard), and document codec (codec) — are implemented as separate
// packages so hosts can exercise or replace them independently.
//
// This package ties the pieces together behind the Store facade.
package playerstore
