package playerstore

// Patch is an ordered list of JSON-patch-style operations produced by the
// codec package's deterministic diff, and applied by its Apply. Keeping the
// type in this package (rather than codec) lets Document reference it
// without every caller importing codec just to read a document.
type Patch []PatchOp

// PatchOp is one deterministic diff operation: Add/Remove/Replace the value
// at Path, a JSON-Pointer-style, depth-first, sorted-key path into the
// document tree ("/" for the root, "/foo/bar" for a nested field,
// "/foo/0" for an array element).
type PatchOp struct {
	Op    string `json:"op"`
	Path  string `json:"path"`
	Value any    `json:"value,omitempty"`
}

// Tuple of two items, used where a pair doesn't carry Key/Value semantics.
type Tuple[T1 any, T2 any] struct {
	First  T1
	Second T2
}

// LockKey is one entry in a lock request: the namespaced LeaseMap key to
// acquire, the lock ID this process wants to hold it under, and whether the
// last attempt against this key succeeded.
type LockKey struct {
	Key         string
	LockID      UUID
	IsLockOwner bool
}

// Predicate validates a record's data. ok reports whether data passes; when
// it does not, reason names the violation. Implementations live in the
// schema package (schema.Func, schema.CEL); this interface keeps the root
// package free of a hard dependency on any particular validation engine.
type Predicate interface {
	Validate(data map[string]any) (ok bool, reason string)
}

// Document is the durable, DocStore-resident record for one key: the
// committed application data plus the bookkeeping needed to run the
// transaction protocol, migrations, and sharding over it.
type Document struct {
	// Data is the committed, application-visible value.
	Data map[string]any `json:"data"`

	// Meta holds everything about Data that isn't itself application data.
	Meta DocumentMeta `json:"meta"`

	// Version is the DocStore compare-and-set token last observed for this
	// document; it travels with the Document so a caller holding one can
	// Put without a redundant Get.
	Version int64 `json:"version"`
}

// DocumentMeta is the non-application bookkeeping carried alongside a
// Document's Data.
type DocumentMeta struct {
	// AppliedMigrations names every MigrationStep already folded into Data,
	// in application order.
	AppliedMigrations []string `json:"appliedMigrations,omitempty"`

	// ShardIDs lists the sibling document IDs holding this record's
	// overflow, in order, when the record has been split by the Shard
	// Manager. Empty for an unsharded record.
	ShardIDs []string `json:"shardIds,omitempty"`

	// ActiveTxID is the transaction currently holding the write-ahead log
	// slot on this document, or NilUUID if none.
	ActiveTxID UUID `json:"activeTxId,omitempty"`

	// CommittedData is the pre-transaction value of Data while ActiveTxID
	// is non-nil, so a crashed coordinator's Cleanup phase (or a racing
	// reader) can still recover the last-committed snapshot. CommitWrite
	// leaves it equal to the newly committed Data.
	CommittedData map[string]any `json:"committedData,omitempty"`

	// TxPatch is the JSON patch describing ActiveTxID's staged change,
	// present only while ActiveTxID is non-nil. Applying TxPatch to
	// CommittedData yields the value Data takes once that transaction
	// commits.
	TxPatch Patch `json:"txPatch,omitempty"`

	// ContentHash is a content hash of Data, refreshed on every commit, used
	// to detect corruption independent of the DocStore's own CAS version.
	ContentHash string `json:"contentHash,omitempty"`
}

// DocMeta is the DocStore's per-key bookkeeping returned alongside a
// document body by Get: the opaque CAS version token and encoded size.
type DocMeta struct {
	Version int64
	Size    int
}

// UpdateFunc is the Host API's Update transform: it mutates data in place
// and returns whether to commit the result. Returning false aborts the
// operation as a no-op.
type UpdateFunc func(data map[string]any) bool

// TxFunc is the Host API's multi-key transaction transform: it mutates the
// {key: data} map in place and returns whether to commit. Returning false
// aborts the whole transaction as a no-op; adding or removing a key fails
// the transaction with KindKeysChangedInTransaction.
type TxFunc func(stateMap map[string]map[string]any) bool
