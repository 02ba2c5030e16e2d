package playerstore

import "time"

// Options are the configuration options recognized on store creation. They
// are set once, at Open, and apply to every Session opened against that
// store.
type Options struct {
	// Name is the store's namespace prefix, prepended as Name+"/" to every
	// primary document key, and so to the shard IDs derived from it. Lease
	// names, transaction-ledger entries and the orphaned-shard queue
	// document use keys without the prefix.
	Name string

	// Template is the default data installed for a key that does not yet
	// exist in the DocStore. Nil means new keys start out empty.
	Template map[string]any

	// Schema validates data at every durable boundary: after a Template fill,
	// after each migration step, and after every Update/Tx transform, before
	// the result is staged for commit. A nil Schema always accepts.
	Schema Predicate

	// MigrationSteps are applied in order to a record's data the first time
	// it is loaded after being stamped with a prior version. Steps already
	// recorded in a document's appliedMigrations are skipped.
	MigrationSteps []MigrationStep

	// ImportLegacyData is invoked at most once per key, when Load finds no
	// record in the DocStore at all (as opposed to finding one pending
	// migration). A nil func means missing keys start from Template.
	ImportLegacyData func(key string) (map[string]any, error)

	// ChangedCallbacks receive an immutable before/after snapshot after every
	// committed change to any key in this store.
	ChangedCallbacks []ChangeCallback

	// LogCallback receives structured log records emitted by this store, in
	// addition to the default slog output.
	LogCallback LogCallback

	// DisableReferenceProtection makes Get return the Session's live data
	// map instead of a deep copy. Callers that promise not to mutate what
	// they are given can set this to avoid the copy's allocation cost.
	// ChangeCallbacks still receive their own deep copies, and Peek is
	// unaffected.
	DisableReferenceProtection bool

	// MaxDocBytes caps the encoded size of a single document before the
	// Shard Manager splits it across sibling documents. Zero disables
	// sharding.
	MaxDocBytes int

	// LockDuration is the lease TTL the Lock Manager requests for a Session.
	LockDuration time.Duration

	// LockRefreshInterval is how often a held lock's lease is renewed. It
	// must be smaller than LockDuration to tolerate refresh jitter and
	// backend latency.
	LockRefreshInterval time.Duration

	// AutosaveInterval is how often a Session with a dirty pending-change
	// buffer saves automatically, independent of any explicit Save call.
	// Zero uses the engine default of 30s.
	AutosaveInterval time.Duration
}

// withDefaults returns a copy of o with zero-valued tunables replaced by the
// engine's defaults.
func (o Options) withDefaults() Options {
	if o.LockDuration <= 0 {
		o.LockDuration = 30 * time.Second
	}
	if o.LockRefreshInterval <= 0 {
		o.LockRefreshInterval = o.LockDuration / 3
	}
	if o.AutosaveInterval <= 0 {
		o.AutosaveInterval = 30 * time.Second
	}
	return o
}

// ChangeCallback is notified after a committed change to key, with before
// and after holding immutable snapshots of the record's data (before may be
// nil for a first write).
type ChangeCallback func(key string, before, after map[string]any)

// LogCallback receives one structured log record. Implementations must not
// block the caller for long; slow sinks should buffer internally.
type LogCallback func(level string, msg string, attrs map[string]any)

// MigrationStep is one named, idempotent transform applied to a record's
// data during migration.
type MigrationStep struct {
	Name string
	Run  func(data map[string]any) (map[string]any, error)
}
