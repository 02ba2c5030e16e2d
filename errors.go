package playerstore

import "fmt"

// Kind enumerates the engine's error taxonomy.
type Kind int

const (
	// KindUnknown is the zero value; never returned by this package.
	KindUnknown Kind = iota
	// KindKeyNotLoaded means an operation was attempted before Load resolved.
	KindKeyNotLoaded
	// KindStoreClosed means the operation was attempted after Close began.
	KindStoreClosed
	// KindLockLost means the Session's lease was lost mid-session.
	KindLockLost
	// KindLockUnavailable means another process holds the lease.
	KindLockUnavailable
	// KindSchemaFailed means the schema predicate rejected the data.
	KindSchemaFailed
	// KindUpdateYielded means an Update/Tx transform suspended.
	KindUpdateYielded
	// KindKeysChangedInTransaction means a Tx transform added or removed keys.
	KindKeysChangedInTransaction
	// KindCorruptRecord means decode or content-hash verification failed.
	KindCorruptRecord
	// KindUnknownMigration means a record has an applied migration the store
	// does not know about.
	KindUnknownMigration
	// KindTransientBackendError means a DocStore/LeaseMap call failed
	// transiently; the retry budget was exhausted before it succeeded.
	KindTransientBackendError
	// KindTerminalBackendError means a DocStore/LeaseMap call failed
	// permanently (malformed request, permission, corruption).
	KindTerminalBackendError
	// KindImportFailed means importLegacyData raised an error, or a
	// migration step failed while a record was being loaded.
	KindImportFailed
)

func (k Kind) String() string {
	switch k {
	case KindKeyNotLoaded:
		return "KeyNotLoaded"
	case KindStoreClosed:
		return "StoreClosed"
	case KindLockLost:
		return "LockLost"
	case KindLockUnavailable:
		return "LockUnavailable"
	case KindSchemaFailed:
		return "SchemaFailed"
	case KindUpdateYielded:
		return "UpdateYielded"
	case KindKeysChangedInTransaction:
		return "KeysChangedInTransaction"
	case KindCorruptRecord:
		return "CorruptRecord"
	case KindUnknownMigration:
		return "UnknownMigration"
	case KindTransientBackendError:
		return "TransientBackendError"
	case KindTerminalBackendError:
		return "TerminalBackendError"
	case KindImportFailed:
		return "ImportFailed"
	default:
		return "Unknown"
	}
}

// StoreError is the engine's error type: a taxonomy Kind plus the underlying
// cause and, where relevant, the key the error concerns.
type StoreError struct {
	Kind Kind
	Key  string
	Err  error
}

func (e *StoreError) Error() string {
	if e.Err == nil {
		if e.Key != "" {
			return fmt.Sprintf("%s: %s", e.Kind, e.Key)
		}
		return e.Kind.String()
	}
	if e.Key != "" {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Key, e.Err)
	}
	return fmt.Sprintf("%s: %v", e.Kind, e.Err)
}

func (e *StoreError) Unwrap() error { return e.Err }

// NewError constructs a StoreError of the given kind for key, wrapping cause
// (which may be nil).
func NewError(kind Kind, key string, cause error) *StoreError {
	return &StoreError{Kind: kind, Key: key, Err: cause}
}

// IsKind reports whether err is, or wraps, a StoreError of the given kind.
// Kind itself does not implement error, so errors.Is cannot match a Kind;
// IsKind is the kind check.
func IsKind(err error, kind Kind) bool {
	for err != nil {
		if se, ok := err.(*StoreError); ok {
			if se.Kind == kind {
				return true
			}
			err = se.Err
			continue
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return false
		}
		err = u.Unwrap()
	}
	return false
}
