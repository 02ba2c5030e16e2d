package leasemap

import (
	"context"
	"sync"
	"time"

	"github.com/sharedcode/playerstore"
)

type entry struct {
	owner   playerstore.UUID
	expires time.Time
}

// Mock is an in-memory LeaseMap test double: a mutex-guarded map with
// real TTL expiry, standing in for Redis's own key expiry in tests, and
// actually implementing the Lock Manager's Acquire/Release/Holder contract
// rather than stubbing it out.
type Mock struct {
	mu      sync.Mutex
	entries map[string]entry
	now     func() time.Time
}

// NewMock returns an empty Mock LeaseMap.
func NewMock() *Mock {
	return &Mock{entries: make(map[string]entry), now: time.Now}
}

// SetClock overrides the time source, for deterministic TTL-expiry tests.
func (m *Mock) SetClock(now func() time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.now = now
}

func (m *Mock) expire(name string) {
	if e, ok := m.entries[name]; ok && !e.expires.After(m.now()) {
		delete(m.entries, name)
	}
}

// Acquire implements playerstore.LeaseMap.
func (m *Mock) Acquire(ctx context.Context, name string, lockID playerstore.UUID, ttl time.Duration) (bool, playerstore.UUID, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.expire(name)

	e, held := m.entries[name]
	if held && e.owner != lockID {
		return false, e.owner, nil
	}
	m.entries[name] = entry{owner: lockID, expires: m.now().Add(ttl)}
	return true, lockID, nil
}

// Release implements playerstore.LeaseMap.
func (m *Mock) Release(ctx context.Context, name string, lockID playerstore.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.expire(name)
	if e, ok := m.entries[name]; ok && e.owner == lockID {
		delete(m.entries, name)
	}
	return nil
}

// Holder implements playerstore.LeaseMap.
func (m *Mock) Holder(ctx context.Context, name string) (playerstore.UUID, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.expire(name)
	if e, ok := m.entries[name]; ok {
		return e.owner, nil
	}
	return playerstore.NilUUID, nil
}

var _ playerstore.LeaseMap = (*Mock)(nil)
