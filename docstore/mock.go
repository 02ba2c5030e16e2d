package docstore

import (
	"context"
	"sync"

	"github.com/sharedcode/playerstore"
)

// Mock is an in-memory DocStore test double: a mutex-guarded map
// implementing the same compare-and-set contract the Cassandra and S3
// backends provide, without a real backing service.
type Mock struct {
	mu   sync.Mutex
	docs map[string]playerstore.Document
}

// NewMock returns an empty Mock DocStore.
func NewMock() *Mock {
	return &Mock{docs: make(map[string]playerstore.Document)}
}

// Get implements playerstore.DocStore.
func (m *Mock) Get(ctx context.Context, key string) (playerstore.Document, playerstore.DocMeta, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	doc, ok := m.docs[key]
	if !ok {
		return playerstore.Document{}, playerstore.DocMeta{}, false, nil
	}
	return doc, playerstore.DocMeta{Version: doc.Version}, true, nil
}

// Put implements playerstore.DocStore.
func (m *Mock) Put(ctx context.Context, key string, doc playerstore.Document, expectedVersion int64) (int64, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	existing, ok := m.docs[key]
	var currentVersion int64
	if ok {
		currentVersion = existing.Version
	}
	if currentVersion != expectedVersion {
		return 0, false, nil
	}

	newVersion := expectedVersion + 1
	doc.Version = newVersion
	m.docs[key] = doc
	return newVersion, true, nil
}

// Delete implements playerstore.DocStore.
func (m *Mock) Delete(ctx context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.docs, key)
	return nil
}

var _ playerstore.DocStore = (*Mock)(nil)
