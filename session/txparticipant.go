package session

import (
	"context"
	"fmt"

	"github.com/sharedcode/playerstore"
	"github.com/sharedcode/playerstore/codec"
	"github.com/sharedcode/playerstore/queue"
)

// BeginTx reserves this key's tx slot: it submits a TxParticipate Task that
// blocks the Per-Key Operation Queue (disabling the fast path and draining
// anything already ahead of it) until EndTx releases the slot, and returns
// the key's current committed data for the Coordinator's Phase 1 snapshot.
func (s *Session) BeginTx(ctx context.Context, txID playerstore.UUID) (map[string]any, error) {
	if err := s.requireReady(); err != nil {
		return nil, err
	}

	ready := make(chan map[string]any, 1)
	done := make(chan struct{})
	submitErr := make(chan error, 1)

	go func() {
		_, err := s.queue.Submit(ctx, queue.Task{
			Kind: queue.KindTxParticipate,
			Run: func(ctx context.Context) (any, error) {
				// The Coordinator's Phase 1 diff is computed against this
				// snapshot and later applied to the DocStore's committedData
				// in Phase 4; they must agree, so any pending buffered
				// change is flushed first.
				s.mu.Lock()
				dirty, pending := s.dirty, s.data
				s.mu.Unlock()
				if dirty {
					if err := s.persist(ctx, pending); err != nil {
						return nil, err
					}
				}
				ready <- s.snapshotData()
				select {
				case <-done:
				case <-ctx.Done():
				}
				return nil, nil
			},
		})
		submitErr <- err
	}()

	select {
	case data := <-ready:
		s.mu.Lock()
		if s.txDone == nil {
			s.txDone = make(map[string]chan struct{})
		}
		s.txDone[txID.String()] = done
		s.txSlots++
		s.mu.Unlock()
		return data, nil
	case err := <-submitErr:
		if err == nil {
			err = playerstore.NewError(playerstore.KindStoreClosed, s.key,
				fmt.Errorf("session: tx participation ended before producing a snapshot"))
		}
		return nil, err
	case <-ctx.Done():
		close(done)
		return nil, ctx.Err()
	}
}

// EndTx releases the tx slot BeginTx acquired, re-enabling the fast path.
func (s *Session) EndTx(ctx context.Context, txID playerstore.UUID) {
	s.mu.Lock()
	done, ok := s.txDone[txID.String()]
	if ok {
		delete(s.txDone, txID.String())
		s.txSlots--
	}
	s.mu.Unlock()
	if ok {
		close(done)
	}
}

// StageWrite performs Phase 2: it marks the primary document's tx slot
// active with patch pending and records the current Data as CommittedData,
// leaving Data untouched.
func (s *Session) StageWrite(ctx context.Context, txID playerstore.UUID, patch playerstore.Patch) error {
	return s.mutateDoc(ctx, func(doc *playerstore.Document) error {
		doc.Meta.ActiveTxID = txID
		doc.Meta.CommittedData = doc.Data
		doc.Meta.TxPatch = patch
		return nil
	})
}

// Unstage rolls back a Phase 2 write during a failed Run, clearing the tx
// slot without touching Data.
func (s *Session) Unstage(ctx context.Context, txID playerstore.UUID) error {
	return s.mutateDoc(ctx, func(doc *playerstore.Document) error {
		if doc.Meta.ActiveTxID != txID {
			return nil
		}
		doc.Meta.ActiveTxID = playerstore.NilUUID
		doc.Meta.CommittedData = nil
		doc.Meta.TxPatch = nil
		return nil
	})
}

// CommitWrite performs Phase 4: it applies patch to CommittedData, makes
// the result Data, and clears the tx slot.
func (s *Session) CommitWrite(ctx context.Context, txID playerstore.UUID, patch playerstore.Patch) error {
	return s.mutateDoc(ctx, func(doc *playerstore.Document) error {
		next, err := codec.Apply(doc.Meta.CommittedData, patch)
		if err != nil {
			return playerstore.NewError(playerstore.KindCorruptRecord, s.key, err)
		}
		hash, err := codec.ContentHash(next)
		if err != nil {
			return playerstore.NewError(playerstore.KindCorruptRecord, s.key, err)
		}
		doc.Data = next
		doc.Meta.CommittedData = next
		doc.Meta.ActiveTxID = playerstore.NilUUID
		doc.Meta.TxPatch = nil
		doc.Meta.ContentHash = hash
		return nil
	})
}

// ApplyDirect performs the single-changed-key downgrade: a plain write of
// patch with no tx bookkeeping at all.
func (s *Session) ApplyDirect(ctx context.Context, patch playerstore.Patch) error {
	return s.mutateDoc(ctx, func(doc *playerstore.Document) error {
		next, err := codec.Apply(doc.Data, patch)
		if err != nil {
			return playerstore.NewError(playerstore.KindCorruptRecord, s.key, err)
		}
		hash, err := codec.ContentHash(next)
		if err != nil {
			return playerstore.NewError(playerstore.KindCorruptRecord, s.key, err)
		}
		doc.Data = next
		doc.Meta.ContentHash = hash
		return nil
	})
}

// snapshotData returns a deep copy of the Session's current in-memory data.
func (s *Session) snapshotData() map[string]any {
	s.mu.Lock()
	defer s.mu.Unlock()
	return mustDeepCopy(s.data)
}

// mutateDoc runs a CAS-retried read/modify/write of the primary document,
// mirroring the result into in-memory state when the document leaves any
// transaction in-flight (ActiveTxID nil after mutate).
func (s *Session) mutateDoc(ctx context.Context, mutate func(doc *playerstore.Document) error) error {
	return playerstore.Do(ctx, func(ctx context.Context) error {
		doc, _, found, err := s.deps.Store.Get(ctx, s.docKey())
		if err != nil {
			return err
		}
		if !found {
			doc = playerstore.Document{Data: s.snapshotData()}
		}
		version := doc.Version
		if err := mutate(&doc); err != nil {
			return err
		}

		newVersion, ok, err := s.deps.Store.Put(ctx, s.docKey(), doc, version)
		if err != nil {
			return err
		}
		if !ok {
			return playerstore.NewError(playerstore.KindTransientBackendError, s.key,
				fmt.Errorf("session: CAS conflict during transaction write"))
		}

		s.mu.Lock()
		s.version = newVersion
		if doc.Meta.ActiveTxID.IsNil() {
			s.data = doc.Data
			s.lastSavedData = doc.Data
			s.dirty = false
		}
		s.mu.Unlock()
		return nil
	})
}
