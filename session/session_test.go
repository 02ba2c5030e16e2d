package session

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/sharedcode/playerstore"
	"github.com/sharedcode/playerstore/docstore"
	"github.com/sharedcode/playerstore/leasemap"
	"github.com/sharedcode/playerstore/lock"
	"github.com/sharedcode/playerstore/schema"
	"github.com/sharedcode/playerstore/shard"
	"github.com/sharedcode/playerstore/txn"
)

func testDeps(opts playerstore.Options) (Deps, *docstore.Mock) {
	store := docstore.NewMock()
	opts.Name = "game"
	if opts.LockDuration <= 0 {
		opts.LockDuration = time.Second
	}
	if opts.LockRefreshInterval <= 0 {
		opts.LockRefreshInterval = opts.LockDuration / 3
	}
	if opts.AutosaveInterval <= 0 {
		opts.AutosaveInterval = 30 * time.Second
	}
	return Deps{
		Store:       store,
		LockMgr:     lock.New(leasemap.NewMock()),
		Ledger:      txn.NewLedger(store),
		OrphanQueue: shard.NewOrphanQueue(store),
		Options:     opts,
		Fanout:      NewFanout(nil, nil),
	}, store
}

func loadReady(t *testing.T, deps Deps, key string) *Session {
	t.Helper()
	s := New(key, deps)
	if err := s.Load(context.Background()); err != nil {
		t.Fatalf("Load: %v", err)
	}
	if s.State() != StateReady {
		t.Fatalf("expected Ready, got %v", s.State())
	}
	return s
}

func TestLoadMissingKeyUsesTemplate(t *testing.T) {
	deps, _ := testDeps(playerstore.Options{Template: map[string]any{"coins": 0.0}})
	s := loadReady(t, deps, "p1")
	defer s.Close(context.Background())

	data, err := s.Get(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if data["coins"] != 0.0 {
		t.Errorf("coins = %v, want 0", data["coins"])
	}
}

func TestUpdateCommitsToPendingBufferWithoutPersisting(t *testing.T) {
	deps, store := testDeps(playerstore.Options{Template: map[string]any{"coins": 0.0}})
	s := loadReady(t, deps, "p1")
	defer s.Close(context.Background())

	committed, err := s.Update(context.Background(), func(data map[string]any) bool {
		data["coins"] = data["coins"].(float64) + 10
		return true
	})
	if err != nil || !committed {
		t.Fatalf("committed=%v err=%v", committed, err)
	}

	data, err := s.Get(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if data["coins"] != 10.0 {
		t.Errorf("coins = %v, want 10", data["coins"])
	}

	if _, _, found, _ := store.Get(context.Background(), "game/p1"); found {
		t.Error("expected no durable write before Save")
	}
}

func TestUpdateAbortLeavesDataUnchanged(t *testing.T) {
	deps, _ := testDeps(playerstore.Options{Template: map[string]any{"coins": 5.0}})
	s := loadReady(t, deps, "p1")
	defer s.Close(context.Background())

	committed, err := s.Update(context.Background(), func(data map[string]any) bool {
		data["coins"] = 999.0
		return false
	})
	if err != nil {
		t.Fatal(err)
	}
	if committed {
		t.Fatal("expected commit=false")
	}

	data, _ := s.Get(context.Background())
	if data["coins"] != 5.0 {
		t.Errorf("coins = %v, want 5 (unchanged)", data["coins"])
	}
}

func TestSaveFlushesPendingBufferAndCoalesces(t *testing.T) {
	deps, store := testDeps(playerstore.Options{Template: map[string]any{"coins": 0.0}})
	s := loadReady(t, deps, "p1")
	defer s.Close(context.Background())

	if _, err := s.Update(context.Background(), func(data map[string]any) bool {
		data["coins"] = 7.0
		return true
	}); err != nil {
		t.Fatal(err)
	}

	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := s.Save(context.Background()); err != nil {
				t.Errorf("Save: %v", err)
			}
		}()
	}
	wg.Wait()

	doc, _, found, err := store.Get(context.Background(), "game/p1")
	if err != nil || !found {
		t.Fatalf("expected a durable document, found=%v err=%v", found, err)
	}
	if doc.Data["coins"] != 7.0 {
		t.Errorf("persisted coins = %v, want 7", doc.Data["coins"])
	}
}

func TestCloseFlushesBeforeReleasingLock(t *testing.T) {
	deps, store := testDeps(playerstore.Options{Template: map[string]any{"coins": 0.0}})
	s := loadReady(t, deps, "p1")

	if _, err := s.Update(context.Background(), func(data map[string]any) bool {
		data["coins"] = 3.0
		return true
	}); err != nil {
		t.Fatal(err)
	}
	if err := s.Close(context.Background()); err != nil {
		t.Fatalf("Close: %v", err)
	}

	doc, _, found, err := store.Get(context.Background(), "game/p1")
	if err != nil || !found {
		t.Fatalf("expected a durable document after Close, found=%v err=%v", found, err)
	}
	if doc.Data["coins"] != 3.0 {
		t.Errorf("persisted coins = %v, want 3", doc.Data["coins"])
	}

	if err := s.Close(context.Background()); err != nil {
		t.Errorf("second Close should be a no-op, got %v", err)
	}
	if _, err := s.Get(context.Background()); !playerstore.IsKind(err, playerstore.KindStoreClosed) {
		t.Errorf("expected StoreClosed after Close, got %v", err)
	}
}

func TestLockLossBlocksFurtherOperations(t *testing.T) {
	deps, _ := testDeps(playerstore.Options{Template: map[string]any{}})
	s := loadReady(t, deps, "p1")
	defer s.Close(context.Background())

	s.onLockLost()
	if s.State() != StateLost {
		t.Fatalf("expected Lost, got %v", s.State())
	}

	if _, err := s.Get(context.Background()); !playerstore.IsKind(err, playerstore.KindLockLost) {
		t.Errorf("expected LockLost, got %v", err)
	}
	if _, err := s.Update(context.Background(), func(map[string]any) bool { return true }); !playerstore.IsKind(err, playerstore.KindLockLost) {
		t.Errorf("expected LockLost, got %v", err)
	}
}

func TestSchemaRejectionFailsUpdateAndKeepsPriorData(t *testing.T) {
	validate := schema.Func(func(data map[string]any) (bool, string) {
		coins, _ := data["coins"].(float64)
		if coins < 0 {
			return false, "coins must not be negative"
		}
		return true, ""
	})
	deps, _ := testDeps(playerstore.Options{Template: map[string]any{"coins": 5.0}, Schema: validate})
	s := loadReady(t, deps, "p1")
	defer s.Close(context.Background())

	committed, err := s.Update(context.Background(), func(data map[string]any) bool {
		data["coins"] = -1.0
		return true
	})
	if committed {
		t.Fatal("expected commit=false on schema rejection")
	}
	if !playerstore.IsKind(err, playerstore.KindSchemaFailed) {
		t.Fatalf("expected SchemaFailed, got %v", err)
	}

	data, _ := s.Get(context.Background())
	if data["coins"] != 5.0 {
		t.Errorf("coins = %v, want 5 (unchanged after rejected update)", data["coins"])
	}
}

func TestLoadRejectsRecordWithUnknownAppliedMigration(t *testing.T) {
	steps := []playerstore.MigrationStep{{
		Name: "add-coins",
		Run: func(data map[string]any) (map[string]any, error) {
			data["coins"] = 0.0
			return data, nil
		},
	}}
	deps, store := testDeps(playerstore.Options{MigrationSteps: steps})

	_, _, err := store.Put(context.Background(), "game/p1", playerstore.Document{
		Data: map[string]any{"coins": 3.0},
		Meta: playerstore.DocumentMeta{AppliedMigrations: []string{"add-coins", "rename-gold-to-coins"}},
	}, 0)
	if err != nil {
		t.Fatal(err)
	}

	s := New("p1", deps)
	err = s.Load(context.Background())
	if err == nil {
		t.Fatal("expected Load to fail for a record with an unknown applied migration")
	}
	if !playerstore.IsKind(err, playerstore.KindUnknownMigration) {
		t.Errorf("expected KindUnknownMigration, got %v", err)
	}
	if s.State() != StateClosed {
		t.Errorf("expected session to close on load failure, got %v", s.State())
	}
}

func TestConcurrentUpdatesNeverLoseACommit(t *testing.T) {
	deps, _ := testDeps(playerstore.Options{Template: map[string]any{"coins": 0.0}})
	s := loadReady(t, deps, "p1")
	defer s.Close(context.Background())

	const n = 50
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := s.Update(context.Background(), func(data map[string]any) bool {
				data["coins"] = data["coins"].(float64) + 1
				return true
			})
			if err != nil {
				t.Errorf("Update: %v", err)
			}
		}()
	}
	wg.Wait()

	data, _ := s.Get(context.Background())
	if data["coins"] != float64(n) {
		t.Errorf("coins = %v, want %d (lost a concurrent commit)", data["coins"], n)
	}
}

func TestChangeObserverSeesCommittedTransitions(t *testing.T) {
	var mu sync.Mutex
	var seen [][2]any
	obs := ObserverFunc(func(key string, old, new map[string]any) {
		mu.Lock()
		defer mu.Unlock()
		var o any
		if old != nil {
			o = old["coins"]
		}
		seen = append(seen, [2]any{o, new["coins"]})
	})

	deps, _ := testDeps(playerstore.Options{Template: map[string]any{"coins": 0.0}})
	deps.Fanout = NewFanout([]ChangeObserver{obs}, nil)
	s := loadReady(t, deps, "p1")
	defer s.Close(context.Background())

	if _, err := s.Update(context.Background(), func(data map[string]any) bool {
		data["coins"] = 1.0
		return true
	}); err != nil {
		t.Fatal(err)
	}

	deadline := time.Now().Add(time.Second)
	for {
		mu.Lock()
		count := len(seen)
		mu.Unlock()
		if count >= 2 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("timed out waiting for fan-out delivery")
		}
		time.Sleep(time.Millisecond)
	}

	mu.Lock()
	defer mu.Unlock()
	if seen[1][1] != 1.0 {
		t.Errorf("last delivered new coins = %v, want 1", seen[1][1])
	}
}

func TestGetDisableReferenceProtectionSkipsCopy(t *testing.T) {
	deps, _ := testDeps(playerstore.Options{Template: map[string]any{"coins": 0.0}, DisableReferenceProtection: true})
	s := loadReady(t, deps, "p1")
	defer s.Close(context.Background())

	data, err := s.Get(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	data["coins"] = 42.0

	again, _ := s.Get(context.Background())
	if again["coins"] != 42.0 {
		t.Errorf("expected mutation of an unprotected snapshot to alias internal state, got %v", again["coins"])
	}
}

func TestPeekReadsWithoutASession(t *testing.T) {
	deps, store := testDeps(playerstore.Options{Template: map[string]any{"coins": 0.0}})
	s := loadReady(t, deps, "p1")
	if _, err := s.Update(context.Background(), func(data map[string]any) bool {
		data["coins"] = 9.0
		return true
	}); err != nil {
		t.Fatal(err)
	}
	if err := s.Save(context.Background()); err != nil {
		t.Fatal(err)
	}
	if err := s.Close(context.Background()); err != nil {
		t.Fatal(err)
	}

	data, err := Peek(context.Background(), "game/p1", deps.Ledger, store)
	if err != nil {
		t.Fatal(err)
	}
	if data["coins"] != 9.0 {
		t.Errorf("coins = %v, want 9", data["coins"])
	}

	missing, err := Peek(context.Background(), "game/nobody", deps.Ledger, store)
	if err != nil {
		t.Fatal(err)
	}
	if missing != nil {
		t.Errorf("expected nil for an absent key, got %v", missing)
	}
}

func TestBeginTxFlushesPendingBufferFirst(t *testing.T) {
	deps, store := testDeps(playerstore.Options{Template: map[string]any{"coins": 0.0}})
	s := loadReady(t, deps, "p1")
	defer s.Close(context.Background())

	if _, err := s.Update(context.Background(), func(data map[string]any) bool {
		data["coins"] = 4.0
		return true
	}); err != nil {
		t.Fatal(err)
	}

	txID := playerstore.NewUUID()
	snapshot, err := s.BeginTx(context.Background(), txID)
	if err != nil {
		t.Fatalf("BeginTx: %v", err)
	}
	s.EndTx(context.Background(), txID)

	if snapshot["coins"] != 4.0 {
		t.Errorf("tx snapshot coins = %v, want 4", snapshot["coins"])
	}
	doc, _, found, err := store.Get(context.Background(), "game/p1")
	if err != nil || !found {
		t.Fatalf("expected BeginTx to have flushed a durable write, found=%v err=%v", found, err)
	}
	if doc.Data["coins"] != 4.0 {
		t.Errorf("persisted coins = %v, want 4", doc.Data["coins"])
	}
}

func TestBeginTxBlocksFastPathUntilEndTx(t *testing.T) {
	deps, _ := testDeps(playerstore.Options{Template: map[string]any{"coins": 0.0}})
	s := loadReady(t, deps, "p1")
	defer s.Close(context.Background())

	txID := playerstore.NewUUID()
	if _, err := s.BeginTx(context.Background(), txID); err != nil {
		t.Fatalf("BeginTx: %v", err)
	}

	updateDone := make(chan struct{})
	go func() {
		_, err := s.Update(context.Background(), func(data map[string]any) bool {
			data["coins"] = 1.0
			return true
		})
		if err != nil {
			t.Errorf("Update: %v", err)
		}
		close(updateDone)
	}()

	select {
	case <-updateDone:
		t.Fatal("expected the fast path to be blocked while a transaction holds the tx slot")
	case <-time.After(20 * time.Millisecond):
	}

	s.EndTx(context.Background(), txID)
	<-updateDone
}

func TestStageCommitAndUnstageRoundTrip(t *testing.T) {
	deps, store := testDeps(playerstore.Options{Template: map[string]any{"coins": 0.0}})
	s := loadReady(t, deps, "p1")
	defer s.Close(context.Background())

	txID := playerstore.NewUUID()
	if _, err := s.BeginTx(context.Background(), txID); err != nil {
		t.Fatal(err)
	}
	patch := playerstore.Patch{{Op: "replace", Path: "/coins", Value: 8.0}}

	if err := s.StageWrite(context.Background(), txID, patch); err != nil {
		t.Fatalf("StageWrite: %v", err)
	}
	doc, _, _, err := store.Get(context.Background(), "game/p1")
	if err != nil {
		t.Fatal(err)
	}
	if doc.Meta.ActiveTxID != txID {
		t.Errorf("expected activeTxID to be set after StageWrite")
	}

	if err := s.Unstage(context.Background(), txID); err != nil {
		t.Fatalf("Unstage: %v", err)
	}
	doc, _, _, err = store.Get(context.Background(), "game/p1")
	if err != nil {
		t.Fatal(err)
	}
	if !doc.Meta.ActiveTxID.IsNil() {
		t.Errorf("expected activeTxID cleared after Unstage")
	}

	if err := s.StageWrite(context.Background(), txID, patch); err != nil {
		t.Fatal(err)
	}
	if err := s.CommitWrite(context.Background(), txID, patch); err != nil {
		t.Fatalf("CommitWrite: %v", err)
	}
	doc, _, _, err = store.Get(context.Background(), "game/p1")
	if err != nil {
		t.Fatal(err)
	}
	if !doc.Meta.ActiveTxID.IsNil() {
		t.Error("expected activeTxID cleared after CommitWrite")
	}
	if doc.Data["coins"] != 8.0 {
		t.Errorf("committed coins = %v, want 8", doc.Data["coins"])
	}

	s.EndTx(context.Background(), txID)
}
