package queue

import (
	"context"
	"testing"
	"time"

	"github.com/sharedcode/playerstore"
)

func TestSubmitUpdateFastPathCommits(t *testing.T) {
	q := New()
	defer q.Close()

	current := map[string]any{"score": 1.0}
	next, committed, err := q.SubmitUpdate(context.Background(), func() map[string]any { return current }, func(data map[string]any) (map[string]any, bool, error) {
		data["score"] = data["score"].(float64) + 1
		return data, true, nil
	})
	if err != nil {
		t.Fatal(err)
	}
	if !committed {
		t.Fatal("expected commit=true")
	}
	if next["score"] != 2.0 {
		t.Errorf("score = %v, want 2.0", next["score"])
	}
}

func TestSubmitUpdateAbortReturnsFalse(t *testing.T) {
	q := New()
	defer q.Close()

	current := map[string]any{"score": 1.0}
	_, committed, err := q.SubmitUpdate(context.Background(), func() map[string]any { return current }, func(data map[string]any) (map[string]any, bool, error) {
		return data, false, nil
	})
	if err != nil {
		t.Fatal(err)
	}
	if committed {
		t.Error("expected commit=false to be reported as an abort")
	}
}

func TestSubmitUpdateYieldsOnSlowTransform(t *testing.T) {
	q := New()
	defer q.Close()

	current := map[string]any{}
	_, _, err := q.SubmitUpdate(context.Background(), func() map[string]any { return current }, func(data map[string]any) (map[string]any, bool, error) {
		time.Sleep(watchdogDeadline * 3)
		return data, true, nil
	})
	if !playerstore.IsKind(err, playerstore.KindUpdateYielded) {
		t.Fatalf("expected UpdateYielded, got %v", err)
	}
}

func TestTxParticipateDisablesFastPath(t *testing.T) {
	q := New()
	defer q.Close()

	txStarted := make(chan struct{})
	txRelease := make(chan struct{})
	txDone := make(chan struct{})

	go func() {
		_, _ = q.Submit(context.Background(), Task{
			Kind: KindTxParticipate,
			Run: func(ctx context.Context) (any, error) {
				close(txStarted)
				<-txRelease
				return nil, nil
			},
		})
		close(txDone)
	}()
	<-txStarted

	updateDone := make(chan struct{})
	go func() {
		_, committed, err := q.SubmitUpdate(context.Background(), func() map[string]any { return map[string]any{} }, func(data map[string]any) (map[string]any, bool, error) {
			return data, true, nil
		})
		if err != nil || !committed {
			t.Errorf("expected the queued update to eventually succeed, got committed=%v err=%v", committed, err)
		}
		close(updateDone)
	}()

	select {
	case <-updateDone:
		t.Fatal("update completed before the transaction released the key")
	case <-time.After(20 * time.Millisecond):
	}

	close(txRelease)
	<-txDone
	<-updateDone
}

func TestCloseRejectsLaterSubmits(t *testing.T) {
	q := New()
	ran := make(chan struct{}, 1)
	_, err := q.Submit(context.Background(), Task{
		Kind: KindSave,
		Run: func(ctx context.Context) (any, error) {
			ran <- struct{}{}
			return nil, nil
		},
	})
	if err != nil {
		t.Fatal(err)
	}
	select {
	case <-ran:
	default:
		t.Fatal("expected the Save task to have run")
	}
	q.Close()

	if _, err := q.Submit(context.Background(), Task{Kind: KindSave, Run: func(ctx context.Context) (any, error) { return nil, nil }}); !playerstore.IsKind(err, playerstore.KindStoreClosed) {
		t.Fatalf("expected StoreClosed after Close, got %v", err)
	}
}
