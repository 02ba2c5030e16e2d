package leasemap

import (
	"context"
	"testing"
	"time"

	"github.com/sharedcode/playerstore"
)

func TestAcquireThenRefresh(t *testing.T) {
	m := NewMock()
	ctx := context.Background()
	id := playerstore.NewUUID()

	ok, _, err := m.Acquire(ctx, "k1", id, time.Second)
	if err != nil || !ok {
		t.Fatalf("expected first acquire to succeed, got ok=%v err=%v", ok, err)
	}
	ok, _, err = m.Acquire(ctx, "k1", id, time.Second)
	if err != nil || !ok {
		t.Fatalf("expected refresh by same owner to succeed, got ok=%v err=%v", ok, err)
	}
}

func TestAcquireConflict(t *testing.T) {
	m := NewMock()
	ctx := context.Background()
	a := playerstore.NewUUID()
	b := playerstore.NewUUID()

	if ok, _, err := m.Acquire(ctx, "k1", a, time.Second); err != nil || !ok {
		t.Fatalf("expected a's acquire to succeed")
	}
	ok, holder, err := m.Acquire(ctx, "k1", b, time.Second)
	if err != nil {
		t.Fatal(err)
	}
	if ok {
		t.Fatal("expected b's acquire to fail while a holds the lease")
	}
	if holder != a {
		t.Errorf("expected holder to be a, got %v", holder)
	}
}

func TestExpiryAllowsReacquire(t *testing.T) {
	m := NewMock()
	ctx := context.Background()
	a := playerstore.NewUUID()
	b := playerstore.NewUUID()

	clock := time.Now()
	m.SetClock(func() time.Time { return clock })

	if ok, _, err := m.Acquire(ctx, "k1", a, time.Second); err != nil || !ok {
		t.Fatal("expected a's acquire to succeed")
	}
	clock = clock.Add(2 * time.Second)

	ok, _, err := m.Acquire(ctx, "k1", b, time.Second)
	if err != nil || !ok {
		t.Fatalf("expected b to acquire after a's lease expired, got ok=%v err=%v", ok, err)
	}
}

func TestReleaseOnlyByOwner(t *testing.T) {
	m := NewMock()
	ctx := context.Background()
	a := playerstore.NewUUID()
	b := playerstore.NewUUID()

	m.Acquire(ctx, "k1", a, time.Second)
	if err := m.Release(ctx, "k1", b); err != nil {
		t.Fatal(err)
	}
	holder, err := m.Holder(ctx, "k1")
	if err != nil {
		t.Fatal(err)
	}
	if holder != a {
		t.Errorf("non-owner release should be a no-op, holder=%v want %v", holder, a)
	}

	if err := m.Release(ctx, "k1", a); err != nil {
		t.Fatal(err)
	}
	holder, _ = m.Holder(ctx, "k1")
	if holder != playerstore.NilUUID {
		t.Errorf("expected no holder after owner release, got %v", holder)
	}
}
