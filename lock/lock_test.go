package lock

import (
	"context"
	"testing"
	"time"

	"github.com/sharedcode/playerstore"
	"github.com/sharedcode/playerstore/leasemap"
)

func TestAcquireAndRelease(t *testing.T) {
	leases := leasemap.NewMock()
	mgr := New(leases)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	h, err := mgr.Acquire(ctx, "session-1", time.Second, 50*time.Millisecond)
	if err != nil {
		t.Fatal(err)
	}
	if !h.IsLocked() {
		t.Fatal("expected handle to report locked right after acquire")
	}
	if err := h.Release(context.Background()); err != nil {
		t.Fatal(err)
	}
	if h.State() != Released {
		t.Errorf("expected state Released, got %s", h.State())
	}
}

func TestSecondAcquireFailsWhileHeld(t *testing.T) {
	leases := leasemap.NewMock()
	mgr := New(leases)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	h1, err := mgr.Acquire(ctx, "session-1", 5*time.Second, time.Second)
	if err != nil {
		t.Fatal(err)
	}
	defer h1.Release(context.Background())

	ctx2, cancel2 := context.WithTimeout(context.Background(), 150*time.Millisecond)
	defer cancel2()
	if _, err := mgr.Acquire(ctx2, "session-1", 5*time.Second, time.Second); err == nil {
		t.Fatal("expected second acquire to fail while first handle holds the lease")
	}
}

func TestAcquireFailsWithLockUnavailableWithinDurationUnderBackgroundContext(t *testing.T) {
	leases := leasemap.NewMock()
	mgr := New(leases)

	h1, err := mgr.Acquire(context.Background(), "session-1", 5*time.Second, time.Second)
	if err != nil {
		t.Fatal(err)
	}
	defer h1.Release(context.Background())

	start := time.Now()
	_, err = mgr.Acquire(context.Background(), "session-1", 100*time.Millisecond, 30*time.Millisecond)
	elapsed := time.Since(start)

	if !playerstore.IsKind(err, playerstore.KindLockUnavailable) {
		t.Fatalf("expected LockUnavailable, got %v", err)
	}
	if elapsed > time.Second {
		t.Fatalf("Acquire under context.Background() took %s, want it bounded by its own duration (100ms) rather than retrying forever", elapsed)
	}
}

func TestOnLostFiresOnExpiry(t *testing.T) {
	leases := leasemap.NewMock()
	mgr := New(leases)

	ctx := context.Background()
	h, err := mgr.Acquire(ctx, "session-1", 60*time.Millisecond, 500*time.Millisecond)
	if err != nil {
		t.Fatal(err)
	}
	defer h.Release(context.Background())

	lost := make(chan struct{})
	h.OnLost(func(name string) { close(lost) })

	select {
	case <-lost:
	case <-time.After(2 * time.Second):
		t.Fatal("expected onLost to fire after local expected-expiry elapsed")
	}
	if h.State() != Lost {
		t.Errorf("expected state Lost, got %s", h.State())
	}
}

func TestOnLostFiresImmediatelyIfAlreadyLost(t *testing.T) {
	leases := leasemap.NewMock()
	mgr := New(leases)

	ctx := context.Background()
	h, err := mgr.Acquire(ctx, "session-1", 30*time.Millisecond, 500*time.Millisecond)
	if err != nil {
		t.Fatal(err)
	}
	defer h.Release(context.Background())

	time.Sleep(200 * time.Millisecond)

	fired := make(chan struct{})
	h.OnLost(func(name string) { close(fired) })
	select {
	case <-fired:
	case <-time.After(time.Second):
		t.Fatal("expected late OnLost registration against an already-lost handle to fire immediately")
	}
}
