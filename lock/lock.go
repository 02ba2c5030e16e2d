// Package lock implements the Lock Manager: acquiring a LeaseMap entry,
// keeping it alive with a background refresh task, and notifying observers
// the instant the lease is lost.
package lock

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sharedcode/playerstore"
)

// clockSkewMargin is subtracted from a lease's TTL when computing the
// local expected-expiry, so a slow refresh still looks "held" briefly
// before the LeaseMap itself would actually expire the entry.
const clockSkewMargin = 200 * time.Millisecond

// State is a Handle's lifecycle state.
type State int

const (
	Acquiring State = iota
	Held
	Lost
	Released
)

func (s State) String() string {
	switch s {
	case Acquiring:
		return "Acquiring"
	case Held:
		return "Held"
	case Lost:
		return "Lost"
	case Released:
		return "Released"
	default:
		return "Unknown"
	}
}

// LossCallback is invoked exactly once, synchronously, the instant a held
// lease transitions to Lost.
type LossCallback func(name string)

// Manager acquires and refreshes leases against a LeaseMap, generalizing a
// plain Lock/Unlock/IsLockedTTL one-shot check into a managed background
// refresh.
type Manager struct {
	leases playerstore.LeaseMap

	losses atomic.Int64
}

// New returns a Manager backed by leases.
func New(leases playerstore.LeaseMap) *Manager {
	return &Manager{leases: leases}
}

// LockLossCount returns the number of Handles this Manager has ever
// transitioned to Lost, for host observability.
func (m *Manager) LockLossCount() int64 { return m.losses.Load() }

// Handle is one acquired (or acquiring, or lost) lease.
type Handle struct {
	mgr      *Manager
	name     string
	lockID   playerstore.UUID
	duration time.Duration
	refresh  time.Duration

	mu            sync.Mutex
	state         State
	expectedUntil time.Time
	onLost        []LossCallback

	cancel context.CancelFunc
	done   chan struct{}
}

// Acquire attempts to win name's lease under a freshly generated lock ID,
// retrying with the root package's Retry/Backoff wrapper until it succeeds
// or an acquire-timeout equal to duration elapses, whichever comes first —
// the retry is never allowed to outlive duration even if ctx itself carries
// no deadline. On success it starts a background task that reissues the
// lease every refreshInterval (duration/3 if refreshInterval <= 0).
func (m *Manager) Acquire(ctx context.Context, name string, duration, refreshInterval time.Duration) (*Handle, error) {
	if refreshInterval <= 0 {
		refreshInterval = duration / 3
	}
	lockID := playerstore.NewUUID()

	h := &Handle{
		mgr:      m,
		name:     name,
		lockID:   lockID,
		duration: duration,
		refresh:  refreshInterval,
		state:    Acquiring,
	}

	acquireCtx, cancel := context.WithTimeout(ctx, duration)
	defer cancel()

	err := playerstore.Do(acquireCtx, func(ctx context.Context) error {
		ok, holder, err := m.leases.Acquire(ctx, name, lockID, duration)
		if err != nil {
			return err
		}
		if !ok {
			return playerstore.NewError(playerstore.KindLockUnavailable, name,
				&holderConflict{holder: holder})
		}
		return nil
	})
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, playerstore.NewError(playerstore.KindLockUnavailable, name, err)
		}
		return nil, err
	}

	h.mu.Lock()
	h.state = Held
	h.expectedUntil = playerstore.Now().Add(duration - clockSkewMargin)
	h.mu.Unlock()

	runCtx, cancel := context.WithCancel(context.Background())
	h.cancel = cancel
	h.done = make(chan struct{})
	go h.refreshLoop(runCtx)

	return h, nil
}

// OnLost registers cb to run exactly once if the Handle transitions to Lost.
// Safe to call before or after the transition has already happened; a
// late registration against an already-Lost Handle fires cb immediately.
func (h *Handle) OnLost(cb LossCallback) {
	h.mu.Lock()
	already := h.state == Lost
	if !already {
		h.onLost = append(h.onLost, cb)
	}
	h.mu.Unlock()
	if already {
		cb(h.name)
	}
}

// IsLocked reports whether the Handle is Held and its local expected-expiry
// has not yet elapsed.
func (h *Handle) IsLocked() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.state == Held && h.expectedUntil.After(playerstore.Now())
}

// State returns the Handle's current lifecycle state.
func (h *Handle) State() State {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.state
}

func (h *Handle) refreshLoop(ctx context.Context) {
	defer close(h.done)
	ticker := time.NewTicker(h.refresh)
	defer ticker.Stop()

	expiry := time.NewTimer(h.duration - clockSkewMargin)
	defer expiry.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-expiry.C:
			// Local expected-expiry elapsed without a successful refresh in
			// time; the lease must be treated as lost even if the LeaseMap
			// itself hasn't expired it yet.
			h.markLost()
			return
		case <-ticker.C:
			h.mu.Lock()
			if h.state != Held {
				h.mu.Unlock()
				return
			}
			deadline := h.expectedUntil
			h.mu.Unlock()

			retryCtx, cancel := context.WithDeadline(ctx, deadline)
			var ok bool
			err := playerstore.Do(retryCtx, func(ctx context.Context) error {
				acquired, holder, err := h.mgr.leases.Acquire(ctx, h.name, h.lockID, h.duration)
				if err != nil {
					return err
				}
				if !acquired {
					return playerstore.NewError(playerstore.KindLockUnavailable, h.name,
						&holderConflict{holder: holder})
				}
				ok = true
				return nil
			})
			cancel()
			if err != nil || !ok {
				h.markLost()
				return
			}

			h.mu.Lock()
			h.expectedUntil = playerstore.Now().Add(h.duration - clockSkewMargin)
			h.mu.Unlock()
			expiry.Reset(h.duration - clockSkewMargin)
		}
	}
}

func (h *Handle) markLost() {
	h.mu.Lock()
	if h.state != Held {
		h.mu.Unlock()
		return
	}
	h.state = Lost
	callbacks := h.onLost
	h.mu.Unlock()

	h.mgr.losses.Add(1)
	for _, cb := range callbacks {
		cb(h.name)
	}
}

// Release cancels the refresh task and attempts a single best-effort
// TTL=0 clear of the lease. It is idempotent and safe to call from the
// Lost state, where it is a no-op past canceling the (already-stopped)
// refresh task.
func (h *Handle) Release(ctx context.Context) error {
	h.mu.Lock()
	state := h.state
	if state == Held {
		h.state = Released
	}
	h.mu.Unlock()

	if h.cancel != nil {
		h.cancel()
		<-h.done
	}

	if state != Held {
		return nil
	}
	return h.mgr.leases.Release(ctx, h.name, h.lockID)
}

// holderConflict carries the current holder of a lease that failed to
// acquire, for callers inspecting the cause chain of KindLockUnavailable.
type holderConflict struct{ holder playerstore.UUID }

func (h *holderConflict) Error() string { return "held by " + h.holder.String() }
