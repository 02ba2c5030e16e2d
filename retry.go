package playerstore

import (
	"context"
	"errors"
	log "log/slog"
	"os"
	"time"

	"github.com/sethvargo/go-retry"
)

// FailureKind classifies a DocStore/LeaseMap call failure for the
// Retry/Backoff wrapper.
type FailureKind int

const (
	// Retryable failures are throttling, timeouts, or transient network errors.
	Retryable FailureKind = iota
	// BudgetExceeded failures are request-budget style errors: retried like
	// Retryable, but never counted as an attempt that "made progress".
	BudgetExceeded
	// Terminal failures are malformed requests, permission errors, or
	// corruption; they are surfaced immediately without retrying.
	Terminal
)

// BudgetExceededError wraps a backend error that indicates a request-budget
// or rate-limit style rejection distinct from ordinary throttling.
type BudgetExceededError struct{ Err error }

func (e *BudgetExceededError) Error() string { return e.Err.Error() }
func (e *BudgetExceededError) Unwrap() error { return e.Err }

// Classify determines how the Retry/Backoff wrapper should treat err.
// Hosts providing a DocStore/LeaseMap implementation can wrap their
// backend-specific errors in *BudgetExceededError to get BudgetExceeded
// classification; everything else falls back to the ShouldRetry heuristic.
func Classify(err error) FailureKind {
	if err == nil {
		return Retryable
	}
	var budget *BudgetExceededError
	if errors.As(err, &budget) {
		return BudgetExceeded
	}
	if ShouldRetry(err) {
		return Retryable
	}
	return Terminal
}

// ShouldRetry reports whether err is transient (throttling, timeout,
// transient network) as opposed to a permanent/terminal failure (malformed
// request, permission, corruption).
func ShouldRetry(err error) bool {
	if err == nil {
		return false
	}
	// Context cancellations/timeouts are permanent from the caller's POV:
	// retrying after the caller gave up just burns the backend's time too.
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	if errors.Is(err, os.ErrNotExist) ||
		errors.Is(err, os.ErrPermission) ||
		errors.Is(err, os.ErrClosed) ||
		errors.Is(err, os.ErrExist) {
		return false
	}
	var ce *StoreError
	if errors.As(err, &ce) {
		switch ce.Kind {
		case KindSchemaFailed, KindCorruptRecord, KindUnknownMigration,
			KindKeysChangedInTransaction, KindTerminalBackendError:
			return false
		}
	}
	return true
}

// Backoff wraps DocStore/LeaseMap calls with exponential backoff: starting
// at 1s, factor 2, jitter ±20%, capped at 30s per attempt wait. It retries
// until the call succeeds, a Terminal failure is classified, or the
// supplied context is done — retries are bounded only by the caller's
// logical deadline, never by a fixed attempt count.
type Backoff struct {
	ctx    context.Context
	cancel context.CancelFunc
}

// NewBackoff creates a Backoff bound to ctx. Call Cancel to halt further
// attempts; any call already in flight is allowed to settle.
func NewBackoff(ctx context.Context) *Backoff {
	c, cancel := context.WithCancel(ctx)
	return &Backoff{ctx: c, cancel: cancel}
}

// Cancel halts further retry attempts. It does not interrupt a call that is
// already in flight.
func (b *Backoff) Cancel() { b.cancel() }

// Do runs task, retrying on Retryable/BudgetExceeded failures with
// exponential backoff until it succeeds, a Terminal error is returned, or
// the Backoff's context is done.
func (b *Backoff) Do(task func(ctx context.Context) error) error {
	backoff := retry.NewExponential(1 * time.Second)
	backoff = retry.WithJitterPercent(20, backoff)
	backoff = retry.WithCappedDuration(30*time.Second, backoff)

	return retry.Do(b.ctx, backoff, func(ctx context.Context) error {
		err := task(ctx)
		if err == nil {
			return nil
		}
		switch Classify(err) {
		case Terminal:
			return err
		default:
			log.Debug("backend call failed, retrying", "error", err)
			return retry.RetryableError(err)
		}
	})
}

// Do is a convenience one-shot equivalent to NewBackoff(ctx).Do(task).
func Do(ctx context.Context, task func(ctx context.Context) error) error {
	return NewBackoff(ctx).Do(task)
}
