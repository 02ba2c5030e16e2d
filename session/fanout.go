package session

import (
	"context"
	"log/slog"

	"github.com/sharedcode/playerstore"
)

// ChangeObserver is notified after every committed mutation of a key: its
// Changed method receives immutable (old, new) snapshots. A panicking or
// erroring observer is caught and logged; it never affects the mutation
// that triggered it.
type ChangeObserver interface {
	Changed(key string, oldData, newData map[string]any)
}

type observerFunc struct {
	fn func(key string, oldData, newData map[string]any)
}

func (o observerFunc) Changed(key string, oldData, newData map[string]any) {
	o.fn(key, oldData, newData)
}

// ObserverFunc adapts a plain closure to ChangeObserver.
func ObserverFunc(fn func(key string, oldData, newData map[string]any)) ChangeObserver {
	return observerFunc{fn: fn}
}

// Fanout delivers a committed mutation's (old, new) pair to every
// registered observer concurrently via the root package's TaskRunner,
// isolating each observer from the others and from the mutation itself.
type Fanout struct {
	observers []ChangeObserver
	log       playerstore.LogCallback
}

// NewFanout returns a Fanout delivering to observers, mirroring delivery
// failures through log (which may be nil).
func NewFanout(observers []ChangeObserver, log playerstore.LogCallback) *Fanout {
	return &Fanout{observers: observers, log: log}
}

// Deliver fans key's (old, new) pair out to every observer. Each observer
// receives its own deep copy of both maps (a nil old stays nil), whatever
// Options.DisableReferenceProtection says, so no observer can reach the
// caller's maps or another observer's copy.
func (f *Fanout) Deliver(ctx context.Context, key string, old, new map[string]any) {
	if len(f.observers) == 0 {
		return
	}
	tr := playerstore.NewTaskRunner(context.WithoutCancel(ctx), len(f.observers))
	for _, obs := range f.observers {
		obs := obs
		var oldCopy, newCopy map[string]any
		if old != nil {
			oldCopy = mustDeepCopy(old)
		}
		if new != nil {
			newCopy = mustDeepCopy(new)
		}
		tr.Go(func() error {
			defer func() {
				if r := recover(); r != nil {
					playerstore.Log(f.log, slog.LevelError, "observer panicked",
						map[string]any{"key": key, "panic": r})
				}
			}()
			obs.Changed(key, oldCopy, newCopy)
			return nil
		})
	}
	_ = tr.Wait()
}
