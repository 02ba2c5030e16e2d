package session

import (
	"context"
	"log/slog"
	"time"

	"github.com/sharedcode/playerstore"
	"github.com/sharedcode/playerstore/queue"
)

// flush writes the pending buffer to the DocStore if dirty; it is a no-op
// otherwise. Callers must already hold the Queue's execution lock (i.e.
// call this from inside a Task.Run), matching persist's contract.
func (s *Session) flush(ctx context.Context) error {
	s.mu.Lock()
	dirty, data := s.dirty, s.data
	s.mu.Unlock()
	if !dirty {
		return nil
	}
	return s.persist(ctx, data)
}

// Save force-flushes the pending buffer, resolving once durable. It always
// goes through the FIFO, never the fast path; concurrent Save calls
// coalesce naturally, since by the time a second Save's Task runs the
// first has already cleared dirty and its flush becomes a no-op.
func (s *Session) Save(ctx context.Context) error {
	if err := s.requireReady(); err != nil {
		return err
	}
	_, err := s.queue.Submit(ctx, queue.Task{Kind: queue.KindSave, Run: func(ctx context.Context) (any, error) {
		return nil, s.flush(ctx)
	}})
	return err
}

// startAutosave launches the ticker that calls Save every
// AutosaveInterval, stopping when stopAutosave is closed by Close.
func (s *Session) startAutosave() {
	interval := s.deps.Options.AutosaveInterval
	if interval <= 0 {
		return
	}
	s.mu.Lock()
	s.stopAutosave = make(chan struct{})
	stop := s.stopAutosave
	s.mu.Unlock()

	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				ctx, cancel := context.WithTimeout(context.Background(), interval)
				if err := s.Save(ctx); err != nil {
					playerstore.Log(s.deps.Options.LogCallback, slog.LevelWarn, "autosave failed",
						map[string]any{"key": s.key, "error": err.Error()})
				}
				cancel()
			}
		}
	}()
}
