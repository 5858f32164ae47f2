package pipeline

import (
	"context"
	"errors"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/playcoach/internal/observe"
	"github.com/MrWong99/playcoach/internal/sessionstore"
)

// Worker polls the store for PENDING sessions and processes them with
// bounded concurrency. Poll interval and concurrency come from the
// orchestrator's current [Settings].
type Worker struct {
	orch  *Orchestrator
	store sessionstore.Store
}

// NewWorker returns a Worker that feeds o from store.
func NewWorker(o *Orchestrator, store sessionstore.Store) *Worker {
	return &Worker{orch: o, store: store}
}

// Run polls until ctx is done. It polls once immediately.
func (w *Worker) Run(ctx context.Context) error {
	interval := w.orch.Settings().PollInterval
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		if _, err := w.Poll(ctx); err != nil && ctx.Err() == nil {
			observe.Logger(ctx).Warn("worker poll failed", "err", err)
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
		if next := w.orch.Settings().PollInterval; next != interval {
			interval = next
			ticker.Reset(interval)
		}
	}
}

// Poll processes one batch of PENDING sessions and waits for it to finish.
// It returns the number of sessions it started.
func (w *Worker) Poll(ctx context.Context) (int, error) {
	limit := w.orch.Settings().Concurrency
	pending, err := w.store.ListByStatus(ctx, sessionstore.StatusPending, limit*2)
	if err != nil {
		return 0, err
	}

	now := time.Now()
	var g errgroup.Group
	g.SetLimit(limit)
	started := 0
	for _, s := range pending {
		if w.orch.IsRunning(s.ID) || heldElsewhere(s, now) {
			continue
		}
		started++
		id := s.ID
		g.Go(func() error {
			err := w.orch.Process(ctx, id)
			switch {
			case err == nil,
				errors.Is(err, ErrAlreadyRunning),
				errors.Is(err, sessionstore.ErrStatusConflict),
				errors.Is(err, sessionstore.ErrClaimed),
				errors.Is(err, sessionstore.ErrStaleRun):
			default:
				observe.Logger(ctx).Warn("session processing failed", "session_id", id, "err", err)
			}
			return nil
		})
	}
	_ = g.Wait()
	return started, nil
}

// heldElsewhere reports whether s carries a live claim of another run.
func heldElsewhere(s sessionstore.Session, now time.Time) bool {
	return s.ClaimedBy != "" && now.Before(s.ClaimExpiresAt)
}
