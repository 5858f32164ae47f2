package pipeline_test

import (
	"context"
	"testing"
	"time"

	"github.com/MrWong99/playcoach/internal/pipeline"
	"github.com/MrWong99/playcoach/internal/sessionstore"
)

func TestWorker_Poll(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ids := []string{f.register(t, 1), f.register(t, 1), f.register(t, 1)}
	done := f.register(t, 1)
	if err := f.orch.Process(context.Background(), done); err != nil {
		t.Fatal(err)
	}

	w := pipeline.NewWorker(f.orch, f.store)
	n, err := w.Poll(context.Background())
	if err != nil {
		t.Fatalf("Poll: %v", err)
	}
	if n != len(ids) {
		t.Errorf("started %d sessions, want %d", n, len(ids))
	}
	for _, id := range ids {
		if s := f.session(t, id); s.Status != sessionstore.StatusCompleted {
			t.Errorf("session %s = %s, want COMPLETED", id, s.Status)
		}
	}

	n, err = w.Poll(context.Background())
	if err != nil || n != 0 {
		t.Errorf("second Poll = %d, %v; want nothing to do", n, err)
	}
}

func TestWorker_SkipsClaimedSessions(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	claimed := f.register(t, 1)
	free := f.register(t, 1)
	if _, err := f.mem.Claim(context.Background(), claimed, 0, "other-replica", time.Minute); err != nil {
		t.Fatal(err)
	}

	n, err := pipeline.NewWorker(f.orch, f.store).Poll(context.Background())
	if err != nil {
		t.Fatalf("Poll: %v", err)
	}
	if n != 1 {
		t.Errorf("started %d sessions, want 1", n)
	}
	if s := f.session(t, free); s.Status != sessionstore.StatusCompleted {
		t.Errorf("free session = %s, want COMPLETED", s.Status)
	}
	s := f.session(t, claimed)
	if s.Status != sessionstore.StatusPending || s.ClaimedBy != "other-replica" {
		t.Errorf("claimed session = %s claimed by %q, want untouched", s.Status, s.ClaimedBy)
	}
	if f.quality.CallCount() != 1 {
		t.Errorf("quality pass ran %d times, want 1", f.quality.CallCount())
	}
}

func TestWorker_RunStopsOnCancel(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	f.orch.UpdateSettings(pipeline.Settings{PollInterval: 10 * time.Millisecond})
	id := f.register(t, 1)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- pipeline.NewWorker(f.orch, f.store).Run(ctx) }()

	deadline := time.Now().Add(5 * time.Second)
	for f.session(t, id).Status != sessionstore.StatusCompleted {
		if time.Now().After(deadline) {
			t.Fatal("worker did not process the pending session")
		}
		time.Sleep(5 * time.Millisecond)
	}
	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Run: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}
