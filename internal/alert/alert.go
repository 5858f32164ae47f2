// Package alert defines the alerting boundary the orchestrator uses to report
// sessions that ended in FAILED.
//
// The production notifier publishes JSON events to Kafka (see the kafka
// sub-package). [LogNotifier] is used when alerting is disabled and
// [Recorder] captures failures in tests.
package alert

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Stage names the pipeline step that failed.
type Stage string

const (
	StageTranscription Stage = "transcription"
	StageAnalysis      Stage = "analysis"
	StagePersistence   Stage = "persistence"
)

// Failure describes one failed session.
type Failure struct {
	SessionID string
	UserID    string
	Stage     Stage
	Err       error
	Time      time.Time
}

// Notifier delivers failure alerts. Implementations must be safe for
// concurrent use.
type Notifier interface {
	NotifyFailure(ctx context.Context, f Failure) error
}

// EventTypeSessionFailed is the type field of every failure event.
const EventTypeSessionFailed = "session.failed"

// Event is the wire form of a [Failure].
type Event struct {
	ID         string    `json:"event_id"`
	Type       string    `json:"type"`
	SessionID  string    `json:"session_id"`
	UserID     string    `json:"user_id"`
	Stage      Stage     `json:"stage"`
	Error      string    `json:"error"`
	OccurredAt time.Time `json:"occurred_at"`
}

// NewEvent converts f into an [Event] with a fresh id. A zero f.Time is
// replaced by the current time.
func NewEvent(f Failure) Event {
	ev := Event{
		ID:         uuid.NewString(),
		Type:       EventTypeSessionFailed,
		SessionID:  f.SessionID,
		UserID:     f.UserID,
		Stage:      f.Stage,
		OccurredAt: f.Time,
	}
	if f.Err != nil {
		ev.Error = f.Err.Error()
	}
	if ev.OccurredAt.IsZero() {
		ev.OccurredAt = time.Now().UTC()
	}
	return ev
}

// LogNotifier writes failures to a [slog.Logger].
type LogNotifier struct {
	Logger *slog.Logger
}

// NotifyFailure implements [Notifier].
func (n LogNotifier) NotifyFailure(ctx context.Context, f Failure) error {
	l := n.Logger
	if l == nil {
		l = slog.Default()
	}
	l.ErrorContext(ctx, "session failed",
		"session_id", f.SessionID,
		"user_id", f.UserID,
		"stage", string(f.Stage),
		"err", f.Err,
	)
	return nil
}

// Recorder is a [Notifier] that stores every failure in memory.
type Recorder struct {
	mu       sync.Mutex
	failures []Failure

	// Err, if set, is returned from every NotifyFailure call after recording.
	Err error
}

// NotifyFailure implements [Notifier].
func (r *Recorder) NotifyFailure(_ context.Context, f Failure) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.failures = append(r.failures, f)
	return r.Err
}

// Failures returns a copy of the recorded failures.
func (r *Recorder) Failures() []Failure {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Failure, len(r.failures))
	copy(out, r.failures)
	return out
}

var (
	_ Notifier = LogNotifier{}
	_ Notifier = (*Recorder)(nil)
)
