// Package sessionstore defines the persisted session record, its processing
// state machine and the [Store] contract used by the orchestrator.
//
// Every mutating operation except [Store.Reset] is conditional on the
// session's generation. A reset bumps the generation, so writes issued by a
// run that started before the reset fail with [ErrStaleRun] and never touch
// the new state.
//
// A run takes a PENDING session with [Store.Claim] before it transcribes.
// The claim is a lease: while it is live no other run can claim the session,
// and once it expires another run may take over. Claiming bumps the
// generation too, so a run whose lease was taken over is fenced off exactly
// like a run overtaken by a reset.
package sessionstore

import (
	"context"
	"errors"
	"time"

	"github.com/MrWong99/playcoach/pkg/types"
)

// Sentinel errors returned by [Store] implementations. Callers branch on them
// with errors.Is.
var (
	// ErrNotFound is returned when no session has the requested id.
	ErrNotFound = errors.New("sessionstore: session not found")

	// ErrStatusConflict is returned when a compare-and-set status update finds
	// the session in a different status than expected.
	ErrStatusConflict = errors.New("sessionstore: status conflict")

	// ErrInvalidTransition is returned for status changes the state machine
	// never allows, such as PENDING to COMPLETED.
	ErrInvalidTransition = errors.New("sessionstore: invalid status transition")

	// ErrStaleRun is returned when a write carries a generation older than
	// the session's current one.
	ErrStaleRun = errors.New("sessionstore: stale run")

	// ErrClaimed is returned by [Store.Claim] while another run holds a live
	// claim on the session.
	ErrClaimed = errors.New("sessionstore: session claimed by another run")
)

// Status is the processing state of a session.
type Status string

const (
	StatusPending    Status = "PENDING"
	StatusProcessing Status = "PROCESSING"
	StatusCompleted  Status = "COMPLETED"
	StatusFailed     Status = "FAILED"
)

// IsValid reports whether s is a recognised status.
func (s Status) IsValid() bool {
	switch s {
	case StatusPending, StatusProcessing, StatusCompleted, StatusFailed:
		return true
	}
	return false
}

// IsTerminal reports whether s is COMPLETED or FAILED.
func (s Status) IsTerminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// CanTransition reports whether a forward status update from -> to is
// allowed. Transitions back to PENDING happen only through [Store.Reset] and
// are not forward updates.
//
//	PENDING    -> PROCESSING | FAILED
//	PROCESSING -> COMPLETED  | FAILED
func CanTransition(from, to Status) bool {
	switch from {
	case StatusPending:
		return to == StatusProcessing || to == StatusFailed
	case StatusProcessing:
		return to == StatusCompleted || to == StatusFailed
	}
	return false
}

// CanReset reports whether a session in status s may be reset. Every status
// may; resetting a PENDING session only clears leftovers and bumps the
// generation, which abandons any in-flight run.
func CanReset(s Status) bool {
	return s.IsValid()
}

// Session is one recorded coaching session.
type Session struct {
	ID     string `json:"id"`
	UserID string `json:"user_id"`

	// StoragePath is the object key of the session audio.
	StoragePath string `json:"storage_path"`

	// DurationSeconds is the recording length. Zero means unknown.
	DurationSeconds float64 `json:"duration_seconds"`

	Status Status `json:"status"`

	// Generation increases with every reset and every claim.
	Generation int64 `json:"generation"`

	// ClaimedBy names the owner of the claim on a PENDING session that is
	// being transcribed. It is cleared when the session leaves PENDING.
	ClaimedBy      string    `json:"claimed_by,omitempty"`
	ClaimExpiresAt time.Time `json:"claim_expires_at,omitzero"`

	// Transcript is the rendered speech transcript, one "speaker: text" line
	// per utterance.
	Transcript string `json:"transcript,omitempty"`

	// Utterances is the ordered utterance list including silent slots. It is
	// only populated by [Store.FindByID].
	Utterances []types.Utterance `json:"utterances,omitempty"`

	// Analysis is set only for COMPLETED sessions.
	Analysis *types.Analysis `json:"analysis,omitempty"`

	// LastError describes why the session FAILED.
	LastError string `json:"last_error,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// NewSession describes a session to register.
type NewSession struct {
	// ID is generated when empty.
	ID              string
	UserID          string
	StoragePath     string
	DurationSeconds float64
}

// Store persists sessions and their utterances. Implementations must make
// every method atomic and safe for concurrent use.
type Store interface {
	// Create registers a new PENDING session.
	Create(ctx context.Context, s NewSession) (*Session, error)

	// FindByID returns the session with its utterances ordered by order.
	FindByID(ctx context.Context, id string) (*Session, error)

	// ListByStatus returns up to limit sessions in the given status, oldest
	// first, without utterances. limit <= 0 means no limit.
	ListByStatus(ctx context.Context, status Status, limit int) ([]Session, error)

	// UpdateStatus moves the session from -> to if its generation is gen and
	// its current status is from. lastError is recorded for FAILED and
	// cleared otherwise.
	UpdateStatus(ctx context.Context, id string, gen int64, from, to Status, lastError string) error

	// Claim takes the PENDING session for owner until lease elapses and
	// returns the new generation, which the claimant uses for every later
	// write. It fails with [ErrStatusConflict] unless the session is PENDING
	// and with [ErrClaimed] while another claim is live.
	Claim(ctx context.Context, id string, gen int64, owner string, lease time.Duration) (int64, error)

	// ReplaceUtterances atomically replaces every utterance of a PENDING
	// session.
	ReplaceUtterances(ctx context.Context, id string, gen int64, utts []types.Utterance) error

	// RecordTranscript stores the rendered transcript text of a PENDING
	// session.
	RecordTranscript(ctx context.Context, id string, gen int64, transcript string) error

	// StartAnalysis records the transcript, replaces the utterances and moves
	// the session PENDING -> PROCESSING in one transaction. Either all of it
	// is visible afterwards or none of it.
	StartAnalysis(ctx context.Context, id string, gen int64, transcript string, utts []types.Utterance) error

	// RecordAnalysisResult stores the analysis, applies its per-utterance
	// tags and moves the session PROCESSING -> COMPLETED in one transaction.
	RecordAnalysisResult(ctx context.Context, id string, gen int64, a types.Analysis) error

	// Reset clears transcript, utterances, analysis, last error and any
	// claim, bumps the generation and sets the status to PENDING. It returns
	// the reset session.
	Reset(ctx context.Context, id string) (*Session, error)

	// Ping checks that the store is reachable.
	Ping(ctx context.Context) error
}
