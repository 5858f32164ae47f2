package sessionstore

import (
	"cmp"
	"context"
	"fmt"
	"maps"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/MrWong99/playcoach/pkg/types"
)

var _ Store = (*MemStore)(nil)

// MemStore is an in-memory [Store]. It is used when no database is configured
// and in tests. All returned values are copies.
type MemStore struct {
	mu       sync.Mutex
	sessions map[string]*Session
	now      func() time.Time
}

// NewMemStore returns an empty [MemStore].
func NewMemStore() *MemStore {
	return &MemStore{sessions: make(map[string]*Session), now: time.Now}
}

// Create implements [Store].
func (m *MemStore) Create(_ context.Context, ns NewSession) (*Session, error) {
	if ns.ID == "" {
		ns.ID = uuid.NewString()
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.sessions[ns.ID]; ok {
		return nil, fmt.Errorf("sessionstore: create %q: already exists", ns.ID)
	}
	now := m.now()
	s := &Session{
		ID:              ns.ID,
		UserID:          ns.UserID,
		StoragePath:     ns.StoragePath,
		DurationSeconds: ns.DurationSeconds,
		Status:          StatusPending,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	m.sessions[s.ID] = s
	return cloneSession(s, true), nil
}

// FindByID implements [Store].
func (m *MemStore) FindByID(_ context.Context, id string) (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return cloneSession(s, true), nil
}

// ListByStatus implements [Store].
func (m *MemStore) ListByStatus(_ context.Context, status Status, limit int) ([]Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Session
	for _, s := range m.sessions {
		if s.Status == status {
			out = append(out, *cloneSession(s, false))
		}
	}
	slices.SortFunc(out, func(a, b Session) int {
		if c := a.CreatedAt.Compare(b.CreatedAt); c != 0 {
			return c
		}
		return cmp.Compare(a.ID, b.ID)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// UpdateStatus implements [Store].
func (m *MemStore) UpdateStatus(_ context.Context, id string, gen int64, from, to Status, lastError string) error {
	if !CanTransition(from, to) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	s, err := m.guard(id, gen)
	if err != nil {
		return err
	}
	if s.Status != from {
		return fmt.Errorf("%w: session %s is %s, expected %s", ErrStatusConflict, id, s.Status, from)
	}
	s.Status = to
	s.LastError = ""
	s.ClaimedBy, s.ClaimExpiresAt = "", time.Time{}
	if to == StatusFailed {
		s.LastError = lastError
	}
	s.UpdatedAt = m.now()
	return nil
}

// Claim implements [Store].
func (m *MemStore) Claim(_ context.Context, id string, gen int64, owner string, lease time.Duration) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	if !ok {
		return 0, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if s.Status != StatusPending {
		return 0, fmt.Errorf("%w: session %s is %s, expected %s", ErrStatusConflict, id, s.Status, StatusPending)
	}
	now := m.now()
	if s.ClaimedBy != "" && now.Before(s.ClaimExpiresAt) {
		return 0, fmt.Errorf("%w: session %s is claimed by %s until %s", ErrClaimed, id, s.ClaimedBy, s.ClaimExpiresAt.Format(time.RFC3339))
	}
	if s.Generation != gen {
		return 0, fmt.Errorf("%w: session %s is at generation %d, run has %d", ErrStaleRun, id, s.Generation, gen)
	}
	s.Generation++
	s.ClaimedBy = owner
	s.ClaimExpiresAt = now.Add(lease)
	s.UpdatedAt = now
	return s.Generation, nil
}

// ReplaceUtterances implements [Store].
func (m *MemStore) ReplaceUtterances(_ context.Context, id string, gen int64, utts []types.Utterance) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, err := m.guardPending(id, gen)
	if err != nil {
		return err
	}
	s.Utterances = slices.Clone(utts)
	s.UpdatedAt = m.now()
	return nil
}

// RecordTranscript implements [Store].
func (m *MemStore) RecordTranscript(_ context.Context, id string, gen int64, transcript string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, err := m.guardPending(id, gen)
	if err != nil {
		return err
	}
	s.Transcript = transcript
	s.UpdatedAt = m.now()
	return nil
}

// StartAnalysis implements [Store].
func (m *MemStore) StartAnalysis(_ context.Context, id string, gen int64, transcript string, utts []types.Utterance) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, err := m.guardPending(id, gen)
	if err != nil {
		return err
	}
	s.Transcript = transcript
	s.Utterances = slices.Clone(utts)
	s.Status = StatusProcessing
	s.LastError = ""
	s.ClaimedBy, s.ClaimExpiresAt = "", time.Time{}
	s.UpdatedAt = m.now()
	return nil
}

// RecordAnalysisResult implements [Store].
func (m *MemStore) RecordAnalysisResult(_ context.Context, id string, gen int64, a types.Analysis) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, err := m.guard(id, gen)
	if err != nil {
		return err
	}
	if s.Status != StatusProcessing {
		return fmt.Errorf("%w: session %s is %s, expected %s", ErrStatusConflict, id, s.Status, StatusProcessing)
	}
	stored := cloneAnalysis(&a)
	s.Analysis = stored
	s.Utterances = stored.ApplyTags(s.Utterances)
	s.Status = StatusCompleted
	s.LastError = ""
	s.UpdatedAt = m.now()
	return nil
}

// Reset implements [Store].
func (m *MemStore) Reset(_ context.Context, id string) (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	s.Generation++
	s.Status = StatusPending
	s.Transcript = ""
	s.Utterances = nil
	s.Analysis = nil
	s.LastError = ""
	s.ClaimedBy, s.ClaimExpiresAt = "", time.Time{}
	s.UpdatedAt = m.now()
	return cloneSession(s, true), nil
}

// Ping implements [Store].
func (m *MemStore) Ping(context.Context) error { return nil }

// guard must be called with m.mu held.
func (m *MemStore) guard(id string, gen int64) (*Session, error) {
	s, ok := m.sessions[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if s.Generation != gen {
		return nil, fmt.Errorf("%w: session %s is at generation %d, run has %d", ErrStaleRun, id, s.Generation, gen)
	}
	return s, nil
}

// guardPending is guard for writes that are only valid while the session is
// PENDING. It must be called with m.mu held.
func (m *MemStore) guardPending(id string, gen int64) (*Session, error) {
	s, err := m.guard(id, gen)
	if err != nil {
		return nil, err
	}
	if s.Status != StatusPending {
		return nil, fmt.Errorf("%w: session %s is %s, expected %s", ErrStatusConflict, id, s.Status, StatusPending)
	}
	return s, nil
}

func cloneSession(s *Session, withUtterances bool) *Session {
	c := *s
	c.Utterances = nil
	if withUtterances {
		c.Utterances = slices.Clone(s.Utterances)
	}
	c.Analysis = cloneAnalysis(s.Analysis)
	return &c
}

func cloneAnalysis(a *types.Analysis) *types.Analysis {
	if a == nil {
		return nil
	}
	c := *a
	c.SpeakerRoles = maps.Clone(a.SpeakerRoles)
	c.Tags = slices.Clone(a.Tags)
	c.TagCounts = maps.Clone(a.TagCounts)
	c.Scores = maps.Clone(a.Scores)
	return &c
}
