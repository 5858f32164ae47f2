// Package storetest provides a conformance suite that every
// [sessionstore.Store] implementation must pass.
package storetest

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/MrWong99/playcoach/internal/sessionstore"
	"github.com/MrWong99/playcoach/pkg/types"
)

// Run exercises store semantics against stores produced by newStore. Each
// subtest gets a fresh store.
func Run(t *testing.T, newStore func(t *testing.T) sessionstore.Store) {
	t.Helper()

	tests := []struct {
		name string
		fn   func(t *testing.T, s sessionstore.Store)
	}{
		{"CreateAndFind", testCreateAndFind},
		{"NotFound", testNotFound},
		{"StatusCompareAndSet", testStatusCompareAndSet},
		{"InvalidTransitions", testInvalidTransitions},
		{"ReplaceUtterances", testReplaceUtterances},
		{"RecordAnalysisResult", testRecordAnalysisResult},
		{"AnalysisRequiresProcessing", testAnalysisRequiresProcessing},
		{"ResetClearsAndBumpsGeneration", testReset},
		{"StaleRunRejected", testStaleRun},
		{"ListByStatus", testListByStatus},
		{"ConcurrentTransitionsOneWinner", testConcurrentTransitions},
		{"ClaimIsLeased", testClaimLease},
		{"ConcurrentClaimsOneWinner", testConcurrentClaims},
		{"WritesRequirePending", testWritesRequirePending},
		{"StartAnalysis", testStartAnalysis},
		{"StartAnalysisAllOrNothing", testStartAnalysisAllOrNothing},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tt.fn(t, newStore(t))
		})
	}
}

func create(t *testing.T, s sessionstore.Store, user string) *sessionstore.Session {
	t.Helper()
	sess, err := s.Create(context.Background(), sessionstore.NewSession{
		UserID:          user,
		StoragePath:     "sessions/" + user + ".wav",
		DurationSeconds: 42.5,
	})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	return sess
}

func sampleUtterances() []types.Utterance {
	return []types.Utterance{
		{Order: 0, Speaker: "speaker_0", Text: "Good job.", StartTime: 0, EndTime: 1.2},
		{Order: 1, Speaker: types.SilenceSpeaker, StartTime: 1.2, EndTime: 5},
		{Order: 2, Speaker: "speaker_1", Text: "Look at this!", StartTime: 5, EndTime: 6.5},
	}
}

func testCreateAndFind(t *testing.T, s sessionstore.Store) {
	ctx := context.Background()
	sess := create(t, s, "u1")
	if sess.ID == "" {
		t.Fatal("Create did not assign an id")
	}
	if sess.Status != sessionstore.StatusPending || sess.Generation != 0 {
		t.Fatalf("new session = %s/gen %d, want PENDING/gen 0", sess.Status, sess.Generation)
	}

	got, err := s.FindByID(ctx, sess.ID)
	if err != nil {
		t.Fatalf("FindByID: %v", err)
	}
	if got.UserID != "u1" || got.StoragePath != "sessions/u1.wav" || got.DurationSeconds != 42.5 {
		t.Errorf("FindByID = %+v", got)
	}
	if got.Analysis != nil || len(got.Utterances) != 0 || got.Transcript != "" {
		t.Errorf("new session carries results: %+v", got)
	}

	explicit, err := s.Create(ctx, sessionstore.NewSession{ID: "fixed-id", UserID: "u2", StoragePath: "x"})
	if err != nil {
		t.Fatalf("Create with id: %v", err)
	}
	if explicit.ID != "fixed-id" {
		t.Errorf("ID = %q, want fixed-id", explicit.ID)
	}
	if _, err := s.Create(ctx, sessionstore.NewSession{ID: "fixed-id"}); err == nil {
		t.Error("duplicate Create succeeded")
	}
}

func testNotFound(t *testing.T, s sessionstore.Store) {
	ctx := context.Background()
	checks := map[string]error{}
	_, checks["FindByID"] = s.FindByID(ctx, "missing")
	checks["UpdateStatus"] = s.UpdateStatus(ctx, "missing", 0, sessionstore.StatusPending, sessionstore.StatusProcessing, "")
	checks["ReplaceUtterances"] = s.ReplaceUtterances(ctx, "missing", 0, nil)
	checks["RecordTranscript"] = s.RecordTranscript(ctx, "missing", 0, "x")
	checks["StartAnalysis"] = s.StartAnalysis(ctx, "missing", 0, "x", nil)
	_, checks["Claim"] = s.Claim(ctx, "missing", 0, "a", time.Minute)
	checks["RecordAnalysisResult"] = s.RecordAnalysisResult(ctx, "missing", 0, types.Analysis{})
	_, checks["Reset"] = s.Reset(ctx, "missing")
	for op, err := range checks {
		if !errors.Is(err, sessionstore.ErrNotFound) {
			t.Errorf("%s: err = %v, want ErrNotFound", op, err)
		}
	}
}

func testStatusCompareAndSet(t *testing.T, s sessionstore.Store) {
	ctx := context.Background()
	sess := create(t, s, "u1")

	if err := s.UpdateStatus(ctx, sess.ID, 0, sessionstore.StatusPending, sessionstore.StatusProcessing, ""); err != nil {
		t.Fatalf("PENDING->PROCESSING: %v", err)
	}
	err := s.UpdateStatus(ctx, sess.ID, 0, sessionstore.StatusPending, sessionstore.StatusProcessing, "")
	if !errors.Is(err, sessionstore.ErrStatusConflict) {
		t.Fatalf("repeated PENDING->PROCESSING: err = %v, want ErrStatusConflict", err)
	}
	if err := s.UpdateStatus(ctx, sess.ID, 0, sessionstore.StatusProcessing, sessionstore.StatusFailed, "analysis failed"); err != nil {
		t.Fatalf("PROCESSING->FAILED: %v", err)
	}
	got, err := s.FindByID(ctx, sess.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != sessionstore.StatusFailed || got.LastError != "analysis failed" {
		t.Errorf("after failure: %s %q", got.Status, got.LastError)
	}
}

func testInvalidTransitions(t *testing.T, s sessionstore.Store) {
	ctx := context.Background()
	sess := create(t, s, "u1")

	for _, tr := range [][2]sessionstore.Status{
		{sessionstore.StatusPending, sessionstore.StatusCompleted},
		{sessionstore.StatusPending, sessionstore.StatusPending},
		{sessionstore.StatusFailed, sessionstore.StatusPending},
		{sessionstore.StatusCompleted, sessionstore.StatusProcessing},
	} {
		err := s.UpdateStatus(ctx, sess.ID, 0, tr[0], tr[1], "")
		if !errors.Is(err, sessionstore.ErrInvalidTransition) {
			t.Errorf("%s->%s: err = %v, want ErrInvalidTransition", tr[0], tr[1], err)
		}
	}
	got, _ := s.FindByID(ctx, sess.ID)
	if got.Status != sessionstore.StatusPending {
		t.Errorf("status changed to %s", got.Status)
	}
}

func testReplaceUtterances(t *testing.T, s sessionstore.Store) {
	ctx := context.Background()
	sess := create(t, s, "u1")

	if err := s.ReplaceUtterances(ctx, sess.ID, 0, sampleUtterances()); err != nil {
		t.Fatalf("ReplaceUtterances: %v", err)
	}
	replacement := []types.Utterance{{Order: 0, Speaker: "speaker_0", Text: "Again.", StartTime: 0, EndTime: 1}}
	if err := s.ReplaceUtterances(ctx, sess.ID, 0, replacement); err != nil {
		t.Fatalf("ReplaceUtterances: %v", err)
	}
	if err := s.RecordTranscript(ctx, sess.ID, 0, "speaker_0: Again."); err != nil {
		t.Fatalf("RecordTranscript: %v", err)
	}

	got, err := s.FindByID(ctx, sess.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(got.Utterances) != 1 || got.Utterances[0].Text != "Again." {
		t.Errorf("utterances = %+v, want only the replacement", got.Utterances)
	}
	if got.Transcript != "speaker_0: Again." {
		t.Errorf("transcript = %q", got.Transcript)
	}
}

func testRecordAnalysisResult(t *testing.T, s sessionstore.Store) {
	ctx := context.Background()
	sess := create(t, s, "u1")
	if err := s.ReplaceUtterances(ctx, sess.ID, 0, sampleUtterances()); err != nil {
		t.Fatal(err)
	}
	if err := s.UpdateStatus(ctx, sess.ID, 0, sessionstore.StatusPending, sessionstore.StatusProcessing, ""); err != nil {
		t.Fatal(err)
	}

	a := types.Analysis{
		SpeakerRoles: map[string]string{"speaker_0": types.RoleAdult, "speaker_1": types.RoleChild},
		Tags:         []types.UtteranceTag{{Order: 0, Tag: "labeled_praise", Feedback: "Nice and specific."}},
		Scores:       map[string]float64{"overall": 0.8},
		Summary:      "Warm session.",
		Feedback:     "Keep describing what the child does.",
	}
	a.CountTags()
	if err := s.RecordAnalysisResult(ctx, sess.ID, 0, a); err != nil {
		t.Fatalf("RecordAnalysisResult: %v", err)
	}

	got, err := s.FindByID(ctx, sess.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != sessionstore.StatusCompleted {
		t.Fatalf("status = %s, want COMPLETED", got.Status)
	}
	if got.Analysis == nil || got.Analysis.Summary != "Warm session." || got.Analysis.TagCounts["labeled_praise"] != 1 {
		t.Fatalf("analysis = %+v", got.Analysis)
	}
	if got.Analysis.SpeakerRoles["speaker_1"] != types.RoleChild || got.Analysis.Scores["overall"] != 0.8 {
		t.Errorf("analysis roles/scores = %+v", got.Analysis)
	}
	if got.Utterances[0].CoachingTag != "labeled_praise" || got.Utterances[0].Feedback != "Nice and specific." {
		t.Errorf("utterance 0 = %+v, want tag applied", got.Utterances[0])
	}
	if got.Utterances[2].CoachingTag != "" {
		t.Errorf("utterance 2 = %+v, want untagged", got.Utterances[2])
	}
}

func testAnalysisRequiresProcessing(t *testing.T, s sessionstore.Store) {
	ctx := context.Background()
	sess := create(t, s, "u1")
	err := s.RecordAnalysisResult(ctx, sess.ID, 0, types.Analysis{Summary: "x"})
	if !errors.Is(err, sessionstore.ErrStatusConflict) {
		t.Fatalf("err = %v, want ErrStatusConflict", err)
	}
	got, _ := s.FindByID(ctx, sess.ID)
	if got.Status != sessionstore.StatusPending || got.Analysis != nil {
		t.Errorf("session changed: %s %+v", got.Status, got.Analysis)
	}
}

func testReset(t *testing.T, s sessionstore.Store) {
	ctx := context.Background()
	sess := create(t, s, "u1")
	_ = s.ReplaceUtterances(ctx, sess.ID, 0, sampleUtterances())
	_ = s.RecordTranscript(ctx, sess.ID, 0, "speaker_0: Good job.")
	_ = s.UpdateStatus(ctx, sess.ID, 0, sessionstore.StatusPending, sessionstore.StatusProcessing, "")
	_ = s.UpdateStatus(ctx, sess.ID, 0, sessionstore.StatusProcessing, sessionstore.StatusFailed, "boom")

	reset, err := s.Reset(ctx, sess.ID)
	if err != nil {
		t.Fatalf("Reset: %v", err)
	}
	if reset.Generation != 1 || reset.Status != sessionstore.StatusPending {
		t.Fatalf("reset = %s/gen %d", reset.Status, reset.Generation)
	}

	got, err := s.FindByID(ctx, sess.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Transcript != "" || len(got.Utterances) != 0 || got.Analysis != nil || got.LastError != "" {
		t.Errorf("reset left data behind: %+v", got)
	}
	if got.UserID != "u1" || got.StoragePath != "sessions/u1.wav" {
		t.Errorf("reset lost identity fields: %+v", got)
	}
}

func testStaleRun(t *testing.T, s sessionstore.Store) {
	ctx := context.Background()
	sess := create(t, s, "u1")
	if _, err := s.Reset(ctx, sess.ID); err != nil {
		t.Fatal(err)
	}

	checks := map[string]error{
		"UpdateStatus":         s.UpdateStatus(ctx, sess.ID, 0, sessionstore.StatusPending, sessionstore.StatusProcessing, ""),
		"ReplaceUtterances":    s.ReplaceUtterances(ctx, sess.ID, 0, sampleUtterances()),
		"RecordTranscript":     s.RecordTranscript(ctx, sess.ID, 0, "stale"),
		"StartAnalysis":        s.StartAnalysis(ctx, sess.ID, 0, "stale", sampleUtterances()),
		"RecordAnalysisResult": s.RecordAnalysisResult(ctx, sess.ID, 0, types.Analysis{}),
	}
	for op, err := range checks {
		if !errors.Is(err, sessionstore.ErrStaleRun) {
			t.Errorf("%s: err = %v, want ErrStaleRun", op, err)
		}
	}
	got, _ := s.FindByID(ctx, sess.ID)
	if got.Transcript != "" || len(got.Utterances) != 0 || got.Status != sessionstore.StatusPending {
		t.Errorf("stale writes leaked: %+v", got)
	}
	if err := s.UpdateStatus(ctx, sess.ID, 1, sessionstore.StatusPending, sessionstore.StatusProcessing, ""); err != nil {
		t.Errorf("current generation rejected: %v", err)
	}
}

func testListByStatus(t *testing.T, s sessionstore.Store) {
	ctx := context.Background()
	ids := map[string]bool{}
	for i := range 3 {
		ids[create(t, s, fmt.Sprintf("u%d", i)).ID] = true
	}
	done := create(t, s, "done")
	_ = s.UpdateStatus(ctx, done.ID, 0, sessionstore.StatusPending, sessionstore.StatusFailed, "x")

	pending, err := s.ListByStatus(ctx, sessionstore.StatusPending, 0)
	if err != nil {
		t.Fatalf("ListByStatus: %v", err)
	}
	if len(pending) != 3 {
		t.Fatalf("pending = %d sessions, want 3", len(pending))
	}
	for _, p := range pending {
		if !ids[p.ID] {
			t.Errorf("unexpected pending session %s", p.ID)
		}
	}
	limited, err := s.ListByStatus(ctx, sessionstore.StatusPending, 2)
	if err != nil {
		t.Fatal(err)
	}
	if len(limited) != 2 {
		t.Errorf("limited = %d sessions, want 2", len(limited))
	}
	failed, _ := s.ListByStatus(ctx, sessionstore.StatusFailed, 0)
	if len(failed) != 1 || failed[0].ID != done.ID || failed[0].LastError != "x" {
		t.Errorf("failed = %+v", failed)
	}
}

func testConcurrentTransitions(t *testing.T, s sessionstore.Store) {
	ctx := context.Background()
	sess := create(t, s, "u1")

	var (
		wg  sync.WaitGroup
		mu  sync.Mutex
		won int
	)
	for range 8 {
		wg.Go(func() {
			err := s.UpdateStatus(ctx, sess.ID, 0, sessionstore.StatusPending, sessionstore.StatusProcessing, "")
			if err == nil {
				mu.Lock()
				won++
				mu.Unlock()
			}
		})
	}
	wg.Wait()
	if won != 1 {
		t.Errorf("%d claims succeeded, want exactly 1", won)
	}
}

func testClaimLease(t *testing.T, s sessionstore.Store) {
	ctx := context.Background()
	sess := create(t, s, "u1")

	gen, err := s.Claim(ctx, sess.ID, 0, "replica-a", 200*time.Millisecond)
	if err != nil {
		t.Fatalf("Claim: %v", err)
	}
	if gen != 1 {
		t.Fatalf("claimed generation = %d, want 1", gen)
	}
	got, _ := s.FindByID(ctx, sess.ID)
	if got.ClaimedBy != "replica-a" || got.ClaimExpiresAt.IsZero() || got.Status != sessionstore.StatusPending {
		t.Errorf("claimed session = %+v", got)
	}

	if _, err := s.Claim(ctx, sess.ID, 1, "replica-b", time.Minute); !errors.Is(err, sessionstore.ErrClaimed) {
		t.Fatalf("second Claim: err = %v, want ErrClaimed", err)
	}
	if err := s.RecordTranscript(ctx, sess.ID, 0, "pre-claim run"); !errors.Is(err, sessionstore.ErrStaleRun) {
		t.Errorf("write with pre-claim generation: err = %v, want ErrStaleRun", err)
	}

	time.Sleep(300 * time.Millisecond)
	gen, err = s.Claim(ctx, sess.ID, 1, "replica-b", time.Minute)
	if err != nil {
		t.Fatalf("Claim after lease expiry: %v", err)
	}
	if gen != 2 {
		t.Errorf("taken over generation = %d, want 2", gen)
	}
	if err := s.StartAnalysis(ctx, sess.ID, 1, "replica-a", sampleUtterances()); !errors.Is(err, sessionstore.ErrStaleRun) {
		t.Errorf("write of the expired claimant: err = %v, want ErrStaleRun", err)
	}

	reset, err := s.Reset(ctx, sess.ID)
	if err != nil {
		t.Fatal(err)
	}
	if reset.ClaimedBy != "" || !reset.ClaimExpiresAt.IsZero() {
		t.Errorf("reset kept the claim: %+v", reset)
	}
	if _, err := s.Claim(ctx, sess.ID, reset.Generation, "replica-c", time.Minute); err != nil {
		t.Errorf("Claim after reset: %v", err)
	}
}

func testConcurrentClaims(t *testing.T, s sessionstore.Store) {
	ctx := context.Background()
	sess := create(t, s, "u1")

	var (
		wg     sync.WaitGroup
		mu     sync.Mutex
		won    int
		others []error
	)
	for i := range 8 {
		wg.Go(func() {
			_, err := s.Claim(ctx, sess.ID, 0, fmt.Sprintf("replica-%d", i), time.Minute)
			mu.Lock()
			defer mu.Unlock()
			if err == nil {
				won++
				return
			}
			others = append(others, err)
		})
	}
	wg.Wait()
	if won != 1 {
		t.Errorf("%d claims succeeded, want exactly 1", won)
	}
	for _, err := range others {
		if !errors.Is(err, sessionstore.ErrClaimed) {
			t.Errorf("losing claim: err = %v, want ErrClaimed", err)
		}
	}
}

func testWritesRequirePending(t *testing.T, s sessionstore.Store) {
	ctx := context.Background()
	sess := create(t, s, "u1")
	if err := s.StartAnalysis(ctx, sess.ID, 0, "speaker_0: Good job.", sampleUtterances()); err != nil {
		t.Fatal(err)
	}
	a := types.Analysis{Tags: []types.UtteranceTag{{Order: 0, Tag: "labeled_praise"}}}
	if err := s.RecordAnalysisResult(ctx, sess.ID, 0, a); err != nil {
		t.Fatal(err)
	}

	checks := map[string]error{
		"ReplaceUtterances": s.ReplaceUtterances(ctx, sess.ID, 0, nil),
		"RecordTranscript":  s.RecordTranscript(ctx, sess.ID, 0, "late"),
		"StartAnalysis":     s.StartAnalysis(ctx, sess.ID, 0, "late", nil),
	}
	_, checks["Claim"] = s.Claim(ctx, sess.ID, 0, "late", time.Minute)
	for op, err := range checks {
		if !errors.Is(err, sessionstore.ErrStatusConflict) {
			t.Errorf("%s on COMPLETED session: err = %v, want ErrStatusConflict", op, err)
		}
	}

	got, err := s.FindByID(ctx, sess.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != sessionstore.StatusCompleted || got.Transcript != "speaker_0: Good job." {
		t.Errorf("completed session changed: %s %q", got.Status, got.Transcript)
	}
	if len(got.Utterances) != 3 || got.Utterances[0].CoachingTag != "labeled_praise" {
		t.Errorf("completed utterances changed: %+v", got.Utterances)
	}
}

func testStartAnalysis(t *testing.T, s sessionstore.Store) {
	ctx := context.Background()
	sess := create(t, s, "u1")
	gen, err := s.Claim(ctx, sess.ID, 0, "replica-a", time.Minute)
	if err != nil {
		t.Fatal(err)
	}

	if err := s.StartAnalysis(ctx, sess.ID, gen, "speaker_0: Good job.", sampleUtterances()); err != nil {
		t.Fatalf("StartAnalysis: %v", err)
	}
	got, err := s.FindByID(ctx, sess.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != sessionstore.StatusProcessing || got.Generation != gen {
		t.Errorf("session = %s/gen %d, want PROCESSING/gen %d", got.Status, got.Generation, gen)
	}
	if got.Transcript != "speaker_0: Good job." || len(got.Utterances) != 3 || got.Utterances[2].Text != "Look at this!" {
		t.Errorf("transcript stage not stored: %+v", got)
	}
	if got.ClaimedBy != "" || !got.ClaimExpiresAt.IsZero() {
		t.Errorf("claim survived PENDING: %q until %v", got.ClaimedBy, got.ClaimExpiresAt)
	}
}

func testStartAnalysisAllOrNothing(t *testing.T, s sessionstore.Store) {
	ctx := context.Background()
	sess := create(t, s, "u1")
	if _, err := s.Claim(ctx, sess.ID, 0, "replica-a", time.Minute); err != nil {
		t.Fatal(err)
	}

	// The run still holds the generation it read before claiming.
	err := s.StartAnalysis(ctx, sess.ID, 0, "speaker_0: Good job.", sampleUtterances())
	if !errors.Is(err, sessionstore.ErrStaleRun) {
		t.Fatalf("err = %v, want ErrStaleRun", err)
	}
	got, _ := s.FindByID(ctx, sess.ID)
	if got.Status != sessionstore.StatusPending || got.Transcript != "" || len(got.Utterances) != 0 {
		t.Errorf("rejected StartAnalysis left a partial write: %+v", got)
	}
}
