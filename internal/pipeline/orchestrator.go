// Package pipeline drives one recorded session from audio to analysis.
//
// A run fetches the audio, issues the quality and diarization transcription
// passes concurrently, reconciles them into an ordered utterance list with
// silent slots, persists the transcript, and hands the utterances to the
// analysis collaborator under a bounded retry policy. Session status moves
// PENDING -> PROCESSING -> COMPLETED or FAILED; a failed session raises an
// alert.
//
// A run first claims the session in the store, which hands it a fresh
// generation. Every later write of the run carries that generation.
// [Orchestrator.Reset] bumps the generation, and so does a process that
// takes over an expired claim, so an overtaken run fails its next write with
// [sessionstore.ErrStaleRun] and stops without touching the new state.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"mime"
	"os"
	"path"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/playcoach/internal/alert"
	"github.com/MrWong99/playcoach/internal/analysis"
	"github.com/MrWong99/playcoach/internal/observe"
	"github.com/MrWong99/playcoach/internal/sessionstore"
	"github.com/MrWong99/playcoach/internal/transcript"
	"github.com/MrWong99/playcoach/pkg/blob"
	"github.com/MrWong99/playcoach/pkg/provider/stt"
	"github.com/MrWong99/playcoach/pkg/types"
)

// Pass names used in logs, spans and metrics.
const (
	PassQuality     = "quality"
	PassDiarization = "diarization"
)

// Session outcomes recorded besides the terminal statuses.
const outcomeAbandoned = "abandoned"

// failureTimeout bounds the FAILED write and the alert of a failing run. They
// run detached from the run context so a cancelled run still reports.
const failureTimeout = 15 * time.Second

// Pass binds a transcription provider to a name for logs and metrics.
type Pass struct {
	Name     string
	Provider stt.Provider
}

// Config holds the dependencies of an [Orchestrator].
type Config struct {
	Store       sessionstore.Store
	Blobs       blob.Store
	Quality     Pass
	Diarization Pass
	Analyzer    analysis.Analyzer

	// Notifier receives failed sessions. Defaults to [alert.LogNotifier].
	Notifier alert.Notifier

	// Metrics defaults to [observe.DefaultMetrics].
	Metrics *observe.Metrics

	// Owner names this process in session claims. Defaults to the host
	// name plus a random suffix.
	Owner string

	Settings Settings
}

// Orchestrator runs the session pipeline. All methods are safe for
// concurrent use; different sessions are processed independently.
type Orchestrator struct {
	store       sessionstore.Store
	blobs       blob.Store
	quality     Pass
	diarization Pass
	analyzer    analysis.Analyzer
	notifier    alert.Notifier
	metrics     *observe.Metrics
	owner       string
	settings    atomic.Pointer[Settings]

	mu      sync.Mutex
	running map[string]*activeRun
}

type activeRun struct {
	cancel context.CancelFunc
	done   chan struct{}
}

// New validates cfg and returns an Orchestrator.
func New(cfg Config) (*Orchestrator, error) {
	var errs []error
	if cfg.Store == nil {
		errs = append(errs, errors.New("pipeline: store is required"))
	}
	if cfg.Blobs == nil {
		errs = append(errs, errors.New("pipeline: blob store is required"))
	}
	if cfg.Quality.Provider == nil {
		errs = append(errs, errors.New("pipeline: quality pass provider is required"))
	}
	if cfg.Diarization.Provider == nil {
		errs = append(errs, errors.New("pipeline: diarization pass provider is required"))
	}
	if cfg.Analyzer == nil {
		errs = append(errs, errors.New("pipeline: analyzer is required"))
	}
	if err := errors.Join(errs...); err != nil {
		return nil, err
	}
	if cfg.Quality.Name == "" {
		cfg.Quality.Name = PassQuality
	}
	if cfg.Diarization.Name == "" {
		cfg.Diarization.Name = PassDiarization
	}
	if cfg.Notifier == nil {
		cfg.Notifier = alert.LogNotifier{}
	}
	if cfg.Metrics == nil {
		cfg.Metrics = observe.DefaultMetrics()
	}
	if cfg.Owner == "" {
		cfg.Owner = defaultOwner()
	}
	o := &Orchestrator{
		store:       cfg.Store,
		blobs:       cfg.Blobs,
		quality:     cfg.Quality,
		diarization: cfg.Diarization,
		analyzer:    cfg.Analyzer,
		notifier:    cfg.Notifier,
		metrics:     cfg.Metrics,
		owner:       cfg.Owner,
		running:     make(map[string]*activeRun),
	}
	o.UpdateSettings(cfg.Settings)
	return o, nil
}

func defaultOwner() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "playcoach"
	}
	return host + "-" + uuid.NewString()[:8]
}

// Owner returns the name this process claims sessions under.
func (o *Orchestrator) Owner() string { return o.owner }

// Settings returns the current settings.
func (o *Orchestrator) Settings() Settings { return *o.settings.Load() }

// UpdateSettings replaces the settings for runs started afterwards. Zero
// fields take their defaults.
func (o *Orchestrator) UpdateSettings(s Settings) {
	s = s.withDefaults()
	o.settings.Store(&s)
}

// IsRunning reports whether this process is running the pipeline for id.
func (o *Orchestrator) IsRunning(id string) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	_, ok := o.running[id]
	return ok
}

// Process runs the full pipeline for the PENDING session id and returns when
// the session reached COMPLETED or FAILED, or when the run was abandoned
// because the session was reset or taken over meanwhile.
//
// A session in any other status yields [sessionstore.ErrStatusConflict]; a
// session claimed by another process yields [sessionstore.ErrClaimed]; a
// second concurrent call for the same id in this process yields
// [ErrAlreadyRunning]. None of them transcribes or alerts.
func (o *Orchestrator) Process(ctx context.Context, id string) error {
	ctx, release, err := o.track(ctx, id)
	if err != nil {
		return err
	}
	defer release()

	ctx, span := observe.StartSpan(ctx, "pipeline.process",
		trace.WithAttributes(attribute.String("session.id", id)))
	defer span.End()

	o.metrics.ActiveRuns.Add(ctx, 1)
	defer o.metrics.ActiveRuns.Add(ctx, -1)

	sess, err := o.store.FindByID(ctx, id)
	if errors.Is(err, sessionstore.ErrNotFound) {
		return err
	}
	if err != nil {
		return &PersistenceError{Op: "find session", Err: err}
	}
	if sess.Status != sessionstore.StatusPending {
		return fmt.Errorf("%w: session %s is %s, expected %s",
			sessionstore.ErrStatusConflict, id, sess.Status, sessionstore.StatusPending)
	}

	settings := o.Settings()
	gen, err := o.store.Claim(ctx, id, sess.Generation, o.owner, settings.ClaimLease)
	switch {
	case errors.Is(err, sessionstore.ErrClaimed),
		errors.Is(err, sessionstore.ErrStatusConflict),
		errors.Is(err, sessionstore.ErrStaleRun),
		errors.Is(err, sessionstore.ErrNotFound):
		observe.Logger(ctx).Info("session not claimed", "session_id", id, "err", err)
		return err
	case err != nil:
		return &PersistenceError{Op: "claim session", Err: err}
	}
	sess.Generation = gen
	observe.AnnotateClaim(ctx, o.owner, gen)

	r := &run{
		o:        o,
		sess:     sess,
		settings: settings,
		status:   sessionstore.StatusPending,
		log: observe.Logger(ctx).With(
			"session_id", sess.ID,
			"generation", sess.Generation,
			"owner", o.owner,
		),
	}
	err = r.execute(ctx)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	return err
}

// Reset moves the session back to PENDING, clears its derived data and bumps
// its generation. A run of this process still working on the session is
// cancelled; its pending writes are rejected as stale.
func (o *Orchestrator) Reset(ctx context.Context, id string) (*sessionstore.Session, error) {
	sess, err := o.store.Reset(ctx, id)
	if errors.Is(err, sessionstore.ErrNotFound) {
		return nil, err
	}
	if err != nil {
		return nil, &PersistenceError{Op: "reset", Err: err}
	}
	o.mu.Lock()
	if ar, ok := o.running[id]; ok {
		ar.cancel()
	}
	o.mu.Unlock()
	observe.Logger(ctx).Info("session reset", "session_id", id, "generation", sess.Generation)
	return sess, nil
}

// Resume resets the session and processes it again. It waits for a
// cancelled in-process run to wind down before starting the new one.
func (o *Orchestrator) Resume(ctx context.Context, id string) error {
	if _, err := o.Reset(ctx, id); err != nil {
		return err
	}
	if err := o.WaitIdle(ctx, id); err != nil {
		return err
	}
	return o.Process(ctx, id)
}

// WaitIdle blocks until no run of this process works on id.
func (o *Orchestrator) WaitIdle(ctx context.Context, id string) error {
	o.mu.Lock()
	ar, ok := o.running[id]
	o.mu.Unlock()
	if !ok {
		return nil
	}
	select {
	case <-ar.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// track registers a run for id and returns a context cancelled by Reset.
func (o *Orchestrator) track(ctx context.Context, id string) (context.Context, func(), error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if _, ok := o.running[id]; ok {
		return nil, nil, fmt.Errorf("%w: %s", ErrAlreadyRunning, id)
	}
	ctx, cancel := context.WithCancel(ctx)
	ar := &activeRun{cancel: cancel, done: make(chan struct{})}
	o.running[id] = ar
	return ctx, func() {
		o.mu.Lock()
		delete(o.running, id)
		o.mu.Unlock()
		cancel()
		close(ar.done)
	}, nil
}

// run is the state of one pipeline run.
type run struct {
	o        *Orchestrator
	sess     *sessionstore.Session
	settings Settings

	// status is the session status as last written by this run.
	status sessionstore.Status
	log    *slog.Logger
}

func (r *run) execute(ctx context.Context) error {
	start := time.Now()
	r.log.Info("processing session", "storage_path", r.sess.StoragePath)

	utts, err := r.transcribe(ctx)
	if err != nil {
		return r.fail(ctx, alert.StageTranscription, err)
	}

	if err := r.persistTranscript(ctx, utts); err != nil {
		return r.fail(ctx, alert.StagePersistence, err)
	}

	result, err := r.analyze(ctx, utts)
	if err != nil {
		return r.fail(ctx, alert.StageAnalysis, err)
	}

	if err := r.persistAnalysis(ctx, result); err != nil {
		return r.fail(ctx, alert.StagePersistence, err)
	}

	r.o.metrics.RecordSessionOutcome(ctx, string(sessionstore.StatusCompleted), "")
	r.log.Info("session completed", "duration", time.Since(start))
	return nil
}

// transcribe fetches the audio, runs both passes concurrently and reconciles
// them. A failed pass counts as empty; only the failure of both is an error.
func (r *run) transcribe(ctx context.Context) ([]types.Utterance, error) {
	audio, err := r.fetchAudio(ctx)
	if err != nil {
		return nil, err
	}

	qcfg := stt.PassConfig{
		Language:       r.settings.Language,
		Diarize:        true,
		TagAudioEvents: true,
	}
	dcfg := stt.PassConfig{
		Language:    r.settings.Language,
		Diarize:     true,
		MaxSpeakers: r.settings.MaxSpeakers,
	}

	var (
		g                  errgroup.Group
		quality, diarized  []types.Word
		qualityErr, diaErr error
	)
	g.Go(func() error {
		quality, qualityErr = r.runPass(ctx, PassQuality, r.o.quality, audio, qcfg)
		return nil
	})
	g.Go(func() error {
		diarized, diaErr = r.runPass(ctx, PassDiarization, r.o.diarization, audio, dcfg)
		return nil
	})
	_ = g.Wait()

	if qualityErr != nil && diaErr != nil {
		return nil, fmt.Errorf("%w: %w", ErrNoTranscript, errors.Join(qualityErr, diaErr))
	}

	_, span := observe.StartSpan(ctx, "pipeline.reconcile")
	defer span.End()

	utts, err := transcript.Build(r.settings.Strategy, quality, diarized, r.sess.DurationSeconds, r.settings.SilenceThreshold)
	if err != nil {
		return nil, err
	}
	speech := len(types.SpeechOnly(utts))
	r.o.metrics.RecordTranscript(ctx, speech, len(utts)-speech)
	span.SetAttributes(
		attribute.Int("utterances.speech", speech),
		attribute.Int("utterances.silence", len(utts)-speech),
	)
	r.log.Info("transcript reconciled",
		"strategy", string(r.settings.Strategy),
		"speech_utterances", speech,
		"silent_slots", len(utts)-speech,
	)
	return utts, nil
}

func (r *run) fetchAudio(ctx context.Context) (stt.Audio, error) {
	ctx, span := observe.StartSpan(ctx, "pipeline.fetch_audio",
		trace.WithAttributes(attribute.String("storage.path", r.sess.StoragePath)))
	defer span.End()

	ctx, cancel := context.WithTimeout(ctx, r.settings.StorageTimeout)
	defer cancel()

	data, err := r.o.blobs.Get(ctx, r.sess.StoragePath)
	if err != nil {
		span.RecordError(err)
		return stt.Audio{}, fmt.Errorf("pipeline: fetch audio %q: %w", r.sess.StoragePath, err)
	}
	contentType := mime.TypeByExtension(path.Ext(r.sess.StoragePath))
	return stt.Audio{
		Data:        data,
		ContentType: contentType,
		Filename:    path.Base(r.sess.StoragePath),
	}, nil
}

// runPass runs one transcription pass under the pass timeout and normalises
// its result.
func (r *run) runPass(ctx context.Context, pass string, p Pass, audio stt.Audio, cfg stt.PassConfig) ([]types.Word, error) {
	ctx, span := observe.StartSpan(ctx, "pipeline.transcribe_pass",
		trace.WithAttributes(
			attribute.String("pass", pass),
			attribute.String("provider", p.Name),
		))
	defer span.End()
	log := r.log.With("pass", pass, "provider", p.Name)

	pctx, cancel := context.WithTimeout(ctx, r.settings.PassTimeout)
	defer cancel()

	start := time.Now()
	res, err := p.Provider.Transcribe(pctx, audio, cfg)
	provider := p.Name
	if res != nil && res.Provider != "" {
		provider = res.Provider
	}

	outcome := observe.OutcomeOK
	var words []types.Word
	if err != nil {
		outcome = observe.OutcomeError
		if errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
			outcome = observe.OutcomeTimeout
			err = &PassTimeoutError{Pass: pass, Provider: provider, Timeout: r.settings.PassTimeout, Err: err}
		}
	} else {
		words, err = transcript.Normalize(res)
		var fe *transcript.FormatError
		if errors.As(err, &fe) {
			outcome = observe.OutcomeError
			if fe.Index < 0 {
				outcome = observe.OutcomeEmpty
			}
		}
	}
	r.o.metrics.RecordPass(ctx, pass, provider, outcome, time.Since(start))

	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, outcome)
		log.Warn("transcription pass failed, continuing without it", "outcome", outcome, "err", err)
		return nil, err
	}
	log.Debug("transcription pass finished", "words", len(words), "duration", time.Since(start))
	return words, nil
}

// persistTranscript stores the transcript text and the utterances and moves
// the session to PROCESSING in one store transaction.
func (r *run) persistTranscript(ctx context.Context, utts []types.Utterance) error {
	ctx, span := observe.StartSpan(ctx, "pipeline.persist",
		trace.WithAttributes(attribute.String("stage", "transcript")))
	defer span.End()

	err := r.o.store.StartAnalysis(ctx, r.sess.ID, r.sess.Generation, types.RenderTranscript(utts), utts)
	if err != nil {
		return &PersistenceError{Op: "store transcript", Err: err}
	}
	r.status = sessionstore.StatusProcessing
	return nil
}

// analyze calls the analyzer up to MaxAttempts times with the same input.
// Input without speech is rejected without calling it.
func (r *run) analyze(ctx context.Context, utts []types.Utterance) (*types.Analysis, error) {
	ctx, span := observe.StartSpan(ctx, "pipeline.analyze")
	defer span.End()

	if len(types.SpeechOnly(utts)) == 0 {
		return nil, &AnalysisError{Err: analysis.ErrNoSpeech}
	}

	meta := analysis.Metadata{
		SessionID:       r.sess.ID,
		UserID:          r.sess.UserID,
		DurationSeconds: r.sess.DurationSeconds,
	}

	var (
		lastErr  error
		attempts int
	)
	for attempt := 1; attempt <= r.settings.MaxAttempts; attempt++ {
		if attempt > 1 && r.settings.Backoff > 0 {
			if err := sleep(ctx, r.settings.Backoff); err != nil {
				break
			}
		}
		attempts = attempt

		actx, cancel := context.WithTimeout(ctx, r.settings.AnalysisTimeout)
		start := time.Now()
		res, err := r.o.analyzer.Analyze(actx, utts, meta)
		cancel()

		if err == nil && res == nil {
			err = fmt.Errorf("%w: empty result", analysis.ErrMalformedResponse)
		}
		if err == nil {
			r.o.metrics.RecordAnalysisAttempt(ctx, observe.OutcomeOK, time.Since(start))
			span.SetAttributes(attribute.Int("attempts", attempt))
			return res, nil
		}

		r.o.metrics.RecordAnalysisAttempt(ctx, observe.OutcomeError, time.Since(start))
		r.log.Warn("analysis attempt failed", "attempt", attempt, "max_attempts", r.settings.MaxAttempts, "err", err)
		lastErr = err
		if errors.Is(err, analysis.ErrNoSpeech) || ctx.Err() != nil {
			break
		}
	}
	span.SetAttributes(attribute.Int("attempts", attempts))
	return nil, &AnalysisError{Attempts: attempts, Err: lastErr}
}

func (r *run) persistAnalysis(ctx context.Context, result *types.Analysis) error {
	ctx, span := observe.StartSpan(ctx, "pipeline.persist",
		trace.WithAttributes(attribute.String("stage", "analysis")))
	defer span.End()

	a := *result
	a.CountTags()
	if err := r.o.store.RecordAnalysisResult(ctx, r.sess.ID, r.sess.Generation, a); err != nil {
		return &PersistenceError{Op: "record analysis", Err: err}
	}
	r.status = sessionstore.StatusCompleted
	return nil
}

// fail marks the session FAILED and raises an alert. A run that lost the
// session to a reset or to another process is abandoned silently instead.
func (r *run) fail(ctx context.Context, stage alert.Stage, cause error) error {
	if overtaken(cause) {
		return r.abandon(ctx, stage, cause)
	}

	fctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), failureTimeout)
	defer cancel()

	err := r.o.store.UpdateStatus(fctx, r.sess.ID, r.sess.Generation, r.status, sessionstore.StatusFailed, cause.Error())
	switch {
	case overtaken(err):
		return r.abandon(ctx, stage, cause)
	case err != nil:
		r.log.Error("could not mark session failed", "err", err)
		cause = errors.Join(cause, &PersistenceError{Op: "mark failed", Err: err})
	default:
		r.status = sessionstore.StatusFailed
	}

	r.o.metrics.RecordSessionOutcome(fctx, string(sessionstore.StatusFailed), string(stage))
	r.log.Error("session failed", "stage", string(stage), "err", cause)

	nerr := r.o.notifier.NotifyFailure(fctx, alert.Failure{
		SessionID: r.sess.ID,
		UserID:    r.sess.UserID,
		Stage:     stage,
		Err:       cause,
		Time:      time.Now().UTC(),
	})
	if nerr != nil {
		r.log.Warn("failure alert not delivered", "err", nerr)
	}
	return cause
}

func (r *run) abandon(ctx context.Context, stage alert.Stage, cause error) error {
	r.o.metrics.RecordSessionOutcome(context.WithoutCancel(ctx), outcomeAbandoned, string(stage))
	r.log.Info("run abandoned, session was reset or taken over", "stage", string(stage), "err", cause)
	if errors.Is(cause, sessionstore.ErrStaleRun) {
		return cause
	}
	return fmt.Errorf("%w: abandoned after %w", sessionstore.ErrStaleRun, cause)
}

// overtaken reports whether err means the session no longer belongs to the
// run.
func overtaken(err error) bool {
	return errors.Is(err, sessionstore.ErrStaleRun) ||
		errors.Is(err, sessionstore.ErrStatusConflict) ||
		errors.Is(err, sessionstore.ErrClaimed)
}

func sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
