// Package app wires all playcoach subsystems into a running application.
//
// The App struct owns the full lifecycle: New creates and connects the
// session store, the audio store, alerting, the analyzer and the pipeline;
// Run polls for pending sessions until the context is done; Shutdown tears
// everything down in reverse order.
//
// For testing, inject implementations via functional options
// (WithSessionStore, WithBlobStore, etc.). When an option is not provided,
// New creates real implementations from the config.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/MrWong99/playcoach/internal/alert"
	"github.com/MrWong99/playcoach/internal/alert/kafka"
	"github.com/MrWong99/playcoach/internal/analysis"
	"github.com/MrWong99/playcoach/internal/config"
	"github.com/MrWong99/playcoach/internal/health"
	"github.com/MrWong99/playcoach/internal/observe"
	"github.com/MrWong99/playcoach/internal/pipeline"
	"github.com/MrWong99/playcoach/internal/sessionstore"
	"github.com/MrWong99/playcoach/internal/sessionstore/postgres"
	"github.com/MrWong99/playcoach/pkg/blob"
	"github.com/MrWong99/playcoach/pkg/blob/file"
	"github.com/MrWong99/playcoach/pkg/blob/gcs"
	"github.com/MrWong99/playcoach/pkg/provider/llm"
	"github.com/MrWong99/playcoach/pkg/provider/stt"
)

// Providers holds one interface value per provider slot. Populated by main.go
// via the config registry.
type Providers struct {
	Quality     stt.Provider
	Diarization stt.Provider

	// QualityName and DiarizationName label the passes in logs and metrics.
	QualityName     string
	DiarizationName string

	LLM llm.Provider
}

// App owns all subsystem lifetimes.
type App struct {
	cfg       *config.Config
	providers *Providers

	store    sessionstore.Store
	blobs    blob.Store
	notifier alert.Notifier
	analyzer analysis.Analyzer
	metrics  *observe.Metrics

	orch   *pipeline.Orchestrator
	worker *pipeline.Worker

	// closers are called in order during Shutdown.
	closers []func() error

	// stopOnce guards the Shutdown path.
	stopOnce sync.Once
}

// Option is a functional option for New. Use these to inject test doubles.
type Option func(*App)

// WithSessionStore injects a session store instead of creating one from config.
func WithSessionStore(s sessionstore.Store) Option {
	return func(a *App) { a.store = s }
}

// WithBlobStore injects an audio store instead of creating one from config.
func WithBlobStore(b blob.Store) Option {
	return func(a *App) { a.blobs = b }
}

// WithNotifier injects a failure notifier instead of creating one from config.
func WithNotifier(n alert.Notifier) Option {
	return func(a *App) { a.notifier = n }
}

// WithAnalyzer injects an analyzer instead of wrapping Providers.LLM.
func WithAnalyzer(an analysis.Analyzer) Option {
	return func(a *App) { a.analyzer = an }
}

// WithMetrics sets the metrics instance. Defaults to [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(a *App) { a.metrics = m }
}

// New creates an App by wiring all subsystems together. Use Option functions
// to inject test doubles for any subsystem.
func New(ctx context.Context, cfg *config.Config, providers *Providers, opts ...Option) (*App, error) {
	if providers == nil {
		providers = &Providers{}
	}
	a := &App{
		cfg:       cfg,
		providers: providers,
	}
	for _, o := range opts {
		o(a)
	}
	if a.metrics == nil {
		a.metrics = observe.DefaultMetrics()
	}

	if err := a.initStore(ctx); err != nil {
		a.closeAll()
		return nil, fmt.Errorf("app: init session store: %w", err)
	}
	if err := a.initBlobs(ctx); err != nil {
		a.closeAll()
		return nil, fmt.Errorf("app: init audio store: %w", err)
	}
	if err := a.initAlerting(); err != nil {
		a.closeAll()
		return nil, fmt.Errorf("app: init alerting: %w", err)
	}
	if err := a.initPipeline(); err != nil {
		a.closeAll()
		return nil, fmt.Errorf("app: init pipeline: %w", err)
	}
	return a, nil
}

// initStore connects to PostgreSQL, or falls back to an in-memory store when
// no DSN is configured.
func (a *App) initStore(ctx context.Context) error {
	if a.store != nil {
		return nil
	}
	dsn := a.cfg.Database.PostgresDSN
	if dsn == "" {
		slog.Warn("database.postgres_dsn not set, sessions are kept in memory only")
		a.store = sessionstore.NewMemStore()
		return nil
	}
	store, err := postgres.NewStore(ctx, dsn)
	if err != nil {
		return err
	}
	a.store = store
	a.closers = append(a.closers, func() error {
		store.Close()
		return nil
	})
	return nil
}

// initBlobs opens the configured audio backend.
func (a *App) initBlobs(ctx context.Context) error {
	if a.blobs != nil {
		return nil
	}
	sc := a.cfg.Storage
	switch sc.Backend {
	case config.StorageGCS:
		var opts []gcs.Option
		if sc.CredentialsFile != "" {
			opts = append(opts, gcs.WithCredentialsFile(sc.CredentialsFile))
		}
		store, err := gcs.New(ctx, sc.Bucket, opts...)
		if err != nil {
			return err
		}
		a.blobs = store
		a.closers = append(a.closers, store.Close)
	case config.StorageFile, "":
		store, err := file.New(sc.Dir)
		if err != nil {
			return err
		}
		a.blobs = store
	default:
		return fmt.Errorf("unknown storage backend %q", sc.Backend)
	}
	return nil
}

// initAlerting publishes failures to Kafka when enabled and logs them
// otherwise.
func (a *App) initAlerting() error {
	if a.notifier != nil {
		return nil
	}
	if !a.cfg.Alerting.Enabled {
		a.notifier = alert.LogNotifier{}
		return nil
	}
	n, err := kafka.New(kafka.Config{
		Brokers: a.cfg.Alerting.Brokers,
		Topic:   a.cfg.Alerting.Topic,
	})
	if err != nil {
		return err
	}
	a.notifier = n
	a.closers = append(a.closers, n.Close)
	return nil
}

// initPipeline builds the analyzer, the orchestrator and the worker.
func (a *App) initPipeline() error {
	if a.analyzer == nil {
		if a.providers.LLM == nil {
			return errors.New("an LLM provider is required for analysis")
		}
		a.analyzer = analysis.NewLLMAnalyzer(a.providers.LLM,
			analysis.WithTemperature(a.cfg.Analysis.Temperature),
			analysis.WithMaxTokens(a.cfg.Analysis.MaxTokens),
		)
	}

	orch, err := pipeline.New(pipeline.Config{
		Store:       a.store,
		Blobs:       a.blobs,
		Quality:     pipeline.Pass{Name: a.providers.QualityName, Provider: a.providers.Quality},
		Diarization: pipeline.Pass{Name: a.providers.DiarizationName, Provider: a.providers.Diarization},
		Analyzer:    a.analyzer,
		Notifier:    a.notifier,
		Metrics:     a.metrics,
		Settings:    SettingsFromConfig(a.cfg),
	})
	if err != nil {
		return err
	}
	a.orch = orch
	a.worker = pipeline.NewWorker(orch, a.store)
	return nil
}

// SettingsFromConfig maps the pipeline and analysis sections of cfg onto
// [pipeline.Settings].
func SettingsFromConfig(cfg *config.Config) pipeline.Settings {
	p, an := cfg.Pipeline, cfg.Analysis
	return pipeline.Settings{
		Strategy:         p.MergeStrategy,
		SilenceThreshold: p.SilenceThresholdSeconds,
		Language:         p.Language,
		MaxSpeakers:      p.MaxSpeakers,
		PassTimeout:      p.PassTimeout,
		StorageTimeout:   p.StorageTimeout,
		MaxAttempts:      an.MaxAttempts,
		AnalysisTimeout:  an.Timeout,
		Backoff:          an.Backoff,
		PollInterval:     p.PollInterval,
		Concurrency:      p.Concurrency,
	}
}

// Apply hot-reloads the sections of next that take effect without a restart.
// Sections that need a restart are logged and otherwise ignored.
func (a *App) Apply(next *config.Config) {
	d := config.Diff(a.cfg, next)
	if d.PipelineChanged || d.AnalysisChanged {
		a.orch.UpdateSettings(SettingsFromConfig(next))
		slog.Info("pipeline settings reloaded")
	}
	if len(d.RestartRequired) > 0 {
		slog.Warn("config sections changed that require a restart", "sections", d.RestartRequired)
	}
	a.cfg = next
}

// Orchestrator returns the session pipeline.
func (a *App) Orchestrator() *pipeline.Orchestrator { return a.orch }

// Store returns the session store.
func (a *App) Store() sessionstore.Store { return a.store }

// HealthCheckers returns readiness probes for the session and audio stores.
func (a *App) HealthCheckers() []health.Checker {
	return []health.Checker{
		{Name: "sessions", Check: a.store.Ping},
		{Name: "audio", Check: a.blobs.Ping},
	}
}

// Run polls for pending sessions and blocks until ctx is cancelled.
func (a *App) Run(ctx context.Context) error {
	s := a.orch.Settings()
	slog.Info("app running",
		"poll_interval", s.PollInterval,
		"concurrency", s.Concurrency,
		"owner", a.orch.Owner(),
		"quality", a.providers.QualityName,
		"diarization", a.providers.DiarizationName,
	)
	return a.worker.Run(ctx)
}

// Shutdown tears down all subsystems in reverse-init order. It respects the
// context deadline: if ctx expires before all closers finish, remaining
// closers are skipped and the context error is returned.
func (a *App) Shutdown(ctx context.Context) error {
	var shutdownErr error
	a.stopOnce.Do(func() {
		slog.Info("shutting down", "closers", len(a.closers))
		for i := len(a.closers) - 1; i >= 0; i-- {
			select {
			case <-ctx.Done():
				slog.Warn("shutdown deadline exceeded", "remaining", i+1)
				shutdownErr = ctx.Err()
				return
			default:
			}
			if err := a.closers[i](); err != nil {
				slog.Warn("closer error", "index", i, "err", err)
			}
		}
		slog.Info("shutdown complete")
	})
	return shutdownErr
}

// closeAll releases whatever New opened before it failed.
func (a *App) closeAll() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			slog.Warn("closer error", "index", i, "err", err)
		}
	}
	a.closers = nil
}
