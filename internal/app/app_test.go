package app_test

import (
	"context"
	"testing"
	"time"

	"github.com/MrWong99/playcoach/internal/alert"
	"github.com/MrWong99/playcoach/internal/analysis"
	"github.com/MrWong99/playcoach/internal/app"
	"github.com/MrWong99/playcoach/internal/config"
	"github.com/MrWong99/playcoach/internal/sessionstore"
	"github.com/MrWong99/playcoach/internal/transcript"
	"github.com/MrWong99/playcoach/pkg/blob/file"
	llmmock "github.com/MrWong99/playcoach/pkg/provider/llm/mock"
	"github.com/MrWong99/playcoach/pkg/provider/stt"
	sttmock "github.com/MrWong99/playcoach/pkg/provider/stt/mock"
	"github.com/MrWong99/playcoach/pkg/types"
)

const audioKey = "sessions/u1/rec.wav"

// testConfig returns a minimal config using the file backend under a
// temporary directory and the in-memory session store.
func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := &config.Config{
		Server: config.ServerConfig{
			ListenAddr: ":0",
			LogLevel:   config.LogInfo,
		},
		Storage: config.StorageConfig{
			Backend: config.StorageFile,
			Dir:     t.TempDir(),
		},
	}
	config.ApplyDefaults(cfg)
	cfg.Pipeline.PassTimeout = time.Second
	cfg.Analysis.Timeout = time.Second
	return cfg
}

func words(speaker string) []stt.Token {
	return []stt.Token{
		{Text: "Good", Start: 0.0, End: 0.4, Kind: stt.KindWord, SpeakerID: speaker},
		{Text: "job", Start: 0.5, End: 0.8, Kind: stt.KindWord, SpeakerID: speaker},
	}
}

// testProviders returns mock providers whose passes agree on "Good job".
func testProviders() *app.Providers {
	return &app.Providers{
		Quality:         &sttmock.Provider{Result: &stt.Result{Tokens: words("")}},
		Diarization:     &sttmock.Provider{Result: &stt.Result{Segments: []stt.Segment{{SpeakerID: "P1", Tokens: words("")}}}},
		QualityName:     "scribe",
		DiarizationName: "google",
		LLM:             &llmmock.Provider{},
	}
}

func fixedAnalyzer() analysis.Analyzer {
	return analysis.AnalyzerFunc(func(context.Context, []types.Utterance, analysis.Metadata) (*types.Analysis, error) {
		return &types.Analysis{
			SpeakerRoles: map[string]string{"P1": types.RoleAdult},
			Tags:         []types.UtteranceTag{{Order: 0, Tag: analysis.TagUnlabeledPraise}},
			Summary:      "ok",
		}, nil
	})
}

// newApp builds an App whose audio store already holds audioKey.
func newApp(t *testing.T, opts ...app.Option) *app.App {
	t.Helper()
	cfg := testConfig(t)
	blobs, err := file.New(cfg.Storage.Dir)
	if err != nil {
		t.Fatal(err)
	}
	if err := blobs.Put(context.Background(), audioKey, []byte("RIFF-fake")); err != nil {
		t.Fatal(err)
	}
	opts = append([]app.Option{
		app.WithNotifier(&alert.Recorder{}),
		app.WithAnalyzer(fixedAnalyzer()),
	}, opts...)
	a, err := app.New(context.Background(), cfg, testProviders(), opts...)
	if err != nil {
		t.Fatalf("New() returned error: %v", err)
	}
	t.Cleanup(func() { _ = a.Shutdown(context.Background()) })
	return a
}

func TestNew_DefaultsToMemStore(t *testing.T) {
	t.Parallel()

	a, err := app.New(context.Background(), testConfig(t), testProviders())
	if err != nil {
		t.Fatalf("New() returned error: %v", err)
	}
	if _, ok := a.Store().(*sessionstore.MemStore); !ok {
		t.Errorf("Store() = %T, want *sessionstore.MemStore", a.Store())
	}
	for _, c := range a.HealthCheckers() {
		if err := c.Check(context.Background()); err != nil {
			t.Errorf("health check %q: %v", c.Name, err)
		}
	}
}

func TestNew_Errors(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		mutate func(*config.Config, *app.Providers)
	}{
		{
			name:   "missing LLM",
			mutate: func(_ *config.Config, p *app.Providers) { p.LLM = nil },
		},
		{
			name:   "missing quality pass",
			mutate: func(_ *config.Config, p *app.Providers) { p.Quality = nil },
		},
		{
			name:   "unknown storage backend",
			mutate: func(c *config.Config, _ *app.Providers) { c.Storage.Backend = "s3" },
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			cfg, p := testConfig(t), testProviders()
			tt.mutate(cfg, p)
			if _, err := app.New(context.Background(), cfg, p); err == nil {
				t.Fatal("New() returned nil error")
			}
		})
	}
}

func TestNew_InjectedStoreIsUsed(t *testing.T) {
	t.Parallel()

	store := sessionstore.NewMemStore()
	a := newApp(t, app.WithSessionStore(store))
	if a.Store() != store {
		t.Error("Store() did not return the injected store")
	}
}

func TestSettingsFromConfig(t *testing.T) {
	t.Parallel()

	cfg := testConfig(t)
	cfg.Pipeline.MergeStrategy = transcript.StrategyWord
	cfg.Pipeline.SilenceThresholdSeconds = 5
	cfg.Pipeline.MaxSpeakers = 2
	cfg.Analysis.MaxAttempts = 7
	cfg.Analysis.Backoff = time.Second

	s := app.SettingsFromConfig(cfg)
	if s.Strategy != transcript.StrategyWord {
		t.Errorf("Strategy = %q, want %q", s.Strategy, transcript.StrategyWord)
	}
	if s.SilenceThreshold != 5 {
		t.Errorf("SilenceThreshold = %v, want 5", s.SilenceThreshold)
	}
	if s.MaxSpeakers != 2 {
		t.Errorf("MaxSpeakers = %d, want 2", s.MaxSpeakers)
	}
	if s.MaxAttempts != 7 {
		t.Errorf("MaxAttempts = %d, want 7", s.MaxAttempts)
	}
	if s.Backoff != time.Second {
		t.Errorf("Backoff = %v, want 1s", s.Backoff)
	}
}

func TestApply_ReloadsPipelineSettings(t *testing.T) {
	t.Parallel()

	a := newApp(t)
	next := testConfig(t)
	next.Pipeline.Concurrency = 9
	next.Analysis.MaxAttempts = 5

	a.Apply(next)

	s := a.Orchestrator().Settings()
	if s.Concurrency != 9 {
		t.Errorf("Concurrency = %d, want 9", s.Concurrency)
	}
	if s.MaxAttempts != 5 {
		t.Errorf("MaxAttempts = %d, want 5", s.MaxAttempts)
	}
}

func TestRun_ProcessesPendingSessions(t *testing.T) {
	t.Parallel()

	a := newApp(t)
	sess, err := a.Store().Create(context.Background(), sessionstore.NewSession{
		UserID:      "u1",
		StoragePath: audioKey,
	})
	if err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- a.Run(ctx) }()

	got := waitForStatus(t, a.Store(), sess.ID, sessionstore.StatusCompleted)
	if got.Analysis == nil || got.Analysis.TagCounts[analysis.TagUnlabeledPraise] != 1 {
		t.Errorf("Analysis = %+v, want one unlabeled praise", got.Analysis)
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Run() returned error: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

func TestShutdown_Idempotent(t *testing.T) {
	t.Parallel()

	a := newApp(t)
	for range 2 {
		if err := a.Shutdown(context.Background()); err != nil {
			t.Fatalf("Shutdown() returned error: %v", err)
		}
	}
}

// waitForStatus polls the store until the session reaches want.
func waitForStatus(t *testing.T, store sessionstore.Store, id string, want sessionstore.Status) *sessionstore.Session {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for {
		s, err := store.FindByID(context.Background(), id)
		if err != nil {
			t.Fatal(err)
		}
		if s.Status == want {
			return s
		}
		if time.Now().After(deadline) {
			t.Fatalf("session %s status = %s, want %s (last error %q)", id, s.Status, want, s.LastError)
		}
		time.Sleep(10 * time.Millisecond)
	}
}
