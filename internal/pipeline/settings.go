package pipeline

import (
	"time"

	"github.com/MrWong99/playcoach/internal/transcript"
)

// Settings are the tunables of a pipeline run. A run snapshots them when it
// starts, so [Orchestrator.UpdateSettings] only affects later runs.
type Settings struct {
	// Strategy selects the two-pass merge. Default: utterance level.
	Strategy transcript.Strategy

	// SilenceThreshold is the minimum gap in seconds that becomes a silent
	// slot. Default: 3.0.
	SilenceThreshold float64

	// Language is passed to both transcription passes. Empty means
	// auto-detect.
	Language string

	// MaxSpeakers bounds diarization. Zero means provider default.
	MaxSpeakers int

	PassTimeout    time.Duration
	StorageTimeout time.Duration

	// ClaimLease is how long a run may hold a PENDING session before another
	// process may take it over. Default: StorageTimeout + PassTimeout + 1m.
	ClaimLease time.Duration

	// MaxAttempts bounds analysis attempts per run. Default: 3.
	MaxAttempts     int
	AnalysisTimeout time.Duration

	// Backoff is the fixed pause between analysis attempts. Zero retries
	// immediately.
	Backoff time.Duration

	// PollInterval and Concurrency drive the [Worker].
	PollInterval time.Duration
	Concurrency  int
}

// DefaultSettings returns the settings used for zero fields.
func DefaultSettings() Settings {
	return Settings{
		Strategy:         transcript.StrategyUtterance,
		SilenceThreshold: transcript.DefaultSilenceThreshold,
		PassTimeout:      10 * time.Minute,
		StorageTimeout:   time.Minute,
		MaxAttempts:      3,
		AnalysisTimeout:  2 * time.Minute,
		PollInterval:     15 * time.Second,
		Concurrency:      4,
	}
}

// withDefaults fills zero fields of s from [DefaultSettings].
func (s Settings) withDefaults() Settings {
	d := DefaultSettings()
	if !s.Strategy.IsValid() {
		s.Strategy = d.Strategy
	}
	if s.SilenceThreshold <= 0 {
		s.SilenceThreshold = d.SilenceThreshold
	}
	if s.PassTimeout <= 0 {
		s.PassTimeout = d.PassTimeout
	}
	if s.StorageTimeout <= 0 {
		s.StorageTimeout = d.StorageTimeout
	}
	if s.ClaimLease <= 0 {
		s.ClaimLease = s.StorageTimeout + s.PassTimeout + time.Minute
	}
	if s.MaxAttempts <= 0 {
		s.MaxAttempts = d.MaxAttempts
	}
	if s.AnalysisTimeout <= 0 {
		s.AnalysisTimeout = d.AnalysisTimeout
	}
	if s.PollInterval <= 0 {
		s.PollInterval = d.PollInterval
	}
	if s.Concurrency <= 0 {
		s.Concurrency = d.Concurrency
	}
	return s
}
