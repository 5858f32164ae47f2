// Package config provides the configuration schema, loader, hot-reload watcher
// and provider registry for the playcoach session processor.
package config

import (
	"time"

	"github.com/MrWong99/playcoach/internal/transcript"
)

// LogLevel controls log verbosity.
type LogLevel string

const (
	LogDebug LogLevel = "debug"
	LogInfo  LogLevel = "info"
	LogWarn  LogLevel = "warn"
	LogError LogLevel = "error"
)

// IsValid reports whether l is a recognised log level.
func (l LogLevel) IsValid() bool {
	switch l {
	case LogDebug, LogInfo, LogWarn, LogError:
		return true
	}
	return false
}

// StorageBackend selects where session audio is read from.
type StorageBackend string

const (
	// StorageGCS reads audio objects from a Google Cloud Storage bucket.
	StorageGCS StorageBackend = "gcs"

	// StorageFile reads audio objects from a local directory.
	StorageFile StorageBackend = "file"
)

// IsValid reports whether b is a recognised storage backend.
func (b StorageBackend) IsValid() bool {
	return b == StorageGCS || b == StorageFile
}

// Default values applied by [ApplyDefaults].
const (
	DefaultListenAddr        = ":8080"
	DefaultStorageDir        = "data/audio"
	DefaultPassTimeout       = 10 * time.Minute
	DefaultStorageTimeout    = time.Minute
	DefaultPollInterval      = 15 * time.Second
	DefaultConcurrency       = 4
	DefaultMaxAttempts       = 3
	DefaultAnalysisTimeout   = 2 * time.Minute
	DefaultAnalysisMaxTokens = 4096
	DefaultAlertTopic        = "playcoach.session-failures"
)

// Config is the root configuration structure.
// It is typically loaded from a YAML file using [Load] or [LoadFromReader].
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Providers ProvidersConfig `yaml:"providers"`
	Storage   StorageConfig   `yaml:"storage"`
	Database  DatabaseConfig  `yaml:"database"`
	Pipeline  PipelineConfig  `yaml:"pipeline"`
	Analysis  AnalysisConfig  `yaml:"analysis"`
	Alerting  AlertingConfig  `yaml:"alerting"`
}

// ServerConfig holds network and logging settings.
type ServerConfig struct {
	// ListenAddr is the TCP address of the admin API (e.g., ":8080").
	ListenAddr string `yaml:"listen_addr"`

	// LogLevel controls verbosity. Hot-reloadable.
	LogLevel LogLevel `yaml:"log_level"`

	// TLS configures TLS for the server. When nil, the server runs plain HTTP.
	TLS *TLSConfig `yaml:"tls"`
}

// TLSConfig holds TLS certificate paths for enabling HTTPS.
type TLSConfig struct {
	CertFile string `yaml:"cert_file"`
	KeyFile  string `yaml:"key_file"`
}

// ProvidersConfig declares the provider implementation for each transcription
// pass and for the analysis LLM. Each entry's Name selects a factory in the
// [Registry].
type ProvidersConfig struct {
	// STTQuality produces the high-accuracy word stream.
	STTQuality ProviderEntry `yaml:"stt_quality"`

	// STTDiarization produces the speaker-labelled word stream.
	STTDiarization ProviderEntry `yaml:"stt_diarization"`

	// STTFallback lists providers tried in order when a pass provider fails.
	// They serve both passes.
	STTFallback []ProviderEntry `yaml:"stt_fallback"`

	// LLM is the analysis model.
	LLM ProviderEntry `yaml:"llm"`

	// LLMFallback lists LLM providers tried in order when LLM fails.
	LLMFallback []ProviderEntry `yaml:"llm_fallback"`
}

// ProviderEntry is the common configuration block shared by all provider types.
type ProviderEntry struct {
	// Name selects the registered provider implementation (e.g., "deepgram").
	Name string `yaml:"name"`

	// APIKey is the authentication key for the provider's API if any.
	APIKey string `yaml:"api_key"`

	// BaseURL overrides the provider's default API endpoint.
	BaseURL string `yaml:"base_url"`

	// Model selects a specific model within the provider.
	Model string `yaml:"model"`

	// Options holds provider-specific values not covered above.
	Options map[string]any `yaml:"options"`
}

// StorageConfig selects the audio object store.
type StorageConfig struct {
	Backend StorageBackend `yaml:"backend"`

	// Bucket is the GCS bucket name. Required for the gcs backend.
	Bucket string `yaml:"bucket"`

	// CredentialsFile is an optional service account JSON file for GCS.
	// Application default credentials are used when empty.
	CredentialsFile string `yaml:"credentials_file"`

	// Dir is the root directory of the file backend.
	Dir string `yaml:"dir"`
}

// DatabaseConfig holds the session store connection settings.
type DatabaseConfig struct {
	// PostgresDSN is the PostgreSQL connection string. When empty an
	// in-memory store is used, which loses all sessions on restart.
	PostgresDSN string `yaml:"postgres_dsn"`
}

// PipelineConfig tunes the transcription and reconciliation stages.
type PipelineConfig struct {
	// MergeStrategy selects word-level or utterance-level speaker merging.
	MergeStrategy transcript.Strategy `yaml:"merge_strategy"`

	// SilenceThresholdSeconds is the minimum gap that becomes a silent slot.
	SilenceThresholdSeconds float64 `yaml:"silence_threshold_seconds"`

	// Language is the BCP-47 language hint passed to both passes.
	Language string `yaml:"language"`

	// MaxSpeakers bounds the diarization pass. Zero lets the provider decide.
	MaxSpeakers int `yaml:"max_speakers"`

	// PassTimeout bounds each transcription pass.
	PassTimeout time.Duration `yaml:"pass_timeout"`

	// StorageTimeout bounds the audio download.
	StorageTimeout time.Duration `yaml:"storage_timeout"`

	// PollInterval is how often the worker looks for pending sessions.
	PollInterval time.Duration `yaml:"poll_interval"`

	// Concurrency is the number of sessions processed at once.
	Concurrency int `yaml:"concurrency"`
}

// AnalysisConfig tunes the analysis stage.
type AnalysisConfig struct {
	// MaxAttempts is the number of analysis attempts before the session fails.
	MaxAttempts int `yaml:"max_attempts"`

	// Timeout bounds each attempt.
	Timeout time.Duration `yaml:"timeout"`

	// Backoff is the fixed delay between attempts.
	Backoff time.Duration `yaml:"backoff"`

	// Temperature is the LLM sampling temperature.
	Temperature float64 `yaml:"temperature"`

	// MaxTokens caps the LLM response length.
	MaxTokens int `yaml:"max_tokens"`
}

// AlertingConfig configures failure alerts.
type AlertingConfig struct {
	// Enabled publishes failure events to Kafka. When false, failures are
	// only logged.
	Enabled bool `yaml:"enabled"`

	// Brokers lists the Kafka bootstrap addresses.
	Brokers []string `yaml:"brokers"`

	// Topic is the Kafka topic failure events are written to.
	Topic string `yaml:"topic"`
}

// ApplyDefaults fills zero-valued fields of cfg with their defaults.
func ApplyDefaults(cfg *Config) {
	if cfg.Server.ListenAddr == "" {
		cfg.Server.ListenAddr = DefaultListenAddr
	}
	if cfg.Server.LogLevel == "" {
		cfg.Server.LogLevel = LogInfo
	}
	if cfg.Storage.Backend == "" {
		cfg.Storage.Backend = StorageFile
	}
	if cfg.Storage.Backend == StorageFile && cfg.Storage.Dir == "" {
		cfg.Storage.Dir = DefaultStorageDir
	}

	p := &cfg.Pipeline
	if p.MergeStrategy == "" {
		p.MergeStrategy = transcript.StrategyUtterance
	}
	if p.SilenceThresholdSeconds == 0 {
		p.SilenceThresholdSeconds = transcript.DefaultSilenceThreshold
	}
	if p.PassTimeout == 0 {
		p.PassTimeout = DefaultPassTimeout
	}
	if p.StorageTimeout == 0 {
		p.StorageTimeout = DefaultStorageTimeout
	}
	if p.PollInterval == 0 {
		p.PollInterval = DefaultPollInterval
	}
	if p.Concurrency == 0 {
		p.Concurrency = DefaultConcurrency
	}

	a := &cfg.Analysis
	if a.MaxAttempts == 0 {
		a.MaxAttempts = DefaultMaxAttempts
	}
	if a.Timeout == 0 {
		a.Timeout = DefaultAnalysisTimeout
	}
	if a.MaxTokens == 0 {
		a.MaxTokens = DefaultAnalysisMaxTokens
	}

	if cfg.Alerting.Topic == "" {
		cfg.Alerting.Topic = DefaultAlertTopic
	}
}
