package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"slices"

	"gopkg.in/yaml.v3"
)

// ValidProviderNames lists known provider names per provider kind.
// Used by [Validate] to warn about unrecognised provider names.
var ValidProviderNames = map[string][]string{
	"llm": {"openai", "anthropic", "ollama", "gemini", "deepseek", "mistral", "groq", "llamacpp", "llamafile"},
	"stt": {"elevenlabs", "deepgram", "google", "whisper"},
}

// Load reads the YAML configuration file at path and returns a validated [Config].
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %q: %w", path, err)
	}
	cfg, err := LoadFromReader(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r, applies defaults and validates
// the result. ${VAR} references are expanded from the environment before
// decoding, so secrets need not be written to the file.
func LoadFromReader(r io.Reader) (*Config, error) {
	raw, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("config: read: %w", err)
	}
	expanded := os.ExpandEnv(string(raw))

	cfg := &Config{}
	dec := yaml.NewDecoder(bytes.NewReader([]byte(expanded)))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	ApplyDefaults(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}
	if tls := cfg.Server.TLS; tls != nil && (tls.CertFile == "" || tls.KeyFile == "") {
		errs = append(errs, errors.New("server.tls requires both cert_file and key_file"))
	}

	validateProviderName("stt", cfg.Providers.STTQuality.Name)
	validateProviderName("stt", cfg.Providers.STTDiarization.Name)
	for i, e := range cfg.Providers.STTFallback {
		if e.Name == "" {
			errs = append(errs, fmt.Errorf("providers.stt_fallback[%d].name is required", i))
		}
		validateProviderName("stt", e.Name)
	}
	validateProviderName("llm", cfg.Providers.LLM.Name)
	for i, e := range cfg.Providers.LLMFallback {
		if e.Name == "" {
			errs = append(errs, fmt.Errorf("providers.llm_fallback[%d].name is required", i))
		}
		validateProviderName("llm", e.Name)
	}

	switch {
	case !cfg.Storage.Backend.IsValid():
		errs = append(errs, fmt.Errorf("storage.backend %q is invalid; valid values: gcs, file", cfg.Storage.Backend))
	case cfg.Storage.Backend == StorageGCS && cfg.Storage.Bucket == "":
		errs = append(errs, errors.New("storage.bucket is required when backend is gcs"))
	case cfg.Storage.Backend == StorageFile && cfg.Storage.Dir == "":
		errs = append(errs, errors.New("storage.dir is required when backend is file"))
	}

	if cfg.Database.PostgresDSN == "" {
		slog.Warn("database.postgres_dsn is empty; sessions are kept in memory and lost on restart")
	}

	p := cfg.Pipeline
	if !p.MergeStrategy.IsValid() {
		errs = append(errs, fmt.Errorf("pipeline.merge_strategy %q is invalid; valid values: utterance, word", p.MergeStrategy))
	}
	if p.SilenceThresholdSeconds <= 0 {
		errs = append(errs, fmt.Errorf("pipeline.silence_threshold_seconds %.2f must be positive", p.SilenceThresholdSeconds))
	}
	if p.MaxSpeakers < 0 {
		errs = append(errs, fmt.Errorf("pipeline.max_speakers %d must not be negative", p.MaxSpeakers))
	}
	if p.PassTimeout < 0 || p.StorageTimeout < 0 || p.PollInterval < 0 {
		errs = append(errs, errors.New("pipeline timeouts and poll_interval must not be negative"))
	}
	if p.Concurrency < 1 {
		errs = append(errs, fmt.Errorf("pipeline.concurrency %d must be at least 1", p.Concurrency))
	}

	a := cfg.Analysis
	if a.MaxAttempts < 1 {
		errs = append(errs, fmt.Errorf("analysis.max_attempts %d must be at least 1", a.MaxAttempts))
	}
	if a.Timeout < 0 || a.Backoff < 0 {
		errs = append(errs, errors.New("analysis.timeout and analysis.backoff must not be negative"))
	}
	if a.Temperature < 0 || a.Temperature > 2 {
		errs = append(errs, fmt.Errorf("analysis.temperature %.2f is out of range [0, 2]", a.Temperature))
	}

	if cfg.Alerting.Enabled {
		if len(cfg.Alerting.Brokers) == 0 {
			errs = append(errs, errors.New("alerting.brokers is required when alerting is enabled"))
		}
		if cfg.Alerting.Topic == "" {
			errs = append(errs, errors.New("alerting.topic is required when alerting is enabled"))
		}
	}

	return errors.Join(errs...)
}

// validateProviderName logs a warning if name is non-empty and not found in
// the [ValidProviderNames] list for the given kind.
func validateProviderName(kind, name string) {
	if name == "" {
		return
	}
	known, ok := ValidProviderNames[kind]
	if !ok {
		return
	}
	if slices.Contains(known, name) {
		return
	}
	slog.Warn("unknown provider name, may be a typo or third-party provider",
		"kind", kind,
		"name", name,
		"known", known,
	)
}
