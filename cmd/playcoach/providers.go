package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	anyllmlib "github.com/mozilla-ai/any-llm-go"
	"google.golang.org/api/option"

	"github.com/MrWong99/playcoach/internal/app"
	"github.com/MrWong99/playcoach/internal/config"
	"github.com/MrWong99/playcoach/internal/observe"
	"github.com/MrWong99/playcoach/internal/resilience"
	"github.com/MrWong99/playcoach/pkg/provider/llm"
	"github.com/MrWong99/playcoach/pkg/provider/llm/anyllm"
	"github.com/MrWong99/playcoach/pkg/provider/llm/openai"
	"github.com/MrWong99/playcoach/pkg/provider/stt"
	"github.com/MrWong99/playcoach/pkg/provider/stt/deepgram"
	"github.com/MrWong99/playcoach/pkg/provider/stt/elevenlabs"
	"github.com/MrWong99/playcoach/pkg/provider/stt/google"
	"github.com/MrWong99/playcoach/pkg/provider/stt/whisper"
)

// registerBuiltinProviders wires all built-in provider factories into reg.
// ctx bounds client construction for providers that dial at creation.
func registerBuiltinProviders(ctx context.Context, reg *config.Registry) {
	// ── LLM ───────────────────────────────────────────────────────────────────

	reg.RegisterLLM("openai", func(entry config.ProviderEntry) (llm.Provider, error) {
		var opts []openai.Option
		if entry.BaseURL != "" {
			opts = append(opts, openai.WithBaseURL(entry.BaseURL))
		}
		if org := optString(entry.Options, "organization"); org != "" {
			opts = append(opts, openai.WithOrganization(org))
		}
		if d := optDuration(entry.Options, "timeout"); d > 0 {
			opts = append(opts, openai.WithTimeout(d))
		}
		return openai.New(entry.APIKey, entry.Model, opts...)
	})

	// The remaining hosted backends share the same pattern: optional APIKey
	// plus optional BaseURL.
	for _, providerName := range []string{
		"anthropic", "gemini", "deepseek", "mistral", "groq", "llamacpp", "llamafile",
	} {
		reg.RegisterLLM(providerName, func(entry config.ProviderEntry) (llm.Provider, error) {
			var opts []anyllmlib.Option
			if entry.APIKey != "" {
				opts = append(opts, anyllmlib.WithAPIKey(entry.APIKey))
			}
			if entry.BaseURL != "" {
				opts = append(opts, anyllmlib.WithBaseURL(entry.BaseURL))
			}
			return anyllm.New(providerName, entry.Model, opts...)
		})
	}

	// ollama is a local server; it uses BaseURL for the address, not an API key.
	reg.RegisterLLM("ollama", func(entry config.ProviderEntry) (llm.Provider, error) {
		var opts []anyllmlib.Option
		if entry.BaseURL != "" {
			opts = append(opts, anyllmlib.WithBaseURL(entry.BaseURL))
		}
		return anyllm.New("ollama", entry.Model, opts...)
	})

	// ── STT ───────────────────────────────────────────────────────────────────

	reg.RegisterSTT("elevenlabs", func(entry config.ProviderEntry) (stt.Provider, error) {
		var opts []elevenlabs.Option
		if entry.Model != "" {
			opts = append(opts, elevenlabs.WithModel(entry.Model))
		}
		if entry.BaseURL != "" {
			opts = append(opts, elevenlabs.WithEndpoint(entry.BaseURL))
		}
		return elevenlabs.New(entry.APIKey, opts...)
	})

	reg.RegisterSTT("deepgram", func(entry config.ProviderEntry) (stt.Provider, error) {
		var opts []deepgram.Option
		if entry.Model != "" {
			opts = append(opts, deepgram.WithModel(entry.Model))
		}
		if lang := optString(entry.Options, "language"); lang != "" {
			opts = append(opts, deepgram.WithLanguage(lang))
		}
		if entry.BaseURL != "" {
			opts = append(opts, deepgram.WithEndpoint(entry.BaseURL))
		}
		return deepgram.New(entry.APIKey, opts...)
	})

	reg.RegisterSTT("google", func(entry config.ProviderEntry) (stt.Provider, error) {
		var opts []google.Option
		if entry.Model != "" {
			opts = append(opts, google.WithModel(entry.Model))
		}
		if lang := optString(entry.Options, "language"); lang != "" {
			opts = append(opts, google.WithLanguage(lang))
		}
		var clientOpts []option.ClientOption
		if creds := optString(entry.Options, "credentials_file"); creds != "" {
			clientOpts = append(clientOpts, option.WithCredentialsFile(creds))
		}
		if entry.APIKey != "" {
			clientOpts = append(clientOpts, option.WithAPIKey(entry.APIKey))
		}
		if entry.BaseURL != "" {
			clientOpts = append(clientOpts, option.WithEndpoint(entry.BaseURL))
		}
		if len(clientOpts) > 0 {
			opts = append(opts, google.WithClientOptions(clientOpts...))
		}
		return google.New(ctx, opts...)
	})

	reg.RegisterSTT("whisper", func(entry config.ProviderEntry) (stt.Provider, error) {
		var opts []whisper.Option
		if entry.Model != "" {
			opts = append(opts, whisper.WithModel(entry.Model))
		}
		if lang := optString(entry.Options, "language"); lang != "" {
			opts = append(opts, whisper.WithLanguage(lang))
		}
		return whisper.New(entry.BaseURL, opts...)
	})

	slog.Debug("registered providers", "llm", reg.LLMNames(), "stt", reg.STTNames())
}

// providerSet is the result of [buildProviders]. closers release clients
// that hold connections, such as the Google speech client.
type providerSet struct {
	*app.Providers
	closers []func() error
}

// Close releases every created provider that holds resources.
func (ps *providerSet) Close() error {
	var errs []error
	for _, c := range ps.closers {
		errs = append(errs, c())
	}
	return errors.Join(errs...)
}

// buildProviders instantiates the providers named in cfg using the registry.
// Every pass and the LLM are wrapped with request metrics; when fallbacks are
// configured, they are tried in order behind per-provider circuit breakers.
func buildProviders(cfg *config.Config, reg *config.Registry, m *observe.Metrics) (*providerSet, error) {
	ps := &providerSet{Providers: &app.Providers{}}

	sttFallbacks := make([]namedSTT, 0, len(cfg.Providers.STTFallback))
	for _, entry := range cfg.Providers.STTFallback {
		p, err := ps.createSTT(reg, entry, m)
		if err != nil {
			_ = ps.Close()
			return nil, err
		}
		sttFallbacks = append(sttFallbacks, namedSTT{name: entry.Name, p: p})
	}

	var err error
	if ps.Quality, err = ps.buildPass("quality", reg, cfg.Providers.STTQuality, sttFallbacks, m); err != nil {
		_ = ps.Close()
		return nil, err
	}
	ps.QualityName = cfg.Providers.STTQuality.Name

	if ps.Diarization, err = ps.buildPass("diarization", reg, cfg.Providers.STTDiarization, sttFallbacks, m); err != nil {
		_ = ps.Close()
		return nil, err
	}
	ps.DiarizationName = cfg.Providers.STTDiarization.Name

	if ps.LLM, err = buildLLM(reg, cfg.Providers.LLM, cfg.Providers.LLMFallback, m); err != nil {
		_ = ps.Close()
		return nil, err
	}
	return ps, nil
}

type namedSTT struct {
	name string
	p    stt.Provider
}

func (ps *providerSet) createSTT(reg *config.Registry, entry config.ProviderEntry, m *observe.Metrics) (stt.Provider, error) {
	p, err := reg.CreateSTT(entry)
	if errors.Is(err, config.ErrProviderNotRegistered) {
		return nil, fmt.Errorf("create stt provider %q: %w (registered: %v)", entry.Name, err, reg.STTNames())
	}
	if err != nil {
		return nil, fmt.Errorf("create stt provider %q: %w", entry.Name, err)
	}
	if c, ok := p.(io.Closer); ok {
		ps.closers = append(ps.closers, c.Close)
	}
	slog.Info("provider created", "kind", "stt", "name", entry.Name)
	return observe.InstrumentSTT(p, entry.Name, m), nil
}

func (ps *providerSet) buildPass(pass string, reg *config.Registry, entry config.ProviderEntry, fallbacks []namedSTT, m *observe.Metrics) (stt.Provider, error) {
	primary, err := ps.createSTT(reg, entry, m)
	if err != nil {
		return nil, fmt.Errorf("%s pass: %w", pass, err)
	}
	if len(fallbacks) == 0 {
		return primary, nil
	}
	fb := resilience.NewSTTFallback(primary, entry.Name, fallbackConfig(pass, m))
	for _, f := range fallbacks {
		fb.AddFallback(f.name, f.p)
	}
	return fb, nil
}

func buildLLM(reg *config.Registry, entry config.ProviderEntry, fallbacks []config.ProviderEntry, m *observe.Metrics) (llm.Provider, error) {
	create := func(e config.ProviderEntry) (llm.Provider, error) {
		p, err := reg.CreateLLM(e)
		if errors.Is(err, config.ErrProviderNotRegistered) {
			return nil, fmt.Errorf("create llm provider %q: %w (registered: %v)", e.Name, err, reg.LLMNames())
		}
		if err != nil {
			return nil, fmt.Errorf("create llm provider %q: %w", e.Name, err)
		}
		slog.Info("provider created", "kind", "llm", "name", e.Name, "model", e.Model)
		return observe.InstrumentLLM(p, e.Name, m), nil
	}

	primary, err := create(entry)
	if err != nil {
		return nil, err
	}
	if len(fallbacks) == 0 {
		return primary, nil
	}
	fb := resilience.NewLLMFallback(primary, entry.Name, fallbackConfig("llm", m))
	for _, e := range fallbacks {
		p, err := create(e)
		if err != nil {
			return nil, err
		}
		fb.AddFallback(e.Name, p)
	}
	return fb, nil
}

// fallbackConfig reports breaker transitions under "<group>/<provider>".
func fallbackConfig(group string, m *observe.Metrics) resilience.FallbackConfig {
	return resilience.FallbackConfig{
		CircuitBreaker: resilience.CircuitBreakerConfig{
			OnStateChange: func(name string, from, to resilience.State) {
				slog.Warn("circuit breaker state change",
					"group", group, "provider", name, "from", from.String(), "to", to.String())
				m.RecordBreakerTransition(context.Background(), group+"/"+name, to.String())
			},
		},
	}
}

// ── Helpers ───────────────────────────────────────────────────────────────────

// optString extracts a string value from a provider Options map[string]any.
// Returns "" if the map is nil, the key is absent, or the value is not a string.
func optString(opts map[string]any, key string) string {
	if opts == nil {
		return ""
	}
	v, ok := opts[key]
	if !ok {
		return ""
	}
	s, ok := v.(string)
	if !ok {
		return ""
	}
	return s
}

// optDuration parses a duration string such as "30s" from a provider Options
// map. Returns 0 if absent or malformed.
func optDuration(opts map[string]any, key string) time.Duration {
	d, err := time.ParseDuration(optString(opts, key))
	if err != nil {
		return 0
	}
	return d
}
