package main

import (
	"context"
	"errors"
	"slices"
	"strings"
	"testing"
	"time"

	"github.com/MrWong99/playcoach/internal/config"
	"github.com/MrWong99/playcoach/internal/observe"
	"github.com/MrWong99/playcoach/pkg/provider/llm"
	llmmock "github.com/MrWong99/playcoach/pkg/provider/llm/mock"
	"github.com/MrWong99/playcoach/pkg/provider/stt"
	sttmock "github.com/MrWong99/playcoach/pkg/provider/stt/mock"
)

// fakeRegistry registers mock STT providers under "good" and "bad" and a
// mock LLM under "llm".
func fakeRegistry(good, bad *sttmock.Provider) *config.Registry {
	reg := config.NewRegistry()
	reg.RegisterSTT("good", func(config.ProviderEntry) (stt.Provider, error) { return good, nil })
	reg.RegisterSTT("bad", func(config.ProviderEntry) (stt.Provider, error) { return bad, nil })
	reg.RegisterLLM("llm", func(config.ProviderEntry) (llm.Provider, error) {
		return &llmmock.Provider{CompleteResponse: &llm.CompletionResponse{Content: "{}"}}, nil
	})
	return reg
}

func TestBuildProviders_FallbackServesFailingPass(t *testing.T) {
	t.Parallel()

	good := &sttmock.Provider{Result: &stt.Result{Text: "hi"}}
	bad := &sttmock.Provider{Err: errors.New("down")}
	cfg := &config.Config{Providers: config.ProvidersConfig{
		STTQuality:     config.ProviderEntry{Name: "bad"},
		STTDiarization: config.ProviderEntry{Name: "good"},
		STTFallback:    []config.ProviderEntry{{Name: "good"}},
		LLM:            config.ProviderEntry{Name: "llm"},
	}}

	ps, err := buildProviders(cfg, fakeRegistry(good, bad), observe.DefaultMetrics())
	if err != nil {
		t.Fatalf("buildProviders: %v", err)
	}
	if ps.QualityName != "bad" || ps.DiarizationName != "good" {
		t.Errorf("names = %q/%q, want bad/good", ps.QualityName, ps.DiarizationName)
	}

	res, err := ps.Quality.Transcribe(context.Background(), stt.Audio{}, stt.PassConfig{})
	if err != nil {
		t.Fatalf("quality Transcribe: %v", err)
	}
	if res.Text != "hi" || res.Provider != "good" {
		t.Errorf("result = %+v, want text hi from provider good", res)
	}
	if _, err := ps.LLM.Complete(context.Background(), llm.CompletionRequest{}); err != nil {
		t.Errorf("LLM Complete: %v", err)
	}
}

func TestBuildProviders_Errors(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		cfg     config.ProvidersConfig
		wantErr error
	}{
		{
			name: "unknown quality provider",
			cfg: config.ProvidersConfig{
				STTQuality:     config.ProviderEntry{Name: "nope"},
				STTDiarization: config.ProviderEntry{Name: "good"},
				LLM:            config.ProviderEntry{Name: "llm"},
			},
			wantErr: config.ErrProviderNotRegistered,
		},
		{
			name: "unknown fallback",
			cfg: config.ProvidersConfig{
				STTQuality:     config.ProviderEntry{Name: "good"},
				STTDiarization: config.ProviderEntry{Name: "good"},
				STTFallback:    []config.ProviderEntry{{Name: "nope"}},
				LLM:            config.ProviderEntry{Name: "llm"},
			},
			wantErr: config.ErrProviderNotRegistered,
		},
		{
			name: "unknown llm",
			cfg: config.ProvidersConfig{
				STTQuality:     config.ProviderEntry{Name: "good"},
				STTDiarization: config.ProviderEntry{Name: "good"},
				LLM:            config.ProviderEntry{Name: "gpt"},
				LLMFallback:    []config.ProviderEntry{{Name: "llm"}},
			},
			wantErr: config.ErrProviderNotRegistered,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			reg := fakeRegistry(&sttmock.Provider{}, &sttmock.Provider{})
			_, err := buildProviders(&config.Config{Providers: tt.cfg}, reg, observe.DefaultMetrics())
			if !errors.Is(err, tt.wantErr) {
				t.Errorf("err = %v, want %v", err, tt.wantErr)
			}
		})
	}
}

func TestRegisterBuiltinProviders(t *testing.T) {
	t.Parallel()

	reg := config.NewRegistry()
	registerBuiltinProviders(context.Background(), reg)

	p, err := reg.CreateSTT(config.ProviderEntry{Name: "whisper", BaseURL: "http://localhost:8178"})
	if err != nil {
		t.Fatalf("CreateSTT(whisper): %v", err)
	}
	if p == nil {
		t.Fatal("CreateSTT(whisper) returned nil provider")
	}
	if _, err := reg.CreateSTT(config.ProviderEntry{Name: "coqui"}); !errors.Is(err, config.ErrProviderNotRegistered) {
		t.Errorf("CreateSTT(coqui) err = %v, want ErrProviderNotRegistered", err)
	}

	if got, want := reg.STTNames(), []string{"deepgram", "elevenlabs", "google", "whisper"}; !slices.Equal(got, want) {
		t.Errorf("STTNames = %v, want %v", got, want)
	}
	for _, name := range []string{"openai", "ollama", "anthropic", "llamafile"} {
		if !slices.Contains(reg.LLMNames(), name) {
			t.Errorf("LLMNames = %v, missing %q", reg.LLMNames(), name)
		}
	}
}

func TestBuildProviders_UnknownNameListsRegistered(t *testing.T) {
	t.Parallel()

	reg := fakeRegistry(&sttmock.Provider{}, &sttmock.Provider{})
	cfg := &config.Config{Providers: config.ProvidersConfig{
		STTQuality:     config.ProviderEntry{Name: "good"},
		STTDiarization: config.ProviderEntry{Name: "good"},
		LLM:            config.ProviderEntry{Name: "gpt"},
	}}
	_, err := buildProviders(cfg, reg, observe.DefaultMetrics())
	if !errors.Is(err, config.ErrProviderNotRegistered) {
		t.Fatalf("err = %v, want ErrProviderNotRegistered", err)
	}
	if !strings.Contains(err.Error(), "registered: [llm]") {
		t.Errorf("err = %q, want the registered llm names", err)
	}
}

func TestOptHelpers(t *testing.T) {
	t.Parallel()

	opts := map[string]any{"language": "en", "timeout": "30s", "count": 3, "bad": "soon"}
	tests := []struct {
		key     string
		wantStr string
		wantDur time.Duration
	}{
		{"language", "en", 0},
		{"timeout", "30s", 30 * time.Second},
		{"count", "", 0},
		{"bad", "soon", 0},
		{"missing", "", 0},
	}
	for _, tt := range tests {
		if got := optString(opts, tt.key); got != tt.wantStr {
			t.Errorf("optString(%q) = %q, want %q", tt.key, got, tt.wantStr)
		}
		if got := optDuration(opts, tt.key); got != tt.wantDur {
			t.Errorf("optDuration(%q) = %v, want %v", tt.key, got, tt.wantDur)
		}
	}
	if got := optString(nil, "language"); got != "" {
		t.Errorf("optString(nil) = %q, want empty", got)
	}
}

func TestSlogLevel(t *testing.T) {
	t.Parallel()

	if got := slogLevel(config.LogDebug); got.String() != "DEBUG" {
		t.Errorf("slogLevel(debug) = %v", got)
	}
	if got := slogLevel(""); got.String() != "INFO" {
		t.Errorf("slogLevel(\"\") = %v", got)
	}
}
