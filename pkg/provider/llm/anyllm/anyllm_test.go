package anyllm

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	anyllmlib "github.com/mozilla-ai/any-llm-go"

	"github.com/MrWong99/playcoach/pkg/provider/llm"
)

// TestConvertMessage checks that role and content are carried over.
func TestConvertMessage(t *testing.T) {
	got := convertMessage(llm.Message{Role: llm.RoleUser, Content: "Hello!"})
	if got.Role != "user" {
		t.Errorf("expected role user, got %q", got.Role)
	}
	if got.ContentString() != "Hello!" {
		t.Errorf("expected content %q, got %q", "Hello!", got.ContentString())
	}
}

// TestBuildParams_JSONInstruction checks that JSON output is requested through
// the system prompt.
func TestBuildParams_JSONInstruction(t *testing.T) {
	p := &Provider{model: "claude-3-5-sonnet-latest"}
	params := p.buildParams(llm.CompletionRequest{
		SystemPrompt: "Code each utterance.",
		Messages:     []llm.Message{{Role: llm.RoleUser, Content: "[]"}},
		Temperature:  0.3,
		MaxTokens:    1024,
		JSONOutput:   true,
	})

	if params.Model != "claude-3-5-sonnet-latest" {
		t.Errorf("model = %q", params.Model)
	}
	if len(params.Messages) != 2 {
		t.Fatalf("expected 2 messages, got %d", len(params.Messages))
	}
	sys := params.Messages[0].ContentString()
	if !strings.HasPrefix(sys, "Code each utterance.") || !strings.HasSuffix(sys, llm.JSONInstruction) {
		t.Errorf("unexpected system prompt %q", sys)
	}
	if params.Temperature == nil || *params.Temperature != 0.3 {
		t.Errorf("temperature = %v", params.Temperature)
	}
	if params.MaxTokens == nil || *params.MaxTokens != 1024 {
		t.Errorf("max tokens = %v", params.MaxTokens)
	}
}

// TestBuildParams_NoSystemPrompt checks that no empty system message is sent.
func TestBuildParams_NoSystemPrompt(t *testing.T) {
	p := &Provider{model: "llama3"}
	params := p.buildParams(llm.CompletionRequest{Messages: []llm.Message{{Role: llm.RoleUser, Content: "hi"}}})
	if len(params.Messages) != 1 || params.Messages[0].Role != "user" {
		t.Errorf("unexpected messages %+v", params.Messages)
	}
	if params.Temperature != nil || params.MaxTokens != nil {
		t.Error("expected nil temperature and max tokens")
	}
}

// TestNew_EmptyProviderName checks that an empty provider name returns an error.
func TestNew_EmptyProviderName(t *testing.T) {
	if _, err := New("", "gpt-4o"); err == nil {
		t.Fatal("expected error for empty providerName")
	}
}

// TestNew_EmptyModel checks that an empty model name returns an error.
func TestNew_EmptyModel(t *testing.T) {
	if _, err := New("openai", ""); err == nil {
		t.Fatal("expected error for empty model")
	}
}

// TestNew_UnsupportedProvider checks that an unsupported provider returns an error.
func TestNew_UnsupportedProvider(t *testing.T) {
	if _, err := New("fakecloud", "some-model", anyllmlib.WithAPIKey("dummy")); err == nil {
		t.Fatal("expected error for unsupported provider")
	}
}

// TestNew_OpenAI_WithAPIKey checks that OpenAI provider constructs successfully with an API key.
func TestNew_OpenAI_WithAPIKey(t *testing.T) {
	p, err := New("openai", "gpt-4o", anyllmlib.WithAPIKey("sk-test"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if p.model != "gpt-4o" {
		t.Errorf("expected model gpt-4o, got %q", p.model)
	}
}

// TestNew_Ollama_NoAPIKey checks that Ollama works without an API key.
func TestNew_Ollama_NoAPIKey(t *testing.T) {
	if _, err := New("ollama", "llama3"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

// codingBackend serves one OpenAI-style chat completion with the given
// finish reason and reply text.
func codingBackend(t *testing.T, finishReason, content string) string {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reply, _ := json.Marshal(map[string]any{
			"id": "chatcmpl-1", "object": "chat.completion", "created": 1, "model": "gpt-4o-mini",
			"choices": []any{map[string]any{
				"index":         0,
				"finish_reason": finishReason,
				"message":       map[string]any{"role": "assistant", "content": content},
			}},
			"usage": map[string]any{"prompt_tokens": 900, "completion_tokens": 64, "total_tokens": 964},
		})
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write(reply)
	}))
	t.Cleanup(srv.Close)
	return srv.URL
}

// TestComplete_CodingReply checks that a finished reply is returned with its
// usage and a reply cut at the token limit is reported as truncated.
func TestComplete_CodingReply(t *testing.T) {
	tests := []struct {
		name         string
		finishReason string
		content      string
		wantErr      error
	}{
		{"complete", "stop", `{"summary":"Warm session."}`, nil},
		{"truncated", "length", `{"tags":[{"order":0,"tag":"labeled_pr`, llm.ErrTruncated},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			url := codingBackend(t, tt.finishReason, tt.content)
			p, err := New("openai", "gpt-4o-mini", anyllmlib.WithAPIKey("sk-test"), anyllmlib.WithBaseURL(url))
			if err != nil {
				t.Fatalf("New: %v", err)
			}
			resp, err := p.Complete(context.Background(), llm.CompletionRequest{
				SystemPrompt: "Code each utterance.",
				Messages:     []llm.Message{{Role: llm.RoleUser, Content: "[0] P1 (0.00-0.90): Good job!"}},
				MaxTokens:    64,
				JSONOutput:   true,
			})
			if tt.wantErr != nil {
				if !errors.Is(err, tt.wantErr) {
					t.Fatalf("err = %v, want %v", err, tt.wantErr)
				}
				return
			}
			if err != nil {
				t.Fatalf("Complete: %v", err)
			}
			if resp.Content != tt.content || resp.Usage.TotalTokens != 964 {
				t.Errorf("resp = %+v", resp)
			}
		})
	}
}
