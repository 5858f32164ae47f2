// Package llm defines the Provider interface for Large Language Model backends.
//
// An LLM provider wraps a remote or local model API (e.g., OpenAI GPT-4o,
// Anthropic Claude, or a local Ollama instance) and exposes a uniform
// request/response interface. playcoach uses it for the analysis collaborator,
// which asks the model to code and score a session's utterances and expects a
// JSON document back.
//
// Implementors must be safe for concurrent use.
package llm

import (
	"context"
	"errors"
	"strings"
)

// Errors returned by Complete for replies that arrived but cannot be used.
var (
	// ErrTruncated means the reply stopped at the token limit. A JSON
	// document cut short never parses, so providers report it instead of
	// returning the partial text.
	ErrTruncated = errors.New("llm: reply truncated at the token limit")

	// ErrRefused means the model declined to answer.
	ErrRefused = errors.New("llm: model refused the request")
)

// JSONInstruction is appended to the system prompt of JSON requests by
// providers whose backend needs the prompt itself to ask for JSON.
const JSONInstruction = "Respond with a single JSON object and nothing else."

// Usage holds token accounting information returned by the LLM backend.
// All counts are in the model's native token unit and may differ between providers
// for the same textual content.
type Usage struct {
	PromptTokens     int
	CompletionTokens int
	TotalTokens      int
}

// CompletionRequest carries everything the LLM needs to produce a response.
// Callers should treat a zero-value request as invalid; at minimum Messages must
// be non-empty.
type CompletionRequest struct {
	// Messages is the ordered conversation. The last message is typically
	// from the "user" role and drives the response.
	Messages []Message

	// SystemPrompt is an optional high-priority instruction injected before the
	// conversation. Providers without a dedicated system field prepend it as a
	// "system"-role message.
	SystemPrompt string

	// Temperature controls output randomness in the range [0.0, 2.0]. Zero means
	// provider default.
	Temperature float64

	// MaxTokens caps the number of completion tokens the model may generate.
	// Zero means use the provider default.
	MaxTokens int

	// JSONOutput asks the provider to constrain the reply to a single JSON
	// object where the backend supports it. Callers must still validate the
	// reply.
	JSONOutput bool
}

// MentionsJSON reports whether the system prompt or any message contains the
// word "json" in any case.
func (r CompletionRequest) MentionsJSON() bool {
	if strings.Contains(strings.ToLower(r.SystemPrompt), "json") {
		return true
	}
	for _, m := range r.Messages {
		if strings.Contains(strings.ToLower(m.Content), "json") {
			return true
		}
	}
	return false
}

// CompletionResponse is returned by Complete.
type CompletionResponse struct {
	// Content is the full text of the assistant's reply.
	Content string

	// Usage contains token accounting for this request/response pair.
	Usage Usage
}

// Provider is the abstraction over any LLM backend.
//
// Complete must propagate context cancellation promptly: when ctx is
// cancelled the method must return as quickly as possible.
type Provider interface {
	// Complete sends req to the model and waits for the full response.
	Complete(ctx context.Context, req CompletionRequest) (*CompletionResponse, error)
}
