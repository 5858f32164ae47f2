package resilience

import (
	"context"
	"errors"
	"log/slog"

	"github.com/MrWong99/playcoach/pkg/provider/llm"
)

// LLMFallback implements [llm.Provider] with failover across several LLM
// backends, each behind its own circuit breaker.
//
// A truncated or refused coaching reply moves on to the next backend but is
// not held against the breaker: the backend answered, the reply was just
// unusable for analysis.
type LLMFallback struct {
	group *FallbackGroup[llm.Provider]
}

var _ llm.Provider = (*LLMFallback)(nil)

// NewLLMFallback creates an [LLMFallback] with primary as the preferred backend.
func NewLLMFallback(primary llm.Provider, primaryName string, cfg FallbackConfig) *LLMFallback {
	isFailure := cfg.CircuitBreaker.IsFailure
	if isFailure == nil {
		isFailure = defaultIsFailure
	}
	cfg.CircuitBreaker.IsFailure = func(err error) bool {
		if errors.Is(err, llm.ErrTruncated) || errors.Is(err, llm.ErrRefused) {
			return false
		}
		return isFailure(err)
	}
	return &LLMFallback{group: NewFallbackGroup(primary, primaryName, cfg)}
}

// AddFallback registers an additional LLM provider.
func (f *LLMFallback) AddFallback(name string, provider llm.Provider) {
	f.group.AddFallback(name, provider)
}

// Complete sends the request to the first healthy provider.
func (f *LLMFallback) Complete(ctx context.Context, req llm.CompletionRequest) (*llm.CompletionResponse, error) {
	resp, served, err := ExecuteWithResult(ctx, f.group, func(ctx context.Context, p llm.Provider) (*llm.CompletionResponse, error) {
		return p.Complete(ctx, req)
	})
	if err != nil {
		return nil, err
	}
	if primary := f.group.entries[0].name; served != primary {
		slog.Info("analysis served by fallback llm", "provider", served, "primary", primary)
	}
	return resp, nil
}
