package observe

import (
	"context"
	"errors"

	"github.com/MrWong99/playcoach/pkg/provider/llm"
	"github.com/MrWong99/playcoach/pkg/provider/stt"
)

// Provider request statuses.
const (
	StatusOK       = "ok"
	StatusError    = "error"
	StatusCanceled = "canceled"
)

// InstrumentSTT wraps p so every Transcribe call is counted in the provider
// request and error metrics under name.
func InstrumentSTT(p stt.Provider, name string, m *Metrics) stt.Provider {
	return &instrumentedSTT{p: p, name: name, m: m}
}

type instrumentedSTT struct {
	p    stt.Provider
	name string
	m    *Metrics
}

func (i *instrumentedSTT) Transcribe(ctx context.Context, audio stt.Audio, cfg stt.PassConfig) (*stt.Result, error) {
	res, err := i.p.Transcribe(ctx, audio, cfg)
	i.m.record(ctx, i.name, "stt", err)
	return res, err
}

// InstrumentLLM wraps p so every Complete call is counted in the provider
// request and error metrics under name.
func InstrumentLLM(p llm.Provider, name string, m *Metrics) llm.Provider {
	return &instrumentedLLM{p: p, name: name, m: m}
}

type instrumentedLLM struct {
	p    llm.Provider
	name string
	m    *Metrics
}

func (i *instrumentedLLM) Complete(ctx context.Context, req llm.CompletionRequest) (*llm.CompletionResponse, error) {
	resp, err := i.p.Complete(ctx, req)
	i.m.record(ctx, i.name, "llm", err)
	return resp, err
}

func (m *Metrics) record(ctx context.Context, provider, kind string, err error) {
	switch {
	case err == nil:
		m.RecordProviderRequest(ctx, provider, kind, StatusOK)
	case errors.Is(err, context.Canceled):
		m.RecordProviderRequest(ctx, provider, kind, StatusCanceled)
	default:
		m.RecordProviderRequest(ctx, provider, kind, StatusError)
		m.RecordProviderError(ctx, provider, kind)
	}
}
