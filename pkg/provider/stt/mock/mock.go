// Package mock provides test doubles for the stt package interfaces.
//
// Use Provider to return a canned Result (or error) and to verify which
// PassConfig each pass was issued with.
//
// Example:
//
//	p := &mock.Provider{Result: &stt.Result{Tokens: toks}}
//	res, _ := p.Transcribe(ctx, audio, stt.PassConfig{Diarize: true})
//	// p.Calls[0].Cfg.Diarize == true
package mock

import (
	"context"
	"sync"
	"time"

	"github.com/MrWong99/playcoach/pkg/provider/stt"
)

// TranscribeCall records a single invocation of Provider.Transcribe.
type TranscribeCall struct {
	// Audio is the audio passed to Transcribe.
	Audio stt.Audio
	// Cfg is the PassConfig passed to Transcribe.
	Cfg stt.PassConfig
}

// Provider is a mock implementation of stt.Provider.
type Provider struct {
	mu sync.Mutex

	// Result is returned by Transcribe when Err is nil.
	Result *stt.Result

	// Err, if non-nil, is returned as the error from Transcribe.
	Err error

	// Delay makes Transcribe block for the given duration or until ctx is
	// done, whichever happens first. A done context returns ctx.Err().
	Delay time.Duration

	// TranscribeFunc, if set, replaces Result/Err entirely.
	TranscribeFunc func(ctx context.Context, audio stt.Audio, cfg stt.PassConfig) (*stt.Result, error)

	// Calls records every call to Transcribe.
	Calls []TranscribeCall
}

// Transcribe records the call and returns Result, Err.
func (p *Provider) Transcribe(ctx context.Context, audio stt.Audio, cfg stt.PassConfig) (*stt.Result, error) {
	p.mu.Lock()
	p.Calls = append(p.Calls, TranscribeCall{Audio: audio, Cfg: cfg})
	fn, res, err, delay := p.TranscribeFunc, p.Result, p.Err, p.Delay
	p.mu.Unlock()

	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if fn != nil {
		return fn(ctx, audio, cfg)
	}
	if err != nil {
		return nil, err
	}
	return res, nil
}

// CallCount returns the number of Transcribe calls. Thread-safe.
func (p *Provider) CallCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.Calls)
}

// Reset clears all recorded calls. Thread-safe.
func (p *Provider) Reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.Calls = nil
}

// Ensure Provider implements stt.Provider at compile time.
var _ stt.Provider = (*Provider)(nil)
