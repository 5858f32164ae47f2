package resilience

import (
	"context"

	"github.com/MrWong99/playcoach/pkg/provider/stt"
)

// STTFallback implements [stt.Provider] with failover across several
// transcription backends for one pass.
type STTFallback struct {
	group *FallbackGroup[stt.Provider]
}

var _ stt.Provider = (*STTFallback)(nil)

// NewSTTFallback creates an [STTFallback] with primary as the preferred backend.
func NewSTTFallback(primary stt.Provider, primaryName string, cfg FallbackConfig) *STTFallback {
	return &STTFallback{group: NewFallbackGroup(primary, primaryName, cfg)}
}

// AddFallback registers an additional backend.
func (f *STTFallback) AddFallback(name string, provider stt.Provider) {
	f.group.AddFallback(name, provider)
}

// Transcribe runs the pass against the first healthy backend. The returned
// result's Provider names the backend that served it when the backend left it
// empty.
func (f *STTFallback) Transcribe(ctx context.Context, audio stt.Audio, cfg stt.PassConfig) (*stt.Result, error) {
	res, name, err := ExecuteWithResult(ctx, f.group, func(ctx context.Context, p stt.Provider) (*stt.Result, error) {
		return p.Transcribe(ctx, audio, cfg)
	})
	if err != nil {
		return nil, err
	}
	if res != nil && res.Provider == "" {
		named := *res
		named.Provider = name
		res = &named
	}
	return res, nil
}
