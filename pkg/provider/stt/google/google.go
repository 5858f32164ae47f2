// Package google provides a Google Cloud Speech-to-Text batch provider.
//
// The provider submits the complete recording inline through
// LongRunningRecognize and waits for the operation to finish. When
// diarization is requested, Google repeats every word of the recording in the
// final result with a speaker tag; only that result is used in that case.
//
// Requires GOOGLE_APPLICATION_CREDENTIALS or explicit client options.
package google

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	speech "cloud.google.com/go/speech/apiv1"
	"cloud.google.com/go/speech/apiv1/speechpb"
	"google.golang.org/api/option"

	"github.com/MrWong99/playcoach/pkg/provider/stt"
)

const (
	defaultLanguage = "en-US"
	defaultModel    = "latest_long"
)

// Compile-time assertion that Provider implements stt.Provider.
var _ stt.Provider = (*Provider)(nil)

// Option is a functional option for configuring the Google Provider.
type Option func(*Provider)

// WithLanguage sets the default BCP-47 language code (e.g., "en-US").
func WithLanguage(lang string) Option {
	return func(p *Provider) {
		p.language = lang
	}
}

// WithModel sets the recognition model (e.g., "latest_long", "video").
func WithModel(model string) Option {
	return func(p *Provider) {
		p.model = model
	}
}

// WithClientOptions passes options such as credentials to the underlying
// speech client.
func WithClientOptions(opts ...option.ClientOption) Option {
	return func(p *Provider) {
		p.clientOpts = append(p.clientOpts, opts...)
	}
}

type recognizeFunc func(ctx context.Context, req *speechpb.LongRunningRecognizeRequest) (*speechpb.LongRunningRecognizeResponse, error)

// Provider implements stt.Provider using Google Cloud Speech-to-Text.
type Provider struct {
	language   string
	model      string
	clientOpts []option.ClientOption

	client    *speech.Client
	recognize recognizeFunc
}

// New creates a new Google Provider and dials the speech service.
func New(ctx context.Context, opts ...Option) (*Provider, error) {
	p := newProvider(opts...)
	c, err := speech.NewClient(ctx, p.clientOpts...)
	if err != nil {
		return nil, fmt.Errorf("google stt: create client: %w", err)
	}
	p.client = c
	p.recognize = func(ctx context.Context, req *speechpb.LongRunningRecognizeRequest) (*speechpb.LongRunningRecognizeResponse, error) {
		op, err := c.LongRunningRecognize(ctx, req)
		if err != nil {
			return nil, err
		}
		return op.Wait(ctx)
	}
	return p, nil
}

func newProvider(opts ...Option) *Provider {
	p := &Provider{
		language: defaultLanguage,
		model:    defaultModel,
	}
	for _, o := range opts {
		o(p)
	}
	return p
}

// Close releases the underlying gRPC connection.
func (p *Provider) Close() error {
	if p.client == nil {
		return nil
	}
	return p.client.Close()
}

// Transcribe implements stt.Provider.
func (p *Provider) Transcribe(ctx context.Context, audio stt.Audio, cfg stt.PassConfig) (*stt.Result, error) {
	if len(audio.Data) == 0 {
		return nil, fmt.Errorf("google stt: %w", stt.ErrEmptyAudio)
	}

	resp, err := p.recognize(ctx, p.buildRequest(audio, cfg))
	if err != nil {
		return nil, fmt.Errorf("google stt: recognize: %w", err)
	}
	return toResult(resp, cfg.Diarize), nil
}

func (p *Provider) buildRequest(audio stt.Audio, cfg stt.PassConfig) *speechpb.LongRunningRecognizeRequest {
	lang := cfg.Language
	if lang == "" {
		lang = p.language
	}
	rc := &speechpb.RecognitionConfig{
		Encoding:                   encodingFor(audio.ContentType),
		LanguageCode:               lang,
		Model:                      p.model,
		EnableAutomaticPunctuation: true,
		EnableWordTimeOffsets:      true,
	}
	if cfg.Diarize {
		rc.DiarizationConfig = &speechpb.SpeakerDiarizationConfig{
			EnableSpeakerDiarization: true,
			MinSpeakerCount:          int32(cfg.MinSpeakers),
			MaxSpeakerCount:          int32(cfg.MaxSpeakers),
		}
	}
	return &speechpb.LongRunningRecognizeRequest{
		Config: rc,
		Audio: &speechpb.RecognitionAudio{
			AudioSource: &speechpb.RecognitionAudio_Content{Content: audio.Data},
		},
	}
}

// encodingFor maps a MIME type to a recognition encoding. WAV and FLAC carry
// their own headers, so unknown types are left unspecified.
func encodingFor(contentType string) speechpb.RecognitionConfig_AudioEncoding {
	ct, _, _ := strings.Cut(strings.ToLower(contentType), ";")
	switch strings.TrimSpace(ct) {
	case "audio/flac", "audio/x-flac":
		return speechpb.RecognitionConfig_FLAC
	case "audio/ogg", "audio/opus":
		return speechpb.RecognitionConfig_OGG_OPUS
	case "audio/webm":
		return speechpb.RecognitionConfig_WEBM_OPUS
	case "audio/l16", "audio/pcm":
		return speechpb.RecognitionConfig_LINEAR16
	default:
		return speechpb.RecognitionConfig_ENCODING_UNSPECIFIED
	}
}

func toResult(resp *speechpb.LongRunningRecognizeResponse, diarized bool) *stt.Result {
	res := &stt.Result{Provider: "google"}
	if resp == nil {
		return res
	}
	if d := resp.GetTotalBilledTime(); d != nil {
		res.Duration = d.AsDuration().Seconds()
	}

	results := resp.GetResults()
	if diarized && len(results) > 0 {
		results = results[len(results)-1:]
	}

	var texts []string
	for _, r := range results {
		alts := r.GetAlternatives()
		if len(alts) == 0 {
			continue
		}
		if res.Language == "" {
			res.Language = r.GetLanguageCode()
		}
		alt := alts[0]
		texts = append(texts, alt.GetTranscript())

		seg := stt.Segment{Text: alt.GetTranscript()}
		for _, w := range alt.GetWords() {
			tok := stt.Token{
				Text:       w.GetWord(),
				Start:      w.GetStartTime().AsDuration().Seconds(),
				End:        w.GetEndTime().AsDuration().Seconds(),
				Kind:       stt.KindWord,
				Confidence: float64(w.GetConfidence()),
			}
			if tag := w.GetSpeakerTag(); tag > 0 {
				tok.SpeakerID = "speaker_" + strconv.Itoa(int(tag))
			}
			seg.Tokens = append(seg.Tokens, tok)
		}
		if n := len(seg.Tokens); n > 0 {
			seg.Start = seg.Tokens[0].Start
			seg.End = seg.Tokens[n-1].End
		}
		res.Segments = append(res.Segments, seg)
	}
	if !diarized {
		res.Text = strings.TrimSpace(strings.Join(texts, " "))
	} else if len(texts) > 0 {
		res.Text = texts[0]
	}
	return res
}
