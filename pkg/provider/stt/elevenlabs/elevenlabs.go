// Package elevenlabs provides an ElevenLabs Scribe-backed STT provider using
// the ElevenLabs speech-to-text REST API. It implements the stt.Provider
// interface.
//
// Scribe returns a flat token list in which every token is typed as "word",
// "spacing" or "audio_event" and, when diarization is requested, carries a
// speaker_id. Scribe is the default provider for both passes.
package elevenlabs

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/MrWong99/playcoach/pkg/provider/stt"
)

const (
	sttEndpoint    = "https://api.elevenlabs.io/v1/speech-to-text"
	defaultModel   = "scribe_v1"
	defaultTimeout = 5 * time.Minute
)

// Compile-time assertion that Provider implements stt.Provider.
var _ stt.Provider = (*Provider)(nil)

// Option is a functional option for configuring the ElevenLabs Provider.
type Option func(*Provider)

// WithModel sets the ElevenLabs model ID (e.g., "scribe_v1").
func WithModel(model string) Option {
	return func(p *Provider) {
		p.model = model
	}
}

// WithEndpoint overrides the API endpoint. Used in tests.
func WithEndpoint(endpoint string) Option {
	return func(p *Provider) {
		p.endpoint = endpoint
	}
}

// WithHTTPClient overrides the HTTP client.
func WithHTTPClient(c *http.Client) Option {
	return func(p *Provider) {
		p.httpClient = c
	}
}

// Provider implements stt.Provider backed by the ElevenLabs Scribe API.
type Provider struct {
	apiKey     string
	model      string
	endpoint   string
	httpClient *http.Client
}

// New creates a new ElevenLabs Provider. apiKey must be non-empty.
func New(apiKey string, opts ...Option) (*Provider, error) {
	if apiKey == "" {
		return nil, errors.New("elevenlabs: apiKey must not be empty")
	}
	p := &Provider{
		apiKey:     apiKey,
		model:      defaultModel,
		endpoint:   sttEndpoint,
		httpClient: &http.Client{Timeout: defaultTimeout},
	}
	for _, o := range opts {
		o(p)
	}
	return p, nil
}

// scribeResponse is the JSON body returned by the speech-to-text endpoint.
type scribeResponse struct {
	LanguageCode string        `json:"language_code"`
	Text         string        `json:"text"`
	Words        []scribeToken `json:"words"`
}

type scribeToken struct {
	Text      string  `json:"text"`
	Start     float64 `json:"start"`
	End       float64 `json:"end"`
	Type      string  `json:"type"`
	SpeakerID string  `json:"speaker_id,omitempty"`
	Logprob   float64 `json:"logprob"`
}

// Transcribe implements stt.Provider.
func (p *Provider) Transcribe(ctx context.Context, audio stt.Audio, cfg stt.PassConfig) (*stt.Result, error) {
	if len(audio.Data) == 0 {
		return nil, fmt.Errorf("elevenlabs: %w", stt.ErrEmptyAudio)
	}

	body, contentType, err := p.buildForm(audio, cfg)
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.endpoint, body)
	if err != nil {
		return nil, fmt.Errorf("elevenlabs: create request: %w", err)
	}
	req.Header.Set("xi-api-key", p.apiKey)
	req.Header.Set("Content-Type", contentType)

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("elevenlabs: http request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, &stt.StatusError{Provider: "elevenlabs", StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(msg))}
	}

	var sr scribeResponse
	if err := json.NewDecoder(resp.Body).Decode(&sr); err != nil {
		return nil, fmt.Errorf("elevenlabs: decode response: %w", err)
	}
	return sr.toResult(), nil
}

func (p *Provider) buildForm(audio stt.Audio, cfg stt.PassConfig) (*bytes.Buffer, string, error) {
	var body bytes.Buffer
	mw := multipart.NewWriter(&body)

	filename := audio.Filename
	if filename == "" {
		filename = "audio"
	}
	fw, err := mw.CreateFormFile("file", filename)
	if err != nil {
		return nil, "", fmt.Errorf("elevenlabs: create form file: %w", err)
	}
	if _, err := fw.Write(audio.Data); err != nil {
		return nil, "", fmt.Errorf("elevenlabs: write audio data: %w", err)
	}

	fields := [][2]string{
		{"model_id", p.model},
		{"timestamps_granularity", "word"},
		{"diarize", strconv.FormatBool(cfg.Diarize)},
		{"tag_audio_events", strconv.FormatBool(cfg.TagAudioEvents)},
	}
	if cfg.Language != "" {
		fields = append(fields, [2]string{"language_code", cfg.Language})
	}
	if cfg.Diarize && cfg.MaxSpeakers > 0 {
		fields = append(fields, [2]string{"num_speakers", strconv.Itoa(cfg.MaxSpeakers)})
	}
	for _, f := range fields {
		if err := mw.WriteField(f[0], f[1]); err != nil {
			return nil, "", fmt.Errorf("elevenlabs: write %s field: %w", f[0], err)
		}
	}

	if err := mw.Close(); err != nil {
		return nil, "", fmt.Errorf("elevenlabs: close multipart writer: %w", err)
	}
	return &body, mw.FormDataContentType(), nil
}

func (sr scribeResponse) toResult() *stt.Result {
	res := &stt.Result{
		Provider: "elevenlabs",
		Text:     sr.Text,
		Language: sr.LanguageCode,
		Tokens:   make([]stt.Token, 0, len(sr.Words)),
	}
	for _, w := range sr.Words {
		res.Tokens = append(res.Tokens, stt.Token{
			Text:      w.Text,
			Start:     w.Start,
			End:       w.End,
			Kind:      tokenKind(w.Type),
			SpeakerID: w.SpeakerID,
		})
	}
	if n := len(sr.Words); n > 0 {
		res.Duration = sr.Words[n-1].End
	}
	return res
}

func tokenKind(t string) stt.TokenKind {
	switch t {
	case "spacing":
		return stt.KindSpacing
	case "audio_event":
		return stt.KindAudioEvent
	default:
		return stt.KindWord
	}
}
