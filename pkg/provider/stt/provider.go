// Package stt defines the Provider interface for batch Speech-to-Text backends.
//
// An STT provider wraps a prerecorded-audio transcription service (e.g.,
// ElevenLabs Scribe, Deepgram, Google Speech-to-Text, or a local Whisper
// server) and exposes a uniform request/response interface. One call is one
// transcription pass over a complete recording. The returned [Result] keeps the
// provider's nesting (flat tokens and/or segments of tokens) so that the
// transcript normaliser can validate and flatten it in one place.
//
// Implementations must be safe for concurrent use. The pipeline issues the
// quality pass and the diarization pass concurrently, possibly against the
// same provider.
package stt

import (
	"context"
	"errors"
	"fmt"
)

// ErrEmptyAudio is returned by providers when Transcribe is called without
// audio bytes.
var ErrEmptyAudio = errors.New("stt: empty audio payload")

// Audio is one complete recording handed to a provider.
type Audio struct {
	// Data holds the encoded audio file (m4a, wav, mp3, ...).
	Data []byte

	// ContentType is the MIME type of Data, e.g. "audio/mp4". Providers fall
	// back to "application/octet-stream" when empty.
	ContentType string

	// Filename is used for multipart uploads. Defaults to "audio".
	Filename string
}

// PassConfig describes how a single transcription pass should be run. The
// quality pass and the diarization pass differ only in their PassConfig.
type PassConfig struct {
	// Language is the BCP-47 language tag for recognition (e.g., "en-US").
	// An empty string lets the provider auto-detect the language, if supported.
	Language string

	// Diarize asks the provider to label each token with a speaker id.
	Diarize bool

	// MinSpeakers and MaxSpeakers bound the diarization speaker count. Zero
	// means provider default.
	MinSpeakers int
	MaxSpeakers int

	// TagAudioEvents asks providers that support it to emit non-speech event
	// tokens such as "(laughs)".
	TagAudioEvents bool
}

// Provider is the abstraction over any batch STT backend.
type Provider interface {
	// Transcribe runs one pass over audio and returns the provider's result.
	//
	// Returns an error if the request fails, the provider answers with a
	// non-2xx status (see [StatusError]), or ctx is cancelled. Malformed
	// payloads may be returned as-is; validating the token structure is the
	// caller's job.
	Transcribe(ctx context.Context, audio Audio, cfg PassConfig) (*Result, error)
}

// StatusError is returned when a provider answers with a non-2xx HTTP status.
type StatusError struct {
	Provider   string
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("%s: server returned HTTP %d", e.Provider, e.StatusCode)
	}
	return fmt.Sprintf("%s: server returned HTTP %d: %s", e.Provider, e.StatusCode, e.Body)
}
