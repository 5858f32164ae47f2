package stt

// TokenKind is the provider's classification of a token.
type TokenKind string

const (
	// KindWord is a spoken word. Providers that do not classify tokens leave
	// Kind empty, which is treated as KindWord.
	KindWord TokenKind = "word"

	// KindSpacing is the whitespace between two words.
	KindSpacing TokenKind = "spacing"

	// KindAudioEvent is a non-speech event tag such as "(laughter)".
	KindAudioEvent TokenKind = "audio_event"

	// KindPunctuation is a standalone punctuation token.
	KindPunctuation TokenKind = "punctuation"
)

// Token is a single timed token as reported by a provider. Times are seconds
// from the start of the recording.
type Token struct {
	Text       string
	Start      float64
	End        float64
	Kind       TokenKind
	SpeakerID  string
	Confidence float64
}

// Segment is a provider-defined group of tokens (a Whisper segment, a Google
// result alternative, a Deepgram paragraph). SpeakerID, when set, applies to
// every token in the segment that carries no speaker of its own.
type Segment struct {
	Text      string
	Start     float64
	End       float64
	SpeakerID string
	Tokens    []Token
}

// Result is the provider-neutral envelope of one transcription pass.
// A provider fills Tokens, Segments, or both.
type Result struct {
	// Provider names the backend that produced the result.
	Provider string

	// Text is the provider's plain transcript, if it reports one.
	Text string

	// Language is the detected or requested language.
	Language string

	// Duration is the audio duration reported by the provider, in seconds.
	// Zero when unknown.
	Duration float64

	Tokens   []Token
	Segments []Segment
}

// TokenCount returns the number of tokens across Tokens and all Segments.
func (r *Result) TokenCount() int {
	if r == nil {
		return 0
	}
	n := len(r.Tokens)
	for _, s := range r.Segments {
		n += len(s.Tokens)
	}
	return n
}
