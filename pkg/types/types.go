// Package types defines the shared types used across all playcoach packages.
//
// These types form the lingua franca between speech-to-text providers, the
// transcript pipeline, the session store and the analysis collaborator. Each
// package defines its own domain types, but cross-cutting data structures live
// here to avoid circular imports.
//
// All time offsets are float64 seconds measured from the start of the recording.
package types

import "strings"

// WordType classifies a token in a normalised word stream.
type WordType string

const (
	// WordTypeWord is a spoken word, a punctuation token, or a non-speech event
	// tag such as "(laughs)".
	WordTypeWord WordType = "word"

	// WordTypeSpacing is an inter-word gap. Spacing tokens are kept in the
	// stream but never drive utterance boundaries or speaker votes.
	WordTypeSpacing WordType = "spacing"
)

// Word is a single timed token produced by one transcription pass.
// Words are immutable once produced. Start is never greater than End.
type Word struct {
	// Text is the token text exactly as the provider reported it.
	Text string `json:"text"`

	// Start and End bound the token in seconds.
	Start float64 `json:"start"`
	End   float64 `json:"end"`

	// Type distinguishes spoken words from spacing.
	Type WordType `json:"type"`

	// SpeakerID is the provider's provisional speaker label. Empty when the pass
	// did not diarize.
	SpeakerID string `json:"speaker_id,omitempty"`
}

// IsSpacing reports whether w is an inter-word spacing token.
func (w Word) IsSpacing() bool { return w.Type == WordTypeSpacing }

// Midpoint returns the centre of the word's time interval.
func (w Word) Midpoint() float64 { return (w.Start + w.End) / 2 }

// SilenceSpeaker is the reserved speaker label of a synthesized silent slot.
const SilenceSpeaker = "SILENCE"

// UnknownSpeaker labels speech whose speaker could not be determined by either
// pass.
const UnknownSpeaker = "unknown"

// Speaker roles resolved by the analysis collaborator.
const (
	RoleAdult = "adult"
	RoleChild = "child"
)

// Utterance is a contiguous single-speaker span of transcribed speech, or a
// silent slot when Speaker equals [SilenceSpeaker].
//
// Utterances of one session are strictly increasing by Order and by StartTime.
// Only CoachingTag and Feedback may change after creation; they are owned by
// the analysis collaborator.
type Utterance struct {
	Order     int     `json:"order"`
	Speaker   string  `json:"speaker"`
	Text      string  `json:"text"`
	StartTime float64 `json:"start_time"`
	EndTime   float64 `json:"end_time"`

	CoachingTag string `json:"coaching_tag,omitempty"`
	Feedback    string `json:"feedback,omitempty"`
}

// IsSilence reports whether u is a synthesized silent slot.
func (u Utterance) IsSilence() bool { return u.Speaker == SilenceSpeaker }

// Duration returns EndTime-StartTime.
func (u Utterance) Duration() float64 { return u.EndTime - u.StartTime }

// SpeechOnly returns the utterances of utts that are not silent slots, keeping
// their order.
func SpeechOnly(utts []Utterance) []Utterance {
	out := make([]Utterance, 0, len(utts))
	for _, u := range utts {
		if !u.IsSilence() {
			out = append(out, u)
		}
	}
	return out
}

// RenderTranscript renders the speech utterances of utts as "speaker: text"
// lines. Silent slots are omitted.
func RenderTranscript(utts []Utterance) string {
	var b strings.Builder
	for _, u := range utts {
		if u.IsSilence() {
			continue
		}
		if b.Len() > 0 {
			b.WriteByte('\n')
		}
		b.WriteString(u.Speaker)
		b.WriteString(": ")
		b.WriteString(u.Text)
	}
	return b.String()
}

// UtteranceTag is a coaching tag attached to one utterance by the analysis
// collaborator.
type UtteranceTag struct {
	Order    int    `json:"order"`
	Tag      string `json:"tag"`
	Feedback string `json:"feedback,omitempty"`
}

// Analysis is the structured output of the analysis collaborator. It is
// persisted atomically together with the COMPLETED status.
type Analysis struct {
	// SpeakerRoles maps diarization labels to a resolved role
	// ([RoleAdult] or [RoleChild]).
	SpeakerRoles map[string]string `json:"speaker_roles,omitempty"`

	// Tags holds per-utterance coaching tags keyed by utterance order.
	Tags []UtteranceTag `json:"tags,omitempty"`

	// TagCounts is the number of utterances carrying each tag.
	TagCounts map[string]int `json:"tag_counts,omitempty"`

	// Scores holds named numeric scores, e.g. "overall" or "praise_ratio".
	Scores map[string]float64 `json:"scores,omitempty"`

	// Summary is a short narrative summary of the session.
	Summary string `json:"summary,omitempty"`

	// Feedback is the narrative coaching feedback for the parent.
	Feedback string `json:"feedback,omitempty"`
}

// CountTags recomputes TagCounts from Tags.
func (a *Analysis) CountTags() {
	counts := make(map[string]int, len(a.Tags))
	for _, t := range a.Tags {
		if t.Tag == "" {
			continue
		}
		counts[t.Tag]++
	}
	a.TagCounts = counts
}

// ApplyTags returns a copy of utts with the tags of a attached by order.
func (a Analysis) ApplyTags(utts []Utterance) []Utterance {
	byOrder := make(map[int]UtteranceTag, len(a.Tags))
	for _, t := range a.Tags {
		byOrder[t.Order] = t
	}
	out := make([]Utterance, len(utts))
	for i, u := range utts {
		if t, ok := byOrder[u.Order]; ok {
			u.CoachingTag = t.Tag
			u.Feedback = t.Feedback
		}
		out[i] = u
	}
	return out
}
