package transcript

import (
	"regexp"
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/MrWong99/playcoach/pkg/types"
)

var (
	// annotationRe matches parenthesised non-speech event tags, ASCII and
	// full-width.
	annotationRe = regexp.MustCompile(`\([^()]*\)|（[^（）]*）`)

	// spaceBeforePunctRe matches whitespace left in front of punctuation after
	// an annotation was removed.
	spaceBeforePunctRe = regexp.MustCompile(`\s+([.,!?;:。！？、，])`)
)

// sentenceTerminals are the characters that close an utterance when a word
// ends with one of them.
const sentenceTerminals = ".!?。！？．"

// openingPunct never attaches to the preceding word.
const openingPunct = "([{（「『\"'¿¡"

// Segment groups a word stream into utterances.
//
// Spacing tokens are ignored. An utterance is closed when the speaker changes
// (ending at the new word's start) or when a word ends with a sentence
// terminal (ending at that word's end). Annotations such as "(laughs)" are
// stripped from the resulting text, whitespace is collapsed and utterances
// left without text are dropped. The output is time-ordered, never overlaps
// and is numbered from zero.
func Segment(words []types.Word) []types.Utterance {
	var (
		out []types.Utterance
		acc accumulator
	)
	for _, w := range words {
		if w.IsSpacing() {
			continue
		}
		text := strings.TrimSpace(w.Text)
		if text == "" {
			continue
		}

		if acc.open && w.SpeakerID != acc.speaker && acc.text.Len() > 0 {
			out = acc.close(out, w.Start)
		}
		if !acc.open {
			acc.begin(w)
		}
		acc.add(text, w.End)

		if endsSentence(text) && acc.text.Len() > 0 {
			out = acc.close(out, w.End)
		}
	}
	if acc.open && acc.text.Len() > 0 {
		out = acc.close(out, acc.end)
	}
	return finish(out)
}

type accumulator struct {
	open    bool
	speaker string
	start   float64
	end     float64
	text    strings.Builder
}

func (a *accumulator) begin(w types.Word) {
	a.open = true
	a.speaker = w.SpeakerID
	a.start = w.Start
	a.end = w.End
	a.text.Reset()
}

func (a *accumulator) add(text string, end float64) {
	if a.text.Len() > 0 && !attaches(text) {
		a.text.WriteByte(' ')
	}
	a.text.WriteString(text)
	if end > a.end {
		a.end = end
	}
}

func (a *accumulator) close(out []types.Utterance, end float64) []types.Utterance {
	speaker := a.speaker
	if speaker == "" {
		speaker = types.UnknownSpeaker
	}
	if end < a.start {
		end = a.start
	}
	out = append(out, types.Utterance{
		Speaker:   speaker,
		Text:      a.text.String(),
		StartTime: a.start,
		EndTime:   end,
	})
	a.open = false
	a.speaker = ""
	a.text.Reset()
	return out
}

// finish cleans utterance text, drops empty utterances, enforces ordering and
// assigns Order. An utterance starting before its predecessor ended is
// trimmed to start at that end.
func finish(utts []types.Utterance) []types.Utterance {
	out := make([]types.Utterance, 0, len(utts))
	prevEnd := 0.0
	for _, u := range utts {
		u.Text = cleanText(u.Text)
		if u.Text == "" {
			continue
		}
		// Providers report overlapping words for crosstalk. The later
		// utterance starts where the earlier one ends so silence detection
		// sees a gap-free timeline.
		if u.StartTime < prevEnd {
			u.StartTime = prevEnd
		}
		if u.EndTime < u.StartTime {
			u.EndTime = u.StartTime
		}
		u.Order = len(out)
		prevEnd = u.EndTime
		out = append(out, u)
	}
	return out
}

// cleanText strips annotations and collapses whitespace.
func cleanText(s string) string {
	s = annotationRe.ReplaceAllString(s, " ")
	s = strings.Join(strings.Fields(s), " ")
	return spaceBeforePunctRe.ReplaceAllString(s, "$1")
}

// endsSentence reports whether text ends with a sentence terminal.
func endsSentence(text string) bool {
	r, _ := utf8.DecodeLastRuneInString(text)
	return r != utf8.RuneError && strings.ContainsRune(sentenceTerminals, r)
}

// attaches reports whether a token is pure punctuation that joins the
// previous word without a space.
func attaches(text string) bool {
	first, _ := utf8.DecodeRuneInString(text)
	if strings.ContainsRune(openingPunct, first) {
		return false
	}
	for _, r := range text {
		if !unicode.IsPunct(r) {
			return false
		}
	}
	return true
}
