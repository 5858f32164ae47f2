package transcript

import (
	"math"
	"slices"
	"strings"

	"github.com/MrWong99/playcoach/pkg/provider/stt"
	"github.com/MrWong99/playcoach/pkg/types"
)

// Normalize flattens res into a time-ordered word stream.
//
// Tokens are collected from res.Tokens followed by every segment's tokens; a
// token without its own speaker inherits its segment's speaker. Provider
// envelope fields are dropped. Spacing tokens and blank word tokens are kept
// as [types.WordTypeSpacing]; audio events and punctuation become ordinary
// words. The result is stably sorted by start time.
//
// A nil result, a result without any tokens, or a token with a negative,
// non-finite or inverted interval yields a [*FormatError].
func Normalize(res *stt.Result) ([]types.Word, error) {
	if res == nil {
		return nil, &FormatError{Reason: "nil result", Index: -1}
	}
	if res.TokenCount() == 0 {
		return nil, &FormatError{Provider: res.Provider, Reason: "no tokens", Index: -1}
	}

	words := make([]types.Word, 0, res.TokenCount())
	add := func(tok stt.Token, speaker string) error {
		idx := len(words)
		if !finite(tok.Start) || !finite(tok.End) {
			return &FormatError{Provider: res.Provider, Reason: "non-finite timestamp", Index: idx}
		}
		if tok.Start < 0 {
			return &FormatError{Provider: res.Provider, Reason: "negative start time", Index: idx}
		}
		if tok.End < tok.Start {
			return &FormatError{Provider: res.Provider, Reason: "end before start", Index: idx}
		}
		if tok.SpeakerID != "" {
			speaker = tok.SpeakerID
		}
		words = append(words, types.Word{
			Text:      tok.Text,
			Start:     tok.Start,
			End:       tok.End,
			Type:      classify(tok),
			SpeakerID: speaker,
		})
		return nil
	}

	for _, tok := range res.Tokens {
		if err := add(tok, ""); err != nil {
			return nil, err
		}
	}
	for _, seg := range res.Segments {
		for _, tok := range seg.Tokens {
			if err := add(tok, seg.SpeakerID); err != nil {
				return nil, err
			}
		}
	}

	slices.SortStableFunc(words, func(a, b types.Word) int {
		switch {
		case a.Start < b.Start:
			return -1
		case a.Start > b.Start:
			return 1
		}
		return 0
	})
	return words, nil
}

func classify(tok stt.Token) types.WordType {
	if tok.Kind == stt.KindSpacing || strings.TrimSpace(tok.Text) == "" {
		return types.WordTypeSpacing
	}
	return types.WordTypeWord
}

func finite(f float64) bool {
	return !math.IsNaN(f) && !math.IsInf(f, 0)
}

// speechWords returns the non-spacing words of ws.
func speechWords(ws []types.Word) []types.Word {
	out := make([]types.Word, 0, len(ws))
	for _, w := range ws {
		if !w.IsSpacing() {
			out = append(out, w)
		}
	}
	return out
}
