// Package transcript turns raw transcription passes into an ordered list of
// speaker-attributed utterances.
//
// The stages are pure functions over immutable time-interval data:
//
//  1. [Normalize] flattens a provider [stt.Result] into a time-ordered []types.Word.
//  2. [Reconcile] merges a quality pass and a diarization pass, keeping the
//     quality pass's wording and the diarization pass's speaker labels.
//  3. [Segment] groups a word stream into utterances at speaker changes and
//     sentence boundaries.
//  4. [InsertSilences] interleaves silent slots wherever the gap between
//     utterances exceeds a threshold and renumbers the result.
//
// None of the functions perform I/O, and identical inputs always produce
// identical outputs.
package transcript

import (
	"fmt"

	"github.com/MrWong99/playcoach/pkg/types"
)

// Strategy selects how [Reconcile] combines two passes.
type Strategy string

const (
	// StrategyUtterance segments the quality pass first and assigns each
	// provisional utterance the diarization speaker with the largest time
	// overlap. This is the default.
	StrategyUtterance Strategy = "utterance"

	// StrategyWord relabels every quality word with the speaker of the nearest
	// diarization word by midpoint, then segments.
	StrategyWord Strategy = "word"
)

// IsValid reports whether s is a known strategy.
func (s Strategy) IsValid() bool {
	return s == StrategyUtterance || s == StrategyWord
}

// DefaultSilenceThreshold is the minimum gap in seconds that produces a
// silent slot when no threshold is configured.
const DefaultSilenceThreshold = 3.0

// Build runs reconciliation, segmentation and silence extraction in sequence
// and returns the final ordered utterance list for persistence.
func Build(strategy Strategy, quality, diarization []types.Word, duration, silenceThreshold float64) ([]types.Utterance, error) {
	if !strategy.IsValid() {
		return nil, fmt.Errorf("transcript: unknown merge strategy %q", strategy)
	}
	utts := Reconcile(strategy, quality, diarization)
	return InsertSilences(utts, duration, silenceThreshold), nil
}
