// Package analysis is the boundary to the analysis collaborator: it takes the
// reconciled utterances of one session and returns speaker roles, coaching
// tags, scores and narrative feedback.
//
// [LLMAnalyzer] implements the boundary on top of an [llm.Provider].
package analysis

import (
	"context"
	"errors"

	"github.com/MrWong99/playcoach/pkg/types"
)

// ErrNoSpeech is returned when the utterance list holds no speech. It marks
// structurally invalid input; retrying cannot help.
var ErrNoSpeech = errors.New("analysis: no speech utterances")

// ErrMalformedResponse is returned when the collaborator's reply cannot be
// decoded or references utterances that do not exist.
var ErrMalformedResponse = errors.New("analysis: malformed response")

// Metadata carries session facts the analyzer may use as context.
type Metadata struct {
	SessionID       string
	UserID          string
	DurationSeconds float64
}

// Analyzer analyses one session. Implementations must be safe for concurrent
// use and must not modify utts.
type Analyzer interface {
	Analyze(ctx context.Context, utts []types.Utterance, meta Metadata) (*types.Analysis, error)
}

// Coaching tags assigned to adult utterances.
const (
	TagLabeledPraise       = "labeled_praise"
	TagUnlabeledPraise     = "unlabeled_praise"
	TagReflection          = "reflection"
	TagBehaviorDescription = "behavior_description"
	TagQuestion            = "question"
	TagCommand             = "command"
	TagCriticism           = "criticism"
	TagNeutral             = "neutral"
)

// Tags lists every tag an analyzer may assign.
var Tags = []string{
	TagLabeledPraise,
	TagUnlabeledPraise,
	TagReflection,
	TagBehaviorDescription,
	TagQuestion,
	TagCommand,
	TagCriticism,
	TagNeutral,
}

// AnalyzerFunc adapts a function to [Analyzer].
type AnalyzerFunc func(ctx context.Context, utts []types.Utterance, meta Metadata) (*types.Analysis, error)

// Analyze implements [Analyzer].
func (f AnalyzerFunc) Analyze(ctx context.Context, utts []types.Utterance, meta Metadata) (*types.Analysis, error) {
	return f(ctx, utts, meta)
}
