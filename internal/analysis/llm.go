package analysis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"strings"

	"github.com/MrWong99/playcoach/pkg/provider/llm"
	"github.com/MrWong99/playcoach/pkg/types"
)

const (
	defaultTemperature = 0.2
	defaultMaxTokens   = 4096
)

const systemPromptTemplate = `You are a parent coaching assistant reviewing a recorded play session between an adult and a child.

The user message lists the session's utterances, one per line, as:
[order] speaker (start-end): text

Your tasks:
1. Decide for every speaker label whether it is the "adult" or the "child".
2. Tag adult utterances with exactly one of these coaching tags:
%s
   Do not tag child utterances.
3. Score the session between 0.0 and 1.0 under the keys "overall", "praise", "reflection" and "following_lead".
4. Write a two or three sentence summary and concrete, encouraging feedback for the adult.

Respond with ONLY a JSON object in this exact format (no markdown, no prose):
{
  "speaker_roles": {"<speaker label>": "adult" | "child"},
  "tags": [{"order": <utterance order>, "tag": "<tag>", "feedback": "<one short sentence>"}],
  "scores": {"overall": <0.0-1.0>},
  "summary": "<summary>",
  "feedback": "<feedback>"
}`

// Option configures an [LLMAnalyzer].
type Option func(*LLMAnalyzer)

// WithTemperature sets the sampling temperature. Default: 0.2.
func WithTemperature(temp float64) Option {
	return func(a *LLMAnalyzer) { a.temperature = temp }
}

// WithMaxTokens caps the reply length. Default: 4096.
func WithMaxTokens(n int) Option {
	return func(a *LLMAnalyzer) {
		if n > 0 {
			a.maxTokens = n
		}
	}
}

// LLMAnalyzer asks an [llm.Provider] to code a session and validates the JSON
// reply. It is safe for concurrent use.
type LLMAnalyzer struct {
	llm         llm.Provider
	temperature float64
	maxTokens   int
	prompt      string
}

var _ Analyzer = (*LLMAnalyzer)(nil)

// NewLLMAnalyzer returns an analyzer backed by provider.
func NewLLMAnalyzer(provider llm.Provider, opts ...Option) *LLMAnalyzer {
	a := &LLMAnalyzer{
		llm:         provider,
		temperature: defaultTemperature,
		maxTokens:   defaultMaxTokens,
		prompt:      buildSystemPrompt(),
	}
	for _, o := range opts {
		o(a)
	}
	return a
}

// Analyze implements [Analyzer]. Silent slots are not sent to the model.
func (a *LLMAnalyzer) Analyze(ctx context.Context, utts []types.Utterance, meta Metadata) (*types.Analysis, error) {
	speech := types.SpeechOnly(utts)
	if len(speech) == 0 {
		return nil, ErrNoSpeech
	}

	resp, err := a.llm.Complete(ctx, llm.CompletionRequest{
		SystemPrompt: a.prompt,
		Temperature:  a.temperature,
		MaxTokens:    a.maxTokens,
		JSONOutput:   true,
		Messages: []llm.Message{
			{Role: llm.RoleUser, Content: buildUserMessage(speech, meta)},
		},
	})
	if errors.Is(err, llm.ErrTruncated) || errors.Is(err, llm.ErrRefused) {
		return nil, fmt.Errorf("%w: %w", ErrMalformedResponse, err)
	}
	if err != nil {
		return nil, fmt.Errorf("analysis: complete: %w", err)
	}
	return parseResponse(resp.Content, speech)
}

func buildSystemPrompt() string {
	var sb strings.Builder
	for _, t := range Tags {
		sb.WriteString("   - ")
		sb.WriteString(t)
		sb.WriteByte('\n')
	}
	return fmt.Sprintf(systemPromptTemplate, strings.TrimRight(sb.String(), "\n"))
}

func buildUserMessage(speech []types.Utterance, meta Metadata) string {
	var sb strings.Builder
	if meta.DurationSeconds > 0 {
		fmt.Fprintf(&sb, "Session length: %.0f seconds\n\n", meta.DurationSeconds)
	}
	for _, u := range speech {
		fmt.Fprintf(&sb, "[%d] %s (%.2f-%.2f): %s\n", u.Order, u.Speaker, u.StartTime, u.EndTime, u.Text)
	}
	return sb.String()
}

type llmResponse struct {
	SpeakerRoles map[string]string  `json:"speaker_roles"`
	Tags         []llmTag           `json:"tags"`
	Scores       map[string]float64 `json:"scores"`
	Summary      string             `json:"summary"`
	Feedback     string             `json:"feedback"`
}

type llmTag struct {
	Order    int    `json:"order"`
	Tag      string `json:"tag"`
	Feedback string `json:"feedback"`
}

// parseResponse decodes content and checks it against speech. Unknown tags
// and roles are dropped; a tag pointing at an order that is not a speech
// utterance makes the whole reply malformed.
func parseResponse(content string, speech []types.Utterance) (*types.Analysis, error) {
	var r llmResponse
	if err := json.Unmarshal([]byte(stripMarkdown(content)), &r); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrMalformedResponse, err)
	}

	orders := make(map[int]bool, len(speech))
	speakers := make(map[string]bool)
	for _, u := range speech {
		orders[u.Order] = true
		speakers[u.Speaker] = true
	}

	out := &types.Analysis{
		SpeakerRoles: make(map[string]string, len(r.SpeakerRoles)),
		Scores:       make(map[string]float64, len(r.Scores)),
		Summary:      strings.TrimSpace(r.Summary),
		Feedback:     strings.TrimSpace(r.Feedback),
	}
	for label, role := range r.SpeakerRoles {
		role = strings.ToLower(strings.TrimSpace(role))
		if !speakers[label] || (role != types.RoleAdult && role != types.RoleChild) {
			continue
		}
		out.SpeakerRoles[label] = role
	}

	seen := make(map[int]bool, len(r.Tags))
	for _, t := range r.Tags {
		if !orders[t.Order] {
			return nil, fmt.Errorf("%w: tag for unknown utterance %d", ErrMalformedResponse, t.Order)
		}
		tag := strings.ToLower(strings.TrimSpace(t.Tag))
		if !slices.Contains(Tags, tag) || seen[t.Order] {
			continue
		}
		seen[t.Order] = true
		out.Tags = append(out.Tags, types.UtteranceTag{Order: t.Order, Tag: tag, Feedback: strings.TrimSpace(t.Feedback)})
	}
	slices.SortFunc(out.Tags, func(a, b types.UtteranceTag) int { return a.Order - b.Order })

	for k, v := range r.Scores {
		out.Scores[k] = min(max(v, 0), 1)
	}
	out.CountTags()
	return out, nil
}

// stripMarkdown removes a surrounding markdown code fence, if any.
func stripMarkdown(s string) string {
	s = strings.TrimSpace(s)
	for _, prefix := range []string{"```json", "```"} {
		if after, ok := strings.CutPrefix(s, prefix); ok {
			s = after
			break
		}
	}
	if before, ok := strings.CutSuffix(s, "```"); ok {
		s = before
	}
	return strings.TrimSpace(s)
}
