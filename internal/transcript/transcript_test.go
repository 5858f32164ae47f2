package transcript_test

import (
	"errors"
	"math"
	"math/rand/v2"
	"reflect"
	"testing"

	"github.com/MrWong99/playcoach/internal/transcript"
	"github.com/MrWong99/playcoach/pkg/provider/stt"
	"github.com/MrWong99/playcoach/pkg/types"
)

func word(text string, start, end float64, speaker string) types.Word {
	return types.Word{Text: text, Start: start, End: end, Type: types.WordTypeWord, SpeakerID: speaker}
}

func space(start, end float64) types.Word {
	return types.Word{Text: " ", Start: start, End: end, Type: types.WordTypeSpacing}
}

// ---- Normalize ----

func TestNormalize_FlattensAndSorts(t *testing.T) {
	t.Parallel()

	res := &stt.Result{
		Provider: "test",
		Segments: []stt.Segment{
			{SpeakerID: "B", Tokens: []stt.Token{{Text: "there", Start: 1.0, End: 1.4}}},
		},
		Tokens: []stt.Token{
			{Text: "hello", Start: 0.2, End: 0.6, Kind: stt.KindWord, SpeakerID: "A"},
			{Text: " ", Start: 0.6, End: 1.0, Kind: stt.KindSpacing},
			{Text: "(laughs)", Start: 0, End: 0.2, Kind: stt.KindAudioEvent},
		},
	}

	got, err := transcript.Normalize(res)
	if err != nil {
		t.Fatalf("Normalize: %v", err)
	}
	want := []types.Word{
		{Text: "(laughs)", Start: 0, End: 0.2, Type: types.WordTypeWord},
		{Text: "hello", Start: 0.2, End: 0.6, Type: types.WordTypeWord, SpeakerID: "A"},
		{Text: " ", Start: 0.6, End: 1.0, Type: types.WordTypeSpacing},
		{Text: "there", Start: 1.0, End: 1.4, Type: types.WordTypeWord, SpeakerID: "B"},
	}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("Normalize:\n got  %+v\n want %+v", got, want)
	}
}

func TestNormalize_BlankWordBecomesSpacing(t *testing.T) {
	t.Parallel()

	got, err := transcript.Normalize(&stt.Result{Tokens: []stt.Token{{Text: "  ", Start: 0, End: 1}}})
	if err != nil {
		t.Fatalf("Normalize: %v", err)
	}
	if got[0].Type != types.WordTypeSpacing {
		t.Errorf("Type = %q, want spacing", got[0].Type)
	}
}

func TestNormalize_Errors(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		res  *stt.Result
	}{
		{name: "nil result", res: nil},
		{name: "no tokens", res: &stt.Result{Provider: "x", Text: "hi"}},
		{name: "end before start", res: &stt.Result{Tokens: []stt.Token{{Text: "a", Start: 2, End: 1}}}},
		{name: "negative start", res: &stt.Result{Tokens: []stt.Token{{Text: "a", Start: -1, End: 1}}}},
		{name: "nan", res: &stt.Result{Tokens: []stt.Token{{Text: "a", Start: math.NaN(), End: 1}}}},
		{name: "inf in segment", res: &stt.Result{Segments: []stt.Segment{{Tokens: []stt.Token{{Text: "a", Start: 0, End: math.Inf(1)}}}}}},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			_, err := transcript.Normalize(tc.res)
			var fe *transcript.FormatError
			if !errors.As(err, &fe) {
				t.Fatalf("expected *FormatError, got %v", err)
			}
		})
	}
}

// ---- Segment ----

func TestSegment_SpeakerChangeAndSentences(t *testing.T) {
	t.Parallel()

	words := []types.Word{
		word("Hi", 0.0, 0.3, "A"),
		space(0.3, 0.4),
		word("there.", 0.4, 0.8, "A"),
		word("Look", 1.0, 1.3, "A"),
		word("at", 1.4, 1.5, "A"),
		word("this", 1.6, 1.9, "B"),
		word("(laughs)", 2.0, 2.5, "B"),
		word("wow", 2.6, 2.9, "B"),
	}

	got := transcript.Segment(words)
	want := []types.Utterance{
		{Order: 0, Speaker: "A", Text: "Hi there.", StartTime: 0.0, EndTime: 0.8},
		{Order: 1, Speaker: "A", Text: "Look at", StartTime: 1.0, EndTime: 1.6},
		{Order: 2, Speaker: "B", Text: "this wow", StartTime: 1.6, EndTime: 2.9},
	}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("Segment:\n got  %+v\n want %+v", got, want)
	}
}

func TestSegment_DropsAnnotationOnlyUtterances(t *testing.T) {
	t.Parallel()

	words := []types.Word{
		word("(giggles)", 0.0, 0.5, "A"),
		word("Yes!", 1.0, 1.2, "B"),
		word("（笑）", 1.5, 1.8, "A"),
	}
	got := transcript.Segment(words)
	if len(got) != 1 {
		t.Fatalf("expected 1 utterance, got %d: %+v", len(got), got)
	}
	if got[0].Text != "Yes!" || got[0].Order != 0 {
		t.Errorf("unexpected utterance %+v", got[0])
	}
}

func TestSegment_FullWidthTerminal(t *testing.T) {
	t.Parallel()

	got := transcript.Segment([]types.Word{
		word("すごい！", 0, 1, "A"),
		word("もう一回", 1.2, 2, "A"),
	})
	if len(got) != 2 {
		t.Fatalf("expected 2 utterances, got %d", len(got))
	}
}

func TestSegment_UnknownSpeaker(t *testing.T) {
	t.Parallel()

	got := transcript.Segment([]types.Word{word("hello", 0, 1, "")})
	if got[0].Speaker != types.UnknownSpeaker {
		t.Errorf("Speaker = %q, want %q", got[0].Speaker, types.UnknownSpeaker)
	}
}

func TestSegment_CrosstalkStartsAtPreviousEnd(t *testing.T) {
	t.Parallel()

	words := []types.Word{
		word("Stop", 1.0, 1.6, "A"),
		word("that!", 1.6, 2.0, "A"),
		word("No", 1.5, 1.8, "B"),
		word("way.", 1.8, 2.5, "B"),
	}
	got := transcript.Segment(words)
	if len(got) != 2 {
		t.Fatalf("got %d utterances, want 2: %+v", len(got), got)
	}
	if got[0].StartTime != 1.0 || got[0].EndTime != 2.0 {
		t.Errorf("first utterance spans [%v,%v], want [1,2]", got[0].StartTime, got[0].EndTime)
	}
	if got[1].StartTime != 2.0 || got[1].EndTime != 2.5 || got[1].Text != "No way." {
		t.Errorf("overlapping utterance = %+v, want \"No way.\" over [2,2.5]", got[1])
	}
}

func TestSegment_NonOverlappingProperty(t *testing.T) {
	t.Parallel()

	rng := rand.New(rand.NewPCG(7, 11))
	speakers := []string{"A", "B", "C"}
	texts := []string{"ok", "good.", "why?", "(laughs)", "nice!", "block", ","}

	for iter := 0; iter < 200; iter++ {
		var (
			words []types.Word
			t0    float64
		)
		n := rng.IntN(40)
		for i := 0; i < n; i++ {
			t0 += rng.Float64() * 0.5
			end := t0 + rng.Float64()*0.6
			if rng.IntN(5) == 0 {
				words = append(words, space(t0, end))
			} else {
				words = append(words, word(texts[rng.IntN(len(texts))], t0, end, speakers[rng.IntN(len(speakers))]))
			}
			t0 = end
		}

		utts := transcript.Segment(words)
		for i, u := range utts {
			if u.StartTime > u.EndTime {
				t.Fatalf("iter %d: utterance %d inverted: %+v", iter, i, u)
			}
			if u.Order != i {
				t.Fatalf("iter %d: utterance %d has order %d", iter, i, u.Order)
			}
			if i > 0 && utts[i-1].EndTime > u.StartTime {
				t.Fatalf("iter %d: utterances %d and %d overlap: %+v %+v", iter, i-1, i, utts[i-1], u)
			}
		}
	}
}

// ---- Reconcile ----

func TestReconcile_GoodJobScenario(t *testing.T) {
	t.Parallel()

	quality := []types.Word{
		word("Good", 0.0, 0.4, "X"),
		word("job", 0.5, 0.8, "X"),
		word("!", 0.8, 0.9, "X"),
	}
	diarization := []types.Word{
		word("Good", 0.0, 0.4, "P1"),
		word("job", 0.5, 0.8, "P1"),
		word("!", 0.8, 0.9, "P1"),
	}

	got := transcript.Reconcile(transcript.StrategyUtterance, quality, diarization)
	want := []types.Utterance{{Order: 0, Speaker: "P1", Text: "Good job!", StartTime: 0.0, EndTime: 0.9}}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("Reconcile:\n got  %+v\n want %+v", got, want)
	}
}

func TestReconcile_EmptyDiarizationKeepsQualitySpeakers(t *testing.T) {
	t.Parallel()

	quality := []types.Word{
		word("Hi.", 0, 0.5, "spk_0"),
		word("Hello.", 1, 1.5, "spk_1"),
	}
	for _, strategy := range []transcript.Strategy{transcript.StrategyUtterance, transcript.StrategyWord} {
		got := transcript.Reconcile(strategy, quality, nil)
		if len(got) != 2 || got[0].Speaker != "spk_0" || got[1].Speaker != "spk_1" {
			t.Errorf("%s: speakers changed: %+v", strategy, got)
		}
	}

	merged := transcript.MergeWords(quality, []types.Word{space(0, 2)})
	if !reflect.DeepEqual(merged, quality) {
		t.Errorf("MergeWords with spacing-only diarization changed words: %+v", merged)
	}
}

func TestReconcile_EmptyQualityUsesDiarization(t *testing.T) {
	t.Parallel()

	diarization := []types.Word{word("Mine.", 0, 0.5, "P2")}
	got := transcript.Reconcile(transcript.StrategyUtterance, []types.Word{space(0, 1)}, diarization)
	if len(got) != 1 || got[0].Speaker != "P2" || got[0].Text != "Mine." {
		t.Errorf("unexpected result %+v", got)
	}
	if got := transcript.Reconcile(transcript.StrategyUtterance, nil, nil); len(got) != 0 {
		t.Errorf("expected no utterances, got %+v", got)
	}
}

func TestMergeUtterances_TieBreakFirstAccumulated(t *testing.T) {
	t.Parallel()

	quality := []types.Word{
		word("Let's", 0.0, 1.0, "X"),
		word("build.", 1.0, 2.0, "X"),
	}
	tests := []struct {
		name        string
		diarization []types.Word
		want        string
	}{
		{
			name:        "A first",
			diarization: []types.Word{word("a", 0, 1, "A"), word("b", 1, 2, "B")},
			want:        "A",
		},
		{
			name:        "B first",
			diarization: []types.Word{word("b", 0, 1, "B"), word("a", 1, 2, "A")},
			want:        "B",
		},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			got := transcript.MergeUtterances(quality, tc.diarization)
			if len(got) != 1 {
				t.Fatalf("expected 1 utterance, got %d", len(got))
			}
			if got[0].Speaker != tc.want {
				t.Errorf("Speaker = %q, want %q", got[0].Speaker, tc.want)
			}
		})
	}
}

func TestMergeUtterances_TieSurvivesInexactBoundaries(t *testing.T) {
	t.Parallel()

	// 0.6-0.3 and 0.9-0.6 differ in their last bits as float64.
	quality := []types.Word{
		word("Good", 0.3, 0.6, "X"),
		word("job.", 0.6, 0.9, "X"),
	}
	tests := []struct {
		name        string
		diarization []types.Word
		want        string
	}{
		{
			name:        "A first",
			diarization: []types.Word{word("good", 0.3, 0.6, "A"), word("job", 0.6, 0.9, "B")},
			want:        "A",
		},
		{
			name:        "B first",
			diarization: []types.Word{word("good", 0.6, 0.9, "B"), word("job", 0.3, 0.6, "A")},
			want:        "B",
		},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			got := transcript.MergeUtterances(quality, tc.diarization)
			if len(got) != 1 {
				t.Fatalf("expected 1 utterance, got %d", len(got))
			}
			if got[0].Speaker != tc.want {
				t.Errorf("Speaker = %q, want %q", got[0].Speaker, tc.want)
			}
		})
	}
}

func TestMergeWords_MidpointTieSurvivesInexactBoundaries(t *testing.T) {
	t.Parallel()

	// The quality word's midpoint 0.6 is nominally 0.15 from both
	// diarization midpoints 0.45 and 0.75.
	quality := []types.Word{word("hm", 0.5, 0.7, "X")}
	diarization := []types.Word{word("a", 0.3, 0.6, "A"), word("b", 0.6, 0.9, "B")}

	got := transcript.MergeWords(quality, diarization)
	if got[0].SpeakerID != "A" {
		t.Errorf("SpeakerID = %q, want A (first diarization word on a tie)", got[0].SpeakerID)
	}
}

func TestMergeUtterances_NoOverlapFallsBackToNearest(t *testing.T) {
	t.Parallel()

	quality := []types.Word{word("Hi.", 10, 11, "X")}
	diarization := []types.Word{
		word("a", 0, 1, "A"),
		word("b", 12, 13, "B"),
		word("c", 30, 31, "C"),
	}
	got := transcript.MergeUtterances(quality, diarization)
	if got[0].Speaker != "B" {
		t.Errorf("Speaker = %q, want B", got[0].Speaker)
	}
}

func TestMergeWords_NearestMidpoint(t *testing.T) {
	t.Parallel()

	quality := []types.Word{
		word("one", 0.0, 0.2, "X"),
		space(0.2, 0.3),
		word("two", 0.3, 0.5, "X"),
		word("three", 2.0, 2.2, "X"),
	}
	diarization := []types.Word{
		word("one", 0.0, 0.2, "A"),
		word("two", 0.35, 0.45, "B"),
		word("", 1.0, 3.0, ""),
		word("three", 2.5, 2.7, "A"),
	}

	got := transcript.MergeWords(quality, diarization)
	wantSpeakers := []string{"A", "", "B", "A"}
	for i, w := range got {
		if w.SpeakerID != wantSpeakers[i] {
			t.Errorf("word %d (%q): speaker %q, want %q", i, w.Text, w.SpeakerID, wantSpeakers[i])
		}
	}
	if quality[0].SpeakerID != "X" {
		t.Error("MergeWords mutated its input")
	}
}

func TestMergeWords_TieGoesToFirst(t *testing.T) {
	t.Parallel()

	quality := []types.Word{word("mid", 1.0, 1.0, "X")}
	diarization := []types.Word{word("l", 0, 1, "L"), word("r", 1, 2, "R")}
	got := transcript.MergeWords(quality, diarization)
	if got[0].SpeakerID != "L" {
		t.Errorf("Speaker = %q, want L", got[0].SpeakerID)
	}
}

func TestReconcile_Deterministic(t *testing.T) {
	t.Parallel()

	quality := []types.Word{
		word("Can", 0, 0.3, "X"), word("I", 0.3, 0.4, "X"), word("play?", 0.4, 0.9, "X"),
		word("Sure.", 1.5, 1.9, "Y"), word("Great", 2.5, 2.8, "X"),
	}
	diarization := []types.Word{
		word("Can", 0, 0.3, "child"), word("I", 0.3, 0.4, "child"), word("play", 0.4, 0.9, "child"),
		word("Sure", 1.5, 1.9, "adult"), word("Great", 2.5, 2.8, "child"),
	}
	for _, strategy := range []transcript.Strategy{transcript.StrategyUtterance, transcript.StrategyWord} {
		a := transcript.Reconcile(strategy, quality, diarization)
		b := transcript.Reconcile(strategy, quality, diarization)
		if !reflect.DeepEqual(a, b) {
			t.Errorf("%s: results differ between runs", strategy)
		}
	}
}

// ---- InsertSilences ----

func TestInsertSilences_Scenario(t *testing.T) {
	t.Parallel()

	utts := []types.Utterance{
		{Order: 0, Speaker: "A", Text: "hi", StartTime: 0, EndTime: 1},
		{Order: 1, Speaker: "B", Text: "yo", StartTime: 5, EndTime: 6},
	}
	got := transcript.InsertSilences(utts, 6, 3.0)
	want := []types.Utterance{
		{Order: 0, Speaker: "A", Text: "hi", StartTime: 0, EndTime: 1},
		{Order: 1, Speaker: types.SilenceSpeaker, StartTime: 1, EndTime: 5},
		{Order: 2, Speaker: "B", Text: "yo", StartTime: 5, EndTime: 6},
	}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("InsertSilences:\n got  %+v\n want %+v", got, want)
	}
}

func TestInsertSilences_HeadTailAndThreshold(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name      string
		utts      []types.Utterance
		duration  float64
		threshold float64
		wantSlots [][2]float64
	}{
		{
			name:      "head and tail",
			utts:      []types.Utterance{{Speaker: "A", Text: "x", StartTime: 4, EndTime: 5}},
			duration:  10,
			threshold: 3,
			wantSlots: [][2]float64{{0, 4}, {5, 10}},
		},
		{
			name:      "gap equal to threshold is not silence",
			utts:      []types.Utterance{{Speaker: "A", Text: "x", StartTime: 0, EndTime: 1}, {Speaker: "A", Text: "y", StartTime: 4, EndTime: 5}},
			duration:  5,
			threshold: 3,
		},
		{
			name:      "unknown duration has no tail",
			utts:      []types.Utterance{{Speaker: "A", Text: "x", StartTime: 0, EndTime: 1}},
			duration:  0,
			threshold: 3,
		},
		{
			name:      "empty recording is one slot",
			duration:  8,
			threshold: 3,
			wantSlots: [][2]float64{{0, 8}},
		},
		{
			name:      "default threshold",
			utts:      []types.Utterance{{Speaker: "A", Text: "x", StartTime: 3.5, EndTime: 4}},
			duration:  4,
			threshold: 0,
			wantSlots: [][2]float64{{0, 3.5}},
		},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			got := transcript.InsertSilences(tc.utts, tc.duration, tc.threshold)
			var slots [][2]float64
			for i, u := range got {
				if u.Order != i {
					t.Errorf("utterance %d has order %d", i, u.Order)
				}
				if u.IsSilence() {
					slots = append(slots, [2]float64{u.StartTime, u.EndTime})
				}
			}
			if !reflect.DeepEqual(slots, tc.wantSlots) {
				t.Errorf("slots = %v, want %v", slots, tc.wantSlots)
			}
		})
	}
}

func TestInsertSilences_NeverOverlapsProperty(t *testing.T) {
	t.Parallel()

	rng := rand.New(rand.NewPCG(3, 5))
	for iter := 0; iter < 200; iter++ {
		var (
			utts []types.Utterance
			t0   float64
		)
		for i := rng.IntN(10); i > 0; i-- {
			t0 += rng.Float64() * 8
			end := t0 + rng.Float64()*3
			utts = append(utts, types.Utterance{Speaker: "A", Text: "x", StartTime: t0, EndTime: end})
			t0 = end
		}
		duration := t0 + rng.Float64()*8
		const threshold = 3.0

		got := transcript.InsertSilences(utts, duration, threshold)
		for i, u := range got {
			if u.IsSilence() && u.Duration() <= threshold {
				t.Fatalf("iter %d: slot %d too short: %+v", iter, i, u)
			}
			if i > 0 && got[i-1].EndTime > u.StartTime {
				t.Fatalf("iter %d: %d and %d overlap", iter, i-1, i)
			}
			if u.StartTime < 0 || u.EndTime > duration {
				t.Fatalf("iter %d: %+v outside [0,%v]", iter, u, duration)
			}
		}
	}
}

func TestBuild_UnknownStrategy(t *testing.T) {
	t.Parallel()

	if _, err := transcript.Build("bogus", nil, nil, 0, 3); err == nil {
		t.Fatal("expected error for unknown strategy")
	}
	got, err := transcript.Build(transcript.StrategyUtterance,
		[]types.Word{word("Hi.", 4, 5, "A")}, nil, 5, 3)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	if len(got) != 2 || !got[0].IsSilence() || got[1].Text != "Hi." {
		t.Errorf("unexpected result %+v", got)
	}
}
