package transcript

import (
	"math"

	"github.com/MrWong99/playcoach/pkg/types"
)

// tieEpsilon is the margin in seconds below which two accumulated overlaps or
// two midpoint distances count as equal. Boundaries such as 0.3, 0.6 and 0.9
// are not exact in binary floating point, so equal spans can differ in their
// last bits.
const tieEpsilon = 1e-9

// Reconcile combines a quality pass and a diarization pass into one
// utterance stream using strategy. An unknown strategy falls back to
// [StrategyUtterance].
//
// Reconciliation degrades to a single pass when either pass has no spoken
// words: an empty diarization pass keeps the quality pass's own speakers, and
// an empty quality pass segments the diarization pass alone.
func Reconcile(strategy Strategy, quality, diarization []types.Word) []types.Utterance {
	if len(speechWords(quality)) == 0 {
		return Segment(diarization)
	}
	if strategy == StrategyWord {
		return Segment(MergeWords(quality, diarization))
	}
	return MergeUtterances(quality, diarization)
}

// MergeWords returns a copy of quality in which every spoken word carries the
// speaker of the diarization word whose midpoint is closest to its own. Ties
// go to the diarization word that comes first. Spacing tokens are copied
// unchanged.
//
// Diarization words without a speaker label are ignored. If no labelled
// diarization word exists, quality is returned unchanged.
func MergeWords(quality, diarization []types.Word) []types.Word {
	ref := labelled(diarization)
	out := make([]types.Word, len(quality))
	copy(out, quality)
	if len(ref) == 0 {
		return out
	}
	for i, w := range out {
		if w.IsSpacing() {
			continue
		}
		out[i].SpeakerID = nearestSpeaker(ref, w.Midpoint())
	}
	return out
}

// MergeUtterances segments quality on its own speaker labels and then assigns
// each provisional utterance the diarization speaker with the greatest total
// time overlap. Ties go to the speaker that was accumulated first. An
// utterance with no overlapping diarization word takes the speaker of the
// diarization word nearest to the utterance's midpoint.
//
// If no labelled diarization word exists, the provisional utterances are
// returned unchanged.
func MergeUtterances(quality, diarization []types.Word) []types.Utterance {
	utts := Segment(quality)
	ref := labelled(diarization)
	if len(ref) == 0 {
		return utts
	}
	for i, u := range utts {
		if spk, ok := dominantSpeaker(ref, u.StartTime, u.EndTime); ok {
			utts[i].Speaker = spk
			continue
		}
		utts[i].Speaker = nearestSpeaker(ref, (u.StartTime+u.EndTime)/2)
	}
	return utts
}

// dominantSpeaker accumulates the overlap of every word in ref with
// [start,end) per speaker and returns the speaker with the largest total.
func dominantSpeaker(ref []types.Word, start, end float64) (string, bool) {
	var (
		order  []string
		totals = make(map[string]float64)
	)
	for _, w := range ref {
		ov := math.Min(w.End, end) - math.Max(w.Start, start)
		if ov <= 0 {
			continue
		}
		if _, seen := totals[w.SpeakerID]; !seen {
			order = append(order, w.SpeakerID)
		}
		totals[w.SpeakerID] += ov
	}
	if len(order) == 0 {
		return "", false
	}
	best := order[0]
	for _, spk := range order[1:] {
		if totals[spk] > totals[best]+tieEpsilon {
			best = spk
		}
	}
	return best, true
}

// nearestSpeaker returns the speaker of the first word in ref whose midpoint
// is closest to m. ref must not be empty.
func nearestSpeaker(ref []types.Word, m float64) string {
	best := ref[0]
	bestDist := math.Abs(best.Midpoint() - m)
	for _, w := range ref[1:] {
		if d := math.Abs(w.Midpoint() - m); d < bestDist-tieEpsilon {
			best, bestDist = w, d
		}
	}
	return best.SpeakerID
}

// labelled returns the spoken words of ws that carry a speaker label.
func labelled(ws []types.Word) []types.Word {
	out := make([]types.Word, 0, len(ws))
	for _, w := range ws {
		if !w.IsSpacing() && w.SpeakerID != "" {
			out = append(out, w)
		}
	}
	return out
}
