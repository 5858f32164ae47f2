package transcript

import "github.com/MrWong99/playcoach/pkg/types"

// InsertSilences returns utts with a silent slot inserted wherever the gap
// before the first utterance, between two adjacent utterances, or after the
// last utterance is strictly longer than threshold seconds. The recording is
// bounded by 0 and duration; a non-positive duration disables the trailing
// slot. A non-positive threshold selects [DefaultSilenceThreshold].
//
// utts must be time-ordered. The merged sequence is renumbered so that Order
// is strictly increasing from zero.
func InsertSilences(utts []types.Utterance, duration, threshold float64) []types.Utterance {
	if threshold <= 0 {
		threshold = DefaultSilenceThreshold
	}

	out := make([]types.Utterance, 0, len(utts)+1)
	prevEnd := 0.0
	for _, u := range utts {
		if u.StartTime-prevEnd > threshold {
			out = append(out, silentSlot(prevEnd, u.StartTime))
		}
		out = append(out, u)
		if u.EndTime > prevEnd {
			prevEnd = u.EndTime
		}
	}
	if duration > 0 && duration-prevEnd > threshold {
		out = append(out, silentSlot(prevEnd, duration))
	}

	for i := range out {
		out[i].Order = i
	}
	return out
}

func silentSlot(start, end float64) types.Utterance {
	return types.Utterance{
		Speaker:   types.SilenceSpeaker,
		StartTime: start,
		EndTime:   end,
	}
}
