package transcript

import "fmt"

// FormatError reports a malformed or empty provider payload. It is never
// retried by this package; callers treat it as a failed pass.
type FormatError struct {
	// Provider names the backend whose payload was rejected.
	Provider string

	// Reason describes what was wrong with the payload.
	Reason string

	// Index is the position of the offending token in the flattened stream,
	// or -1 when the error concerns the payload as a whole.
	Index int
}

func (e *FormatError) Error() string {
	prefix := "transcript: malformed payload"
	if e.Provider != "" {
		prefix += " from " + e.Provider
	}
	if e.Index >= 0 {
		return fmt.Sprintf("%s: token %d: %s", prefix, e.Index, e.Reason)
	}
	return prefix + ": " + e.Reason
}
