package pipeline

import (
	"errors"
	"fmt"
	"time"
)

// ErrAlreadyRunning is returned by [Orchestrator.Process] when this process is
// already running the pipeline for the session.
var ErrAlreadyRunning = errors.New("pipeline: session is already being processed")

// ErrNoTranscript is returned when both transcription passes failed. The
// individual pass errors are joined onto it.
var ErrNoTranscript = errors.New("pipeline: both transcription passes failed")

// PassTimeoutError reports a transcription pass that did not finish within
// its timeout. The pipeline treats the pass as empty.
type PassTimeoutError struct {
	Pass     string
	Provider string
	Timeout  time.Duration
	Err      error
}

func (e *PassTimeoutError) Error() string {
	return fmt.Sprintf("pipeline: %s pass (%s) timed out after %s", e.Pass, e.Provider, e.Timeout)
}

func (e *PassTimeoutError) Unwrap() error { return e.Err }

// AnalysisError reports that the analysis collaborator failed on every
// attempt, or that the input was rejected before any attempt was made
// (Attempts is zero then).
type AnalysisError struct {
	Attempts int
	Err      error
}

func (e *AnalysisError) Error() string {
	return fmt.Sprintf("pipeline: analysis failed after %d attempt(s): %v", e.Attempts, e.Err)
}

func (e *AnalysisError) Unwrap() error { return e.Err }

// PersistenceError wraps any session store failure. It is never retried.
type PersistenceError struct {
	Op  string
	Err error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("pipeline: persist %s: %v", e.Op, e.Err)
}

func (e *PersistenceError) Unwrap() error { return e.Err }
