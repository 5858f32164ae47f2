package app

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/MrWong99/playcoach/internal/observe"
	"github.com/MrWong99/playcoach/internal/pipeline"
	"github.com/MrWong99/playcoach/internal/sessionstore"
	"github.com/MrWong99/playcoach/pkg/blob"
)

// API serves the admin endpoints for registering, inspecting and driving
// sessions. Pipeline runs started through the API outlive the request; they
// are bound to the context given to [NewAPI].
type API struct {
	ctx   context.Context
	orch  *pipeline.Orchestrator
	store sessionstore.Store

	wg sync.WaitGroup
}

// NewAPI returns an API. Background runs stop when ctx is cancelled.
func NewAPI(ctx context.Context, orch *pipeline.Orchestrator, store sessionstore.Store) *API {
	return &API{ctx: ctx, orch: orch, store: store}
}

// Handler returns an http.Handler that serves:
//
//	POST /v1/sessions               register a PENDING session
//	GET  /v1/sessions/{id}          session with utterances and analysis
//	POST /v1/sessions/{id}/process  start processing a PENDING session
//	POST /v1/sessions/{id}/reset    move the session back to PENDING
//	POST /v1/sessions/{id}/resume   reset and process again
func (a *API) Handler() http.Handler {
	mux := http.NewServeMux()
	a.Register(mux)
	return mux
}

// Register adds the API routes to mux.
func (a *API) Register(mux *http.ServeMux) {
	mux.HandleFunc("POST /v1/sessions", a.handleCreate)
	mux.HandleFunc("GET /v1/sessions/{id}", a.handleGet)
	mux.HandleFunc("POST /v1/sessions/{id}/process", a.handleProcess)
	mux.HandleFunc("POST /v1/sessions/{id}/reset", a.handleReset)
	mux.HandleFunc("POST /v1/sessions/{id}/resume", a.handleResume)
}

// Wait blocks until all background runs started by the API have returned.
func (a *API) Wait() { a.wg.Wait() }

// createRequest is the JSON body for the register endpoint.
type createRequest struct {
	UserID          string  `json:"user_id"`
	StoragePath     string  `json:"storage_path"`
	DurationSeconds float64 `json:"duration_seconds"`
}

// handleCreate handles POST /v1/sessions.
func (a *API) handleCreate(w http.ResponseWriter, r *http.Request) {
	var req createRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if req.UserID == "" {
		http.Error(w, "user_id is required", http.StatusBadRequest)
		return
	}
	key, err := blob.CleanKey(req.StoragePath)
	if err != nil {
		http.Error(w, "invalid storage_path: "+err.Error(), http.StatusBadRequest)
		return
	}
	if req.DurationSeconds < 0 {
		http.Error(w, "duration_seconds must not be negative", http.StatusBadRequest)
		return
	}

	sess, err := a.store.Create(r.Context(), sessionstore.NewSession{
		UserID:          req.UserID,
		StoragePath:     key,
		DurationSeconds: req.DurationSeconds,
	})
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, sess)
}

// handleGet handles GET /v1/sessions/{id}.
func (a *API) handleGet(w http.ResponseWriter, r *http.Request) {
	sess, err := a.store.FindByID(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, sess)
}

// handleProcess handles POST /v1/sessions/{id}/process. The session must be
// PENDING; the run continues after the response is written.
func (a *API) handleProcess(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	sess, err := a.store.FindByID(r.Context(), id)
	if err != nil {
		writeError(w, r, err)
		return
	}
	if sess.Status != sessionstore.StatusPending || a.orch.IsRunning(id) {
		http.Error(w, "session is "+string(sess.Status)+", expected PENDING", http.StatusConflict)
		return
	}
	if sess.ClaimedBy != "" && time.Now().Before(sess.ClaimExpiresAt) {
		http.Error(w, "session is being transcribed by "+sess.ClaimedBy, http.StatusConflict)
		return
	}
	a.background(id, func(ctx context.Context) error {
		return a.orch.Process(ctx, id)
	})
	writeJSON(w, http.StatusAccepted, sess)
}

// handleReset handles POST /v1/sessions/{id}/reset.
func (a *API) handleReset(w http.ResponseWriter, r *http.Request) {
	sess, err := a.orch.Reset(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, sess)
}

// handleResume handles POST /v1/sessions/{id}/resume. The reset happens
// before the response; the new run continues in the background.
func (a *API) handleResume(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	sess, err := a.orch.Reset(r.Context(), id)
	if err != nil {
		writeError(w, r, err)
		return
	}
	a.background(id, func(ctx context.Context) error {
		if err := a.orch.WaitIdle(ctx, id); err != nil {
			return err
		}
		return a.orch.Process(ctx, id)
	})
	writeJSON(w, http.StatusAccepted, sess)
}

// background runs fn detached from the request. Outcomes are already
// recorded on the session, so errors are only logged.
func (a *API) background(id string, fn func(ctx context.Context) error) {
	a.wg.Go(func() {
		err := fn(a.ctx)
		switch {
		case err == nil:
		case errors.Is(err, sessionstore.ErrStaleRun),
			errors.Is(err, sessionstore.ErrClaimed),
			errors.Is(err, context.Canceled):
			slog.Info("background run stopped", "session_id", id, "err", err)
		default:
			slog.Warn("background run failed", "session_id", id, "err", err)
		}
	})
}

// writeError maps store and pipeline errors onto HTTP status codes.
func writeError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, sessionstore.ErrNotFound):
		http.Error(w, "session not found", http.StatusNotFound)
	case errors.Is(err, sessionstore.ErrStatusConflict),
		errors.Is(err, sessionstore.ErrClaimed),
		errors.Is(err, pipeline.ErrAlreadyRunning):
		http.Error(w, err.Error(), http.StatusConflict)
	default:
		observe.Logger(r.Context()).Error("request failed", "path", r.URL.Path, "err", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
