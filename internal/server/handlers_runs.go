package server

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/arbiterlabs/arbiter/internal/engine"
	"github.com/arbiterlabs/arbiter/internal/model"
	"github.com/arbiterlabs/arbiter/internal/storage"
)

// HandleCreateRun handles POST /v1/runs. The run is recorded and the
// attempt continues in the background; the pending record is returned
// immediately so callers can poll or subscribe.
func (h *Handlers) HandleCreateRun(w http.ResponseWriter, r *http.Request) {
	claims := ClaimsFromContext(r.Context())

	var req model.CreateRunRequest
	if err := decodeJSON(w, r, &req, h.maxBody); err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "invalid request body")
		return
	}

	run, err := h.engine.Submit(r.Context(), claims.WorkspaceID, req.Objective)
	if err != nil {
		if errors.Is(err, engine.ErrValidation) {
			writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
			return
		}
		h.logger.Error("submit run", "error", err)
		writeError(w, r, http.StatusInternalServerError, model.ErrCodeInternalError, "failed to create run")
		return
	}

	// Detached from the request context: the attempt outlives the
	// HTTP exchange and is stopped via POST /v1/runs/{id}/cancel.
	go func() {
		if _, err := h.engine.Resume(context.WithoutCancel(r.Context()), run); err != nil {
			h.logger.Error("run attempt failed", "run_id", run.ID, "error", err)
		}
	}()

	writeJSON(w, r, http.StatusAccepted, run)
}

// HandleGetRun handles GET /v1/runs/{run_id}.
func (h *Handlers) HandleGetRun(w http.ResponseWriter, r *http.Request) {
	claims := ClaimsFromContext(r.Context())

	runID, err := uuid.Parse(r.PathValue("run_id"))
	if err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "invalid run id")
		return
	}

	run, err := h.db.GetRun(r.Context(), runID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			writeError(w, r, http.StatusNotFound, model.ErrCodeNotFound, "run not found")
			return
		}
		h.logger.Error("get run", "run_id", runID, "error", err)
		writeError(w, r, http.StatusInternalServerError, model.ErrCodeInternalError, "failed to load run")
		return
	}
	if run.WorkspaceID != claims.WorkspaceID {
		writeError(w, r, http.StatusNotFound, model.ErrCodeNotFound, "run not found")
		return
	}

	writeJSON(w, r, http.StatusOK, run)
}

// HandleRunArchive handles GET /v1/runs/{run_id}/archive. Serves the
// durable summary written at completion time, which survives run-table
// retention.
func (h *Handlers) HandleRunArchive(w http.ResponseWriter, r *http.Request) {
	claims := ClaimsFromContext(r.Context())

	runID, err := uuid.Parse(r.PathValue("run_id"))
	if err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "invalid run id")
		return
	}

	summary, err := h.db.ArchivedSummary(r.Context(), runID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			writeError(w, r, http.StatusNotFound, model.ErrCodeNotFound, "archive not found")
			return
		}
		h.logger.Error("run archive", "run_id", runID, "error", err)
		writeError(w, r, http.StatusInternalServerError, model.ErrCodeInternalError, "failed to load archive")
		return
	}
	if summary.WorkspaceID != claims.WorkspaceID {
		writeError(w, r, http.StatusNotFound, model.ErrCodeNotFound, "archive not found")
		return
	}

	writeJSON(w, r, http.StatusOK, summary)
}

// HandleRunEvents handles GET /v1/runs/{run_id}/events.
func (h *Handlers) HandleRunEvents(w http.ResponseWriter, r *http.Request) {
	claims := ClaimsFromContext(r.Context())

	runID, err := uuid.Parse(r.PathValue("run_id"))
	if err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "invalid run id")
		return
	}

	run, err := h.db.GetRun(r.Context(), runID)
	if err != nil || run.WorkspaceID != claims.WorkspaceID {
		writeError(w, r, http.StatusNotFound, model.ErrCodeNotFound, "run not found")
		return
	}

	events, err := h.db.RunEvents(r.Context(), runID)
	if err != nil {
		h.logger.Error("run events", "run_id", runID, "error", err)
		writeError(w, r, http.StatusInternalServerError, model.ErrCodeInternalError, "failed to load events")
		return
	}

	writeJSON(w, r, http.StatusOK, events)
}

// HandleCancelRun handles POST /v1/runs/{run_id}/cancel. Cancellation is
// cooperative: the flag is honored between steps, never mid-step.
func (h *Handlers) HandleCancelRun(w http.ResponseWriter, r *http.Request) {
	claims := ClaimsFromContext(r.Context())

	runID, err := uuid.Parse(r.PathValue("run_id"))
	if err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "invalid run id")
		return
	}

	run, err := h.db.GetRun(r.Context(), runID)
	if err != nil || run.WorkspaceID != claims.WorkspaceID {
		writeError(w, r, http.StatusNotFound, model.ErrCodeNotFound, "run not found")
		return
	}
	if run.Status.Terminal() {
		writeError(w, r, http.StatusConflict, model.ErrCodeConflict, "run already finished")
		return
	}

	if err := h.engine.Cancel(r.Context(), runID); err != nil {
		h.logger.Error("cancel run", "run_id", runID, "error", err)
		writeError(w, r, http.StatusInternalServerError, model.ErrCodeInternalError, "failed to request cancellation")
		return
	}

	writeJSON(w, r, http.StatusAccepted, map[string]any{
		"run_id":           runID,
		"cancel_requested": true,
	})
}

// HandleListRuns handles GET /v1/runs.
func (h *Handlers) HandleListRuns(w http.ResponseWriter, r *http.Request) {
	claims := ClaimsFromContext(r.Context())

	since := time.Now().UTC().Add(-24 * time.Hour)
	if v := r.URL.Query().Get("since"); v != "" {
		parsed, err := time.Parse(time.RFC3339, v)
		if err != nil {
			writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "since must be RFC 3339")
			return
		}
		since = parsed
	}

	runs, err := h.db.RunsSince(r.Context(), claims.WorkspaceID, since)
	if err != nil {
		h.logger.Error("list runs", "error", err)
		writeError(w, r, http.StatusInternalServerError, model.ErrCodeInternalError, "failed to list runs")
		return
	}

	writeJSON(w, r, http.StatusOK, runs)
}
