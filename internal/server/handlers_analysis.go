package server

import (
	"errors"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/arbiterlabs/arbiter/internal/model"
	"github.com/arbiterlabs/arbiter/internal/prediction"
	"github.com/arbiterlabs/arbiter/internal/scoring"
	"github.com/arbiterlabs/arbiter/internal/storage"
)

// HandlePredictions handles GET /v1/predictions. Runs the six-signal
// analysis on demand over the configured lookback window.
func (h *Handlers) HandlePredictions(w http.ResponseWriter, r *http.Request) {
	claims := ClaimsFromContext(r.Context())

	predictions, err := h.predictor.Predict(r.Context(), claims.WorkspaceID)
	if err != nil {
		if errors.Is(err, prediction.ErrNoSignalData) {
			writeError(w, r, http.StatusServiceUnavailable, model.ErrCodeInternalError, "no signal data available")
			return
		}
		h.logger.Error("predict", "error", err)
		writeError(w, r, http.StatusInternalServerError, model.ErrCodeInternalError, "prediction failed")
		return
	}

	writeJSON(w, r, http.StatusOK, predictions)
}

// HandleWeaknesses handles GET /v1/weaknesses.
func (h *Handlers) HandleWeaknesses(w http.ResponseWriter, r *http.Request) {
	claims := ClaimsFromContext(r.Context())

	clusters, err := h.detector.Detect(r.Context(), claims.WorkspaceID)
	if err != nil {
		h.logger.Error("detect weaknesses", "error", err)
		writeError(w, r, http.StatusInternalServerError, model.ErrCodeInternalError, "weakness detection failed")
		return
	}

	writeJSON(w, r, http.StatusOK, clusters)
}

// HandleStartCorrection handles POST /v1/corrections. Gathers fresh
// predictions and weakness clusters, then runs one correction cycle to
// completion. Admin only.
func (h *Handlers) HandleStartCorrection(w http.ResponseWriter, r *http.Request) {
	claims := ClaimsFromContext(r.Context())

	var req model.CorrectionRequest
	if err := decodeJSON(w, r, &req, h.maxBody); err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "invalid request body")
		return
	}
	switch req.Type {
	case model.CycleTypePreventive, model.CycleTypeReactive, model.CycleTypeAdaptive,
		model.CycleTypeLearning, model.CycleTypeSystemWide:
	case "":
		req.Type = model.CycleTypeReactive
	default:
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "unknown cycle type")
		return
	}

	predictions, err := h.predictor.Predict(r.Context(), claims.WorkspaceID)
	if err != nil && !errors.Is(err, prediction.ErrNoSignalData) {
		h.logger.Error("predict for correction", "error", err)
		writeError(w, r, http.StatusInternalServerError, model.ErrCodeInternalError, "prediction failed")
		return
	}
	clusters, err := h.detector.Detect(r.Context(), claims.WorkspaceID)
	if err != nil {
		h.logger.Error("detect for correction", "error", err)
		writeError(w, r, http.StatusInternalServerError, model.ErrCodeInternalError, "weakness detection failed")
		return
	}

	cycle, err := h.corrector.Run(r.Context(), claims.WorkspaceID, req.Type, predictions, clusters)
	if err != nil {
		h.logger.Error("correction cycle", "cycle_id", cycle.ID, "error", err)
		writeError(w, r, http.StatusInternalServerError, model.ErrCodeInternalError, "correction cycle failed")
		return
	}

	writeJSON(w, r, http.StatusOK, cycle)
}

// HandleListCorrections handles GET /v1/corrections.
func (h *Handlers) HandleListCorrections(w http.ResponseWriter, r *http.Request) {
	claims := ClaimsFromContext(r.Context())

	since := time.Now().UTC().Add(-7 * 24 * time.Hour)
	cycles, err := h.db.CyclesSince(r.Context(), claims.WorkspaceID, since)
	if err != nil {
		h.logger.Error("list cycles", "error", err)
		writeError(w, r, http.StatusInternalServerError, model.ErrCodeInternalError, "failed to list correction cycles")
		return
	}

	writeJSON(w, r, http.StatusOK, cycles)
}

// HandleGetCorrection handles GET /v1/corrections/{cycle_id}.
func (h *Handlers) HandleGetCorrection(w http.ResponseWriter, r *http.Request) {
	claims := ClaimsFromContext(r.Context())

	cycleID, err := uuid.Parse(r.PathValue("cycle_id"))
	if err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "invalid cycle id")
		return
	}

	cycle, err := h.db.GetCycle(r.Context(), cycleID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			writeError(w, r, http.StatusNotFound, model.ErrCodeNotFound, "cycle not found")
			return
		}
		h.logger.Error("get cycle", "cycle_id", cycleID, "error", err)
		writeError(w, r, http.StatusInternalServerError, model.ErrCodeInternalError, "failed to load cycle")
		return
	}
	if cycle.WorkspaceID != claims.WorkspaceID {
		writeError(w, r, http.StatusNotFound, model.ErrCodeNotFound, "cycle not found")
		return
	}

	writeJSON(w, r, http.StatusOK, cycle)
}

// HandleParameters handles GET /v1/parameters.
func (h *Handlers) HandleParameters(w http.ResponseWriter, r *http.Request) {
	claims := ClaimsFromContext(r.Context())

	params, err := h.db.ActiveParameters(r.Context(), claims.WorkspaceID)
	if err != nil {
		h.logger.Error("active parameters", "error", err)
		writeError(w, r, http.StatusInternalServerError, model.ErrCodeInternalError, "failed to load parameters")
		return
	}

	writeJSON(w, r, http.StatusOK, params)
}

// HandleRecalibrate handles POST /v1/parameters/recalibrate. Derives a
// fresh parameter version from recent correction outcomes and the
// current fleet health. Admin only.
func (h *Handlers) HandleRecalibrate(w http.ResponseWriter, r *http.Request) {
	claims := ClaimsFromContext(r.Context())

	since := time.Now().UTC().Add(-7 * 24 * time.Hour)
	cycles, err := h.db.CyclesSince(r.Context(), claims.WorkspaceID, since)
	if err != nil {
		h.logger.Error("cycles for recalibration", "error", err)
		writeError(w, r, http.StatusInternalServerError, model.ErrCodeInternalError, "failed to load correction history")
		return
	}

	health, err := h.fleetHealth(r)
	if err != nil {
		h.logger.Error("fleet health", "error", err)
		writeError(w, r, http.StatusInternalServerError, model.ErrCodeInternalError, "failed to assess fleet health")
		return
	}

	params, err := h.optimizer.Recalibrate(r.Context(), claims.WorkspaceID, health, cycles)
	if err != nil {
		h.logger.Error("recalibrate", "error", err)
		writeError(w, r, http.StatusInternalServerError, model.ErrCodeInternalError, "recalibration failed")
		return
	}

	writeJSON(w, r, http.StatusOK, params)
}

// fleetHealth is the mean agent health score across the workspace, 0
// when no telemetry exists.
func (h *Handlers) fleetHealth(r *http.Request) (int, error) {
	claims := ClaimsFromContext(r.Context())
	telemetry, err := h.db.AgentTelemetry(r.Context(), claims.WorkspaceID)
	if err != nil {
		return 0, err
	}
	if len(telemetry) == 0 {
		return 0, nil
	}
	now := time.Now().UTC()
	total := 0
	for _, t := range telemetry {
		total += scoring.AgentHealth(t, now).Score
	}
	return total / len(telemetry), nil
}
