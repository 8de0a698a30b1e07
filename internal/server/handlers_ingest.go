package server

import (
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/arbiterlabs/arbiter/internal/model"
)

// HandleIngestMemory handles POST /v1/signals/memories. External
// producers push memory entries that the context builder and the
// analysis models read back out.
func (h *Handlers) HandleIngestMemory(w http.ResponseWriter, r *http.Request) {
	claims := ClaimsFromContext(r.Context())

	var req model.IngestMemoryRequest
	if err := decodeJSON(w, r, &req, h.maxBody); err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "invalid request body")
		return
	}
	if req.AgentID == "" || req.Content == "" {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "agent_id and content are required")
		return
	}
	if req.Importance < 0 || req.Importance > 1 || req.RecallPriority < 0 || req.RecallPriority > 1 {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "importance and recall_priority must be in [0,1]")
		return
	}

	record := model.MemoryRecord{
		ID:             uuid.New(),
		WorkspaceID:    claims.WorkspaceID,
		AgentID:        &req.AgentID,
		Content:        req.Content,
		Importance:     req.Importance,
		RecallPriority: req.RecallPriority,
		CreatedAt:      time.Now().UTC(),
	}
	if err := h.db.InsertMemory(r.Context(), record); err != nil {
		h.logger.Error("ingest memory", "error", err)
		writeError(w, r, http.StatusInternalServerError, model.ErrCodeInternalError, "failed to store memory")
		return
	}

	writeJSON(w, r, http.StatusCreated, record)
}

// HandleIngestTelemetry handles POST /v1/signals/telemetry.
func (h *Handlers) HandleIngestTelemetry(w http.ResponseWriter, r *http.Request) {
	claims := ClaimsFromContext(r.Context())

	var req model.IngestTelemetryRequest
	if err := decodeJSON(w, r, &req, h.maxBody); err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "invalid request body")
		return
	}
	if req.AgentID == "" {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "agent_id is required")
		return
	}
	if req.SuccessRate < 0 || req.SuccessRate > 100 || req.ErrorRate < 0 || req.ErrorRate > 100 {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "rates must be in [0,100]")
		return
	}

	t := model.AgentTelemetry{
		WorkspaceID:   claims.WorkspaceID,
		AgentID:       req.AgentID,
		SuccessRate:   req.SuccessRate,
		ErrorRate:     req.ErrorRate,
		AvgResponseMs: req.AvgResponseMs,
		ExpectedMs:    req.ExpectedMs,
		LastFailureAt: req.LastFailureAt,
		UpdatedAt:     time.Now().UTC(),
	}
	if err := h.db.UpsertAgentTelemetry(r.Context(), t); err != nil {
		h.logger.Error("ingest telemetry", "error", err)
		writeError(w, r, http.StatusInternalServerError, model.ErrCodeInternalError, "failed to store telemetry")
		return
	}

	writeJSON(w, r, http.StatusOK, t)
}

// HandleIngestOrchestration handles POST /v1/signals/orchestrations.
func (h *Handlers) HandleIngestOrchestration(w http.ResponseWriter, r *http.Request) {
	claims := ClaimsFromContext(r.Context())

	var req model.IngestOrchestrationRequest
	if err := decodeJSON(w, r, &req, h.maxBody); err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "invalid request body")
		return
	}
	if req.ID == uuid.Nil || req.Status == "" || req.StartedAt.IsZero() {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "id, status and started_at are required")
		return
	}
	if req.RiskScore < 0 || req.RiskScore > 100 || req.UncertaintyScore < 0 || req.UncertaintyScore > 100 {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "scores must be in [0,100]")
		return
	}

	o := model.OrchestrationRecord{
		ID:               req.ID,
		WorkspaceID:      claims.WorkspaceID,
		Status:           req.Status,
		AgentChain:       req.AgentChain,
		RiskScore:        req.RiskScore,
		UncertaintyScore: req.UncertaintyScore,
		StartedAt:        req.StartedAt,
		CompletedAt:      req.CompletedAt,
	}
	if err := h.db.UpsertOrchestration(r.Context(), o); err != nil {
		h.logger.Error("ingest orchestration", "error", err)
		writeError(w, r, http.StatusInternalServerError, model.ErrCodeInternalError, "failed to store orchestration")
		return
	}

	writeJSON(w, r, http.StatusOK, o)
}
