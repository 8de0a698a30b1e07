package model

import (
	"time"

	"github.com/google/uuid"
)

// APIResponse is the standard response envelope for all HTTP API responses.
type APIResponse struct {
	Data any          `json:"data,omitempty"`
	Meta ResponseMeta `json:"meta"`
}

// APIError is the standard error response envelope.
type APIError struct {
	Error ErrorDetail  `json:"error"`
	Meta  ResponseMeta `json:"meta"`
}

// ResponseMeta contains request metadata included in every response.
type ResponseMeta struct {
	RequestID string    `json:"request_id"`
	Timestamp time.Time `json:"timestamp"`
}

// ErrorDetail describes an API error.
type ErrorDetail struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Details any    `json:"details,omitempty"`
}

// ErrorCode constants for standard API error codes.
const (
	ErrCodeInvalidInput  = "INVALID_INPUT"
	ErrCodeUnauthorized  = "UNAUTHORIZED"
	ErrCodeForbidden     = "FORBIDDEN"
	ErrCodeNotFound      = "NOT_FOUND"
	ErrCodeConflict      = "CONFLICT"
	ErrCodeInternalError = "INTERNAL_ERROR"
)

// AuthTokenRequest is the request body for POST /auth/token.
type AuthTokenRequest struct {
	WorkspaceID uuid.UUID `json:"workspace_id"`
	AccessKey   string    `json:"access_key"`
}

// AuthTokenResponse is the response body for POST /auth/token.
type AuthTokenResponse struct {
	Token     string    `json:"token"`
	Role      string    `json:"role"`
	ExpiresAt time.Time `json:"expires_at"`
}

// CreateRunRequest is the request body for POST /v1/runs. The workspace
// comes from JWT claims, never from the body.
type CreateRunRequest struct {
	Objective string `json:"objective"`
}

// IngestMemoryRequest is the request body for POST /v1/signals/memories.
type IngestMemoryRequest struct {
	AgentID        string  `json:"agent_id"`
	Content        string  `json:"content"`
	Importance     float64 `json:"importance"`      // 0-1
	RecallPriority float64 `json:"recall_priority"` // 0-1
}

// IngestTelemetryRequest is the request body for POST /v1/signals/telemetry.
type IngestTelemetryRequest struct {
	AgentID       string     `json:"agent_id"`
	SuccessRate   float64    `json:"success_rate"` // 0-100
	ErrorRate     float64    `json:"error_rate"`   // 0-100
	AvgResponseMs float64    `json:"avg_response_ms"`
	ExpectedMs    float64    `json:"expected_ms"`
	LastFailureAt *time.Time `json:"last_failure_at,omitempty"`
}

// IngestOrchestrationRequest is the request body for POST /v1/signals/orchestrations.
type IngestOrchestrationRequest struct {
	ID               uuid.UUID  `json:"id"`
	Status           string     `json:"status"`
	AgentChain       []string   `json:"agent_chain"`
	RiskScore        float64    `json:"risk_score"`        // 0-100
	UncertaintyScore float64    `json:"uncertainty_score"` // 0-100
	StartedAt        time.Time  `json:"started_at"`
	CompletedAt      *time.Time `json:"completed_at,omitempty"`
}

// CorrectionRequest is the request body for POST /v1/corrections.
type CorrectionRequest struct {
	Type CycleType `json:"type"`
}
