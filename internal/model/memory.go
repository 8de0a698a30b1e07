package model

import (
	"time"

	"github.com/google/uuid"
)

// MemoryRecord is a shared memory entry read from the signal store.
// Memories are ranked by importance, then recall priority, when
// assembling context snapshots.
type MemoryRecord struct {
	ID             uuid.UUID `json:"id"`
	WorkspaceID    uuid.UUID `json:"workspace_id"`
	AgentID        *string   `json:"agent_id,omitempty"`
	Content        string    `json:"content"`
	Importance     float64   `json:"importance"`      // 0.0-1.0
	RecallPriority float64   `json:"recall_priority"` // 0.0-1.0
	CreatedAt      time.Time `json:"created_at"`
}

// OrchestrationRecord is a point-in-time view of one orchestration
// task as reported by the orchestration collaborator.
type OrchestrationRecord struct {
	ID               uuid.UUID  `json:"id"`
	WorkspaceID      uuid.UUID  `json:"workspace_id"`
	Status           string     `json:"status"`
	AgentChain       []string   `json:"agent_chain"`
	RiskScore        float64    `json:"risk_score"`        // 0-100
	UncertaintyScore float64    `json:"uncertainty_score"` // 0-100
	StartedAt        time.Time  `json:"started_at"`
	CompletedAt      *time.Time `json:"completed_at,omitempty"`
}

// AgentTelemetry is the rolled-up health input for one agent.
type AgentTelemetry struct {
	WorkspaceID    uuid.UUID  `json:"workspace_id"`
	AgentID        string     `json:"agent_id"`
	SuccessRate    float64    `json:"success_rate"` // percent, 0-100
	ErrorRate      float64    `json:"error_rate"`   // percent, 0-100
	AvgResponseMs  float64    `json:"avg_response_ms"`
	ExpectedMs     float64    `json:"expected_ms"`
	LastFailureAt  *time.Time `json:"last_failure_at,omitempty"`
	UpdatedAt      time.Time  `json:"updated_at"`
}

// HealthState classifies an agent's computed health score.
type HealthState string

const (
	HealthHealthy  HealthState = "healthy"
	HealthDegraded HealthState = "degraded"
	HealthOffline  HealthState = "offline"
)

// AgentHealth is the scored health of one agent at snapshot time.
type AgentHealth struct {
	AgentID string      `json:"agent_id"`
	Score   int         `json:"score"`
	State   HealthState `json:"state"`
}
