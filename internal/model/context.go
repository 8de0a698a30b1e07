package model

import (
	"time"

	"github.com/google/uuid"
)

// Signals are the five raw inputs to the scoring model, each 0-100.
type Signals struct {
	Readiness   float64 `json:"readiness"`
	Consistency float64 `json:"consistency"`
	Confidence  float64 `json:"confidence"`
	Risk        float64 `json:"risk"`
	Uncertainty float64 `json:"uncertainty"`
}

// GlobalContext is a point-in-time snapshot of everything relevant to
// one autonomy evaluation. Partial context is acceptable: Degraded
// lists the sources that failed to contribute.
type GlobalContext struct {
	WorkspaceID    uuid.UUID             `json:"workspace_id"`
	Memories       []MemoryRecord        `json:"memories"`
	RecentRuns     []AutonomyRun         `json:"recent_runs"`
	Orchestrations []OrchestrationRecord `json:"orchestrations"`
	AgentHealth    []AgentHealth         `json:"agent_health"`
	Signals        Signals               `json:"signals"`
	Degraded       []string              `json:"degraded,omitempty"`
	BuiltAt        time.Time             `json:"built_at"`
}
