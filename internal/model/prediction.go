package model

import (
	"time"

	"github.com/google/uuid"
)

// FailureCategory names a class of failure the predictive model can forecast.
type FailureCategory string

const (
	FailureAgentFailure          FailureCategory = "agent_failure"
	FailureMemoryCorruption      FailureCategory = "memory_corruption"
	FailureOrchestrationCollapse FailureCategory = "orchestration_collapse"
	FailureCrossAgentDeadlock    FailureCategory = "cross_agent_deadlock"
	FailureResourceExhaustion    FailureCategory = "resource_exhaustion"
	FailureUnknown               FailureCategory = "unknown"
)

// Trend classifies the direction of a signal over a window.
type Trend string

const (
	TrendImproving Trend = "improving"
	TrendStable    Trend = "stable"
	TrendWorsening Trend = "worsening"
)

// SignalAnalysis holds the six normalized signals (0-100) computed per
// prediction cycle from the lookback window. Ephemeral: recomputed on
// every call, never persisted or cached, so a stale reading can never
// feed a safety decision.
type SignalAnalysis struct {
	Risk             float64 `json:"risk"`
	Uncertainty      float64 `json:"uncertainty"`
	Memory           float64 `json:"memory"`
	AgentPerformance float64 `json:"agent_performance"`
	Orchestration    float64 `json:"orchestration"`
	Error            float64 `json:"error"`
}

// Values returns the signals in canonical order (risk, uncertainty,
// memory, agent performance, orchestration, error).
func (s SignalAnalysis) Values() [6]float64 {
	return [6]float64{s.Risk, s.Uncertainty, s.Memory, s.AgentPerformance, s.Orchestration, s.Error}
}

// TimeWindow is a half-open interval [From, To).
type TimeWindow struct {
	From time.Time `json:"from"`
	To   time.Time `json:"to"`
}

// FailurePrediction is a probabilistic forecast of a failure category.
// Superseded, not updated, by the next prediction cycle.
type FailurePrediction struct {
	ID               uuid.UUID       `json:"id"`
	WorkspaceID      uuid.UUID       `json:"workspace_id"`
	Category         FailureCategory `json:"category"`
	Probability      int             `json:"probability"` // 0-100
	Confidence       int             `json:"confidence"`  // 0-100
	Window           TimeWindow      `json:"window"`
	AffectedAgents   []string        `json:"affected_agents"`
	AffectedMemories []uuid.UUID     `json:"affected_memories,omitempty"`
	Signals          SignalAnalysis  `json:"signals"`
	Severity         int             `json:"severity"` // 1-5
	Trend            Trend           `json:"trend"`
	Recommendations  []string        `json:"recommendations"`
	CreatedAt        time.Time       `json:"created_at"`
}
