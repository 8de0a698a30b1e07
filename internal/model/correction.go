package model

import (
	"time"

	"github.com/google/uuid"
)

// CycleType categorizes why a correction cycle was started.
type CycleType string

const (
	CycleTypePreventive CycleType = "preventive"
	CycleTypeReactive   CycleType = "reactive"
	CycleTypeAdaptive   CycleType = "adaptive"
	CycleTypeLearning   CycleType = "learning"
	CycleTypeSystemWide CycleType = "system_wide"
)

// CycleStatus is the lifecycle state of a correction cycle.
type CycleStatus string

const (
	CycleStatusPending    CycleStatus = "pending"
	CycleStatusAnalyzing  CycleStatus = "analyzing"
	CycleStatusPredicting CycleStatus = "predicting"
	CycleStatusPlanning   CycleStatus = "planning"
	CycleStatusExecuting  CycleStatus = "executing"
	CycleStatusValidating CycleStatus = "validating"
	CycleStatusCompleted  CycleStatus = "completed"
	CycleStatusFailed     CycleStatus = "failed"
	CycleStatusHalted     CycleStatus = "halted"
)

// Terminal reports whether the cycle status admits no further transitions.
func (s CycleStatus) Terminal() bool {
	switch s {
	case CycleStatusCompleted, CycleStatusFailed, CycleStatusHalted:
		return true
	}
	return false
}

// ActionType categorizes an improvement action.
type ActionType string

const (
	ActionAgentRetraining   ActionType = "agent_retraining"
	ActionClusterResolution ActionType = "cluster_resolution"
)

// RiskTier labels how disruptive an improvement action may be.
type RiskTier string

const (
	RiskTierLow  RiskTier = "low"
	RiskTierHigh RiskTier = "high"
)

// ImprovementAction is one planned unit of corrective work.
type ImprovementAction struct {
	ID             uuid.UUID     `json:"id"`
	Type           ActionType    `json:"type"`
	TargetAgent    string        `json:"target_agent,omitempty"`
	ClusterType    WeaknessType  `json:"cluster_type,omitempty"`
	ExpectedImpact float64       `json:"expected_impact"` // 0-100
	RiskTier       RiskTier      `json:"risk_tier"`
	EstDuration    time.Duration `json:"est_duration"`
}

// ActionResult records the outcome of one executed action. Individual
// failures are tolerated; the reducer over all results decides
// cycle-level success.
type ActionResult struct {
	ActionID uuid.UUID `json:"action_id"`
	Executed bool      `json:"executed"`
	Err      string    `json:"error,omitempty"`
}

// CorrectionCycle is one pass of the predict-plan-execute-validate loop.
// It references, but does not own, the predictions and clusters that
// spawned it: everything it needs is snapshotted into its own fields.
type CorrectionCycle struct {
	ID                   uuid.UUID   `json:"id"`
	WorkspaceID          uuid.UUID   `json:"workspace_id"`
	Type                 CycleType   `json:"type"`
	Status               CycleStatus `json:"status"`
	PredictedProbability float64     `json:"predicted_probability"` // mean across input predictions
	PredictedConfidence  float64     `json:"predicted_confidence"`
	AffectedAgents       []string    `json:"affected_agents"`
	Actions              []ImprovementAction `json:"actions"`
	Results              []ActionResult      `json:"results,omitempty"`
	RiskScore            float64     `json:"risk_score"`
	Effectiveness        float64     `json:"effectiveness"` // executed/total actions, 0 when no actions
	CreatedAt            time.Time   `json:"created_at"`
	CompletedAt          *time.Time  `json:"completed_at,omitempty"`
}
