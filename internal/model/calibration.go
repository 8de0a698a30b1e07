package model

import (
	"time"

	"github.com/google/uuid"
)

// ReasoningTier is a reasoning-depth allocation level.
type ReasoningTier string

const (
	ReasoningLow    ReasoningTier = "low"
	ReasoningMedium ReasoningTier = "medium"
	ReasoningHigh   ReasoningTier = "high"
)

// CalibratedParameters is a versioned parameter set produced by the
// calibration layer. Owned exclusively by calibration; read-only to
// the scoring model and execution optimizer. Replaced wholesale on
// each accepted calibration, never partially patched.
type CalibratedParameters struct {
	ID          uuid.UUID `json:"id"`
	WorkspaceID uuid.UUID `json:"workspace_id"`
	Version     int       `json:"version"`

	// AgentWeights are multiplicative adjustments to a 1.0 baseline.
	// Correction cycles compound them; they are never overwritten to
	// absolute values.
	AgentWeights map[string]float64 `json:"agent_weights"`

	// RiskWeights keys include "cascade" and "deadlock"; values 0-1.
	RiskWeights map[string]float64 `json:"risk_weights"`

	// ReasoningDepths allocates a tier per agent.
	ReasoningDepths map[string]ReasoningTier `json:"reasoning_depths"`

	// Parallelism is the advisory concurrent-step ceiling for the next
	// execution. Not applied retroactively to in-flight runs.
	Parallelism int `json:"parallelism"`

	// ScheduleHints is a dependency-respecting step ordering for the
	// next orchestration pass.
	ScheduleHints []string `json:"schedule_hints,omitempty"`

	CreatedAt time.Time `json:"created_at"`
}

// DefaultParameters returns the baseline parameter set used before any
// calibration has been accepted.
func DefaultParameters(workspaceID uuid.UUID) CalibratedParameters {
	return CalibratedParameters{
		ID:          uuid.New(),
		WorkspaceID: workspaceID,
		Version:     1,
		AgentWeights: map[string]float64{},
		RiskWeights: map[string]float64{
			"cascade":  0.0,
			"deadlock": 0.0,
		},
		ReasoningDepths: map[string]ReasoningTier{},
		Parallelism:     2,
		CreatedAt:       time.Now().UTC(),
	}
}
