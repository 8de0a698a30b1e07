// Package model defines the core domain types for Arbiter.
//
// Types use strong typing (UUIDs, time.Time, enums) and avoid
// interface{} wherever possible. Opaque payloads are confined to
// fields owned by external collaborators (e.g. raw execution traces).
package model

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// RunStatus represents the lifecycle state of an autonomy run.
type RunStatus string

const (
	RunStatusPending      RunStatus = "pending"
	RunStatusInitializing RunStatus = "initializing"
	RunStatusRunning      RunStatus = "running"
	RunStatusPaused       RunStatus = "paused"
	RunStatusCompleted    RunStatus = "completed"
	RunStatusFailed       RunStatus = "failed"
	RunStatusHalted       RunStatus = "halted"
)

// Terminal reports whether the status admits no further transitions.
// paused is terminal for the attempt: there is no automatic resume,
// a new run must be submitted.
func (s RunStatus) Terminal() bool {
	switch s {
	case RunStatusPaused, RunStatusCompleted, RunStatusFailed, RunStatusHalted:
		return true
	}
	return false
}

// AutonomyRun is one end-to-end attempt to autonomously achieve an
// objective. Mutated only by the autonomy engine; every status change
// is recorded with a justifying AutonomyEvent in the same transaction.
type AutonomyRun struct {
	ID          uuid.UUID `json:"id"`
	WorkspaceID uuid.UUID `json:"workspace_id"`
	Objective   string    `json:"objective"`

	// GlobalContext is the context snapshot captured at evaluation time.
	// Stored opaque; its structure is owned by the snapshot builder.
	GlobalContext json.RawMessage `json:"global_context,omitempty"`

	// Scores are clamped to [0,100].
	Readiness     int `json:"readiness"`
	Consistency   int `json:"consistency"`
	Confidence    int `json:"confidence"`
	Risk          int `json:"risk"`
	Uncertainty   int `json:"uncertainty"`
	AutonomyScore int `json:"autonomy_score"`

	ActiveAgents   []string `json:"active_agents"`
	TotalSteps     int      `json:"total_steps"`
	CompletedSteps int      `json:"completed_steps"`
	FailedSteps    int      `json:"failed_steps"`

	Status          RunStatus `json:"status"`
	CancelRequested bool      `json:"cancel_requested"`

	CreatedAt   time.Time  `json:"created_at"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// RunSummary is the durable record handed to the archive collaborator
// when a run reaches a terminal state.
type RunSummary struct {
	RunID          uuid.UUID `json:"run_id"`
	WorkspaceID    uuid.UUID `json:"workspace_id"`
	Objective      string    `json:"objective"`
	Status         RunStatus `json:"status"`
	AutonomyScore  int       `json:"autonomy_score"`
	Readiness      int       `json:"readiness"`
	Consistency    int       `json:"consistency"`
	Confidence     int       `json:"confidence"`
	Risk           int       `json:"risk"`
	Uncertainty    int       `json:"uncertainty"`
	ActiveAgents   []string  `json:"active_agents"`
	TotalSteps     int       `json:"total_steps"`
	CompletedSteps int       `json:"completed_steps"`
	FailedSteps    int       `json:"failed_steps"`
	ArchivedAt     time.Time `json:"archived_at"`
}

// MaxObjectiveLength bounds objective text accepted at submission.
const MaxObjectiveLength = 4096

// ValidateObjective rejects empty or oversized objectives before any
// state transition happens.
func ValidateObjective(objective string) error {
	trimmed := strings.TrimSpace(objective)
	if trimmed == "" {
		return fmt.Errorf("objective must not be empty")
	}
	if len(objective) > MaxObjectiveLength {
		return fmt.Errorf("objective exceeds %d characters", MaxObjectiveLength)
	}
	return nil
}
