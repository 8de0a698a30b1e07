package model

import (
	"time"

	"github.com/google/uuid"
)

// EventType represents the category of an autonomy event.
type EventType string

const (
	EventRunCreated            EventType = "run_created"
	EventStatusChanged         EventType = "status_changed"
	EventSafetyGateTriggered   EventType = "safety_gate_triggered"
	EventAgentActivated        EventType = "agent_activated"
	EventAgentCompleted        EventType = "agent_completed"
	EventAgentFailed           EventType = "agent_failed"
	EventCollaboratorTimeout   EventType = "collaborator_timeout"
	EventCancellationRequested EventType = "cancellation_requested"
	EventAnomalyDetected       EventType = "anomaly_detected"
)

// Event severities. 1 is informational, 5 is critical.
const (
	SeverityInfo     = 1
	SeverityLow      = 2
	SeverityMedium   = 3
	SeverityHigh     = 4
	SeverityCritical = 5
)

// AutonomyEvent is an append-only fact about a run. Source of truth
// for the audit trail and the input corpus for prediction and
// clustering. Never mutated or deleted.
type AutonomyEvent struct {
	ID        uuid.UUID      `json:"id"`
	RunID     uuid.UUID      `json:"run_id"`
	EventType EventType      `json:"event_type"`
	Severity  int            `json:"severity"`
	AgentID   *string        `json:"agent_id,omitempty"`
	SourceRef *string        `json:"source_ref,omitempty"`
	Payload   map[string]any `json:"payload,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
}

// StatusChangedPayload is the payload for status_changed events.
type StatusChangedPayload struct {
	From   RunStatus `json:"from"`
	To     RunStatus `json:"to"`
	Reason string    `json:"reason,omitempty"`
}

// SafetyGatePayload is the payload for safety_gate_triggered events.
type SafetyGatePayload struct {
	AutonomyScore  int    `json:"autonomy_score"`
	Risk           int    `json:"risk"`
	Uncertainty    int    `json:"uncertainty"`
	Recommendation string `json:"recommendation"`
}

// AgentStepPayload is the payload for agent_completed / agent_failed events.
// One event per execution step; steps are never aggregated.
type AgentStepPayload struct {
	StepIndex  int    `json:"step_index"`
	StepStatus string `json:"step_status"`
	DurationMs int64  `json:"duration_ms,omitempty"`
}

// AnomalyPayload is the payload for anomaly_detected events.
type AnomalyPayload struct {
	Stage string `json:"stage"`
	Error string `json:"error"`
}

// CollaboratorTimeoutPayload is the payload for collaborator_timeout events.
type CollaboratorTimeoutPayload struct {
	Source string `json:"source"`
	Error  string `json:"error"`
}
