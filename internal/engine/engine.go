// Package engine implements the autonomy run state machine. It owns the
// lifecycle of one autonomy run: creating it, building context, applying
// the safety gate, delegating planning and execution to the orchestration
// collaborator, recording every transition as an immutable event, and
// archiving the outcome.
//
// Transitions: pending -> initializing -> running -> {paused | completed
// | failed | halted}. paused is reachable only through the initial safety
// gate and is terminal for the attempt. halted means an external
// cancellation was honored; failed means an internal error.
package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/arbiterlabs/arbiter/internal/model"
	"github.com/arbiterlabs/arbiter/internal/scoring"
	"github.com/arbiterlabs/arbiter/internal/telemetry"
)

// ErrValidation is returned when the submitted objective or parameters
// are malformed. Rejected before any state transition.
var ErrValidation = errors.New("engine: validation failed")

// ErrTransitionConflict is returned when a concurrent mutation of the
// same run is detected. The engine retries a conflicted transition once
// before surfacing it.
var ErrTransitionConflict = errors.New("engine: transition conflict")

// ContextBuilder produces global context snapshots.
type ContextBuilder interface {
	Build(ctx context.Context, workspaceID uuid.UUID) (*model.GlobalContext, error)
}

// Plan is the orchestration collaborator's answer to a planning request.
type Plan struct {
	TaskID     uuid.UUID
	AgentChain []string
}

// StepStatus is the terminal status of one execution step.
type StepStatus string

const (
	StepCompleted StepStatus = "completed"
	StepFailed    StepStatus = "failed"
)

// ExecutionStep is one step of an execution trace.
type ExecutionStep struct {
	Index      int
	Agent      string
	Status     StepStatus
	DurationMs int64
}

// ExecutionTrace is the opaque collaborator's report of what ran.
type ExecutionTrace struct {
	Steps []ExecutionStep
}

// Orchestrator is the external planning/execution collaborator. The
// engine treats it as a black box whose step statuses drive event
// emission.
type Orchestrator interface {
	Plan(ctx context.Context, workspaceID uuid.UUID, objective string, params model.CalibratedParameters) (Plan, error)
	Execute(ctx context.Context, taskID, workspaceID uuid.UUID) (ExecutionTrace, error)
}

// Archiver persists run summaries. Archive must be awaited before a run
// is marked completed so the audit trail is durable.
type Archiver interface {
	Archive(ctx context.Context, summary model.RunSummary) error
}

// RunStore is the persistence surface the engine needs. TransitionRun
// must append the event and write the status atomically, conditional on
// the expected prior status; a mismatch yields ErrTransitionConflict.
type RunStore interface {
	CreateRun(ctx context.Context, run model.AutonomyRun, created model.AutonomyEvent) error
	TransitionRun(ctx context.Context, runID uuid.UUID, from, to model.RunStatus, ev model.AutonomyEvent) error
	AppendEvent(ctx context.Context, ev model.AutonomyEvent) error
	UpdateRunScores(ctx context.Context, runID uuid.UUID, signals model.Signals, autonomyScore int, globalContext json.RawMessage) error
	UpdateRunProgress(ctx context.Context, runID uuid.UUID, activeAgents []string, total, completed, failed int) error
	RequestCancellation(ctx context.Context, runID uuid.UUID) error
	CancelRequested(ctx context.Context, runID uuid.UUID) (bool, error)
}

// ParameterSource supplies the active calibrated parameters. Parameters
// are advisory inputs to the next execution, never applied retroactively.
type ParameterSource interface {
	ActiveParameters(ctx context.Context, workspaceID uuid.UUID) (model.CalibratedParameters, error)
}

// Engine is the autonomy run state machine.
type Engine struct {
	store    RunStore
	builder  ContextBuilder
	orch     Orchestrator
	archiver Archiver
	params   ParameterSource
	logger   *slog.Logger

	orchTimeout time.Duration

	gateTrips   metric.Int64Counter
	runDuration metric.Float64Histogram
}

// Config holds engine construction options.
type Config struct {
	// OrchestratorTimeout bounds each Plan/Execute collaborator call.
	OrchestratorTimeout time.Duration
}

// New creates an Engine. params may be nil; defaults are used until a
// calibration has been accepted.
func New(store RunStore, builder ContextBuilder, orch Orchestrator, archiver Archiver, params ParameterSource, logger *slog.Logger, cfg Config) *Engine {
	if cfg.OrchestratorTimeout <= 0 {
		cfg.OrchestratorTimeout = 2 * time.Minute
	}
	meter := telemetry.Meter("arbiter/engine")
	gateTrips, _ := meter.Int64Counter("arbiter.engine.gate_trips",
		metric.WithDescription("Safety gate activations at context-build time"),
	)
	runDur, _ := meter.Float64Histogram("arbiter.engine.run.duration",
		metric.WithDescription("End-to-end autonomy run duration (ms)"),
		metric.WithUnit("ms"),
	)
	return &Engine{
		store:       store,
		builder:     builder,
		orch:        orch,
		archiver:    archiver,
		params:      params,
		logger:      logger,
		orchTimeout: cfg.OrchestratorTimeout,
		gateTrips:   gateTrips,
		runDuration: runDur,
	}
}

// Submit validates an objective and records a new pending run without
// advancing it. The run_created event is written atomically with the
// run so even a never-advanced run has an audit trail.
func (e *Engine) Submit(ctx context.Context, workspaceID uuid.UUID, objective string) (model.AutonomyRun, error) {
	if err := model.ValidateObjective(objective); err != nil {
		return model.AutonomyRun{}, fmt.Errorf("%w: %v", ErrValidation, err)
	}

	run := model.AutonomyRun{
		ID:           uuid.New(),
		WorkspaceID:  workspaceID,
		Objective:    objective,
		Status:       model.RunStatusPending,
		ActiveAgents: []string{},
		CreatedAt:    time.Now().UTC(),
	}

	created := e.event(run.ID, model.EventRunCreated, model.SeverityInfo, map[string]any{
		"workspace_id": workspaceID.String(),
	})
	if err := e.store.CreateRun(ctx, run, created); err != nil {
		return model.AutonomyRun{}, fmt.Errorf("engine: create run: %w", err)
	}
	return run, nil
}

// Resume drives a submitted run to a terminal state and returns the
// final record. A paused or halted run is a normal outcome, not an
// error. Any internal failure emits an anomaly_detected event, moves
// the run to failed, and is returned to the caller.
func (e *Engine) Resume(ctx context.Context, run model.AutonomyRun) (model.AutonomyRun, error) {
	start := time.Now()
	err := e.advance(ctx, &run)
	e.runDuration.Record(ctx, float64(time.Since(start).Milliseconds()),
		metric.WithAttributes(attribute.String("status", string(run.Status))))
	if err != nil {
		e.fail(ctx, &run, err)
		return run, err
	}
	return run, nil
}

// Execute runs one autonomy attempt end to end: Submit then Resume.
func (e *Engine) Execute(ctx context.Context, workspaceID uuid.UUID, objective string) (model.AutonomyRun, error) {
	run, err := e.Submit(ctx, workspaceID, objective)
	if err != nil {
		return model.AutonomyRun{}, err
	}
	return e.Resume(ctx, run)
}

// Cancel requests cooperative cancellation of a running attempt. The
// state machine checks the flag between steps and transitions to halted.
func (e *Engine) Cancel(ctx context.Context, runID uuid.UUID) error {
	if err := e.store.RequestCancellation(ctx, runID); err != nil {
		return fmt.Errorf("engine: request cancellation: %w", err)
	}
	ev := e.event(runID, model.EventCancellationRequested, model.SeverityLow, nil)
	if err := e.store.AppendEvent(ctx, ev); err != nil {
		e.logger.Warn("engine: append cancellation event", "run_id", runID, "error", err)
	}
	return nil
}

// advance drives the run from pending to a terminal state. Returning a
// nil error means the run ended in a legitimate terminal state (paused,
// halted, completed); any error routes through the failure path.
func (e *Engine) advance(ctx context.Context, run *model.AutonomyRun) error {
	if err := e.transition(ctx, run, model.RunStatusInitializing, "objective accepted"); err != nil {
		return err
	}

	// Build context and evaluate the scoring model.
	gc, err := e.builder.Build(ctx, run.WorkspaceID)
	if err != nil {
		return fmt.Errorf("engine: build context: %w", err)
	}
	e.applyScores(run, gc.Signals)
	rec := scoring.Recommend(run.AutonomyScore, run.Risk, run.Uncertainty)

	rawCtx, err := json.Marshal(gc)
	if err != nil {
		return fmt.Errorf("engine: marshal context: %w", err)
	}
	run.GlobalContext = rawCtx
	if err := e.store.UpdateRunScores(ctx, run.ID, gc.Signals, run.AutonomyScore, rawCtx); err != nil {
		return fmt.Errorf("engine: persist scores: %w", err)
	}

	// A degraded source means a collaborator timed out but the snapshot
	// survived; each one goes into the audit trail as a low-severity event.
	for _, degraded := range gc.Degraded {
		source, detail, _ := strings.Cut(degraded, ": ")
		ev := e.event(run.ID, model.EventCollaboratorTimeout, model.SeverityLow, payloadMap(model.CollaboratorTimeoutPayload{
			Source: source,
			Error:  detail,
		}))
		if err := e.store.AppendEvent(ctx, ev); err != nil {
			return fmt.Errorf("engine: append collaborator_timeout: %w", err)
		}
	}

	// Initial safety gate. Any non-proceed recommendation pauses the
	// attempt; there is no automatic resume.
	if rec != scoring.RecommendProceed {
		e.gateTrips.Add(ctx, 1, metric.WithAttributes(attribute.String("recommendation", string(rec))))
		ev := e.event(run.ID, model.EventSafetyGateTriggered, model.SeverityMedium, payloadMap(model.SafetyGatePayload{
			AutonomyScore:  run.AutonomyScore,
			Risk:           run.Risk,
			Uncertainty:    run.Uncertainty,
			Recommendation: string(rec),
		}))
		if err := e.transitionWith(ctx, run, model.RunStatusPaused, ev); err != nil {
			return err
		}
		e.logger.Info("engine: safety gate tripped",
			"run_id", run.ID, "autonomy_score", run.AutonomyScore,
			"risk", run.Risk, "uncertainty", run.Uncertainty, "recommendation", rec)
		return nil
	}

	if err := e.transition(ctx, run, model.RunStatusRunning, "safety gate passed"); err != nil {
		return err
	}

	if halted, err := e.checkCancel(ctx, run); err != nil || halted {
		return err
	}

	params := e.activeParameters(ctx, run.WorkspaceID)

	// Delegate planning to the orchestration collaborator.
	planCtx, cancel := context.WithTimeout(ctx, e.orchTimeout)
	plan, err := e.orch.Plan(planCtx, run.WorkspaceID, run.Objective, params)
	cancel()
	if err != nil {
		return fmt.Errorf("engine: plan: %w", err)
	}

	run.ActiveAgents = plan.AgentChain
	for _, agent := range plan.AgentChain {
		a := agent
		ev := e.event(run.ID, model.EventAgentActivated, model.SeverityInfo, map[string]any{
			"task_id": plan.TaskID.String(),
		})
		ev.AgentID = &a
		if err := e.store.AppendEvent(ctx, ev); err != nil {
			return fmt.Errorf("engine: append agent_activated: %w", err)
		}
	}
	if err := e.store.UpdateRunProgress(ctx, run.ID, run.ActiveAgents, 0, 0, 0); err != nil {
		return fmt.Errorf("engine: persist agents: %w", err)
	}

	if halted, err := e.checkCancel(ctx, run); err != nil || halted {
		return err
	}

	// Delegate execution; the trace's step statuses drive event emission.
	execCtx, cancel := context.WithTimeout(ctx, e.orchTimeout)
	trace, err := e.orch.Execute(execCtx, plan.TaskID, run.WorkspaceID)
	cancel()
	if err != nil {
		return fmt.Errorf("engine: execute: %w", err)
	}

	run.TotalSteps = len(trace.Steps)
	for _, step := range trace.Steps {
		evType := model.EventAgentCompleted
		severity := model.SeverityInfo
		if step.Status == StepFailed {
			evType = model.EventAgentFailed
			severity = model.SeverityHigh
			run.FailedSteps++
		} else {
			run.CompletedSteps++
		}
		agent := step.Agent
		ev := e.event(run.ID, evType, severity, payloadMap(model.AgentStepPayload{
			StepIndex:  step.Index,
			StepStatus: string(step.Status),
			DurationMs: step.DurationMs,
		}))
		ev.AgentID = &agent
		if err := e.store.AppendEvent(ctx, ev); err != nil {
			return fmt.Errorf("engine: append step event: %w", err)
		}
	}
	if err := e.store.UpdateRunProgress(ctx, run.ID, run.ActiveAgents, run.TotalSteps, run.CompletedSteps, run.FailedSteps); err != nil {
		return fmt.Errorf("engine: persist progress: %w", err)
	}

	if halted, err := e.checkCancel(ctx, run); err != nil || halted {
		return err
	}

	// Re-evaluate with the post-execution context, folding the execution
	// trace into the signals.
	postGC, err := e.builder.Build(ctx, run.WorkspaceID)
	if err != nil {
		return fmt.Errorf("engine: rebuild context: %w", err)
	}
	finalSignals := foldTrace(postGC.Signals, run.TotalSteps, run.CompletedSteps)
	e.applyScores(run, finalSignals)
	if err := e.store.UpdateRunScores(ctx, run.ID, finalSignals, run.AutonomyScore, run.GlobalContext); err != nil {
		return fmt.Errorf("engine: persist final scores: %w", err)
	}

	// Archive before completing so the summary is durable.
	now := time.Now().UTC()
	summary := model.RunSummary{
		RunID:          run.ID,
		WorkspaceID:    run.WorkspaceID,
		Objective:      run.Objective,
		Status:         model.RunStatusCompleted,
		AutonomyScore:  run.AutonomyScore,
		Readiness:      run.Readiness,
		Consistency:    run.Consistency,
		Confidence:     run.Confidence,
		Risk:           run.Risk,
		Uncertainty:    run.Uncertainty,
		ActiveAgents:   run.ActiveAgents,
		TotalSteps:     run.TotalSteps,
		CompletedSteps: run.CompletedSteps,
		FailedSteps:    run.FailedSteps,
		ArchivedAt:     now,
	}
	if err := e.archiver.Archive(ctx, summary); err != nil {
		return fmt.Errorf("engine: archive: %w", err)
	}

	return e.transition(ctx, run, model.RunStatusCompleted, "execution finished")
}

// checkCancel tests the cooperative cancellation flag between steps.
// A requested cancellation moves the run to halted (externally
// requested), never to failed (internal error).
func (e *Engine) checkCancel(ctx context.Context, run *model.AutonomyRun) (bool, error) {
	requested, err := e.store.CancelRequested(ctx, run.ID)
	if err != nil {
		return false, fmt.Errorf("engine: check cancellation: %w", err)
	}
	if !requested {
		return false, nil
	}
	if err := e.transition(ctx, run, model.RunStatusHalted, "cancellation requested"); err != nil {
		return false, err
	}
	e.logger.Info("engine: run halted by external request", "run_id", run.ID)
	return true, nil
}

// fail emits an anomaly_detected event against the run and moves it to
// failed. The triggering error is returned to the caller by Execute.
func (e *Engine) fail(ctx context.Context, run *model.AutonomyRun, cause error) {
	if run.Status.Terminal() {
		return
	}
	ev := e.event(run.ID, model.EventAnomalyDetected, model.SeverityCritical, payloadMap(model.AnomalyPayload{
		Stage: string(run.Status),
		Error: cause.Error(),
	}))
	if err := e.transitionWith(ctx, run, model.RunStatusFailed, ev); err != nil {
		e.logger.Error("engine: failed to record run failure", "run_id", run.ID, "error", err, "cause", cause)
		return
	}
	e.logger.Error("engine: run failed", "run_id", run.ID, "error", cause)
}

// transition moves the run to the next status with a status_changed
// event. Conflicts are retried once before surfacing.
func (e *Engine) transition(ctx context.Context, run *model.AutonomyRun, to model.RunStatus, reason string) error {
	ev := e.event(run.ID, model.EventStatusChanged, model.SeverityInfo, payloadMap(model.StatusChangedPayload{
		From:   run.Status,
		To:     to,
		Reason: reason,
	}))
	return e.transitionWith(ctx, run, to, ev)
}

// transitionWith applies a conditional status write paired atomically
// with its justifying event. Readers never observe a status change
// without its event.
func (e *Engine) transitionWith(ctx context.Context, run *model.AutonomyRun, to model.RunStatus, ev model.AutonomyEvent) error {
	from := run.Status
	err := e.store.TransitionRun(ctx, run.ID, from, to, ev)
	if errors.Is(err, ErrTransitionConflict) {
		// One retry: the conflicting writer may have been a stale reader.
		err = e.store.TransitionRun(ctx, run.ID, from, to, ev)
	}
	if err != nil {
		return fmt.Errorf("engine: transition %s -> %s: %w", from, to, err)
	}
	run.Status = to
	if to.Terminal() {
		now := time.Now().UTC()
		run.CompletedAt = &now
	} else if to == model.RunStatusRunning {
		now := time.Now().UTC()
		run.StartedAt = &now
	}
	return nil
}

func (e *Engine) applyScores(run *model.AutonomyRun, s model.Signals) {
	run.Readiness = clampInt(s.Readiness)
	run.Consistency = clampInt(s.Consistency)
	run.Confidence = clampInt(s.Confidence)
	run.Risk = clampInt(s.Risk)
	run.Uncertainty = clampInt(s.Uncertainty)
	run.AutonomyScore = scoring.Score(s)
}

func (e *Engine) activeParameters(ctx context.Context, workspaceID uuid.UUID) model.CalibratedParameters {
	if e.params == nil {
		return model.DefaultParameters(workspaceID)
	}
	params, err := e.params.ActiveParameters(ctx, workspaceID)
	if err != nil {
		e.logger.Warn("engine: active parameters unavailable, using defaults",
			"workspace_id", workspaceID, "error", err)
		return model.DefaultParameters(workspaceID)
	}
	return params
}

// foldTrace blends execution outcomes into the post-execution signals.
// Consistency and confidence shift toward the step success ratio; an
// all-failed execution drags both down hard.
func foldTrace(s model.Signals, total, completed int) model.Signals {
	if total == 0 {
		return s
	}
	successRatio := 100 * float64(completed) / float64(total)
	s.Consistency = 0.5*s.Consistency + 0.5*successRatio
	s.Confidence = 0.5*s.Confidence + 0.5*successRatio
	return s
}

func (e *Engine) event(runID uuid.UUID, t model.EventType, severity int, payload map[string]any) model.AutonomyEvent {
	return model.AutonomyEvent{
		ID:        uuid.New(),
		RunID:     runID,
		EventType: t,
		Severity:  severity,
		Payload:   payload,
		CreatedAt: time.Now().UTC(),
	}
}

func payloadMap(v any) map[string]any {
	raw, err := json.Marshal(v)
	if err != nil {
		return map[string]any{}
	}
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		return map[string]any{}
	}
	return m
}

func clampInt(v float64) int {
	if v < 0 {
		return 0
	}
	if v > 100 {
		return 100
	}
	return int(v + 0.5)
}
