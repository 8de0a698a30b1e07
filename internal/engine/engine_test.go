package engine

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arbiterlabs/arbiter/internal/model"
)

// memStore is an in-memory RunStore that honors the conditional
// transition contract.
type memStore struct {
	mu     sync.Mutex
	runs   map[uuid.UUID]*model.AutonomyRun
	events []model.AutonomyEvent

	transitionErrs []error // popped per TransitionRun call, nil = success
	cancelFlagged  map[uuid.UUID]bool
}

func newMemStore() *memStore {
	return &memStore{
		runs:          make(map[uuid.UUID]*model.AutonomyRun),
		cancelFlagged: make(map[uuid.UUID]bool),
	}
}

func (s *memStore) CreateRun(ctx context.Context, run model.AutonomyRun, created model.AutonomyEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	r := run
	s.runs[run.ID] = &r
	s.events = append(s.events, created)
	return nil
}

func (s *memStore) TransitionRun(ctx context.Context, runID uuid.UUID, from, to model.RunStatus, ev model.AutonomyEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.transitionErrs) > 0 {
		err := s.transitionErrs[0]
		s.transitionErrs = s.transitionErrs[1:]
		if err != nil {
			return err
		}
	}
	run, ok := s.runs[runID]
	if !ok {
		return errors.New("not found")
	}
	if run.Status != from {
		return ErrTransitionConflict
	}
	run.Status = to
	s.events = append(s.events, ev)
	return nil
}

func (s *memStore) AppendEvent(ctx context.Context, ev model.AutonomyEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, ev)
	return nil
}

func (s *memStore) UpdateRunScores(ctx context.Context, runID uuid.UUID, signals model.Signals, autonomyScore int, globalContext json.RawMessage) error {
	return nil
}

func (s *memStore) UpdateRunProgress(ctx context.Context, runID uuid.UUID, activeAgents []string, total, completed, failed int) error {
	return nil
}

func (s *memStore) RequestCancellation(ctx context.Context, runID uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cancelFlagged[runID] = true
	return nil
}

func (s *memStore) CancelRequested(ctx context.Context, runID uuid.UUID) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cancelFlagged[runID], nil
}

func (s *memStore) eventTypes() []model.EventType {
	s.mu.Lock()
	defer s.mu.Unlock()
	types := make([]model.EventType, len(s.events))
	for i, ev := range s.events {
		types[i] = ev.EventType
	}
	return types
}

type fakeBuilder struct {
	signals  model.Signals
	degraded []string
	err      error
}

func (b *fakeBuilder) Build(ctx context.Context, workspaceID uuid.UUID) (*model.GlobalContext, error) {
	if b.err != nil {
		return nil, b.err
	}
	return &model.GlobalContext{WorkspaceID: workspaceID, Signals: b.signals, Degraded: b.degraded}, nil
}

type fakeOrch struct {
	plan    Plan
	planErr error
	trace   ExecutionTrace
	execErr error

	// cancelAfterPlan flips the cancellation flag mid-flight.
	cancelAfterPlan func()
}

func (o *fakeOrch) Plan(ctx context.Context, workspaceID uuid.UUID, objective string, params model.CalibratedParameters) (Plan, error) {
	if o.planErr != nil {
		return Plan{}, o.planErr
	}
	if o.cancelAfterPlan != nil {
		o.cancelAfterPlan()
	}
	return o.plan, nil
}

func (o *fakeOrch) Execute(ctx context.Context, taskID, workspaceID uuid.UUID) (ExecutionTrace, error) {
	if o.execErr != nil {
		return ExecutionTrace{}, o.execErr
	}
	return o.trace, nil
}

type fakeArchiver struct {
	mu        sync.Mutex
	summaries []model.RunSummary
	err       error
}

func (a *fakeArchiver) Archive(ctx context.Context, summary model.RunSummary) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.err != nil {
		return a.err
	}
	a.summaries = append(a.summaries, summary)
	return nil
}

func discardLogger() *slog.Logger {
	return slog.New(slog.DiscardHandler)
}

// healthySignals score well above every safety gate threshold.
var healthySignals = model.Signals{
	Readiness: 90, Consistency: 90, Confidence: 90, Risk: 10, Uncertainty: 10,
}

func newTestEngine(store *memStore, builder *fakeBuilder, orch *fakeOrch, arch *fakeArchiver) *Engine {
	return New(store, builder, orch, arch, nil, discardLogger(), Config{})
}

func TestExecuteHappyPath(t *testing.T) {
	store := newMemStore()
	arch := &fakeArchiver{}
	orch := &fakeOrch{
		plan: Plan{TaskID: uuid.New(), AgentChain: []string{"planner", "executor"}},
		trace: ExecutionTrace{Steps: []ExecutionStep{
			{Index: 0, Agent: "planner", Status: StepCompleted, DurationMs: 120},
			{Index: 1, Agent: "executor", Status: StepCompleted, DurationMs: 800},
		}},
	}
	e := newTestEngine(store, &fakeBuilder{signals: healthySignals}, orch, arch)

	run, err := e.Execute(context.Background(), uuid.New(), "reconcile inventory")
	require.NoError(t, err)

	assert.Equal(t, model.RunStatusCompleted, run.Status)
	assert.Equal(t, []string{"planner", "executor"}, run.ActiveAgents)
	assert.Equal(t, 2, run.TotalSteps)
	assert.Equal(t, 2, run.CompletedSteps)
	assert.Zero(t, run.FailedSteps)
	assert.NotNil(t, run.CompletedAt)

	require.Len(t, arch.summaries, 1)
	assert.Equal(t, run.ID, arch.summaries[0].RunID)
	assert.Equal(t, model.RunStatusCompleted, arch.summaries[0].Status)

	types := store.eventTypes()
	assert.Contains(t, types, model.EventRunCreated)
	assert.Contains(t, types, model.EventAgentActivated)
	assert.Contains(t, types, model.EventAgentCompleted)
	assert.NotContains(t, types, model.EventAnomalyDetected)

	// run_created precedes everything else.
	assert.Equal(t, model.EventRunCreated, types[0])
}

func TestExecuteRejectsEmptyObjective(t *testing.T) {
	e := newTestEngine(newMemStore(), &fakeBuilder{signals: healthySignals}, &fakeOrch{}, &fakeArchiver{})

	_, err := e.Execute(context.Background(), uuid.New(), "   ")
	require.ErrorIs(t, err, ErrValidation)
}

func TestSafetyGatePausesRun(t *testing.T) {
	store := newMemStore()
	// High risk trips the gate before any orchestration happens.
	risky := model.Signals{Readiness: 90, Consistency: 90, Confidence: 90, Risk: 85, Uncertainty: 10}
	orch := &fakeOrch{planErr: errors.New("must not be called")}
	e := newTestEngine(store, &fakeBuilder{signals: risky}, orch, &fakeArchiver{})

	run, err := e.Execute(context.Background(), uuid.New(), "deploy to production")
	require.NoError(t, err)
	assert.Equal(t, model.RunStatusPaused, run.Status)

	types := store.eventTypes()
	assert.Contains(t, types, model.EventSafetyGateTriggered)
	assert.NotContains(t, types, model.EventAgentActivated)
}

func TestDegradedContextEmitsTimeoutEvents(t *testing.T) {
	store := newMemStore()
	builder := &fakeBuilder{
		signals: healthySignals,
		degraded: []string{
			"memories: context deadline exceeded",
			"telemetry: connection refused",
		},
	}
	orch := &fakeOrch{
		plan:  Plan{TaskID: uuid.New(), AgentChain: []string{"executor"}},
		trace: ExecutionTrace{Steps: []ExecutionStep{{Index: 0, Agent: "executor", Status: StepCompleted}}},
	}
	e := newTestEngine(store, builder, orch, &fakeArchiver{})

	run, err := e.Execute(context.Background(), uuid.New(), "reconcile inventory")
	require.NoError(t, err)
	assert.Equal(t, model.RunStatusCompleted, run.Status)

	var timeouts []model.AutonomyEvent
	for _, ev := range store.events {
		if ev.EventType == model.EventCollaboratorTimeout {
			timeouts = append(timeouts, ev)
		}
	}
	require.Len(t, timeouts, 2)
	assert.Equal(t, model.SeverityLow, timeouts[0].Severity)
	assert.Equal(t, "memories", timeouts[0].Payload["source"])
	assert.Equal(t, "context deadline exceeded", timeouts[0].Payload["error"])
	assert.Equal(t, "telemetry", timeouts[1].Payload["source"])
}

func TestCancellationHaltsRun(t *testing.T) {
	store := newMemStore()
	var runID uuid.UUID
	orch := &fakeOrch{
		plan:    Plan{TaskID: uuid.New(), AgentChain: []string{"planner"}},
		execErr: errors.New("must not execute after cancel"),
	}
	orch.cancelAfterPlan = func() {
		store.mu.Lock()
		store.cancelFlagged[runID] = true
		store.mu.Unlock()
	}
	e := newTestEngine(store, &fakeBuilder{signals: healthySignals}, orch, &fakeArchiver{})

	run, err := e.Submit(context.Background(), uuid.New(), "long running sweep")
	require.NoError(t, err)
	runID = run.ID

	run, err = e.Resume(context.Background(), run)
	require.NoError(t, err)
	assert.Equal(t, model.RunStatusHalted, run.Status)
	assert.NotNil(t, run.CompletedAt)
}

func TestOrchestratorFailureFailsRun(t *testing.T) {
	store := newMemStore()
	orch := &fakeOrch{planErr: errors.New("collaborator unreachable")}
	e := newTestEngine(store, &fakeBuilder{signals: healthySignals}, orch, &fakeArchiver{})

	run, err := e.Execute(context.Background(), uuid.New(), "rebalance shards")
	require.Error(t, err)
	assert.Equal(t, model.RunStatusFailed, run.Status)

	types := store.eventTypes()
	assert.Contains(t, types, model.EventAnomalyDetected)
}

func TestContextFailureFailsRun(t *testing.T) {
	store := newMemStore()
	e := newTestEngine(store, &fakeBuilder{err: errors.New("all sources down")}, &fakeOrch{}, &fakeArchiver{})

	run, err := e.Execute(context.Background(), uuid.New(), "anything")
	require.Error(t, err)
	assert.Equal(t, model.RunStatusFailed, run.Status)
}

func TestArchiveFailureFailsRun(t *testing.T) {
	store := newMemStore()
	orch := &fakeOrch{
		plan:  Plan{TaskID: uuid.New(), AgentChain: []string{"a"}},
		trace: ExecutionTrace{Steps: []ExecutionStep{{Agent: "a", Status: StepCompleted}}},
	}
	arch := &fakeArchiver{err: errors.New("archive store down")}
	e := newTestEngine(store, &fakeBuilder{signals: healthySignals}, orch, arch)

	run, err := e.Execute(context.Background(), uuid.New(), "archive me")
	require.Error(t, err)
	// Never marked completed when the summary could not be persisted.
	assert.Equal(t, model.RunStatusFailed, run.Status)
}

func TestFailedStepsAreCounted(t *testing.T) {
	store := newMemStore()
	orch := &fakeOrch{
		plan: Plan{TaskID: uuid.New(), AgentChain: []string{"a", "b", "c"}},
		trace: ExecutionTrace{Steps: []ExecutionStep{
			{Index: 0, Agent: "a", Status: StepCompleted},
			{Index: 1, Agent: "b", Status: StepFailed},
			{Index: 2, Agent: "c", Status: StepCompleted},
		}},
	}
	e := newTestEngine(store, &fakeBuilder{signals: healthySignals}, orch, &fakeArchiver{})

	run, err := e.Execute(context.Background(), uuid.New(), "mixed outcome")
	require.NoError(t, err)
	assert.Equal(t, 3, run.TotalSteps)
	assert.Equal(t, 2, run.CompletedSteps)
	assert.Equal(t, 1, run.FailedSteps)
	assert.Equal(t, model.RunStatusCompleted, run.Status)

	types := store.eventTypes()
	assert.Contains(t, types, model.EventAgentFailed)
}

func TestTransitionConflictRetriesOnce(t *testing.T) {
	store := newMemStore()
	// First transition attempt conflicts, the retry succeeds.
	store.transitionErrs = []error{ErrTransitionConflict}
	orch := &fakeOrch{
		plan:  Plan{TaskID: uuid.New(), AgentChain: []string{"a"}},
		trace: ExecutionTrace{Steps: []ExecutionStep{{Agent: "a", Status: StepCompleted}}},
	}
	e := newTestEngine(store, &fakeBuilder{signals: healthySignals}, orch, &fakeArchiver{})

	run, err := e.Execute(context.Background(), uuid.New(), "contended run")
	require.NoError(t, err)
	assert.Equal(t, model.RunStatusCompleted, run.Status)
}

func TestCancelAppendsEvent(t *testing.T) {
	store := newMemStore()
	e := newTestEngine(store, &fakeBuilder{signals: healthySignals}, &fakeOrch{}, &fakeArchiver{})

	run, err := e.Submit(context.Background(), uuid.New(), "cancel me")
	require.NoError(t, err)

	require.NoError(t, e.Cancel(context.Background(), run.ID))
	requested, err := store.CancelRequested(context.Background(), run.ID)
	require.NoError(t, err)
	assert.True(t, requested)
	assert.Contains(t, store.eventTypes(), model.EventCancellationRequested)
}

func TestFoldTrace(t *testing.T) {
	s := model.Signals{Consistency: 80, Confidence: 60}

	folded := foldTrace(s, 4, 3)
	// Success ratio 75: consistency (80+75)/2, confidence (60+75)/2.
	assert.InDelta(t, 77.5, folded.Consistency, 0.001)
	assert.InDelta(t, 67.5, folded.Confidence, 0.001)

	// Zero steps leaves signals untouched.
	assert.Equal(t, s, foldTrace(s, 0, 0))

	// Total failure drags both down hard.
	crashed := foldTrace(model.Signals{Consistency: 100, Confidence: 100}, 2, 0)
	assert.InDelta(t, 50, crashed.Consistency, 0.001)
	assert.InDelta(t, 50, crashed.Confidence, 0.001)
}
