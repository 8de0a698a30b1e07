package storage_test

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/arbiterlabs/arbiter/internal/engine"
	"github.com/arbiterlabs/arbiter/internal/model"
	"github.com/arbiterlabs/arbiter/internal/storage"
	"github.com/arbiterlabs/arbiter/migrations"
)

// testDB holds a shared test database connection for all tests in this package.
var testDB *storage.DB

func TestMain(m *testing.M) {
	ctx := context.Background()

	req := testcontainers.ContainerRequest{
		Image:        "postgres:18-alpine",
		ExposedPorts: []string{"5432/tcp"},
		Env: map[string]string{
			"POSTGRES_USER":     "arbiter",
			"POSTGRES_PASSWORD": "arbiter",
			"POSTGRES_DB":       "arbiter",
		},
		WaitingFor: wait.ForLog("database system is ready to accept connections").
			WithOccurrence(2).
			WithStartupTimeout(60 * time.Second),
	}

	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to start container: %v\n", err)
		os.Exit(1)
	}

	host, err := container.Host(ctx)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to get container host: %v\n", err)
		os.Exit(1)
	}

	port, err := container.MappedPort(ctx, "5432")
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to get container port: %v\n", err)
		os.Exit(1)
	}

	dsn := fmt.Sprintf("postgres://arbiter:arbiter@%s:%s/arbiter?sslmode=disable", host, port.Port())

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))
	testDB, err = storage.New(ctx, dsn, "", logger)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to create DB: %v\n", err)
		os.Exit(1)
	}

	if err := testDB.RunMigrations(ctx, migrations.FS); err != nil {
		fmt.Fprintf(os.Stderr, "failed to run migrations: %v\n", err)
		os.Exit(1)
	}

	code := m.Run()

	testDB.Close(ctx)
	_ = container.Terminate(ctx)
	os.Exit(code)
}

func newPendingRun(workspaceID uuid.UUID, objective string) model.AutonomyRun {
	return model.AutonomyRun{
		ID:          uuid.New(),
		WorkspaceID: workspaceID,
		Objective:   objective,
		Status:      model.RunStatusPending,
		CreatedAt:   time.Now().UTC(),
	}
}

func runEvent(runID uuid.UUID, t model.EventType, severity int) model.AutonomyEvent {
	return model.AutonomyEvent{
		ID:        uuid.New(),
		RunID:     runID,
		EventType: t,
		Severity:  severity,
		CreatedAt: time.Now().UTC(),
	}
}

func mustCreateRun(t *testing.T, workspaceID uuid.UUID, objective string) model.AutonomyRun {
	t.Helper()
	run := newPendingRun(workspaceID, objective)
	err := testDB.CreateRun(context.Background(), run, runEvent(run.ID, model.EventRunCreated, model.SeverityInfo))
	require.NoError(t, err)
	return run
}

func TestRunLifecycle(t *testing.T) {
	ctx := context.Background()
	run := mustCreateRun(t, uuid.New(), "reconcile inventory")

	got, err := testDB.GetRun(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, model.RunStatusPending, got.Status)
	assert.Equal(t, "reconcile inventory", got.Objective)
	assert.Nil(t, got.StartedAt)

	for _, step := range []struct {
		from, to model.RunStatus
	}{
		{model.RunStatusPending, model.RunStatusInitializing},
		{model.RunStatusInitializing, model.RunStatusRunning},
		{model.RunStatusRunning, model.RunStatusCompleted},
	} {
		err := testDB.TransitionRun(ctx, run.ID, step.from, step.to,
			runEvent(run.ID, model.EventStatusChanged, model.SeverityInfo))
		require.NoError(t, err)
	}

	got, err = testDB.GetRun(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, model.RunStatusCompleted, got.Status)
	assert.NotNil(t, got.StartedAt)
	assert.NotNil(t, got.CompletedAt)

	// One event per mutation: run_created plus three status changes.
	events, err := testDB.RunEvents(ctx, run.ID)
	require.NoError(t, err)
	require.Len(t, events, 4)
	assert.Equal(t, model.EventRunCreated, events[0].EventType)
}

func TestTransitionRunStaleStatusConflicts(t *testing.T) {
	ctx := context.Background()
	run := mustCreateRun(t, uuid.New(), "stale transition")

	// A worker that still believes the run is running loses the
	// conditional update.
	err := testDB.TransitionRun(ctx, run.ID, model.RunStatusRunning, model.RunStatusCompleted,
		runEvent(run.ID, model.EventStatusChanged, model.SeverityInfo))
	require.ErrorIs(t, err, engine.ErrTransitionConflict)

	// The losing transaction must not leak its event.
	events, err := testDB.RunEvents(ctx, run.ID)
	require.NoError(t, err)
	assert.Len(t, events, 1)
}

func TestTerminalStatusAbsorbsTransitions(t *testing.T) {
	ctx := context.Background()
	run := mustCreateRun(t, uuid.New(), "terminal absorption")

	require.NoError(t, testDB.TransitionRun(ctx, run.ID, model.RunStatusPending, model.RunStatusInitializing,
		runEvent(run.ID, model.EventStatusChanged, model.SeverityInfo)))
	require.NoError(t, testDB.TransitionRun(ctx, run.ID, model.RunStatusInitializing, model.RunStatusFailed,
		runEvent(run.ID, model.EventAnomalyDetected, model.SeverityCritical)))

	// Workers that raced to a different terminal outcome are absorbed:
	// their expected prior status no longer matches.
	for _, from := range []model.RunStatus{
		model.RunStatusRunning, model.RunStatusCompleted, model.RunStatusHalted,
	} {
		err := testDB.TransitionRun(ctx, run.ID, from, model.RunStatusCompleted,
			runEvent(run.ID, model.EventStatusChanged, model.SeverityInfo))
		require.ErrorIs(t, err, engine.ErrTransitionConflict)
	}

	got, err := testDB.GetRun(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, model.RunStatusFailed, got.Status)
}

func TestTransitionRunNotFound(t *testing.T) {
	err := testDB.TransitionRun(context.Background(), uuid.New(),
		model.RunStatusPending, model.RunStatusInitializing,
		runEvent(uuid.New(), model.EventStatusChanged, model.SeverityInfo))
	require.ErrorIs(t, err, storage.ErrNotFound)
}

func TestRequestCancellationOnTerminalRun(t *testing.T) {
	ctx := context.Background()
	run := mustCreateRun(t, uuid.New(), "cancel after finish")

	require.NoError(t, testDB.TransitionRun(ctx, run.ID, model.RunStatusPending, model.RunStatusHalted,
		runEvent(run.ID, model.EventStatusChanged, model.SeverityInfo)))

	err := testDB.RequestCancellation(ctx, run.ID)
	require.ErrorIs(t, err, storage.ErrNotFound)

	run = mustCreateRun(t, uuid.New(), "cancel while pending")
	require.NoError(t, testDB.RequestCancellation(ctx, run.ID))

	requested, err := testDB.CancelRequested(ctx, run.ID)
	require.NoError(t, err)
	assert.True(t, requested)
}

func TestArchiveRoundTrip(t *testing.T) {
	ctx := context.Background()
	workspaceID := uuid.New()
	run := mustCreateRun(t, workspaceID, "archive me")

	summary := model.RunSummary{
		RunID:          run.ID,
		WorkspaceID:    workspaceID,
		Objective:      "archive me",
		Status:         model.RunStatusCompleted,
		AutonomyScore:  67,
		Readiness:      90,
		Consistency:    90,
		Confidence:     90,
		Risk:           10,
		Uncertainty:    10,
		ActiveAgents:   []string{"planner", "executor"},
		TotalSteps:     4,
		CompletedSteps: 3,
		FailedSteps:    1,
		ArchivedAt:     time.Now().UTC().Truncate(time.Microsecond),
	}
	require.NoError(t, testDB.Archive(ctx, summary))

	got, err := testDB.ArchivedSummary(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, summary.AutonomyScore, got.AutonomyScore)
	assert.Equal(t, summary.Readiness, got.Readiness)
	assert.Equal(t, summary.Consistency, got.Consistency)
	assert.Equal(t, summary.Confidence, got.Confidence)
	assert.Equal(t, summary.Risk, got.Risk)
	assert.Equal(t, summary.Uncertainty, got.Uncertainty)
	assert.Equal(t, []string{"planner", "executor"}, got.ActiveAgents)
	assert.Equal(t, summary.TotalSteps, got.TotalSteps)
	assert.Equal(t, summary.CompletedSteps, got.CompletedSteps)
	assert.Equal(t, summary.FailedSteps, got.FailedSteps)
	assert.Equal(t, model.RunStatusCompleted, got.Status)

	// Re-archiving overwrites the prior summary.
	summary.Status = model.RunStatusFailed
	summary.FailedSteps = 4
	require.NoError(t, testDB.Archive(ctx, summary))

	got, err = testDB.ArchivedSummary(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, model.RunStatusFailed, got.Status)
	assert.Equal(t, 4, got.FailedSteps)
}

func TestArchivedSummaryNotFound(t *testing.T) {
	_, err := testDB.ArchivedSummary(context.Background(), uuid.New())
	require.ErrorIs(t, err, storage.ErrNotFound)
}

func TestCreateAndGetCycle(t *testing.T) {
	ctx := context.Background()
	cycle := model.CorrectionCycle{
		ID:                   uuid.New(),
		WorkspaceID:          uuid.New(),
		Type:                 model.CycleTypePreventive,
		Status:               model.CycleStatusPending,
		PredictedProbability: 62,
		PredictedConfidence:  80,
		AffectedAgents:       []string{"executor"},
		RiskScore:            55,
		CreatedAt:            time.Now().UTC(),
	}
	require.NoError(t, testDB.CreateCycle(ctx, cycle))

	got, err := testDB.GetCycle(ctx, cycle.ID)
	require.NoError(t, err)
	assert.Equal(t, model.CycleTypePreventive, got.Type)
	assert.Equal(t, model.CycleStatusPending, got.Status)
	assert.Equal(t, []string{"executor"}, got.AffectedAgents)
	assert.InDelta(t, 62, got.PredictedProbability, 0.001)
	assert.Nil(t, got.CompletedAt)

	require.NoError(t, testDB.TransitionCycle(ctx, cycle.ID, model.CycleStatusPending, model.CycleStatusAnalyzing))

	// Stale from-status loses the conditional update.
	err = testDB.TransitionCycle(ctx, cycle.ID, model.CycleStatusPending, model.CycleStatusPlanning)
	require.ErrorIs(t, err, engine.ErrTransitionConflict)
}

func TestGetCycleNotFound(t *testing.T) {
	_, err := testDB.GetCycle(context.Background(), uuid.New())
	require.ErrorIs(t, err, storage.ErrNotFound)
}
