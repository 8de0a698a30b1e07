package weakness

import (
	"context"
	"errors"
	"log/slog"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arbiterlabs/arbiter/internal/model"
)

type fakeStore struct {
	runs           []model.AutonomyRun
	memories       []model.MemoryRecord
	events         []model.AutonomyEvent
	orchestrations []model.OrchestrationRecord

	err error
}

func (f *fakeStore) RunsSince(ctx context.Context, workspaceID uuid.UUID, since time.Time) ([]model.AutonomyRun, error) {
	return f.runs, f.err
}

func (f *fakeStore) MemoriesSince(ctx context.Context, workspaceID uuid.UUID, since time.Time) ([]model.MemoryRecord, error) {
	return f.memories, nil
}

func (f *fakeStore) EventsSince(ctx context.Context, since time.Time) ([]model.AutonomyEvent, error) {
	return f.events, nil
}

func (f *fakeStore) OrchestrationsSince(ctx context.Context, workspaceID uuid.UUID, since time.Time) ([]model.OrchestrationRecord, error) {
	return f.orchestrations, nil
}

func ptr(s string) *string { return &s }

func TestDetectCleanWindowYieldsNoClusters(t *testing.T) {
	store := &fakeStore{
		runs: []model.AutonomyRun{
			{ID: uuid.New(), Status: model.RunStatusCompleted, ActiveAgents: []string{"a"}, TotalSteps: 2, CompletedSteps: 2, CreatedAt: time.Now()},
		},
		memories: []model.MemoryRecord{{ID: uuid.New(), Content: "deploys complete fast", Importance: 0.8}},
	}

	svc := New(store, slog.New(slog.DiscardHandler), time.Hour)
	clusters, err := svc.Detect(context.Background(), uuid.New())
	require.NoError(t, err)
	assert.Empty(t, clusters)
}

func TestDetectStoreFailureIsFatal(t *testing.T) {
	store := &fakeStore{err: errors.New("db down")}
	svc := New(store, slog.New(slog.DiscardHandler), time.Hour)

	_, err := svc.Detect(context.Background(), uuid.New())
	require.Error(t, err)
}

func TestDetectMemoryContradictions(t *testing.T) {
	now := time.Now().UTC()
	mems := []model.MemoryRecord{
		{ID: uuid.New(), Content: "database replica failover is always safe during maintenance", Importance: 0.9},
		{ID: uuid.New(), Content: "database replica failover is never safe during maintenance", Importance: 0.8},
		{ID: uuid.New(), Content: "unrelated note about invoices", Importance: 0.5},
	}

	cluster := detectMemoryContradictions(mems, now)
	require.NotNil(t, cluster)
	assert.Equal(t, model.WeaknessMemoryContradiction, cluster.Type)
	require.Len(t, cluster.Nodes, 1)
	assert.Len(t, cluster.AffectedMemories, 2)
	assert.GreaterOrEqual(t, cluster.Confidence, 55)
}

func TestDetectMemoryContradictionsIgnoresUnrelatedTopics(t *testing.T) {
	mems := []model.MemoryRecord{
		{ID: uuid.New(), Content: "payments always succeed", Importance: 0.9},
		{ID: uuid.New(), Content: "backups never finish", Importance: 0.9},
	}
	// Opposing phrases but not enough shared keywords.
	assert.Nil(t, detectMemoryContradictions(mems, time.Now()))
}

func TestDetectAgentDegradation(t *testing.T) {
	now := time.Now().UTC()
	w := analysisWindow{from: now.Add(-10 * time.Hour), to: now}
	cutoff := w.baselineCutoff()

	var events []model.AutonomyEvent
	// Baseline: agent healthy, 10 completions.
	for i := 0; i < 10; i++ {
		events = append(events, model.AutonomyEvent{
			AgentID: ptr("executor"), EventType: model.EventAgentCompleted,
			CreatedAt: cutoff.Add(-time.Minute),
		})
	}
	// Recent: half of the steps fail.
	for i := 0; i < 5; i++ {
		events = append(events, model.AutonomyEvent{
			AgentID: ptr("executor"), EventType: model.EventAgentCompleted,
			CreatedAt: cutoff.Add(time.Hour),
		})
		events = append(events, model.AutonomyEvent{
			AgentID: ptr("executor"), EventType: model.EventAgentFailed,
			CreatedAt: cutoff.Add(time.Hour),
		})
	}

	cluster := detectAgentDegradation(events, w, now)
	require.NotNil(t, cluster)
	assert.Equal(t, model.WeaknessAgentDegradation, cluster.Type)
	assert.Equal(t, []string{"executor"}, cluster.AffectedAgents)
	require.Len(t, cluster.Nodes, 1)
	assert.Equal(t, "executor", cluster.Nodes[0].Ref)
}

func TestDetectAgentDegradationStableAgentIgnored(t *testing.T) {
	now := time.Now().UTC()
	w := analysisWindow{from: now.Add(-10 * time.Hour), to: now}
	cutoff := w.baselineCutoff()

	events := []model.AutonomyEvent{
		{AgentID: ptr("a"), EventType: model.EventAgentCompleted, CreatedAt: cutoff.Add(-time.Minute)},
		{AgentID: ptr("a"), EventType: model.EventAgentCompleted, CreatedAt: cutoff.Add(time.Hour)},
		{AgentID: nil, EventType: model.EventAgentFailed, CreatedAt: cutoff.Add(time.Hour)},
	}
	assert.Nil(t, detectAgentDegradation(events, w, now))
}

func TestDetectOrchestrationBottlenecks(t *testing.T) {
	now := time.Now().UTC()
	done := func(d time.Duration) *time.Time {
		t := now.Add(-time.Hour).Add(d)
		return &t
	}
	start := now.Add(-time.Hour)

	orch := []model.OrchestrationRecord{
		{ID: uuid.New(), StartedAt: start, CompletedAt: done(time.Minute), AgentChain: []string{"a"}},
		{ID: uuid.New(), StartedAt: start, CompletedAt: done(time.Minute), AgentChain: []string{"a"}},
		{ID: uuid.New(), StartedAt: start, CompletedAt: done(10 * time.Minute), AgentChain: []string{"b", "c"}},
		{ID: uuid.New(), StartedAt: start, CompletedAt: nil}, // still active, ignored
	}

	cluster := detectOrchestrationBottlenecks(orch, now)
	require.NotNil(t, cluster)
	assert.Equal(t, model.WeaknessOrchestrationBottleneck, cluster.Type)
	require.Len(t, cluster.Nodes, 1)
	assert.Equal(t, []string{"b", "c"}, cluster.AffectedAgents)
}

func TestDetectOrchestrationBottlenecksUniformDurations(t *testing.T) {
	now := time.Now().UTC()
	start := now.Add(-time.Hour)
	end := start.Add(time.Minute)

	orch := []model.OrchestrationRecord{
		{ID: uuid.New(), StartedAt: start, CompletedAt: &end},
		{ID: uuid.New(), StartedAt: start, CompletedAt: &end},
	}
	assert.Nil(t, detectOrchestrationBottlenecks(orch, now))
}

func TestDetectCrossAgentConflicts(t *testing.T) {
	now := time.Now().UTC()
	runs := []model.AutonomyRun{
		{ID: uuid.New(), ActiveAgents: []string{"a", "b"}, TotalSteps: 4, FailedSteps: 2},
		{ID: uuid.New(), ActiveAgents: []string{"solo"}, TotalSteps: 4, FailedSteps: 4}, // single agent, ignored
		{ID: uuid.New(), ActiveAgents: []string{"a", "c"}, TotalSteps: 4, FailedSteps: 0},
	}

	cluster := detectCrossAgentConflicts(runs, now)
	require.NotNil(t, cluster)
	assert.Equal(t, model.WeaknessCrossAgentConflict, cluster.Type)
	require.Len(t, cluster.Nodes, 1)
	assert.Equal(t, []string{"a", "b"}, cluster.AffectedAgents)
	assert.InDelta(t, 0.5, cluster.Nodes[0].Severity, 0.001)
}

func TestDetectTemporalPatterns(t *testing.T) {
	now := time.Now().UTC()
	// Anchor all runs at 03:00 on the same weekday so both buckets trip.
	at := time.Date(2025, 6, 2, 3, 0, 0, 0, time.UTC) // a Monday

	runs := []model.AutonomyRun{
		{ID: uuid.New(), Status: model.RunStatusFailed, CreatedAt: at},
		{ID: uuid.New(), Status: model.RunStatusFailed, CreatedAt: at.Add(10 * time.Minute)},
		{ID: uuid.New(), Status: model.RunStatusCompleted, CreatedAt: at.Add(20 * time.Minute)},
	}

	cluster := detectTemporalPatterns(runs, now)
	require.NotNil(t, cluster)
	assert.Equal(t, model.WeaknessTemporalPattern, cluster.Type)
	// One hourly and one daily bucket, sorted by ref.
	require.Len(t, cluster.Nodes, 2)
	assert.Equal(t, "day:Monday", cluster.Nodes[0].Ref)
	assert.Equal(t, "hour:03", cluster.Nodes[1].Ref)
}

func TestDetectTemporalPatternsSparseBucketsIgnored(t *testing.T) {
	now := time.Now().UTC()
	runs := []model.AutonomyRun{
		{ID: uuid.New(), Status: model.RunStatusFailed, CreatedAt: time.Date(2025, 6, 2, 3, 0, 0, 0, time.UTC)},
	}
	// A single run per bucket is below the minimum population.
	assert.Nil(t, detectTemporalPatterns(runs, now))
}

func TestSeverityTier(t *testing.T) {
	assert.Equal(t, 5, severityTier(0.8))
	assert.Equal(t, 4, severityTier(0.6))
	assert.Equal(t, 3, severityTier(0.4))
	assert.Equal(t, 2, severityTier(0.2))
	assert.Equal(t, 1, severityTier(0.1))
}

func TestConfidenceFromFindings(t *testing.T) {
	assert.Equal(t, 55, confidenceFromFindings(1))
	assert.Equal(t, 70, confidenceFromFindings(4))
	assert.Equal(t, 95, confidenceFromFindings(50))
}
