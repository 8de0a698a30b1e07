package prediction

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
	runs     []model.AutonomyRun
	memories []model.MemoryRecord
	events   []model.AutonomyEvent

	runErr error
	memErr error
	evErr  error
}

func (f *fakeStore) RunsSince(ctx context.Context, workspaceID uuid.UUID, since time.Time) ([]model.AutonomyRun, error) {
	return f.runs, f.runErr
}

func (f *fakeStore) MemoriesSince(ctx context.Context, workspaceID uuid.UUID, since time.Time) ([]model.MemoryRecord, error) {
	return f.memories, f.memErr
}

func (f *fakeStore) EventsSince(ctx context.Context, since time.Time) ([]model.AutonomyEvent, error) {
	return f.events, f.evErr
}

func newTestService(store *fakeStore) *Service {
	return New(store, slog.New(slog.DiscardHandler), Config{})
}

// failedRun renders a uniformly unhealthy run for signal inputs.
func failedRun(risk, uncertainty int) model.AutonomyRun {
	return model.AutonomyRun{
		ID:           uuid.New(),
		Status:       model.RunStatusFailed,
		Risk:         risk,
		Uncertainty:  uncertainty,
		ActiveAgents: []string{"executor"},
		TotalSteps:   4,
		FailedSteps:  4,
		CreatedAt:    time.Now().UTC(),
	}
}

func TestPredictQuietWindowYieldsNothing(t *testing.T) {
	store := &fakeStore{
		runs: []model.AutonomyRun{
			{Status: model.RunStatusCompleted, Risk: 10, Uncertainty: 10, TotalSteps: 3, CompletedSteps: 3, CreatedAt: time.Now()},
		},
		memories: []model.MemoryRecord{{Importance: 0.9}},
		events:   []model.AutonomyEvent{{Severity: model.SeverityInfo}},
	}

	predictions, err := newTestService(store).Predict(context.Background(), uuid.New())
	require.NoError(t, err)
	// Only the unknown category matches, and its overall risk is far
	// below the 30% probability floor.
	assert.Empty(t, predictions)
}

func TestPredictAgentFailure(t *testing.T) {
	store := &fakeStore{
		runs: []model.AutonomyRun{failedRun(90, 20), failedRun(80, 20)},
		memories: []model.MemoryRecord{
			{Importance: 0.8},
		},
		events: []model.AutonomyEvent{{Severity: model.SeverityCritical}},
	}

	predictions, err := newTestService(store).Predict(context.Background(), uuid.New())
	require.NoError(t, err)
	require.NotEmpty(t, predictions)

	var categories []model.FailureCategory
	for _, p := range predictions {
		categories = append(categories, p.Category)
	}
	assert.Contains(t, categories, model.FailureAgentFailure)

	for _, p := range predictions {
		assert.GreaterOrEqual(t, p.Probability, 30)
		assert.GreaterOrEqual(t, p.Confidence, 40)
		assert.LessOrEqual(t, p.Confidence, 100)
		assert.NotEmpty(t, p.Recommendations)
		assert.True(t, p.Window.To.After(p.Window.From))
		assert.Equal(t, []string{"executor"}, p.AffectedAgents)
	}
}

func TestPredictAllSourcesDown(t *testing.T) {
	boom := errors.New("store down")
	store := &fakeStore{runErr: boom, memErr: boom, evErr: boom}

	_, err := newTestService(store).Predict(context.Background(), uuid.New())
	require.ErrorIs(t, err, ErrNoSignalData)
}

func TestPredictPartialSourceFailureDegrades(t *testing.T) {
	store := &fakeStore{
		runs:   []model.AutonomyRun{failedRun(90, 90)},
		memErr: errors.New("memories unavailable"),
		events: []model.AutonomyEvent{{Severity: model.SeverityCritical}},
	}

	predictions, err := newTestService(store).Predict(context.Background(), uuid.New())
	require.NoError(t, err)
	assert.NotEmpty(t, predictions)
}

func TestMatchCategories(t *testing.T) {
	tests := []struct {
		name    string
		signals model.SignalAnalysis
		want    []model.FailureCategory
	}{
		{
			name:    "nothing matches forecasts unknown",
			signals: model.SignalAnalysis{},
			want:    []model.FailureCategory{model.FailureUnknown},
		},
		{
			name:    "high risk matches agent failure",
			signals: model.SignalAnalysis{Risk: 70},
			want:    []model.FailureCategory{model.FailureAgentFailure},
		},
		{
			name:    "uncertainty alone is not memory corruption",
			signals: model.SignalAnalysis{Uncertainty: 90},
			want:    []model.FailureCategory{model.FailureUnknown},
		},
		{
			name:    "uncertainty plus memory matches corruption",
			signals: model.SignalAnalysis{Uncertainty: 75, Memory: 60},
			want:    []model.FailureCategory{model.FailureMemoryCorruption},
		},
		{
			name:    "severe agent signal matches two rules",
			signals: model.SignalAnalysis{Orchestration: 70, AgentPerformance: 80},
			want:    []model.FailureCategory{model.FailureOrchestrationCollapse, model.FailureCrossAgentDeadlock},
		},
		{
			name:    "high error rate matches exhaustion",
			signals: model.SignalAnalysis{Error: 70},
			want:    []model.FailureCategory{model.FailureResourceExhaustion},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, matchCategories(tt.signals))
		})
	}
}

func TestCategoryProbability(t *testing.T) {
	s := model.SignalAnalysis{
		Risk: 80, Uncertainty: 60, Memory: 50,
		AgentPerformance: 70, Orchestration: 40, Error: 90,
	}

	// 0.50*80 + 0.30*70 + 0.20*90 = 79
	assert.Equal(t, 79, categoryProbability(model.FailureAgentFailure, s))
	// 0.40*60 + 0.40*50 + 0.20*90 = 62
	assert.Equal(t, 62, categoryProbability(model.FailureMemoryCorruption, s))
	// 0.60*90 + 0.25*40 + 0.15*80 = 76
	assert.Equal(t, 76, categoryProbability(model.FailureResourceExhaustion, s))
}

func TestSignalConfidence(t *testing.T) {
	// Perfect agreement: zero deviation, full confidence.
	uniform := model.SignalAnalysis{Risk: 50, Uncertainty: 50, Memory: 50, AgentPerformance: 50, Orchestration: 50, Error: 50}
	assert.Equal(t, 100, signalConfidence(uniform))

	// Maximal disagreement: standard deviation 50.
	split := model.SignalAnalysis{Risk: 100, Uncertainty: 0, Memory: 100, AgentPerformance: 0, Orchestration: 100, Error: 0}
	assert.Equal(t, 50, signalConfidence(split))
}

func TestSeverityFor(t *testing.T) {
	assert.Equal(t, 5, severityFor(80))
	assert.Equal(t, 4, severityFor(65))
	assert.Equal(t, 3, severityFor(50))
	assert.Equal(t, 2, severityFor(35))
	assert.Equal(t, 1, severityFor(34))
}

func TestClassifyTrend(t *testing.T) {
	tests := []struct {
		name   string
		series []float64
		want   model.Trend
	}{
		{"too few samples", []float64{10, 90, 10, 90, 10}, model.TrendStable},
		{"rising risk worsens", []float64{10, 10, 10, 50, 50, 50}, model.TrendWorsening},
		{"falling risk improves", []float64{50, 50, 50, 10, 10, 10}, model.TrendImproving},
		{"small drift is stable", []float64{50, 50, 50, 52, 52, 52}, model.TrendStable},
		{"zero baseline with activity worsens", []float64{0, 0, 0, 5, 5, 5}, model.TrendWorsening},
		{"all zero is stable", []float64{0, 0, 0, 0, 0, 0}, model.TrendStable},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ClassifyTrend(tt.series))
		})
	}
}

func TestAnalyzeSignals(t *testing.T) {
	w := &windowData{
		runs: []model.AutonomyRun{
			{Status: model.RunStatusCompleted, Risk: 20, Uncertainty: 40, TotalSteps: 2, CompletedSteps: 2},
			{Status: model.RunStatusFailed, Risk: 80, Uncertainty: 60, TotalSteps: 2, FailedSteps: 1},
		},
		memories: []model.MemoryRecord{{Importance: 0.2}, {Importance: 0.4}},
		events: []model.AutonomyEvent{
			{Severity: model.SeverityInfo},
			{Severity: model.SeverityHigh},
			{Severity: model.SeverityCritical},
			{Severity: model.SeverityLow},
		},
	}

	s := analyzeSignals(w)
	assert.InDelta(t, 50, s.Risk, 0.001)
	assert.InDelta(t, 50, s.Uncertainty, 0.001)
	// 100 * (1 - 0.3) = 70
	assert.InDelta(t, 70, s.Memory, 0.001)
	// 1 failed of 4 steps = 25
	assert.InDelta(t, 25, s.AgentPerformance, 0.001)
	// 1 of 2 runs not completed = 50
	assert.InDelta(t, 50, s.Orchestration, 0.001)
	// 2 of 4 events severe = 50
	assert.InDelta(t, 50, s.Error, 0.001)
}

func TestAffectedAgentsDeduplicatesAndSorts(t *testing.T) {
	runs := []model.AutonomyRun{
		{Status: model.RunStatusFailed, ActiveAgents: []string{"zeta", "alpha"}},
		{Status: model.RunStatusCompleted, FailedSteps: 1, ActiveAgents: []string{"alpha"}},
		{Status: model.RunStatusCompleted, ActiveAgents: []string{"ignored"}},
	}
	assert.Equal(t, []string{"alpha", "zeta"}, affectedAgents(runs))
}
