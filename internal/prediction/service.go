// Package prediction implements the predictive failure model: it turns
// a rolling lookback window of run, memory, and event telemetry into
// six normalized signals, then into probabilistic failure forecasts.
//
// Nothing here is cached. Each call recomputes the full signal set so a
// stale reading can never feed a safety decision.
package prediction

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sort"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/metric"
	"golang.org/x/sync/errgroup"

	"github.com/arbiterlabs/arbiter/internal/model"
	"github.com/arbiterlabs/arbiter/internal/telemetry"
)

// Store is the read-only signal store surface the model needs.
type Store interface {
	RunsSince(ctx context.Context, workspaceID uuid.UUID, since time.Time) ([]model.AutonomyRun, error)
	MemoriesSince(ctx context.Context, workspaceID uuid.UUID, since time.Time) ([]model.MemoryRecord, error)
	EventsSince(ctx context.Context, since time.Time) ([]model.AutonomyEvent, error)
}

// ErrNoSignalData is returned when every signal source failed and no
// analysis is possible.
var ErrNoSignalData = errors.New("prediction: no signal data")

// Overall risk weights per signal, in canonical order.
var overallWeights = [6]float64{0.25, 0.20, 0.15, 0.20, 0.15, 0.05}

// Service runs prediction cycles.
type Service struct {
	store    Store
	logger   *slog.Logger
	lookback time.Duration
	horizon  time.Duration

	predictDuration metric.Float64Histogram
}

// Config holds prediction tuning knobs.
type Config struct {
	Lookback time.Duration // default 60m
	Horizon  time.Duration // prediction window, default 30m
}

// New creates a prediction service.
func New(store Store, logger *slog.Logger, cfg Config) *Service {
	if cfg.Lookback <= 0 {
		cfg.Lookback = time.Hour
	}
	if cfg.Horizon <= 0 {
		cfg.Horizon = 30 * time.Minute
	}
	meter := telemetry.Meter("arbiter/prediction")
	dur, _ := meter.Float64Histogram("arbiter.prediction.duration",
		metric.WithDescription("Time to run a prediction cycle (ms)"),
		metric.WithUnit("ms"),
	)
	return &Service{
		store:           store,
		logger:          logger,
		lookback:        cfg.Lookback,
		horizon:         cfg.Horizon,
		predictDuration: dur,
	}
}

// Predict runs one prediction cycle for the workspace and returns the
// failure forecasts whose probability cleared the 30% floor. The
// returned set supersedes, and is never merged with, prior cycles.
func (s *Service) Predict(ctx context.Context, workspaceID uuid.UUID) ([]model.FailurePrediction, error) {
	start := time.Now()
	defer func() {
		s.predictDuration.Record(ctx, float64(time.Since(start).Milliseconds()))
	}()

	window, err := s.fetchWindow(ctx, workspaceID)
	if err != nil {
		return nil, err
	}

	signals := analyzeSignals(window)
	confidence := signalConfidence(signals)
	trend := ClassifyTrend(riskSeries(window.runs))

	now := start.UTC()
	tw := model.TimeWindow{From: now, To: now.Add(s.horizon)}

	var predictions []model.FailurePrediction
	for _, category := range matchCategories(signals) {
		probability := categoryProbability(category, signals)
		if probability < 30 {
			continue
		}
		predictions = append(predictions, model.FailurePrediction{
			ID:              uuid.New(),
			WorkspaceID:     workspaceID,
			Category:        category,
			Probability:     probability,
			Confidence:      confidence,
			Window:          tw,
			AffectedAgents:  affectedAgents(window.runs),
			Signals:         signals,
			Severity:        severityFor(probability),
			Trend:           trend,
			Recommendations: recommendationsFor(category),
			CreatedAt:       now,
		})
	}

	s.logger.Debug("prediction cycle finished",
		"workspace_id", workspaceID,
		"predictions", len(predictions),
		"risk_signal", signals.Risk,
		"trend", trend)
	return predictions, nil
}

type windowData struct {
	runs     []model.AutonomyRun
	memories []model.MemoryRecord
	events   []model.AutonomyEvent
	degraded []string
}

// fetchWindow pulls the three telemetry sources concurrently. A single
// unreachable source degrades to a partial signal set (logged, not
// fatal); total failure surfaces to the caller.
func (s *Service) fetchWindow(ctx context.Context, workspaceID uuid.UUID) (*windowData, error) {
	since := time.Now().UTC().Add(-s.lookback)
	w := &windowData{}
	var errs [3]error

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		runs, err := s.store.RunsSince(gctx, workspaceID, since)
		if err != nil {
			errs[0] = fmt.Errorf("runs: %w", err)
			return nil
		}
		w.runs = runs
		return nil
	})
	g.Go(func() error {
		mems, err := s.store.MemoriesSince(gctx, workspaceID, since)
		if err != nil {
			errs[1] = fmt.Errorf("memories: %w", err)
			return nil
		}
		w.memories = mems
		return nil
	})
	g.Go(func() error {
		events, err := s.store.EventsSince(gctx, since)
		if err != nil {
			errs[2] = fmt.Errorf("events: %w", err)
			return nil
		}
		w.events = events
		return nil
	})
	_ = g.Wait()

	failed := 0
	for _, err := range errs {
		if err != nil {
			failed++
			w.degraded = append(w.degraded, err.Error())
			s.logger.Warn("prediction: signal source failed", "workspace_id", workspaceID, "error", err)
		}
	}
	if failed == len(errs) {
		return nil, fmt.Errorf("%w: %v", ErrNoSignalData, w.degraded)
	}
	return w, nil
}

// matchCategories applies the independent threshold rules. Rules are
// independent by design: more than one category can be plausible in the
// same cycle. When nothing matches, the model forecasts unknown.
func matchCategories(s model.SignalAnalysis) []model.FailureCategory {
	var categories []model.FailureCategory
	if s.Risk >= 70 {
		categories = append(categories, model.FailureAgentFailure)
	}
	if s.Uncertainty >= 75 && s.Memory >= 60 {
		categories = append(categories, model.FailureMemoryCorruption)
	}
	if s.Orchestration >= 70 && s.AgentPerformance >= 65 {
		categories = append(categories, model.FailureOrchestrationCollapse)
	}
	if s.AgentPerformance >= 75 {
		categories = append(categories, model.FailureCrossAgentDeadlock)
	}
	if s.Error >= 70 {
		categories = append(categories, model.FailureResourceExhaustion)
	}
	if len(categories) == 0 {
		categories = append(categories, model.FailureUnknown)
	}
	return categories
}

// categoryProbability is a fixed linear combination of the six signals,
// rounded to an integer. Coefficients per category:
//
//	agent_failure:          0.50 risk + 0.30 agent + 0.20 error
//	memory_corruption:      0.40 uncertainty + 0.40 memory + 0.20 error
//	orchestration_collapse: 0.45 orchestration + 0.35 agent + 0.20 risk
//	cross_agent_deadlock:   0.50 agent + 0.30 orchestration + 0.20 uncertainty
//	resource_exhaustion:    0.60 error + 0.25 orchestration + 0.15 risk
//	unknown:                the overall weighted risk score
func categoryProbability(c model.FailureCategory, s model.SignalAnalysis) int {
	var p float64
	switch c {
	case model.FailureAgentFailure:
		p = 0.50*s.Risk + 0.30*s.AgentPerformance + 0.20*s.Error
	case model.FailureMemoryCorruption:
		p = 0.40*s.Uncertainty + 0.40*s.Memory + 0.20*s.Error
	case model.FailureOrchestrationCollapse:
		p = 0.45*s.Orchestration + 0.35*s.AgentPerformance + 0.20*s.Risk
	case model.FailureCrossAgentDeadlock:
		p = 0.50*s.AgentPerformance + 0.30*s.Orchestration + 0.20*s.Uncertainty
	case model.FailureResourceExhaustion:
		p = 0.60*s.Error + 0.25*s.Orchestration + 0.15*s.Risk
	default:
		p = OverallRisk(s)
	}
	return int(math.Round(math.Min(100, math.Max(0, p))))
}

// OverallRisk is the weighted overall risk score across all six signals.
func OverallRisk(s model.SignalAnalysis) float64 {
	values := s.Values()
	var sum float64
	for i, v := range values {
		sum += overallWeights[i] * v
	}
	return sum
}

// signalConfidence derives confidence from signal agreement, not sample
// size: 100 minus the standard deviation of the six signals, floored at 40.
func signalConfidence(s model.SignalAnalysis) int {
	values := s.Values()
	var mean float64
	for _, v := range values {
		mean += v
	}
	mean /= float64(len(values))

	var variance float64
	for _, v := range values {
		variance += (v - mean) * (v - mean)
	}
	variance /= float64(len(values))

	confidence := 100 - math.Sqrt(variance)
	if confidence < 40 {
		confidence = 40
	}
	return int(math.Round(confidence))
}

func severityFor(probability int) int {
	switch {
	case probability >= 80:
		return 5
	case probability >= 65:
		return 4
	case probability >= 50:
		return 3
	case probability >= 35:
		return 2
	default:
		return 1
	}
}

func recommendationsFor(c model.FailureCategory) []string {
	switch c {
	case model.FailureAgentFailure:
		return []string{
			"Reduce per-agent task load until the risk signal recovers.",
			"Route upcoming steps to agents with healthy scores.",
		}
	case model.FailureMemoryCorruption:
		return []string{
			"Audit recent memory writes for contradictions.",
			"Raise the importance threshold for context inclusion.",
		}
	case model.FailureOrchestrationCollapse:
		return []string{
			"Lower the parallelism ceiling for the next execution.",
			"Split long agent chains into shorter segments.",
		}
	case model.FailureCrossAgentDeadlock:
		return []string{
			"Serialize steps that share agents across concurrent runs.",
		}
	case model.FailureResourceExhaustion:
		return []string{
			"Throttle run submissions until the error signal recovers.",
		}
	default:
		return []string{"Increase observation frequency; no dominant signal identified."}
	}
}

// affectedAgents collects the agents of runs that failed or recorded
// failed steps inside the window, deduplicated and sorted.
func affectedAgents(runs []model.AutonomyRun) []string {
	set := map[string]bool{}
	for _, r := range runs {
		if r.Status != model.RunStatusFailed && r.FailedSteps == 0 {
			continue
		}
		for _, a := range r.ActiveAgents {
			set[a] = true
		}
	}
	agents := make([]string, 0, len(set))
	for a := range set {
		agents = append(agents, a)
	}
	sort.Strings(agents)
	return agents
}

// riskSeries returns run risk scores ordered oldest first, the input to
// trend classification.
func riskSeries(runs []model.AutonomyRun) []float64 {
	sorted := make([]model.AutonomyRun, len(runs))
	copy(sorted, runs)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].CreatedAt.Before(sorted[j].CreatedAt) })
	series := make([]float64, len(sorted))
	for i, r := range sorted {
		series[i] = float64(r.Risk)
	}
	return series
}
