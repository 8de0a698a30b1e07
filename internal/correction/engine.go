// Package correction implements the self-correction engine: one cycle
// consumes failure predictions and weakness clusters, plans improvement
// actions, executes them, and validates effectiveness by comparing
// score windows before and after the cycle.
//
// Cycle states: pending -> analyzing -> predicting -> planning ->
// executing -> validating -> {completed | failed | halted}.
package correction

import (
	"context"
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

// Action risk tiering thresholds: high when the driving prediction's
// probability or the driving cluster's severity reaches these.
const (
	highRiskProbability = 60
	highRiskSeverity    = 4
)

// minImprovementPct is the validation bar: the blended score
// improvement must reach 5% for a cycle to complete.
const minImprovementPct = 5.0

// maxParallelActions bounds concurrent action execution.
const maxParallelActions = 4

// CycleStore persists correction cycles and serves validation stats.
type CycleStore interface {
	CreateCycle(ctx context.Context, cycle model.CorrectionCycle) error
	TransitionCycle(ctx context.Context, cycleID uuid.UUID, from, to model.CycleStatus) error
	SaveCycleResults(ctx context.Context, cycle model.CorrectionCycle) error
	ScoreWindowStats(ctx context.Context, workspaceID uuid.UUID, from, to time.Time) (model.ScoreStats, error)
}

// ActionExecutor carries out one improvement action. Implementations
// live outside this core; failures are tolerated per action.
type ActionExecutor interface {
	ExecuteAction(ctx context.Context, workspaceID uuid.UUID, action model.ImprovementAction) error
}

// WeightStore applies multiplicative per-agent weight adjustments to
// the active calibrated parameters. Multipliers compound across cycles
// against a 1.0 baseline; weights are never overwritten to absolutes.
type WeightStore interface {
	ApplyWeightMultipliers(ctx context.Context, workspaceID uuid.UUID, multipliers map[string]float64) error
}

// Engine runs correction cycles.
type Engine struct {
	store    CycleStore
	executor ActionExecutor
	weights  WeightStore
	logger   *slog.Logger

	validationWindow time.Duration
	cycleDuration    metric.Float64Histogram
}

// Config holds correction engine options.
type Config struct {
	// ValidationWindow is how far back (and forward) the validation
	// comparison looks around cycle creation. Default 30m.
	ValidationWindow time.Duration
}

// New creates a correction engine.
func New(store CycleStore, executor ActionExecutor, weights WeightStore, logger *slog.Logger, cfg Config) *Engine {
	if cfg.ValidationWindow <= 0 {
		cfg.ValidationWindow = 30 * time.Minute
	}
	meter := telemetry.Meter("arbiter/correction")
	dur, _ := meter.Float64Histogram("arbiter.correction.cycle.duration",
		metric.WithDescription("End-to-end correction cycle duration (ms)"),
		metric.WithUnit("ms"),
	)
	return &Engine{
		store:            store,
		executor:         executor,
		weights:          weights,
		logger:           logger,
		validationWindow: cfg.ValidationWindow,
		cycleDuration:    dur,
	}
}

// Run executes one correction cycle. Predictions and clusters are
// snapshotted into the cycle at entry; their lifetime may end before
// the cycle does.
func (e *Engine) Run(ctx context.Context, workspaceID uuid.UUID, cycleType model.CycleType, predictions []model.FailurePrediction, clusters []model.WeaknessCluster) (model.CorrectionCycle, error) {
	start := time.Now()
	now := start.UTC()

	cycle := model.CorrectionCycle{
		ID:          uuid.New(),
		WorkspaceID: workspaceID,
		Type:        cycleType,
		Status:      model.CycleStatusPending,
		CreatedAt:   now,
	}
	if err := e.store.CreateCycle(ctx, cycle); err != nil {
		return cycle, fmt.Errorf("correction: create cycle: %w", err)
	}

	err := e.advance(ctx, &cycle, predictions, clusters)
	e.cycleDuration.Record(ctx, float64(time.Since(start).Milliseconds()))
	if err != nil {
		e.finish(ctx, &cycle, model.CycleStatusFailed)
		return cycle, err
	}
	return cycle, nil
}

func (e *Engine) advance(ctx context.Context, cycle *model.CorrectionCycle, predictions []model.FailurePrediction, clusters []model.WeaknessCluster) error {
	// Analyzing: aggregate what the inputs say about the system.
	if err := e.transition(ctx, cycle, model.CycleStatusAnalyzing); err != nil {
		return err
	}
	cycle.PredictedProbability = meanProbability(predictions)
	cycle.PredictedConfidence = meanConfidence(predictions)
	cycle.AffectedAgents = unionAgents(predictions, clusters)

	// Predicting: the predictions are supplied by the caller; this stage
	// records them against the cycle.
	if err := e.transition(ctx, cycle, model.CycleStatusPredicting); err != nil {
		return err
	}

	// Planning: one retraining action per (prediction x affected agent),
	// one resolution action per severe cluster.
	if err := e.transition(ctx, cycle, model.CycleStatusPlanning); err != nil {
		return err
	}
	cycle.Actions = planActions(predictions, clusters)
	cycle.RiskScore = cycleRisk(cycle.PredictedProbability, cycle.Actions)
	if err := e.store.SaveCycleResults(ctx, *cycle); err != nil {
		return fmt.Errorf("correction: save plan: %w", err)
	}

	// Executing: actions run in parallel; individual failures are
	// logged and collected, never abort the cycle.
	if err := e.transition(ctx, cycle, model.CycleStatusExecuting); err != nil {
		return err
	}
	cycle.Results = e.executeActions(ctx, cycle.WorkspaceID, cycle.Actions)
	cycle.Effectiveness = effectiveness(cycle.Results)
	if err := e.store.SaveCycleResults(ctx, *cycle); err != nil {
		return fmt.Errorf("correction: save results: %w", err)
	}

	if ctx.Err() != nil {
		// External cancellation mid-cycle halts rather than fails.
		e.finish(ctx, cycle, model.CycleStatusHalted)
		return nil
	}

	// Validating: compare score windows around cycle creation.
	if err := e.transition(ctx, cycle, model.CycleStatusValidating); err != nil {
		return err
	}
	improvement, err := e.measureImprovement(ctx, cycle)
	if err != nil {
		return fmt.Errorf("correction: validate: %w", err)
	}

	if improvement < minImprovementPct {
		e.logger.Info("correction: cycle did not clear validation bar",
			"cycle_id", cycle.ID, "improvement_pct", improvement)
		e.finish(ctx, cycle, model.CycleStatusFailed)
		return nil
	}

	if err := e.applyWeights(ctx, cycle, improvement); err != nil {
		return err
	}
	e.finish(ctx, cycle, model.CycleStatusCompleted)
	e.logger.Info("correction: cycle completed",
		"cycle_id", cycle.ID, "improvement_pct", improvement,
		"effectiveness", cycle.Effectiveness, "actions", len(cycle.Actions))
	return nil
}

// executeActions fans out over the planned actions with bounded
// parallelism and aggregates a Result per action before the cycle
// leaves executing.
func (e *Engine) executeActions(ctx context.Context, workspaceID uuid.UUID, actions []model.ImprovementAction) []model.ActionResult {
	results := make([]model.ActionResult, len(actions))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(maxParallelActions)
	for i, action := range actions {
		g.Go(func() error {
			err := e.executor.ExecuteAction(gctx, workspaceID, action)
			if err != nil {
				results[i] = model.ActionResult{ActionID: action.ID, Executed: false, Err: err.Error()}
				e.logger.Warn("correction: action failed (cycle continues)",
					"action_id", action.ID, "type", action.Type, "error", err)
				return nil
			}
			results[i] = model.ActionResult{ActionID: action.ID, Executed: true}
			return nil
		})
	}
	_ = g.Wait()
	return results
}

// measureImprovement compares mean autonomy/risk/uncertainty scores in
// the window before cycle creation against the window after it, and
// blends the three relative gains into one percentage.
func (e *Engine) measureImprovement(ctx context.Context, cycle *model.CorrectionCycle) (float64, error) {
	before, err := e.store.ScoreWindowStats(ctx, cycle.WorkspaceID, cycle.CreatedAt.Add(-e.validationWindow), cycle.CreatedAt)
	if err != nil {
		return 0, fmt.Errorf("before window: %w", err)
	}
	after, err := e.store.ScoreWindowStats(ctx, cycle.WorkspaceID, cycle.CreatedAt, time.Now().UTC())
	if err != nil {
		return 0, fmt.Errorf("after window: %w", err)
	}
	return Improvement(before, after), nil
}

// Improvement blends the relative change of the three validation
// metrics: autonomy rising, risk falling, and uncertainty falling all
// count as gains. Zero baselines contribute zero instead of dividing
// by zero.
func Improvement(before, after model.ScoreStats) float64 {
	gain := func(b, a float64, higherIsBetter bool) float64 {
		if b == 0 {
			return 0
		}
		change := 100 * (a - b) / math.Abs(b)
		if !higherIsBetter {
			change = -change
		}
		return change
	}
	return (gain(before.MeanAutonomy, after.MeanAutonomy, true) +
		gain(before.MeanRisk, after.MeanRisk, false) +
		gain(before.MeanUncertainty, after.MeanUncertainty, false)) / 3
}

// applyWeights raises per-agent weight multipliers proportionally to
// the validated improvement. Multipliers are floored at 0.5 and applied
// multiplicatively so repeated cycles compound.
func (e *Engine) applyWeights(ctx context.Context, cycle *model.CorrectionCycle, improvement float64) error {
	if len(cycle.AffectedAgents) == 0 {
		return nil
	}
	multiplier := math.Max(0.5, 1+improvement/100)
	multipliers := make(map[string]float64, len(cycle.AffectedAgents))
	for _, agent := range cycle.AffectedAgents {
		multipliers[agent] = multiplier
	}
	if err := e.weights.ApplyWeightMultipliers(ctx, cycle.WorkspaceID, multipliers); err != nil {
		return fmt.Errorf("correction: apply weights: %w", err)
	}
	return nil
}

func (e *Engine) transition(ctx context.Context, cycle *model.CorrectionCycle, to model.CycleStatus) error {
	if err := e.store.TransitionCycle(ctx, cycle.ID, cycle.Status, to); err != nil {
		return fmt.Errorf("correction: transition %s -> %s: %w", cycle.Status, to, err)
	}
	cycle.Status = to
	return nil
}

func (e *Engine) finish(ctx context.Context, cycle *model.CorrectionCycle, to model.CycleStatus) {
	if cycle.Status.Terminal() {
		return
	}
	if err := e.transition(ctx, cycle, to); err != nil {
		e.logger.Error("correction: failed to finish cycle", "cycle_id", cycle.ID, "to", to, "error", err)
		return
	}
	now := time.Now().UTC()
	cycle.CompletedAt = &now
	if err := e.store.SaveCycleResults(ctx, *cycle); err != nil {
		e.logger.Error("correction: persist final cycle state", "cycle_id", cycle.ID, "error", err)
	}
}

// effectiveness is the executed/total ratio, defined as 0 (not NaN)
// when no actions were planned.
func effectiveness(results []model.ActionResult) float64 {
	if len(results) == 0 {
		return 0
	}
	executed := 0
	for _, r := range results {
		if r.Executed {
			executed++
		}
	}
	return float64(executed) / float64(len(results))
}

// planActions generates one agent_retraining action per (prediction x
// affected agent) pair, plus one cluster_resolution action per cluster
// with severity >= 4.
func planActions(predictions []model.FailurePrediction, clusters []model.WeaknessCluster) []model.ImprovementAction {
	var actions []model.ImprovementAction
	for _, p := range predictions {
		for _, agent := range p.AffectedAgents {
			tier := model.RiskTierLow
			if p.Probability >= highRiskProbability {
				tier = model.RiskTierHigh
			}
			actions = append(actions, model.ImprovementAction{
				ID:             uuid.New(),
				Type:           model.ActionAgentRetraining,
				TargetAgent:    agent,
				ExpectedImpact: float64(p.Probability) / 2,
				RiskTier:       tier,
				EstDuration:    10 * time.Minute,
			})
		}
	}
	for _, c := range clusters {
		if c.Severity < highRiskSeverity {
			continue
		}
		actions = append(actions, model.ImprovementAction{
			ID:             uuid.New(),
			Type:           model.ActionClusterResolution,
			ClusterType:    c.Type,
			ExpectedImpact: float64(c.Severity) * 10,
			RiskTier:       model.RiskTierHigh,
			EstDuration:    30 * time.Minute,
		})
	}
	return actions
}

// cycleRisk blends the mean predicted probability with the share of
// high-tier actions in the plan.
func cycleRisk(meanProbability float64, actions []model.ImprovementAction) float64 {
	if len(actions) == 0 {
		return meanProbability
	}
	high := 0
	for _, a := range actions {
		if a.RiskTier == model.RiskTierHigh {
			high++
		}
	}
	highShare := float64(high) / float64(len(actions))
	return 0.7*meanProbability + 0.3*100*highShare
}

func meanProbability(predictions []model.FailurePrediction) float64 {
	if len(predictions) == 0 {
		return 0
	}
	var sum float64
	for _, p := range predictions {
		sum += float64(p.Probability)
	}
	return sum / float64(len(predictions))
}

func meanConfidence(predictions []model.FailurePrediction) float64 {
	if len(predictions) == 0 {
		return 0
	}
	var sum float64
	for _, p := range predictions {
		sum += float64(p.Confidence)
	}
	return sum / float64(len(predictions))
}

// unionAgents merges the affected agents of all inputs, sorted and
// deduplicated.
func unionAgents(predictions []model.FailurePrediction, clusters []model.WeaknessCluster) []string {
	set := map[string]bool{}
	for _, p := range predictions {
		for _, a := range p.AffectedAgents {
			set[a] = true
		}
	}
	for _, c := range clusters {
		for _, a := range c.AffectedAgents {
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
