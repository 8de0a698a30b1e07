// Package calibration adjusts scoring and execution parameters from
// correction-cycle outcomes and system health. Its output is a
// versioned CalibratedParameters set that the scoring model and the
// run state machine consume as advisory input for the next execution;
// nothing here is applied retroactively to in-flight runs.
package calibration

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/arbiterlabs/arbiter/internal/model"
)

// Parallelism rules: the ceiling scales up with system health and down
// with cascade/deadlock risk. A risk weight above 0.8 on either axis
// subtracts 2.
const (
	maxParallelism      = 8
	minParallelism      = 1
	riskWeightThreshold = 0.8
)

// ParameterStore persists calibrated parameter sets. Replace swaps in a
// new version wholesale; parameters are never partially patched.
type ParameterStore interface {
	ActiveParameters(ctx context.Context, workspaceID uuid.UUID) (model.CalibratedParameters, error)
	ReplaceParameters(ctx context.Context, params model.CalibratedParameters) error
}

// Optimizer produces calibrated parameter sets.
type Optimizer struct {
	store  ParameterStore
	logger *slog.Logger
}

// New creates an Optimizer.
func New(store ParameterStore, logger *slog.Logger) *Optimizer {
	return &Optimizer{store: store, logger: logger}
}

// Recalibrate derives a new parameter version from recent cycle
// outcomes and the current system health score, and replaces the active
// set wholesale.
func (o *Optimizer) Recalibrate(ctx context.Context, workspaceID uuid.UUID, healthScore int, cycles []model.CorrectionCycle) (model.CalibratedParameters, error) {
	current, err := o.store.ActiveParameters(ctx, workspaceID)
	if err != nil {
		o.logger.Warn("calibration: no active parameters, starting from defaults",
			"workspace_id", workspaceID, "error", err)
		current = model.DefaultParameters(workspaceID)
	}

	next := model.CalibratedParameters{
		ID:              uuid.New(),
		WorkspaceID:     workspaceID,
		Version:         current.Version + 1,
		AgentWeights:    copyWeights(current.AgentWeights),
		RiskWeights:     deriveRiskWeights(cycles),
		ReasoningDepths: map[string]model.ReasoningTier{},
		CreatedAt:       time.Now().UTC(),
	}
	next.Parallelism = Parallelism(healthScore, next.RiskWeights)

	// Reasoning depth per agent follows its current weight: heavier
	// agents carry harder steps and earn deeper reasoning.
	for agent, weight := range next.AgentWeights {
		next.ReasoningDepths[agent] = ReasoningDepth(complexityFromWeight(weight))
	}

	if err := o.store.ReplaceParameters(ctx, next); err != nil {
		return model.CalibratedParameters{}, fmt.Errorf("calibration: replace parameters: %w", err)
	}
	o.logger.Info("calibration: parameters replaced",
		"workspace_id", workspaceID, "version", next.Version,
		"parallelism", next.Parallelism)
	return next, nil
}

// Parallelism computes the advisory concurrent-step ceiling. Health >=
// 85 admits up to 8; each risk weight above 0.8 on cascade or deadlock
// subtracts 2, floored at 1.
func Parallelism(healthScore int, riskWeights map[string]float64) int {
	var level int
	switch {
	case healthScore >= 85:
		level = maxParallelism
	case healthScore >= 70:
		level = 6
	case healthScore >= 50:
		level = 4
	default:
		level = 2
	}
	if riskWeights["cascade"] > riskWeightThreshold {
		level -= 2
	}
	if riskWeights["deadlock"] > riskWeightThreshold {
		level -= 2
	}
	if level < minParallelism {
		level = minParallelism
	}
	return level
}

// SelectAgent picks the highest-weighted available agent. Agents absent
// from the weight map carry the 1.0 baseline. Ties break by input
// order: the first of the tied agents wins.
func SelectAgent(weights map[string]float64, available []string) (string, error) {
	if len(available) == 0 {
		return "", fmt.Errorf("calibration: no agents available")
	}
	best := available[0]
	bestWeight := weightOf(weights, best)
	for _, agent := range available[1:] {
		if w := weightOf(weights, agent); w > bestWeight {
			best = agent
			bestWeight = w
		}
	}
	return best, nil
}

// ReasoningDepth is the 3-tier lookup keyed by estimated step
// complexity: >= 7 high, >= 4 medium, else low.
func ReasoningDepth(complexity int) model.ReasoningTier {
	switch {
	case complexity >= 7:
		return model.ReasoningHigh
	case complexity >= 4:
		return model.ReasoningMedium
	default:
		return model.ReasoningLow
	}
}

// Step is one unit of plannable work with explicit dependencies.
type Step struct {
	ID        string
	DependsOn []string
}

// OrderSteps returns a dependency-respecting execution order. Among
// steps whose dependencies are satisfied, input order is preserved. A
// dependency cycle is an error.
func OrderSteps(steps []Step) ([]string, error) {
	indegree := make(map[string]int, len(steps))
	position := make(map[string]int, len(steps))
	for i, s := range steps {
		if _, dup := position[s.ID]; dup {
			return nil, fmt.Errorf("calibration: duplicate step %q", s.ID)
		}
		position[s.ID] = i
		indegree[s.ID] = 0
	}
	dependents := map[string][]string{}
	for _, s := range steps {
		for _, dep := range s.DependsOn {
			if _, known := position[dep]; !known {
				return nil, fmt.Errorf("calibration: step %q depends on unknown step %q", s.ID, dep)
			}
			indegree[s.ID]++
			dependents[dep] = append(dependents[dep], s.ID)
		}
	}

	// Kahn's algorithm with a ready list kept in input order so the
	// traversal is deterministic.
	var ready []string
	for _, s := range steps {
		if indegree[s.ID] == 0 {
			ready = append(ready, s.ID)
		}
	}

	var order []string
	for len(ready) > 0 {
		next := ready[0]
		ready = ready[1:]
		order = append(order, next)
		for _, dep := range dependents[next] {
			indegree[dep]--
			if indegree[dep] == 0 {
				ready = insertByPosition(ready, dep, position)
			}
		}
	}
	if len(order) != len(steps) {
		return nil, fmt.Errorf("calibration: dependency cycle among steps")
	}
	return order, nil
}

func insertByPosition(ready []string, id string, position map[string]int) []string {
	at := len(ready)
	for i, r := range ready {
		if position[id] < position[r] {
			at = i
			break
		}
	}
	ready = append(ready, "")
	copy(ready[at+1:], ready[at:])
	ready[at] = id
	return ready
}

// deriveRiskWeights maps recent cycle outcomes onto the cascade and
// deadlock risk axes: failed cycles raise both, high cycle risk raises
// cascade.
func deriveRiskWeights(cycles []model.CorrectionCycle) map[string]float64 {
	weights := map[string]float64{"cascade": 0.0, "deadlock": 0.0}
	if len(cycles) == 0 {
		return weights
	}
	failed := 0
	var riskSum float64
	for _, c := range cycles {
		if c.Status == model.CycleStatusFailed {
			failed++
		}
		riskSum += c.RiskScore
	}
	failShare := float64(failed) / float64(len(cycles))
	meanRisk := riskSum / float64(len(cycles)) / 100

	weights["cascade"] = clamp01(0.6*meanRisk + 0.4*failShare)
	weights["deadlock"] = clamp01(failShare)
	return weights
}

func complexityFromWeight(weight float64) int {
	switch {
	case weight >= 1.5:
		return 8
	case weight >= 1.1:
		return 5
	default:
		return 2
	}
}

func weightOf(weights map[string]float64, agent string) float64 {
	if w, ok := weights[agent]; ok {
		return w
	}
	return 1.0
}

func copyWeights(src map[string]float64) map[string]float64 {
	dst := make(map[string]float64, len(src))
	for k, v := range src {
		dst[k] = v
	}
	return dst
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
