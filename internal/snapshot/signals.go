package snapshot

import (
	"github.com/arbiterlabs/arbiter/internal/model"
)

// Signal derivation defaults used when a component has no data.
// Risk defaults low (no evidence of danger), uncertainty defaults to
// the midpoint (no history means we genuinely do not know).
const (
	defaultRiskComponent        = 0.0
	defaultUncertaintyComponent = 50.0
	defaultConfidence           = 50.0
)

// deriveSignals turns the raw snapshot contents into the five scoring
// inputs. Aggregated risk and uncertainty are a 50/50 blend of the
// orchestration-derived and reasoning-derived components; empty
// components fall back to safe defaults rather than dividing by zero.
func deriveSignals(gc *model.GlobalContext) model.Signals {
	return model.Signals{
		Readiness:   readinessSignal(gc.AgentHealth),
		Consistency: consistencySignal(gc.RecentRuns, gc.Memories),
		Confidence:  confidenceSignal(gc.RecentRuns),
		Risk:        blend(orchestrationRisk(gc.Orchestrations), reasoningRisk(gc.RecentRuns)),
		Uncertainty: blend(orchestrationUncertainty(gc.Orchestrations), reasoningUncertainty(gc.RecentRuns)),
	}
}

// readinessSignal is the mean agent health score. No agents means
// nothing is ready to execute.
func readinessSignal(health []model.AgentHealth) float64 {
	if len(health) == 0 {
		return 0
	}
	var sum float64
	for _, h := range health {
		sum += float64(h.Score)
	}
	return sum / float64(len(health))
}

// consistencySignal measures how reliably recent attempts concluded:
// the non-failure ratio of recent runs, weighted by memory importance
// coverage. With no history it starts from a neutral midpoint.
func consistencySignal(runs []model.AutonomyRun, memories []model.MemoryRecord) float64 {
	runComponent := defaultUncertaintyComponent
	if len(runs) > 0 {
		failed := 0
		for _, r := range runs {
			if r.Status == model.RunStatusFailed || r.Status == model.RunStatusHalted {
				failed++
			}
		}
		runComponent = 100 * float64(len(runs)-failed) / float64(len(runs))
	}

	memComponent := defaultUncertaintyComponent
	if len(memories) > 0 {
		var imp float64
		for _, m := range memories {
			imp += m.Importance
		}
		memComponent = 100 * imp / float64(len(memories))
	}

	return blend(runComponent, memComponent)
}

// confidenceSignal is the mean confidence score of recent runs.
func confidenceSignal(runs []model.AutonomyRun) float64 {
	if len(runs) == 0 {
		return defaultConfidence
	}
	var sum float64
	for _, r := range runs {
		sum += float64(r.Confidence)
	}
	return sum / float64(len(runs))
}

func orchestrationRisk(orch []model.OrchestrationRecord) float64 {
	if len(orch) == 0 {
		return defaultRiskComponent
	}
	var sum float64
	for _, o := range orch {
		sum += o.RiskScore
	}
	return sum / float64(len(orch))
}

func reasoningRisk(runs []model.AutonomyRun) float64 {
	if len(runs) == 0 {
		return defaultRiskComponent
	}
	var sum float64
	for _, r := range runs {
		sum += float64(r.Risk)
	}
	return sum / float64(len(runs))
}

func orchestrationUncertainty(orch []model.OrchestrationRecord) float64 {
	if len(orch) == 0 {
		return defaultUncertaintyComponent
	}
	var sum float64
	for _, o := range orch {
		sum += o.UncertaintyScore
	}
	return sum / float64(len(orch))
}

func reasoningUncertainty(runs []model.AutonomyRun) float64 {
	if len(runs) == 0 {
		return defaultUncertaintyComponent
	}
	var sum float64
	for _, r := range runs {
		sum += float64(r.Uncertainty)
	}
	return sum / float64(len(runs))
}

func blend(a, b float64) float64 {
	return 0.5*a + 0.5*b
}
