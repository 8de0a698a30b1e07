package prediction

import (
	"math"

	"github.com/arbiterlabs/arbiter/internal/model"
)

// analyzeSignals computes the six normalized signals (0-100) from the
// lookback window. Derivations:
//
//	risk:              mean risk score of runs in the window
//	uncertainty:       mean uncertainty score of runs in the window
//	memory:            100 * (1 - mean memory importance); low-value
//	                   memory dominating the store is a corruption proxy
//	agent_performance: 100 * failed steps / total steps (inverted scale:
//	                   higher means worse)
//	orchestration:     100 * share of runs that did not complete
//	error:             100 * share of events with severity >= 4
//
// All six are on a "higher is worse" scale except none: every signal
// feeding the overall risk score points the same direction.
func analyzeSignals(w *windowData) model.SignalAnalysis {
	return model.SignalAnalysis{
		Risk:             meanRunField(w.runs, func(r model.AutonomyRun) float64 { return float64(r.Risk) }),
		Uncertainty:      meanRunField(w.runs, func(r model.AutonomyRun) float64 { return float64(r.Uncertainty) }),
		Memory:           memorySignal(w.memories),
		AgentPerformance: agentPerformanceSignal(w.runs),
		Orchestration:    orchestrationSignal(w.runs),
		Error:            errorSignal(w.events),
	}
}

func meanRunField(runs []model.AutonomyRun, field func(model.AutonomyRun) float64) float64 {
	if len(runs) == 0 {
		return 0
	}
	var sum float64
	for _, r := range runs {
		sum += field(r)
	}
	return sum / float64(len(runs))
}

func memorySignal(memories []model.MemoryRecord) float64 {
	if len(memories) == 0 {
		return 0
	}
	var imp float64
	for _, m := range memories {
		imp += clamp01(m.Importance)
	}
	return 100 * (1 - imp/float64(len(memories)))
}

func agentPerformanceSignal(runs []model.AutonomyRun) float64 {
	var total, failed int
	for _, r := range runs {
		total += r.TotalSteps
		failed += r.FailedSteps
	}
	if total == 0 {
		return 0
	}
	return 100 * float64(failed) / float64(total)
}

func orchestrationSignal(runs []model.AutonomyRun) float64 {
	if len(runs) == 0 {
		return 0
	}
	notCompleted := 0
	for _, r := range runs {
		if r.Status != model.RunStatusCompleted {
			notCompleted++
		}
	}
	return 100 * float64(notCompleted) / float64(len(runs))
}

func errorSignal(events []model.AutonomyEvent) float64 {
	if len(events) == 0 {
		return 0
	}
	severe := 0
	for _, e := range events {
		if e.Severity >= model.SeverityHigh {
			severe++
		}
	}
	return 100 * float64(severe) / float64(len(events))
}

// ClassifyTrend compares the mean of the 3 most recent values against
// the mean of the 3 oldest values in the series (oldest first). A
// relative change above 15% in either direction is significant; fewer
// than 6 samples is always stable. Higher values mean worse, so a
// rising series classifies as worsening.
func ClassifyTrend(series []float64) model.Trend {
	if len(series) < 6 {
		return model.TrendStable
	}
	oldest := mean(series[:3])
	newest := mean(series[len(series)-3:])
	if oldest == 0 {
		if newest == 0 {
			return model.TrendStable
		}
		return model.TrendWorsening
	}
	change := (newest - oldest) / math.Abs(oldest)
	switch {
	case change > 0.15:
		return model.TrendWorsening
	case change < -0.15:
		return model.TrendImproving
	default:
		return model.TrendStable
	}
}

func mean(values []float64) float64 {
	var sum float64
	for _, v := range values {
		sum += v
	}
	return sum / float64(len(values))
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
