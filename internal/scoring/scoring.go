// Package scoring implements the autonomy scoring model: pure functions
// turning normalized 0-100 signals into an autonomy score, a discrete
// recommendation, and per-agent health classifications.
//
// Everything here is deterministic with no side effects and no I/O, so
// every rule is unit-testable with literal inputs.
package scoring

import (
	"math"
	"time"

	"github.com/arbiterlabs/arbiter/internal/model"
)

// Recommendation is the discrete outcome of evaluating the scoring model.
type Recommendation string

const (
	RecommendProceed  Recommendation = "proceed"
	RecommendValidate Recommendation = "validate"
	RecommendPause    Recommendation = "pause"
	RecommendHalt     Recommendation = "halt"
)

// Score computes the composite autonomy score from the five raw signals.
//
// The weighted base is 0.3*readiness + 0.3*consistency + 0.2*confidence
// - 0.2*risk, dampened by (1 - uncertainty/200), which spans 0.5-1.0
// for in-range uncertainty. The result is rounded, then clamped to
// [0,100]. Out-of-range inputs produce in-range output: the clamp is
// the invariant, not the inputs.
func Score(s model.Signals) int {
	weighted := 0.3*s.Readiness + 0.3*s.Consistency + 0.2*s.Confidence - 0.2*s.Risk
	dampening := 1 - clamp(s.Uncertainty, 0, 100)/200
	return int(clamp(math.Round(weighted*dampening), 0, 100))
}

// Recommend maps an autonomy score and its risk/uncertainty inputs to a
// recommendation. Rules are evaluated in strict precedence order; the
// safety gates on risk and uncertainty always win over the raw score,
// so a high score can never mask an unsafe reading.
//
// Risk is checked before uncertainty when both gates trip. That order
// is load-bearing and covered by tests; change it only with an explicit
// policy decision.
func Recommend(autonomyScore, risk, uncertainty int) Recommendation {
	switch {
	case risk >= 80:
		return RecommendHalt
	case risk >= 60 && autonomyScore < 60:
		return RecommendHalt
	case uncertainty >= 75:
		return RecommendPause
	case autonomyScore < 40:
		return RecommendValidate
	default:
		return RecommendProceed
	}
}

// AgentHealth scores one agent's health from its rolled-up telemetry.
//
// Deductions from a 100 baseline:
//   - success rate below 95: (95 - rate) * 0.5
//   - error rate above 5: rate * 2
//   - response time beyond 1.5x expected: up to 20, proportional to overrun
//   - last failure under 10 minutes ago: flat 15
//
// Classification: healthy >= 80, degraded >= 50, offline otherwise.
func AgentHealth(t model.AgentTelemetry, now time.Time) model.AgentHealth {
	score := 100.0

	if t.SuccessRate < 95 {
		score -= (95 - t.SuccessRate) * 0.5
	}

	if t.ErrorRate > 5 {
		score -= t.ErrorRate * 2
	}

	if t.ExpectedMs > 0 {
		threshold := 1.5 * t.ExpectedMs
		if t.AvgResponseMs > threshold {
			overrun := (t.AvgResponseMs - threshold) / threshold
			score -= math.Min(20, overrun*20)
		}
	}

	if t.LastFailureAt != nil && now.Sub(*t.LastFailureAt) < 10*time.Minute {
		score -= 15
	}

	final := int(clamp(math.Round(score), 0, 100))

	state := model.HealthOffline
	switch {
	case final >= 80:
		state = model.HealthHealthy
	case final >= 50:
		state = model.HealthDegraded
	}

	return model.AgentHealth{AgentID: t.AgentID, Score: final, State: state}
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
