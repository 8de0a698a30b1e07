package weakness

import (
	"fmt"
	"sort"
	"time"

	"github.com/arbiterlabs/arbiter/internal/model"
)

// Degradation thresholds: success rate dropping more than 5 points
// against the baseline, or an error rate above 15%, flags an agent.
const (
	successDropThreshold = 5.0
	errorRateThreshold   = 15.0
)

type agentTally struct {
	completed int
	failed    int
}

func (t agentTally) total() int { return t.completed + t.failed }

func (t agentTally) successRate() float64 {
	if t.total() == 0 {
		return 100
	}
	return 100 * float64(t.completed) / float64(t.total())
}

func (t agentTally) errorRate() float64 {
	if t.total() == 0 {
		return 0
	}
	return 100 * float64(t.failed) / float64(t.total())
}

// detectAgentDegradation compares per-agent step outcomes in the first
// 20% of the window (baseline) against the remainder.
func detectAgentDegradation(events []model.AutonomyEvent, w analysisWindow, now time.Time) *model.WeaknessCluster {
	cutoff := w.baselineCutoff()
	baseline := map[string]*agentTally{}
	recent := map[string]*agentTally{}

	for _, e := range events {
		if e.AgentID == nil {
			continue
		}
		var bucket map[string]*agentTally
		if e.CreatedAt.Before(cutoff) {
			bucket = baseline
		} else {
			bucket = recent
		}
		t := bucket[*e.AgentID]
		if t == nil {
			t = &agentTally{}
			bucket[*e.AgentID] = t
		}
		switch e.EventType {
		case model.EventAgentCompleted:
			t.completed++
		case model.EventAgentFailed:
			t.failed++
		}
	}

	var nodes []model.WeaknessNode
	var agents []string
	for agent, r := range recent {
		if r.total() == 0 {
			continue
		}
		base, hasBaseline := baseline[agent]
		drop := 0.0
		if hasBaseline && base.total() > 0 {
			drop = base.successRate() - r.successRate()
		}
		if drop <= successDropThreshold && r.errorRate() <= errorRateThreshold {
			continue
		}
		severity := (drop + r.errorRate()) / 100
		if severity > 1 {
			severity = 1
		}
		nodes = append(nodes, model.WeaknessNode{
			Kind:     "agent",
			Ref:      agent,
			Detail:   fmt.Sprintf("success rate %.1f%% (drop %.1f), error rate %.1f%%", r.successRate(), drop, r.errorRate()),
			Severity: severity,
		})
		agents = append(agents, agent)
	}
	if len(nodes) == 0 {
		return nil
	}
	sort.Slice(nodes, func(i, j int) bool { return nodes[i].Ref < nodes[j].Ref })
	sort.Strings(agents)

	return &model.WeaknessCluster{
		Type:           model.WeaknessAgentDegradation,
		Severity:       severityTier(maxNodeSeverity(nodes)),
		Confidence:     confidenceFromFindings(len(nodes)),
		Nodes:          nodes,
		RootCauses:     []string{"agent success rate degrading against window baseline"},
		AffectedAgents: agents,
		DetectedAt:     now,
	}
}

// detectOrchestrationBottlenecks flags completed orchestrations whose
// execution time exceeded 1.5x the window average.
func detectOrchestrationBottlenecks(orch []model.OrchestrationRecord, now time.Time) *model.WeaknessCluster {
	type timed struct {
		rec      model.OrchestrationRecord
		duration time.Duration
	}
	var completed []timed
	var total time.Duration
	for _, o := range orch {
		if o.CompletedAt == nil {
			continue
		}
		d := o.CompletedAt.Sub(o.StartedAt)
		completed = append(completed, timed{rec: o, duration: d})
		total += d
	}
	if len(completed) == 0 {
		return nil
	}
	avg := total / time.Duration(len(completed))
	threshold := avg + avg/2

	var nodes []model.WeaknessNode
	agentSet := map[string]bool{}
	for _, t := range completed {
		if t.duration <= threshold {
			continue
		}
		ratio := float64(t.duration) / float64(avg)
		severity := (ratio - 1.5) / 3
		if severity > 1 {
			severity = 1
		}
		if severity < 0.1 {
			severity = 0.1
		}
		nodes = append(nodes, model.WeaknessNode{
			Kind:     "orchestration",
			Ref:      t.rec.ID.String(),
			Detail:   fmt.Sprintf("took %s against a %s window average", t.duration.Round(time.Millisecond), avg.Round(time.Millisecond)),
			Severity: severity,
		})
		for _, a := range t.rec.AgentChain {
			agentSet[a] = true
		}
	}
	if len(nodes) == 0 {
		return nil
	}

	return &model.WeaknessCluster{
		Type:           model.WeaknessOrchestrationBottleneck,
		Severity:       severityTier(maxNodeSeverity(nodes)),
		Confidence:     confidenceFromFindings(len(nodes)),
		Nodes:          nodes,
		RootCauses:     []string{"task execution time exceeding 1.5x window average"},
		AffectedAgents: sortedKeys(agentSet),
		DetectedAt:     now,
	}
}

// detectCrossAgentConflicts flags runs that used more than one agent
// and recorded failed steps.
func detectCrossAgentConflicts(runs []model.AutonomyRun, now time.Time) *model.WeaknessCluster {
	var nodes []model.WeaknessNode
	agentSet := map[string]bool{}
	for _, r := range runs {
		if len(r.ActiveAgents) <= 1 || r.FailedSteps == 0 {
			continue
		}
		severity := float64(r.FailedSteps) / float64(max(r.TotalSteps, 1))
		nodes = append(nodes, model.WeaknessNode{
			Kind:     "run",
			Ref:      r.ID.String(),
			Detail:   fmt.Sprintf("%d of %d steps failed across %d agents", r.FailedSteps, r.TotalSteps, len(r.ActiveAgents)),
			Severity: severity,
		})
		for _, a := range r.ActiveAgents {
			agentSet[a] = true
		}
	}
	if len(nodes) == 0 {
		return nil
	}

	return &model.WeaknessCluster{
		Type:           model.WeaknessCrossAgentConflict,
		Severity:       severityTier(maxNodeSeverity(nodes)),
		Confidence:     confidenceFromFindings(len(nodes)),
		Nodes:          nodes,
		RootCauses:     []string{"multi-agent runs losing steps to cross-agent interference"},
		AffectedAgents: sortedKeys(agentSet),
		DetectedAt:     now,
	}
}

// Temporal failure-rate thresholds per bucket kind, and the minimum
// bucket population considered meaningful.
const (
	hourlyFailureThreshold = 0.30
	dailyFailureThreshold  = 0.25
	minBucketRuns          = 2
)

// detectTemporalPatterns buckets runs by hour-of-day and day-of-week
// and flags buckets with disproportionate failure rates.
func detectTemporalPatterns(runs []model.AutonomyRun, now time.Time) *model.WeaknessCluster {
	type bucket struct {
		total  int
		failed int
	}
	hours := map[int]*bucket{}
	days := map[time.Weekday]*bucket{}

	for _, r := range runs {
		h := hours[r.CreatedAt.Hour()]
		if h == nil {
			h = &bucket{}
			hours[r.CreatedAt.Hour()] = h
		}
		d := days[r.CreatedAt.Weekday()]
		if d == nil {
			d = &bucket{}
			days[r.CreatedAt.Weekday()] = d
		}
		h.total++
		d.total++
		if r.Status == model.RunStatusFailed {
			h.failed++
			d.failed++
		}
	}

	var nodes []model.WeaknessNode
	for hour, b := range hours {
		if b.total < minBucketRuns {
			continue
		}
		rate := float64(b.failed) / float64(b.total)
		if rate <= hourlyFailureThreshold {
			continue
		}
		nodes = append(nodes, model.WeaknessNode{
			Kind:     "bucket",
			Ref:      fmt.Sprintf("hour:%02d", hour),
			Detail:   fmt.Sprintf("%.0f%% of %d runs failed in this hour bucket", rate*100, b.total),
			Severity: rate,
		})
	}
	for day, b := range days {
		if b.total < minBucketRuns {
			continue
		}
		rate := float64(b.failed) / float64(b.total)
		if rate <= dailyFailureThreshold {
			continue
		}
		nodes = append(nodes, model.WeaknessNode{
			Kind:     "bucket",
			Ref:      "day:" + day.String(),
			Detail:   fmt.Sprintf("%.0f%% of %d runs failed on this weekday", rate*100, b.total),
			Severity: rate,
		})
	}
	if len(nodes) == 0 {
		return nil
	}
	sort.Slice(nodes, func(i, j int) bool { return nodes[i].Ref < nodes[j].Ref })

	return &model.WeaknessCluster{
		Type:       model.WeaknessTemporalPattern,
		Severity:   severityTier(maxNodeSeverity(nodes)),
		Confidence: confidenceFromFindings(len(nodes)),
		Nodes:      nodes,
		RootCauses: []string{"failure rate concentrated in specific time buckets"},
		DetectedAt: now,
	}
}

func maxNodeSeverity(nodes []model.WeaknessNode) float64 {
	var m float64
	for _, n := range nodes {
		if n.Severity > m {
			m = n.Severity
		}
	}
	return m
}

func sortedKeys(set map[string]bool) []string {
	keys := make([]string, 0, len(set))
	for k := range set {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
