package model

import (
	"time"

	"github.com/google/uuid"
)

// WeaknessType names one of the five weakness detectors.
type WeaknessType string

const (
	WeaknessMemoryContradiction     WeaknessType = "memory_contradiction"
	WeaknessAgentDegradation        WeaknessType = "agent_degradation"
	WeaknessOrchestrationBottleneck WeaknessType = "orchestration_bottleneck"
	WeaknessCrossAgentConflict      WeaknessType = "cross_agent_conflict"
	WeaknessTemporalPattern         WeaknessType = "temporal_pattern"
)

// WeaknessNode is one finding inside a cluster.
type WeaknessNode struct {
	Kind     string  `json:"kind"`          // "memory", "agent", "orchestration", "run", "bucket"
	Ref      string  `json:"ref"`           // entity identifier or bucket label
	Detail   string  `json:"detail"`        // human-readable finding
	Severity float64 `json:"severity"`      // 0-1
}

// WeaknessCluster groups related weakness findings produced by one
// detector in one analysis pass. Clusters are recomputed each cycle
// and carry no identity across passes; clusters from different
// detectors may overlap in affected entities.
type WeaknessCluster struct {
	Type             WeaknessType   `json:"type"`
	Severity         int            `json:"severity"`   // 1-5
	Confidence       int            `json:"confidence"` // 0-100
	Nodes            []WeaknessNode `json:"nodes"`
	RootCauses       []string       `json:"root_causes"`
	AffectedAgents   []string       `json:"affected_agents,omitempty"`
	AffectedMemories []uuid.UUID    `json:"affected_memories,omitempty"`
	DetectedAt       time.Time      `json:"detected_at"`
}
