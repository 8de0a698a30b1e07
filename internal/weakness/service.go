// Package weakness detects and groups recurring systemic weaknesses:
// memory contradictions, agent degradation, orchestration bottlenecks,
// cross-agent conflicts, and temporal failure patterns.
//
// Five independent detectors run over the same lookback window. Each
// detector that produced findings contributes exactly one cluster per
// analysis pass. Clusters are recomputed every pass, carry no identity
// between passes, and may overlap in affected entities: deduplication
// across clusters is deliberately not performed.
package weakness

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/arbiterlabs/arbiter/internal/model"
)

// Store is the read-only signal store surface the detectors need.
type Store interface {
	RunsSince(ctx context.Context, workspaceID uuid.UUID, since time.Time) ([]model.AutonomyRun, error)
	MemoriesSince(ctx context.Context, workspaceID uuid.UUID, since time.Time) ([]model.MemoryRecord, error)
	EventsSince(ctx context.Context, since time.Time) ([]model.AutonomyEvent, error)
	OrchestrationsSince(ctx context.Context, workspaceID uuid.UUID, since time.Time) ([]model.OrchestrationRecord, error)
}

// Service runs weakness analysis passes.
type Service struct {
	store    Store
	logger   *slog.Logger
	lookback time.Duration
}

// New creates a weakness analysis service.
func New(store Store, logger *slog.Logger, lookback time.Duration) *Service {
	if lookback <= 0 {
		lookback = time.Hour
	}
	return &Service{store: store, logger: logger, lookback: lookback}
}

// Detect runs all five detectors over the current lookback window and
// returns one cluster per detector that found anything.
func (s *Service) Detect(ctx context.Context, workspaceID uuid.UUID) ([]model.WeaknessCluster, error) {
	now := time.Now().UTC()
	since := now.Add(-s.lookback)

	var (
		runs     []model.AutonomyRun
		memories []model.MemoryRecord
		events   []model.AutonomyEvent
		orch     []model.OrchestrationRecord
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		if runs, err = s.store.RunsSince(gctx, workspaceID, since); err != nil {
			return fmt.Errorf("weakness: fetch runs: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		var err error
		if memories, err = s.store.MemoriesSince(gctx, workspaceID, since); err != nil {
			return fmt.Errorf("weakness: fetch memories: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		var err error
		if events, err = s.store.EventsSince(gctx, since); err != nil {
			return fmt.Errorf("weakness: fetch events: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		var err error
		if orch, err = s.store.OrchestrationsSince(gctx, workspaceID, since); err != nil {
			return fmt.Errorf("weakness: fetch orchestrations: %w", err)
		}
		return nil
	})
	if err := g.Wait(); err != nil {
		return nil, err
	}

	window := analysisWindow{from: since, to: now}

	var clusters []model.WeaknessCluster
	for _, detect := range []func() *model.WeaknessCluster{
		func() *model.WeaknessCluster { return detectMemoryContradictions(memories, now) },
		func() *model.WeaknessCluster { return detectAgentDegradation(events, window, now) },
		func() *model.WeaknessCluster { return detectOrchestrationBottlenecks(orch, now) },
		func() *model.WeaknessCluster { return detectCrossAgentConflicts(runs, now) },
		func() *model.WeaknessCluster { return detectTemporalPatterns(runs, now) },
	} {
		if c := detect(); c != nil {
			clusters = append(clusters, *c)
		}
	}

	s.logger.Debug("weakness analysis finished",
		"workspace_id", workspaceID, "clusters", len(clusters),
		"runs", len(runs), "memories", len(memories), "events", len(events))
	return clusters, nil
}

type analysisWindow struct {
	from, to time.Time
}

// baselineCutoff is the boundary of the first 20% of the window, used
// as the comparison baseline for degradation detection.
func (w analysisWindow) baselineCutoff() time.Time {
	return w.from.Add(w.to.Sub(w.from) / 5)
}
