// Package snapshot assembles point-in-time global context snapshots for
// autonomy evaluations. The four context sources (memories, recent runs,
// active orchestrations, agent telemetry) are independent I/O-bound
// queries and are fetched concurrently; a failed source degrades the
// snapshot instead of blocking the others.
package snapshot

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/metric"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"github.com/arbiterlabs/arbiter/internal/model"
	"github.com/arbiterlabs/arbiter/internal/scoring"
	"github.com/arbiterlabs/arbiter/internal/telemetry"
)

// ErrContextUnavailable is returned when every context source failed.
// Partial context is acceptable; total failure is not.
var ErrContextUnavailable = errors.New("snapshot: all context sources unavailable")

// Store is the read-only signal store surface the builder needs.
type Store interface {
	TopMemories(ctx context.Context, workspaceID uuid.UUID, limit int) ([]model.MemoryRecord, error)
	RunsSince(ctx context.Context, workspaceID uuid.UUID, since time.Time) ([]model.AutonomyRun, error)
	ActiveOrchestrations(ctx context.Context, workspaceID uuid.UUID) ([]model.OrchestrationRecord, error)
	AgentTelemetry(ctx context.Context, workspaceID uuid.UUID) ([]model.AgentTelemetry, error)
}

// Builder builds global context snapshots.
type Builder struct {
	store        Store
	logger       *slog.Logger
	memoryLimit  int
	runLookback  time.Duration
	fetchTimeout time.Duration

	group         singleflight.Group
	buildDuration metric.Float64Histogram
}

// Config holds builder tuning knobs.
type Config struct {
	MemoryLimit  int           // how many top memories to include
	RunLookback  time.Duration // window for recent reasoning outcomes
	FetchTimeout time.Duration // per-source timeout
}

// New creates a snapshot builder.
func New(store Store, logger *slog.Logger, cfg Config) *Builder {
	if cfg.MemoryLimit <= 0 {
		cfg.MemoryLimit = 20
	}
	if cfg.RunLookback <= 0 {
		cfg.RunLookback = time.Hour
	}
	if cfg.FetchTimeout <= 0 {
		cfg.FetchTimeout = 5 * time.Second
	}
	meter := telemetry.Meter("arbiter/snapshot")
	buildDur, _ := meter.Float64Histogram("arbiter.snapshot.build.duration",
		metric.WithDescription("Time to build a context snapshot (ms)"),
		metric.WithUnit("ms"),
	)
	return &Builder{
		store:         store,
		logger:        logger,
		memoryLimit:   cfg.MemoryLimit,
		runLookback:   cfg.RunLookback,
		fetchTimeout:  cfg.FetchTimeout,
		buildDuration: buildDur,
	}
}

// Build assembles a snapshot for the workspace. Concurrent callers for
// the same workspace share one in-flight build; the result is never
// cached beyond that, so no call observes stale signals.
func (b *Builder) Build(ctx context.Context, workspaceID uuid.UUID) (*model.GlobalContext, error) {
	v, err, _ := b.group.Do(workspaceID.String(), func() (any, error) {
		return b.build(ctx, workspaceID)
	})
	if err != nil {
		return nil, err
	}
	return v.(*model.GlobalContext), nil
}

func (b *Builder) build(ctx context.Context, workspaceID uuid.UUID) (*model.GlobalContext, error) {
	start := time.Now()
	now := start.UTC()

	gc := &model.GlobalContext{
		WorkspaceID: workspaceID,
		BuiltAt:     now,
	}

	// Each fetch records its own failure instead of returning an error,
	// so one unreachable source never cancels the others.
	var fetchErrs [4]error
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		fctx, cancel := context.WithTimeout(gctx, b.fetchTimeout)
		defer cancel()
		mems, err := b.store.TopMemories(fctx, workspaceID, b.memoryLimit)
		if err != nil {
			fetchErrs[0] = fmt.Errorf("memories: %w", err)
			return nil
		}
		gc.Memories = mems
		return nil
	})
	g.Go(func() error {
		fctx, cancel := context.WithTimeout(gctx, b.fetchTimeout)
		defer cancel()
		runs, err := b.store.RunsSince(fctx, workspaceID, now.Add(-b.runLookback))
		if err != nil {
			fetchErrs[1] = fmt.Errorf("runs: %w", err)
			return nil
		}
		gc.RecentRuns = runs
		return nil
	})
	g.Go(func() error {
		fctx, cancel := context.WithTimeout(gctx, b.fetchTimeout)
		defer cancel()
		orch, err := b.store.ActiveOrchestrations(fctx, workspaceID)
		if err != nil {
			fetchErrs[2] = fmt.Errorf("orchestrations: %w", err)
			return nil
		}
		gc.Orchestrations = orch
		return nil
	})
	g.Go(func() error {
		fctx, cancel := context.WithTimeout(gctx, b.fetchTimeout)
		defer cancel()
		tel, err := b.store.AgentTelemetry(fctx, workspaceID)
		if err != nil {
			fetchErrs[3] = fmt.Errorf("telemetry: %w", err)
			return nil
		}
		gc.AgentHealth = scoreAgents(tel, now)
		return nil
	})
	_ = g.Wait()

	failed := 0
	for _, err := range fetchErrs {
		if err != nil {
			failed++
			gc.Degraded = append(gc.Degraded, err.Error())
			b.logger.Warn("snapshot: context source failed", "workspace_id", workspaceID, "error", err)
		}
	}
	if failed == len(fetchErrs) {
		return nil, fmt.Errorf("%w: %v", ErrContextUnavailable, gc.Degraded)
	}

	gc.Signals = deriveSignals(gc)
	b.buildDuration.Record(ctx, float64(time.Since(start).Milliseconds()))
	return gc, nil
}

func scoreAgents(tel []model.AgentTelemetry, now time.Time) []model.AgentHealth {
	health := make([]model.AgentHealth, len(tel))
	for i, t := range tel {
		health[i] = scoring.AgentHealth(t, now)
	}
	// Stable output order for snapshot serialization.
	sort.Slice(health, func(i, j int) bool { return health[i].AgentID < health[j].AgentID })
	return health
}
