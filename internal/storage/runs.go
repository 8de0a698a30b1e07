package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/arbiterlabs/arbiter/internal/engine"
	"github.com/arbiterlabs/arbiter/internal/model"
)

const runColumns = `id, workspace_id, objective, global_context,
	readiness, consistency, confidence, risk, uncertainty, autonomy_score,
	active_agents, total_steps, completed_steps, failed_steps,
	status, cancel_requested, created_at, started_at, completed_at`

// CreateRun inserts a new run with its run_created event in one
// transaction, so even the initial pending status carries its
// justifying event.
func (db *DB) CreateRun(ctx context.Context, run model.AutonomyRun, created model.AutonomyEvent) error {
	return pgx.BeginFunc(ctx, db.pool, func(tx pgx.Tx) error {
		_, err := tx.Exec(ctx,
			`INSERT INTO autonomy_runs (id, workspace_id, objective, status, active_agents, cancel_requested, created_at)
			 VALUES ($1, $2, $3, $4, $5, false, $6)`,
			run.ID, run.WorkspaceID, run.Objective, string(run.Status), run.ActiveAgents, run.CreatedAt,
		)
		if err != nil {
			return fmt.Errorf("storage: insert run: %w", err)
		}
		return insertEvent(ctx, tx, created)
	})
}

// GetRun retrieves a run by ID.
func (db *DB) GetRun(ctx context.Context, id uuid.UUID) (model.AutonomyRun, error) {
	row := db.pool.QueryRow(ctx,
		`SELECT `+runColumns+` FROM autonomy_runs WHERE id = $1`, id)
	run, err := scanRun(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.AutonomyRun{}, fmt.Errorf("storage: run %s: %w", id, ErrNotFound)
		}
		return model.AutonomyRun{}, fmt.Errorf("storage: get run: %w", err)
	}
	return run, nil
}

// RunsSince returns runs for a workspace created at or after the cutoff,
// newest first.
func (db *DB) RunsSince(ctx context.Context, workspaceID uuid.UUID, since time.Time) ([]model.AutonomyRun, error) {
	rows, err := db.pool.Query(ctx,
		`SELECT `+runColumns+`
		 FROM autonomy_runs
		 WHERE workspace_id = $1 AND created_at >= $2
		 ORDER BY created_at DESC`,
		workspaceID, since,
	)
	if err != nil {
		return nil, fmt.Errorf("storage: list runs: %w", err)
	}
	defer rows.Close()

	var runs []model.AutonomyRun
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("storage: scan run: %w", err)
		}
		runs = append(runs, run)
	}
	return runs, rows.Err()
}

// TransitionRun applies a conditional status update paired atomically
// with its justifying event. The update is conditional on the expected
// prior status; a mismatch means another worker advanced the run first
// and yields engine.ErrTransitionConflict.
func (db *DB) TransitionRun(ctx context.Context, runID uuid.UUID, from, to model.RunStatus, ev model.AutonomyEvent) error {
	err := pgx.BeginFunc(ctx, db.pool, func(tx pgx.Tx) error {
		var completedAt, startedAt *time.Time
		now := time.Now().UTC()
		if to.Terminal() {
			completedAt = &now
		}
		if to == model.RunStatusRunning {
			startedAt = &now
		}
		tag, err := tx.Exec(ctx,
			`UPDATE autonomy_runs
			 SET status = $1,
			     started_at = COALESCE($2, started_at),
			     completed_at = COALESCE($3, completed_at)
			 WHERE id = $4 AND status = $5`,
			string(to), startedAt, completedAt, runID, string(from),
		)
		if err != nil {
			return fmt.Errorf("storage: transition run: %w", err)
		}
		if tag.RowsAffected() == 0 {
			var exists bool
			if err := tx.QueryRow(ctx,
				`SELECT EXISTS (SELECT 1 FROM autonomy_runs WHERE id = $1)`, runID,
			).Scan(&exists); err != nil {
				return fmt.Errorf("storage: transition run: %w", err)
			}
			if !exists {
				return fmt.Errorf("storage: run %s: %w", runID, ErrNotFound)
			}
			return fmt.Errorf("storage: run %s not in %s: %w", runID, from, engine.ErrTransitionConflict)
		}
		return insertEvent(ctx, tx, ev)
	})
	if err != nil {
		return err
	}

	// Post-commit notification for subscribers; best-effort.
	payload, merr := json.Marshal(map[string]string{"run_id": runID.String(), "status": string(to)})
	if merr == nil {
		if nerr := db.Notify(ctx, ChannelRuns, string(payload)); nerr != nil {
			db.logger.Debug("storage: run notify failed", "run_id", runID, "error", nerr)
		}
	}
	return nil
}

// UpdateRunScores persists the scoring outcome and context snapshot.
func (db *DB) UpdateRunScores(ctx context.Context, runID uuid.UUID, s model.Signals, autonomyScore int, globalContext json.RawMessage) error {
	tag, err := db.pool.Exec(ctx,
		`UPDATE autonomy_runs
		 SET readiness = $1, consistency = $2, confidence = $3,
		     risk = $4, uncertainty = $5, autonomy_score = $6,
		     global_context = $7
		 WHERE id = $8`,
		clampScore(s.Readiness), clampScore(s.Consistency), clampScore(s.Confidence),
		clampScore(s.Risk), clampScore(s.Uncertainty), autonomyScore,
		[]byte(globalContext), runID,
	)
	if err != nil {
		return fmt.Errorf("storage: update run scores: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("storage: run %s: %w", runID, ErrNotFound)
	}
	return nil
}

// UpdateRunProgress persists the active agent set and step counters.
func (db *DB) UpdateRunProgress(ctx context.Context, runID uuid.UUID, activeAgents []string, total, completed, failed int) error {
	tag, err := db.pool.Exec(ctx,
		`UPDATE autonomy_runs
		 SET active_agents = $1, total_steps = $2, completed_steps = $3, failed_steps = $4
		 WHERE id = $5`,
		activeAgents, total, completed, failed, runID,
	)
	if err != nil {
		return fmt.Errorf("storage: update run progress: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("storage: run %s: %w", runID, ErrNotFound)
	}
	return nil
}

// RequestCancellation sets the cooperative cancellation flag. Only
// non-terminal runs can be flagged.
func (db *DB) RequestCancellation(ctx context.Context, runID uuid.UUID) error {
	tag, err := db.pool.Exec(ctx,
		`UPDATE autonomy_runs SET cancel_requested = true
		 WHERE id = $1 AND status NOT IN ('paused', 'completed', 'failed', 'halted')`,
		runID,
	)
	if err != nil {
		return fmt.Errorf("storage: request cancellation: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("storage: run %s not found or already terminal: %w", runID, ErrNotFound)
	}
	return nil
}

// CancelRequested reads the cooperative cancellation flag.
func (db *DB) CancelRequested(ctx context.Context, runID uuid.UUID) (bool, error) {
	var requested bool
	err := db.pool.QueryRow(ctx,
		`SELECT cancel_requested FROM autonomy_runs WHERE id = $1`, runID,
	).Scan(&requested)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return false, fmt.Errorf("storage: run %s: %w", runID, ErrNotFound)
		}
		return false, fmt.Errorf("storage: cancel requested: %w", err)
	}
	return requested, nil
}

// ScoreWindowStats computes mean autonomy/risk/uncertainty scores over
// runs created inside [from, to).
func (db *DB) ScoreWindowStats(ctx context.Context, workspaceID uuid.UUID, from, to time.Time) (model.ScoreStats, error) {
	var stats model.ScoreStats
	err := db.pool.QueryRow(ctx,
		`SELECT COUNT(*),
		        COALESCE(AVG(autonomy_score), 0),
		        COALESCE(AVG(risk), 0),
		        COALESCE(AVG(uncertainty), 0)
		 FROM autonomy_runs
		 WHERE workspace_id = $1 AND created_at >= $2 AND created_at < $3`,
		workspaceID, from, to,
	).Scan(&stats.Runs, &stats.MeanAutonomy, &stats.MeanRisk, &stats.MeanUncertainty)
	if err != nil {
		return model.ScoreStats{}, fmt.Errorf("storage: score window stats: %w", err)
	}
	return stats, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRun(row rowScanner) (model.AutonomyRun, error) {
	var run model.AutonomyRun
	var globalCtx []byte
	err := row.Scan(
		&run.ID, &run.WorkspaceID, &run.Objective, &globalCtx,
		&run.Readiness, &run.Consistency, &run.Confidence, &run.Risk, &run.Uncertainty, &run.AutonomyScore,
		&run.ActiveAgents, &run.TotalSteps, &run.CompletedSteps, &run.FailedSteps,
		&run.Status, &run.CancelRequested, &run.CreatedAt, &run.StartedAt, &run.CompletedAt,
	)
	if err != nil {
		return model.AutonomyRun{}, err
	}
	run.GlobalContext = globalCtx
	return run, nil
}

func clampScore(v float64) int {
	if v < 0 {
		return 0
	}
	if v > 100 {
		return 100
	}
	return int(v + 0.5)
}
