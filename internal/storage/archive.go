package storage

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/arbiterlabs/arbiter/internal/model"
)

// Archive persists a run summary to long-term memory. Archival happens
// before the run is marked completed, so a crash between the two leaves
// an archived summary for a run still shown as running, never the
// reverse. Re-archiving the same run overwrites the prior summary.
func (db *DB) Archive(ctx context.Context, summary model.RunSummary) error {
	_, err := db.pool.Exec(ctx,
		`INSERT INTO run_archive
		   (run_id, workspace_id, objective, status, autonomy_score,
		    readiness, consistency, confidence, risk, uncertainty,
		    active_agents, total_steps, completed_steps, failed_steps, archived_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)
		 ON CONFLICT (run_id) DO UPDATE SET
		   status = EXCLUDED.status,
		   autonomy_score = EXCLUDED.autonomy_score,
		   readiness = EXCLUDED.readiness,
		   consistency = EXCLUDED.consistency,
		   confidence = EXCLUDED.confidence,
		   risk = EXCLUDED.risk,
		   uncertainty = EXCLUDED.uncertainty,
		   active_agents = EXCLUDED.active_agents,
		   total_steps = EXCLUDED.total_steps,
		   completed_steps = EXCLUDED.completed_steps,
		   failed_steps = EXCLUDED.failed_steps,
		   archived_at = EXCLUDED.archived_at`,
		summary.RunID, summary.WorkspaceID, summary.Objective, string(summary.Status),
		summary.AutonomyScore, summary.Readiness, summary.Consistency, summary.Confidence,
		summary.Risk, summary.Uncertainty, summary.ActiveAgents,
		summary.TotalSteps, summary.CompletedSteps, summary.FailedSteps, summary.ArchivedAt,
	)
	if err != nil {
		return fmt.Errorf("storage: archive run: %w", err)
	}
	return nil
}

// ArchivedSummary retrieves the archived summary for a run.
func (db *DB) ArchivedSummary(ctx context.Context, runID uuid.UUID) (model.RunSummary, error) {
	var (
		s      model.RunSummary
		status string
	)
	err := db.pool.QueryRow(ctx,
		`SELECT run_id, workspace_id, objective, status, autonomy_score,
		        readiness, consistency, confidence, risk, uncertainty,
		        active_agents, total_steps, completed_steps, failed_steps, archived_at
		 FROM run_archive WHERE run_id = $1`,
		runID,
	).Scan(
		&s.RunID, &s.WorkspaceID, &s.Objective, &status, &s.AutonomyScore,
		&s.Readiness, &s.Consistency, &s.Confidence, &s.Risk, &s.Uncertainty,
		&s.ActiveAgents, &s.TotalSteps, &s.CompletedSteps, &s.FailedSteps, &s.ArchivedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.RunSummary{}, fmt.Errorf("storage: archive %s: %w", runID, ErrNotFound)
		}
		return model.RunSummary{}, fmt.Errorf("storage: archived summary: %w", err)
	}
	s.Status = model.RunStatus(status)
	return s, nil
}
