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

const cycleColumns = `id, workspace_id, cycle_type, status,
	predicted_probability, predicted_confidence, affected_agents,
	actions, results, risk_score, effectiveness, created_at, completed_at`

// CreateCycle inserts a new correction cycle in its pending state.
func (db *DB) CreateCycle(ctx context.Context, cycle model.CorrectionCycle) error {
	actions, err := json.Marshal(cycle.Actions)
	if err != nil {
		return fmt.Errorf("storage: marshal actions: %w", err)
	}
	_, err = db.pool.Exec(ctx,
		`INSERT INTO correction_cycles
		   (id, workspace_id, cycle_type, status, predicted_probability, predicted_confidence,
		    affected_agents, actions, risk_score, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		cycle.ID, cycle.WorkspaceID, string(cycle.Type), string(cycle.Status),
		cycle.PredictedProbability, cycle.PredictedConfidence,
		cycle.AffectedAgents, actions, cycle.RiskScore, cycle.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("storage: insert cycle: %w", err)
	}
	return nil
}

// TransitionCycle applies a conditional status update. The update is
// conditional on the expected prior status; a mismatch means another
// worker advanced the cycle first.
func (db *DB) TransitionCycle(ctx context.Context, cycleID uuid.UUID, from, to model.CycleStatus) error {
	tag, err := db.pool.Exec(ctx,
		`UPDATE correction_cycles
		 SET status = $1,
		     completed_at = CASE WHEN $4 THEN now() ELSE completed_at END
		 WHERE id = $2 AND status = $3`,
		string(to), cycleID, string(from), to.Terminal(),
	)
	if err != nil {
		return fmt.Errorf("storage: transition cycle: %w", err)
	}
	if tag.RowsAffected() == 0 {
		var exists bool
		if err := db.pool.QueryRow(ctx,
			`SELECT EXISTS (SELECT 1 FROM correction_cycles WHERE id = $1)`, cycleID,
		).Scan(&exists); err != nil {
			return fmt.Errorf("storage: transition cycle: %w", err)
		}
		if !exists {
			return fmt.Errorf("storage: cycle %s: %w", cycleID, ErrNotFound)
		}
		return fmt.Errorf("storage: cycle %s not in %s: %w", cycleID, from, engine.ErrTransitionConflict)
	}
	if nerr := db.Notify(ctx, ChannelCycles, cycleID.String()); nerr != nil {
		db.logger.Debug("storage: cycle notify failed", "cycle_id", cycleID, "error", nerr)
	}
	return nil
}

// SaveCycleResults persists the outcome fields of a cycle after its
// analysis, execution, or validation phase updated them.
func (db *DB) SaveCycleResults(ctx context.Context, cycle model.CorrectionCycle) error {
	actions, err := json.Marshal(cycle.Actions)
	if err != nil {
		return fmt.Errorf("storage: marshal actions: %w", err)
	}
	results, err := json.Marshal(cycle.Results)
	if err != nil {
		return fmt.Errorf("storage: marshal results: %w", err)
	}
	tag, err := db.pool.Exec(ctx,
		`UPDATE correction_cycles
		 SET predicted_probability = $1,
		     predicted_confidence = $2,
		     affected_agents = $3,
		     actions = $4,
		     results = $5,
		     risk_score = $6,
		     effectiveness = $7
		 WHERE id = $8`,
		cycle.PredictedProbability, cycle.PredictedConfidence, cycle.AffectedAgents,
		actions, results, cycle.RiskScore, cycle.Effectiveness, cycle.ID,
	)
	if err != nil {
		return fmt.Errorf("storage: save cycle results: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("storage: cycle %s: %w", cycle.ID, ErrNotFound)
	}
	return nil
}

// GetCycle retrieves a correction cycle by ID.
func (db *DB) GetCycle(ctx context.Context, id uuid.UUID) (model.CorrectionCycle, error) {
	row := db.pool.QueryRow(ctx,
		`SELECT `+cycleColumns+` FROM correction_cycles WHERE id = $1`, id)
	cycle, err := scanCycle(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.CorrectionCycle{}, fmt.Errorf("storage: cycle %s: %w", id, ErrNotFound)
		}
		return model.CorrectionCycle{}, fmt.Errorf("storage: get cycle: %w", err)
	}
	return cycle, nil
}

// CyclesSince returns correction cycles created at or after the cutoff,
// newest first.
func (db *DB) CyclesSince(ctx context.Context, workspaceID uuid.UUID, since time.Time) ([]model.CorrectionCycle, error) {
	rows, err := db.pool.Query(ctx,
		`SELECT `+cycleColumns+`
		 FROM correction_cycles
		 WHERE workspace_id = $1 AND created_at >= $2
		 ORDER BY created_at DESC`,
		workspaceID, since,
	)
	if err != nil {
		return nil, fmt.Errorf("storage: list cycles: %w", err)
	}
	defer rows.Close()

	var cycles []model.CorrectionCycle
	for rows.Next() {
		cycle, err := scanCycle(rows)
		if err != nil {
			return nil, fmt.Errorf("storage: scan cycle: %w", err)
		}
		cycles = append(cycles, cycle)
	}
	return cycles, rows.Err()
}

func scanCycle(row pgx.Row) (model.CorrectionCycle, error) {
	var (
		c                model.CorrectionCycle
		cycleType        string
		status           string
		actions, results []byte
	)
	if err := row.Scan(
		&c.ID, &c.WorkspaceID, &cycleType, &status,
		&c.PredictedProbability, &c.PredictedConfidence, &c.AffectedAgents,
		&actions, &results, &c.RiskScore, &c.Effectiveness,
		&c.CreatedAt, &c.CompletedAt,
	); err != nil {
		return model.CorrectionCycle{}, err
	}
	c.Type = model.CycleType(cycleType)
	c.Status = model.CycleStatus(status)
	if len(actions) > 0 {
		if err := json.Unmarshal(actions, &c.Actions); err != nil {
			return model.CorrectionCycle{}, fmt.Errorf("unmarshal actions: %w", err)
		}
	}
	if len(results) > 0 {
		if err := json.Unmarshal(results, &c.Results); err != nil {
			return model.CorrectionCycle{}, fmt.Errorf("unmarshal results: %w", err)
		}
	}
	return c, nil
}
