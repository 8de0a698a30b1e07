package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/arbiterlabs/arbiter/internal/model"
)

// ActiveParameters returns the highest-version parameter set for the
// workspace. When no calibration has ever been accepted, it returns the
// baseline defaults rather than ErrNotFound so callers can always score.
func (db *DB) ActiveParameters(ctx context.Context, workspaceID uuid.UUID) (model.CalibratedParameters, error) {
	row := db.pool.QueryRow(ctx,
		`SELECT id, workspace_id, version, agent_weights, risk_weights,
		        reasoning_depths, parallelism, schedule_hints, created_at
		 FROM calibrated_parameters
		 WHERE workspace_id = $1
		 ORDER BY version DESC
		 LIMIT 1`,
		workspaceID,
	)
	params, err := scanParameters(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.DefaultParameters(workspaceID), nil
		}
		return model.CalibratedParameters{}, fmt.Errorf("storage: active parameters: %w", err)
	}
	return params, nil
}

// ReplaceParameters inserts a new parameter version. Versions are never
// updated in place; the highest version is the active set.
func (db *DB) ReplaceParameters(ctx context.Context, params model.CalibratedParameters) error {
	agentWeights, err := json.Marshal(params.AgentWeights)
	if err != nil {
		return fmt.Errorf("storage: marshal agent weights: %w", err)
	}
	riskWeights, err := json.Marshal(params.RiskWeights)
	if err != nil {
		return fmt.Errorf("storage: marshal risk weights: %w", err)
	}
	depths, err := json.Marshal(params.ReasoningDepths)
	if err != nil {
		return fmt.Errorf("storage: marshal reasoning depths: %w", err)
	}
	_, err = db.pool.Exec(ctx,
		`INSERT INTO calibrated_parameters
		   (id, workspace_id, version, agent_weights, risk_weights,
		    reasoning_depths, parallelism, schedule_hints, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		params.ID, params.WorkspaceID, params.Version,
		agentWeights, riskWeights, depths,
		params.Parallelism, params.ScheduleHints, params.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("storage: insert parameters: %w", err)
	}
	return nil
}

// ApplyWeightMultipliers compounds per-agent multipliers onto the active
// parameter set and persists the result as a new version. Agents with no
// prior weight start from the 1.0 baseline; weights floor at 0.5.
func (db *DB) ApplyWeightMultipliers(ctx context.Context, workspaceID uuid.UUID, multipliers map[string]float64) error {
	if len(multipliers) == 0 {
		return nil
	}
	return WithRetry(ctx, 3, 50*time.Millisecond, func() error {
		current, err := db.ActiveParameters(ctx, workspaceID)
		if err != nil {
			return err
		}
		next := current
		next.ID = uuid.New()
		next.Version = current.Version + 1
		next.CreatedAt = time.Now().UTC()
		next.AgentWeights = make(map[string]float64, len(current.AgentWeights)+len(multipliers))
		for agent, w := range current.AgentWeights {
			next.AgentWeights[agent] = w
		}
		for agent, mult := range multipliers {
			w, ok := next.AgentWeights[agent]
			if !ok {
				w = 1.0
			}
			w *= mult
			if w < 0.5 {
				w = 0.5
			}
			next.AgentWeights[agent] = w
		}
		return db.ReplaceParameters(ctx, next)
	})
}

func scanParameters(row pgx.Row) (model.CalibratedParameters, error) {
	var (
		p                                 model.CalibratedParameters
		agentWeights, riskWeights, depths []byte
	)
	if err := row.Scan(
		&p.ID, &p.WorkspaceID, &p.Version,
		&agentWeights, &riskWeights, &depths,
		&p.Parallelism, &p.ScheduleHints, &p.CreatedAt,
	); err != nil {
		return model.CalibratedParameters{}, err
	}
	if err := json.Unmarshal(agentWeights, &p.AgentWeights); err != nil {
		return model.CalibratedParameters{}, fmt.Errorf("unmarshal agent weights: %w", err)
	}
	if err := json.Unmarshal(riskWeights, &p.RiskWeights); err != nil {
		return model.CalibratedParameters{}, fmt.Errorf("unmarshal risk weights: %w", err)
	}
	if err := json.Unmarshal(depths, &p.ReasoningDepths); err != nil {
		return model.CalibratedParameters{}, fmt.Errorf("unmarshal reasoning depths: %w", err)
	}
	return p, nil
}
