package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/arbiterlabs/arbiter/internal/model"
)

// TopMemories returns the N most relevant memories for a workspace,
// ranked by importance then recall priority.
func (db *DB) TopMemories(ctx context.Context, workspaceID uuid.UUID, limit int) ([]model.MemoryRecord, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := db.pool.Query(ctx,
		`SELECT id, workspace_id, agent_id, content, importance, recall_priority, created_at
		 FROM memory_entries
		 WHERE workspace_id = $1
		 ORDER BY importance DESC, recall_priority DESC
		 LIMIT $2`,
		workspaceID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("storage: top memories: %w", err)
	}
	return collectMemories(rows)
}

// MemoriesSince returns memories created at or after the cutoff.
func (db *DB) MemoriesSince(ctx context.Context, workspaceID uuid.UUID, since time.Time) ([]model.MemoryRecord, error) {
	rows, err := db.pool.Query(ctx,
		`SELECT id, workspace_id, agent_id, content, importance, recall_priority, created_at
		 FROM memory_entries
		 WHERE workspace_id = $1 AND created_at >= $2
		 ORDER BY created_at ASC`,
		workspaceID, since,
	)
	if err != nil {
		return nil, fmt.Errorf("storage: memories since: %w", err)
	}
	return collectMemories(rows)
}

// InsertMemory records one memory entry from an external producer.
func (db *DB) InsertMemory(ctx context.Context, m model.MemoryRecord) error {
	_, err := db.pool.Exec(ctx,
		`INSERT INTO memory_entries (id, workspace_id, agent_id, content, importance, recall_priority, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		m.ID, m.WorkspaceID, m.AgentID, m.Content, m.Importance, m.RecallPriority, m.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("storage: insert memory: %w", err)
	}
	return nil
}

// ActiveOrchestrations returns orchestrations not yet completed.
func (db *DB) ActiveOrchestrations(ctx context.Context, workspaceID uuid.UUID) ([]model.OrchestrationRecord, error) {
	rows, err := db.pool.Query(ctx,
		`SELECT id, workspace_id, status, agent_chain, risk_score, uncertainty_score, started_at, completed_at
		 FROM orchestrations
		 WHERE workspace_id = $1 AND completed_at IS NULL`,
		workspaceID,
	)
	if err != nil {
		return nil, fmt.Errorf("storage: active orchestrations: %w", err)
	}
	return collectOrchestrations(rows)
}

// OrchestrationsSince returns orchestrations started at or after the cutoff.
func (db *DB) OrchestrationsSince(ctx context.Context, workspaceID uuid.UUID, since time.Time) ([]model.OrchestrationRecord, error) {
	rows, err := db.pool.Query(ctx,
		`SELECT id, workspace_id, status, agent_chain, risk_score, uncertainty_score, started_at, completed_at
		 FROM orchestrations
		 WHERE workspace_id = $1 AND started_at >= $2
		 ORDER BY started_at ASC`,
		workspaceID, since,
	)
	if err != nil {
		return nil, fmt.Errorf("storage: orchestrations since: %w", err)
	}
	return collectOrchestrations(rows)
}

// UpsertOrchestration records or refreshes an orchestration snapshot
// reported by the orchestration collaborator.
func (db *DB) UpsertOrchestration(ctx context.Context, o model.OrchestrationRecord) error {
	_, err := db.pool.Exec(ctx,
		`INSERT INTO orchestrations (id, workspace_id, status, agent_chain, risk_score, uncertainty_score, started_at, completed_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		 ON CONFLICT (id) DO UPDATE SET
		   status = EXCLUDED.status,
		   risk_score = EXCLUDED.risk_score,
		   uncertainty_score = EXCLUDED.uncertainty_score,
		   completed_at = EXCLUDED.completed_at`,
		o.ID, o.WorkspaceID, o.Status, o.AgentChain, o.RiskScore, o.UncertaintyScore, o.StartedAt, o.CompletedAt,
	)
	if err != nil {
		return fmt.Errorf("storage: upsert orchestration: %w", err)
	}
	return nil
}

// AgentTelemetry returns the current telemetry roll-up for every agent
// in the workspace.
func (db *DB) AgentTelemetry(ctx context.Context, workspaceID uuid.UUID) ([]model.AgentTelemetry, error) {
	rows, err := db.pool.Query(ctx,
		`SELECT workspace_id, agent_id, success_rate, error_rate, avg_response_ms, expected_ms, last_failure_at, updated_at
		 FROM agent_telemetry
		 WHERE workspace_id = $1
		 ORDER BY agent_id ASC`,
		workspaceID,
	)
	if err != nil {
		return nil, fmt.Errorf("storage: agent telemetry: %w", err)
	}
	defer rows.Close()

	var telemetry []model.AgentTelemetry
	for rows.Next() {
		var t model.AgentTelemetry
		if err := rows.Scan(
			&t.WorkspaceID, &t.AgentID, &t.SuccessRate, &t.ErrorRate,
			&t.AvgResponseMs, &t.ExpectedMs, &t.LastFailureAt, &t.UpdatedAt,
		); err != nil {
			return nil, fmt.Errorf("storage: scan telemetry: %w", err)
		}
		telemetry = append(telemetry, t)
	}
	return telemetry, rows.Err()
}

// UpsertAgentTelemetry records or refreshes one agent's telemetry roll-up.
func (db *DB) UpsertAgentTelemetry(ctx context.Context, t model.AgentTelemetry) error {
	_, err := db.pool.Exec(ctx,
		`INSERT INTO agent_telemetry (workspace_id, agent_id, success_rate, error_rate, avg_response_ms, expected_ms, last_failure_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		 ON CONFLICT (workspace_id, agent_id) DO UPDATE SET
		   success_rate = EXCLUDED.success_rate,
		   error_rate = EXCLUDED.error_rate,
		   avg_response_ms = EXCLUDED.avg_response_ms,
		   expected_ms = EXCLUDED.expected_ms,
		   last_failure_at = EXCLUDED.last_failure_at,
		   updated_at = EXCLUDED.updated_at`,
		t.WorkspaceID, t.AgentID, t.SuccessRate, t.ErrorRate,
		t.AvgResponseMs, t.ExpectedMs, t.LastFailureAt, t.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("storage: upsert telemetry: %w", err)
	}
	return nil
}

func collectMemories(rows pgx.Rows) ([]model.MemoryRecord, error) {
	defer rows.Close()
	var memories []model.MemoryRecord
	for rows.Next() {
		var m model.MemoryRecord
		if err := rows.Scan(
			&m.ID, &m.WorkspaceID, &m.AgentID, &m.Content,
			&m.Importance, &m.RecallPriority, &m.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("storage: scan memory: %w", err)
		}
		memories = append(memories, m)
	}
	return memories, rows.Err()
}

func collectOrchestrations(rows pgx.Rows) ([]model.OrchestrationRecord, error) {
	defer rows.Close()
	var orchestrations []model.OrchestrationRecord
	for rows.Next() {
		var o model.OrchestrationRecord
		if err := rows.Scan(
			&o.ID, &o.WorkspaceID, &o.Status, &o.AgentChain,
			&o.RiskScore, &o.UncertaintyScore, &o.StartedAt, &o.CompletedAt,
		); err != nil {
			return nil, fmt.Errorf("storage: scan orchestration: %w", err)
		}
		orchestrations = append(orchestrations, o)
	}
	return orchestrations, rows.Err()
}
