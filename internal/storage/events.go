package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/arbiterlabs/arbiter/internal/model"
)

const eventColumns = `id, run_id, event_type, severity, agent_id, source_ref, payload, created_at`

// AppendEvent appends one event to the log. Events are append-only:
// there is no update or delete path anywhere in this package.
func (db *DB) AppendEvent(ctx context.Context, ev model.AutonomyEvent) error {
	return pgx.BeginFunc(ctx, db.pool, func(tx pgx.Tx) error {
		return insertEvent(ctx, tx, ev)
	})
}

func insertEvent(ctx context.Context, tx pgx.Tx, ev model.AutonomyEvent) error {
	if ev.Payload == nil {
		ev.Payload = map[string]any{}
	}
	_, err := tx.Exec(ctx,
		`INSERT INTO autonomy_events (id, run_id, event_type, severity, agent_id, source_ref, payload, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		ev.ID, ev.RunID, string(ev.EventType), ev.Severity, ev.AgentID, ev.SourceRef, ev.Payload, ev.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("storage: insert event: %w", err)
	}
	return nil
}

// EventsSince returns all events created at or after the cutoff,
// oldest first.
func (db *DB) EventsSince(ctx context.Context, since time.Time) ([]model.AutonomyEvent, error) {
	rows, err := db.pool.Query(ctx,
		`SELECT `+eventColumns+`
		 FROM autonomy_events
		 WHERE created_at >= $1
		 ORDER BY created_at ASC`,
		since,
	)
	if err != nil {
		return nil, fmt.Errorf("storage: list events: %w", err)
	}
	return collectEvents(rows)
}

// RunEvents returns the full event log for one run, oldest first.
func (db *DB) RunEvents(ctx context.Context, runID uuid.UUID) ([]model.AutonomyEvent, error) {
	rows, err := db.pool.Query(ctx,
		`SELECT `+eventColumns+`
		 FROM autonomy_events
		 WHERE run_id = $1
		 ORDER BY created_at ASC, id ASC`,
		runID,
	)
	if err != nil {
		return nil, fmt.Errorf("storage: run events: %w", err)
	}
	return collectEvents(rows)
}

func collectEvents(rows pgx.Rows) ([]model.AutonomyEvent, error) {
	defer rows.Close()
	var events []model.AutonomyEvent
	for rows.Next() {
		var ev model.AutonomyEvent
		var eventType string
		if err := rows.Scan(
			&ev.ID, &ev.RunID, &eventType, &ev.Severity,
			&ev.AgentID, &ev.SourceRef, &ev.Payload, &ev.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("storage: scan event: %w", err)
		}
		ev.EventType = model.EventType(eventType)
		events = append(events, ev)
	}
	return events, rows.Err()
}
