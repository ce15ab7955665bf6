package db

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
)

// PipelineEvent represents a row in the pipeline_events table.
type PipelineEvent struct {
	ID         int64     `json:"id"`
	PipelineID string    `json:"pipeline_id"`
	Event      string    `json:"event"`
	Stage      string    `json:"stage,omitempty"`
	Attempt    int       `json:"attempt,omitempty"`
	Detail     string    `json:"detail,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
}

// LogPipelineEvent inserts a pipeline event.
func (d *DB) LogPipelineEvent(ctx context.Context, pipelineID, event, stage string, attempt int, detail string) error {
	_, err := d.pool.Exec(ctx,
		`INSERT INTO pipeline_events (pipeline_id, event, stage, attempt, detail) VALUES ($1, $2, $3, $4, $5)`,
		pipelineID, event, nullText(stage), attempt, nullText(detail),
	)
	if err != nil {
		return fmt.Errorf("log pipeline event: %w", err)
	}
	return nil
}

// GetPipelineHistory returns all events for a pipeline, newest first.
func (d *DB) GetPipelineHistory(ctx context.Context, pipelineID string) ([]PipelineEvent, error) {
	rows, err := d.pool.Query(ctx,
		`SELECT id, pipeline_id, event, stage, attempt, detail, created_at
		 FROM pipeline_events WHERE pipeline_id = $1 ORDER BY created_at DESC, id DESC`,
		pipelineID,
	)
	if err != nil {
		return nil, fmt.Errorf("get pipeline history: %w", err)
	}
	return scanEvents(rows)
}

// RecentEvents returns the latest events across all pipelines.
func (d *DB) RecentEvents(ctx context.Context, limit int) ([]PipelineEvent, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := d.pool.Query(ctx,
		`SELECT id, pipeline_id, event, stage, attempt, detail, created_at
		 FROM pipeline_events ORDER BY created_at DESC, id DESC LIMIT $1`,
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("get recent events: %w", err)
	}
	return scanEvents(rows)
}

func scanEvents(rows pgx.Rows) ([]PipelineEvent, error) {
	defer rows.Close()

	var events []PipelineEvent
	for rows.Next() {
		var e PipelineEvent
		var stage, detail pgtype.Text
		var attempt pgtype.Int4
		if err := rows.Scan(&e.ID, &e.PipelineID, &e.Event, &stage, &attempt, &detail, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan pipeline event: %w", err)
		}
		e.Stage = stage.String
		e.Detail = detail.String
		if attempt.Valid {
			e.Attempt = int(attempt.Int32)
		}
		events = append(events, e)
	}
	return events, rows.Err()
}

func nullText(s string) pgtype.Text {
	return pgtype.Text{String: s, Valid: s != ""}
}
