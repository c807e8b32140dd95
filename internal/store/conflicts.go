package store

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Conflict records one resolved row conflict: which side won and why.
type Conflict struct {
	ID              uuid.UUID
	JobID           string
	TableName       string
	RowID           uuid.UUID
	Strategy        string
	Winner          string
	SourceUpdatedAt *time.Time
	TargetUpdatedAt *time.Time
	ResolvedAt      time.Time
}

func (s *Store) RecordConflict(ctx context.Context, c Conflict) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO pgsync.conflicts
			(id, job_id, table_name, row_id, strategy, winner, source_updated_at, target_updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`, c.ID, c.JobID, c.TableName, c.RowID, c.Strategy, c.Winner, c.SourceUpdatedAt, c.TargetUpdatedAt)
	if err != nil {
		return fmt.Errorf("record conflict: %w", err)
	}
	return nil
}

func (s *Store) ListConflicts(ctx context.Context, jobID string) ([]Conflict, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, job_id, table_name, row_id, strategy, winner,
		       source_updated_at, target_updated_at, resolved_at
		FROM pgsync.conflicts
		WHERE job_id = $1
		ORDER BY resolved_at
	`, jobID)
	if err != nil {
		return nil, fmt.Errorf("list conflicts: %w", err)
	}
	defer rows.Close()

	var out []Conflict
	for rows.Next() {
		var c Conflict
		if err := rows.Scan(&c.ID, &c.JobID, &c.TableName, &c.RowID, &c.Strategy, &c.Winner,
			&c.SourceUpdatedAt, &c.TargetUpdatedAt, &c.ResolvedAt); err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}
