package store

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

// ProcessedRow marks one row as already applied for a job. A row is only
// skipped when it was processed at the same or a newer updated_at, an older
// marker means the source row changed since and must be re-applied.
type ProcessedRow struct {
	JobID       string
	TableName   string
	RowID       uuid.UUID
	UpdatedAt   time.Time
	Operation   string
	ProcessedAt time.Time
}

// MarkProcessedBatch upserts a batch of markers in one round trip.
func (s *Store) MarkProcessedBatch(ctx context.Context, rows []ProcessedRow) error {
	if len(rows) == 0 {
		return nil
	}
	batch := &pgx.Batch{}
	for _, r := range rows {
		batch.Queue(`
			INSERT INTO pgsync.processed_rows (job_id, table_name, row_id, row_updated_at, operation)
			VALUES ($1, $2, $3, $4, $5)
			ON CONFLICT (job_id, table_name, row_id)
			DO UPDATE SET row_updated_at = EXCLUDED.row_updated_at,
			              operation = EXCLUDED.operation,
			              processed_at = now()
		`, r.JobID, r.TableName, r.RowID, r.UpdatedAt, r.Operation)
	}
	br := s.pool.SendBatch(ctx, batch)
	defer br.Close()
	for range rows {
		if _, err := br.Exec(); err != nil {
			return fmt.Errorf("mark processed batch: %w", err)
		}
	}
	return nil
}

// ProcessedSince returns the stored row_updated_at for each of the given ids
// that already has a marker.
func (s *Store) ProcessedSince(ctx context.Context, jobID, table string, ids []uuid.UUID) (map[uuid.UUID]time.Time, error) {
	out := make(map[uuid.UUID]time.Time, len(ids))
	if len(ids) == 0 {
		return out, nil
	}
	rows, err := s.pool.Query(ctx, `
		SELECT row_id, row_updated_at
		FROM pgsync.processed_rows
		WHERE job_id = $1 AND table_name = $2 AND row_id = ANY($3)
	`, jobID, table, ids)
	if err != nil {
		return nil, fmt.Errorf("query processed rows: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var id uuid.UUID
		var ts time.Time
		if err := rows.Scan(&id, &ts); err != nil {
			return nil, err
		}
		out[id] = ts
	}
	return out, rows.Err()
}

// DeleteProcessedBefore removes markers older than the cutoff and returns
// how many were deleted.
func (s *Store) DeleteProcessedBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	tag, err := s.pool.Exec(ctx,
		`DELETE FROM pgsync.processed_rows WHERE processed_at < $1`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("delete processed rows: %w", err)
	}
	return tag.RowsAffected(), nil
}
