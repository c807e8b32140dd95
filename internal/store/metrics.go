package store

import (
	"context"
	"fmt"
	"time"
)

// JobRecord is the persisted outcome of one sync job. Metrics holds the
// final snapshot as JSON.
type JobRecord struct {
	JobID       string
	Status      string
	StartedAt   time.Time
	CompletedAt *time.Time
	Metrics     []byte
}

func (s *Store) SaveJobRecord(ctx context.Context, r JobRecord) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO pgsync.job_metrics (job_id, status, started_at, completed_at, metrics)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (job_id)
		DO UPDATE SET status = EXCLUDED.status,
		              completed_at = EXCLUDED.completed_at,
		              metrics = EXCLUDED.metrics
	`, r.JobID, r.Status, r.StartedAt, r.CompletedAt, r.Metrics)
	if err != nil {
		return fmt.Errorf("save job record: %w", err)
	}
	return nil
}

func (s *Store) GetJobRecord(ctx context.Context, jobID string) (JobRecord, bool, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT job_id, status, started_at, completed_at, metrics
		FROM pgsync.job_metrics WHERE job_id = $1
	`, jobID)
	if err != nil {
		return JobRecord{}, false, fmt.Errorf("get job record: %w", err)
	}
	defer rows.Close()

	if !rows.Next() {
		return JobRecord{}, false, rows.Err()
	}
	var r JobRecord
	if err := rows.Scan(&r.JobID, &r.Status, &r.StartedAt, &r.CompletedAt, &r.Metrics); err != nil {
		return JobRecord{}, false, err
	}
	return r, true, nil
}
