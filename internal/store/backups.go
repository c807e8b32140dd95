package store

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

type BackupStatus string

const (
	BackupCreating      BackupStatus = "creating"
	BackupCompleted     BackupStatus = "completed"
	BackupFailed        BackupStatus = "failed"
	BackupRestoring     BackupStatus = "restoring"
	BackupRestored      BackupStatus = "restored"
	BackupRestoreFailed BackupStatus = "restore_failed"
)

type Backup struct {
	ID          uuid.UUID
	JobID       string
	Status      BackupStatus
	Tables      []string
	RowCount    int64
	CreatedAt   time.Time
	CompletedAt *time.Time
	RestoredAt  *time.Time
	Error       string
}

// BackupRow is one snapshotted target row, stored as JSONB.
type BackupRow struct {
	RowID uuid.UUID
	Data  []byte
}

func (s *Store) CreateBackup(ctx context.Context, b Backup) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO pgsync.backups (id, job_id, status, tables)
		VALUES ($1, $2, $3, $4)
	`, b.ID, b.JobID, BackupCreating, b.Tables)
	if err != nil {
		return fmt.Errorf("create backup: %w", err)
	}
	return nil
}

func (s *Store) GetBackup(ctx context.Context, id uuid.UUID) (Backup, bool, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, job_id, status, tables, row_count,
		       created_at, completed_at, restored_at, COALESCE(error, '')
		FROM pgsync.backups WHERE id = $1
	`, id)
	if err != nil {
		return Backup{}, false, fmt.Errorf("get backup: %w", err)
	}
	defer rows.Close()

	if !rows.Next() {
		return Backup{}, false, rows.Err()
	}
	var b Backup
	if err := rows.Scan(&b.ID, &b.JobID, &b.Status, &b.Tables, &b.RowCount,
		&b.CreatedAt, &b.CompletedAt, &b.RestoredAt, &b.Error); err != nil {
		return Backup{}, false, err
	}
	return b, true, nil
}

// ListBackups returns backups newest first, optionally filtered by job id.
func (s *Store) ListBackups(ctx context.Context, jobID string) ([]Backup, error) {
	q := `
		SELECT id, job_id, status, tables, row_count,
		       created_at, completed_at, restored_at, COALESCE(error, '')
		FROM pgsync.backups`
	args := []any{}
	if jobID != "" {
		q += ` WHERE job_id = $1`
		args = append(args, jobID)
	}
	q += ` ORDER BY created_at DESC`

	rows, err := s.pool.Query(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("list backups: %w", err)
	}
	defer rows.Close()

	var out []Backup
	for rows.Next() {
		var b Backup
		if err := rows.Scan(&b.ID, &b.JobID, &b.Status, &b.Tables, &b.RowCount,
			&b.CreatedAt, &b.CompletedAt, &b.RestoredAt, &b.Error); err != nil {
			return nil, err
		}
		out = append(out, b)
	}
	return out, rows.Err()
}

// UpdateBackupStatus transitions a backup and stamps the matching timestamp
// column. The caller enforces which transitions are legal.
func (s *Store) UpdateBackupStatus(ctx context.Context, id uuid.UUID, status BackupStatus, errMsg string) error {
	var col string
	switch status {
	case BackupCompleted:
		col = "completed_at"
	case BackupRestored:
		col = "restored_at"
	}

	q := `UPDATE pgsync.backups SET status = $2, error = NULLIF($3, '')`
	if col != "" {
		q += fmt.Sprintf(", %s = now()", col)
	}
	q += ` WHERE id = $1`

	tag, err := s.pool.Exec(ctx, q, id, status, errMsg)
	if err != nil {
		return fmt.Errorf("update backup status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("backup %s not found", id)
	}
	return nil
}

func (s *Store) SetBackupRowCount(ctx context.Context, id uuid.UUID, n int64) error {
	_, err := s.pool.Exec(ctx,
		`UPDATE pgsync.backups SET row_count = $2 WHERE id = $1`, id, n)
	if err != nil {
		return fmt.Errorf("set backup row count: %w", err)
	}
	return nil
}

// CopyBackupRows bulk-loads snapshotted rows for one table via COPY.
func (s *Store) CopyBackupRows(ctx context.Context, backupID uuid.UUID, table string, rows []BackupRow) (int64, error) {
	if len(rows) == 0 {
		return 0, nil
	}
	src := make([][]any, len(rows))
	for i, r := range rows {
		src[i] = []any{backupID, table, r.RowID, r.Data}
	}
	n, err := s.pool.CopyFrom(ctx,
		pgx.Identifier{"pgsync", "backup_rows"},
		[]string{"backup_id", "table_name", "row_id", "row_data"},
		pgx.CopyFromRows(src))
	if err != nil {
		return n, fmt.Errorf("copy backup rows for %s: %w", table, err)
	}
	return n, nil
}

// BackupRows streams back the snapshot of one table.
func (s *Store) BackupRows(ctx context.Context, backupID uuid.UUID, table string) ([]BackupRow, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT row_id, row_data FROM pgsync.backup_rows
		WHERE backup_id = $1 AND table_name = $2
		ORDER BY row_id
	`, backupID, table)
	if err != nil {
		return nil, fmt.Errorf("backup rows for %s: %w", table, err)
	}
	defer rows.Close()

	var out []BackupRow
	for rows.Next() {
		var r BackupRow
		if err := rows.Scan(&r.RowID, &r.Data); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// BackupRowIDs returns every snapshotted id for one table, used to delete
// rows inserted after the backup during a restore.
func (s *Store) BackupRowIDs(ctx context.Context, backupID uuid.UUID, table string) ([]uuid.UUID, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT row_id FROM pgsync.backup_rows
		WHERE backup_id = $1 AND table_name = $2
	`, backupID, table)
	if err != nil {
		return nil, fmt.Errorf("backup row ids for %s: %w", table, err)
	}
	defer rows.Close()

	var out []uuid.UUID
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		out = append(out, id)
	}
	return out, rows.Err()
}
