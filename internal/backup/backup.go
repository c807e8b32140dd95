// Package backup snapshots target rows before a sync and restores them
// after a catastrophic failure. Snapshots live in the pgsync bookkeeping
// schema as JSONB, keyed by a backup id.
package backup

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"

	"github.com/jfoltran/pgsync/internal/sqlbuild"
	"github.com/jfoltran/pgsync/internal/store"
)

const copyChunkSize = 500

var (
	ErrRestoreInProgress = errors.New("restore already in progress")
	ErrNotRestorable     = errors.New("backup is not restorable")
)

// MetaStore is the bookkeeping backend, satisfied by *store.Store.
type MetaStore interface {
	CreateBackup(ctx context.Context, b store.Backup) error
	GetBackup(ctx context.Context, id uuid.UUID) (store.Backup, bool, error)
	UpdateBackupStatus(ctx context.Context, id uuid.UUID, status store.BackupStatus, errMsg string) error
	SetBackupRowCount(ctx context.Context, id uuid.UUID, n int64) error
	CopyBackupRows(ctx context.Context, backupID uuid.UUID, table string, rows []store.BackupRow) (int64, error)
	BackupRows(ctx context.Context, backupID uuid.UUID, table string) ([]store.BackupRow, error)
}

type Manager struct {
	target *pgxpool.Pool
	meta   MetaStore
	logger zerolog.Logger
}

func NewManager(target *pgxpool.Pool, meta MetaStore, logger zerolog.Logger) *Manager {
	return &Manager{
		target: target,
		meta:   meta,
		logger: logger.With().Str("component", "backup").Logger(),
	}
}

// Create snapshots every row of the given target tables and returns the
// backup id. Tables must arrive in FK dependency order, parents first:
// Restore deletes in the reverse of this order. The caller decides whether
// a failure here is fatal.
func (m *Manager) Create(ctx context.Context, jobID string, tables []string) (uuid.UUID, error) {
	id := uuid.New()
	if err := m.meta.CreateBackup(ctx, store.Backup{ID: id, JobID: jobID, Tables: tables}); err != nil {
		return uuid.Nil, err
	}

	var total int64
	for _, table := range tables {
		n, err := m.snapshotTable(ctx, id, table)
		if err != nil {
			m.meta.UpdateBackupStatus(ctx, id, store.BackupFailed, err.Error())
			return uuid.Nil, fmt.Errorf("snapshot %s: %w", table, err)
		}
		total += n
	}

	if err := m.meta.SetBackupRowCount(ctx, id, total); err != nil {
		return uuid.Nil, err
	}
	if err := m.meta.UpdateBackupStatus(ctx, id, store.BackupCompleted, ""); err != nil {
		return uuid.Nil, err
	}

	m.logger.Info().
		Str("backup_id", id.String()).
		Int64("rows", total).
		Int("tables", len(tables)).
		Msg("backup created")
	return id, nil
}

func (m *Manager) snapshotTable(ctx context.Context, backupID uuid.UUID, table string) (int64, error) {
	q := fmt.Sprintf("SELECT t.id, to_jsonb(t) FROM %s t ORDER BY t.id", sqlbuild.Ident(table))
	rows, err := m.target.Query(ctx, q)
	if err != nil {
		return 0, err
	}
	defer rows.Close()

	var total int64
	chunk := make([]store.BackupRow, 0, copyChunkSize)
	flush := func() error {
		if len(chunk) == 0 {
			return nil
		}
		n, err := m.meta.CopyBackupRows(ctx, backupID, table, chunk)
		if err != nil {
			return err
		}
		total += n
		chunk = chunk[:0]
		return nil
	}

	for rows.Next() {
		var r store.BackupRow
		if err := rows.Scan(&r.RowID, &r.Data); err != nil {
			return total, err
		}
		chunk = append(chunk, r)
		if len(chunk) == copyChunkSize {
			if err := flush(); err != nil {
				return total, err
			}
		}
	}
	if err := rows.Err(); err != nil {
		return total, err
	}
	return total, flush()
}

// Restore rewrites every backed-up table from its snapshot: all current
// rows are deleted and the snapshot is reinserted in one transaction.
// Restoring an already-restored backup is a no-op; any other non-completed
// state is rejected so restore happens at most once.
func (m *Manager) Restore(ctx context.Context, backupID uuid.UUID) error {
	b, ok, err := m.meta.GetBackup(ctx, backupID)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("backup %s not found", backupID)
	}
	switch b.Status {
	case store.BackupRestored:
		return nil
	case store.BackupRestoring:
		return ErrRestoreInProgress
	case store.BackupCompleted:
	default:
		return fmt.Errorf("%w: status %s", ErrNotRestorable, b.Status)
	}

	if err := m.meta.UpdateBackupStatus(ctx, backupID, store.BackupRestoring, ""); err != nil {
		return err
	}

	if err := m.restoreTables(ctx, b); err != nil {
		m.meta.UpdateBackupStatus(ctx, backupID, store.BackupRestoreFailed, err.Error())
		return fmt.Errorf("restore backup %s: %w", backupID, err)
	}

	if err := m.meta.UpdateBackupStatus(ctx, backupID, store.BackupRestored, ""); err != nil {
		return err
	}
	m.logger.Info().Str("backup_id", backupID.String()).Msg("backup restored")
	return nil
}

func (m *Manager) restoreTables(ctx context.Context, b store.Backup) error {
	tx, err := m.target.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin restore tx: %w", err)
	}
	defer tx.Rollback(ctx)

	// Deferring FK checks lets tables restore in any order. Only works for
	// DEFERRABLE constraints, so a failure is not fatal here.
	if _, err := tx.Exec(ctx, "SET CONSTRAINTS ALL DEFERRED"); err != nil {
		m.logger.Warn().Err(err).Msg("could not defer constraints during restore")
	}

	// Children before parents for the deletes.
	for i := len(b.Tables) - 1; i >= 0; i-- {
		table := sqlbuild.Ident(b.Tables[i])
		if _, err := tx.Exec(ctx, fmt.Sprintf("DELETE FROM %s", table)); err != nil {
			return fmt.Errorf("clear %s: %w", b.Tables[i], err)
		}
	}

	for _, name := range b.Tables {
		snap, err := m.meta.BackupRows(ctx, b.ID, name)
		if err != nil {
			return err
		}
		table := sqlbuild.Ident(name)
		insert := fmt.Sprintf(
			"INSERT INTO %s SELECT * FROM jsonb_populate_record(NULL::%s, $1::jsonb)",
			table, table)

		for start := 0; start < len(snap); start += copyChunkSize {
			end := start + copyChunkSize
			if end > len(snap) {
				end = len(snap)
			}
			batch := &pgx.Batch{}
			for _, r := range snap[start:end] {
				batch.Queue(insert, r.Data)
			}
			br := tx.SendBatch(ctx, batch)
			for range snap[start:end] {
				if _, err := br.Exec(); err != nil {
					br.Close()
					return fmt.Errorf("reinsert into %s: %w", name, err)
				}
			}
			if err := br.Close(); err != nil {
				return fmt.Errorf("reinsert into %s: %w", name, err)
			}
		}
	}

	return tx.Commit(ctx)
}
