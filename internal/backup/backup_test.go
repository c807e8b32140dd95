package backup

import (
	"context"
	"errors"
	"testing"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/jfoltran/pgsync/internal/store"
)

type fakeMeta struct {
	backups  map[uuid.UUID]store.Backup
	statuses []store.BackupStatus
}

func newFakeMeta() *fakeMeta {
	return &fakeMeta{backups: make(map[uuid.UUID]store.Backup)}
}

func (f *fakeMeta) CreateBackup(_ context.Context, b store.Backup) error {
	b.Status = store.BackupCreating
	f.backups[b.ID] = b
	return nil
}

func (f *fakeMeta) GetBackup(_ context.Context, id uuid.UUID) (store.Backup, bool, error) {
	b, ok := f.backups[id]
	return b, ok, nil
}

func (f *fakeMeta) UpdateBackupStatus(_ context.Context, id uuid.UUID, status store.BackupStatus, errMsg string) error {
	b := f.backups[id]
	b.Status = status
	b.Error = errMsg
	f.backups[id] = b
	f.statuses = append(f.statuses, status)
	return nil
}

func (f *fakeMeta) SetBackupRowCount(_ context.Context, id uuid.UUID, n int64) error {
	b := f.backups[id]
	b.RowCount = n
	f.backups[id] = b
	return nil
}

func (f *fakeMeta) CopyBackupRows(_ context.Context, _ uuid.UUID, _ string, rows []store.BackupRow) (int64, error) {
	return int64(len(rows)), nil
}

func (f *fakeMeta) BackupRows(_ context.Context, _ uuid.UUID, _ string) ([]store.BackupRow, error) {
	return nil, nil
}

func seedBackup(f *fakeMeta, status store.BackupStatus) uuid.UUID {
	id := uuid.New()
	f.backups[id] = store.Backup{ID: id, JobID: "job1", Status: status}
	return id
}

func TestRestoreAlreadyRestoredIsNoOp(t *testing.T) {
	meta := newFakeMeta()
	id := seedBackup(meta, store.BackupRestored)
	m := NewManager(nil, meta, zerolog.Nop())

	if err := m.Restore(context.Background(), id); err != nil {
		t.Fatalf("Restore: %v", err)
	}
	if len(meta.statuses) != 0 {
		t.Errorf("status transitions = %v, want none", meta.statuses)
	}
}

func TestRestoreWhileRestoringRejected(t *testing.T) {
	meta := newFakeMeta()
	id := seedBackup(meta, store.BackupRestoring)
	m := NewManager(nil, meta, zerolog.Nop())

	if err := m.Restore(context.Background(), id); !errors.Is(err, ErrRestoreInProgress) {
		t.Errorf("err = %v, want ErrRestoreInProgress", err)
	}
}

func TestRestoreRejectsIncompleteBackup(t *testing.T) {
	for _, status := range []store.BackupStatus{store.BackupCreating, store.BackupFailed, store.BackupRestoreFailed} {
		meta := newFakeMeta()
		id := seedBackup(meta, status)
		m := NewManager(nil, meta, zerolog.Nop())

		if err := m.Restore(context.Background(), id); !errors.Is(err, ErrNotRestorable) {
			t.Errorf("status %s: err = %v, want ErrNotRestorable", status, err)
		}
	}
}

func TestRestoreUnknownBackup(t *testing.T) {
	m := NewManager(nil, newFakeMeta(), zerolog.Nop())
	if err := m.Restore(context.Background(), uuid.New()); err == nil {
		t.Error("expected error for unknown backup id")
	}
}
