package metrics

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/jfoltran/pgsync/internal/store"
)

func TestCollectorRecordBatch(t *testing.T) {
	c := NewCollector("job1", zerolog.Nop())
	c.StartTable("users", 1000)

	c.RecordBatch("users", 100, 250, 60, 30, 10, 0, 4096)
	c.RecordBatch("users", 100, 150, 50, 40, 10, 2, 2048)

	snap := c.Snapshot()
	if snap.RowsProcessed != 200 {
		t.Errorf("RowsProcessed = %d, want 200", snap.RowsProcessed)
	}
	if snap.RowsInserted != 110 || snap.RowsUpdated != 70 || snap.RowsSkipped != 20 {
		t.Errorf("inserted/updated/skipped = %d/%d/%d", snap.RowsInserted, snap.RowsUpdated, snap.RowsSkipped)
	}
	if snap.ErrorCount != 2 {
		t.Errorf("ErrorCount = %d, want 2", snap.ErrorCount)
	}
	if snap.TotalBytes != 6144 {
		t.Errorf("TotalBytes = %d, want 6144", snap.TotalBytes)
	}
	if snap.AvgBatchMs != 200 {
		t.Errorf("AvgBatchMs = %v, want 200", snap.AvgBatchMs)
	}

	if len(snap.Tables) != 1 {
		t.Fatalf("Tables = %v", snap.Tables)
	}
	ts := snap.Tables[0]
	if ts.Processed != 200 || ts.Percent != 20 {
		t.Errorf("table processed/percent = %d/%v", ts.Processed, ts.Percent)
	}
}

func TestCollectorCompleteTable(t *testing.T) {
	c := NewCollector("job1", zerolog.Nop())
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	now := base
	c.now = func() time.Time { return now }

	c.StartTable("users", 100)
	c.RecordBatch("users", 100, 500, 100, 0, 0, 0, 0)
	now = base.Add(2 * time.Second)
	c.CompleteTable("users", TableCompleted)

	snap := c.Snapshot()
	ts := snap.Tables[0]
	if ts.Status != TableCompleted {
		t.Errorf("status = %s", ts.Status)
	}
	if ts.DurationMs != 2000 {
		t.Errorf("DurationMs = %d, want 2000", ts.DurationMs)
	}
	if ts.RowsPerSec != 50 {
		t.Errorf("RowsPerSec = %v, want 50", ts.RowsPerSec)
	}
	if snap.TablesCompleted != 1 {
		t.Errorf("TablesCompleted = %d, want 1", snap.TablesCompleted)
	}
}

func TestCollectorSkipReasons(t *testing.T) {
	c := NewCollector("job1", zerolog.Nop())
	c.RecordSkip("already_processed", 5)
	c.RecordSkip("no_change", 3)
	c.RecordSkip("conflict", 4)
	c.RecordSkip("missing_id", 1)
	c.RecordSkip("row_too_large", 2)

	snap := c.Snapshot()
	want := SkippedReasons{AlreadyProcessed: 5, NoChange: 3, Conflict: 4, MissingID: 1, Error: 2}
	if snap.Skipped != want {
		t.Errorf("Skipped = %+v, want %+v", snap.Skipped, want)
	}
}

func TestCollectorSnapshotRing(t *testing.T) {
	c := NewCollector("job1", zerolog.Nop())
	for i := 0; i < maxSnapshots+20; i++ {
		c.Snapshot()
	}
	if got := len(c.Snapshots()); got != maxSnapshots {
		t.Errorf("retained snapshots = %d, want %d", got, maxSnapshots)
	}
}

type fakeJobStore struct {
	saved []store.JobRecord
}

func (f *fakeJobStore) SaveJobRecord(_ context.Context, r store.JobRecord) error {
	f.saved = append(f.saved, r)
	return nil
}

func TestCollectorCompleteOnce(t *testing.T) {
	c := NewCollector("job1", zerolog.Nop())
	c.StartTable("users", 10)
	c.RecordBatch("users", 10, 100, 10, 0, 0, 0, 512)
	c.RecordRetry()

	durable := &fakeJobStore{}
	if err := c.Complete(context.Background(), "completed", durable); err != nil {
		t.Fatalf("Complete: %v", err)
	}
	if err := c.Complete(context.Background(), "failed", durable); err != nil {
		t.Fatalf("second Complete: %v", err)
	}
	if len(durable.saved) != 1 {
		t.Fatalf("persisted %d records, want 1", len(durable.saved))
	}

	rec := durable.saved[0]
	if rec.Status != "completed" || rec.JobID != "job1" {
		t.Errorf("record = %+v", rec)
	}
	var snap Snapshot
	if err := json.Unmarshal(rec.Metrics, &snap); err != nil {
		t.Fatalf("unmarshal metrics: %v", err)
	}
	if snap.RowsProcessed != 10 || snap.RetryCount != 1 {
		t.Errorf("snapshot = %+v", snap)
	}
}

func TestCollectorThrottling(t *testing.T) {
	c := NewCollector("job1", zerolog.Nop())
	c.RecordThrottling(300 * time.Millisecond)
	c.RecordThrottling(200 * time.Millisecond)
	if snap := c.Snapshot(); snap.ThrottledMs != 500 {
		t.Errorf("ThrottledMs = %d, want 500", snap.ThrottledMs)
	}
}

func TestSlidingWindowEviction(t *testing.T) {
	w := newSlidingWindow(time.Second)
	old := time.Now().Add(-10 * time.Second)
	w.Add(old, 100)
	w.Add(time.Now(), 5)
	if n := len(w.entries); n != 1 {
		t.Errorf("entries after eviction = %d, want 1", n)
	}
}
