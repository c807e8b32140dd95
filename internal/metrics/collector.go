// Package metrics accumulates per-job sync statistics: row counts, table
// progress, rolling batch timings, throttling time, and periodic snapshots.
package metrics

import (
	"context"
	"encoding/json"
	"fmt"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/jfoltran/pgsync/internal/store"
)

// TableStatus is the sync state of one table.
type TableStatus string

const (
	TablePending   TableStatus = "pending"
	TableSyncing   TableStatus = "syncing"
	TableCompleted TableStatus = "completed"
	TableFailed    TableStatus = "failed"
)

// TableStats tracks per-table progress.
type TableStats struct {
	TableName  string      `json:"table_name"`
	Status     TableStatus `json:"status"`
	TotalRows  int64       `json:"total_rows"`
	Processed  int64       `json:"processed"`
	Inserted   int64       `json:"inserted"`
	Updated    int64       `json:"updated"`
	Skipped    int64       `json:"skipped"`
	Errors     int64       `json:"errors"`
	Percent    float64     `json:"percent"`
	DurationMs int64       `json:"duration_ms"`
	RowsPerSec float64     `json:"rows_per_sec"`
	StartedAt  time.Time   `json:"-"`
}

// SkippedReasons breaks down why rows were skipped.
type SkippedReasons struct {
	AlreadyProcessed int64 `json:"already_processed"`
	NoChange         int64 `json:"no_change"`
	Conflict         int64 `json:"conflict"`
	MissingID        int64 `json:"missing_id"`
	Error            int64 `json:"error"`
}

// Snapshot is the complete metrics state at a point in time.
type Snapshot struct {
	JobID      string    `json:"job_id"`
	Timestamp  time.Time `json:"timestamp"`
	Status     string    `json:"status"`
	StartedAt  time.Time `json:"started_at"`
	ElapsedSec float64   `json:"elapsed_sec"`

	TablesTotal     int          `json:"tables_total"`
	TablesCompleted int          `json:"tables_completed"`
	Tables          []TableStats `json:"tables"`

	RowsProcessed int64          `json:"rows_processed"`
	RowsInserted  int64          `json:"rows_inserted"`
	RowsUpdated   int64          `json:"rows_updated"`
	RowsSkipped   int64          `json:"rows_skipped"`
	Skipped       SkippedReasons `json:"skipped_reasons"`
	ErrorCount    int64          `json:"error_count"`
	RetryCount    int64          `json:"retry_count"`
	LastError     string         `json:"last_error,omitempty"`

	RowsPerSec     float64 `json:"rows_per_sec"`
	BytesPerSec    float64 `json:"bytes_per_sec"`
	TotalBytes     int64   `json:"total_bytes"`
	AvgBatchMs     float64 `json:"avg_batch_ms"`
	ThrottledMs    int64   `json:"throttled_ms"`
	PeakAllocBytes uint64  `json:"peak_alloc_bytes"`
}

// DurableStore persists the final record, satisfied by *store.Store.
type DurableStore interface {
	SaveJobRecord(ctx context.Context, r store.JobRecord) error
}

const (
	maxSnapshots  = 100
	batchWindow   = 50
	windowElapsed = 60 * time.Second
)

// Collector aggregates metrics for one job. All methods are safe for
// concurrent use.
type Collector struct {
	jobID  string
	logger zerolog.Logger

	mu         sync.RWMutex
	status     string
	startedAt  time.Time
	tables     map[string]*TableStats
	tableOrder []string
	skipped    SkippedReasons
	batchMs    []int64 // ring of recent batch durations
	batchPos   int
	batchCount int
	snapshots  []Snapshot
	peakAlloc  uint64
	completed  bool

	rowsProcessed atomic.Int64
	rowsInserted  atomic.Int64
	rowsUpdated   atomic.Int64
	rowsSkipped   atomic.Int64
	errorCount    atomic.Int64
	retryCount    atomic.Int64
	totalBytes    atomic.Int64
	throttledMs   atomic.Int64
	lastError     atomic.Value // string

	rowWindow  *slidingWindow
	byteWindow *slidingWindow

	now func() time.Time
}

// NewCollector creates a Collector for one job.
func NewCollector(jobID string, logger zerolog.Logger) *Collector {
	return &Collector{
		jobID:      jobID,
		logger:     logger.With().Str("component", "metrics").Str("job_id", jobID).Logger(),
		status:     "running",
		startedAt:  time.Now(),
		tables:     make(map[string]*TableStats),
		batchMs:    make([]int64, batchWindow),
		rowWindow:  newSlidingWindow(windowElapsed),
		byteWindow: newSlidingWindow(windowElapsed),
		now:        time.Now,
	}
}

// StartTable registers a table and marks it syncing.
func (c *Collector) StartTable(name string, totalRows int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.tables[name]; !ok {
		c.tableOrder = append(c.tableOrder, name)
	}
	c.tables[name] = &TableStats{
		TableName: name,
		Status:    TableSyncing,
		TotalRows: totalRows,
		StartedAt: c.now(),
	}
}

// CompleteTable finalizes a table's stats.
func (c *Collector) CompleteTable(name string, status TableStatus) {
	c.mu.Lock()
	defer c.mu.Unlock()
	ts, ok := c.tables[name]
	if !ok {
		return
	}
	ts.Status = status
	if !ts.StartedAt.IsZero() {
		ts.DurationMs = c.now().Sub(ts.StartedAt).Milliseconds()
		if ts.DurationMs > 0 {
			ts.RowsPerSec = float64(ts.Processed) / (float64(ts.DurationMs) / 1000)
		}
	}
	if ts.TotalRows > 0 {
		ts.Percent = float64(ts.Processed) / float64(ts.TotalRows) * 100
	}
}

// RecordBatch folds one batch outcome into the job and table counters.
func (c *Collector) RecordBatch(table string, rowCount int, durationMs int64, inserted, updated, skipped, errors int, bytes int64) {
	c.rowsProcessed.Add(int64(rowCount))
	c.rowsInserted.Add(int64(inserted))
	c.rowsUpdated.Add(int64(updated))
	c.rowsSkipped.Add(int64(skipped))
	c.errorCount.Add(int64(errors))
	c.totalBytes.Add(bytes)

	now := c.now()
	c.rowWindow.Add(now, float64(rowCount))
	c.byteWindow.Add(now, float64(bytes))

	c.mu.Lock()
	defer c.mu.Unlock()
	c.batchMs[c.batchPos] = durationMs
	c.batchPos = (c.batchPos + 1) % batchWindow
	if c.batchCount < batchWindow {
		c.batchCount++
	}
	if ts, ok := c.tables[table]; ok {
		ts.Processed += int64(rowCount)
		ts.Inserted += int64(inserted)
		ts.Updated += int64(updated)
		ts.Skipped += int64(skipped)
		ts.Errors += int64(errors)
		if ts.TotalRows > 0 {
			ts.Percent = float64(ts.Processed) / float64(ts.TotalRows) * 100
		}
	}
}

// RecordError increments the error count and stores the last message.
func (c *Collector) RecordError(table string, err error) {
	c.errorCount.Add(1)
	if err != nil {
		c.lastError.Store(err.Error())
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if ts, ok := c.tables[table]; ok {
		ts.Errors++
	}
}

// RecordRetry counts one retry attempt.
func (c *Collector) RecordRetry() {
	c.retryCount.Add(1)
}

// RecordThrottling accumulates time spent waiting on the rate limiter.
func (c *Collector) RecordThrottling(d time.Duration) {
	c.throttledMs.Add(d.Milliseconds())
}

// RecordSkip attributes skipped rows to a reason.
func (c *Collector) RecordSkip(reason string, n int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	switch reason {
	case "already_processed":
		c.skipped.AlreadyProcessed += n
	case "no_change":
		c.skipped.NoChange += n
	case "conflict":
		c.skipped.Conflict += n
	case "missing_id":
		c.skipped.MissingID += n
	default:
		c.skipped.Error += n
	}
}

// Snapshot captures the current state and retains it in the snapshot ring.
func (c *Collector) Snapshot() Snapshot {
	var memStats runtime.MemStats
	runtime.ReadMemStats(&memStats)

	c.mu.Lock()
	defer c.mu.Unlock()

	if memStats.Alloc > c.peakAlloc {
		c.peakAlloc = memStats.Alloc
	}

	now := c.now()
	tables := make([]TableStats, 0, len(c.tableOrder))
	completed := 0
	for _, name := range c.tableOrder {
		ts := *c.tables[name]
		tables = append(tables, ts)
		if ts.Status == TableCompleted {
			completed++
		}
	}

	var avgBatch float64
	if c.batchCount > 0 {
		var sum int64
		for i := 0; i < c.batchCount; i++ {
			sum += c.batchMs[i]
		}
		avgBatch = float64(sum) / float64(c.batchCount)
	}

	var lastErr string
	if v := c.lastError.Load(); v != nil {
		lastErr = v.(string)
	}

	snap := Snapshot{
		JobID:           c.jobID,
		Timestamp:       now,
		Status:          c.status,
		StartedAt:       c.startedAt,
		ElapsedSec:      now.Sub(c.startedAt).Seconds(),
		TablesTotal:     len(c.tableOrder),
		TablesCompleted: completed,
		Tables:          tables,
		RowsProcessed:   c.rowsProcessed.Load(),
		RowsInserted:    c.rowsInserted.Load(),
		RowsUpdated:     c.rowsUpdated.Load(),
		RowsSkipped:     c.rowsSkipped.Load(),
		Skipped:         c.skipped,
		ErrorCount:      c.errorCount.Load(),
		RetryCount:      c.retryCount.Load(),
		LastError:       lastErr,
		RowsPerSec:      c.rowWindow.Rate(),
		BytesPerSec:     c.byteWindow.Rate(),
		TotalBytes:      c.totalBytes.Load(),
		AvgBatchMs:      avgBatch,
		ThrottledMs:     c.throttledMs.Load(),
		PeakAllocBytes:  c.peakAlloc,
	}

	c.snapshots = append(c.snapshots, snap)
	if len(c.snapshots) > maxSnapshots {
		c.snapshots = c.snapshots[len(c.snapshots)-maxSnapshots:]
	}
	return snap
}

// Snapshots returns the retained snapshot history, oldest first.
func (c *Collector) Snapshots() []Snapshot {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]Snapshot, len(c.snapshots))
	copy(out, c.snapshots)
	return out
}

// Complete stamps the final status and persists the record. It is
// effective only once, later calls are ignored.
func (c *Collector) Complete(ctx context.Context, status string, durable DurableStore) error {
	c.mu.Lock()
	if c.completed {
		c.mu.Unlock()
		return nil
	}
	c.completed = true
	c.status = status
	c.mu.Unlock()

	snap := c.Snapshot()
	if durable == nil {
		return nil
	}

	payload, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("marshal metrics: %w", err)
	}
	completedAt := snap.Timestamp
	rec := store.JobRecord{
		JobID:       c.jobID,
		Status:      status,
		StartedAt:   c.startedAt,
		CompletedAt: &completedAt,
		Metrics:     payload,
	}
	if err := durable.SaveJobRecord(ctx, rec); err != nil {
		c.logger.Error().Err(err).Msg("failed to persist job metrics")
		return err
	}
	return nil
}

// --- Sliding window for throughput calculation ---

type windowEntry struct {
	time  time.Time
	value float64
}

type slidingWindow struct {
	mu      sync.Mutex
	entries []windowEntry
	window  time.Duration
}

func newSlidingWindow(d time.Duration) *slidingWindow {
	return &slidingWindow{
		entries: make([]windowEntry, 0, 128),
		window:  d,
	}
}

func (w *slidingWindow) Add(t time.Time, val float64) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.entries = append(w.entries, windowEntry{time: t, value: val})
	w.evict(t)
}

func (w *slidingWindow) Rate() float64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	now := time.Now()
	w.evict(now)
	if len(w.entries) == 0 {
		return 0
	}
	var total float64
	for _, e := range w.entries {
		total += e.value
	}
	elapsed := now.Sub(w.entries[0].time).Seconds()
	if elapsed < 1 {
		elapsed = 1
	}
	return total / elapsed
}

func (w *slidingWindow) evict(now time.Time) {
	cutoff := now.Add(-w.window)
	i := 0
	for i < len(w.entries) && w.entries[i].time.Before(cutoff) {
		i++
	}
	if i > 0 {
		w.entries = w.entries[i:]
	}
}
