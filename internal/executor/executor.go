// Package executor drives a sync job end to end: pre-flight checks, target
// backup, FK-ordered table walk, batched row movement inside SERIALIZABLE
// transactions, conflict resolution, checkpointing, and rollback on
// catastrophic failure.
package executor

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/jfoltran/pgsync/internal/backup"
	"github.com/jfoltran/pgsync/internal/config"
	"github.com/jfoltran/pgsync/internal/db"
	"github.com/jfoltran/pgsync/internal/diff"
	"github.com/jfoltran/pgsync/internal/inspect"
	"github.com/jfoltran/pgsync/internal/metrics"
	"github.com/jfoltran/pgsync/internal/ratelimit"
	"github.com/jfoltran/pgsync/internal/retry"
	"github.com/jfoltran/pgsync/internal/sink"
	"github.com/jfoltran/pgsync/internal/store"
	"github.com/jfoltran/pgsync/internal/track"
	"github.com/jfoltran/pgsync/internal/validate"
)

const interBatchGate = 100 * time.Millisecond

var (
	ErrNoTablesEnabled = errors.New("no tables enabled for sync")

	errCancelled = errors.New("sync cancelled")
	errPaused    = errors.New("sync paused")
)

// Executor owns all job-scoped state for the duration of one Execute call.
type Executor struct {
	opts     Options
	settings config.SyncSettings
	logger   zerolog.Logger

	cancelled atomic.Bool
	paused    atomic.Bool

	mu         sync.Mutex
	state      State
	checkpoint Checkpoint

	source *db.DB
	target *db.DB
	book   *db.DB

	st        *store.Store
	collector *metrics.Collector
	limiter   *ratelimit.Limiter
	tracker   *track.Tracker
	engine    *diff.Engine
	events    *sink.Sink
	backups   *backup.Manager
	backupID  uuid.UUID

	// deferredFKs lists, per table on an FK cycle, the constraints to defer
	// inside each write transaction.
	deferredFKs map[string][]string

	sleep        func(ctx context.Context, d time.Duration) error
	completeOnce sync.Once
}

// New builds an Executor. Execute must be called exactly once.
func New(opts Options, logger zerolog.Logger) *Executor {
	settings := opts.Sync
	defaults := config.DefaultSyncSettings()
	if settings.BatchSize <= 0 {
		settings.BatchSize = defaults.BatchSize
	}
	if settings.BulkInsertSize <= 0 {
		settings.BulkInsertSize = defaults.BulkInsertSize
	}
	if settings.CheckpointInterval <= 0 {
		settings.CheckpointInterval = defaults.CheckpointInterval
	}
	if settings.MaxRetries <= 0 {
		settings.MaxRetries = defaults.MaxRetries
	}
	if settings.RetryDelay <= 0 {
		settings.RetryDelay = defaults.RetryDelay
	}
	if settings.JobTimeout <= 0 {
		settings.JobTimeout = defaults.JobTimeout
	}
	if settings.BatchTimeout <= 0 {
		settings.BatchTimeout = defaults.BatchTimeout
	}

	e := &Executor{
		opts:        opts,
		settings:    settings,
		logger:      logger.With().Str("component", "executor").Str("job_id", opts.JobID).Logger(),
		state:       StatePending,
		deferredFKs: make(map[string][]string),
		sleep:       sleepCtx,
	}
	if opts.Checkpoint != nil {
		e.checkpoint = *opts.Checkpoint
	}
	return e
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Cancel requests a cooperative stop. The executor checkpoints at the next
// loop boundary and returns.
func (e *Executor) Cancel() {
	e.cancelled.Store(true)
}

// Pause requests a cooperative pause with a checkpoint for later resume.
func (e *Executor) Pause() {
	e.paused.Store(true)
}

// State returns the job's lifecycle state.
func (e *Executor) State() State {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

func (e *Executor) setState(s State) {
	e.mu.Lock()
	e.state = s
	e.mu.Unlock()
}

// CurrentCheckpoint returns a copy of the latest checkpoint.
func (e *Executor) CurrentCheckpoint() Checkpoint {
	e.mu.Lock()
	defer e.mu.Unlock()
	cp := e.checkpoint
	cp.ProcessedTables = append([]string(nil), e.checkpoint.ProcessedTables...)
	return cp
}

func (e *Executor) setCursor(table string, lastID uuid.UUID, lastUpdated time.Time) {
	e.mu.Lock()
	e.checkpoint.LastTable = table
	e.checkpoint.LastRowID = lastID
	if !lastUpdated.IsZero() {
		e.checkpoint.LastUpdatedAt = lastUpdated
	}
	e.mu.Unlock()
}

func (e *Executor) markTableProcessed(table string) {
	e.mu.Lock()
	e.checkpoint.ProcessedTables = append(e.checkpoint.ProcessedTables, table)
	e.mu.Unlock()
}

func (e *Executor) emitCheckpoint() {
	if e.opts.OnCheckpoint != nil {
		e.opts.OnCheckpoint(e.CurrentCheckpoint())
	}
}

func (e *Executor) complete(success bool) {
	e.completeOnce.Do(func() {
		cp := e.CurrentCheckpoint()
		if e.opts.OnComplete != nil {
			e.opts.OnComplete(success, &cp)
		}
	})
}

func (e *Executor) retryConfig() retry.Config {
	return retry.Config{
		MaxRetries:   e.settings.MaxRetries,
		InitialDelay: e.settings.RetryDelay,
		Retryable:    IsRetryable,
		OnRetry: func(attempt int, err error, delay time.Duration) {
			if e.collector != nil {
				e.collector.RecordRetry()
			}
			e.logger.Warn().
				Int("attempt", attempt).
				Dur("delay", delay).
				Err(err).
				Msg("retrying after transient error")
		},
	}
}

// Execute runs the job. The completion callback fires exactly once on every
// path out of this method.
func (e *Executor) Execute(ctx context.Context) (err error) {
	e.setState(StateRunning)
	e.events = sink.New(e.opts.OnProgress, e.opts.OnLog, e.logger)
	defer e.events.Close()

	jobCtx, cancel := context.WithTimeout(ctx, e.settings.JobTimeout)
	defer cancel()

	success := false
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("sync job panicked: %v", r)
			e.handleFatal(err)
		}
		if success {
			e.setState(StateCompleted)
		}
		e.finishMetrics(success)
		e.complete(success)
		e.closeConnections()
	}()

	if err := e.preflight(jobCtx); err != nil {
		e.setState(StateFailed)
		e.events.Log(sink.LevelError, "pre-flight failed", map[string]string{"error": err.Error()})
		return err
	}

	order, resume, err := e.planTables(jobCtx)
	if err != nil {
		e.setState(StateFailed)
		return err
	}

	e.createBackup(jobCtx, order)

	var tableFailures int
	for _, table := range order {
		if err := e.checkInterrupts(jobCtx); err != nil {
			e.emitCheckpoint()
			e.handleInterrupt(err)
			return err
		}

		afterID := uuid.Nil
		if resume.table == table {
			afterID = resume.afterID
		}

		if err := e.syncTable(jobCtx, table, afterID); err != nil {
			switch {
			case errors.Is(err, errCancelled), errors.Is(err, errPaused),
				errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
				e.emitCheckpoint()
				e.handleInterrupt(err)
				return err
			default:
				// Table-level failure: checkpoint at the failed table and
				// move on to the next one.
				tableFailures++
				e.collector.CompleteTable(table, metrics.TableFailed)
				e.collector.RecordError(table, err)
				e.events.Log(sink.LevelError, "table sync failed", map[string]string{
					"table": table,
					"error": err.Error(),
				})
				e.emitCheckpoint()
				continue
			}
		}

		e.markTableProcessed(table)
		e.collector.CompleteTable(table, metrics.TableCompleted)
		e.events.Progress(e.collector.Snapshot())
	}

	success = true
	if tableFailures > 0 {
		e.events.Log(sink.LevelWarn, "sync completed with failed tables",
			map[string]string{"failed_tables": fmt.Sprintf("%d", tableFailures)})
	}
	return nil
}

// createBackup snapshots the target tables before the first batch. The
// tables arrive in FK dependency order so a restore can delete children
// before parents. Skipped on resume: the pre-sync state is already gone.
func (e *Executor) createBackup(ctx context.Context, tables []string) {
	if e.opts.Checkpoint != nil || e.backups == nil {
		return
	}
	id, err := e.backups.Create(ctx, e.opts.JobID, tables)
	if err != nil {
		// Non-fatal: the sync proceeds without rollback protection.
		e.events.Log(sink.LevelWarn, "target backup failed, continuing without rollback protection",
			map[string]string{"error": err.Error()})
		return
	}
	e.backupID = id
}

// preflight opens connections and starts the collector.
func (e *Executor) preflight(ctx context.Context) error {
	if len(e.opts.enabledTables()) == 0 {
		return ErrNoTablesEnabled
	}

	e.collector = metrics.NewCollector(e.opts.JobID, e.logger)

	cfg := e.retryConfig()
	var err error
	e.source, err = retry.Do(ctx, cfg, func(ctx context.Context) (*db.DB, error) {
		return db.Open(ctx, e.opts.SourceURL, e.logger)
	})
	if err != nil {
		return fmt.Errorf("open source: %w", err)
	}
	e.target, err = retry.Do(ctx, cfg, func(ctx context.Context) (*db.DB, error) {
		return db.Open(ctx, e.opts.TargetURL, e.logger)
	})
	if err != nil {
		return fmt.Errorf("open target: %w", err)
	}

	if e.opts.StoreURL != "" {
		e.book, err = retry.Do(ctx, cfg, func(ctx context.Context) (*db.DB, error) {
			return db.OpenStore(ctx, e.opts.StoreURL, e.logger)
		})
		if err != nil {
			return fmt.Errorf("open bookkeeping store: %w", err)
		}
		e.st = store.NewStore(e.book.Pool)
		e.tracker = track.New(track.NewMemoryStore(0), e.st, e.logger)
		e.backups = backup.NewManager(e.target.Pool, e.st, e.logger)
	} else {
		e.tracker = track.New(track.NewMemoryStore(0), nil, e.logger)
	}

	e.limiter = ratelimit.New(ratelimit.Config{
		MaxOpsPerSecond:   e.opts.RateLimit.MaxOpsPerSecond,
		MaxBytesPerSecond: e.opts.RateLimit.MaxBytesPerSecond,
		BurstMultiplier:   e.opts.RateLimit.BurstMultiplier,
		SlowResponse:      e.opts.RateLimit.SlowResponse,
		FastResponse:      e.opts.RateLimit.FastResponse,
	}, e.logger)
	e.engine = diff.New(e.source.Pool, e.target.Pool, e.logger)
	return nil
}

type resumePoint struct {
	table   string
	afterID uuid.UUID
}

// planTables inspects both sides, records FK cycles for constraint
// deferral, computes the topological order, and applies resume state.
func (e *Executor) planTables(ctx context.Context) ([]string, resumePoint, error) {
	var resume resumePoint

	enabled := e.opts.enabledTables()
	names := make([]string, 0, len(enabled))
	for _, t := range enabled {
		names = append(names, t.TableName)
	}

	sourceSchema, err := inspect.New(e.source.Pool, e.logger).Inspect(ctx)
	if err != nil {
		return nil, resume, fmt.Errorf("inspect source: %w", err)
	}
	targetSchema, err := inspect.New(e.target.Pool, e.logger).Inspect(ctx)
	if err != nil {
		return nil, resume, fmt.Errorf("inspect target: %w", err)
	}

	selectedSource := make([]inspect.DetailedTableSchema, 0, len(names))
	selectedTarget := make([]inspect.DetailedTableSchema, 0, len(names))
	for _, name := range names {
		if t, ok := sourceSchema.Table(name); ok {
			selectedSource = append(selectedSource, t)
		}
		if t, ok := targetSchema.Table(name); ok {
			selectedTarget = append(selectedTarget, t)
		}
	}

	for _, cycle := range validate.DetectCircularDependencies(selectedTarget) {
		e.logger.Warn().Strs("cycle", cycle).Msg("foreign key cycle on target")
		for _, name := range cycle {
			t, ok := targetSchema.Table(name)
			if !ok {
				continue
			}
			for _, fk := range t.ForeignKeys {
				if fk.Deferrable {
					e.deferredFKs[name] = append(e.deferredFKs[name], fk.ConstraintName)
				}
			}
		}
	}

	order := validate.SyncOrder(selectedSource)
	if !equalStrings(order, names) {
		e.logger.Info().Strs("order", order).Msg("tables reordered by foreign key dependencies")
	}

	if cp := e.opts.Checkpoint; cp != nil {
		done := make(map[string]bool, len(cp.ProcessedTables))
		for _, t := range cp.ProcessedTables {
			done[t] = true
		}
		remaining := order[:0:0]
		for _, t := range order {
			if !done[t] {
				remaining = append(remaining, t)
			}
		}
		order = remaining
		resume = resumePoint{table: cp.LastTable, afterID: cp.LastRowID}
	}
	return order, resume, nil
}

// checkInterrupts enforces cooperative cancellation, pause, and the job
// timeout at loop boundaries.
func (e *Executor) checkInterrupts(ctx context.Context) error {
	if e.cancelled.Load() {
		return errCancelled
	}
	if e.paused.Load() {
		return errPaused
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	return nil
}

func (e *Executor) handleInterrupt(err error) {
	switch {
	case errors.Is(err, errPaused), errors.Is(err, errCancelled):
		e.setState(StatePaused)
		e.events.Log(sink.LevelInfo, "sync stopped", map[string]string{"reason": err.Error()})
	default:
		e.setState(StateFailed)
		e.events.Log(sink.LevelError, "sync timed out", map[string]string{"error": err.Error()})
	}
}

// handleFatal reacts to an error escaping the batch loop: restore the
// target from the pre-sync backup when one completed.
func (e *Executor) handleFatal(err error) {
	e.setState(StateFailed)
	e.logger.Error().Err(err).Msg("fatal sync error")

	if e.backupID == uuid.Nil || e.backups == nil {
		return
	}
	restoreCtx, cancel := context.WithTimeout(context.Background(), 10*time.Minute)
	defer cancel()
	if restoreErr := e.backups.Restore(restoreCtx, e.backupID); restoreErr != nil {
		// Manual recovery marker: the backup id is the handle an operator needs.
		e.logger.Error().
			Str("backup_id", e.backupID.String()).
			Err(restoreErr).
			Msg("CRITICAL: backup restore failed, manual recovery required")
		return
	}
	e.events.Log(sink.LevelWarn, "target restored from pre-sync backup",
		map[string]string{"backup_id": e.backupID.String()})
}

func (e *Executor) finishMetrics(success bool) {
	if e.collector == nil {
		return
	}
	status := "completed"
	switch e.State() {
	case StateFailed:
		status = "failed"
	case StatePaused:
		status = "paused"
	default:
		if !success {
			status = "failed"
		}
	}

	persistCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	var durable metrics.DurableStore
	if e.st != nil {
		durable = e.st
	}
	if err := e.collector.Complete(persistCtx, status, durable); err != nil {
		e.logger.Warn().Err(err).Msg("could not persist job metrics")
	}
}

func (e *Executor) closeConnections() {
	if e.source != nil {
		e.source.Close()
	}
	if e.target != nil {
		e.target.Close()
	}
	if e.book != nil {
		e.book.Close()
	}
}

func equalStrings(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
