package executor

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/rs/zerolog"

	"github.com/jfoltran/pgsync/internal/config"
	"github.com/jfoltran/pgsync/internal/diff"
	"github.com/jfoltran/pgsync/internal/inspect"
	"github.com/jfoltran/pgsync/internal/retry"
	"github.com/jfoltran/pgsync/internal/rowval"
	"github.com/jfoltran/pgsync/internal/sink"
	"github.com/jfoltran/pgsync/internal/sqlbuild"
	"github.com/jfoltran/pgsync/internal/store"
)

// maxTableErrors bounds how many row error messages a table summary keeps.
const maxTableErrors = 10

// batchCounts accumulates the outcome of one batch attempt. Collector and
// store side effects are deferred to flushCounts after the attempt commits,
// so a retried attempt never double-counts.
type batchCounts struct {
	inserted int
	updated  int
	skipped  int
	errors   int
	bytes    int64

	skips     skipCounts
	markers   []store.ProcessedRow
	conflicts []store.Conflict
	rowErrs   []error
	errMsgs   []string
}

// skipCounts attributes skipped rows by reason.
type skipCounts struct {
	alreadyProcessed int64
	noChange         int64
	conflict         int64
	missingID        int64
	errored          int64
}

func (c *batchCounts) skipError(msg string, err error) {
	c.skipped++
	c.errors++
	c.skips.errored++
	c.errMsgs = append(c.errMsgs, msg)
	if err != nil {
		c.rowErrs = append(c.rowErrs, err)
	}
}

// syncTable moves one table's rows from source to target. afterID resumes
// keyset pagination mid-table; uuid.Nil starts from the beginning.
func (e *Executor) syncTable(ctx context.Context, table string, afterID uuid.UUID) error {
	logger := e.logger.With().Str("table", table).Logger()
	strategy := e.opts.strategyFor(table)

	meta, err := inspect.New(e.target.Pool, logger).CollectTableMeta(ctx, table)
	if err != nil {
		return fmt.Errorf("collect metadata for %s: %w", table, err)
	}
	if len(meta.Triggers) > 0 {
		logger.Info().Strs("triggers", meta.Triggers).Msg("target table has triggers, they will fire during sync")
	}
	if meta.CheckCount > 0 {
		logger.Debug().Int("check_constraints", meta.CheckCount).Msg("target check constraints counted")
	}

	total, err := inspect.New(e.source.Pool, logger).ExactRowCount(ctx, table)
	if err != nil {
		return fmt.Errorf("count source rows for %s: %w", table, err)
	}
	e.collector.StartTable(table, total)
	logger.Info().Int64("source_rows", total).Str("strategy", string(strategy)).Msg("table sync started")

	var tableErrs []string
	rowsSinceCheckpoint := 0

	for {
		if err := e.checkInterrupts(ctx); err != nil {
			e.emitCheckpoint()
			return err
		}

		page, err := e.fetchPage(ctx, table, afterID)
		if err != nil {
			return fmt.Errorf("fetch batch for %s after %s: %w", table, afterID, err)
		}
		for _, w := range page.Warnings {
			logger.Warn().Str("column", w.Column).Str("reason", w.Message).Msg("value normalized to null")
		}
		if len(page.Rows) == 0 {
			break
		}

		batchBytes := 0
		for _, r := range page.Rows {
			batchBytes += r.EstimatedSize()
		}
		waited, err := e.limiter.Acquire(ctx, len(page.Rows), batchBytes)
		if err != nil {
			return fmt.Errorf("rate limit wait for %s: %w", table, err)
		}
		if waited > 0 {
			e.collector.RecordThrottling(waited)
		}

		started := time.Now()
		// Serialization failures and deadlocks on commit are expected under
		// SERIALIZABLE; the transaction rolls back cleanly, so the whole
		// batch is retried under the transient policy.
		counts, err := retry.Do(ctx, e.retryConfig(), func(ctx context.Context) (batchCounts, error) {
			return e.applyBatch(ctx, logger, table, strategy, meta, page.Rows)
		})
		if err != nil {
			return fmt.Errorf("apply batch for %s: %w", table, err)
		}
		elapsed := time.Since(started)

		e.flushCounts(ctx, logger, table, counts, &tableErrs)

		if err := e.tracker.MarkProcessed(ctx, counts.markers); err != nil {
			logger.Warn().Err(err).Msg("could not persist idempotency markers")
		}

		e.collector.RecordBatch(table, len(page.Rows), elapsed.Milliseconds(),
			counts.inserted, counts.updated, counts.skipped, counts.errors, counts.bytes)
		e.limiter.Observe(elapsed)

		lastUpdated := time.Time{}
		if n := len(page.Rows); n > 0 {
			if ts, ok := page.Rows[n-1].UpdatedAt(); ok {
				lastUpdated = ts
			}
		}
		e.setCursor(table, page.LastID, lastUpdated)

		rowsSinceCheckpoint += len(page.Rows)
		if rowsSinceCheckpoint >= e.settings.CheckpointInterval {
			rowsSinceCheckpoint = 0
			e.emitCheckpoint()
		}
		e.events.Progress(e.collector.Snapshot())

		if !page.HasMore {
			break
		}
		afterID = page.LastID
		if err := e.sleep(ctx, interBatchGate); err != nil {
			return err
		}
	}

	if len(tableErrs) > 0 {
		logger.Warn().Strs("first_errors", tableErrs).Msg("table finished with skipped rows")
		e.events.Log(sink.LevelWarn, "rows skipped due to errors", map[string]string{
			"table": table,
			"count": fmt.Sprintf("%d", len(tableErrs)),
		})
	}
	logger.Info().Msg("table sync finished")
	return nil
}

// fetchPage reads one source batch with the transient retry policy and the
// per-batch timeout.
func (e *Executor) fetchPage(ctx context.Context, table string, afterID uuid.UUID) (diff.Page, error) {
	return retry.Do(ctx, e.retryConfig(), func(ctx context.Context) (diff.Page, error) {
		return retry.WithTimeout(ctx, e.settings.BatchTimeout, func(ctx context.Context) (diff.Page, error) {
			return e.engine.PageRows(ctx, table, nil, afterID, e.settings.BatchSize)
		})
	})
}

// applyBatch writes one batch inside a single SERIALIZABLE transaction.
// Row-level failures are absorbed via savepoints; only transaction-level
// failures propagate. On error the returned counts are discarded by the
// caller, so this method must not touch the collector or the store.
func (e *Executor) applyBatch(ctx context.Context, logger zerolog.Logger, table string,
	strategy config.ConflictStrategy, meta inspect.TableMeta, rows []rowval.Row) (batchCounts, error) {

	var counts batchCounts

	targetState, err := e.targetRows(ctx, table, rows)
	if err != nil {
		return counts, err
	}
	l := partitionRows(rows, targetState)

	if n := len(l.noID); n > 0 {
		counts.skipped += n
		counts.skips.missingID += int64(n)
	}

	tx, err := e.target.Pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.Serializable})
	if err != nil {
		return counts, fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	// SET CONSTRAINTS is transaction-scoped, so cycle-table deferral is
	// re-applied in every batch transaction.
	for _, fk := range e.deferredFKs[table] {
		if _, err := tx.Exec(ctx, fmt.Sprintf("SET CONSTRAINTS %s DEFERRED", sqlbuild.Ident(fk))); err != nil {
			logger.Warn().Str("constraint", fk).Err(err).Msg("could not defer constraint")
		}
	}

	e.applyInserts(ctx, tx, logger, table, meta, l.inserts, &counts)
	if err := e.applyUpdates(ctx, tx, logger, table, strategy, meta, l.updates, &counts); err != nil {
		return batchCounts{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return batchCounts{}, fmt.Errorf("commit batch: %w", err)
	}
	return counts, nil
}

// flushCounts applies a committed batch's deferred side effects: skip
// attribution, row error records, and manual conflicts.
func (e *Executor) flushCounts(ctx context.Context, logger zerolog.Logger, table string,
	counts batchCounts, tableErrs *[]string) {

	if counts.skips.missingID > 0 {
		logger.Warn().Int64("rows", counts.skips.missingID).Msg("rows without a parseable id skipped")
		e.collector.RecordSkip("missing_id", counts.skips.missingID)
	}
	if counts.skips.alreadyProcessed > 0 {
		e.collector.RecordSkip("already_processed", counts.skips.alreadyProcessed)
	}
	if counts.skips.noChange > 0 {
		e.collector.RecordSkip("no_change", counts.skips.noChange)
	}
	if counts.skips.conflict > 0 {
		e.collector.RecordSkip("conflict", counts.skips.conflict)
	}
	if counts.skips.errored > 0 {
		e.collector.RecordSkip("error", counts.skips.errored)
	}
	for _, rerr := range counts.rowErrs {
		e.collector.RecordError(table, rerr)
	}
	for _, msg := range counts.errMsgs {
		if len(*tableErrs) < maxTableErrors {
			*tableErrs = append(*tableErrs, msg)
		}
	}
	for _, c := range counts.conflicts {
		e.recordConflict(ctx, logger, c)
	}
}

// targetRows fetches the target's id and updated_at for every id in the
// batch with one query.
func (e *Executor) targetRows(ctx context.Context, table string, rows []rowval.Row) (map[uuid.UUID]targetRow, error) {
	ids := make([]uuid.UUID, 0, len(rows))
	for _, r := range rows {
		if s, ok := r.ID(); ok {
			if id, err := uuid.Parse(s); err == nil {
				ids = append(ids, id)
			}
		}
	}
	out := make(map[uuid.UUID]targetRow, len(ids))
	if len(ids) == 0 {
		return out, nil
	}

	q := fmt.Sprintf("SELECT id, updated_at FROM %s WHERE id = ANY($1)", sqlbuild.Ident(table))
	res, err := e.target.Pool.Query(ctx, q, ids)
	if err != nil {
		return nil, fmt.Errorf("fetch target state for %s: %w", table, err)
	}
	defer res.Close()
	for res.Next() {
		var id uuid.UUID
		var ts *time.Time
		if err := res.Scan(&id, &ts); err != nil {
			return nil, fmt.Errorf("scan target state: %w", err)
		}
		out[id] = targetRow{updatedAt: ts}
	}
	return out, res.Err()
}

// applyInserts writes the insert lane: validated rows in bulk chunks, with
// oversize rows and bulk failures degrading to per-row savepoint writes.
func (e *Executor) applyInserts(ctx context.Context, tx pgx.Tx, logger zerolog.Logger, table string,
	meta inspect.TableMeta, inserts []insertRow, counts *batchCounts) {

	chunk := make([]rowval.Row, 0, e.settings.BulkInsertSize)
	chunkIDs := make([]insertRow, 0, e.settings.BulkInsertSize)

	flush := func() {
		if len(chunk) == 0 {
			return
		}
		if err := upsertChunk(ctx, tx, table, chunk); err != nil {
			logger.Debug().Err(err).Int("rows", len(chunk)).Msg("bulk insert failed, retrying per row")
			for i, r := range chunk {
				e.insertSingle(ctx, tx, logger, table, r, chunkIDs[i].id, counts)
			}
		} else {
			counts.inserted += len(chunk)
			for i, r := range chunk {
				counts.bytes += int64(r.EstimatedSize())
				counts.markers = append(counts.markers, e.marker(table, chunkIDs[i].id, r, "insert"))
			}
		}
		chunk = chunk[:0]
		chunkIDs = chunkIDs[:0]
	}

	for _, ins := range inserts {
		if reason := validateRow(ins.row, meta); reason != "" {
			counts.skipError(fmt.Sprintf("row %s: %s", ins.id, reason), nil)
			continue
		}
		row := insertColumns(ins.row, meta)
		if row.EstimatedSize() > maxRowBytes {
			flush()
			e.insertSingle(ctx, tx, logger, table, row, ins.id, counts)
			continue
		}
		// Bulk chunks need a uniform column set; a row that differs flushes
		// the chunk and goes alone.
		if len(chunk) > 0 && !sameColumns(chunk[0].Columns, row.Columns) {
			flush()
		}
		chunk = append(chunk, row)
		chunkIDs = append(chunkIDs, ins)
		if len(chunk) >= e.settings.BulkInsertSize {
			flush()
		}
	}
	flush()
}

func (e *Executor) insertSingle(ctx context.Context, tx pgx.Tx, logger zerolog.Logger, table string,
	row rowval.Row, id uuid.UUID, counts *batchCounts) {

	if err := upsertOne(ctx, tx, table, row); err != nil {
		class := Classify(err)
		logger.Warn().Str("row_id", id.String()).Str("class", class.String()).Err(err).Msg("row insert failed")
		counts.skipError(fmt.Sprintf("row %s: %v", id, err), err)
		return
	}
	counts.inserted++
	counts.bytes += int64(row.EstimatedSize())
	counts.markers = append(counts.markers, e.marker(table, id, row, "insert"))
}

// applyUpdates resolves and writes the update lane row by row.
func (e *Executor) applyUpdates(ctx context.Context, tx pgx.Tx, logger zerolog.Logger, table string,
	strategy config.ConflictStrategy, meta inspect.TableMeta, updates []updateRow,
	counts *batchCounts) error {

	if len(updates) == 0 {
		return nil
	}

	ids := make([]uuid.UUID, len(updates))
	for i, u := range updates {
		ids[i] = u.id
	}
	processed, err := e.tracker.ProcessedRowIDs(ctx, e.opts.JobID, table, ids)
	if err != nil {
		logger.Warn().Err(err).Msg("idempotency lookup failed, treating batch as unprocessed")
		processed = map[uuid.UUID]time.Time{}
	}

	for _, u := range updates {
		src, ok := u.row.UpdatedAt()
		if !ok {
			counts.skipError(fmt.Sprintf("row %s: unparseable updated_at", u.id), nil)
			continue
		}

		// A marker at or past the source timestamp means this exact change
		// already landed in a previous run.
		if marked, seen := processed[u.id]; seen && !marked.Before(src) {
			counts.skipped++
			counts.skips.alreadyProcessed++
			continue
		}

		switch decideUpdate(e.opts.Direction, strategy, src, u.targetUpdatedAt) {
		case actSkip:
			counts.skipped++
			counts.skips.noChange++
		case actSkipConflict:
			counts.skipped++
			counts.skips.conflict++
		case actConflict:
			counts.skipped++
			counts.skips.conflict++
			srcTS := src
			counts.conflicts = append(counts.conflicts, store.Conflict{
				ID:              uuid.New(),
				JobID:           e.opts.JobID,
				TableName:       table,
				RowID:           u.id,
				Strategy:        string(strategy),
				Winner:          "target",
				SourceUpdatedAt: &srcTS,
				TargetUpdatedAt: u.targetUpdatedAt,
			})
		case actApply:
			if reason := validateRow(u.row, meta); reason != "" {
				counts.skipError(fmt.Sprintf("row %s: %s", u.id, reason), nil)
				continue
			}
			if err := updateOne(ctx, tx, table, u.row, u.id, meta); err != nil {
				class := Classify(err)
				logger.Warn().Str("row_id", u.id.String()).Str("class", class.String()).Err(err).Msg("row update failed")
				counts.skipError(fmt.Sprintf("row %s: %v", u.id, err), err)
				continue
			}
			counts.updated++
			counts.bytes += int64(u.row.EstimatedSize())
			counts.markers = append(counts.markers, e.marker(table, u.id, u.row, "update"))
		}
	}
	return nil
}

// recordConflict persists a manual conflict for operator review. Best
// effort: a write failure must not fail the batch.
func (e *Executor) recordConflict(ctx context.Context, logger zerolog.Logger, c store.Conflict) {
	if e.st == nil {
		logger.Warn().Str("row_id", c.RowID.String()).Msg("manual conflict detected, no store configured to record it")
		return
	}
	if err := e.st.RecordConflict(ctx, c); err != nil {
		logger.Warn().Str("row_id", c.RowID.String()).Err(err).Msg("could not record conflict")
	}
}

func (e *Executor) marker(table string, id uuid.UUID, row rowval.Row, op string) store.ProcessedRow {
	ts, _ := row.UpdatedAt()
	return store.ProcessedRow{
		JobID:     e.opts.JobID,
		TableName: table,
		RowID:     id,
		UpdatedAt: ts,
		Operation: op,
	}
}

func sameColumns(a, b []string) bool {
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
