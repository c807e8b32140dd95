// Package diff computes what a sync would change: a per-table preview of
// pending inserts and updates, and the keyset-paginated source reads the
// executor consumes. Pagination is always ordered by id ascending, offset
// pagination is never used.
package diff

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"

	"github.com/jfoltran/pgsync/internal/rowval"
	"github.com/jfoltran/pgsync/internal/sqlbuild"
)

const (
	compareChunkSize  = 1000
	DefaultSampleSize = 10
)

// TableDiff is the preview result for one table.
type TableDiff struct {
	TableName      string      `json:"table_name"`
	Inserts        int64       `json:"inserts"`
	Updates        int64       `json:"updates"`
	SourceRowCount int64       `json:"source_row_count"`
	TargetRowCount int64       `json:"target_row_count"`
	SampleInserts  []uuid.UUID `json:"sample_inserts"`
	SampleUpdates  []uuid.UUID `json:"sample_updates"`
}

// Options tunes a preview run.
type Options struct {
	Since      *time.Time
	SampleSize int
}

// Page is one keyset page of source rows. LastID feeds the next call's
// afterID; HasMore is computed from an extra fetched row that is dropped.
type Page struct {
	Rows     []rowval.Row
	Warnings []rowval.Warning
	HasMore  bool
	LastID   uuid.UUID
}

type Engine struct {
	source *pgxpool.Pool
	target *pgxpool.Pool
	logger zerolog.Logger
}

func New(source, target *pgxpool.Pool, logger zerolog.Logger) *Engine {
	return &Engine{
		source: source,
		target: target,
		logger: logger.With().Str("component", "diff").Logger(),
	}
}

// Calculate previews every given table.
func (e *Engine) Calculate(ctx context.Context, tables []string, opts Options) ([]TableDiff, error) {
	if opts.SampleSize <= 0 {
		opts.SampleSize = DefaultSampleSize
	}
	out := make([]TableDiff, 0, len(tables))
	for _, table := range tables {
		d, err := e.calculateTable(ctx, table, opts)
		if err != nil {
			return nil, fmt.Errorf("diff %s: %w", table, err)
		}
		out = append(out, d)
	}
	return out, nil
}

func (e *Engine) calculateTable(ctx context.Context, table string, opts Options) (TableDiff, error) {
	d := TableDiff{TableName: table}

	srcIDs, err := e.idSet(ctx, e.source, table, opts.Since)
	if err != nil {
		return d, fmt.Errorf("source ids: %w", err)
	}
	tgtIDs, err := e.idSet(ctx, e.target, table, nil)
	if err != nil {
		return d, fmt.Errorf("target ids: %w", err)
	}
	d.SourceRowCount = int64(len(srcIDs))
	d.TargetRowCount = int64(len(tgtIDs))

	tgtSet := make(map[uuid.UUID]bool, len(tgtIDs))
	for _, id := range tgtIDs {
		tgtSet[id] = true
	}

	var common []uuid.UUID
	for _, id := range srcIDs {
		if tgtSet[id] {
			common = append(common, id)
			continue
		}
		d.Inserts++
		if len(d.SampleInserts) < opts.SampleSize {
			d.SampleInserts = append(d.SampleInserts, id)
		}
	}

	for start := 0; start < len(common); start += compareChunkSize {
		end := start + compareChunkSize
		if end > len(common) {
			end = len(common)
		}
		chunk := common[start:end]

		srcTimes, err := e.updatedAtByID(ctx, e.source, table, chunk)
		if err != nil {
			return d, fmt.Errorf("source timestamps: %w", err)
		}
		tgtTimes, err := e.updatedAtByID(ctx, e.target, table, chunk)
		if err != nil {
			return d, fmt.Errorf("target timestamps: %w", err)
		}
		for _, id := range chunk {
			st, sok := srcTimes[id]
			tt, tok := tgtTimes[id]
			if sok && tok && st.After(tt) {
				d.Updates++
				if len(d.SampleUpdates) < opts.SampleSize {
					d.SampleUpdates = append(d.SampleUpdates, id)
				}
			}
		}
	}

	e.logger.Debug().
		Str("table", table).
		Int64("inserts", d.Inserts).
		Int64("updates", d.Updates).
		Msg("diff calculated")
	return d, nil
}

func (e *Engine) idSet(ctx context.Context, pool *pgxpool.Pool, table string, since *time.Time) ([]uuid.UUID, error) {
	q := fmt.Sprintf("SELECT id FROM %s", sqlbuild.Ident(table))
	var args []any
	if since != nil {
		q += " WHERE updated_at >= $1"
		args = append(args, *since)
	}
	rows, err := pool.Query(ctx, q, args...)
	if err != nil {
		return nil, err
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

func (e *Engine) updatedAtByID(ctx context.Context, pool *pgxpool.Pool, table string, ids []uuid.UUID) (map[uuid.UUID]time.Time, error) {
	q := fmt.Sprintf("SELECT id, updated_at FROM %s WHERE id = ANY($1)", sqlbuild.Ident(table))
	rows, err := pool.Query(ctx, q, ids)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make(map[uuid.UUID]time.Time, len(ids))
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

// PageRows fetches one keyset page from the source: rows with id greater
// than afterID, ordered by id ascending. It requests one row beyond
// batchSize to learn whether more pages remain.
func (e *Engine) PageRows(ctx context.Context, table string, since *time.Time, afterID uuid.UUID, batchSize int) (Page, error) {
	var page Page

	q := fmt.Sprintf("SELECT * FROM %s WHERE id > $1", sqlbuild.Ident(table))
	args := []any{afterID}
	if since != nil {
		q += " AND updated_at >= $2"
		args = append(args, *since)
	}
	q += fmt.Sprintf(" ORDER BY id ASC LIMIT %d", batchSize+1)

	rows, err := e.source.Query(ctx, q, args...)
	if err != nil {
		return page, fmt.Errorf("page %s after %s: %w", table, afterID, err)
	}
	defer rows.Close()

	fields := rows.FieldDescriptions()
	columns := make([]string, len(fields))
	for i, f := range fields {
		columns[i] = f.Name
	}

	for rows.Next() {
		values, err := rows.Values()
		if err != nil {
			return page, fmt.Errorf("read row values: %w", err)
		}
		row, warnings := rowval.FromRecord(columns, values)
		page.Rows = append(page.Rows, row)
		page.Warnings = append(page.Warnings, warnings...)
	}
	if err := rows.Err(); err != nil {
		return page, fmt.Errorf("page %s: %w", table, err)
	}

	page.Rows, page.HasMore, page.LastID = trimPage(page.Rows, batchSize)
	return page, nil
}

// trimPage drops the probe row fetched beyond batchSize and derives the
// pagination cursor from the last remaining row.
func trimPage(rows []rowval.Row, batchSize int) ([]rowval.Row, bool, uuid.UUID) {
	hasMore := false
	if len(rows) > batchSize {
		hasMore = true
		rows = rows[:batchSize]
	}
	var lastID uuid.UUID
	if n := len(rows); n > 0 {
		if id, ok := rows[n-1].ID(); ok {
			if parsed, err := uuid.Parse(id); err == nil {
				lastID = parsed
			}
		}
	}
	return rows, hasMore, lastID
}
