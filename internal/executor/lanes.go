package executor

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/jfoltran/pgsync/internal/config"
	"github.com/jfoltran/pgsync/internal/inspect"
	"github.com/jfoltran/pgsync/internal/rowval"
	"github.com/jfoltran/pgsync/internal/sqlbuild"
)

// maxRowBytes is the size above which a row leaves the bulk insert path and
// is written individually.
const maxRowBytes = 1 << 20

// targetRow is the target-side state of one id: present, with a possibly
// null updated_at.
type targetRow struct {
	updatedAt *time.Time
}

// lanes is the partition of one source batch.
type lanes struct {
	inserts []insertRow
	updates []updateRow
	noID    []rowval.Row
}

type insertRow struct {
	row rowval.Row
	id  uuid.UUID
}

type updateRow struct {
	row             rowval.Row
	id              uuid.UUID
	targetUpdatedAt *time.Time
}

// partitionRows splits a source batch by target existence: rows the target
// lacks become inserts, rows it has become updates, rows without a
// parseable id are set aside.
func partitionRows(rows []rowval.Row, target map[uuid.UUID]targetRow) lanes {
	var l lanes
	for _, row := range rows {
		idStr, ok := row.ID()
		if !ok {
			l.noID = append(l.noID, row)
			continue
		}
		id, err := uuid.Parse(idStr)
		if err != nil {
			l.noID = append(l.noID, row)
			continue
		}
		if t, exists := target[id]; exists {
			l.updates = append(l.updates, updateRow{row: row, id: id, targetUpdatedAt: t.updatedAt})
		} else {
			l.inserts = append(l.inserts, insertRow{row: row, id: id})
		}
	}
	return l
}

// validateRow checks a row against the target's NOT NULL columns without
// defaults. A non-empty reason means the row must not reach the database.
func validateRow(row rowval.Row, meta inspect.TableMeta) string {
	generated := meta.GeneratedSet()
	for _, col := range meta.RequiredColumns {
		if generated[col] {
			continue
		}
		v, ok := row.Get(col)
		if !ok || v.IsNull() {
			return fmt.Sprintf("required column %q is missing or null", col)
		}
	}
	return ""
}

type action int

const (
	actApply action = iota
	actSkip
	actSkipConflict
	actConflict
)

// decideUpdate resolves whether a source row overwrites the target row.
// Newness is strict: equal timestamps never update, which keeps re-runs
// idempotent. A nil target timestamp counts as epoch, so the source wins.
// A newer target in a two-way sync is a conflict: actSkipConflict keeps the
// target row, actConflict additionally queues the row for operator review.
func decideUpdate(direction config.Direction, strategy config.ConflictStrategy, src time.Time, tgt *time.Time) action {
	target := time.Time{}
	if tgt != nil {
		target = *tgt
	}

	if direction == config.TwoWay && target.After(src) {
		switch strategy {
		case config.ConflictSourceWins:
			return actApply
		case config.ConflictManual:
			return actConflict
		default:
			// last_write_wins and target_wins both keep the newer target row.
			return actSkipConflict
		}
	}

	if src.After(target) {
		return actApply
	}
	return actSkip
}

// insertColumns returns a row stripped of the target's generated and
// identity columns, which must never appear in an INSERT.
func insertColumns(row rowval.Row, meta inspect.TableMeta) rowval.Row {
	generated := meta.GeneratedSet()
	if len(generated) == 0 {
		return row
	}
	return row.Without(generated)
}

// upsertChunk writes up to bulkInsertSize rows with one multi-value
// INSERT ... ON CONFLICT (id) DO UPDATE. All rows must share a column set.
// The chunk runs inside its own savepoint: one bad row aborts only the
// savepoint, leaving the batch transaction usable for the per-row fallback.
func upsertChunk(ctx context.Context, tx pgx.Tx, table string, rows []rowval.Row) error {
	if len(rows) == 0 {
		return nil
	}
	cols := rows[0].Columns
	updateCols := make([]string, 0, len(cols))
	for _, c := range cols {
		if c != "id" {
			updateCols = append(updateCols, c)
		}
	}

	q := fmt.Sprintf("INSERT INTO %s (%s) VALUES %s ON CONFLICT (id) DO UPDATE SET %s",
		sqlbuild.Ident(table),
		sqlbuild.IdentList(cols),
		sqlbuild.InsertValues(len(rows), len(cols)),
		sqlbuild.UpsertSet(updateCols))

	args := make([]any, 0, len(rows)*len(cols))
	for _, r := range rows {
		args = append(args, r.BindAll()...)
	}

	sp, err := tx.Begin(ctx)
	if err != nil {
		return fmt.Errorf("savepoint: %w", err)
	}
	if _, err := sp.Exec(ctx, q, args...); err != nil {
		sp.Rollback(ctx)
		return fmt.Errorf("bulk upsert %s: %w", table, err)
	}
	return sp.Commit(ctx)
}

// upsertOne writes a single row inside a savepoint so a failure aborts only
// this row and the surrounding transaction survives.
func upsertOne(ctx context.Context, tx pgx.Tx, table string, row rowval.Row) error {
	cols := row.Columns
	updateCols := make([]string, 0, len(cols))
	for _, c := range cols {
		if c != "id" {
			updateCols = append(updateCols, c)
		}
	}
	q := fmt.Sprintf("INSERT INTO %s (%s) VALUES %s ON CONFLICT (id) DO UPDATE SET %s",
		sqlbuild.Ident(table),
		sqlbuild.IdentList(cols),
		sqlbuild.InsertValues(1, len(cols)),
		sqlbuild.UpsertSet(updateCols))

	sp, err := tx.Begin(ctx)
	if err != nil {
		return fmt.Errorf("savepoint: %w", err)
	}
	if _, err := sp.Exec(ctx, q, row.BindAll()...); err != nil {
		sp.Rollback(ctx)
		return err
	}
	return sp.Commit(ctx)
}

// updateOne rewrites one target row from the source row, excluding id and
// generated columns, inside a savepoint.
func updateOne(ctx context.Context, tx pgx.Tx, table string, row rowval.Row, id uuid.UUID, meta inspect.TableMeta) error {
	exclude := meta.GeneratedSet()
	exclude["id"] = true
	stripped := row.Without(exclude)
	if len(stripped.Columns) == 0 {
		return nil
	}

	q := fmt.Sprintf("UPDATE %s SET %s WHERE id = $%d",
		sqlbuild.Ident(table),
		sqlbuild.SetClauses(stripped.Columns, 1),
		len(stripped.Columns)+1)
	args := append(stripped.BindAll(), id)

	sp, err := tx.Begin(ctx)
	if err != nil {
		return fmt.Errorf("savepoint: %w", err)
	}
	if _, err := sp.Exec(ctx, q, args...); err != nil {
		sp.Rollback(ctx)
		return err
	}
	return sp.Commit(ctx)
}
