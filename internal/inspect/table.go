package inspect

import (
	"context"
	"fmt"

	"github.com/jfoltran/pgsync/internal/sqlbuild"
)

// InspectTable returns the snapshot for a single table. A nonexistent table
// yields an empty schema with only TableName set, not an error.
func (i *Inspector) InspectTable(ctx context.Context, table string) (DetailedTableSchema, error) {
	out := DetailedTableSchema{TableName: table}

	rows, err := i.pool.Query(ctx, `
		SELECT column_name, data_type, udt_name,
		       is_nullable = 'YES', column_default,
		       character_maximum_length, numeric_precision, ordinal_position
		FROM information_schema.columns
		WHERE table_schema = 'public' AND table_name = $1
		ORDER BY ordinal_position`, table)
	if err != nil {
		return out, fmt.Errorf("columns for %s: %w", table, err)
	}
	defer rows.Close()
	for rows.Next() {
		var c DetailedColumn
		if err := rows.Scan(&c.Name, &c.DataType, &c.UDTName, &c.IsNullable,
			&c.DefaultValue, &c.MaxLength, &c.NumericPrecision, &c.OrdinalPosition); err != nil {
			return out, err
		}
		out.Columns = append(out.Columns, c)
	}
	if err := rows.Err(); err != nil {
		return out, err
	}
	if len(out.Columns) == 0 {
		return out, nil
	}

	err = i.pool.QueryRow(ctx, `
		SELECT GREATEST(c.reltuples::bigint, 0), pg_total_relation_size(c.oid)
		FROM pg_class c
		JOIN pg_namespace n ON n.oid = c.relnamespace
		WHERE n.nspname = 'public' AND c.relname = $1`, table).
		Scan(&out.RowCount, &out.EstimatedSize)
	if err != nil {
		return out, fmt.Errorf("stats for %s: %w", table, err)
	}

	pkRows, err := i.pool.Query(ctx, `
		SELECT a.attname
		FROM pg_constraint con
		JOIN pg_class c ON c.oid = con.conrelid
		JOIN pg_namespace n ON n.oid = c.relnamespace
		JOIN unnest(con.conkey) WITH ORDINALITY AS k(attnum, ord) ON true
		JOIN pg_attribute a ON a.attrelid = c.oid AND a.attnum = k.attnum
		WHERE con.contype = 'p' AND n.nspname = 'public' AND c.relname = $1
		ORDER BY k.ord`, table)
	if err != nil {
		return out, fmt.Errorf("primary key for %s: %w", table, err)
	}
	defer pkRows.Close()
	for pkRows.Next() {
		var col string
		if err := pkRows.Scan(&col); err != nil {
			return out, err
		}
		out.PrimaryKey = append(out.PrimaryKey, col)
	}
	if err := pkRows.Err(); err != nil {
		return out, err
	}

	pkSet := make(map[string]bool, len(out.PrimaryKey))
	for _, c := range out.PrimaryKey {
		pkSet[c] = true
	}
	for ci := range out.Columns {
		if pkSet[out.Columns[ci].Name] {
			out.Columns[ci].IsPrimaryKey = true
		}
	}
	return out, nil
}

// ValidateSyncRequirements checks the single-table sync precondition:
// id uuid plus updated_at timestamp[tz]. The returned reasons are empty
// when the table qualifies.
func (i *Inspector) ValidateSyncRequirements(ctx context.Context, table string) ([]string, error) {
	t, err := i.InspectTable(ctx, table)
	if err != nil {
		return nil, err
	}
	var reasons []string
	if len(t.Columns) == 0 {
		return []string{fmt.Sprintf("table %q does not exist", table)}, nil
	}
	if id, ok := t.Column("id"); !ok {
		reasons = append(reasons, "missing id column")
	} else if id.UDTName != "uuid" {
		reasons = append(reasons, fmt.Sprintf("id column has type %s, expected uuid", id.UDTName))
	}
	if ts, ok := t.Column("updated_at"); !ok {
		reasons = append(reasons, "missing updated_at column")
	} else if ts.UDTName != "timestamp" && ts.UDTName != "timestamptz" {
		reasons = append(reasons, fmt.Sprintf("updated_at column has type %s, expected timestamp or timestamptz", ts.UDTName))
	}
	return reasons, nil
}

// CollectTableMeta gathers the write-side metadata the executor needs:
// generated columns, triggers, unique constraints, required columns, and
// the check-constraint count.
func (i *Inspector) CollectTableMeta(ctx context.Context, table string) (TableMeta, error) {
	var meta TableMeta

	genRows, err := i.pool.Query(ctx, `
		SELECT column_name
		FROM information_schema.columns
		WHERE table_schema = 'public' AND table_name = $1
		  AND (is_generated = 'ALWAYS' OR is_identity = 'YES')`, table)
	if err != nil {
		return meta, fmt.Errorf("generated columns for %s: %w", table, err)
	}
	defer genRows.Close()
	for genRows.Next() {
		var c string
		if err := genRows.Scan(&c); err != nil {
			return meta, err
		}
		meta.GeneratedColumns = append(meta.GeneratedColumns, c)
	}
	if err := genRows.Err(); err != nil {
		return meta, err
	}

	trigRows, err := i.pool.Query(ctx, `
		SELECT tgname
		FROM pg_trigger t
		JOIN pg_class c ON c.oid = t.tgrelid
		JOIN pg_namespace n ON n.oid = c.relnamespace
		WHERE n.nspname = 'public' AND c.relname = $1 AND NOT t.tgisinternal`, table)
	if err != nil {
		return meta, fmt.Errorf("triggers for %s: %w", table, err)
	}
	defer trigRows.Close()
	for trigRows.Next() {
		var name string
		if err := trigRows.Scan(&name); err != nil {
			return meta, err
		}
		meta.Triggers = append(meta.Triggers, name)
	}
	if err := trigRows.Err(); err != nil {
		return meta, err
	}

	conRows, err := i.pool.Query(ctx, `
		SELECT con.conname, con.contype::text, pg_get_constraintdef(con.oid),
		       COALESCE(ARRAY(
		           SELECT a.attname FROM unnest(con.conkey) AS k(attnum)
		           JOIN pg_attribute a ON a.attrelid = c.oid AND a.attnum = k.attnum
		       ), '{}')
		FROM pg_constraint con
		JOIN pg_class c ON c.oid = con.conrelid
		JOIN pg_namespace n ON n.oid = c.relnamespace
		WHERE n.nspname = 'public' AND c.relname = $1 AND con.contype IN ('u', 'c')`, table)
	if err != nil {
		return meta, fmt.Errorf("constraints for %s: %w", table, err)
	}
	defer conRows.Close()
	for conRows.Next() {
		var tc TableConstraint
		if err := conRows.Scan(&tc.Name, &tc.Type, &tc.Definition, &tc.Columns); err != nil {
			return meta, err
		}
		switch tc.Type {
		case "u":
			meta.UniqueConstraints = append(meta.UniqueConstraints, tc)
		case "c":
			meta.CheckCount++
		}
	}
	if err := conRows.Err(); err != nil {
		return meta, err
	}

	reqRows, err := i.pool.Query(ctx, `
		SELECT column_name
		FROM information_schema.columns
		WHERE table_schema = 'public' AND table_name = $1
		  AND is_nullable = 'NO' AND column_default IS NULL
		  AND is_generated = 'NEVER' AND is_identity = 'NO'`, table)
	if err != nil {
		return meta, fmt.Errorf("required columns for %s: %w", table, err)
	}
	defer reqRows.Close()
	for reqRows.Next() {
		var c string
		if err := reqRows.Scan(&c); err != nil {
			return meta, err
		}
		meta.RequiredColumns = append(meta.RequiredColumns, c)
	}
	return meta, reqRows.Err()
}

// ExactRowCount runs COUNT(*) on a table. Used only for the progress
// denominator of an active sync, never for inspection snapshots.
func (i *Inspector) ExactRowCount(ctx context.Context, table string) (int64, error) {
	var n int64
	err := i.pool.QueryRow(ctx,
		fmt.Sprintf("SELECT COUNT(*) FROM %s", sqlbuild.Ident(table))).Scan(&n)
	return n, err
}
