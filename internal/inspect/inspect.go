// Package inspect produces immutable schema snapshots of a PostgreSQL
// database. The full inspection runs a fixed number of catalog queries no
// matter how many tables exist, grouping raw rows by table name in memory.
package inspect

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"
)

// excludedPrefixes filters out catalog, Prisma, and Drizzle bookkeeping
// tables from inspection results.
var excludedPrefixes = []string{"pg_", "_prisma_", "drizzle_"}

func excluded(table string) bool {
	for _, p := range excludedPrefixes {
		if strings.HasPrefix(table, p) {
			return true
		}
	}
	return false
}

// Inspector reads schema snapshots from one database.
type Inspector struct {
	pool   *pgxpool.Pool
	logger zerolog.Logger
}

// New creates an Inspector over the given pool.
func New(pool *pgxpool.Pool, logger zerolog.Logger) *Inspector {
	return &Inspector{
		pool:   pool,
		logger: logger.With().Str("component", "inspect").Logger(),
	}
}

// rawColumn is one row of the bulk column query before assembly.
type rawColumn struct {
	table string
	col   DetailedColumn
}

// Inspect returns a full DatabaseSchema snapshot. The catalog queries fan
// out concurrently; each groups its rows by table name so assembly is a
// single pass over in-memory maps.
func (i *Inspector) Inspect(ctx context.Context) (DatabaseSchema, error) {
	start := time.Now()

	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		errs []error

		tables  []DetailedTableSchema
		columns map[string][]DetailedColumn
		pks     map[string][]string
		fks     map[string][]ForeignKey
		cons    map[string][]TableConstraint
		indexes map[string][]IndexInfo
		enums   []EnumType
		version string
	)

	run := func(name string, fn func(ctx context.Context) error) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := fn(ctx); err != nil {
				mu.Lock()
				errs = append(errs, fmt.Errorf("%s: %w", name, err))
				mu.Unlock()
			}
		}()
	}

	run("tables", func(ctx context.Context) error {
		t, err := i.queryTables(ctx)
		tables = t
		return err
	})
	run("columns", func(ctx context.Context) error {
		c, err := i.queryColumns(ctx)
		columns = c
		return err
	})
	run("primary keys", func(ctx context.Context) error {
		p, err := i.queryPrimaryKeys(ctx)
		pks = p
		return err
	})
	run("foreign keys", func(ctx context.Context) error {
		f, err := i.queryForeignKeys(ctx)
		fks = f
		return err
	})
	run("constraints", func(ctx context.Context) error {
		c, err := i.queryConstraints(ctx)
		cons = c
		return err
	})
	run("indexes", func(ctx context.Context) error {
		x, err := i.queryIndexes(ctx)
		indexes = x
		return err
	})
	run("enums", func(ctx context.Context) error {
		e, err := i.queryEnums(ctx)
		enums = e
		return err
	})
	run("version", func(ctx context.Context) error {
		return i.pool.QueryRow(ctx, "SELECT version()").Scan(&version)
	})

	wg.Wait()
	if len(errs) > 0 {
		return DatabaseSchema{}, errs[0]
	}

	// Assembly: one pass over the table list, O(1) lookups per concern.
	var syncable []string
	for ti := range tables {
		t := &tables[ti]
		t.Columns = columns[t.TableName]
		t.PrimaryKey = pks[t.TableName]
		t.ForeignKeys = fks[t.TableName]
		t.Constraints = cons[t.TableName]
		t.Indexes = indexes[t.TableName]

		pkSet := make(map[string]bool, len(t.PrimaryKey))
		for _, c := range t.PrimaryKey {
			pkSet[c] = true
		}
		for ci := range t.Columns {
			if pkSet[t.Columns[ci].Name] {
				t.Columns[ci].IsPrimaryKey = true
			}
		}

		if IsSyncable(*t) {
			syncable = append(syncable, t.TableName)
		}
	}
	sort.Strings(syncable)

	i.logger.Debug().
		Int("tables", len(tables)).
		Int("syncable", len(syncable)).
		Dur("elapsed", time.Since(start)).
		Msg("schema inspected")

	return DatabaseSchema{
		Tables:         tables,
		Enums:          enums,
		SyncableTables: syncable,
		Version:        version,
		InspectedAt:    start,
	}, nil
}

func (i *Inspector) queryTables(ctx context.Context) ([]DetailedTableSchema, error) {
	rows, err := i.pool.Query(ctx, `
		SELECT c.relname,
		       GREATEST(c.reltuples::bigint, 0),
		       pg_total_relation_size(c.oid)
		FROM pg_class c
		JOIN pg_namespace n ON n.oid = c.relnamespace
		WHERE c.relkind = 'r'
		  AND n.nspname = 'public'
		ORDER BY c.relname`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var tables []DetailedTableSchema
	for rows.Next() {
		var t DetailedTableSchema
		if err := rows.Scan(&t.TableName, &t.RowCount, &t.EstimatedSize); err != nil {
			return nil, err
		}
		if excluded(t.TableName) {
			continue
		}
		tables = append(tables, t)
	}
	return tables, rows.Err()
}

func (i *Inspector) queryColumns(ctx context.Context) (map[string][]DetailedColumn, error) {
	rows, err := i.pool.Query(ctx, `
		SELECT table_name, column_name, data_type, udt_name,
		       is_nullable = 'YES', column_default,
		       character_maximum_length, numeric_precision, ordinal_position
		FROM information_schema.columns
		WHERE table_schema = 'public'
		ORDER BY table_name, ordinal_position`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make(map[string][]DetailedColumn)
	for rows.Next() {
		var rc rawColumn
		if err := rows.Scan(&rc.table, &rc.col.Name, &rc.col.DataType, &rc.col.UDTName,
			&rc.col.IsNullable, &rc.col.DefaultValue,
			&rc.col.MaxLength, &rc.col.NumericPrecision, &rc.col.OrdinalPosition); err != nil {
			return nil, err
		}
		if excluded(rc.table) {
			continue
		}
		out[rc.table] = append(out[rc.table], rc.col)
	}
	return out, rows.Err()
}

func (i *Inspector) queryPrimaryKeys(ctx context.Context) (map[string][]string, error) {
	rows, err := i.pool.Query(ctx, `
		SELECT c.relname, a.attname
		FROM pg_constraint con
		JOIN pg_class c ON c.oid = con.conrelid
		JOIN pg_namespace n ON n.oid = c.relnamespace
		JOIN unnest(con.conkey) WITH ORDINALITY AS k(attnum, ord) ON true
		JOIN pg_attribute a ON a.attrelid = c.oid AND a.attnum = k.attnum
		WHERE con.contype = 'p' AND n.nspname = 'public'
		ORDER BY c.relname, k.ord`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make(map[string][]string)
	for rows.Next() {
		var table, col string
		if err := rows.Scan(&table, &col); err != nil {
			return nil, err
		}
		if excluded(table) {
			continue
		}
		out[table] = append(out[table], col)
	}
	return out, rows.Err()
}

func (i *Inspector) queryForeignKeys(ctx context.Context) (map[string][]ForeignKey, error) {
	rows, err := i.pool.Query(ctx, `
		SELECT c.relname, con.conname, a.attname, rc.relname, ra.attname, con.condeferrable
		FROM pg_constraint con
		JOIN pg_class c ON c.oid = con.conrelid
		JOIN pg_class rc ON rc.oid = con.confrelid
		JOIN pg_namespace n ON n.oid = c.relnamespace
		JOIN unnest(con.conkey) WITH ORDINALITY AS k(attnum, ord) ON true
		JOIN pg_attribute a ON a.attrelid = c.oid AND a.attnum = k.attnum
		JOIN unnest(con.confkey) WITH ORDINALITY AS fk(attnum, ord) ON fk.ord = k.ord
		JOIN pg_attribute ra ON ra.attrelid = rc.oid AND ra.attnum = fk.attnum
		WHERE con.contype = 'f' AND n.nspname = 'public'
		ORDER BY c.relname, con.conname, k.ord`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make(map[string][]ForeignKey)
	for rows.Next() {
		var table string
		var fk ForeignKey
		if err := rows.Scan(&table, &fk.ConstraintName, &fk.Column,
			&fk.ReferencedTable, &fk.ReferencedColumn, &fk.Deferrable); err != nil {
			return nil, err
		}
		if excluded(table) {
			continue
		}
		out[table] = append(out[table], fk)
	}
	return out, rows.Err()
}

func (i *Inspector) queryConstraints(ctx context.Context) (map[string][]TableConstraint, error) {
	rows, err := i.pool.Query(ctx, `
		SELECT c.relname, con.conname, con.contype::text,
		       pg_get_constraintdef(con.oid),
		       COALESCE(ARRAY(
		           SELECT a.attname FROM unnest(con.conkey) AS k(attnum)
		           JOIN pg_attribute a ON a.attrelid = c.oid AND a.attnum = k.attnum
		       ), '{}')
		FROM pg_constraint con
		JOIN pg_class c ON c.oid = con.conrelid
		JOIN pg_namespace n ON n.oid = c.relnamespace
		WHERE con.contype IN ('u', 'c', 'f') AND n.nspname = 'public'
		ORDER BY c.relname, con.conname`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make(map[string][]TableConstraint)
	for rows.Next() {
		var table string
		var tc TableConstraint
		if err := rows.Scan(&table, &tc.Name, &tc.Type, &tc.Definition, &tc.Columns); err != nil {
			return nil, err
		}
		if excluded(table) {
			continue
		}
		out[table] = append(out[table], tc)
	}
	return out, rows.Err()
}

func (i *Inspector) queryIndexes(ctx context.Context) (map[string][]IndexInfo, error) {
	rows, err := i.pool.Query(ctx, `
		SELECT t.relname, ic.relname, pg_get_indexdef(x.indexrelid), x.indisunique
		FROM pg_index x
		JOIN pg_class t ON t.oid = x.indrelid
		JOIN pg_class ic ON ic.oid = x.indexrelid
		JOIN pg_namespace n ON n.oid = t.relnamespace
		WHERE n.nspname = 'public' AND NOT x.indisprimary
		ORDER BY t.relname, ic.relname`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make(map[string][]IndexInfo)
	for rows.Next() {
		var table string
		var idx IndexInfo
		if err := rows.Scan(&table, &idx.Name, &idx.Definition, &idx.IsUnique); err != nil {
			return nil, err
		}
		if excluded(table) {
			continue
		}
		out[table] = append(out[table], idx)
	}
	return out, rows.Err()
}

func (i *Inspector) queryEnums(ctx context.Context) ([]EnumType, error) {
	rows, err := i.pool.Query(ctx, `
		SELECT t.typname, e.enumlabel
		FROM pg_type t
		JOIN pg_enum e ON e.enumtypid = t.oid
		JOIN pg_namespace n ON n.oid = t.typnamespace
		WHERE n.nspname = 'public'
		ORDER BY t.typname, e.enumsortorder`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	byName := make(map[string]*EnumType)
	var order []string
	for rows.Next() {
		var name, label string
		if err := rows.Scan(&name, &label); err != nil {
			return nil, err
		}
		e, ok := byName[name]
		if !ok {
			e = &EnumType{Name: name}
			byName[name] = e
			order = append(order, name)
		}
		e.Values = append(e.Values, label)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	out := make([]EnumType, 0, len(order))
	for _, name := range order {
		out = append(out, *byName[name])
	}
	return out, nil
}
