// Package plan generates idempotent DDL migration plans that would align a
// target schema with a source schema. Plans are advisory output, nothing in
// this package executes DDL.
package plan

import (
	"fmt"
	"strings"

	"github.com/jfoltran/pgsync/internal/inspect"
	"github.com/jfoltran/pgsync/internal/sqlbuild"
	"github.com/jfoltran/pgsync/internal/validate"
)

// Severity grades how risky executing one script is.
type Severity string

const (
	SeveritySafe      Severity = "safe"
	SeverityCaution   Severity = "caution"
	SeverityDangerous Severity = "dangerous"
)

// Script is one idempotent DDL step. Rollback is empty when the operation
// cannot be inverted without data loss.
type Script struct {
	ID          string
	Description string
	TableName   string
	Severity    Severity
	SQL         string
	Rollback    string
}

// Plan is an ordered list of scripts, parents before children.
type Plan struct {
	Scripts []Script
}

// HasDangerous reports whether any script carries the dangerous grade.
func (p Plan) HasDangerous() bool {
	for _, s := range p.Scripts {
		if s.Severity == SeverityDangerous {
			return true
		}
	}
	return false
}

type builder struct {
	scripts []Script
	next    int
}

func (b *builder) add(sev Severity, table, desc, sql, rollback string) {
	b.next++
	b.scripts = append(b.scripts, Script{
		ID:          fmt.Sprintf("step-%03d", b.next),
		Description: desc,
		TableName:   table,
		Severity:    sev,
		SQL:         sql,
		Rollback:    rollback,
	})
}

// Build compares the selected tables across the two schemas and produces the
// scripts that would make target able to hold every source row. Tables are
// visited in FK-topological order so created tables can reference their
// parents.
func Build(source, target inspect.DatabaseSchema, tables []string) Plan {
	b := &builder{}

	selected := make([]inspect.DetailedTableSchema, 0, len(tables))
	for _, name := range tables {
		if t, ok := source.Table(name); ok {
			selected = append(selected, t)
		}
	}

	b.planEnums(source, target, selected)

	for _, name := range validate.SyncOrder(selected) {
		src, _ := source.Table(name)
		tgt, tgtOK := target.Table(name)
		if !tgtOK {
			b.planCreateTable(src)
			continue
		}
		b.planColumns(src, tgt)
		b.planConstraints(src, tgt)
		b.planIndexes(src, tgt)
	}

	return Plan{Scripts: b.scripts}
}

func (b *builder) planEnums(source, target inspect.DatabaseSchema, selected []inspect.DetailedTableSchema) {
	used := make(map[string]bool)
	for _, t := range selected {
		for _, c := range t.Columns {
			used[strings.TrimPrefix(c.UDTName, "_")] = true
		}
	}
	for _, se := range source.Enums {
		if !used[se.Name] {
			continue
		}
		te, ok := target.Enum(se.Name)
		if !ok {
			labels := make([]string, len(se.Values))
			for i, v := range se.Values {
				labels[i] = quoteLiteral(v)
			}
			sql := fmt.Sprintf(`DO $$
BEGIN
    IF NOT EXISTS (SELECT 1 FROM pg_type WHERE typname = %s) THEN
        CREATE TYPE %s AS ENUM (%s);
    END IF;
END
$$;`, quoteLiteral(se.Name), sqlbuild.Ident(se.Name), strings.Join(labels, ", "))
			b.add(SeveritySafe, "", fmt.Sprintf("create enum type %s", se.Name), sql,
				fmt.Sprintf("DROP TYPE IF EXISTS %s;", sqlbuild.Ident(se.Name)))
			continue
		}
		have := make(map[string]bool, len(te.Values))
		for _, v := range te.Values {
			have[v] = true
		}
		for _, v := range se.Values {
			if !have[v] {
				sql := fmt.Sprintf("ALTER TYPE %s ADD VALUE IF NOT EXISTS %s;",
					sqlbuild.Ident(se.Name), quoteLiteral(v))
				// Removing an enum value is not supported by PostgreSQL.
				b.add(SeverityCaution, "", fmt.Sprintf("add enum value %s.%s", se.Name, v), sql, "")
			}
		}
	}
}

func (b *builder) planCreateTable(src inspect.DetailedTableSchema) {
	defs := make([]string, 0, len(src.Columns)+1)
	for _, c := range src.Columns {
		def := fmt.Sprintf("%s %s", sqlbuild.Ident(c.Name), formatType(c))
		if !c.IsNullable {
			def += " NOT NULL"
		}
		if c.DefaultValue != nil {
			def += " DEFAULT " + *c.DefaultValue
		}
		defs = append(defs, "    "+def)
	}
	if len(src.PrimaryKey) > 0 {
		defs = append(defs, "    PRIMARY KEY ("+sqlbuild.IdentList(src.PrimaryKey)+")")
	}
	sql := fmt.Sprintf("CREATE TABLE IF NOT EXISTS %s (\n%s\n);",
		sqlbuild.Ident(src.TableName), strings.Join(defs, ",\n"))
	b.add(SeveritySafe, src.TableName,
		fmt.Sprintf("create table %s", src.TableName), sql,
		fmt.Sprintf("DROP TABLE IF EXISTS %s;", sqlbuild.Ident(src.TableName)))
}

func (b *builder) planColumns(src, tgt inspect.DetailedTableSchema) {
	for _, sc := range src.Columns {
		tc, ok := tgt.Column(sc.Name)
		if !ok {
			b.planAddColumn(src.TableName, sc)
			continue
		}
		if !inspect.TypesCompatible(sc.UDTName, tc.UDTName) ||
			narrower(sc.MaxLength, tc.MaxLength) || narrower(sc.NumericPrecision, tc.NumericPrecision) {
			b.planAlterType(src.TableName, sc, tc)
		}
	}
}

func (b *builder) planAddColumn(table string, c inspect.DetailedColumn) {
	guard := fmt.Sprintf(`IF NOT EXISTS (
        SELECT 1 FROM information_schema.columns
        WHERE table_schema = 'public' AND table_name = %s AND column_name = %s
    ) THEN`, quoteLiteral(table), quoteLiteral(c.Name))

	ident := sqlbuild.Ident(table)
	col := sqlbuild.Ident(c.Name)
	typ := formatType(c)

	var body string
	sev := SeveritySafe
	switch {
	case c.IsNullable || c.DefaultValue != nil:
		def := fmt.Sprintf("ALTER TABLE %s ADD COLUMN %s %s", ident, col, typ)
		if c.DefaultValue != nil {
			def += " DEFAULT " + *c.DefaultValue
		}
		if !c.IsNullable {
			def += " NOT NULL"
		}
		body = "        " + def + ";"
	default:
		// NOT NULL without a default has to go in three steps so existing
		// rows do not violate the constraint mid-flight.
		fill := zeroValue(c)
		body = fmt.Sprintf(`        ALTER TABLE %s ADD COLUMN %s %s;
        UPDATE %s SET %s = %s WHERE %s IS NULL;
        ALTER TABLE %s ALTER COLUMN %s SET NOT NULL;`,
			ident, col, typ,
			ident, col, fill, col,
			ident, col)
		sev = SeverityCaution
	}

	sql := fmt.Sprintf("DO $$\nBEGIN\n    %s\n%s\n    END IF;\nEND\n$$;", guard, body)
	rollback := fmt.Sprintf("ALTER TABLE %s DROP COLUMN IF EXISTS %s;", ident, col)
	b.add(sev, table, fmt.Sprintf("add column %s.%s", table, c.Name), sql, rollback)
}

func (b *builder) planAlterType(table string, src, tgt inspect.DetailedColumn) {
	ident := sqlbuild.Ident(table)
	col := sqlbuild.Ident(src.Name)
	newType := formatType(src)
	oldType := formatType(tgt)

	sql := fmt.Sprintf(`DO $$
BEGIN
    BEGIN
        ALTER TABLE %s ALTER COLUMN %s TYPE %s USING %s::%s;
    EXCEPTION WHEN others THEN
        RAISE WARNING 'cannot convert %s.%s to %s: %%', SQLERRM;
    END;
END
$$;`, ident, col, newType, col, newType, table, src.Name, newType)

	rollback := fmt.Sprintf("ALTER TABLE %s ALTER COLUMN %s TYPE %s USING %s::%s;",
		ident, col, oldType, col, oldType)
	b.add(SeverityDangerous, table,
		fmt.Sprintf("alter column %s.%s from %s to %s", table, src.Name, tgt.UDTName, src.UDTName),
		sql, rollback)
}

func (b *builder) planConstraints(src, tgt inspect.DetailedTableSchema) {
	have := make(map[string]bool, len(tgt.Constraints))
	for _, con := range tgt.Constraints {
		have[con.Type+":"+con.Definition] = true
	}
	for _, con := range src.Constraints {
		if con.Type != "c" || have[con.Type+":"+con.Definition] {
			continue
		}
		ident := sqlbuild.Ident(src.TableName)
		sql := fmt.Sprintf(`DO $$
BEGIN
    IF NOT EXISTS (
        SELECT 1 FROM pg_constraint
        WHERE conname = %s AND conrelid = %s::regclass
    ) THEN
        ALTER TABLE %s ADD CONSTRAINT %s %s;
    END IF;
END
$$;`, quoteLiteral(con.Name), quoteLiteral(src.TableName), ident, sqlbuild.Ident(con.Name), con.Definition)
		rollback := fmt.Sprintf("ALTER TABLE %s DROP CONSTRAINT IF EXISTS %s;",
			ident, sqlbuild.Ident(con.Name))
		b.add(SeverityCaution, src.TableName,
			fmt.Sprintf("add check constraint %s on %s", con.Name, src.TableName), sql, rollback)
	}
}

func (b *builder) planIndexes(src, tgt inspect.DetailedTableSchema) {
	have := make(map[string]bool, len(tgt.Indexes))
	for _, idx := range tgt.Indexes {
		have[idx.Definition] = true
	}
	for _, idx := range src.Indexes {
		if have[idx.Definition] {
			continue
		}
		sql := fmt.Sprintf(`DO $$
BEGIN
    IF NOT EXISTS (
        SELECT 1 FROM pg_indexes
        WHERE schemaname = 'public' AND indexname = %s
    ) THEN
        %s;
    END IF;
END
$$;`, quoteLiteral(idx.Name), idx.Definition)
		rollback := fmt.Sprintf("DROP INDEX IF EXISTS %s;", sqlbuild.Ident(idx.Name))
		b.add(SeveritySafe, src.TableName,
			fmt.Sprintf("create index %s on %s", idx.Name, src.TableName), sql, rollback)
	}
}

// formatType renders the DDL type expression for a column.
func formatType(c inspect.DetailedColumn) string {
	udt := c.UDTName
	array := strings.HasPrefix(udt, "_")
	udt = strings.TrimPrefix(udt, "_")

	var t string
	switch udt {
	case "varchar", "bpchar":
		if c.MaxLength != nil {
			t = fmt.Sprintf("%s(%d)", udt, *c.MaxLength)
		} else {
			t = udt
		}
	case "numeric":
		if c.NumericPrecision != nil {
			t = fmt.Sprintf("numeric(%d)", *c.NumericPrecision)
		} else {
			t = "numeric"
		}
	default:
		t = udt
	}
	if array {
		t += "[]"
	}
	return t
}

// zeroValue picks a backfill literal for a new NOT NULL column.
func zeroValue(c inspect.DetailedColumn) string {
	switch strings.TrimPrefix(c.UDTName, "_") {
	case "int2", "int4", "int8", "float4", "float8", "numeric":
		return "0"
	case "bool":
		return "false"
	case "timestamp", "timestamptz":
		return "now()"
	case "date":
		return "CURRENT_DATE"
	case "uuid":
		return "gen_random_uuid()"
	case "jsonb":
		return "'{}'::jsonb"
	case "json":
		return "'{}'::json"
	default:
		return "''"
	}
}

func narrower(src, tgt *int) bool {
	return src != nil && tgt != nil && *tgt < *src
}

// quoteLiteral renders a single-quoted SQL string literal.
func quoteLiteral(s string) string {
	return "'" + strings.ReplaceAll(s, "'", "''") + "'"
}
