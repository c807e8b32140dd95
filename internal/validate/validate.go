package validate

import (
	"fmt"

	"github.com/jfoltran/pgsync/internal/inspect"
)

// Severity classifies how much a schema issue endangers a sync.
type Severity string

const (
	SeverityCritical Severity = "critical"
	SeverityHigh     Severity = "high"
	SeverityMedium   Severity = "medium"
	SeverityLow      Severity = "low"
	SeverityInfo     Severity = "info"
)

// Issue is one finding from a schema comparison.
type Issue struct {
	ID             string
	Severity       Severity
	Category       string
	TableName      string
	ColumnName     string
	Message        string
	Details        string
	Recommendation string
}

// Result aggregates all issues of one comparison. CanProceed is false when
// any critical issue exists; RequiresConfirmation is true when any high
// severity issue exists.
type Result struct {
	Issues               []Issue
	Counts               map[Severity]int
	CanProceed           bool
	RequiresConfirmation bool
}

type collector struct {
	issues []Issue
	next   int
}

func (c *collector) add(sev Severity, category, table, column, msg, details, rec string) {
	c.next++
	c.issues = append(c.issues, Issue{
		ID:             fmt.Sprintf("%s-%03d", category, c.next),
		Severity:       sev,
		Category:       category,
		TableName:      table,
		ColumnName:     column,
		Message:        msg,
		Details:        details,
		Recommendation: rec,
	})
}

// Compare checks the selected tables across two introspected schemas and
// returns every incompatibility found, categorized by severity. It is pure:
// both snapshots are taken as-is and no database access happens here.
func Compare(source, target inspect.DatabaseSchema, tables []string) Result {
	c := &collector{}

	for _, name := range tables {
		src, srcOK := source.Table(name)
		tgt, tgtOK := target.Table(name)

		if !srcOK {
			c.add(SeverityCritical, "missing_table", name, "",
				fmt.Sprintf("table %q does not exist in source", name),
				"", "remove the table from the sync selection or create it in source")
		}
		if !tgtOK {
			c.add(SeverityCritical, "missing_table", name, "",
				fmt.Sprintf("table %q does not exist in target", name),
				"", "create the table in target or generate a migration plan")
		}
		if !srcOK || !tgtOK {
			continue
		}

		checkRequiredColumns(c, src, "source")
		checkRequiredColumns(c, tgt, "target")
		compareColumns(c, src, tgt)
		compareConstraints(c, src, tgt)
		compareIndexes(c, src, tgt)
	}

	compareEnums(c, source, target, tables)

	counts := make(map[Severity]int)
	for _, i := range c.issues {
		counts[i.Severity]++
	}
	return Result{
		Issues:               c.issues,
		Counts:               counts,
		CanProceed:           counts[SeverityCritical] == 0,
		RequiresConfirmation: counts[SeverityHigh] > 0,
	}
}

// checkRequiredColumns verifies the sync precondition on one side: an id
// column of type uuid and a NOT NULL updated_at of a timestamp type.
func checkRequiredColumns(c *collector, t inspect.DetailedTableSchema, side string) {
	if id, ok := t.Column("id"); !ok {
		c.add(SeverityCritical, "missing_required_column", t.TableName, "id",
			fmt.Sprintf("%s table %q has no id column", side, t.TableName),
			"sync pagination and identity tracking key on id",
			"add an id uuid primary key column")
	} else if id.UDTName != "uuid" {
		c.add(SeverityCritical, "wrong_required_type", t.TableName, "id",
			fmt.Sprintf("%s id column has type %s, expected uuid", side, id.UDTName),
			"", "convert the id column to uuid")
	}

	ts, ok := t.Column("updated_at")
	switch {
	case !ok:
		c.add(SeverityCritical, "missing_required_column", t.TableName, "updated_at",
			fmt.Sprintf("%s table %q has no updated_at column", side, t.TableName),
			"conflict resolution compares updated_at timestamps",
			"add an updated_at timestamptz NOT NULL column")
	case ts.UDTName != "timestamp" && ts.UDTName != "timestamptz":
		c.add(SeverityCritical, "wrong_required_type", t.TableName, "updated_at",
			fmt.Sprintf("%s updated_at column has type %s, expected timestamp or timestamptz", side, ts.UDTName),
			"", "convert the updated_at column to timestamptz")
	case ts.IsNullable:
		c.add(SeverityCritical, "wrong_required_type", t.TableName, "updated_at",
			fmt.Sprintf("%s updated_at column is nullable", side),
			"rows with NULL updated_at cannot participate in conflict resolution",
			"set updated_at NOT NULL with a now() default")
	}
}

func compareColumns(c *collector, src, tgt inspect.DetailedTableSchema) {
	for _, sc := range src.Columns {
		tc, ok := tgt.Column(sc.Name)
		if !ok {
			if !sc.IsNullable && sc.DefaultValue == nil {
				c.add(SeverityCritical, "column_missing_in_target", src.TableName, sc.Name,
					fmt.Sprintf("required column %q is absent in target", sc.Name),
					"source rows always carry a value that the target cannot store",
					"add the column to target before syncing")
			} else {
				c.add(SeverityLow, "column_missing_in_target", src.TableName, sc.Name,
					fmt.Sprintf("column %q is absent in target, its values will be dropped", sc.Name),
					"", "add the column to target to preserve its data")
			}
			continue
		}

		if !inspect.TypesCompatible(sc.UDTName, tc.UDTName) {
			c.add(SeverityHigh, "type_mismatch", src.TableName, sc.Name,
				fmt.Sprintf("column %q is %s in source but %s in target", sc.Name, sc.UDTName, tc.UDTName),
				"inserts may fail or silently coerce values",
				"align the column types before syncing")
		} else if !inspect.CanSafelyInsert(sc, tc) {
			c.add(SeverityMedium, "constraint_narrowing", src.TableName, sc.Name,
				fmt.Sprintf("target column %q is more constrained than source", sc.Name),
				describeNarrowing(sc, tc),
				"widen the target column or accept per-row failures")
		}
	}

	for _, tc := range tgt.Columns {
		if _, ok := src.Column(tc.Name); ok {
			continue
		}
		if !tc.IsNullable && tc.DefaultValue == nil {
			c.add(SeverityHigh, "column_missing_in_source", src.TableName, tc.Name,
				fmt.Sprintf("target column %q is NOT NULL without default and absent in source", tc.Name),
				"every insert into target will violate the NOT NULL constraint",
				"add a default in target or drop the NOT NULL")
		}
	}
}

func describeNarrowing(src, tgt inspect.DetailedColumn) string {
	switch {
	case src.MaxLength != nil && tgt.MaxLength != nil && *tgt.MaxLength < *src.MaxLength:
		return fmt.Sprintf("target max length %d < source %d", *tgt.MaxLength, *src.MaxLength)
	case src.NumericPrecision != nil && tgt.NumericPrecision != nil && *tgt.NumericPrecision < *src.NumericPrecision:
		return fmt.Sprintf("target precision %d < source %d", *tgt.NumericPrecision, *src.NumericPrecision)
	case src.IsNullable && !tgt.IsNullable:
		return "target is NOT NULL without default while source is nullable"
	}
	return ""
}

func compareConstraints(c *collector, src, tgt inspect.DetailedTableSchema) {
	srcFKs := make(map[string]bool, len(src.ForeignKeys))
	for _, fk := range src.ForeignKeys {
		srcFKs[fk.Column+"->"+fk.ReferencedTable+"."+fk.ReferencedColumn] = true
	}
	for _, fk := range tgt.ForeignKeys {
		if !srcFKs[fk.Column+"->"+fk.ReferencedTable+"."+fk.ReferencedColumn] {
			c.add(SeverityHigh, "extra_foreign_key", src.TableName, fk.Column,
				fmt.Sprintf("target constraint %q references %s(%s) with no source counterpart",
					fk.ConstraintName, fk.ReferencedTable, fk.ReferencedColumn),
				"inserted rows may violate the constraint",
				"sync the referenced table first or drop the constraint")
		}
	}

	srcByDef := make(map[string]bool, len(src.Constraints))
	for _, con := range src.Constraints {
		srcByDef[con.Type+":"+con.Definition] = true
	}
	for _, con := range tgt.Constraints {
		if srcByDef[con.Type+":"+con.Definition] {
			continue
		}
		switch con.Type {
		case "u":
			c.add(SeverityMedium, "extra_unique_constraint", src.TableName, "",
				fmt.Sprintf("target unique constraint %q has no source counterpart", con.Name),
				con.Definition, "duplicate source values will fail to insert")
		case "c":
			c.add(SeverityInfo, "check_constraint", src.TableName, "",
				fmt.Sprintf("target check constraint %q may reject source rows", con.Name),
				con.Definition, "")
		}
	}
}

func compareIndexes(c *collector, src, tgt inspect.DetailedTableSchema) {
	tgtIdx := make(map[string]bool, len(tgt.Indexes))
	for _, idx := range tgt.Indexes {
		tgtIdx[idx.Definition] = true
	}
	for _, idx := range src.Indexes {
		if !tgtIdx[idx.Definition] {
			c.add(SeverityInfo, "index_difference", src.TableName, "",
				fmt.Sprintf("source index %q has no identical target counterpart", idx.Name),
				idx.Definition, "")
		}
	}
}

// compareEnums reports enum drift for every enum type used by a column of a
// selected table.
func compareEnums(c *collector, source, target inspect.DatabaseSchema, tables []string) {
	used := make(map[string]bool)
	for _, name := range tables {
		t, ok := source.Table(name)
		if !ok {
			continue
		}
		for _, col := range t.Columns {
			used[col.UDTName] = true
		}
	}

	for _, se := range source.Enums {
		if !used[se.Name] {
			continue
		}
		te, ok := target.Enum(se.Name)
		if !ok {
			c.add(SeverityHigh, "missing_enum", "", "",
				fmt.Sprintf("enum type %q does not exist in target", se.Name),
				"", "create the enum type in target")
			continue
		}
		tgtVals := make(map[string]bool, len(te.Values))
		for _, v := range te.Values {
			tgtVals[v] = true
		}
		for _, v := range se.Values {
			if !tgtVals[v] {
				c.add(SeverityMedium, "missing_enum_value", "", "",
					fmt.Sprintf("enum %q lacks value %q in target", se.Name, v),
					"source rows holding that value will fail to insert",
					fmt.Sprintf("ALTER TYPE %s ADD VALUE '%s'", se.Name, v))
			}
		}
		srcVals := make(map[string]bool, len(se.Values))
		for _, v := range se.Values {
			srcVals[v] = true
		}
		for _, v := range te.Values {
			if !srcVals[v] {
				c.add(SeverityInfo, "extra_enum_value", "", "",
					fmt.Sprintf("enum %q has extra value %q in target", se.Name, v), "", "")
			}
		}
	}
}
