package inspect

import "time"

// DetailedColumn is an immutable snapshot of one column definition.
type DetailedColumn struct {
	Name             string
	DataType         string
	UDTName          string
	IsNullable       bool
	DefaultValue     *string
	IsPrimaryKey     bool
	MaxLength        *int
	NumericPrecision *int
	OrdinalPosition  int
}

// ForeignKey describes one FK edge out of a table.
type ForeignKey struct {
	ConstraintName   string
	Column           string
	ReferencedTable  string
	ReferencedColumn string
	Deferrable       bool
}

// TableConstraint is a non-PK constraint (unique, check, foreign key).
type TableConstraint struct {
	Name       string
	Type       string // "u", "c", "f"
	Definition string
	Columns    []string
}

// IndexInfo describes one index on a table.
type IndexInfo struct {
	Name       string
	Definition string
	IsUnique   bool
}

// DetailedTableSchema is an immutable snapshot of one table's structure
// plus planner statistics.
type DetailedTableSchema struct {
	TableName     string
	Columns       []DetailedColumn
	PrimaryKey    []string
	ForeignKeys   []ForeignKey
	Constraints   []TableConstraint
	Indexes       []IndexInfo
	RowCount      int64 // estimated from pg_class.reltuples
	EstimatedSize int64
}

// Column returns the named column, if present.
func (t DetailedTableSchema) Column(name string) (DetailedColumn, bool) {
	for _, c := range t.Columns {
		if c.Name == name {
			return c, true
		}
	}
	return DetailedColumn{}, false
}

// EnumType describes a user-defined enum and its labels in sort order.
type EnumType struct {
	Name   string
	Values []string
}

// DatabaseSchema is a full introspection snapshot.
type DatabaseSchema struct {
	Tables         []DetailedTableSchema
	Enums          []EnumType
	SyncableTables []string
	Version        string
	InspectedAt    time.Time
}

// Table returns the named table's snapshot, if present.
func (s DatabaseSchema) Table(name string) (DetailedTableSchema, bool) {
	for _, t := range s.Tables {
		if t.TableName == name {
			return t, true
		}
	}
	return DetailedTableSchema{}, false
}

// Enum returns the named enum, if present.
func (s DatabaseSchema) Enum(name string) (EnumType, bool) {
	for _, e := range s.Enums {
		if e.Name == name {
			return e, true
		}
	}
	return EnumType{}, false
}

// IsSyncable reports whether a table satisfies the sync precondition:
// an id column of UDT uuid and an updated_at column of a timestamp UDT.
func IsSyncable(t DetailedTableSchema) bool {
	id, ok := t.Column("id")
	if !ok || id.UDTName != "uuid" {
		return false
	}
	ts, ok := t.Column("updated_at")
	if !ok {
		return false
	}
	return ts.UDTName == "timestamp" || ts.UDTName == "timestamptz"
}

// TableMeta is the target-side metadata the executor collects before
// writing a table.
type TableMeta struct {
	GeneratedColumns  []string
	Triggers          []string
	UniqueConstraints []TableConstraint
	RequiredColumns   []string // NOT NULL without default
	CheckCount        int
}

// GeneratedSet returns the generated columns as a lookup set.
func (m TableMeta) GeneratedSet() map[string]bool {
	out := make(map[string]bool, len(m.GeneratedColumns))
	for _, c := range m.GeneratedColumns {
		out[c] = true
	}
	return out
}
