package inspect

import "strings"

// typeFamilies groups UDT names into equivalence classes for compatibility
// checks. Types within a family can hold each other's values, possibly with
// precision differences that CanSafelyInsert examines separately.
var typeFamilies = map[string]string{
	"int2":     "integer",
	"int4":     "integer",
	"int8":     "integer",
	"smallint": "integer",
	"integer":  "integer",
	"bigint":   "integer",

	"float4":           "float",
	"float8":           "float",
	"real":             "float",
	"double precision": "float",
	"numeric":          "float",
	"decimal":          "float",

	"varchar": "character",
	"text":    "character",
	"bpchar":  "character",
	"char":    "character",
	"name":    "character",

	"timestamp":   "timestamp",
	"timestamptz": "timestamp",

	"bool":    "boolean",
	"boolean": "boolean",

	"json":  "json",
	"jsonb": "json",
}

// normalizeType maps a type name to its family, falling back to the
// lower-cased name for types outside the known families (uuid, bytea,
// enums, ...), which then only match themselves.
func normalizeType(udt string) string {
	t := strings.ToLower(strings.TrimSpace(udt))
	// Array types compare by element type.
	t = strings.TrimPrefix(t, "_")
	if fam, ok := typeFamilies[t]; ok {
		return fam
	}
	return t
}

// TypesCompatible reports whether two type names belong to the same
// equivalence class.
func TypesCompatible(a, b string) bool {
	return normalizeType(a) == normalizeType(b)
}

// CanSafelyInsert reports whether values of the source column always fit
// the target column: compatible type family, target length and precision at
// least as large, and no nullable-to-required mismatch without a default.
func CanSafelyInsert(source, target DetailedColumn) bool {
	if !TypesCompatible(source.UDTName, target.UDTName) {
		return false
	}
	if source.MaxLength != nil && target.MaxLength != nil && *target.MaxLength < *source.MaxLength {
		return false
	}
	if source.NumericPrecision != nil && target.NumericPrecision != nil && *target.NumericPrecision < *source.NumericPrecision {
		return false
	}
	if source.IsNullable && !target.IsNullable && target.DefaultValue == nil {
		return false
	}
	return true
}
