// Package rowval models a database row as an ordered list of typed values.
// The executor operates on this representation instead of raw driver values,
// so every supported value class has one well-defined binding behavior.
package rowval

import (
	"encoding/json"
	"fmt"
	"math"
	"math/big"
	"time"
	"unicode/utf16"

	"github.com/google/uuid"
)

// Kind tags a Value with its serialization class.
type Kind int

const (
	KindNull Kind = iota
	KindBool
	KindInt
	KindFloat
	KindString
	KindBytes
	KindTime
	KindJSON
)

func (k Kind) String() string {
	switch k {
	case KindNull:
		return "null"
	case KindBool:
		return "bool"
	case KindInt:
		return "int"
	case KindFloat:
		return "float"
	case KindString:
		return "string"
	case KindBytes:
		return "bytes"
	case KindTime:
		return "time"
	case KindJSON:
		return "json"
	}
	return fmt.Sprintf("kind(%d)", int(k))
}

// Value is a tagged union over the supported serialization classes.
type Value struct {
	Kind  Kind
	Bool  bool
	Int   int64
	Float float64
	Str   string // also carries JSON text for KindJSON
	Bytes []byte
	Time  time.Time
}

// Null is the NULL value.
var Null = Value{Kind: KindNull}

// Warning describes a lossy conversion applied while normalizing a value.
type Warning struct {
	Column  string
	Message string
}

// FromAny normalizes a driver-provided value into a Value, applying the
// engine's reduction rules: NaN/Inf become NULL, invalid times become NULL,
// maps and slices are serialized to JSON text. The returned warning is
// non-empty when a reduction was applied.
func FromAny(v any) (Value, string) {
	switch x := v.(type) {
	case nil:
		return Null, ""
	case bool:
		return Value{Kind: KindBool, Bool: x}, ""
	case int:
		return Value{Kind: KindInt, Int: int64(x)}, ""
	case int16:
		return Value{Kind: KindInt, Int: int64(x)}, ""
	case int32:
		return Value{Kind: KindInt, Int: int64(x)}, ""
	case int64:
		return Value{Kind: KindInt, Int: x}, ""
	case uint32:
		return Value{Kind: KindInt, Int: int64(x)}, ""
	case uint64:
		if x > math.MaxInt64 {
			return Value{Kind: KindString, Str: new(big.Int).SetUint64(x).String()},
				"integer exceeds int64 range, bound as decimal string"
		}
		return Value{Kind: KindInt, Int: int64(x)}, ""
	case float32:
		return fromFloat(float64(x))
	case float64:
		return fromFloat(x)
	case string:
		return Value{Kind: KindString, Str: x}, ""
	case []byte:
		b := make([]byte, len(x))
		copy(b, x)
		return Value{Kind: KindBytes, Bytes: b}, ""
	case [16]byte:
		return Value{Kind: KindString, Str: uuid.UUID(x).String()}, ""
	case time.Time:
		if x.IsZero() || x.Year() > 9999 || x.Year() < 0 {
			return Null, "unrepresentable timestamp, bound as NULL"
		}
		return Value{Kind: KindTime, Time: x}, ""
	case *big.Int:
		return Value{Kind: KindString, Str: x.String()}, ""
	case map[string]any, []any:
		b, err := json.Marshal(x)
		if err != nil {
			return Null, fmt.Sprintf("unserializable composite value, bound as NULL: %v", err)
		}
		return Value{Kind: KindJSON, Str: string(b)}, ""
	default:
		if s, ok := x.(fmt.Stringer); ok {
			return Value{Kind: KindString, Str: s.String()}, ""
		}
		b, err := json.Marshal(x)
		if err != nil {
			return Null, fmt.Sprintf("unsupported value type %T, bound as NULL", x)
		}
		return Value{Kind: KindJSON, Str: string(b)}, fmt.Sprintf("value type %T bound as JSON", x)
	}
}

func fromFloat(f float64) (Value, string) {
	if math.IsNaN(f) {
		return Null, "NaN bound as NULL"
	}
	if math.IsInf(f, 0) {
		return Null, "Infinity bound as NULL"
	}
	return Value{Kind: KindFloat, Float: f}, ""
}

// Bind returns the driver-ready representation for parameter binding.
func (v Value) Bind() any {
	switch v.Kind {
	case KindNull:
		return nil
	case KindBool:
		return v.Bool
	case KindInt:
		return v.Int
	case KindFloat:
		return v.Float
	case KindString, KindJSON:
		return v.Str
	case KindBytes:
		return v.Bytes
	case KindTime:
		return v.Time
	}
	return nil
}

// IsNull reports whether the value is NULL.
func (v Value) IsNull() bool { return v.Kind == KindNull }

// EstimatedSize returns the approximate wire size in bytes: strings and JSON
// count UTF-16 code units times two, other kinds use fixed estimates.
func (v Value) EstimatedSize() int {
	switch v.Kind {
	case KindNull:
		return 0
	case KindBool:
		return 1
	case KindInt, KindFloat, KindTime:
		return 8
	case KindString, KindJSON:
		return 2 * len(utf16.Encode([]rune(v.Str)))
	case KindBytes:
		return len(v.Bytes)
	}
	return 0
}

// Row is an ordered column-to-value mapping for one table row.
type Row struct {
	Columns []string
	Values  []Value
}

// FromRecord builds a Row from parallel column and driver-value slices,
// normalizing each value. Warnings carry the column name.
func FromRecord(columns []string, values []any) (Row, []Warning) {
	r := Row{
		Columns: columns,
		Values:  make([]Value, len(values)),
	}
	var warnings []Warning
	for i, raw := range values {
		v, w := FromAny(raw)
		r.Values[i] = v
		if w != "" {
			col := ""
			if i < len(columns) {
				col = columns[i]
			}
			warnings = append(warnings, Warning{Column: col, Message: w})
		}
	}
	return r, warnings
}

// Get returns the value for the named column.
func (r Row) Get(column string) (Value, bool) {
	for i, c := range r.Columns {
		if c == column {
			return r.Values[i], true
		}
	}
	return Null, false
}

// ID returns the row's id column as text, if present and non-null.
func (r Row) ID() (string, bool) {
	v, ok := r.Get("id")
	if !ok || v.IsNull() {
		return "", false
	}
	switch v.Kind {
	case KindString:
		return v.Str, true
	case KindBytes:
		if len(v.Bytes) == 16 {
			return uuid.UUID([16]byte(v.Bytes)).String(), true
		}
	}
	return "", false
}

// UpdatedAt returns the row's updated_at column, if present and parseable.
func (r Row) UpdatedAt() (time.Time, bool) {
	v, ok := r.Get("updated_at")
	if !ok || v.IsNull() {
		return time.Time{}, false
	}
	switch v.Kind {
	case KindTime:
		return v.Time, true
	case KindString:
		for _, layout := range []string{time.RFC3339Nano, time.RFC3339, "2006-01-02 15:04:05.999999999-07", "2006-01-02 15:04:05"} {
			if t, err := time.Parse(layout, v.Str); err == nil {
				return t, true
			}
		}
	}
	return time.Time{}, false
}

// EstimatedSize sums the field size estimates for the whole row.
func (r Row) EstimatedSize() int {
	total := 0
	for _, v := range r.Values {
		total += v.EstimatedSize()
	}
	return total
}

// Without returns a copy of the row with the named columns removed.
// Used to exclude generated columns from INSERT lists.
func (r Row) Without(exclude map[string]bool) Row {
	if len(exclude) == 0 {
		return r
	}
	out := Row{
		Columns: make([]string, 0, len(r.Columns)),
		Values:  make([]Value, 0, len(r.Values)),
	}
	for i, c := range r.Columns {
		if exclude[c] {
			continue
		}
		out.Columns = append(out.Columns, c)
		out.Values = append(out.Values, r.Values[i])
	}
	return out
}

// BindAll returns driver-ready values in column order.
func (r Row) BindAll() []any {
	out := make([]any, len(r.Values))
	for i, v := range r.Values {
		out[i] = v.Bind()
	}
	return out
}
