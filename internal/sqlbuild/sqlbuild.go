// Package sqlbuild is the single place where identifiers are interpolated
// into SQL text. Table and column names cannot be bound as parameters, so
// every dynamic statement in the engine goes through these helpers.
package sqlbuild

import (
	"fmt"
	"strings"
)

// maxIdentLen is the PostgreSQL identifier length limit (NAMEDATALEN-1).
const maxIdentLen = 63

// Ident sanitizes and quotes a single SQL identifier: null bytes stripped,
// truncated to 63 bytes, internal double quotes doubled.
func Ident(name string) string {
	s := strings.ReplaceAll(name, "\x00", "")
	if len(s) > maxIdentLen {
		s = s[:maxIdentLen]
	}
	return `"` + strings.ReplaceAll(s, `"`, `""`) + `"`
}

// IdentList quotes each name and joins with ", ".
func IdentList(names []string) string {
	quoted := make([]string, len(names))
	for i, n := range names {
		quoted[i] = Ident(n)
	}
	return strings.Join(quoted, ", ")
}

// InsertValues builds the VALUES section for a multi-row insert:
// ($1, $2), ($3, $4), ... for rows×cols parameters starting at $1.
func InsertValues(rows, cols int) string {
	var sb strings.Builder
	p := 1
	for r := 0; r < rows; r++ {
		if r > 0 {
			sb.WriteString(", ")
		}
		sb.WriteByte('(')
		for c := 0; c < cols; c++ {
			if c > 0 {
				sb.WriteString(", ")
			}
			fmt.Fprintf(&sb, "$%d", p)
			p++
		}
		sb.WriteByte(')')
	}
	return sb.String()
}

// SetClauses builds "col1 = $start, col2 = $start+1, ..." for an UPDATE.
func SetClauses(cols []string, start int) string {
	var sb strings.Builder
	for i, c := range cols {
		if i > 0 {
			sb.WriteString(", ")
		}
		fmt.Fprintf(&sb, "%s = $%d", Ident(c), start+i)
	}
	return sb.String()
}

// UpsertSet builds the DO UPDATE SET section of an ON CONFLICT clause,
// assigning each column from EXCLUDED.
func UpsertSet(cols []string) string {
	var sb strings.Builder
	for i, c := range cols {
		if i > 0 {
			sb.WriteString(", ")
		}
		q := Ident(c)
		fmt.Fprintf(&sb, "%s = EXCLUDED.%s", q, q)
	}
	return sb.String()
}
