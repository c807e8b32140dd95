package executor

import (
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/jfoltran/pgsync/internal/config"
	"github.com/jfoltran/pgsync/internal/inspect"
	"github.com/jfoltran/pgsync/internal/rowval"
)

func testRow(t *testing.T, cols []string, vals []any) rowval.Row {
	t.Helper()
	row, warnings := rowval.FromRecord(cols, vals)
	if len(warnings) > 0 {
		t.Fatalf("unexpected warnings building test row: %v", warnings)
	}
	return row
}

func TestPartitionRows(t *testing.T) {
	existing := uuid.New()
	fresh := uuid.New()
	ts := time.Now()

	rows := []rowval.Row{
		testRow(t, []string{"id", "updated_at"}, []any{existing.String(), ts}),
		testRow(t, []string{"id", "updated_at"}, []any{fresh.String(), ts}),
		testRow(t, []string{"id", "updated_at"}, []any{"not-a-uuid", ts}),
		testRow(t, []string{"name"}, []any{"no id column"}),
	}
	target := map[uuid.UUID]targetRow{
		existing: {updatedAt: &ts},
	}

	l := partitionRows(rows, target)
	if len(l.updates) != 1 || l.updates[0].id != existing {
		t.Fatalf("updates = %v, want one row with id %s", l.updates, existing)
	}
	if l.updates[0].targetUpdatedAt == nil || !l.updates[0].targetUpdatedAt.Equal(ts) {
		t.Errorf("update lane lost the target timestamp")
	}
	if len(l.inserts) != 1 || l.inserts[0].id != fresh {
		t.Fatalf("inserts = %v, want one row with id %s", l.inserts, fresh)
	}
	if len(l.noID) != 2 {
		t.Errorf("noID lane has %d rows, want 2", len(l.noID))
	}
}

func TestDecideUpdate(t *testing.T) {
	base := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	older := base.Add(-time.Hour)
	newer := base.Add(time.Hour)

	tests := []struct {
		name      string
		direction config.Direction
		strategy  config.ConflictStrategy
		src       time.Time
		tgt       *time.Time
		want      action
	}{
		{"source newer wins", config.OneWay, config.ConflictLastWriteWins, newer, &base, actApply},
		{"equal timestamps skip", config.OneWay, config.ConflictLastWriteWins, base, &base, actSkip},
		{"source older skips one-way", config.OneWay, config.ConflictLastWriteWins, older, &base, actSkip},
		{"nil target counts as epoch", config.OneWay, config.ConflictLastWriteWins, older, nil, actApply},
		{"two-way target newer last write wins", config.TwoWay, config.ConflictLastWriteWins, older, &base, actSkipConflict},
		{"two-way target newer source wins", config.TwoWay, config.ConflictSourceWins, older, &base, actApply},
		{"two-way target newer target wins", config.TwoWay, config.ConflictTargetWins, older, &base, actSkipConflict},
		{"two-way target newer manual", config.TwoWay, config.ConflictManual, older, &base, actConflict},
		{"two-way source newer applies", config.TwoWay, config.ConflictManual, newer, &base, actApply},
		{"one-way manual never conflicts", config.OneWay, config.ConflictManual, older, &base, actSkip},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := decideUpdate(tt.direction, tt.strategy, tt.src, tt.tgt)
			if got != tt.want {
				t.Errorf("decideUpdate() = %d, want %d", got, tt.want)
			}
		})
	}
}

func TestValidateRow(t *testing.T) {
	meta := inspect.TableMeta{
		RequiredColumns:  []string{"id", "email", "seq"},
		GeneratedColumns: []string{"seq"},
	}

	ok := testRow(t, []string{"id", "email"}, []any{uuid.New().String(), "a@b.c"})
	if reason := validateRow(ok, meta); reason != "" {
		t.Errorf("valid row rejected: %s", reason)
	}

	missing := testRow(t, []string{"id"}, []any{uuid.New().String()})
	if reason := validateRow(missing, meta); reason == "" {
		t.Error("row missing a required column passed validation")
	}

	nullVal := testRow(t, []string{"id", "email"}, []any{uuid.New().String(), nil})
	if reason := validateRow(nullVal, meta); reason == "" {
		t.Error("row with null in a required column passed validation")
	}
}

func TestInsertColumnsStripsGenerated(t *testing.T) {
	meta := inspect.TableMeta{GeneratedColumns: []string{"seq"}}
	row := testRow(t, []string{"id", "seq", "name"}, []any{uuid.New().String(), int64(7), "x"})

	stripped := insertColumns(row, meta)
	if len(stripped.Columns) != 2 {
		t.Fatalf("got %d columns, want 2", len(stripped.Columns))
	}
	for _, c := range stripped.Columns {
		if c == "seq" {
			t.Error("generated column survived")
		}
	}

	plain := insertColumns(row, inspect.TableMeta{})
	if len(plain.Columns) != 3 {
		t.Errorf("row without generated columns should pass through unchanged")
	}
}

func TestStrategyForDefaults(t *testing.T) {
	opts := Options{Tables: []config.TableConfig{
		{TableName: "users", Enabled: true, ConflictStrategy: config.ConflictManual},
		{TableName: "orders", Enabled: true},
	}}
	if got := opts.strategyFor("users"); got != config.ConflictManual {
		t.Errorf("strategyFor(users) = %s", got)
	}
	if got := opts.strategyFor("orders"); got != config.ConflictLastWriteWins {
		t.Errorf("strategyFor(orders) = %s, want last_write_wins default", got)
	}
	if got := opts.strategyFor("unknown"); got != config.ConflictLastWriteWins {
		t.Errorf("strategyFor(unknown) = %s, want last_write_wins default", got)
	}
}

func TestEnabledTables(t *testing.T) {
	opts := Options{Tables: []config.TableConfig{
		{TableName: "a", Enabled: true},
		{TableName: "b", Enabled: false},
		{TableName: "c", Enabled: true},
	}}
	got := opts.enabledTables()
	if len(got) != 2 || got[0].TableName != "a" || got[1].TableName != "c" {
		t.Errorf("enabledTables() = %v", got)
	}
}
