package diff

import (
	"testing"

	"github.com/google/uuid"

	"github.com/jfoltran/pgsync/internal/rowval"
)

func mkRow(id uuid.UUID) rowval.Row {
	r, _ := rowval.FromRecord([]string{"id", "name"}, []any{id.String(), "x"})
	return r
}

func TestTrimPage(t *testing.T) {
	ids := make([]uuid.UUID, 4)
	for i := range ids {
		ids[i] = uuid.New()
	}

	t.Run("full page plus probe row", func(t *testing.T) {
		rows := []rowval.Row{mkRow(ids[0]), mkRow(ids[1]), mkRow(ids[2]), mkRow(ids[3])}
		got, hasMore, lastID := trimPage(rows, 3)
		if len(got) != 3 {
			t.Fatalf("rows = %d, want 3", len(got))
		}
		if !hasMore {
			t.Error("hasMore = false, want true")
		}
		if lastID != ids[2] {
			t.Errorf("lastID = %s, want %s", lastID, ids[2])
		}
	})

	t.Run("short page", func(t *testing.T) {
		rows := []rowval.Row{mkRow(ids[0]), mkRow(ids[1])}
		got, hasMore, lastID := trimPage(rows, 3)
		if len(got) != 2 || hasMore {
			t.Errorf("rows = %d, hasMore = %v", len(got), hasMore)
		}
		if lastID != ids[1] {
			t.Errorf("lastID = %s, want %s", lastID, ids[1])
		}
	})

	t.Run("empty page", func(t *testing.T) {
		got, hasMore, lastID := trimPage(nil, 3)
		if len(got) != 0 || hasMore || lastID != uuid.Nil {
			t.Errorf("got %d rows, hasMore %v, lastID %s", len(got), hasMore, lastID)
		}
	})
}
