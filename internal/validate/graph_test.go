package validate

import (
	"reflect"
	"testing"

	"github.com/jfoltran/pgsync/internal/inspect"
)

func tableWithFKs(name string, parents ...string) inspect.DetailedTableSchema {
	t := inspect.DetailedTableSchema{TableName: name}
	for _, p := range parents {
		t.ForeignKeys = append(t.ForeignKeys, inspect.ForeignKey{
			ConstraintName:   name + "_" + p + "_fk",
			Column:           p + "_id",
			ReferencedTable:  p,
			ReferencedColumn: "id",
		})
	}
	return t
}

func TestSyncOrderLinearChain(t *testing.T) {
	tables := []inspect.DetailedTableSchema{
		tableWithFKs("order_items", "orders"),
		tableWithFKs("orders", "users"),
		tableWithFKs("users"),
	}
	got := SyncOrder(tables)
	want := []string{"users", "orders", "order_items"}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("SyncOrder() = %v, want %v", got, want)
	}
}

func TestSyncOrderIndependentTablesAlphabetical(t *testing.T) {
	tables := []inspect.DetailedTableSchema{
		tableWithFKs("zebras"),
		tableWithFKs("apples"),
		tableWithFKs("mangos"),
	}
	got := SyncOrder(tables)
	want := []string{"apples", "mangos", "zebras"}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("SyncOrder() = %v, want %v", got, want)
	}
}

func TestSyncOrderCycleMembersAtTail(t *testing.T) {
	tables := []inspect.DetailedTableSchema{
		tableWithFKs("users"),
		tableWithFKs("a", "b", "users"),
		tableWithFKs("b", "a"),
	}
	got := SyncOrder(tables)
	if len(got) != 3 || got[0] != "users" {
		t.Fatalf("SyncOrder() = %v, want users first", got)
	}
	if got[1] != "a" || got[2] != "b" {
		t.Errorf("cycle members should trail sorted, got %v", got)
	}
}

func TestSyncOrderIgnoresSelfReference(t *testing.T) {
	tables := []inspect.DetailedTableSchema{
		tableWithFKs("categories", "categories"),
		tableWithFKs("products", "categories"),
	}
	got := SyncOrder(tables)
	want := []string{"categories", "products"}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("SyncOrder() = %v, want %v", got, want)
	}
}

func TestSyncOrderIgnoresExternalReferences(t *testing.T) {
	// orders references users, but users is not in the selected set.
	tables := []inspect.DetailedTableSchema{
		tableWithFKs("orders", "users"),
	}
	got := SyncOrder(tables)
	want := []string{"orders"}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("SyncOrder() = %v, want %v", got, want)
	}
}

func TestDetectCircularDependencies(t *testing.T) {
	tests := []struct {
		name   string
		tables []inspect.DetailedTableSchema
		want   int
	}{
		{
			"acyclic",
			[]inspect.DetailedTableSchema{
				tableWithFKs("users"),
				tableWithFKs("orders", "users"),
			},
			0,
		},
		{
			"two node cycle",
			[]inspect.DetailedTableSchema{
				tableWithFKs("a", "b"),
				tableWithFKs("b", "a"),
			},
			1,
		},
		{
			"self reference",
			[]inspect.DetailedTableSchema{
				tableWithFKs("categories", "categories"),
			},
			1,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := DetectCircularDependencies(tt.tables)
			if len(got) != tt.want {
				t.Errorf("DetectCircularDependencies() = %v, want %d cycles", got, tt.want)
			}
		})
	}
}

func TestDetectCircularDependenciesCycleMembers(t *testing.T) {
	tables := []inspect.DetailedTableSchema{
		tableWithFKs("a", "b"),
		tableWithFKs("b", "c"),
		tableWithFKs("c", "a"),
	}
	cycles := DetectCircularDependencies(tables)
	if len(cycles) != 1 {
		t.Fatalf("cycles = %v, want exactly one", cycles)
	}
	members := make(map[string]bool)
	for _, m := range cycles[0] {
		members[m] = true
	}
	if !members["a"] || !members["b"] || !members["c"] {
		t.Errorf("cycle %v should contain a, b, c", cycles[0])
	}
}
