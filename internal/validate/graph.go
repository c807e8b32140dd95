package validate

import (
	"sort"

	"github.com/jfoltran/pgsync/internal/inspect"
)

// fkEdges builds the dependency adjacency map over the given tables:
// child -> set of parents it references. Edges into tables outside the set
// are dropped, those parents are not being written.
func fkEdges(tables []inspect.DetailedTableSchema) map[string]map[string]bool {
	inSet := make(map[string]bool, len(tables))
	for _, t := range tables {
		inSet[t.TableName] = true
	}
	edges := make(map[string]map[string]bool, len(tables))
	for _, t := range tables {
		edges[t.TableName] = make(map[string]bool)
		for _, fk := range t.ForeignKeys {
			if inSet[fk.ReferencedTable] {
				edges[t.TableName][fk.ReferencedTable] = true
			}
		}
	}
	return edges
}

// DetectCircularDependencies finds cycles in the FK graph with a DFS and
// returns each cycle as the list of tables on it. A self-referencing table
// is a cycle of length one.
func DetectCircularDependencies(tables []inspect.DetailedTableSchema) [][]string {
	edges := fkEdges(tables)

	names := make([]string, 0, len(edges))
	for n := range edges {
		names = append(names, n)
	}
	sort.Strings(names)

	const (
		white = 0 // unvisited
		gray  = 1 // on the current path
		black = 2 // fully explored
	)
	color := make(map[string]int, len(names))
	var cycles [][]string
	var path []string

	var visit func(n string)
	visit = func(n string) {
		color[n] = gray
		path = append(path, n)
		targets := make([]string, 0, len(edges[n]))
		for t := range edges[n] {
			targets = append(targets, t)
		}
		sort.Strings(targets)
		for _, t := range targets {
			switch color[t] {
			case white:
				visit(t)
			case gray:
				// Slice the current path from the first occurrence of t.
				for i, p := range path {
					if p == t {
						cycle := make([]string, len(path)-i)
						copy(cycle, path[i:])
						cycles = append(cycles, cycle)
						break
					}
				}
			}
		}
		path = path[:len(path)-1]
		color[n] = black
	}

	for _, n := range names {
		if color[n] == white {
			visit(n)
		}
	}
	return cycles
}

// SyncOrder returns the tables in FK-topological order via Kahn's
// algorithm, parents before children. Members of cycles cannot be ordered
// and are appended at the tail, sorted by name.
func SyncOrder(tables []inspect.DetailedTableSchema) []string {
	edges := fkEdges(tables)

	// Ignore self-loops, they impose no cross-table ordering.
	for n, parents := range edges {
		delete(parents, n)
	}

	indegree := make(map[string]int, len(edges))
	children := make(map[string][]string, len(edges))
	for child, parents := range edges {
		if _, ok := indegree[child]; !ok {
			indegree[child] = 0
		}
		for parent := range parents {
			indegree[child]++
			children[parent] = append(children[parent], child)
		}
	}

	var ready []string
	for n, d := range indegree {
		if d == 0 {
			ready = append(ready, n)
		}
	}
	sort.Strings(ready)

	order := make([]string, 0, len(edges))
	for len(ready) > 0 {
		n := ready[0]
		ready = ready[1:]
		order = append(order, n)

		next := children[n]
		sort.Strings(next)
		for _, child := range next {
			indegree[child]--
			if indegree[child] == 0 {
				ready = insertSorted(ready, child)
			}
		}
	}

	if len(order) < len(edges) {
		var rest []string
		placed := make(map[string]bool, len(order))
		for _, n := range order {
			placed[n] = true
		}
		for n := range edges {
			if !placed[n] {
				rest = append(rest, n)
			}
		}
		sort.Strings(rest)
		order = append(order, rest...)
	}
	return order
}

func insertSorted(s []string, v string) []string {
	i := sort.SearchStrings(s, v)
	s = append(s, "")
	copy(s[i+1:], s[i:])
	s[i] = v
	return s
}
