package model

import "sort"

// Conflict holds the two disagreeing values of a field.
type Conflict struct {
	A any `json:"a"`
	B any `json:"b"`
}

// DiffResult is the field-level comparison of two records. Set-valued
// fields are kept as sorted slices so that identical inputs encode to
// identical bytes.
type DiffResult struct {
	Matches    []string            `json:"matches"`
	Conflicts  map[string]Conflict `json:"conflicts"`
	MissingInA []string            `json:"missing_in_a"`
	MissingInB []string            `json:"missing_in_b"`
	Similarity float64             `json:"similarity"`
}

// ConflictPaths returns the conflicting field paths in sorted order.
func (d DiffResult) ConflictPaths() []string {
	return sortedKeys(d.Conflicts)
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
