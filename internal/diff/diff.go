// Package diff compares PALD records field by field.
package diff

import (
	"fmt"
	"sort"
	"strconv"
	"strings"

	"golang.org/x/text/cases"
	"golang.org/x/text/unicode/norm"

	"github.com/sells-group/pald-cli/internal/model"
)

// Diff classifies every non-null field of a and b as a match, a conflict or
// missing on one side. Both records must be in the same schema version.
//
// Similarity is matches over the fields a declares or conflicts on. Fields
// only b carries are additive and do not lower it. Two empty records are
// identical (1.0); no matches at all is 0.0.
func Diff(a, b *model.Record) (model.DiffResult, error) {
	if a.SchemaVersion != b.SchemaVersion {
		return model.DiffResult{}, &model.ValidationError{
			SchemaVersion: a.SchemaVersion,
			Reason:        fmt.Sprintf("cannot diff against schema %s; upgrade one side first", b.SchemaVersion),
		}
	}

	res := model.DiffResult{
		Matches:    []string{},
		Conflicts:  map[string]model.Conflict{},
		MissingInA: []string{},
		MissingInB: []string{},
	}

	for _, path := range unionKeys(a, b) {
		av, aok := present(a, path)
		bv, bok := present(b, path)
		switch {
		case aok && bok:
			if Normalize(av) == Normalize(bv) {
				res.Matches = append(res.Matches, path)
			} else {
				res.Conflicts[path] = model.Conflict{A: av, B: bv}
			}
		case aok:
			res.MissingInB = append(res.MissingInB, path)
		case bok:
			res.MissingInA = append(res.MissingInA, path)
		}
	}

	res.Similarity = similarity(res)
	return res, nil
}

func similarity(d model.DiffResult) float64 {
	union := len(d.Matches) + len(d.Conflicts) + len(d.MissingInA) + len(d.MissingInB)
	switch {
	case union == 0:
		return 1.0
	case len(d.Matches) == 0:
		return 0.0
	}
	return float64(len(d.Matches)) / float64(len(d.Matches)+len(d.Conflicts)+len(d.MissingInB))
}

// Coverage is the share of schema's required fields that record fills. A
// schema without required fields is fully covered.
func Coverage(record *model.Record, schema *model.Schema) float64 {
	required := schema.RequiredPaths()
	if len(required) == 0 {
		return 1.0
	}
	filled := 0
	for _, p := range required {
		if _, ok := present(record, p); ok {
			filled++
		}
	}
	return float64(filled) / float64(len(required))
}

// Summary renders d as one deterministic line for logs and audit events.
// Values are not included.
func Summary(d model.DiffResult) string {
	var b strings.Builder
	fmt.Fprintf(&b, "similarity=%.3f matches=%d conflicts=%d", d.Similarity, len(d.Matches), len(d.Conflicts))
	if len(d.Conflicts) > 0 {
		b.WriteString(" [" + strings.Join(d.ConflictPaths(), ",") + "]")
	}
	fmt.Fprintf(&b, " missing_in_a=%d missing_in_b=%d", len(d.MissingInA), len(d.MissingInB))
	return b.String()
}

// Normalize returns the comparison key of a field value. Strings are
// case-folded, NFKC-normalized and whitespace-collapsed; numbers compare by
// value; lists compare as sets.
func Normalize(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return normString(t)
	case bool:
		return strconv.FormatBool(t)
	case int:
		return normNumber(float64(t))
	case int32:
		return normNumber(float64(t))
	case int64:
		return normNumber(float64(t))
	case float32:
		return normNumber(float64(t))
	case float64:
		return normNumber(t)
	case []string:
		items := make([]string, len(t))
		for i, s := range t {
			items[i] = normString(s)
		}
		return normSet(items)
	case []any:
		items := make([]string, len(t))
		for i, e := range t {
			items[i] = Normalize(e)
		}
		return normSet(items)
	default:
		return normString(fmt.Sprint(t))
	}
}

func normString(s string) string {
	s = norm.NFKC.String(s)
	s = cases.Fold().String(s)
	return strings.Join(strings.Fields(s), " ")
}

func normNumber(f float64) string {
	return strconv.FormatFloat(f, 'g', -1, 64)
}

func normSet(items []string) string {
	seen := make(map[string]bool, len(items))
	out := items[:0]
	for _, s := range items {
		if s == "" || seen[s] {
			continue
		}
		seen[s] = true
		out = append(out, s)
	}
	sort.Strings(out)
	return "[" + strings.Join(out, "\x1f") + "]"
}

func present(r *model.Record, path string) (any, bool) {
	v, ok := r.Content[path]
	if !ok || model.IsNull(v) {
		return nil, false
	}
	return v, true
}

func unionKeys(a, b *model.Record) []string {
	seen := make(map[string]bool, len(a.Content)+len(b.Content))
	keys := make([]string, 0, len(a.Content)+len(b.Content))
	for _, r := range []*model.Record{a, b} {
		for k := range r.Content {
			if !seen[k] {
				seen[k] = true
				keys = append(keys, k)
			}
		}
	}
	sort.Strings(keys)
	return keys
}
