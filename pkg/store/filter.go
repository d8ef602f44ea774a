package store

import (
	"fmt"
	"regexp"
	"sort"
	"strings"
)

var identifier = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

func validIdentifier(name string) bool {
	return identifier.MatchString(name)
}

// Filter selects rows by field equality. A slice value matches any of its elements, a nil value matches a missing
// or null field. The "id" key matches the primary key.
type Filter map[string]any

func (f Filter) where() (string, []any, error) {
	if len(f) == 0 {
		return "", nil, nil
	}
	keys := make([]string, 0, len(f))
	for k := range f {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	clauses := make([]string, 0, len(keys))
	var args []any
	for _, k := range keys {
		if !validIdentifier(k) {
			return "", nil, fmt.Errorf("%w %q", ErrInvalidFilter, k)
		}
		column := "json_extract(data, '$." + k + "')"
		if k == "id" {
			column = "id"
		}
		v := f[k]
		if v == nil {
			clauses = append(clauses, column+" IS NULL")
			continue
		}
		if values, ok := expand(v); ok {
			if len(values) == 0 {
				clauses = append(clauses, "0")
				continue
			}
			clauses = append(clauses, column+" IN ("+strings.TrimSuffix(strings.Repeat("?,", len(values)), ",")+")")
			args = append(args, values...)
			continue
		}
		clauses = append(clauses, column+" = ?")
		args = append(args, v)
	}
	return " WHERE " + strings.Join(clauses, " AND "), args, nil
}

func expand(v any) ([]any, bool) {
	switch vs := v.(type) {
	case []any:
		return vs, true
	case []string:
		out := make([]any, len(vs))
		for i, s := range vs {
			out[i] = s
		}
		return out, true
	case []int:
		out := make([]any, len(vs))
		for i, s := range vs {
			out[i] = s
		}
		return out, true
	case []int64:
		out := make([]any, len(vs))
		for i, s := range vs {
			out[i] = s
		}
		return out, true
	case []float64:
		out := make([]any, len(vs))
		for i, s := range vs {
			out[i] = s
		}
		return out, true
	}
	return nil, false
}
