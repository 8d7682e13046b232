package store

import (
	"fmt"
	"strings"

	"github.com/tallyhq/relcount/internal/filter"
)

// compileFilter converts a filter tree to a parameterized WHERE fragment.
// Returns (sql, params, error).
//
// CRITICAL: Values are always parameterized, never interpolated.
func compileFilter(f filter.Filter) (string, []any, error) {
	if f == nil {
		return "", nil, fmt.Errorf("cannot compile nil filter")
	}
	if err := filter.Validate(f); err != nil {
		return "", nil, err
	}

	switch ft := f.(type) {
	case filter.All:
		return "1 = 1", nil, nil
	case filter.ByKey:
		return "id = ?", []any{ft.Key}, nil
	case filter.ByKeys:
		if len(ft.Keys) == 0 {
			// An empty key set matches nothing.
			return "1 = 0", nil, nil
		}
		placeholders := strings.TrimSuffix(strings.Repeat("?, ", len(ft.Keys)), ", ")
		params := make([]any, len(ft.Keys))
		for i, k := range ft.Keys {
			params[i] = k
		}
		return fmt.Sprintf("id IN (%s)", placeholders), params, nil
	case filter.Eq:
		if ft.Value == nil {
			return fmt.Sprintf("%s IS NULL", ft.Field), nil, nil
		}
		return fmt.Sprintf("%s = ?", ft.Field), []any{ft.Value}, nil
	case filter.And:
		if len(ft.Filters) == 0 {
			return "1 = 1", nil, nil
		}
		var parts []string
		var params []any
		for _, child := range ft.Filters {
			sql, childParams, err := compileFilter(child)
			if err != nil {
				return "", nil, err
			}
			parts = append(parts, "("+sql+")")
			params = append(params, childParams...)
		}
		return strings.Join(parts, " AND "), params, nil
	default:
		return "", nil, fmt.Errorf("unsupported filter type %T", f)
	}
}
