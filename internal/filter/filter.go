// Package filter provides an abstract filter representation for batch
// operations against the store.
//
// Filters describe which rows a batch counter operation applies to, without
// committing to a concrete SQL rendering. The store compiles filters to
// parameterized WHERE fragments; values are never interpolated into SQL
// text.
//
// Filter is a sealed interface using the marker method pattern: only types
// in this package implement it, so backend compilers can type-switch
// exhaustively and external packages cannot extend the set.
package filter

import "fmt"

// Filter represents a row filter.
//
// Filter types:
//   - All: every row
//   - ByKey: a single row by persisted key
//   - ByKeys: a set of rows by persisted key
//   - Eq: field = literal value
//   - And: all child filters hold
type Filter interface {
	filterNode() // Marker method - seals interface to this package
}

// All matches every row in the table.
type All struct{}

func (All) filterNode() {}

// ByKey matches the single row with the given persisted key.
type ByKey struct {
	Key int64
}

func (ByKey) filterNode() {}

// ByKeys matches the rows whose persisted key is in Keys. An empty key set
// matches nothing.
type ByKeys struct {
	Keys []int64
}

func (ByKeys) filterNode() {}

// Eq matches rows where Field equals Value.
//
// Values are restricted to int64, string, bool and nil; anything else is a
// validation error. No floats: counter arithmetic and filter matching stay
// exact.
type Eq struct {
	Field string
	Value any
}

func (Eq) filterNode() {}

// And matches rows satisfying every child filter. An empty And matches
// every row, like All.
type And struct {
	Filters []Filter
}

func (And) filterNode() {}

// Keys returns a ByKeys filter over the given keys.
func Keys(keys ...int64) Filter {
	return ByKeys{Keys: keys}
}

// Key returns a ByKey filter for one key.
func Key(key int64) Filter {
	return ByKey{Key: key}
}

// Validate checks that the filter tree uses only supported value types and
// well-formed nodes.
func Validate(f Filter) error {
	switch ft := f.(type) {
	case nil:
		return fmt.Errorf("nil filter")
	case All, ByKey:
		return nil
	case ByKeys:
		return nil
	case Eq:
		if ft.Field == "" {
			return fmt.Errorf("eq filter with empty field")
		}
		switch ft.Value.(type) {
		case int64, int, string, bool, nil:
			return nil
		default:
			return fmt.Errorf("unsupported filter value type %T for field %q", ft.Value, ft.Field)
		}
	case And:
		for i, child := range ft.Filters {
			if err := Validate(child); err != nil {
				return fmt.Errorf("and[%d]: %w", i, err)
			}
		}
		return nil
	default:
		return fmt.Errorf("unsupported filter type %T", f)
	}
}
