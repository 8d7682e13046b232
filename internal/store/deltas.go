package store

import (
	"context"
	"fmt"
	"strings"

	"github.com/tallyhq/relcount/internal/filter"
	"github.com/tallyhq/relcount/internal/model"
)

// ApplyDelta atomically applies field := field + delta to every row
// matching the filter, with no read step. A zero delta is a no-op and
// issues no write.
func (s *Store) ApplyDelta(ctx context.Context, table string, flt filter.Filter, field string, delta int64) error {
	if delta == 0 {
		return nil
	}
	return s.ApplyDeltas(ctx, table, flt, map[string]int64{field: delta})
}

// ApplyDeltas applies several deltas to the matching rows in one atomic
// UPDATE. Zero deltas are dropped; if nothing remains, no write is issued.
func (s *Store) ApplyDeltas(ctx context.Context, table string, flt filter.Filter, deltas map[string]int64) error {
	live := make(map[string]int64, len(deltas))
	for f, d := range deltas {
		if d != 0 {
			live[f] = d
		}
	}
	if len(live) == 0 {
		return nil
	}

	where, params, err := compileFilter(flt)
	if err != nil {
		return fmt.Errorf("apply deltas %s: %w", table, err)
	}

	fields := sortedKeys(live)
	var sets []string
	var setParams []any
	for _, f := range fields {
		sets = append(sets, fmt.Sprintf("%s = %s + ?", f, f))
		setParams = append(setParams, live[f])
	}

	sqlStr := fmt.Sprintf("UPDATE %s SET %s WHERE %s", table, strings.Join(sets, ", "), where)
	if _, err := s.db.ExecContext(ctx, sqlStr, append(setParams, params...)...); err != nil {
		return fmt.Errorf("apply deltas %s: %w", table, err)
	}
	s.observeDelta(table, fields)
	return nil
}

// ApplyCountInit recomputes a relation counter at write time: the matching
// rows' field is set to the current member count via a correlated COUNT(*)
// subquery, inside the store, with no read step in application code.
func (s *Store) ApplyCountInit(ctx context.Context, rel *model.Relation, field string, flt filter.Filter) error {
	where, params, err := compileFilter(flt)
	if err != nil {
		return fmt.Errorf("count init %s.%s: %w", rel.Owner, field, err)
	}

	var sub string
	switch rel.Via {
	case model.ViaLink:
		sub = fmt.Sprintf("SELECT COUNT(*) FROM %s WHERE %s.%s = %s.id",
			rel.LinkTable, rel.LinkTable, rel.OwnerColumn, rel.Owner)
	case model.ViaForeignKey:
		if !rel.Reverse {
			return fmt.Errorf("count init %s.%s: relation is single-valued from the owner's side", rel.Owner, field)
		}
		sub = fmt.Sprintf("SELECT COUNT(*) FROM %s WHERE %s.%s = %s.id",
			rel.Member, rel.Member, rel.FKField, rel.Owner)
	default:
		return fmt.Errorf("count init %s.%s: unknown relation construct %q", rel.Owner, field, rel.Via)
	}

	sqlStr := fmt.Sprintf("UPDATE %s SET %s = (%s) WHERE %s", rel.Owner, field, sub, where)
	if _, err := s.db.ExecContext(ctx, sqlStr, params...); err != nil {
		return fmt.Errorf("count init %s.%s: %w", rel.Owner, field, err)
	}
	s.observeDelta(rel.Owner, []string{field})
	return nil
}
