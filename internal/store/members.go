package store

import (
	"context"
	"fmt"
	"strings"

	"github.com/tallyhq/relcount/internal/model"
	"github.com/tallyhq/relcount/internal/signal"
)

// AddMembers adds the given member keys to a link relation for one owner
// row. Keys that are already members are ignored, and only the keys
// actually added are carried by the relation-changed notification - the
// counters advance by the true membership change, not the request size.
func (s *Store) AddMembers(ctx context.Context, relName string, ownerID int64, memberIDs []int64) error {
	rel, err := s.linkRelation(relName)
	if err != nil {
		return fmt.Errorf("add members %s: %w", relName, err)
	}

	existing, err := s.memberSet(ctx, rel, ownerID, memberIDs)
	if err != nil {
		return fmt.Errorf("add members %s: %w", relName, err)
	}

	var added []int64
	for _, id := range memberIDs {
		if existing[id] {
			continue
		}
		existing[id] = true
		added = append(added, id)
	}
	if len(added) == 0 {
		return nil
	}

	sqlStr := fmt.Sprintf("INSERT OR IGNORE INTO %s (%s, %s) VALUES (?, ?)",
		rel.LinkTable, rel.OwnerColumn, rel.MemberColumn)
	for _, id := range added {
		if _, err := s.db.ExecContext(ctx, sqlStr, ownerID, id); err != nil {
			return fmt.Errorf("add members %s: %w", relName, err)
		}
	}

	return s.publishRelation(ctx, rel, ownerID, signal.ActionAdded, added)
}

// RemoveMembers removes the given member keys from a link relation for one
// owner row. Keys that are not members are ignored; the notification
// carries only the keys actually removed.
func (s *Store) RemoveMembers(ctx context.Context, relName string, ownerID int64, memberIDs []int64) error {
	rel, err := s.linkRelation(relName)
	if err != nil {
		return fmt.Errorf("remove members %s: %w", relName, err)
	}

	existing, err := s.memberSet(ctx, rel, ownerID, memberIDs)
	if err != nil {
		return fmt.Errorf("remove members %s: %w", relName, err)
	}

	var removed []int64
	for _, id := range memberIDs {
		if existing[id] {
			delete(existing, id)
			removed = append(removed, id)
		}
	}
	if len(removed) == 0 {
		return nil
	}

	placeholders := strings.TrimSuffix(strings.Repeat("?, ", len(removed)), ", ")
	params := []any{ownerID}
	for _, id := range removed {
		params = append(params, id)
	}
	sqlStr := fmt.Sprintf("DELETE FROM %s WHERE %s = ? AND %s IN (%s)",
		rel.LinkTable, rel.OwnerColumn, rel.MemberColumn, placeholders)
	if _, err := s.db.ExecContext(ctx, sqlStr, params...); err != nil {
		return fmt.Errorf("remove members %s: %w", relName, err)
	}

	return s.publishRelation(ctx, rel, ownerID, signal.ActionRemoved, removed)
}

// ClearMembers removes every member from a link relation for one owner row.
//
// The clear notification carries no member ids - the set is only knowable
// before the delete executes - so a pre-clear notification fires first,
// giving handlers their one chance to query and capture it.
func (s *Store) ClearMembers(ctx context.Context, relName string, ownerID int64) error {
	rel, err := s.linkRelation(relName)
	if err != nil {
		return fmt.Errorf("clear members %s: %w", relName, err)
	}

	if err := s.publishRelation(ctx, rel, ownerID, signal.ActionPreClear, nil); err != nil {
		return err
	}

	sqlStr := fmt.Sprintf("DELETE FROM %s WHERE %s = ?", rel.LinkTable, rel.OwnerColumn)
	if _, err := s.db.ExecContext(ctx, sqlStr, ownerID); err != nil {
		return fmt.Errorf("clear members %s: %w", relName, err)
	}

	return s.publishRelation(ctx, rel, ownerID, signal.ActionPostClear, nil)
}

// MemberIDs returns the member keys of a relation for one owner row, in
// ascending key order.
func (s *Store) MemberIDs(ctx context.Context, relName string, ownerID int64) ([]int64, error) {
	rel := s.schema.Relation(relName)
	if rel == nil {
		return nil, fmt.Errorf("member ids %s: %w", relName, model.ErrNoSuchRelation)
	}

	var sqlStr string
	switch rel.Via {
	case model.ViaLink:
		sqlStr = fmt.Sprintf("SELECT %s FROM %s WHERE %s = ? ORDER BY %s ASC",
			rel.MemberColumn, rel.LinkTable, rel.OwnerColumn, rel.MemberColumn)
	case model.ViaForeignKey:
		if !rel.Reverse {
			return nil, fmt.Errorf("member ids %s: relation is single-valued from the owner's side", relName)
		}
		sqlStr = fmt.Sprintf("SELECT id FROM %s WHERE %s = ? ORDER BY id ASC", rel.Member, rel.FKField)
	default:
		return nil, fmt.Errorf("member ids %s: unknown relation construct %q", relName, rel.Via)
	}

	rows, err := s.db.QueryContext(ctx, sqlStr, ownerID)
	if err != nil {
		return nil, fmt.Errorf("member ids %s: %w", relName, err)
	}
	defer rows.Close()

	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("member ids %s: %w", relName, err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("member ids %s: %w", relName, err)
	}
	return ids, nil
}

// CountMembers returns the current member count of a relation for one owner
// row.
func (s *Store) CountMembers(ctx context.Context, relName string, ownerID int64) (int64, error) {
	rel := s.schema.Relation(relName)
	if rel == nil {
		return 0, fmt.Errorf("count members %s: %w", relName, model.ErrNoSuchRelation)
	}

	var sqlStr string
	switch rel.Via {
	case model.ViaLink:
		sqlStr = fmt.Sprintf("SELECT COUNT(*) FROM %s WHERE %s = ?", rel.LinkTable, rel.OwnerColumn)
	case model.ViaForeignKey:
		if !rel.Reverse {
			return 0, fmt.Errorf("count members %s: relation is single-valued from the owner's side", relName)
		}
		sqlStr = fmt.Sprintf("SELECT COUNT(*) FROM %s WHERE %s = ?", rel.Member, rel.FKField)
	default:
		return 0, fmt.Errorf("count members %s: unknown relation construct %q", relName, rel.Via)
	}

	var n int64
	if err := s.db.QueryRowContext(ctx, sqlStr, ownerID).Scan(&n); err != nil {
		return 0, fmt.Errorf("count members %s: %w", relName, err)
	}
	return n, nil
}

func (s *Store) linkRelation(relName string) (*model.Relation, error) {
	rel := s.schema.Relation(relName)
	if rel == nil {
		return nil, model.ErrNoSuchRelation
	}
	if rel.Via != model.ViaLink {
		return nil, fmt.Errorf("relation is not link-backed")
	}
	return rel, nil
}

// memberSet returns which of the candidate keys are currently members.
func (s *Store) memberSet(ctx context.Context, rel *model.Relation, ownerID int64, candidates []int64) (map[int64]bool, error) {
	set := make(map[int64]bool)
	if len(candidates) == 0 {
		return set, nil
	}

	placeholders := strings.TrimSuffix(strings.Repeat("?, ", len(candidates)), ", ")
	params := []any{ownerID}
	for _, id := range candidates {
		params = append(params, id)
	}
	sqlStr := fmt.Sprintf("SELECT %s FROM %s WHERE %s = ? AND %s IN (%s)",
		rel.MemberColumn, rel.LinkTable, rel.OwnerColumn, rel.MemberColumn, placeholders)

	rows, err := s.db.QueryContext(ctx, sqlStr, params...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		set[id] = true
	}
	return set, rows.Err()
}

func (s *Store) publishRelation(ctx context.Context, rel *model.Relation, ownerID int64, action signal.Action, memberIDs []int64) error {
	if s.bus == nil {
		return nil
	}
	return s.bus.PublishRelation(ctx, signal.RelationEvent{
		Construct:  rel.Construct(),
		Reverse:    rel.Reverse,
		OwnerTable: rel.Owner,
		OwnerID:    ownerID,
		Action:     action,
		MemberIDs:  memberIDs,
	})
}
