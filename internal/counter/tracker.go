package counter

import (
	"context"
	"fmt"

	"github.com/tallyhq/relcount/internal/model"
	"github.com/tallyhq/relcount/internal/signal"
)

// Classification is the tagged relation classification a tracker is built
// for. It is fixed at construction from the relation metadata; there is no
// runtime re-introspection.
type Classification int

const (
	// ForwardLink: the owner declared the link table.
	ForwardLink Classification = iota

	// ReverseLink: the owner is the reverse side of a link table.
	ReverseLink

	// ReverseForeignKey: members hold a key field referencing the owner.
	// Membership changes arrive as member creations and deletions, not
	// relation-changed notifications.
	ReverseForeignKey
)

// String returns the classification name.
func (c Classification) String() string {
	switch c {
	case ForwardLink:
		return "forward-link"
	case ReverseLink:
		return "reverse-link"
	case ReverseForeignKey:
		return "reverse-foreign-key"
	default:
		return "unknown"
	}
}

// Tracker keeps the counters of one (owner table, relation) pair in sync.
//
// A tracker is created lazily the first time a relation counter for the
// pair is tracked, subscribes to exactly the notifications its
// classification needs, and lives for the rest of the process; there is no
// teardown.
//
// Construction introspects the relation once and fails fatally on a
// relation that is single-valued from the owner's side - the counter
// declaration itself is wrong, so the error is never retried.
type Tracker struct {
	engine *Engine
	rel    *model.Relation
	class  Classification

	// ownerFields are the counter fields on the owner table bound to this
	// relation.
	ownerFields []string

	// recipRel and recipFields describe the member side's view of the
	// same construct, when the member table declares one with counters.
	recipRel    *model.Relation
	recipFields []string
}

// newTracker classifies the relation and subscribes. Callers cache the
// result per (table, relation) for the process lifetime.
func newTracker(e *Engine, table, relation string) (*Tracker, error) {
	rel := e.schema.Relation(relation)
	if rel == nil {
		return nil, fmt.Errorf("tracker %s.%s: %w", table, relation, model.ErrNoSuchRelation)
	}
	if rel.Owner != table {
		return nil, &model.ConfigError{Table: table, Relation: relation, Reason: fmt.Sprintf("relation is owned by table %q", rel.Owner)}
	}
	if !rel.MultiValued() {
		return nil, &model.ConfigError{Table: table, Relation: relation, Reason: "relation is single-valued from the owner's side"}
	}

	t := &Tracker{
		engine:      e,
		rel:         rel,
		ownerFields: e.schema.RelationCounters(table, relation),
	}
	if recip := e.schema.Reciprocal(rel); recip != nil {
		t.recipRel = recip
		t.recipFields = e.schema.RelationCounters(recip.Owner, recip.Name)
	}

	bus := e.store.Bus()
	switch {
	case rel.Via == model.ViaLink && !rel.Reverse:
		t.class = ForwardLink
	case rel.Via == model.ViaLink && rel.Reverse:
		t.class = ReverseLink
	default:
		t.class = ReverseForeignKey
	}

	if bus == nil {
		return t, nil
	}
	switch t.class {
	case ForwardLink, ReverseLink:
		// Both ends of the same link fire through the same channel;
		// the handler filters by direction.
		bus.SubscribeRelation(rel.Construct(), t.onRelationChanged)
	case ReverseForeignKey:
		bus.SubscribeCreated(rel.Member, t.onMemberCreated)
		bus.SubscribeDeleted(rel.Member, t.onMemberDeleted)
	}
	return t, nil
}

// onRelationChanged handles the shared relation-changed notification for
// link-backed relations. Storage errors are not caught here; they
// propagate to whatever mutation triggered the notification.
func (t *Tracker) onRelationChanged(ctx context.Context, ev signal.RelationEvent) error {
	if ev.Reverse != t.rel.Reverse {
		return nil
	}

	switch ev.Action {
	case signal.ActionAdded:
		return t.membersChanged(ctx, ev.OwnerID, ev.MemberIDs, 1)
	case signal.ActionRemoved:
		return t.membersChanged(ctx, ev.OwnerID, ev.MemberIDs, -1)
	case signal.ActionPreClear:
		return t.preClear(ctx, ev.OwnerID)
	case signal.ActionPostClear:
		return t.postClear(ctx, ev)
	default:
		return nil
	}
}

// membersChanged adjusts the owner's counters by the membership change and
// each affected member's reciprocal counter by one.
func (t *Tracker) membersChanged(ctx context.Context, ownerID int64, memberIDs []int64, sign int64) error {
	if len(memberIDs) == 0 {
		return nil
	}

	if err := t.adjustOwner(ctx, ownerID, sign*int64(len(memberIDs))); err != nil {
		return err
	}
	for _, id := range memberIDs {
		if err := t.adjustReciprocal(ctx, id, sign); err != nil {
			return err
		}
	}
	return nil
}

// preClear captures the member id set before a bulk clear executes and
// caches it on the owner's loaded instance states. With no state loaded
// nothing is cached; post-clear will simply zero the owner directly, and
// the members' reciprocal counters stay stale until their next reinit.
func (t *Tracker) preClear(ctx context.Context, ownerID int64) error {
	states := t.engine.reg.SavedStates(t.rel.Owner, ownerID, t.rel.Name)
	if len(states) == 0 {
		return nil
	}
	ids, err := t.engine.store.MemberIDs(ctx, t.rel.Name, ownerID)
	if err != nil {
		return err
	}
	for _, st := range states {
		st.CachePendingClear(ids)
	}
	return nil
}

// postClear zeroes the owner's counters and reciprocally decrements every
// member it can still identify: from the notification if the store
// supplied the cleared set, else from the pre-clear cache.
func (t *Tracker) postClear(ctx context.Context, ev signal.RelationEvent) error {
	states := t.engine.reg.SavedStates(t.rel.Owner, ev.OwnerID, t.rel.Name)

	ids := ev.MemberIDs
	if len(ids) == 0 {
		for _, st := range states {
			if cached, ok := st.ConsumePendingClear(); ok {
				ids = cached
				break
			}
		}
		// Also drain the remaining caches for this clear.
		for _, st := range states {
			st.ConsumePendingClear()
		}
	}

	if err := t.engine.zeroRow(ctx, t.rel.Owner, ev.OwnerID, t.rel.Name); err != nil {
		return err
	}

	for _, id := range ids {
		if err := t.adjustReciprocal(ctx, id, -1); err != nil {
			return err
		}
	}
	return nil
}

// onMemberCreated handles member creation for reverse foreign-key
// relations: a new member referencing an owner increments that owner's
// counters.
func (t *Tracker) onMemberCreated(ctx context.Context, ev signal.RecordEvent) error {
	ownerID, ok := keyValue(ev.FieldValues[t.rel.FKField])
	if !ok {
		return nil
	}
	return t.adjustOwner(ctx, ownerID, 1)
}

// onMemberDeleted handles member deletion, looked up by the reference
// value captured before the row was removed.
func (t *Tracker) onMemberDeleted(ctx context.Context, ev signal.RecordEvent) error {
	ownerID, ok := keyValue(ev.FieldValues[t.rel.FKField])
	if !ok {
		return nil
	}
	return t.adjustOwner(ctx, ownerID, -1)
}

// adjustOwner updates the owner row's counters: through the loaded states
// when any exist, else as a direct atomic update by key with no load.
func (t *Tracker) adjustOwner(ctx context.Context, ownerID int64, by int64) error {
	if by == 0 || len(t.ownerFields) == 0 {
		return nil
	}
	return t.engine.bumpRow(ctx, t.rel.Owner, ownerID, t.rel.Name, by)
}

// adjustReciprocal updates one member's reciprocal counters the same way.
func (t *Tracker) adjustReciprocal(ctx context.Context, memberID int64, by int64) error {
	if t.recipRel == nil || len(t.recipFields) == 0 {
		return nil
	}
	return t.engine.bumpRow(ctx, t.recipRel.Owner, memberID, t.recipRel.Name, by)
}

// keyValue extracts a persisted key from a snapshotted field value.
func keyValue(v any) (int64, bool) {
	switch k := v.(type) {
	case int64:
		return k, k != 0
	case int:
		return int64(k), k != 0
	default:
		return 0, false
	}
}
