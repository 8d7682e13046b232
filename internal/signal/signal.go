// Package signal carries relationship and lifecycle notifications from the
// store to the counter engine.
//
// The bus is synchronous by design: handlers run one at a time, to
// completion, on the publishing goroutine, and the first handler error
// aborts dispatch and propagates to the publisher. Storage errors raised
// inside a handler therefore surface at the call site that performed the
// mutation, which is the error model the counter engine requires. An
// asynchronous hub cannot provide that, which is why this is not built on a
// fire-and-forget pub/sub library.
//
// Relation-changed notifications fire through one channel per linking
// construct; both ends of the same link see the same stream and filter by
// the Reverse flag. Bulk clears fire in two phases, because the affected
// member ids are only knowable before the clear executes: ActionPreClear
// before the delete, ActionPostClear (with no ids) after.
package signal

import (
	"context"
	"sync"

	"github.com/tallyhq/relcount/internal/model"
)

// Action tags a relation-changed notification.
type Action int

const (
	// ActionAdded reports members added to a relation. MemberIDs carries
	// the added ids.
	ActionAdded Action = iota

	// ActionRemoved reports members removed from a relation. MemberIDs
	// carries the removed ids.
	ActionRemoved

	// ActionPreClear fires before a bulk clear executes. MemberIDs is
	// empty; handlers that need the member set must query it now.
	ActionPreClear

	// ActionPostClear fires after a bulk clear executed. MemberIDs is
	// empty unless the store was able to supply the cleared set.
	ActionPostClear
)

// String returns the action tag name.
func (a Action) String() string {
	switch a {
	case ActionAdded:
		return "added"
	case ActionRemoved:
		return "removed"
	case ActionPreClear:
		return "pre-clear"
	case ActionPostClear:
		return "post-clear"
	default:
		return "unknown"
	}
}

// RelationEvent describes a relationship mutation.
type RelationEvent struct {
	// Construct identifies the linking construct; both relation sides
	// share it.
	Construct string

	// Reverse reports which side issued the mutation. Handlers for one
	// side ignore events issued from the other.
	Reverse bool

	// OwnerTable and OwnerID identify the record whose relation was
	// mutated, as seen from the issuing side.
	OwnerTable string
	OwnerID    int64

	// Action tags the mutation.
	Action Action

	// MemberIDs carries the affected member keys for ActionAdded and
	// ActionRemoved. Empty for the clear phases unless the store supplies
	// the cleared set on ActionPostClear.
	MemberIDs []int64
}

// RecordEvent describes a record lifecycle transition.
type RecordEvent struct {
	// Table is the record's table name.
	Table string

	// Key is the persisted key. For RecordCreated it is the freshly
	// assigned key; for RecordPreDelete the key about to be removed.
	Key int64

	// Rec is the live representation involved, when one exists. Direct
	// store deletions without a loaded record leave it nil.
	Rec *model.Record

	// FieldValues snapshots the row's field values at event time. Delete
	// handlers use it to recover foreign-key references before the row is
	// gone.
	FieldValues map[string]any
}

// RelationHandler handles a relation-changed notification.
type RelationHandler func(ctx context.Context, ev RelationEvent) error

// RecordHandler handles a record lifecycle notification.
type RecordHandler func(ctx context.Context, ev RecordEvent) error

// Bus dispatches notifications synchronously and in subscription order.
//
// Subscribe methods are safe for concurrent use with each other; dispatch
// assumes handlers run to completion before the next mutation is issued,
// matching the engine's single-mutation-at-a-time model.
type Bus struct {
	mu sync.Mutex

	relation map[string][]RelationHandler
	created  map[string][]RecordHandler
	deleted  map[string][]RecordHandler

	firstPersisted []RecordHandler
	preDelete      []RecordHandler
}

// NewBus creates an empty bus.
func NewBus() *Bus {
	return &Bus{
		relation: make(map[string][]RelationHandler),
		created:  make(map[string][]RecordHandler),
		deleted:  make(map[string][]RecordHandler),
	}
}

// SubscribeRelation registers a handler for relation-changed notifications
// on the given linking construct.
func (b *Bus) SubscribeRelation(construct string, h RelationHandler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.relation[construct] = append(b.relation[construct], h)
}

// SubscribeCreated registers a handler for record-created notifications on
// the given table.
func (b *Bus) SubscribeCreated(table string, h RecordHandler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.created[table] = append(b.created[table], h)
}

// SubscribeDeleted registers a handler for record-deleted notifications on
// the given table.
func (b *Bus) SubscribeDeleted(table string, h RecordHandler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.deleted[table] = append(b.deleted[table], h)
}

// SubscribeFirstPersisted registers a handler fired the first time a record
// acquires a persisted key.
func (b *Bus) SubscribeFirstPersisted(h RecordHandler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.firstPersisted = append(b.firstPersisted, h)
}

// SubscribePreDelete registers a handler fired before a record's row is
// deleted.
func (b *Bus) SubscribePreDelete(h RecordHandler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.preDelete = append(b.preDelete, h)
}

// PublishRelation dispatches a relation-changed notification. The first
// handler error aborts dispatch and is returned to the publisher.
func (b *Bus) PublishRelation(ctx context.Context, ev RelationEvent) error {
	for _, h := range b.relationHandlers(ev.Construct) {
		if err := h(ctx, ev); err != nil {
			return err
		}
	}
	return nil
}

// PublishCreated dispatches a record-created notification.
func (b *Bus) PublishCreated(ctx context.Context, ev RecordEvent) error {
	return dispatch(ctx, b.recordHandlers(b.created, ev.Table), ev)
}

// PublishDeleted dispatches a record-deleted notification.
func (b *Bus) PublishDeleted(ctx context.Context, ev RecordEvent) error {
	return dispatch(ctx, b.recordHandlers(b.deleted, ev.Table), ev)
}

// PublishFirstPersisted dispatches a record-first-persisted notification.
func (b *Bus) PublishFirstPersisted(ctx context.Context, ev RecordEvent) error {
	b.mu.Lock()
	handlers := append([]RecordHandler(nil), b.firstPersisted...)
	b.mu.Unlock()
	return dispatch(ctx, handlers, ev)
}

// PublishPreDelete dispatches a record-pre-delete notification.
func (b *Bus) PublishPreDelete(ctx context.Context, ev RecordEvent) error {
	b.mu.Lock()
	handlers := append([]RecordHandler(nil), b.preDelete...)
	b.mu.Unlock()
	return dispatch(ctx, handlers, ev)
}

func (b *Bus) relationHandlers(construct string) []RelationHandler {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]RelationHandler(nil), b.relation[construct]...)
}

func (b *Bus) recordHandlers(m map[string][]RecordHandler, table string) []RecordHandler {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]RecordHandler(nil), m[table]...)
}

func dispatch(ctx context.Context, handlers []RecordHandler, ev RecordEvent) error {
	for _, h := range handlers {
		if err := h(ctx, ev); err != nil {
			return err
		}
	}
	return nil
}
