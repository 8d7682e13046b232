// Package counter implements the relation-counter synchronization engine.
//
// The engine keeps denormalized counter fields correct as relationships
// change, across every loaded in-memory representation of the same row,
// without full reloads. It has four moving parts:
//
//   - Instance states: per-loaded-representation bookkeeping. Each state
//     holds a weak handle to its record, the set of tracked counter fields,
//     and a transient pending-clear cache.
//   - The registry: two partitions of instance states - unsaved records
//     keyed by their pre-persist identity, saved records keyed by
//     (table, key, relation) - swept lazily, never by a background task.
//   - Relation trackers: one per (owner table, relation), created lazily
//     and kept for the process lifetime. A tracker subscribes to exactly
//     the notifications its relation classification needs and fans updates
//     out through the registry.
//   - Lifecycle glue: migrates a record's state from the unsaved to the
//     saved partition when it first acquires a persisted key, and tears
//     state down on deletion.
//
// When a tracked relation changes, exactly one real atomic write is issued
// against the store; every other live representation of the same row gets
// the resulting values copied in memory. Counter correctness across
// processes rests on the store's atomic delta primitive, not on any lock
// held here.
//
// Mutations that bypass the create/save/delete/relation-change pathway are
// not detected; Reinit re-derives a counter from scratch when that happens.
package counter
