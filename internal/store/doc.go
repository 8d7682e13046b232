// Package store provides SQLite-backed persistence for relcount records.
//
// The store executes every mutation the counter engine relies on:
//   - Record CRUD with dirty-field saves that exclude counter columns
//   - Membership operations on link tables (add, remove, bulk clear)
//   - Atomic delta application: UPDATE t SET f = f + delta, with no read
//     step, so concurrent writers never clobber each other's increments
//   - Write-time counter initialization via a COUNT(*) subquery
//
// Cross-process correctness of counters rests entirely on the atomic delta
// primitive; the engine's in-memory lock protects only its own registries.
//
// The store is also the source of notifications: relationship mutations and
// record lifecycle transitions publish synchronously on a signal.Bus before
// the mutating call returns, so handler errors surface at the call site that
// performed the mutation.
//
// # Database Configuration
//
//   - WAL mode: Concurrent reads during writes
//   - synchronous=NORMAL: Balance durability/performance
//   - busy_timeout=5000: Wait for locks up to 5 seconds
//   - foreign_keys=ON: Enforce referential integrity
//
// The schema DDL is generated from the model.Schema and applied
// idempotently; incremental migrations use PRAGMA user_version.
package store
