// Package model defines the schema and record layer for relcount.
//
// A Schema describes tables, their fields, their counter fields, and the
// relations between tables. A Record is one loaded in-memory representation
// of a persisted row; several independent Records for the same row can be
// live at once, and the counter engine keeps their counter fields converged.
//
// Counter fields are declared per table. A plain counter field is just an
// integer column updated through atomic deltas. A relation counter field is
// bound to a named relation and approximates "how many members does this
// record have on that relation"; its initializer defaults to counting the
// current members.
//
// Relations are declared once per side. The side a Relation describes is
// called the owner side; the Member table is the other end. Two Relation
// entries that share the same linking construct with opposite Reverse flags
// are reciprocal views of the same underlying link.
//
// Structural validation happens at schema construction time: a relation
// counter declared against a relation that is single-valued from the owner's
// side (the foreign-key-holding side of a one-to-many) is a ConfigError,
// surfaced immediately and never retried.
package model
