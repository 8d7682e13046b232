package model

import (
	"sort"

	"github.com/google/uuid"
)

// Record is one loaded in-memory representation of a persisted row.
//
// Several Records for the same row can be live at once (loaded through
// independent code paths); the counter engine converges their counter
// fields. A Record is not safe for concurrent use; callers serialize access
// the same way they would for any mutable value.
type Record struct {
	table *Table

	// key is the persisted key, 0 until the record is first inserted.
	key int64

	// uid identifies the record before it has a persisted key, and stays
	// stable across the unsaved-to-saved transition.
	uid uuid.UUID

	values map[string]any
	dirty  map[string]bool
}

// NewRecord creates an unsaved record with default field values.
func NewRecord(t *Table) *Record {
	r := &Record{
		table:  t,
		uid:    uuid.New(),
		values: make(map[string]any, len(t.Fields)+len(t.Counters)),
		dirty:  make(map[string]bool),
	}
	for i := range t.Fields {
		r.values[t.Fields[i].Name] = t.Fields[i].Default
	}
	for i := range t.Counters {
		r.values[t.Counters[i].Name] = t.Counters[i].Default
	}
	return r
}

// Table returns the record's table.
func (r *Record) Table() *Table {
	return r.table
}

// Key returns the persisted key, or 0 if the record is unsaved.
func (r *Record) Key() int64 {
	return r.key
}

// UID returns the record's pre-persist identity.
func (r *Record) UID() uuid.UUID {
	return r.uid
}

// Saved reports whether the record has a persisted key.
func (r *Record) Saved() bool {
	return r.key != 0
}

// Get returns the current in-memory value of the named field.
func (r *Record) Get(field string) any {
	return r.values[field]
}

// Int returns the named field as int64, or 0 if unset or non-integer.
func (r *Record) Int(field string) int64 {
	switch v := r.values[field].(type) {
	case int64:
		return v
	case int:
		return int64(v)
	default:
		return 0
	}
}

// Set assigns a field value and marks the field dirty.
func (r *Record) Set(field string, v any) {
	r.values[field] = v
	r.dirty[field] = true
}

// SetLoaded assigns a field value without marking it dirty. Used by the
// store when populating a record from a row or after a reload.
func (r *Record) SetLoaded(field string, v any) {
	r.values[field] = v
	delete(r.dirty, field)
}

// Dirty reports whether the named field has unsaved changes.
func (r *Record) Dirty(field string) bool {
	return r.dirty[field]
}

// DirtyFields returns the dirty field names, sorted.
func (r *Record) DirtyFields() []string {
	fields := make([]string, 0, len(r.dirty))
	for f := range r.dirty {
		fields = append(fields, f)
	}
	sort.Strings(fields)
	return fields
}

// ClearDirty removes all dirty markers.
func (r *Record) ClearDirty() {
	r.dirty = make(map[string]bool)
}

// MarkSaved assigns the persisted key. Called by the store exactly once,
// on first successful insert.
func (r *Record) MarkSaved(key int64) {
	r.key = key
}
