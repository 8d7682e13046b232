package model

import (
	"fmt"
	"sort"
)

// FieldType enumerates the storable field types.
type FieldType string

const (
	TypeInteger FieldType = "integer"
	TypeText    FieldType = "text"
	TypeBool    FieldType = "bool"

	// TypeKey is an integer field holding another table's persisted key,
	// or NULL. Foreign-key relations are declared over TypeKey fields.
	TypeKey FieldType = "key"
)

// Field describes a plain (non-counter) column on a table.
type Field struct {
	Name    string
	Type    FieldType
	Default any
}

// initKind tags the Init union.
type initKind int

const (
	initNone initKind = iota
	initConcrete
	initDeferred
)

// Init is the initializer of a counter field.
//
// It is a tagged union: either a concrete integer known up front, or a
// deferred expression evaluated by the store at write time (counting the
// current members of a relation). The zero Init means "no initializer";
// Reinit then falls back to the field default.
type Init struct {
	kind     initKind
	value    int64
	relation string
}

// ConcreteInit returns an initializer producing a fixed value.
func ConcreteInit(v int64) Init {
	return Init{kind: initConcrete, value: v}
}

// DeferredCountInit returns an initializer that counts the current members
// of the named relation at write time, inside the store, with no read step.
func DeferredCountInit(relation string) Init {
	return Init{kind: initDeferred, relation: relation}
}

// Concrete returns the fixed value and true if the initializer is concrete.
func (i Init) Concrete() (int64, bool) {
	return i.value, i.kind == initConcrete
}

// DeferredRelation returns the relation counted at write time and true if
// the initializer is deferred.
func (i Init) DeferredRelation() (string, bool) {
	return i.relation, i.kind == initDeferred
}

// IsZero reports whether no initializer was declared.
func (i Init) IsZero() bool {
	return i.kind == initNone
}

// CounterField describes an integer counter column.
//
// A counter field is never written by the generic dirty-field save path
// unless explicitly forced: its stored value advances through atomic deltas,
// and flushing a stale in-memory copy would clobber concurrently applied
// increments.
type CounterField struct {
	// Name is the column name.
	Name string

	// Default is the value a fresh row starts with.
	Default int64

	// Init produces the value used by Reinit. For relation counters it
	// defaults to counting the relation's current members.
	Init Init

	// Relation binds the counter to a named relation. Empty for plain
	// counters with no synchronization machinery.
	Relation string
}

// Table describes one persisted table.
type Table struct {
	Name     string
	Fields   []Field
	Counters []CounterField

	fields   map[string]*Field
	counters map[string]*CounterField
}

// Field returns the named plain field, or nil.
func (t *Table) Field(name string) *Field {
	return t.fields[name]
}

// Counter returns the named counter field, or nil.
func (t *Table) Counter(name string) *CounterField {
	return t.counters[name]
}

// IsCounter reports whether name is a counter field on this table.
func (t *Table) IsCounter(name string) bool {
	_, ok := t.counters[name]
	return ok
}

// HasField reports whether name is any declared column on this table.
func (t *Table) HasField(name string) bool {
	if _, ok := t.fields[name]; ok {
		return true
	}
	_, ok := t.counters[name]
	return ok
}

// Schema is the full set of tables and relations.
//
// Construct with NewSchema, which indexes and validates the declarations.
// A Schema is immutable after construction and safe for concurrent use.
type Schema struct {
	Tables    []*Table
	Relations []*Relation

	tables    map[string]*Table
	relations map[string]*Relation
}

// NewSchema indexes and validates the given tables and relations.
//
// Validation is structural and fatal: duplicate names, dangling references,
// and relation counters bound to a relation that is single-valued from the
// owner's side are all ConfigErrors.
func NewSchema(tables []*Table, relations []*Relation) (*Schema, error) {
	s := &Schema{
		Tables:    tables,
		Relations: relations,
		tables:    make(map[string]*Table, len(tables)),
		relations: make(map[string]*Relation, len(relations)),
	}
	for _, t := range tables {
		if t.Name == "" {
			return nil, &ConfigError{Reason: "table has no name"}
		}
		if _, dup := s.tables[t.Name]; dup {
			return nil, &ConfigError{Table: t.Name, Reason: "duplicate table"}
		}
		t.fields = make(map[string]*Field, len(t.Fields))
		t.counters = make(map[string]*CounterField, len(t.Counters))
		for i := range t.Fields {
			f := &t.Fields[i]
			if f.Name == "" || f.Name == "id" {
				return nil, &ConfigError{Table: t.Name, Field: f.Name, Reason: "invalid field name"}
			}
			if _, dup := t.fields[f.Name]; dup {
				return nil, &ConfigError{Table: t.Name, Field: f.Name, Reason: "duplicate field"}
			}
			t.fields[f.Name] = f
		}
		for i := range t.Counters {
			c := &t.Counters[i]
			if c.Name == "" || c.Name == "id" {
				return nil, &ConfigError{Table: t.Name, Field: c.Name, Reason: "invalid counter name"}
			}
			if _, dup := t.fields[c.Name]; dup {
				return nil, &ConfigError{Table: t.Name, Field: c.Name, Reason: "counter shadows plain field"}
			}
			if _, dup := t.counters[c.Name]; dup {
				return nil, &ConfigError{Table: t.Name, Field: c.Name, Reason: "duplicate counter"}
			}
			t.counters[c.Name] = c
		}
		s.tables[t.Name] = t
	}
	for _, r := range relations {
		if _, dup := s.relations[r.Name]; dup {
			return nil, &ConfigError{Table: r.Owner, Relation: r.Name, Reason: "duplicate relation"}
		}
		if err := r.validate(s); err != nil {
			return nil, err
		}
		s.relations[r.Name] = r
	}
	// Relation counters require a relation that is multi-valued from the
	// owner's side; counting the single side of a one-to-many is
	// meaningless and rejected up front.
	for _, t := range tables {
		for i := range t.Counters {
			c := &t.Counters[i]
			if c.Relation == "" {
				continue
			}
			rel := s.relations[c.Relation]
			if rel == nil {
				return nil, &ConfigError{Table: t.Name, Field: c.Name, Relation: c.Relation, Reason: "relation not declared"}
			}
			if rel.Owner != t.Name {
				return nil, &ConfigError{Table: t.Name, Field: c.Name, Relation: c.Relation, Reason: fmt.Sprintf("relation is owned by table %q", rel.Owner)}
			}
			if !rel.MultiValued() {
				return nil, &ConfigError{Table: t.Name, Field: c.Name, Relation: c.Relation, Reason: "relation is single-valued from the owner's side"}
			}
			if c.Init.IsZero() {
				c.Init = DeferredCountInit(c.Relation)
			}
		}
	}
	return s, nil
}

// Table returns the named table, or nil.
func (s *Schema) Table(name string) *Table {
	return s.tables[name]
}

// Relation returns the named relation, or nil.
func (s *Schema) Relation(name string) *Relation {
	return s.relations[name]
}

// RelationCounters returns the names of the counter fields on table that are
// bound to the named relation, sorted for deterministic iteration.
func (s *Schema) RelationCounters(table, relation string) []string {
	t := s.tables[table]
	if t == nil {
		return nil
	}
	var names []string
	for i := range t.Counters {
		if t.Counters[i].Relation == relation {
			names = append(names, t.Counters[i].Name)
		}
	}
	sort.Strings(names)
	return names
}

// Reciprocal returns the relation describing the same linking construct
// from the member's side, or nil if the member side declares none.
func (s *Schema) Reciprocal(rel *Relation) *Relation {
	construct := rel.Construct()
	for _, other := range s.Relations {
		if other == rel {
			continue
		}
		if other.Construct() == construct && other.Reverse != rel.Reverse {
			return other
		}
	}
	return nil
}
