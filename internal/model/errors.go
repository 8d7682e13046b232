package model

import (
	"errors"
	"fmt"
)

// Sentinel errors shared across the model and store layers.
var (
	// ErrNoSuchField indicates a field name not declared on the table.
	ErrNoSuchField = errors.New("no such field")

	// ErrNoSuchTable indicates a table name not declared in the schema.
	ErrNoSuchTable = errors.New("no such table")

	// ErrNoSuchRelation indicates a relation name not declared in the schema.
	ErrNoSuchRelation = errors.New("no such relation")

	// ErrNotPersisted indicates an operation that requires a persisted key
	// was attempted on a record that has not been inserted yet.
	ErrNotPersisted = errors.New("record not persisted")
)

// ConfigError reports a structural misconfiguration of the schema.
//
// Configuration errors are fatal and surface at schema construction time:
// they indicate the declarations themselves are wrong (for example a
// relation counter on a relation that is single-valued from the owner's
// side), so retrying can never succeed.
type ConfigError struct {
	// Table is the table whose declaration is invalid.
	Table string

	// Relation is the relation involved, if any.
	Relation string

	// Field is the field involved, if any.
	Field string

	// Reason is a human-readable description of the problem.
	Reason string
}

// Error implements the error interface.
func (e *ConfigError) Error() string {
	switch {
	case e.Field != "" && e.Relation != "":
		return fmt.Sprintf("schema: table %q field %q relation %q: %s", e.Table, e.Field, e.Relation, e.Reason)
	case e.Field != "":
		return fmt.Sprintf("schema: table %q field %q: %s", e.Table, e.Field, e.Reason)
	case e.Relation != "":
		return fmt.Sprintf("schema: table %q relation %q: %s", e.Table, e.Relation, e.Reason)
	default:
		return fmt.Sprintf("schema: table %q: %s", e.Table, e.Reason)
	}
}
