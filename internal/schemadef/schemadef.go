// Package schemadef compiles CUE schema definitions into a model.Schema.
//
// A schema definition declares tables (plain fields and counter fields) and
// relations under a single top-level "schema" struct:
//
//	schema: {
//		tables: {
//			groups: {
//				fields: {name: {type: "text"}}
//				counters: {member_count: {relation: "group_members"}}
//			}
//		}
//		relations: {
//			group_members: {
//				owner: "groups", member: "users", via: "link",
//				link_table: "group_users",
//				owner_column: "group_id", member_column: "user_id",
//			}
//		}
//	}
//
// Compilation uses the CUE SDK's Go API directly (not a CLI subprocess) and
// reports errors with CUE position info. Structural validation - dangling
// relation references, counters on single-valued relations - happens in
// model.NewSchema and surfaces through the same error path.
package schemadef

import (
	"fmt"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/errors"
	"cuelang.org/go/cue/token"

	"github.com/tallyhq/relcount/internal/model"
)

// Compile error codes (E100-E129)
const (
	ErrCUESyntax        = "E100" // CUE evaluation failed
	ErrMissingTables    = "E101" // schema has no tables struct
	ErrBadFieldType     = "E102" // field type not one of integer/text/bool/key
	ErrBadCounter       = "E103" // counter declaration malformed
	ErrBadRelation      = "E104" // relation declaration malformed
	ErrSchemaValidation = "E105" // model-level structural validation failed
)

// CompileError reports a schema definition error with CUE position info
// when available.
type CompileError struct {
	Code    string
	Field   string
	Message string
	Pos     token.Pos
}

func (e *CompileError) Error() string {
	if e.Pos.IsValid() {
		return fmt.Sprintf("%s:%d:%d: [%s] %s: %s",
			e.Pos.Filename(), e.Pos.Line(), e.Pos.Column(),
			e.Code, e.Field, e.Message)
	}
	return fmt.Sprintf("[%s] %s: %s", e.Code, e.Field, e.Message)
}

// Compile parses a CUE value holding the top-level "schema" struct into a
// validated model.Schema.
func Compile(v cue.Value) (*model.Schema, error) {
	if err := v.Err(); err != nil {
		return nil, formatCUEError(err)
	}

	root := v.LookupPath(cue.ParsePath("schema"))
	if !root.Exists() {
		root = v
	}

	tablesVal := root.LookupPath(cue.ParsePath("tables"))
	if !tablesVal.Exists() {
		return nil, &CompileError{Code: ErrMissingTables, Field: "schema.tables", Message: "tables struct is required", Pos: root.Pos()}
	}

	tables, err := parseTables(tablesVal)
	if err != nil {
		return nil, err
	}

	var relations []*model.Relation
	relVal := root.LookupPath(cue.ParsePath("relations"))
	if relVal.Exists() {
		relations, err = parseRelations(relVal)
		if err != nil {
			return nil, err
		}
	}

	sch, err := model.NewSchema(tables, relations)
	if err != nil {
		return nil, &CompileError{Code: ErrSchemaValidation, Field: "schema", Message: err.Error(), Pos: root.Pos()}
	}
	return sch, nil
}

func parseTables(v cue.Value) ([]*model.Table, error) {
	iter, err := v.Fields()
	if err != nil {
		return nil, formatCUEError(err)
	}

	var tables []*model.Table
	for iter.Next() {
		t, err := parseTable(iter.Selector().Unquoted(), iter.Value())
		if err != nil {
			return nil, err
		}
		tables = append(tables, t)
	}
	return tables, nil
}

func parseTable(name string, v cue.Value) (*model.Table, error) {
	t := &model.Table{Name: name}

	fieldsVal := v.LookupPath(cue.ParsePath("fields"))
	if fieldsVal.Exists() {
		iter, err := fieldsVal.Fields()
		if err != nil {
			return nil, formatCUEError(err)
		}
		for iter.Next() {
			f, err := parseField(iter.Selector().Unquoted(), iter.Value())
			if err != nil {
				return nil, err
			}
			t.Fields = append(t.Fields, f)
		}
	}

	countersVal := v.LookupPath(cue.ParsePath("counters"))
	if countersVal.Exists() {
		iter, err := countersVal.Fields()
		if err != nil {
			return nil, formatCUEError(err)
		}
		for iter.Next() {
			c, err := parseCounter(iter.Selector().Unquoted(), iter.Value())
			if err != nil {
				return nil, err
			}
			t.Counters = append(t.Counters, c)
		}
	}

	return t, nil
}

func parseField(name string, v cue.Value) (model.Field, error) {
	f := model.Field{Name: name}

	typVal := v.LookupPath(cue.ParsePath("type"))
	if !typVal.Exists() {
		return f, &CompileError{Code: ErrBadFieldType, Field: name, Message: "type is required", Pos: v.Pos()}
	}
	typ, err := typVal.String()
	if err != nil {
		return f, formatCUEError(err)
	}
	switch model.FieldType(typ) {
	case model.TypeInteger, model.TypeText, model.TypeBool, model.TypeKey:
		f.Type = model.FieldType(typ)
	default:
		return f, &CompileError{Code: ErrBadFieldType, Field: name, Message: fmt.Sprintf("unknown field type %q", typ), Pos: typVal.Pos()}
	}

	defVal := v.LookupPath(cue.ParsePath("default"))
	if defVal.Exists() {
		switch f.Type {
		case model.TypeText:
			s, err := defVal.String()
			if err != nil {
				return f, formatCUEError(err)
			}
			f.Default = s
		case model.TypeBool:
			b, err := defVal.Bool()
			if err != nil {
				return f, formatCUEError(err)
			}
			f.Default = b
		default:
			n, err := defVal.Int64()
			if err != nil {
				return f, formatCUEError(err)
			}
			f.Default = n
		}
	}
	return f, nil
}

func parseCounter(name string, v cue.Value) (model.CounterField, error) {
	c := model.CounterField{Name: name}

	if relVal := v.LookupPath(cue.ParsePath("relation")); relVal.Exists() {
		rel, err := relVal.String()
		if err != nil {
			return c, formatCUEError(err)
		}
		c.Relation = rel
	}

	if defVal := v.LookupPath(cue.ParsePath("default")); defVal.Exists() {
		n, err := defVal.Int64()
		if err != nil {
			return c, formatCUEError(err)
		}
		c.Default = n
	}

	if initVal := v.LookupPath(cue.ParsePath("init_value")); initVal.Exists() {
		n, err := initVal.Int64()
		if err != nil {
			return c, formatCUEError(err)
		}
		c.Init = model.ConcreteInit(n)
	}

	return c, nil
}

func parseRelations(v cue.Value) ([]*model.Relation, error) {
	iter, err := v.Fields()
	if err != nil {
		return nil, formatCUEError(err)
	}

	var relations []*model.Relation
	for iter.Next() {
		r, err := parseRelation(iter.Selector().Unquoted(), iter.Value())
		if err != nil {
			return nil, err
		}
		relations = append(relations, r)
	}
	return relations, nil
}

func parseRelation(name string, v cue.Value) (*model.Relation, error) {
	r := &model.Relation{Name: name}

	required := map[string]*string{
		"owner":  &r.Owner,
		"member": &r.Member,
	}
	for key, dst := range required {
		val := v.LookupPath(cue.ParsePath(key))
		if !val.Exists() {
			return nil, &CompileError{Code: ErrBadRelation, Field: name, Message: key + " is required", Pos: v.Pos()}
		}
		s, err := val.String()
		if err != nil {
			return nil, formatCUEError(err)
		}
		*dst = s
	}

	viaVal := v.LookupPath(cue.ParsePath("via"))
	if !viaVal.Exists() {
		return nil, &CompileError{Code: ErrBadRelation, Field: name, Message: "via is required", Pos: v.Pos()}
	}
	via, err := viaVal.String()
	if err != nil {
		return nil, formatCUEError(err)
	}
	r.Via = model.Via(via)

	if revVal := v.LookupPath(cue.ParsePath("reverse")); revVal.Exists() {
		rev, err := revVal.Bool()
		if err != nil {
			return nil, formatCUEError(err)
		}
		r.Reverse = rev
	}

	optional := map[string]*string{
		"link_table":    &r.LinkTable,
		"owner_column":  &r.OwnerColumn,
		"member_column": &r.MemberColumn,
		"fk_field":      &r.FKField,
	}
	for key, dst := range optional {
		if val := v.LookupPath(cue.ParsePath(key)); val.Exists() {
			s, err := val.String()
			if err != nil {
				return nil, formatCUEError(err)
			}
			*dst = s
		}
	}

	return r, nil
}

// formatCUEError converts a CUE error into a CompileError with position
// info when available.
func formatCUEError(err error) error {
	if err == nil {
		return nil
	}

	// CUE errors may contain multiple errors
	errs := errors.Errors(err)
	if len(errs) == 0 {
		return err
	}

	firstErr := errs[0]
	positions := errors.Positions(firstErr)
	if len(positions) > 0 {
		return &CompileError{
			Code:    ErrCUESyntax,
			Field:   "cue",
			Message: firstErr.Error(),
			Pos:     positions[0],
		}
	}
	return &CompileError{Code: ErrCUESyntax, Field: "cue", Message: firstErr.Error()}
}
