package model

import "fmt"

// Via identifies the linking construct backing a relation.
type Via string

const (
	// ViaLink backs the relation with a dedicated membership table.
	// Both sides of a link relation are multi-valued.
	ViaLink Via = "link"

	// ViaForeignKey backs the relation with a key field on one side.
	// The side holding the key sees at most one member; the referenced
	// side sees many.
	ViaForeignKey Via = "fk"
)

// Relation describes one side of a relationship between two tables.
//
// Owner is the table whose records the relation is viewed from; Member is
// the other end. Reverse marks that the owner sits on the reverse side of
// the underlying construct: for a link relation that is the side that did
// not declare the link, for a foreign-key relation it is the referenced
// ("one") side, whose records can have many members.
type Relation struct {
	// Name uniquely identifies this side of the relation.
	Name string

	// Owner is the table this side is viewed from.
	Owner string

	// Member is the table at the other end.
	Member string

	// Via selects the linking construct.
	Via Via

	// Reverse marks the owner as the reverse side of the construct.
	Reverse bool

	// LinkTable, OwnerColumn and MemberColumn describe the membership
	// table for ViaLink relations. OwnerColumn holds the owner key,
	// MemberColumn the member key, regardless of Reverse.
	LinkTable    string
	OwnerColumn  string
	MemberColumn string

	// FKField is the key field for ViaForeignKey relations. It lives on
	// the forward side's table: on Owner when Reverse is false, on Member
	// when Reverse is true.
	FKField string
}

// MultiValued reports whether the relation can have more than one member
// per owner record. The foreign-key-holding side is single-valued; every
// other side is multi-valued.
func (r *Relation) MultiValued() bool {
	if r.Via == ViaForeignKey {
		return r.Reverse
	}
	return true
}

// Construct returns a stable identity for the underlying linking construct.
// Reciprocal relation sides share the same construct identity.
func (r *Relation) Construct() string {
	if r.Via == ViaForeignKey {
		holder := r.Owner
		if r.Reverse {
			holder = r.Member
		}
		return fmt.Sprintf("fk:%s.%s", holder, r.FKField)
	}
	return "link:" + r.LinkTable
}

// validate checks the relation declaration in the context of its schema.
func (r *Relation) validate(s *Schema) error {
	if r.Name == "" {
		return &ConfigError{Table: r.Owner, Reason: "relation has no name"}
	}
	if s.Table(r.Owner) == nil {
		return &ConfigError{Table: r.Owner, Relation: r.Name, Reason: "owner table not declared"}
	}
	if s.Table(r.Member) == nil {
		return &ConfigError{Table: r.Member, Relation: r.Name, Reason: "member table not declared"}
	}
	switch r.Via {
	case ViaLink:
		if r.LinkTable == "" || r.OwnerColumn == "" || r.MemberColumn == "" {
			return &ConfigError{Table: r.Owner, Relation: r.Name, Reason: "link relation missing link table or columns"}
		}
	case ViaForeignKey:
		if r.FKField == "" {
			return &ConfigError{Table: r.Owner, Relation: r.Name, Reason: "foreign-key relation missing key field"}
		}
		holder := s.Table(r.Owner)
		if r.Reverse {
			holder = s.Table(r.Member)
		}
		if holder.Field(r.FKField) == nil {
			return &ConfigError{Table: holder.Name, Relation: r.Name, Field: r.FKField, Reason: "foreign-key field not declared on holding table"}
		}
	default:
		return &ConfigError{Table: r.Owner, Relation: r.Name, Reason: fmt.Sprintf("unknown relation construct %q", r.Via)}
	}
	return nil
}
