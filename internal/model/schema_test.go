package model

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func groupSchema(t *testing.T) *Schema {
	t.Helper()
	sch, err := NewSchema(
		[]*Table{
			{
				Name:     "groups",
				Fields:   []Field{{Name: "name", Type: TypeText}},
				Counters: []CounterField{{Name: "member_count", Relation: "group_members"}},
			},
			{
				Name:   "users",
				Fields: []Field{{Name: "name", Type: TypeText}},
			},
		},
		[]*Relation{
			{
				Name: "group_members", Owner: "groups", Member: "users", Via: ViaLink,
				LinkTable: "group_users", OwnerColumn: "group_id", MemberColumn: "user_id",
			},
		},
	)
	require.NoError(t, err)
	return sch
}

func TestNewSchema_Valid(t *testing.T) {
	sch := groupSchema(t)

	require.NotNil(t, sch.Table("groups"))
	require.NotNil(t, sch.Relation("group_members"))
	assert.Nil(t, sch.Table("nope"))
	assert.Nil(t, sch.Relation("nope"))

	groups := sch.Table("groups")
	assert.True(t, groups.IsCounter("member_count"))
	assert.False(t, groups.IsCounter("name"))
	assert.True(t, groups.HasField("name"))
	assert.True(t, groups.HasField("member_count"))
	assert.False(t, groups.HasField("id"))
}

func TestNewSchema_DefaultsRelationCounterInit(t *testing.T) {
	sch := groupSchema(t)

	c := sch.Table("groups").Counter("member_count")
	require.NotNil(t, c)
	rel, ok := c.Init.DeferredRelation()
	require.True(t, ok)
	assert.Equal(t, "group_members", rel)
}

func TestNewSchema_KeepsExplicitInit(t *testing.T) {
	sch, err := NewSchema(
		[]*Table{{
			Name: "things",
			Counters: []CounterField{
				{Name: "hits", Init: ConcreteInit(10)},
			},
		}},
		nil,
	)
	require.NoError(t, err)

	v, ok := sch.Table("things").Counter("hits").Init.Concrete()
	require.True(t, ok)
	assert.Equal(t, int64(10), v)
}

func TestNewSchema_Rejections(t *testing.T) {
	users := &Table{Name: "users", Fields: []Field{{Name: "name", Type: TypeText}}}

	tests := []struct {
		name      string
		tables    []*Table
		relations []*Relation
		reason    string
	}{
		{
			name:   "duplicate table",
			tables: []*Table{{Name: "users"}, {Name: "users"}},
			reason: "duplicate table",
		},
		{
			name:   "field named id",
			tables: []*Table{{Name: "users", Fields: []Field{{Name: "id", Type: TypeInteger}}}},
			reason: "invalid field name",
		},
		{
			name: "counter shadows field",
			tables: []*Table{{
				Name:     "users",
				Fields:   []Field{{Name: "n", Type: TypeInteger}},
				Counters: []CounterField{{Name: "n"}},
			}},
			reason: "counter shadows plain field",
		},
		{
			name: "dangling relation owner",
			tables: []*Table{
				users,
			},
			relations: []*Relation{
				{Name: "r", Owner: "ghosts", Member: "users", Via: ViaLink, LinkTable: "x", OwnerColumn: "a", MemberColumn: "b"},
			},
			reason: "owner table not declared",
		},
		{
			name: "counter on undeclared relation",
			tables: []*Table{{
				Name:     "groups",
				Counters: []CounterField{{Name: "c", Relation: "ghost"}},
			}},
			reason: "relation not declared",
		},
		{
			name: "counter on single-valued relation",
			tables: []*Table{
				{
					Name:     "posts",
					Fields:   []Field{{Name: "author", Type: TypeKey}},
					Counters: []CounterField{{Name: "author_count", Relation: "post_author"}},
				},
				users,
			},
			relations: []*Relation{
				{Name: "post_author", Owner: "posts", Member: "users", Via: ViaForeignKey, FKField: "author"},
			},
			reason: "single-valued",
		},
		{
			name:   "link relation missing columns",
			tables: []*Table{users, {Name: "groups"}},
			relations: []*Relation{
				{Name: "r", Owner: "groups", Member: "users", Via: ViaLink},
			},
			reason: "missing link table",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewSchema(tt.tables, tt.relations)
			require.Error(t, err)

			var cfgErr *ConfigError
			require.ErrorAs(t, err, &cfgErr)
			assert.Contains(t, err.Error(), tt.reason)
		})
	}
}

func TestRelationCounters_Sorted(t *testing.T) {
	sch, err := NewSchema(
		[]*Table{
			{
				Name: "groups",
				Counters: []CounterField{
					{Name: "z_count", Relation: "group_members"},
					{Name: "a_count", Relation: "group_members"},
					{Name: "plain"},
				},
			},
			{Name: "users"},
		},
		[]*Relation{
			{
				Name: "group_members", Owner: "groups", Member: "users", Via: ViaLink,
				LinkTable: "group_users", OwnerColumn: "group_id", MemberColumn: "user_id",
			},
		},
	)
	require.NoError(t, err)

	assert.Equal(t, []string{"a_count", "z_count"}, sch.RelationCounters("groups", "group_members"))
	assert.Nil(t, sch.RelationCounters("nope", "group_members"))
}

func TestReciprocal(t *testing.T) {
	sch, err := NewSchema(
		[]*Table{
			{Name: "groups", Counters: []CounterField{{Name: "member_count", Relation: "group_members"}}},
			{Name: "users", Counters: []CounterField{{Name: "group_count", Relation: "user_groups"}}},
		},
		[]*Relation{
			{
				Name: "group_members", Owner: "groups", Member: "users", Via: ViaLink,
				LinkTable: "group_users", OwnerColumn: "group_id", MemberColumn: "user_id",
			},
			{
				Name: "user_groups", Owner: "users", Member: "groups", Via: ViaLink, Reverse: true,
				LinkTable: "group_users", OwnerColumn: "user_id", MemberColumn: "group_id",
			},
		},
	)
	require.NoError(t, err)

	forward := sch.Relation("group_members")
	reverse := sch.Relation("user_groups")
	assert.Equal(t, forward.Construct(), reverse.Construct())
	assert.Same(t, reverse, sch.Reciprocal(forward))
	assert.Same(t, forward, sch.Reciprocal(reverse))

	single := groupSchema(t)
	assert.Nil(t, single.Reciprocal(single.Relation("group_members")))
}

func TestConstruct(t *testing.T) {
	link := &Relation{Name: "r", Via: ViaLink, LinkTable: "group_users"}
	assert.Equal(t, "link:group_users", link.Construct())

	fwd := &Relation{Name: "r", Owner: "posts", Member: "authors", Via: ViaForeignKey, FKField: "author"}
	rev := &Relation{Name: "r2", Owner: "authors", Member: "posts", Via: ViaForeignKey, Reverse: true, FKField: "author"}
	assert.Equal(t, "fk:posts.author", fwd.Construct())
	assert.Equal(t, "fk:posts.author", rev.Construct())
}

func TestMultiValued(t *testing.T) {
	assert.True(t, (&Relation{Via: ViaLink}).MultiValued())
	assert.True(t, (&Relation{Via: ViaLink, Reverse: true}).MultiValued())
	assert.False(t, (&Relation{Via: ViaForeignKey}).MultiValued())
	assert.True(t, (&Relation{Via: ViaForeignKey, Reverse: true}).MultiValued())
}

func TestInit_Union(t *testing.T) {
	var zero Init
	assert.True(t, zero.IsZero())

	c := ConcreteInit(5)
	v, ok := c.Concrete()
	assert.True(t, ok)
	assert.Equal(t, int64(5), v)
	_, ok = c.DeferredRelation()
	assert.False(t, ok)

	d := DeferredCountInit("group_members")
	rel, ok := d.DeferredRelation()
	assert.True(t, ok)
	assert.Equal(t, "group_members", rel)
	_, ok = d.Concrete()
	assert.False(t, ok)
}
