package counter

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tallyhq/relcount/internal/model"
	"github.com/tallyhq/relcount/internal/testutil"
)

func registrySchema(t *testing.T) *model.Schema {
	t.Helper()
	sch, err := model.NewSchema(
		[]*model.Table{
			{
				Name:   "groups",
				Fields: []model.Field{{Name: "name", Type: model.TypeText}},
				Counters: []model.CounterField{
					{Name: "member_count", Relation: "group_members"},
					{Name: "admin_count", Relation: "group_admins"},
				},
			},
			{Name: "users"},
		},
		[]*model.Relation{
			{
				Name: "group_members", Owner: "groups", Member: "users", Via: model.ViaLink,
				LinkTable: "group_users", OwnerColumn: "group_id", MemberColumn: "user_id",
			},
			{
				Name: "group_admins", Owner: "groups", Member: "users", Via: model.ViaLink,
				LinkTable: "group_admins_link", OwnerColumn: "group_id", MemberColumn: "user_id",
			},
		},
	)
	require.NoError(t, err)
	return sch
}

func TestRegistry_UnsavedSharesOneState(t *testing.T) {
	sch := registrySchema(t)
	reg := NewRegistry()
	groups := sch.Table("groups")

	rec := model.NewRecord(groups)
	st1 := reg.Store(rec, groups.Counter("member_count"))
	st2 := reg.Store(rec, groups.Counter("admin_count"))

	assert.Same(t, st1, st2, "one state covers every relation counter while unsaved")
	assert.Equal(t, []string{"admin_count", "member_count"}, st1.Fields())
	assert.True(t, reg.HasTrackedState())
}

func TestRegistry_SavedStatesPerRelationAndRepresentation(t *testing.T) {
	sch := registrySchema(t)
	reg := NewRegistry()
	groups := sch.Table("groups")

	r1 := model.NewRecord(groups)
	r1.MarkSaved(1)
	r2 := model.NewRecord(groups)
	r2.MarkSaved(1)

	members1 := reg.Store(r1, groups.Counter("member_count"))
	admins1 := reg.Store(r1, groups.Counter("admin_count"))
	members2 := reg.Store(r2, groups.Counter("member_count"))

	assert.NotSame(t, members1, admins1, "saved states partition by relation")

	// Same representation and relation resolves to the same state.
	assert.Same(t, members1, reg.Store(r1, groups.Counter("member_count")))

	states := reg.SavedStates("groups", 1, "group_members")
	require.Len(t, states, 2)
	assert.Same(t, members1, states[0], "registration order is preserved")
	assert.Same(t, members2, states[1])

	assert.Len(t, reg.SavedStates("groups", 1, "group_admins"), 1)
	assert.Empty(t, reg.SavedStates("groups", 2, "group_members"))
}

func TestRegistry_OnFirstPersistMigratesTrackedFields(t *testing.T) {
	sch := registrySchema(t)
	reg := NewRegistry()
	groups := sch.Table("groups")

	rec := model.NewRecord(groups)
	reg.Store(rec, groups.Counter("member_count"))
	reg.Store(rec, groups.Counter("admin_count"))

	rec.MarkSaved(7)
	reg.OnFirstPersist(rec)

	members := reg.SavedStates("groups", 7, "group_members")
	require.Len(t, members, 1)
	assert.Equal(t, []string{"member_count"}, members[0].Fields())

	admins := reg.SavedStates("groups", 7, "group_admins")
	require.Len(t, admins, 1)
	assert.Equal(t, []string{"admin_count"}, admins[0].Fields())

	// Migration consumed the unsaved entry; a second fire is a no-op.
	reg.OnFirstPersist(rec)
	assert.Len(t, reg.SavedStates("groups", 7, "group_members"), 1)
}

func TestRegistry_OnFirstPersistOnlyMigratesTracked(t *testing.T) {
	sch := registrySchema(t)
	reg := NewRegistry()
	groups := sch.Table("groups")

	rec := model.NewRecord(groups)
	reg.Store(rec, groups.Counter("member_count"))

	rec.MarkSaved(8)
	reg.OnFirstPersist(rec)

	assert.Len(t, reg.SavedStates("groups", 8, "group_members"), 1)
	assert.Empty(t, reg.SavedStates("groups", 8, "group_admins"), "untracked counters get no state")
}

func TestRegistry_OnPreDeleteDropsRowStates(t *testing.T) {
	sch := registrySchema(t)
	reg := NewRegistry()
	groups := sch.Table("groups")

	rec := model.NewRecord(groups)
	rec.MarkSaved(3)
	reg.Store(rec, groups.Counter("member_count"))
	reg.Store(rec, groups.Counter("admin_count"))

	reg.OnPreDelete(rec)

	assert.Empty(t, reg.SavedStates("groups", 3, "group_members"))
	assert.Empty(t, reg.SavedStates("groups", 3, "group_admins"))
	assert.False(t, reg.HasTrackedState())
}

func TestRegistry_SweepDropsCollectedRepresentations(t *testing.T) {
	sch := registrySchema(t)
	reg := NewRegistry()
	groups := sch.Table("groups")

	var swept int
	reg.SweepObserver = func(removed int) { swept += removed }

	keeper := model.NewRecord(groups)
	keeper.MarkSaved(1)
	reg.Store(keeper, groups.Counter("member_count"))

	func() {
		doomed := model.NewRecord(groups)
		doomed.MarkSaved(1)
		reg.Store(doomed, groups.Counter("member_count"))
	}()
	require.Len(t, reg.SavedStates("groups", 1, "group_members"), 2)

	testutil.Collect()

	states := reg.SavedStates("groups", 1, "group_members")
	require.Len(t, states, 1)
	assert.Same(t, keeper, states[0].Record())
	assert.Equal(t, 1, swept)
}

func TestRegistry_Reset(t *testing.T) {
	sch := registrySchema(t)
	reg := NewRegistry()
	groups := sch.Table("groups")

	rec := model.NewRecord(groups)
	reg.Store(rec, groups.Counter("member_count"))
	require.True(t, reg.HasTrackedState())

	reg.Reset()
	assert.False(t, reg.HasTrackedState())
}
