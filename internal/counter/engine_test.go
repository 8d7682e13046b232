package counter

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tallyhq/relcount/internal/filter"
	"github.com/tallyhq/relcount/internal/model"
	"github.com/tallyhq/relcount/internal/signal"
	"github.com/tallyhq/relcount/internal/store"
	"github.com/tallyhq/relcount/internal/testutil"
)

func engineSchema(t *testing.T) *model.Schema {
	t.Helper()
	sch, err := model.NewSchema(
		[]*model.Table{
			{
				Name:     "groups",
				Fields:   []model.Field{{Name: "name", Type: model.TypeText}},
				Counters: []model.CounterField{{Name: "member_count", Relation: "group_members"}},
			},
			{
				Name:     "users",
				Fields:   []model.Field{{Name: "name", Type: model.TypeText}},
				Counters: []model.CounterField{{Name: "group_count", Relation: "user_groups"}},
			},
			{
				Name:   "pages",
				Fields: []model.Field{{Name: "title", Type: model.TypeText}},
				Counters: []model.CounterField{
					{Name: "views"},
					{Name: "resets", Init: model.ConcreteInit(10)},
				},
			},
			{
				Name:     "authors",
				Fields:   []model.Field{{Name: "name", Type: model.TypeText}},
				Counters: []model.CounterField{{Name: "post_count", Relation: "author_posts"}},
			},
			{
				Name: "posts",
				Fields: []model.Field{
					{Name: "title", Type: model.TypeText},
					{Name: "author", Type: model.TypeKey},
				},
			},
		},
		[]*model.Relation{
			{
				Name: "group_members", Owner: "groups", Member: "users", Via: model.ViaLink,
				LinkTable: "group_users", OwnerColumn: "group_id", MemberColumn: "user_id",
			},
			{
				Name: "user_groups", Owner: "users", Member: "groups", Via: model.ViaLink, Reverse: true,
				LinkTable: "group_users", OwnerColumn: "user_id", MemberColumn: "group_id",
			},
			{
				Name: "author_posts", Owner: "authors", Member: "posts",
				Via: model.ViaForeignKey, Reverse: true, FKField: "author",
			},
		},
	)
	require.NoError(t, err)
	return sch
}

type testEnv struct {
	store  *store.Store
	engine *Engine
	writes int64
}

func newTestEngine(t *testing.T, opts ...Option) *testEnv {
	t.Helper()

	st, err := store.Open(":memory:", engineSchema(t), signal.NewBus())
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	env := &testEnv{store: st, engine: New(st, opts...)}
	st.SetDeltaObserver(func(table string, fields []string) {
		env.writes++
	})
	return env
}

func (env *testEnv) create(t *testing.T, table string, values map[string]any) *model.Record {
	t.Helper()
	rec := model.NewRecord(env.store.Schema().Table(table))
	for f, v := range values {
		rec.Set(f, v)
	}
	require.NoError(t, env.engine.Create(context.Background(), rec))
	return rec
}

func TestCreate_MigratesUnsavedState(t *testing.T) {
	env := newTestEngine(t)

	g := env.create(t, "groups", map[string]any{"name": "staff"})
	require.True(t, g.Saved())

	states := env.engine.Registry().SavedStates("groups", g.Key(), "group_members")
	require.Len(t, states, 1)
	assert.Same(t, g, states[0].Record())
	assert.Equal(t, []string{"member_count"}, states[0].Fields())
}

func TestIncrementField_PlainCounter(t *testing.T) {
	env := newTestEngine(t)
	ctx := context.Background()

	page := env.create(t, "pages", map[string]any{"title": "home"})
	require.NoError(t, env.engine.IncrementField(ctx, page, "views", 3))
	require.NoError(t, env.engine.DecrementField(ctx, page, "views", 1))

	assert.Equal(t, int64(2), page.Int("views"))
	assert.Equal(t, int64(2), int64(env.writes))

	stored, err := env.store.Get(ctx, "pages", page.Key())
	require.NoError(t, err)
	assert.Equal(t, int64(2), stored.Int("views"))
}

func TestIncrementField_RelationCounterConverges(t *testing.T) {
	env := newTestEngine(t)
	ctx := context.Background()

	g := env.create(t, "groups", map[string]any{"name": "staff"})
	g2, err := env.engine.Load(ctx, "groups", g.Key())
	require.NoError(t, err)

	env.writes = 0
	require.NoError(t, env.engine.IncrementField(ctx, g2, "member_count", 5))

	assert.Equal(t, int64(5), g.Int("member_count"), "sibling representation converges")
	assert.Equal(t, int64(5), g2.Int("member_count"))
	assert.Equal(t, int64(1), env.writes, "one real write, siblings converge by copy")
}

func TestIncrementMany(t *testing.T) {
	env := newTestEngine(t)
	ctx := context.Background()

	page := env.create(t, "pages", map[string]any{"title": "home"})
	env.writes = 0
	require.NoError(t, env.engine.IncrementMany(ctx, page, map[string]int64{"views": 3, "resets": 2}, false))

	assert.Equal(t, int64(1), env.writes, "all deltas land in one write")
	assert.Equal(t, int64(0), page.Int("views"), "no reload requested")

	stored, err := env.store.Get(ctx, "pages", page.Key())
	require.NoError(t, err)
	assert.Equal(t, int64(3), stored.Int("views"))
	assert.Equal(t, int64(2), stored.Int("resets"))

	require.NoError(t, env.engine.IncrementMany(ctx, page, map[string]int64{"views": 1, "resets": 0}, true))
	assert.Equal(t, int64(4), page.Int("views"))
	assert.Equal(t, int64(0), page.Int("resets"), "zero deltas are dropped, so the field is not reloaded")
}

func TestIncrementMany_RelationCounterSiblings(t *testing.T) {
	env := newTestEngine(t)
	ctx := context.Background()

	g := env.create(t, "groups", map[string]any{"name": "staff"})
	g2, err := env.engine.Load(ctx, "groups", g.Key())
	require.NoError(t, err)

	require.NoError(t, env.engine.IncrementMany(ctx, g, map[string]int64{"member_count": 4}, true))
	assert.Equal(t, int64(4), g.Int("member_count"))
	assert.Equal(t, int64(4), g2.Int("member_count"))
}

func TestIncrementMany_Errors(t *testing.T) {
	env := newTestEngine(t)
	ctx := context.Background()

	page := env.create(t, "pages", map[string]any{"title": "home"})
	err := env.engine.IncrementMany(ctx, page, map[string]int64{"nope": 1}, false)
	assert.ErrorIs(t, err, model.ErrNoSuchField)

	unsaved := model.NewRecord(env.store.Schema().Table("pages"))
	err = env.engine.IncrementMany(ctx, unsaved, map[string]int64{"views": 1}, false)
	assert.ErrorIs(t, err, model.ErrNotPersisted)
}

func TestIncrementField_Errors(t *testing.T) {
	env := newTestEngine(t)
	ctx := context.Background()

	g := env.create(t, "groups", map[string]any{"name": "staff"})
	err := env.engine.IncrementField(ctx, g, "no_such", 1)
	assert.ErrorIs(t, err, model.ErrNoSuchField)

	unsaved := model.NewRecord(env.store.Schema().Table("groups"))
	err = env.engine.IncrementField(ctx, unsaved, "member_count", 1)
	assert.ErrorIs(t, err, model.ErrNotPersisted)
}

func TestMembership_ConvergesOwnersAndReciprocals(t *testing.T) {
	env := newTestEngine(t)
	ctx := context.Background()

	g := env.create(t, "groups", map[string]any{"name": "staff"})
	u1 := env.create(t, "users", map[string]any{"name": "alice"})
	u2 := env.create(t, "users", map[string]any{"name": "bob"})
	g2, err := env.engine.Load(ctx, "groups", g.Key())
	require.NoError(t, err)

	require.NoError(t, env.store.AddMembers(ctx, "group_members", g.Key(), []int64{u1.Key(), u2.Key()}))

	assert.Equal(t, int64(2), g.Int("member_count"))
	assert.Equal(t, int64(2), g2.Int("member_count"))
	assert.Equal(t, int64(1), u1.Int("group_count"), "member side sees its reciprocal counter move")
	assert.Equal(t, int64(1), u2.Int("group_count"))

	require.NoError(t, env.store.RemoveMembers(ctx, "group_members", g.Key(), []int64{u1.Key()}))

	assert.Equal(t, int64(1), g.Int("member_count"))
	assert.Equal(t, int64(1), g2.Int("member_count"))
	assert.Equal(t, int64(0), u1.Int("group_count"))
	assert.Equal(t, int64(1), u2.Int("group_count"))

	// Re-adding an existing member is a no-op: no counter movement.
	require.NoError(t, env.store.AddMembers(ctx, "group_members", g.Key(), []int64{u2.Key()}))
	assert.Equal(t, int64(1), g.Int("member_count"))
	assert.Equal(t, int64(1), u2.Int("group_count"))
}

func TestClear_TwoPhaseRecoversMemberIDs(t *testing.T) {
	env := newTestEngine(t)
	ctx := context.Background()

	g := env.create(t, "groups", map[string]any{"name": "staff"})
	u1 := env.create(t, "users", map[string]any{"name": "alice"})
	u2 := env.create(t, "users", map[string]any{"name": "bob"})
	require.NoError(t, env.store.AddMembers(ctx, "group_members", g.Key(), []int64{u1.Key(), u2.Key()}))

	require.NoError(t, env.store.ClearMembers(ctx, "group_members", g.Key()))

	assert.Equal(t, int64(0), g.Int("member_count"))
	assert.Equal(t, int64(0), u1.Int("group_count"), "reciprocals recovered from the pre-clear capture")
	assert.Equal(t, int64(0), u2.Int("group_count"))

	stored, err := env.store.Get(ctx, "groups", g.Key())
	require.NoError(t, err)
	assert.Equal(t, int64(0), stored.Int("member_count"))
}

func TestClear_WithNoLoadedOwnerLeavesReciprocalsForReinit(t *testing.T) {
	env := newTestEngine(t)
	ctx := context.Background()

	u := env.create(t, "users", map[string]any{"name": "alice"})
	gKey := func() int64 {
		g := env.create(t, "groups", map[string]any{"name": "staff"})
		require.NoError(t, env.store.AddMembers(ctx, "group_members", g.Key(), []int64{u.Key()}))
		return g.Key()
	}()
	require.Equal(t, int64(1), u.Int("group_count"))

	// Drop the only representation of the group, so the clear runs with
	// no loaded owner state and no pre-clear capture.
	testutil.Collect()
	require.Empty(t, env.engine.Registry().SavedStates("groups", gKey, "group_members"))

	require.NoError(t, env.store.ClearMembers(ctx, "group_members", gKey))

	stored, err := env.store.Get(ctx, "groups", gKey)
	require.NoError(t, err)
	assert.Equal(t, int64(0), stored.Int("member_count"), "owner is zeroed directly")
	assert.Equal(t, int64(1), u.Int("group_count"), "member stays stale without a capture")

	// Reinit is the recovery path for the stale member.
	require.NoError(t, env.engine.Reinit(ctx, u, "group_count"))
	assert.Equal(t, int64(0), u.Int("group_count"))
}

func TestClear_UnloadedMembersCatchUpOnLoad(t *testing.T) {
	env := newTestEngine(t)
	ctx := context.Background()

	g := env.create(t, "groups", map[string]any{"name": "staff"})
	memberKeys := func() []int64 {
		u1 := env.create(t, "users", map[string]any{"name": "alice"})
		u2 := env.create(t, "users", map[string]any{"name": "bob"})
		return []int64{u1.Key(), u2.Key()}
	}()
	require.NoError(t, env.store.AddMembers(ctx, "group_members", g.Key(), memberKeys))
	require.Equal(t, int64(2), g.Int("member_count"))

	// Drop both member representations before the clear.
	testutil.Collect()

	require.NoError(t, env.store.ClearMembers(ctx, "group_members", g.Key()))
	assert.Equal(t, int64(0), g.Int("member_count"))

	u, err := env.engine.Load(ctx, "users", memberKeys[0])
	require.NoError(t, err)
	require.NoError(t, env.engine.Reinit(ctx, u, "group_count"))
	assert.Equal(t, int64(0), u.Int("group_count"))
}

func TestReverseForeignKey_MemberLifecycle(t *testing.T) {
	env := newTestEngine(t)
	ctx := context.Background()

	a := env.create(t, "authors", map[string]any{"name": "carol"})
	p1 := env.create(t, "posts", map[string]any{"title": "one", "author": a.Key()})
	env.create(t, "posts", map[string]any{"title": "two", "author": a.Key()})
	env.create(t, "posts", map[string]any{"title": "unowned"})

	assert.Equal(t, int64(2), a.Int("post_count"))

	require.NoError(t, env.store.Delete(ctx, p1))
	assert.Equal(t, int64(1), a.Int("post_count"))
}

func TestKeyReuse_StartsUncontaminated(t *testing.T) {
	env := newTestEngine(t)
	ctx := context.Background()

	u := env.create(t, "users", map[string]any{"name": "alice"})
	g := env.create(t, "groups", map[string]any{"name": "staff"})
	require.NoError(t, env.store.AddMembers(ctx, "group_members", g.Key(), []int64{u.Key()}))
	require.Equal(t, int64(1), g.Int("member_count"))

	oldKey := g.Key()
	require.NoError(t, env.store.Delete(ctx, g))
	require.Empty(t, env.engine.Registry().SavedStates("groups", oldKey, "group_members"))

	// Without AUTOINCREMENT the freed key is handed out again.
	fresh := env.create(t, "groups", map[string]any{"name": "newcomers"})
	require.Equal(t, oldKey, fresh.Key())

	assert.Equal(t, int64(0), fresh.Int("member_count"), "no state inherited across key reuse")
	states := env.engine.Registry().SavedStates("groups", fresh.Key(), "group_members")
	require.Len(t, states, 1)
	assert.Same(t, fresh, states[0].Record())
}

func TestReinit_DeferredCountRecovery(t *testing.T) {
	env := newTestEngine(t)
	ctx := context.Background()

	g := env.create(t, "groups", map[string]any{"name": "staff"})
	u := env.create(t, "users", map[string]any{"name": "alice"})
	g2, err := env.engine.Load(ctx, "groups", g.Key())
	require.NoError(t, err)

	require.NoError(t, env.store.AddMembers(ctx, "group_members", g.Key(), []int64{u.Key()}))

	// A delta issued outside the notification pathway leaves the counter
	// stale.
	require.NoError(t, env.store.ApplyDelta(ctx, "groups", filter.Key(g.Key()), "member_count", 5))
	stored, err := env.store.Get(ctx, "groups", g.Key())
	require.NoError(t, err)
	require.Equal(t, int64(6), stored.Int("member_count"))

	require.NoError(t, env.engine.Reinit(ctx, g, "member_count"))

	assert.Equal(t, int64(1), g.Int("member_count"))
	assert.Equal(t, int64(1), g2.Int("member_count"), "siblings receive the resolved value by copy")

	stored, err = env.store.Get(ctx, "groups", g.Key())
	require.NoError(t, err)
	assert.Equal(t, int64(1), stored.Int("member_count"))
}

func TestReinit_ConcreteInit(t *testing.T) {
	env := newTestEngine(t)
	ctx := context.Background()

	page := env.create(t, "pages", map[string]any{"title": "home"})
	require.NoError(t, env.store.ApplyDelta(ctx, "pages", filter.Key(page.Key()), "resets", 5))

	require.NoError(t, env.engine.Reinit(ctx, page, "resets"))
	assert.Equal(t, int64(10), page.Int("resets"))
}

func TestReinit_UnsavedRecord(t *testing.T) {
	env := newTestEngine(t)

	rec := model.NewRecord(env.store.Schema().Table("pages"))
	rec.Set("resets", int64(99))

	require.NoError(t, env.engine.Reinit(context.Background(), rec, "resets"))
	assert.Equal(t, int64(10), rec.Int("resets"), "unsaved reinit resolves in memory only")
	assert.Equal(t, int64(0), int64(env.writes))
}

func TestReinit_ReentryGuard(t *testing.T) {
	env := newTestEngine(t)
	ctx := context.Background()

	g := env.create(t, "groups", map[string]any{"name": "staff"})
	require.NoError(t, env.store.ApplyDelta(ctx, "groups", filter.Key(g.Key()), "member_count", 5))

	k := guardKey{table: "groups", key: g.Key(), uid: g.UID(), field: "member_count"}
	require.True(t, env.engine.acquireGuard(k))

	// With the guard held, a reinit for the same identity is a silent
	// no-op: the stored value stays untouched.
	require.NoError(t, env.engine.Reinit(ctx, g, "member_count"))
	stored, err := env.store.Get(ctx, "groups", g.Key())
	require.NoError(t, err)
	assert.Equal(t, int64(5), stored.Int("member_count"))

	env.engine.releaseGuard(k)
	require.NoError(t, env.engine.Reinit(ctx, g, "member_count"))
	assert.Equal(t, int64(0), g.Int("member_count"))
}

func TestIncrement_BatchSkipsLoadedRepresentations(t *testing.T) {
	env := newTestEngine(t)
	ctx := context.Background()

	g := env.create(t, "groups", map[string]any{"name": "staff"})
	u := env.create(t, "users", map[string]any{"name": "alice"})
	require.NoError(t, env.store.AddMembers(ctx, "group_members", g.Key(), []int64{u.Key()}))
	require.Equal(t, int64(1), g.Int("member_count"))

	require.NoError(t, env.engine.Increment(ctx, "groups", filter.All{}, "member_count", 10))

	assert.Equal(t, int64(1), g.Int("member_count"), "batch path does not refresh loaded representations")

	require.NoError(t, env.engine.ReloadField(ctx, g, "member_count"))
	assert.Equal(t, int64(11), g.Int("member_count"))

	require.NoError(t, env.engine.Decrement(ctx, "groups", filter.Key(g.Key()), "member_count", 10))
	require.NoError(t, env.engine.ReloadField(ctx, g, "member_count"))
	assert.Equal(t, int64(1), g.Int("member_count"))
}

func TestRefreshStates_DeadRepresentativeFallsBackToReloads(t *testing.T) {
	env := newTestEngine(t)
	ctx := context.Background()

	g := env.create(t, "groups", map[string]any{"name": "staff"})
	live, err := env.engine.Load(ctx, "groups", g.Key())
	require.NoError(t, err)

	dead := func() *InstanceState {
		doomed, err := env.store.Get(ctx, "groups", g.Key())
		require.NoError(t, err)
		return newInstanceState(doomed, "group_members")
	}()
	testutil.Collect()
	require.Nil(t, dead.Record())

	require.NoError(t, env.store.ApplyDelta(ctx, "groups", filter.Key(g.Key()), "member_count", 9))

	liveState := newInstanceState(live, "group_members")
	err = env.engine.refreshStates(ctx, []*InstanceState{dead, liveState}, []string{"member_count"})
	require.NoError(t, err)
	assert.Equal(t, int64(9), live.Int("member_count"), "live siblings reload independently")
}

func TestTrack_ConfigurationErrors(t *testing.T) {
	env := newTestEngine(t)

	rec := model.NewRecord(env.store.Schema().Table("groups"))
	err := env.engine.Track(rec, "nope")
	assert.ErrorIs(t, err, model.ErrNoSuchField)

	// Plain counters have no machinery; tracking is a no-op.
	page := model.NewRecord(env.store.Schema().Table("pages"))
	assert.NoError(t, env.engine.Track(page, "views"))
	assert.False(t, env.engine.Registry().HasTrackedState())
}
