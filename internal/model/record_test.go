package model

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewRecord_Defaults(t *testing.T) {
	sch, err := NewSchema(
		[]*Table{{
			Name: "things",
			Fields: []Field{
				{Name: "label", Type: TypeText, Default: "untitled"},
				{Name: "active", Type: TypeBool, Default: true},
			},
			Counters: []CounterField{{Name: "hits", Default: 3}},
		}},
		nil,
	)
	require.NoError(t, err)

	rec := NewRecord(sch.Table("things"))
	assert.False(t, rec.Saved())
	assert.Equal(t, int64(0), rec.Key())
	assert.NotEqual(t, "00000000-0000-0000-0000-000000000000", rec.UID().String())
	assert.Equal(t, "untitled", rec.Get("label"))
	assert.Equal(t, true, rec.Get("active"))
	assert.Equal(t, int64(3), rec.Int("hits"))
	assert.Empty(t, rec.DirtyFields())
}

func TestRecord_DirtyTracking(t *testing.T) {
	sch, err := NewSchema(
		[]*Table{{
			Name:   "things",
			Fields: []Field{{Name: "label", Type: TypeText}, {Name: "note", Type: TypeText}},
		}},
		nil,
	)
	require.NoError(t, err)
	rec := NewRecord(sch.Table("things"))

	rec.Set("note", "b")
	rec.Set("label", "a")
	assert.True(t, rec.Dirty("label"))
	assert.Equal(t, []string{"label", "note"}, rec.DirtyFields())

	// Loading a value clears that field's marker; others stay dirty.
	rec.SetLoaded("label", "from-row")
	assert.False(t, rec.Dirty("label"))
	assert.Equal(t, []string{"note"}, rec.DirtyFields())

	rec.ClearDirty()
	assert.Empty(t, rec.DirtyFields())
}

func TestRecord_MarkSaved(t *testing.T) {
	sch, err := NewSchema([]*Table{{Name: "things"}}, nil)
	require.NoError(t, err)
	rec := NewRecord(sch.Table("things"))

	uid := rec.UID()
	rec.MarkSaved(42)
	assert.True(t, rec.Saved())
	assert.Equal(t, int64(42), rec.Key())
	assert.Equal(t, uid, rec.UID(), "identity is stable across the unsaved-to-saved transition")
}

func TestRecord_IntCoercion(t *testing.T) {
	sch, err := NewSchema([]*Table{{Name: "things", Fields: []Field{{Name: "n", Type: TypeInteger}}}}, nil)
	require.NoError(t, err)
	rec := NewRecord(sch.Table("things"))

	rec.Set("n", 7)
	assert.Equal(t, int64(7), rec.Int("n"))
	rec.Set("n", int64(8))
	assert.Equal(t, int64(8), rec.Int("n"))
	rec.Set("n", "text")
	assert.Equal(t, int64(0), rec.Int("n"))
	assert.Equal(t, int64(0), rec.Int("missing"))
}

func TestConfigError_Format(t *testing.T) {
	err := &ConfigError{Table: "groups", Relation: "group_members", Field: "member_count", Reason: "relation not declared"}
	msg := err.Error()
	assert.Contains(t, msg, "groups")
	assert.Contains(t, msg, "member_count")
	assert.Contains(t, msg, "relation not declared")
}
