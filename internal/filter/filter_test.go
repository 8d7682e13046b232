package filter

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidate_Accepts(t *testing.T) {
	valid := []Filter{
		All{},
		Key(7),
		Keys(1, 2, 3),
		Keys(),
		Eq{Field: "state", Value: "open"},
		Eq{Field: "n", Value: int64(4)},
		Eq{Field: "n", Value: 4},
		Eq{Field: "active", Value: true},
		Eq{Field: "ref", Value: nil},
		And{Filters: []Filter{All{}, Key(1)}},
		And{},
	}
	for _, f := range valid {
		assert.NoError(t, Validate(f), "%#v", f)
	}
}

func TestValidate_Rejects(t *testing.T) {
	tests := []struct {
		name string
		f    Filter
		msg  string
	}{
		{"nil filter", nil, "nil filter"},
		{"empty eq field", Eq{Value: 1}, "empty field"},
		{"float value", Eq{Field: "n", Value: 1.5}, "unsupported filter value type"},
		{"nested bad child", And{Filters: []Filter{All{}, Eq{Field: "n", Value: []int{1}}}}, "and[1]"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := Validate(tt.f)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.msg)
		})
	}
}
