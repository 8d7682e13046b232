package counter

import (
	"context"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	promtestutil "github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMetrics_WritesAndCopies(t *testing.T) {
	m := NewMetrics(prometheus.NewRegistry())
	env := newTestEngine(t, WithMetrics(m))
	ctx := context.Background()

	g := env.create(t, "groups", map[string]any{"name": "staff"})
	g2, err := env.engine.Load(ctx, "groups", g.Key())
	require.NoError(t, err)
	g3, err := env.engine.Load(ctx, "groups", g.Key())
	require.NoError(t, err)

	require.NoError(t, env.engine.IncrementField(ctx, g, "member_count", 1))
	require.Equal(t, int64(1), g2.Int("member_count"))
	require.Equal(t, int64(1), g3.Int("member_count"))

	assert.Equal(t, float64(1), promtestutil.ToFloat64(m.Writes))
	assert.Equal(t, float64(2), promtestutil.ToFloat64(m.Copies), "two siblings converge by copy")
	assert.Equal(t, float64(0), promtestutil.ToFloat64(m.Reloads))
}

func TestMetrics_DuplicateRegistrationPanics(t *testing.T) {
	reg := prometheus.NewRegistry()
	NewMetrics(reg)
	assert.Panics(t, func() { NewMetrics(reg) })
}

func TestMetrics_NilIsInert(t *testing.T) {
	var m *Metrics
	m.addWrites(1)
	m.addCopies(1)
	m.addReloads(1)
	m.addSwept(1)
}

func TestNewMetrics_NilRegisterer(t *testing.T) {
	m := NewMetrics(nil)
	require.NotNil(t, m)
	m.addWrites(3)
	assert.Equal(t, float64(3), promtestutil.ToFloat64(m.Writes))
}
