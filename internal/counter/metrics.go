package counter

import "github.com/prometheus/client_golang/prometheus"

// Metrics instruments the engine's synchronization work. The interesting
// ratio is writes to copies: N loaded representations converging on one
// mutation should cost one write and N-1 copies.
type Metrics struct {
	// Writes counts real delta writes issued against the store.
	Writes prometheus.Counter

	// Copies counts counter values propagated to sibling representations
	// by in-memory copy instead of a write or reload.
	Copies prometheus.Counter

	// Reloads counts sibling representations refreshed from storage
	// because no live write representative existed.
	Reloads prometheus.Counter

	// SweptStates counts registry entries discarded by lazy sweeps.
	SweptStates prometheus.Counter
}

// NewMetrics creates the engine metrics and registers them with reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		Writes: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "relcount_counter_writes_total",
			Help: "Real atomic counter writes issued against the store.",
		}),
		Copies: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "relcount_counter_copies_total",
			Help: "Counter values propagated to sibling representations in memory.",
		}),
		Reloads: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "relcount_counter_reloads_total",
			Help: "Sibling representations reloaded from storage.",
		}),
		SweptStates: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "relcount_registry_swept_states_total",
			Help: "Stale instance states discarded by lazy sweeps.",
		}),
	}
	if reg != nil {
		reg.MustRegister(m.Writes, m.Copies, m.Reloads, m.SweptStates)
	}
	return m
}

func (m *Metrics) addWrites(n int) {
	if m != nil {
		m.Writes.Add(float64(n))
	}
}

func (m *Metrics) addCopies(n int) {
	if m != nil {
		m.Copies.Add(float64(n))
	}
}

func (m *Metrics) addReloads(n int) {
	if m != nil {
		m.Reloads.Add(float64(n))
	}
}

func (m *Metrics) addSwept(n int) {
	if m != nil {
		m.SweptStates.Add(float64(n))
	}
}
