package counter

import (
	"sync"

	"github.com/google/uuid"

	"github.com/tallyhq/relcount/internal/model"
)

// savedKey identifies the instance states of one logical row and relation.
type savedKey struct {
	table    string
	key      int64
	relation string
}

// Registry holds every live instance state in the process.
//
// Two partitions: states for unsaved records are keyed by the record's
// pre-persist identity and cover all of its relation counters; states for
// saved records are keyed by (table, key, relation), one state per loaded
// representation, in registration order.
//
// Stale entries - states whose weak handle no longer resolves - are swept
// lazily whenever state is stored or liveness is checked, never by a
// background task. All access is serialized by one mutex; exported methods
// take it once and delegate to unexported helpers that assume it held, so
// a sweep triggered from inside a store operation never re-acquires.
type Registry struct {
	mu      sync.Mutex
	unsaved map[uuid.UUID]*InstanceState
	saved   map[savedKey][]*InstanceState

	// SweepObserver, when set, is called with the number of entries each
	// sweep discards.
	SweepObserver func(removed int)
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		unsaved: make(map[uuid.UUID]*InstanceState),
		saved:   make(map[savedKey][]*InstanceState),
	}
}

// Store looks up or creates the instance state for rec and the given
// relation counter field, and records the field as tracked. Sweeps stale
// entries first.
func (r *Registry) Store(rec *model.Record, c *model.CounterField) *InstanceState {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sweepLocked()

	if !rec.Saved() {
		st := r.unsaved[rec.UID()]
		if st == nil {
			// One state covers every relation counter while unsaved.
			st = newInstanceState(rec, "")
			r.unsaved[rec.UID()] = st
		}
		st.TrackField(c.Name)
		return st
	}

	k := savedKey{table: rec.Table().Name, key: rec.Key(), relation: c.Relation}
	for _, st := range r.saved[k] {
		if st.uid == rec.UID() {
			st.TrackField(c.Name)
			return st
		}
	}
	st := newInstanceState(rec, c.Relation)
	st.TrackField(c.Name)
	r.saved[k] = append(r.saved[k], st)
	return st
}

// SavedStates returns the live instance states for one logical row and
// relation, in registration order.
func (r *Registry) SavedStates(table string, key int64, relation string) []*InstanceState {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sweepLocked()

	k := savedKey{table: table, key: key, relation: relation}
	return append([]*InstanceState(nil), r.saved[k]...)
}

// OnFirstPersist migrates a record's state from the unsaved partition to
// the saved one. Fires once, the first time the record acquires a key: the
// single unsaved state is dropped and replaced by one saved state per
// relation across the record's relation counter fields.
func (r *Registry) OnFirstPersist(rec *model.Record) {
	r.mu.Lock()
	defer r.mu.Unlock()

	old, had := r.unsaved[rec.UID()]
	if !had {
		return
	}
	delete(r.unsaved, rec.UID())

	t := rec.Table()
	states := make(map[string]*InstanceState)
	for i := range t.Counters {
		c := &t.Counters[i]
		if c.Relation == "" {
			continue
		}
		if _, tracked := old.fields[c.Name]; !tracked {
			continue
		}
		st := states[c.Relation]
		if st == nil {
			st = newInstanceState(rec, c.Relation)
			states[c.Relation] = st
			k := savedKey{table: t.Name, key: rec.Key(), relation: c.Relation}
			r.saved[k] = append(r.saved[k], st)
		}
		st.TrackField(c.Name)
	}
}

// OnPreDelete removes every saved state tied to the record's row. A later
// row reusing the same persisted key starts with no inherited state.
func (r *Registry) OnPreDelete(rec *model.Record) {
	r.mu.Lock()
	defer r.mu.Unlock()

	table, key := rec.Table().Name, rec.Key()
	for k := range r.saved {
		if k.table == table && k.key == key {
			delete(r.saved, k)
		}
	}
}

// HasTrackedState reports whether any live state remains after a sweep.
// Exists to support test-isolation assertions.
func (r *Registry) HasTrackedState() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sweepLocked()
	return len(r.unsaved) > 0 || len(r.saved) > 0
}

// Reset drops all state. Test isolation only.
func (r *Registry) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.unsaved = make(map[uuid.UUID]*InstanceState)
	r.saved = make(map[savedKey][]*InstanceState)
}

// sweepLocked discards entries whose weak handle no longer resolves.
// Callers hold r.mu.
func (r *Registry) sweepLocked() {
	removed := 0
	for uid, st := range r.unsaved {
		if st.Record() == nil {
			delete(r.unsaved, uid)
			removed++
		}
	}
	for k, states := range r.saved {
		live := states[:0]
		for _, st := range states {
			if st.Record() != nil {
				live = append(live, st)
			} else {
				removed++
			}
		}
		if len(live) == 0 {
			delete(r.saved, k)
		} else {
			r.saved[k] = live
		}
	}
	if removed > 0 && r.SweepObserver != nil {
		r.SweepObserver(removed)
	}
}
