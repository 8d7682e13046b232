package counter

import (
	"sort"
	"weak"

	"github.com/google/uuid"

	"github.com/tallyhq/relcount/internal/model"
)

// InstanceState is the engine's bookkeeping for one loaded representation
// of a record.
//
// The state holds only a weak handle to its record: registering a record
// must not keep it alive, or representations the caller dropped would leak
// registry entries forever. A state whose handle no longer resolves is
// discarded by the next lazy sweep.
//
// For saved records there is one state per (representation, relation); the
// tracked field set batches the counter fields that share that relation.
// For unsaved records a single state covers every relation counter on the
// record, since no notifications can target it until it has a key.
type InstanceState struct {
	rec weak.Pointer[model.Record]

	uid      uuid.UUID
	table    string
	key      int64
	relation string

	fields map[string]struct{}

	// pending caches the member ids captured by the pre-clear phase of a
	// bulk clear, consumed by post-clear. hasPending distinguishes a
	// cached empty set from no capture.
	pending    []int64
	hasPending bool
}

func newInstanceState(rec *model.Record, relation string) *InstanceState {
	return &InstanceState{
		rec:      weak.Make(rec),
		uid:      rec.UID(),
		table:    rec.Table().Name,
		key:      rec.Key(),
		relation: relation,
		fields:   make(map[string]struct{}),
	}
}

// Record resolves the weak handle. Returns nil once the representation has
// been collected.
func (st *InstanceState) Record() *model.Record {
	return st.rec.Value()
}

// TrackField adds a field to the tracked set. Idempotent.
func (st *InstanceState) TrackField(name string) {
	st.fields[name] = struct{}{}
}

// Fields returns the tracked field names, sorted.
func (st *InstanceState) Fields() []string {
	names := make([]string, 0, len(st.fields))
	for f := range st.fields {
		names = append(names, f)
	}
	sort.Strings(names)
	return names
}

// CachePendingClear stores the member ids captured before a bulk clear.
func (st *InstanceState) CachePendingClear(ids []int64) {
	st.pending = append([]int64(nil), ids...)
	st.hasPending = true
}

// ConsumePendingClear returns and clears the cached pre-clear member ids.
// The second result reports whether a capture was present.
func (st *InstanceState) ConsumePendingClear() ([]int64, bool) {
	if !st.hasPending {
		return nil, false
	}
	ids := st.pending
	st.pending = nil
	st.hasPending = false
	return ids, true
}
