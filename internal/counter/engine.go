package counter

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"sort"
	"sync"

	"github.com/google/uuid"

	"github.com/tallyhq/relcount/internal/filter"
	"github.com/tallyhq/relcount/internal/model"
	"github.com/tallyhq/relcount/internal/signal"
	"github.com/tallyhq/relcount/internal/store"
)

// trackerKey identifies a relation tracker.
type trackerKey struct {
	table    string
	relation string
}

// guardKey identifies an in-flight Reinit for one record identity and
// field.
type guardKey struct {
	table string
	key   int64
	uid   uuid.UUID
	field string
}

// Engine is the relation-counter synchronization engine.
//
// One Engine serves one store. Records participate by being adopted
// (Load and Create adopt automatically); adoption registers instance
// states and lazily constructs the relation trackers that keep the
// counters synchronized from then on.
//
// The engine assumes the store's mutation model: one mutation settles -
// including its synchronous notification handlers - before the next is
// issued. It performs no I/O while holding its internal locks.
type Engine struct {
	store  *store.Store
	schema *model.Schema
	reg    *Registry

	logger  *slog.Logger
	metrics *Metrics

	trackerMu sync.Mutex
	trackers  map[trackerKey]*Tracker

	guardMu     sync.Mutex
	reinitGuard map[guardKey]bool
}

// Option configures an Engine.
type Option func(*Engine)

// WithLogger sets the engine logger.
func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) {
		e.logger = l
	}
}

// WithMetrics sets the engine metrics.
func WithMetrics(m *Metrics) Option {
	return func(e *Engine) {
		e.metrics = m
	}
}

// New creates an engine over the store and hooks its lifecycle glue into
// the store's notification bus.
func New(st *store.Store, opts ...Option) *Engine {
	e := &Engine{
		store:       st,
		schema:      st.Schema(),
		reg:         NewRegistry(),
		logger:      slog.New(slog.DiscardHandler),
		trackers:    make(map[trackerKey]*Tracker),
		reinitGuard: make(map[guardKey]bool),
	}
	for _, opt := range opts {
		opt(e)
	}
	e.reg.SweepObserver = e.metrics.addSwept

	if bus := st.Bus(); bus != nil {
		bus.SubscribeFirstPersisted(func(ctx context.Context, ev signal.RecordEvent) error {
			if ev.Rec != nil {
				e.reg.OnFirstPersist(ev.Rec)
			}
			return nil
		})
		bus.SubscribePreDelete(func(ctx context.Context, ev signal.RecordEvent) error {
			if ev.Rec != nil {
				e.reg.OnPreDelete(ev.Rec)
			}
			return nil
		})
	}
	return e
}

// Registry returns the engine's state registry.
func (e *Engine) Registry() *Registry {
	return e.reg
}

// Store returns the engine's store.
func (e *Engine) Store() *store.Store {
	return e.store
}

// Track registers rec's instance state for one counter field and ensures
// the relation tracker exists. Plain counters have no synchronization
// machinery and are a no-op.
//
// Tracker construction failure is a configuration error: it is returned
// immediately and never retried.
func (e *Engine) Track(rec *model.Record, field string) error {
	t := rec.Table()
	c := t.Counter(field)
	if c == nil {
		return fmt.Errorf("track %s.%s: %w", t.Name, field, model.ErrNoSuchField)
	}
	if c.Relation == "" {
		return nil
	}
	if _, err := e.trackerFor(t.Name, c.Relation); err != nil {
		return err
	}
	e.reg.Store(rec, c)
	return nil
}

// Adopt registers rec's instance states for all of its relation counters.
func (e *Engine) Adopt(rec *model.Record) error {
	t := rec.Table()
	for i := range t.Counters {
		if t.Counters[i].Relation == "" {
			continue
		}
		if err := e.Track(rec, t.Counters[i].Name); err != nil {
			return err
		}
	}
	return nil
}

// Load reads one row into a fresh adopted record.
func (e *Engine) Load(ctx context.Context, table string, key int64) (*model.Record, error) {
	rec, err := e.store.Get(ctx, table, key)
	if err != nil {
		return nil, err
	}
	if err := e.Adopt(rec); err != nil {
		return nil, err
	}
	return rec, nil
}

// Create adopts and inserts a new record. Adoption happens first so the
// unsaved state exists for the first-persist migration to move.
func (e *Engine) Create(ctx context.Context, rec *model.Record) error {
	if err := e.Adopt(rec); err != nil {
		return err
	}
	return e.store.Insert(ctx, rec)
}

// IncrementField adds by to one of rec's counter fields.
//
// For a relation counter, every loaded representation of the row converges
// on the result: one real write, in-memory copies for the rest. Counter
// fields sharing the same relation are batched into the same write.
func (e *Engine) IncrementField(ctx context.Context, rec *model.Record, field string, by int64) error {
	t := rec.Table()
	c := t.Counter(field)
	if c == nil {
		return fmt.Errorf("increment %s.%s: %w", t.Name, field, model.ErrNoSuchField)
	}
	if !rec.Saved() {
		return fmt.Errorf("increment %s.%s: %w", t.Name, field, model.ErrNotPersisted)
	}
	if by == 0 {
		return nil
	}

	if c.Relation == "" {
		if err := e.store.ApplyDelta(ctx, t.Name, filter.Key(rec.Key()), field, by); err != nil {
			return err
		}
		e.metrics.addWrites(1)
		return e.store.ReadFields(ctx, rec, field)
	}

	if err := e.Track(rec, field); err != nil {
		return err
	}
	return e.bumpRow(ctx, t.Name, rec.Key(), c.Relation, by)
}

// DecrementField subtracts by from one of rec's counter fields.
func (e *Engine) DecrementField(ctx context.Context, rec *model.Record, field string, by int64) error {
	return e.IncrementField(ctx, rec, field, -by)
}

// ReloadField re-reads one counter field from storage into rec.
func (e *Engine) ReloadField(ctx context.Context, rec *model.Record, field string) error {
	if !rec.Table().HasField(field) {
		return fmt.Errorf("reload %s.%s: %w", rec.Table().Name, field, model.ErrNoSuchField)
	}
	return e.store.ReadFields(ctx, rec, field)
}

// Reinit re-derives a counter from its initializer and persists the result.
// This is the recovery path after mutations that bypassed the notification
// pathway.
//
// A recursive Reinit for the same record identity and field while one is in
// flight is a silent no-op: the outer call will shortly supply the value.
func (e *Engine) Reinit(ctx context.Context, rec *model.Record, field string) error {
	t := rec.Table()
	c := t.Counter(field)
	if c == nil {
		return fmt.Errorf("reinit %s.%s: %w", t.Name, field, model.ErrNoSuchField)
	}

	k := guardKey{table: t.Name, key: rec.Key(), uid: rec.UID(), field: field}
	if !e.acquireGuard(k) {
		return nil
	}
	defer e.releaseGuard(k)

	if !rec.Saved() {
		if v, ok := c.Init.Concrete(); ok {
			rec.SetLoaded(field, v)
		} else {
			rec.SetLoaded(field, c.Default)
		}
		return nil
	}

	flt := filter.Key(rec.Key())
	if v, ok := c.Init.Concrete(); ok {
		if err := e.store.SetFields(ctx, t.Name, flt, map[string]int64{field: v}); err != nil {
			return err
		}
	} else if relName, ok := c.Init.DeferredRelation(); ok {
		rel := e.schema.Relation(relName)
		if rel == nil {
			return fmt.Errorf("reinit %s.%s: %w", t.Name, field, model.ErrNoSuchRelation)
		}
		if err := e.store.ApplyCountInit(ctx, rel, field, flt); err != nil {
			return err
		}
	} else {
		if err := e.store.SetFields(ctx, t.Name, flt, map[string]int64{field: c.Default}); err != nil {
			return err
		}
	}
	e.metrics.addWrites(1)

	if err := e.store.ReadFields(ctx, rec, field); err != nil {
		return err
	}

	// Siblings get the resolved value by copy, not by re-writing.
	if c.Relation != "" {
		v := rec.Get(field)
		for _, st := range e.reg.SavedStates(t.Name, rec.Key(), c.Relation) {
			if other := st.Record(); other != nil && other != rec {
				other.SetLoaded(field, v)
				e.metrics.addCopies(1)
			}
		}
	}
	return nil
}

// IncrementMany applies several counter-field deltas to one record in a
// single atomic write. Relation counters participate like plain counters
// here; the caller asserts the membership arithmetic.
//
// With reload false the write is issued and every in-memory value is left
// stale. With reload true rec re-reads the written fields and loaded
// sibling representations of the relation counters converge as usual.
func (e *Engine) IncrementMany(ctx context.Context, rec *model.Record, deltas map[string]int64, reload bool) error {
	t := rec.Table()
	live := make(map[string]int64, len(deltas))
	var relations []string
	for f, by := range deltas {
		c := t.Counter(f)
		if c == nil {
			return fmt.Errorf("increment %s.%s: %w", t.Name, f, model.ErrNoSuchField)
		}
		if by == 0 {
			continue
		}
		live[f] = by
		if c.Relation != "" {
			if err := e.Track(rec, f); err != nil {
				return err
			}
			relations = append(relations, c.Relation)
		}
	}
	if !rec.Saved() {
		return fmt.Errorf("increment %s: %w", t.Name, model.ErrNotPersisted)
	}
	if len(live) == 0 {
		return nil
	}

	if err := e.store.ApplyDeltas(ctx, t.Name, filter.Key(rec.Key()), live); err != nil {
		return err
	}
	e.metrics.addWrites(1)

	if !reload {
		return nil
	}

	sort.Strings(relations)
	relations = slices.Compact(relations)
	inRelation := make(map[string]bool)
	for _, rel := range relations {
		states := e.reg.SavedStates(t.Name, rec.Key(), rel)
		fields := trackedFields(states)
		if err := e.refreshStates(ctx, states, fields); err != nil {
			return err
		}
		for _, f := range fields {
			inRelation[f] = true
		}
	}

	var plain []string
	for f := range live {
		if !inRelation[f] {
			plain = append(plain, f)
		}
	}
	if len(plain) == 0 {
		return nil
	}
	sort.Strings(plain)
	return e.store.ReadFields(ctx, rec, plain...)
}

// Increment adds by to a counter field on every row matching the filter.
//
// This is the batch path: it writes through the atomic delta primitive and
// does not refresh loaded representations of the matched rows (their next
// reload or reinit catches up).
func (e *Engine) Increment(ctx context.Context, table string, flt filter.Filter, field string, by int64) error {
	t := e.schema.Table(table)
	if t == nil {
		return fmt.Errorf("increment %s: %w", table, model.ErrNoSuchTable)
	}
	if t.Counter(field) == nil {
		return fmt.Errorf("increment %s.%s: %w", table, field, model.ErrNoSuchField)
	}
	if by == 0 {
		return nil
	}
	if err := e.store.ApplyDelta(ctx, table, flt, field, by); err != nil {
		return err
	}
	e.metrics.addWrites(1)
	return nil
}

// Decrement subtracts by from a counter field on every row matching the
// filter.
func (e *Engine) Decrement(ctx context.Context, table string, flt filter.Filter, field string, by int64) error {
	return e.Increment(ctx, table, flt, field, -by)
}

// bumpRow applies one atomic delta to the relation's counter fields on one
// row and synchronizes every loaded representation.
func (e *Engine) bumpRow(ctx context.Context, table string, key int64, relation string, by int64) error {
	states := e.reg.SavedStates(table, key, relation)
	fields := trackedFields(states)
	if len(fields) == 0 {
		fields = e.schema.RelationCounters(table, relation)
	}
	if len(fields) == 0 {
		return nil
	}

	deltas := make(map[string]int64, len(fields))
	for _, f := range fields {
		deltas[f] = by
	}
	if err := e.store.ApplyDeltas(ctx, table, filter.Key(key), deltas); err != nil {
		return err
	}
	e.metrics.addWrites(1)
	return e.refreshStates(ctx, states, fields)
}

// zeroRow sets the relation's counter fields on one row to zero and copies
// the zeros into every loaded representation. No read step is needed: the
// resulting values are known.
func (e *Engine) zeroRow(ctx context.Context, table string, key int64, relation string) error {
	states := e.reg.SavedStates(table, key, relation)
	fields := trackedFields(states)
	if len(fields) == 0 {
		fields = e.schema.RelationCounters(table, relation)
	}
	if len(fields) == 0 {
		return nil
	}

	zeros := make(map[string]int64, len(fields))
	for _, f := range fields {
		zeros[f] = 0
	}
	if err := e.store.SetFields(ctx, table, filter.Key(key), zeros); err != nil {
		return err
	}
	e.metrics.addWrites(1)

	for _, st := range states {
		if rec := st.Record(); rec != nil {
			for _, f := range fields {
				rec.SetLoaded(f, int64(0))
			}
			e.metrics.addCopies(1)
		}
	}
	return nil
}

// refreshStates brings every loaded representation in line after a write.
//
// The first registered state is the write representative: its record
// re-reads the updated values, and the other live records receive them by
// in-memory copy. If the representative's weak handle is dead, each live
// sibling instead reloads from storage independently.
func (e *Engine) refreshStates(ctx context.Context, states []*InstanceState, fields []string) error {
	if len(states) == 0 {
		return nil
	}

	rep := states[0].Record()
	if rep != nil {
		if err := e.store.ReadFields(ctx, rep, fields...); err != nil {
			return err
		}
		for _, st := range states[1:] {
			if rec := st.Record(); rec != nil {
				for _, f := range fields {
					rec.SetLoaded(f, rep.Get(f))
				}
				e.metrics.addCopies(1)
			}
		}
		return nil
	}

	for _, st := range states[1:] {
		rec := st.Record()
		if rec == nil {
			continue
		}
		if err := e.store.ReadFields(ctx, rec, fields...); err != nil {
			return err
		}
		e.metrics.addReloads(1)
	}
	return nil
}

func (e *Engine) trackerFor(table, relation string) (*Tracker, error) {
	k := trackerKey{table: table, relation: relation}
	e.trackerMu.Lock()
	defer e.trackerMu.Unlock()
	if tr := e.trackers[k]; tr != nil {
		return tr, nil
	}
	tr, err := newTracker(e, table, relation)
	if err != nil {
		return nil, err
	}
	e.trackers[k] = tr
	e.logger.Debug("relation tracker created",
		"table", table, "relation", relation, "class", tr.class.String())
	return tr, nil
}

func (e *Engine) acquireGuard(k guardKey) bool {
	e.guardMu.Lock()
	defer e.guardMu.Unlock()
	if e.reinitGuard[k] {
		return false
	}
	e.reinitGuard[k] = true
	return true
}

func (e *Engine) releaseGuard(k guardKey) {
	e.guardMu.Lock()
	defer e.guardMu.Unlock()
	delete(e.reinitGuard, k)
}

// trackedFields returns the union of the states' tracked field sets,
// sorted.
func trackedFields(states []*InstanceState) []string {
	if len(states) == 0 {
		return nil
	}
	set := make(map[string]struct{})
	for _, st := range states {
		for f := range st.fields {
			set[f] = struct{}{}
		}
	}
	fields := make([]string, 0, len(set))
	for f := range set {
		fields = append(fields, f)
	}
	sort.Strings(fields)
	return fields
}
