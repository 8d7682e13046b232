package harness

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"

	"cuelang.org/go/cue/cuecontext"

	"github.com/tallyhq/relcount/internal/counter"
	"github.com/tallyhq/relcount/internal/filter"
	"github.com/tallyhq/relcount/internal/model"
	"github.com/tallyhq/relcount/internal/schemadef"
	"github.com/tallyhq/relcount/internal/signal"
	"github.com/tallyhq/relcount/internal/store"
	"github.com/tallyhq/relcount/internal/testutil"
)

// Harness executes scenarios against a fresh in-memory database with a
// fully wired engine.
type Harness struct {
	store  *store.Store
	engine *counter.Engine
	schema *model.Schema
	logger *slog.Logger

	// handles are the scenario's named record representations. A handle
	// removed by a drop step releases the only strong reference the
	// harness holds.
	handles map[string]*model.Record

	writes int64
}

// TraceEvent is one flow step and the counter state it left behind.
type TraceEvent struct {
	Seq     int            `json:"seq"`
	Op      string         `json:"op"`
	Detail  map[string]any `json:"detail,omitempty"`
	Counter map[string]any `json:"counters"`
}

// Result is the outcome of a scenario run.
type Result struct {
	ScenarioName string
	Passed       bool
	Failures     []string
	Trace        []TraceEvent
	Writes       int64
}

// Run executes a scenario and returns the result.
//
// Each scenario runs in a fresh in-memory database for isolation. Flow
// step errors abort the run; assertion failures are collected into the
// result.
func Run(scenario *Scenario, logger *slog.Logger) (*Result, error) {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}

	sch, err := compileSchema(scenario.Schema)
	if err != nil {
		return nil, fmt.Errorf("scenario %s: %w", scenario.Name, err)
	}

	bus := signal.NewBus()
	st, err := store.Open(":memory:", sch, bus)
	if err != nil {
		return nil, fmt.Errorf("scenario %s: open store: %w", scenario.Name, err)
	}
	defer st.Close()

	h := &Harness{
		store:   st,
		engine:  counter.New(st, counter.WithLogger(logger)),
		schema:  sch,
		logger:  logger,
		handles: make(map[string]*model.Record),
	}
	st.SetDeltaObserver(func(table string, fields []string) {
		h.writes++
	})

	ctx := context.Background()
	for i, step := range scenario.Setup {
		if err := h.runStep(ctx, step); err != nil {
			return nil, fmt.Errorf("scenario %s: setup[%d] %s: %w", scenario.Name, i, step.Op, err)
		}
	}

	// The write-count assertion covers the flow only; setup writes are
	// plumbing.
	h.writes = 0

	result := &Result{ScenarioName: scenario.Name}
	for i, step := range scenario.Flow {
		if err := h.runStep(ctx, step); err != nil {
			return nil, fmt.Errorf("scenario %s: flow[%d] %s: %w", scenario.Name, i, step.Op, err)
		}
		result.Trace = append(result.Trace, TraceEvent{
			Seq:     i + 1,
			Op:      step.Op,
			Detail:  stepDetail(step),
			Counter: h.counterSnapshot(),
		})
	}
	result.Writes = h.writes

	for i, a := range scenario.Assertions {
		if msg := h.check(ctx, a); msg != "" {
			result.Failures = append(result.Failures, fmt.Sprintf("assertion[%d] %s: %s", i, a.Type, msg))
		}
	}
	result.Passed = len(result.Failures) == 0
	return result, nil
}

func compileSchema(src string) (*model.Schema, error) {
	v := cuecontext.New().CompileString(src)
	return schemadef.Compile(v)
}

func (h *Harness) runStep(ctx context.Context, step Step) error {
	switch step.Op {
	case "create":
		t := h.schema.Table(step.Table)
		if t == nil {
			return fmt.Errorf("table %q: %w", step.Table, model.ErrNoSuchTable)
		}
		rec := model.NewRecord(t)
		for f, v := range step.Values {
			rec.Set(f, h.resolveValue(v))
		}
		if err := h.engine.Create(ctx, rec); err != nil {
			return err
		}
		h.handles[step.As] = rec
		return nil

	case "load":
		src, err := h.handle(step.Record)
		if err != nil {
			return err
		}
		rec, err := h.engine.Load(ctx, src.Table().Name, src.Key())
		if err != nil {
			return err
		}
		h.handles[step.As] = rec
		return nil

	case "drop":
		if _, err := h.handle(step.Record); err != nil {
			return err
		}
		delete(h.handles, step.Record)
		testutil.Collect()
		return nil

	case "add", "remove":
		owner, err := h.handle(step.Owner)
		if err != nil {
			return err
		}
		ids, err := h.memberKeys(step.Members)
		if err != nil {
			return err
		}
		if step.Op == "add" {
			return h.store.AddMembers(ctx, step.Relation, owner.Key(), ids)
		}
		return h.store.RemoveMembers(ctx, step.Relation, owner.Key(), ids)

	case "clear":
		owner, err := h.handle(step.Owner)
		if err != nil {
			return err
		}
		return h.store.ClearMembers(ctx, step.Relation, owner.Key())

	case "delete":
		rec, err := h.handle(step.Record)
		if err != nil {
			return err
		}
		if err := h.store.Delete(ctx, rec); err != nil {
			return err
		}
		delete(h.handles, step.Record)
		return nil

	case "increment", "decrement":
		rec, err := h.handle(step.Record)
		if err != nil {
			return err
		}
		by := step.By
		if by == 0 {
			by = 1
		}
		if step.Op == "increment" {
			return h.engine.IncrementField(ctx, rec, step.Field, by)
		}
		return h.engine.DecrementField(ctx, rec, step.Field, by)

	case "reinit":
		rec, err := h.handle(step.Record)
		if err != nil {
			return err
		}
		return h.engine.Reinit(ctx, rec, step.Field)

	case "save":
		rec, err := h.handle(step.Record)
		if err != nil {
			return err
		}
		return h.store.SaveDirty(ctx, rec)

	case "update":
		rec, err := h.handle(step.Record)
		if err != nil {
			return err
		}
		// Direct store delta: bypasses notifications on purpose, for
		// staleness-and-reinit scenarios.
		return h.store.ApplyDelta(ctx, rec.Table().Name, filter.Key(rec.Key()), step.Field, step.By)

	default:
		return fmt.Errorf("unknown op %q", step.Op)
	}
}

func (h *Harness) check(ctx context.Context, a Assertion) string {
	switch a.Type {
	case "counter":
		rec, err := h.handle(a.Record)
		if err != nil {
			return err.Error()
		}
		if got := rec.Int(a.Field); got != a.Want {
			return fmt.Sprintf("%s.%s = %d, want %d", a.Record, a.Field, got, a.Want)
		}
	case "stored":
		rec, err := h.handle(a.Record)
		if err != nil {
			return err.Error()
		}
		fresh, err := h.store.Get(ctx, rec.Table().Name, rec.Key())
		if err != nil {
			return err.Error()
		}
		if got := fresh.Int(a.Field); got != a.Want {
			return fmt.Sprintf("stored %s.%s = %d, want %d", a.Record, a.Field, got, a.Want)
		}
	case "members":
		owner, err := h.handle(a.Owner)
		if err != nil {
			return err.Error()
		}
		n, err := h.store.CountMembers(ctx, a.Relation, owner.Key())
		if err != nil {
			return err.Error()
		}
		if n != a.Want {
			return fmt.Sprintf("members(%s, %s) = %d, want %d", a.Relation, a.Owner, n, a.Want)
		}
	case "writes":
		if h.writes != a.Want {
			return fmt.Sprintf("writes = %d, want %d", h.writes, a.Want)
		}
	case "tracked":
		if got := h.engine.Registry().HasTrackedState(); got != a.WantBool {
			return fmt.Sprintf("tracked = %v, want %v", got, a.WantBool)
		}
	default:
		return fmt.Sprintf("unknown assertion type %q", a.Type)
	}
	return ""
}

func (h *Harness) handle(name string) (*model.Record, error) {
	rec := h.handles[name]
	if rec == nil {
		return nil, fmt.Errorf("unknown record handle %q", name)
	}
	return rec, nil
}

func (h *Harness) memberKeys(handles []string) ([]int64, error) {
	ids := make([]int64, 0, len(handles))
	for _, name := range handles {
		rec, err := h.handle(name)
		if err != nil {
			return nil, err
		}
		ids = append(ids, rec.Key())
	}
	return ids, nil
}

// resolveValue maps "@handle" strings to the referenced record's key, so
// foreign-key fields can point at records created earlier in the scenario.
func (h *Harness) resolveValue(v any) any {
	if s, ok := v.(string); ok && strings.HasPrefix(s, "@") {
		if rec := h.handles[s[1:]]; rec != nil {
			return rec.Key()
		}
	}
	if n, ok := v.(int); ok {
		return int64(n)
	}
	return v
}

// counterSnapshot captures the in-memory counter values of every live
// handle, sorted by handle name for deterministic traces.
func (h *Harness) counterSnapshot() map[string]any {
	names := make([]string, 0, len(h.handles))
	for name := range h.handles {
		names = append(names, name)
	}
	sort.Strings(names)

	snap := make(map[string]any, len(h.handles))
	for _, name := range names {
		rec := h.handles[name]
		t := rec.Table()
		counters := make(map[string]any, len(t.Counters))
		for i := range t.Counters {
			counters[t.Counters[i].Name] = rec.Int(t.Counters[i].Name)
		}
		snap[name] = counters
	}
	return snap
}

func stepDetail(step Step) map[string]any {
	detail := make(map[string]any)
	if step.Table != "" {
		detail["table"] = step.Table
	}
	if step.As != "" {
		detail["as"] = step.As
	}
	if step.Record != "" {
		detail["record"] = step.Record
	}
	if step.Relation != "" {
		detail["relation"] = step.Relation
	}
	if step.Owner != "" {
		detail["owner"] = step.Owner
	}
	if len(step.Members) > 0 {
		detail["members"] = step.Members
	}
	if step.Field != "" {
		detail["field"] = step.Field
	}
	if step.By != 0 {
		detail["by"] = step.By
	}
	if len(detail) == 0 {
		return nil
	}
	return detail
}
