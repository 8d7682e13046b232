package store

import (
	"context"
	"database/sql"
	"fmt"
	"sort"
	"strings"

	"github.com/tallyhq/relcount/internal/filter"
	"github.com/tallyhq/relcount/internal/model"
	"github.com/tallyhq/relcount/internal/signal"
)

// Insert persists a new record and assigns its key.
//
// After the key is assigned, record-first-persisted and record-created
// notifications fire synchronously; a handler error is returned to the
// caller (the row itself stays inserted - the engine does not retry or
// suppress storage-adjacent failures).
func (s *Store) Insert(ctx context.Context, rec *model.Record) error {
	if rec.Saved() {
		return fmt.Errorf("insert %s: record already persisted with key %d", rec.Table().Name, rec.Key())
	}

	t := rec.Table()
	cols, params := allColumns(rec)

	var sqlStr string
	if len(cols) == 0 {
		sqlStr = fmt.Sprintf("INSERT INTO %s DEFAULT VALUES", t.Name)
	} else {
		placeholders := strings.TrimSuffix(strings.Repeat("?, ", len(cols)), ", ")
		sqlStr = fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s)", t.Name, strings.Join(cols, ", "), placeholders)
	}

	res, err := s.db.ExecContext(ctx, sqlStr, params...)
	if err != nil {
		return fmt.Errorf("insert %s: %w", t.Name, err)
	}
	key, err := res.LastInsertId()
	if err != nil {
		return fmt.Errorf("insert %s: last insert id: %w", t.Name, err)
	}
	rec.MarkSaved(key)
	rec.ClearDirty()

	if s.bus != nil {
		ev := signal.RecordEvent{
			Table:       t.Name,
			Key:         key,
			Rec:         rec,
			FieldValues: snapshotValues(rec),
		}
		if err := s.bus.PublishFirstPersisted(ctx, ev); err != nil {
			return err
		}
		if err := s.bus.PublishCreated(ctx, ev); err != nil {
			return err
		}
	}
	return nil
}

// Get loads the row with the given key into a fresh record.
func (s *Store) Get(ctx context.Context, table string, key int64) (*model.Record, error) {
	t := s.schema.Table(table)
	if t == nil {
		return nil, fmt.Errorf("get %s: %w", table, model.ErrNoSuchTable)
	}

	rec := model.NewRecord(t)
	cols := declaredColumns(t)
	sqlStr := fmt.Sprintf("SELECT %s FROM %s WHERE id = ?", strings.Join(cols, ", "), table)

	row := s.db.QueryRowContext(ctx, sqlStr, key)
	if err := scanInto(row, t, cols, rec); err != nil {
		if err == sql.ErrNoRows {
			return nil, fmt.Errorf("get %s key %d: %w", table, key, err)
		}
		return nil, fmt.Errorf("get %s key %d: %w", table, key, err)
	}
	rec.MarkSaved(key)
	return rec, nil
}

// SaveDirty writes the record's dirty fields.
//
// Counter fields are excluded from the column set unless named in force:
// their stored values advance through atomic deltas, and writing a stale
// in-memory copy would clobber concurrently applied increments.
func (s *Store) SaveDirty(ctx context.Context, rec *model.Record, force ...string) error {
	if !rec.Saved() {
		return fmt.Errorf("save %s: %w", rec.Table().Name, model.ErrNotPersisted)
	}

	forced := make(map[string]bool, len(force))
	for _, f := range force {
		forced[f] = true
	}

	t := rec.Table()
	var sets []string
	var params []any
	for _, f := range rec.DirtyFields() {
		if t.IsCounter(f) && !forced[f] {
			continue
		}
		sets = append(sets, f+" = ?")
		params = append(params, rec.Get(f))
	}
	if len(sets) == 0 {
		return nil
	}
	params = append(params, rec.Key())

	sqlStr := fmt.Sprintf("UPDATE %s SET %s WHERE id = ?", t.Name, strings.Join(sets, ", "))
	if _, err := s.db.ExecContext(ctx, sqlStr, params...); err != nil {
		return fmt.Errorf("save %s key %d: %w", t.Name, rec.Key(), err)
	}
	rec.ClearDirty()
	return nil
}

// Delete removes the record's row.
//
// The record-pre-delete notification fires before anything is removed, so
// handlers still see the row's state. Link rows referencing the record are
// removed along with the row; the record-deleted notification fires last
// with the field values captured before deletion.
func (s *Store) Delete(ctx context.Context, rec *model.Record) error {
	if !rec.Saved() {
		return fmt.Errorf("delete %s: %w", rec.Table().Name, model.ErrNotPersisted)
	}

	t := rec.Table()
	ev := signal.RecordEvent{
		Table:       t.Name,
		Key:         rec.Key(),
		Rec:         rec,
		FieldValues: snapshotValues(rec),
	}

	if s.bus != nil {
		if err := s.bus.PublishPreDelete(ctx, ev); err != nil {
			return err
		}
	}

	if err := s.deleteLinkRows(ctx, t.Name, rec.Key()); err != nil {
		return err
	}
	if _, err := s.db.ExecContext(ctx, fmt.Sprintf("DELETE FROM %s WHERE id = ?", t.Name), rec.Key()); err != nil {
		return fmt.Errorf("delete %s key %d: %w", t.Name, rec.Key(), err)
	}

	if s.bus != nil {
		if err := s.bus.PublishDeleted(ctx, ev); err != nil {
			return err
		}
	}
	return nil
}

// ReadFields re-reads the named fields from the record's row into the
// record, without touching dirty markers.
func (s *Store) ReadFields(ctx context.Context, rec *model.Record, fields ...string) error {
	if !rec.Saved() {
		return fmt.Errorf("read %s: %w", rec.Table().Name, model.ErrNotPersisted)
	}
	if len(fields) == 0 {
		return nil
	}
	t := rec.Table()
	for _, f := range fields {
		if !t.HasField(f) {
			return fmt.Errorf("read %s.%s: %w", t.Name, f, model.ErrNoSuchField)
		}
	}

	cols := append([]string(nil), fields...)
	sort.Strings(cols)
	sqlStr := fmt.Sprintf("SELECT %s FROM %s WHERE id = ?", strings.Join(cols, ", "), t.Name)
	row := s.db.QueryRowContext(ctx, sqlStr, rec.Key())
	if err := scanInto(row, t, cols, rec); err != nil {
		return fmt.Errorf("read %s key %d: %w", t.Name, rec.Key(), err)
	}
	return nil
}

// SetFields assigns literal values to fields on every row matching the
// filter. Used for zeroing counters on bulk clear.
func (s *Store) SetFields(ctx context.Context, table string, flt filter.Filter, values map[string]int64) error {
	if len(values) == 0 {
		return nil
	}
	where, params, err := compileFilter(flt)
	if err != nil {
		return fmt.Errorf("set fields %s: %w", table, err)
	}

	fields := sortedKeys(values)
	var sets []string
	var setParams []any
	for _, f := range fields {
		sets = append(sets, f+" = ?")
		setParams = append(setParams, values[f])
	}

	sqlStr := fmt.Sprintf("UPDATE %s SET %s WHERE %s", table, strings.Join(sets, ", "), where)
	if _, err := s.db.ExecContext(ctx, sqlStr, append(setParams, params...)...); err != nil {
		return fmt.Errorf("set fields %s: %w", table, err)
	}
	s.observeDelta(table, fields)
	return nil
}

// deleteLinkRows removes membership rows on both sides of every link
// relation the table participates in.
func (s *Store) deleteLinkRows(ctx context.Context, table string, key int64) error {
	done := make(map[string]bool)
	for _, r := range s.schema.Relations {
		if r.Via != model.ViaLink {
			continue
		}
		var col string
		switch table {
		case r.Owner:
			col = r.OwnerColumn
		case r.Member:
			col = r.MemberColumn
		default:
			continue
		}
		mark := r.LinkTable + "/" + col
		if done[mark] {
			continue
		}
		done[mark] = true
		sqlStr := fmt.Sprintf("DELETE FROM %s WHERE %s = ?", r.LinkTable, col)
		if _, err := s.db.ExecContext(ctx, sqlStr, key); err != nil {
			return fmt.Errorf("delete link rows %s: %w", r.LinkTable, err)
		}
	}
	return nil
}

// declaredColumns returns every declared column of the table, sorted.
func declaredColumns(t *model.Table) []string {
	cols := make([]string, 0, len(t.Fields)+len(t.Counters))
	for i := range t.Fields {
		cols = append(cols, t.Fields[i].Name)
	}
	for i := range t.Counters {
		cols = append(cols, t.Counters[i].Name)
	}
	sort.Strings(cols)
	return cols
}

// allColumns returns the record's columns and current values, sorted by
// column name.
func allColumns(rec *model.Record) ([]string, []any) {
	cols := declaredColumns(rec.Table())
	params := make([]any, len(cols))
	for i, c := range cols {
		params[i] = rec.Get(c)
	}
	return cols, params
}

func snapshotValues(rec *model.Record) map[string]any {
	t := rec.Table()
	vals := make(map[string]any)
	for _, c := range declaredColumns(t) {
		vals[c] = rec.Get(c)
	}
	return vals
}

type rowScanner interface {
	Scan(dest ...any) error
}

// scanInto scans the named columns from row into rec, converting SQL nulls
// and integers to the model's value types.
func scanInto(row rowScanner, t *model.Table, cols []string, rec *model.Record) error {
	dests := make([]any, len(cols))
	for i := range dests {
		dests[i] = new(sql.NullString)
	}
	// Integers scan through NullInt64 so counter values stay exact.
	for i, c := range cols {
		if isIntegerColumn(t, c) {
			dests[i] = new(sql.NullInt64)
		}
	}
	if err := row.Scan(dests...); err != nil {
		return err
	}
	for i, c := range cols {
		switch d := dests[i].(type) {
		case *sql.NullInt64:
			if d.Valid {
				if f := t.Field(c); f != nil && f.Type == model.TypeBool {
					rec.SetLoaded(c, d.Int64 != 0)
				} else {
					rec.SetLoaded(c, d.Int64)
				}
			} else {
				rec.SetLoaded(c, nil)
			}
		case *sql.NullString:
			if d.Valid {
				rec.SetLoaded(c, d.String)
			} else {
				rec.SetLoaded(c, nil)
			}
		}
	}
	return nil
}

func isIntegerColumn(t *model.Table, name string) bool {
	if t.IsCounter(name) {
		return true
	}
	f := t.Field(name)
	if f == nil {
		return false
	}
	return f.Type == model.TypeInteger || f.Type == model.TypeKey || f.Type == model.TypeBool
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
