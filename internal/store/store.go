package store

import (
	"context"
	"database/sql"
	"fmt"
	"sort"
	"strings"

	_ "github.com/mattn/go-sqlite3"

	"github.com/tallyhq/relcount/internal/model"
	"github.com/tallyhq/relcount/internal/signal"
)

// Schema version tracking:
// 1 - Initial schema (tables generated from the model)
const currentSchemaVersion = 1

// Store provides durable storage for relcount records.
// Uses SQLite with WAL mode for concurrent read access.
type Store struct {
	db     *sql.DB
	schema *model.Schema
	bus    *signal.Bus

	// deltaObserver, when set, is called once per real delta write issued
	// against the database. Tests use it to assert write counts.
	deltaObserver func(table string, fields []string)
}

// Open creates or opens a SQLite database at the given path and applies the
// DDL generated from the schema. Notifications publish on bus; a nil bus
// disables them.
//
// This function is idempotent - safe to call multiple times.
func Open(path string, sch *model.Schema, bus *signal.Bus) (*Store, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	// SQLite only supports one writer at a time, so limit connections.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if err := applyPragmas(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to apply pragmas: %w", err)
	}

	if err := applySchema(db, sch); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to apply schema: %w", err)
	}

	return &Store{db: db, schema: sch, bus: bus}, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

// DB returns the underlying sql.DB for direct queries.
// Use with caution - prefer using Store methods when available.
func (s *Store) DB() *sql.DB {
	return s.db
}

// Schema returns the schema the store was opened with.
func (s *Store) Schema() *model.Schema {
	return s.schema
}

// Bus returns the notification bus, or nil if notifications are disabled.
func (s *Store) Bus() *signal.Bus {
	return s.bus
}

// SetDeltaObserver installs a callback invoked once per real delta write.
func (s *Store) SetDeltaObserver(fn func(table string, fields []string)) {
	s.deltaObserver = fn
}

func (s *Store) observeDelta(table string, fields []string) {
	if s.deltaObserver != nil {
		s.deltaObserver(table, fields)
	}
}

// Query executes a query and returns the resulting rows.
// Callers are responsible for closing the returned rows.
func (s *Store) Query(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	return s.db.QueryContext(ctx, query, args...)
}

// applyPragmas sets required SQLite configuration.
func applyPragmas(db *sql.DB) error {
	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA busy_timeout = 5000",
		"PRAGMA foreign_keys = ON",
	}

	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			return fmt.Errorf("failed to execute %q: %w", pragma, err)
		}
	}

	return nil
}

// applySchema creates tables if they don't exist and records the schema
// version. This function is idempotent.
func applySchema(db *sql.DB, sch *model.Schema) error {
	for _, stmt := range generateDDL(sch) {
		if _, err := db.Exec(stmt); err != nil {
			return fmt.Errorf("failed to execute DDL %q: %w", stmt, err)
		}
	}

	if _, err := db.Exec(fmt.Sprintf("PRAGMA user_version = %d", currentSchemaVersion)); err != nil {
		return fmt.Errorf("set user_version: %w", err)
	}

	return nil
}

// generateDDL produces CREATE TABLE statements for the schema's tables and
// the link tables backing its relations. Output order is deterministic.
//
// Record tables use a plain INTEGER PRIMARY KEY: the persisted key is the
// rowid, and SQLite may reuse a deleted key. The counter engine must stay
// correct under key reuse, so the DDL deliberately does not prevent it.
func generateDDL(sch *model.Schema) []string {
	var stmts []string

	for _, t := range sch.Tables {
		var cols []string
		cols = append(cols, "id INTEGER PRIMARY KEY")
		for i := range t.Fields {
			cols = append(cols, columnDDL(&t.Fields[i]))
		}
		for i := range t.Counters {
			c := &t.Counters[i]
			cols = append(cols, fmt.Sprintf("%s INTEGER NOT NULL DEFAULT %d", c.Name, c.Default))
		}
		stmts = append(stmts, fmt.Sprintf("CREATE TABLE IF NOT EXISTS %s (%s)", t.Name, strings.Join(cols, ", ")))
	}

	// Link tables are shared by both relation sides; emit each once, in
	// name order.
	links := make(map[string]*model.Relation)
	for _, r := range sch.Relations {
		if r.Via != model.ViaLink {
			continue
		}
		if _, seen := links[r.LinkTable]; !seen {
			links[r.LinkTable] = r
		}
	}
	names := make([]string, 0, len(links))
	for name := range links {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		r := links[name]
		stmts = append(stmts, fmt.Sprintf(
			"CREATE TABLE IF NOT EXISTS %s (%s INTEGER NOT NULL, %s INTEGER NOT NULL, UNIQUE(%s, %s))",
			name, r.OwnerColumn, r.MemberColumn, r.OwnerColumn, r.MemberColumn))
	}

	return stmts
}

func columnDDL(f *model.Field) string {
	switch f.Type {
	case model.TypeText:
		return f.Name + " TEXT"
	case model.TypeBool:
		return f.Name + " INTEGER"
	default:
		// TypeInteger and TypeKey; key fields are NULL until assigned.
		return f.Name + " INTEGER"
	}
}
