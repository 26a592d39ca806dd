// Package store persists documents, clauses, analyses and chat history in a
// relational database. sqlite3 is the default driver; postgres is supported by
// rebinding the same queries.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"
)

// Dialect captures the few differences between the supported drivers.
type Dialect string

const (
	DialectSQLite   Dialect = "sqlite3"
	DialectPostgres Dialect = "postgres"
)

// Rebind rewrites ? placeholders into the driver's native form.
func (d Dialect) Rebind(query string) string {
	if d != DialectPostgres {
		return query
	}
	var b strings.Builder
	b.Grow(len(query) + 8)
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

func (d Dialect) timestampType() string {
	if d == DialectPostgres {
		return "TIMESTAMPTZ"
	}
	return "DATETIME"
}

type Store struct {
	db      *sql.DB
	dialect Dialect
	now     func() time.Time
}

// Open connects to the database and applies the schema.
func Open(ctx context.Context, driver, dsn string) (*Store, error) {
	var dialect Dialect
	switch driver {
	case "sqlite3":
		dialect = DialectSQLite
	case "postgres":
		dialect = DialectPostgres
	default:
		return nil, fmt.Errorf("unsupported database driver: %q", driver)
	}

	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if dialect == DialectSQLite && strings.Contains(dsn, ":memory:") {
		// every pooled connection would otherwise get its own empty database
		db.SetMaxOpenConns(1)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	s := &Store{db: db, dialect: dialect, now: time.Now}
	if err := s.Migrate(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// OpenInMemory returns a migrated private sqlite database.
func OpenInMemory(ctx context.Context) (*Store, error) {
	return Open(ctx, "sqlite3", "file::memory:?_foreign_keys=on")
}

func (s *Store) DB() *sql.DB { return s.db }

func (s *Store) Dialect() Dialect { return s.dialect }

func (s *Store) Close() error { return s.db.Close() }

func (s *Store) Ping(ctx context.Context) error { return s.db.PingContext(ctx) }

// SetClock replaces the time source. Tests use it to pin timestamps.
func (s *Store) SetClock(now func() time.Time) { s.now = now }

func (s *Store) timestamp() time.Time {
	return s.now().UTC().Truncate(time.Microsecond)
}

func (s *Store) q(query string) string { return s.dialect.Rebind(query) }

// Migrate creates missing tables. It is safe to run repeatedly.
func (s *Store) Migrate(ctx context.Context) error {
	ts := s.dialect.timestampType()
	for i, stmt := range schema {
		stmt = strings.ReplaceAll(stmt, "{{ts}}", ts)
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("migration step %d failed: %w", i+1, err)
		}
	}
	return nil
}

// withTx runs fn inside a transaction and commits only if fn succeeds.
func (s *Store) withTx(ctx context.Context, fn func(*sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	if err := fn(tx); err != nil {
		tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

func isNoRows(err error) bool { return errors.Is(err, sql.ErrNoRows) }

var schema = []string{
	`CREATE TABLE IF NOT EXISTS documents (
		id TEXT PRIMARY KEY,
		owner_id TEXT NOT NULL,
		name TEXT NOT NULL,
		blob_key TEXT NOT NULL,
		status TEXT NOT NULL CHECK (status IN ('uploaded', 'analyzing', 'done', 'failed')),
		failure_reason TEXT NOT NULL DEFAULT '' CHECK (failure_reason IN ('', 'unreadable_document', 'classification_failed', 'timeout', 'internal_error')),
		retried_as TEXT NOT NULL DEFAULT '',
		created_at {{ts}} NOT NULL,
		updated_at {{ts}} NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_documents_owner ON documents (owner_id, created_at)`,
	`CREATE TABLE IF NOT EXISTS clauses (
		id TEXT PRIMARY KEY,
		document_id TEXT NOT NULL REFERENCES documents (id) ON DELETE CASCADE,
		seq INTEGER NOT NULL CHECK (seq > 0),
		label TEXT NOT NULL,
		title TEXT NOT NULL CHECK (title <> ''),
		body TEXT NOT NULL DEFAULT '',
		UNIQUE (document_id, seq)
	)`,
	`CREATE TABLE IF NOT EXISTS clause_analyses (
		id TEXT PRIMARY KEY,
		clause_id TEXT NOT NULL UNIQUE REFERENCES clauses (id) ON DELETE CASCADE,
		risk_level TEXT NOT NULL CHECK (risk_level IN ('HIGH', 'MEDIUM', 'LOW')),
		summary TEXT NOT NULL,
		suggestion TEXT NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS chat_sessions (
		id TEXT PRIMARY KEY,
		owner_id TEXT NOT NULL,
		document_id TEXT REFERENCES documents (id) ON DELETE CASCADE,
		title TEXT NOT NULL,
		created_at {{ts}} NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_chat_sessions_owner ON chat_sessions (owner_id, created_at)`,
	`CREATE TABLE IF NOT EXISTS chat_messages (
		id TEXT PRIMARY KEY,
		session_id TEXT NOT NULL REFERENCES chat_sessions (id) ON DELETE CASCADE,
		seq INTEGER NOT NULL CHECK (seq > 0),
		role TEXT NOT NULL CHECK (role IN ('user', 'assistant')),
		content TEXT NOT NULL,
		created_at {{ts}} NOT NULL,
		UNIQUE (session_id, seq)
	)`,
	`CREATE TABLE IF NOT EXISTS model_audit (
		id TEXT PRIMARY KEY,
		operation TEXT NOT NULL,
		provider TEXT NOT NULL,
		model TEXT NOT NULL,
		subject_id TEXT NOT NULL DEFAULT '',
		images INTEGER NOT NULL DEFAULT 0,
		prompt_chars INTEGER NOT NULL DEFAULT 0,
		response_chars INTEGER NOT NULL DEFAULT 0,
		duration_ms INTEGER NOT NULL DEFAULT 0,
		error TEXT NOT NULL DEFAULT '',
		created_at {{ts}} NOT NULL
	)`,
}
