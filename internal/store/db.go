// Package store persists the local mirror of projects, tasks, test cycles
// and sync audit rows in SQLite.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	_ "modernc.org/sqlite"
)

// ErrNotFound is returned when a lookup matches no row.
var ErrNotFound = errors.New("not found")

const createProjectsTableSQL = `
CREATE TABLE IF NOT EXISTS projects (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    key TEXT NOT NULL UNIQUE,
    name TEXT NOT NULL,
    description TEXT NOT NULL DEFAULT '',
    active INTEGER NOT NULL DEFAULT 1,
    last_sync_at TEXT NOT NULL DEFAULT '',
    created_at TEXT NOT NULL
);
`

// qa_status and memo are owned locally; sync never writes them.
const createTasksTableSQL = `
CREATE TABLE IF NOT EXISTS tasks (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    key TEXT NOT NULL UNIQUE,
    external_id TEXT NOT NULL DEFAULT '',
    title TEXT NOT NULL DEFAULT '',
    description TEXT NOT NULL DEFAULT '',
    remote_status TEXT NOT NULL DEFAULT '',
    issue_type TEXT NOT NULL DEFAULT '',
    qa_status TEXT NOT NULL DEFAULT 'not_started',
    assignee TEXT NOT NULL DEFAULT '',
    assignee_email TEXT NOT NULL DEFAULT '',
    reporter TEXT NOT NULL DEFAULT '',
    priority TEXT NOT NULL DEFAULT '',
    project_id INTEGER NOT NULL REFERENCES projects(id) ON DELETE CASCADE,
    memo TEXT NOT NULL DEFAULT '',
    created TEXT NOT NULL DEFAULT '',
    updated TEXT NOT NULL DEFAULT '',
    last_sync_at TEXT NOT NULL DEFAULT ''
);
CREATE INDEX IF NOT EXISTS idx_tasks_project ON tasks(project_id);
`

const createSyncRunsTableSQL = `
CREATE TABLE IF NOT EXISTS sync_runs (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    run_id TEXT NOT NULL,
    target_key TEXT NOT NULL,
    run_kind TEXT NOT NULL,
    phase TEXT NOT NULL,
    total_items INTEGER NOT NULL DEFAULT 0,
    processed_items INTEGER NOT NULL DEFAULT 0,
    failed_items INTEGER NOT NULL DEFAULT 0,
    message TEXT NOT NULL DEFAULT '',
    error_message TEXT NOT NULL DEFAULT '',
    started_at TEXT NOT NULL,
    completed_at TEXT NOT NULL DEFAULT ''
);
CREATE INDEX IF NOT EXISTS idx_sync_runs_target ON sync_runs(target_key);
`

const createTestCyclesTableSQL = `
CREATE TABLE IF NOT EXISTS test_cycles (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    external_id INTEGER NOT NULL UNIQUE,
    key TEXT NOT NULL,
    name TEXT NOT NULL,
    status TEXT NOT NULL DEFAULT '',
    project_id INTEGER NOT NULL REFERENCES projects(id) ON DELETE CASCADE,
    planned_start TEXT NOT NULL DEFAULT '',
    planned_end TEXT NOT NULL DEFAULT '',
    last_sync_at TEXT NOT NULL DEFAULT ''
);
`

// A link references either a mirrored cycle row or a bare external id.
const createLinksTableSQL = `
CREATE TABLE IF NOT EXISTS task_cycle_links (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    task_id INTEGER NOT NULL REFERENCES tasks(id) ON DELETE CASCADE,
    cycle_id INTEGER REFERENCES test_cycles(id) ON DELETE SET NULL,
    cycle_external_id TEXT,
    name TEXT NOT NULL DEFAULT '',
    linked_by TEXT NOT NULL DEFAULT '',
    reason TEXT NOT NULL DEFAULT '',
    active INTEGER NOT NULL DEFAULT 1,
    created_at TEXT NOT NULL,
    CHECK (cycle_id IS NOT NULL OR cycle_external_id IS NOT NULL)
);
CREATE INDEX IF NOT EXISTS idx_links_task ON task_cycle_links(task_id);
`

var schema = []struct {
	name string
	sql  string
}{
	{"projects", createProjectsTableSQL},
	{"tasks", createTasksTableSQL},
	{"sync_runs", createSyncRunsTableSQL},
	{"test_cycles", createTestCyclesTableSQL},
	{"task_cycle_links", createLinksTableSQL},
}

// execer is satisfied by *sqlx.DB, *sqlx.Conn and *sqlx.Tx.
type execer interface {
	sqlx.QueryerContext
	sqlx.ExecerContext
}

// Queries holds every read and write. It runs against whichever handle it
// was built on: the pool, a dedicated connection or a transaction.
type Queries struct {
	x execer
}

// DB is the SQLite-backed store.
type DB struct {
	*Queries
	path string
	db   *sqlx.DB
}

// Open creates or opens the database at path and initializes the schema.
func Open(path string, maxOpenConns int) (*DB, error) {
	dsn := "file:" + path +
		"?_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)&_pragma=journal_mode(WAL)&_txlock=immediate"

	db, err := sqlx.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// WAL lets background runs write on their own connection while
	// handlers keep reading.
	if maxOpenConns <= 0 {
		maxOpenConns = 4
	}
	db.SetMaxOpenConns(maxOpenConns)
	db.SetMaxIdleConns(maxOpenConns)
	db.SetConnMaxLifetime(0)

	for _, s := range schema {
		if _, err := db.Exec(s.sql); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to create %s table: %w", s.name, err)
		}
	}

	return &DB{Queries: &Queries{x: db}, path: path, db: db}, nil
}

// Path returns the database file path.
func (db *DB) Path() string { return db.path }

// Close closes the database.
func (db *DB) Close() error {
	if db.db != nil {
		return db.db.Close()
	}
	return nil
}

// Session is a dedicated connection held by one background run while it
// writes. Runs release it before waiting on a remote.
type Session struct {
	*Queries
	conn *sqlx.Conn
}

// Session acquires a dedicated connection from the pool.
func (db *DB) Session(ctx context.Context) (*Session, error) {
	conn, err := db.db.Connx(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to acquire session: %w", err)
	}
	return &Session{Queries: &Queries{x: conn}, conn: conn}, nil
}

// Close returns the connection to the pool.
func (s *Session) Close() error {
	return s.conn.Close()
}

// Batch is an open transaction on a session.
type Batch struct {
	*Queries
	tx *sqlx.Tx
}

// Begin starts a transaction on the session's connection.
func (s *Session) Begin(ctx context.Context) (*Batch, error) {
	tx, err := s.conn.BeginTxx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin batch: %w", err)
	}
	return &Batch{Queries: &Queries{x: tx}, tx: tx}, nil
}

// Commit makes the batch durable.
func (b *Batch) Commit() error {
	if err := b.tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit batch: %w", err)
	}
	return nil
}

// Rollback discards the batch. It is a no-op after Commit.
func (b *Batch) Rollback() error {
	err := b.tx.Rollback()
	if errors.Is(err, sql.ErrTxDone) {
		return nil
	}
	return err
}

// inTx runs fn in a transaction on the pool.
func (db *DB) inTx(ctx context.Context, fn func(q *Queries) error) error {
	tx, err := db.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	if err := fn(&Queries{x: tx}); err != nil {
		tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit: %w", err)
	}
	return nil
}

func now() string {
	return time.Now().UTC().Format(time.RFC3339)
}

func (q *Queries) get(ctx context.Context, dest any, query string, args ...any) error {
	err := sqlx.GetContext(ctx, q.x, dest, query, args...)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	return err
}

func (q *Queries) all(ctx context.Context, dest any, query string, args ...any) error {
	return sqlx.SelectContext(ctx, q.x, dest, query, args...)
}

func rowsAffected(res sql.Result, what string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("%s: %w", what, ErrNotFound)
	}
	return nil
}
