// Package sqlite implements the repository interfaces using SQLite as the storage backend.
//
// WHY modernc.org/sqlite?
// It is a pure Go translation of SQLite: no CGo, no C compiler, cross-compiles
// like any other Go package.
//
// ONE CONNECTION, ONE WRITER:
// The ledger requires that calls are serialized and that each call is atomic.
// We get both from SQLite itself by pinning the pool to a single connection
// (SetMaxOpenConns(1)) and running every call inside one transaction:
//
//	Atomically → BEGIN → fn(state) → COMMIT (or ROLLBACK on error)
//
// A second call simply waits for the connection. This also makes ":memory:"
// databases work: every query sees the same in-memory database instead of a
// fresh empty one per pooled connection.
//
// The flip side: code running INSIDE a call must never use db.conn directly,
// or it waits forever for the connection its own transaction holds. Everything
// a call needs goes through the State it was handed.
package sqlite

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/ethcentivize/issue-registry/internal/repository"

	// Registers the "sqlite" driver with database/sql.
	_ "modernc.org/sqlite"
)

var _ repository.Store = (*DB)(nil)

// DB wraps a sql.DB connection pool and provides repository methods.
type DB struct {
	conn *sql.DB
}

// New opens the database at dbPath and runs migrations.
//
// dbPath examples:
//   - "data/registry.db"  → file-based database (persistent)
//   - ":memory:"          → in-memory database (tests; lost on close)
func New(dbPath string) (*DB, error) {
	conn, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("sqlite: opening database: %w", err)
	}
	conn.SetMaxOpenConns(1)

	// Ping forces a real connection so a bad path fails here, not on the
	// first request.
	if err := conn.Ping(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("sqlite: pinging database: %w", err)
	}

	if _, err := conn.Exec("PRAGMA journal_mode=WAL"); err != nil {
		conn.Close()
		return nil, fmt.Errorf("sqlite: setting WAL mode: %w", err)
	}

	// Foreign keys are OFF by default in SQLite. events.issue_id relies on them.
	if _, err := conn.Exec("PRAGMA foreign_keys=ON"); err != nil {
		conn.Close()
		return nil, fmt.Errorf("sqlite: enabling foreign keys: %w", err)
	}

	db := &DB{conn: conn}

	if err := db.migrate(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("sqlite: running migrations: %w", err)
	}

	return db, nil
}

// Close closes the database connection pool.
func (db *DB) Close() error {
	return db.conn.Close()
}

// Atomically runs fn inside one transaction. Any error from fn, or a panic,
// rolls the transaction back.
func (db *DB) Atomically(ctx context.Context, fn func(repository.State) error) error {
	return db.inTx(ctx, false, fn)
}

// View runs fn inside a transaction that is always rolled back. Writes through
// the State fail before reaching SQL.
func (db *DB) View(ctx context.Context, fn func(repository.State) error) error {
	return db.inTx(ctx, true, fn)
}

func (db *DB) inTx(ctx context.Context, readOnly bool, fn func(repository.State) error) error {
	tx, err := db.conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("sqlite: beginning transaction: %w", err)
	}

	committed := false
	defer func() {
		// Covers error returns and panics alike; a transaction left open
		// would hold the only connection forever.
		if !committed {
			tx.Rollback()
		}
	}()

	if err := fn(&ledgerState{tx: tx, readOnly: readOnly}); err != nil {
		return err
	}
	if readOnly {
		return nil
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("sqlite: committing transaction: %w", err)
	}
	committed = true
	return nil
}

// migrate creates the schema. CREATE TABLE IF NOT EXISTS makes it safe to run
// on every start.
//
// Amounts are stored as decimal TEXT: SQLite integers are 64-bit and wei
// amounts routinely exceed that. Addresses are stored as checksummed hex.
func (db *DB) migrate() error {
	_, err := db.conn.Exec(`
		CREATE TABLE IF NOT EXISTS issues (
			id              INTEGER PRIMARY KEY,
			kind            INTEGER NOT NULL,
			creator         TEXT NOT NULL,
			assignee        TEXT NOT NULL,
			description     TEXT NOT NULL DEFAULT '',
			reward_amount   TEXT NOT NULL,
			repo_owner      TEXT NOT NULL DEFAULT '',
			repo_name       TEXT NOT NULL DEFAULT '',
			stage           INTEGER NOT NULL DEFAULT 0,
			beneficiary     TEXT,
			created_at      DATETIME NOT NULL,
			work_started_at DATETIME,
			closed_at       DATETIME
		);
	`)
	if err != nil {
		return fmt.Errorf("creating issues table: %w", err)
	}

	_, err = db.conn.Exec(`
		CREATE TABLE IF NOT EXISTS credits (
			beneficiary TEXT PRIMARY KEY,
			balance     TEXT NOT NULL DEFAULT '0',
			paid_out    TEXT NOT NULL DEFAULT '0',
			updated_at  DATETIME NOT NULL
		);
	`)
	if err != nil {
		return fmt.Errorf("creating credits table: %w", err)
	}

	_, err = db.conn.Exec(`
		CREATE TABLE IF NOT EXISTS events (
			seq      INTEGER PRIMARY KEY,
			call_id  TEXT NOT NULL,
			kind     TEXT NOT NULL,
			issue_id INTEGER REFERENCES issues(id),
			actor    TEXT NOT NULL,
			subject  TEXT NOT NULL,
			amount   TEXT,
			at       DATETIME NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_events_issue_id ON events(issue_id);
	`)
	if err != nil {
		return fmt.Errorf("creating events table: %w", err)
	}

	// github_id is NULL until the account is linked; UNIQUE ignores NULLs.
	_, err = db.conn.Exec(`
		CREATE TABLE IF NOT EXISTS accounts (
			address      TEXT PRIMARY KEY,
			github_id    INTEGER UNIQUE,
			github_login TEXT NOT NULL DEFAULT '',
			created_at   DATETIME NOT NULL,
			updated_at   DATETIME NOT NULL
		);
	`)
	if err != nil {
		return fmt.Errorf("creating accounts table: %w", err)
	}

	if err := db.addColumnIfNotExists("accounts", "avatar_url",
		"TEXT NOT NULL DEFAULT ''"); err != nil {
		return fmt.Errorf("adding avatar_url to accounts: %w", err)
	}

	return nil
}

// addColumnIfNotExists adds a column to a table only if it doesn't already exist.
// Makes ALTER TABLE migrations idempotent; safe to run multiple times.
func (db *DB) addColumnIfNotExists(table, column, definition string) error {
	var count int
	err := db.conn.QueryRow(
		`SELECT COUNT(*) FROM pragma_table_info(?) WHERE name = ?`,
		table, column,
	).Scan(&count)
	if err != nil {
		return fmt.Errorf("checking column %s.%s: %w", table, column, err)
	}
	if count > 0 {
		return nil // column already exists
	}
	_, err = db.conn.Exec(fmt.Sprintf(
		`ALTER TABLE %s ADD COLUMN %s %s`, table, column, definition,
	))
	return err
}
