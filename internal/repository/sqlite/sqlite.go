// Package sqlite implements the repository interfaces using SQLite as the storage backend.
//
// WHY SQLITE?
// SQLite is an embedded database: it lives inside the Go binary as a single file.
// No separate database server to install or manage. It is the default store for
// single-instance deployments and for tests (":memory:" gives a fresh DB per test).
//
// WHY modernc.org/sqlite INSTEAD OF github.com/mattn/go-sqlite3?
// mattn/go-sqlite3 uses CGo, so cross-compilation needs a C toolchain.
// modernc.org/sqlite is a pure Go translation of SQLite and works everywhere Go works.
package sqlite

import (
	"database/sql"
	"errors"
	"fmt"
	"strings"

	// Also registers the "sqlite" driver with database/sql.
	msqlite "modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"
)

// connPragmas run on every connection the pool opens. A PRAGMA sent through
// conn.Exec only reaches whichever connection served it, so per-connection
// settings have to travel in the DSN.
//
// busy_timeout makes a writer wait for the lock instead of failing with
// SQLITE_BUSY. Without it two concurrent inserts for the same user race for
// the write lock and the loser never gets to see the UNIQUE violation.
const connPragmas = "_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)&_pragma=journal_mode(WAL)"

// dsn appends connPragmas to dbPath.
func dsn(dbPath string) string {
	sep := "?"
	if strings.Contains(dbPath, "?") {
		sep = "&"
	}
	return dbPath + sep + connPragmas
}

// DB wraps a sql.DB connection pool and implements the repository interfaces
// (UserRepository in user.go, SettingsRepository in settings.go).
type DB struct {
	conn *sql.DB
}

// New creates a new SQLite database connection and runs migrations.
//
// dbPath examples:
//   - "data/notify.db" → file-based database (persistent)
//   - ":memory:"       → in-memory database (tests, lost on close)
//
// IN-MEMORY POOLS:
// Every connection to ":memory:" opens its OWN empty database. A pool with two
// connections would therefore see two different schemas. We pin the pool to a
// single connection in that case so all queries hit the migrated database.
//
// File databases get a real pool; see connPragmas for what each connection
// is configured with.
func New(dbPath string) (*DB, error) {
	conn, err := sql.Open("sqlite", dsn(dbPath))
	if err != nil {
		return nil, fmt.Errorf("sqlite: opening database: %w", err)
	}
	if dbPath == ":memory:" {
		conn.SetMaxOpenConns(1)
	}

	if err := conn.Ping(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("sqlite: pinging database: %w", err)
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

// Ping reports whether the database is reachable. Used by /healthz.
func (db *DB) Ping() error {
	return db.conn.Ping()
}

// migrate runs all database migrations.
//
// CREATE TABLE IF NOT EXISTS keeps every statement idempotent, so this runs on
// every start. The Postgres backend uses golang-migrate instead (see
// repository/postgres); SQLite deployments are single-binary and this keeps
// them free of a migrations directory.
func (db *DB) migrate() error {
	// (provider, provider_id) is UNIQUE: one GitHub account or one local login
	// maps to exactly one row.
	_, err := db.conn.Exec(`
		CREATE TABLE IF NOT EXISTS users (
			id            TEXT PRIMARY KEY,
			provider      TEXT NOT NULL,
			provider_id   TEXT NOT NULL,
			login         TEXT NOT NULL,
			email         TEXT NOT NULL DEFAULT '',
			avatar_url    TEXT NOT NULL DEFAULT '',
			password_hash TEXT NOT NULL DEFAULT '',
			created_at    DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			updated_at    DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			UNIQUE (provider, provider_id)
		);
	`)
	if err != nil {
		return fmt.Errorf("creating users table: %w", err)
	}

	// user_id is deliberately not a foreign key: the settings store is keyed by
	// the opaque identity id and must accept identities minted elsewhere.
	// The UNIQUE constraint is what guarantees one record per identity.
	_, err = db.conn.Exec(`
		CREATE TABLE IF NOT EXISTS settings (
			id         TEXT PRIMARY KEY,
			user_id    TEXT NOT NULL UNIQUE,
			api_key    TEXT,
			chat_id    TEXT,
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		);
	`)
	if err != nil {
		return fmt.Errorf("creating settings table: %w", err)
	}

	if err := db.addColumnIfNotExists("users", "password_hash",
		"TEXT NOT NULL DEFAULT ''"); err != nil {
		return fmt.Errorf("adding password_hash to users: %w", err)
	}

	return nil
}

// addColumnIfNotExists adds a column to a table only if it doesn't already exist.
// Makes ALTER TABLE migrations idempotent — safe to run multiple times.
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

// isUniqueViolation reports whether err came from a UNIQUE or PRIMARY KEY
// constraint, the same set Postgres reports as unique_violation.
// modernc.org/sqlite turns on extended result codes, so the code tells these
// apart from NOT NULL or FOREIGN KEY failures.
func isUniqueViolation(err error) bool {
	var sqliteErr *msqlite.Error
	if !errors.As(err, &sqliteErr) {
		return false
	}
	switch sqliteErr.Code() {
	case sqlite3.SQLITE_CONSTRAINT_UNIQUE, sqlite3.SQLITE_CONSTRAINT_PRIMARYKEY:
		return true
	}
	return false
}

// nullString converts a scanned nullable column to the model's *string.
func nullString(ns sql.NullString) *string {
	if !ns.Valid {
		return nil
	}
	s := ns.String
	return &s
}
