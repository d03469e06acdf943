package ledger

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

//go:embed schema.sql
var schemaSQL string

// Schema version tracking:
// 0 - Initial schema (pre-migration)
// 1 - Added index on outbox.correlation_id
const currentSchemaVersion = 1

var (
	// ErrRowExists is returned when creating a row whose key is already present.
	ErrRowExists = errors.New("ledger row already exists")

	// ErrRowNotFound is returned when filling or deleting a row that is absent.
	ErrRowNotFound = errors.New("ledger row not found")

	// ErrAlreadyFilled is returned when a row already holds a response.
	ErrAlreadyFilled = errors.New("ledger row already filled")
)

// Ledger provides durable storage for in-flight correlations.
// Uses SQLite with WAL mode for concurrent read access.
type Ledger struct {
	db    *sql.DB
	locks *keyedMutex
	now   func() time.Time
}

// Option configures a Ledger.
type Option func(*Ledger)

// WithClock overrides the wall clock used for created_at stamps.
func WithClock(now func() time.Time) Option {
	return func(l *Ledger) {
		l.now = now
	}
}

// Open creates or opens a SQLite database at the given path.
// Applies required pragmas and migrations automatically.
//
// Transactions are opened with BEGIN IMMEDIATE so that the write lock is
// held from the first statement; this is what makes the correlation lock
// effective across processes sharing the database file.
//
// This function is idempotent - safe to call multiple times.
func Open(path string, opts ...Option) (*Ledger, error) {
	db, err := sql.Open("sqlite3", fmt.Sprintf("file:%s?_txlock=immediate", path))
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	// SQLite only supports one writer at a time, so limit connections
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if err := applyPragmas(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to apply pragmas: %w", err)
	}

	if err := applySchema(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to apply schema: %w", err)
	}

	l := &Ledger{
		db:    db,
		locks: newKeyedMutex(),
		now:   time.Now,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l, nil
}

// Close closes the database connection.
func (l *Ledger) Close() error {
	if l.db == nil {
		return nil
	}
	return l.db.Close()
}

// Update runs fn inside one immediate transaction. The transaction commits
// if fn returns nil and rolls back otherwise.
func (l *Ledger) Update(ctx context.Context, fn func(tx *Tx) error) error {
	sqlTx, err := l.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer sqlTx.Rollback() // No-op if committed

	if err := fn(&Tx{tx: sqlTx, now: l.now}); err != nil {
		return err
	}

	if err := sqlTx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

// WithCorrelationLock runs fn while holding the write lock for every row of
// correlationID. Two calls for the same correlation never overlap; calls for
// different correlations only contend on the database write lock.
func (l *Ledger) WithCorrelationLock(ctx context.Context, correlationID string, fn func(tx *Tx) error) error {
	unlock := l.locks.Lock(correlationID)
	defer unlock()

	return l.Update(ctx, fn)
}

// applyPragmas sets required SQLite configuration.
func applyPragmas(db *sql.DB) error {
	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA busy_timeout = 5000",
	}

	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			return fmt.Errorf("failed to execute %q: %w", pragma, err)
		}
	}

	return nil
}

// applySchema creates tables if they don't exist and runs migrations.
func applySchema(db *sql.DB) error {
	if _, err := db.Exec(schemaSQL); err != nil {
		return fmt.Errorf("failed to execute schema: %w", err)
	}

	if err := runMigrations(db); err != nil {
		return fmt.Errorf("failed to run migrations: %w", err)
	}

	return nil
}

// runMigrations applies incremental schema migrations based on user_version.
func runMigrations(db *sql.DB) error {
	var version int
	if err := db.QueryRow("PRAGMA user_version").Scan(&version); err != nil {
		return fmt.Errorf("get user_version: %w", err)
	}

	if version < 1 {
		if err := migrateToV1(db); err != nil {
			return err
		}
	}

	if _, err := db.Exec(fmt.Sprintf("PRAGMA user_version = %d", currentSchemaVersion)); err != nil {
		return fmt.Errorf("set user_version: %w", err)
	}

	return nil
}

// migrateToV1 indexes outbox records by correlation so completed
// correlations can drop their leftovers cheaply.
func migrateToV1(db *sql.DB) error {
	_, err := db.Exec(`
		CREATE INDEX IF NOT EXISTS idx_outbox_correlation
		ON outbox(correlation_id)
	`)
	if err != nil {
		return fmt.Errorf("migrate to v1: %w", err)
	}
	return nil
}

// verifyPragma checks that a pragma is set to the expected value.
// Used for testing.
func (l *Ledger) verifyPragma(name, expected string) error {
	var value string
	query := fmt.Sprintf("PRAGMA %s", name)
	if err := l.db.QueryRow(query).Scan(&value); err != nil {
		return fmt.Errorf("failed to query %s: %w", name, err)
	}
	if value != expected {
		return fmt.Errorf("%s = %q, expected %q", name, value, expected)
	}
	return nil
}
