package store

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"net/url"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

//go:embed schema.sql
var schemaSQL string

// Schema version tracking:
// 0 - counters table
// 1 - trigger rejecting counter decrements
const currentSchemaVersion = 1

// ErrEmptySlug is returned when Increment is called without a pipeline slug.
var ErrEmptySlug = errors.New("pipeline slug is required")

// CounterStore issues strictly increasing integers per pipeline slug.
// Implementations must be safe for concurrent use by multiple goroutines and
// multiple processes sharing the same backing store.
type CounterStore interface {
	// Increment atomically increments the counter for slug and returns the
	// new value. The first call for a slug returns 1.
	Increment(ctx context.Context, slug string) (int64, error)

	// Current returns the counter value without incrementing (0 if unset).
	Current(ctx context.Context, slug string) (int64, error)

	Close() error
}

// SQLiteStore is a CounterStore backed by one SQLite file.
type SQLiteStore struct {
	db  *sql.DB
	now func() time.Time
}

var _ CounterStore = (*SQLiteStore)(nil)

// Open creates or opens the counter database at path.
//
// Connection settings travel in the DSN so that every pooled connection gets
// them:
//   - WAL journal for concurrent readers
//   - 5-second busy timeout for cross-process lock contention
//   - BEGIN IMMEDIATE transactions so the write lock is taken up front
//
// Open is idempotent.
func Open(path string) (*SQLiteStore, error) {
	q := url.Values{}
	q.Set("_journal_mode", "WAL")
	q.Set("_synchronous", "NORMAL")
	q.Set("_busy_timeout", "5000")
	q.Set("_txlock", "immediate")
	dsn := "file:" + path + "?" + q.Encode()

	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open counter store: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("connect counter store: %w", err)
	}

	// One writer per process; other processes wait on busy_timeout.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if err := applySchema(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply counter schema: %w", err)
	}

	return &SQLiteStore{db: db, now: time.Now}, nil
}

// Close closes the database.
func (s *SQLiteStore) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Increment implements CounterStore.
func (s *SQLiteStore) Increment(ctx context.Context, slug string) (int64, error) {
	if slug == "" {
		return 0, ErrEmptySlug
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin increment: %w", err)
	}
	defer tx.Rollback()

	now := s.now().UTC().Format(time.RFC3339Nano)
	var value int64
	err = tx.QueryRowContext(ctx, `
		INSERT INTO counters (pipeline_slug, value, created_at, updated_at)
		VALUES (?, 1, ?, ?)
		ON CONFLICT (pipeline_slug) DO UPDATE
		SET value = counters.value + 1, updated_at = excluded.updated_at
		RETURNING value
	`, slug, now, now).Scan(&value)
	if err != nil {
		return 0, fmt.Errorf("increment counter %q: %w", slug, err)
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit increment: %w", err)
	}
	return value, nil
}

// Current implements CounterStore.
func (s *SQLiteStore) Current(ctx context.Context, slug string) (int64, error) {
	var value int64
	err := s.db.QueryRowContext(ctx, `SELECT value FROM counters WHERE pipeline_slug = ?`, slug).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("read counter %q: %w", slug, err)
	}
	return value, nil
}

// applySchema creates tables if they don't exist and runs migrations.
func applySchema(db *sql.DB) error {
	if _, err := db.Exec(schemaSQL); err != nil {
		return fmt.Errorf("execute schema: %w", err)
	}
	return runMigrations(db)
}

// runMigrations applies incremental migrations based on user_version.
func runMigrations(db *sql.DB) error {
	var version int
	if err := db.QueryRow("PRAGMA user_version").Scan(&version); err != nil {
		return fmt.Errorf("get user_version: %w", err)
	}
	if version >= currentSchemaVersion {
		return nil
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

// migrateToV1 installs a trigger so a counter can never move backwards,
// whatever writes to the file.
func migrateToV1(db *sql.DB) error {
	_, err := db.Exec(`
		CREATE TRIGGER IF NOT EXISTS counters_no_decrement
		BEFORE UPDATE OF value ON counters
		WHEN NEW.value <= OLD.value
		BEGIN
			SELECT RAISE(ABORT, 'counter must increase');
		END
	`)
	if err != nil {
		return fmt.Errorf("migrate to v1: %w", err)
	}
	return nil
}

// verifyPragma checks that a pragma is set to the expected value.
// Used for testing.
func (s *SQLiteStore) verifyPragma(name, expected string) error {
	var value string
	if err := s.db.QueryRow(fmt.Sprintf("PRAGMA %s", name)).Scan(&value); err != nil {
		return fmt.Errorf("query %s: %w", name, err)
	}
	if value != expected {
		return fmt.Errorf("%s = %q, expected %q", name, value, expected)
	}
	return nil
}
