package store

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"
)

//go:embed schema_postgres.sql
var postgresSchemaSQL string

// serializationFailure is SQLSTATE 40001.
const serializationFailure = "40001"

const maxSerializableAttempts = 5

// PostgresStore is a CounterStore backed by PostgreSQL, for hosts that share
// a database rather than a filesystem.
type PostgresStore struct {
	db *sql.DB
}

var _ CounterStore = (*PostgresStore)(nil)

// OpenPostgres connects using the pgx stdlib driver and ensures the schema.
func OpenPostgres(ctx context.Context, dsn string) (*PostgresStore, error) {
	if dsn == "" {
		return nil, errors.New("postgres dsn is required")
	}
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres counter store: %w", err)
	}
	db.SetMaxOpenConns(4)
	db.SetConnMaxIdleTime(5 * time.Minute)

	pingCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, fmt.Errorf("connect postgres counter store: %w", err)
	}
	if _, err := db.ExecContext(ctx, postgresSchemaSQL); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply postgres counter schema: %w", err)
	}
	return &PostgresStore{db: db}, nil
}

// Close closes the pool.
func (s *PostgresStore) Close() error {
	return s.db.Close()
}

// Increment runs the upsert in a SERIALIZABLE transaction, retrying on
// serialization failures.
func (s *PostgresStore) Increment(ctx context.Context, slug string) (int64, error) {
	if slug == "" {
		return 0, ErrEmptySlug
	}
	var lastErr error
	for range maxSerializableAttempts {
		v, err := s.incrementOnce(ctx, slug)
		if err == nil {
			return v, nil
		}
		if !isSerializationFailure(err) {
			return 0, err
		}
		lastErr = err
	}
	return 0, fmt.Errorf("increment counter %q: %w", slug, lastErr)
}

func (s *PostgresStore) incrementOnce(ctx context.Context, slug string) (int64, error) {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return 0, fmt.Errorf("begin increment: %w", err)
	}
	defer tx.Rollback()

	var value int64
	err = tx.QueryRowContext(ctx, `
		INSERT INTO osiris_counters (pipeline_slug, value)
		VALUES ($1, 1)
		ON CONFLICT (pipeline_slug) DO UPDATE
		SET value = osiris_counters.value + 1, updated_at = now()
		RETURNING value
	`, slug).Scan(&value)
	if err != nil {
		return 0, fmt.Errorf("increment counter %q: %w", slug, err)
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit increment: %w", err)
	}
	return value, nil
}

// Current implements CounterStore.
func (s *PostgresStore) Current(ctx context.Context, slug string) (int64, error) {
	var value int64
	err := s.db.QueryRowContext(ctx, `SELECT value FROM osiris_counters WHERE pipeline_slug = $1`, slug).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("read counter %q: %w", slug, err)
	}
	return value, nil
}

func isSerializationFailure(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == serializationFailure
}
