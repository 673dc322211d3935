package store

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"testing"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// createTestStore opens a fresh counter store in a temp dir.
func createTestStore(t *testing.T) (*SQLiteStore, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "counters.sqlite")
	s, err := Open(path)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s, path
}

func TestOpen_CreatesDatabase(t *testing.T) {
	_, path := createTestStore(t)
	_, err := os.Stat(path)
	require.NoError(t, err)
}

func TestOpen_Idempotent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "counters.sqlite")
	for i := 0; i < 3; i++ {
		s, err := Open(path)
		require.NoError(t, err, "iteration %d", i)
		require.NoError(t, s.Close())
	}

	s, err := Open(path)
	require.NoError(t, err)
	defer s.Close()

	var version int
	require.NoError(t, s.db.QueryRow("PRAGMA user_version").Scan(&version))
	assert.Equal(t, currentSchemaVersion, version)
}

func TestOpen_Pragmas(t *testing.T) {
	s, _ := createTestStore(t)
	assert.NoError(t, s.verifyPragma("journal_mode", "wal"))
	assert.NoError(t, s.verifyPragma("busy_timeout", "5000"))
}

func TestIncrement_Sequence(t *testing.T) {
	s, _ := createTestStore(t)
	ctx := context.Background()

	for want := int64(1); want <= 3; want++ {
		got, err := s.Increment(ctx, "orders")
		require.NoError(t, err)
		assert.Equal(t, want, got)
	}

	other, err := s.Increment(ctx, "customers")
	require.NoError(t, err)
	assert.Equal(t, int64(1), other, "counters are per slug")

	cur, err := s.Current(ctx, "orders")
	require.NoError(t, err)
	assert.Equal(t, int64(3), cur)

	cur, err = s.Current(ctx, "missing")
	require.NoError(t, err)
	assert.Equal(t, int64(0), cur)
}

func TestIncrement_EmptySlug(t *testing.T) {
	s, _ := createTestStore(t)
	_, err := s.Increment(context.Background(), "")
	assert.ErrorIs(t, err, ErrEmptySlug)
}

func TestIncrement_NeverDecrements(t *testing.T) {
	s, _ := createTestStore(t)
	ctx := context.Background()
	_, err := s.Increment(ctx, "orders")
	require.NoError(t, err)

	_, err = s.db.Exec(`UPDATE counters SET value = 0 WHERE pipeline_slug = 'orders'`)
	require.Error(t, err)
}

func TestIncrement_ConcurrentStoresSameFile(t *testing.T) {
	_, path := createTestStore(t)
	second, err := Open(path)
	require.NoError(t, err)
	defer second.Close()
	first, err := Open(path)
	require.NoError(t, err)
	defer first.Close()

	const n = 100
	var (
		wg     sync.WaitGroup
		mu     sync.Mutex
		values []int64
	)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			s := first
			if i%2 == 1 {
				s = second
			}
			v, err := s.Increment(context.Background(), "pipeline_x")
			assert.NoError(t, err)
			mu.Lock()
			values = append(values, v)
			mu.Unlock()
		}(i)
	}
	wg.Wait()

	require.Len(t, values, n)
	sort.Slice(values, func(i, j int) bool { return values[i] < values[j] })
	for i, v := range values {
		assert.Equal(t, int64(i+1), v, fmt.Sprintf("value %d", i))
	}
}

func TestIsSerializationFailure(t *testing.T) {
	assert.True(t, isSerializationFailure(fmt.Errorf("wrap: %w", &pgconn.PgError{Code: "40001"})))
	assert.False(t, isSerializationFailure(&pgconn.PgError{Code: "23505"}))
	assert.False(t, isSerializationFailure(fmt.Errorf("other")))
}

func TestOpenPostgres_RequiresDSN(t *testing.T) {
	_, err := OpenPostgres(context.Background(), "")
	require.Error(t, err)
}
