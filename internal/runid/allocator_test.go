package runid

import (
	"context"
	"errors"
	"path/filepath"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/keboola/osiris/internal/clock"
	"github.com/keboola/osiris/internal/store"
)

func sqliteOpener(path string) StoreOpener {
	return func() (store.CounterStore, error) {
		return store.Open(path)
	}
}

func newTestAllocator(t *testing.T, cfg Config, path string, opts ...Option) *Allocator {
	t.Helper()
	a, err := New(cfg, sqliteOpener(path), opts...)
	require.NoError(t, err)
	t.Cleanup(func() { a.Close() })
	return a
}

func TestNextIncremental(t *testing.T) {
	a := newTestAllocator(t, Config{}, filepath.Join(t.TempDir(), "c.sqlite"))
	ctx := context.Background()

	id1, err := a.Next(ctx, "orders")
	require.NoError(t, err)
	id2, err := a.Next(ctx, "orders")
	require.NoError(t, err)

	assert.Equal(t, "run-000001", id1.Value)
	assert.Equal(t, "run-000002", id2.Value)
	assert.Equal(t, int64(2), id2.Seq)
	assert.Equal(t, ModePrimary, a.Mode())
}

func TestNextCompositeFormat(t *testing.T) {
	fc := clock.Fake(time.Date(2026, 3, 4, 5, 6, 7, 0, time.UTC))
	a := newTestAllocator(t,
		Config{Format: []Token{TokenISO, TokenIncremental, TokenULID}},
		filepath.Join(t.TempDir(), "c.sqlite"),
		WithClock(fc))

	id, err := a.Next(context.Background(), "orders")
	require.NoError(t, err)

	assert.Regexp(t, `^20260304T050607Z_run-000001_[0-9A-HJKMNP-TV-Z]{26}$`, id.Value)
	assert.Equal(t, fc.Now(), id.IssuedAt)
}

func TestConcurrentNextIsUniqueAndIncreasing(t *testing.T) {
	path := filepath.Join(t.TempDir(), "c.sqlite")
	cfg := Config{Format: []Token{TokenIncremental, TokenULID}}
	first := newTestAllocator(t, cfg, path)
	second := newTestAllocator(t, cfg, path)

	const n = 100
	var (
		wg  sync.WaitGroup
		mu  sync.Mutex
		ids []ID
	)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			a := first
			if i%2 == 0 {
				a = second
			}
			id, err := a.Next(context.Background(), "pipeline_x")
			assert.NoError(t, err)
			mu.Lock()
			ids = append(ids, id)
			mu.Unlock()
		}(i)
	}
	wg.Wait()
	require.Len(t, ids, n)

	sort.Slice(ids, func(i, j int) bool { return ids[i].Seq < ids[j].Seq })
	seen := make(map[string]bool, n)
	for i, id := range ids {
		assert.Equal(t, int64(i+1), id.Seq)
		assert.False(t, seen[id.Value], "duplicate id %s", id.Value)
		seen[id.Value] = true
		if i > 0 {
			assert.Less(t, ids[i-1].Value, id.Value, "ids must sort in issue order")
		}
	}
}

func TestFallbackWhenStoreUnavailable(t *testing.T) {
	failing := func() (store.CounterStore, error) { return nil, errors.New("disk full") }

	a, err := New(Config{Fallback: []Token{TokenISO, TokenULID}}, failing)
	require.NoError(t, err)
	assert.Equal(t, ModeFallback, a.Mode())
	assert.Equal(t, []Token{TokenISO, TokenULID}, a.Format())

	seen := map[string]bool{}
	for i := 0; i < 50; i++ {
		id, err := a.Next(context.Background(), "orders")
		require.NoError(t, err)
		assert.NotContains(t, id.Value, "run-")
		assert.False(t, seen[id.Value])
		seen[id.Value] = true
	}
}

func TestNoFallbackFailsConstruction(t *testing.T) {
	failing := func() (store.CounterStore, error) { return nil, errors.New("locked") }
	_, err := New(Config{}, failing)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "locked")
}

func TestStoreErrorAfterOpenIsReturned(t *testing.T) {
	path := filepath.Join(t.TempDir(), "c.sqlite")
	a, err := New(Config{Fallback: []Token{TokenULID}}, sqliteOpener(path))
	require.NoError(t, err)
	require.NoError(t, a.Close())

	_, err = a.Next(context.Background(), "orders")
	require.Error(t, err, "a closed store must not silently switch to the fallback")
	assert.Equal(t, ModePrimary, a.Mode())
}

func TestStorelessFormatsNeedNoStore(t *testing.T) {
	a, err := New(Config{Format: []Token{TokenUUIDv7}}, nil)
	require.NoError(t, err)
	id, err := a.Next(context.Background(), "orders")
	require.NoError(t, err)
	assert.Len(t, id.Value, 36)
}

func TestConfigValidation(t *testing.T) {
	cases := []Config{
		{Format: []Token{TokenISO}},
		{Format: []Token{TokenULID, TokenULID}},
		{Format: []Token{"random"}},
		{Fallback: []Token{TokenIncremental}},
		{Fallback: []Token{TokenISO}},
	}
	for _, cfg := range cases {
		_, err := New(cfg, nil)
		assert.Error(t, err, "%v", cfg)
	}
}

func TestParseFormat(t *testing.T) {
	tokens, err := ParseFormat("iso_incremental")
	require.NoError(t, err)
	assert.Equal(t, []Token{TokenISO, TokenIncremental}, tokens)

	tokens, err = ParseFormat("ULID, uuidv7")
	require.NoError(t, err)
	assert.Equal(t, []Token{TokenULID, TokenUUIDv7}, tokens)

	_, err = ParseFormat("incremental_nope")
	assert.Error(t, err)
}
