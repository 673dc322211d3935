package builtin

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/keboola/osiris/internal/driver"
)

type metrics map[string]float64

func newContext(t *testing.T) (*driver.Context, metrics) {
	m := metrics{}
	return &driver.Context{
		StepID:       "s",
		ArtifactsDir: t.TempDir(),
		Metric:       func(name string, v float64) { m[name] += v },
	}, m
}

func run(t *testing.T, component, mode string, config map[string]any, in driver.Outputs, rc *driver.Context) (driver.Outputs, error) {
	t.Helper()
	d, err := Registry().Lookup(component, mode)
	require.NoError(t, err)
	return d.Run(context.Background(), "s", config, in, rc)
}

func TestFixtureDeterministic(t *testing.T) {
	rc, m := newContext(t)
	a, err := run(t, "fixture.extractor", "read", map[string]any{"rows": int64(10), "seed": int64(7)}, nil, rc)
	require.NoError(t, err)
	b, err := run(t, "fixture.extractor", "read", map[string]any{"rows": uint64(10), "seed": 7.0}, nil, rc)
	require.NoError(t, err)

	assert.Equal(t, a, b)
	assert.Equal(t, 10, a["df"].Len())
	assert.Equal(t, []string{"id", "name", "amount"}, a["df"].Columns)
	assert.Equal(t, []any{int64(1), "item-7-001", int64(7919 * 7 % 1000)}, a["df"].Rows[0])
	assert.Equal(t, 20.0, m["rows_read"])
}

func TestFixtureFailWith(t *testing.T) {
	rc, _ := newContext(t)
	_, err := run(t, "fixture.extractor", "read", map[string]any{"fail_with": "connection_error"}, nil, rc)
	assert.Equal(t, driver.ReasonConnection, driver.ReasonOf(err))
}

func TestFixtureEmptyPassword(t *testing.T) {
	rc, _ := newContext(t)
	cfg := map[string]any{driver.ConnectionKey: map[string]any{"alias": "main", "password": ""}}
	_, err := run(t, "fixture.extractor", "read", cfg, nil, rc)
	assert.Equal(t, driver.ReasonConnection, driver.ReasonOf(err))
}

func TestFixtureDelayHonoursContext(t *testing.T) {
	rc, _ := newContext(t)
	d, err := Registry().Lookup("fixture.extractor", "read")
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	start := time.Now()
	_, err = d.Run(ctx, "s", map[string]any{"delay": "1h"}, nil, rc)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Less(t, time.Since(start), 5*time.Second)
}

func TestCSVWriterAndExtractorRoundTrip(t *testing.T) {
	rc, m := newContext(t)
	src, err := run(t, "fixture.extractor", "read", map[string]any{"rows": int64(3)}, nil, rc)
	require.NoError(t, err)

	_, err = run(t, "csv.writer", "write", map[string]any{"path": "out/data.csv"}, driver.Outputs{"df": src["df"]}, rc)
	require.NoError(t, err)
	assert.Equal(t, 3.0, m["rows_written"])
	assert.Greater(t, m["bytes_written"], 0.0)

	path := filepath.Join(rc.ArtifactsDir, "out", "data.csv")
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "id,name,amount\n", string(data[:15]))

	back, err := run(t, "csv.extractor", "read", map[string]any{"path": path}, nil, rc)
	require.NoError(t, err)
	assert.Equal(t, 3, back["df"].Len())
	assert.Equal(t, []any{"1", "item-1-001", "919"}, back["df"].Rows[0])
}

func TestCSVWriterRejectsEscapingPath(t *testing.T) {
	rc, _ := newContext(t)
	_, err := run(t, "csv.writer", "write", map[string]any{"path": "../escape.csv"},
		driver.Outputs{"df": {Columns: []string{"a"}}}, rc)
	assert.Equal(t, driver.ReasonConfig, driver.ReasonOf(err))
}

func TestCSVWriterSchemaMismatch(t *testing.T) {
	rc, _ := newContext(t)
	in := driver.Outputs{"df": {Columns: []string{"a", "b"}, Rows: [][]any{{1}}}}
	_, err := run(t, "csv.writer", "write", map[string]any{"path": "x.csv"}, in, rc)
	assert.Equal(t, driver.ReasonSchemaMismatch, driver.ReasonOf(err))
}

func TestCSVExtractorMissingFile(t *testing.T) {
	rc, _ := newContext(t)
	_, err := run(t, "csv.extractor", "read", map[string]any{"path": filepath.Join(t.TempDir(), "none.csv")}, nil, rc)
	assert.Equal(t, driver.ReasonConnection, driver.ReasonOf(err))
}

func TestFilter(t *testing.T) {
	rc, m := newContext(t)
	in := driver.Outputs{"df": {
		Columns: []string{"id", "country"},
		Rows:    [][]any{{int64(1), "CZ"}, {int64(2), "DE"}, {int64(3), "CZ"}},
	}}
	out, err := run(t, "filter.transformer", "transform", map[string]any{"column": "country", "equals": "CZ"}, in, rc)
	require.NoError(t, err)
	assert.Equal(t, 2, out["df"].Len())
	assert.Equal(t, 2.0, m["rows_out"])

	out, err = run(t, "filter.transformer", "transform", map[string]any{"column": "id", "equals": int64(2)}, in, rc)
	require.NoError(t, err)
	assert.Equal(t, 1, out["df"].Len())

	_, err = run(t, "filter.transformer", "transform", map[string]any{"column": "nope", "equals": "x"}, in, rc)
	assert.Equal(t, driver.ReasonSchemaMismatch, driver.ReasonOf(err))
}
