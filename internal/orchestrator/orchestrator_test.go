package orchestrator

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/keboola/osiris/internal/annex"
	"github.com/keboola/osiris/internal/compiler"
	"github.com/keboola/osiris/internal/connection"
	"github.com/keboola/osiris/internal/driver/builtin"
	"github.com/keboola/osiris/internal/execution"
	"github.com/keboola/osiris/internal/failure"
	"github.com/keboola/osiris/internal/layout"
	"github.com/keboola/osiris/internal/pipeline"
	"github.com/keboola/osiris/internal/registry"
	"github.com/keboola/osiris/internal/remote"
	"github.com/keboola/osiris/internal/runid"
	"github.com/keboola/osiris/internal/runindex"
	"github.com/keboola/osiris/internal/sandbox"
	"github.com/keboola/osiris/internal/store"
	"github.com/keboola/osiris/internal/testutil"
)

const ordersPipeline = `
name: orders_daily
steps:
  - id: extract_a
    component: fixture.extractor
    mode: read
    config:
      rows: 10
      seed: 7
      connection: "@fixture.main"
  - id: write_b
    component: csv.writer
    mode: write
    inputs:
      df: extract_a.df
    config:
      path: orders.csv
`

const connectionsFile = `
connections:
  fixture:
    main:
      host: fixture.local
      password: ${FIXTURE_PASSWORD}
`

type env struct {
	paths *layout.Contract
	index *runindex.Index
	annex *annex.FSStore
	orch  *Orchestrator
}

func newEnv(t *testing.T, mutate func(*Config)) *env {
	t.Helper()
	paths := layout.New(layout.Config{BasePath: t.TempDir()})
	reg, err := registry.Load()
	require.NoError(t, err)
	conns, err := connection.Parse([]byte(connectionsFile))
	require.NoError(t, err)
	comp, err := compiler.New(paths, compiler.Options{}, nil)
	require.NoError(t, err)
	require.NoError(t, layout.EnsureDir(paths.IndexRoot()))
	alloc, err := runid.New(runid.Config{}, func() (store.CounterStore, error) {
		return store.Open(paths.CounterStorePath())
	})
	require.NoError(t, err)
	t.Cleanup(func() { alloc.Close() })

	e := &env{paths: paths, index: runindex.New(paths, nil), annex: annex.NewFS(paths.AnnexRoot())}
	cfg := Config{
		Paths:     paths,
		Compiler:  comp,
		Registry:  reg,
		Conns:     conns,
		Allocator: alloc,
		Index:     e.index,
		Annex:     e.annex,
		Clock:     testutil.NewDeterministicClock(),
	}
	if mutate != nil {
		mutate(&cfg)
	}
	e.orch, err = New(cfg)
	require.NoError(t, err)
	return e
}

func spec(t *testing.T, edit func(string) string) *pipeline.Spec {
	t.Helper()
	src := ordersPipeline
	if edit != nil {
		src = edit(src)
	}
	s, err := pipeline.ParseYAML([]byte(src))
	require.NoError(t, err)
	return s
}

func localAdapter() execution.Adapter {
	return execution.NewLocalAdapter(builtin.Registry(), execution.WithLookup(testutil.FixtureEnv()))
}

func remoteAdapter(t *testing.T) execution.Adapter {
	t.Helper()
	a, err := remote.New(remote.Options{
		Provisioner: &sandbox.InProcessProvisioner{Drivers: builtin.Registry()},
		Lookup:      testutil.FixtureEnv(),
	})
	require.NoError(t, err)
	return a
}

func TestRun_HappyPath(t *testing.T) {
	e := newEnv(t, nil)
	out, err := e.orch.Run(context.Background(), RunRequest{Spec: spec(t, nil), Adapter: localAdapter(), Tags: []string{"nightly"}})
	require.NoError(t, err)

	rec := out.Record
	assert.Equal(t, runindex.StatusSuccess, rec.Status)
	assert.Equal(t, int64(10), rec.Rows)
	assert.Equal(t, "run-000001", rec.RunID)
	assert.Equal(t, "orders-daily", rec.PipelineSlug)
	assert.Equal(t, "local", rec.Adapter)
	assert.Len(t, out.Manifest.ManifestShort, 7)
	assert.Empty(t, rec.ErrorCode)

	lay := layout.RunLayoutFor(rec.RunLogsPath)
	assert.FileExists(t, lay.EventsFile)
	assert.FileExists(t, lay.MetricsFile)
	m, err := runindex.ReadMarker(lay.MarkerFile)
	require.NoError(t, err)
	assert.Equal(t, rec.RunID, m.RunID)
	assert.Equal(t, out.Manifest.ManifestHash, m.ManifestHash)

	events, err := os.ReadFile(lay.EventsFile)
	require.NoError(t, err)
	assert.Equal(t, 6, strings.Count(string(events), "\n"), "run_start, 2x step_start/step_complete, run_complete")
	assert.NotContains(t, string(events), testutil.FixturePassword)

	records, err := e.index.List(runindex.Filter{PipelineSlug: "orders-daily"})
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, rec.RunID, records[0].RunID)
	assert.Equal(t, []string{"nightly"}, records[0].Tags)

	ptr, err := e.index.Latest("orders-daily", "")
	require.NoError(t, err)
	assert.Equal(t, out.Manifest.ManifestHash, ptr.ManifestHash)
	assert.Equal(t, rec.RunID, ptr.RunID)
	assert.Equal(t, rec.RunLogsPath, ptr.RunLogsPath)

	data, err := e.annex.Get(context.Background(), "orders-daily/"+rec.RunID+"/orders.csv")
	require.NoError(t, err)
	assert.Equal(t, 11, strings.Count(string(data), "\n"))
}

func TestRun_IDsIncrease(t *testing.T) {
	e := newEnv(t, nil)
	var ids []string
	for range 3 {
		out, err := e.orch.Run(context.Background(), RunRequest{Spec: spec(t, nil), Adapter: localAdapter()})
		require.NoError(t, err)
		ids = append(ids, out.Record.RunID)
	}
	assert.Equal(t, []string{"run-000001", "run-000002", "run-000003"}, ids)

	records, err := e.index.List(runindex.Filter{Limit: 2})
	require.NoError(t, err)
	require.Len(t, records, 2)
	assert.Equal(t, "run-000003", records[1].RunID)
}

func TestRun_DriverFailureIsRecorded(t *testing.T) {
	e := newEnv(t, nil)
	s := spec(t, func(src string) string {
		return strings.Replace(src, "seed: 7", "seed: 7\n      fail_with: connection_error", 1)
	})
	out, err := e.orch.Run(context.Background(), RunRequest{Spec: s, Adapter: localAdapter()})
	require.Error(t, err)
	assert.Equal(t, failure.CodeExtractConnection, failure.CodeOf(err))

	assert.Equal(t, runindex.StatusFailed, out.Record.Status)
	assert.Equal(t, failure.CodeExtractConnection, out.Record.ErrorCode)
	assert.Equal(t, "extract_a", out.Record.StepID)

	ptr, err := e.index.Latest("orders-daily", "")
	require.NoError(t, err)
	assert.Equal(t, out.Manifest.ManifestHash, ptr.ManifestHash, "compile still moves latest")
	assert.Empty(t, ptr.RunID, "a failed run is never latest")

	runs, err := annex.Runs(context.Background(), e.annex)
	require.NoError(t, err)
	assert.Empty(t, runs)
}

func TestRun_RemoteTimeout(t *testing.T) {
	e := newEnv(t, func(c *Config) { c.StepTimeout = 300 * time.Millisecond })
	s := spec(t, func(src string) string {
		return strings.Replace(src, "seed: 7", "seed: 7\n      delay: 1m", 1)
	})
	out, err := e.orch.Run(context.Background(), RunRequest{Spec: s, Adapter: remoteAdapter(t)})
	require.Error(t, err)
	assert.Equal(t, failure.CodeRemoteTimeout, failure.CodeOf(err))
	assert.Equal(t, runindex.StatusFailed, out.Record.Status)
	assert.Equal(t, failure.CodeRemoteTimeout, out.Record.ErrorCode)
	assert.Equal(t, "remote", out.Record.Adapter)

	records, err := e.index.List(runindex.Filter{Status: runindex.StatusFailed})
	require.NoError(t, err)
	assert.Len(t, records, 1)
}

func TestRun_RemoteSuccessMirrorsLocalRecord(t *testing.T) {
	e := newEnv(t, nil)
	local, err := e.orch.Run(context.Background(), RunRequest{Spec: spec(t, nil), Adapter: localAdapter()})
	require.NoError(t, err)
	rem, err := e.orch.Run(context.Background(), RunRequest{Spec: spec(t, nil), Adapter: remoteAdapter(t)})
	require.NoError(t, err)

	assert.Equal(t, local.Record.Status, rem.Record.Status)
	assert.Equal(t, local.Record.Rows, rem.Record.Rows)
	assert.Equal(t, local.Record.ManifestHash, rem.Record.ManifestHash)
	assert.Equal(t, filepath.Join(rem.Record.RunLogsPath, "remote", "artifacts"), rem.Record.ArtifactsPath)
}

func TestRun_CancelledRunIsRecorded(t *testing.T) {
	e := newEnv(t, nil)
	s := spec(t, func(src string) string {
		return strings.Replace(src, "seed: 7", "seed: 7\n      delay: 1m", 1)
	})
	m, err := e.orch.Compile(context.Background(), s, "")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(100*time.Millisecond, cancel)
	out, err := e.orch.RunManifest(ctx, m, localAdapter(), nil)
	require.Error(t, err)
	assert.Equal(t, failure.CodeRunCancelled, failure.CodeOf(err))
	assert.Equal(t, runindex.StatusCancelled, out.Record.Status)

	records, err := e.index.List(runindex.Filter{})
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, runindex.StatusCancelled, records[0].Status)
}

func TestRun_CompileErrorWritesNothing(t *testing.T) {
	e := newEnv(t, nil)
	s := spec(t, func(src string) string { return strings.Replace(src, "df: extract_a.df", "df: missing.df", 1) })
	_, err := e.orch.Run(context.Background(), RunRequest{Spec: s, Adapter: localAdapter()})
	require.Error(t, err)
	assert.True(t, failure.IsSpecError(err))

	records, err := e.index.List(runindex.Filter{})
	require.NoError(t, err)
	assert.Empty(t, records)
	assert.NoDirExists(t, e.paths.BuildRoot())
	assert.NoDirExists(t, e.paths.RunLogsRoot())
}

func TestValidate_DoesNotWrite(t *testing.T) {
	e := newEnv(t, nil)
	m, err := e.orch.Validate(context.Background(), spec(t, nil), "")
	require.NoError(t, err)
	assert.NotEmpty(t, m.ManifestHash)
	assert.NoDirExists(t, e.paths.BuildRoot())
	_, err = e.index.Latest("orders-daily", "")
	assert.ErrorIs(t, err, runindex.ErrNotFound)
}

func TestNew_RequiresCollaborators(t *testing.T) {
	_, err := New(Config{})
	assert.Error(t, err)
}
