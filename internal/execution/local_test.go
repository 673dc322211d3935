package execution

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/keboola/osiris/internal/driver"
	"github.com/keboola/osiris/internal/driver/builtin"
	"github.com/keboola/osiris/internal/events"
	"github.com/keboola/osiris/internal/failure"
	"github.com/keboola/osiris/internal/ir"
	"github.com/keboola/osiris/internal/runindex"
	"github.com/keboola/osiris/internal/testutil"
)

func newLocal(t *testing.T, reg *driver.Registry) *LocalAdapter {
	t.Helper()
	if reg == nil {
		reg = builtin.Registry()
	}
	return NewLocalAdapter(reg,
		WithLookup(testutil.FixtureEnv()),
		WithClock(testutil.NewDeterministicClock()),
	)
}

func runContext(t *testing.T) RunContext {
	t.Helper()
	return RunContext{
		RunID:    "run-000001",
		IssuedAt: testutil.Epoch,
		RunDir:   filepath.Join(t.TempDir(), "run_logs", "orders_daily", "run-000001"),
	}
}

func runLocal(t *testing.T, a *LocalAdapter, m *ir.Manifest, rc RunContext) (*PreparedRun, *ExecResult, error, *events.MemorySink) {
	t.Helper()
	ctx := context.Background()
	p, err := a.Prepare(ctx, m, rc)
	require.NoError(t, err)
	sink := &events.MemorySink{}
	res, execErr := a.Execute(ctx, p, sink)
	require.NotNil(t, res)
	_, err = a.Collect(ctx, p)
	require.NoError(t, err)
	return p, res, execErr, sink
}

func TestLocalAdapter_HappyPath(t *testing.T) {
	a := newLocal(t, nil)
	rc := runContext(t)

	p, res, err, sink := runLocal(t, a, testutil.OrdersManifest(10), rc)
	require.NoError(t, err)

	assert.Equal(t, runindex.StatusSuccess, res.Status)
	assert.Equal(t, int64(10), res.Rows)
	assert.Equal(t, StateCollected, p.State())
	assert.Equal(t, []events.Type{
		events.RunStart,
		events.StepStart, events.StepComplete,
		events.StepStart, events.StepComplete,
		events.RunComplete,
	}, sink.Types())

	agg := events.Aggregate(sink.Metrics())
	assert.Equal(t, 10.0, agg["extract_a/rows_read"])
	assert.Equal(t, 10.0, agg["write_b/rows_written"])

	data, err := os.ReadFile(filepath.Join(rc.RunDir, "artifacts", "orders.csv"))
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	assert.Len(t, lines, 11)
	assert.Equal(t, "id,name,amount", lines[0])
}

func TestLocalAdapter_EventsCarryRunAndSequence(t *testing.T) {
	a := newLocal(t, nil)
	_, _, err, sink := runLocal(t, a, testutil.OrdersManifest(3), runContext(t))
	require.NoError(t, err)

	var last uint64
	for _, e := range sink.Events() {
		assert.Equal(t, "run-000001", e.RunID)
		assert.Greater(t, e.Seq, last)
		last = e.Seq
	}
	start := sink.Events()[0]
	assert.Equal(t, "orders_daily", start.Fields[events.FieldPipeline])
	assert.Equal(t, 2, start.Fields[events.FieldSteps])

	complete := sink.Events()[2]
	assert.Equal(t, "extract_a", complete.StepID)
	assert.Equal(t, int64(3), complete.Fields[events.FieldRows])
	assert.Equal(t, []string{"df"}, complete.Fields[events.FieldOutputs])
}

func TestLocalAdapter_DriverFailureHaltsRun(t *testing.T) {
	m := testutil.OrdersManifest(10)
	m.Steps[0].Config["fail_with"] = "connection_error"

	p, res, err, sink := runLocal(t, newLocal(t, nil), m, runContext(t))
	require.Error(t, err)

	assert.Equal(t, failure.CodeExtractConnection, failure.CodeOf(err))
	fe, ok := failure.As(err)
	require.True(t, ok)
	assert.Equal(t, "extract_a", fe.StepID)
	assert.Equal(t, failure.SourceLocal, fe.Source)
	assert.Equal(t, failure.KindDriver, fe.Kind)

	assert.Equal(t, runindex.StatusFailed, res.Status)
	assert.Equal(t, StateFailed, p.State())
	assert.Len(t, res.Steps, 1, "write_b must not run")
	assert.Equal(t, []events.Type{
		events.RunStart, events.StepStart, events.StepFailed, events.RunFailed,
	}, sink.Types())

	failed := sink.Events()[2]
	assert.Equal(t, failure.CodeExtractConnection, failed.Fields[events.FieldErrorCode])
	assert.Equal(t, "local", failed.Fields[events.FieldSource])
}

func TestLocalAdapter_WriteSchemaMismatch(t *testing.T) {
	reg := builtin.Registry()
	reg.Register("ragged.extractor", ir.ModeRead, func() driver.Driver {
		return driver.Func(func(context.Context, string, map[string]any, driver.Outputs, *driver.Context) (driver.Outputs, error) {
			return driver.Outputs{"df": {Columns: []string{"a", "b"}, Rows: [][]any{{1}}}}, nil
		})
	})
	m := testutil.OrdersManifest(10)
	m.Steps[0].Component = "ragged.extractor"

	_, res, err, _ := runLocal(t, newLocal(t, reg), m, runContext(t))
	assert.Equal(t, failure.CodeWriteSchemaMismatch, failure.CodeOf(err))
	assert.Equal(t, "write_b", res.Err.StepID)
}

func TestLocalAdapter_BestEffortContinues(t *testing.T) {
	m := testutil.OrdersManifest(10)
	flaky := m.Steps[0]
	flaky.ID = "extract_flaky"
	flaky.BestEffort = true
	flaky.Config = map[string]any{"fail_with": "io_error"}
	sinkX := ir.ManifestStep{
		ID:        "write_flaky",
		Component: "csv.writer",
		Mode:      ir.ModeWrite,
		Config:    map[string]any{"path": "flaky.csv"},
		Inputs:    map[string]ir.InputRef{"df": {Step: "extract_flaky", Output: "df"}},
	}
	m.Steps = []ir.ManifestStep{m.Steps[0], flaky, m.Steps[1], sinkX}

	_, res, err, sink := runLocal(t, newLocal(t, nil), m, runContext(t))
	require.NoError(t, err)

	assert.Equal(t, runindex.StatusSuccess, res.Status)
	assert.Equal(t, int64(10), res.Rows)
	statuses := map[string]StepStatus{}
	for _, s := range res.Steps {
		statuses[s.StepID] = s.Status
	}
	assert.Equal(t, map[string]StepStatus{
		"extract_a":     StepSucceeded,
		"extract_flaky": StepFailedS,
		"write_b":       StepSucceeded,
		"write_flaky":   StepSkippedS,
	}, statuses)
	assert.Contains(t, sink.Types(), events.StepSkipped)
	assert.Equal(t, events.RunComplete, sink.Types()[len(sink.Types())-1])
}

func TestLocalAdapter_StepTimeout(t *testing.T) {
	m := testutil.OrdersManifest(10)
	m.Steps[0].Config["delay"] = "5s"
	rc := runContext(t)
	rc.StepTimeout = 50 * time.Millisecond

	start := time.Now()
	_, res, err, sink := runLocal(t, newLocal(t, nil), m, rc)
	assert.Less(t, time.Since(start), 4*time.Second)

	assert.Equal(t, failure.CodeLocalTimeout, failure.CodeOf(err))
	assert.True(t, failure.IsKind(err, failure.KindLocalTimeout))
	assert.Equal(t, runindex.StatusFailed, res.Status)
	assert.Equal(t, events.RunFailed, sink.Types()[len(sink.Types())-1])
}

func TestLocalAdapter_RunTimeout(t *testing.T) {
	m := testutil.OrdersManifest(10)
	m.Steps[0].Config["delay"] = "5s"
	rc := runContext(t)
	rc.RunTimeout = 50 * time.Millisecond

	_, res, err, _ := runLocal(t, newLocal(t, nil), m, rc)
	assert.Equal(t, failure.CodeLocalTimeout, failure.CodeOf(err))
	assert.Equal(t, runindex.StatusFailed, res.Status)
}

func TestLocalAdapter_Cancelled(t *testing.T) {
	a := newLocal(t, nil)
	p, err := a.Prepare(context.Background(), testutil.OrdersManifest(10), runContext(t))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	sink := &events.MemorySink{}
	res, err := a.Execute(ctx, p, sink)
	require.Error(t, err)
	_, cerr := a.Collect(context.Background(), p)
	require.NoError(t, cerr)

	assert.Equal(t, failure.CodeRunCancelled, failure.CodeOf(err))
	assert.Equal(t, runindex.StatusCancelled, res.Status)
	assert.Equal(t, []events.Type{events.RunStart, events.RunCancelled}, sink.Types())
}

func TestLocalAdapter_CancelledMidStep(t *testing.T) {
	m := testutil.OrdersManifest(10)
	m.Steps[0].Config["delay"] = "5s"
	a := newLocal(t, nil)
	p, err := a.Prepare(context.Background(), m, runContext(t))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(30*time.Millisecond, cancel)
	res, err := a.Execute(ctx, p, events.Discard)
	assert.Equal(t, failure.CodeRunCancelled, failure.CodeOf(err))
	assert.Equal(t, runindex.StatusCancelled, res.Status)
}

func TestLocalAdapter_UnresolvedPlaceholder(t *testing.T) {
	a := NewLocalAdapter(builtin.Registry(), WithLookup(testutil.Env(nil)))
	_, _, err, _ := runLocal(t, a, testutil.OrdersManifest(10), runContext(t))
	assert.Equal(t, failure.CodeUnresolvedVariable, failure.CodeOf(err))
	assert.True(t, failure.IsConnectionError(err))
}

func TestLocalAdapter_RedactsSecretsFromErrors(t *testing.T) {
	reg := builtin.Registry()
	reg.Register("leaky.extractor", ir.ModeRead, func() driver.Driver {
		return driver.Func(func(_ context.Context, _ string, config map[string]any, _ driver.Outputs, _ *driver.Context) (driver.Outputs, error) {
			conn := config[driver.ConnectionKey].(map[string]any)
			return nil, driver.Fail(driver.ReasonConnection, "login rejected for password %v", conn["password"])
		})
	})
	m := testutil.OrdersManifest(10)
	m.Steps[0].Component = "leaky.extractor"

	_, _, err, sink := runLocal(t, newLocal(t, reg), m, runContext(t))
	require.Error(t, err)
	assert.NotContains(t, err.Error(), testutil.FixturePassword)
	assert.Contains(t, err.Error(), failure.RedactedValue)
	for _, e := range sink.Events() {
		assert.NotContains(t, fmt.Sprint(e.Fields), testutil.FixturePassword)
	}
}

func TestLocalAdapter_DriverPanic(t *testing.T) {
	reg := builtin.Registry()
	reg.Register("panicky.extractor", ir.ModeRead, func() driver.Driver {
		return driver.Func(func(context.Context, string, map[string]any, driver.Outputs, *driver.Context) (driver.Outputs, error) {
			panic("boom")
		})
	})
	m := testutil.OrdersManifest(10)
	m.Steps[0].Component = "panicky.extractor"

	_, _, err, _ := runLocal(t, newLocal(t, reg), m, runContext(t))
	assert.Equal(t, "extract.driver_error", failure.CodeOf(err))
	assert.Contains(t, err.Error(), "boom")
}

func TestLocalAdapter_PrepareChecksDrivers(t *testing.T) {
	m := testutil.OrdersManifest(10)
	m.Steps[1].Component = "nope.writer"

	_, err := newLocal(t, nil).Prepare(context.Background(), m, runContext(t))
	require.Error(t, err)
	assert.True(t, errors.Is(err, driver.ErrNoDriver))

	_, err = newLocal(t, nil).Prepare(context.Background(), testutil.OrdersManifest(1), RunContext{RunDir: t.TempDir()})
	assert.ErrorContains(t, err, "run id")
}

func TestLocalAdapter_StateMachine(t *testing.T) {
	a := newLocal(t, nil)
	ctx := context.Background()
	p, err := a.Prepare(ctx, testutil.OrdersManifest(2), runContext(t))
	require.NoError(t, err)
	assert.Equal(t, StatePrepared, p.State())

	_, err = a.Execute(ctx, p, nil)
	require.NoError(t, err)
	_, err = a.Execute(ctx, p, nil)
	assert.ErrorIs(t, err, ErrInvalidState)

	first, err := a.Collect(ctx, p)
	require.NoError(t, err)
	second, err := a.Collect(ctx, p)
	require.NoError(t, err)
	assert.Same(t, first, second)
	assert.Equal(t, []string{"orders.csv"}, first.Files)
	assert.Positive(t, first.Bytes)
}

func TestListArtifacts_MissingDir(t *testing.T) {
	c, err := ListArtifacts(filepath.Join(t.TempDir(), "absent"))
	require.NoError(t, err)
	assert.Empty(t, c.Files)
}
