package harness

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/keboola/osiris/internal/runindex"
)

func TestScenarios(t *testing.T) {
	paths, err := filepath.Glob("testdata/scenarios/*.yaml")
	require.NoError(t, err)
	require.NotEmpty(t, paths)

	for _, path := range paths {
		s, err := LoadScenario(path)
		require.NoError(t, err, path)
		t.Run(s.Name, func(t *testing.T) {
			RunWithGolden(t, s)
		})
	}
}

func TestRun_AdaptersAgreeOnArtifacts(t *testing.T) {
	s, err := LoadScenario("testdata/scenarios/happy_path.yaml")
	require.NoError(t, err)

	result, err := Run(context.Background(), s)
	require.NoError(t, err)
	require.True(t, result.Pass, result.Errors)
	require.Len(t, result.Runs, 2)

	local, remote := result.Runs[0], result.Runs[1]
	assert.Equal(t, AdapterLocal, local.Adapter)
	assert.Equal(t, AdapterRemote, remote.Adapter)
	assert.Equal(t, "run-000001", local.Record.RunID)
	assert.Equal(t, "run-000001", remote.Record.RunID, "each adapter runs in its own workspace")
	assert.Equal(t, "remote", remote.Record.Adapter)
	require.Contains(t, local.Artifacts, "orders.csv")
	assert.Equal(t, local.Artifacts["orders.csv"], remote.Artifacts["orders.csv"])
	assert.Equal(t, float64(10), result.Metrics["extract_a/rows_read"])
}

func TestRun_ReportsUnmetExpectation(t *testing.T) {
	s, err := LoadScenario("testdata/scenarios/happy_path.yaml")
	require.NoError(t, err)
	s.Adapters = []string{AdapterLocal}
	s.Expect = &Expectation{Status: runindex.StatusFailed}
	s.Assertions = []Assertion{{Type: AssertTraceCount, Event: "step_failed", Count: 1}}

	result, err := Run(context.Background(), s)
	require.NoError(t, err)
	assert.False(t, result.Pass)
	require.Len(t, result.Errors, 2)
	assert.Contains(t, result.Errors[0], "expect.status: got success, want failed")
	assert.Contains(t, result.Errors[1], AssertTraceCount)
}

func TestRun_MissingSecretFailsTheRun(t *testing.T) {
	s, err := LoadScenario("testdata/scenarios/happy_path.yaml")
	require.NoError(t, err)
	s.Adapters = []string{AdapterLocal}
	s.Env = nil
	s.Assertions = nil

	result, err := Run(context.Background(), s)
	require.NoError(t, err)
	assert.False(t, result.Pass)
	assert.Equal(t, runindex.StatusFailed, result.Record.Status)
	assert.Equal(t, "extract_a", result.Record.StepID)
}

func TestCompareRuns(t *testing.T) {
	a := AdapterRun{
		Adapter:   AdapterLocal,
		Record:    runindex.Record{Status: runindex.StatusSuccess, Rows: 10},
		Trace:     []TraceEvent{{Type: "run_start"}, {Type: "run_complete"}},
		Metrics:   map[string]float64{"extract_a/rows_read": 10},
		Artifacts: map[string][]byte{"orders.csv": []byte("id\n1\n")},
	}
	b := a
	b.Adapter = AdapterRemote
	assert.Empty(t, compareRuns(a, b))

	b.Record.Rows = 9
	b.Trace = []TraceEvent{{Type: "run_start"}, {Type: "run_failed"}}
	b.Artifacts = map[string][]byte{"orders.csv": []byte("id\n2\n")}
	errs := compareRuns(a, b)
	require.Len(t, errs, 3)
	assert.Contains(t, errs[0], "diverge on rows")
	assert.Contains(t, errs[1], "diverge on trace")
	assert.Contains(t, errs[2], "diverge on artifact orders.csv")
}
