package harness

import (
	"context"
	"fmt"
	"strings"
	"testing"

	"github.com/sebdah/goldie/v2"
	"github.com/stretchr/testify/require"
)

// Snapshot renders the parts of a result that must stay stable across
// runs: status, rows and the step-level shape of the trace.
func Snapshot(s *Scenario, r *Result) []byte {
	var buf strings.Builder
	fmt.Fprintf(&buf, "scenario: %s\n", s.Name)
	fmt.Fprintf(&buf, "adapters: %s\n", strings.Join(s.adapters(), ", "))
	fmt.Fprintf(&buf, "status: %s\n", r.Record.Status)
	fmt.Fprintf(&buf, "rows: %d\n", r.Record.Rows)
	if r.Record.ErrorCode != "" {
		fmt.Fprintf(&buf, "error_code: %s\n", r.Record.ErrorCode)
	}
	buf.WriteString("trace:\n")
	for _, e := range r.Trace {
		if e.StepID == "" {
			fmt.Fprintf(&buf, "  %s\n", e.Type)
			continue
		}
		fmt.Fprintf(&buf, "  %s %s\n", e.Type, e.StepID)
	}
	return []byte(buf.String())
}

// RunWithGolden runs the scenario, fails t on any harness error and
// compares the snapshot with testdata/golden/<name>.golden.
// Regenerate with: go test ./internal/harness -update
func RunWithGolden(t *testing.T, s *Scenario) *Result {
	t.Helper()

	result, err := Run(context.Background(), s)
	require.NoError(t, err, "scenario execution failed")
	require.True(t, result.Pass, "scenario failed:\n%s", strings.Join(result.Errors, "\n"))

	g := goldie.New(t,
		goldie.WithFixtureDir("testdata/golden"),
		goldie.WithNameSuffix(".golden"),
	)
	g.Assert(t, s.Name, Snapshot(s, result))
	return result
}
