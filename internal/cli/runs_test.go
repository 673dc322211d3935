package cli

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/keboola/osiris/internal/runindex"
)

func TestRunsList(t *testing.T) {
	p := newProject(t, projectConfig)
	failing := p.writePipeline(t, "failing.yaml",
		strings.Replace(ordersPipeline, "seed: 7", "seed: 7\n      fail_with: connection_error", 1))

	_, err := p.exec("run", p.pipeline, "--tag", "nightly")
	require.NoError(t, err)
	_, err = p.exec("run", failing)
	require.Error(t, err)
	_, err = p.exec("run", p.pipeline)
	require.NoError(t, err)

	tests := []struct {
		name string
		args []string
		want []string
	}{
		{"all", nil, []string{"run-000001", "run-000002", "run-000003"}},
		{"status", []string{"--status", "failed"}, []string{"run-000002"}},
		{"tag", []string{"--tag", "nightly"}, []string{"run-000001"}},
		{"limit", []string{"--limit", "2"}, []string{"run-000002", "run-000003"}},
		{"pipeline", []string{"--pipeline", "other"}, nil},
		{"since", []string{"--since", "1h"}, []string{"run-000001", "run-000002", "run-000003"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out, err := p.exec(append([]string{"runs", "list", "--format", "json"}, tt.args...)...)
			require.NoError(t, err, out)

			var records []runindex.Record
			decode(t, out, &records)
			var ids []string
			for _, r := range records {
				ids = append(ids, r.RunID)
			}
			assert.Equal(t, tt.want, ids)
		})
	}
}

func TestRunsList_TextEmpty(t *testing.T) {
	p := newProject(t, projectConfig)

	out, err := p.exec("runs", "list")
	require.NoError(t, err, out)
	assert.Contains(t, out, "No runs found.")
}

func TestRunsList_InvalidFilter(t *testing.T) {
	p := newProject(t, projectConfig)

	for _, args := range [][]string{
		{"--status", "exploded"},
		{"--since", "yesterday"},
		{"--limit", "-1"},
	} {
		_, err := p.exec(append([]string{"runs", "list"}, args...)...)
		require.Error(t, err, args)
		assert.Equal(t, ExitCommandError, GetExitCode(err))
	}
}

func TestRunsListOptions_Filter(t *testing.T) {
	now := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)

	f, err := (&RunsListOptions{Since: "7d", Status: "success"}).filter(now)
	require.NoError(t, err)
	assert.Equal(t, now.Add(-7*24*time.Hour), f.Since)
	assert.Equal(t, runindex.StatusSuccess, f.Status)

	f, err = (&RunsListOptions{Since: "2026-03-01T00:00:00Z"}).filter(now)
	require.NoError(t, err)
	assert.Equal(t, time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC), f.Since.UTC())
}

func TestRunsLatest(t *testing.T) {
	p := newProject(t, projectConfig)

	_, err := p.exec("runs", "latest", "orders_daily")
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))

	_, err = p.exec("run", p.pipeline)
	require.NoError(t, err)

	out, err := p.exec("runs", "latest", "orders_daily", "--format", "json")
	require.NoError(t, err, out)
	var ptr runindex.Pointer
	decode(t, out, &ptr)
	assert.Equal(t, "orders-daily", ptr.PipelineSlug)
	assert.Equal(t, "run-000001", ptr.RunID)
	assert.NotEmpty(t, ptr.ManifestHash)

	out, err = p.exec("runs", "latest", "orders-daily")
	require.NoError(t, err, out)
	assert.Contains(t, out, "run:      run-000001")
}
