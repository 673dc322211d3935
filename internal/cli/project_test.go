package cli

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/keboola/osiris/internal/config"
	"github.com/keboola/osiris/internal/layout"
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

const projectConnections = `
connections:
  fixture:
    main:
      host: fixture.local
      password: ${FIXTURE_PASSWORD}
`

const projectConfig = `
filesystem:
  base_path: .
remote:
  provider: inproc
annex:
  kind: fs
`

// project is a throwaway workspace with a config, a connections file and
// one pipeline.
type project struct {
	dir         string
	config      string
	connections string
	pipeline    string
}

func newProject(t *testing.T, configBody string) *project {
	t.Helper()
	t.Setenv(testutil.FixtureSecretVar, testutil.FixturePassword)
	dir := t.TempDir()
	p := &project{
		dir:         dir,
		config:      filepath.Join(dir, config.DefaultFile),
		connections: filepath.Join(dir, "osiris_connections.yaml"),
	}
	require.NoError(t, os.WriteFile(p.config, []byte(configBody), 0o644))
	require.NoError(t, os.WriteFile(p.connections, []byte(projectConnections), 0o644))
	p.pipeline = p.writePipeline(t, "orders.yaml", ordersPipeline)
	return p
}

func (p *project) writePipeline(t *testing.T, name, body string) string {
	t.Helper()
	path := filepath.Join(p.dir, name)
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

// exec runs the root command with the project's config and connections.
func (p *project) exec(args ...string) (string, error) {
	buf := &bytes.Buffer{}
	cmd := NewRootCommand()
	cmd.SetOut(buf)
	cmd.SetErr(buf)
	cmd.SetArgs(append(args, "--config", p.config, "--connections", p.connections))
	err := cmd.Execute()
	return buf.String(), err
}

func (p *project) paths(t *testing.T) *layout.Contract {
	t.Helper()
	cfg, err := config.Load(p.config)
	require.NoError(t, err)
	return layout.New(cfg.Layout())
}

// decode parses a JSON CLIResponse whose data is decoded into data.
func decode(t *testing.T, out string, data any) CLIResponse {
	t.Helper()
	var raw struct {
		Status string          `json:"status"`
		Data   json.RawMessage `json:"data"`
		Error  *CLIError       `json:"error"`
	}
	require.NoError(t, json.Unmarshal([]byte(strings.TrimSpace(out)), &raw), out)
	if data != nil && len(raw.Data) > 0 {
		require.NoError(t, json.Unmarshal(raw.Data, data))
	}
	return CLIResponse{Status: raw.Status, Error: raw.Error}
}
