package registry

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func builtinCatalog(t *testing.T) *Catalog {
	t.Helper()
	c, err := Load()
	require.NoError(t, err)
	return c
}

func TestBuiltinLookup(t *testing.T) {
	c := builtinCatalog(t)

	m, err := c.Lookup("fixture.extractor", "read")
	require.NoError(t, err)
	assert.Equal(t, []string{"df"}, m.Outputs)
	assert.Equal(t, "df", m.DefaultOutput())
	assert.Equal(t, []string{"/password"}, m.Secrets)
	assert.Equal(t, "fixture", m.Family)

	w, err := c.Lookup("CSV.Writer", "write")
	require.NoError(t, err)
	assert.Empty(t, w.Outputs)
	assert.Equal(t, "", w.DefaultOutput())
}

func TestLookupErrors(t *testing.T) {
	c := builtinCatalog(t)

	_, err := c.Lookup("mystery.component", "read")
	assert.True(t, errors.Is(err, ErrUnknownComponent))

	_, err = c.Lookup("csv.writer", "read")
	assert.True(t, errors.Is(err, ErrUnsupportedMode))
}

func TestValidateConfig(t *testing.T) {
	c := builtinCatalog(t)

	assert.NoError(t, c.ValidateConfig("fixture.extractor", map[string]any{"rows": 10}))
	assert.NoError(t, c.ValidateConfig("fixture.extractor", map[string]any{"rows": 10.0}), "integral floats count as ints")
	assert.NoError(t, c.ValidateConfig("fixture.extractor", nil))

	err := c.ValidateConfig("fixture.extractor", map[string]any{"rows": -1})
	assert.Error(t, err)

	err = c.ValidateConfig("fixture.extractor", map[string]any{"rowz": 1})
	assert.Error(t, err, "unknown keys are rejected")

	err = c.ValidateConfig("csv.writer", map[string]any{})
	assert.Error(t, err, "required path missing")

	assert.NoError(t, c.ValidateConfig("filter.transformer", map[string]any{"column": "status", "equals": "paid"}))
}

func TestLoadDirOverridesBuiltin(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "mysql.yaml"), []byte(`
name: mysql.extractor
family: mysql
modes: [read]
outputs:
  read: [df]
secrets: [/password]
config_schema: |
  query: string
`), 0o644))

	c, err := Load(dir)
	require.NoError(t, err)

	m, err := c.Lookup("mysql.extractor", "read")
	require.NoError(t, err)
	assert.Equal(t, "mysql", m.Family)

	names := []string{}
	for _, s := range c.List() {
		names = append(names, s.Name)
	}
	assert.Equal(t, []string{"csv.extractor", "csv.writer", "filter.transformer", "fixture.extractor", "mysql.extractor"}, names)
}

func TestNewRejectsBadSpecs(t *testing.T) {
	_, err := New(ComponentSpec{Name: "x"})
	assert.Error(t, err)

	_, err = New(ComponentSpec{Name: "x", Modes: []string{"read"}, Secrets: []string{"password"}})
	assert.Error(t, err)

	_, err = New(ComponentSpec{Name: "x", Modes: []string{"read"}, ConfigSchema: "a: ::"})
	assert.Error(t, err)
}
