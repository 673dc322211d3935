package compiler

import (
	"context"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/sebdah/goldie/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/keboola/osiris/internal/connection"
	"github.com/keboola/osiris/internal/failure"
	"github.com/keboola/osiris/internal/ir"
	"github.com/keboola/osiris/internal/layout"
	"github.com/keboola/osiris/internal/pipeline"
	"github.com/keboola/osiris/internal/registry"
)

const ordersPipeline = `
name: Orders Daily
steps:
  - id: extract_a
    component: fixture.extractor
    mode: extract
    config:
      rows: 10
      seed: 7
      connection: "@fixture.main"
  - id: write_b
    component: csv.writer
    mode: write
    inputs:
      df: extract_a
    config:
      path: orders.csv
`

const ordersConnections = `
connections:
  fixture:
    main:
      host: fixture.local
      password: ${FIXTURE_PASSWORD}
`

// The hash of the golden canonical manifest under osiris/manifest/v1.
const ordersManifestHash = "4b6d024e69a66e699d68813d59f24c0e723d3fd02dfc01c190be6cb17dc8d68b"

type fixture struct {
	base  string
	paths *layout.Contract
	reg   *registry.Catalog
	conns *connection.Set
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	base := t.TempDir()
	reg, err := registry.Load()
	require.NoError(t, err)
	conns, err := connection.Parse([]byte(ordersConnections))
	require.NoError(t, err)
	return &fixture{
		base:  base,
		paths: layout.New(layout.Config{BasePath: base}),
		reg:   reg,
		conns: conns,
	}
}

func (f *fixture) compiler(t *testing.T, opts Options) *Compiler {
	t.Helper()
	c, err := New(f.paths, opts, nil)
	require.NoError(t, err)
	return c
}

func parse(t *testing.T, doc string) *pipeline.Spec {
	t.Helper()
	spec, err := pipeline.ParseYAML([]byte(doc))
	require.NoError(t, err)
	return spec
}

// listFiles returns every file under root, relative and sorted.
func listFiles(t *testing.T, root string) []string {
	t.Helper()
	var files []string
	if _, err := os.Stat(root); os.IsNotExist(err) {
		return nil
	}
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() {
			rel, _ := filepath.Rel(root, path)
			files = append(files, rel)
		}
		return nil
	})
	require.NoError(t, err)
	return files
}

func TestCompileHappyPath(t *testing.T) {
	f := newFixture(t)
	c := f.compiler(t, Options{})

	m, err := c.Compile(context.Background(), parse(t, ordersPipeline), f.reg, f.conns, "")
	require.NoError(t, err)

	assert.Equal(t, ordersManifestHash, m.ManifestHash)
	assert.Equal(t, ordersManifestHash[:7], m.ManifestShort)
	assert.Equal(t, "orders-daily", m.PipelineSlug)
	require.Len(t, m.Steps, 2)
	assert.Equal(t, "extract_a", m.Steps[0].ID)
	assert.Equal(t, ir.ModeRead, m.Steps[0].Mode)
	assert.Equal(t, ir.InputRef{Step: "extract_a", Output: "df"}, m.Steps[1].Inputs["df"])
	assert.Equal(t, []string{"FIXTURE_PASSWORD"}, m.SecretPlaceholders())

	dir := c.ManifestDir(m)
	assert.Equal(t, filepath.Join(f.paths.BuildRoot(), "orders-daily", m.ManifestShort+"-"+m.ManifestHash), dir)
	assert.Equal(t, []string{
		filepath.Join("cfg", "extract_a.json"),
		filepath.Join("cfg", "write_b.json"),
		"manifest.yaml",
	}, listFiles(t, dir))
}

func TestCompileGolden(t *testing.T) {
	f := newFixture(t)
	c := f.compiler(t, Options{})

	m, err := c.Compile(context.Background(), parse(t, ordersPipeline), f.reg, f.conns, "")
	require.NoError(t, err)

	canonical, err := m.CanonicalBytes()
	require.NoError(t, err)

	g := goldie.New(t,
		goldie.WithFixtureDir("testdata/golden"),
		goldie.WithNameSuffix(".golden"),
	)
	g.Assert(t, "orders_daily_manifest", canonical)

	cfg, err := os.ReadFile(filepath.Join(c.ManifestDir(m), "cfg", "write_b.json"))
	require.NoError(t, err)
	g.Assert(t, "orders_daily_write_b_config", cfg)
}

func TestCompileDeterministic(t *testing.T) {
	f1 := newFixture(t)
	f2 := newFixture(t)

	m1, err := f1.compiler(t, Options{}).Compile(context.Background(), parse(t, ordersPipeline), f1.reg, f1.conns, "")
	require.NoError(t, err)
	m2, err := f2.compiler(t, Options{}).Compile(context.Background(), parse(t, ordersPipeline), f2.reg, f2.conns, "")
	require.NoError(t, err)

	assert.Equal(t, m1.ManifestHash, m2.ManifestHash)
	for _, rel := range []string{"manifest.yaml", "cfg/extract_a.json", "cfg/write_b.json"} {
		b1, err := os.ReadFile(filepath.Join(f1.paths.ManifestDir(Identity(m1)), rel))
		require.NoError(t, err)
		b2, err := os.ReadFile(filepath.Join(f2.paths.ManifestDir(Identity(m2)), rel))
		require.NoError(t, err)
		assert.Equal(t, b1, b2, rel)
	}
}

func TestCompileIgnoresKeyOrderAndNumberForm(t *testing.T) {
	f := newFixture(t)
	c := f.compiler(t, Options{})

	reordered := `
name: Orders Daily
steps:
  - mode: read
    id: extract_a
    config:
      connection: "@fixture.main"
      seed: 7.0
      rows: 10
    component: fixture.extractor
  - id: write_b
    inputs:
      df: extract_a.df
    component: csv.writer
    config:
      path: orders.csv
    mode: load
`
	m, err := c.Build(context.Background(), parse(t, reordered), f.reg, f.conns, "")
	require.NoError(t, err)
	assert.Equal(t, ordersManifestHash, m.ManifestHash)
}

func TestCompileIdempotent(t *testing.T) {
	f := newFixture(t)
	c := f.compiler(t, Options{})
	spec := parse(t, ordersPipeline)

	m1, err := c.Compile(context.Background(), spec, f.reg, f.conns, "")
	require.NoError(t, err)
	manifestPath := filepath.Join(c.ManifestDir(m1), layout.ManifestFile)
	before, err := os.Stat(manifestPath)
	require.NoError(t, err)

	// A fresh compiler has an empty cache and must verify the directory.
	m2, err := f.compiler(t, Options{}).Compile(context.Background(), spec, f.reg, f.conns, "")
	require.NoError(t, err)
	assert.Equal(t, m1.ManifestHash, m2.ManifestHash)

	after, err := os.Stat(manifestPath)
	require.NoError(t, err)
	assert.Equal(t, before.ModTime(), after.ModTime())
}

func TestCompileIntegrityViolation(t *testing.T) {
	f := newFixture(t)
	c := f.compiler(t, Options{})
	spec := parse(t, ordersPipeline)

	m, err := c.Compile(context.Background(), spec, f.reg, f.conns, "")
	require.NoError(t, err)

	manifestPath := filepath.Join(c.ManifestDir(m), layout.ManifestFile)
	original, err := os.ReadFile(manifestPath)
	require.NoError(t, err)
	corrupted := strings.Replace(string(original), "orders.csv", "orders-tampered.csv", 1)
	require.NotEqual(t, string(original), corrupted)
	require.NoError(t, os.WriteFile(manifestPath, []byte(corrupted), 0o644))

	_, err = c.Compile(context.Background(), spec, f.reg, f.conns, "")
	require.Error(t, err)
	assert.True(t, failure.IsIntegrityError(err))
	assert.Equal(t, failure.CodeIntegrityMismatch, failure.CodeOf(err))
	fe, _ := failure.As(err)
	assert.Equal(t, manifestPath, fe.Path)

	after, err := os.ReadFile(manifestPath)
	require.NoError(t, err)
	assert.Equal(t, corrupted, string(after), "corrupted manifest must not be overwritten")
}

func TestCompileIntegrityStepConfig(t *testing.T) {
	f := newFixture(t)
	c := f.compiler(t, Options{})
	spec := parse(t, ordersPipeline)

	m, err := c.Compile(context.Background(), spec, f.reg, f.conns, "")
	require.NoError(t, err)
	cfgPath := filepath.Join(c.ManifestDir(m), "cfg", "write_b.json")
	require.NoError(t, os.WriteFile(cfgPath, []byte("{}\n"), 0o644))

	_, err = c.Compile(context.Background(), spec, f.reg, f.conns, "")
	assert.True(t, failure.IsIntegrityError(err))
}

func TestCompileSpecErrorsDoNotWrite(t *testing.T) {
	tests := []struct {
		name string
		doc  string
		code string
	}{
		{
			name: "cycle",
			code: failure.CodeCycle,
			doc: `
name: loop
steps:
  - id: a
    component: filter.transformer
    mode: transform
    inputs: {df: b}
    config: {column: x, equals: y}
  - id: b
    component: filter.transformer
    mode: transform
    inputs: {df: a}
    config: {column: x, equals: y}
`,
		},
		{
			name: "self reference",
			code: failure.CodeCycle,
			doc: `
name: self
steps:
  - id: a
    component: filter.transformer
    mode: transform
    inputs: {df: a}
    config: {column: x, equals: y}
`,
		},
		{
			name: "unknown step",
			code: failure.CodeUnknownStepRef,
			doc: `
name: dangling
steps:
  - id: w
    component: csv.writer
    mode: write
    inputs: {df: ghost}
    config: {path: out.csv}
`,
		},
		{
			name: "unknown output",
			code: failure.CodeUnknownOutput,
			doc: `
name: bad output
steps:
  - id: r
    component: fixture.extractor
    mode: read
  - id: w
    component: csv.writer
    mode: write
    inputs: {df: r.rows}
    config: {path: out.csv}
`,
		},
		{
			name: "duplicate id",
			code: failure.CodeDuplicateStep,
			doc: `
name: dup
steps:
  - id: r
    component: fixture.extractor
    mode: read
  - id: r
    component: fixture.extractor
    mode: read
`,
		},
		{
			name: "unknown component",
			code: failure.CodeUnknownComponent,
			doc: `
name: unknown
steps:
  - id: r
    component: oracle.extractor
    mode: read
`,
		},
		{
			name: "unsupported mode",
			code: failure.CodeUnsupportedMode,
			doc: `
name: mode
steps:
  - id: r
    component: fixture.extractor
    mode: write
`,
		},
		{
			name: "invalid config",
			code: failure.CodeInvalidConfig,
			doc: `
name: config
steps:
  - id: r
    component: fixture.extractor
    mode: read
    config: {rows: -3}
`,
		},
		{
			name: "no steps",
			code: failure.CodeSpecInvalid,
			doc:  "name: empty\nsteps: []\n",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			c := f.compiler(t, Options{})

			_, err := c.Compile(context.Background(), parse(t, tt.doc), f.reg, f.conns, "")
			require.Error(t, err)
			assert.True(t, failure.IsSpecError(err), "got %v", err)
			assert.Equal(t, tt.code, failure.CodeOf(err), "got %v", err)
			assert.Empty(t, listFiles(t, f.base), "spec errors must not touch the filesystem")
		})
	}
}

func TestCompileCycleMessageNamesPath(t *testing.T) {
	f := newFixture(t)
	doc := `
name: loop
steps:
  - id: a
    component: filter.transformer
    mode: transform
    inputs: {df: c}
    config: {column: x, equals: y}
  - id: b
    component: filter.transformer
    mode: transform
    inputs: {df: a}
    config: {column: x, equals: y}
  - id: c
    component: filter.transformer
    mode: transform
    inputs: {df: b}
    config: {column: x, equals: y}
`
	_, err := f.compiler(t, Options{}).Build(context.Background(), parse(t, doc), f.reg, f.conns, "")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "a -> b -> c -> a")
}

func TestCompileConnectionErrorsDoNotWrite(t *testing.T) {
	tests := []struct {
		name  string
		conns string
		ref   string
		code  string
	}{
		{"unknown alias", ordersConnections, "@fixture.other", failure.CodeUnknownAlias},
		{"literal secret", "connections:\n  fixture:\n    main:\n      password: s3cr3t-value\n", "@fixture.main", failure.CodeMissingPlaceholder},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			conns, err := connection.Parse([]byte(tt.conns))
			require.NoError(t, err)
			doc := strings.Replace(ordersPipeline, "@fixture.main", tt.ref, 1)

			_, err = f.compiler(t, Options{}).Compile(context.Background(), parse(t, doc), f.reg, conns, "")
			require.Error(t, err)
			assert.True(t, failure.IsConnectionError(err))
			assert.Equal(t, tt.code, failure.CodeOf(err))
			fe, _ := failure.As(err)
			assert.Equal(t, "extract_a", fe.StepID)
			assert.NotContains(t, err.Error(), "s3cr3t-value")
			assert.Empty(t, listFiles(t, f.base))
		})
	}
}

func TestCompileLiteralSecretInStepConfig(t *testing.T) {
	f := newFixture(t)
	doc := strings.Replace(ordersPipeline, "seed: 7", "seed: 7\n      password: hunter2", 1)
	_, err := f.compiler(t, Options{}).Compile(context.Background(), parse(t, doc), f.reg, f.conns, "")
	assert.Equal(t, failure.CodeMissingPlaceholder, failure.CodeOf(err))
}

func TestManifestIsSecretFree(t *testing.T) {
	f := newFixture(t)
	t.Setenv("FIXTURE_PASSWORD", "correct-horse-battery")

	c := f.compiler(t, Options{})
	m, err := c.Compile(context.Background(), parse(t, ordersPipeline), f.reg, f.conns, "")
	require.NoError(t, err)

	for _, rel := range listFiles(t, c.ManifestDir(m)) {
		data, err := os.ReadFile(filepath.Join(c.ManifestDir(m), rel))
		require.NoError(t, err)
		assert.NotContains(t, string(data), "correct-horse-battery", rel)
		if rel == layout.ManifestFile {
			assert.Contains(t, string(data), "${FIXTURE_PASSWORD}")
		}
	}
}

func TestCompileProfiles(t *testing.T) {
	base := t.TempDir()
	paths := layout.New(layout.Config{BasePath: base, ProfilesEnabled: true})
	reg, err := registry.Load()
	require.NoError(t, err)
	conns, err := connection.Parse([]byte(ordersConnections))
	require.NoError(t, err)

	c, err := New(paths, Options{Profiles: []string{"dev", "prod"}, DefaultProfile: "dev"}, nil)
	require.NoError(t, err)
	spec := parse(t, ordersPipeline)

	dev, err := c.Compile(context.Background(), spec, reg, conns, "")
	require.NoError(t, err)
	assert.Equal(t, "dev", dev.Profile)
	assert.Contains(t, c.ManifestDir(dev), filepath.Join("pipelines", "dev", "orders-daily"))

	prod, err := c.Compile(context.Background(), spec, reg, conns, "prod")
	require.NoError(t, err)
	assert.NotEqual(t, dev.ManifestHash, prod.ManifestHash)

	_, err = c.Compile(context.Background(), spec, reg, conns, "staging")
	assert.Equal(t, failure.CodeInvalidProfile, failure.CodeOf(err))
}

func TestCompileBLAKE3AndShortLength(t *testing.T) {
	f := newFixture(t)
	c := f.compiler(t, Options{HashAlgorithm: ir.HashBLAKE3, ShortLength: 12})
	m, err := c.Compile(context.Background(), parse(t, ordersPipeline), f.reg, f.conns, "")
	require.NoError(t, err)
	assert.Equal(t, ir.HashBLAKE3, m.HashAlgorithm)
	assert.Len(t, m.ManifestShort, 12)
	assert.NotEqual(t, ordersManifestHash, m.ManifestHash)

	loaded, err := LoadManifest(filepath.Join(c.ManifestDir(m), layout.ManifestFile))
	require.NoError(t, err)
	assert.Equal(t, m.ManifestHash, loaded.ManifestHash)
}

func TestNewRejectsBadOptions(t *testing.T) {
	paths := layout.New(layout.Config{BasePath: t.TempDir()})
	_, err := New(paths, Options{ShortLength: 2}, nil)
	assert.Error(t, err)
	_, err = New(paths, Options{ShortLength: 17}, nil)
	assert.Error(t, err)
	_, err = New(paths, Options{HashAlgorithm: "md5"}, nil)
	assert.Error(t, err)
}

func TestCompileConcurrentSameInput(t *testing.T) {
	f := newFixture(t)
	spec := parse(t, ordersPipeline)

	var wg sync.WaitGroup
	hashes := make([]string, 8)
	errs := make([]error, 8)
	for i := range hashes {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			c, err := New(f.paths, Options{}, nil)
			if err != nil {
				errs[i] = err
				return
			}
			m, err := c.Compile(context.Background(), spec, f.reg, f.conns, "")
			if err != nil {
				errs[i] = err
				return
			}
			hashes[i] = m.ManifestHash
		}(i)
	}
	wg.Wait()
	for i := range hashes {
		require.NoError(t, errs[i])
		assert.Equal(t, ordersManifestHash, hashes[i])
	}
}

func TestLoadManifestRoundTrip(t *testing.T) {
	f := newFixture(t)
	c := f.compiler(t, Options{})
	m, err := c.Compile(context.Background(), parse(t, ordersPipeline), f.reg, f.conns, "")
	require.NoError(t, err)

	loaded, err := LoadManifest(filepath.Join(c.ManifestDir(m), layout.ManifestFile))
	require.NoError(t, err)
	assert.Equal(t, m.ManifestHash, loaded.ManifestHash)
	assert.Equal(t, m.Steps[1].Inputs, loaded.Steps[1].Inputs)
	assert.Equal(t, int64(10), loaded.Steps[0].Config["rows"])
}
