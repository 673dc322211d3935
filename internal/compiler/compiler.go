// Package compiler turns a pipeline spec, the component registry and the
// connections file into a canonical, content-addressed manifest, and writes
// it with its per-step config artifacts under the build directory.
//
// Compilation is deterministic: identical input yields a byte-identical
// manifest and the same hash on any machine. Spec and connection errors
// are reported before anything touches the filesystem. An existing build
// directory is never overwritten; it is verified instead.
package compiler

import (
	"context"
	"fmt"
	"log/slog"
	"slices"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/keboola/osiris/internal/connection"
	"github.com/keboola/osiris/internal/failure"
	"github.com/keboola/osiris/internal/ir"
	"github.com/keboola/osiris/internal/layout"
	"github.com/keboola/osiris/internal/pipeline"
	"github.com/keboola/osiris/internal/registry"
)

// DefaultCacheSize bounds the in-process manifest cache.
const DefaultCacheSize = 256

// Options configures a Compiler.
type Options struct {
	HashAlgorithm ir.HashAlgorithm
	ShortLength   int

	// Profiles is the allow-list. Empty accepts any profile.
	Profiles       []string
	DefaultProfile string

	CacheSize int
}

// Compiler builds and writes manifests. Safe for concurrent use.
type Compiler struct {
	paths  *layout.Contract
	opts   Options
	cache  *lru.Cache[string, *ir.Manifest]
	logger *slog.Logger
}

// New returns a Compiler writing under paths.
func New(paths *layout.Contract, opts Options, logger *slog.Logger) (*Compiler, error) {
	if opts.HashAlgorithm == "" {
		opts.HashAlgorithm = ir.DefaultHashAlgorithm
	}
	if !opts.HashAlgorithm.Valid() {
		return nil, fmt.Errorf("unsupported hash algorithm %q", opts.HashAlgorithm)
	}
	if opts.ShortLength == 0 {
		opts.ShortLength = ir.DefaultShortLength
	}
	if opts.ShortLength < ir.MinShortLength || opts.ShortLength > ir.MaxShortLength {
		return nil, fmt.Errorf("manifest short length %d outside [%d, %d]",
			opts.ShortLength, ir.MinShortLength, ir.MaxShortLength)
	}
	if opts.CacheSize <= 0 {
		opts.CacheSize = DefaultCacheSize
	}
	cache, err := lru.New[string, *ir.Manifest](opts.CacheSize)
	if err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Compiler{paths: paths, opts: opts, cache: cache, logger: logger}, nil
}

// Paths returns the layout the compiler writes to.
func (c *Compiler) Paths() *layout.Contract {
	return c.paths
}

// Compile builds the manifest and writes it. If the build directory already
// exists its content is verified and the existing manifest returned; a
// mismatch is a CompileIntegrityError and nothing is overwritten.
func (c *Compiler) Compile(ctx context.Context, spec *pipeline.Spec, reg registry.Registry, conns *connection.Set, profile string) (*ir.Manifest, error) {
	m, err := c.Build(ctx, spec, reg, conns, profile)
	if err != nil {
		return nil, err
	}
	if err := c.write(m); err != nil {
		return nil, err
	}
	return m, nil
}

// Build validates and resolves spec into a sealed manifest without writing
// anything. Results are cached by input fingerprint.
func (c *Compiler) Build(ctx context.Context, spec *pipeline.Spec, reg registry.Registry, conns *connection.Set, profile string) (*ir.Manifest, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if conns == nil {
		conns = connection.Empty()
	}
	profile, err := c.resolveProfile(spec, profile)
	if err != nil {
		return nil, err
	}

	key, keyErr := c.fingerprint(spec, reg, conns, profile)
	if keyErr == nil {
		if m, ok := c.cache.Get(key); ok {
			c.logger.Debug("manifest cache hit", "pipeline", m.PipelineSlug, "manifest", m.ManifestShort)
			return cloneManifest(m), nil
		}
	}

	errs, resolved := validate(spec, reg)
	if len(errs) > 0 {
		return nil, errs.AsSpecError()
	}
	order := topoOrder(spec.Steps, buildDependencyGraph(spec.Steps))

	m := &ir.Manifest{
		HashAlgorithm:   c.opts.HashAlgorithm,
		ManifestVersion: ir.ManifestVersion,
		CompilerVersion: ir.CompilerVersion,
		PipelineSlug:    spec.Slug(),
		PipelineName:    spec.Name,
		Profile:         profile,
		Steps:           make([]ir.ManifestStep, 0, len(order)),
	}
	for _, id := range order {
		step, err := resolveStep(resolved[id], resolved, conns)
		if err != nil {
			return nil, err
		}
		m.Steps = append(m.Steps, step)
	}
	if err := m.Seal(c.opts.ShortLength); err != nil {
		return nil, failure.Wrap(failure.KindSpec, failure.CodeSpecInvalid, "seal manifest", err)
	}

	if keyErr == nil {
		c.cache.Add(key, cloneManifest(m))
	}
	c.logger.Debug("manifest built", "pipeline", m.PipelineSlug, "profile", m.Profile,
		"manifest", m.ManifestShort, "steps", len(m.Steps))
	return m, nil
}

// Identity returns the layout identity of a manifest.
func Identity(m *ir.Manifest) layout.Identity {
	return layout.Identity{
		PipelineSlug:  m.PipelineSlug,
		Profile:       m.Profile,
		ManifestShort: m.ManifestShort,
		ManifestHash:  m.ManifestHash,
	}
}

// ManifestDir is the build directory of m.
func (c *Compiler) ManifestDir(m *ir.Manifest) string {
	return c.paths.ManifestDir(Identity(m))
}

func (c *Compiler) resolveProfile(spec *pipeline.Spec, profile string) (string, error) {
	if !c.paths.Config().ProfilesEnabled {
		return "", nil
	}
	if profile == "" && spec != nil {
		profile = spec.Profile
	}
	if profile == "" {
		profile = c.opts.DefaultProfile
	}
	if len(c.opts.Profiles) == 0 {
		return profile, nil
	}
	if profile == "" {
		return "", failure.Spec(failure.CodeInvalidProfile, "a profile is required (allowed: %v)", c.opts.Profiles)
	}
	if !slices.Contains(c.opts.Profiles, profile) {
		return "", failure.Spec(failure.CodeInvalidProfile, "profile %q is not allowed (allowed: %v)", profile, c.opts.Profiles)
	}
	return profile, nil
}

func resolveStep(rs resolvedStep, all map[string]resolvedStep, conns *connection.Set) (ir.ManifestStep, error) {
	s := rs.step
	config, err := ir.NormalizeObject(withoutConnection(s.Config))
	if err != nil {
		return ir.ManifestStep{}, failure.Spec(failure.CodeInvalidConfig, "config: %v", err).WithStep(s.ID)
	}
	if err := connection.CheckSecrets(config, rs.mode.Secrets); err != nil {
		return ir.ManifestStep{}, withStep(err, s.ID)
	}

	var conn *ir.ResolvedConnection
	switch ref := s.Config[connectionKey].(type) {
	case string:
		conn, err = conns.Resolve(ref, rs.mode.Family, rs.mode.Secrets)
	case map[string]any:
		conn, err = connection.Inline(rs.mode.Family, ref, rs.mode.Secrets)
	}
	if err != nil {
		return ir.ManifestStep{}, withStep(err, s.ID)
	}

	inputs := make(map[string]ir.InputRef, len(s.Inputs))
	for name, ref := range s.Inputs {
		producer, output := pipeline.ParseInputRef(ref)
		if output == "" {
			output = all[producer].mode.DefaultOutput()
		}
		inputs[name] = ir.InputRef{Step: producer, Output: output}
	}

	scan := []any{config}
	if conn != nil {
		scan = append(scan, conn.Params)
	}
	placeholders := ir.CollectPlaceholders(scan)
	if placeholders == nil {
		placeholders = []string{}
	}

	return ir.ManifestStep{
		ID:                 s.ID,
		Component:          rs.mode.Component,
		Mode:               rs.mode.Mode,
		Config:             config,
		Inputs:             inputs,
		BestEffort:         s.BestEffort,
		Connection:         conn,
		SecretPlaceholders: placeholders,
		ConfigPath:         layout.StepConfigPath(s.ID),
	}, nil
}

func withStep(err error, stepID string) error {
	if fe, ok := failure.As(err); ok {
		return fe.WithStep(stepID)
	}
	return err
}

// fingerprint identifies the compile input: spec, connections, registry
// snapshot, profile and compiler settings.
func (c *Compiler) fingerprint(spec *pipeline.Spec, reg registry.Registry, conns *connection.Set, profile string) (string, error) {
	if spec == nil {
		return "", fmt.Errorf("no spec")
	}
	steps := make([]any, len(spec.Steps))
	for i, s := range spec.Steps {
		inputs := make(map[string]any, len(s.Inputs))
		for k, v := range s.Inputs {
			inputs[k] = v
		}
		steps[i] = map[string]any{
			"id":          s.ID,
			"component":   s.Component,
			"mode":        s.Mode,
			"config":      s.Config,
			"inputs":      inputs,
			"best_effort": s.BestEffort,
		}
	}
	components := make([]any, 0)
	for _, cs := range reg.List() {
		components = append(components, map[string]any{
			"name":    cs.Name,
			"family":  cs.Family,
			"modes":   cs.Modes,
			"inputs":  cs.Inputs,
			"outputs": cs.Outputs,
			"secrets": cs.Secrets,
			"schema":  cs.ConfigSchema,
		})
	}
	return ir.CanonicalHash(c.opts.HashAlgorithm, ir.DomainFingerprint, map[string]any{
		"compiler_version": ir.CompilerVersion,
		"hash_algorithm":   string(c.opts.HashAlgorithm),
		"short_length":     c.opts.ShortLength,
		"pipeline":         map[string]any{"name": spec.Name, "id": spec.ID, "steps": steps},
		"profile":          profile,
		"connections":      conns.Snapshot(),
		"components":       components,
	})
}

// cloneManifest copies the manifest and its step slice. Step configs are
// shared and must be treated as read-only.
func cloneManifest(m *ir.Manifest) *ir.Manifest {
	c := *m
	c.Steps = slices.Clone(m.Steps)
	return &c
}
