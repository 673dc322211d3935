package execution

import (
	"context"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"slices"

	"github.com/keboola/osiris/internal/clock"
	"github.com/keboola/osiris/internal/driver"
	"github.com/keboola/osiris/internal/events"
	"github.com/keboola/osiris/internal/failure"
	"github.com/keboola/osiris/internal/ir"
	"github.com/keboola/osiris/internal/layout"
)

// LocalAdapter runs steps in the calling process.
type LocalAdapter struct {
	drivers *driver.Registry
	lookup  driver.LookupFunc
	clock   clock.Clock
	logger  *slog.Logger
}

var _ Adapter = (*LocalAdapter)(nil)

// LocalOption configures a LocalAdapter.
type LocalOption func(*LocalAdapter)

// WithLookup overrides placeholder resolution; tests use it instead of
// mutating the process environment.
func WithLookup(fn driver.LookupFunc) LocalOption {
	return func(a *LocalAdapter) { a.lookup = fn }
}

// WithClock sets the clock used for event timestamps and durations.
func WithClock(clk clock.Clock) LocalOption {
	return func(a *LocalAdapter) { a.clock = clk }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) LocalOption {
	return func(a *LocalAdapter) { a.logger = l }
}

// NewLocalAdapter creates a LocalAdapter over a driver registry.
func NewLocalAdapter(drivers *driver.Registry, opts ...LocalOption) *LocalAdapter {
	a := &LocalAdapter{drivers: drivers, clock: clock.Real(), logger: slog.Default()}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Name implements Adapter.
func (a *LocalAdapter) Name() string { return "local" }

// Prepare checks that every step has a driver and creates the run-log
// directory. Placeholders stay unexpanded until the step runs.
func (a *LocalAdapter) Prepare(ctx context.Context, m *ir.Manifest, rc RunContext) (*PreparedRun, error) {
	if err := CheckRunContext(m, rc); err != nil {
		return nil, err
	}
	for _, step := range m.Steps {
		if _, err := a.drivers.Lookup(step.Component, step.Mode); err != nil {
			return nil, failure.Driver(failure.PhaseForMode(step.Mode), "", step.ID, err).WithSource(failure.SourceLocal)
		}
	}
	p := NewPreparedRun(m, rc)
	if err := layout.EnsureDir(p.Layout.ArtifactsDir); err != nil {
		return nil, fmt.Errorf("create run dir: %w", err)
	}
	a.logger.Debug("run prepared", "run_id", rc.RunID, "dir", rc.RunDir)
	return p, nil
}

// Execute runs the steps in manifest order, handing outputs of earlier
// steps to later ones in memory.
func (a *LocalAdapter) Execute(ctx context.Context, p *PreparedRun, sink events.Sink) (*ExecResult, error) {
	bus, err := p.BeginExecute(sink)
	if err != nil {
		return nil, err
	}
	emitter := events.NewEmitter(bus, a.clock, p.RunID)
	exec := &StepExecutor{
		Drivers:     a.drivers,
		Lookup:      a.lookup,
		Source:      failure.SourceLocal,
		TimeoutCode: failure.CodeLocalTimeout,
		Clock:       a.clock,
		Logger:      a.logger,
	}
	loop := &Loop{
		Manifest:    p.Manifest,
		Reporter:    emitter,
		Clock:       a.clock,
		Logger:      a.logger,
		RunTimeout:  p.RunTimeout,
		TimeoutCode: failure.CodeLocalTimeout,
		Source:      failure.SourceLocal,
	}

	produced := make(map[string]driver.Outputs)
	res := loop.Run(ctx, func(ctx context.Context, step ir.ManifestStep) StepResult {
		out, sr := exec.RunStep(ctx, StepRequest{
			RunID:        p.RunID,
			Step:         step,
			Inputs:       gatherInputs(step, produced),
			ArtifactsDir: p.Layout.ArtifactsDir,
			Timeout:      p.StepTimeout,
		}, emitter)
		produced[step.ID] = out
		return sr
	})
	p.EndExecute(res)
	if res.Err != nil {
		return res, res.Err
	}
	return res, nil
}

// Collect drains the event stream and lists the artifacts already in
// place. Repeated calls return the first result.
func (a *LocalAdapter) Collect(ctx context.Context, p *PreparedRun) (*CollectedArtifacts, error) {
	if prev, ok := p.BeginCollect(); ok {
		return prev, nil
	}
	if err := p.DrainEvents(); err != nil {
		return nil, fmt.Errorf("drain events: %w", err)
	}
	c, err := ListArtifacts(p.Layout.ArtifactsDir)
	if err != nil {
		return nil, err
	}
	p.EndCollect(c)
	return c, nil
}

func gatherInputs(step ir.ManifestStep, produced map[string]driver.Outputs) driver.Outputs {
	if len(step.Inputs) == 0 {
		return nil
	}
	in := make(driver.Outputs, len(step.Inputs))
	for name, ref := range step.Inputs {
		in[name] = produced[ref.Step][ref.Output]
	}
	return in
}

// CheckRunContext validates the parts of a RunContext every adapter needs.
func CheckRunContext(m *ir.Manifest, rc RunContext) error {
	if m == nil {
		return fmt.Errorf("nil manifest")
	}
	if rc.RunID == "" {
		return fmt.Errorf("run id is required")
	}
	if rc.RunDir == "" {
		return fmt.Errorf("run dir is required")
	}
	return nil
}

// ListArtifacts lists regular files under dir as sorted slash paths. A
// missing dir yields an empty listing.
func ListArtifacts(dir string) (*CollectedArtifacts, error) {
	c := &CollectedArtifacts{Dir: dir}
	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if os.IsNotExist(err) && path == dir {
				return fs.SkipDir
			}
			return err
		}
		if !d.Type().IsRegular() {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(dir, path)
		if err != nil {
			return err
		}
		c.Files = append(c.Files, filepath.ToSlash(rel))
		c.Bytes += info.Size()
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("list artifacts: %w", err)
	}
	slices.Sort(c.Files)
	return c, nil
}
