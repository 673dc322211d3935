// Package orchestrator drives one pipeline run end to end: compile, allocate
// a run id, prepare/execute/collect through an adapter, append the run
// record, move the latest pointer and publish artifacts to the annex.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/keboola/osiris/internal/annex"
	"github.com/keboola/osiris/internal/clock"
	"github.com/keboola/osiris/internal/compiler"
	"github.com/keboola/osiris/internal/connection"
	"github.com/keboola/osiris/internal/events"
	"github.com/keboola/osiris/internal/execution"
	"github.com/keboola/osiris/internal/failure"
	"github.com/keboola/osiris/internal/ir"
	"github.com/keboola/osiris/internal/layout"
	"github.com/keboola/osiris/internal/pipeline"
	"github.com/keboola/osiris/internal/registry"
	"github.com/keboola/osiris/internal/runid"
	"github.com/keboola/osiris/internal/runindex"
)

// Config wires an Orchestrator. Annex, Clock and Logger are optional.
type Config struct {
	Paths     *layout.Contract
	Compiler  *compiler.Compiler
	Registry  registry.Registry
	Conns     *connection.Set
	Allocator *runid.Allocator
	Index     *runindex.Index
	Annex     annex.Store

	StepTimeout time.Duration
	RunTimeout  time.Duration
	EventBuffer int

	Clock  clock.Clock
	Logger *slog.Logger
}

// Orchestrator runs pipelines. Safe for concurrent use by multiple runs.
type Orchestrator struct {
	cfg Config
}

// New validates cfg.
func New(cfg Config) (*Orchestrator, error) {
	switch {
	case cfg.Paths == nil:
		return nil, errors.New("orchestrator: path contract is required")
	case cfg.Compiler == nil:
		return nil, errors.New("orchestrator: compiler is required")
	case cfg.Registry == nil:
		return nil, errors.New("orchestrator: component registry is required")
	case cfg.Allocator == nil:
		return nil, errors.New("orchestrator: run id allocator is required")
	case cfg.Index == nil:
		return nil, errors.New("orchestrator: run index is required")
	}
	if cfg.Conns == nil {
		cfg.Conns = connection.Empty()
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.Real()
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Orchestrator{cfg: cfg}, nil
}

// Validate checks spec without writing anything.
func (o *Orchestrator) Validate(ctx context.Context, spec *pipeline.Spec, profile string) (*ir.Manifest, error) {
	return o.cfg.Compiler.Build(ctx, spec, o.cfg.Registry, o.cfg.Conns, profile)
}

// Compile writes the manifest and points latest at it.
func (o *Orchestrator) Compile(ctx context.Context, spec *pipeline.Spec, profile string) (*ir.Manifest, error) {
	m, err := o.cfg.Compiler.Compile(ctx, spec, o.cfg.Registry, o.cfg.Conns, profile)
	if err != nil {
		return nil, err
	}
	path := filepath.Join(o.cfg.Compiler.ManifestDir(m), layout.ManifestFile)
	_, err = o.cfg.Index.UpdateLatest(m.PipelineSlug, m.Profile, func(p *runindex.Pointer) {
		p.ManifestHash = m.ManifestHash
		p.ManifestShort = m.ManifestShort
		p.ManifestPath = path
		p.UpdatedAt = o.cfg.Clock.Now().UTC()
	})
	if err != nil {
		return nil, fmt.Errorf("update latest pointer: %w", err)
	}
	o.cfg.Logger.Info("manifest compiled", "pipeline", m.PipelineSlug, "profile", m.Profile,
		"manifest", m.ManifestShort, "path", path)
	return m, nil
}

// RunRequest describes one run.
type RunRequest struct {
	Spec    *pipeline.Spec
	Profile string
	Adapter execution.Adapter
	Tags    []string
}

// Outcome is what a run produced. Record is always set once a run id has
// been issued.
type Outcome struct {
	Manifest  *ir.Manifest
	Record    runindex.Record
	Result    *execution.ExecResult
	Artifacts *execution.CollectedArtifacts
}

// Run compiles req.Spec and runs it.
func (o *Orchestrator) Run(ctx context.Context, req RunRequest) (*Outcome, error) {
	m, err := o.Compile(ctx, req.Spec, req.Profile)
	if err != nil {
		return nil, err
	}
	return o.RunManifest(ctx, m, req.Adapter, req.Tags)
}

// RunManifest runs an already compiled manifest. Whatever happens after the
// run id is issued, exactly one record is appended to the index.
func (o *Orchestrator) RunManifest(ctx context.Context, m *ir.Manifest, adapter execution.Adapter, tags []string) (*Outcome, error) {
	if adapter == nil {
		return nil, errors.New("orchestrator: adapter is required")
	}
	id, err := o.cfg.Allocator.Next(ctx, m.PipelineSlug)
	if err != nil {
		return nil, err
	}
	ident := compiler.Identity(m)
	ident.RunID = id.Value
	ident.RunTS = id.IssuedAt
	runDir := o.cfg.Paths.RunDir(ident)
	logger := o.cfg.Logger.With("pipeline", m.PipelineSlug, "run_id", id.Value)

	out := &Outcome{Manifest: m}
	started := o.cfg.Clock.Now()
	runErr := o.execute(ctx, m, adapter, id, runDir, logger, out)
	ended := o.cfg.Clock.Now()

	// Bookkeeping must survive cancellation of the run itself.
	bg := context.WithoutCancel(ctx)
	out.Record = o.record(m, adapter, id, runDir, tags, started, ended, out, runErr, ctx.Err() != nil)
	if err := o.cfg.Index.Append(out.Record); err != nil {
		return out, errors.Join(runErr, fmt.Errorf("append run record: %w", err))
	}
	logger.Info("run finished", "status", out.Record.Status, "rows", out.Record.Rows,
		"duration_ms", out.Record.DurationMS, "error_code", out.Record.ErrorCode)
	if out.Record.Status != runindex.StatusSuccess {
		return out, runErr
	}

	if _, err := o.cfg.Index.UpdateLatest(m.PipelineSlug, m.Profile, func(p *runindex.Pointer) {
		p.ManifestHash = m.ManifestHash
		p.ManifestShort = m.ManifestShort
		p.ManifestPath = filepath.Join(o.cfg.Compiler.ManifestDir(m), layout.ManifestFile)
		p.RunID = id.Value
		p.RunLogsPath = runDir
		p.UpdatedAt = ended.UTC()
	}); err != nil {
		return out, fmt.Errorf("update latest pointer: %w", err)
	}
	if o.cfg.Annex != nil && out.Artifacts != nil {
		prefix := o.cfg.Paths.AnnexPrefix(ident)
		if err := annex.Publish(bg, o.cfg.Annex, prefix, out.Artifacts.Dir, out.Artifacts.Files, marker(m, id)); err != nil {
			logger.Warn("annex publish failed", "store", o.cfg.Annex.Name(), "prefix", prefix, "error", err)
		} else {
			logger.Debug("artifacts published", "store", o.cfg.Annex.Name(), "prefix", prefix, "files", len(out.Artifacts.Files))
		}
	}
	return out, nil
}

// execute runs the three adapter phases, streaming events to the run's
// JSONL files. Collect runs even when Execute fails or ctx is cancelled.
func (o *Orchestrator) execute(ctx context.Context, m *ir.Manifest, adapter execution.Adapter, id runid.ID, runDir string, logger *slog.Logger, out *Outcome) error {
	lay := layout.RunLayoutFor(runDir)
	if err := layout.EnsureDir(runDir); err != nil {
		return fmt.Errorf("create run directory: %w", err)
	}
	if err := runindex.WriteMarker(lay.MarkerFile, marker(m, id)); err != nil {
		return err
	}
	files, err := events.OpenFileSink(lay.EventsFile, lay.MetricsFile)
	if err != nil {
		return err
	}
	sink := events.Multi(files, events.SlogSink{Logger: logger})
	defer func() {
		if err := events.CloseSink(sink); err != nil {
			logger.Warn("closing event files", "error", err)
		}
	}()

	p, err := adapter.Prepare(ctx, m, execution.RunContext{
		RunID:       id.Value,
		IssuedAt:    id.IssuedAt,
		RunDir:      runDir,
		StepTimeout: o.cfg.StepTimeout,
		RunTimeout:  o.cfg.RunTimeout,
		EventBuffer: o.cfg.EventBuffer,
	})
	if err != nil {
		return err
	}
	logger.Debug("run prepared", "adapter", adapter.Name(), "run_dir", runDir)

	res, runErr := adapter.Execute(ctx, p, sink)
	out.Result = res
	collected, err := adapter.Collect(context.WithoutCancel(ctx), p)
	out.Artifacts = collected
	if err != nil {
		logger.Warn("collect failed", "error", err)
		if runErr == nil {
			runErr = err
		}
	}
	return runErr
}

func (o *Orchestrator) record(m *ir.Manifest, adapter execution.Adapter, id runid.ID, runDir string, tags []string,
	started, ended time.Time, out *Outcome, runErr error, cancelled bool) runindex.Record {
	rec := runindex.Record{
		RunID:         id.Value,
		PipelineSlug:  m.PipelineSlug,
		Profile:       m.Profile,
		ManifestHash:  m.ManifestHash,
		ManifestShort: m.ManifestShort,
		Adapter:       adapter.Name(),
		StartedAt:     started.UTC(),
		EndedAt:       ended.UTC(),
		DurationMS:    ended.Sub(started).Milliseconds(),
		RunLogsPath:   runDir,
		Tags:          tags,
		Status:        runindex.StatusSuccess,
	}
	if out.Result != nil {
		rec.Rows = out.Result.Rows
		rec.Status = out.Result.Status
	}
	if out.Artifacts != nil {
		rec.ArtifactsPath = out.Artifacts.Dir
	}
	if runErr == nil {
		return rec
	}
	if rec.Status == runindex.StatusSuccess {
		rec.Status = runindex.StatusFailed
	}
	if failure.IsKind(runErr, failure.KindCancelled) || (out.Result == nil && cancelled) {
		rec.Status = runindex.StatusCancelled
	}
	if fe, ok := failure.As(runErr); ok {
		rec.ErrorCode = fe.Code
		rec.ErrorMessage = fe.Message
		rec.StepID = fe.StepID
	} else {
		rec.ErrorMessage = runErr.Error()
	}
	return rec
}

func marker(m *ir.Manifest, id runid.ID) runindex.Marker {
	return runindex.Marker{
		RunID:         id.Value,
		PipelineSlug:  m.PipelineSlug,
		Profile:       m.Profile,
		ManifestHash:  m.ManifestHash,
		ManifestShort: m.ManifestShort,
		IssuedAt:      id.IssuedAt,
	}
}
