package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/keboola/osiris/internal/annex"
	"github.com/keboola/osiris/internal/compiler"
	"github.com/keboola/osiris/internal/config"
	"github.com/keboola/osiris/internal/connection"
	"github.com/keboola/osiris/internal/driver/builtin"
	"github.com/keboola/osiris/internal/execution"
	"github.com/keboola/osiris/internal/layout"
	"github.com/keboola/osiris/internal/orchestrator"
	"github.com/keboola/osiris/internal/registry"
	"github.com/keboola/osiris/internal/remote"
	"github.com/keboola/osiris/internal/retention"
	"github.com/keboola/osiris/internal/runid"
	"github.com/keboola/osiris/internal/runindex"
	"github.com/keboola/osiris/internal/sandbox"
	"github.com/keboola/osiris/internal/store"
)

// workspace is everything a command needs, built from the config file.
type workspace struct {
	cfg    *config.Config
	paths  *layout.Contract
	index  *runindex.Index
	logger *slog.Logger

	// Set by openOrchestrator.
	orch      *orchestrator.Orchestrator
	allocator *runid.Allocator
	annex     annex.Store
}

// openWorkspace loads configuration and the path layout.
func openWorkspace(opts *RootOptions) (*workspace, error) {
	cfg, err := config.Load(opts.Config)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	paths := layout.New(cfg.Layout())
	logger := slog.Default()
	if cfg.Source != "" {
		logger.Debug("config loaded", "path", cfg.Source, "base_path", cfg.Filesystem.BasePath)
	}
	return &workspace{cfg: cfg, paths: paths, index: runindex.New(paths, logger), logger: logger}, nil
}

// openOrchestrator wires compiler, registry, connections, run id allocator
// and annex store. The counter store is opened only when issuesRuns is set.
func (w *workspace) openOrchestrator(ctx context.Context, opts *RootOptions, issuesRuns bool) error {
	reg, err := registry.Load(opts.Components...)
	if err != nil {
		return fmt.Errorf("load component registry: %w", err)
	}
	conns, err := connection.LoadFile(opts.Connections)
	if err != nil {
		return fmt.Errorf("load connections: %w", err)
	}
	comp, err := compiler.New(w.paths, w.cfg.CompilerOptions(), w.logger)
	if err != nil {
		return fmt.Errorf("invalid compiler configuration: %w", err)
	}
	rc, err := w.cfg.RunIDConfig()
	if err != nil {
		return fmt.Errorf("invalid run id configuration: %w", err)
	}
	open := w.counterStore(ctx)
	if !issuesRuns {
		// Nothing is allocated; leave the counter store untouched.
		rc, open = runid.Config{Format: []runid.Token{runid.TokenULID}}, nil
	}
	w.allocator, err = runid.New(rc, open, runid.WithLogger(w.logger))
	if err != nil {
		return fmt.Errorf("create run id allocator: %w", err)
	}
	w.annex, err = w.openAnnex()
	if err != nil {
		return fmt.Errorf("open annex store: %w", err)
	}
	w.orch, err = orchestrator.New(orchestrator.Config{
		Paths:       w.paths,
		Compiler:    comp,
		Registry:    reg,
		Conns:       conns,
		Allocator:   w.allocator,
		Index:       w.index,
		Annex:       w.annex,
		StepTimeout: w.cfg.Execution.StepTimeout.Std(),
		RunTimeout:  w.cfg.Execution.RunTimeout.Std(),
		EventBuffer: w.cfg.Execution.EventBuffer,
		Logger:      w.logger,
	})
	if err != nil {
		return fmt.Errorf("create orchestrator: %w", err)
	}
	return nil
}

// counterStore opens the configured durable counter store lazily; the
// allocator calls it only when its format needs a counter.
func (w *workspace) counterStore(ctx context.Context) runid.StoreOpener {
	cs := w.cfg.RunID.CounterStore
	return func() (store.CounterStore, error) {
		if cs.Driver == "postgres" {
			return store.OpenPostgres(ctx, cs.DSN)
		}
		path := cs.DSN
		if path == "" {
			path = w.paths.CounterStorePath()
		}
		if err := layout.EnsureDir(w.paths.IndexRoot()); err != nil {
			return nil, err
		}
		return store.Open(path)
	}
}

func (w *workspace) openAnnex() (annex.Store, error) {
	a := w.cfg.Annex
	switch a.Kind {
	case "fs":
		return annex.NewFS(w.paths.AnnexRoot()), nil
	case "minio":
		return annex.NewMinio(annex.MinioConfig{
			Endpoint:  a.Endpoint,
			Region:    a.Region,
			AccessKey: os.Getenv(a.AccessKeyEnv),
			SecretKey: os.Getenv(a.SecretKeyEnv),
			Bucket:    a.Bucket,
			UseSSL:    a.UseSSL,
			Prefix:    a.Prefix,
		})
	}
	return nil, nil
}

// adapter selects the execution backend.
func (w *workspace) adapter(useRemote bool) (execution.Adapter, error) {
	if !useRemote {
		return execution.NewLocalAdapter(builtin.Registry(), execution.WithLogger(w.logger)), nil
	}
	rc := w.cfg.Remote
	var prov sandbox.Provisioner
	switch rc.Provider {
	case "inproc":
		prov = &sandbox.InProcessProvisioner{Drivers: builtin.Registry(), Grace: rc.KillGrace.Std()}
	default:
		prov = &sandbox.ProcessProvisioner{Command: rc.WorkerCommand, Grace: rc.KillGrace.Std(), Logger: w.logger}
	}
	return remote.New(remote.Options{
		Provisioner:      prov,
		Compression:      rc.Compression,
		ChunkSize:        rc.ChunkSize,
		HandshakeTimeout: rc.HandshakeTimeout.Std(),
		Logger:           w.logger,
	})
}

// planner builds the retention planner.
func (w *workspace) planner() (*retention.Planner, error) {
	store, err := w.openAnnex()
	if err != nil {
		return nil, fmt.Errorf("open annex store: %w", err)
	}
	opts := []retention.Option{retention.WithLogger(w.logger)}
	if store != nil {
		opts = append(opts, retention.WithAnnex(store))
	}
	return retention.New(w.paths, w.index, retention.Config{
		RunLogsMaxAge: w.cfg.Retention.RunLogsMaxAge.Std(),
		KeepRuns:      w.cfg.Retention.KeepRuns,
	}, opts...), nil
}

func (w *workspace) Close() error {
	var errs []error
	if w.allocator != nil {
		errs = append(errs, w.allocator.Close())
	}
	return errors.Join(errs...)
}

// profileOr returns flag if set, otherwise the configured default profile.
func (w *workspace) profileOr(flag string) string {
	if flag != "" {
		return flag
	}
	return w.cfg.Filesystem.Profiles.Default
}

func newFormatter(opts *RootOptions, out, errOut io.Writer) *OutputFormatter {
	return &OutputFormatter{Format: opts.Format, Writer: out, ErrWriter: errOut, Verbose: opts.Verbose}
}
