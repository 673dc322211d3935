package harness

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"maps"
	"os"
	"path/filepath"
	"reflect"
	"slices"
	"time"

	"github.com/keboola/osiris/internal/compiler"
	"github.com/keboola/osiris/internal/connection"
	"github.com/keboola/osiris/internal/driver/builtin"
	"github.com/keboola/osiris/internal/events"
	"github.com/keboola/osiris/internal/execution"
	"github.com/keboola/osiris/internal/layout"
	"github.com/keboola/osiris/internal/orchestrator"
	"github.com/keboola/osiris/internal/pipeline"
	"github.com/keboola/osiris/internal/registry"
	"github.com/keboola/osiris/internal/remote"
	"github.com/keboola/osiris/internal/runid"
	"github.com/keboola/osiris/internal/runindex"
	"github.com/keboola/osiris/internal/sandbox"
	"github.com/keboola/osiris/internal/store"
	"github.com/keboola/osiris/internal/testutil"
)

// Run executes a scenario on each of its adapters, each in a fresh
// workspace, and checks that they agree before evaluating the scenario's
// expectation and assertions.
//
// An error is returned only when a run could not be set up or started;
// a run that fails is a result like any other.
func Run(ctx context.Context, s *Scenario) (*Result, error) {
	result := NewResult()

	for _, name := range s.adapters() {
		run, err := runAdapter(ctx, s, name)
		if err != nil {
			return nil, fmt.Errorf("scenario %q on %s: %w", s.Name, name, err)
		}
		result.Runs = append(result.Runs, *run)
	}

	first := result.Runs[0]
	result.Trace = first.Trace
	result.Metrics = first.Metrics
	result.Record = first.Record

	for _, other := range result.Runs[1:] {
		for _, msg := range compareRuns(first, other) {
			result.AddError(msg)
		}
	}
	for _, msg := range checkExpectation(result, s.Expect) {
		result.AddError(msg)
	}
	for _, msg := range EvaluateAssertions(result, s.Assertions) {
		result.AddError(msg)
	}

	return result, nil
}

// runAdapter runs s once on the named adapter in a throwaway workspace.
func runAdapter(ctx context.Context, s *Scenario, name string) (*AdapterRun, error) {
	dir, err := os.MkdirTemp("", "osiris-harness-*")
	if err != nil {
		return nil, fmt.Errorf("create workspace: %w", err)
	}
	defer os.RemoveAll(dir)

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	lookup := testutil.Env(s.Env)
	paths := layout.New(layout.Config{BasePath: dir})

	reg, err := registry.Load()
	if err != nil {
		return nil, err
	}
	conns := connection.Empty()
	if s.Connections != "" {
		if conns, err = connection.LoadFile(s.Connections); err != nil {
			return nil, err
		}
	}
	comp, err := compiler.New(paths, compiler.Options{}, logger)
	if err != nil {
		return nil, err
	}
	if err := layout.EnsureDir(paths.IndexRoot()); err != nil {
		return nil, err
	}
	alloc, err := runid.New(runid.Config{}, func() (store.CounterStore, error) {
		return store.Open(paths.CounterStorePath())
	}, runid.WithLogger(logger))
	if err != nil {
		return nil, err
	}
	defer alloc.Close()

	clk := testutil.NewDeterministicClock()
	orch, err := orchestrator.New(orchestrator.Config{
		Paths:     paths,
		Compiler:  comp,
		Registry:  reg,
		Conns:     conns,
		Allocator: alloc,
		Index:     runindex.New(paths, logger),
		Clock:     clk,
		Logger:    logger,
	})
	if err != nil {
		return nil, err
	}

	var adapter execution.Adapter
	switch name {
	case AdapterLocal:
		adapter = execution.NewLocalAdapter(builtin.Registry(),
			execution.WithLookup(lookup),
			execution.WithClock(clk),
			execution.WithLogger(logger))
	case AdapterRemote:
		adapter, err = remote.New(remote.Options{
			Provisioner: &sandbox.InProcessProvisioner{
				Drivers: builtin.Registry(),
				Grace:   2 * time.Second,
			},
			Lookup:           lookup,
			HandshakeTimeout: 5 * time.Second,
			Clock:            clk,
			Logger:           logger,
		})
		if err != nil {
			return nil, err
		}
	default:
		return nil, fmt.Errorf("unknown adapter %q", name)
	}

	spec, err := pipeline.LoadFile(s.Pipeline)
	if err != nil {
		return nil, err
	}
	out, runErr := orch.Run(ctx, orchestrator.RunRequest{Spec: spec, Profile: s.Profile, Adapter: adapter})
	if out == nil {
		return nil, fmt.Errorf("no run was issued: %w", runErr)
	}

	run := &AdapterRun{Adapter: name, Record: out.Record}
	lay := layout.RunLayoutFor(out.Record.RunLogsPath)
	evs, err := readJSONL[events.Event](lay.EventsFile)
	if err != nil {
		return nil, err
	}
	metrics, err := readJSONL[events.Metric](lay.MetricsFile)
	if err != nil {
		return nil, err
	}
	run.Trace = traceOf(evs)
	run.Metrics = events.Aggregate(metrics)

	run.Artifacts = map[string][]byte{}
	if out.Artifacts != nil {
		for _, f := range out.Artifacts.Files {
			data, err := os.ReadFile(filepath.Join(out.Artifacts.Dir, filepath.FromSlash(f)))
			if err != nil {
				return nil, fmt.Errorf("read artifact: %w", err)
			}
			run.Artifacts[f] = data
		}
	}
	return run, nil
}

// readJSONL decodes one value per line. A missing file reads as empty.
func readJSONL[T any](path string) ([]T, error) {
	f, err := os.Open(path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var out []T
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	for sc.Scan() {
		line := bytes.TrimSpace(sc.Bytes())
		if len(line) == 0 {
			continue
		}
		var v T
		if err := json.Unmarshal(line, &v); err != nil {
			return nil, fmt.Errorf("%s: %w", filepath.Base(path), err)
		}
		out = append(out, v)
	}
	return out, sc.Err()
}

// compareRuns reports where b diverges from a. Run ids, paths and timings
// are allowed to differ.
func compareRuns(a, b AdapterRun) []string {
	var errs []string
	diverged := func(what string, x, y any) {
		errs = append(errs, fmt.Sprintf("%s and %s diverge on %s: %v != %v", a.Adapter, b.Adapter, what, x, y))
	}

	ra, rb := a.Record, b.Record
	if ra.Status != rb.Status {
		diverged("status", ra.Status, rb.Status)
	}
	if ra.Rows != rb.Rows {
		diverged("rows", ra.Rows, rb.Rows)
	}
	if ra.ErrorCode != rb.ErrorCode {
		diverged("error_code", ra.ErrorCode, rb.ErrorCode)
	}
	if ra.StepID != rb.StepID {
		diverged("step_id", ra.StepID, rb.StepID)
	}
	if ra.ManifestHash != rb.ManifestHash {
		diverged("manifest_hash", ra.ManifestHash, rb.ManifestHash)
	}

	if !reflect.DeepEqual(a.Trace, b.Trace) {
		diverged("trace", labels(a.Trace), labels(b.Trace))
	}
	if !maps.Equal(a.Metrics, b.Metrics) {
		diverged("metrics", a.Metrics, b.Metrics)
	}

	na, nb := slices.Sorted(maps.Keys(a.Artifacts)), slices.Sorted(maps.Keys(b.Artifacts))
	if !slices.Equal(na, nb) {
		diverged("artifacts", na, nb)
		return errs
	}
	for _, f := range na {
		if !bytes.Equal(a.Artifacts[f], b.Artifacts[f]) {
			errs = append(errs, fmt.Sprintf("%s and %s diverge on artifact %s", a.Adapter, b.Adapter, f))
		}
	}
	return errs
}

func labels(trace []TraceEvent) []string {
	out := make([]string, len(trace))
	for i, e := range trace {
		out[i] = e.label()
	}
	return out
}
