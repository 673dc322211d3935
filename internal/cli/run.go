package cli

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/keboola/osiris/internal/config"
	"github.com/keboola/osiris/internal/orchestrator"
	"github.com/keboola/osiris/internal/pipeline"
	"github.com/keboola/osiris/internal/runindex"
)

// RunOptions holds flags for the run command.
type RunOptions struct {
	*RootOptions
	Profile     string
	Remote      bool
	Tags        []string
	StepTimeout time.Duration
	RunTimeout  time.Duration
}

// NewRunCommand creates the run command.
func NewRunCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &RunOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "run <pipeline-file>",
		Short: "Compile and run a pipeline",
		Long: `Compile a pipeline and run it, locally or in an isolated worker.

Every run gets a fresh run id and its own run logs directory holding
events.jsonl, metrics.jsonl and the step artifacts. The run is appended to
the run index whatever its outcome. Ctrl-C cancels the run; it is still
recorded, with status cancelled.

Example:
  osiris run pipelines/orders.yaml
  osiris run pipelines/orders.yaml --remote --profile prod --tag nightly`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runPipeline(opts, args[0], cmd)
		},
	}

	cmd.Flags().StringVarP(&opts.Profile, "profile", "p", "", "profile to run")
	cmd.Flags().BoolVar(&opts.Remote, "remote", false, "run in an isolated worker sandbox")
	cmd.Flags().StringSliceVar(&opts.Tags, "tag", nil, "tag recorded with the run (repeatable)")
	cmd.Flags().DurationVar(&opts.StepTimeout, "step-timeout", 0, "per-step timeout (overrides config)")
	cmd.Flags().DurationVar(&opts.RunTimeout, "run-timeout", 0, "whole-run timeout (overrides config)")

	return cmd
}

func runPipeline(opts *RunOptions, path string, cmd *cobra.Command) error {
	formatter := newFormatter(opts.RootOptions, cmd.OutOrStdout(), cmd.ErrOrStderr())

	spec, err := pipeline.LoadFile(path)
	if err != nil {
		return commandFailure(formatter, "failed to load pipeline", err)
	}

	ws, err := openWorkspace(opts.RootOptions)
	if err != nil {
		return commandFailure(formatter, "failed to load config", err)
	}
	defer func() {
		if closeErr := ws.Close(); closeErr != nil {
			slog.Error("error closing workspace", "error", closeErr)
		}
	}()
	if opts.StepTimeout > 0 {
		ws.cfg.Execution.StepTimeout = config.Duration(opts.StepTimeout)
	}
	if opts.RunTimeout > 0 {
		ws.cfg.Execution.RunTimeout = config.Duration(opts.RunTimeout)
	}
	if err := ws.openOrchestrator(cmd.Context(), opts.RootOptions, true); err != nil {
		return commandFailure(formatter, "failed to initialize", err)
	}
	adapter, err := ws.adapter(opts.Remote)
	if err != nil {
		return commandFailure(formatter, "failed to create execution adapter", err)
	}

	// Setup signal handling for graceful shutdown
	// Use command's context if available (for testing), otherwise create one
	parentCtx := cmd.Context()
	if parentCtx == nil {
		parentCtx = context.Background()
	}
	ctx, cancel := context.WithCancel(parentCtx)
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	go func() {
		select {
		case sig := <-sigChan:
			slog.Info("received signal, cancelling run", "signal", sig)
			cancel()
		case <-ctx.Done():
		}
	}()

	formatter.VerboseLog("Running %s with the %s adapter", path, adapter.Name())
	out, err := ws.orch.Run(ctx, orchestrator.RunRequest{
		Spec:    spec,
		Profile: ws.profileOr(opts.Profile),
		Adapter: adapter,
		Tags:    opts.Tags,
	})
	if out == nil {
		// Nothing was issued: compile or allocation failed.
		return commandFailure(formatter, "run not started", err)
	}
	return outputRun(formatter, out.Record, err)
}

// outputRun prints the run record. A failed or cancelled run exits 1.
func outputRun(formatter *OutputFormatter, rec runindex.Record, runErr error) error {
	if rec.Status == runindex.StatusSuccess && runErr == nil {
		if formatter.Format == "json" {
			return formatter.Success(rec)
		}
		fmt.Fprintf(formatter.Writer, "✓ Run %s succeeded (%d row(s), %s)\n\n",
			rec.RunID, rec.Rows, time.Duration(rec.DurationMS)*time.Millisecond)
		printRecordPaths(formatter, rec)
		return nil
	}

	if runErr == nil {
		runErr = fmt.Errorf("run %s", rec.Status)
	}
	if formatter.Format == "json" {
		e := describe(runErr)
		_ = formatter.writeJSON(CLIResponse{Status: "error", Data: rec, Error: &e})
	} else {
		fmt.Fprintf(formatter.Writer, "✗ Run %s %s\n\n", rec.RunID, rec.Status)
		_ = formatter.Failure(runErr)
		printRecordPaths(formatter, rec)
	}
	return WrapExitError(ExitFailure, fmt.Sprintf("run %s %s", rec.RunID, rec.Status), runErr)
}

func printRecordPaths(formatter *OutputFormatter, rec runindex.Record) {
	fmt.Fprintf(formatter.Writer, "  manifest: %s\n", rec.ManifestShort)
	fmt.Fprintf(formatter.Writer, "  logs:     %s\n", rec.RunLogsPath)
	if rec.ArtifactsPath != "" {
		fmt.Fprintf(formatter.Writer, "  artifacts: %s\n", rec.ArtifactsPath)
	}
}
