package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/keboola/osiris/internal/compiler"
	"github.com/keboola/osiris/internal/ir"
	"github.com/keboola/osiris/internal/pipeline"
)

// CompileOptions holds flags for the compile command.
type CompileOptions struct {
	*RootOptions
	Profile string
}

// CompileResult is the compile command's payload.
type CompileResult struct {
	PipelineSlug  string `json:"pipeline_slug"`
	Profile       string `json:"profile,omitempty"`
	ManifestHash  string `json:"manifest_hash"`
	ManifestShort string `json:"manifest_short"`
	ManifestDir   string `json:"manifest_dir"`
	Steps         int    `json:"steps"`
}

// NewCompileCommand creates the compile command.
func NewCompileCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &CompileOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "compile <pipeline-file>",
		Short: "Compile a pipeline into a content-addressed manifest",
		Long: `Compile a pipeline file (YAML, JSON or CUE) into a manifest.

The manifest is written under the build directory at a path derived from
the pipeline slug, profile and manifest hash. Compiling the same inputs
twice yields the same hash and the same directory.

Example:
  osiris compile pipelines/orders.yaml
  osiris compile pipelines/orders.yaml --profile prod --format json`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runCompile(opts, args[0], cmd)
		},
	}

	cmd.Flags().StringVarP(&opts.Profile, "profile", "p", "", "profile to compile for")

	return cmd
}

func runCompile(opts *CompileOptions, path string, cmd *cobra.Command) error {
	formatter := newFormatter(opts.RootOptions, cmd.OutOrStdout(), cmd.ErrOrStderr())

	spec, err := pipeline.LoadFile(path)
	if err != nil {
		return commandFailure(formatter, "failed to load pipeline", err)
	}

	ws, err := openWorkspace(opts.RootOptions)
	if err != nil {
		return commandFailure(formatter, "failed to load config", err)
	}
	defer ws.Close()
	if err := ws.openOrchestrator(cmd.Context(), opts.RootOptions, false); err != nil {
		return commandFailure(formatter, "failed to initialize", err)
	}

	formatter.VerboseLog("Compiling %s (%d step(s))", path, len(spec.Steps))
	m, err := ws.orch.Compile(cmd.Context(), spec, ws.profileOr(opts.Profile))
	if err != nil {
		return commandFailure(formatter, "compilation failed", err)
	}

	result := compileResult(m, ws.paths.ManifestDir(compiler.Identity(m)))
	if formatter.Format == "json" {
		return formatter.Success(result)
	}
	fmt.Fprintf(formatter.Writer, "✓ Compiled %s (%d step(s))\n\n", result.PipelineSlug, result.Steps)
	fmt.Fprintf(formatter.Writer, "  hash:    %s\n", result.ManifestHash)
	fmt.Fprintf(formatter.Writer, "  short:   %s\n", result.ManifestShort)
	if result.Profile != "" {
		fmt.Fprintf(formatter.Writer, "  profile: %s\n", result.Profile)
	}
	fmt.Fprintf(formatter.Writer, "  dir:     %s\n", result.ManifestDir)
	return nil
}

func compileResult(m *ir.Manifest, dir string) CompileResult {
	return CompileResult{
		PipelineSlug:  m.PipelineSlug,
		Profile:       m.Profile,
		ManifestHash:  m.ManifestHash,
		ManifestShort: m.ManifestShort,
		ManifestDir:   dir,
		Steps:         len(m.Steps),
	}
}

// commandFailure prints err and returns it as a command-level error
// (exit code 2).
func commandFailure(formatter *OutputFormatter, message string, err error) error {
	_ = formatter.Failure(err)
	return WrapExitError(ExitCommandError, message, err)
}
