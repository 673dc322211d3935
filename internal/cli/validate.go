package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/keboola/osiris/internal/pipeline"
)

// ValidateOptions holds flags for the validate command.
type ValidateOptions struct {
	*RootOptions
	Profile string
}

// ValidateResult is the validate command's payload.
type ValidateResult struct {
	Valid         bool   `json:"valid"`
	PipelineSlug  string `json:"pipeline_slug"`
	Profile       string `json:"profile,omitempty"`
	ManifestHash  string `json:"manifest_hash"`
	ManifestShort string `json:"manifest_short"`
	Steps         int    `json:"steps"`
}

// NewValidateCommand creates the validate command.
func NewValidateCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ValidateOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "validate <pipeline-file>",
		Short: "Validate a pipeline without writing anything",
		Long: `Validate a pipeline against the component registry and connections.

Runs every compile check and reports all problems, but writes no manifest
and does not move the latest pointer.`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runValidate(opts, args[0], cmd)
		},
	}

	cmd.Flags().StringVarP(&opts.Profile, "profile", "p", "", "profile to validate for")

	return cmd
}

func runValidate(opts *ValidateOptions, path string, cmd *cobra.Command) error {
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

	m, err := ws.orch.Validate(cmd.Context(), spec, ws.profileOr(opts.Profile))
	if err != nil {
		return commandFailure(formatter, "validation failed", err)
	}

	result := ValidateResult{
		Valid:         true,
		PipelineSlug:  m.PipelineSlug,
		Profile:       m.Profile,
		ManifestHash:  m.ManifestHash,
		ManifestShort: m.ManifestShort,
		Steps:         len(m.Steps),
	}
	if formatter.Format == "json" {
		return formatter.Success(result)
	}
	fmt.Fprintf(formatter.Writer, "✓ %s is valid (%d step(s), manifest %s)\n",
		result.PipelineSlug, result.Steps, result.ManifestShort)
	return nil
}
