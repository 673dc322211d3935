package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/keboola/osiris/internal/retention"
)

// NewRetentionCommand creates the retention command group.
func NewRetentionCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "retention",
		Short: "Plan and apply run log and annex cleanup",
		Long: `Retention removes aged run logs and prunes annex runs beyond the
configured keep count. Build manifests, the run index and whatever a latest
pointer references are never touched.`,
	}
	cmd.AddCommand(newRetentionPlanCommand(rootOpts))
	cmd.AddCommand(newRetentionApplyCommand(rootOpts))
	return cmd
}

func newRetentionPlanCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:           "plan",
		Short:         "List what apply would delete",
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			formatter := newFormatter(rootOpts, cmd.OutOrStdout(), cmd.ErrOrStderr())
			planner, err := openPlanner(rootOpts, formatter)
			if err != nil {
				return err
			}
			actions, err := planner.Plan(cmd.Context())
			if err != nil {
				return commandFailure(formatter, "failed to plan retention", err)
			}
			if actions == nil {
				actions = []retention.Action{}
			}
			if formatter.Format == "json" {
				return formatter.Success(actions)
			}
			printActions(formatter, "Planned", actions)
			return nil
		},
	}
}

func newRetentionApplyCommand(rootOpts *RootOptions) *cobra.Command {
	var dryRun bool

	cmd := &cobra.Command{
		Use:   "apply",
		Short: "Plan and apply retention",
		Long: `Plan and apply retention. Failed deletions are reported but do not stop
the remaining actions; the command then exits 1. Applying twice in a row
deletes nothing the second time.`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			formatter := newFormatter(rootOpts, cmd.OutOrStdout(), cmd.ErrOrStderr())
			planner, err := openPlanner(rootOpts, formatter)
			if err != nil {
				return err
			}
			actions, err := planner.Plan(cmd.Context())
			if err != nil {
				return commandFailure(formatter, "failed to plan retention", err)
			}
			res, err := planner.Apply(cmd.Context(), actions, dryRun)
			if err != nil {
				return WrapExitError(ExitFailure, "retention interrupted", err)
			}
			if res.Applied == nil {
				res.Applied = []retention.Action{}
			}

			if formatter.Format == "json" {
				if err := res.Err(); err != nil {
					e := describe(err)
					_ = formatter.writeJSON(CLIResponse{Status: "error", Data: res, Error: &e})
					return WrapExitError(ExitFailure, "retention incomplete", err)
				}
				return formatter.Success(res)
			}

			verb := "Deleted"
			if res.DryRun {
				verb = "Would delete"
			}
			printActions(formatter, verb, res.Applied)
			for _, f := range res.Failed {
				fmt.Fprintf(formatter.Writer, "  ✗ %s %s: [%s] %s\n", f.Action.Kind, f.Action.Path, f.Code, f.Error)
			}
			if err := res.Err(); err != nil {
				return WrapExitError(ExitFailure, "retention incomplete", err)
			}
			return nil
		},
	}

	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "report without deleting")

	return cmd
}

func openPlanner(rootOpts *RootOptions, formatter *OutputFormatter) (*retention.Planner, error) {
	ws, err := openWorkspace(rootOpts)
	if err != nil {
		return nil, commandFailure(formatter, "failed to load config", err)
	}
	planner, err := ws.planner()
	if err != nil {
		return nil, commandFailure(formatter, "failed to initialize retention", err)
	}
	return planner, nil
}

func printActions(formatter *OutputFormatter, verb string, actions []retention.Action) {
	if len(actions) == 0 {
		fmt.Fprintln(formatter.Writer, "Nothing to delete.")
		return
	}
	fmt.Fprintf(formatter.Writer, "%s %d item(s):\n", verb, len(actions))
	for _, a := range actions {
		fmt.Fprintf(formatter.Writer, "  %-15s %s  (%s %s: %s)\n", a.Kind, a.Path, a.PipelineSlug, a.RunID, a.Reason)
	}
}
