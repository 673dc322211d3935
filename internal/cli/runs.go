package cli

import (
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/keboola/osiris/internal/config"
	"github.com/keboola/osiris/internal/pipeline"
	"github.com/keboola/osiris/internal/runindex"
)

// RunsListOptions holds flags for "runs list".
type RunsListOptions struct {
	*RootOptions
	Pipeline string
	Profile  string
	Status   string
	Since    string
	Tag      string
	Limit    int
}

// NewRunsCommand creates the runs command group.
func NewRunsCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "runs",
		Short: "Query the run index",
	}
	cmd.AddCommand(newRunsListCommand(rootOpts))
	cmd.AddCommand(newRunsLatestCommand(rootOpts))
	return cmd
}

func newRunsListCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &RunsListOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List recorded runs, oldest first",
		Long: `List runs from the run index.

--since accepts an RFC 3339 timestamp or a duration back from now
("36h", "7d").

Example:
  osiris runs list --pipeline orders-daily --status failed
  osiris runs list --since 7d --limit 20 --format json`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runRunsList(opts, cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Pipeline, "pipeline", "", "pipeline slug")
	cmd.Flags().StringVarP(&opts.Profile, "profile", "p", "", "profile")
	cmd.Flags().StringVar(&opts.Status, "status", "", "status (success|failed|cancelled)")
	cmd.Flags().StringVar(&opts.Since, "since", "", "only runs started at or after this time")
	cmd.Flags().StringVar(&opts.Tag, "tag", "", "only runs carrying this tag")
	cmd.Flags().IntVar(&opts.Limit, "limit", 0, "keep only the last N runs")

	return cmd
}

func runRunsList(opts *RunsListOptions, cmd *cobra.Command) error {
	formatter := newFormatter(opts.RootOptions, cmd.OutOrStdout(), cmd.ErrOrStderr())

	filter, err := opts.filter(time.Now())
	if err != nil {
		_ = formatter.Error(ErrCodeGeneric, err.Error(), nil)
		return WrapExitError(ExitCommandError, "invalid filter", err)
	}

	ws, err := openWorkspace(opts.RootOptions)
	if err != nil {
		return commandFailure(formatter, "failed to load config", err)
	}
	defer ws.Close()

	records, err := ws.index.List(filter)
	if err != nil {
		return commandFailure(formatter, "failed to read run index", err)
	}
	if records == nil {
		records = []runindex.Record{}
	}

	if formatter.Format == "json" {
		return formatter.Success(records)
	}
	if len(records) == 0 {
		fmt.Fprintln(formatter.Writer, "No runs found.")
		return nil
	}
	for _, r := range records {
		fmt.Fprintf(formatter.Writer, "%s  %-9s  %s  %s  %s  %d row(s)",
			r.StartedAt.Format(time.RFC3339), r.Status, r.PipelineSlug, r.RunID, r.ManifestShort, r.Rows)
		if r.ErrorCode != "" {
			fmt.Fprintf(formatter.Writer, "  [%s]", r.ErrorCode)
		}
		fmt.Fprintln(formatter.Writer)
	}
	return nil
}

func (o *RunsListOptions) filter(now time.Time) (runindex.Filter, error) {
	f := runindex.Filter{
		PipelineSlug: o.Pipeline,
		Profile:      o.Profile,
		Tag:          o.Tag,
		Limit:        o.Limit,
	}
	if o.Limit < 0 {
		return f, errors.New("--limit must not be negative")
	}
	switch runindex.Status(o.Status) {
	case "", runindex.StatusSuccess, runindex.StatusFailed, runindex.StatusCancelled:
		f.Status = runindex.Status(o.Status)
	default:
		return f, fmt.Errorf("unknown status %q", o.Status)
	}
	if o.Since != "" {
		since, err := parseSince(o.Since, now)
		if err != nil {
			return f, err
		}
		f.Since = since
	}
	return f, nil
}

func parseSince(s string, now time.Time) (time.Time, error) {
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t, nil
	}
	d, err := config.ParseDuration(s)
	if err != nil {
		return time.Time{}, fmt.Errorf("--since: want RFC 3339 time or duration, got %q", s)
	}
	return now.Add(-d.Std()), nil
}

func newRunsLatestCommand(rootOpts *RootOptions) *cobra.Command {
	var profile string

	cmd := &cobra.Command{
		Use:   "latest <pipeline>",
		Short: "Show the latest pointer of a pipeline",
		Long: `Show the latest compiled manifest of a pipeline and, once one has
succeeded, the run that used it. The argument is a pipeline slug or a
pipeline name.`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			formatter := newFormatter(rootOpts, cmd.OutOrStdout(), cmd.ErrOrStderr())
			ws, err := openWorkspace(rootOpts)
			if err != nil {
				return commandFailure(formatter, "failed to load config", err)
			}
			defer ws.Close()

			slug := pipeline.Slugify(args[0])
			p, err := ws.index.Latest(slug, ws.profileOr(profile))
			if errors.Is(err, runindex.ErrNotFound) {
				_ = formatter.Error("index.not_found", fmt.Sprintf("no latest pointer for %q", slug), nil)
				return WrapExitError(ExitCommandError, "no latest pointer", err)
			}
			if err != nil {
				return commandFailure(formatter, "failed to read latest pointer", err)
			}

			if formatter.Format == "json" {
				return formatter.Success(p)
			}
			fmt.Fprintf(formatter.Writer, "%s", p.PipelineSlug)
			if p.Profile != "" {
				fmt.Fprintf(formatter.Writer, " (%s)", p.Profile)
			}
			fmt.Fprintln(formatter.Writer)
			fmt.Fprintf(formatter.Writer, "  manifest: %s %s\n", p.ManifestShort, p.ManifestPath)
			if p.RunID != "" {
				fmt.Fprintf(formatter.Writer, "  run:      %s %s\n", p.RunID, p.RunLogsPath)
			}
			fmt.Fprintf(formatter.Writer, "  updated:  %s\n", p.UpdatedAt.Format(time.RFC3339))
			return nil
		},
	}

	cmd.Flags().StringVarP(&profile, "profile", "p", "", "profile")

	return cmd
}
