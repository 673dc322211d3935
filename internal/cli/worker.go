package cli

import (
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/keboola/osiris/internal/driver/builtin"
	"github.com/keboola/osiris/internal/rpc"
	"github.com/keboola/osiris/internal/worker"
)

// NewWorkerCommand creates the hidden worker command the process sandbox
// spawns. The protocol runs over stdin and stdout; logs go to stderr.
func NewWorkerCommand(rootOpts *RootOptions) *cobra.Command {
	var workDir string

	cmd := &cobra.Command{
		Use:           "worker",
		Short:         "Serve one remote execution session over stdio",
		Hidden:        true,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			conn := rpc.NewConn(cmd.InOrStdin(), os.Stdout, os.Stdout)
			err := worker.Serve(cmd.Context(), conn, worker.Options{
				Drivers: builtin.Registry(),
				Lookup:  os.LookupEnv,
				WorkDir: workDir,
				Logger:  slog.Default(),
			})
			if err != nil {
				slog.Error("worker session failed", "error", err)
				return WrapExitError(ExitFailure, "worker session failed", err)
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&workDir, "workdir", "", "sandbox working directory")
	_ = cmd.MarkFlagRequired("workdir")

	return cmd
}
