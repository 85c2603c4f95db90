package commands

import (
	"provisioning-queue/internal/app"

	"github.com/spf13/cobra"
)

// Serve returns the long-running server command.
//
// Optional flags:
//
//	--no-dispatch: do not run the dispatcher loop in this process
func Serve() *cobra.Command {
	var noDispatch bool

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the queue API, live stream and dispatcher loop",
		Long: `Serve the HTTP API (enqueue, list, stats, /ws live stream, /metrics), the
gRPC health service, and, unless --no-dispatch is set, a dispatcher loop that
runs on the configured interval.

Examples:
  # API and dispatcher in one process
  provisioner serve

  # API only; dispatch is driven by cron
  provisioner serve --no-dispatch`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			rt, _, cleanup, err := openRuntime(cmd.Context())
			if err != nil {
				return err
			}
			defer cleanup()

			return rt.Serve(cmd.Context(), app.ServeOptions{Dispatch: !noDispatch})
		},
	}

	cmd.Flags().BoolVar(&noDispatch, "no-dispatch", false, "Do not run the dispatcher loop")

	return cmd
}
