package commands

import (
	"github.com/spf13/cobra"
)

// Dispatch returns the command that performs one dispatcher run.
//
// It is meant to be driven by an external scheduler (cron, a Kubernetes
// CronJob, a systemd timer). Exit status is non-zero only when the queue
// store could not be read or an item's state could not be written; failed
// items are recorded, not reported.
//
// Environment variables:
//
//	PTERODACTYL_URL: panel base URL (required)
//	PTERODACTYL_API_KEY: application API key (required)
func Dispatch() *cobra.Command {
	return &cobra.Command{
		Use:   "dispatch",
		Short: "Process every eligible queue item once",
		Long: `Select all pending items and failed items with attempts left, and hand
each to a worker that calls the panel to create the server.

Successful items are removed from the queue. Failed items are kept with the
panel's response and retried on a later run, up to 5 attempts in total.

Examples:
  # One run with the default configuration
  provisioner dispatch

  # Every minute from cron
  * * * * * provisioner dispatch -c /etc/provisioner.yaml`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			rt, log, cleanup, err := openRuntime(cmd.Context())
			if err != nil {
				return err
			}
			defer cleanup()

			summary, err := rt.Dispatch(cmd.Context())
			if err != nil {
				log.Error(err, "dispatch failed")
				return err
			}
			log.V(1).Info("dispatch done", "selected", summary.Selected, "completed", summary.Completed,
				"failed", summary.Failed, "exhausted", summary.Exhausted)
			return nil
		},
	}
}
