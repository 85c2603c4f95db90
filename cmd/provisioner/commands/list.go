package commands

import (
	"provisioning-queue/internal/models"

	"github.com/spf13/cobra"
)

// List returns the operator command that prints queue items as JSON.
//
// Optional flags:
//
//	--status: pending, processing or failed
//	--exhausted: only failed items with no attempts left
//	--limit: maximum number of items (default 100)
func List() *cobra.Command {
	var status string
	var exhausted bool
	var limit int

	cmd := &cobra.Command{
		Use:   "list",
		Short: "Print queue items",
		Example: `  # Items waiting for manual action
  provisioner list --exhausted

  provisioner list --status failed --limit 20`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			rt, _, cleanup, err := openRuntime(cmd.Context())
			if err != nil {
				return err
			}
			defer cleanup()

			items, err := rt.List(cmd.Context(), models.Status(status), exhausted, limit)
			if err != nil {
				return err
			}
			return printJSON(cmd, items)
		},
	}

	cmd.Flags().StringVar(&status, "status", "", "Filter by status")
	cmd.Flags().BoolVar(&exhausted, "exhausted", false, "Only items that used all attempts")
	cmd.Flags().IntVar(&limit, "limit", 100, "Maximum number of items")
	cmd.MarkFlagsMutuallyExclusive("status", "exhausted")

	return cmd
}
