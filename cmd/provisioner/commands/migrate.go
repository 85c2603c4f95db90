package commands

import (
	"github.com/spf13/cobra"
)

// Migrate returns the command that creates or upgrades the queue schema.
func Migrate() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Create or upgrade the queue schema",
		RunE: func(cmd *cobra.Command, _ []string) error {
			rt, _, cleanup, err := openRuntime(cmd.Context())
			if err != nil {
				return err
			}
			defer cleanup()

			return rt.Migrate(cmd.Context())
		},
	}
}
