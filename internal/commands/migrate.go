package commands

import (
	"fmt"

	"github.com/spf13/cobra"
)

func addMigrate(topLevel *cobra.Command, ro *RootOptions) {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Create or update the database schema and exit.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := setup(ro)
			if err != nil {
				return err
			}
			defer e.Close()
			fmt.Fprintf(cmd.OutOrStdout(), "%s schema is up to date\n", e.dbType)
			return nil
		},
	}
	topLevel.AddCommand(cmd)
}
