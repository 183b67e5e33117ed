package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/mesh-intelligence/cellar/pkg/cellar"
)

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the cellar version",
		Args:  cobra.NoArgs,
		// Needs neither configuration nor a database.
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error { return nil },
		RunE: func(cmd *cobra.Command, args []string) error {
			fmt.Fprintf(cmd.OutOrStdout(), "cellar v%s\nmodule: %s\n", cellar.Version, cellar.ModulePath)
			return nil
		},
	}
}
