package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/mesh-intelligence/cellar/internal/engine"
	"github.com/mesh-intelligence/cellar/internal/paths"
)

func newInitCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "init",
		Short: "Create the configuration file and an empty database",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			wrote, err := writeConfigIfMissing(a.configDir, a.cfg)
			if err != nil {
				return err
			}
			if err := a.withSession(func(s *engine.Session) error { return nil }); err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if wrote {
				fmt.Fprintln(out, "wrote", paths.ConfigFile(a.configDir))
			}
			fmt.Fprintln(out, "cellar initialized")
			fmt.Fprintln(out, "  config:", a.configDir)
			fmt.Fprintln(out, "  data:  ", a.cfg.DataDir)
			return nil
		},
	}
}
