package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/ledgerwatch/ldapd/internal/plugin"
)

func init() {
	RootCmd.AddCommand(pluginListCmd)
}

var pluginListCmd = &cobra.Command{
	Use:   "plugin-list",
	Short: "Print the dependency-wave startup order for the built-in plugin set without starting anything",
	RunE: func(cmd *cobra.Command, args []string) error {
		registry := plugin.NewRegistry(nil)
		if err := registerBuiltinPlugins(registry); err != nil {
			return err
		}
		order, err := registry.PlannedOrder()
		if err != nil {
			return err
		}
		for i, name := range order {
			fmt.Printf("%2d. %s\n", i+1, name)
		}
		return nil
	},
}
