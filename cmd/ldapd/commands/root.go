// Package commands implements the ldapd cobra command tree: one file
// per subcommand, flags bound in init, each subcommand registering
// itself on RootCmd.
package commands

import "github.com/spf13/cobra"

// RootCmd is the ldapd entrypoint; cmd/ldapd/main.go executes it.
var RootCmd = &cobra.Command{
	Use:   "ldapd",
	Short: "A directory server core: DSE store, backend/plugin dispatch, operation pipeline",
}
