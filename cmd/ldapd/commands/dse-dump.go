package commands

import (
	"os"

	"github.com/spf13/cobra"

	"github.com/ledgerwatch/ldapd/internal/dse"
)

var (
	dseDumpFile             string
	dseDumpStripOperational bool
)

func init() {
	dseDumpCmd.Flags().StringVar(&dseDumpFile, "dse-file", "dse.ldif", "path to the DSE record file to load")
	dseDumpCmd.Flags().BoolVar(&dseDumpStripOperational, "strip-operational", false, "omit operational attributes (numSubordinates, createTimestamp, ...) from the dump")
	RootCmd.AddCommand(dseDumpCmd)
}

var dseDumpCmd = &cobra.Command{
	Use:   "dse-dump",
	Short: "Load a DSE record file and write its LDIF form to stdout",
	RunE: func(cmd *cobra.Command, args []string) error {
		store := dse.NewStore(dseDumpFile)
		store.SetDontEverWrite(true)
		store.SetStripOperational(dseDumpStripOperational)
		if err := store.LoadFile(); err != nil {
			return err
		}
		return store.Dump(os.Stdout)
	},
}
