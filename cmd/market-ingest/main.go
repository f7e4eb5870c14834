// Command market-ingest keeps a local replica of the EVE universe and market
// order books up to date.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var cfgPath string

	root := &cobra.Command{
		Use:           "market-ingest",
		Short:         "EVE market replica ingestion",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&cfgPath, "config", "", "path to YAML config file (defaults are embedded)")

	root.AddCommand(newServeCmd(&cfgPath))
	root.AddCommand(newRefreshCmd(&cfgPath))
	root.AddCommand(newMigrateCmd(&cfgPath))
	return root
}
