// README: Entry point; the lifelink binary serves the dispatch API and runs one-shot operator commands.
package main

import (
	"os"

	"github.com/spf13/cobra"
)

func main() {
	rootCmd := &cobra.Command{
		Use:          "lifelink",
		Short:        "Emergency ambulance dispatch server",
		SilenceUsage: true,
	}

	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(sweepCmd())
	rootCmd.AddCommand(migrateCmd())
	rootCmd.AddCommand(ambulanceCmd())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
