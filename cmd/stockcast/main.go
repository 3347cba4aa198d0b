// Command stockcast runs the forecast service and its operator commands.
package main

import (
	"os"

	"github.com/spf13/cobra"
)

const appName = "stockcast"

func main() {
	if err := newRootCommand().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	root := &cobra.Command{
		Use:   appName,
		Short: "Demand forecasting with a warm forecast cache",
		Long: `stockcast projects product demand from sales history, caches the
projections and keeps priority products warm in the background.
Configuration comes from STOCKCAST_* environment variables and an optional
settings file. Command output is JSON.`,
		SilenceUsage: true,
	}

	root.AddCommand(newServeCommand())
	root.AddCommand(newMigrateCommand())
	root.AddCommand(newForecastCommand())
	root.AddCommand(newSuggestCommand())
	root.AddCommand(newPrewarmCommand())
	root.AddCommand(newDiagnosticsCommand())
	return root
}
