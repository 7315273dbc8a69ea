package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"basegraph.app/observer/internal/supervisor"
)

var logLevel string

var rootCmd = &cobra.Command{
	Use:   "observer",
	Short: "Discover npm packages that need analysis",
	Long: `observer watches the registry change log for new and updated packages and
periodically looks for stale analysis results, pushing both into the
analysis queue.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "log level (debug, info, warn, error); overrides LOG_LEVEL")

	rootCmd.AddCommand(observeCmd)
	rootCmd.AddCommand(scanCmd)
	rootCmd.AddCommand(cursorCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(supervisor.ExitCode(err))
	}
}
