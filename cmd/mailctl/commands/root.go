package commands

import (
	"github.com/spf13/cobra"
)

var (
	// configPath overrides CONFIG_FILE.
	configPath string

	// outputFormat controls output format (text, json).
	outputFormat string
)

// rootCmd is the base command for the CLI.
var rootCmd = &cobra.Command{
	Use:   "mailctl",
	Short: "Operate the email scheduler",
	Long: `mailctl inspects and repairs the email scheduler's queue.

It talks to the same database as the server and workers, so it can run
beside them at any time.`,
	SilenceUsage: true,
}

// Execute runs the CLI.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVar(
		&configPath, "config", "",
		"Path to a YAML or JSON config file (default: $CONFIG_FILE)",
	)
	rootCmd.PersistentFlags().StringVar(
		&outputFormat, "format", "text",
		"Output format: text, json",
	)

	rootCmd.AddCommand(migrateCmd)
	rootCmd.AddCommand(reconcileCmd)
	rootCmd.AddCommand(pruneCmd)
	rootCmd.AddCommand(dispatchOnceCmd)
	rootCmd.AddCommand(statsCmd)
	rootCmd.AddCommand(deadLettersCmd)
	rootCmd.AddCommand(peekCmd)
}
