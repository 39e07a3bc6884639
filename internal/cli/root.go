package cli

import (
	"github.com/spf13/cobra"

	"github.com/stackform-io/stackform/internal/logging"
)

var rootLogLevel string

var rootCmd = &cobra.Command{
	Use:   "stackform",
	Short: "Pkl-native Infrastructure as Code",
	Long: `Stackform is a type-safe infrastructure as code tool built on Apple's Pkl language.

It provides a clean, deterministic way to manage infrastructure with:
  • Type-safe resource definitions
  • Dependency-ordered, parallel execution
  • Human-readable plans and state files
  • Unified language for config, plans, and state`,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		logging.Init(rootLogLevel)
	},
}

// Execute runs the root command
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVar(&rootLogLevel, "log-level", "", "Log level (debug, info, warn, error)")

	rootCmd.AddCommand(validateCmd)
	rootCmd.AddCommand(planCmd)
	rootCmd.AddCommand(applyCmd)
	rootCmd.AddCommand(destroyCmd)
	rootCmd.AddCommand(stateCmd)
	rootCmd.AddCommand(importCmd)
	rootCmd.AddCommand(outputCmd)
	rootCmd.AddCommand(showCmd)
	rootCmd.AddCommand(refreshCmd)
	rootCmd.AddCommand(graphCmd)
	rootCmd.AddCommand(taintCmd)
	rootCmd.AddCommand(untaintCmd)
	rootCmd.AddCommand(workspaceCmd)
	rootCmd.AddCommand(forceUnlockCmd)
	rootCmd.AddCommand(versionCmd)
}
