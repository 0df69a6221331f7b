// Cutoverd routes traffic between a legacy and a replacement generation
// service and rolls the migration back when the replacement misbehaves.
//
// Configuration is loaded from ~/.config/cutover/config.yaml and CUTOVER_
// environment variables. See internal/config for details.
//
// Usage:
//
//	# Start the daemon with the default config file
//	cutoverd
//
//	# Route a quarter of the traffic to the replacement
//	CUTOVER_MIGRATION_NEW_SYSTEM_PERCENTAGE=25 cutoverd
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
)

// Version information (set via ldflags during build)
var (
	version   = "dev"
	gitCommit = "unknown"
	buildDate = "unknown"
)

var (
	configPath  string
	watchConfig bool
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "cutoverd: %v\n", err)
		stop()
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "cutoverd",
	Short: "Gradual migration router with automatic rollback",
	Long: `cutoverd serves requests from the legacy or the replacement system
according to the configured percentage, forced identifiers and manual override.
Canary runs execute both systems and compare their outputs. A circuit breaker
and the rollback manager return all traffic to legacy when the replacement
misbehaves.`,
	SilenceUsage: true,
	RunE: func(cmd *cobra.Command, _ []string) error {
		return run(cmd.Context(), configPath, watchConfig)
	},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Show version information",
	Run: func(cmd *cobra.Command, _ []string) {
		printVersion(cmd)
	},
}

func init() {
	rootCmd.Flags().StringVar(&configPath, "config", "", "config file (default ~/.config/cutover/config.yaml)")
	rootCmd.Flags().BoolVar(&watchConfig, "watch", true, "reload routing settings when the config file changes")
	rootCmd.AddCommand(versionCmd)
}

// printVersion prints version information
func printVersion(cmd *cobra.Command) {
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "cutoverd by Fyrsmith Labs\n")
	fmt.Fprintf(out, "Version:    %s\n", version)
	fmt.Fprintf(out, "Commit:     %s\n", gitCommit)
	fmt.Fprintf(out, "Build Date: %s\n", buildDate)
}
