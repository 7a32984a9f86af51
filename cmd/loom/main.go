// Package main is the loom CLI: the serve command runs the agent
// platform, the rest talk to a running server or mint credentials.
//
// Start the server:
//
//	loom serve --config loom.yaml
//
// Inspect a running instance:
//
//	loom status
//	loom jobs list
//	loom tasks list
//
// Mint a development token:
//
//	loom token --user alice --permission admin
package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"
)

// Build information, populated by ldflags.
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	if err := buildRootCmd().Execute(); err != nil {
		slog.Error("command execution failed", "error", err)
		os.Exit(1)
	}
}

// buildRootCmd creates the root command with all subcommands attached.
// Separated from main to facilitate testing.
func buildRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "loom",
		Short: "Loom - modular AI agent platform",
		Long: `Loom runs an agent loop with pluggable tool modules, a job scheduler,
and a supervisor for long-running containerized coding tasks.`,
		Version:      fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, date),
		SilenceUsage: true,
	}

	rootCmd.AddCommand(
		buildServeCmd(),
		buildStatusCmd(),
		buildJobsCmd(),
		buildTasksCmd(),
		buildTokenCmd(),
		buildVersionCmd(),
	)
	return rootCmd
}
