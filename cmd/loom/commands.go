package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

const defaultConfigPath = "loom.yaml"

// buildServeCmd creates the "serve" command that runs the platform.
func buildServeCmd() *cobra.Command {
	var (
		configPath string
		debug      bool
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the loom server",
		Long: `Start the loom server with every configured subsystem.

The server will:
1. Load configuration from the specified file (or loom.yaml)
2. Open the conversation, job, and task stores
3. Start the module registry, LLM router, and agent loop
4. Start the scheduler engine and the task supervisor
5. Serve the HTTP and WebSocket API

Graceful shutdown is handled on SIGINT/SIGTERM signals.`,
		Example: `  # Start with default config
  loom serve

  # Start with custom config
  loom serve --config /etc/loom/production.yaml

  # Start with debug logging
  loom serve --debug`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), configPath, debug)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", defaultConfigPath, "Path to YAML configuration file")
	cmd.Flags().BoolVarP(&debug, "debug", "d", false, "Enable debug logging (verbose output)")
	return cmd
}

// buildStatusCmd creates the "status" command, a health probe against a
// running server.
func buildStatusCmd() *cobra.Command {
	var client clientFlags
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Check the health of a running server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runStatus(cmd, client)
		},
	}
	client.register(cmd)
	return cmd
}

// buildJobsCmd creates the "jobs" command group.
func buildJobsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "jobs",
		Short: "Inspect and cancel scheduled jobs",
	}
	cmd.AddCommand(buildJobsListCmd(), buildJobsCancelCmd())
	return cmd
}

func buildJobsListCmd() *cobra.Command {
	var client clientFlags
	var includeFinished bool
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List scheduled jobs",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runJobsList(cmd, client, includeFinished)
		},
	}
	client.register(cmd)
	cmd.Flags().BoolVar(&includeFinished, "include-finished", false, "Include completed, failed, and cancelled jobs")
	return cmd
}

func buildJobsCancelCmd() *cobra.Command {
	var client clientFlags
	cmd := &cobra.Command{
		Use:   "cancel <job-id>",
		Short: "Cancel an active job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runJobsCancel(cmd, client, args[0])
		},
	}
	client.register(cmd)
	return cmd
}

// buildTasksCmd creates the "tasks" command group.
func buildTasksCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "tasks",
		Short: "Inspect long-running coding tasks",
	}
	cmd.AddCommand(buildTasksListCmd(), buildTasksLogsCmd())
	return cmd
}

func buildTasksListCmd() *cobra.Command {
	var client clientFlags
	var includeFinished bool
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List tasks",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runTasksList(cmd, client, includeFinished)
		},
	}
	client.register(cmd)
	cmd.Flags().BoolVar(&includeFinished, "include-finished", false, "Include settled tasks")
	return cmd
}

func buildTasksLogsCmd() *cobra.Command {
	var client clientFlags
	var offset int64
	var limit int
	cmd := &cobra.Command{
		Use:   "logs <task-id>",
		Short: "Read task log lines",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runTasksLogs(cmd, client, args[0], offset, limit)
		},
	}
	client.register(cmd)
	cmd.Flags().Int64Var(&offset, "offset", 0, "Line offset to read from")
	cmd.Flags().IntVar(&limit, "limit", 100, "Maximum lines to return")
	return cmd
}

// buildTokenCmd creates the "token" command that mints a development
// JWT using the jwt_secret from the config file.
func buildTokenCmd() *cobra.Command {
	var (
		configPath string
		userID     string
		name       string
		permission string
	)
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Mint a development JWT for the HTTP API",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runToken(cmd, configPath, userID, name, permission)
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", defaultConfigPath, "Path to YAML configuration file")
	cmd.Flags().StringVar(&userID, "user", "", "User id to embed in the token (required)")
	cmd.Flags().StringVar(&name, "name", "", "Display name (defaults to the user id)")
	cmd.Flags().StringVar(&permission, "permission", "user", "Permission level: guest, user, admin, owner")
	_ = cmd.MarkFlagRequired("user")
	return cmd
}

func buildVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "loom %s (commit: %s, built: %s)\n", version, commit, date)
		},
	}
}
