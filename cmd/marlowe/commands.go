// commands.go contains the cobra command definitions. Each builder
// wires flags and delegates the work to a handler in serve.go or
// dlq.go.
package main

import (
	"strconv"

	"github.com/spf13/cobra"
)

func buildServeCmd() *cobra.Command {
	var (
		configPath string
		debug      bool
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the orchestrator, scheduler, and memory extractor",
		Long: `Start the Marlowe core services.

The process will:
1. Load configuration from the given file (or defaults plus environment)
2. Connect to Redis and ensure the inbound consumer group exists
3. Start the orchestrator consumers on the inbound stream
4. Start the reminder scheduler and the memory-extraction worker
5. Serve Prometheus metrics when enabled

Graceful shutdown is handled on SIGINT/SIGTERM.`,
		Example: `  # Start with defaults against localhost services
  marlowe serve

  # Start with a config file
  marlowe serve --config /etc/marlowe/production.yaml`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), resolveConfigPath(configPath), debug)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "",
		"Path to YAML configuration file")
	cmd.Flags().BoolVarP(&debug, "debug", "d", false,
		"Enable debug logging")

	return cmd
}

func buildDLQCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "dlq",
		Short: "Inspect and manage the dead-letter queue",
	}
	cmd.PersistentFlags().StringVarP(&configPath, "config", "c", "",
		"Path to YAML configuration file")

	list := &cobra.Command{
		Use:   "list",
		Short: "List dead-lettered messages",
		RunE: func(cmd *cobra.Command, args []string) error {
			count, _ := cmd.Flags().GetInt("count")
			return runDLQList(cmd.Context(), resolveConfigPath(configPath), count)
		},
	}
	list.Flags().Int("count", 20, "Maximum entries to show")

	length := &cobra.Command{
		Use:   "length",
		Short: "Print the number of dead-lettered messages",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDLQLength(cmd.Context(), resolveConfigPath(configPath))
		},
	}

	requeue := &cobra.Command{
		Use:   "requeue <id>",
		Short: "Move a dead-lettered message back onto the inbound stream",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDLQRequeue(cmd.Context(), resolveConfigPath(configPath), args[0])
		},
	}

	del := &cobra.Command{
		Use:   "delete <id>",
		Short: "Delete a dead-lettered message",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDLQDelete(cmd.Context(), resolveConfigPath(configPath), args[0])
		},
	}

	cmd.AddCommand(list, length, requeue, del)
	return cmd
}

// formatUserID renders the optional user id on a DLQ entry.
func formatUserID(userID *int64) string {
	if userID == nil {
		return "-"
	}
	return strconv.FormatInt(*userID, 10)
}
