// Package main provides the CLI entry point for the Marlowe assistant core.
//
// Marlowe consumes channel events from a Redis stream, runs each one
// through the conversation graph against an LLM provider, and publishes
// the assistant's responses back to the outbound stream. It also runs
// the reminder scheduler and the memory-extraction batch worker.
//
// # Basic Usage
//
// Start the core services:
//
//	marlowe serve --config marlowe.yaml
//
// Inspect the dead-letter queue:
//
//	marlowe dlq list
//	marlowe dlq requeue 1726000000000-0
//
// # Environment Variables
//
//   - MARLOWE_CONFIG: Path to configuration file
//   - ANTHROPIC_API_KEY: Anthropic API key
//   - OPENAI_API_KEY: OpenAI API key (chat and embeddings)
//   - REDIS_URL: Redis connection URL
//   - STATE_API_URL: Base URL of the state-store REST API
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var version = "dev"

func main() {
	root := &cobra.Command{
		Use:           "marlowe",
		Short:         "Marlowe personal assistant core",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.AddCommand(
		buildServeCmd(),
		buildDLQCmd(),
		buildVersionCmd(),
	)

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func buildVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Println("marlowe", version)
		},
	}
}

// resolveConfigPath applies the MARLOWE_CONFIG fallback when no flag
// was given.
func resolveConfigPath(flag string) string {
	if flag != "" {
		return flag
	}
	return os.Getenv("MARLOWE_CONFIG")
}
