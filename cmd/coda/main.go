// Package main provides the CLI entry point for the coda assistant core.
//
// Coda runs the event bus, skill registry, task scheduler, alert router,
// and subagent manager behind a single long-running process.
//
// # Basic Usage
//
// Start the server:
//
//	coda serve --config coda.yaml
//
// # Environment Variables
//
//   - CODA_CONFIG: Path to configuration file (default: coda.yaml)
//   - ANTHROPIC_API_KEY: Anthropic API key
//   - OPENAI_API_KEY: OpenAI API key
//   - SLACK_BOT_TOKEN: Slack bot OAuth token
//   - DISCORD_BOT_TOKEN: Discord bot token
//   - TELEGRAM_BOT_TOKEN: Telegram bot token
package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"
)

// Build information - populated by ldflags during build.
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

	rootCmd := buildRootCmd()
	if err := rootCmd.Execute(); err != nil {
		slog.Error("command execution failed", "error", err)
		os.Exit(1)
	}
}

func buildRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:          "coda",
		Short:        "Coda - personal assistant core",
		Long:         "Coda runs the assistant core: event bus, skills, scheduler, alerts, and subagents.",
		Version:      fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, date),
		SilenceUsage: true,
	}

	rootCmd.AddCommand(
		buildServeCmd(),
		buildCheckCmd(),
	)
	return rootCmd
}

func resolveConfigPath(path string) string {
	if path != "" {
		return path
	}
	if env := os.Getenv("CODA_CONFIG"); env != "" {
		return env
	}
	return "coda.yaml"
}
