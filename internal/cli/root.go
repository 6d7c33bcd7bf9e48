// Package cli implements the toolgate command line.
package cli

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/i2y/toolgate/configs"
)

var rootCmd = &cobra.Command{
	Use:   "toolgate",
	Short: "Tool invocation gateway",
	Long: `toolgate publishes origin APIs and MCP servers as metered tools.
It authenticates callers, enforces plans and rate limits, caches pure results
and records usage for billing.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

// Execute runs the root command.
func Execute(version string) {
	rootCmd.Version = version

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func newLogger(cfg *configs.Config) *slog.Logger {
	level := cfg.ParsedLogLevel()
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)
	logger.Info("Logger initialized.", slog.String("level", level.String()))
	return logger
}
