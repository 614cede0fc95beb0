// ABOUTME: Entry point for the coven-supervisor agent orchestrator
// ABOUTME: Defines the cobra root command and config path resolution

package main

import (
	"context"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/spf13/cobra"
)

// Version is set by goreleaser at build time.
var version = "dev"

// configPath is set by the --config flag.
var configPath string

var rootCmd = &cobra.Command{
	Use:   "coven-supervisor",
	Short: "Multi-agent supervisor for tool-using specialists",
	Long: `coven-supervisor routes each user request to specialist agents, lets them
call tools through authenticated gateway endpoints, and answers with one
combined response. Sessions and the tool invocation trail are kept in a
local SQLite database.`,
	SilenceUsage: true,
}

// getConfigPath returns the path to the supervisor config file.
// Priority: --config flag > COVEN_SUPERVISOR_CONFIG env var >
// XDG_CONFIG_HOME/coven/supervisor.yaml > ~/.config/coven/supervisor.yaml
func getConfigPath() string {
	if configPath != "" {
		return configPath
	}
	if envPath := os.Getenv("COVEN_SUPERVISOR_CONFIG"); envPath != "" {
		return envPath
	}

	configDir := os.Getenv("XDG_CONFIG_HOME")
	if configDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "supervisor.yaml" // fallback
		}
		configDir = filepath.Join(homeDir, ".config")
	}

	return filepath.Join(configDir, "coven", "supervisor.yaml")
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "config file (default $COVEN_SUPERVISOR_CONFIG or ~/.config/coven/supervisor.yaml)")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(askCmd)
	rootCmd.AddCommand(toolsCmd)
	rootCmd.AddCommand(versionCmd)
}

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		cancel()
		os.Exit(1)
	}
}
