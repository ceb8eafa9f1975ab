// Package main provides the entry point for the project initializer: the
// REST API server, the initialization worker and operator commands.
package main

import (
	"fmt"
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
)

var (
	configPath string
	inMemory   bool
)

var rootCmd = &cobra.Command{
	Use:   "initd",
	Short: "Project initialization service",
	Long: `initd creates a project's Git repository, pushes its template, records it in the
database and configures GitOps, resuming from the last completed step after failures.

Configuration is read from an optional JSON file (--config), then environment
variables, then built-in defaults.`,
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "Path to config.json file")
	rootCmd.PersistentFlags().BoolVar(&inMemory, "in-memory", false, "Use in-process stores instead of PostgreSQL (development only)")
}

func main() {
	// Load .env file if it exists
	_ = godotenv.Load()

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
