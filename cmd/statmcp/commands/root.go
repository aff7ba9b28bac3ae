// Package commands provides the CLI commands for statmcp.
package commands

import (
	"fmt"
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
)

var (
	// Version information set at build time
	Version   = "0.1.0"
	BuildTime = "dev"
)

// Global flags
var (
	logLevel string
	workDir  string
)

var rootCmd = &cobra.Command{
	Use:   "statmcp",
	Short: "statmcp - pooled statistical interpreter sessions over MCP and HTTP",
	Long: `statmcp keeps a pool of persistent statistical interpreter sessions and
exposes run_command, run_selection and run_file tool calls against them.

Run 'statmcp serve' to start the HTTP server, or 'statmcp stdio' to speak
MCP over stdin/stdout for editor integration.`,
	Version: Version,
	Run: func(cmd *cobra.Command, args []string) {
		cmd.Help()
	},
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		// A .env in the working directory feeds the STATMCP_* overrides.
		_ = godotenv.Load()
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "Log level (debug|info|warn|error)")
	rootCmd.PersistentFlags().StringVar(&workDir, "directory", "", "Working directory")

	rootCmd.SetVersionTemplate(fmt.Sprintf("statmcp %s (%s)\n", Version, BuildTime))

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(stdioCmd)
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}

// getWorkDir returns the working directory from flag or current directory.
func getWorkDir() (string, error) {
	if workDir != "" {
		return workDir, nil
	}
	return os.Getwd()
}
