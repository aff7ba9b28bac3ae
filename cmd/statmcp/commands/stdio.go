package commands

import (
	"os"

	mcpgo "github.com/mark3labs/mcp-go/server"
	"github.com/spf13/cobra"

	"github.com/statengine/statmcp/internal/app"
	"github.com/statengine/statmcp/internal/mcpserver"
)

var stdioCmd = &cobra.Command{
	Use:   "stdio",
	Short: "Serve MCP over stdin/stdout",
	Long: `Run statmcp as an MCP server speaking the Model Context Protocol over
stdin/stdout. This is the mode editors and agent clients launch.`,
	RunE: runStdio,
}

func runStdio(cmd *cobra.Command, args []string) error {
	directory, err := getWorkDir()
	if err != nil {
		return err
	}
	if logLevel != "" {
		os.Setenv("STATMCP_LOG_LEVEL", logLevel)
	}

	a, err := app.New(cmd.Context(), directory)
	if err != nil {
		return err
	}
	defer a.Shutdown()

	s := mcpserver.NewServer(a.Dispatcher)
	return mcpgo.ServeStdio(s)
}
