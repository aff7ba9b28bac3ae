// Package mcpserver exposes the interpreter tools over the Model Context
// Protocol, for editor and agent clients speaking MCP over stdio.
package mcpserver

import (
	"context"
	"fmt"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/statengine/statmcp/internal/dispatch"
	"github.com/statengine/statmcp/pkg/types"
)

// NewServer creates an MCP server exposing run_command, run_selection and
// run_file, all backed by the dispatcher.
func NewServer(d *dispatch.Dispatcher) *server.MCPServer {
	s := server.NewMCPServer(
		"statmcp",
		"1.0.0",
		server.WithToolCapabilities(true),
	)

	s.AddTool(newTool(types.ToolRunCommand,
		"Run a single interpreter command in a persistent session and return its output",
		"command", "Command text to execute",
	), handler(d, types.ToolRunCommand, "command"))

	s.AddTool(newTool(types.ToolRunSelection,
		"Run a selected block of interpreter code in a persistent session and return its output",
		"selection", "Code block to execute",
	), handler(d, types.ToolRunSelection, "selection"))

	s.AddTool(newTool(types.ToolRunFile,
		"Run a script file in a persistent session, with relative paths resolved against the script's directory",
		"path", "Path to the script file",
	), handler(d, types.ToolRunFile, "path"))

	return s
}

// newTool builds one tool definition: the tool-specific required argument
// plus the session arguments shared by all three tools.
func newTool(name, description, param, paramDescription string) mcp.Tool {
	opts := []mcp.ToolOption{
		mcp.WithDescription(description),
		mcp.WithString(param,
			mcp.Required(),
			mcp.Description(paramDescription),
		),
		mcp.WithString("sessionId",
			mcp.Description("Session to run in; omit to start a fresh one (the result reports its id)"),
		),
		mcp.WithNumber("timeoutMs",
			mcp.Description("Timeout in milliseconds; defaults depend on the tool"),
		),
		mcp.WithBoolean("graphics",
			mcp.Description("Set when the call produces graphics output"),
		),
	}
	return mcp.NewTool(name, opts...)
}

// handler adapts one MCP tool call onto the dispatcher.
func handler(d *dispatch.Dispatcher, tool, paramName string) server.ToolHandlerFunc {
	return func(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		args := request.GetArguments()

		value, ok := args[paramName].(string)
		if !ok || value == "" {
			return mcp.NewToolResultError(fmt.Sprintf("%s argument is required", paramName)), nil
		}

		req := types.ToolRequest{
			Tool:   tool,
			Params: map[string]string{paramName: value},
		}
		if id, ok := args["sessionId"].(string); ok {
			req.SessionID = id
		}
		if ms, ok := args["timeoutMs"].(float64); ok {
			req.TimeoutMs = int(ms)
		}
		if graphics, ok := args["graphics"].(bool); ok && graphics {
			req.Params["graphics"] = "true"
		}

		resp := d.Dispatch(ctx, req)
		if resp.Status != types.StatusSuccess {
			return mcp.NewToolResultError(resp.Message), nil
		}

		text := resp.Result
		if req.SessionID == "" {
			// The caller did not name a session; report the generated id so
			// follow-up calls can continue where this one left off.
			text = fmt.Sprintf("%s\n\n[sessionId: %s]", text, resp.SessionID)
		}
		return mcp.NewToolResultText(text), nil
	}
}
