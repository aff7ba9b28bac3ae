package mcpserver

import (
	"context"
	"testing"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/statengine/statmcp/internal/dispatch"
	"github.com/statengine/statmcp/internal/engine"
	"github.com/statengine/statmcp/internal/engine/enginetest"
	"github.com/statengine/statmcp/internal/event"
	"github.com/statengine/statmcp/internal/pool"
	"github.com/statengine/statmcp/internal/warmup"
	"github.com/statengine/statmcp/pkg/types"
)

func newTestDispatcher(t *testing.T) *dispatch.Dispatcher {
	t.Helper()

	launcher := enginetest.NewLauncher()
	bus := event.NewBus()
	p, err := pool.New(launcher, "fake", t.TempDir(), pool.DefaultPolicy(), bus,
		pool.WithFs(afero.NewMemMapFs()))
	require.NoError(t, err)

	guard := warmup.NewGuard(true)
	require.NoError(t, guard.Run(context.Background(), func() error { return nil }))

	t.Cleanup(func() {
		p.Shutdown()
		bus.Close()
	})

	profile := engine.Profile{Name: "fake", Marker: "echo %s", RunFile: "run %q"}
	cfg := types.DispatchConfig{CommandTimeoutMs: 2000, FileTimeoutMs: 5000}
	return dispatch.New(p, guard, profile, cfg, bus)
}

func callTool(t *testing.T, s *server.MCPServer, name string, args map[string]any) *mcp.CallToolResult {
	t.Helper()
	tool := s.GetTool(name)
	require.NotNil(t, tool, "%s tool should exist", name)

	request := mcp.CallToolRequest{}
	request.Params.Name = name
	request.Params.Arguments = args

	result, err := tool.Handler(context.Background(), request)
	require.NoError(t, err)
	require.NotNil(t, result)
	return result
}

func textOf(t *testing.T, result *mcp.CallToolResult) string {
	t.Helper()
	require.Len(t, result.Content, 1)
	content, ok := result.Content[0].(mcp.TextContent)
	require.True(t, ok, "content should be text")
	return content.Text
}

func TestServerExposesAllTools(t *testing.T) {
	s := NewServer(newTestDispatcher(t))

	for _, name := range []string{types.ToolRunCommand, types.ToolRunSelection, types.ToolRunFile} {
		tool := s.GetTool(name)
		require.NotNil(t, tool, "%s tool should exist", name)
		assert.Equal(t, name, tool.Tool.Name)
	}
}

func TestRunCommandTool(t *testing.T) {
	s := NewServer(newTestDispatcher(t))

	result := callTool(t, s, types.ToolRunCommand, map[string]any{
		"command":   "let v = 6 * 7",
		"sessionId": "calc",
	})
	assert.False(t, result.IsError)

	result = callTool(t, s, types.ToolRunCommand, map[string]any{
		"command":   "show v",
		"sessionId": "calc",
	})
	assert.False(t, result.IsError)
	assert.Equal(t, "42", textOf(t, result))
}

func TestRunCommandToolReportsGeneratedSession(t *testing.T) {
	s := NewServer(newTestDispatcher(t))

	result := callTool(t, s, types.ToolRunCommand, map[string]any{
		"command": "show v",
	})
	assert.False(t, result.IsError)
	assert.Contains(t, textOf(t, result), "[sessionId: s-")
}

func TestRunCommandToolMissingArgument(t *testing.T) {
	s := NewServer(newTestDispatcher(t))

	result := callTool(t, s, types.ToolRunCommand, map[string]any{})
	assert.True(t, result.IsError)
	assert.Contains(t, textOf(t, result), "command argument is required")
}

func TestRunCommandToolInterpreterError(t *testing.T) {
	s := NewServer(newTestDispatcher(t))

	result := callTool(t, s, types.ToolRunCommand, map[string]any{
		"command":   "fail 101",
		"sessionId": "calc",
	})
	assert.True(t, result.IsError)
	assert.Contains(t, textOf(t, result), "101")
}

func TestRunFileTool(t *testing.T) {
	s := NewServer(newTestDispatcher(t))

	result := callTool(t, s, types.ToolRunFile, map[string]any{
		"path":      "/data/analysis.do",
		"sessionId": "files",
	})
	assert.False(t, result.IsError)
	assert.Equal(t, `ran: run "/data/analysis.do"`, textOf(t, result))
}
