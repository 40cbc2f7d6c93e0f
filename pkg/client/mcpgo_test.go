package client

import (
	"context"
	"testing"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/deechat/dmcp/pkg/core"
	"github.com/deechat/dmcp/pkg/errors"
)

func newGreeterAdapter(t *testing.T) *MCPServerAdapter {
	t.Helper()

	mcpServer := server.NewMCPServer("greeter", "1.0.0")
	mcpServer.AddTool(
		mcp.NewTool("greet",
			mcp.WithDescription("Greets the caller"),
			mcp.WithString("name", mcp.Required()),
		),
		func(_ context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
			name := request.GetString("name", "there")
			return &mcp.CallToolResult{
				Content: []mcp.Content{mcp.NewTextContent("hello " + name)},
			}, nil
		},
	)
	mcpServer.AddTool(
		mcp.NewTool("fail",
			mcp.WithDescription("Always fails"),
		),
		func(_ context.Context, _ mcp.CallToolRequest) (*mcp.CallToolResult, error) {
			return &mcp.CallToolResult{
				IsError: true,
				Content: []mcp.Content{mcp.NewTextContent("it broke")},
			}, nil
		},
	)

	return NewMCPServerAdapter("greeter", "1.0.0", mcpServer)
}

func TestMCPServerAdapterListTools(t *testing.T) {
	t.Parallel()

	adapter := newGreeterAdapter(t)
	tools, err := adapter.ListTools(context.Background())
	require.NoError(t, err)
	require.Len(t, tools, 2)

	names := []string{tools[0].Name, tools[1].Name}
	assert.ElementsMatch(t, []string{"greet", "fail"}, names)
}

func TestMCPServerAdapterCallTool(t *testing.T) {
	t.Parallel()

	adapter := newGreeterAdapter(t)
	result, err := adapter.CallTool(context.Background(), "greet", map[string]any{"name": "dee"})
	require.NoError(t, err)
	assert.Equal(t, "hello dee", result)
}

func TestMCPServerAdapterToolFailure(t *testing.T) {
	t.Parallel()

	adapter := newGreeterAdapter(t)
	_, err := adapter.CallTool(context.Background(), "fail", nil)
	require.Error(t, err)
	assert.True(t, errors.IsTool(err), "expected tool kind, got %v", err)
	assert.Contains(t, err.Error(), "it broke")
}

func TestMCPServerAdapterBehindInProcessClient(t *testing.T) {
	t.Parallel()

	adapter := newGreeterAdapter(t)
	c := NewInProcess(&core.ServerConfig{ID: "adapter-srv", Name: "greeter server"}, adapter)
	require.NoError(t, c.Connect(context.Background()))
	t.Cleanup(func() { _ = c.Close(context.Background()) })

	outcome, err := c.CallTool(context.Background(), "greet", map[string]any{"name": "dee"})
	require.NoError(t, err)
	assert.False(t, outcome.IsError)
	assert.Equal(t, "hello dee", outcome.Result)
}
