// Package testkit spins up HTTP test servers speaking the MCP protocol
// for transport and client tests: a streamable HTTP server with session
// tracking and a legacy SSE server with the endpoint-announcement dance.
// Both are configured through the same option set.
package testkit

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/deechat/dmcp/pkg/transport/types"
)

// TestMCPServer is the common surface the option set configures.
type TestMCPServer interface {
	SetMiddlewares(middlewares ...func(http.Handler) http.Handler) error
	AddTool(tool ToolDef) error
}

// TestMCPServerOption configures a test MCP server.
type TestMCPServerOption func(TestMCPServer) error

// ToolDef describes one tool a test server exposes. The handler receives
// the call arguments and returns the text content of the result.
type ToolDef struct {
	Name        string
	Description string
	Handler     func(args map[string]any) string
}

// WithMiddlewares configures a test MCP server with HTTP middlewares.
func WithMiddlewares(middlewares ...func(http.Handler) http.Handler) TestMCPServerOption {
	return func(s TestMCPServer) error {
		return s.SetMiddlewares(middlewares...)
	}
}

// WithTool adds a tool to the server's catalog and call dispatch.
func WithTool(name, description string, handler func(args map[string]any) string) TestMCPServerOption {
	return func(s TestMCPServer) error {
		return s.AddTool(ToolDef{Name: name, Description: description, Handler: handler})
	}
}

// dispatch produces the response payload for one MCP request, or nil for
// notifications.
func dispatch(tools map[string]ToolDef, raw []byte) ([]byte, error) {
	var msg types.JSONRPCMessage
	if err := json.Unmarshal(raw, &msg); err != nil {
		return nil, fmt.Errorf("invalid JSON-RPC payload: %w", err)
	}
	if msg.IsNotification() {
		return nil, nil
	}

	var reply *types.JSONRPCMessage
	switch msg.Method {
	case types.MethodInitialize:
		reply = mustResponse(msg.ID, map[string]any{
			"protocolVersion": types.ProtocolVersion,
			"capabilities":    map[string]any{"tools": map[string]any{}},
			"serverInfo":      map[string]any{"name": "testkit", "version": "0.0.1"},
		})

	case types.MethodPing:
		reply = mustResponse(msg.ID, map[string]any{})

	case types.MethodToolsList:
		list := make([]map[string]any, 0, len(tools))
		for _, tool := range tools {
			list = append(list, map[string]any{
				"name":        tool.Name,
				"description": tool.Description,
				"inputSchema": map[string]any{"type": "object"},
			})
		}
		reply = mustResponse(msg.ID, map[string]any{"tools": list})

	case types.MethodToolsCall:
		reply = callTool(tools, &msg)

	default:
		reply = types.NewErrorMessage(msg.ID, types.ErrCodeMethodNotFound, "method not found: "+msg.Method, nil)
	}

	return json.Marshal(reply)
}

func callTool(tools map[string]ToolDef, msg *types.JSONRPCMessage) *types.JSONRPCMessage {
	var params struct {
		Name      string         `json:"name"`
		Arguments map[string]any `json:"arguments"`
	}
	if err := json.Unmarshal(msg.Params, &params); err != nil {
		return types.NewErrorMessage(msg.ID, types.ErrCodeInvalidParams, "malformed tools/call params", nil)
	}

	tool, ok := tools[params.Name]
	if !ok {
		return types.NewErrorMessage(msg.ID, types.ErrCodeInvalidParams, "tool not found: "+params.Name, nil)
	}

	text := tool.Handler(params.Arguments)
	return mustResponse(msg.ID, map[string]any{
		"content": []map[string]any{{"type": "text", "text": text}},
	})
}

func mustResponse(id any, result any) *types.JSONRPCMessage {
	reply, err := types.NewResponseMessage(id, result)
	if err != nil {
		return types.NewErrorMessage(id, types.ErrCodeInternal, err.Error(), nil)
	}
	return reply
}
