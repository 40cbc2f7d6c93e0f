package client

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"github.com/mark3labs/mcp-go/server"

	"github.com/deechat/dmcp/pkg/core"
	"github.com/deechat/dmcp/pkg/errors"
)

// MCPServerAdapter exposes a mark3labs mcp-go server as an
// InProcessServer. Requests are synthesized as JSON-RPC messages and
// pushed through the SDK's HandleMessage entry point, so tool handlers run
// exactly as they would behind a wire transport.
type MCPServerAdapter struct {
	name    string
	version string
	server  *server.MCPServer
}

var _ InProcessServer = (*MCPServerAdapter)(nil)

// NewMCPServerAdapter wraps an mcp-go server for in-process use.
func NewMCPServerAdapter(name, version string, srv *server.MCPServer) *MCPServerAdapter {
	return &MCPServerAdapter{name: name, version: version, server: srv}
}

// Name returns the implementation name.
func (a *MCPServerAdapter) Name() string { return a.name }

// Version returns the implementation version.
func (a *MCPServerAdapter) Version() string { return a.version }

// ListTools asks the wrapped server for its tool catalog.
func (a *MCPServerAdapter) ListTools(ctx context.Context) ([]core.Tool, error) {
	result, err := a.roundTrip(ctx, "tools/list", nil)
	if err != nil {
		return nil, err
	}

	var payload struct {
		Tools []core.Tool `json:"tools"`
	}
	if err := json.Unmarshal(result, &payload); err != nil {
		return nil, errors.NewProtocolError("malformed tools/list result from in-process server", err)
	}
	return payload.Tools, nil
}

// CallTool invokes one tool on the wrapped server.
func (a *MCPServerAdapter) CallTool(ctx context.Context, toolName string, args map[string]any) (any, error) {
	result, err := a.roundTrip(ctx, "tools/call", map[string]any{
		"name":      toolName,
		"arguments": args,
	})
	if err != nil {
		return nil, err
	}

	outcome, err := interpretToolResult(result)
	if err != nil {
		return nil, err
	}
	if outcome.IsError {
		return nil, errors.NewToolError(outcome.ErrorText, nil)
	}
	return outcome.Result, nil
}

// roundTrip pushes one synthesized request through the SDK and returns the
// raw result.
func (a *MCPServerAdapter) roundTrip(ctx context.Context, method string, params any) (json.RawMessage, error) {
	request := map[string]any{
		"jsonrpc": "2.0",
		"id":      uuid.NewString(),
		"method":  method,
	}
	if params != nil {
		request["params"] = params
	}
	raw, err := json.Marshal(request)
	if err != nil {
		return nil, errors.NewInternalError("failed to marshal in-process request", err)
	}

	reply := a.server.HandleMessage(ctx, raw)
	encoded, err := json.Marshal(reply)
	if err != nil {
		return nil, errors.NewProtocolError("failed to encode in-process response", err)
	}

	var response struct {
		Result json.RawMessage `json:"result"`
		Error  *struct {
			Code    int    `json:"code"`
			Message string `json:"message"`
		} `json:"error"`
	}
	if err := json.Unmarshal(encoded, &response); err != nil {
		return nil, errors.NewProtocolError("malformed in-process response", err)
	}
	if response.Error != nil {
		return nil, errors.NewProtocolError(
			fmt.Sprintf("in-process server error %d: %s", response.Error.Code, response.Error.Message), nil)
	}
	return response.Result, nil
}
