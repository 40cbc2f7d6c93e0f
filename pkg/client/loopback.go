package client

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/deechat/dmcp/pkg/core"
	"github.com/deechat/dmcp/pkg/errors"
	"github.com/deechat/dmcp/pkg/versions"
)

// LoopbackToolName is the single tool the built-in loopback server
// exposes.
const LoopbackToolName = "test-tool"

// LoopbackServer is the built-in in-process server used for selfHandle
// configurations: a single echo tool, no resources. It mirrors the
// responder the in-memory transport attaches on the wire side, so a
// server looks the same whichever path serves it.
type LoopbackServer struct{}

var _ InProcessServer = (*LoopbackServer)(nil)

// NewLoopbackServer creates the built-in loopback server.
func NewLoopbackServer() *LoopbackServer { return &LoopbackServer{} }

// Name returns the implementation name.
func (*LoopbackServer) Name() string { return "loopback" }

// Version returns the runtime version.
func (*LoopbackServer) Version() string { return versions.Version }

// ListTools returns the single echo tool.
func (*LoopbackServer) ListTools(_ context.Context) ([]core.Tool, error) {
	schema, _ := json.Marshal(map[string]any{
		"type": "object",
		"properties": map[string]any{
			"input": map[string]any{"type": "string"},
		},
	})
	return []core.Tool{{
		Name:        LoopbackToolName,
		Description: "Echoes its input back, prefixed",
		InputSchema: schema,
	}}, nil
}

// CallTool echoes the input argument back, prefixed.
func (*LoopbackServer) CallTool(_ context.Context, toolName string, args map[string]any) (any, error) {
	if toolName != LoopbackToolName {
		return nil, errors.NewToolError(fmt.Sprintf("unknown tool: %s", toolName), nil)
	}
	input, _ := args["input"].(string)
	return map[string]any{"toolResult": "Processed: " + input}, nil
}
