// Package client implements the MCP protocol session layer on top of a
// transport: the initialize handshake, tool and resource operations, and
// the in-process variant that serves a server from inside the application
// process without a wire transport.
package client

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/deechat/dmcp/pkg/core"
	"github.com/deechat/dmcp/pkg/errors"
	"github.com/deechat/dmcp/pkg/logger"
	"github.com/deechat/dmcp/pkg/transport/types"
	"github.com/deechat/dmcp/pkg/versions"
)

//go:generate mockgen -destination mocks/mock_client.go -package mocks -source client.go Client

// Client is one protocol session with one MCP server. Implementations are
// either transport-backed or in-process.
type Client interface {
	// ID returns the server id this session belongs to.
	ID() string

	// Connect establishes the session: transport connect plus the
	// initialize handshake.
	Connect(ctx context.Context) error

	// Close tears the session down and releases its resources.
	Close(ctx context.Context) error

	// IsConnected reports whether the session is usable.
	IsConnected() bool

	// ServerInfo returns the identity the server reported during
	// initialize. Zero value before Connect.
	ServerInfo() core.ServerInfo

	// Capabilities returns the capability set the server reported during
	// initialize.
	Capabilities() core.ServerCapabilities

	// ListTools fetches the server's tool catalog.
	ListTools(ctx context.Context) ([]core.Tool, error)

	// CallTool invokes one tool and returns the interpreted outcome.
	// Tool-level failures come back as an outcome with IsError set, not
	// as a returned error.
	CallTool(ctx context.Context, toolName string, args map[string]any) (*ToolOutcome, error)

	// ListResources fetches the server's resource catalog.
	ListResources(ctx context.Context) ([]core.Resource, error)

	// ReadResource reads one resource by URI.
	ReadResource(ctx context.Context, uri string) ([]core.ResourceContents, error)

	// Ping probes liveness.
	Ping(ctx context.Context) error

	// Stats returns the transport counters for this session. In-process
	// sessions report zeroes.
	Stats() types.Stats

	// Subscribe registers a handler for session events. The returned
	// function removes the handler.
	Subscribe(handler types.EventHandler) func()
}

// ToolOutcome is the interpreted result of one tools/call exchange.
type ToolOutcome struct {
	// Result is the decoded payload: the text of a single text content
	// block, the joined text of several, a legacy toolResult value, or
	// the raw result object.
	Result any

	// IsError reflects the result's isError flag.
	IsError bool

	// ErrorText carries the failure text when IsError is set.
	ErrorText string
}

// mcpClient is the transport-backed Client.
type mcpClient struct {
	serverID   string
	serverName string
	transport  types.Transport

	mu           sync.Mutex
	initialized  bool
	serverInfo   core.ServerInfo
	capabilities core.ServerCapabilities
}

// New creates a transport-backed client for one server.
func New(cfg *core.ServerConfig, transport types.Transport) Client {
	return &mcpClient{
		serverID:   cfg.ID,
		serverName: cfg.Name,
		transport:  transport,
	}
}

func (c *mcpClient) ID() string { return c.serverID }

// Connect brings the transport up and runs the initialize handshake:
// initialize request, capability capture, then the initialized
// notification.
func (c *mcpClient) Connect(ctx context.Context) error {
	if err := c.transport.Connect(ctx); err != nil {
		return err
	}

	info := versions.GetVersionInfo()
	result, err := c.transport.Request(ctx, types.MethodInitialize, map[string]any{
		"protocolVersion": types.ProtocolVersion,
		"capabilities":    map[string]any{},
		"clientInfo": map[string]any{
			"name":    versions.ClientName,
			"version": info.Version,
		},
	})
	if err != nil {
		_ = c.transport.Disconnect(ctx)
		return fmt.Errorf("initialize failed for server %s: %w", c.serverID, err)
	}

	var init struct {
		ProtocolVersion string                  `json:"protocolVersion"`
		Capabilities    core.ServerCapabilities `json:"capabilities"`
		ServerInfo      core.ServerInfo         `json:"serverInfo"`
	}
	if err := json.Unmarshal(result, &init); err != nil {
		_ = c.transport.Disconnect(ctx)
		return errors.NewProtocolError("malformed initialize result", err)
	}
	if init.ProtocolVersion != types.ProtocolVersion {
		logger.Debugw("server negotiated a different protocol revision",
			"server", c.serverID, "client", types.ProtocolVersion, "server_revision", init.ProtocolVersion)
	}

	c.mu.Lock()
	c.serverInfo = init.ServerInfo
	c.capabilities = init.Capabilities
	c.initialized = true
	c.mu.Unlock()

	if err := c.transport.Notify(ctx, types.NotificationInitialized, nil); err != nil {
		logger.Warnw("failed to send initialized notification", "server", c.serverID, "error", err)
	}

	logger.Infow("session established",
		"server", c.serverID, "remote", init.ServerInfo.Name, "remoteVersion", init.ServerInfo.Version)
	return nil
}

func (c *mcpClient) Close(ctx context.Context) error {
	c.mu.Lock()
	c.initialized = false
	c.mu.Unlock()
	return c.transport.Destroy(ctx)
}

func (c *mcpClient) IsConnected() bool {
	c.mu.Lock()
	initialized := c.initialized
	c.mu.Unlock()
	return initialized && c.transport.IsConnected()
}

func (c *mcpClient) ServerInfo() core.ServerInfo {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.serverInfo
}

func (c *mcpClient) Capabilities() core.ServerCapabilities {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.capabilities
}

func (c *mcpClient) ListTools(ctx context.Context) ([]core.Tool, error) {
	result, err := c.transport.Request(ctx, types.MethodToolsList, nil)
	if err != nil {
		return nil, err
	}

	var payload struct {
		Tools []core.Tool `json:"tools"`
	}
	if err := json.Unmarshal(result, &payload); err != nil {
		return nil, errors.NewProtocolError("malformed tools/list result", err)
	}

	for i := range payload.Tools {
		payload.Tools[i].Decorate(c.serverID, c.serverName)
	}
	return payload.Tools, nil
}

func (c *mcpClient) CallTool(ctx context.Context, toolName string, args map[string]any) (*ToolOutcome, error) {
	params := map[string]any{"name": toolName}
	if args != nil {
		params["arguments"] = args
	}

	result, err := c.transport.Request(ctx, types.MethodToolsCall, params)
	if err != nil {
		return nil, err
	}
	return interpretToolResult(result)
}

func (c *mcpClient) ListResources(ctx context.Context) ([]core.Resource, error) {
	result, err := c.transport.Request(ctx, types.MethodResourcesList, nil)
	if err != nil {
		return nil, err
	}

	var payload struct {
		Resources []core.Resource `json:"resources"`
	}
	if err := json.Unmarshal(result, &payload); err != nil {
		return nil, errors.NewProtocolError("malformed resources/list result", err)
	}
	for i := range payload.Resources {
		payload.Resources[i].ServerID = c.serverID
	}
	return payload.Resources, nil
}

func (c *mcpClient) ReadResource(ctx context.Context, uri string) ([]core.ResourceContents, error) {
	result, err := c.transport.Request(ctx, types.MethodResourcesRead, map[string]any{"uri": uri})
	if err != nil {
		return nil, err
	}

	var payload struct {
		Contents []core.ResourceContents `json:"contents"`
	}
	if err := json.Unmarshal(result, &payload); err != nil {
		return nil, errors.NewProtocolError("malformed resources/read result", err)
	}
	return payload.Contents, nil
}

func (c *mcpClient) Ping(ctx context.Context) error {
	_, err := c.transport.Request(ctx, types.MethodPing, nil)
	return err
}

func (c *mcpClient) Stats() types.Stats {
	return c.transport.Stats()
}

func (c *mcpClient) Subscribe(handler types.EventHandler) func() {
	return c.transport.Subscribe(handler)
}

// interpretToolResult decodes a tools/call result into a ToolOutcome.
// Content arrays collapse to their text; results without a content array
// (servers predating the content shape report a bare toolResult object)
// pass through as-is.
func interpretToolResult(raw json.RawMessage) (*ToolOutcome, error) {
	var result struct {
		IsError bool `json:"isError"`
		Content []struct {
			Type string `json:"type"`
			Text string `json:"text"`
		} `json:"content"`
	}
	if err := json.Unmarshal(raw, &result); err != nil {
		return nil, errors.NewProtocolError("malformed tools/call result", err)
	}

	outcome := &ToolOutcome{IsError: result.IsError}

	switch {
	case len(result.Content) == 1 && result.Content[0].Type == "text":
		outcome.Result = result.Content[0].Text
	case len(result.Content) > 0:
		texts := make([]string, 0, len(result.Content))
		for _, block := range result.Content {
			if block.Type == "text" {
				texts = append(texts, block.Text)
			}
		}
		outcome.Result = texts
	default:
		var generic map[string]any
		if err := json.Unmarshal(raw, &generic); err == nil {
			outcome.Result = generic
		}
	}

	if outcome.IsError {
		if text, ok := outcome.Result.(string); ok {
			outcome.ErrorText = text
		} else {
			outcome.ErrorText = "tool reported an error"
		}
	}
	return outcome, nil
}
