package client

import (
	"context"
	"fmt"
	"sync"

	"github.com/deechat/dmcp/pkg/core"
	"github.com/deechat/dmcp/pkg/errors"
	"github.com/deechat/dmcp/pkg/transport/types"
)

// InProcessServer is a server implementation living inside the application
// process. The supervisor wraps registered instances in a Client so the
// rest of the runtime cannot tell them apart from wire-backed servers.
type InProcessServer interface {
	// Name returns the implementation name reported as serverInfo.
	Name() string

	// Version returns the implementation version.
	Version() string

	// ListTools returns the server's tool catalog.
	ListTools(ctx context.Context) ([]core.Tool, error)

	// CallTool invokes one tool. Tool failures are returned as errors and
	// surfaced to callers as failed outcomes.
	CallTool(ctx context.Context, toolName string, args map[string]any) (any, error)
}

// inProcessRegistry maps server ids to registered in-process servers.
var inProcessRegistry = struct {
	mu      sync.RWMutex
	servers map[string]InProcessServer
}{servers: make(map[string]InProcessServer)}

// RegisterInProcessServer makes an in-process server available under a
// server id. Registering the same id twice replaces the previous entry.
func RegisterInProcessServer(serverID string, server InProcessServer) {
	inProcessRegistry.mu.Lock()
	defer inProcessRegistry.mu.Unlock()
	inProcessRegistry.servers[serverID] = server
}

// UnregisterInProcessServer removes a registered in-process server.
func UnregisterInProcessServer(serverID string) {
	inProcessRegistry.mu.Lock()
	defer inProcessRegistry.mu.Unlock()
	delete(inProcessRegistry.servers, serverID)
}

// LookupInProcessServer returns the in-process server registered under a
// server id, if any.
func LookupInProcessServer(serverID string) (InProcessServer, bool) {
	inProcessRegistry.mu.RLock()
	defer inProcessRegistry.mu.RUnlock()
	server, ok := inProcessRegistry.servers[serverID]
	return server, ok
}

// inProcessClient adapts an InProcessServer to the Client interface. There
// is no wire underneath: calls are direct function calls, stats stay zero,
// and events are limited to connect/disconnect.
type inProcessClient struct {
	serverID   string
	serverName string
	server     InProcessServer

	mu        sync.Mutex
	connected bool

	handlerMu sync.Mutex
	nextID    int64
	handlers  map[int64]types.EventHandler
}

// NewInProcess creates a Client serving a registered in-process server.
func NewInProcess(cfg *core.ServerConfig, server InProcessServer) Client {
	return &inProcessClient{
		serverID:   cfg.ID,
		serverName: cfg.Name,
		server:     server,
		handlers:   make(map[int64]types.EventHandler),
	}
}

func (c *inProcessClient) ID() string { return c.serverID }

func (c *inProcessClient) Connect(_ context.Context) error {
	c.mu.Lock()
	c.connected = true
	c.mu.Unlock()
	c.emit(types.Event{Type: types.EventConnect})
	return nil
}

func (c *inProcessClient) Close(_ context.Context) error {
	c.mu.Lock()
	wasConnected := c.connected
	c.connected = false
	c.mu.Unlock()
	if wasConnected {
		c.emit(types.Event{Type: types.EventDisconnect})
	}
	return nil
}

func (c *inProcessClient) IsConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}

func (c *inProcessClient) ServerInfo() core.ServerInfo {
	return core.ServerInfo{Name: c.server.Name(), Version: c.server.Version()}
}

func (c *inProcessClient) Capabilities() core.ServerCapabilities {
	return core.ServerCapabilities{Tools: []byte(`{}`)}
}

func (c *inProcessClient) ListTools(ctx context.Context) ([]core.Tool, error) {
	if !c.IsConnected() {
		return nil, errors.NewTransportUnavailableError(
			fmt.Sprintf("in-process server %s is closed", c.serverID), nil)
	}
	tools, err := c.server.ListTools(ctx)
	if err != nil {
		return nil, err
	}
	for i := range tools {
		tools[i].Decorate(c.serverID, c.serverName)
	}
	return tools, nil
}

func (c *inProcessClient) CallTool(ctx context.Context, toolName string, args map[string]any) (*ToolOutcome, error) {
	if !c.IsConnected() {
		return nil, errors.NewTransportUnavailableError(
			fmt.Sprintf("in-process server %s is closed", c.serverID), nil)
	}
	result, err := c.server.CallTool(ctx, toolName, args)
	if err != nil {
		if errors.IsTool(err) {
			return &ToolOutcome{IsError: true, ErrorText: err.Error()}, nil
		}
		return nil, err
	}
	return &ToolOutcome{Result: result}, nil
}

func (c *inProcessClient) ListResources(_ context.Context) ([]core.Resource, error) {
	return nil, nil
}

func (c *inProcessClient) ReadResource(_ context.Context, uri string) ([]core.ResourceContents, error) {
	return nil, errors.NewProtocolError(fmt.Sprintf("in-process server %s has no resources; cannot read %s", c.serverID, uri), nil)
}

func (c *inProcessClient) Ping(_ context.Context) error {
	if !c.IsConnected() {
		return errors.NewTransportUnavailableError(
			fmt.Sprintf("in-process server %s is closed", c.serverID), nil)
	}
	return nil
}

func (*inProcessClient) Stats() types.Stats { return types.Stats{} }

func (c *inProcessClient) Subscribe(handler types.EventHandler) func() {
	c.handlerMu.Lock()
	c.nextID++
	id := c.nextID
	c.handlers[id] = handler
	c.handlerMu.Unlock()

	return func() {
		c.handlerMu.Lock()
		delete(c.handlers, id)
		c.handlerMu.Unlock()
	}
}

func (c *inProcessClient) emit(evt types.Event) {
	c.handlerMu.Lock()
	handlers := make([]types.EventHandler, 0, len(c.handlers))
	for _, h := range c.handlers {
		handlers = append(handlers, h)
	}
	c.handlerMu.Unlock()

	for _, h := range handlers {
		h(evt)
	}
}
