package transport

import (
	"fmt"

	"github.com/deechat/dmcp/pkg/auth"
	"github.com/deechat/dmcp/pkg/core"
	"github.com/deechat/dmcp/pkg/errors"
	"github.com/deechat/dmcp/pkg/logger"
	transporterrors "github.com/deechat/dmcp/pkg/transport/errors"
	"github.com/deechat/dmcp/pkg/transport/types"
)

// registration describes one transport variant to the factory.
type registration struct {
	description string
	validate    func(cfg *core.ServerConfig) error
	build       func(cfg *core.ServerConfig) (types.Transport, error)
}

// Factory builds transports from server configurations. It is the only
// component that knows every variant.
type Factory struct {
	registry map[types.TransportType]registration
}

// NewFactory creates a factory with all five variants registered.
func NewFactory() *Factory {
	f := &Factory{registry: make(map[types.TransportType]registration)}

	f.register(types.TransportTypeStdio, registration{
		description: "child process over newline-delimited JSON on stdio",
		validate: func(cfg *core.ServerConfig) error {
			if cfg.Command == "" {
				return errors.NewConfigInvalidError("stdio transport requires a command", nil)
			}
			return nil
		},
		build: func(cfg *core.ServerConfig) (types.Transport, error) {
			return NewStdioTransport(cfg.ID, cfg.Command, cfg.Args, cfg.WorkingDirectory, cfg.Env), nil
		},
	})

	f.register(types.TransportTypeWebSocket, registration{
		description: "WebSocket, one JSON-RPC message per text frame",
		validate:    validateNetworkConfig,
		build: func(cfg *core.ServerConfig) (types.Transport, error) {
			return NewWebSocketTransport(cfg.ID, cfg.URL, auth.NewProvider(cfg.Auth), cfg.AutoReconnect), nil
		},
	})

	f.register(types.TransportTypeStreamableHTTP, registration{
		description: "streamable HTTP with optional SSE response streams",
		validate:    validateNetworkConfig,
		build: func(cfg *core.ServerConfig) (types.Transport, error) {
			return NewStreamableHTTPTransport(cfg.ID, cfg.URL, cfg.Headers, auth.NewProvider(cfg.Auth)), nil
		},
	})

	f.register(types.TransportTypeSSE, registration{
		description: "legacy HTTP+SSE (deprecated)",
		validate:    validateNetworkConfig,
		build: func(cfg *core.ServerConfig) (types.Transport, error) {
			return NewSSETransport(cfg.ID, cfg.URL, cfg.Headers, auth.NewProvider(cfg.Auth)), nil
		},
	})

	f.register(types.TransportTypeInMemory, registration{
		description: "in-process broker channel",
		validate: func(cfg *core.ServerConfig) error {
			if cfg.Channel == "" && !cfg.SelfHandle {
				return errors.NewConfigInvalidError("inmemory transport requires a channel or selfHandle", nil)
			}
			return nil
		},
		build: func(cfg *core.ServerConfig) (types.Transport, error) {
			channel := cfg.Channel
			if channel == "" {
				channel = cfg.ID
			}
			return NewInMemoryTransport(cfg.ID, channel, cfg.SelfHandle), nil
		},
	})

	return f
}

func (f *Factory) register(t types.TransportType, reg registration) {
	f.registry[t] = reg
}

// Describe returns the human description of a registered variant.
func (f *Factory) Describe(t types.TransportType) (string, bool) {
	reg, ok := f.registry[t]
	if !ok {
		return "", false
	}
	return reg.description, true
}

// Create validates the configuration, builds the matching transport, and
// applies the common settings: per-request timeout, retry policy, and the
// logging bridges for error and status events.
func (f *Factory) Create(cfg *core.ServerConfig) (types.Transport, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	reg, ok := f.registry[cfg.Type]
	if !ok {
		return nil, errors.NewConfigInvalidError(
			fmt.Sprintf("no transport registered for type %q", cfg.Type),
			transporterrors.ErrUnsupportedTransport)
	}

	if err := reg.validate(cfg); err != nil {
		return nil, err
	}

	t, err := reg.build(cfg)
	if err != nil {
		return nil, err
	}

	t.SetTimeout(cfg.Timeout())
	t.SetRetryPolicy(cfg.Retry.Policy())

	serverID := cfg.ID
	t.Subscribe(func(evt types.Event) {
		switch evt.Type {
		case types.EventError:
			logger.Warnw("transport error", "server", serverID, "error", evt.Err)
		case types.EventStatusChange:
			logger.Debugw("transport status", "server", serverID, "status", evt.Status)
		}
	})

	return t, nil
}

func validateNetworkConfig(cfg *core.ServerConfig) error {
	if cfg.URL == "" {
		return errors.NewConfigInvalidError(fmt.Sprintf("%s transport requires a url", cfg.Type), nil)
	}
	return nil
}
