// Package types provides common types and interfaces for the transport package
// used in communication between the client runtime and MCP servers.
package types

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"github.com/deechat/dmcp/pkg/transport/errors"
)

// Transport defines the interface for MCP transport implementations.
// A single Transport instance carries the traffic of one server connection.
type Transport interface {
	// Connect establishes the underlying connection and moves the
	// transport to StatusConnected.
	Connect(ctx context.Context) error

	// Disconnect gracefully tears the connection down. Every pending
	// request is rejected with errors.ErrTransportClosed.
	Disconnect(ctx context.Context) error

	// IsConnected reports whether the transport is currently connected.
	IsConnected() bool

	// Status returns the current lifecycle status.
	Status() Status

	// Send writes a single framed message without waiting for a reply.
	Send(ctx context.Context, msg *JSONRPCMessage) error

	// Request sends a request and blocks until the matching response
	// arrives, the per-request timeout fires, the context is cancelled,
	// or the transport disconnects.
	Request(ctx context.Context, method string, params any) (json.RawMessage, error)

	// Notify sends a notification. Notifications carry no id and
	// receive no reply.
	Notify(ctx context.Context, method string, params any) error

	// Subscribe registers a handler for transport events. The returned
	// function removes the handler.
	Subscribe(handler EventHandler) func()

	// SetTimeout overrides the default per-request timeout.
	SetTimeout(d time.Duration)

	// SetRetryPolicy overrides the reconnect policy for transport types
	// that support reconnection.
	SetRetryPolicy(policy RetryPolicy)

	// Features reports the optional capabilities of this transport type.
	Features() Features

	// Stats returns a snapshot of the transport counters.
	Stats() Stats

	// Destroy disconnects if needed and releases all resources held by
	// the transport. A destroyed transport cannot be reused.
	Destroy(ctx context.Context) error
}

// TransportType represents the type of transport to use.
//
//nolint:revive // Intentionally named TransportType despite package name
type TransportType string

const (
	// TransportTypeStdio represents the stdio transport. The server runs
	// as a child process and messages are newline-delimited JSON.
	TransportTypeStdio TransportType = "stdio"

	// TransportTypeWebSocket represents the WebSocket transport.
	TransportTypeWebSocket TransportType = "websocket"

	// TransportTypeStreamableHTTP represents the streamable HTTP transport.
	TransportTypeStreamableHTTP TransportType = "streamableHttp"

	// TransportTypeSSE represents the legacy HTTP+SSE transport.
	TransportTypeSSE TransportType = "sse"

	// TransportTypeInMemory represents the in-memory transport used for
	// in-process servers and tests.
	TransportTypeInMemory TransportType = "inmemory"
)

// String returns the string representation of the transport type.
func (t TransportType) String() string {
	return string(t)
}

// ParseTransportType parses a string into a transport type. Matching is
// case-insensitive and accepts the common aliases seen in imported
// configuration files.
func ParseTransportType(s string) (TransportType, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "stdio":
		return TransportTypeStdio, nil
	case "websocket", "ws":
		return TransportTypeWebSocket, nil
	case "streamablehttp", "streamable-http", "streamable_http", "http":
		return TransportTypeStreamableHTTP, nil
	case "sse":
		return TransportTypeSSE, nil
	case "inmemory", "in-memory", "in_memory":
		return TransportTypeInMemory, nil
	default:
		return "", errors.ErrUnsupportedTransport
	}
}

// Features describes the optional capabilities of a transport type.
// Callers use it to decide whether notifications or reconnection can be
// relied upon for a given server.
type Features struct {
	// Streaming indicates the transport can deliver server-initiated
	// message streams.
	Streaming bool `json:"streaming"`

	// Notifications indicates the transport delivers server-to-client
	// notifications.
	Notifications bool `json:"notifications"`

	// Sessions indicates the transport negotiates a server-assigned
	// session id.
	Sessions bool `json:"sessions"`

	// Reconnect indicates the transport reconnects automatically after
	// an unexpected connection loss.
	Reconnect bool `json:"reconnect"`
}

// RetryPolicy controls automatic reconnection for transports that
// support it.
type RetryPolicy struct {
	// MaxRetries is the number of reconnect attempts before giving up.
	MaxRetries int `json:"maxRetries"`

	// InitialDelay is the delay before the first reconnect attempt.
	InitialDelay time.Duration `json:"initialDelay"`

	// MaxDelay caps the delay between attempts.
	MaxDelay time.Duration `json:"maxDelay"`

	// BackoffFactor multiplies the delay after each failed attempt.
	BackoffFactor float64 `json:"backoffFactor"`
}

// DefaultRetryPolicy returns the reconnect policy used when a server
// configuration does not specify one.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxRetries:    3,
		InitialDelay:  1 * time.Second,
		MaxDelay:      30 * time.Second,
		BackoffFactor: 2.0,
	}
}
