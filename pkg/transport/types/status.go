package types

import "time"

// Status represents the lifecycle state of a transport.
type Status string

const (
	// StatusDisconnected means the transport has no connection.
	StatusDisconnected Status = "disconnected"

	// StatusConnecting means a connection attempt is in progress.
	StatusConnecting Status = "connecting"

	// StatusConnected means the transport is ready to carry traffic.
	StatusConnected Status = "connected"

	// StatusDisconnecting means a graceful shutdown is in progress.
	StatusDisconnecting Status = "disconnecting"

	// StatusError means the last connection attempt or the connection
	// itself failed.
	StatusError Status = "error"
)

// String returns the string representation of the status.
func (s Status) String() string {
	return string(s)
}

// Stats is a point-in-time snapshot of the transport counters.
type Stats struct {
	// MessagesSent counts outbound requests and notifications.
	MessagesSent uint64 `json:"messagesSent"`

	// MessagesReceived counts inbound responses and notifications.
	MessagesReceived uint64 `json:"messagesReceived"`

	// BytesSent counts outbound payload bytes.
	BytesSent uint64 `json:"bytesSent"`

	// BytesReceived counts inbound payload bytes.
	BytesReceived uint64 `json:"bytesReceived"`

	// Errors counts transport-level failures.
	Errors uint64 `json:"errors"`

	// ConnectedAt is when the current connection was established. Zero
	// when disconnected.
	ConnectedAt time.Time `json:"connectedAt,omitempty"`

	// LastMessageAt is when the last message moved in either direction.
	LastMessageAt time.Time `json:"lastMessageAt,omitempty"`
}

// EventType identifies the kind of a transport event.
type EventType string

const (
	// EventConnect fires after a connection is established.
	EventConnect EventType = "connect"

	// EventDisconnect fires after the connection is gone, whether the
	// shutdown was requested or not.
	EventDisconnect EventType = "disconnect"

	// EventError fires on transport-level failures.
	EventError EventType = "error"

	// EventMessage fires for inbound messages that are not responses to
	// a pending request, typically server notifications.
	EventMessage EventType = "message"

	// EventStatusChange fires on every lifecycle transition.
	EventStatusChange EventType = "statusChange"
)

// Event is delivered to subscribers on transport activity.
type Event struct {
	// Type is the kind of event.
	Type EventType

	// Status carries the new lifecycle state for EventStatusChange.
	Status Status

	// Message carries the inbound message for EventMessage.
	Message *JSONRPCMessage

	// Err carries the failure for EventError.
	Err error
}

// EventHandler receives transport events. Handlers run on the
// transport's read loop and must not block.
type EventHandler func(Event)
