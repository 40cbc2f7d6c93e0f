// Package errors provides error types and constants for the transport package.
package errors

import (
	"errors"
	"fmt"
)

// Common transport errors
var (
	ErrUnsupportedTransport = errors.New("unsupported transport type")
	ErrNotConnected         = errors.New("transport not connected")
	ErrTransportClosed      = errors.New("transport disconnected")
	ErrInvalidMessage       = errors.New("invalid message")
	ErrRequestTimeout       = errors.New("request timed out")
	ErrSendQueueFull        = errors.New("outbound queue full")
)

// TransportError represents an error related to transport operations
type TransportError struct {
	// Err is the underlying error
	Err error
	// ServerID identifies the server the transport belongs to
	ServerID string
	// Message is an optional error message
	Message string
}

// Error returns the error message
func (e *TransportError) Error() string {
	if e.Message != "" {
		if e.ServerID != "" {
			return fmt.Sprintf("%s: %s (server: %s)", e.Err, e.Message, e.ServerID)
		}
		return fmt.Sprintf("%s: %s", e.Err, e.Message)
	}

	if e.ServerID != "" {
		return fmt.Sprintf("%s (server: %s)", e.Err, e.ServerID)
	}

	return e.Err.Error()
}

// Unwrap returns the underlying error
func (e *TransportError) Unwrap() error {
	return e.Err
}

// NewTransportError creates a new transport error
func NewTransportError(err error, serverID, message string) *TransportError {
	return &TransportError{
		Err:      err,
		ServerID: serverID,
		Message:  message,
	}
}
