// Package errors defines the typed error kinds used across the MCP runtime
// and the propagation helpers shared by every layer.
package errors

import (
	stderrors "errors"
	"fmt"
)

// Error types
const (
	// ErrConfigInvalid is returned when a server configuration fails validation.
	// Never retried.
	ErrConfigInvalid = "config_invalid"

	// ErrTransportUnavailable is returned when a transport cannot be opened
	// (spawn failure, connection refused, DNS failure). Subject to retry.
	ErrTransportUnavailable = "transport_unavailable"

	// ErrProtocol is returned on malformed JSON-RPC or an unexpected protocol
	// state. Not retried.
	ErrProtocol = "protocol_error"

	// ErrAuth is returned on 401/403 responses or token acquisition failure.
	ErrAuth = "auth_error"

	// ErrTimeout is returned when a request or connect exceeds its limit.
	ErrTimeout = "timeout"

	// ErrCanceled is returned on explicit cancellation or disconnect.
	ErrCanceled = "canceled"

	// ErrTool is returned when a tools/call response carries a server-side
	// error. It surfaces as a failed response body, never as a thrown error
	// out of the facade.
	ErrTool = "tool_error"

	// ErrInternal is returned on an invariant violation.
	ErrInternal = "internal"
)

// Error represents a typed error in the runtime.
type Error struct {
	// Type is the error type
	Type string

	// Message is the error message
	Message string

	// Cause is the underlying error
	Cause error
}

// Error returns the error message
func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %s", e.Type, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Type, e.Message)
}

// Unwrap returns the underlying error
func (e *Error) Unwrap() error {
	return e.Cause
}

// NewError creates a new error
func NewError(errorType, message string, cause error) *Error {
	return &Error{
		Type:    errorType,
		Message: message,
		Cause:   cause,
	}
}

// NewConfigInvalidError creates a new config validation error
func NewConfigInvalidError(message string, cause error) *Error {
	return NewError(ErrConfigInvalid, message, cause)
}

// NewTransportUnavailableError creates a new transport unavailable error
func NewTransportUnavailableError(message string, cause error) *Error {
	return NewError(ErrTransportUnavailable, message, cause)
}

// NewProtocolError creates a new protocol error
func NewProtocolError(message string, cause error) *Error {
	return NewError(ErrProtocol, message, cause)
}

// NewAuthError creates a new authentication error
func NewAuthError(message string, cause error) *Error {
	return NewError(ErrAuth, message, cause)
}

// NewTimeoutError creates a new timeout error
func NewTimeoutError(message string, cause error) *Error {
	return NewError(ErrTimeout, message, cause)
}

// NewCanceledError creates a new cancellation error
func NewCanceledError(message string, cause error) *Error {
	return NewError(ErrCanceled, message, cause)
}

// NewToolError creates a new tool execution error
func NewToolError(message string, cause error) *Error {
	return NewError(ErrTool, message, cause)
}

// NewInternalError creates a new internal error
func NewInternalError(message string, cause error) *Error {
	return NewError(ErrInternal, message, cause)
}

// typeOf extracts the runtime error type from err, unwrapping as needed.
// Returns the empty string for untyped errors.
func typeOf(err error) string {
	var e *Error
	if stderrors.As(err, &e) {
		return e.Type
	}
	return ""
}

// Kind returns the typed kind of err, or the empty string when err carries
// no runtime type.
func Kind(err error) string {
	return typeOf(err)
}

// IsConfigInvalid checks if the error is a config validation error
func IsConfigInvalid(err error) bool {
	return typeOf(err) == ErrConfigInvalid
}

// IsTransportUnavailable checks if the error is a transport unavailable error
func IsTransportUnavailable(err error) bool {
	return typeOf(err) == ErrTransportUnavailable
}

// IsProtocol checks if the error is a protocol error
func IsProtocol(err error) bool {
	return typeOf(err) == ErrProtocol
}

// IsAuth checks if the error is an authentication error
func IsAuth(err error) bool {
	return typeOf(err) == ErrAuth
}

// IsTimeout checks if the error is a timeout error
func IsTimeout(err error) bool {
	return typeOf(err) == ErrTimeout
}

// IsCanceled checks if the error is a cancellation error
func IsCanceled(err error) bool {
	return typeOf(err) == ErrCanceled
}

// IsTool checks if the error is a tool execution error
func IsTool(err error) bool {
	return typeOf(err) == ErrTool
}

// IsInternal checks if the error is an internal error
func IsInternal(err error) bool {
	return typeOf(err) == ErrInternal
}
