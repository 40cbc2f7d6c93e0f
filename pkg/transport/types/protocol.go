package types

// ProtocolVersion is the MCP protocol revision this runtime speaks. It is
// sent in the initialize request and, for HTTP transports, echoed in the
// MCP-Protocol-Version header on every request.
const ProtocolVersion = "2025-03-26"

// HTTP headers used by the streamable HTTP transport.
const (
	// HeaderProtocolVersion carries the negotiated protocol revision.
	HeaderProtocolVersion = "MCP-Protocol-Version"

	// HeaderSessionID carries the server-assigned session id.
	HeaderSessionID = "Mcp-Session-Id"
)

// MCP method names used by the client runtime.
const (
	// MethodInitialize starts the protocol handshake.
	MethodInitialize = "initialize"

	// MethodPing is the liveness probe.
	MethodPing = "ping"

	// MethodToolsList lists the tools a server exposes.
	MethodToolsList = "tools/list"

	// MethodToolsCall invokes a tool.
	MethodToolsCall = "tools/call"

	// MethodResourcesList lists the resources a server exposes.
	MethodResourcesList = "resources/list"

	// MethodResourcesRead reads a single resource.
	MethodResourcesRead = "resources/read"

	// NotificationInitialized completes the handshake. Sent by the
	// client after a successful initialize response.
	NotificationInitialized = "notifications/initialized"
)
