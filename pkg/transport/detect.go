package transport

import (
	"net/url"
	"strings"

	"github.com/deechat/dmcp/pkg/transport/types"
)

// DetectProtocolType guesses the transport type from a server URL.
// ws/wss map to WebSocket; http/https map to streamable HTTP unless the
// path ends in /sse or /events, which marks a legacy SSE server. Any
// other scheme returns the empty type.
func DetectProtocolType(raw string) types.TransportType {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return ""
	}

	switch strings.ToLower(u.Scheme) {
	case "ws", "wss":
		return types.TransportTypeWebSocket
	case "http", "https":
		path := strings.TrimSuffix(u.Path, "/")
		if strings.HasSuffix(path, "/sse") || strings.HasSuffix(path, "/events") {
			return types.TransportTypeSSE
		}
		return types.TransportTypeStreamableHTTP
	default:
		return ""
	}
}
