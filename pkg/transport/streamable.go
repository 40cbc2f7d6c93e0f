package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/deechat/dmcp/pkg/auth"
	"github.com/deechat/dmcp/pkg/errors"
	"github.com/deechat/dmcp/pkg/logger"
	transporterrors "github.com/deechat/dmcp/pkg/transport/errors"
	"github.com/deechat/dmcp/pkg/transport/types"
)

// StreamableHTTPTransport speaks the streamable HTTP transport of the
// 2025-03-26 MCP revision. Outbound messages go as POST bodies; inbound
// messages arrive either inline as the JSON response body or as events on
// a text/event-stream response. Session continuity is carried by the
// Mcp-Session-Id header the server assigns during initialize.
type StreamableHTTPTransport struct {
	baseTransport

	url          string
	headers      map[string]string
	authProvider *auth.Provider
	client       *http.Client

	mu        sync.Mutex
	sessionID string
	streaming bool

	lifeCtx    context.Context
	lifeCancel context.CancelFunc
}

// NewStreamableHTTPTransport creates a streamable HTTP transport for the
// given endpoint URL.
func NewStreamableHTTPTransport(serverID, url string, headers map[string]string, authProvider *auth.Provider) *StreamableHTTPTransport {
	t := &StreamableHTTPTransport{
		url:          url,
		headers:      headers,
		authProvider: authProvider,
		client:       &http.Client{},
	}
	t.initBaseTransport(serverID)
	return t
}

// Features reports the streamable HTTP capability set.
func (*StreamableHTTPTransport) Features() types.Features {
	return types.Features{
		Streaming:     true,
		Notifications: true,
		Sessions:      true,
	}
}

// SessionID returns the server-assigned session id, or empty before the
// initialize exchange completes.
func (t *StreamableHTTPTransport) SessionID() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.sessionID
}

// Connect marks the transport ready. The streamable transport has no
// standing connection of its own; the session materializes on the first
// exchange.
func (t *StreamableHTTPTransport) Connect(_ context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.Status() == types.StatusConnected {
		return nil
	}
	t.setStatus(types.StatusConnecting)
	t.lifeCtx, t.lifeCancel = context.WithCancel(context.Background())
	t.setStatus(types.StatusConnected)
	return nil
}

// Disconnect terminates the session with a DELETE and rejects pending
// requests.
func (t *StreamableHTTPTransport) Disconnect(ctx context.Context) error {
	t.mu.Lock()
	sessionID := t.sessionID
	cancel := t.lifeCancel
	t.sessionID = ""
	t.streaming = false
	t.mu.Unlock()

	if t.Status() == types.StatusDisconnected {
		return nil
	}
	t.setStatus(types.StatusDisconnecting)
	t.failAllPending()
	if cancel != nil {
		cancel()
	}

	if sessionID != "" {
		req, err := http.NewRequestWithContext(ctx, http.MethodDelete, t.url, nil)
		if err == nil {
			req.Header.Set(types.HeaderSessionID, sessionID)
			req.Header.Set(types.HeaderProtocolVersion, types.ProtocolVersion)
			if resp, err := t.client.Do(req); err == nil {
				_ = resp.Body.Close()
			} else {
				logger.Debugw("session DELETE failed", "server", t.serverID, "error", err)
			}
		}
	}

	t.setStatus(types.StatusDisconnected)
	return nil
}

// Send posts one message without waiting for a correlated response.
// Responses delivered on the POST body or the event stream still feed the
// pending table.
func (t *StreamableHTTPTransport) Send(ctx context.Context, msg *types.JSONRPCMessage) error {
	return t.send(ctx, msg)
}

func (t *StreamableHTTPTransport) send(ctx context.Context, msg *types.JSONRPCMessage) error {
	if t.Status() != types.StatusConnected {
		return errors.NewTransportUnavailableError("streamable transport not connected",
			transporterrors.NewTransportError(transporterrors.ErrNotConnected, t.serverID, ""))
	}

	data, err := json.Marshal(msg)
	if err != nil {
		return errors.NewProtocolError("failed to marshal message", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.url, bytes.NewReader(data))
	if err != nil {
		return errors.NewTransportUnavailableError("failed to build request", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json, text/event-stream")
	if err := t.applyHeaders(ctx, req.Header); err != nil {
		return err
	}

	resp, err := t.client.Do(req)
	if err != nil {
		return errors.NewTransportUnavailableError(fmt.Sprintf("POST %s failed", t.url), err)
	}

	t.countSent(len(data))

	if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
		_ = resp.Body.Close()
		return errors.NewAuthError(fmt.Sprintf("server rejected request with %s; check the configured credentials", resp.Status), nil)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		_ = resp.Body.Close()
		return errors.NewTransportUnavailableError(
			fmt.Sprintf("server returned %s: %s", resp.Status, strings.TrimSpace(string(body))), nil)
	}

	t.adoptSession(resp.Header.Get(types.HeaderSessionID))

	contentType := resp.Header.Get("Content-Type")
	switch {
	case strings.HasPrefix(contentType, "text/event-stream"):
		go t.consumeStream(resp.Body)
	case strings.HasPrefix(contentType, "application/json"):
		defer resp.Body.Close()
		body, err := io.ReadAll(resp.Body)
		if err != nil {
			return errors.NewTransportUnavailableError("failed to read response body", err)
		}
		if len(bytes.TrimSpace(body)) > 0 {
			t.dispatch(body)
		}
	default:
		// 202 Accepted for notifications carries no body.
		_ = resp.Body.Close()
	}

	return nil
}

// applyHeaders stamps the protocol, session, configured, and auth headers
// onto an outbound request.
func (t *StreamableHTTPTransport) applyHeaders(ctx context.Context, header http.Header) error {
	header.Set(types.HeaderProtocolVersion, types.ProtocolVersion)

	t.mu.Lock()
	sessionID := t.sessionID
	t.mu.Unlock()
	if sessionID != "" {
		header.Set(types.HeaderSessionID, sessionID)
	}

	for k, v := range t.headers {
		header.Set(k, v)
	}
	if t.authProvider != nil {
		if err := t.authProvider.Apply(ctx, header); err != nil {
			return err
		}
	}
	return nil
}

// adoptSession records a server-assigned session id and, the first time
// one appears, opens the companion GET stream for server-initiated
// messages.
func (t *StreamableHTTPTransport) adoptSession(sessionID string) {
	if sessionID == "" {
		return
	}
	t.mu.Lock()
	isNew := t.sessionID == ""
	t.sessionID = sessionID
	startStream := isNew && !t.streaming
	if startStream {
		t.streaming = true
	}
	lifeCtx := t.lifeCtx
	t.mu.Unlock()

	if isNew {
		logger.Debugw("session established", "server", t.serverID, "session", sessionID)
	}
	if startStream && lifeCtx != nil {
		go t.listenStream(lifeCtx)
	}
}

// listenStream opens the standing GET event stream. Servers that do not
// support server-initiated messages answer 405, which is fine.
func (t *StreamableHTTPTransport) listenStream(ctx context.Context) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, t.url, nil)
	if err != nil {
		return
	}
	req.Header.Set("Accept", "text/event-stream")
	if err := t.applyHeaders(ctx, req.Header); err != nil {
		logger.Debugw("listen stream setup failed", "server", t.serverID, "error", err)
		return
	}

	resp, err := t.client.Do(req)
	if err != nil {
		if ctx.Err() == nil {
			logger.Debugw("listen stream failed", "server", t.serverID, "error", err)
		}
		return
	}
	if resp.StatusCode != http.StatusOK {
		_ = resp.Body.Close()
		logger.Debugw("server declined listen stream", "server", t.serverID, "status", resp.Status)
		return
	}

	t.consumeStream(resp.Body)
}

// consumeStream decodes messages off a text/event-stream body and feeds
// them into the inbound path.
func (t *StreamableHTTPTransport) consumeStream(body io.ReadCloser) {
	defer body.Close()
	err := scanSSE(body, func(evt sseEvent) {
		if evt.data == "" {
			return
		}
		t.dispatch([]byte(evt.data))
	})
	if err != nil && t.Status() == types.StatusConnected {
		logger.Debugw("event stream ended", "server", t.serverID, "error", err)
	}
}

func (t *StreamableHTTPTransport) dispatch(data []byte) {
	var msg types.JSONRPCMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		logger.Debugw("dropping undecodable stream payload", "server", t.serverID, "error", err)
		return
	}
	t.countReceived(len(data))
	t.handleInbound(&msg)
}

// Request sends a request and waits for the correlated response,
// whichever path it comes back on.
func (t *StreamableHTTPTransport) Request(ctx context.Context, method string, params any) (json.RawMessage, error) {
	return t.request(ctx, t.send, method, params)
}

// Notify sends a notification.
func (t *StreamableHTTPTransport) Notify(ctx context.Context, method string, params any) error {
	return t.notify(ctx, t.send, method, params)
}

// Destroy disconnects and drops all subscriptions.
func (t *StreamableHTTPTransport) Destroy(ctx context.Context) error {
	disconnectCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	err := t.Disconnect(disconnectCtx)
	t.handlerMu.Lock()
	t.handlers = make(map[int64]types.EventHandler)
	t.handlerMu.Unlock()
	return err
}
