package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/deechat/dmcp/pkg/auth"
	"github.com/deechat/dmcp/pkg/errors"
	"github.com/deechat/dmcp/pkg/logger"
	transporterrors "github.com/deechat/dmcp/pkg/transport/errors"
	"github.com/deechat/dmcp/pkg/transport/types"
)

// sseEndpointWait bounds how long Connect waits for the server to
// announce its POST endpoint on the event stream.
const sseEndpointWait = 10 * time.Second

// SSETransport speaks the legacy HTTP+SSE transport: a GET-established
// event stream for inbound messages and per-message POSTs to the endpoint
// the server announces in its first event. Deprecated in favor of
// streamable HTTP; kept for servers that have not moved yet.
type SSETransport struct {
	baseTransport

	url          string
	headers      map[string]string
	authProvider *auth.Provider
	client       *http.Client

	mu         sync.Mutex
	endpoint   string
	endpointCh chan struct{}

	lifeCtx    context.Context
	lifeCancel context.CancelFunc
}

// NewSSETransport creates a legacy SSE transport for the given stream URL.
func NewSSETransport(serverID, streamURL string, headers map[string]string, authProvider *auth.Provider) *SSETransport {
	t := &SSETransport{
		url:          streamURL,
		headers:      headers,
		authProvider: authProvider,
		client:       &http.Client{},
	}
	t.initBaseTransport(serverID)
	return t
}

// Features reports the legacy SSE capability set.
func (*SSETransport) Features() types.Features {
	return types.Features{
		Streaming:     true,
		Notifications: true,
	}
}

// Connect opens the event stream and waits for the endpoint announcement.
func (t *SSETransport) Connect(ctx context.Context) error {
	t.mu.Lock()
	if t.Status() == types.StatusConnected {
		t.mu.Unlock()
		return nil
	}
	t.setStatus(types.StatusConnecting)
	t.endpoint = ""
	t.endpointCh = make(chan struct{})
	t.lifeCtx, t.lifeCancel = context.WithCancel(context.Background())
	endpointCh := t.endpointCh
	lifeCtx := t.lifeCtx
	t.mu.Unlock()

	logger.Warnw("the SSE transport is deprecated; prefer streamableHttp", "server", t.serverID)

	req, err := http.NewRequestWithContext(lifeCtx, http.MethodGet, t.url, nil)
	if err != nil {
		t.connectFailed()
		return errors.NewTransportUnavailableError("failed to build stream request", err)
	}
	req.Header.Set("Accept", "text/event-stream")
	if err := t.applyHeaders(ctx, req.Header); err != nil {
		t.connectFailed()
		return err
	}

	resp, err := t.client.Do(req)
	if err != nil {
		t.connectFailed()
		return errors.NewTransportUnavailableError(fmt.Sprintf("failed to open event stream at %s", t.url), err)
	}
	if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
		_ = resp.Body.Close()
		t.connectFailed()
		return errors.NewAuthError(fmt.Sprintf("event stream rejected with %s; check the configured credentials", resp.Status), nil)
	}
	if resp.StatusCode != http.StatusOK {
		_ = resp.Body.Close()
		t.connectFailed()
		return errors.NewTransportUnavailableError(fmt.Sprintf("event stream returned %s", resp.Status), nil)
	}

	go t.readStream(resp.Body)

	select {
	case <-endpointCh:
	case <-time.After(sseEndpointWait):
		t.lifeCancel()
		t.connectFailed()
		return errors.NewTimeoutError("server never announced its message endpoint", nil)
	case <-ctx.Done():
		t.lifeCancel()
		t.connectFailed()
		return errors.NewCanceledError("connect canceled", ctx.Err())
	}

	t.setStatus(types.StatusConnected)
	return nil
}

func (t *SSETransport) connectFailed() {
	t.setStatus(types.StatusError)
	t.setStatus(types.StatusDisconnected)
}

// Disconnect closes the stream and rejects pending requests.
func (t *SSETransport) Disconnect(_ context.Context) error {
	t.mu.Lock()
	cancel := t.lifeCancel
	t.endpoint = ""
	t.mu.Unlock()

	if t.Status() == types.StatusDisconnected {
		return nil
	}
	t.setStatus(types.StatusDisconnecting)
	t.failAllPending()
	if cancel != nil {
		cancel()
	}
	t.setStatus(types.StatusDisconnected)
	return nil
}

// Send posts one message to the announced endpoint.
func (t *SSETransport) Send(ctx context.Context, msg *types.JSONRPCMessage) error {
	return t.send(ctx, msg)
}

func (t *SSETransport) send(ctx context.Context, msg *types.JSONRPCMessage) error {
	t.mu.Lock()
	endpoint := t.endpoint
	t.mu.Unlock()

	if t.Status() != types.StatusConnected || endpoint == "" {
		return errors.NewTransportUnavailableError("sse transport not connected",
			transporterrors.NewTransportError(transporterrors.ErrNotConnected, t.serverID, ""))
	}

	data, err := json.Marshal(msg)
	if err != nil {
		return errors.NewProtocolError("failed to marshal message", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(data))
	if err != nil {
		return errors.NewTransportUnavailableError("failed to build request", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if err := t.applyHeaders(ctx, req.Header); err != nil {
		return err
	}

	resp, err := t.client.Do(req)
	if err != nil {
		return errors.NewTransportUnavailableError("POST to message endpoint failed", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return errors.NewTransportUnavailableError(fmt.Sprintf("message endpoint returned %s", resp.Status), nil)
	}

	t.countSent(len(data))

	// Some legacy servers answer the POST with the response body instead
	// of using the stream.
	if strings.HasPrefix(resp.Header.Get("Content-Type"), "application/json") {
		body, err := io.ReadAll(resp.Body)
		if err == nil && len(bytes.TrimSpace(body)) > 0 {
			t.dispatch(body)
		}
	}
	return nil
}

func (t *SSETransport) applyHeaders(ctx context.Context, header http.Header) error {
	header.Set(types.HeaderProtocolVersion, types.ProtocolVersion)
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

// readStream decodes events off the standing stream. The endpoint event
// carries the POST target; message events carry protocol messages.
func (t *SSETransport) readStream(body io.ReadCloser) {
	defer body.Close()

	err := scanSSE(body, func(evt sseEvent) {
		switch evt.name {
		case "endpoint":
			t.setEndpoint(evt.data)
		case "message":
			if evt.data != "" {
				t.dispatch([]byte(evt.data))
			}
		default:
			logger.Debugw("ignoring stream event", "server", t.serverID, "event", evt.name)
		}
	})

	status := t.Status()
	if status == types.StatusDisconnecting || status == types.StatusDisconnected {
		return
	}

	streamErr := errors.NewTransportUnavailableError("event stream closed by server", err)
	t.emitError(streamErr)
	t.failAllPending()
	t.setStatus(types.StatusDisconnected)
}

// setEndpoint resolves the announced endpoint against the stream URL and
// unblocks Connect.
func (t *SSETransport) setEndpoint(raw string) {
	base, err := url.Parse(t.url)
	if err != nil {
		return
	}
	ref, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		logger.Warnw("ignoring unparsable endpoint announcement", "server", t.serverID, "endpoint", raw)
		return
	}
	resolved := base.ResolveReference(ref).String()

	t.mu.Lock()
	first := t.endpoint == ""
	t.endpoint = resolved
	ch := t.endpointCh
	t.mu.Unlock()

	if first && ch != nil {
		close(ch)
	}
	logger.Debugw("message endpoint announced", "server", t.serverID, "endpoint", resolved)
}

func (t *SSETransport) dispatch(data []byte) {
	var msg types.JSONRPCMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		logger.Debugw("dropping undecodable stream payload", "server", t.serverID, "error", err)
		return
	}
	t.countReceived(len(data))
	t.handleInbound(&msg)
}

// Request sends a request and waits for the correlated response.
func (t *SSETransport) Request(ctx context.Context, method string, params any) (json.RawMessage, error) {
	return t.request(ctx, t.send, method, params)
}

// Notify sends a notification.
func (t *SSETransport) Notify(ctx context.Context, method string, params any) error {
	return t.notify(ctx, t.send, method, params)
}

// Destroy disconnects and drops all subscriptions.
func (t *SSETransport) Destroy(ctx context.Context) error {
	err := t.Disconnect(ctx)
	t.handlerMu.Lock()
	t.handlers = make(map[int64]types.EventHandler)
	t.handlerMu.Unlock()
	return err
}
