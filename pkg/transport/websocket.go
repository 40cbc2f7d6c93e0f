package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/coder/websocket"

	"github.com/deechat/dmcp/pkg/auth"
	"github.com/deechat/dmcp/pkg/errors"
	"github.com/deechat/dmcp/pkg/logger"
	transporterrors "github.com/deechat/dmcp/pkg/transport/errors"
	"github.com/deechat/dmcp/pkg/transport/types"
)

// wsPingInterval is how often the client pings the server to keep the
// connection alive and detect silent drops.
const wsPingInterval = 30 * time.Second

// wsQueueLimit bounds the outbound queue while a reconnect is in
// progress. Overflow evicts the oldest queued notification; requests are
// never evicted.
const wsQueueLimit = 64

// WebSocketTransport exchanges one JSON-RPC message per text frame over a
// WebSocket connection. It is the only variant that reconnects on its own:
// an unexpected close triggers exponential backoff up to the retry policy,
// with outbound messages queued while the connection is down.
type WebSocketTransport struct {
	baseTransport

	url           string
	authProvider  *auth.Provider
	autoReconnect bool

	mu      sync.Mutex
	conn    *websocket.Conn
	writeMu sync.Mutex
	queue   []*types.JSONRPCMessage

	// lifeCtx spans one Connect..Disconnect cycle and stops the read and
	// ping loops.
	lifeCtx    context.Context
	lifeCancel context.CancelFunc
}

// NewWebSocketTransport creates a WebSocket transport for the given URL.
func NewWebSocketTransport(serverID, url string, authProvider *auth.Provider, autoReconnect bool) *WebSocketTransport {
	t := &WebSocketTransport{
		url:           url,
		authProvider:  authProvider,
		autoReconnect: autoReconnect,
	}
	t.initBaseTransport(serverID)
	return t
}

// Features reports the WebSocket capability set.
func (t *WebSocketTransport) Features() types.Features {
	return types.Features{
		Streaming:     true,
		Notifications: true,
		Reconnect:     t.autoReconnect,
	}
}

// Connect dials the server and starts the read and ping loops.
func (t *WebSocketTransport) Connect(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.Status() == types.StatusConnected {
		return nil
	}
	t.setStatus(types.StatusConnecting)

	conn, err := t.dial(ctx)
	if err != nil {
		t.setStatus(types.StatusError)
		t.setStatus(types.StatusDisconnected)
		return err
	}

	t.install(conn)
	t.setStatus(types.StatusConnected)
	t.flushQueueLocked()
	return nil
}

func (t *WebSocketTransport) dial(ctx context.Context) (*websocket.Conn, error) {
	headers := http.Header{}
	if t.authProvider != nil {
		if err := t.authProvider.Apply(ctx, headers); err != nil {
			return nil, err
		}
	}

	conn, resp, err := websocket.Dial(ctx, t.url, &websocket.DialOptions{HTTPHeader: headers})
	if err != nil {
		if resp != nil && (resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden) {
			return nil, errors.NewAuthError(fmt.Sprintf("websocket handshake rejected with %s", resp.Status), err)
		}
		return nil, errors.NewTransportUnavailableError(fmt.Sprintf("failed to dial %s", t.url), err)
	}
	// Tool results can be large.
	conn.SetReadLimit(stdioScanBufferSize)
	return conn, nil
}

// install wires a fresh connection into the transport. Caller holds t.mu.
func (t *WebSocketTransport) install(conn *websocket.Conn) {
	t.conn = conn
	t.lifeCtx, t.lifeCancel = context.WithCancel(context.Background())
	go t.readLoop(t.lifeCtx, conn)
	go t.pingLoop(t.lifeCtx, conn)
}

// Disconnect closes the connection and rejects every pending request.
func (t *WebSocketTransport) Disconnect(_ context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.conn == nil {
		t.setStatus(types.StatusDisconnected)
		return nil
	}

	t.setStatus(types.StatusDisconnecting)
	t.failAllPending()
	t.lifeCancel()
	_ = t.conn.Close(websocket.StatusNormalClosure, "client disconnect")
	t.conn = nil
	t.queue = nil
	t.setStatus(types.StatusDisconnected)
	return nil
}

// Send writes one message as a text frame, queueing it when a reconnect
// is in flight.
func (t *WebSocketTransport) Send(ctx context.Context, msg *types.JSONRPCMessage) error {
	return t.send(ctx, msg)
}

func (t *WebSocketTransport) send(ctx context.Context, msg *types.JSONRPCMessage) error {
	t.mu.Lock()
	conn := t.conn
	status := t.Status()
	t.mu.Unlock()

	if conn == nil || status != types.StatusConnected {
		if status == types.StatusConnecting && t.autoReconnect {
			return t.enqueue(msg)
		}
		return errors.NewTransportUnavailableError("websocket not connected",
			transporterrors.NewTransportError(transporterrors.ErrNotConnected, t.serverID, ""))
	}

	return t.write(ctx, conn, msg)
}

func (t *WebSocketTransport) write(ctx context.Context, conn *websocket.Conn, msg *types.JSONRPCMessage) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return errors.NewProtocolError("failed to marshal message", err)
	}

	t.writeMu.Lock()
	err = conn.Write(ctx, websocket.MessageText, data)
	t.writeMu.Unlock()
	if err != nil {
		return errors.NewTransportUnavailableError("websocket write failed", err)
	}

	t.countSent(len(data))
	return nil
}

// enqueue buffers a message for delivery after reconnection. When the
// queue is full the oldest notification is dropped first; a queue full of
// requests rejects the newcomer instead.
func (t *WebSocketTransport) enqueue(msg *types.JSONRPCMessage) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if len(t.queue) >= wsQueueLimit {
		evicted := false
		for i, queued := range t.queue {
			if queued.ID == nil {
				t.queue = append(t.queue[:i], t.queue[i+1:]...)
				evicted = true
				logger.Debugw("outbound queue full, dropped oldest notification", "server", t.serverID)
				break
			}
		}
		if !evicted {
			return errors.NewTransportUnavailableError("outbound queue full",
				transporterrors.NewTransportError(transporterrors.ErrSendQueueFull, t.serverID, ""))
		}
	}

	t.queue = append(t.queue, msg)
	return nil
}

// flushQueueLocked drains the reconnect queue onto the live connection.
// Caller holds t.mu.
func (t *WebSocketTransport) flushQueueLocked() {
	if len(t.queue) == 0 || t.conn == nil {
		return
	}
	queued := t.queue
	t.queue = nil
	conn := t.conn
	go func() {
		for _, msg := range queued {
			if err := t.write(context.Background(), conn, msg); err != nil {
				logger.Warnw("failed to flush queued message", "server", t.serverID, "error", err)
				return
			}
		}
	}()
}

// Request sends a request and waits for the correlated response.
func (t *WebSocketTransport) Request(ctx context.Context, method string, params any) (json.RawMessage, error) {
	return t.request(ctx, t.send, method, params)
}

// Notify sends a notification.
func (t *WebSocketTransport) Notify(ctx context.Context, method string, params any) error {
	return t.notify(ctx, t.send, method, params)
}

// Destroy disconnects and drops all subscriptions.
func (t *WebSocketTransport) Destroy(ctx context.Context) error {
	err := t.Disconnect(ctx)
	t.handlerMu.Lock()
	t.handlers = make(map[int64]types.EventHandler)
	t.handlerMu.Unlock()
	return err
}

func (t *WebSocketTransport) readLoop(ctx context.Context, conn *websocket.Conn) {
	for {
		msgType, data, err := conn.Read(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return // shutdown requested
			}
			t.handleConnectionLoss(err)
			return
		}
		if msgType != websocket.MessageText {
			logger.Debugw("ignoring non-text frame", "server", t.serverID)
			continue
		}

		var msg types.JSONRPCMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			logger.Debugw("dropping undecodable frame", "server", t.serverID, "error", err)
			continue
		}
		t.countReceived(len(data))
		t.handleInbound(&msg)
	}
}

func (t *WebSocketTransport) pingLoop(ctx context.Context, conn *websocket.Conn) {
	ticker := time.NewTicker(wsPingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
			err := conn.Ping(pingCtx)
			cancel()
			if err != nil {
				if ctx.Err() == nil {
					logger.Debugw("ping failed", "server", t.serverID, "error", err)
				}
				return
			}
		}
	}
}

// handleConnectionLoss runs when the read loop dies outside a requested
// shutdown. It fails pending requests, then either reconnects with
// backoff or settles in disconnected.
func (t *WebSocketTransport) handleConnectionLoss(cause error) {
	t.mu.Lock()
	if t.Status() != types.StatusConnected {
		t.mu.Unlock()
		return
	}
	t.lifeCancel()
	t.conn = nil
	t.mu.Unlock()

	t.emitError(errors.NewTransportUnavailableError("websocket connection lost", cause))
	t.failAllPending()

	if !t.autoReconnect {
		t.setStatus(types.StatusDisconnected)
		return
	}

	t.setStatus(types.StatusConnecting)
	if err := t.reconnect(); err != nil {
		logger.Warnw("reconnect abandoned", "server", t.serverID, "error", err)
		t.setStatus(types.StatusError)
		t.setStatus(types.StatusDisconnected)
	}
}

// reconnect re-dials with exponential backoff per the retry policy,
// emitting one error event per failed attempt.
func (t *WebSocketTransport) reconnect() error {
	policy := t.retryPolicy()
	if policy.MaxRetries <= 0 {
		return fmt.Errorf("retry policy allows no attempts")
	}

	expBackoff := backoff.NewExponentialBackOff()
	expBackoff.InitialInterval = policy.InitialDelay
	expBackoff.MaxInterval = policy.MaxDelay
	expBackoff.Multiplier = policy.BackoffFactor
	expBackoff.Reset()

	conn, err := backoff.Retry(context.Background(),
		func() (*websocket.Conn, error) {
			dialCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer cancel()
			conn, err := t.dial(dialCtx)
			if err != nil {
				t.emitError(err)
				return nil, err
			}
			return conn, nil
		},
		backoff.WithBackOff(expBackoff),
		backoff.WithMaxTries(uint(policy.MaxRetries)),
		backoff.WithNotify(func(err error, next time.Duration) {
			logger.Debugw("reconnect attempt failed", "server", t.serverID, "error", err, "nextAttemptIn", next)
		}),
	)
	if err != nil {
		return err
	}

	t.mu.Lock()
	// Disconnect may have raced the reconnect; do not resurrect.
	if t.Status() != types.StatusConnecting {
		t.mu.Unlock()
		_ = conn.Close(websocket.StatusNormalClosure, "late reconnect")
		return nil
	}
	t.install(conn)
	t.setStatus(types.StatusConnected)
	t.flushQueueLocked()
	t.mu.Unlock()

	logger.Infow("websocket reconnected", "server", t.serverID)
	return nil
}
