package transport

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/deechat/dmcp/pkg/errors"
	"github.com/deechat/dmcp/pkg/logger"
	transporterrors "github.com/deechat/dmcp/pkg/transport/errors"
	"github.com/deechat/dmcp/pkg/transport/types"
	"github.com/deechat/dmcp/pkg/versions"
)

// inMemoryEndpoint is one party on a broker channel.
type inMemoryEndpoint interface {
	deliver(msg *types.JSONRPCMessage)
}

// Broker routes messages between in-memory endpoints that share a channel
// name. Delivery is asynchronous but in order: each member drains its own
// queue on a single goroutine, so two messages sent back-to-back reach a
// receiver in the order they were published, mirroring a real wire.
type Broker struct {
	mu       sync.Mutex
	channels map[string]map[inMemoryEndpoint]*memberQueue
}

// NewBroker creates an empty broker.
func NewBroker() *Broker {
	return &Broker{channels: make(map[string]map[inMemoryEndpoint]*memberQueue)}
}

// defaultBroker carries all in-memory traffic in this process.
var defaultBroker = NewBroker()

// DefaultBroker returns the process-wide broker.
func DefaultBroker() *Broker {
	return defaultBroker
}

func (b *Broker) join(channel string, ep inMemoryEndpoint) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.channels[channel] == nil {
		b.channels[channel] = make(map[inMemoryEndpoint]*memberQueue)
	}
	if b.channels[channel][ep] == nil {
		b.channels[channel][ep] = newMemberQueue(ep)
	}
}

func (b *Broker) leave(channel string, ep inMemoryEndpoint) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if q := b.channels[channel][ep]; q != nil {
		q.close()
	}
	delete(b.channels[channel], ep)
	if len(b.channels[channel]) == 0 {
		delete(b.channels, channel)
	}
}

// publish delivers msg to every endpoint on the channel except the
// sender.
func (b *Broker) publish(channel string, from inMemoryEndpoint, msg *types.JSONRPCMessage) {
	b.mu.Lock()
	peers := make([]*memberQueue, 0, len(b.channels[channel]))
	for ep, q := range b.channels[channel] {
		if ep != from {
			peers = append(peers, q)
		}
	}
	b.mu.Unlock()

	for _, q := range peers {
		q.enqueue(msg)
	}
}

// memberQueue serialises delivery to one endpoint. Enqueue never blocks;
// a dedicated goroutine drains the backlog in publish order.
type memberQueue struct {
	ep inMemoryEndpoint

	mu      sync.Mutex
	wake    chan struct{}
	backlog []*types.JSONRPCMessage
	closed  bool
}

func newMemberQueue(ep inMemoryEndpoint) *memberQueue {
	q := &memberQueue{ep: ep, wake: make(chan struct{}, 1)}
	go q.run()
	return q
}

func (q *memberQueue) enqueue(msg *types.JSONRPCMessage) {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	q.backlog = append(q.backlog, msg)
	q.mu.Unlock()

	select {
	case q.wake <- struct{}{}:
	default:
	}
}

func (q *memberQueue) close() {
	q.mu.Lock()
	q.closed = true
	q.backlog = nil
	q.mu.Unlock()

	select {
	case q.wake <- struct{}{}:
	default:
	}
}

func (q *memberQueue) run() {
	for range q.wake {
		for {
			q.mu.Lock()
			if q.closed {
				q.mu.Unlock()
				return
			}
			if len(q.backlog) == 0 {
				q.mu.Unlock()
				break
			}
			msg := q.backlog[0]
			q.backlog = q.backlog[1:]
			q.mu.Unlock()

			q.ep.deliver(msg)
		}
	}
}

// InMemoryTransport carries MCP traffic between parties inside the same
// process. It is used by tests and by servers the application embeds.
// When selfHandle is set, a loopback responder joins the channel so the
// transport has something to talk to.
type InMemoryTransport struct {
	baseTransport

	channel    string
	selfHandle bool
	broker     *Broker

	mu       sync.Mutex
	loopback *loopbackResponder
}

// NewInMemoryTransport creates an in-memory transport on the given
// channel of the default broker.
func NewInMemoryTransport(serverID, channel string, selfHandle bool) *InMemoryTransport {
	return NewInMemoryTransportWithBroker(serverID, channel, selfHandle, defaultBroker)
}

// NewInMemoryTransportWithBroker creates an in-memory transport on a
// specific broker. Tests use private brokers to stay isolated.
func NewInMemoryTransportWithBroker(serverID, channel string, selfHandle bool, broker *Broker) *InMemoryTransport {
	t := &InMemoryTransport{
		channel:    channel,
		selfHandle: selfHandle,
		broker:     broker,
	}
	t.initBaseTransport(serverID)
	return t
}

// Features reports the in-memory capability set.
func (*InMemoryTransport) Features() types.Features {
	return types.Features{Notifications: true}
}

// Connect joins the broker channel and, when selfHandle is set, attaches
// the loopback responder.
func (t *InMemoryTransport) Connect(_ context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.Status() == types.StatusConnected {
		return nil
	}
	t.setStatus(types.StatusConnecting)

	t.broker.join(t.channel, t)
	if t.selfHandle && t.loopback == nil {
		t.loopback = newLoopbackResponder(t.channel, t.broker)
		t.broker.join(t.channel, t.loopback)
	}

	t.setStatus(types.StatusConnected)
	return nil
}

// Disconnect leaves the channel and rejects pending requests.
func (t *InMemoryTransport) Disconnect(_ context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.Status() == types.StatusDisconnected {
		return nil
	}
	t.setStatus(types.StatusDisconnecting)
	t.failAllPending()

	t.broker.leave(t.channel, t)
	if t.loopback != nil {
		t.broker.leave(t.channel, t.loopback)
		t.loopback = nil
	}

	t.setStatus(types.StatusDisconnected)
	return nil
}

// Send publishes one message to the channel.
func (t *InMemoryTransport) Send(ctx context.Context, msg *types.JSONRPCMessage) error {
	return t.send(ctx, msg)
}

func (t *InMemoryTransport) send(_ context.Context, msg *types.JSONRPCMessage) error {
	if t.Status() != types.StatusConnected {
		return errors.NewTransportUnavailableError("inmemory transport not connected",
			transporterrors.NewTransportError(transporterrors.ErrNotConnected, t.serverID, ""))
	}
	if data, err := json.Marshal(msg); err == nil {
		t.countSent(len(data))
	}
	t.broker.publish(t.channel, t, msg)
	return nil
}

// deliver receives one message from the broker.
func (t *InMemoryTransport) deliver(msg *types.JSONRPCMessage) {
	if t.Status() != types.StatusConnected {
		return
	}
	if data, err := json.Marshal(msg); err == nil {
		t.countReceived(len(data))
	}
	t.handleInbound(msg)
}

// Request sends a request and waits for the correlated response.
func (t *InMemoryTransport) Request(ctx context.Context, method string, params any) (json.RawMessage, error) {
	return t.request(ctx, t.send, method, params)
}

// Notify sends a notification.
func (t *InMemoryTransport) Notify(ctx context.Context, method string, params any) error {
	return t.notify(ctx, t.send, method, params)
}

// Destroy disconnects and drops all subscriptions.
func (t *InMemoryTransport) Destroy(ctx context.Context) error {
	err := t.Disconnect(ctx)
	t.handlerMu.Lock()
	t.handlers = make(map[int64]types.EventHandler)
	t.handlerMu.Unlock()
	return err
}

// loopbackResponder is the built-in server behind selfHandle channels. It
// answers the handshake, exposes a single test-tool, and implements the
// slow-op method used to exercise request timeouts.
type loopbackResponder struct {
	channel string
	broker  *Broker
}

func newLoopbackResponder(channel string, broker *Broker) *loopbackResponder {
	return &loopbackResponder{channel: channel, broker: broker}
}

// LoopbackToolName is the single tool the loopback responder exposes.
const LoopbackToolName = "test-tool"

func (l *loopbackResponder) deliver(msg *types.JSONRPCMessage) {
	if !msg.IsRequest() {
		return
	}

	var reply *types.JSONRPCMessage
	switch msg.Method {
	case types.MethodInitialize:
		reply = l.respond(msg.ID, map[string]any{
			"protocolVersion": types.ProtocolVersion,
			"capabilities":    map[string]any{"tools": map[string]any{}},
			"serverInfo": map[string]any{
				"name":    "loopback",
				"version": versions.Version,
			},
		})

	case types.MethodPing:
		reply = l.respond(msg.ID, map[string]any{})

	case types.MethodToolsList:
		reply = l.respond(msg.ID, map[string]any{
			"tools": []map[string]any{{
				"name":        LoopbackToolName,
				"description": "Echoes its input back, prefixed",
				"inputSchema": map[string]any{
					"type": "object",
					"properties": map[string]any{
						"input": map[string]any{"type": "string"},
					},
				},
			}},
		})

	case types.MethodToolsCall:
		reply = l.handleToolCall(msg)

	case "slow-op":
		// Deliberately slow; lets tests exercise the request timeout.
		var params struct {
			Delay int `json:"delay"`
		}
		_ = json.Unmarshal(msg.Params, &params)
		time.Sleep(time.Duration(params.Delay) * time.Millisecond)
		reply = l.respond(msg.ID, map[string]any{})

	default:
		reply = types.NewErrorMessage(msg.ID, types.ErrCodeMethodNotFound, "method not found: "+msg.Method, nil)
	}

	if reply != nil {
		l.broker.publish(l.channel, l, reply)
	}
}

func (l *loopbackResponder) handleToolCall(msg *types.JSONRPCMessage) *types.JSONRPCMessage {
	var params struct {
		Name      string         `json:"name"`
		Arguments map[string]any `json:"arguments"`
	}
	if err := json.Unmarshal(msg.Params, &params); err != nil {
		return types.NewErrorMessage(msg.ID, types.ErrCodeInvalidParams, "malformed tools/call params", nil)
	}
	if params.Name != LoopbackToolName {
		return types.NewErrorMessage(msg.ID, types.ErrCodeInvalidParams, "unknown tool: "+params.Name, nil)
	}

	input, _ := params.Arguments["input"].(string)
	reply := l.respond(msg.ID, map[string]any{"toolResult": "Processed: " + input})
	return reply
}

func (l *loopbackResponder) respond(id any, result any) *types.JSONRPCMessage {
	reply, err := types.NewResponseMessage(id, result)
	if err != nil {
		logger.Errorw("loopback failed to encode response", "error", err)
		return types.NewErrorMessage(id, types.ErrCodeInternal, "encoding failure", nil)
	}
	return reply
}
