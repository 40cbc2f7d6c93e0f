// Package transport implements the wire mechanisms that carry MCP traffic
// between the client runtime and a server: child-process stdio, WebSocket,
// streamable HTTP, legacy SSE, and an in-memory loopback. All variants
// satisfy types.Transport; the factory in this package is the only place
// aware of every variant.
package transport

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"

	"github.com/deechat/dmcp/pkg/errors"
	"github.com/deechat/dmcp/pkg/logger"
	transporterrors "github.com/deechat/dmcp/pkg/transport/errors"
	"github.com/deechat/dmcp/pkg/transport/types"
)

// defaultRequestTimeout applies when a transport is built without an
// explicit per-request timeout.
const defaultRequestTimeout = 30 * time.Second

// baseTransport carries the machinery shared by every variant: the status
// machine, event fan-out, the pending-request table, and the stats
// counters. Concrete transports embed it and supply the wire.
type baseTransport struct {
	serverID string

	statusMu sync.Mutex
	status   types.Status

	handlerMu   sync.Mutex
	handlers    map[int64]types.EventHandler
	nextHandler int64

	pending *pendingTable

	timeout atomic.Int64 // nanoseconds

	retryMu sync.Mutex
	retry   types.RetryPolicy

	// Stats. Updated with relaxed atomicity; monotonic within a run.
	messagesSent     atomic.Uint64
	messagesReceived atomic.Uint64
	bytesSent        atomic.Uint64
	bytesReceived    atomic.Uint64
	errorCount       atomic.Uint64
	connectedAt      atomic.Int64 // unix nanos, 0 when disconnected
	lastMessageAt    atomic.Int64 // unix nanos
}

func (b *baseTransport) initBaseTransport(serverID string) {
	b.serverID = serverID
	b.status = types.StatusDisconnected
	b.handlers = make(map[int64]types.EventHandler)
	b.pending = newPendingTable()
	b.retry = types.DefaultRetryPolicy()
	b.timeout.Store(int64(defaultRequestTimeout))
}

// Status returns the current lifecycle status.
func (b *baseTransport) Status() types.Status {
	b.statusMu.Lock()
	defer b.statusMu.Unlock()
	return b.status
}

// IsConnected reports whether the transport is connected.
func (b *baseTransport) IsConnected() bool {
	return b.Status() == types.StatusConnected
}

// setStatus moves the status machine and emits a statusChange event. The
// connect/disconnect events are layered on top of the transition.
func (b *baseTransport) setStatus(s types.Status) {
	b.statusMu.Lock()
	if b.status == s {
		b.statusMu.Unlock()
		return
	}
	b.status = s
	b.statusMu.Unlock()

	switch s {
	case types.StatusConnected:
		b.connectedAt.Store(time.Now().UnixNano())
	case types.StatusDisconnected, types.StatusError:
		b.connectedAt.Store(0)
	}

	b.emit(types.Event{Type: types.EventStatusChange, Status: s})
	switch s {
	case types.StatusConnected:
		b.emit(types.Event{Type: types.EventConnect, Status: s})
	case types.StatusDisconnected:
		b.emit(types.Event{Type: types.EventDisconnect, Status: s})
	}
}

// Subscribe registers an event handler and returns its removal function.
func (b *baseTransport) Subscribe(handler types.EventHandler) func() {
	b.handlerMu.Lock()
	b.nextHandler++
	id := b.nextHandler
	b.handlers[id] = handler
	b.handlerMu.Unlock()

	return func() {
		b.handlerMu.Lock()
		delete(b.handlers, id)
		b.handlerMu.Unlock()
	}
}

func (b *baseTransport) emit(evt types.Event) {
	b.handlerMu.Lock()
	handlers := make([]types.EventHandler, 0, len(b.handlers))
	for _, h := range b.handlers {
		handlers = append(handlers, h)
	}
	b.handlerMu.Unlock()

	for _, h := range handlers {
		func() {
			defer func() {
				if r := recover(); r != nil {
					logger.Errorw("transport event handler panicked", "server", b.serverID, "event", evt.Type, "panic", r)
				}
			}()
			h(evt)
		}()
	}
}

// emitError counts and broadcasts a transport-level failure.
func (b *baseTransport) emitError(err error) {
	b.errorCount.Add(1)
	b.emit(types.Event{Type: types.EventError, Err: err})
}

// SetTimeout overrides the per-request timeout.
func (b *baseTransport) SetTimeout(d time.Duration) {
	if d > 0 {
		b.timeout.Store(int64(d))
	}
}

func (b *baseTransport) requestTimeout() time.Duration {
	return time.Duration(b.timeout.Load())
}

// SetRetryPolicy overrides the reconnect policy.
func (b *baseTransport) SetRetryPolicy(policy types.RetryPolicy) {
	b.retryMu.Lock()
	b.retry = policy
	b.retryMu.Unlock()
}

func (b *baseTransport) retryPolicy() types.RetryPolicy {
	b.retryMu.Lock()
	defer b.retryMu.Unlock()
	return b.retry
}

// Stats returns a snapshot of the counters.
func (b *baseTransport) Stats() types.Stats {
	s := types.Stats{
		MessagesSent:     b.messagesSent.Load(),
		MessagesReceived: b.messagesReceived.Load(),
		BytesSent:        b.bytesSent.Load(),
		BytesReceived:    b.bytesReceived.Load(),
		Errors:           b.errorCount.Load(),
	}
	if at := b.connectedAt.Load(); at > 0 {
		s.ConnectedAt = time.Unix(0, at)
	}
	if at := b.lastMessageAt.Load(); at > 0 {
		s.LastMessageAt = time.Unix(0, at)
	}
	return s
}

func (b *baseTransport) countSent(bytes int) {
	b.messagesSent.Add(1)
	b.bytesSent.Add(uint64(bytes))
	b.lastMessageAt.Store(time.Now().UnixNano())
}

func (b *baseTransport) countReceived(bytes int) {
	b.messagesReceived.Add(1)
	b.bytesReceived.Add(uint64(bytes))
	b.lastMessageAt.Store(time.Now().UnixNano())
}

// handleInbound routes one decoded inbound message: responses resolve
// their pending entry, everything else is broadcast as a message event.
func (b *baseTransport) handleInbound(msg *types.JSONRPCMessage) {
	if msg.IsResponse() {
		b.pending.resolve(msg.ID, msg)
		return
	}
	b.emit(types.Event{Type: types.EventMessage, Message: msg})
}

// failAllPending rejects every in-flight request with a disconnect error.
func (b *baseTransport) failAllPending() {
	b.pending.failAll(transporterrors.NewTransportError(transporterrors.ErrTransportClosed, b.serverID, ""))
}

// sendFunc writes one encoded message to the wire.
type sendFunc func(ctx context.Context, msg *types.JSONRPCMessage) error

// request implements the shared request/response cycle over a variant's
// send function: allocate an id, register the waiter, send, then wait for
// the response, the timeout, or cancellation. The pending entry is
// released on every path.
func (b *baseTransport) request(ctx context.Context, send sendFunc, method string, params any) (json.RawMessage, error) {
	id, ch := b.pending.add()

	msg, err := types.NewRequestMessage(id, method, params)
	if err != nil {
		b.pending.remove(id)
		return nil, errors.NewProtocolError("failed to encode request", err)
	}

	if err := send(ctx, msg); err != nil {
		b.pending.remove(id)
		return nil, err
	}

	timer := time.NewTimer(b.requestTimeout())
	defer timer.Stop()

	select {
	case res := <-ch:
		if res.err != nil {
			return nil, errors.NewCanceledError("request canceled", res.err)
		}
		if res.msg.Error != nil {
			return nil, errors.NewProtocolError(res.msg.Error.Message, res.msg.Error)
		}
		return res.msg.Result, nil

	case <-timer.C:
		b.pending.remove(id)
		return nil, errors.NewTimeoutError(
			method+" timed out after "+b.requestTimeout().String(),
			transporterrors.NewTransportError(transporterrors.ErrRequestTimeout, b.serverID, method),
		)

	case <-ctx.Done():
		b.pending.remove(id)
		return nil, errors.NewCanceledError("request canceled by caller", ctx.Err())
	}
}

// notify implements the shared notification path over a variant's send
// function.
func (b *baseTransport) notify(ctx context.Context, send sendFunc, method string, params any) error {
	msg, err := types.NewNotificationMessage(method, params)
	if err != nil {
		return errors.NewProtocolError("failed to encode notification", err)
	}
	return send(ctx, msg)
}
