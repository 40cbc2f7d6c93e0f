// Package events provides the typed lifecycle event bus shared by the MCP
// runtime components. Publishing is synchronous: listeners run on the
// publisher's goroutine, so events for a single server are observed in the
// order they were emitted.
package events

import (
	"sync"
	"time"

	"github.com/deechat/dmcp/pkg/logger"
)

// Type identifies the kind of a lifecycle event.
type Type string

// Lifecycle event types emitted by the runtime.
const (
	ServerConnected    Type = "serverConnected"
	ServerDisconnected Type = "serverDisconnected"
	ServerError        Type = "serverError"
	ServerMessage      Type = "serverMessage"
	ToolDiscovered     Type = "toolDiscovered"
	ToolCalled         Type = "toolCalled"
	ToolError          Type = "toolError"
	ConfigAdded        Type = "configAdded"
	ConfigUpdated      Type = "configUpdated"
	ConfigRemoved      Type = "configRemoved"
)

// Event is one lifecycle occurrence.
type Event struct {
	Type      Type           `json:"type"`
	ServerID  string         `json:"serverId,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
	Data      map[string]any `json:"data,omitempty"`
	Err       error          `json:"-"`
}

// ErrorMessage returns the carried error text, or empty when none.
func (e Event) ErrorMessage() string {
	if e.Err == nil {
		return ""
	}
	return e.Err.Error()
}

// Listener receives published events. Listeners run synchronously on the
// publisher's goroutine and should hand off long work.
type Listener func(Event)

type subscriber struct {
	id int64
	fn Listener
}

// Bus fans events out to subscribers.
type Bus struct {
	mu          sync.RWMutex
	subscribers []subscriber
	nextID      int64
}

// NewBus creates an empty event bus.
func NewBus() *Bus {
	return &Bus{}
}

// Subscribe registers a listener and returns its unsubscribe function.
// Unsubscribing twice is harmless.
func (b *Bus) Subscribe(fn Listener) func() {
	b.mu.Lock()
	b.nextID++
	id := b.nextID
	b.subscribers = append(b.subscribers, subscriber{id: id, fn: fn})
	b.mu.Unlock()

	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		for i, sub := range b.subscribers {
			if sub.id == id {
				b.subscribers = append(b.subscribers[:i], b.subscribers[i+1:]...)
				return
			}
		}
	}
}

// Publish delivers the event to every subscriber in subscription order.
// Listener panics are caught and logged so one bad subscriber cannot break
// the publishing component.
func (b *Bus) Publish(evt Event) {
	if evt.Timestamp.IsZero() {
		evt.Timestamp = time.Now()
	}

	b.mu.RLock()
	subs := make([]subscriber, len(b.subscribers))
	copy(subs, b.subscribers)
	b.mu.RUnlock()

	for _, sub := range subs {
		deliver(sub.fn, evt)
	}
}

func deliver(fn Listener, evt Event) {
	defer func() {
		if r := recover(); r != nil {
			logger.Errorw("event listener panicked", "type", evt.Type, "serverId", evt.ServerID, "panic", r)
		}
	}()
	fn(evt)
}

// Emit is shorthand for publishing an event without a payload.
func (b *Bus) Emit(t Type, serverID string) {
	b.Publish(Event{Type: t, ServerID: serverID})
}

// EmitError publishes an event carrying an error.
func (b *Bus) EmitError(t Type, serverID string, err error) {
	b.Publish(Event{Type: t, ServerID: serverID, Err: err})
}

// EmitData publishes an event carrying a payload.
func (b *Bus) EmitData(t Type, serverID string, data map[string]any) {
	b.Publish(Event{Type: t, ServerID: serverID, Data: data})
}

// SubscriberCount reports the number of live subscriptions.
func (b *Bus) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers)
}
