package v1

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/deechat/dmcp/pkg/events"
	"github.com/deechat/dmcp/pkg/orchestrator"
)

// eventQueueSize bounds the per-subscriber buffer. A client that cannot
// keep up loses events rather than blocking the runtime's bus.
const eventQueueSize = 64

// EventsRoutes bridges the runtime event bus onto an SSE stream.
type EventsRoutes struct {
	orch *orchestrator.Orchestrator
}

// EventsRouter creates a new EventsRoutes instance.
func EventsRouter(orch *orchestrator.Orchestrator) http.Handler {
	routes := EventsRoutes{orch: orch}
	r := chi.NewRouter()
	r.Get("/", routes.streamEvents)
	return r
}

type wireEvent struct {
	Type      events.Type    `json:"type"`
	ServerID  string         `json:"serverId,omitempty"`
	Timestamp string         `json:"timestamp"`
	Data      map[string]any `json:"data,omitempty"`
	Error     string         `json:"error,omitempty"`
}

func (e *EventsRoutes) streamEvents(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "Streaming unsupported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	queue := make(chan events.Event, eventQueueSize)
	unsubscribe := e.orch.Subscribe(func(evt events.Event) {
		select {
		case queue <- evt:
		default: // slow client, drop
		}
	})
	defer unsubscribe()

	for {
		select {
		case <-r.Context().Done():
			return
		case evt := <-queue:
			if err := writeSSEEvent(w, evt); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}

func writeSSEEvent(w http.ResponseWriter, evt events.Event) error {
	payload, err := json.Marshal(wireEvent{
		Type:      evt.Type,
		ServerID:  evt.ServerID,
		Timestamp: evt.Timestamp.UTC().Format("2006-01-02T15:04:05.000Z07:00"),
		Data:      evt.Data,
		Error:     evt.ErrorMessage(),
	})
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "event: %s\ndata: %s\n\n", evt.Type, payload)
	return err
}
