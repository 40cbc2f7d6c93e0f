package testkit

import (
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

// sseServer serves MCP over the legacy HTTP+SSE transport: a GET stream
// on /sse that first announces the /messages endpoint, and a POST handler
// that pushes responses back through the stream.
type sseServer struct {
	middlewares []func(http.Handler) http.Handler
	tools       map[string]ToolDef

	events chan []byte
}

var _ TestMCPServer = (*sseServer)(nil)

func (s *sseServer) SetMiddlewares(middlewares ...func(http.Handler) http.Handler) error {
	if len(s.middlewares) > 0 {
		return fmt.Errorf("middlewares already set")
	}
	s.middlewares = middlewares
	return nil
}

func (s *sseServer) AddTool(tool ToolDef) error {
	if _, ok := s.tools[tool.Name]; ok {
		return fmt.Errorf("tool %s already exists", tool.Name)
	}
	s.tools[tool.Name] = tool
	return nil
}

// NewSSETestServer creates a legacy SSE MCP server wrapped in an
// httptest.Server. The stream endpoint is /sse.
func NewSSETestServer(options ...TestMCPServerOption) (*httptest.Server, error) {
	server := &sseServer{
		tools:  make(map[string]ToolDef),
		events: make(chan []byte, 16),
	}

	for _, option := range options {
		if err := option(server); err != nil {
			return nil, fmt.Errorf("failed to apply option: %w", err)
		}
	}

	router := chi.NewRouter()
	allMiddlewares := append(
		[]func(http.Handler) http.Handler{
			middleware.RequestID,
			middleware.Recoverer,
		},
		server.middlewares...,
	)
	router.Use(allMiddlewares...)

	router.Get("/sse", server.streamHandler)
	router.Post("/messages", server.messageHandler)

	return httptest.NewServer(router), nil
}

func (s *sseServer) streamHandler(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.WriteHeader(http.StatusOK)

	// The endpoint announcement must be the first event on the stream.
	fmt.Fprintf(w, "event: endpoint\ndata: /messages\n\n")
	flusher.Flush()

	for {
		select {
		case <-r.Context().Done():
			return
		case payload := <-s.events:
			fmt.Fprintf(w, "event: message\ndata: %s\n\n", payload)
			flusher.Flush()
		}
	}
}

func (s *sseServer) messageHandler(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		http.Error(w, "error reading request body", http.StatusInternalServerError)
		return
	}

	reply, err := dispatch(s.tools, body)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if reply != nil {
		s.events <- reply
	}

	w.WriteHeader(http.StatusAccepted)
	_, _ = w.Write([]byte("Accepted"))
}
