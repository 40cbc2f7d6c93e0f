package testkit

import (
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
)

// streamableServer serves MCP over the streamable HTTP transport on /mcp.
// The initialize exchange assigns an Mcp-Session-Id; DELETE tears the
// session down.
type streamableServer struct {
	middlewares []func(http.Handler) http.Handler
	tools       map[string]ToolDef

	mu       sync.Mutex
	sessions map[string]bool
	deletes  int
}

var _ TestMCPServer = (*streamableServer)(nil)

func (s *streamableServer) SetMiddlewares(middlewares ...func(http.Handler) http.Handler) error {
	if len(s.middlewares) > 0 {
		return fmt.Errorf("middlewares already set")
	}
	s.middlewares = middlewares
	return nil
}

func (s *streamableServer) AddTool(tool ToolDef) error {
	if _, ok := s.tools[tool.Name]; ok {
		return fmt.Errorf("tool %s already exists", tool.Name)
	}
	s.tools[tool.Name] = tool
	return nil
}

// SessionDeletes reports how many DELETE requests the server has seen.
func (s *streamableServer) SessionDeletes() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.deletes
}

// NewStreamableTestServer creates a streamable HTTP MCP server wrapped in
// an httptest.Server. The second return value reports observed session
// DELETEs for assertions.
func NewStreamableTestServer(options ...TestMCPServerOption) (*httptest.Server, func() int, error) {
	server := &streamableServer{
		tools:    make(map[string]ToolDef),
		sessions: make(map[string]bool),
	}

	for _, option := range options {
		if err := option(server); err != nil {
			return nil, nil, fmt.Errorf("failed to apply option: %w", err)
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

	router.Post("/mcp", server.postHandler)
	router.Delete("/mcp", server.deleteHandler)
	router.Get("/mcp", func(w http.ResponseWriter, _ *http.Request) {
		// No server-initiated stream in the test server.
		http.Error(w, "stream not supported", http.StatusMethodNotAllowed)
	})

	return httptest.NewServer(router), server.SessionDeletes, nil
}

func (s *streamableServer) postHandler(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		http.Error(w, "error reading request body", http.StatusInternalServerError)
		return
	}

	sessionID := r.Header.Get("Mcp-Session-Id")
	if sessionID == "" {
		sessionID = uuid.NewString()
		s.mu.Lock()
		s.sessions[sessionID] = true
		s.mu.Unlock()
	}

	reply, err := dispatch(s.tools, body)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if reply == nil {
		// Notification.
		w.Header().Set("Mcp-Session-Id", sessionID)
		w.WriteHeader(http.StatusAccepted)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Mcp-Session-Id", sessionID)
	_, _ = w.Write(reply)
}

func (s *streamableServer) deleteHandler(w http.ResponseWriter, r *http.Request) {
	sessionID := r.Header.Get("Mcp-Session-Id")
	if sessionID == "" {
		http.Error(w, "DELETE requires an Mcp-Session-Id header", http.StatusBadRequest)
		return
	}
	s.mu.Lock()
	delete(s.sessions, sessionID)
	s.deletes++
	s.mu.Unlock()
	w.WriteHeader(http.StatusNoContent)
}
