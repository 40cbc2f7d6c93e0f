package v1

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/deechat/dmcp/pkg/core"
	"github.com/deechat/dmcp/pkg/logger"
	"github.com/deechat/dmcp/pkg/orchestrator"
)

// ServerRoutes defines the routes for server management.
type ServerRoutes struct {
	orch *orchestrator.Orchestrator
}

// ServerRouter creates a new ServerRoutes instance.
func ServerRouter(orch *orchestrator.Orchestrator) http.Handler {
	routes := ServerRoutes{orch: orch}
	r := chi.NewRouter()
	r.Get("/", routes.listServers)
	r.Post("/", routes.addServer)
	r.Get("/{id}", routes.getServer)
	r.Patch("/{id}", routes.updateServer)
	r.Delete("/{id}", routes.removeServer)
	r.Get("/{id}/status", routes.getServerStatus)
	r.Post("/{id}/test", routes.testServer)
	r.Get("/{id}/tools", routes.discoverServerTools)
	return r
}

type serverListResponse struct {
	Servers []core.ServerConfig `json:"servers"`
}

func (s *ServerRoutes) listServers(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, serverListResponse{Servers: s.orch.GetAllServers()})
}

func (s *ServerRoutes) addServer(w http.ResponseWriter, r *http.Request) {
	var cfg core.ServerConfig
	if err := json.NewDecoder(r.Body).Decode(&cfg); err != nil {
		http.Error(w, "Failed to decode server config", http.StatusBadRequest)
		return
	}

	added, err := s.orch.AddServer(r.Context(), &cfg)
	if err != nil {
		logger.Errorf("Failed to add server: %v", err)
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, added)
}

func (s *ServerRoutes) getServer(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	cfg, ok := s.orch.GetServer(id)
	if !ok {
		http.Error(w, "Server not found", http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, cfg)
}

func (s *ServerRoutes) updateServer(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if _, ok := s.orch.GetServer(id); !ok {
		http.Error(w, "Server not found", http.StatusNotFound)
		return
	}

	var patch map[string]any
	if err := json.NewDecoder(r.Body).Decode(&patch); err != nil {
		http.Error(w, "Failed to decode patch", http.StatusBadRequest)
		return
	}

	updated, err := s.orch.UpdateServer(r.Context(), id, patch)
	if err != nil {
		logger.Errorf("Failed to update server %s: %v", id, err)
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, updated)
}

func (s *ServerRoutes) removeServer(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if _, ok := s.orch.GetServer(id); !ok {
		http.Error(w, "Server not found", http.StatusNotFound)
		return
	}

	if err := s.orch.RemoveServer(r.Context(), id); err != nil {
		logger.Errorf("Failed to remove server %s: %v", id, err)
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *ServerRoutes) getServerStatus(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if _, ok := s.orch.GetServer(id); !ok {
		http.Error(w, "Server not found", http.StatusNotFound)
		return
	}

	status, err := s.orch.GetServerStatus(id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, status)
}

func (s *ServerRoutes) testServer(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if _, ok := s.orch.GetServer(id); !ok {
		http.Error(w, "Server not found", http.StatusNotFound)
		return
	}

	if err := s.orch.TestServerConnection(r.Context(), id); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type toolListResponse struct {
	Tools []core.Tool `json:"tools"`
}

func (s *ServerRoutes) discoverServerTools(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if _, ok := s.orch.GetServer(id); !ok {
		http.Error(w, "Server not found", http.StatusNotFound)
		return
	}

	tools, err := s.orch.DiscoverServerTools(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toolListResponse{Tools: tools})
}
