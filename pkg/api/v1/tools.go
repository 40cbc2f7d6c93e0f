package v1

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/deechat/dmcp/pkg/core"
	"github.com/deechat/dmcp/pkg/logger"
	"github.com/deechat/dmcp/pkg/orchestrator"
)

// ToolRoutes defines the routes for tool aggregation and invocation.
type ToolRoutes struct {
	orch *orchestrator.Orchestrator
}

// ToolRouter creates a new ToolRoutes instance.
func ToolRouter(orch *orchestrator.Orchestrator) http.Handler {
	routes := ToolRoutes{orch: orch}
	r := chi.NewRouter()
	r.Get("/", routes.listTools)
	r.Post("/call", routes.callTool)
	return r
}

func (t *ToolRoutes) listTools(w http.ResponseWriter, r *http.Request) {
	var tools []core.Tool
	var err error
	if query := r.URL.Query().Get("q"); query != "" {
		tools, err = t.orch.SearchTools(r.Context(), query)
	} else {
		tools, err = t.orch.GetAllTools(r.Context())
	}
	if err != nil {
		logger.Errorf("Failed to list tools: %v", err)
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toolListResponse{Tools: tools})
}

func (t *ToolRoutes) callTool(w http.ResponseWriter, r *http.Request) {
	var req core.ToolCallRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Failed to decode tool call request", http.StatusBadRequest)
		return
	}

	// Any failure on a dispatched call comes back with success false and
	// HTTP 200; only malformed requests and routing failures produce an
	// error status.
	resp, err := t.orch.CallTool(r.Context(), req)
	if err != nil {
		logger.Errorf("Tool call %s/%s failed: %v", req.ServerID, req.ToolName, err)
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}
