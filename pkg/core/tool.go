package core

import (
	"encoding/json"
	"sort"
	"strings"
	"time"

	"github.com/deechat/dmcp/pkg/transport/types"
)

// Tool is a protocol-visible callable discovered from a server's
// tools/list response.
type Tool struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	InputSchema json.RawMessage `json:"inputSchema,omitempty"`

	// ServerID and ServerName identify the owning server.
	ServerID   string `json:"serverId"`
	ServerName string `json:"serverName,omitempty"`

	// Category and Tags are derived at discovery time and used for
	// grouping in search results.
	Category string   `json:"category,omitempty"`
	Tags     []string `json:"tags,omitempty"`

	// Usage bookkeeping. Mutated only through usage recording.
	UsageCount int        `json:"usageCount"`
	LastUsedAt *time.Time `json:"lastUsedAt,omitempty"`
}

// DeriveCategory extracts a coarse grouping from a tool name: the leading
// segment before the first separator, or "general" when the name has no
// separator.
func DeriveCategory(name string) string {
	idx := strings.IndexAny(name, "_-/")
	if idx <= 0 {
		return "general"
	}
	return strings.ToLower(name[:idx])
}

// Decorate fills the derived fields of a freshly discovered tool.
func (t *Tool) Decorate(serverID, serverName string) {
	t.ServerID = serverID
	t.ServerName = serverName
	if t.Category == "" {
		t.Category = DeriveCategory(t.Name)
	}
	if len(t.Tags) == 0 {
		t.Tags = []string{serverName, t.Category}
	}
}

// RecordUsage bumps the usage counter and stamps the last-used time.
func (t *Tool) RecordUsage() {
	t.UsageCount++
	now := time.Now()
	t.LastUsedAt = &now
}

// MatchesQuery reports whether the tool matches a case-insensitive
// substring search over name, description, and tags.
func (t *Tool) MatchesQuery(query string) bool {
	q := strings.ToLower(strings.TrimSpace(query))
	if q == "" {
		return true
	}
	if strings.Contains(strings.ToLower(t.Name), q) {
		return true
	}
	if strings.Contains(strings.ToLower(t.Description), q) {
		return true
	}
	for _, tag := range t.Tags {
		if strings.Contains(strings.ToLower(tag), q) {
			return true
		}
	}
	return false
}

// SortToolsByName sorts tools alphabetically, grouping by server first so
// aggregated listings are stable.
func SortToolsByName(tools []Tool) {
	sort.Slice(tools, func(i, j int) bool {
		if tools[i].ServerID != tools[j].ServerID {
			return tools[i].ServerID < tools[j].ServerID
		}
		return tools[i].Name < tools[j].Name
	})
}

// ToolCallRequest asks the runtime to invoke one tool on one server.
type ToolCallRequest struct {
	ServerID  string         `json:"serverId"`
	ToolName  string         `json:"toolName"`
	Arguments map[string]any `json:"arguments,omitempty"`
	CallID    string         `json:"callId,omitempty"`
}

// ToolCallResponse is the outcome of a tool invocation. Tool failures are
// carried in Error with Success false; the facade never turns them into
// returned errors.
type ToolCallResponse struct {
	Success    bool   `json:"success"`
	Result     any    `json:"result,omitempty"`
	Error      string `json:"error,omitempty"`
	CallID     string `json:"callId,omitempty"`
	DurationMs int64  `json:"durationMs"`
}

// ServerStatus is the caller-facing status summary for one server.
type ServerStatus struct {
	Status        types.Status `json:"status"`
	ToolCount     int          `json:"toolCount"`
	Version       string       `json:"version,omitempty"`
	LastConnected *time.Time   `json:"lastConnected,omitempty"`
}

// ServerInfo is the implementation identity a server reports during the
// initialize handshake.
type ServerInfo struct {
	Name    string `json:"name"`
	Version string `json:"version,omitempty"`
}

// ServerCapabilities is the capability set a server reports during the
// initialize handshake. The runtime only inspects presence, so the
// sections stay opaque.
type ServerCapabilities struct {
	Tools     json.RawMessage `json:"tools,omitempty"`
	Resources json.RawMessage `json:"resources,omitempty"`
	Prompts   json.RawMessage `json:"prompts,omitempty"`
	Logging   json.RawMessage `json:"logging,omitempty"`
}

// Resource is a protocol-visible resource discovered from a server's
// resources/list response.
type Resource struct {
	URI         string `json:"uri"`
	Name        string `json:"name,omitempty"`
	Description string `json:"description,omitempty"`
	MIMEType    string `json:"mimeType,omitempty"`
	ServerID    string `json:"serverId,omitempty"`
}

// ResourceContents is one block of a resources/read result.
type ResourceContents struct {
	URI      string `json:"uri"`
	MIMEType string `json:"mimeType,omitempty"`
	Text     string `json:"text,omitempty"`
	Blob     string `json:"blob,omitempty"`
}
