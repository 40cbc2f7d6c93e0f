// Package core defines the domain types shared by the MCP client runtime:
// server configurations, tools, call requests and responses, and the rules
// for defaulting, validating, and classifying server definitions.
package core

import (
	"fmt"
	"net/url"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"dario.cat/mergo"

	"github.com/deechat/dmcp/pkg/errors"
	"github.com/deechat/dmcp/pkg/transport/types"
)

// Collection identifies the scope a server configuration belongs to.
type Collection string

const (
	// CollectionSystem holds bundled configurations. Immutable through
	// the public remove path.
	CollectionSystem Collection = "system"

	// CollectionProject holds per-workspace configurations.
	CollectionProject Collection = "project"

	// CollectionUser holds user-managed configurations.
	CollectionUser Collection = "user"
)

// String returns the string representation of the collection.
func (c Collection) String() string {
	return string(c)
}

// ParseCollection parses a string into a collection name.
func ParseCollection(s string) (Collection, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "system":
		return CollectionSystem, nil
	case "project":
		return CollectionProject, nil
	case "user":
		return CollectionUser, nil
	default:
		return "", fmt.Errorf("unknown collection %q", s)
	}
}

// ExecutionMode describes how a configured server is run.
type ExecutionMode string

const (
	// ExecutionStandard runs the server as-is (external process or
	// network peer).
	ExecutionStandard ExecutionMode = "standard"

	// ExecutionSandbox runs a stdio server inside the sandbox wrapper.
	ExecutionSandbox ExecutionMode = "sandbox"

	// ExecutionInProcess serves the server from inside the application
	// process, without a wire transport.
	ExecutionInProcess ExecutionMode = "inprocess"
)

// AuthType discriminates the authentication union on a ServerConfig.
type AuthType string

const (
	// AuthNone disables authentication.
	AuthNone AuthType = "none"

	// AuthBearer sends a static bearer token.
	AuthBearer AuthType = "bearer"

	// AuthOAuth2 acquires a token via the client credentials flow and
	// sends it as a bearer.
	AuthOAuth2 AuthType = "oauth2"

	// AuthCustom merges literal headers into every outbound request.
	AuthCustom AuthType = "custom"
)

// AuthConfig is the authentication section of a ServerConfig. Fields are
// interpreted according to Type.
type AuthConfig struct {
	Type AuthType `json:"type"`

	// Token is the static bearer token (bearer).
	Token string `json:"token,omitempty"`

	// OAuth2 client credentials flow (oauth2).
	ClientID     string `json:"clientId,omitempty"`
	ClientSecret string `json:"clientSecret,omitempty"`
	AuthURL      string `json:"authUrl,omitempty"`
	TokenURL     string `json:"tokenUrl,omitempty"`
	Scope        string `json:"scope,omitempty"`
	RedirectURI  string `json:"redirectUri,omitempty"`

	// Headers are merged into outbound requests (custom).
	Headers map[string]string `json:"headers,omitempty"`
}

// RetryConfig controls reconnect and retry pacing for one server.
type RetryConfig struct {
	MaxRetries     int     `json:"maxRetries"`
	InitialDelayMs int     `json:"initialDelayMs,omitempty"`
	MaxDelayMs     int     `json:"maxDelayMs,omitempty"`
	BackoffFactor  float64 `json:"backoffFactor,omitempty"`
}

// Policy converts the wire-format retry settings into a transport retry
// policy.
func (r *RetryConfig) Policy() types.RetryPolicy {
	if r == nil {
		return types.DefaultRetryPolicy()
	}
	return types.RetryPolicy{
		MaxRetries:    r.MaxRetries,
		InitialDelay:  time.Duration(r.InitialDelayMs) * time.Millisecond,
		MaxDelay:      time.Duration(r.MaxDelayMs) * time.Millisecond,
		BackoffFactor: r.BackoffFactor,
	}
}

// SandboxConfig controls the sandbox wrapper for stdio servers.
type SandboxConfig struct {
	Enabled      bool `json:"enabled"`
	AllowNetwork bool `json:"allowNetwork,omitempty"`
}

// RuntimeState holds the live, never-persisted state of a server. It is
// excluded from every on-disk representation.
type RuntimeState struct {
	Status      types.Status `json:"status"`
	PID         int          `json:"pid,omitempty"`
	StartTimeAt *time.Time   `json:"startTimeAt,omitempty"`
	ToolCount   int          `json:"toolCount,omitempty"`
	ErrorCount  int          `json:"errorCount"`
	LastError   string       `json:"lastError,omitempty"`
}

// ServerConfig is the durable definition of one MCP server.
type ServerConfig struct {
	// Identity. ID is opaque and stable across renames.
	ID          string   `json:"id"`
	Name        string   `json:"name"`
	Description string   `json:"description,omitempty"`
	Version     string   `json:"version,omitempty"`
	Tags        []string `json:"tags,omitempty"`

	// Classification.
	Collection Collection `json:"collection,omitempty"`
	Source     string     `json:"source,omitempty"`
	Priority   int        `json:"priority,omitempty"`

	// Transport selection.
	Type types.TransportType `json:"type"`

	// Stdio fields.
	Command          string            `json:"command,omitempty"`
	Args             []string          `json:"args,omitempty"`
	WorkingDirectory string            `json:"workingDirectory,omitempty"`
	Env              map[string]string `json:"env,omitempty"`

	// Network fields.
	URL     string            `json:"url,omitempty"`
	Headers map[string]string `json:"headers,omitempty"`

	// In-memory fields.
	Channel    string `json:"channel,omitempty"`
	SelfHandle bool   `json:"selfHandle,omitempty"`

	// Extra carries transport-specific settings supplied by callers in
	// nested form. Known keys (channel, selfHandle) are lifted into the
	// typed fields by ApplyDefaults.
	Extra map[string]any `json:"extra,omitempty"`

	// Behavior.
	IsEnabled     bool         `json:"isEnabled"`
	AutoStart     bool         `json:"autoStart,omitempty"`
	AutoReconnect bool         `json:"autoReconnect,omitempty"`
	TimeoutMs     int          `json:"timeoutMs,omitempty"`
	Retry         *RetryConfig `json:"retry,omitempty"`
	MaxConcurrent int          `json:"maxConcurrent,omitempty"`

	// Authentication.
	Auth *AuthConfig `json:"auth,omitempty"`

	// Execution hint. Inferred when absent.
	Execution ExecutionMode  `json:"execution,omitempty"`
	Sandbox   *SandboxConfig `json:"sandbox,omitempty"`

	// Timestamps.
	CreatedAt       time.Time  `json:"createdAt,omitempty"`
	UpdatedAt       time.Time  `json:"updatedAt,omitempty"`
	LastConnectedAt *time.Time `json:"lastConnectedAt,omitempty"`

	// Runtime is live state only. Never serialized.
	Runtime *RuntimeState `json:"-"`
}

// Default behavior values applied by ApplyDefaults.
const (
	DefaultTimeoutMs      = 30000
	DefaultMaxRetries     = 3
	DefaultInitialDelayMs = 1000
	DefaultMaxDelayMs     = 30000
	DefaultBackoffFactor  = 2.0
)

// ApplyDefaults fills unset fields with their defaults, lifts transport
// settings out of Extra, normalizes the transport type to its canonical
// spelling, and infers the execution mode when absent. It does not
// validate; call Validate afterwards.
func (c *ServerConfig) ApplyDefaults() error {
	c.liftExtra()

	if parsed, err := types.ParseTransportType(string(c.Type)); err == nil {
		c.Type = parsed
	}

	defaults := ServerConfig{
		Collection: CollectionUser,
		Source:     "user",
		TimeoutMs:  DefaultTimeoutMs,
	}
	if err := mergo.Merge(c, defaults); err != nil {
		return fmt.Errorf("failed to apply defaults: %w", err)
	}

	if c.Name == "" {
		c.Name = c.ID
	}

	// Retry is defaulted field by field so an explicit maxRetries of
	// zero survives.
	if c.Retry == nil {
		c.Retry = &RetryConfig{
			MaxRetries:     DefaultMaxRetries,
			InitialDelayMs: DefaultInitialDelayMs,
			MaxDelayMs:     DefaultMaxDelayMs,
			BackoffFactor:  DefaultBackoffFactor,
		}
	} else {
		if c.Retry.InitialDelayMs == 0 {
			c.Retry.InitialDelayMs = DefaultInitialDelayMs
		}
		if c.Retry.MaxDelayMs == 0 {
			c.Retry.MaxDelayMs = DefaultMaxDelayMs
		}
		if c.Retry.BackoffFactor == 0 {
			c.Retry.BackoffFactor = DefaultBackoffFactor
		}
	}

	if c.Type == types.TransportTypeInMemory && c.Channel == "" {
		c.Channel = c.ID
	}

	if c.Execution == "" {
		c.Execution = c.InferExecution()
	}

	return nil
}

// liftExtra copies known transport settings from the Extra map into their
// typed fields. Unknown keys are left in place.
func (c *ServerConfig) liftExtra() {
	if len(c.Extra) == 0 {
		return
	}
	if ch, ok := c.Extra["channel"].(string); ok && c.Channel == "" {
		c.Channel = ch
	}
	if sh, ok := c.Extra["selfHandle"].(bool); ok && !c.SelfHandle {
		c.SelfHandle = sh
	}
}

// InferExecution classifies how the server should be run when the config
// does not say. The checks run in a fixed order; the first match wins.
func (c *ServerConfig) InferExecution() ExecutionMode {
	switch c.Type {
	case types.TransportTypeInMemory:
		return ExecutionInProcess
	case types.TransportTypeWebSocket, types.TransportTypeStreamableHTTP, types.TransportTypeSSE:
		return ExecutionStandard
	}

	// The remaining checks only apply to stdio servers.
	base := strings.ToLower(filepath.Base(c.Command))
	base = strings.TrimSuffix(base, filepath.Ext(base))
	if base == "npx" || base == "npm" {
		return ExecutionSandbox
	}
	for _, tag := range c.Tags {
		if strings.EqualFold(tag, "inprocess") {
			return ExecutionInProcess
		}
	}
	if c.Sandbox != nil && c.Sandbox.Enabled {
		return ExecutionSandbox
	}
	return ExecutionStandard
}

// Validate checks the structural invariants of the configuration. It is
// meant to run after ApplyDefaults; a nil return means the config is safe
// to persist and to hand to the transport factory.
func (c *ServerConfig) Validate() error {
	if c.ID == "" {
		return errors.NewConfigInvalidError("server id is required", nil)
	}
	if c.Name == "" {
		return errors.NewConfigInvalidError("server name is required", nil)
	}

	switch c.Collection {
	case CollectionSystem, CollectionProject, CollectionUser:
	default:
		return errors.NewConfigInvalidError(fmt.Sprintf("unknown collection %q", c.Collection), nil)
	}

	transportType, err := types.ParseTransportType(string(c.Type))
	if err != nil {
		return errors.NewConfigInvalidError(fmt.Sprintf("unsupported transport type %q", c.Type), err)
	}

	switch transportType {
	case types.TransportTypeStdio:
		if strings.TrimSpace(c.Command) == "" {
			return errors.NewConfigInvalidError("stdio server requires a command", nil)
		}
	case types.TransportTypeWebSocket, types.TransportTypeStreamableHTTP, types.TransportTypeSSE:
		if err := validateServerURL(c.URL); err != nil {
			return errors.NewConfigInvalidError(err.Error(), nil)
		}
	case types.TransportTypeInMemory:
		if c.Channel == "" && !c.SelfHandle {
			return errors.NewConfigInvalidError("inmemory server requires a channel or selfHandle", nil)
		}
	}

	if c.TimeoutMs < 1000 {
		return errors.NewConfigInvalidError(fmt.Sprintf("timeoutMs must be at least 1000, got %d", c.TimeoutMs), nil)
	}
	if c.Retry != nil {
		if c.Retry.MaxRetries < 0 {
			return errors.NewConfigInvalidError("retry.maxRetries must not be negative", nil)
		}
		if c.Retry.InitialDelayMs < 0 || c.Retry.MaxDelayMs < 0 {
			return errors.NewConfigInvalidError("retry delays must not be negative", nil)
		}
		if c.Retry.BackoffFactor < 1 {
			return errors.NewConfigInvalidError("retry.backoffFactor must be at least 1", nil)
		}
	}
	if c.MaxConcurrent < 0 {
		return errors.NewConfigInvalidError("maxConcurrent must not be negative", nil)
	}

	if err := c.validateAuth(); err != nil {
		return err
	}

	switch c.Execution {
	case ExecutionStandard, ExecutionSandbox, ExecutionInProcess:
	default:
		return errors.NewConfigInvalidError(fmt.Sprintf("unknown execution mode %q", c.Execution), nil)
	}

	if c.Source != "" {
		switch c.Source {
		case "user", "project", "system", "imported":
		default:
			return errors.NewConfigInvalidError(fmt.Sprintf("unknown source %q", c.Source), nil)
		}
	}

	return nil
}

func (c *ServerConfig) validateAuth() error {
	if c.Auth == nil {
		return nil
	}
	switch c.Auth.Type {
	case AuthNone, "":
	case AuthBearer:
		if c.Auth.Token == "" {
			return errors.NewConfigInvalidError("bearer auth requires a token", nil)
		}
	case AuthOAuth2:
		if c.Auth.ClientID == "" || c.Auth.TokenURL == "" {
			return errors.NewConfigInvalidError("oauth2 auth requires clientId and tokenUrl", nil)
		}
	case AuthCustom:
		if len(c.Auth.Headers) == 0 {
			return errors.NewConfigInvalidError("custom auth requires at least one header", nil)
		}
	default:
		return errors.NewConfigInvalidError(fmt.Sprintf("unknown auth type %q", c.Auth.Type), nil)
	}
	return nil
}

func validateServerURL(raw string) error {
	if raw == "" {
		return fmt.Errorf("network server requires a url")
	}
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("invalid url %q: %w", raw, err)
	}
	if !u.IsAbs() || u.Host == "" {
		return fmt.Errorf("url %q must be absolute", raw)
	}
	return nil
}

// Timeout returns the per-request timeout as a duration.
func (c *ServerConfig) Timeout() time.Duration {
	if c.TimeoutMs <= 0 {
		return DefaultTimeoutMs * time.Millisecond
	}
	return time.Duration(c.TimeoutMs) * time.Millisecond
}

// Clone returns a deep copy of the configuration. Runtime state is shared
// deliberately; everything durable is copied.
func (c *ServerConfig) Clone() *ServerConfig {
	if c == nil {
		return nil
	}
	out := *c
	out.Tags = append([]string(nil), c.Tags...)
	out.Args = append([]string(nil), c.Args...)
	out.Env = cloneStringMap(c.Env)
	out.Headers = cloneStringMap(c.Headers)
	if c.Extra != nil {
		out.Extra = make(map[string]any, len(c.Extra))
		for k, v := range c.Extra {
			out.Extra[k] = v
		}
	}
	if c.Retry != nil {
		retry := *c.Retry
		out.Retry = &retry
	}
	if c.Auth != nil {
		auth := *c.Auth
		auth.Headers = cloneStringMap(c.Auth.Headers)
		out.Auth = &auth
	}
	if c.Sandbox != nil {
		sandbox := *c.Sandbox
		out.Sandbox = &sandbox
	}
	if c.LastConnectedAt != nil {
		t := *c.LastConnectedAt
		out.LastConnectedAt = &t
	}
	return &out
}

func cloneStringMap(m map[string]string) map[string]string {
	if m == nil {
		return nil
	}
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

// SortServersByName sorts the configurations alphabetically by name.
func SortServersByName(configs []ServerConfig) {
	sort.Slice(configs, func(i, j int) bool {
		return configs[i].Name < configs[j].Name
	})
}
