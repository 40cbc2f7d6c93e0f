// Package cache holds the runtime's short-lived memory: discovered tool
// catalogs, successful tool-call results, and server status snapshots.
// Every map is TTL-bound with lazy expiry on read plus a periodic sweeper,
// so a stale entry can never be returned and never outlives its window by
// more than one sweep.
package cache

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/deechat/dmcp/pkg/core"
	"github.com/deechat/dmcp/pkg/logger"
)

// TTL windows. Builtin tool catalogs describe in-process servers whose
// tools cannot change while the process lives, hence the long window.
const (
	ToolsTTL        = 5 * time.Minute
	BuiltinToolsTTL = 24 * time.Hour
	ToolCallTTL     = 30 * time.Second
	StatusTTL       = 10 * time.Second

	sweepInterval = 60 * time.Second
)

type entry[T any] struct {
	value     T
	expiresAt time.Time
}

func (e entry[T]) expired(now time.Time) bool {
	return now.After(e.expiresAt)
}

// Cache is the aggregate TTL store. All methods are safe for concurrent
// use.
type Cache struct {
	mu            sync.Mutex
	toolsByServer map[string]entry[[]core.Tool]
	toolCalls     map[string]entry[core.ToolCallResponse]
	serverStatus  map[string]entry[core.ServerStatus]

	stop     chan struct{}
	stopOnce sync.Once
}

// New creates a cache and starts its sweeper.
func New() *Cache {
	c := &Cache{
		toolsByServer: make(map[string]entry[[]core.Tool]),
		toolCalls:     make(map[string]entry[core.ToolCallResponse]),
		serverStatus:  make(map[string]entry[core.ServerStatus]),
		stop:          make(chan struct{}),
	}
	go c.sweepLoop()
	return c
}

// SetTools stores a server's tool catalog. Builtin marks in-process
// catalogs, which get the long TTL.
func (c *Cache) SetTools(serverID string, tools []core.Tool, builtin bool) {
	ttl := ToolsTTL
	if builtin {
		ttl = BuiltinToolsTTL
	}
	c.mu.Lock()
	c.toolsByServer[serverID] = entry[[]core.Tool]{
		value:     tools,
		expiresAt: time.Now().Add(ttl),
	}
	c.mu.Unlock()
}

// GetTools returns a server's cached catalog, or false when absent or
// expired.
func (c *Cache) GetTools(serverID string) ([]core.Tool, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.toolsByServer[serverID]
	if !ok {
		return nil, false
	}
	if e.expired(time.Now()) {
		delete(c.toolsByServer, serverID)
		return nil, false
	}
	return append([]core.Tool(nil), e.value...), true
}

// GetAllTools returns every live cached tool across servers.
func (c *Cache) GetAllTools() []core.Tool {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := time.Now()
	var tools []core.Tool
	for serverID, e := range c.toolsByServer {
		if e.expired(now) {
			delete(c.toolsByServer, serverID)
			continue
		}
		tools = append(tools, e.value...)
	}
	return tools
}

// GetAllServerIds returns the server ids with a live tool catalog.
func (c *Cache) GetAllServerIds() []string {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := time.Now()
	ids := make([]string, 0, len(c.toolsByServer))
	for serverID, e := range c.toolsByServer {
		if e.expired(now) {
			delete(c.toolsByServer, serverID)
			continue
		}
		ids = append(ids, serverID)
	}
	sort.Strings(ids)
	return ids
}

// RecordToolUsage bumps the usage counter of a cached tool in place. A
// missing or expired catalog is a no-op.
func (c *Cache) RecordToolUsage(serverID, toolName string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.toolsByServer[serverID]
	if !ok || e.expired(time.Now()) {
		return
	}
	for i := range e.value {
		if e.value[i].Name == toolName {
			e.value[i].RecordUsage()
			return
		}
	}
}

// SetToolCall stores a successful tool-call response. Failures are never
// cached.
func (c *Cache) SetToolCall(serverID, toolName string, args map[string]any, resp core.ToolCallResponse) {
	if !resp.Success {
		return
	}
	key := CallKey(serverID, toolName, args)
	c.mu.Lock()
	c.toolCalls[key] = entry[core.ToolCallResponse]{
		value:     resp,
		expiresAt: time.Now().Add(ToolCallTTL),
	}
	c.mu.Unlock()
}

// GetToolCall returns a cached call response for identical arguments.
func (c *Cache) GetToolCall(serverID, toolName string, args map[string]any) (core.ToolCallResponse, bool) {
	key := CallKey(serverID, toolName, args)

	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.toolCalls[key]
	if !ok {
		return core.ToolCallResponse{}, false
	}
	if e.expired(time.Now()) {
		delete(c.toolCalls, key)
		return core.ToolCallResponse{}, false
	}
	return e.value, true
}

// SetStatus stores a server status snapshot.
func (c *Cache) SetStatus(serverID string, status core.ServerStatus) {
	c.mu.Lock()
	c.serverStatus[serverID] = entry[core.ServerStatus]{
		value:     status,
		expiresAt: time.Now().Add(StatusTTL),
	}
	c.mu.Unlock()
}

// GetStatus returns a live status snapshot.
func (c *Cache) GetStatus(serverID string) (core.ServerStatus, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.serverStatus[serverID]
	if !ok {
		return core.ServerStatus{}, false
	}
	if e.expired(time.Now()) {
		delete(c.serverStatus, serverID)
		return core.ServerStatus{}, false
	}
	return e.value, true
}

// InvalidateServer drops everything cached for one server: its tool
// catalog, its status, and every call result keyed under it.
func (c *Cache) InvalidateServer(serverID string) {
	prefix := serverID + "|"

	c.mu.Lock()
	delete(c.toolsByServer, serverID)
	delete(c.serverStatus, serverID)
	for key := range c.toolCalls {
		if strings.HasPrefix(key, prefix) {
			delete(c.toolCalls, key)
		}
	}
	c.mu.Unlock()

	logger.Debugw("cache invalidated", "server", serverID)
}

// ClearAll empties every map.
func (c *Cache) ClearAll() {
	c.mu.Lock()
	c.toolsByServer = make(map[string]entry[[]core.Tool])
	c.toolCalls = make(map[string]entry[core.ToolCallResponse])
	c.serverStatus = make(map[string]entry[core.ServerStatus])
	c.mu.Unlock()
}

// Destroy stops the sweeper and empties the cache. Safe to call more than
// once.
func (c *Cache) Destroy() {
	c.stopOnce.Do(func() { close(c.stop) })
	c.ClearAll()
}

func (c *Cache) sweepLoop() {
	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-c.stop:
			return
		case <-ticker.C:
			c.sweep(time.Now())
		}
	}
}

func (c *Cache) sweep(now time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()

	for key, e := range c.toolsByServer {
		if e.expired(now) {
			delete(c.toolsByServer, key)
		}
	}
	for key, e := range c.toolCalls {
		if e.expired(now) {
			delete(c.toolCalls, key)
		}
	}
	for key, e := range c.serverStatus {
		if e.expired(now) {
			delete(c.serverStatus, key)
		}
	}
}

// CallKey derives the cache key for one tool invocation:
// serverId|toolName|base64(canonical JSON of the arguments). Canonical
// JSON sorts object keys recursively, so argument maps that differ only in
// iteration order produce the same key.
func CallKey(serverID, toolName string, args map[string]any) string {
	canonical := canonicalJSON(args)
	encoded := base64.StdEncoding.EncodeToString([]byte(canonical))
	return fmt.Sprintf("%s|%s|%s", serverID, toolName, encoded)
}

func canonicalJSON(v any) string {
	var b strings.Builder
	writeCanonical(&b, v)
	return b.String()
}

func writeCanonical(b *strings.Builder, v any) {
	switch val := v.(type) {
	case nil:
		b.WriteString("null")
	case map[string]any:
		keys := make([]string, 0, len(val))
		for k := range val {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		b.WriteByte('{')
		for i, k := range keys {
			if i > 0 {
				b.WriteByte(',')
			}
			keyJSON, _ := json.Marshal(k)
			b.Write(keyJSON)
			b.WriteByte(':')
			writeCanonical(b, val[k])
		}
		b.WriteByte('}')
	case []any:
		b.WriteByte('[')
		for i, item := range val {
			if i > 0 {
				b.WriteByte(',')
			}
			writeCanonical(b, item)
		}
		b.WriteByte(']')
	default:
		encoded, err := json.Marshal(val)
		if err != nil {
			b.WriteString(fmt.Sprintf("%q", fmt.Sprint(val)))
			return
		}
		b.Write(encoded)
	}
}
