package orchestrator

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"runtime"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"

	"github.com/deechat/dmcp/pkg/client"
	clientmocks "github.com/deechat/dmcp/pkg/client/mocks"
	"github.com/deechat/dmcp/pkg/core"
	"github.com/deechat/dmcp/pkg/errors"
	"github.com/deechat/dmcp/pkg/events"
	"github.com/deechat/dmcp/pkg/registry"
	supervisormocks "github.com/deechat/dmcp/pkg/supervisor/mocks"
)

type recordingBus struct {
	mu     sync.Mutex
	events []events.Event
}

func record(t *testing.T, o *Orchestrator) *recordingBus {
	t.Helper()
	rb := &recordingBus{}
	unsubscribe := o.Subscribe(func(evt events.Event) {
		rb.mu.Lock()
		rb.events = append(rb.events, evt)
		rb.mu.Unlock()
	})
	t.Cleanup(unsubscribe)
	return rb
}

func (r *recordingBus) count(eventType events.Type, serverID string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, evt := range r.events {
		if evt.Type == eventType && evt.ServerID == serverID {
			n++
		}
	}
	return n
}

func (r *recordingBus) last(eventType events.Type) (events.Event, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i := len(r.events) - 1; i >= 0; i-- {
		if r.events[i].Type == eventType {
			return r.events[i], true
		}
	}
	return events.Event{}, false
}

func newTestOrchestrator(t *testing.T, opts ...Option) *Orchestrator {
	t.Helper()
	base := []Option{
		WithPaths(registry.Paths{UserData: t.TempDir()}),
		WithSettleDelay(0),
		WithRetrySchedule(time.Millisecond, 2),
	}
	o := New(append(base, opts...)...)
	require.NoError(t, o.Initialize(context.Background()))
	t.Cleanup(func() { o.Shutdown(context.Background()) })
	return o
}

func loopbackConfig(t *testing.T, id string) *core.ServerConfig {
	t.Helper()
	return &core.ServerConfig{
		ID:         id,
		Name:       id,
		Type:       "inmemory",
		Channel:    "chan-" + id + "-" + t.Name(),
		SelfHandle: true,
		IsEnabled:  true,
	}
}

func TestAddServerConnectsAndDiscoversTools(t *testing.T) {
	t.Parallel()

	o := newTestOrchestrator(t)
	rb := record(t, o)

	added, err := o.AddServer(context.Background(), loopbackConfig(t, "srv-add"))
	require.NoError(t, err)
	require.Equal(t, "srv-add", added.ID)

	assert.Equal(t, 1, rb.count(events.ServerConnected, "srv-add"))
	assert.Equal(t, 1, rb.count(events.ToolDiscovered, "srv-add"))

	tools, err := o.GetAllTools(context.Background())
	require.NoError(t, err)
	require.Len(t, tools, 1)
	assert.Equal(t, client.LoopbackToolName, tools[0].Name)
	assert.Equal(t, "srv-add", tools[0].ServerID)
	assert.NotEmpty(t, tools[0].Category)
}

func TestCallToolRoundTrip(t *testing.T) {
	t.Parallel()

	o := newTestOrchestrator(t)
	rb := record(t, o)

	_, err := o.AddServer(context.Background(), loopbackConfig(t, "srv-call"))
	require.NoError(t, err)

	resp, err := o.CallTool(context.Background(), core.ToolCallRequest{
		ServerID:  "srv-call",
		ToolName:  client.LoopbackToolName,
		Arguments: map[string]any{"input": "hi"},
	})
	require.NoError(t, err)
	assert.True(t, resp.Success)
	assert.Equal(t, map[string]any{"toolResult": "Processed: hi"}, resp.Result)
	assert.GreaterOrEqual(t, resp.DurationMs, int64(1))
	assert.Equal(t, 1, rb.count(events.ToolCalled, "srv-call"))
}

func TestCallToolSecondCallServedFromCache(t *testing.T) {
	t.Parallel()

	o := newTestOrchestrator(t)
	rb := record(t, o)

	_, err := o.AddServer(context.Background(), loopbackConfig(t, "srv-idem"))
	require.NoError(t, err)

	req := core.ToolCallRequest{
		ServerID:  "srv-idem",
		ToolName:  client.LoopbackToolName,
		Arguments: map[string]any{"input": "same"},
	}

	first, err := o.CallTool(context.Background(), req)
	require.NoError(t, err)
	require.True(t, first.Success)

	c, ok := o.supervisor.Get("srv-idem")
	require.True(t, ok)
	sentBefore := c.Stats().MessagesSent

	second, err := o.CallTool(context.Background(), req)
	require.NoError(t, err)
	assert.True(t, second.Success)
	assert.Equal(t, first.Result, second.Result)
	assert.Less(t, second.DurationMs, first.DurationMs,
		"a cache hit must be reported faster than the dispatched call")
	assert.Equal(t, sentBefore, c.Stats().MessagesSent,
		"a cache hit must not touch the wire")

	evt, ok := rb.last(events.ToolCalled)
	require.True(t, ok)
	assert.Equal(t, true, evt.Data["cached"])
}

func TestCallToolDifferentArgumentsMissTheCache(t *testing.T) {
	t.Parallel()

	o := newTestOrchestrator(t)

	_, err := o.AddServer(context.Background(), loopbackConfig(t, "srv-miss"))
	require.NoError(t, err)

	call := func(input string) *core.ToolCallResponse {
		resp, err := o.CallTool(context.Background(), core.ToolCallRequest{
			ServerID:  "srv-miss",
			ToolName:  client.LoopbackToolName,
			Arguments: map[string]any{"input": input},
		})
		require.NoError(t, err)
		return resp
	}

	assert.Equal(t, map[string]any{"toolResult": "Processed: one"}, call("one").Result)
	assert.Equal(t, map[string]any{"toolResult": "Processed: two"}, call("two").Result)
}

func TestCallToolRejectsArgumentsFailingTheSchema(t *testing.T) {
	t.Parallel()

	o := newTestOrchestrator(t)

	_, err := o.AddServer(context.Background(), loopbackConfig(t, "srv-schema"))
	require.NoError(t, err)

	_, err = o.CallTool(context.Background(), core.ToolCallRequest{
		ServerID:  "srv-schema",
		ToolName:  client.LoopbackToolName,
		Arguments: map[string]any{"input": 42},
	})
	require.Error(t, err)
	assert.True(t, errors.IsConfigInvalid(err), "got %v", err)
}

func TestCallToolRequiresIdentity(t *testing.T) {
	t.Parallel()

	o := newTestOrchestrator(t)

	_, err := o.CallTool(context.Background(), core.ToolCallRequest{ToolName: "x"})
	require.Error(t, err)
	assert.True(t, errors.IsConfigInvalid(err))

	_, err = o.CallTool(context.Background(), core.ToolCallRequest{ServerID: "x"})
	require.Error(t, err)
	assert.True(t, errors.IsConfigInvalid(err))
}

func TestUpdateServerEnableRollsBackOnConnectFailure(t *testing.T) {
	t.Parallel()
	if runtime.GOOS == "windows" {
		t.Skip("requires a POSIX shell environment")
	}

	paths := registry.Paths{UserData: t.TempDir()}
	o := newTestOrchestrator(t, WithPaths(paths))

	added, err := o.AddServer(context.Background(), &core.ServerConfig{
		ID:        "srv-dead",
		Name:      "srv-dead",
		Type:      "stdio",
		Command:   "/nonexistent/definitely-not-a-binary",
		IsEnabled: false,
	})
	require.NoError(t, err)
	require.False(t, added.IsEnabled)

	_, err = o.UpdateServer(context.Background(), "srv-dead", map[string]any{"isEnabled": true})
	require.Error(t, err)
	assert.True(t, errors.IsTransportUnavailable(err), "got %v", err)

	// Rolled back in memory.
	current, ok := o.GetServer("srv-dead")
	require.True(t, ok)
	assert.False(t, current.IsEnabled)

	// Rolled back on disk.
	data, err := os.ReadFile(filepath.Join(paths.UserDir(), "srv-dead.json"))
	require.NoError(t, err)
	var persisted core.ServerConfig
	require.NoError(t, json.Unmarshal(data, &persisted))
	assert.False(t, persisted.IsEnabled)
}

func TestUpdateServerDisableClosesSession(t *testing.T) {
	t.Parallel()

	o := newTestOrchestrator(t)

	_, err := o.AddServer(context.Background(), loopbackConfig(t, "srv-disable"))
	require.NoError(t, err)
	_, ok := o.supervisor.Get("srv-disable")
	require.True(t, ok)

	updated, err := o.UpdateServer(context.Background(), "srv-disable", map[string]any{"isEnabled": false})
	require.NoError(t, err)
	assert.False(t, updated.IsEnabled)

	_, ok = o.supervisor.Get("srv-disable")
	assert.False(t, ok)
	_, ok = o.cache.GetTools("srv-disable")
	assert.False(t, ok, "disabling must drop the cached catalog")
}

func TestRemoveServer(t *testing.T) {
	t.Parallel()

	o := newTestOrchestrator(t)
	rb := record(t, o)

	_, err := o.AddServer(context.Background(), loopbackConfig(t, "srv-rm"))
	require.NoError(t, err)

	require.NoError(t, o.RemoveServer(context.Background(), "srv-rm"))
	_, ok := o.GetServer("srv-rm")
	assert.False(t, ok)
	_, ok = o.supervisor.Get("srv-rm")
	assert.False(t, ok)
	assert.Equal(t, 1, rb.count(events.ServerDisconnected, "srv-rm"))
	assert.Equal(t, 1, rb.count(events.ConfigRemoved, "srv-rm"))
}

func TestGetServerStatus(t *testing.T) {
	t.Parallel()

	o := newTestOrchestrator(t)

	_, err := o.AddServer(context.Background(), loopbackConfig(t, "srv-status"))
	require.NoError(t, err)

	status, err := o.GetServerStatus("srv-status")
	require.NoError(t, err)
	assert.Equal(t, "connected", string(status.Status))
	assert.Equal(t, 1, status.ToolCount)

	// Served from the status cache on repeat.
	again, err := o.GetServerStatus("srv-status")
	require.NoError(t, err)
	assert.Equal(t, status, again)

	_, err = o.GetServerStatus("srv-unknown")
	require.Error(t, err)
	assert.True(t, errors.IsConfigInvalid(err))
}

func TestTestServerConnection(t *testing.T) {
	t.Parallel()

	o := newTestOrchestrator(t)

	cfg := loopbackConfig(t, "srv-probe")
	cfg.IsEnabled = false
	_, err := o.AddServer(context.Background(), cfg)
	require.NoError(t, err)

	require.NoError(t, o.TestServerConnection(context.Background(), "srv-probe"))

	// The probe is ephemeral: no session survives it.
	_, ok := o.supervisor.Get("srv-probe")
	assert.False(t, ok)

	err = o.TestServerConnection(context.Background(), "srv-unknown")
	require.Error(t, err)
	assert.True(t, errors.IsConfigInvalid(err))
}

func TestSearchTools(t *testing.T) {
	t.Parallel()

	o := newTestOrchestrator(t)

	_, err := o.AddServer(context.Background(), loopbackConfig(t, "srv-search"))
	require.NoError(t, err)

	hits, err := o.SearchTools(context.Background(), "test")
	require.NoError(t, err)
	require.Len(t, hits, 1)
	assert.Equal(t, client.LoopbackToolName, hits[0].Name)

	none, err := o.SearchTools(context.Background(), "no-such-tool-anywhere")
	require.NoError(t, err)
	assert.Empty(t, none)
}

func TestExportImportRoundTrip(t *testing.T) {
	t.Parallel()

	o := newTestOrchestrator(t)

	cfg := loopbackConfig(t, "srv-export")
	cfg.IsEnabled = false
	_, err := o.AddServer(context.Background(), cfg)
	require.NoError(t, err)

	exported := o.ExportConfigs()
	require.Len(t, exported, 1)

	payload, err := json.Marshal(exported)
	require.NoError(t, err)

	other := newTestOrchestrator(t)
	result, err := other.ImportConfigs(payload, core.CollectionUser)
	require.NoError(t, err)
	require.Len(t, result.Added, 1)
	assert.Equal(t, 0, result.Skipped)
	assert.Equal(t, "srv-export", result.Added[0].ID)
}

func TestInitializeConnectsEnabledServersOnce(t *testing.T) {
	t.Parallel()

	paths := registry.Paths{UserData: t.TempDir()}

	// Seed a stored server before the runtime comes up.
	seed := newTestOrchestrator(t, WithPaths(paths))
	_, err := seed.AddServer(context.Background(), loopbackConfig(t, "srv-boot"))
	require.NoError(t, err)
	seed.Shutdown(context.Background())

	o := New(
		WithPaths(paths),
		WithSettleDelay(0),
		WithRetrySchedule(time.Millisecond, 2),
	)
	t.Cleanup(func() { o.Shutdown(context.Background()) })
	rb := record(t, o)

	require.NoError(t, o.Initialize(context.Background()))
	require.NoError(t, o.Initialize(context.Background()), "initialization is idempotent")

	assert.Equal(t, 1, rb.count(events.ServerConnected, "srv-boot"))
	_, ok := o.supervisor.Get("srv-boot")
	assert.True(t, ok)
}

func TestCallToolToolFailureIsAResponseNotAnError(t *testing.T) {
	t.Parallel()

	ctrl := gomock.NewController(t)
	mockClient := clientmocks.NewMockClient(ctrl)
	mockSup := supervisormocks.NewMockClientSupervisor(ctrl)

	o := newTestOrchestratorWithSupervisor(t, mockSup)
	rb := record(t, o)

	cfg := loopbackConfig(t, "srv-fail")
	cfg.IsEnabled = false
	_, err := o.AddServer(context.Background(), cfg)
	require.NoError(t, err)

	mockSup.EXPECT().GetOrOpen(gomock.Any(), gomock.Any()).Return(mockClient, nil)
	mockClient.EXPECT().CallTool(gomock.Any(), "broken", gomock.Any()).
		Return(&client.ToolOutcome{IsError: true, ErrorText: "tool exploded"}, nil)

	resp, err := o.CallTool(context.Background(), core.ToolCallRequest{
		ServerID: "srv-fail",
		ToolName: "broken",
	})
	require.NoError(t, err, "a tool-level failure is not a transport error")
	assert.False(t, resp.Success)
	assert.Equal(t, "tool exploded", resp.Error)
	assert.Equal(t, 1, rb.count(events.ToolError, "srv-fail"))

	// Failures are never served from the cache.
	_, ok := o.cache.GetToolCall("srv-fail", "broken", nil)
	assert.False(t, ok)
}

func TestCallToolTransportFailureIsAResponseNotAnError(t *testing.T) {
	t.Parallel()

	ctrl := gomock.NewController(t)
	mockClient := clientmocks.NewMockClient(ctrl)
	mockSup := supervisormocks.NewMockClientSupervisor(ctrl)

	o := newTestOrchestratorWithSupervisor(t, mockSup)
	rb := record(t, o)

	cfg := loopbackConfig(t, "srv-wire")
	cfg.IsEnabled = false
	_, err := o.AddServer(context.Background(), cfg)
	require.NoError(t, err)

	mockSup.EXPECT().GetOrOpen(gomock.Any(), gomock.Any()).Return(mockClient, nil)
	mockClient.EXPECT().CallTool(gomock.Any(), "any", gomock.Any()).
		Return(nil, errors.NewTimeoutError("request timed out", nil))

	resp, err := o.CallTool(context.Background(), core.ToolCallRequest{
		ServerID: "srv-wire",
		ToolName: "any",
	})
	require.NoError(t, err, "a dispatched call never throws out of the facade")
	assert.False(t, resp.Success)
	assert.Contains(t, resp.Error, "request timed out")
	assert.GreaterOrEqual(t, resp.DurationMs, int64(1))
	assert.Equal(t, 1, rb.count(events.ToolError, "srv-wire"))

	// Failures are never served from the cache.
	_, ok := o.cache.GetToolCall("srv-wire", "any", nil)
	assert.False(t, ok)
}

func TestConnectWithRetryPropagatesDiscoveryFailure(t *testing.T) {
	t.Parallel()

	ctrl := gomock.NewController(t)
	mockClient := clientmocks.NewMockClient(ctrl)
	mockSup := supervisormocks.NewMockClientSupervisor(ctrl)

	o := newTestOrchestratorWithSupervisor(t, mockSup)
	rb := record(t, o)

	// The session opens fine every time; tools/list never does. Each
	// discovery failure consumes a retry attempt.
	mockSup.EXPECT().GetOrOpen(gomock.Any(), gomock.Any()).Return(mockClient, nil).Times(2)
	mockClient.EXPECT().ListTools(gomock.Any()).
		Return(nil, errors.NewProtocolError("tools/list failed", nil)).Times(2)

	err := o.ConnectWithRetry(context.Background(), loopbackConfig(t, "srv-disc"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "tools/list failed")
	assert.Equal(t, 2, rb.count(events.ServerError, "srv-disc"))
}

func TestGetAllToolsSkipsFailingServer(t *testing.T) {
	t.Parallel()

	ctrl := gomock.NewController(t)
	mockClient := clientmocks.NewMockClient(ctrl)
	mockSup := supervisormocks.NewMockClientSupervisor(ctrl)

	o := newTestOrchestratorWithSupervisor(t, mockSup)

	good := loopbackConfig(t, "srv-good")
	good.IsEnabled = false
	_, err := o.AddServer(context.Background(), good)
	require.NoError(t, err)
	bad := loopbackConfig(t, "srv-bad")
	bad.IsEnabled = false
	_, err = o.AddServer(context.Background(), bad)
	require.NoError(t, err)

	// Enable both without connecting: patch the stored configs directly.
	for _, id := range []string{"srv-good", "srv-bad"} {
		_, err := o.registry.Update(id, map[string]any{"isEnabled": true})
		require.NoError(t, err)
	}

	mockSup.EXPECT().GetOrOpen(gomock.Any(), gomock.Any()).DoAndReturn(
		func(_ context.Context, cfg *core.ServerConfig) (client.Client, error) {
			if cfg.ID == "srv-bad" {
				return nil, errors.NewTransportUnavailableError("down", nil)
			}
			return mockClient, nil
		}).Times(2)
	mockClient.EXPECT().ListTools(gomock.Any()).Return([]core.Tool{
		{Name: "alpha", ServerID: "srv-good"},
	}, nil)

	tools, err := o.GetAllTools(context.Background())
	require.NoError(t, err)
	require.Len(t, tools, 1)
	assert.Equal(t, "alpha", tools[0].Name)
}

func newTestOrchestratorWithSupervisor(t *testing.T, sup *supervisormocks.MockClientSupervisor) *Orchestrator {
	t.Helper()
	sup.EXPECT().CloseAll(gomock.Any()).AnyTimes()
	sup.EXPECT().Close(gomock.Any(), gomock.Any()).Return(nil).AnyTimes()
	sup.EXPECT().Get(gomock.Any()).Return(nil, false).AnyTimes()
	o := New(
		WithPaths(registry.Paths{UserData: t.TempDir()}),
		WithSettleDelay(0),
		WithRetrySchedule(time.Millisecond, 2),
		WithSupervisor(sup),
	)
	require.NoError(t, o.Initialize(context.Background()))
	t.Cleanup(func() { o.Shutdown(context.Background()) })
	return o
}
