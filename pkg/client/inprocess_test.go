package client

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/deechat/dmcp/pkg/core"
	"github.com/deechat/dmcp/pkg/errors"
	"github.com/deechat/dmcp/pkg/transport/types"
)

func TestInProcessRegistry(t *testing.T) {
	t.Parallel()

	id := "reg-" + t.Name()
	_, ok := LookupInProcessServer(id)
	assert.False(t, ok)

	RegisterInProcessServer(id, NewLoopbackServer())
	t.Cleanup(func() { UnregisterInProcessServer(id) })

	server, ok := LookupInProcessServer(id)
	require.True(t, ok)
	assert.Equal(t, "loopback", server.Name())

	UnregisterInProcessServer(id)
	_, ok = LookupInProcessServer(id)
	assert.False(t, ok)
}

func TestInProcessClientLifecycle(t *testing.T) {
	t.Parallel()

	cfg := &core.ServerConfig{ID: "inproc", Name: "in-process"}
	c := NewInProcess(cfg, NewLoopbackServer())

	assert.False(t, c.IsConnected())
	require.Error(t, c.Ping(context.Background()))

	var events []types.EventType
	unsubscribe := c.Subscribe(func(evt types.Event) {
		events = append(events, evt.Type)
	})
	defer unsubscribe()

	require.NoError(t, c.Connect(context.Background()))
	assert.True(t, c.IsConnected())
	require.NoError(t, c.Ping(context.Background()))
	assert.Equal(t, "loopback", c.ServerInfo().Name)

	require.NoError(t, c.Close(context.Background()))
	assert.False(t, c.IsConnected())
	assert.Equal(t, []types.EventType{types.EventConnect, types.EventDisconnect}, events)
}

func TestInProcessClientTools(t *testing.T) {
	t.Parallel()

	cfg := &core.ServerConfig{ID: "inproc-tools", Name: "in-process"}
	c := NewInProcess(cfg, NewLoopbackServer())
	require.NoError(t, c.Connect(context.Background()))
	t.Cleanup(func() { _ = c.Close(context.Background()) })

	tools, err := c.ListTools(context.Background())
	require.NoError(t, err)
	require.Len(t, tools, 1)
	assert.Equal(t, LoopbackToolName, tools[0].Name)
	assert.Equal(t, "inproc-tools", tools[0].ServerID)

	outcome, err := c.CallTool(context.Background(), LoopbackToolName, map[string]any{"input": "hi"})
	require.NoError(t, err)
	assert.False(t, outcome.IsError)
	assert.Equal(t, map[string]any{"toolResult": "Processed: hi"}, outcome.Result)
}

func TestInProcessClientToolErrorBecomesOutcome(t *testing.T) {
	t.Parallel()

	cfg := &core.ServerConfig{ID: "inproc-err", Name: "in-process"}
	c := NewInProcess(cfg, NewLoopbackServer())
	require.NoError(t, c.Connect(context.Background()))
	t.Cleanup(func() { _ = c.Close(context.Background()) })

	outcome, err := c.CallTool(context.Background(), "no-such-tool", nil)
	require.NoError(t, err)
	assert.True(t, outcome.IsError)
	assert.Contains(t, outcome.ErrorText, "no-such-tool")
}

func TestInProcessClientStatsAreZero(t *testing.T) {
	t.Parallel()

	cfg := &core.ServerConfig{ID: "inproc-stats", Name: "in-process"}
	c := NewInProcess(cfg, NewLoopbackServer())
	require.NoError(t, c.Connect(context.Background()))
	t.Cleanup(func() { _ = c.Close(context.Background()) })

	_, err := c.CallTool(context.Background(), LoopbackToolName, nil)
	require.NoError(t, err)
	assert.Equal(t, types.Stats{}, c.Stats())
}

func TestInProcessClientClosedCallFails(t *testing.T) {
	t.Parallel()

	cfg := &core.ServerConfig{ID: "inproc-closed", Name: "in-process"}
	c := NewInProcess(cfg, NewLoopbackServer())

	_, err := c.CallTool(context.Background(), LoopbackToolName, nil)
	require.Error(t, err)
	assert.True(t, errors.IsTransportUnavailable(err))
}
