package transport

import (
	"context"
	"encoding/json"
	"runtime"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/deechat/dmcp/pkg/errors"
	"github.com/deechat/dmcp/pkg/transport/types"
)

func skipOnWindows(t *testing.T) {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("stdio tests drive a POSIX shell")
	}
}

func TestStdioConnectFailsForMissingBinary(t *testing.T) {
	t.Parallel()
	skipOnWindows(t)

	tr := NewStdioTransport("s1", "/does/not/exist-dmcp-test", nil, "", nil)
	err := tr.Connect(context.Background())
	require.Error(t, err)
	assert.True(t, errors.IsTransportUnavailable(err), "expected transport_unavailable, got %v", err)
	assert.Equal(t, types.StatusDisconnected, tr.Status())

	// The transport must be reusable for another attempt.
	err = tr.Connect(context.Background())
	require.Error(t, err)
	assert.Equal(t, types.StatusDisconnected, tr.Status())
}

func TestStdioUnexpectedExitEmitsSingleError(t *testing.T) {
	t.Parallel()
	skipOnWindows(t)

	tr := NewStdioTransport("s1", "true", nil, "", nil)

	var mu sync.Mutex
	var errCount, disconnects int
	tr.Subscribe(func(evt types.Event) {
		mu.Lock()
		defer mu.Unlock()
		switch evt.Type {
		case types.EventError:
			errCount++
		case types.EventDisconnect:
			disconnects++
		}
	})

	require.NoError(t, tr.Connect(context.Background()))

	require.Eventually(t, func() bool {
		return tr.Status() == types.StatusDisconnected
	}, 5*time.Second, 10*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 1, errCount, "exactly one error event per unexpected exit")
	assert.Equal(t, 1, disconnects)
}

func TestStdioNonJSONOutputIsIgnored(t *testing.T) {
	t.Parallel()
	skipOnWindows(t)

	tr := NewStdioTransport("s1", "sh", []string{"-c", "echo plain diagnostic output; sleep 30"}, "", nil)

	var mu sync.Mutex
	var messages int
	tr.Subscribe(func(evt types.Event) {
		if evt.Type == types.EventMessage {
			mu.Lock()
			messages++
			mu.Unlock()
		}
	})

	require.NoError(t, tr.Connect(context.Background()))
	assert.Greater(t, tr.PID(), 0)

	// Give the reader time to see the line.
	time.Sleep(200 * time.Millisecond)
	require.NoError(t, tr.Disconnect(context.Background()))

	mu.Lock()
	defer mu.Unlock()
	assert.Zero(t, messages, "diagnostic output must never surface as a protocol message")
	assert.Equal(t, types.StatusDisconnected, tr.Status())
}

func TestStdioRequestRoundTrip(t *testing.T) {
	t.Parallel()
	skipOnWindows(t)

	// A one-shot server: consume the request line, answer id 1, linger.
	script := `read line; printf '{"jsonrpc":"2.0","id":1,"result":{"ok":true}}\n'; sleep 30`
	tr := NewStdioTransport("s1", "sh", []string{"-c", script}, "", nil)

	require.NoError(t, tr.Connect(context.Background()))
	t.Cleanup(func() { _ = tr.Destroy(context.Background()) })

	result, err := tr.Request(context.Background(), types.MethodPing, nil)
	require.NoError(t, err)

	var out map[string]any
	require.NoError(t, json.Unmarshal(result, &out))
	assert.Equal(t, true, out["ok"])

	stats := tr.Stats()
	assert.Equal(t, uint64(1), stats.MessagesSent)
	assert.Equal(t, uint64(1), stats.MessagesReceived)
}

func TestStdioDisconnectCancelsPending(t *testing.T) {
	t.Parallel()
	skipOnWindows(t)

	tr := NewStdioTransport("s1", "sh", []string{"-c", "cat >/dev/null"}, "", nil)
	require.NoError(t, tr.Connect(context.Background()))

	done := make(chan error, 1)
	go func() {
		_, err := tr.Request(context.Background(), types.MethodPing, nil)
		done <- err
	}()

	require.Eventually(t, func() bool { return tr.pending.size() == 1 }, time.Second, 5*time.Millisecond)
	require.NoError(t, tr.Disconnect(context.Background()))

	err := <-done
	require.Error(t, err)
	assert.True(t, errors.IsCanceled(err), "expected canceled kind, got %v", err)
	assert.Equal(t, 0, tr.pending.size())
}

func TestStdioEnvMerging(t *testing.T) {
	t.Parallel()
	skipOnWindows(t)

	script := `printf '{"jsonrpc":"2.0","method":"env","params":{"value":"'"$DMCP_TEST_VALUE"'"}}\n'; sleep 30`
	tr := NewStdioTransport("s1", "sh", []string{"-c", script}, "", map[string]string{
		"DMCP_TEST_VALUE": "from-config",
	})

	var mu sync.Mutex
	var got *types.JSONRPCMessage
	tr.Subscribe(func(evt types.Event) {
		if evt.Type == types.EventMessage {
			mu.Lock()
			got = evt.Message
			mu.Unlock()
		}
	})

	require.NoError(t, tr.Connect(context.Background()))
	t.Cleanup(func() { _ = tr.Destroy(context.Background()) })

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return got != nil
	}, 5*time.Second, 10*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	var params map[string]string
	require.NoError(t, json.Unmarshal(got.Params, &params))
	assert.Equal(t, "from-config", params["value"])
}
