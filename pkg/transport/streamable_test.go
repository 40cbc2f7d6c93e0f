package transport

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/deechat/dmcp/pkg/errors"
	"github.com/deechat/dmcp/pkg/testkit"
	"github.com/deechat/dmcp/pkg/transport/types"
)

func TestStreamableRequestRoundTrip(t *testing.T) {
	t.Parallel()

	srv, _, err := testkit.NewStreamableTestServer(
		testkit.WithTool("echo", "echoes", func(args map[string]any) string {
			text, _ := args["text"].(string)
			return text
		}),
	)
	require.NoError(t, err)
	defer srv.Close()

	tr := NewStreamableHTTPTransport("s1", srv.URL+"/mcp", nil, nil)
	require.NoError(t, tr.Connect(context.Background()))
	t.Cleanup(func() { _ = tr.Destroy(context.Background()) })

	result, err := tr.Request(context.Background(), types.MethodInitialize, map[string]any{})
	require.NoError(t, err)

	var init struct {
		ProtocolVersion string `json:"protocolVersion"`
	}
	require.NoError(t, json.Unmarshal(result, &init))
	assert.Equal(t, types.ProtocolVersion, init.ProtocolVersion)
	assert.NotEmpty(t, tr.SessionID(), "initialize must establish a session")
}

func TestStreamableSessionEchoAndDelete(t *testing.T) {
	t.Parallel()

	srv, deletes, err := testkit.NewStreamableTestServer()
	require.NoError(t, err)
	defer srv.Close()

	tr := NewStreamableHTTPTransport("s1", srv.URL+"/mcp", nil, nil)
	require.NoError(t, tr.Connect(context.Background()))

	_, err = tr.Request(context.Background(), types.MethodInitialize, map[string]any{})
	require.NoError(t, err)
	session := tr.SessionID()
	require.NotEmpty(t, session)

	// The session survives subsequent exchanges.
	_, err = tr.Request(context.Background(), types.MethodPing, nil)
	require.NoError(t, err)
	assert.Equal(t, session, tr.SessionID())

	require.NoError(t, tr.Disconnect(context.Background()))
	assert.Equal(t, 1, deletes(), "disconnect must DELETE the session")
	assert.Empty(t, tr.SessionID())
}

func TestStreamableSendsProtocolVersionHeader(t *testing.T) {
	t.Parallel()

	var gotHeader string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotHeader = r.Header.Get(types.HeaderProtocolVersion)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"jsonrpc":"2.0","id":1,"result":{}}`))
	}))
	defer srv.Close()

	tr := NewStreamableHTTPTransport("s1", srv.URL, nil, nil)
	require.NoError(t, tr.Connect(context.Background()))
	t.Cleanup(func() { _ = tr.Destroy(context.Background()) })

	_, err := tr.Request(context.Background(), types.MethodPing, nil)
	require.NoError(t, err)
	assert.Equal(t, types.ProtocolVersion, gotHeader)
}

func TestStreamableConfiguredHeaders(t *testing.T) {
	t.Parallel()

	var gotCustom string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotCustom = r.Header.Get("X-Workspace")
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"jsonrpc":"2.0","id":1,"result":{}}`))
	}))
	defer srv.Close()

	tr := NewStreamableHTTPTransport("s1", srv.URL, map[string]string{"X-Workspace": "w1"}, nil)
	require.NoError(t, tr.Connect(context.Background()))
	t.Cleanup(func() { _ = tr.Destroy(context.Background()) })

	_, err := tr.Request(context.Background(), types.MethodPing, nil)
	require.NoError(t, err)
	assert.Equal(t, "w1", gotCustom)
}

func TestStreamableAuthFailureSurfacesAsAuthError(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "nope", http.StatusUnauthorized)
	}))
	defer srv.Close()

	tr := NewStreamableHTTPTransport("s1", srv.URL, nil, nil)
	require.NoError(t, tr.Connect(context.Background()))
	t.Cleanup(func() { _ = tr.Destroy(context.Background()) })

	_, err := tr.Request(context.Background(), types.MethodPing, nil)
	require.Error(t, err)
	assert.True(t, errors.IsAuth(err), "expected auth kind, got %v", err)
}

func TestStreamableServerErrorIsTransportUnavailable(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	}))
	defer srv.Close()

	tr := NewStreamableHTTPTransport("s1", srv.URL, nil, nil)
	require.NoError(t, tr.Connect(context.Background()))
	t.Cleanup(func() { _ = tr.Destroy(context.Background()) })

	_, err := tr.Request(context.Background(), types.MethodPing, nil)
	require.Error(t, err)
	assert.True(t, errors.IsTransportUnavailable(err), "expected transport_unavailable, got %v", err)
}

func TestStreamableSSEResponseBody(t *testing.T) {
	t.Parallel()

	// The server elects to answer the POST on an event stream instead of
	// inline JSON.
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("event: message\ndata: {\"jsonrpc\":\"2.0\",\"id\":1,\"result\":{\"via\":\"stream\"}}\n\n"))
	}))
	defer srv.Close()

	tr := NewStreamableHTTPTransport("s1", srv.URL, nil, nil)
	require.NoError(t, tr.Connect(context.Background()))
	t.Cleanup(func() { _ = tr.Destroy(context.Background()) })

	result, err := tr.Request(context.Background(), types.MethodPing, nil)
	require.NoError(t, err)

	var out map[string]string
	require.NoError(t, json.Unmarshal(result, &out))
	assert.Equal(t, "stream", out["via"])
}
