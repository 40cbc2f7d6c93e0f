package auth

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/deechat/dmcp/pkg/core"
	"github.com/deechat/dmcp/pkg/errors"
)

func TestHeadersStaticSchemes(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		cfg  *core.AuthConfig
		want map[string]string
	}{
		{name: "nil config", cfg: nil, want: map[string]string{}},
		{name: "none", cfg: &core.AuthConfig{Type: core.AuthNone}, want: map[string]string{}},
		{
			name: "bearer",
			cfg:  &core.AuthConfig{Type: core.AuthBearer, Token: "tok-123"},
			want: map[string]string{"Authorization": "Bearer tok-123"},
		},
		{
			name: "custom headers",
			cfg:  &core.AuthConfig{Type: core.AuthCustom, Headers: map[string]string{"X-Api-Key": "k"}},
			want: map[string]string{"X-Api-Key": "k"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got, err := NewProvider(tt.cfg).Headers(context.Background())
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestHeadersUnknownScheme(t *testing.T) {
	t.Parallel()

	_, err := NewProvider(&core.AuthConfig{Type: "kerberos"}).Headers(context.Background())
	require.Error(t, err)
	assert.True(t, errors.IsAuth(err))
}

func TestHeadersOAuth2ClientCredentials(t *testing.T) {
	t.Parallel()

	var hits atomic.Int64
	tokenServer := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		require.NoError(t, r.ParseForm())
		assert.Equal(t, "client_credentials", r.PostForm.Get("grant_type"))

		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"access_token":"granted-token","token_type":"bearer","expires_in":3600}`))
	}))
	defer tokenServer.Close()

	provider := NewProvider(&core.AuthConfig{
		Type:     core.AuthOAuth2,
		ClientID: "client-1",
		TokenURL: tokenServer.URL,
		Scope:    "mcp",
	})

	headers, err := provider.Headers(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "Bearer granted-token", headers["Authorization"])

	// Second call reuses the cached token.
	_, err = provider.Headers(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(1), hits.Load(), "token endpoint should be hit once while the token is fresh")
}

func TestHeadersOAuth2Failure(t *testing.T) {
	t.Parallel()

	tokenServer := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "nope", http.StatusUnauthorized)
	}))
	defer tokenServer.Close()

	provider := NewProvider(&core.AuthConfig{
		Type:     core.AuthOAuth2,
		ClientID: "client-1",
		TokenURL: tokenServer.URL,
	})

	_, err := provider.Headers(context.Background())
	require.Error(t, err)
	assert.True(t, errors.IsAuth(err), "token failures surface as auth errors")
}

func TestApplyMergesIntoHTTPHeader(t *testing.T) {
	t.Parallel()

	provider := NewProvider(&core.AuthConfig{Type: core.AuthBearer, Token: "t"})
	header := http.Header{}
	header.Set("Content-Type", "application/json")

	require.NoError(t, provider.Apply(context.Background(), header))

	assert.Equal(t, "Bearer t", header.Get("Authorization"))
	assert.Equal(t, "application/json", header.Get("Content-Type"))
}
