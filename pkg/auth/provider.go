// Package auth derives outbound authentication headers from a server's
// auth configuration. Static schemes (bearer, custom headers) are pure
// lookups; oauth2 uses the client credentials flow and caches the token
// source so transports always see a ready bearer.
package auth

import (
	"context"
	"fmt"
	"net/http"
	"sync"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"

	"github.com/deechat/dmcp/pkg/core"
	"github.com/deechat/dmcp/pkg/errors"
)

// Provider produces the authentication headers for one server.
type Provider struct {
	cfg *core.AuthConfig

	mu     sync.Mutex
	source oauth2.TokenSource
}

// NewProvider creates a provider for the given auth section. A nil config
// means no authentication.
func NewProvider(cfg *core.AuthConfig) *Provider {
	return &Provider{cfg: cfg}
}

// Headers returns the headers to merge into an outbound request. The map
// is freshly allocated and safe for the caller to mutate.
func (p *Provider) Headers(ctx context.Context) (map[string]string, error) {
	if p.cfg == nil {
		return map[string]string{}, nil
	}

	switch p.cfg.Type {
	case core.AuthNone, "":
		return map[string]string{}, nil

	case core.AuthBearer:
		return map[string]string{"Authorization": "Bearer " + p.cfg.Token}, nil

	case core.AuthCustom:
		headers := make(map[string]string, len(p.cfg.Headers))
		for k, v := range p.cfg.Headers {
			headers[k] = v
		}
		return headers, nil

	case core.AuthOAuth2:
		token, err := p.token(ctx)
		if err != nil {
			return nil, err
		}
		return map[string]string{"Authorization": "Bearer " + token.AccessToken}, nil

	default:
		return nil, errors.NewAuthError(fmt.Sprintf("unknown auth type %q", p.cfg.Type), nil)
	}
}

// Apply merges the provider's headers into an http.Header.
func (p *Provider) Apply(ctx context.Context, header http.Header) error {
	headers, err := p.Headers(ctx)
	if err != nil {
		return err
	}
	for k, v := range headers {
		header.Set(k, v)
	}
	return nil
}

// token returns a valid access token, acquiring or refreshing as needed.
// The token source is created once and reused so repeated requests do not
// hit the token endpoint while the token is fresh.
func (p *Provider) token(ctx context.Context) (*oauth2.Token, error) {
	p.mu.Lock()
	if p.source == nil {
		cc := &clientcredentials.Config{
			ClientID:     p.cfg.ClientID,
			ClientSecret: p.cfg.ClientSecret,
			TokenURL:     p.cfg.TokenURL,
		}
		if p.cfg.Scope != "" {
			cc.Scopes = []string{p.cfg.Scope}
		}
		p.source = cc.TokenSource(context.Background())
	}
	source := p.source
	p.mu.Unlock()

	token, err := source.Token()
	if err != nil {
		return nil, errors.NewAuthError("failed to acquire oauth2 token", err)
	}
	if ctx.Err() != nil {
		return nil, errors.NewCanceledError("token acquisition canceled", ctx.Err())
	}
	return token, nil
}
