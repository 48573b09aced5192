package webhooks

import (
	"context"
	"fmt"
	"net/http"
	"reflect"
	"sync"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"
)

// CredentialCache keeps one OAuth2 client-credentials token source per
// endpoint. Token sources reuse tokens until they expire.
type CredentialCache struct {
	mu      sync.Mutex
	sources map[string]*cachedSource
	client  *http.Client
}

type cachedSource struct {
	creds OAuth2Credentials
	ts    oauth2.TokenSource
}

// NewCredentialCache creates a cache. client is used for token requests;
// nil means http.DefaultClient.
func NewCredentialCache(client *http.Client) *CredentialCache {
	return &CredentialCache{
		sources: make(map[string]*cachedSource),
		client:  client,
	}
}

// Token returns a bearer token for the endpoint
func (c *CredentialCache) Token(ep *Endpoint) (string, error) {
	if ep.Auth == nil {
		return "", nil
	}

	c.mu.Lock()
	src, ok := c.sources[ep.ID]
	if !ok || !reflect.DeepEqual(src.creds, *ep.Auth) {
		cfg := clientcredentials.Config{
			ClientID:     ep.Auth.ClientID,
			ClientSecret: ep.Auth.ClientSecret,
			TokenURL:     ep.Auth.TokenURL,
			Scopes:       ep.Auth.Scopes,
		}
		ctx := context.Background()
		if c.client != nil {
			ctx = context.WithValue(ctx, oauth2.HTTPClient, c.client)
		}
		src = &cachedSource{creds: *ep.Auth, ts: cfg.TokenSource(ctx)}
		c.sources[ep.ID] = src
	}
	c.mu.Unlock()

	tok, err := src.ts.Token()
	if err != nil {
		return "", fmt.Errorf("failed to obtain oauth2 token: %w", err)
	}
	return tok.AccessToken, nil
}

// Forget drops the cached token source of an endpoint
func (c *CredentialCache) Forget(endpointID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.sources, endpointID)
}
