package provisioning

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/platinummonkey/courier/pkg/events"
	"github.com/platinummonkey/courier/pkg/webhooks"
)

const endpointsYAML = `
endpoints:
  - name: compliance-feed
    description: Compliance team
    url: https://hooks.example.com/compliance
    secret: ${PROVISIONING_TEST_SECRET}
    events: [compliance.violation.detected]
    headers:
      X-Team: compliance
    timeout: 5s
    algorithm: sha512
    retry_policy:
      max_attempts: 3
      initial_delay: 2s
    rate_limit_per_minute: 30
    oauth2:
      token_url: https://auth.example.com/token
      client_id: courier
      client_secret: oauth-secret
      scopes: [webhooks]
  - name: audit-log
    url: https://audit.example.com/hook
    secret: audit-log-secret
    events: [doc.uploaded, doc.deleted]
    active: false
filters:
  - name: ignore drafts
    event_types: [doc.uploaded]
    conditions:
      - {field: status, operator: equals, value: draft}
`

func newManager(t *testing.T) *webhooks.Manager {
	t.Helper()

	m := webhooks.NewManager(webhooks.DefaultOptions())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = m.Stop(ctx)
	})
	return m
}

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
}

func byName(m *webhooks.Manager, name string) *webhooks.Endpoint {
	for _, ep := range m.ListEndpoints(context.Background()) {
		if ep.Name == name {
			return ep
		}
	}
	return nil
}

func TestParse(t *testing.T) {
	t.Setenv("PROVISIONING_TEST_SECRET", "from-the-environment")

	file, err := Parse([]byte(endpointsYAML))
	require.NoError(t, err)
	require.Len(t, file.Endpoints, 2)
	require.Len(t, file.Filters, 1)

	ep := file.Endpoints[0]
	assert.Equal(t, "from-the-environment", ep.Secret)
	assert.Equal(t, 5*time.Second, ep.Timeout)
	assert.Equal(t, webhooks.AlgorithmSHA512, ep.Algorithm)
	assert.Equal(t, "compliance", ep.Headers["X-Team"])
	require.NotNil(t, ep.OAuth2)
	assert.Equal(t, []string{"webhooks"}, ep.OAuth2.Scopes)

	policy := ep.retryPolicy()
	require.NotNil(t, policy)
	assert.Equal(t, 3, policy.MaxAttempts)
	assert.Equal(t, 2*time.Second, policy.InitialDelay)
	assert.Equal(t, webhooks.DefaultRetryPolicy().MaxDelay, policy.MaxDelay)

	require.NotNil(t, file.Endpoints[1].Active)
	assert.False(t, *file.Endpoints[1].Active)

	assert.Equal(t, events.OpEquals, file.Filters[0].Conditions[0].Operator)
	assert.Equal(t, "draft", file.Filters[0].Conditions[0].Value)
}

func TestParseInvalid(t *testing.T) {
	tests := []struct {
		name    string
		content string
	}{
		{"malformed", "endpoints: [unterminated"},
		{"missing name", "endpoints:\n  - url: https://example.com\n"},
		{"duplicate name", "endpoints:\n  - name: a\n  - name: a\n"},
		{"bad duration", "endpoints:\n  - name: a\n    timeout: soon\n"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.content))
			assert.Error(t, err)
		})
	}
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.ErrorIs(t, err, os.ErrNotExist)
}

func TestProvisioner_Sync(t *testing.T) {
	t.Setenv("PROVISIONING_TEST_SECRET", "from-the-environment")

	path := filepath.Join(t.TempDir(), "endpoints.yaml")
	writeFile(t, path, endpointsYAML)

	m := newManager(t)
	filters := events.NewFilterSet()
	p := NewProvisioner(path, m, filters, nil)
	assert.Equal(t, path, p.Path())

	result, err := p.Sync(context.Background())
	require.NoError(t, err)
	require.NoError(t, result.Err())
	assert.ElementsMatch(t, []string{"compliance-feed", "audit-log"}, result.Created)
	assert.Empty(t, result.Updated)
	assert.Equal(t, 1, result.Filters)

	feed := byName(m, "compliance-feed")
	require.NotNil(t, feed)
	assert.Equal(t, "from-the-environment", feed.Secret)
	assert.Equal(t, 5*time.Second, feed.Timeout)
	assert.Equal(t, 30, feed.RateLimitPerMinute)
	require.NotNil(t, feed.Auth)
	assert.True(t, feed.Active)

	audit := byName(m, "audit-log")
	require.NotNil(t, audit)
	assert.False(t, audit.Active)

	assert.False(t, filters.ShouldPublish(webhooks.EventInput{
		Type: "doc.uploaded",
		Data: map[string]interface{}{"status": "draft"},
	}))

	// A second sync updates in place
	result, err = p.Sync(context.Background())
	require.NoError(t, err)
	assert.Empty(t, result.Created)
	assert.ElementsMatch(t, []string{"compliance-feed", "audit-log"}, result.Updated)
	assert.Len(t, m.ListEndpoints(context.Background()), 2)
	assert.Len(t, filters.List(), 1, "provisioned filters are replaced, not duplicated")
	assert.Equal(t, feed.ID, byName(m, "compliance-feed").ID)
}

func TestProvisioner_SyncRemovesAndResets(t *testing.T) {
	t.Setenv("PROVISIONING_TEST_SECRET", "from-the-environment")

	path := filepath.Join(t.TempDir(), "endpoints.yaml")
	writeFile(t, path, endpointsYAML)

	m := newManager(t)
	filters := events.NewFilterSet()
	p := NewProvisioner(path, m, filters, nil)

	_, err := p.Sync(context.Background())
	require.NoError(t, err)

	// Created through the API, not by the file
	manual, err := m.CreateEndpoint(context.Background(), webhooks.EndpointInput{
		Name:   "manual",
		URL:    "https://manual.example.com/hook",
		Secret: "manual-secret",
		Events: []string{"doc.uploaded"},
	})
	require.NoError(t, err)
	_, err = filters.Add(events.Filter{EventTypes: []string{"user.login"}, Active: true})
	require.NoError(t, err)

	writeFile(t, path, `
endpoints:
  - name: compliance-feed
    url: https://hooks.example.com/compliance-v2
    secret: rotated-secret
    events: [compliance.violation.detected]
`)

	result, err := p.Sync(context.Background())
	require.NoError(t, err)
	require.NoError(t, result.Err())
	assert.Equal(t, []string{"compliance-feed"}, result.Updated)
	assert.Equal(t, []string{"audit-log"}, result.Deleted)
	assert.Equal(t, 0, result.Filters)

	assert.Nil(t, byName(m, "audit-log"))
	_, err = m.GetEndpoint(context.Background(), manual.ID)
	assert.NoError(t, err, "API endpoints are left alone")

	feed := byName(m, "compliance-feed")
	require.NotNil(t, feed)
	assert.Equal(t, "https://hooks.example.com/compliance-v2", feed.URL)
	assert.Equal(t, "rotated-secret", feed.Secret)
	assert.Nil(t, feed.Auth, "credentials removed from the file are cleared")
	assert.Empty(t, feed.Headers)
	assert.Equal(t, webhooks.DefaultAlgorithm, feed.Algorithm)
	assert.Equal(t, webhooks.DefaultRetryPolicy(), feed.RetryPolicy)
	assert.Equal(t, 0, feed.RateLimitPerMinute)

	assert.Len(t, filters.List(), 1, "API filters are left alone")
}

func TestProvisioner_SyncReportsInvalidEndpoints(t *testing.T) {
	path := filepath.Join(t.TempDir(), "endpoints.yaml")
	writeFile(t, path, `
endpoints:
  - name: good
    url: https://good.example.com/hook
    secret: good-secret
    events: [doc.uploaded]
  - name: bad
    url: ftp://bad.example.com
    secret: bad-secret
    events: [doc.uploaded]
filters:
  - name: no types
`)

	m := newManager(t)
	p := NewProvisioner(path, m, events.NewFilterSet(), nil)

	result, err := p.Sync(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"good"}, result.Created)
	require.Len(t, result.Errors, 2)
	assert.ErrorIs(t, result.Err(), webhooks.ErrInvalidEndpoint)
	assert.ErrorIs(t, result.Err(), events.ErrInvalidFilter)
	assert.Len(t, m.ListEndpoints(context.Background()), 1)
}

func TestProvisioner_SyncWithoutFilterSet(t *testing.T) {
	t.Setenv("PROVISIONING_TEST_SECRET", "from-the-environment")

	path := filepath.Join(t.TempDir(), "endpoints.yaml")
	writeFile(t, path, endpointsYAML)

	p := NewProvisioner(path, newManager(t), nil, nil)
	result, err := p.Sync(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, result.Filters)
	assert.Len(t, result.Created, 2)
}

func TestProvisioner_SyncAdoptsEndpointWithDeclaredName(t *testing.T) {
	t.Setenv("PROVISIONING_TEST_SECRET", "from-the-environment")

	path := filepath.Join(t.TempDir(), "endpoints.yaml")
	writeFile(t, path, endpointsYAML)

	m := newManager(t)
	ctx := context.Background()
	existing, err := m.CreateEndpoint(ctx, webhooks.EndpointInput{
		Name:   "compliance-feed",
		URL:    "https://api-created.example.com/hook",
		Secret: "api-created-secret",
		Events: []string{"doc.uploaded"},
	})
	require.NoError(t, err)

	p := NewProvisioner(path, m, nil, nil)
	result, err := p.Sync(ctx)
	require.NoError(t, err)
	require.NoError(t, result.Err())
	assert.Equal(t, []string{"compliance-feed"}, result.Updated)
	assert.Equal(t, []string{"audit-log"}, result.Created)

	adopted, err := m.GetEndpoint(ctx, existing.ID)
	require.NoError(t, err)
	assert.Equal(t, "https://hooks.example.com/compliance", adopted.URL)
	assert.Equal(t, "from-the-environment", adopted.Secret)
	assert.Equal(t, []string{"compliance.violation.detected"}, adopted.Events)
	assert.Len(t, m.ListEndpoints(ctx), 2)

	// Once adopted, the endpoint follows the file
	writeFile(t, path, "endpoints: []\n")
	result, err = p.Sync(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"audit-log", "compliance-feed"}, result.Deleted)
	_, err = m.GetEndpoint(ctx, existing.ID)
	assert.ErrorIs(t, err, webhooks.ErrEndpointNotFound)
}
