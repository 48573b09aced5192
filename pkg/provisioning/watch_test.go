package provisioning

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestProvisioner_Watch(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "endpoints.yaml")
	writeFile(t, path, `
endpoints:
  - name: first
    url: https://first.example.com/hook
    secret: first-secret
    events: [doc.uploaded]
`)

	m := newManager(t)
	p := NewProvisioner(path, m, nil, nil)
	_, err := p.Sync(context.Background())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- p.Watch(ctx, 10*time.Millisecond) }()

	// Unrelated files in the same directory are ignored
	writeFile(t, filepath.Join(dir, "other.yaml"), "endpoints: []")

	// Give the watcher time to register before editing
	time.Sleep(100 * time.Millisecond)
	writeFile(t, path, `
endpoints:
  - name: second
    url: https://second.example.com/hook
    secret: second-secret
    events: [doc.uploaded]
`)

	require.Eventually(t, func() bool {
		return byName(m, "second") != nil && byName(m, "first") == nil
	}, 5*time.Second, 20*time.Millisecond)

	// A broken edit keeps the last good configuration
	writeFile(t, path, "endpoints: [broken")
	time.Sleep(200 * time.Millisecond)
	assert.NotNil(t, byName(m, "second"))

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("watcher did not stop")
	}
}

func TestProvisioner_WatchMissingDirectory(t *testing.T) {
	path := filepath.Join(t.TempDir(), "missing", "endpoints.yaml")
	p := NewProvisioner(path, newManager(t), nil, nil)

	err := p.Watch(context.Background(), 0)
	assert.Error(t, err)
}
