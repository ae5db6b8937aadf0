package store

import (
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfigFile(t *testing.T, path, content string) {
	t.Helper()
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
}

func TestFileWatcherLoadsSnapshot(t *testing.T) {
	path := filepath.Join(t.TempDir(), "gateway.yaml")
	writeConfigFile(t, path, `
routes:
  - id: r1
    uris: ["/hello"]
    upstream_id: up1
upstreams:
  - id: up1
    type: roundrobin
    nodes:
      - host: 127.0.0.1
        port: 1980
        weight: 1
consumers:
  - username: alice
    plugins:
      - name: key-auth
        config:
          key: secret
plugin_configs:
  - id: pc1
    plugins:
      - name: limit-count
        config:
          count: 2
`)

	st := New()
	w := NewFileWatcher(path, time.Second, st, slog.New(slog.NewTextHandler(io.Discard, nil)))
	require.NoError(t, w.Reload())

	route, ok := st.Routes.Get("r1")
	require.True(t, ok)
	assert.Equal(t, []string{"/hello"}, route.URIs)
	assert.Equal(t, "up1", route.UpstreamID)

	up, ok := st.Upstreams.Get("up1")
	require.True(t, ok)
	require.Len(t, up.Nodes, 1)
	assert.Equal(t, Node{Host: "127.0.0.1", Port: 1980, Weight: 1}, up.Nodes[0])

	consumer, ok := st.Consumers.Get("alice")
	require.True(t, ok)
	require.Len(t, consumer.Plugins, 1)
	assert.Equal(t, "key-auth", consumer.Plugins[0].Name)

	pcs, ok := st.PluginConfigs.Get("pc1")
	require.True(t, ok)
	require.Len(t, pcs.Plugins, 1)
	assert.Equal(t, "limit-count", pcs.Plugins[0].Name)
	assert.True(t, st.Healthy())
}

// TestFileWatcherTombstonesRemovedEntities checks the snapshot semantics: an
// entity present in one reload and absent from the next must be deleted,
// not left behind.
func TestFileWatcherTombstonesRemovedEntities(t *testing.T) {
	path := filepath.Join(t.TempDir(), "gateway.yaml")
	writeConfigFile(t, path, `
routes:
  - id: r1
    uris: ["/a"]
  - id: r2
    uris: ["/b"]
`)

	st := New()
	w := NewFileWatcher(path, time.Second, st, slog.New(slog.NewTextHandler(io.Discard, nil)))
	require.NoError(t, w.Reload())
	_, ok := st.Routes.Get("r2")
	require.True(t, ok)

	writeConfigFile(t, path, `
routes:
  - id: r1
    uris: ["/a"]
`)
	require.NoError(t, w.Reload())

	_, ok = st.Routes.Get("r1")
	assert.True(t, ok)
	_, ok = st.Routes.Get("r2")
	assert.False(t, ok)
}

// TestFileWatcherKeepsSnapshotOnParseError mirrors the etcd transport's
// disconnection behavior: a broken file leaves the last good snapshot
// authoritative.
func TestFileWatcherKeepsSnapshotOnParseError(t *testing.T) {
	path := filepath.Join(t.TempDir(), "gateway.yaml")
	writeConfigFile(t, path, `
routes:
  - id: r1
    uris: ["/a"]
`)

	st := New()
	w := NewFileWatcher(path, time.Second, st, slog.New(slog.NewTextHandler(io.Discard, nil)))
	require.NoError(t, w.Reload())

	writeConfigFile(t, path, "routes: [not: valid: yaml: {{")
	require.Error(t, w.Reload())

	_, ok := st.Routes.Get("r1")
	assert.True(t, ok)
}
