package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_MissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "config.yaml"))
	require.NoError(t, err)

	d := Default()
	assert.Equal(t, "rethink", cfg.HostAppID)
	assert.Equal(t, d.DataDir, cfg.DataDir)
	assert.Equal(t, 5*time.Second, cfg.Watcher.CapabilityCheckInterval)
	assert.Equal(t, 64, cfg.Watcher.EventBuffer)
	assert.Equal(t, 60*time.Second, cfg.Session.FocusTickInterval)
	assert.Equal(t, 2*time.Minute, cfg.Session.WakeMaxAge)
	assert.Equal(t, "file", cfg.Blocklist.Backend)
	assert.True(t, cfg.Notifications.Enabled)
	assert.False(t, cfg.Watcher.KillBlockedProcess)
}

func TestLoad_YAMLFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
data_dir: /srv/rethink
watcher:
  wake_budget: 2s
  kill_blocked_process: true
blocklist:
  backend: redis
redis:
  addr: 10.0.0.5:6379
usage:
  extra_deny_packages: [gnome-shell]
`), 0600))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "/srv/rethink", cfg.DataDir)
	assert.Equal(t, 2*time.Second, cfg.Watcher.WakeBudget)
	assert.True(t, cfg.Watcher.KillBlockedProcess)
	assert.Equal(t, "redis", cfg.Blocklist.Backend)
	assert.Equal(t, "10.0.0.5:6379", cfg.Redis.Addr)
	assert.Equal(t, []string{"gnome-shell"}, cfg.Usage.ExtraDenyPackages)
	assert.Equal(t, "/srv/rethink/policy.db", cfg.PolicyDBPath())
	assert.Equal(t, "/srv/rethink/blocklist.json", cfg.BlocklistPath())
}

func TestLoad_EnvOverrides(t *testing.T) {
	t.Setenv("RETHINK_HOST_APP_ID", "rethink-dev")
	t.Setenv("RETHINK_WATCHER_EVENT_BUFFER", "8")

	cfg, err := Load(filepath.Join(t.TempDir(), "config.yaml"))
	require.NoError(t, err)
	assert.Equal(t, "rethink-dev", cfg.HostAppID)
	assert.Equal(t, 8, cfg.Watcher.EventBuffer)
}

func TestLoad_DotEnvNextToConfig(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, ".env"), []byte("RETHINK_METRICS_LISTEN=127.0.0.1:9464\n"), 0600))
	t.Cleanup(func() { os.Unsetenv("RETHINK_METRICS_LISTEN") })

	cfg, err := Load(filepath.Join(dir, "config.yaml"))
	require.NoError(t, err)
	assert.Equal(t, "127.0.0.1:9464", cfg.Metrics.Listen)
}

func TestLoad_Invalid(t *testing.T) {
	tests := []struct {
		name string
		yaml string
	}{
		{"unknown backend", "blocklist:\n  backend: etcd\n"},
		{"zero buffer", "watcher:\n  event_buffer: 0\n"},
		{"negative interval", "guardian:\n  check_interval: -1s\n"},
		{"broken yaml", "watcher: [\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "config.yaml")
			require.NoError(t, os.WriteFile(path, []byte(tt.yaml), 0600))
			_, err := Load(path)
			assert.Error(t, err)
		})
	}
}

func TestPaths(t *testing.T) {
	cfg := Default()
	cfg.DataDir = "/data"
	assert.Equal(t, "/data/rethink.log", cfg.LogPath())
	assert.Equal(t, "session.sock", filepath.Base(cfg.SocketPath()))

	cfg.Session.SocketPath = "/run/custom.sock"
	cfg.Blocklist.Path = "/run/blocklist.json"
	assert.Equal(t, "/run/custom.sock", cfg.SocketPath())
	assert.Equal(t, "/run/blocklist.json", cfg.BlocklistPath())
}
