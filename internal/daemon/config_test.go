// Copyright 2024 cachefs Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package daemon

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConfigDir(t *testing.T) {
	t.Run("default", func(t *testing.T) {
		t.Setenv("CACHEFS_CONFIG_DIR", "")

		dir := ConfigDir()
		assert.NotEmpty(t, dir)
		assert.True(t, strings.HasSuffix(dir, ".cachefs"), "should end with .cachefs")
	})

	t.Run("override with CACHEFS_CONFIG_DIR", func(t *testing.T) {
		t.Setenv("CACHEFS_CONFIG_DIR", "/tmp/test-cachefs-config")

		assert.Equal(t, "/tmp/test-cachefs-config", ConfigDir())
		assert.Equal(t, "/tmp/test-cachefs-config/server.yaml", ServerConfigPath())
		assert.Equal(t, "/tmp/test-cachefs-config/proxy.yaml", ProxyConfigPath())
	})
}

func TestInitConfigDir(t *testing.T) {
	tmpDir := filepath.Join(t.TempDir(), "conf")
	t.Setenv("CACHEFS_CONFIG_DIR", tmpDir)

	written, err := InitConfigDir()
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{ServerConfigPath(), ProxyConfigPath()}, written)

	// Templates must parse into the documented defaults.
	srv, err := LoadServerConfig(ServerConfigPath())
	require.NoError(t, err)
	assert.Equal(t, DefaultServerListen, srv.Listen)
	assert.Equal(t, DefaultLeaseTimeout, srv.LeaseTimeout)
	assert.Equal(t, DefaultLockWait, srv.LockWait)

	px, err := LoadProxyConfig(ProxyConfigPath())
	require.NoError(t, err)
	assert.Equal(t, DefaultProxyListen, px.Listen)
	assert.Equal(t, int64(104857600), px.CacheCapacity)
	assert.Equal(t, int64(1), px.ProxyID)
	assert.Equal(t, DefaultChunkSize, px.ChunkSize)

	// Existing files are left alone.
	require.NoError(t, os.WriteFile(ServerConfigPath(), []byte("root: /srv\n"), 0600))
	written, err = InitConfigDir()
	require.NoError(t, err)
	assert.Empty(t, written)
	data, err := os.ReadFile(ServerConfigPath())
	require.NoError(t, err)
	assert.Equal(t, "root: /srv\n", string(data))
}

func TestLoadServerConfig(t *testing.T) {
	dir := t.TempDir()

	t.Run("missing file yields defaults", func(t *testing.T) {
		cfg, err := LoadServerConfig(filepath.Join(dir, "absent.yaml"))
		require.NoError(t, err)
		assert.Equal(t, DefaultServerListen, cfg.Listen)
		assert.Equal(t, DefaultLeaseTimeout, cfg.LeaseTimeout)
		assert.Equal(t, DefaultLogLevel, cfg.LogLevel)
	})

	t.Run("values and durations", func(t *testing.T) {
		path := filepath.Join(dir, "server.yaml")
		require.NoError(t, os.WriteFile(path, []byte(`
listen: 127.0.0.1:9000
root: /srv/export
lease_timeout: 90s
lock_wait: 1m30s
marker_db: /var/lib/cachefs/markers.db
read_only:
  - "*.lock"
  - vendor/
log_level: debug
metrics_listen: :9100
`), 0600))

		cfg, err := LoadServerConfig(path)
		require.NoError(t, err)
		assert.Equal(t, "127.0.0.1:9000", cfg.Listen)
		assert.Equal(t, "/srv/export", cfg.Root)
		assert.Equal(t, 90*time.Second, cfg.LeaseTimeout)
		assert.Equal(t, 90*time.Second, cfg.LockWait)
		assert.Equal(t, "/var/lib/cachefs/markers.db", cfg.MarkerDB)
		assert.Equal(t, []string{"*.lock", "vendor/"}, cfg.ReadOnly)
		assert.Equal(t, "debug", cfg.LogLevel)
		assert.Equal(t, ":9100", cfg.MetricsListen)
		assert.NoError(t, cfg.Validate())
	})

	t.Run("explicit zero disables timeouts", func(t *testing.T) {
		path := filepath.Join(dir, "zero.yaml")
		require.NoError(t, os.WriteFile(path, []byte("root: /srv\nlease_timeout: 0s\nlock_wait: 0s\n"), 0600))

		cfg, err := LoadServerConfig(path)
		require.NoError(t, err)
		assert.Zero(t, cfg.LeaseTimeout)
		assert.Zero(t, cfg.LockWait)
	})

	t.Run("invalid yaml", func(t *testing.T) {
		path := filepath.Join(dir, "bad.yaml")
		require.NoError(t, os.WriteFile(path, []byte("lease_timeout: [\n"), 0600))

		_, err := LoadServerConfig(path)
		assert.Error(t, err)
	})
}

func TestServerConfigValidate(t *testing.T) {
	cfg := &ServerConfig{}
	cfg.ApplyDefaults()
	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "root is required")

	cfg.Root = "/srv"
	cfg.LogLevel = "loud"
	err = cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "log_level")

	cfg.LogLevel = "OFF"
	assert.NoError(t, cfg.Validate())
}

func TestProxyConfigValidate(t *testing.T) {
	valid := func() *ProxyConfig {
		cfg := &ProxyConfig{
			Server:        "127.0.0.1:15440",
			CacheDir:      "/tmp/cache",
			CacheCapacity: 1024,
			ProxyID:       1,
		}
		cfg.ApplyDefaults()
		return cfg
	}

	assert.NoError(t, valid().Validate())

	tests := []struct {
		name   string
		mutate func(*ProxyConfig)
		want   string
	}{
		{"no server", func(c *ProxyConfig) { c.Server = "" }, "server is required"},
		{"no cache dir", func(c *ProxyConfig) { c.CacheDir = "" }, "cache_dir is required"},
		{"zero capacity", func(c *ProxyConfig) { c.CacheCapacity = 0 }, "cache_capacity"},
		{"zero proxy id", func(c *ProxyConfig) { c.ProxyID = 0 }, "proxy_id"},
		{"negative chunk", func(c *ProxyConfig) { c.ChunkSize = -1 }, "chunk_size"},
		{"oversized chunk", func(c *ProxyConfig) { c.ChunkSize = 1 << 30 }, "chunk_size"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid()
			tt.mutate(cfg)
			err := cfg.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}
