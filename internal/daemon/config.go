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
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"cachefs/internal/artifacts"
	"cachefs/internal/server"
)

// getConfigDir returns the config directory path.
// Uses CACHEFS_CONFIG_DIR env var if set, otherwise defaults to ~/.cachefs.
// This is computed dynamically to support test isolation.
func getConfigDir() string {
	if dir := os.Getenv("CACHEFS_CONFIG_DIR"); dir != "" {
		return dir
	}
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".cachefs")
}

// ConfigDir returns the configuration directory path
func ConfigDir() string {
	return getConfigDir()
}

// ServerConfigPath returns the default server config file path
func ServerConfigPath() string {
	return filepath.Join(getConfigDir(), "server.yaml")
}

// ProxyConfigPath returns the default proxy config file path
func ProxyConfigPath() string {
	return filepath.Join(getConfigDir(), "proxy.yaml")
}

// EnsureConfigDir creates the config directory if it doesn't exist
func EnsureConfigDir() error {
	return os.MkdirAll(getConfigDir(), 0700)
}

// InitConfigDir creates the config directory and writes the default config
// files that do not exist yet. It returns the paths it wrote.
func InitConfigDir() ([]string, error) {
	if err := EnsureConfigDir(); err != nil {
		return nil, fmt.Errorf("failed to create config directory: %w", err)
	}

	var written []string
	for path, template := range map[string][]byte{
		ServerConfigPath(): artifacts.ServerConfig,
		ProxyConfigPath():  artifacts.ProxyConfig,
	} {
		if _, err := os.Stat(path); err == nil {
			continue
		}
		if err := os.WriteFile(path, template, 0600); err != nil {
			return written, fmt.Errorf("failed to write %s: %w", path, err)
		}
		written = append(written, path)
	}
	return written, nil
}

// Config defaults
const (
	DefaultServerListen   = ":15440"
	DefaultProxyListen    = "127.0.0.1:15441"
	DefaultLeaseTimeout   = 60 * time.Second
	DefaultLockWait       = 30 * time.Second
	DefaultChunkSize      = 16384
	DefaultConnectTimeout = 5 * time.Second
	DefaultLogLevel       = "info"
)

// LogConfig is shared by both daemons
type LogConfig struct {
	LogLevel      string `yaml:"log_level"`      // trace, debug, info, warn, off (case insensitive)
	LogFile       string `yaml:"log_file"`       // empty logs to stderr
	MetricsListen string `yaml:"metrics_listen"` // empty disables /metrics
}

// ServerConfig represents the file server configuration
type ServerConfig struct {
	Listen       string        `yaml:"listen"`
	Root         string        `yaml:"root"`
	LeaseTimeout time.Duration `yaml:"lease_timeout"` // 0 = leases never expire
	LockWait     time.Duration `yaml:"lock_wait"`     // 0 = wait forever
	MarkerDB     string        `yaml:"marker_db"`     // optional SQLite path
	ReadOnly     []string      `yaml:"read_only"`     // gitignore-style patterns

	LogConfig `yaml:",inline"`

	leaseTimeoutSet bool
	lockWaitSet     bool
}

// ApplyDefaults fills zero-value fields with their defaults.
func (cfg *ServerConfig) ApplyDefaults() {
	if cfg.Listen == "" {
		cfg.Listen = DefaultServerListen
	}
	if cfg.LeaseTimeout == 0 && !cfg.leaseTimeoutSet {
		cfg.LeaseTimeout = DefaultLeaseTimeout
	}
	if cfg.LockWait == 0 && !cfg.lockWaitSet {
		cfg.LockWait = DefaultLockWait
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = DefaultLogLevel
	}
}

// Validate reports configuration errors.
func (cfg *ServerConfig) Validate() error {
	var errs []error
	if cfg.Root == "" {
		errs = append(errs, errors.New("root is required"))
	}
	if cfg.LeaseTimeout < 0 {
		errs = append(errs, errors.New("lease_timeout must not be negative"))
	}
	if cfg.LockWait < 0 {
		errs = append(errs, errors.New("lock_wait must not be negative"))
	}
	if err := validateLogLevel(cfg.LogLevel); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// UnmarshalYAML records which durations were given explicitly, so that an
// explicit 0 is kept instead of being defaulted.
func (cfg *ServerConfig) UnmarshalYAML(node *yaml.Node) error {
	type plain ServerConfig
	if err := node.Decode((*plain)(cfg)); err != nil {
		return err
	}
	cfg.leaseTimeoutSet = hasKey(node, "lease_timeout")
	cfg.lockWaitSet = hasKey(node, "lock_wait")
	return nil
}

// ProxyConfig represents the caching proxy configuration
type ProxyConfig struct {
	Server         string        `yaml:"server"`
	Listen         string        `yaml:"listen"`
	CacheDir       string        `yaml:"cache_dir"`
	CacheCapacity  int64         `yaml:"cache_capacity"`
	ProxyID        int64         `yaml:"proxy_id"`
	ChunkSize      int           `yaml:"chunk_size"`
	ConnectTimeout time.Duration `yaml:"connect_timeout"`

	LogConfig `yaml:",inline"`
}

// ApplyDefaults fills zero-value fields with their defaults.
func (cfg *ProxyConfig) ApplyDefaults() {
	if cfg.Listen == "" {
		cfg.Listen = DefaultProxyListen
	}
	if cfg.ChunkSize == 0 {
		cfg.ChunkSize = DefaultChunkSize
	}
	if cfg.ConnectTimeout == 0 {
		cfg.ConnectTimeout = DefaultConnectTimeout
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = DefaultLogLevel
	}
}

// Validate reports configuration errors.
func (cfg *ProxyConfig) Validate() error {
	var errs []error
	if cfg.Server == "" {
		errs = append(errs, errors.New("server is required"))
	}
	if cfg.CacheDir == "" {
		errs = append(errs, errors.New("cache_dir is required"))
	}
	if cfg.CacheCapacity <= 0 {
		errs = append(errs, errors.New("cache_capacity must be positive"))
	}
	if cfg.ProxyID <= 0 {
		errs = append(errs, errors.New("proxy_id must be positive"))
	}
	if cfg.ChunkSize <= 0 || cfg.ChunkSize > server.MaxChunkSize {
		errs = append(errs, fmt.Errorf("chunk_size must be between 1 and %d", server.MaxChunkSize))
	}
	if err := validateLogLevel(cfg.LogLevel); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

func validateLogLevel(level string) error {
	switch strings.ToLower(level) {
	case "", "trace", "debug", "info", "warn", "off", "none":
		return nil
	}
	return fmt.Errorf("unknown log_level %q", level)
}

func hasKey(node *yaml.Node, key string) bool {
	if node.Kind != yaml.MappingNode {
		return false
	}
	for i := 0; i+1 < len(node.Content); i += 2 {
		if node.Content[i].Value == key {
			return true
		}
	}
	return false
}

// LoadServerConfig loads a server config file. A missing file yields the
// defaults.
func LoadServerConfig(path string) (*ServerConfig, error) {
	var cfg ServerConfig
	if err := loadYAML(path, &cfg); err != nil {
		return nil, err
	}
	cfg.ApplyDefaults()
	return &cfg, nil
}

// LoadProxyConfig loads a proxy config file. A missing file yields the
// defaults.
func LoadProxyConfig(path string) (*ProxyConfig, error) {
	var cfg ProxyConfig
	if err := loadYAML(path, &cfg); err != nil {
		return nil, err
	}
	cfg.ApplyDefaults()
	return &cfg, nil
}

func loadYAML(path string, out any) error {
	if path == "" {
		return nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	if err := yaml.Unmarshal(data, out); err != nil {
		return fmt.Errorf("parse %s: %w", path, err)
	}
	return nil
}
