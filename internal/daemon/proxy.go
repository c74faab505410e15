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
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/gofrs/flock"
	log "github.com/sirupsen/logrus"

	"cachefs/internal/cache"
	"cachefs/internal/ipc"
	"cachefs/internal/proxy"
	"cachefs/internal/util"
)

// Proxy is a running caching proxy process.
type Proxy struct {
	cfg   *ProxyConfig
	lock  *flock.Flock
	proxy *proxy.Proxy
	ipc   *ipc.Server
}

// StartProxy validates cfg, takes the cache directory lock, clears stale
// replicas and starts listening for client applications. An unreachable
// file server is not fatal: opens fail with a busy error until it answers.
func StartProxy(ctx context.Context, cfg *ProxyConfig) (*Proxy, error) {
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid proxy config: %w", err)
	}

	if err := os.MkdirAll(cfg.CacheDir, 0700); err != nil {
		return nil, fmt.Errorf("failed to create cache dir: %w", err)
	}
	// Lock before the store wipes the directory.
	lock, err := acquireLock(filepath.Join(cfg.CacheDir, cache.LockFileName), "proxy")
	if err != nil {
		return nil, err
	}

	store, err := cache.NewStore(cfg.CacheDir, cache.NewEvictionManager(cfg.CacheCapacity, nil))
	if err != nil {
		lock.Unlock()
		return nil, err
	}

	remote := proxy.NewRemoteServer(cfg.Server, cfg.ConnectTimeout)
	err = util.Retry(ctx, func() error {
		return remote.Ping(ctx)
	}, util.ServerWaitOptions(ctx, cfg.ConnectTimeout)...)
	if err != nil {
		log.Warnf("[PROXY] file server %s not reachable yet: %v", cfg.Server, err)
	}

	p := &Proxy{
		cfg:  cfg,
		lock: lock,
		proxy: proxy.New(remote, store, proxy.Options{
			ProxyID:   cfg.ProxyID,
			ChunkSize: cfg.ChunkSize,
		}),
	}
	p.ipc = ipc.NewServer(proxy.NewHandler(ctx, p.proxy).Handle)
	if err := p.ipc.Start(cfg.Listen); err != nil {
		lock.Unlock()
		return nil, err
	}

	log.Infof("[PROXY] proxy %d serving %s on %s (cache %s, capacity %d bytes, chunk %d)",
		cfg.ProxyID, cfg.Server, p.ipc.Addr(), cfg.CacheDir, cfg.CacheCapacity, cfg.ChunkSize)
	return p, nil
}

// Addr returns the bound listen address
func (p *Proxy) Addr() string {
	return p.ipc.Addr()
}

// Service returns the proxy file service
func (p *Proxy) Service() *proxy.Proxy {
	return p.proxy
}

// Stop closes the listener and releases the cache directory lock. Replicas
// are left on disk and cleared by the next start.
func (p *Proxy) Stop() {
	p.ipc.Stop()
	p.lock.Unlock()
	log.Infof("[PROXY] stopped")
}

// RunProxy starts a proxy and blocks until ctx is cancelled or the process
// is signalled.
func RunProxy(ctx context.Context, cfg *ProxyConfig) error {
	p, err := StartProxy(ctx, cfg)
	if err != nil {
		return err
	}
	defer p.Stop()
	return serve(ctx, "[PROXY]", cfg.MetricsListen)
}
