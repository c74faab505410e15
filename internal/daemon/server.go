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

	"github.com/go-git/go-billy/v5/osfs"
	"github.com/gofrs/flock"
	log "github.com/sirupsen/logrus"

	"cachefs/internal/ipc"
	"cachefs/internal/server"
)

// Server is a running file server process: the canonical store exported
// over IPC.
type Server struct {
	cfg     *ServerConfig
	lock    *flock.Flock
	markers server.MarkerStore
	store   *server.Store
	ipc     *ipc.Server
}

// StartServer validates cfg, locks the export root and starts listening.
// The caller must Stop the returned server.
func StartServer(ctx context.Context, cfg *ServerConfig) (*Server, error) {
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid server config: %w", err)
	}

	root, err := filepath.Abs(cfg.Root)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(root, 0755); err != nil {
		return nil, fmt.Errorf("failed to create root: %w", err)
	}

	// The lock lives beside the root so it is never exported.
	lock, err := acquireLock(filepath.Clean(root)+".lock", "file server")
	if err != nil {
		return nil, err
	}

	s := &Server{cfg: cfg, lock: lock}
	if cfg.MarkerDB != "" {
		s.markers, err = server.OpenSQLiteMarkers(cfg.MarkerDB)
		if err != nil {
			lock.Unlock()
			return nil, err
		}
	} else {
		s.markers = server.NewMemoryMarkers()
	}

	s.store = server.NewStore(osfs.New(root, osfs.WithBoundOS()), server.Options{
		LeaseTimeout: cfg.LeaseTimeout,
		LockWait:     cfg.LockWait,
		Markers:      s.markers,
		ReadOnly:     server.BuildReadOnlyFilter(cfg.ReadOnly),
	})

	s.ipc = ipc.NewServer(server.NewHandler(ctx, s.store).Handle)
	if err := s.ipc.Start(cfg.Listen); err != nil {
		s.closeStore()
		lock.Unlock()
		return nil, err
	}

	log.Infof("[SERVER] exporting %s on %s (lease_timeout=%s, lock_wait=%s, read_only=%d patterns)",
		root, s.ipc.Addr(), cfg.LeaseTimeout, cfg.LockWait, len(cfg.ReadOnly))
	return s, nil
}

// Addr returns the bound listen address
func (s *Server) Addr() string {
	return s.ipc.Addr()
}

// Store returns the underlying store
func (s *Server) Store() *server.Store {
	return s.store
}

// Stop closes the listener, the store and the marker database, then
// releases the root lock.
func (s *Server) Stop() {
	s.ipc.Stop()
	s.closeStore()
	s.lock.Unlock()
	log.Infof("[SERVER] stopped")
}

// closeStore stops the lease reaper and closes the marker store.
func (s *Server) closeStore() {
	var err error
	if s.store != nil {
		err = s.store.Close()
	} else {
		err = s.markers.Close()
	}
	if err != nil {
		log.Warnf("[SERVER] close markers: %v", err)
	}
}

// RunServer starts a file server and blocks until ctx is cancelled or the
// process is signalled.
func RunServer(ctx context.Context, cfg *ServerConfig) error {
	s, err := StartServer(ctx, cfg)
	if err != nil {
		return err
	}
	defer s.Stop()
	return serve(ctx, "[SERVER]", cfg.MetricsListen)
}
