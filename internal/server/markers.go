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

package server

import (
	"context"
	"sync"
)

// MarkerStore records, per path, the proxy that last completed a write-back.
// A path with no marker has never been written through the server.
type MarkerStore interface {
	LastWriter(ctx context.Context, path string) (proxyID int64, ok bool, err error)
	SetLastWriter(ctx context.Context, path string, proxyID int64) error
	Close() error
}

// memoryMarkers keeps markers for the lifetime of the process.
type memoryMarkers struct {
	mu      sync.RWMutex
	writers map[string]int64
}

// NewMemoryMarkers returns a MarkerStore that does not survive restarts.
func NewMemoryMarkers() MarkerStore {
	return &memoryMarkers{writers: make(map[string]int64)}
}

func (m *memoryMarkers) LastWriter(_ context.Context, path string) (int64, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	id, ok := m.writers[path]
	return id, ok, nil
}

func (m *memoryMarkers) SetLastWriter(_ context.Context, path string, proxyID int64) error {
	m.mu.Lock()
	m.writers[path] = proxyID
	m.mu.Unlock()
	return nil
}

func (m *memoryMarkers) Close() error { return nil }
