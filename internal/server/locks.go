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
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/semaphore"

	"cachefs/internal/common"
	"cachefs/internal/metrics"
)

// maxReaders is the capacity of a path lock. A reader takes one unit and a
// writer takes all of them, so the semaphore behaves as a RW lock whose
// waiters are served in arrival order.
const maxReaders = 1 << 30

// lease is one holder of a path lock. A lease outlives the call that took it:
// it is finished by the final chunk of a transfer, by ReleaseLease, or by the
// reaper once its deadline has passed.
type lease struct {
	id       string
	path     string
	weight   int64
	proxyID  int64
	deadline time.Time // zero means no deadline
}

// lockTable holds the per-path locks and the outstanding leases on them.
type lockTable struct {
	ttl time.Duration // 0 disables expiry
	now func() time.Time

	mu     sync.Mutex
	locks  map[string]*semaphore.Weighted // created lazily, never removed
	leases map[string]*lease
}

func newLockTable(ttl time.Duration) *lockTable {
	return &lockTable{
		ttl:    ttl,
		now:    time.Now,
		locks:  make(map[string]*semaphore.Weighted),
		leases: make(map[string]*lease),
	}
}

// lockFor returns the lock for path, creating it on first reference.
// LOCK_REQUIRED(lt.mu)
func (lt *lockTable) lockFor(path string) *semaphore.Weighted {
	sem, ok := lt.locks[path]
	if !ok {
		sem = semaphore.NewWeighted(maxReaders)
		lt.locks[path] = sem
	}
	return sem
}

// Acquire blocks until path can be locked in the requested mode and returns
// a lease token. ctx bounds the wait; giving up is reported as ErrBusy.
func (lt *lockTable) Acquire(ctx context.Context, path string, write bool, proxyID int64) (string, error) {
	weight := int64(1)
	if write {
		weight = maxReaders
	}

	lt.mu.Lock()
	sem := lt.lockFor(path)
	lt.mu.Unlock()

	if err := sem.Acquire(ctx, weight); err != nil {
		return "", fmt.Errorf("lock %q: %v: %w", path, err, common.ErrBusy)
	}

	l := &lease{
		id:      uuid.NewString(),
		path:    path,
		weight:  weight,
		proxyID: proxyID,
	}
	lt.mu.Lock()
	if lt.ttl > 0 {
		l.deadline = lt.now().Add(lt.ttl)
	}
	lt.leases[l.id] = l
	lt.mu.Unlock()

	log.Debugf("[SERVER] lease %s: %s lock on %q for proxy %d", l.id, modeName(write), path, proxyID)
	return l.id, nil
}

// Renew checks that id is a live lease on path, exclusive if write is set,
// and pushes its deadline out.
func (lt *lockTable) Renew(id, path string, write bool) error {
	lt.mu.Lock()
	defer lt.mu.Unlock()

	l, ok := lt.leases[id]
	if !ok || l.path != path {
		return fmt.Errorf("lease %q on %q is not held: %w", id, path, common.ErrBusy)
	}
	if write && l.weight != maxReaders {
		return fmt.Errorf("lease %q on %q is shared: %w", id, path, common.ErrBusy)
	}
	if lt.ttl > 0 {
		l.deadline = lt.now().Add(lt.ttl)
	}
	return nil
}

// Release finishes a lease. It reports whether the lease was still held;
// releasing twice is harmless.
func (lt *lockTable) Release(id string) bool {
	lt.mu.Lock()
	l, ok := lt.leases[id]
	if !ok {
		lt.mu.Unlock()
		return false
	}
	delete(lt.leases, id)
	sem := lt.locks[l.path]
	lt.mu.Unlock()

	sem.Release(l.weight)
	log.Debugf("[SERVER] lease %s: released %q", id, l.path)
	return true
}

// Expire releases every lease whose deadline has passed and returns how many
// it released.
func (lt *lockTable) Expire() int {
	lt.mu.Lock()
	now := lt.now()
	var expired []*lease
	for id, l := range lt.leases {
		if !l.deadline.IsZero() && now.After(l.deadline) {
			expired = append(expired, l)
			delete(lt.leases, id)
		}
	}
	sems := make([]*semaphore.Weighted, len(expired))
	for i, l := range expired {
		sems[i] = lt.locks[l.path]
	}
	lt.mu.Unlock()

	for i, l := range expired {
		sems[i].Release(l.weight)
		log.Warnf("[SERVER] lease %s: expired on %q (proxy %d)", l.id, l.path, l.proxyID)
	}
	metrics.LeasesExpired.Add(float64(len(expired)))
	return len(expired)
}

// Outstanding returns the number of live leases.
func (lt *lockTable) Outstanding() int {
	lt.mu.Lock()
	defer lt.mu.Unlock()
	return len(lt.leases)
}

func modeName(write bool) string {
	if write {
		return "write"
	}
	return "read"
}
