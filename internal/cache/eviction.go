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

package cache

import (
	"container/list"
	"fmt"
	"sync"

	log "github.com/sirupsen/logrus"

	"cachefs/internal/common"
	"cachefs/internal/metrics"
)

// ReclaimFunc deletes the replica (path, gen) if nothing references it and
// returns the bytes freed. ok is false when the replica is still referenced
// and must stay cached.
type ReclaimFunc func(path string, gen int64) (freed int64, ok bool)

type lruEntry struct {
	path string
	gen  int64
}

// EvictionManager tracks the cache quota and the eviction-eligible paths,
// least recently closed first.
type EvictionManager struct {
	/////////////////////////
	// Constant data
	/////////////////////////

	// INVARIANT: capacity > 0
	capacity int64

	reclaim ReclaimFunc

	/////////////////////////
	// Mutable state
	/////////////////////////

	// Lock order: lruMu before spaceMu.
	lruMu sync.Mutex

	// Least recently closed at the front.
	//
	// INVARIANT: Each element is of type lruEntry
	// INVARIANT: index contains all and only the elements of entries, by path
	entries list.List
	index   map[string]*list.Element

	spaceMu sync.Mutex

	// INVARIANT: 0 <= remaining <= capacity
	remaining int64
}

// NewEvictionManager returns a manager with capacity bytes free. reclaim may
// be set later with SetReclaimer, before the first Admit.
func NewEvictionManager(capacity int64, reclaim ReclaimFunc) *EvictionManager {
	return &EvictionManager{
		capacity:  capacity,
		reclaim:   reclaim,
		index:     make(map[string]*list.Element),
		remaining: capacity,
	}
}

// SetReclaimer installs the function used to delete evicted replicas.
func (em *EvictionManager) SetReclaimer(reclaim ReclaimFunc) {
	em.lruMu.Lock()
	em.reclaim = reclaim
	em.lruMu.Unlock()
}

// CheckInvariants panics if any internal invariant has been violated.
func (em *EvictionManager) CheckInvariants() {
	em.lruMu.Lock()
	defer em.lruMu.Unlock()
	em.spaceMu.Lock()
	defer em.spaceMu.Unlock()

	if !(em.capacity > 0) {
		panic(fmt.Sprintf("Invalid capacity: %v", em.capacity))
	}
	if em.remaining < 0 || em.remaining > em.capacity {
		panic(fmt.Sprintf("Remaining %v outside [0, %v]", em.remaining, em.capacity))
	}
	if em.entries.Len() != len(em.index) {
		panic(fmt.Sprintf("Length mismatch: %v vs. %v", em.entries.Len(), len(em.index)))
	}
	for e := em.entries.Front(); e != nil; e = e.Next() {
		if em.index[e.Value.(lruEntry).path] != e {
			panic(fmt.Sprintf("Mismatch for path %v", e.Value.(lruEntry).path))
		}
	}
}

// Touch makes gen the eviction candidate for path and moves path to the
// most recently closed end.
// LOCK_EXCLUDED(em.lruMu)
func (em *EvictionManager) Touch(path string, gen int64) {
	em.lruMu.Lock()
	defer em.lruMu.Unlock()

	if e, ok := em.index[path]; ok {
		e.Value = lruEntry{path: path, gen: gen}
		em.entries.MoveToBack(e)
		return
	}
	em.index[path] = em.entries.PushBack(lruEntry{path: path, gen: gen})
}

// Remove drops path from the eviction candidates, wherever it is.
// LOCK_EXCLUDED(em.lruMu)
func (em *EvictionManager) Remove(path string) {
	em.lruMu.Lock()
	defer em.lruMu.Unlock()

	if e, ok := em.index[path]; ok {
		em.entries.Remove(e)
		delete(em.index, path)
	}
}

// Admit charges n bytes against the quota, evicting least recently closed
// replicas until they fit. Referenced replicas are skipped and stay listed.
// If the quota cannot be met nothing is charged and ErrBusy is returned.
// LOCK_EXCLUDED(em.lruMu, em.spaceMu)
func (em *EvictionManager) Admit(n int64) error {
	if n <= 0 {
		return nil
	}
	if n > em.capacity {
		return fmt.Errorf("admit %d bytes: exceeds cache capacity %d: %w", n, em.capacity, common.ErrBusy)
	}

	em.lruMu.Lock()
	defer em.lruMu.Unlock()
	em.spaceMu.Lock()
	defer em.spaceMu.Unlock()

	e := em.entries.Front()
	for n > em.remaining && e != nil {
		next := e.Next()
		entry := e.Value.(lruEntry)
		freed, ok := em.reclaim(entry.path, entry.gen)
		if ok {
			em.entries.Remove(e)
			delete(em.index, entry.path)
			em.credit(freed)
			metrics.RecordEviction()
			log.Debugf("[CACHE] evicted %q gen %d (%d bytes)", entry.path, entry.gen, freed)
		}
		e = next
	}

	if n > em.remaining {
		return fmt.Errorf("admit %d bytes: only %d free after eviction: %w", n, em.remaining, common.ErrBusy)
	}
	em.remaining -= n
	metrics.SetCacheUsed(em.capacity - em.remaining)
	return nil
}

// Release credits n bytes back to the quota, never past capacity.
// LOCK_EXCLUDED(em.spaceMu)
func (em *EvictionManager) Release(n int64) {
	if n <= 0 {
		return
	}
	em.spaceMu.Lock()
	defer em.spaceMu.Unlock()
	em.credit(n)
}

// LOCK_REQUIRED(em.spaceMu)
func (em *EvictionManager) credit(n int64) {
	em.remaining += n
	if em.remaining > em.capacity {
		em.remaining = em.capacity
	}
	metrics.SetCacheUsed(em.capacity - em.remaining)
}

// Stats describes the quota and candidate list.
type Stats struct {
	Capacity  int64
	Remaining int64
	Evictable int
}

// Stats returns a snapshot of the quota and candidate list.
func (em *EvictionManager) Stats() Stats {
	em.lruMu.Lock()
	defer em.lruMu.Unlock()
	em.spaceMu.Lock()
	defer em.spaceMu.Unlock()
	return Stats{Capacity: em.capacity, Remaining: em.remaining, Evictable: em.entries.Len()}
}

// Candidates returns the listed paths, least recently closed first.
func (em *EvictionManager) Candidates() []string {
	em.lruMu.Lock()
	defer em.lruMu.Unlock()
	paths := make([]string, 0, em.entries.Len())
	for e := em.entries.Front(); e != nil; e = e.Next() {
		paths = append(paths, e.Value.(lruEntry).path)
	}
	return paths
}
