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
	"errors"
	"fmt"
	"io/fs"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"sync"

	log "github.com/sirupsen/logrus"

	"cachefs/internal/common"
)

// LockFileName is the cache directory entry reserved for the proxy's
// single-instance lock. Replica files never collide with it because their
// names always end in a generation suffix.
const LockFileName = ".lock"

// generations holds the counters of one path.
//
// INVARIANT: cur < next
type generations struct {
	next int64 // handed out by the next open
	cur  int64 // last promoted
}

// Store is the proxy's versioned replica bookkeeping: generation counters per
// path, reference counts per replica, and the replica files themselves.
//
// Lock order, for every operation touching more than one table:
// gensMu, then the eviction manager's locks, then refsMu. Space freed while
// refsMu is held is credited only after it is released.
type Store struct {
	dir   string
	evict *EvictionManager

	gensMu sync.RWMutex
	gens   map[string]*generations

	refsMu sync.Mutex
	// path -> gen -> open descriptors bound to that replica. An entry exists
	// for every replica file on disk.
	//
	// INVARIANT: counts are never negative
	replicas map[string]map[int64]int
}

// NewStore prepares dir for replicas, deleting any left by an earlier run,
// and wires the store into evict as its reclaimer.
func NewStore(dir string, evict *EvictionManager) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create cache dir: %w", err)
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("read cache dir: %w", err)
	}
	cleared := 0
	for _, e := range entries {
		if e.Name() == LockFileName {
			continue
		}
		if err := os.RemoveAll(filepath.Join(dir, e.Name())); err != nil {
			return nil, fmt.Errorf("clear stale replica %s: %w", e.Name(), err)
		}
		cleared++
	}
	if cleared > 0 {
		log.Infof("[CACHE] cleared %d stale entries from %s", cleared, dir)
	}

	s := &Store{
		dir:      dir,
		evict:    evict,
		gens:     make(map[string]*generations),
		replicas: make(map[string]map[int64]int),
	}
	evict.SetReclaimer(s.reclaim)
	return s, nil
}

// ReplicaPath returns the file holding replica (path, gen). Paths are escaped
// so that every replica lives directly in the cache directory.
func (s *Store) ReplicaPath(path string, gen int64) string {
	return filepath.Join(s.dir, url.PathEscape(path)+"."+strconv.FormatInt(gen, 10))
}

// BeginOpen assigns the next generation of path to a new open, initializing
// the counters on first reference, and takes path off the eviction list for
// the duration of the open. It returns the assigned and the current
// generation.
func (s *Store) BeginOpen(path string) (gen, cur int64) {
	s.gensMu.Lock()
	defer s.gensMu.Unlock()

	g, ok := s.gens[path]
	if !ok {
		g = &generations{next: 1, cur: 0}
		s.gens[path] = g
	}
	gen = g.next
	g.next++
	s.evict.Remove(path)
	log.Debugf("[CACHE] %q: open gets gen %d (current %d)", path, gen, g.cur)
	return gen, g.cur
}

// AbortOpen puts the current replica of path back on the eviction list after
// an open that bound no descriptor.
func (s *Store) AbortOpen(path string) {
	s.gensMu.RLock()
	defer s.gensMu.RUnlock()

	g, ok := s.gens[path]
	if !ok {
		return
	}
	s.refsMu.Lock()
	_, cached := s.replicas[path][g.cur]
	s.refsMu.Unlock()
	if cached {
		s.evict.Touch(path, g.cur)
	}
}

// PinCurrent takes a reference on the current replica of path if one is
// cached, so that it cannot be evicted. It reports the replica's generation.
func (s *Store) PinCurrent(path string) (gen int64, ok bool) {
	s.gensMu.RLock()
	defer s.gensMu.RUnlock()

	g, exists := s.gens[path]
	if !exists {
		return 0, false
	}
	s.refsMu.Lock()
	defer s.refsMu.Unlock()
	refs, cached := s.replicas[path]
	if !cached {
		return 0, false
	}
	if _, cached = refs[g.cur]; !cached {
		return 0, false
	}
	refs[g.cur]++
	return g.cur, true
}

// HasCurrent reports whether the current replica of path is cached.
func (s *Store) HasCurrent(path string) bool {
	s.gensMu.RLock()
	defer s.gensMu.RUnlock()

	g, ok := s.gens[path]
	if !ok {
		return false
	}
	s.refsMu.Lock()
	defer s.refsMu.Unlock()
	_, ok = s.replicas[path][g.cur]
	return ok
}

// Create makes an empty replica file for (path, gen) and registers it with
// one reference.
func (s *Store) Create(path string, gen int64) (*os.File, error) {
	f, err := os.OpenFile(s.ReplicaPath(path, gen), os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return nil, common.FromOSError(err)
	}
	s.refsMu.Lock()
	refs, ok := s.replicas[path]
	if !ok {
		refs = make(map[int64]int)
		s.replicas[path] = refs
	}
	refs[gen] = 1
	s.refsMu.Unlock()
	return f, nil
}

// Open opens the replica file of (path, gen). The caller must hold a
// reference on it.
func (s *Store) Open(path string, gen int64, readOnly bool) (*os.File, error) {
	flag := os.O_RDWR
	if readOnly {
		flag = os.O_RDONLY
	}
	f, err := os.OpenFile(s.ReplicaPath(path, gen), flag, 0)
	if err != nil {
		return nil, common.FromOSError(err)
	}
	return f, nil
}

// Unpin drops one reference on (path, gen). A replica left unreferenced that
// is not the current generation is deleted.
func (s *Store) Unpin(path string, gen int64) {
	s.gensMu.RLock()
	defer s.gensMu.RUnlock()

	cur := int64(-1)
	if g, ok := s.gens[path]; ok {
		cur = g.cur
	}

	s.refsMu.Lock()
	count := s.decref(path, gen)
	var freed int64
	if count == 0 && gen != cur {
		freed = s.deleteReplica(path, gen)
	}
	s.refsMu.Unlock()

	s.evict.Release(freed)
}

// FinishUnmodified ends a session bound to (path, gen) that wrote nothing.
// A session at least as new as the current generation promotes it and drops
// older unreferenced replicas; an outdated session discards its replica once
// unreferenced. It reports whether gen was promoted.
func (s *Store) FinishUnmodified(path string, gen int64) bool {
	s.gensMu.Lock()
	defer s.gensMu.Unlock()

	g := s.gens[path]
	promote := gen >= g.cur
	if promote {
		g.cur = gen
		s.evict.Touch(path, gen)
	}

	s.refsMu.Lock()
	var freed int64
	if s.decref(path, gen) == 0 && !promote {
		freed = s.deleteReplica(path, gen)
	}
	if promote {
		freed += s.deleteUnreferenced(path, func(other int64) bool { return other < gen })
	}
	s.refsMu.Unlock()

	s.evict.Release(freed)
	if promote {
		log.Debugf("[CACHE] %q: promoted gen %d", path, gen)
	} else {
		log.Debugf("[CACHE] %q: discarded gen %d (current %d)", path, gen, g.cur)
	}
	return promote
}

// FinishModified promotes (path, gen) unconditionally, the last writer to
// close wins, and drops every other unreferenced replica of path. The caller
// keeps its reference until the write-back is done and then calls Unpin.
func (s *Store) FinishModified(path string, gen int64) {
	s.gensMu.Lock()
	defer s.gensMu.Unlock()

	g := s.gens[path]
	g.cur = gen
	s.evict.Touch(path, gen)

	s.refsMu.Lock()
	freed := s.deleteUnreferenced(path, func(other int64) bool { return other != gen })
	s.refsMu.Unlock()

	s.evict.Release(freed)
	log.Debugf("[CACHE] %q: promoted modified gen %d", path, gen)
}

// Invalidate forgets the cached content of path after an unlink: the current
// replica is dropped from eviction and deleted if unreferenced, and the
// current generation moves to one no replica has. It reports whether a
// current replica was cached.
func (s *Store) Invalidate(path string) bool {
	s.gensMu.Lock()
	defer s.gensMu.Unlock()

	g, ok := s.gens[path]
	if !ok {
		return false
	}
	s.evict.Remove(path)

	s.refsMu.Lock()
	count, cached := s.replicas[path][g.cur]
	var freed int64
	if cached && count == 0 {
		freed = s.deleteReplica(path, g.cur)
	}
	s.refsMu.Unlock()
	s.evict.Release(freed)

	g.cur = g.next
	g.next++
	log.Debugf("[CACHE] %q: invalidated, current gen now %d", path, g.cur)
	return cached
}

// reclaim is the eviction manager's ReclaimFunc.
// LOCK_EXCLUDED(s.refsMu)
func (s *Store) reclaim(path string, gen int64) (int64, bool) {
	s.refsMu.Lock()
	defer s.refsMu.Unlock()

	count, cached := s.replicas[path][gen]
	if !cached {
		return 0, true
	}
	if count > 0 {
		return 0, false
	}
	return s.deleteReplica(path, gen), true
}

// LOCK_REQUIRED(s.refsMu)
func (s *Store) decref(path string, gen int64) int {
	refs, ok := s.replicas[path]
	if !ok {
		return 0
	}
	count, ok := refs[gen]
	if !ok {
		return 0
	}
	if count > 0 {
		count--
		refs[gen] = count
	}
	return count
}

// deleteUnreferenced deletes the unreferenced replicas of path selected by
// match and returns the bytes freed.
// LOCK_REQUIRED(s.refsMu)
func (s *Store) deleteUnreferenced(path string, match func(gen int64) bool) int64 {
	var freed int64
	for gen, count := range s.replicas[path] {
		if count == 0 && match(gen) {
			freed += s.deleteReplica(path, gen)
		}
	}
	return freed
}

// deleteReplica removes the replica file and its entry and returns its size.
// LOCK_REQUIRED(s.refsMu)
func (s *Store) deleteReplica(path string, gen int64) int64 {
	name := s.ReplicaPath(path, gen)
	var size int64
	if fi, err := os.Stat(name); err == nil {
		size = fi.Size()
	}
	if err := os.Remove(name); err != nil && !errors.Is(err, fs.ErrNotExist) {
		log.Warnf("[CACHE] failed to delete replica %s: %v", name, err)
	}

	refs := s.replicas[path]
	delete(refs, gen)
	if len(refs) == 0 {
		delete(s.replicas, path)
	}
	return size
}

// Generations reports the counters of path.
func (s *Store) Generations(path string) (next, cur int64, ok bool) {
	s.gensMu.RLock()
	defer s.gensMu.RUnlock()
	g, ok := s.gens[path]
	if !ok {
		return 0, 0, false
	}
	return g.next, g.cur, true
}

// RefCount reports the references on (path, gen) and whether it is cached.
func (s *Store) RefCount(path string, gen int64) (int, bool) {
	s.refsMu.Lock()
	defer s.refsMu.Unlock()
	count, ok := s.replicas[path][gen]
	return count, ok
}

// Evictor returns the eviction manager charged by this store.
func (s *Store) Evictor() *EvictionManager {
	return s.evict
}
