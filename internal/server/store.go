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

// Package server implements the canonical file store that caching proxies
// synchronize with. Each path has a fair reader/writer lock that is held for
// a whole chunked transfer, and an invalidation marker naming the proxy whose
// write last committed.
package server

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"sync"
	"time"

	"github.com/go-git/go-billy/v5"
	log "github.com/sirupsen/logrus"

	"cachefs/internal/common"
	"cachefs/internal/metrics"
)

// MaxChunkSize bounds the length of one ReadChunk.
const MaxChunkSize = 1 << 24

// Options configures a Store.
type Options struct {
	// LeaseTimeout bounds how long a lease survives without a chunk call.
	// Zero keeps leases until they are finished explicitly.
	LeaseTimeout time.Duration
	// LockWait bounds how long a call waits for a path lock. Zero waits
	// until the caller's context ends.
	LockWait time.Duration
	// Markers stores invalidation markers. Nil uses an in-memory store.
	Markers MarkerStore
	// ReadOnly reports paths that refuse modification. Nil allows all.
	ReadOnly PathFilter
}

// Store is the authoritative file storage shared by all proxies.
type Store struct {
	fs       billy.Filesystem
	locks    *lockTable
	markers  MarkerStore
	readOnly PathFilter
	lockWait time.Duration

	stop     chan struct{}
	wg       sync.WaitGroup
	stopOnce sync.Once
}

// NewStore creates a Store over fsys and starts its lease reaper.
func NewStore(fsys billy.Filesystem, opts Options) *Store {
	markers := opts.Markers
	if markers == nil {
		markers = NewMemoryMarkers()
	}
	s := &Store{
		fs:       fsys,
		locks:    newLockTable(opts.LeaseTimeout),
		markers:  markers,
		readOnly: opts.ReadOnly,
		lockWait: opts.LockWait,
		stop:     make(chan struct{}),
	}
	if opts.LeaseTimeout > 0 {
		s.wg.Add(1)
		go s.reap(reapInterval(opts.LeaseTimeout))
	}
	return s
}

func reapInterval(ttl time.Duration) time.Duration {
	interval := ttl / 4
	if interval < 10*time.Millisecond {
		interval = 10 * time.Millisecond
	}
	return interval
}

func (s *Store) reap(interval time.Duration) {
	defer s.wg.Done()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-s.stop:
			return
		case <-ticker.C:
			s.locks.Expire()
		}
	}
}

// Close stops the reaper and closes the marker store.
func (s *Store) Close() error {
	s.stopOnce.Do(func() { close(s.stop) })
	s.wg.Wait()
	return s.markers.Close()
}

// OutstandingLeases returns the number of leases not yet finished.
func (s *Store) OutstandingLeases() int {
	return s.locks.Outstanding()
}

func (s *Store) acquire(ctx context.Context, path string, write bool, proxyID int64) (string, error) {
	if s.lockWait > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.lockWait)
		defer cancel()
	}
	return s.locks.Acquire(ctx, path, write, proxyID)
}

func (s *Store) isReadOnly(path string, isDir bool) bool {
	return s.readOnly != nil && s.readOnly(path, isDir)
}

// stat reports what path refers to. A missing path is not an error.
func (s *Store) stat(path string) (common.Existence, int64, error) {
	fi, err := s.fs.Stat(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return common.Absent, 0, nil
		}
		return common.Absent, 0, common.FromOSError(err)
	}
	if fi.IsDir() {
		return common.Directory, 0, nil
	}
	return common.RegularFile, fi.Size(), nil
}

func (s *Store) isStale(ctx context.Context, path string, proxyID int64) (bool, error) {
	writer, ok, err := s.markers.LastWriter(ctx, path)
	if err != nil {
		return false, fmt.Errorf("read marker for %q: %v: %w", path, err, common.ErrIO)
	}
	return ok && writer != proxyID, nil
}

// Probe reports what path is on the server and whether the caller's replica
// is stale. For a regular file it takes the path's read lock. The lock is
// released before returning when isUnlink is set or when the caller holds a
// fresh copy; otherwise its lease is returned in the result and the caller
// must finish it with a final ReadChunk or ReleaseLease.
func (s *Store) Probe(ctx context.Context, path string, proxyID int64, hasLocalCopy, isUnlink bool) (res common.ProbeResult, err error) {
	if log.IsLevelEnabled(log.TraceLevel) {
		start := time.Now()
		defer func() { log.Tracef("[SERVER] Probe %q proxy=%d → %+v %v (%v)", path, proxyID, res, err, time.Since(start)) }()
	}
	if path, err = common.NormalizePath(path); err != nil {
		return res, err
	}

	if res.Stale, err = s.isStale(ctx, path, proxyID); err != nil {
		return res, err
	}
	existence, _, err := s.stat(path)
	if err != nil {
		return res, err
	}
	res.Existence = existence
	res.ReadOnly = s.isReadOnly(path, existence == common.Directory)
	if existence != common.RegularFile {
		return res, nil
	}

	lease, err := s.acquire(ctx, path, false, proxyID)
	if err != nil {
		return res, err
	}
	// Re-check under the lock: a writer or unlink may have finished while
	// this call waited.
	existence, length, err := s.stat(path)
	if err == nil {
		res.Stale, err = s.isStale(ctx, path, proxyID)
	}
	if err != nil || existence != common.RegularFile {
		s.locks.Release(lease)
		res.Existence = existence
		return res, err
	}
	res.Length = length

	if isUnlink || (hasLocalCopy && !res.Stale) {
		s.locks.Release(lease)
		return res, nil
	}
	res.Lease = lease
	return res, nil
}

// GetLength locks path for the given intent and returns its length (zero when
// it does not exist yet) with the lease for the transfer that follows.
func (s *Store) GetLength(ctx context.Context, path string, intent common.Intent, proxyID int64) (length int64, lease string, err error) {
	if path, err = common.NormalizePath(path); err != nil {
		return 0, "", err
	}
	write := intent == common.IntentWrite
	if write && s.isReadOnly(path, false) {
		return 0, "", fmt.Errorf("%q is read-only: %w", path, common.ErrPermission)
	}

	lease, err = s.acquire(ctx, path, write, proxyID)
	if err != nil {
		return 0, "", err
	}
	existence, length, err := s.stat(path)
	if err != nil {
		s.locks.Release(lease)
		return 0, "", err
	}
	if existence == common.Directory {
		s.locks.Release(lease)
		return 0, "", fmt.Errorf("%q: %w", path, common.ErrIsDir)
	}
	return length, lease, nil
}

// ReadChunk returns up to length bytes of path starting at offset. The lease
// is renewed, and released when final is set.
func (s *Store) ReadChunk(ctx context.Context, path, lease string, length int, offset int64, final bool) (data []byte, err error) {
	if path, err = common.NormalizePath(path); err != nil {
		return nil, err
	}
	if err := s.locks.Renew(lease, path, false); err != nil {
		return nil, err
	}
	if final {
		defer s.locks.Release(lease)
	}
	if length < 0 || length > MaxChunkSize || offset < 0 {
		return nil, fmt.Errorf("read %q at %d len %d: %w", path, offset, length, common.ErrInvalidArgument)
	}

	fi, err := s.fs.Stat(path)
	if err != nil {
		return nil, common.FromOSError(err)
	}
	length = int(min(int64(length), max(fi.Size()-offset, 0)))

	f, err := s.fs.Open(path)
	if err != nil {
		return nil, common.FromOSError(err)
	}
	defer f.Close()

	buf := make([]byte, length)
	n, err := f.ReadAt(buf, offset)
	if err != nil && !errors.Is(err, io.EOF) {
		return nil, common.FromOSError(err)
	}
	metrics.RecordServerRead(n)
	return buf[:n], nil
}

// WriteChunk writes data to path at offset under a write lease. The final
// chunk truncates the file to its end, records proxyID as the last writer
// and releases the lease.
func (s *Store) WriteChunk(ctx context.Context, path, lease string, data []byte, offset int64, final bool, proxyID int64) (err error) {
	if log.IsLevelEnabled(log.TraceLevel) {
		start := time.Now()
		defer func() {
			log.Tracef("[SERVER] WriteChunk %q len=%d off=%d final=%v → %v (%v)", path, len(data), offset, final, err, time.Since(start))
		}()
	}
	if path, err = common.NormalizePath(path); err != nil {
		return err
	}
	if err := s.locks.Renew(lease, path, true); err != nil {
		return err
	}
	if final {
		defer s.locks.Release(lease)
	}
	if s.isReadOnly(path, false) {
		return fmt.Errorf("%q is read-only: %w", path, common.ErrPermission)
	}
	if offset < 0 {
		return fmt.Errorf("write %q at %d: %w", path, offset, common.ErrInvalidArgument)
	}

	if parent := common.ParentPath(path); parent != "" {
		if err := s.fs.MkdirAll(parent, 0o755); err != nil {
			return common.FromOSError(err)
		}
	}
	f, err := s.fs.OpenFile(path, os.O_WRONLY|os.O_CREATE, 0o644)
	if err != nil {
		return common.FromOSError(err)
	}
	defer f.Close()

	if _, err := f.Seek(offset, io.SeekStart); err != nil {
		return common.FromOSError(err)
	}
	if _, err := f.Write(data); err != nil {
		return common.FromOSError(err)
	}
	metrics.RecordServerWrite(len(data))
	if !final {
		return nil
	}

	if err := f.Truncate(offset + int64(len(data))); err != nil {
		return common.FromOSError(err)
	}
	if err := s.markers.SetLastWriter(ctx, path, proxyID); err != nil {
		return fmt.Errorf("record writer of %q: %v: %w", path, err, common.ErrIO)
	}
	log.Debugf("[SERVER] %q committed by proxy %d (%d bytes)", path, proxyID, offset+int64(len(data)))
	return nil
}

// ReleaseLease finishes a lease early. Unknown or finished leases are ignored.
func (s *Store) ReleaseLease(lease string) {
	s.locks.Release(lease)
}

// Unlink removes the canonical file at path and records proxyID as its last
// writer so other proxies drop their replicas.
func (s *Store) Unlink(ctx context.Context, path string, proxyID int64) (err error) {
	if path, err = common.NormalizePath(path); err != nil {
		return err
	}
	lease, err := s.acquire(ctx, path, true, proxyID)
	if err != nil {
		return err
	}
	defer s.locks.Release(lease)

	existence, _, err := s.stat(path)
	if err != nil {
		return err
	}
	switch existence {
	case common.Absent:
		return fmt.Errorf("%q: %w", path, common.ErrNotFound)
	case common.Directory:
		return fmt.Errorf("%q: %w", path, common.ErrIsDir)
	}
	if s.isReadOnly(path, false) {
		return fmt.Errorf("%q is read-only: %w", path, common.ErrPermission)
	}

	if err := s.fs.Remove(path); err != nil {
		return common.FromOSError(err)
	}
	if err := s.markers.SetLastWriter(ctx, path, proxyID); err != nil {
		return fmt.Errorf("record unlink of %q: %v: %w", path, err, common.ErrIO)
	}
	log.Debugf("[SERVER] %q unlinked by proxy %d", path, proxyID)
	return nil
}
