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

// Package proxy implements the caching file service that applications open
// files through. Files are served from versioned local replicas; opens
// consult the file server so that a replica superseded by another proxy's
// committed write is never served, and modified replicas are written back at
// close.
package proxy

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	log "github.com/sirupsen/logrus"

	"cachefs/internal/cache"
	"cachefs/internal/common"
	"cachefs/internal/ipc"
	"cachefs/internal/metrics"
)

// DefaultChunkSize bounds the bytes moved by one server call.
const DefaultChunkSize = 16384

// MaxReadSize bounds the bytes returned by one Read.
const MaxReadSize = 1 << 24

// Options configures a Proxy.
type Options struct {
	// ProxyID identifies this proxy to the server as a writer. Must be > 0.
	ProxyID int64
	// ChunkSize of server transfers; 0 uses DefaultChunkSize.
	ChunkSize int
}

// Proxy is the proxy file service.
type Proxy struct {
	id        int64
	chunkSize int
	server    FileServer
	cache     *cache.Store
	evict     *cache.EvictionManager
	fds       *descriptorTable
}

// New returns a Proxy serving files of server through store.
func New(server FileServer, store *cache.Store, opts Options) *Proxy {
	chunk := opts.ChunkSize
	if chunk <= 0 {
		chunk = DefaultChunkSize
	}
	return &Proxy{
		id:        opts.ProxyID,
		chunkSize: chunk,
		server:    server,
		cache:     store,
		evict:     store.Evictor(),
		fds:       newDescriptorTable(),
	}
}

func normalize(path string) (string, error) {
	norm, err := common.NormalizePath(path)
	if err != nil {
		return "", fmt.Errorf("%q: %v: %w", path, err, common.ErrInvalidArgument)
	}
	return norm, nil
}

// Open opens path in the given mode and returns a descriptor.
func (p *Proxy) Open(ctx context.Context, path string, mode common.OpenMode) (fd int64, err error) {
	if log.IsLevelEnabled(log.TraceLevel) {
		start := time.Now()
		defer func() { log.Tracef("[PROXY] Open %q %v → fd=%d %v (%v)", path, mode, fd, err, time.Since(start)) }()
	}
	if mode < common.OpenRead || mode > common.OpenCreateNew {
		return 0, fmt.Errorf("open mode %d: %w", mode, common.ErrInvalidArgument)
	}
	path, err = normalize(path)
	if err != nil {
		return 0, err
	}

	gen, _ := p.cache.BeginOpen(path)
	bound := false
	defer func() {
		if !bound {
			p.cache.AbortOpen(path)
		}
	}()

	localGen, hasLocal := p.cache.PinCurrent(path)
	pinned := hasLocal
	defer func() {
		if pinned {
			p.cache.Unpin(path, localGen)
		}
	}()

	probe, err := p.server.Probe(ctx, path, p.id, hasLocal, false)
	if err != nil {
		return 0, remoteErr("probe", path, err)
	}
	lease := probe.Lease
	defer func() {
		if lease != "" {
			_ = p.server.ReleaseLease(ctx, lease)
		}
	}()

	if probe.Existence == common.Directory {
		if mode != common.OpenRead {
			return 0, fmt.Errorf("open %q for %v: %w", path, mode, common.ErrIsDir)
		}
		return p.fds.Allocate(&descriptor{path: path, isDir: true, readOnly: true}), nil
	}

	onServer := probe.Existence == common.RegularFile
	if hasLocal && probe.Stale && !onServer {
		// Unlinked through another proxy: the replica must not be served.
		p.cache.Invalidate(path)
		hasLocal = false
	}

	if probe.ReadOnly && mode != common.OpenRead {
		return 0, fmt.Errorf("open %q for %v: %w", path, mode, common.ErrPermission)
	}
	switch mode {
	case common.OpenCreateNew:
		if hasLocal || onServer {
			return 0, fmt.Errorf("open %q: %w", path, common.ErrExists)
		}
	case common.OpenRead, common.OpenWrite:
		if !hasLocal && !onServer {
			return 0, fmt.Errorf("open %q: %w", path, common.ErrNotFound)
		}
	}
	needFetch := onServer && (!hasLocal || probe.Stale) && mode != common.OpenCreateNew

	d := &descriptor{path: path, gen: gen, readOnly: mode == common.OpenRead}
	switch {
	case needFetch:
		fetchLease := lease
		lease = ""
		if d.file, err = p.fetch(ctx, path, gen, probe.Length, fetchLease); err != nil {
			return 0, err
		}
		d.flag = flagUsed
	case hasLocal && mode == common.OpenRead:
		if d.file, err = p.cache.Open(path, localGen, true); err != nil {
			return 0, err
		}
		// The descriptor takes over the pin.
		pinned = false
		d.gen = localGen
		d.flag = flagUnmodified
	case hasLocal:
		if d.file, err = p.copyReplica(path, localGen, gen); err != nil {
			return 0, err
		}
		d.flag = flagUsed
	default:
		if d.file, err = p.cache.Create(path, gen); err != nil {
			return 0, err
		}
		d.flag = flagNew
	}

	bound = true
	fd = p.fds.Allocate(d)
	log.Debugf("[PROXY] open %q %v: fd %d bound to gen %d (%v)", path, mode, fd, d.gen, d.flag)
	return fd, nil
}

// Close releases a descriptor. A modified replica is promoted and written
// back to the server; a write-back failure is reported as ErrBusy after the
// local bookkeeping is done.
func (p *Proxy) Close(ctx context.Context, fd int64) (err error) {
	if log.IsLevelEnabled(log.TraceLevel) {
		start := time.Now()
		defer func() { log.Tracef("[PROXY] Close fd=%d → %v (%v)", fd, err, time.Since(start)) }()
	}
	d, ok := p.fds.Remove(fd)
	if !ok {
		return fmt.Errorf("close fd %d: %w", fd, common.ErrBadDescriptor)
	}
	if d.isDir {
		return nil
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	if d.flag != flagNew {
		closeErr := d.file.Close()
		p.cache.FinishUnmodified(d.path, d.gen)
		if closeErr != nil {
			return common.FromOSError(closeErr)
		}
		return nil
	}

	// The write lease orders commits on the server, so promote locally only
	// once it is held. Bookkeeping proceeds even if the server is unreachable.
	_, lease, err := p.server.GetLength(ctx, d.path, common.IntentWrite, p.id)
	p.cache.FinishModified(d.path, d.gen)
	if err != nil {
		err = remoteErr("write back", d.path, err)
	} else {
		err = p.writeBack(ctx, d.path, d.file, lease)
	}
	closeErr := d.file.Close()
	p.cache.Unpin(d.path, d.gen)
	metrics.RecordWriteBack(err)

	if err != nil {
		log.Warnf("[PROXY] write-back of %q failed: %v", d.path, err)
		if !errors.Is(err, common.ErrBusy) {
			err = fmt.Errorf("%v: %w", err, common.ErrBusy)
		}
		return err
	}
	if closeErr != nil {
		return common.FromOSError(closeErr)
	}
	return nil
}

func (p *Proxy) descriptor(fd int64) (*descriptor, error) {
	d, ok := p.fds.Get(fd)
	if !ok {
		return nil, fmt.Errorf("fd %d: %w", fd, common.ErrBadDescriptor)
	}
	return d, nil
}

// Read reads up to size bytes at the descriptor's position. It returns an
// empty slice at end of file.
func (p *Proxy) Read(fd int64, size int) ([]byte, error) {
	d, err := p.descriptor(fd)
	if err != nil {
		return nil, err
	}
	if d.isDir {
		return nil, fmt.Errorf("read fd %d: %w", fd, common.ErrIsDir)
	}
	if size < 0 {
		return nil, fmt.Errorf("read fd %d size %d: %w", fd, size, common.ErrInvalidArgument)
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	pos, err := d.file.Seek(0, io.SeekCurrent)
	if err != nil {
		return nil, common.FromOSError(err)
	}
	fi, err := d.file.Stat()
	if err != nil {
		return nil, common.FromOSError(err)
	}
	size = int(min(int64(size), max(fi.Size()-pos, 0), MaxReadSize))

	buf := make([]byte, size)
	n, err := io.ReadFull(d.file, buf)
	if err != nil && !errors.Is(err, io.EOF) && !errors.Is(err, io.ErrUnexpectedEOF) {
		return nil, common.FromOSError(err)
	}
	return buf[:n], nil
}

// Write writes data at the descriptor's position. Growth of the replica is
// charged to the cache quota first, evicting if needed.
func (p *Proxy) Write(fd int64, data []byte) (int, error) {
	d, err := p.descriptor(fd)
	if err != nil {
		return 0, err
	}
	if d.isDir {
		return 0, fmt.Errorf("write fd %d: %w", fd, common.ErrInvalidArgument)
	}
	if d.readOnly {
		return 0, fmt.Errorf("write fd %d: opened for reading: %w", fd, common.ErrBadDescriptor)
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	pos, err := d.file.Seek(0, io.SeekCurrent)
	if err != nil {
		return 0, common.FromOSError(err)
	}
	fi, err := d.file.Stat()
	if err != nil {
		return 0, common.FromOSError(err)
	}
	grow := pos + int64(len(data)) - fi.Size()
	if err := p.evict.Admit(grow); err != nil {
		return 0, err
	}

	n, err := d.file.Write(data)
	if err != nil {
		p.evict.Release(unusedGrowth(grow, pos, n, fi.Size()))
		return n, common.FromOSError(err)
	}
	d.flag = flagNew
	return n, nil
}

// unusedGrowth returns the part of a charged growth that a write of n bytes
// at pos did not use on a file of the given size.
func unusedGrowth(grow, pos int64, n int, size int64) int64 {
	if grow <= 0 {
		return 0
	}
	used := max(pos+int64(n)-size, 0)
	return max(grow-used, 0)
}

// Lseek repositions the descriptor and returns the new position.
func (p *Proxy) Lseek(fd int64, offset int64, whence common.Whence) (int64, error) {
	d, err := p.descriptor(fd)
	if err != nil {
		return 0, err
	}
	if d.isDir {
		return 0, fmt.Errorf("lseek fd %d: %w", fd, common.ErrInvalidArgument)
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	var base int64
	switch whence {
	case common.FromStart:
	case common.FromCurrent:
		if base, err = d.file.Seek(0, io.SeekCurrent); err != nil {
			return 0, common.FromOSError(err)
		}
	case common.FromEnd:
		fi, err := d.file.Stat()
		if err != nil {
			return 0, common.FromOSError(err)
		}
		base = fi.Size()
	default:
		return 0, fmt.Errorf("lseek whence %d: %w", whence, common.ErrInvalidArgument)
	}

	target := base + offset
	if target < 0 {
		return 0, fmt.Errorf("lseek fd %d to %d: %w", fd, target, common.ErrInvalidArgument)
	}
	if _, err := d.file.Seek(target, io.SeekStart); err != nil {
		return 0, common.FromOSError(err)
	}
	return target, nil
}

// Unlink removes path from the server and from this proxy's cache. A file
// only this proxy holds is removed locally.
func (p *Proxy) Unlink(ctx context.Context, path string) (err error) {
	if log.IsLevelEnabled(log.TraceLevel) {
		start := time.Now()
		defer func() { log.Tracef("[PROXY] Unlink %q → %v (%v)", path, err, time.Since(start)) }()
	}
	if path, err = normalize(path); err != nil {
		return err
	}

	hasLocal := p.cache.HasCurrent(path)
	probe, err := p.server.Probe(ctx, path, p.id, hasLocal, true)
	if err != nil {
		return remoteErr("probe", path, err)
	}
	if probe.Lease != "" {
		_ = p.server.ReleaseLease(ctx, probe.Lease)
	}

	switch probe.Existence {
	case common.Directory:
		return fmt.Errorf("unlink %q: %w", path, common.ErrIsDir)
	case common.Absent:
		if !hasLocal || probe.Stale {
			p.cache.Invalidate(path)
			return fmt.Errorf("unlink %q: %w", path, common.ErrNotFound)
		}
	case common.RegularFile:
		if probe.ReadOnly {
			return fmt.Errorf("unlink %q: %w", path, common.ErrPermission)
		}
		if err := p.server.Unlink(ctx, path, p.id); err != nil {
			if errors.Is(err, common.ErrBusy) {
				return fmt.Errorf("unlink %q: %w", path, err)
			}
			return err
		}
	}

	p.cache.Invalidate(path)
	log.Debugf("[PROXY] unlinked %q", path)
	return nil
}

// SessionEnd is called when a client application disconnects.
func (p *Proxy) SessionEnd() {
	log.Debugf("[PROXY] session end")
}

// Status reports the proxy's cache and descriptor state.
func (p *Proxy) Status() ipc.ProxyStatus {
	st := p.evict.Stats()
	return ipc.ProxyStatus{
		ProxyID:         p.id,
		Capacity:        st.Capacity,
		Remaining:       st.Remaining,
		OpenDescriptors: p.fds.Len(),
		EvictableFiles:  st.Evictable,
	}
}
