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

package proxy

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"

	log "github.com/sirupsen/logrus"

	"cachefs/internal/common"
	"cachefs/internal/metrics"
)

// remoteErr reports a failed server call as ErrBusy, keeping its message.
func remoteErr(op, path string, err error) error {
	if errors.Is(err, common.ErrBusy) {
		return fmt.Errorf("%s %q: %w", op, path, err)
	}
	return fmt.Errorf("%s %q: %v: %w", op, path, err, common.ErrBusy)
}

// fetch copies path from the server into a new replica (path, gen) using the
// read lease taken by the probe, or a fresh one when lease is empty. The lease
// is always finished. On success the replica holds one reference and the
// returned file is positioned at the start.
func (p *Proxy) fetch(ctx context.Context, path string, gen, length int64, lease string) (*os.File, error) {
	var err error
	if lease == "" {
		if length, lease, err = p.server.GetLength(ctx, path, common.IntentRead, p.id); err != nil {
			return nil, remoteErr("fetch", path, err)
		}
	}
	abort := func(err error) error {
		_ = p.server.ReleaseLease(ctx, lease)
		return err
	}

	if err := p.evict.Admit(length); err != nil {
		return nil, abort(err)
	}
	f, err := p.cache.Create(path, gen)
	if err != nil {
		p.evict.Release(length)
		return nil, abort(err)
	}

	for off := int64(0); ; {
		n := int64(p.chunkSize)
		final := off+n >= length
		if final {
			n = length - off
		}
		data, err := p.server.ReadChunk(ctx, path, lease, int(n), off, final)
		if err == nil && !final && len(data) == 0 {
			err = fmt.Errorf("short read at %d of %d: %w", off, length, common.ErrIO)
		}
		if err != nil {
			p.discard(path, gen, f, length)
			return nil, abort(remoteErr("fetch", path, err))
		}
		if _, err := f.WriteAt(data, off); err != nil {
			p.discard(path, gen, f, length)
			return nil, abort(common.FromOSError(err))
		}
		off += int64(len(data))
		if final {
			break
		}
	}

	metrics.RecordFetch()
	log.Debugf("[PROXY] fetched %q gen %d (%d bytes)", path, gen, length)
	return f, nil
}

// copyReplica duplicates the replica (path, from) into a new replica
// (path, to), charging its size to the quota.
func (p *Proxy) copyReplica(path string, from, to int64) (*os.File, error) {
	src, err := p.cache.Open(path, from, true)
	if err != nil {
		return nil, err
	}
	defer src.Close()

	fi, err := src.Stat()
	if err != nil {
		return nil, common.FromOSError(err)
	}
	size := fi.Size()
	if err := p.evict.Admit(size); err != nil {
		return nil, err
	}
	dst, err := p.cache.Create(path, to)
	if err != nil {
		p.evict.Release(size)
		return nil, err
	}
	if _, err := io.Copy(dst, src); err != nil {
		p.discard(path, to, dst, size)
		return nil, common.FromOSError(err)
	}
	if _, err := dst.Seek(0, io.SeekStart); err != nil {
		p.discard(path, to, dst, size)
		return nil, common.FromOSError(err)
	}
	log.Debugf("[PROXY] copied %q gen %d to gen %d (%d bytes)", path, from, to, size)
	return dst, nil
}

// discard drops a replica whose materialization failed and returns the
// charged bytes to the quota.
func (p *Proxy) discard(path string, gen int64, f *os.File, charged int64) {
	// Truncate first so that deleting the replica credits nothing twice.
	_ = f.Truncate(0)
	_ = f.Close()
	p.cache.Unpin(path, gen)
	p.evict.Release(charged)
}

// writeBack sends the whole replica behind f to the server in chunks under
// the given write lease, which is always finished. The final chunk commits it
// and makes this proxy the path's last writer.
func (p *Proxy) writeBack(ctx context.Context, path string, f *os.File, lease string) error {
	fi, err := f.Stat()
	if err != nil {
		_ = p.server.ReleaseLease(ctx, lease)
		return common.FromOSError(err)
	}
	size := fi.Size()

	buf := make([]byte, p.chunkSize)
	for off := int64(0); ; {
		n := int64(p.chunkSize)
		final := off+n >= size
		if final {
			n = size - off
		}
		chunk := buf[:n]
		if _, err := f.ReadAt(chunk, off); err != nil && !errors.Is(err, io.EOF) {
			_ = p.server.ReleaseLease(ctx, lease)
			return common.FromOSError(err)
		}
		if err := p.server.WriteChunk(ctx, path, lease, chunk, off, final, p.id); err != nil {
			_ = p.server.ReleaseLease(ctx, lease)
			return remoteErr("write back", path, err)
		}
		if final {
			break
		}
		off += n
	}

	log.Debugf("[PROXY] wrote back %q (%d bytes)", path, size)
	return nil
}
