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
	"time"

	"cachefs/internal/common"
	"cachefs/internal/ipc"
)

// FileServer is the canonical file server as seen by a proxy.
type FileServer interface {
	Probe(ctx context.Context, path string, proxyID int64, hasLocalCopy, isUnlink bool) (common.ProbeResult, error)
	GetLength(ctx context.Context, path string, intent common.Intent, proxyID int64) (length int64, lease string, err error)
	ReadChunk(ctx context.Context, path, lease string, length int, offset int64, final bool) ([]byte, error)
	WriteChunk(ctx context.Context, path, lease string, data []byte, offset int64, final bool, proxyID int64) error
	ReleaseLease(ctx context.Context, lease string) error
	Unlink(ctx context.Context, path string, proxyID int64) error
}

// RemoteServer reaches a file server over IPC, one connection per call, so a
// call blocked on a server lock never holds up another.
type RemoteServer struct {
	addr    string
	timeout time.Duration
}

// NewRemoteServer returns a FileServer for the server listening on addr.
func NewRemoteServer(addr string, timeout time.Duration) *RemoteServer {
	return &RemoteServer{addr: addr, timeout: timeout}
}

func (r *RemoteServer) call(ctx context.Context, req *ipc.Request) (*ipc.Response, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return ipc.Call(r.addr, r.timeout, req)
}

// Ping checks that the server answers.
func (r *RemoteServer) Ping(ctx context.Context) error {
	_, err := r.call(ctx, &ipc.Request{Type: ipc.RequestPing})
	return err
}

func (r *RemoteServer) Probe(ctx context.Context, path string, proxyID int64, hasLocalCopy, isUnlink bool) (common.ProbeResult, error) {
	resp, err := r.call(ctx, &ipc.Request{
		Type:         ipc.RequestProbe,
		Path:         path,
		ProxyID:      proxyID,
		HasLocalCopy: hasLocalCopy,
		Unlink:       isUnlink,
	})
	if err != nil {
		return common.ProbeResult{}, err
	}
	if resp.Probe == nil {
		return common.ProbeResult{}, nil
	}
	return *resp.Probe, nil
}

func (r *RemoteServer) GetLength(ctx context.Context, path string, intent common.Intent, proxyID int64) (int64, string, error) {
	resp, err := r.call(ctx, &ipc.Request{Type: ipc.RequestGetLength, Path: path, Intent: intent, ProxyID: proxyID})
	if err != nil {
		return 0, "", err
	}
	return resp.Length, resp.Lease, nil
}

func (r *RemoteServer) ReadChunk(ctx context.Context, path, lease string, length int, offset int64, final bool) ([]byte, error) {
	resp, err := r.call(ctx, &ipc.Request{
		Type:   ipc.RequestReadChunk,
		Path:   path,
		Lease:  lease,
		Length: int64(length),
		Offset: offset,
		Final:  final,
	})
	if err != nil {
		return nil, err
	}
	return resp.Data, nil
}

func (r *RemoteServer) WriteChunk(ctx context.Context, path, lease string, data []byte, offset int64, final bool, proxyID int64) error {
	_, err := r.call(ctx, &ipc.Request{
		Type:    ipc.RequestWriteChunk,
		Path:    path,
		Lease:   lease,
		Data:    data,
		Offset:  offset,
		Final:   final,
		ProxyID: proxyID,
	})
	return err
}

func (r *RemoteServer) ReleaseLease(ctx context.Context, lease string) error {
	_, err := r.call(ctx, &ipc.Request{Type: ipc.RequestReleaseLease, Lease: lease})
	return err
}

func (r *RemoteServer) Unlink(ctx context.Context, path string, proxyID int64) error {
	_, err := r.call(ctx, &ipc.Request{Type: ipc.RequestUnlink, Path: path, ProxyID: proxyID})
	return err
}
