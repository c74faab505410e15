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
	"fmt"

	log "github.com/sirupsen/logrus"

	"cachefs/internal/common"
	"cachefs/internal/ipc"
	"cachefs/internal/metrics"
)

// Handler serves client application requests against a Proxy.
type Handler struct {
	ctx   context.Context
	proxy *Proxy
}

// NewHandler returns a Handler whose server calls are bound to ctx.
func NewHandler(ctx context.Context, p *Proxy) *Handler {
	return &Handler{ctx: ctx, proxy: p}
}

// Handle dispatches one request.
func (h *Handler) Handle(req *ipc.Request) *ipc.Response {
	resp, err := h.dispatch(req)
	metrics.RecordProxyRequest(req.Type, err)
	if err != nil {
		log.Debugf("[PROXY] %s: %v", req.Type, err)
		return ipc.Fail(err)
	}
	return resp
}

func (h *Handler) dispatch(req *ipc.Request) (*ipc.Response, error) {
	resp := ipc.OK()
	switch req.Type {
	case ipc.RequestPing:

	case ipc.RequestOpen:
		fd, err := h.proxy.Open(h.ctx, req.Path, req.Mode)
		if err != nil {
			return nil, err
		}
		resp.Fd = fd

	case ipc.RequestClose:
		if err := h.proxy.Close(h.ctx, req.Fd); err != nil {
			return nil, err
		}

	case ipc.RequestRead:
		data, err := h.proxy.Read(req.Fd, req.Size)
		if err != nil {
			return nil, err
		}
		resp.Data = data
		resp.N = len(data)

	case ipc.RequestWrite:
		n, err := h.proxy.Write(req.Fd, req.Data)
		if err != nil {
			return nil, err
		}
		resp.N = n

	case ipc.RequestLseek:
		pos, err := h.proxy.Lseek(req.Fd, req.Offset, req.Whence)
		if err != nil {
			return nil, err
		}
		resp.Position = pos

	case ipc.RequestUnlink:
		if err := h.proxy.Unlink(h.ctx, req.Path); err != nil {
			return nil, err
		}

	case ipc.RequestSessionEnd:
		h.proxy.SessionEnd()

	case ipc.RequestStatus:
		st := h.proxy.Status()
		resp.Status = &st

	default:
		return nil, fmt.Errorf("unknown request type %q: %w", req.Type, common.ErrInvalidArgument)
	}
	return resp, nil
}
