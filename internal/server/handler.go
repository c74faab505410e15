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

	log "github.com/sirupsen/logrus"

	"cachefs/internal/common"
	"cachefs/internal/ipc"
	"cachefs/internal/metrics"
)

// Handler serves proxy requests against a Store.
type Handler struct {
	ctx   context.Context
	store *Store
}

// NewHandler returns a Handler whose calls are bound to ctx, so that pending
// lock waits end when the server shuts down.
func NewHandler(ctx context.Context, store *Store) *Handler {
	return &Handler{ctx: ctx, store: store}
}

// Handle dispatches one request.
func (h *Handler) Handle(req *ipc.Request) *ipc.Response {
	resp, err := h.dispatch(req)
	metrics.RecordServerRequest(req.Type, err)
	if err != nil {
		log.Debugf("[SERVER] %s %q: %v", req.Type, req.Path, err)
		return ipc.Fail(err)
	}
	return resp
}

func (h *Handler) dispatch(req *ipc.Request) (*ipc.Response, error) {
	ctx := h.ctx
	switch req.Type {
	case ipc.RequestPing:
		return ipc.OK(), nil

	case ipc.RequestProbe:
		res, err := h.store.Probe(ctx, req.Path, req.ProxyID, req.HasLocalCopy, req.Unlink)
		if err != nil {
			return nil, err
		}
		resp := ipc.OK()
		resp.Probe = &res
		return resp, nil

	case ipc.RequestGetLength:
		length, lease, err := h.store.GetLength(ctx, req.Path, req.Intent, req.ProxyID)
		if err != nil {
			return nil, err
		}
		resp := ipc.OK()
		resp.Length = length
		resp.Lease = lease
		return resp, nil

	case ipc.RequestReadChunk:
		data, err := h.store.ReadChunk(ctx, req.Path, req.Lease, int(req.Length), req.Offset, req.Final)
		if err != nil {
			return nil, err
		}
		resp := ipc.OK()
		resp.Data = data
		return resp, nil

	case ipc.RequestWriteChunk:
		if err := h.store.WriteChunk(ctx, req.Path, req.Lease, req.Data, req.Offset, req.Final, req.ProxyID); err != nil {
			return nil, err
		}
		return ipc.OK(), nil

	case ipc.RequestReleaseLease:
		h.store.ReleaseLease(req.Lease)
		return ipc.OK(), nil

	case ipc.RequestUnlink:
		if err := h.store.Unlink(ctx, req.Path, req.ProxyID); err != nil {
			return nil, err
		}
		return ipc.OK(), nil

	default:
		return nil, fmt.Errorf("unknown request type %q: %w", req.Type, common.ErrInvalidArgument)
	}
}
