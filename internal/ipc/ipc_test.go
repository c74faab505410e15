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

package ipc

import (
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"cachefs/internal/common"
)

func echoHandler(req *Request) *Response {
	switch req.Type {
	case RequestPing:
		return OK()
	case RequestReadChunk:
		return &Response{Success: true, Data: req.Data, Length: int64(len(req.Data))}
	case RequestUnlink:
		return Fail(common.ErrIsDir)
	}
	return Fail(common.ErrInvalidArgument)
}

func startServer(t *testing.T, addr string) *Server {
	t.Helper()
	s := NewServer(echoHandler)
	require.NoError(t, s.Start(addr))
	t.Cleanup(s.Stop)
	return s
}

func TestParseAddress(t *testing.T) {
	t.Parallel()

	tests := []struct {
		in      string
		network string
		address string
	}{
		{"unix:/tmp/p.sock", "unix", "/tmp/p.sock"},
		{"127.0.0.1:15440", "tcp", "127.0.0.1:15440"},
		{":15440", "tcp", ":15440"},
	}
	for _, tt := range tests {
		network, address := ParseAddress(tt.in)
		assert.Equal(t, tt.network, network, tt.in)
		assert.Equal(t, tt.address, address, tt.in)
	}
}

func TestServer_TCP(t *testing.T) {
	t.Parallel()

	s := startServer(t, "127.0.0.1:0")

	c, err := Dial(s.Addr(), time.Second)
	require.NoError(t, err)
	defer c.Close()

	t.Run("several requests share a connection", func(t *testing.T) {
		for i := 0; i < 3; i++ {
			resp, err := c.Send(&Request{Type: RequestPing})
			require.NoError(t, err)
			assert.True(t, resp.Success)
		}
	})

	t.Run("binary payload survives", func(t *testing.T) {
		payload := []byte{0, 1, 2, 0xff, '\n', '"'}
		resp, err := c.Send(&Request{Type: RequestReadChunk, Data: payload})
		require.NoError(t, err)
		assert.Equal(t, payload, resp.Data)
		assert.Equal(t, int64(len(payload)), resp.Length)
	})
}

func TestServer_UnixSocket(t *testing.T) {
	t.Parallel()

	sock := filepath.Join(t.TempDir(), "p.sock")
	s := startServer(t, "unix:"+sock)
	assert.Equal(t, "unix:"+sock, s.Addr())

	resp, err := Call(s.Addr(), time.Second, &Request{Type: RequestPing})
	require.NoError(t, err)
	assert.True(t, resp.Success)
}

func TestCall_ErrorMapping(t *testing.T) {
	t.Parallel()

	s := startServer(t, "127.0.0.1:0")

	t.Run("failed response keeps taxonomy", func(t *testing.T) {
		_, err := Call(s.Addr(), time.Second, &Request{Type: RequestUnlink})
		assert.ErrorIs(t, err, common.ErrIsDir)
	})

	t.Run("unknown request is invalid", func(t *testing.T) {
		_, err := Call(s.Addr(), time.Second, &Request{Type: "bogus"})
		assert.ErrorIs(t, err, common.ErrInvalidArgument)
	})

	t.Run("unreachable peer is busy", func(t *testing.T) {
		_, err := Call("unix:"+filepath.Join(t.TempDir(), "none.sock"), time.Second, &Request{Type: RequestPing})
		assert.ErrorIs(t, err, common.ErrBusy)
	})
}

func TestServer_ConcurrentConnections(t *testing.T) {
	t.Parallel()

	s := startServer(t, "127.0.0.1:0")

	var wg sync.WaitGroup
	errs := make(chan error, 20)
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := Call(s.Addr(), time.Second, &Request{Type: RequestPing})
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		assert.NoError(t, err)
	}
}

func TestServer_StopClosesConnections(t *testing.T) {
	t.Parallel()

	s := NewServer(echoHandler)
	require.NoError(t, s.Start("127.0.0.1:0"))

	c, err := Dial(s.Addr(), time.Second)
	require.NoError(t, err)
	defer c.Close()
	_, err = c.Send(&Request{Type: RequestPing})
	require.NoError(t, err)

	s.Stop()

	_, err = c.Send(&Request{Type: RequestPing})
	assert.Error(t, err)
}

func TestResponse_Err(t *testing.T) {
	t.Parallel()

	assert.NoError(t, OK().Err())
	assert.ErrorIs(t, Fail(common.ErrNotFound).Err(), common.ErrNotFound)
	assert.ErrorIs(t, (&Response{Errno: common.Errno(common.ErrBusy), Error: "lock wait"}).Err(), common.ErrBusy)
}

func TestServer_HandlerPanicFailsOnlyThatRequest(t *testing.T) {
	t.Parallel()

	s := NewServer(func(req *Request) *Response {
		if req.Type == RequestRead {
			buf := make([]byte, 4)
			_ = buf[req.Size] // out of range for large sizes
		}
		return OK()
	})
	require.NoError(t, s.Start("127.0.0.1:0"))
	t.Cleanup(s.Stop)

	c, err := Dial(s.Addr(), time.Second)
	require.NoError(t, err)
	defer c.Close()

	resp, err := c.Send(&Request{Type: RequestRead, Size: 1 << 20})
	require.NoError(t, err)
	assert.ErrorIs(t, resp.Err(), common.ErrIO)

	// The connection and server keep serving.
	resp, err = c.Send(&Request{Type: RequestPing})
	require.NoError(t, err)
	assert.True(t, resp.Success)
}
