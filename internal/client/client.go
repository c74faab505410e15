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

// Package client is the application-side library for talking to a cachefs
// proxy. Errors carry the taxonomy sentinels of package common.
package client

import (
	"errors"
	"fmt"
	"time"

	"cachefs/internal/common"
	"cachefs/internal/ipc"
)

// Client holds one connection to a proxy. Calls are serialized.
type Client struct {
	conn *ipc.Client
}

// Connect dials the proxy at addr.
func Connect(addr string, timeout time.Duration) (*Client, error) {
	conn, err := ipc.Dial(addr, timeout)
	if err != nil {
		return nil, fmt.Errorf("connect to proxy %s: %v: %w", addr, err, common.ErrBusy)
	}
	return &Client{conn: conn}, nil
}

// Close ends the session and closes the connection.
func (c *Client) Close() error {
	_, _ = c.call(&ipc.Request{Type: ipc.RequestSessionEnd})
	return c.conn.Close()
}

func (c *Client) call(req *ipc.Request) (*ipc.Response, error) {
	resp, err := c.conn.Send(req)
	if err != nil {
		return nil, fmt.Errorf("%s: %v: %w", req.Type, err, common.ErrBusy)
	}
	if err := resp.Err(); err != nil {
		return nil, err
	}
	return resp, nil
}

// Ping checks that the proxy answers.
func (c *Client) Ping() error {
	_, err := c.call(&ipc.Request{Type: ipc.RequestPing})
	return err
}

// Open opens path and returns a descriptor.
func (c *Client) Open(path string, mode common.OpenMode) (int64, error) {
	resp, err := c.call(&ipc.Request{Type: ipc.RequestOpen, Path: path, Mode: mode})
	if err != nil {
		return 0, err
	}
	return resp.Fd, nil
}

// CloseFile closes a descriptor.
func (c *Client) CloseFile(fd int64) error {
	_, err := c.call(&ipc.Request{Type: ipc.RequestClose, Fd: fd})
	return err
}

// Read reads up to size bytes; an empty result means end of file.
func (c *Client) Read(fd int64, size int) ([]byte, error) {
	resp, err := c.call(&ipc.Request{Type: ipc.RequestRead, Fd: fd, Size: size})
	if err != nil {
		return nil, err
	}
	return resp.Data, nil
}

// Write writes data and returns the bytes written.
func (c *Client) Write(fd int64, data []byte) (int, error) {
	resp, err := c.call(&ipc.Request{Type: ipc.RequestWrite, Fd: fd, Data: data})
	if err != nil {
		return 0, err
	}
	return resp.N, nil
}

// Lseek repositions a descriptor and returns the new position.
func (c *Client) Lseek(fd int64, offset int64, whence common.Whence) (int64, error) {
	resp, err := c.call(&ipc.Request{Type: ipc.RequestLseek, Fd: fd, Offset: offset, Whence: whence})
	if err != nil {
		return 0, err
	}
	return resp.Position, nil
}

// Unlink removes path.
func (c *Client) Unlink(path string) error {
	_, err := c.call(&ipc.Request{Type: ipc.RequestUnlink, Path: path})
	return err
}

// Status returns the proxy's status report.
func (c *Client) Status() (ipc.ProxyStatus, error) {
	resp, err := c.call(&ipc.Request{Type: ipc.RequestStatus})
	if err != nil {
		return ipc.ProxyStatus{}, err
	}
	if resp.Status == nil {
		return ipc.ProxyStatus{}, nil
	}
	return *resp.Status, nil
}

// DefaultBufferSize is the per-call transfer size of ReadFile and WriteFile.
const DefaultBufferSize = 16384

// ReadFile opens path for reading and returns its whole content.
func (c *Client) ReadFile(path string, bufSize int) (data []byte, err error) {
	if bufSize <= 0 {
		bufSize = DefaultBufferSize
	}
	fd, err := c.Open(path, common.OpenRead)
	if err != nil {
		return nil, err
	}
	defer func() {
		if cerr := c.CloseFile(fd); err == nil {
			err = cerr
		}
	}()
	for {
		chunk, err := c.Read(fd, bufSize)
		if err != nil {
			return nil, err
		}
		if len(chunk) == 0 {
			return data, nil
		}
		data = append(data, chunk...)
	}
}

// WriteFile replaces path with a new file holding data.
func (c *Client) WriteFile(path string, data []byte, bufSize int) (err error) {
	if bufSize <= 0 {
		bufSize = DefaultBufferSize
	}
	if err := c.Unlink(path); err != nil && !errors.Is(err, common.ErrNotFound) {
		return err
	}
	fd, err := c.Open(path, common.OpenCreateNew)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := c.CloseFile(fd); err == nil {
			err = cerr
		}
	}()
	for off := 0; off < len(data); {
		end := off + bufSize
		if end > len(data) {
			end = len(data)
		}
		n, err := c.Write(fd, data[off:end])
		if err != nil {
			return err
		}
		off += n
	}
	return nil
}
