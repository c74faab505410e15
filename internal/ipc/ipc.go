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

// Package ipc carries cachefs calls between processes: client applications
// call their proxy, and proxies call the file server. Every call is one JSON
// Request answered by one JSON Response on a stream connection.
package ipc

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	"cachefs/internal/common"
)

// Request types served by the file server
const (
	RequestPing         = "ping"
	RequestProbe        = "probe"
	RequestGetLength    = "get_length"
	RequestReadChunk    = "read_chunk"
	RequestWriteChunk   = "write_chunk"
	RequestReleaseLease = "release_lease"
	RequestUnlink       = "unlink"
)

// Request types served by a proxy (ping and unlink are shared)
const (
	RequestOpen       = "open"
	RequestClose      = "close"
	RequestRead       = "read"
	RequestWrite      = "write"
	RequestLseek      = "lseek"
	RequestSessionEnd = "session_end"
	RequestStatus     = "status"
)

// Request represents one call
type Request struct {
	Type string `json:"type"`
	Path string `json:"path,omitempty"`

	// Server calls
	ProxyID      int64         `json:"proxy_id,omitempty"`
	HasLocalCopy bool          `json:"has_local_copy,omitempty"`
	Unlink       bool          `json:"unlink,omitempty"` // probe issued on behalf of unlink
	Intent       common.Intent `json:"intent,omitempty"`
	Lease        string        `json:"lease,omitempty"`
	Length       int64         `json:"length,omitempty"`
	Offset       int64         `json:"offset,omitempty"`
	Final        bool          `json:"final,omitempty"`
	Data         []byte        `json:"data,omitempty"`

	// Proxy calls
	Fd     int64           `json:"fd,omitempty"`
	Mode   common.OpenMode `json:"mode,omitempty"`
	Whence common.Whence   `json:"whence,omitempty"`
	Size   int             `json:"size,omitempty"` // read buffer size
}

// ProxyStatus is the status report of a proxy
type ProxyStatus struct {
	ProxyID         int64 `json:"proxy_id"`
	Capacity        int64 `json:"capacity"`
	Remaining       int64 `json:"remaining"`
	OpenDescriptors int   `json:"open_descriptors"`
	EvictableFiles  int   `json:"evictable_files"`
}

// Response represents the answer to one call.
// Errno carries the negative POSIX code of a failure; Error its text.
type Response struct {
	Success bool   `json:"success"`
	Errno   int    `json:"errno,omitempty"`
	Error   string `json:"error,omitempty"`

	Probe    *common.ProbeResult `json:"probe,omitempty"`
	Length   int64               `json:"length,omitempty"`
	Lease    string              `json:"lease,omitempty"`
	Data     []byte              `json:"data,omitempty"`
	Fd       int64               `json:"fd,omitempty"`
	N        int                 `json:"n,omitempty"`
	Position int64               `json:"position,omitempty"`
	Status   *ProxyStatus        `json:"status,omitempty"`
}

// OK returns an empty success response
func OK() *Response {
	return &Response{Success: true}
}

// Fail builds the failure response for err
func Fail(err error) *Response {
	return &Response{Errno: common.Errno(err), Error: err.Error()}
}

// Err converts a failed response back into a taxonomy error
func (r *Response) Err() error {
	if r.Success {
		return nil
	}
	base := common.FromErrno(r.Errno)
	if r.Error == "" || r.Error == base.Error() {
		return base
	}
	return fmt.Errorf("%s: %w", r.Error, base)
}

// ParseAddress splits "unix:/path/sock" or "host:port" into a network and address.
func ParseAddress(addr string) (network, address string) {
	if rest, ok := strings.CutPrefix(addr, "unix:"); ok {
		return "unix", rest
	}
	return "tcp", addr
}

// Server is the IPC server
type Server struct {
	listener net.Listener
	handler  func(*Request) *Response
	wg       sync.WaitGroup

	mu    sync.Mutex
	conns map[net.Conn]struct{}
}

// NewServer creates a new IPC server
func NewServer(handler func(*Request) *Response) *Server {
	return &Server{handler: handler, conns: make(map[net.Conn]struct{})}
}

// Start listens on addr and starts accepting connections
func (s *Server) Start(addr string) error {
	network, address := ParseAddress(addr)
	if network == "unix" {
		// Remove existing socket
		os.Remove(address)
	}

	listener, err := net.Listen(network, address)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}
	s.listener = listener

	if network == "unix" {
		// Make socket accessible
		os.Chmod(address, 0600)
	}

	s.wg.Add(1)
	go s.accept()
	return nil
}

// Addr returns the bound address, or "" before Start
func (s *Server) Addr() string {
	if s.listener == nil {
		return ""
	}
	if s.listener.Addr().Network() == "unix" {
		return "unix:" + s.listener.Addr().String()
	}
	return s.listener.Addr().String()
}

// Stop closes the listener and every open connection, then waits for workers.
func (s *Server) Stop() {
	if s.listener == nil {
		return
	}
	s.listener.Close()
	if s.listener.Addr().Network() == "unix" {
		os.Remove(s.listener.Addr().String())
	}
	s.mu.Lock()
	for c := range s.conns {
		c.Close()
	}
	s.mu.Unlock()
	s.wg.Wait()
}

func (s *Server) accept() {
	defer s.wg.Done()
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			return // Server stopped
		}
		s.mu.Lock()
		s.conns[conn] = struct{}{}
		s.mu.Unlock()

		s.wg.Add(1)
		go s.handleConn(conn)
	}
}

// handleConn serves requests from one connection in order until it closes.
func (s *Server) handleConn(conn net.Conn) {
	defer s.wg.Done()
	defer func() {
		s.mu.Lock()
		delete(s.conns, conn)
		s.mu.Unlock()
		conn.Close()
	}()

	id := uuid.NewString()[:8]
	log.Tracef("[IPC] conn %s from %s opened", id, conn.RemoteAddr())

	decoder := json.NewDecoder(conn)
	encoder := json.NewEncoder(conn)
	for {
		var req Request
		if err := decoder.Decode(&req); err != nil {
			if !errors.Is(err, io.EOF) && !errors.Is(err, net.ErrClosed) {
				log.Debugf("[IPC] conn %s: decode: %v", id, err)
			}
			return
		}

		resp := s.dispatch(id, &req)

		if err := encoder.Encode(resp); err != nil {
			log.Debugf("[IPC] conn %s: encode: %v", id, err)
			return
		}
	}
}

// dispatch runs the handler. A panicking handler fails only its request.
func (s *Server) dispatch(id string, req *Request) (resp *Response) {
	defer func() {
		if r := recover(); r != nil {
			log.Errorf("[IPC] conn %s: %s request panicked: %v", id, req.Type, r)
			resp = Fail(fmt.Errorf("%s: internal error: %w", req.Type, common.ErrIO))
		}
	}()
	resp = s.handler(req)
	if resp == nil {
		resp = Fail(common.ErrIO)
	}
	return resp
}

// Client is the IPC client. A client serializes its calls; callers that need
// concurrent calls open one client each.
type Client struct {
	mu      sync.Mutex
	conn    net.Conn
	encoder *json.Encoder
	decoder *json.Decoder
}

// Dial connects to addr, giving up after timeout (0 means no timeout)
func Dial(addr string, timeout time.Duration) (*Client, error) {
	network, address := ParseAddress(addr)
	conn, err := net.DialTimeout(network, address, timeout)
	if err != nil {
		return nil, err
	}
	return &Client{
		conn:    conn,
		encoder: json.NewEncoder(conn),
		decoder: json.NewDecoder(conn),
	}, nil
}

// Close closes the connection
func (c *Client) Close() error {
	return c.conn.Close()
}

// Send sends a request and returns the response
func (c *Client) Send(req *Request) (*Response, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.encoder.Encode(req); err != nil {
		return nil, err
	}

	var resp Response
	if err := c.decoder.Decode(&resp); err != nil {
		if err == io.EOF {
			return nil, fmt.Errorf("peer closed connection")
		}
		return nil, err
	}

	return &resp, nil
}

// Call dials addr, sends one request and closes the connection.
// Transport failures are reported as common.ErrBusy; a failed response is
// converted with Response.Err.
func Call(addr string, timeout time.Duration, req *Request) (*Response, error) {
	c, err := Dial(addr, timeout)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %v: %w", addr, err, common.ErrBusy)
	}
	defer c.Close()

	resp, err := c.Send(req)
	if err != nil {
		return nil, fmt.Errorf("%s %s: %v: %w", req.Type, addr, err, common.ErrBusy)
	}
	if err := resp.Err(); err != nil {
		return resp, err
	}
	return resp, nil
}
