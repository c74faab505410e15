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

package commands

import (
	"bytes"
	"context"
	"net"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"cachefs/internal/common"
	"cachefs/internal/daemon"
	"cachefs/internal/ipc"
)

func execute(t *testing.T, stdin string, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetErr(&out)
	rootCmd.SetIn(strings.NewReader(stdin))
	rootCmd.SetArgs(args)
	err := rootCmd.Execute()
	return out.String(), err
}

func TestFormatBuildDate(t *testing.T) {
	assert.Equal(t, "unknown", formatBuildDate("unknown"))
	assert.Equal(t, time.Unix(1700000000, 0).Format("2006-01-02"), formatBuildDate("1700000000"))
}

func TestInitCommand(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "conf")
	t.Setenv("CACHEFS_CONFIG_DIR", dir)

	out, err := execute(t, "", "init")
	require.NoError(t, err)
	assert.Contains(t, out, "created "+filepath.Join(dir, "server.yaml"))
	assert.Contains(t, out, "created "+filepath.Join(dir, "proxy.yaml"))

	out, err = execute(t, "", "init")
	require.NoError(t, err)
	assert.Contains(t, out, "already exist")
}

func TestFileCommands(t *testing.T) {
	t.Setenv("CACHEFS_CONFIG_DIR", t.TempDir())
	ctx := context.Background()

	srv, err := daemon.StartServer(ctx, &daemon.ServerConfig{
		Listen: "127.0.0.1:0",
		Root:   filepath.Join(t.TempDir(), "export"),
	})
	require.NoError(t, err)
	defer srv.Stop()

	px, err := daemon.StartProxy(ctx, &daemon.ProxyConfig{
		Server:        srv.Addr(),
		Listen:        "127.0.0.1:0",
		CacheDir:      filepath.Join(t.TempDir(), "cache"),
		CacheCapacity: 1 << 20,
		ProxyID:       1,
	})
	require.NoError(t, err)
	defer px.Stop()

	addr := "--proxy=" + px.Addr()

	_, err = execute(t, "piped content\n", "put", addr, "notes/a.txt")
	require.NoError(t, err)

	out, err := execute(t, "", "cat", addr, "notes/a.txt")
	require.NoError(t, err)
	assert.Equal(t, "piped content\n", out)

	out, err = execute(t, "", "status", addr)
	require.NoError(t, err)
	assert.Contains(t, out, "Proxy:            1")
	assert.Contains(t, out, "Open descriptors: 0")

	_, err = execute(t, "", "rm", addr, "notes/a.txt")
	require.NoError(t, err)

	_, err = execute(t, "", "cat", addr, "notes/a.txt")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not found")
}

func freeAddr(t *testing.T) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	require.NoError(t, ln.Close())
	return addr
}

func TestRequireProxyWaitsForStartup(t *testing.T) {
	addr := freeAddr(t)
	proxyAddr = addr
	t.Cleanup(func() { proxyAddr = "" })

	srv := ipc.NewServer(func(*ipc.Request) *ipc.Response { return ipc.OK() })
	t.Cleanup(srv.Stop)
	started := make(chan error, 1)
	go func() {
		time.Sleep(50 * time.Millisecond)
		started <- srv.Start(addr)
	}()

	c, err := requireProxy(context.Background())
	require.NoError(t, err)
	require.NoError(t, <-started)
	require.NoError(t, c.Close())
}

func TestRequireProxyReportsUnreachable(t *testing.T) {
	proxyAddr = freeAddr(t)
	t.Cleanup(func() { proxyAddr = "" })

	_, err := requireProxy(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, common.ErrBusy)
	assert.Contains(t, err.Error(), "cachefs proxy")
}
