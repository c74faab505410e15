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
	"context"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/spf13/cobra"

	"cachefs/internal/client"
	"cachefs/internal/daemon"
	"cachefs/internal/util"
)

var (
	proxyAddr    string
	proxyTimeout time.Duration
	bufferSize   int
)

func init() {
	pf := rootCmd.PersistentFlags()
	pf.StringVarP(&proxyAddr, "proxy", "p", "", "Proxy address (default: listen address from proxy.yaml)")
	pf.DurationVar(&proxyTimeout, "timeout", 5*time.Second, "Proxy connect timeout")
	pf.IntVar(&bufferSize, "buffer-size", client.DefaultBufferSize, "Bytes moved per proxy call")

	rootCmd.AddCommand(catCmd, putCmd, rmCmd, statusCmd)
}

// resolveProxyAddr returns --proxy, or the listen address of the local proxy config.
func resolveProxyAddr() string {
	if proxyAddr != "" {
		return proxyAddr
	}
	if cfg, err := daemon.LoadProxyConfig(daemon.ProxyConfigPath()); err == nil {
		return cfg.Listen
	}
	return daemon.DefaultProxyListen
}

// requireProxy returns a client connected to the local proxy, retrying
// briefly while the proxy is still coming up.
func requireProxy(ctx context.Context) (*client.Client, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	addr := resolveProxyAddr()
	c, err := util.RetryWithResult(ctx, func() (*client.Client, error) {
		return client.Connect(addr, proxyTimeout)
	})
	if err != nil {
		return nil, fmt.Errorf("proxy not reachable at %s (start it with: cachefs proxy): %w", addr, err)
	}
	return c, nil
}

var catCmd = &cobra.Command{
	Use:   "cat <path>",
	Short: "Print a file through the proxy",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := requireProxy(cmd.Context())
		if err != nil {
			return err
		}
		defer c.Close()

		data, err := c.ReadFile(args[0], bufferSize)
		if err != nil {
			return fmt.Errorf("cat %s: %w", args[0], err)
		}
		_, err = cmd.OutOrStdout().Write(data)
		return err
	},
}

var putCmd = &cobra.Command{
	Use:   "put <path> [local-file]",
	Short: "Replace a file with local content",
	Long: `Replace <path> with the content of [local-file], or of stdin when it is omitted
or "-". The new content is written back to the file server when the upload
closes.

Examples:
  cachefs put notes/today.txt ./today.txt
  echo hello | cachefs put greeting.txt`,
	Args: cobra.RangeArgs(1, 2),
	RunE: func(cmd *cobra.Command, args []string) error {
		var (
			data []byte
			err  error
		)
		if len(args) == 1 || args[1] == "-" {
			data, err = io.ReadAll(cmd.InOrStdin())
		} else {
			data, err = os.ReadFile(args[1])
		}
		if err != nil {
			return err
		}

		c, err := requireProxy(cmd.Context())
		if err != nil {
			return err
		}
		defer c.Close()

		if err := c.WriteFile(args[0], data, bufferSize); err != nil {
			return fmt.Errorf("put %s: %w", args[0], err)
		}
		return nil
	},
}

var rmCmd = &cobra.Command{
	Use:   "rm <path>...",
	Short: "Remove files",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := requireProxy(cmd.Context())
		if err != nil {
			return err
		}
		defer c.Close()

		for _, path := range args {
			if err := c.Unlink(path); err != nil {
				return fmt.Errorf("rm %s: %w", path, err)
			}
		}
		return nil
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show proxy cache status",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := requireProxy(cmd.Context())
		if err != nil {
			return err
		}
		defer c.Close()

		st, err := c.Status()
		if err != nil {
			return err
		}
		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "Proxy:            %d at %s\n", st.ProxyID, resolveProxyAddr())
		fmt.Fprintf(out, "Cache capacity:   %d bytes\n", st.Capacity)
		fmt.Fprintf(out, "Cache used:       %d bytes\n", st.Capacity-st.Remaining)
		fmt.Fprintf(out, "Cached files:     %d (evictable)\n", st.EvictableFiles)
		fmt.Fprintf(out, "Open descriptors: %d\n", st.OpenDescriptors)
		return nil
	},
}
