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
	"github.com/spf13/cobra"

	"cachefs/internal/daemon"
)

var (
	proxyConfigPath string
	proxyServer     string
	proxyListen     string
	proxyCacheDir   string
	proxyCapacity   int64
	proxyID         int64
	proxyChunkSize  int
	proxyLogLevel   string
)

var proxyCmd = &cobra.Command{
	Use:   "proxy",
	Short: "Run a caching proxy in the foreground",
	Long: `Run a caching proxy. Applications on this machine connect to the proxy, which
keeps whole-file replicas in its cache directory and writes modified files
back to the file server when they are closed.

Every proxy of one file server needs a distinct --proxy-id. The cache
directory is cleared when the proxy starts.

Settings come from proxy.yaml in the config directory (see 'cachefs init');
flags override the file.

Examples:
  cachefs proxy --server fileserver:15440 --cache-dir /var/cache/cachefs --proxy-id 2
  cachefs proxy --config ./proxy.yaml --capacity 1073741824`,
	Args: cobra.NoArgs,
	RunE: runProxy,
}

func init() {
	proxyCmd.Flags().StringVarP(&proxyConfigPath, "config", "c", "", "Config file (default: <config dir>/proxy.yaml)")
	proxyCmd.Flags().StringVarP(&proxyServer, "server", "s", "", "File server address")
	proxyCmd.Flags().StringVarP(&proxyListen, "listen", "l", "", "Listen address for applications (host:port or unix:/path)")
	proxyCmd.Flags().StringVarP(&proxyCacheDir, "cache-dir", "d", "", "Directory for cached replicas")
	proxyCmd.Flags().Int64Var(&proxyCapacity, "capacity", 0, "Cache capacity in bytes")
	proxyCmd.Flags().Int64Var(&proxyID, "proxy-id", 0, "Identity of this proxy (> 0, unique per server)")
	proxyCmd.Flags().IntVar(&proxyChunkSize, "chunk-size", 0, "Bytes moved per server call")
	proxyCmd.Flags().StringVar(&proxyLogLevel, "logging", "", "Log level: trace, debug, info, warn, off")
	rootCmd.AddCommand(proxyCmd)
}

func runProxy(cmd *cobra.Command, args []string) error {
	path := proxyConfigPath
	if path == "" {
		path = daemon.ProxyConfigPath()
	}
	cfg, err := daemon.LoadProxyConfig(path)
	if err != nil {
		return err
	}

	flags := cmd.Flags()
	if flags.Changed("server") {
		cfg.Server = proxyServer
	}
	if flags.Changed("listen") {
		cfg.Listen = proxyListen
	}
	if flags.Changed("cache-dir") {
		cfg.CacheDir = proxyCacheDir
	}
	if flags.Changed("capacity") {
		cfg.CacheCapacity = proxyCapacity
	}
	if flags.Changed("proxy-id") {
		cfg.ProxyID = proxyID
	}
	if flags.Changed("chunk-size") {
		cfg.ChunkSize = proxyChunkSize
	}
	if flags.Changed("logging") {
		cfg.LogLevel = proxyLogLevel
	}

	if err := cfg.Validate(); err != nil {
		return err
	}
	closer := daemon.SetupLogging(cfg.LogConfig)
	defer closer.Close()

	return daemon.RunProxy(cmd.Context(), cfg)
}
