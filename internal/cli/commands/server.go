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
	serverConfigPath string
	serverRoot       string
	serverListen     string
	serverMarkerDB   string
	serverLogLevel   string
	serverReadOnly   []string
)

var serverCmd = &cobra.Command{
	Use:   "server",
	Short: "Run the file server in the foreground",
	Long: `Run the file server that holds the canonical copy of every file.

Settings come from server.yaml in the config directory (see 'cachefs init');
flags override the file.

Examples:
  cachefs server --root /srv/export
  cachefs server --config ./server.yaml --logging debug
  cachefs server --root /srv/export --read-only 'vendor/' --read-only '*.lock'`,
	Args: cobra.NoArgs,
	RunE: runServer,
}

func init() {
	serverCmd.Flags().StringVarP(&serverConfigPath, "config", "c", "", "Config file (default: <config dir>/server.yaml)")
	serverCmd.Flags().StringVarP(&serverRoot, "root", "r", "", "Directory holding the canonical files")
	serverCmd.Flags().StringVarP(&serverListen, "listen", "l", "", "Listen address (host:port or unix:/path)")
	serverCmd.Flags().StringVar(&serverMarkerDB, "marker-db", "", "SQLite database for invalidation markers")
	serverCmd.Flags().StringVar(&serverLogLevel, "logging", "", "Log level: trace, debug, info, warn, off")
	serverCmd.Flags().StringArrayVar(&serverReadOnly, "read-only", nil, "Gitignore-style pattern of read-only paths (repeatable)")
	rootCmd.AddCommand(serverCmd)
}

func runServer(cmd *cobra.Command, args []string) error {
	path := serverConfigPath
	if path == "" {
		path = daemon.ServerConfigPath()
	}
	cfg, err := daemon.LoadServerConfig(path)
	if err != nil {
		return err
	}

	flags := cmd.Flags()
	if flags.Changed("root") {
		cfg.Root = serverRoot
	}
	if flags.Changed("listen") {
		cfg.Listen = serverListen
	}
	if flags.Changed("marker-db") {
		cfg.MarkerDB = serverMarkerDB
	}
	if flags.Changed("logging") {
		cfg.LogLevel = serverLogLevel
	}
	if flags.Changed("read-only") {
		cfg.ReadOnly = append(cfg.ReadOnly, serverReadOnly...)
	}

	if err := cfg.Validate(); err != nil {
		return err
	}
	closer := daemon.SetupLogging(cfg.LogConfig)
	defer closer.Close()

	return daemon.RunServer(cmd.Context(), cfg)
}
