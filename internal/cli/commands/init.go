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
	"fmt"

	"github.com/spf13/cobra"

	"cachefs/internal/daemon"
)

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Write default server and proxy configuration files",
	Long: `Create the cachefs config directory (~/.cachefs, or $CACHEFS_CONFIG_DIR) and
write server.yaml and proxy.yaml with default settings. Existing files are not
modified.`,
	Args: cobra.NoArgs,
	RunE: runInit,
}

func init() {
	rootCmd.AddCommand(initCmd)
}

func runInit(cmd *cobra.Command, args []string) error {
	written, err := daemon.InitConfigDir()
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Config directory %s\n", daemon.ConfigDir())
	if len(written) == 0 {
		fmt.Fprintf(out, "  config files already exist (not modified)\n")
	}
	for _, path := range written {
		fmt.Fprintf(out, "  created %s\n", path)
	}
	return nil
}
