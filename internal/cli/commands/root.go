// Copyright 2024 LatentFS Authors
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
	"os"

	"github.com/spf13/cobra"

	"branchfs/internal/daemon"
)

var version = "dev"

// SetVersion sets the version string reported by --version.
func SetVersion(v string) {
	version = v
	rootCmd.Version = version
}

var rootCmd = &cobra.Command{
	Use:   "branchfs",
	Short: "Copy-on-write branch overlay for a directory tree",
	Long:  `branchfs presents a read-write base directory through lightweight, git-like branches with copy-on-write file semantics.`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if cmd.Name() == "help" || cmd.Name() == "completion" {
			return nil
		}
		if cmd.Parent() != nil && cmd.Parent().Name() == "daemon" {
			return nil
		}
		if cmd.Name() == "daemon" {
			return nil
		}
		if err := daemon.EnsureConfigDir(); err != nil {
			return fmt.Errorf("failed to initialize config: %w", err)
		}
		if !daemon.IsDaemonRunning() {
			if err := StartDaemonIfNeeded(); err != nil {
				fmt.Fprintf(os.Stderr, "warning: could not auto-start daemon: %v\n", err)
			}
		}
		return nil
	},
}

func init() {
	rootCmd.CompletionOptions.DisableDefaultCmd = true
	rootCmd.SetVersionTemplate("branchfs version {{.Version}}\n")
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}
