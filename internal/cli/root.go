// Copyright 2025 Tom Barlow
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

package cli

import (
	"github.com/spf13/cobra"

	"github.com/tombee/dispatch/internal/commands/shared"
)

// SetVersion sets the version information (called from main)
func SetVersion(v, c, b string) {
	shared.SetVersion(v, c, b)
}

// NewRootCommand creates the root Cobra command for dispatch
func NewRootCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "dispatch",
		Short: "dispatch - workflow and job orchestration",
		Long: `dispatch talks to dispatchd, the daemon that runs workflow instances:
trees of jobs whose tasks execute as external processes in bounded queues.

Run 'dispatch daemon start' to start a local daemon.
Run 'dispatch launch <workflow>' to start an instance.`,
		SilenceUsage:  true, // Don't show usage on errors
		SilenceErrors: true, // We handle errors ourselves for proper exit codes
	}

	json, host, timeout := shared.RegisterFlagPointers()

	cmd.PersistentFlags().BoolVar(json, "json", false, "Output in JSON format (default when stdout is not a terminal)")
	cmd.PersistentFlags().StringVar(host, "host", "", "Daemon address: unix:///path, tcp://host:port or https://host:port (env: DISPATCH_HOST)")
	cmd.PersistentFlags().DurationVar(timeout, "timeout", 0, "Request timeout (default 30s)")

	return cmd
}

// GetVersion returns version information
func GetVersion() (string, string, string) {
	return shared.GetVersion()
}

// HandleExitError handles exit errors with proper exit codes
func HandleExitError(err error) {
	shared.HandleExitError(err)
}
