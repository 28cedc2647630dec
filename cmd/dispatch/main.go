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

package main

import (
	"github.com/tombee/dispatch/internal/cli"
	"github.com/tombee/dispatch/internal/commands/daemon"
	"github.com/tombee/dispatch/internal/commands/instance"
	"github.com/tombee/dispatch/internal/commands/management"
	"github.com/tombee/dispatch/internal/commands/validate"
	versioncmd "github.com/tombee/dispatch/internal/commands/version"
)

// Version information (injected via ldflags at build time)
var (
	version   = "dev"
	commit    = "unknown"
	buildDate = "unknown"
)

func main() {
	cli.SetVersion(version, commit, buildDate)

	rootCmd := cli.NewRootCommand()

	// Instances
	rootCmd.AddCommand(instance.NewLaunchCommand())
	rootCmd.AddCommand(instance.NewInstancesCommand())
	rootCmd.AddCommand(instance.NewStatusCommand())
	rootCmd.AddCommand(instance.NewWaitCommand())
	rootCmd.AddCommand(instance.NewCancelCommand())
	rootCmd.AddCommand(instance.NewKillCommand())
	rootCmd.AddCommand(instance.NewLogsCommand())

	// Daemon
	rootCmd.AddCommand(management.NewQueuesCommand())
	rootCmd.AddCommand(management.NewSchedulesCommand())
	rootCmd.AddCommand(management.NewReloadCommand())
	rootCmd.AddCommand(daemon.NewCommand())

	rootCmd.AddCommand(validate.NewCommand())
	rootCmd.AddCommand(versioncmd.NewVersionCommand())

	if err := rootCmd.Execute(); err != nil {
		cli.HandleExitError(err)
	}
}
