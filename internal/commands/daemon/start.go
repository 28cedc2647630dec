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

package daemon

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/tombee/dispatch/internal/commands/shared"
	"github.com/tombee/dispatch/internal/lifecycle"
)

func newStartCommand() *cobra.Command {
	var readyTimeout time.Duration

	cmd := &cobra.Command{
		Use:   "start [-- dispatchd flags]",
		Short: "Start dispatchd in the background",
		Long: `Start dispatchd detached from the terminal and wait until its API
answers. Output goes to dispatchd.log in the data directory. Arguments
after -- are passed to dispatchd.`,
		Example: `  dispatch daemon start
  dispatch daemon start -- --backend memory --workflows-dir ./workflows`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, path, err := loadConfig()
			if err != nil {
				return err
			}

			pf := lifecycle.NewPIDFile(pidPath(cfg))
			if pid := pf.Running(); pid != 0 {
				return &shared.ExitError{
					Code:    shared.ExitConflict,
					Message: fmt.Sprintf("dispatchd is already running (pid %d)", pid),
				}
			}

			binary, err := lifecycle.FindDaemonBinary()
			if err != nil {
				return err
			}
			pid, err := lifecycle.NewSpawner().SpawnDetached(binary, daemonArgs(path, pf.Path(), args), logPath(cfg))
			if err != nil {
				return fmt.Errorf("failed to start dispatchd: %w", err)
			}

			c, err := shared.DaemonClient(cfg)
			if err != nil {
				return err
			}
			_, err = lifecycle.NewReadyWaiter(c.Ping).Wait(context.Background(), readyTimeout, func() bool {
				return lifecycle.IsProcessRunning(pid)
			})
			if err != nil {
				return &shared.ExitError{
					Code:    shared.ExitUnavailable,
					Message: fmt.Sprintf("dispatchd (pid %d) did not start, see %s", pid, logPath(cfg)),
					Cause:   err,
				}
			}

			if shared.UseJSON() {
				return shared.PrintJSON(cmd.OutOrStdout(), map[string]any{"pid": pid, "log_file": logPath(cfg)})
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s dispatchd (pid %d)\n", shared.RenderOK("Started"), pid)
			return nil
		},
	}

	cmd.Flags().DurationVar(&readyTimeout, "ready-timeout", 15*time.Second, "How long to wait for the daemon API")

	return cmd
}

// daemonArgs builds the dispatchd command line.
func daemonArgs(configPath, pidFile string, extra []string) []string {
	args := []string{"--pid-file", pidFile}
	if configPath != "" {
		args = append(args, "--config", configPath)
	}
	return append(args, extra...)
}

func newStopCommand() *cobra.Command {
	var (
		wait  time.Duration
		force bool
	)

	cmd := &cobra.Command{
		Use:   "stop",
		Short: "Stop a dispatchd started with 'daemon start'",
		Long: `Send SIGTERM to dispatchd and wait for it to exit. The daemon drains
running tasks and checkpoints its instances; instances still executing
resume at next start. With --force, a daemon still alive after --wait is
killed.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, _, err := loadConfig()
			if err != nil {
				return err
			}
			if wait == 0 {
				wait = cfg.Daemon.ShutdownTimeout + 5*time.Second
			}

			pid := lifecycle.NewPIDFile(pidPath(cfg)).Running()
			if pid == 0 {
				if shared.UseJSON() {
					return shared.PrintJSON(cmd.OutOrStdout(), map[string]any{"stopped": false, "reason": errNotRunning.Error()})
				}
				fmt.Fprintln(cmd.OutOrStdout(), shared.RenderWarn(errNotRunning.Error()))
				return nil
			}

			if err := lifecycle.Stop(pid, wait, force); err != nil {
				return &shared.ExitError{
					Code:    shared.ExitTimeout,
					Message: fmt.Sprintf("failed to stop dispatchd (pid %d)", pid),
					Cause:   err,
				}
			}

			if shared.UseJSON() {
				return shared.PrintJSON(cmd.OutOrStdout(), map[string]any{"stopped": true, "pid": pid})
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s dispatchd (pid %d)\n", shared.RenderOK("Stopped"), pid)
			return nil
		},
	}

	cmd.Flags().DurationVar(&wait, "wait", 0, "How long to wait for exit (default: shutdown timeout + 5s)")
	cmd.Flags().BoolVar(&force, "force", false, "Kill the daemon if it does not exit in time")

	return cmd
}
