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

// Package daemon implements 'dispatch daemon': starting, stopping and
// inspecting a local dispatchd.
package daemon

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/tombee/dispatch/internal/client"
	"github.com/tombee/dispatch/internal/commands/shared"
	"github.com/tombee/dispatch/internal/config"
	"github.com/tombee/dispatch/internal/daemon/api"
	"github.com/tombee/dispatch/internal/lifecycle"
)

var configPath string

// NewCommand creates the daemon command group.
func NewCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "daemon",
		Short: "Manage the dispatch daemon",
		Long: `Commands for managing dispatchd, the daemon that runs workflow
instances. The other dispatch commands talk to it over its API.`,
	}

	cmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "Daemon config file (default: ~/.config/dispatch/config.yaml if present)")

	cmd.AddCommand(newStartCommand())
	cmd.AddCommand(newStopCommand())
	cmd.AddCommand(newStatusCommand())

	return cmd
}

// loadConfig loads the daemon configuration the way dispatchd will.
func loadConfig() (*config.Config, string, error) {
	path := configPath
	if path == "" {
		if p, err := config.ConfigPath(); err == nil {
			if _, err := os.Stat(p); err == nil {
				path = p
			}
		}
	}
	cfg, err := config.Load(path)
	if err != nil {
		return nil, "", &shared.ExitError{Code: shared.ExitInvalidRequest, Message: "failed to load config", Cause: err}
	}
	return cfg, path, nil
}

// pidPath is where the CLI-started daemon keeps its PID file.
func pidPath(cfg *config.Config) string {
	if cfg.Daemon.PIDFile != "" {
		return cfg.Daemon.PIDFile
	}
	return filepath.Join(cfg.Daemon.DataDir, "dispatchd.pid")
}

func logPath(cfg *config.Config) string {
	return filepath.Join(cfg.Daemon.DataDir, "dispatchd.log")
}

// StatusInfo is printed by 'dispatch daemon status'.
type StatusInfo struct {
	PID        int                     `json:"pid,omitempty"`
	Health     *api.HealthResponse     `json:"health"`
	Version    *client.VersionResponse `json:"version"`
	PIDFile    string                  `json:"pid_file"`
	LogFile    string                  `json:"log_file"`
	ConfigFile string                  `json:"config_file,omitempty"`
}

func newStatusCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show daemon status and version",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, path, err := loadConfig()
			if err != nil {
				return err
			}
			c, err := shared.DaemonClient(cfg)
			if err != nil {
				return err
			}

			info := StatusInfo{
				PID:        lifecycle.NewPIDFile(pidPath(cfg)).Running(),
				PIDFile:    pidPath(cfg),
				LogFile:    logPath(cfg),
				ConfigFile: path,
			}

			ctx, cancel := context.WithTimeout(context.Background(), shared.GetTimeout())
			defer cancel()
			g, gctx := errgroup.WithContext(ctx)
			g.Go(func() error {
				var err error
				info.Health, err = c.Health(gctx)
				return err
			})
			g.Go(func() error {
				var err error
				info.Version, err = c.Version(gctx)
				return err
			})
			if err := g.Wait(); err != nil {
				if client.IsDaemonNotRunning(err) {
					return &client.DaemonNotRunningError{Err: err}
				}
				return fmt.Errorf("failed to get daemon status: %w", err)
			}

			out := cmd.OutOrStdout()
			if shared.UseJSON() {
				return shared.PrintJSON(out, info)
			}

			h := info.Health
			fmt.Fprintln(out, shared.Header.Render("dispatchd"))
			fmt.Fprintf(out, "%s %s\n", shared.RenderLabel("status:   "), shared.RenderStatus(h.Status == "ok", h.Status))
			fmt.Fprintf(out, "%s %s (%s)\n", shared.RenderLabel("version:  "), info.Version.Version, info.Version.Commit)
			fmt.Fprintf(out, "%s %s\n", shared.RenderLabel("uptime:   "), h.Uptime)
			if info.PID != 0 {
				fmt.Fprintf(out, "%s %s\n", shared.RenderLabel("pid:      "), strconv.Itoa(info.PID))
			}
			fmt.Fprintf(out, "%s %d live, %d running tasks, %d schedules\n",
				shared.RenderLabel("instances:"), h.Instances, h.Running, h.Schedules)
			return nil
		},
	}
}

var errNotRunning = errors.New("dispatchd is not running")
