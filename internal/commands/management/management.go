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

// Package management implements the dispatch commands that inspect and
// reconfigure the daemon as a whole: queues, schedules and reload.
package management

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/tombee/dispatch/internal/commands/shared"
)

// NewQueuesCommand creates the queues command.
func NewQueuesCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "queues",
		Short: "Show queue concurrency and load",
		Long: `Show every queue of the daemon with its concurrency, running and
pending task counts. Dynamic queues were created on first use by a task
naming them.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := shared.Client()
			if err != nil {
				return err
			}
			ctx, cancel := context.WithTimeout(context.Background(), shared.GetTimeout())
			defer cancel()

			stats, err := c.Queues(ctx)
			if err != nil {
				return fmt.Errorf("failed to get queues: %w", err)
			}

			out := cmd.OutOrStdout()
			if shared.UseJSON() {
				return shared.PrintJSON(out, stats)
			}
			rows := make([][]string, 0, len(stats))
			for _, q := range stats {
				kind := "declared"
				if q.Dynamic {
					kind = "dynamic"
				}
				if q.Quarantined {
					kind += ",quarantined"
				}
				running := strconv.Itoa(q.Running)
				if q.OverCeiling > 0 {
					running += fmt.Sprintf(" (+%d)", q.OverCeiling)
				}
				rows = append(rows, []string{
					q.Name,
					q.Scheduler,
					strconv.Itoa(q.Concurrency),
					running,
					strconv.Itoa(q.Pending),
					kind,
				})
			}
			fmt.Fprintln(out, shared.Table(
				[]string{"QUEUE", "SCHEDULER", "CONCURRENCY", "RUNNING", "PENDING", "KIND"},
				rows,
				-1,
			))
			return nil
		},
	}
}

// NewSchedulesCommand creates the schedules command.
func NewSchedulesCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "schedules",
		Short: "Show periodic schedules",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := shared.Client()
			if err != nil {
				return err
			}
			ctx, cancel := context.WithTimeout(context.Background(), shared.GetTimeout())
			defer cancel()

			schedules, err := c.Schedules(ctx)
			if err != nil {
				return fmt.Errorf("failed to get schedules: %w", err)
			}

			out := cmd.OutOrStdout()
			if shared.UseJSON() {
				return shared.PrintJSON(out, schedules)
			}
			if len(schedules) == 0 {
				fmt.Fprintln(out, shared.Muted.Render("No schedules"))
				return nil
			}
			rows := make([][]string, 0, len(schedules))
			for _, s := range schedules {
				state := "inactive"
				if s.Active {
					state = "active"
				}
				live := ""
				if s.LiveInstance != 0 {
					live = strconv.FormatUint(s.LiveInstance, 10)
				}
				rows = append(rows, []string{
					strconv.FormatInt(s.ID, 10),
					s.Name,
					s.Workflow,
					s.Cron,
					state,
					formatTime(s.NextRun),
					formatTime(s.LastRun),
					live,
					fmt.Sprintf("%d/%d", s.ErrorCount, s.RunCount),
				})
			}
			fmt.Fprintln(out, shared.Table(
				[]string{"ID", "NAME", "WORKFLOW", "CRON", "STATE", "NEXT", "LAST", "LIVE", "ERRORS"},
				rows,
				-1,
			))
			return nil
		},
	}
}

// NewReloadCommand creates the reload command.
func NewReloadCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "reload",
		Short: "Reload daemon configuration and workflow definitions",
		Long: `Ask the daemon to re-read its configuration file and workflow
definitions. Queue concurrency changes apply to tasks started afterwards;
schedules are re-armed. Sending SIGHUP to dispatchd does the same.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := shared.Client()
			if err != nil {
				return err
			}
			ctx, cancel := context.WithTimeout(context.Background(), shared.GetTimeout())
			defer cancel()

			if err := c.Reload(ctx); err != nil {
				return fmt.Errorf("failed to reload daemon: %w", err)
			}
			if shared.UseJSON() {
				return shared.PrintJSON(cmd.OutOrStdout(), map[string]string{"status": "reloaded"})
			}
			fmt.Fprintln(cmd.OutOrStdout(), shared.RenderOK("Configuration reloaded"))
			return nil
		},
	}
}

func formatTime(t *time.Time) string {
	if t == nil {
		return "-"
	}
	return t.Local().Format(time.DateTime)
}
