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

package instance

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/tombee/dispatch/internal/commands/shared"
	"github.com/tombee/dispatch/internal/daemon/backend"
)

// NewInstancesCommand creates the instances command.
func NewInstancesCommand() *cobra.Command {
	var filter backend.InstanceFilter

	cmd := &cobra.Command{
		Use:     "instances",
		Aliases: []string{"ls"},
		Short:   "List workflow instances",
		Long:    `List live and recorded workflow instances, newest first.`,
		Example: `  dispatch instances --status EXECUTING
  dispatch instances --workflow backup --limit 5`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			filter.Status = strings.ToUpper(filter.Status)

			c, err := shared.Client()
			if err != nil {
				return err
			}
			ctx, cancel := requestContext()
			defer cancel()

			list, err := c.Instances(ctx, filter)
			if err != nil {
				return fmt.Errorf("failed to list instances: %w", err)
			}

			out := cmd.OutOrStdout()
			if shared.UseJSON() {
				return shared.PrintJSON(out, list)
			}
			if len(list) == 0 {
				fmt.Fprintln(out, shared.Muted.Render("No instances"))
				return nil
			}

			rows := make([][]string, 0, len(list))
			for _, s := range list {
				ended := ""
				if s.EndedAt != nil {
					ended = s.EndedAt.Local().Format(time.DateTime)
				}
				schedule := ""
				if s.ScheduleID != 0 {
					schedule = strconv.FormatInt(s.ScheduleID, 10)
				}
				rows = append(rows, []string{
					strconv.FormatUint(s.ID, 10),
					s.Workflow,
					s.Status,
					strconv.Itoa(s.Running),
					strconv.Itoa(s.Errors),
					schedule,
					s.StartedAt.Local().Format(time.DateTime),
					ended,
				})
			}
			fmt.Fprintln(out, shared.Table(
				[]string{"ID", "WORKFLOW", "STATUS", "RUNNING", "ERRORS", "SCHEDULE", "STARTED", "ENDED"},
				rows,
				2,
			))
			return nil
		},
	}

	cmd.Flags().StringVar(&filter.Status, "status", "", "Only instances in this status (EXECUTING, CANCELLING, TERMINATED)")
	cmd.Flags().StringVar(&filter.Workflow, "workflow", "", "Only instances of this workflow")
	cmd.Flags().IntVar(&filter.Limit, "limit", 20, "Maximum number of instances")

	return cmd
}
