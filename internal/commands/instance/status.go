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
	"github.com/tombee/dispatch/internal/daemon/instance"
)

// NewStatusCommand creates the status command.
func NewStatusCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "status <id>",
		Short: "Show the job and task tree of an instance",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			c, err := shared.Client()
			if err != nil {
				return err
			}
			ctx, cancel := requestContext()
			defer cancel()

			snap, err := c.Status(ctx, id)
			if err != nil {
				return fmt.Errorf("failed to get instance %d: %w", id, err)
			}
			return printSnapshot(cmd, snap)
		},
	}
}

func printSnapshot(cmd *cobra.Command, snap *instance.Snapshot) error {
	out := cmd.OutOrStdout()
	if shared.UseJSON() {
		return shared.PrintJSON(out, snap)
	}

	fmt.Fprintf(out, "%s %d  %s  %s\n",
		shared.Header.Render("Instance"), snap.ID, snap.Workflow, shared.StatusStyle(snap.Status).Render(snap.Status))
	fmt.Fprintf(out, "%s %s", shared.RenderLabel("started:"), snap.StartTime.Local().Format(time.DateTime))
	if snap.EndTime != nil {
		fmt.Fprintf(out, "  %s %s", shared.RenderLabel("ended:"), snap.EndTime.Local().Format(time.DateTime))
	}
	fmt.Fprintln(out)
	fmt.Fprintf(out, "%s running=%d queued=%d retrying=%d errors=%d\n",
		shared.RenderLabel("tasks:"), snap.RunningTasks, snap.QueuedTasks, snap.RetryingTasks, snap.ErrorTasks)
	if len(snap.Parameters) > 0 {
		pairs := make([]string, 0, len(snap.Parameters))
		for _, k := range sortedKeys(snap.Parameters) {
			pairs = append(pairs, k+"="+snap.Parameters[k])
		}
		fmt.Fprintf(out, "%s %s\n", shared.RenderLabel("parameters:"), strings.Join(pairs, " "))
	}

	fmt.Fprintln(out, shared.Table(
		[]string{"NODE", "STATUS", "RETVAL", "ATTEMPTS", "DETAILS"},
		treeRows(snap.Jobs, 0),
		1,
	))
	return nil
}

// treeRows flattens the instance tree depth first, indenting by depth.
func treeRows(jobs []*instance.Job, depth int) [][]string {
	var rows [][]string
	indent := strings.Repeat("  ", depth)
	for _, j := range jobs {
		rows = append(rows, []string{indent + j.Name + "/", string(j.Status), "", "", j.Details})
		for _, t := range j.Tasks {
			retval := ""
			if t.Retval != nil {
				retval = strconv.Itoa(*t.Retval)
			}
			details := t.Details
			if t.Status == instance.TaskRetryWait && t.RetryAt != nil {
				details = "retry at " + t.RetryAt.Local().Format(time.TimeOnly)
			}
			rows = append(rows, []string{
				indent + "  " + t.Name,
				string(t.Status),
				retval,
				strconv.Itoa(t.Attempts),
				details,
			})
		}
		rows = append(rows, treeRows(j.Subjobs, depth+1)...)
	}
	return rows
}
