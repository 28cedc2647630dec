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

	"github.com/spf13/cobra"

	"github.com/tombee/dispatch/internal/commands/shared"
)

// NewCancelCommand creates the cancel command.
func NewCancelCommand() *cobra.Command {
	var yes bool
	cmd := &cobra.Command{
		Use:   "cancel <id>",
		Short: "Cancel a running instance",
		Long: `Cancel an instance. Waiting and retrying tasks are aborted and
running tasks are killed; the instance terminates once they exit.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			ok, err := shared.Confirm(yes, fmt.Sprintf("Cancel instance %d?", id),
				"Running tasks will be killed.", "Yes, cancel")
			if err != nil {
				return err
			}
			if !ok {
				fmt.Fprintln(cmd.ErrOrStderr(), "Aborted")
				return nil
			}
			c, err := shared.Client()
			if err != nil {
				return err
			}
			ctx, cancel := requestContext()
			defer cancel()

			if err := c.Cancel(ctx, id); err != nil {
				return fmt.Errorf("failed to cancel instance %d: %w", id, err)
			}
			if shared.UseJSON() {
				return shared.PrintJSON(cmd.OutOrStdout(), map[string]any{"id": id, "status": "CANCELLING"})
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s instance %d\n", shared.RenderWarn("Cancelling"), id)
			return nil
		},
	}
	cmd.Flags().BoolVarP(&yes, "yes", "y", false, "Do not ask for confirmation")
	return cmd
}

// NewKillCommand creates the kill command.
func NewKillCommand() *cobra.Command {
	var yes bool
	cmd := &cobra.Command{
		Use:   "kill <id> <task-path>",
		Short: "Kill the running process of a task",
		Long: `Kill the process of an executing task. The task then fails like any
other non-zero exit and its retry policy applies.`,
		Example: `  dispatch kill 12 extract/fetch[3]`,
		Args:    cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			ok, err := shared.Confirm(yes, fmt.Sprintf("Kill %s in instance %d?", args[1], id),
				"The attempt fails and the task's retry policy applies.", "Yes, kill")
			if err != nil {
				return err
			}
			if !ok {
				fmt.Fprintln(cmd.ErrOrStderr(), "Aborted")
				return nil
			}
			c, err := shared.Client()
			if err != nil {
				return err
			}
			ctx, cancel := requestContext()
			defer cancel()

			if err := c.KillTask(ctx, id, args[1]); err != nil {
				return fmt.Errorf("failed to kill %s in instance %d: %w", args[1], id, err)
			}
			if shared.UseJSON() {
				return shared.PrintJSON(cmd.OutOrStdout(), map[string]any{"id": id, "task": args[1]})
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s %s in instance %d\n", shared.RenderWarn("Killed"), args[1], id)
			return nil
		},
	}
	cmd.Flags().BoolVarP(&yes, "yes", "y", false, "Do not ask for confirmation")
	return cmd
}
