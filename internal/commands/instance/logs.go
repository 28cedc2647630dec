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

// NewLogsCommand creates the logs command.
func NewLogsCommand() *cobra.Command {
	var (
		stream  string
		attempt int
	)

	cmd := &cobra.Command{
		Use:   "logs <id> [task-path]",
		Short: "Print the captured output of an instance's tasks",
		Long: `Print the stdout and stderr captured for the tasks of an instance.

Raw output is written unless --json is given. With several tasks or
attempts each block is preceded by a header line.`,
		Example: `  dispatch logs 12
  dispatch logs 12 extract/fetch[0] --stream stderr`,
		Args: cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			task := ""
			if len(args) == 2 {
				task = args[1]
			}

			c, err := shared.Client()
			if err != nil {
				return err
			}
			ctx, cancel := requestContext()
			defer cancel()

			logs, err := c.Logs(ctx, id, task, stream)
			if err != nil {
				return fmt.Errorf("failed to get logs of instance %d: %w", id, err)
			}
			if attempt > 0 {
				kept := logs[:0]
				for _, l := range logs {
					if l.Attempt == attempt {
						kept = append(kept, l)
					}
				}
				logs = kept
			}

			out := cmd.OutOrStdout()
			if shared.GetJSON() {
				return shared.PrintJSON(out, logs)
			}
			headers := task == "" || attempt == 0 && len(logs) > 1
			for _, l := range logs {
				if headers {
					fmt.Fprintln(out, shared.RenderLabel(fmt.Sprintf("==> %s attempt %d %s <==", l.TaskPath, l.Attempt, l.Stream)))
				}
				_, _ = out.Write(l.Data)
				if n := len(l.Data); headers && n > 0 && l.Data[n-1] != '\n' {
					fmt.Fprintln(out)
				}
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&stream, "stream", "", "Only this stream (stdout, stderr)")
	cmd.Flags().IntVar(&attempt, "attempt", 0, "Only this attempt (default: all)")

	return cmd
}
