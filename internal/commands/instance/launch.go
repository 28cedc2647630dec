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
	"sort"
	"strings"

	"github.com/spf13/cobra"

	"github.com/tombee/dispatch/internal/commands/shared"
)

// NewLaunchCommand creates the launch command.
func NewLaunchCommand() *cobra.Command {
	var (
		params []string
		wait   bool
	)

	cmd := &cobra.Command{
		Use:   "launch <workflow>",
		Short: "Launch a workflow instance",
		Long: `Launch an instance of a workflow definition known to the daemon.

Parameters are given as key=value pairs and must cover every parameter the
workflow declares without a default.`,
		Example: `  # Launch with two parameters
  dispatch launch backup -p host=db1 -p full=true

  # Launch and block until the instance terminates
  dispatch launch backup -p host=db1 --wait`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			values, err := parseParams(params)
			if err != nil {
				return err
			}

			c, err := shared.Client()
			if err != nil {
				return err
			}
			ctx, cancel := requestContext()
			id, err := c.Launch(ctx, args[0], values)
			cancel()
			if err != nil {
				return fmt.Errorf("failed to launch %s: %w", args[0], err)
			}

			if wait {
				return waitFor(cmd, c, id, 0)
			}
			if shared.UseJSON() {
				return shared.PrintJSON(cmd.OutOrStdout(), map[string]any{"id": id, "workflow": args[0]})
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s instance %d of %s\n", shared.RenderOK("Launched"), id, args[0])
			return nil
		},
	}

	cmd.Flags().StringArrayVarP(&params, "param", "p", nil, "Workflow parameter as key=value (repeatable)")
	cmd.Flags().BoolVarP(&wait, "wait", "w", false, "Wait for the instance to terminate")

	return cmd
}

// parseParams turns key=value pairs into a map. Values may contain '='.
func parseParams(pairs []string) (map[string]string, error) {
	values := make(map[string]string, len(pairs))
	for _, p := range pairs {
		k, v, ok := strings.Cut(p, "=")
		k = strings.TrimSpace(k)
		if !ok || k == "" {
			return nil, &shared.ExitError{
				Code:    shared.ExitInvalidRequest,
				Message: fmt.Sprintf("invalid parameter %q, expected key=value", p),
			}
		}
		if _, dup := values[k]; dup {
			return nil, &shared.ExitError{
				Code:    shared.ExitInvalidRequest,
				Message: fmt.Sprintf("parameter %q given more than once", k),
			}
		}
		values[k] = v
	}
	return values, nil
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
