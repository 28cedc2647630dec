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

// Package validate implements 'dispatch validate', an offline check of
// workflow definition files.
package validate

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/tombee/dispatch/internal/commands/shared"
	"github.com/tombee/dispatch/pkg/workflow"
)

// Result is the outcome for one file.
type Result struct {
	File     string `json:"file"`
	Workflow string `json:"workflow,omitempty"`
	Jobs     int    `json:"jobs"`
	Tasks    int    `json:"tasks"`
	Valid    bool   `json:"valid"`
	Error    string `json:"error,omitempty"`
}

// NewCommand creates the validate command
func NewCommand() *cobra.Command {
	var params []string

	cmd := &cobra.Command{
		Use:   "validate <file>...",
		Short: "Validate workflow definition files",
		Long: `Parse and check workflow definition files without a daemon: YAML
syntax, names, modes, retry policies, and condition and loop expressions.
Queue existence is only checked by the daemon at launch.

With -p, the given parameters are also resolved against the definition
as a launch would.`,
		Example: `  dispatch validate workflows/*.yaml
  dispatch validate backup.yaml -p host=db1`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			given, err := parseParams(params)
			if err != nil {
				return err
			}

			results := make([]Result, 0, len(args))
			failed := 0
			for _, file := range args {
				r := check(file, given)
				if !r.Valid {
					failed++
				}
				results = append(results, r)
			}

			out := cmd.OutOrStdout()
			if shared.UseJSON() {
				if err := shared.PrintJSON(out, results); err != nil {
					return err
				}
			} else {
				for _, r := range results {
					if r.Valid {
						fmt.Fprintf(out, "%s %s: %s (%d jobs, %d tasks)\n", shared.RenderOK("valid"), r.File, r.Workflow, r.Jobs, r.Tasks)
					} else {
						fmt.Fprintf(out, "%s %s: %s\n", shared.RenderError("invalid"), r.File, r.Error)
					}
				}
			}

			if failed > 0 {
				return &shared.ExitError{
					Code:    shared.ExitInvalidRequest,
					Message: fmt.Sprintf("%d of %d definition(s) invalid", failed, len(args)),
				}
			}
			return nil
		},
	}

	cmd.Flags().StringArrayVarP(&params, "param", "p", nil, "Launch parameter as key=value to resolve (repeatable)")

	return cmd
}

func check(file string, params map[string]string) Result {
	r := Result{File: file}

	data, err := os.ReadFile(file)
	if err != nil {
		r.Error = err.Error()
		return r
	}
	def, err := workflow.ParseDefinition(data)
	if err != nil {
		r.Error = err.Error()
		return r
	}
	r.Workflow = def.Name
	r.Jobs, r.Tasks = count(def.Jobs)

	if params != nil {
		if _, err := def.ResolveParameters(params); err != nil {
			r.Error = err.Error()
			return r
		}
	}
	r.Valid = true
	return r
}

func count(jobs []workflow.JobDefinition) (int, int) {
	j, t := len(jobs), 0
	for i := range jobs {
		t += len(jobs[i].Tasks)
		sj, st := count(jobs[i].Subjobs)
		j += sj
		t += st
	}
	return j, t
}

func parseParams(pairs []string) (map[string]string, error) {
	if len(pairs) == 0 {
		return nil, nil
	}
	values := make(map[string]string, len(pairs))
	for _, p := range pairs {
		k, v, ok := strings.Cut(p, "=")
		if !ok || k == "" {
			return nil, &shared.ExitError{
				Code:    shared.ExitInvalidRequest,
				Message: fmt.Sprintf("invalid parameter %q, expected key=value", p),
			}
		}
		values[k] = v
	}
	return values, nil
}
