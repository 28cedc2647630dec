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

package workflow

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tombee/dispatch/pkg/errors"
)

func TestValidate_Fields(t *testing.T) {
	tests := []struct {
		name      string
		yaml      string
		wantField string
		wantMsg   string
	}{
		{
			name:      "invalid workflow name",
			yaml:      "name: 'has space'\njobs: [{name: j, tasks: [{name: t, path: /bin/true, queue: q}]}]",
			wantField: "name",
			wantMsg:   "invalid workflow name",
		},
		{
			name:      "invalid on_error",
			yaml:      "name: w\non_error: retry\njobs: [{name: j, tasks: [{name: t, path: /bin/true, queue: q}]}]",
			wantField: "on_error",
			wantMsg:   "invalid on_error",
		},
		{
			name:      "duplicate parameter",
			yaml:      "name: w\nparameters: [a, a]\njobs: [{name: j, tasks: [{name: t, path: /bin/true, queue: q}]}]",
			wantField: "parameters",
			wantMsg:   "duplicate parameter: a",
		},
		{
			name:      "parameter shadowing loop",
			yaml:      "name: w\nparameters: [loop]\njobs: [{name: j, tasks: [{name: t, path: /bin/true, queue: q}]}]",
			wantField: "parameters",
			wantMsg:   "invalid parameter name",
		},
		{
			name:      "empty retry schedule",
			yaml:      "name: w\nretry_schedules: {s: {levels: []}}\njobs: [{name: j, tasks: [{name: t, path: /bin/true, queue: q}]}]",
			wantField: "retry_schedules.s",
			wantMsg:   "no levels",
		},
		{
			name:      "retry level without times",
			yaml:      "name: w\nretry_schedules: {s: {levels: [{delay: 1s, times: 0}]}}\njobs: [{name: j, tasks: [{name: t, path: /bin/true, queue: q}]}]",
			wantField: "retry_schedules.s.levels[0]",
			wantMsg:   "times must be at least 1",
		},
		{
			name:      "invalid job mode",
			yaml:      "name: w\njobs: [{name: j, mode: random, tasks: [{name: t, path: /bin/true, queue: q}]}]",
			wantField: "j.mode",
			wantMsg:   "invalid job mode",
		},
		{
			name:      "duplicate job",
			yaml:      "name: w\njobs: [{name: j, tasks: [{name: t, path: /bin/true, queue: q}]}, {name: j, tasks: [{name: t, path: /bin/true, queue: q}]}]",
			wantField: "j",
			wantMsg:   "duplicate job name",
		},
		{
			name:      "job without tasks",
			yaml:      "name: w\njobs: [{name: j}]",
			wantField: "j.tasks",
			wantMsg:   "at least one task",
		},
		{
			name:      "task without queue",
			yaml:      "name: w\njobs: [{name: j, tasks: [{name: t, path: /bin/true}]}]",
			wantField: "j/t.queue",
			wantMsg:   "task queue is required",
		},
		{
			name:      "invalid parameters_mode",
			yaml:      "name: w\njobs: [{name: j, tasks: [{name: t, path: /bin/true, queue: q, parameters_mode: stdin}]}]",
			wantField: "j/t.parameters_mode",
			wantMsg:   "invalid parameters_mode",
		},
		{
			name:      "negative retry times",
			yaml:      "name: w\njobs: [{name: j, tasks: [{name: t, path: /bin/true, queue: q, retry_times: -1}]}]",
			wantField: "j/t.retry_times",
			wantMsg:   "must not be negative",
		},
		{
			name:      "task parameter without name",
			yaml:      "name: w\njobs: [{name: j, tasks: [{name: t, path: /bin/true, queue: q, parameters: [{value: x}]}]}]",
			wantField: "j/t.parameters",
			wantMsg:   "task parameter name is required",
		},
		{
			name:      "subjob field path",
			yaml:      "name: w\njobs: [{name: j, tasks: [{name: t, path: /bin/true, queue: q}], subjobs: [{name: s, tasks: [{name: u, queue: q}]}]}]",
			wantField: "j/s/u.path",
			wantMsg:   "task path is required",
		},
		{
			name:      "bad loop expression",
			yaml:      "name: w\njobs: [{name: j, loop: '[1,', tasks: [{name: t, path: /bin/true, queue: q}]}]",
			wantField: "j.loop",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseDefinition([]byte(tt.yaml))
			require.Error(t, err)

			var ve *errors.ValidationError
			require.True(t, errors.As(err, &ve), "expected a validation error, got %v", err)
			assert.Equal(t, tt.wantField, ve.Field)
			if tt.wantMsg != "" {
				assert.Contains(t, ve.Message, tt.wantMsg)
			}
		})
	}
}

func TestValidate_LoopReferenceInsideLoop(t *testing.T) {
	yaml := `
name: fanout
parameters: [date]
jobs:
  - name: regions
    loop: '["eu", "us"]'
    tasks:
      - {name: sync, path: /bin/sync, queue: q, arguments: ["${loop}", "${date}"]}
    subjobs:
      - name: report
        tasks:
          - {name: mail, path: /bin/mail, queue: q, stdin: "region ${loop}"}
`
	def, err := ParseDefinition([]byte(yaml))
	require.NoError(t, err)
	assert.Equal(t, ModeParallel, def.Jobs[0].Subjobs[0].Mode)
}

func TestValidate_TaskLoopScopesReference(t *testing.T) {
	yaml := `
name: w
jobs:
  - name: j
    tasks:
      - {name: each, path: /bin/echo, queue: q, loop: '[1, 2]', arguments: ["${loop}"]}
      - {name: after, path: /bin/echo, queue: q, arguments: ["${loop}"]}
`
	_, err := ParseDefinition([]byte(yaml))
	require.Error(t, err)

	var ve *errors.ValidationError
	require.True(t, errors.As(err, &ve))
	assert.Equal(t, "j/after", ve.Field)
}
