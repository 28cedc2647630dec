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
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tombee/dispatch/pkg/errors"
)

const nightlyYAML = `
name: nightly
parameters:
  - date
  - name: region
    default: eu
retry_schedules:
  standard:
    levels:
      - {delay: 10s, times: 3}
      - {delay: 1m, times: 2}
jobs:
  - name: extract
    mode: sequential
    condition: 'parameters.date != ""'
    tasks:
      - name: fetch
        path: /usr/local/bin/fetch
        arguments: ["--date", "${date}", "--region=${region}"]
        queue: default
        retry_schedule: standard
        retry_retval: 2
        timeout: 5m
    subjobs:
      - name: load
        tasks:
          - {name: load, path: /bin/true, queue: default, loop: '["a","b"]', arguments: ["${loop}"]}
`

func TestParseDefinition(t *testing.T) {
	def, err := ParseDefinition([]byte(nightlyYAML))
	require.NoError(t, err)

	assert.Equal(t, "nightly", def.Name)
	assert.Equal(t, OnErrorContinue, def.OnError)

	require.Len(t, def.Parameters, 2)
	assert.True(t, def.Parameters[0].Required())
	assert.False(t, def.Parameters[1].Required())

	require.Len(t, def.Jobs, 1)
	job := def.Jobs[0]
	assert.Equal(t, ModeSequential, job.Mode)
	require.Len(t, job.Tasks, 1)

	fetch := job.Tasks[0]
	assert.Equal(t, 5*time.Minute, fetch.Timeout)
	assert.Equal(t, ParametersCmdline, fetch.ParametersMode)
	assert.Equal(t, OutputText, fetch.OutputMethod)
	require.NotNil(t, fetch.RetryRetval)
	assert.Equal(t, 2, *fetch.RetryRetval)

	levels := def.RetryLevels(&fetch)
	assert.Equal(t, []RetryLevel{{Delay: 10 * time.Second, Times: 3}, {Delay: time.Minute, Times: 2}}, levels)

	require.Len(t, job.Subjobs, 1)
	assert.Equal(t, ModeParallel, job.Subjobs[0].Mode)
}

func TestParseDefinition_Errors(t *testing.T) {
	tests := []struct {
		name    string
		yaml    string
		wantErr string
	}{
		{
			name:    "missing name",
			yaml:    "jobs: [{name: j, tasks: [{name: t, path: /bin/true, queue: q}]}]",
			wantErr: "workflow name is required",
		},
		{
			name:    "no jobs",
			yaml:    "name: w",
			wantErr: "at least one job",
		},
		{
			name:    "task without path",
			yaml:    "name: w\njobs: [{name: j, tasks: [{name: t, queue: q}]}]",
			wantErr: "task path is required",
		},
		{
			name:    "unknown retry schedule",
			yaml:    "name: w\njobs: [{name: j, tasks: [{name: t, path: /bin/true, queue: q, retry_schedule: nope}]}]",
			wantErr: "unknown retry schedule",
		},
		{
			name:    "bad condition",
			yaml:    "name: w\njobs: [{name: j, condition: 'a ==', tasks: [{name: t, path: /bin/true, queue: q}]}]",
			wantErr: "failed to compile expression",
		},
		{
			name:    "duplicate task",
			yaml:    "name: w\njobs: [{name: j, tasks: [{name: t, path: /bin/true, queue: q}, {name: t, path: /bin/true, queue: q}]}]",
			wantErr: "duplicate task name",
		},
		{
			name:    "undeclared parameter reference",
			yaml:    "name: w\njobs: [{name: j, tasks: [{name: t, path: /bin/echo, queue: q, arguments: ['${date}']}]}]",
			wantErr: "unknown reference(s): date",
		},
		{
			name:    "loop reference outside a loop",
			yaml:    "name: w\njobs: [{name: j, tasks: [{name: t, path: /bin/echo, queue: q, arguments: ['${loop}']}]}]",
			wantErr: "unknown reference(s): loop",
		},
		{
			name:    "invalid output method",
			yaml:    "name: w\njobs: [{name: j, tasks: [{name: t, path: /bin/true, queue: q, output_method: csv}]}]",
			wantErr: "invalid output_method",
		},
		{
			name:    "malformed yaml",
			yaml:    "name: [",
			wantErr: "failed to parse",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseDefinition([]byte(tt.yaml))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestValidate_UnknownQueue(t *testing.T) {
	def, err := ParseDefinition([]byte(nightlyYAML))
	require.NoError(t, err)

	err = def.Validate(ValidateOptions{HasQueue: func(name string) bool { return name == "other" }})
	require.Error(t, err)

	var ve *errors.ValidationError
	require.True(t, errors.As(err, &ve))
	assert.Equal(t, "extract/fetch.queue", ve.Field)
	assert.Contains(t, ve.Message, "unknown queue: default")

	assert.NoError(t, def.Validate(ValidateOptions{HasQueue: func(string) bool { return true }}))
}

func TestResolveParameters(t *testing.T) {
	def, err := ParseDefinition([]byte(nightlyYAML))
	require.NoError(t, err)

	params, err := def.ResolveParameters(map[string]string{"date": "2025-01-01"})
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"date": "2025-01-01", "region": "eu"}, params)

	_, err = def.ResolveParameters(nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "missing required parameter: date")

	_, err = def.ResolveParameters(map[string]string{"date": "d", "extra": "x"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown parameter: extra")
}

func TestRetryLevels_TaskLevel(t *testing.T) {
	def := &Definition{}

	task := &TaskDefinition{RetryDelay: time.Second, RetryTimes: 4}
	assert.Equal(t, []RetryLevel{{Delay: time.Second, Times: 4}}, def.RetryLevels(task))

	assert.Nil(t, def.RetryLevels(&TaskDefinition{}))
}
