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

// Package workflow defines the YAML workflow definition format: a tree of
// jobs, each holding tasks and subjobs, with parameters and named retry
// schedules.
package workflow

import (
	"fmt"
	"time"

	"gopkg.in/yaml.v3"
)

// Job modes.
const (
	ModeParallel   = "parallel"
	ModeSequential = "sequential"
)

// Parameter passing modes.
const (
	ParametersCmdline = "cmdline"
	ParametersEnv     = "env"
)

// Output methods.
const (
	OutputText = "text"
	OutputXML  = "xml"
	OutputJSON = "json"
)

// Error policies. With continue, remaining work runs after a task is
// aborted; with suspend, nothing new starts once a task is aborted.
const (
	OnErrorContinue = "continue"
	OnErrorSuspend  = "suspend"
)

// Definition is a workflow definition.
type Definition struct {
	// Name is the workflow identifier.
	Name string `yaml:"name" json:"name"`

	Description string `yaml:"description,omitempty" json:"description,omitempty"`

	// OnError is "continue" (default) or "suspend".
	OnError string `yaml:"on_error,omitempty" json:"on_error,omitempty"`

	// Parameters are the launch parameters. Parameters without a default
	// are required.
	Parameters []ParameterDefinition `yaml:"parameters,omitempty" json:"parameters,omitempty"`

	// RetrySchedules are named retry policies referenced by tasks.
	RetrySchedules map[string]RetrySchedule `yaml:"retry_schedules,omitempty" json:"retry_schedules,omitempty"`

	// Jobs are the top-level jobs. They start in parallel.
	Jobs []JobDefinition `yaml:"jobs" json:"jobs"`
}

// ParameterDefinition is a launch parameter. In YAML it is either a bare
// name or a mapping with name, default and description.
type ParameterDefinition struct {
	Name        string  `yaml:"name" json:"name"`
	Default     *string `yaml:"default,omitempty" json:"default,omitempty"`
	Description string  `yaml:"description,omitempty" json:"description,omitempty"`
}

// UnmarshalYAML accepts the bare-name shorthand.
func (p *ParameterDefinition) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind == yaml.ScalarNode {
		p.Name = node.Value
		return nil
	}
	type plain ParameterDefinition
	return node.Decode((*plain)(p))
}

// Required reports whether the parameter must be supplied at launch.
func (p ParameterDefinition) Required() bool {
	return p.Default == nil
}

// RetrySchedule is an ordered list of retry levels. Each level allows Times
// further attempts, each after Delay.
type RetrySchedule struct {
	Levels []RetryLevel `yaml:"levels" json:"levels"`
}

// RetryLevel is one level of a retry schedule.
type RetryLevel struct {
	Delay time.Duration `yaml:"delay" json:"delay"`
	Times int           `yaml:"times" json:"times"`
}

// JobDefinition is a job: tasks run according to Mode, subjobs start once
// every task has succeeded.
type JobDefinition struct {
	Name string `yaml:"name" json:"name"`

	// Mode applies to Tasks: parallel (default) or sequential.
	Mode string `yaml:"mode,omitempty" json:"mode,omitempty"`

	// Condition is evaluated when the job is about to start. False skips
	// the job and its subjobs.
	Condition string `yaml:"condition,omitempty" json:"condition,omitempty"`

	// Loop is a list expression; the job is cloned once per item.
	Loop string `yaml:"loop,omitempty" json:"loop,omitempty"`

	Tasks   []TaskDefinition `yaml:"tasks" json:"tasks"`
	Subjobs []JobDefinition  `yaml:"subjobs,omitempty" json:"subjobs,omitempty"`
}

// TaskParameter is a named value passed to a task, on the command line or
// in the environment depending on the task's ParametersMode.
type TaskParameter struct {
	Name  string `yaml:"name" json:"name"`
	Value string `yaml:"value" json:"value"`
}

// TaskDefinition describes one task: an executable run by a queue.
type TaskDefinition struct {
	Name string `yaml:"name" json:"name"`

	// Path is the executable to run.
	Path string `yaml:"path" json:"path"`

	// Arguments may reference launch parameters as ${name} and the loop
	// item as ${loop}.
	Arguments []string `yaml:"arguments,omitempty" json:"arguments,omitempty"`

	Parameters     []TaskParameter `yaml:"parameters,omitempty" json:"parameters,omitempty"`
	ParametersMode string          `yaml:"parameters_mode,omitempty" json:"parameters_mode,omitempty"`

	// WorkDir is resolved against the tasks directory when relative.
	WorkDir string `yaml:"wd,omitempty" json:"wd,omitempty"`

	Queue    string `yaml:"queue" json:"queue"`
	Priority int    `yaml:"priority,omitempty" json:"priority,omitempty"`

	// OutputMethod is text (default), xml or json. Output that does not
	// parse as the declared format aborts the task.
	OutputMethod string `yaml:"output_method,omitempty" json:"output_method,omitempty"`

	MergeStderr bool          `yaml:"merge_stderr,omitempty" json:"merge_stderr,omitempty"`
	Stdin       string        `yaml:"stdin,omitempty" json:"stdin,omitempty"`
	Timeout     time.Duration `yaml:"timeout,omitempty" json:"timeout,omitempty"`

	// RetrySchedule names an entry of the definition's RetrySchedules.
	// RetryDelay and RetryTimes define a single-level schedule instead.
	RetrySchedule string        `yaml:"retry_schedule,omitempty" json:"retry_schedule,omitempty"`
	RetryDelay    time.Duration `yaml:"retry_delay,omitempty" json:"retry_delay,omitempty"`
	RetryTimes    int           `yaml:"retry_times,omitempty" json:"retry_times,omitempty"`

	// RetryRetval restricts retries to this exit code.
	RetryRetval *int `yaml:"retry_retval,omitempty" json:"retry_retval,omitempty"`

	Condition string `yaml:"condition,omitempty" json:"condition,omitempty"`
	Loop      string `yaml:"loop,omitempty" json:"loop,omitempty"`
}

// RetryLevels returns the retry levels that apply to a task.
func (d *Definition) RetryLevels(t *TaskDefinition) []RetryLevel {
	if t.RetrySchedule != "" {
		if s, ok := d.RetrySchedules[t.RetrySchedule]; ok {
			return s.Levels
		}
		return nil
	}
	if t.RetryTimes > 0 {
		return []RetryLevel{{Delay: t.RetryDelay, Times: t.RetryTimes}}
	}
	return nil
}

// ParseDefinition parses a workflow definition from YAML, applies defaults
// and checks its structure. Checks that need the running daemon, such as
// queue existence, are done by Validate with options.
func ParseDefinition(data []byte) (*Definition, error) {
	var def Definition
	if err := yaml.Unmarshal(data, &def); err != nil {
		return nil, fmt.Errorf("failed to parse workflow definition: %w", err)
	}

	def.ApplyDefaults()

	if err := def.Validate(ValidateOptions{}); err != nil {
		return nil, fmt.Errorf("invalid workflow definition: %w", err)
	}

	return &def, nil
}

// ApplyDefaults fills in default modes and methods.
func (d *Definition) ApplyDefaults() {
	if d.OnError == "" {
		d.OnError = OnErrorContinue
	}
	for i := range d.Jobs {
		applyJobDefaults(&d.Jobs[i])
	}
}

func applyJobDefaults(j *JobDefinition) {
	if j.Mode == "" {
		j.Mode = ModeParallel
	}
	for i := range j.Tasks {
		t := &j.Tasks[i]
		if t.ParametersMode == "" {
			t.ParametersMode = ParametersCmdline
		}
		if t.OutputMethod == "" {
			t.OutputMethod = OutputText
		}
	}
	for i := range j.Subjobs {
		applyJobDefaults(&j.Subjobs[i])
	}
}

// ResolveParameters checks launch parameters against the definition and
// returns them with defaults applied.
func (d *Definition) ResolveParameters(given map[string]string) (map[string]string, error) {
	known := make(map[string]bool, len(d.Parameters))
	resolved := make(map[string]string, len(d.Parameters))

	for _, p := range d.Parameters {
		known[p.Name] = true
		if v, ok := given[p.Name]; ok {
			resolved[p.Name] = v
			continue
		}
		if p.Required() {
			return nil, missingParameterError(p.Name)
		}
		resolved[p.Name] = *p.Default
	}

	for name := range given {
		if !known[name] {
			return nil, unknownParameterError(name)
		}
	}
	return resolved, nil
}
