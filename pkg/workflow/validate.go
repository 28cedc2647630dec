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
	"fmt"
	"regexp"

	"github.com/tombee/dispatch/pkg/errors"
	"github.com/tombee/dispatch/pkg/workflow/expression"
)

var namePattern = regexp.MustCompile(`^[A-Za-z0-9_\-.]{1,64}$`)

// ValidateOptions supplies the checks that depend on the daemon.
type ValidateOptions struct {
	// HasQueue reports whether a queue exists. Nil skips the check.
	HasQueue func(name string) bool

	// Evaluator compiles conditions and loops. Nil uses a fresh evaluator.
	Evaluator *expression.Evaluator
}

// Validate checks the definition. It returns the first problem found as a
// *errors.ValidationError.
func (d *Definition) Validate(opts ValidateOptions) error {
	if opts.Evaluator == nil {
		opts.Evaluator = expression.New(nil)
	}

	if d.Name == "" {
		return &errors.ValidationError{
			Field:      "name",
			Message:    "workflow name is required",
			Suggestion: "add a name to the workflow definition",
		}
	}
	if !namePattern.MatchString(d.Name) {
		return &errors.ValidationError{
			Field:   "name",
			Message: fmt.Sprintf("invalid workflow name %q", d.Name),
		}
	}

	switch d.OnError {
	case "", OnErrorContinue, OnErrorSuspend:
	default:
		return &errors.ValidationError{
			Field:      "on_error",
			Message:    fmt.Sprintf("invalid on_error %q", d.OnError),
			Suggestion: "use continue or suspend",
		}
	}

	params := make([]string, 0, len(d.Parameters))
	seen := make(map[string]bool)
	for _, p := range d.Parameters {
		if p.Name == "" || p.Name == expression.LoopKey {
			return &errors.ValidationError{
				Field:   "parameters",
				Message: fmt.Sprintf("invalid parameter name %q", p.Name),
			}
		}
		if seen[p.Name] {
			return &errors.ValidationError{
				Field:   "parameters",
				Message: fmt.Sprintf("duplicate parameter: %s", p.Name),
			}
		}
		seen[p.Name] = true
		params = append(params, p.Name)
	}

	for name, s := range d.RetrySchedules {
		if len(s.Levels) == 0 {
			return &errors.ValidationError{
				Field:   "retry_schedules." + name,
				Message: "retry schedule has no levels",
			}
		}
		for i, l := range s.Levels {
			if l.Times < 1 || l.Delay < 0 {
				return &errors.ValidationError{
					Field:      fmt.Sprintf("retry_schedules.%s.levels[%d]", name, i),
					Message:    "times must be at least 1 and delay must not be negative",
					Suggestion: "e.g. {delay: 30s, times: 3}",
				}
			}
		}
	}

	if len(d.Jobs) == 0 {
		return &errors.ValidationError{
			Field:      "jobs",
			Message:    "workflow must have at least one job",
			Suggestion: "add a job with at least one task",
		}
	}

	v := &validator{def: d, opts: opts, params: params}
	return v.jobs(d.Jobs, "", false)
}

type validator struct {
	def    *Definition
	opts   ValidateOptions
	params []string
}

func (v *validator) jobs(jobs []JobDefinition, parent string, inLoop bool) error {
	names := make(map[string]bool)
	for i := range jobs {
		j := &jobs[i]
		if j.Name == "" {
			return &errors.ValidationError{
				Field:      fmt.Sprintf("%sjobs[%d].name", parent, i),
				Message:    "job name is required",
				Suggestion: "add a 'name' field to each job",
			}
		}
		if names[j.Name] {
			return &errors.ValidationError{
				Field:   parent + j.Name,
				Message: fmt.Sprintf("duplicate job name: %s", j.Name),
			}
		}
		names[j.Name] = true

		path := parent + j.Name
		if err := v.job(j, path, inLoop || j.Loop != ""); err != nil {
			return err
		}
	}
	return nil
}

func (v *validator) job(j *JobDefinition, path string, inLoop bool) error {
	switch j.Mode {
	case "", ModeParallel, ModeSequential:
	default:
		return &errors.ValidationError{
			Field:      path + ".mode",
			Message:    fmt.Sprintf("invalid job mode %q", j.Mode),
			Suggestion: "use parallel or sequential",
		}
	}
	if err := v.opts.Evaluator.Validate(j.Condition); err != nil {
		return fieldError(path+".condition", err)
	}
	if err := v.opts.Evaluator.ValidateList(j.Loop); err != nil {
		return fieldError(path+".loop", err)
	}

	if len(j.Tasks) == 0 {
		return &errors.ValidationError{
			Field:   path + ".tasks",
			Message: "job must have at least one task",
		}
	}

	names := make(map[string]bool)
	for i := range j.Tasks {
		t := &j.Tasks[i]
		if t.Name == "" {
			return &errors.ValidationError{
				Field:      fmt.Sprintf("%s.tasks[%d].name", path, i),
				Message:    "task name is required",
				Suggestion: "add a 'name' field to each task",
			}
		}
		if names[t.Name] {
			return &errors.ValidationError{
				Field:   path + "/" + t.Name,
				Message: fmt.Sprintf("duplicate task name: %s", t.Name),
			}
		}
		names[t.Name] = true

		if err := v.task(t, path+"/"+t.Name, inLoop || t.Loop != ""); err != nil {
			return err
		}
	}

	return v.jobs(j.Subjobs, path+"/", inLoop)
}

func (v *validator) task(t *TaskDefinition, path string, inLoop bool) error {
	if t.Path == "" {
		return &errors.ValidationError{
			Field:      path + ".path",
			Message:    "task path is required",
			Suggestion: "set 'path' to the executable to run",
		}
	}

	if t.Queue == "" {
		return &errors.ValidationError{
			Field:   path + ".queue",
			Message: "task queue is required",
		}
	}
	if v.opts.HasQueue != nil && !v.opts.HasQueue(t.Queue) {
		return &errors.ValidationError{
			Field:      path + ".queue",
			Message:    fmt.Sprintf("unknown queue: %s", t.Queue),
			Suggestion: "declare the queue in the daemon configuration",
		}
	}

	if t.RetrySchedule != "" {
		if _, ok := v.def.RetrySchedules[t.RetrySchedule]; !ok {
			return &errors.ValidationError{
				Field:   path + ".retry_schedule",
				Message: fmt.Sprintf("unknown retry schedule: %s", t.RetrySchedule),
			}
		}
	}
	if t.RetryTimes < 0 || t.RetryDelay < 0 {
		return &errors.ValidationError{
			Field:   path + ".retry_times",
			Message: "retry_times and retry_delay must not be negative",
		}
	}

	switch t.ParametersMode {
	case "", ParametersCmdline, ParametersEnv:
	default:
		return &errors.ValidationError{
			Field:      path + ".parameters_mode",
			Message:    fmt.Sprintf("invalid parameters_mode %q", t.ParametersMode),
			Suggestion: "use cmdline or env",
		}
	}
	switch t.OutputMethod {
	case "", OutputText, OutputXML, OutputJSON:
	default:
		return &errors.ValidationError{
			Field:      path + ".output_method",
			Message:    fmt.Sprintf("invalid output_method %q", t.OutputMethod),
			Suggestion: "use text, xml or json",
		}
	}
	if t.Timeout < 0 {
		return &errors.ValidationError{
			Field:   path + ".timeout",
			Message: "timeout must not be negative",
		}
	}

	if err := v.opts.Evaluator.Validate(t.Condition); err != nil {
		return fieldError(path+".condition", err)
	}
	if err := v.opts.Evaluator.ValidateList(t.Loop); err != nil {
		return fieldError(path+".loop", err)
	}

	known := v.params
	if inLoop {
		known = append(append([]string(nil), v.params...), expression.LoopKey)
	}
	texts := append([]string{t.WorkDir, t.Stdin}, t.Arguments...)
	for _, p := range t.Parameters {
		if p.Name == "" {
			return &errors.ValidationError{
				Field:   path + ".parameters",
				Message: "task parameter name is required",
			}
		}
		texts = append(texts, p.Value)
	}
	for _, text := range texts {
		if err := expression.ValidateReferences(text, known); err != nil {
			return &errors.ValidationError{
				Field:      path,
				Message:    err.Error(),
				Suggestion: "reference declared parameters, or ${loop} inside a loop",
			}
		}
	}
	return nil
}

func fieldError(field string, err error) error {
	var ve *errors.ValidationError
	if errors.As(err, &ve) {
		return &errors.ValidationError{Field: field, Message: ve.Message, Suggestion: ve.Suggestion}
	}
	return &errors.ValidationError{Field: field, Message: err.Error()}
}

func missingParameterError(name string) error {
	return &errors.ValidationError{
		Field:      "parameters." + name,
		Message:    fmt.Sprintf("missing required parameter: %s", name),
		Suggestion: "pass the parameter at launch",
	}
}

func unknownParameterError(name string) error {
	return &errors.ValidationError{
		Field:   "parameters." + name,
		Message: fmt.Sprintf("unknown parameter: %s", name),
	}
}
