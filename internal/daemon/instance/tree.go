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
	"encoding/json"
	"fmt"
	"time"

	"github.com/tombee/dispatch/pkg/workflow"
)

// TaskStatus is the state of a task node.
type TaskStatus string

const (
	TaskWaiting    TaskStatus = "WAITING"
	TaskQueued     TaskStatus = "QUEUED"
	TaskExecuting  TaskStatus = "EXECUTING"
	TaskRetryWait  TaskStatus = "RETRY_WAIT"
	TaskTerminated TaskStatus = "TERMINATED"
	TaskAborted    TaskStatus = "ABORTED"
	TaskSkipped    TaskStatus = "SKIPPED"
)

// JobStatus is the state of a job node.
type JobStatus string

const (
	JobWaiting    JobStatus = "WAITING"
	JobRunning    JobStatus = "RUNNING"
	JobTerminated JobStatus = "TERMINATED"
	JobSkipped    JobStatus = "SKIPPED"
	JobAborted    JobStatus = "ABORTED"
)

// Details recorded on nodes.
const (
	detailsConditionFalse = "Condition evaluates to false"
	detailsConditionError = "Error while evaluating condition"
	detailsLoopError      = "Error while evaluating loop"
	detailsLoopEmpty      = "Loop returned no items"
	detailsExhausted      = "Retries exhausted"
	detailsWontRetry      = "Won't retry because workflow is cancelling"
	detailsUserAbort      = "Aborted on user request"
	detailsInvalidXML     = "Invalid XML returned"
	detailsInvalidJSON    = "Invalid JSON returned"
	detailsTaskLost       = "Task lost during daemon restart"
	detailsTasksFailed    = "Some tasks did not succeed"
)

// Output is the captured result of one task attempt.
type Output struct {
	Attempt  int       `json:"attempt"`
	Retval   int       `json:"retval"`
	TimedOut bool      `json:"timed_out,omitempty"`
	Stdout   string    `json:"stdout,omitempty"`
	Stderr   string    `json:"stderr,omitempty"`
	Log      string    `json:"log,omitempty"`
	ExitTime time.Time `json:"exit_time"`
}

// Task is a task node of an instance tree. Its runtime fields are guarded
// by the owning instance's lock.
type Task struct {
	Name string                  `json:"name"`
	Path string                  `json:"path"`
	Spec workflow.TaskDefinition `json:"spec"`

	// RetryLevels are resolved from the definition when the tree is built.
	RetryLevels []workflow.RetryLevel `json:"retry_levels,omitempty"`
	LoopItem    interface{}           `json:"loop_item,omitempty"`

	Status  TaskStatus `json:"status"`
	Details string     `json:"details,omitempty"`
	Retval  *int       `json:"retval,omitempty"`

	Attempts int    `json:"attempts"`
	Progress int    `json:"progress"`
	TID      uint64 `json:"tid,omitempty"`
	PID      int    `json:"pid,omitempty"`

	// RetryLevel is the index of the current retry level; RetriesUsed counts
	// the retries consumed at that level.
	RetryLevel  int        `json:"retry_level"`
	RetriesUsed int        `json:"retries_used"`
	RetryAt     *time.Time `json:"retry_at,omitempty"`

	ExecutionTime *time.Time `json:"execution_time,omitempty"`
	Outputs       []Output   `json:"outputs,omitempty"`

	instanceID uint64
	job        *Job
}

// InstanceID implements queue.Task.
func (t *Task) InstanceID() uint64 { return t.instanceID }

// Priority implements queue.Task.
func (t *Task) Priority() int { return t.Spec.Priority }

// Queue returns the queue the task runs in.
func (t *Task) Queue() string { return t.Spec.Queue }

func (t *Task) final() bool {
	switch t.Status {
	case TaskTerminated, TaskAborted, TaskSkipped:
		return true
	}
	return false
}

// succeeded reports whether the task lets its job go on to subjobs.
func (t *Task) succeeded() bool {
	switch t.Status {
	case TaskSkipped:
		return true
	case TaskTerminated:
		return t.Retval != nil && *t.Retval == 0
	}
	return false
}

func (t *Task) lastOutput() *Output {
	if len(t.Outputs) == 0 {
		return nil
	}
	return &t.Outputs[len(t.Outputs)-1]
}

// Job is a job node of an instance tree.
type Job struct {
	Name      string      `json:"name"`
	Path      string      `json:"path"`
	Mode      string      `json:"mode"`
	Condition string      `json:"condition,omitempty"`
	Loop      string      `json:"loop,omitempty"`
	LoopItem  interface{} `json:"loop_item,omitempty"`

	Status  JobStatus `json:"status"`
	Details string    `json:"details,omitempty"`

	Tasks   []*Task `json:"tasks"`
	Subjobs []*Job  `json:"subjobs,omitempty"`

	parent *Job
}

// buildJobs builds the WAITING tree of a definition.
func buildJobs(def *workflow.Definition, jobs []workflow.JobDefinition, parent *Job, parentPath string) []*Job {
	nodes := make([]*Job, 0, len(jobs))
	for i := range jobs {
		jd := &jobs[i]
		j := &Job{
			Name:      jd.Name,
			Path:      parentPath + jd.Name,
			Mode:      jd.Mode,
			Condition: jd.Condition,
			Loop:      jd.Loop,
			Status:    JobWaiting,
			parent:    parent,
		}
		for k := range jd.Tasks {
			td := jd.Tasks[k]
			j.Tasks = append(j.Tasks, &Task{
				Name:        td.Name,
				Path:        j.Path + "/" + td.Name,
				Spec:        td,
				RetryLevels: def.RetryLevels(&td),
				Status:      TaskWaiting,
				job:         j,
			})
		}
		j.Subjobs = buildJobs(def, jd.Subjobs, j, j.Path+"/")
		nodes = append(nodes, j)
	}
	return nodes
}

// link restores the unexported back-references after a restore.
func link(jobs []*Job, parent *Job, instanceID uint64) {
	for _, j := range jobs {
		j.parent = parent
		for _, t := range j.Tasks {
			t.job = j
			t.instanceID = instanceID
		}
		link(j.Subjobs, j, instanceID)
	}
}

// walkTasks calls fn for every task of the tree, depth first.
func walkTasks(jobs []*Job, fn func(*Task)) {
	for _, j := range jobs {
		for _, t := range j.Tasks {
			fn(t)
		}
		walkTasks(j.Subjobs, fn)
	}
}

// walkJobs calls fn for every job of the tree, depth first.
func walkJobs(jobs []*Job, fn func(*Job)) {
	for _, j := range jobs {
		fn(j)
		walkJobs(j.Subjobs, fn)
	}
}

func findTask(jobs []*Job, path string) *Task {
	var found *Task
	walkTasks(jobs, func(t *Task) {
		if found == nil && t.Path == path {
			found = t
		}
	})
	return found
}

// cloneJob deep-copies a job subtree for one loop iteration. Paths get the
// iteration suffix and every descendant inherits item.
func cloneJob(src *Job, index int, item interface{}, parent *Job) (*Job, error) {
	data, err := json.Marshal(src)
	if err != nil {
		return nil, fmt.Errorf("failed to clone job %s: %w", src.Path, err)
	}
	var j Job
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, fmt.Errorf("failed to clone job %s: %w", src.Path, err)
	}

	suffix := fmt.Sprintf("[%d]", index)
	j.Name += suffix
	j.Loop = ""
	rebase(&j, src.Path, src.Path+suffix, item)
	j.parent = parent
	return &j, nil
}

func rebase(j *Job, oldPrefix, newPrefix string, item interface{}) {
	j.Path = newPrefix + j.Path[len(oldPrefix):]
	j.LoopItem = item
	for _, t := range j.Tasks {
		t.Path = newPrefix + t.Path[len(oldPrefix):]
		t.LoopItem = item
		t.job = j
	}
	for _, s := range j.Subjobs {
		s.parent = j
		rebase(s, oldPrefix, newPrefix, item)
	}
}

// cloneTask copies a task for one loop iteration.
func cloneTask(src *Task, index int, item interface{}) *Task {
	t := *src
	t.Name = fmt.Sprintf("%s[%d]", src.Name, index)
	t.Path = fmt.Sprintf("%s[%d]", src.Path, index)
	t.Spec.Loop = ""
	t.LoopItem = item
	t.Spec.Arguments = append([]string(nil), src.Spec.Arguments...)
	t.Spec.Parameters = append([]workflow.TaskParameter(nil), src.Spec.Parameters...)
	t.Outputs = nil
	return &t
}
