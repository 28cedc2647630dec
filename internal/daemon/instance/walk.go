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
	"github.com/tombee/dispatch/pkg/workflow"
	"github.com/tombee/dispatch/pkg/workflow/expression"
)

// haltedLocked reports whether new nodes may not start.
func (i *Instance) haltedLocked() bool {
	return i.cancelling || (i.onError == workflow.OnErrorSuspend && i.errors > 0)
}

// startJobListLocked starts the WAITING jobs of a list, expanding loops in
// place.
func (i *Instance) startJobListLocked(list *[]*Job, fx *effects) {
	for idx := 0; idx < len(*list); idx++ {
		j := (*list)[idx]
		if j.Status != JobWaiting {
			continue
		}
		if i.haltedLocked() {
			return
		}

		if j.Loop != "" {
			clones, ok := i.expandJobLocked(j, fx)
			if !ok {
				continue
			}
			expanded := make([]*Job, 0, len(*list)+len(clones)-1)
			expanded = append(expanded, (*list)[:idx]...)
			expanded = append(expanded, clones...)
			expanded = append(expanded, (*list)[idx+1:]...)
			*list = expanded
			idx--
			continue
		}

		i.startJobLocked(j, fx)
	}
}

func (i *Instance) expandJobLocked(j *Job, fx *effects) ([]*Job, bool) {
	items, err := i.deps.evaluator.EvaluateList(j.Loop, i.contextLocked(j.LoopItem))
	if err != nil {
		i.abortJobLocked(j, detailsLoopError+": "+err.Error(), fx)
		return nil, false
	}
	if len(items) == 0 {
		skipJob(j, detailsLoopEmpty)
		return nil, false
	}

	clones := make([]*Job, 0, len(items))
	for n, item := range items {
		c, err := cloneJob(j, n, item, j.parent)
		if err != nil {
			i.abortJobLocked(j, detailsLoopError+": "+err.Error(), fx)
			return nil, false
		}
		link(c.Subjobs, c, i.id)
		for _, t := range c.Tasks {
			t.instanceID = i.id
		}
		clones = append(clones, c)
	}
	return clones, true
}

func (i *Instance) startJobLocked(j *Job, fx *effects) {
	ok, err := i.deps.evaluator.Evaluate(j.Condition, i.contextLocked(j.LoopItem))
	if err != nil {
		i.abortJobLocked(j, detailsConditionError+": "+err.Error(), fx)
		return
	}
	if !ok {
		skipJob(j, detailsConditionFalse)
		return
	}

	j.Status = JobRunning
	i.startTasksLocked(j, fx)
	if jobTasksDone(j) {
		i.jobFinishedLocked(j, fx)
	}
}

// startTasksLocked starts the WAITING tasks of a running job: all of them in
// parallel mode, the next one in sequential mode.
func (i *Instance) startTasksLocked(j *Job, fx *effects) {
	sequential := j.Mode == workflow.ModeSequential

	for idx := 0; idx < len(j.Tasks); idx++ {
		t := j.Tasks[idx]
		if t.Status != TaskWaiting {
			if sequential && !t.final() {
				return
			}
			continue
		}
		if i.haltedLocked() {
			return
		}

		ctx := i.contextLocked(t.LoopItem)
		if t.Spec.Loop != "" {
			items, err := i.deps.evaluator.EvaluateList(t.Spec.Loop, ctx)
			if err != nil {
				t.Spec.Loop = ""
				i.abortTaskLocked(t, detailsLoopError+": "+err.Error(), fx)
				continue
			}
			if len(items) == 0 {
				t.Spec.Loop = ""
				t.Status = TaskSkipped
				t.Details = detailsLoopEmpty
				continue
			}
			clones := make([]*Task, 0, len(items))
			for n, item := range items {
				clones = append(clones, cloneTask(t, n, item))
			}
			expanded := make([]*Task, 0, len(j.Tasks)+len(clones)-1)
			expanded = append(expanded, j.Tasks[:idx]...)
			expanded = append(expanded, clones...)
			expanded = append(expanded, j.Tasks[idx+1:]...)
			j.Tasks = expanded
			idx--
			continue
		}

		ok, err := i.deps.evaluator.Evaluate(t.Spec.Condition, ctx)
		if err != nil {
			i.abortTaskLocked(t, detailsConditionError+": "+err.Error(), fx)
			continue
		}
		if !ok {
			t.Status = TaskSkipped
			t.Details = detailsConditionFalse
			continue
		}

		i.queueTaskLocked(t, fx)
		if sequential {
			return
		}
	}
}

// taskFinalLocked continues the walk after a task reached a final state.
func (i *Instance) taskFinalLocked(t *Task, fx *effects) {
	j := t.job
	if j == nil || j.Status != JobRunning {
		return
	}
	i.startTasksLocked(j, fx)
	if jobTasksDone(j) {
		i.jobFinishedLocked(j, fx)
	}
}

// jobFinishedLocked closes a job whose tasks are all final, and starts its
// subjobs when every task succeeded.
func (i *Instance) jobFinishedLocked(j *Job, fx *effects) {
	if j.Status != JobRunning {
		return
	}
	for _, t := range j.Tasks {
		if !t.succeeded() {
			j.Status = JobAborted
			j.Details = detailsTasksFailed
			return
		}
	}
	j.Status = JobTerminated
	i.startJobListLocked(&j.Subjobs, fx)
}

func (i *Instance) abortJobLocked(j *Job, details string, fx *effects) {
	j.Status = JobAborted
	j.Details = details
	i.errors++
	fx.failed = append(fx.failed, TaskFailure{
		InstanceID: i.id,
		Workflow:   i.workflow,
		Path:       j.Path,
		Details:    details,
	})
}

func skipJob(j *Job, details string) {
	j.Status = JobSkipped
	j.Details = details
	for _, t := range j.Tasks {
		if t.Status == TaskWaiting {
			t.Status = TaskSkipped
		}
	}
	for _, s := range j.Subjobs {
		if s.Status == JobWaiting {
			skipJob(s, "")
		}
	}
}

func jobTasksDone(j *Job) bool {
	for _, t := range j.Tasks {
		if !t.final() {
			return false
		}
	}
	return true
}

// contextLocked builds the expression context seen by a node.
func (i *Instance) contextLocked(loopItem interface{}) map[string]interface{} {
	tasks := make(map[string]interface{})
	walkTasks(i.jobs, func(t *Task) {
		if t.Status == TaskWaiting {
			return
		}
		entry := map[string]interface{}{
			"status":   string(t.Status),
			"attempts": t.Attempts,
		}
		if t.Retval != nil {
			entry["retval"] = *t.Retval
		}
		if out := t.lastOutput(); out != nil {
			entry["output"] = out.Stdout
			entry["stderr"] = out.Stderr
		}
		tasks[t.Path] = entry
	})
	return expression.BuildContext(i.params, tasks, loopItem)
}

// varsLocked returns the values available to ${...} references.
func (i *Instance) varsLocked(loopItem interface{}) map[string]interface{} {
	vars := make(map[string]interface{}, len(i.params)+1)
	for k, v := range i.params {
		vars[k] = v
	}
	if loopItem != nil {
		vars[expression.LoopKey] = loopItem
	}
	return vars
}
