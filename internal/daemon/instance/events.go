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
	"encoding/xml"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"syscall"
	"time"

	"github.com/tombee/dispatch/internal/daemon/backend"
	"github.com/tombee/dispatch/internal/daemon/process"
	"github.com/tombee/dispatch/internal/log"
	dispatcherrors "github.com/tombee/dispatch/pkg/errors"
	"github.com/tombee/dispatch/pkg/workflow"
	"github.com/tombee/dispatch/pkg/workflow/expression"
)

// Prepare builds the spawn request of a dequeued task. It refuses tasks
// that are no longer queued and every task once the instance is cancelling.
func (i *Instance) Prepare(t *Task, tid uint64) (*process.SpawnRequest, error) {
	i.mu.Lock()
	defer i.mu.Unlock()

	if t.Status != TaskQueued {
		return nil, ErrStaleTask
	}
	if i.cancelling {
		return nil, ErrCancelling
	}

	vars := i.varsLocked(t.LoopItem)
	expand := func(text string) (string, error) {
		return expression.Expand(text, vars)
	}

	req := &process.SpawnRequest{
		TID:         tid,
		InstanceID:  i.id,
		TaskPath:    t.Path,
		Path:        t.Spec.Path,
		MergeStderr: t.Spec.MergeStderr,
		Timeout:     t.Spec.Timeout,
	}

	for _, arg := range t.Spec.Arguments {
		v, err := expand(arg)
		if err != nil {
			return nil, fmt.Errorf("failed to expand arguments: %w", err)
		}
		req.Args = append(req.Args, v)
	}
	for _, p := range t.Spec.Parameters {
		v, err := expand(p.Value)
		if err != nil {
			return nil, fmt.Errorf("failed to expand parameter %s: %w", p.Name, err)
		}
		if t.Spec.ParametersMode == workflow.ParametersEnv {
			if req.Env == nil {
				req.Env = make(map[string]string)
			}
			req.Env[p.Name] = v
		} else {
			req.Args = append(req.Args, v)
		}
	}

	var err error
	if req.WorkDir, err = expand(t.Spec.WorkDir); err != nil {
		return nil, fmt.Errorf("failed to expand working directory: %w", err)
	}
	if req.Stdin, err = expand(t.Spec.Stdin); err != nil {
		return nil, fmt.Errorf("failed to expand stdin: %w", err)
	}
	return req, nil
}

// TaskExecute records a successful spawn: QUEUED becomes EXECUTING.
func (i *Instance) TaskExecute(t *Task, tid uint64, pid int) {
	i.mu.Lock()
	if t.Status != TaskQueued {
		i.mu.Unlock()
		i.logger.Warn("execute on a task that is not queued",
			slog.String(log.TaskKey, t.Path), slog.String("status", string(t.Status)))
		return
	}

	now := time.Now()
	t.Status = TaskExecuting
	t.Attempts++
	t.TID = tid
	t.PID = pid
	t.Progress = 0
	t.ExecutionTime = &now
	i.queued--
	attempt := t.Attempts

	var fx effects
	i.finishLocked(&fx, saveChange)
	i.mu.Unlock()

	i.deps.tracer.TaskStarted(i.id, t.Path, attempt, tid, pid)

	i.logger.Debug("task executing",
		slog.String(log.TaskKey, t.Path), slog.Uint64(log.TIDKey, tid), slog.Int(log.PIDKey, pid))
	i.apply(&fx)
}

// TaskSpawnFailed handles a task that could not be started. It counts as an
// attempt that exited with retval -1.
func (i *Instance) TaskSpawnFailed(t *Task, spawnErr error) {
	i.mu.Lock()
	if t.Status != TaskQueued {
		i.mu.Unlock()
		return
	}

	i.running--
	i.queued--
	t.Attempts++
	rv := -1
	t.Retval = &rv
	t.Status = TaskTerminated
	t.Details = "Spawn failed: " + spawnErr.Error()
	t.Outputs = append(t.Outputs, Output{
		Attempt:  t.Attempts,
		Retval:   rv,
		Stderr:   spawnErr.Error(),
		ExitTime: time.Now(),
	})

	var fx effects
	i.taskFailedLocked(t, &fx)
	if t.final() {
		i.taskFinalLocked(t, &fx)
	}
	i.finishLocked(&fx, saveChange)
	i.mu.Unlock()

	i.logger.Warn("task spawn failed", slog.String(log.TaskKey, t.Path), log.Error(spawnErr))
	i.apply(&fx)
}

// TaskStop records the end of a task attempt.
func (i *Instance) TaskStop(t *Task, res Result) {
	i.mu.Lock()
	if t.Status != TaskExecuting || t.TID != res.TID {
		i.mu.Unlock()
		i.logger.Warn("stop for a task that is not executing",
			slog.String(log.TaskKey, t.Path), slog.Uint64(log.TIDKey, res.TID))
		return
	}

	i.running--
	rv := res.Retcode
	t.Retval = &rv
	t.Status = TaskTerminated
	t.Details = ""
	t.TID = 0
	t.PID = 0
	t.RetryAt = nil
	t.Progress = 100

	maxSize := i.opts.OutputMaxSize
	t.Outputs = append(t.Outputs, Output{
		Attempt:  t.Attempts,
		Retval:   rv,
		TimedOut: res.TimedOut,
		Stdout:   process.Truncate(res.Stdout, maxSize),
		Stderr:   process.Truncate(res.Stderr, maxSize),
		Log:      process.Truncate(res.Log, maxSize),
		ExitTime: res.ExitTime,
	})

	var fx effects
	fx.logs = taskLogs(i.id, t, res)

	switch {
	case res.TimedOut || rv != 0:
		if res.TimedOut {
			t.Details = "Task timed out"
		}
		i.taskFailedLocked(t, &fx)
	case t.Spec.OutputMethod == workflow.OutputXML && !validXML(res.Stdout):
		i.abortTaskLocked(t, detailsInvalidXML, &fx)
	case t.Spec.OutputMethod == workflow.OutputJSON && !json.Valid([]byte(res.Stdout)):
		i.abortTaskLocked(t, detailsInvalidJSON, &fx)
	}

	if t.final() {
		i.taskFinalLocked(t, &fx)
	}
	status, details, path := string(t.Status), t.Details, t.Path
	i.finishLocked(&fx, saveChange)
	i.mu.Unlock()

	i.deps.tracer.TaskEnded(i.id, res.TID, rv, status, details)
	i.logger.Info("task stopped",
		slog.String(log.TaskKey, path), slog.Int("retval", rv), slog.String("status", status))
	i.apply(&fx)
}

// TaskRestart is called when a retry delay expires.
func (i *Instance) TaskRestart(path string) {
	i.restart(path)
}

// RetryFlushed is called when a pending retry is flushed. On a cancelling
// instance the task is aborted; otherwise it restarts at once.
func (i *Instance) RetryFlushed(path string) {
	i.restart(path)
}

func (i *Instance) restart(path string) {
	i.mu.Lock()
	t := findTask(i.jobs, path)
	if t == nil || t.Status != TaskRetryWait {
		i.mu.Unlock()
		return
	}

	var fx effects
	i.retrying--
	t.RetryAt = nil
	if i.cancelling {
		i.abortTaskLocked(t, detailsUserAbort, &fx)
		i.taskFinalLocked(t, &fx)
	} else {
		i.queueTaskLocked(t, &fx)
	}
	i.finishLocked(&fx, saveChange)
	i.mu.Unlock()

	i.apply(&fx)
}

// TasksDequeuedOnCancel aborts queued tasks that the pool handed back after
// a cancellation.
func (i *Instance) TasksDequeuedOnCancel(tasks ...*Task) {
	i.mu.Lock()
	var fx effects
	for _, t := range tasks {
		if t.Status != TaskQueued {
			continue
		}
		i.running--
		i.queued--
		i.abortTaskLocked(t, detailsUserAbort, &fx)
		i.taskFinalLocked(t, &fx)
	}
	i.finishLocked(&fx, saveChange)
	i.mu.Unlock()

	i.apply(&fx)
}

// TaskProgress records a progress report of an executing task.
func (i *Instance) TaskProgress(t *Task, tid uint64, percent int) {
	i.mu.Lock()
	defer i.mu.Unlock()

	if t.Status == TaskExecuting && t.TID == tid {
		t.Progress = percent
	}
}

// KillTask sends SIGTERM to the monitor of an executing task.
func (i *Instance) KillTask(path string) error {
	i.mu.Lock()
	t := findTask(i.jobs, path)
	if t == nil {
		i.mu.Unlock()
		return &dispatcherrors.NotFoundError{Resource: "task", ID: path}
	}
	if t.Status != TaskExecuting || t.PID <= 0 {
		status := t.Status
		i.mu.Unlock()
		return &dispatcherrors.StateError{
			Resource: "task",
			ID:       path,
			State:    string(status),
			Message:  "only executing tasks can be killed",
		}
	}
	pid := t.PID
	i.mu.Unlock()

	i.logger.Info("killing task", slog.String(log.TaskKey, path), slog.Int(log.PIDKey, pid))
	return i.deps.signaler.Signal(pid, syscall.SIGTERM)
}

// taskFailedLocked decides what follows a failed attempt.
func (i *Instance) taskFailedLocked(t *Task, fx *effects) {
	if i.cancelling {
		i.abortTaskLocked(t, detailsWontRetry, fx)
		return
	}
	i.retryTaskLocked(t, fx)
}

// retryTaskLocked arms the next retry of a failed task, or aborts it when
// no retry applies.
func (i *Instance) retryTaskLocked(t *Task, fx *effects) {
	rv := -1
	if t.Retval != nil {
		rv = *t.Retval
	}
	if t.Spec.RetryRetval != nil && rv != *t.Spec.RetryRetval {
		i.abortTaskLocked(t, fmt.Sprintf("Retval %d is not retryable", rv), fx)
		return
	}

	levels := t.RetryLevels
	for t.RetryLevel < len(levels) && t.RetriesUsed >= levels[t.RetryLevel].Times {
		t.RetryLevel++
		t.RetriesUsed = 0
	}
	if t.RetryLevel >= len(levels) {
		i.abortTaskLocked(t, detailsExhausted, fx)
		return
	}

	t.RetriesUsed++
	at := time.Now().Add(levels[t.RetryLevel].Delay)
	t.RetryAt = &at
	t.Status = TaskRetryWait
	i.retrying++
	fx.retries = append(fx.retries, retryRequest{path: t.Path, at: at})
}

func (i *Instance) abortTaskLocked(t *Task, details string, fx *effects) {
	t.Status = TaskAborted
	t.Details = details
	i.errors++
	fx.failed = append(fx.failed, TaskFailure{
		InstanceID: i.id,
		Workflow:   i.workflow,
		Path:       t.Path,
		Retval:     t.Retval,
		Details:    details,
	})
}

func (i *Instance) queueTaskLocked(t *Task, fx *effects) {
	t.Status = TaskQueued
	t.Details = ""
	i.running++
	i.queued++
	fx.enqueue = append(fx.enqueue, t)
}

func (i *Instance) enqueueFailed(t *Task, err error) {
	i.mu.Lock()
	if t.Status != TaskQueued {
		i.mu.Unlock()
		return
	}
	var fx effects
	i.running--
	i.queued--
	i.abortTaskLocked(t, "Failed to enqueue: "+err.Error(), &fx)
	i.taskFinalLocked(t, &fx)
	i.finishLocked(&fx, saveChange)
	i.mu.Unlock()

	i.logger.Error("failed to enqueue task", slog.String(log.TaskKey, t.Path), log.Error(err))
	i.apply(&fx)
}

func taskLogs(instanceID uint64, t *Task, res Result) []*backend.TaskLog {
	now := time.Now()
	var logs []*backend.TaskLog
	for _, s := range []struct{ stream, data string }{
		{"stdout", res.Stdout},
		{"stderr", res.Stderr},
		{"log", res.Log},
	} {
		if s.data == "" {
			continue
		}
		logs = append(logs, &backend.TaskLog{
			InstanceID: instanceID,
			TaskPath:   t.Path,
			Attempt:    t.Attempts,
			Stream:     s.stream,
			Data:       []byte(s.data),
			CreatedAt:  now,
		})
	}
	return logs
}

// validXML reports whether s is a single well-formed XML document.
func validXML(s string) bool {
	if strings.TrimSpace(s) == "" {
		return false
	}
	dec := xml.NewDecoder(strings.NewReader(s))
	roots := 0
	depth := 0
	for {
		tok, err := dec.Token()
		if err == io.EOF {
			return roots == 1 && depth == 0
		}
		if err != nil {
			return false
		}
		switch tok.(type) {
		case xml.StartElement:
			if depth == 0 {
				roots++
			}
			depth++
		case xml.EndElement:
			depth--
		}
	}
}
