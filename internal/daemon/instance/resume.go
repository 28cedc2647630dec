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
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/tombee/dispatch/internal/log"
)

// Resume continues a restored instance after a daemon restart:
//   - QUEUED tasks are enqueued again
//   - EXECUTING tasks lost their daemon; a monitor still running from the
//     previous run is reaped first, then the attempt counts as failed with
//     retval -1 and goes through the retry policy
//   - RETRY_WAIT tasks are re-armed at their retry time
//   - TERMINATED tasks with a failed retval and no retry decision are
//     retried
//
// A cancelling instance aborts instead of re-queuing.
func (i *Instance) Resume() {
	i.mu.Lock()
	if i.ended {
		i.mu.Unlock()
		return
	}

	var tasks []*Task
	walkTasks(i.jobs, func(t *Task) { tasks = append(tasks, t) })

	var fx effects
	var orphans []int
	for _, t := range tasks {
		switch t.Status {
		case TaskQueued:
			if i.cancelling {
				i.running--
				i.queued--
				i.abortTaskLocked(t, detailsUserAbort, &fx)
				i.taskFinalLocked(t, &fx)
				continue
			}
			fx.enqueue = append(fx.enqueue, t)

		case TaskExecuting:
			if t.PID > 0 {
				orphans = append(orphans, t.PID)
			}
			i.running--
			rv := -1
			t.Retval = &rv
			t.Status = TaskTerminated
			t.Details = detailsTaskLost
			t.TID = 0
			t.PID = 0
			t.Outputs = append(t.Outputs, Output{
				Attempt:  t.Attempts,
				Retval:   rv,
				Stderr:   detailsTaskLost,
				ExitTime: time.Now(),
			})
			i.taskFailedLocked(t, &fx)
			if t.final() {
				i.taskFinalLocked(t, &fx)
			}

		case TaskRetryWait:
			if i.cancelling {
				i.retrying--
				t.RetryAt = nil
				i.abortTaskLocked(t, detailsUserAbort, &fx)
				i.taskFinalLocked(t, &fx)
				continue
			}
			at := time.Now()
			if t.RetryAt != nil {
				at = *t.RetryAt
			}
			fx.retries = append(fx.retries, retryRequest{path: t.Path, at: at})

		case TaskTerminated:
			if t.Retval != nil && *t.Retval != 0 {
				i.taskFailedLocked(t, &fx)
				if t.final() {
					i.taskFinalLocked(t, &fx)
				}
			}
		}
	}

	// Jobs whose walk was interrupted between two savepoints.
	walkJobs(i.jobs, func(j *Job) {
		if j.Status != JobRunning {
			return
		}
		i.startTasksLocked(j, &fx)
		if jobTasksDone(j) {
			i.jobFinishedLocked(j, &fx)
		}
	})

	i.finishLocked(&fx, saveChange)
	i.mu.Unlock()

	i.reap(orphans)
	i.logger.Info("instance resumed",
		slog.Int("requeued", len(fx.enqueue)), slog.Int("rearmed", len(fx.retries)),
		slog.Int("reaped", len(orphans)))
	i.apply(&fx)
}

// reap stops leftover monitors before any retry can start a second process
// for the same task.
func (i *Instance) reap(pids []int) {
	var g errgroup.Group
	for _, pid := range pids {
		g.Go(func() error {
			if err := i.deps.signaler.Reap(pid); err != nil {
				i.logger.Warn("failed to stop task left by previous run",
					slog.Int(log.PIDKey, pid), log.Error(err))
			}
			return nil
		})
	}
	g.Wait()
}
