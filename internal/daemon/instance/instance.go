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

// Package instance runs workflow instances: the job and task tree engine
// with retries, cancellation, savepoints and resume, and the registry of
// live instances.
//
// Lock order: an instance never calls the queue pool while holding its own
// lock. Operations collect their side effects (enqueues, retry timers,
// savepoints, notifications) under the lock and apply them after releasing
// it.
package instance

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"syscall"
	"time"

	"github.com/tombee/dispatch/internal/daemon/backend"
	"github.com/tombee/dispatch/internal/daemon/queue"
	"github.com/tombee/dispatch/internal/log"
	"github.com/tombee/dispatch/pkg/workflow"
	"github.com/tombee/dispatch/pkg/workflow/expression"
)

// Instance states. CANCELLING only appears in snapshots and summaries.
const (
	StatusExecuting  = "EXECUTING"
	StatusCancelling = "CANCELLING"
	StatusTerminated = "TERMINATED"
)

var (
	// ErrNotRunning is returned when operating on a terminated instance.
	ErrNotRunning = errors.New("instance is not running")

	// ErrStaleTask is returned by Prepare for a task that is no longer queued.
	ErrStaleTask = errors.New("task is not queued")

	// ErrCancelling is returned by Prepare once the instance is cancelling.
	ErrCancelling = errors.New("instance is cancelling")
)

// Pool admits tasks into dispatch queues.
type Pool interface {
	Enqueue(queueName string, t queue.Task) error
	CancelTasks(instanceID uint64) (moved int, pids []int)
}

// Retrier arms delayed task restarts.
type Retrier interface {
	Schedule(instanceID uint64, taskPath string, at time.Time)
	FlushInstance(instanceID uint64) int
}

// Signaler delivers signals to task monitors.
type Signaler interface {
	Signal(pid int, sig syscall.Signal) error

	// Reap stops a monitor left by a previous daemon run and waits for it
	// to exit.
	Reap(pid int) error
}

// Store persists savepoints and task logs.
type Store interface {
	backend.InstanceStore
	backend.TaskLogStore
}

// SavepointOptions controls when snapshots are written.
type SavepointOptions struct {
	// Level: 0 never, 1 on terminate, 2 at start and on terminate, 3 on every change.
	Level int

	Retry      bool
	RetryTimes int
	RetryWait  time.Duration
}

// Options configure every instance of a registry.
type Options struct {
	NodeName       string
	SaveParameters bool
	Savepoint      SavepointOptions

	// OutputMaxSize caps each stream kept in the tree.
	OutputMaxSize int64
}

// Result is the outcome of one task attempt, as reported by the gatherer.
// Streams are already read back and capped for the task log store.
type Result struct {
	TID      uint64
	Retcode  int
	TimedOut bool
	Signaled bool
	Signal   int

	Stdout string
	Stderr string
	Log    string

	ExitTime time.Time
}

// TaskFailure describes a task that was aborted.
type TaskFailure struct {
	InstanceID uint64 `json:"instance_id"`
	Workflow   string `json:"workflow"`
	Path       string `json:"task"`
	Retval     *int   `json:"retval,omitempty"`
	Details    string `json:"details"`
}

type hooks struct {
	ended           func(*Instance)
	taskFailed      func(*Instance, TaskFailure)
	savepointFailed func(*Instance, error)
}

type deps struct {
	pool      Pool
	retrier   Retrier
	signaler  Signaler
	store     Store
	evaluator *expression.Evaluator
	tracer    Tracer
	hooks     hooks
}

type saveKind int

const (
	saveChange saveKind = iota
	saveStart
	saveForce
)

type retryRequest struct {
	path string
	at   time.Time
}

// effects are the side effects of one locked operation, applied after the
// instance lock is released.
type effects struct {
	enqueue []*Task
	retries []retryRequest
	failed  []TaskFailure
	logs    []*backend.TaskLog

	save        *backend.Instance
	saveVersion uint64

	ended bool
}

// Instance is a running workflow instance.
type Instance struct {
	mu sync.Mutex

	id         uint64
	workflow   string
	params     map[string]string
	onError    string
	scheduleID int64
	nodeName   string
	jobs       []*Job

	cancelling bool
	ended      bool
	running    int
	queued     int
	retrying   int
	errors     int
	startTime  time.Time
	endTime    *time.Time
	version    uint64
	done       chan struct{}

	saveMu       sync.Mutex
	savedVersion uint64

	opts   Options
	deps   deps
	logger *slog.Logger
}

func newInstance(id uint64, def *workflow.Definition, params map[string]string, scheduleID int64, opts Options, d deps, logger *slog.Logger) *Instance {
	i := &Instance{
		id:         id,
		workflow:   def.Name,
		params:     params,
		onError:    def.OnError,
		scheduleID: scheduleID,
		nodeName:   opts.NodeName,
		startTime:  time.Now(),
		done:       make(chan struct{}),
		opts:       opts,
		deps:       d,
		logger:     log.WithInstanceContext(logger, id, def.Name),
	}
	i.jobs = buildJobs(def, def.Jobs, nil, "")
	link(i.jobs, nil, id)
	return i
}

// ID returns the instance id.
func (i *Instance) ID() uint64 { return i.id }

// Workflow returns the workflow name.
func (i *Instance) Workflow() string { return i.workflow }

// ScheduleID returns the launching schedule, or 0.
func (i *Instance) ScheduleID() int64 { return i.scheduleID }

// Done is closed once the instance has terminated and its final savepoint
// has been written.
func (i *Instance) Done() <-chan struct{} { return i.done }

// Start starts every top-level job.
func (i *Instance) Start() {
	i.mu.Lock()
	var fx effects
	i.logger.Info("instance started")
	i.startJobListLocked(&i.jobs, &fx)
	i.finishLocked(&fx, saveStart)
	i.mu.Unlock()

	i.apply(&fx)
}

// Cancel cancels the instance. Queued tasks and pending retries are
// aborted, executing tasks receive SIGTERM, and no new task starts.
// Cancelling twice is a no-op.
func (i *Instance) Cancel() error {
	i.mu.Lock()
	if i.ended {
		i.mu.Unlock()
		return ErrNotRunning
	}
	if i.cancelling {
		i.mu.Unlock()
		return nil
	}
	i.cancelling = true
	var fx effects
	i.finishLocked(&fx, saveChange)
	i.mu.Unlock()

	i.logger.Info("instance cancelling")
	i.apply(&fx)

	moved, pids := i.deps.pool.CancelTasks(i.id)
	for _, pid := range pids {
		if err := i.deps.signaler.Signal(pid, syscall.SIGTERM); err != nil {
			i.logger.Warn("failed to signal task", slog.Int(log.PIDKey, pid), log.Error(err))
		}
	}
	flushed := i.deps.retrier.FlushInstance(i.id)

	i.logger.Debug("cancel propagated",
		slog.Int("dequeued", moved), slog.Int("signaled", len(pids)), slog.Int("flushed", flushed))
	return nil
}

// Wait blocks until the instance terminates or ctx is done.
func (i *Instance) Wait(ctx context.Context) error {
	select {
	case <-i.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// finishLocked ends the instance when nothing is running or waiting to
// retry, and prepares the savepoint the operation calls for.
func (i *Instance) finishLocked(fx *effects, kind saveKind) {
	if !i.ended && i.running == 0 && i.retrying == 0 {
		i.endLocked()
		fx.ended = true
	}

	level := i.opts.Savepoint.Level
	var want bool
	switch {
	case fx.ended:
		want = level >= 1
	case kind == saveStart, kind == saveForce:
		want = level >= 2
	default:
		want = level >= 3
	}
	if want {
		i.version++
		fx.save = i.recordLocked()
		fx.saveVersion = i.version
	}
}

func (i *Instance) endLocked() {
	now := time.Now()
	i.ended = true
	i.endTime = &now

	walkJobs(i.jobs, func(j *Job) {
		switch {
		case j.Status == JobRunning:
			j.Status = JobAborted
			if j.Details == "" {
				j.Details = detailsTasksFailed
			}
		case j.Status == JobWaiting && i.cancelling:
			j.Status = JobAborted
			j.Details = detailsUserAbort
		}
		if !i.cancelling {
			return
		}
		for _, t := range j.Tasks {
			if t.Status == TaskWaiting {
				t.Status = TaskAborted
				t.Details = detailsUserAbort
			}
		}
	})

	i.logger.Info("instance terminated",
		slog.Int("errors", i.errors),
		slog.Bool("cancelled", i.cancelling),
		log.Duration("duration", now.Sub(i.startTime).Milliseconds()))
}

// apply runs the side effects collected under the lock.
func (i *Instance) apply(fx *effects) {
	for _, r := range fx.retries {
		i.deps.retrier.Schedule(i.id, r.path, r.at)
	}

	for _, t := range fx.enqueue {
		if err := i.deps.pool.Enqueue(t.Queue(), t); err != nil {
			if errors.Is(err, queue.ErrDraining) {
				i.logger.Warn("task left queued, pool is draining", slog.String(log.TaskKey, t.Path))
				continue
			}
			i.enqueueFailed(t, err)
		}
	}

	for _, entry := range fx.logs {
		if err := i.deps.store.RecordTaskLog(context.Background(), entry); err != nil {
			i.logger.Warn("failed to record task log",
				slog.String(log.TaskKey, entry.TaskPath), slog.String("stream", entry.Stream), log.Error(err))
		}
	}

	if fx.save != nil {
		i.persist(fx.save, fx.saveVersion)
	}

	if i.deps.hooks.taskFailed != nil {
		for _, f := range fx.failed {
			i.deps.hooks.taskFailed(i, f)
		}
	}

	if fx.ended {
		close(i.done)
		if i.deps.hooks.ended != nil {
			i.deps.hooks.ended(i)
		}
	}
}
