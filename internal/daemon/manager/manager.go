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

// Package manager runs the two loops that connect the queue pool, the
// process runner and the workflow instances.
//
// The fork loop dequeues entries from the pool and spawns them. The gather
// loop turns process completions into instance events. Neither loop holds
// the pool lock while calling into an instance: the pool is always resolved
// first, then released.
package manager

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/tombee/dispatch/internal/daemon/instance"
	"github.com/tombee/dispatch/internal/daemon/metrics"
	"github.com/tombee/dispatch/internal/daemon/process"
	"github.com/tombee/dispatch/internal/daemon/queue"
	"github.com/tombee/dispatch/internal/log"
)

// Pool is the queue pool as seen by the loops.
type Pool interface {
	DequeueTask(ctx context.Context) (*queue.Entry, error)
	ExecuteTask(tid uint64, pid int) (killRequested bool, err error)
	Lookup(tid uint64) (queue.Task, bool)
	TerminateTask(tid uint64) (*queue.Entry, error)
}

// Runner starts task processes.
type Runner interface {
	Spawn(req *process.SpawnRequest) (int, error)
	Signal(pid int, sig syscall.Signal) error
	Completions() <-chan process.Completion
	Progress() <-chan process.Progress
	LogsDir() string
}

// Instances resolves live instances.
type Instances interface {
	Get(id uint64) (*instance.Instance, bool)
}

// Config tunes how task output is collected.
type Config struct {
	// MaxOutputSize caps each stream read back from the log files.
	MaxOutputSize int64

	// DeleteLogs removes the capture files once read.
	DeleteLogs bool
}

// Manager owns the fork and gather loops.
type Manager struct {
	pool      Pool
	runner    Runner
	instances Instances
	cfg       Config
	logger    *slog.Logger

	// spawnMu is held from Spawn to TaskExecute. The gather loop takes it
	// before resolving a completion, so a fast exit cannot overtake the
	// execute event of its own task.
	spawnMu sync.Mutex

	mu     sync.Mutex
	starts map[uint64]time.Time
}

// New creates a Manager.
func New(pool Pool, runner Runner, instances Instances, cfg Config, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.MaxOutputSize <= 0 {
		cfg.MaxOutputSize = 1 << 20
	}
	return &Manager{
		pool:      pool,
		runner:    runner,
		instances: instances,
		cfg:       cfg,
		logger:    log.WithComponent(logger, "process-manager"),
		starts:    make(map[uint64]time.Time),
	}
}

// Run runs both loops until ctx is cancelled or the pool is closed.
func (m *Manager) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return m.forkLoop(ctx) })
	g.Go(func() error { return m.gatherLoop(ctx) })
	return g.Wait()
}

func (m *Manager) forkLoop(ctx context.Context) error {
	for {
		e, err := m.pool.DequeueTask(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, queue.ErrPoolClosed) {
				return nil
			}
			return fmt.Errorf("failed to dequeue task: %w", err)
		}
		m.fork(e)
	}
}

// fork handles one dequeued entry.
func (m *Manager) fork(e *queue.Entry) {
	task, ok := e.Task.(*instance.Task)
	if !ok {
		m.logger.Error("unexpected task type in pool", slog.String(log.QueueKey, e.Queue))
		if !e.Cancelled {
			m.terminate(e.TID)
		}
		return
	}

	inst, live := m.instances.Get(task.InstanceID())
	if e.Cancelled {
		if live {
			inst.TasksDequeuedOnCancel(task)
		}
		return
	}
	logger := m.logger.With(
		slog.Uint64(log.InstanceIDKey, task.InstanceID()),
		slog.String(log.TaskKey, task.Path),
		slog.Uint64(log.TIDKey, e.TID))
	if !live {
		logger.Warn("dequeued task of an unknown instance")
		m.terminate(e.TID)
		return
	}

	req, err := inst.Prepare(task, e.TID)
	if err != nil {
		m.terminate(e.TID)
		switch {
		case errors.Is(err, instance.ErrCancelling):
			inst.TasksDequeuedOnCancel(task)
		case errors.Is(err, instance.ErrStaleTask):
			logger.Debug("dropping stale task")
		default:
			inst.TaskSpawnFailed(task, err)
		}
		return
	}

	m.spawnMu.Lock()
	defer m.spawnMu.Unlock()

	pid, err := m.runner.Spawn(req)
	metrics.RecordSpawn(e.Queue, err)
	if err != nil {
		logger.Warn("failed to spawn task", log.Error(err))
		m.terminate(e.TID)
		inst.TaskSpawnFailed(task, err)
		return
	}

	kill, err := m.pool.ExecuteTask(e.TID, pid)
	if err != nil {
		logger.Error("spawned task has no pool slot", log.Error(err))
	}
	m.mu.Lock()
	m.starts[e.TID] = time.Now()
	m.mu.Unlock()

	inst.TaskExecute(task, e.TID, pid)
	logger.Debug("task spawned", slog.Int(log.PIDKey, pid))

	if kill {
		if err := m.runner.Signal(pid, syscall.SIGTERM); err != nil {
			logger.Warn("failed to kill task of cancelled instance", log.Error(err))
		}
	}
}

func (m *Manager) terminate(tid uint64) {
	if _, err := m.pool.TerminateTask(tid); err != nil {
		m.logger.Error("failed to release tid", slog.Uint64(log.TIDKey, tid), log.Error(err))
	}
}

func (m *Manager) gatherLoop(ctx context.Context) error {
	completions := m.runner.Completions()
	progress := m.runner.Progress()
	for {
		select {
		case <-ctx.Done():
			return nil
		case c, ok := <-completions:
			if !ok {
				return nil
			}
			m.gather(c)
		case p, ok := <-progress:
			if !ok {
				progress = nil
				continue
			}
			m.progress(p)
		}
	}
}

// gather turns one completion into a TaskStop event.
func (m *Manager) gather(c process.Completion) {
	m.spawnMu.Lock()
	e, err := m.pool.TerminateTask(c.TID)
	m.spawnMu.Unlock()
	if err != nil {
		m.logger.Warn("completion for an unknown tid", slog.Uint64(log.TIDKey, c.TID), log.Error(err))
		return
	}

	m.mu.Lock()
	start, ok := m.starts[c.TID]
	delete(m.starts, c.TID)
	m.mu.Unlock()
	if ok {
		metrics.RecordTaskDuration(e.Queue, time.Since(start))
	}

	task, ok := e.Task.(*instance.Task)
	if !ok {
		return
	}
	res := instance.Result{
		TID:      c.TID,
		Retcode:  c.Retcode,
		TimedOut: c.TimedOut,
		Signaled: c.Signaled,
		Signal:   c.Signal,
		ExitTime: time.Now(),
	}
	files := process.LogPaths(m.runner.LogsDir(), c.TID)
	res.Stdout = m.readLog(files.Stdout, c.TID)
	res.Stderr = m.readLog(files.Stderr, c.TID)
	res.Log = m.readLog(files.Log, c.TID)

	inst, live := m.instances.Get(task.InstanceID())
	if !live {
		m.logger.Warn("completion for an unknown instance",
			slog.Uint64(log.InstanceIDKey, task.InstanceID()), slog.String(log.TaskKey, task.Path))
		return
	}
	inst.TaskStop(task, res)
}

func (m *Manager) readLog(path string, tid uint64) string {
	s, err := process.ReadLogFile(path, m.cfg.MaxOutputSize, m.cfg.DeleteLogs)
	if err != nil {
		m.logger.Warn("failed to read task output", slog.Uint64(log.TIDKey, tid), log.Error(err))
	}
	return s
}

func (m *Manager) progress(p process.Progress) {
	t, ok := m.pool.Lookup(p.TID)
	if !ok {
		return
	}
	task, ok := t.(*instance.Task)
	if !ok {
		return
	}
	if inst, live := m.instances.Get(task.InstanceID()); live {
		inst.TaskProgress(task, p.TID, p.Percent)
	}
}
