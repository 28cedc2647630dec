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

package manager

import (
	"context"
	"errors"
	"os"
	"sync"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tombee/dispatch/internal/daemon/backend"
	"github.com/tombee/dispatch/internal/daemon/backend/memory"
	"github.com/tombee/dispatch/internal/daemon/instance"
	"github.com/tombee/dispatch/internal/daemon/process"
	"github.com/tombee/dispatch/internal/daemon/queue"
	"github.com/tombee/dispatch/internal/daemon/scheduler"
	"github.com/tombee/dispatch/internal/log"
)

// exit describes how a fake task process ends.
type exit struct {
	retcode int
	stdout  string
	// hold keeps the process running until it is signalled or released.
	hold bool
}

type fakeRunner struct {
	mu       sync.Mutex
	dir      string
	scripts  map[string][]exit
	failures map[string]error
	spawned  []*process.SpawnRequest
	held     map[int]uint64
	signals  map[int]syscall.Signal
	nextPID  int

	completions chan process.Completion
	progress    chan process.Progress
}

func newFakeRunner(dir string) *fakeRunner {
	return &fakeRunner{
		dir:         dir,
		scripts:     make(map[string][]exit),
		failures:    make(map[string]error),
		held:        make(map[int]uint64),
		signals:     make(map[int]syscall.Signal),
		nextPID:     100,
		completions: make(chan process.Completion, 64),
		progress:    make(chan process.Progress, 64),
	}
}

func (r *fakeRunner) script(path string, exits ...exit) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.scripts[path] = append(r.scripts[path], exits...)
}

func (r *fakeRunner) Spawn(req *process.SpawnRequest) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if err := r.failures[req.Path]; err != nil {
		return -1, err
	}
	r.spawned = append(r.spawned, req)
	r.nextPID++
	pid := r.nextPID

	var e exit
	if list := r.scripts[req.Path]; len(list) > 0 {
		e = list[0]
		r.scripts[req.Path] = list[1:]
	}
	if e.stdout != "" {
		files := process.LogPaths(r.dir, req.TID)
		if err := os.WriteFile(files.Stdout, []byte(e.stdout), 0o600); err != nil {
			return -1, err
		}
	}
	if e.hold {
		r.held[pid] = req.TID
		return pid, nil
	}
	r.completions <- process.Completion{TID: req.TID, PID: pid, Retcode: e.retcode}
	return pid, nil
}

func (r *fakeRunner) Signal(pid int, sig syscall.Signal) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.signals[pid] = sig
	tid, ok := r.held[pid]
	if !ok {
		return errors.New("no such process")
	}
	delete(r.held, pid)
	r.completions <- process.Completion{TID: tid, PID: pid, Retcode: -1, Signaled: true, Signal: int(sig)}
	return nil
}

func (r *fakeRunner) Reap(pid int) error {
	return nil
}

// release lets every held process exit with retcode 0.
func (r *fakeRunner) release() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for pid, tid := range r.held {
		r.completions <- process.Completion{TID: tid, PID: pid}
		delete(r.held, pid)
	}
}

func (r *fakeRunner) Completions() <-chan process.Completion { return r.completions }
func (r *fakeRunner) Progress() <-chan process.Progress       { return r.progress }
func (r *fakeRunner) LogsDir() string                         { return r.dir }

func (r *fakeRunner) spawnedPaths() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.spawned))
	for i, req := range r.spawned {
		out[i] = req.TaskPath
	}
	return out
}

func (r *fakeRunner) heldCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.held)
}

type setup struct {
	store  *memory.Backend
	pool   *queue.Pool
	runner *fakeRunner
	reg    *instance.Registry
}

func newSetup(t *testing.T, queues []queue.Config, cfg Config) *setup {
	t.Helper()

	store := memory.New()
	pool := queue.NewPool(queues, log.Discard())
	runner := newFakeRunner(t.TempDir())
	retrier := scheduler.NewRetrier(log.Discard())
	reg := instance.NewRegistry(instance.Options{
		Savepoint:     instance.SavepointOptions{Level: 1},
		OutputMaxSize: 4096,
	}, instance.Deps{
		Workflows: store,
		Store:     store,
		Pool:      pool,
		Retrier:   retrier,
		Signaler:  runner,
		Logger:    log.Discard(),
	})
	retrier.SetHandler(reg)

	m := New(pool, runner, reg, cfg, log.Discard())
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- m.Run(ctx) }()

	t.Cleanup(func() {
		cancel()
		pool.Close()
		require.NoError(t, <-done)
		retrier.Shutdown()
	})
	return &setup{store: store, pool: pool, runner: runner, reg: reg}
}

func (s *setup) launch(t *testing.T, content string) uint64 {
	t.Helper()
	ctx := context.Background()
	def := &backend.Workflow{Name: "wf", Content: []byte(content)}
	require.NoError(t, s.store.PutWorkflow(ctx, def))
	id, err := s.reg.Submit(ctx, "wf", nil, 0)
	require.NoError(t, err)
	return id
}

func (s *setup) wait(t *testing.T, id uint64) *instance.Snapshot {
	t.Helper()
	snap, err := s.reg.Wait(context.Background(), id, 5*time.Second)
	require.NoError(t, err)
	return snap
}

func findTask(jobs []*instance.Job, path string) *instance.Task {
	for _, j := range jobs {
		for _, t := range j.Tasks {
			if t.Path == path {
				return t
			}
		}
		if t := findTask(j.Subjobs, path); t != nil {
			return t
		}
	}
	return nil
}

var defaultQueue = []queue.Config{{Name: "default", Concurrency: 2}}

func TestManager_SequentialWorkflow(t *testing.T) {
	s := newSetup(t, defaultQueue, Config{DeleteLogs: true})
	s.runner.script("/bin/a", exit{stdout: "hello from a"})

	id := s.launch(t, `
name: wf
jobs:
  - name: main
    mode: sequential
    tasks:
      - {name: a, path: /bin/a, queue: default}
      - {name: b, path: /bin/b, queue: default}
    subjobs:
      - name: post
        tasks:
          - {name: c, path: /bin/c, queue: default}
`)
	snap := s.wait(t, id)

	assert.Equal(t, instance.StatusTerminated, snap.Status)
	assert.Zero(t, snap.ErrorTasks)
	assert.Equal(t, []string{"main/a", "main/b", "main/post/c"}, s.runner.spawnedPaths())

	a := findTask(snap.Jobs, "main/a")
	require.NotNil(t, a)
	require.Len(t, a.Outputs, 1)
	assert.Equal(t, "hello from a", a.Outputs[0].Stdout)

	_, err := os.Stat(process.LogPaths(s.runner.dir, 1).Stdout)
	assert.True(t, os.IsNotExist(err), "capture file is removed once read")

	logs, err := s.store.ListTaskLogs(context.Background(), id)
	require.NoError(t, err)
	require.Len(t, logs, 1)
	assert.Equal(t, "main/a", logs[0].TaskPath)
}

func TestManager_RetryThenSucceed(t *testing.T) {
	s := newSetup(t, defaultQueue, Config{})
	s.runner.script("/bin/flaky", exit{retcode: 1}, exit{retcode: 1}, exit{retcode: 0})

	id := s.launch(t, `
name: wf
jobs:
  - name: main
    tasks:
      - {name: flaky, path: /bin/flaky, queue: default, retry_times: 3, retry_delay: 10ms}
`)
	snap := s.wait(t, id)

	assert.Zero(t, snap.ErrorTasks)
	task := findTask(snap.Jobs, "main/flaky")
	require.NotNil(t, task)
	assert.Equal(t, instance.TaskTerminated, task.Status)
	assert.Equal(t, 3, task.Attempts)
	assert.Len(t, task.Outputs, 3)
}

func TestManager_Cancel(t *testing.T) {
	s := newSetup(t, []queue.Config{{Name: "default", Concurrency: 1}}, Config{})
	s.runner.script("/bin/long", exit{hold: true})

	id := s.launch(t, `
name: wf
jobs:
  - name: main
    tasks:
      - {name: long, path: /bin/long, queue: default, retry_times: 5}
      - {name: later, path: /bin/later, queue: default}
`)
	require.Eventually(t, func() bool { return s.runner.heldCount() == 1 }, 2*time.Second, 5*time.Millisecond)

	require.NoError(t, s.reg.Cancel(context.Background(), id))
	snap := s.wait(t, id)

	assert.Equal(t, instance.StatusTerminated, snap.Status)
	assert.Equal(t, []string{"main/long"}, s.runner.spawnedPaths())
	assert.Equal(t, 2, snap.ErrorTasks)

	long := findTask(snap.Jobs, "main/long")
	assert.Equal(t, instance.TaskAborted, long.Status)
	later := findTask(snap.Jobs, "main/later")
	assert.Equal(t, instance.TaskAborted, later.Status)
	assert.Zero(t, s.pool.Running())
}

func TestManager_SpawnFailure(t *testing.T) {
	s := newSetup(t, defaultQueue, Config{})
	s.runner.failures["/bin/missing"] = errors.New("no such file or directory")

	id := s.launch(t, `
name: wf
jobs:
  - name: main
    tasks:
      - {name: missing, path: /bin/missing, queue: default}
`)
	snap := s.wait(t, id)

	task := findTask(snap.Jobs, "main/missing")
	require.NotNil(t, task)
	assert.Equal(t, instance.TaskAborted, task.Status)
	require.NotNil(t, task.Retval)
	assert.Equal(t, -1, *task.Retval)
	assert.Zero(t, s.pool.Running())
}

func TestManager_ConcurrencyCeiling(t *testing.T) {
	s := newSetup(t, defaultQueue, Config{})
	for i := 0; i < 5; i++ {
		s.runner.script("/bin/slow", exit{hold: true})
	}

	id := s.launch(t, `
name: wf
jobs:
  - name: main
    tasks:
      - {name: s, path: /bin/slow, queue: default, loop: '[1, 2, 3, 4, 5]'}
`)
	require.Eventually(t, func() bool { return s.runner.heldCount() == 2 }, 2*time.Second, 5*time.Millisecond)
	assert.Never(t, func() bool { return len(s.runner.spawnedPaths()) > 2 }, 50*time.Millisecond, 5*time.Millisecond)

	require.Eventually(t, func() bool {
		s.runner.release()
		_, live := s.reg.Get(id)
		return !live
	}, 5*time.Second, 5*time.Millisecond)

	snap := s.wait(t, id)
	assert.Zero(t, snap.ErrorTasks)
	assert.Len(t, s.runner.spawnedPaths(), 5)
}
