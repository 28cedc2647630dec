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
	"context"
	"fmt"
	"sync"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/tombee/dispatch/internal/daemon/backend"
	"github.com/tombee/dispatch/internal/daemon/backend/memory"
	"github.com/tombee/dispatch/internal/daemon/queue"
	"github.com/tombee/dispatch/internal/log"
)

type fakePool struct {
	mu        sync.Mutex
	queues    map[string]bool
	queued    []*Task
	pids      []int
	cancelled []uint64
}

func newFakePool(queues ...string) *fakePool {
	p := &fakePool{queues: make(map[string]bool)}
	for _, q := range queues {
		p.queues[q] = true
	}
	return p
}

func (p *fakePool) HasQueue(name string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.queues[name]
}

func (p *fakePool) Enqueue(name string, t queue.Task) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.queues[name] {
		return queue.ErrUnknownQueue
	}
	p.queued = append(p.queued, t.(*Task))
	return nil
}

func (p *fakePool) CancelTasks(instanceID uint64) (int, []int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.cancelled = append(p.cancelled, instanceID)
	n := 0
	for _, t := range p.queued {
		if t.InstanceID() == instanceID {
			n++
		}
	}
	return n, p.pids
}

// take removes and returns everything queued so far.
func (p *fakePool) take() []*Task {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := p.queued
	p.queued = nil
	return out
}

type fakeRetrier struct {
	mu      sync.Mutex
	pending map[uint64]map[string]time.Time
	handler interface {
		RetryFlushed(uint64, string)
	}
}

func newFakeRetrier() *fakeRetrier {
	return &fakeRetrier{pending: make(map[uint64]map[string]time.Time)}
}

func (r *fakeRetrier) Schedule(instanceID uint64, taskPath string, at time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.pending[instanceID] == nil {
		r.pending[instanceID] = make(map[string]time.Time)
	}
	r.pending[instanceID][taskPath] = at
}

func (r *fakeRetrier) FlushInstance(instanceID uint64) int {
	r.mu.Lock()
	paths := make([]string, 0, len(r.pending[instanceID]))
	for p := range r.pending[instanceID] {
		paths = append(paths, p)
	}
	delete(r.pending, instanceID)
	h := r.handler
	r.mu.Unlock()

	for _, p := range paths {
		if h != nil {
			h.RetryFlushed(instanceID, p)
		}
	}
	return len(paths)
}

func (r *fakeRetrier) count(instanceID uint64) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.pending[instanceID])
}

// fire delivers a pending retry as if its delay had elapsed.
func (r *fakeRetrier) fire(reg *Registry, instanceID uint64, taskPath string) {
	r.mu.Lock()
	delete(r.pending[instanceID], taskPath)
	r.mu.Unlock()
	reg.TaskRestart(instanceID, taskPath)
}

type fakeSignaler struct {
	mu      sync.Mutex
	signals map[int]syscall.Signal
	reaped  []int
	onReap  func(pid int)
}

func (s *fakeSignaler) Signal(pid int, sig syscall.Signal) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.signals == nil {
		s.signals = make(map[int]syscall.Signal)
	}
	s.signals[pid] = sig
	return nil
}

func (s *fakeSignaler) Reap(pid int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reaped = append(s.reaped, pid)
	if s.onReap != nil {
		s.onReap(pid)
	}
	return nil
}

func (s *fakeSignaler) reapedPIDs() []int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]int(nil), s.reaped...)
}

func (s *fakeSignaler) got(pid int) (syscall.Signal, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sig, ok := s.signals[pid]
	return sig, ok
}

type fakeTracker struct {
	mu      sync.Mutex
	ended   map[uint64]bool
	adopted map[uint64]int64
}

func (f *fakeTracker) ScheduledInstanceEnded(scheduleID int64, instanceID uint64, failed bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.ended == nil {
		f.ended = make(map[uint64]bool)
	}
	f.ended[instanceID] = failed
}

func (f *fakeTracker) AdoptInstance(scheduleID int64, instanceID uint64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.adopted == nil {
		f.adopted = make(map[uint64]int64)
	}
	f.adopted[instanceID] = scheduleID
}

type fakeTracer struct {
	mu     sync.Mutex
	events []string
}

func (f *fakeTracer) record(format string, args ...any) {
	f.mu.Lock()
	f.events = append(f.events, fmt.Sprintf(format, args...))
	f.mu.Unlock()
}

func (f *fakeTracer) InstanceStarted(id uint64, workflow string, scheduleID int64) {
	f.record("start %d %s", id, workflow)
}

func (f *fakeTracer) InstanceEnded(s Summary) {
	f.record("end %d errors=%d", s.ID, s.Errors)
}

func (f *fakeTracer) TaskStarted(instanceID uint64, path string, attempt int, tid uint64, pid int) {
	f.record("task %s attempt=%d tid=%d", path, attempt, tid)
}

func (f *fakeTracer) TaskEnded(instanceID uint64, tid uint64, retval int, status, details string) {
	f.record("stop tid=%d retval=%d %s", tid, retval, status)
}

func (f *fakeTracer) list() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.events...)
}

type harness struct {
	t        *testing.T
	store    *memory.Backend
	pool     *fakePool
	retrier  *fakeRetrier
	signaler *fakeSignaler
	tracer   *fakeTracer
	reg      *Registry
	nextTID  uint64
}

func newHarness(t *testing.T, level int) *harness {
	t.Helper()
	return newHarnessWithStore(t, memory.New(), level)
}

func newHarnessWithStore(t *testing.T, store *memory.Backend, level int) *harness {
	t.Helper()
	h := &harness{
		t:        t,
		store:    store,
		pool:     newFakePool("default", "batch"),
		retrier:  newFakeRetrier(),
		signaler: &fakeSignaler{},
		tracer:   &fakeTracer{},
	}
	h.reg = NewRegistry(Options{
		NodeName:       "test-node",
		SaveParameters: true,
		Savepoint:      SavepointOptions{Level: level},
		OutputMaxSize:  1024,
	}, Deps{
		Workflows: store,
		Store:     store,
		Pool:      h.pool,
		Retrier:   h.retrier,
		Signaler:  h.signaler,
		Tracer:    h.tracer,
		Logger:    log.Discard(),
	})
	h.retrier.handler = h.reg
	return h
}

func (h *harness) define(name, content string) {
	h.t.Helper()
	err := h.store.PutWorkflow(context.Background(), &backend.Workflow{Name: name, Content: []byte(content)})
	require.NoError(h.t, err)
}

func (h *harness) submit(name string, params map[string]string) *Instance {
	h.t.Helper()
	id, err := h.reg.Submit(context.Background(), name, params, 0)
	require.NoError(h.t, err)
	inst, ok := h.reg.Get(id)
	if !ok {
		// Ended during Start.
		inst = h.reg.recent[id]
	}
	require.NotNil(h.t, inst)
	return inst
}

// exec spawns a queued task as the fork loop would and returns its tid.
func (h *harness) exec(inst *Instance, task *Task, pid int) uint64 {
	h.t.Helper()
	h.nextTID++
	tid := h.nextTID
	_, err := inst.Prepare(task, tid)
	require.NoError(h.t, err)
	inst.TaskExecute(task, tid, pid)
	return tid
}

// run spawns a task and stops it with the given exit code.
func (h *harness) run(inst *Instance, task *Task, retcode int, stdout string) {
	h.t.Helper()
	tid := h.exec(inst, task, 1000+int(h.nextTID))
	inst.TaskStop(task, Result{TID: tid, Retcode: retcode, Stdout: stdout, ExitTime: time.Now()})
}

// next takes exactly one queued task.
func (h *harness) next() *Task {
	h.t.Helper()
	tasks := h.pool.take()
	require.Len(h.t, tasks, 1, "expected exactly one queued task")
	return tasks[0]
}

func (h *harness) snapshot(id uint64) *Snapshot {
	h.t.Helper()
	s, err := h.reg.Status(context.Background(), id)
	require.NoError(h.t, err)
	return s
}

func findSnapshotTask(s *Snapshot, path string) *Task {
	return findTask(s.Jobs, path)
}

func taskPaths(tasks []*Task) []string {
	out := make([]string, len(tasks))
	for i, t := range tasks {
		out[i] = t.Path
	}
	return out
}

func ended(inst *Instance) bool {
	select {
	case <-inst.Done():
		return true
	default:
		return false
	}
}

func params(kv ...string) map[string]string {
	if len(kv)%2 != 0 {
		panic(fmt.Sprintf("odd params: %v", kv))
	}
	m := make(map[string]string)
	for i := 0; i < len(kv); i += 2 {
		m[kv[i]] = kv[i+1]
	}
	return m
}
