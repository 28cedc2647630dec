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

package queue

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"

	"github.com/tombee/dispatch/internal/log"
)

// Config declares one queue of the pool.
type Config struct {
	Name        string
	Concurrency int
	Scheduler   string
	Dynamic     bool
}

// Entry is a task handed out by DequeueTask.
type Entry struct {
	// TID is the pool-assigned task id. Zero for cancelled entries.
	TID   uint64
	Queue string
	Task  Task

	// Cancelled marks an entry removed by CancelTasks. It holds no slot and
	// must not be spawned.
	Cancelled bool
}

// slot is a live tid mapping.
type slot struct {
	task          Task
	queue         string
	pid           int
	killRequested bool
}

// Pool owns every DispatchQueue and the tid map of in-flight tasks. All
// queue state is mutated under a single pool lock, so spawn decisions are
// serialized across queues.
type Pool struct {
	mu      sync.Mutex
	queues  map[string]*DispatchQueue
	order   []string
	next    int
	live    map[uint64]*slot
	busy    map[Task]uint64
	nextTID uint64

	// changed is closed and replaced whenever pool state changes.
	changed chan struct{}

	draining bool
	closed   bool
	logger   *slog.Logger
}

// NewPool creates a pool with the given queues.
func NewPool(configs []Config, logger *slog.Logger) *Pool {
	if logger == nil {
		logger = slog.Default()
	}
	p := &Pool{
		queues:  make(map[string]*DispatchQueue),
		live:    make(map[uint64]*slot),
		busy:    make(map[Task]uint64),
		changed: make(chan struct{}),
		logger:  log.WithComponent(logger, "queuepool"),
	}
	for _, cfg := range configs {
		p.queues[cfg.Name] = NewDispatchQueue(cfg.Name, cfg.Concurrency, cfg.Scheduler, cfg.Dynamic)
	}
	p.rebuildOrderLocked()
	return p
}

func (p *Pool) broadcastLocked() {
	close(p.changed)
	p.changed = make(chan struct{})
}

func (p *Pool) rebuildOrderLocked() {
	p.order = p.order[:0]
	for name := range p.queues {
		p.order = append(p.order, name)
	}
	sort.Strings(p.order)
	p.next = 0
}

// lookupLocked resolves a queue name, creating name@suffix queues on demand
// when the base queue is dynamic.
func (p *Pool) lookupLocked(name string) (*DispatchQueue, error) {
	if q, ok := p.queues[name]; ok {
		return q, nil
	}
	base, _, found := strings.Cut(name, "@")
	if found {
		if bq, ok := p.queues[base]; ok && bq.dynamic && ValidateName(name) == nil {
			q := NewDispatchQueue(name, bq.concurrency, bq.scheduler, false)
			p.queues[name] = q
			p.rebuildOrderLocked()
			p.logger.Debug("dynamic queue created", slog.String(log.QueueKey, name))
			return q, nil
		}
	}
	return nil, fmt.Errorf("%w: %s", ErrUnknownQueue, name)
}

// HasQueue reports whether name resolves to a queue, counting the dynamic
// name@suffix form without creating it.
func (p *Pool) HasQueue(name string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	if _, ok := p.queues[name]; ok {
		return true
	}
	base, _, found := strings.Cut(name, "@")
	if !found {
		return false
	}
	bq, ok := p.queues[base]
	return ok && bq.dynamic && ValidateName(name) == nil
}

// Enqueue admits a task into the named queue and wakes the fork loop.
func (p *Pool) Enqueue(queueName string, t Task) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.draining || p.closed {
		return ErrDraining
	}
	q, err := p.lookupLocked(queueName)
	if err != nil {
		return err
	}
	if q.quarantined {
		return fmt.Errorf("%w: %s", ErrQuarantined, queueName)
	}
	q.Enqueue(t)
	p.broadcastLocked()
	return nil
}

// DequeueTask blocks until some queue can hand out an entry, then returns
// it. Non-cancelled entries take a slot and receive a fresh tid. Queues are
// visited round-robin so a busy queue cannot starve the others.
func (p *Pool) DequeueTask(ctx context.Context) (*Entry, error) {
	for {
		p.mu.Lock()
		if p.closed {
			p.mu.Unlock()
			return nil, ErrPoolClosed
		}
		if e := p.dequeueLocked(); e != nil {
			p.mu.Unlock()
			return e, nil
		}
		ch := p.changed
		p.mu.Unlock()

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ch:
		}
	}
}

func (p *Pool) dequeueLocked() *Entry {
	n := len(p.order)
	for i := 0; i < n; i++ {
		name := p.order[(p.next+i)%n]
		q := p.queues[name]
		// While draining only cancelled entries leave the queue.
		if p.draining && len(q.cancelled) == 0 {
			continue
		}
		if q.IsLocked() {
			continue
		}
		t, cancelled, ok := q.Dequeue()
		if !ok {
			continue
		}
		p.next = (p.next + i + 1) % n
		if cancelled {
			return &Entry{Queue: name, Task: t, Cancelled: true}
		}

		// A task holds at most one tid; a second one would mean a second
		// process for the same task.
		if held, dup := p.busy[t]; dup {
			p.logger.Error("task dequeued while already running, quarantining queue",
				slog.Uint64(log.TIDKey, held), slog.String(log.QueueKey, name))
			q.quarantined = true
			q.release()
			continue
		}

		p.nextTID++
		tid := p.nextTID
		p.live[tid] = &slot{task: t, queue: name}
		p.busy[t] = tid
		return &Entry{TID: tid, Queue: name, Task: t}
	}
	return nil
}

// SeedTID makes every tid handed out from now on greater than floor.
func (p *Pool) SeedTID(floor uint64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if floor > p.nextTID {
		p.nextTID = floor
	}
}

// ExecuteTask records the OS pid of a spawned tid. killRequested is true
// when the owning instance was cancelled while the task was being spawned;
// the caller should terminate the process.
func (p *Pool) ExecuteTask(tid uint64, pid int) (killRequested bool, err error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	s, ok := p.live[tid]
	if !ok {
		return false, fmt.Errorf("%w: %d", ErrUnknownTID, tid)
	}
	s.pid = pid
	return s.killRequested, nil
}

// Lookup returns the task mapped to a live tid.
func (p *Pool) Lookup(tid uint64) (Task, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	s, ok := p.live[tid]
	if !ok {
		return nil, false
	}
	return s.task, true
}

// TerminateTask removes a tid mapping and frees its slot. It succeeds
// exactly once per tid.
func (p *Pool) TerminateTask(tid uint64) (*Entry, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	s, ok := p.live[tid]
	if !ok {
		return nil, fmt.Errorf("%w: %d", ErrUnknownTID, tid)
	}
	delete(p.live, tid)
	delete(p.busy, s.task)

	if q, ok := p.queues[s.queue]; ok {
		if !q.release() {
			p.logger.Error("running count would go negative, quarantining queue",
				slog.String(log.QueueKey, s.queue), slog.Uint64(log.TIDKey, tid))
			q.quarantined = true
		}
	}
	p.broadcastLocked()
	return &Entry{TID: tid, Queue: s.queue, Task: s.task}, nil
}

// CancelTasks moves the pending entries of an instance to the cancelled
// side-lists and returns the number moved together with the pids of its
// running tasks. Tasks still being spawned are flagged so that ExecuteTask
// reports them for termination.
func (p *Pool) CancelTasks(instanceID uint64) (moved int, pids []int) {
	p.mu.Lock()
	defer p.mu.Unlock()

	for _, name := range p.order {
		moved += p.queues[name].CancelInstance(instanceID)
	}
	for _, s := range p.live {
		if s.task.InstanceID() != instanceID {
			continue
		}
		if s.pid > 0 {
			pids = append(pids, s.pid)
		} else {
			s.killRequested = true
		}
	}
	if moved > 0 {
		p.broadcastLocked()
	}
	return moved, pids
}

// Stats returns per-queue counters sorted by name.
func (p *Pool) Stats() []Stats {
	p.mu.Lock()
	defer p.mu.Unlock()

	result := make([]Stats, 0, len(p.order))
	for _, name := range p.order {
		result = append(result, p.queues[name].Stats())
	}
	return result
}

// Running returns the number of live tids across all queues.
func (p *Pool) Running() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.live)
}

// Reload applies a new queue declaration set. Existing queues have their
// concurrency updated in place; a scheduler change only applies to an empty
// queue. A lowered ceiling admits nothing until enough running tasks end,
// and Stats reports the excess meanwhile. Idle queues no longer declared are removed, together with idle
// dynamic children whose base queue went away.
func (p *Pool) Reload(configs []Config) {
	p.mu.Lock()
	defer p.mu.Unlock()

	declared := make(map[string]Config, len(configs))
	for _, cfg := range configs {
		declared[cfg.Name] = cfg
		q, ok := p.queues[cfg.Name]
		if !ok {
			p.queues[cfg.Name] = NewDispatchQueue(cfg.Name, cfg.Concurrency, cfg.Scheduler, cfg.Dynamic)
			p.logger.Info("queue added", slog.String(log.QueueKey, cfg.Name), slog.Int("concurrency", cfg.Concurrency))
			continue
		}
		q.SetConcurrency(cfg.Concurrency)
		q.dynamic = cfg.Dynamic
		scheduler := cfg.Scheduler
		if scheduler != SchedulerPrio {
			scheduler = SchedulerFIFO
		}
		if scheduler != q.scheduler {
			if q.Pending() == 0 && q.running == 0 {
				q.scheduler = scheduler
				q.pending = newPolicy(scheduler)
			} else {
				p.logger.Warn("scheduler change deferred, queue is not empty", slog.String(log.QueueKey, cfg.Name))
			}
		}
	}

	for name, q := range p.queues {
		if _, ok := declared[name]; ok {
			continue
		}
		if base, _, found := strings.Cut(name, "@"); found {
			if cfg, ok := declared[base]; ok && cfg.Dynamic {
				q.SetConcurrency(cfg.Concurrency)
				continue
			}
		}
		if q.running > 0 || q.Pending() > 0 {
			p.logger.Warn("queue removed from configuration but still busy", slog.String(log.QueueKey, name))
			continue
		}
		delete(p.queues, name)
		p.logger.Info("queue removed", slog.String(log.QueueKey, name))
	}

	p.rebuildOrderLocked()
	p.broadcastLocked()
}

// Drain refuses new admissions and waits until no task is running. Pending
// entries stay queued.
func (p *Pool) Drain(ctx context.Context) error {
	p.mu.Lock()
	p.draining = true
	p.broadcastLocked()
	p.mu.Unlock()

	for {
		p.mu.Lock()
		if len(p.live) == 0 {
			p.mu.Unlock()
			return nil
		}
		ch := p.changed
		p.mu.Unlock()

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ch:
		}
	}
}

// Draining reports whether Drain has been called.
func (p *Pool) Draining() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.draining
}

// Close wakes the fork loop, which then returns ErrPoolClosed.
func (p *Pool) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return
	}
	p.closed = true
	p.broadcastLocked()
}
