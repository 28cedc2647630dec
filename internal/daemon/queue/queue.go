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

// Package queue provides admission control for task execution: named
// dispatch queues with a concurrency ceiling and a pool that serializes every
// spawn decision across them.
package queue

import (
	"fmt"
	"regexp"
)

// Scheduler policy names.
const (
	SchedulerFIFO = "fifo"
	SchedulerPrio = "prio"
)

var nameRe = regexp.MustCompile(`^[A-Za-z0-9_\-@.]{1,64}$`)

// ValidateName checks a queue name against the allowed alphabet and length.
func ValidateName(name string) error {
	if !nameRe.MatchString(name) {
		return fmt.Errorf("invalid queue name %q: must be 1-64 characters of [A-Za-z0-9_-@.]", name)
	}
	return nil
}

// Task is a unit of work admitted into a queue. Implementations belong to the
// workflow instance that owns them.
type Task interface {
	// InstanceID identifies the owning workflow instance.
	InstanceID() uint64

	// Priority orders tasks in prio queues. Lower values run first.
	Priority() int
}

// policy orders the pending entries of one queue.
type policy interface {
	push(t Task)
	pop() Task
	len() int
	removeInstance(instanceID uint64) []Task
}

// fifoPolicy dispatches in arrival order.
type fifoPolicy struct {
	items []Task
}

func (p *fifoPolicy) push(t Task) { p.items = append(p.items, t) }

func (p *fifoPolicy) pop() Task {
	if len(p.items) == 0 {
		return nil
	}
	t := p.items[0]
	p.items[0] = nil
	p.items = p.items[1:]
	return t
}

func (p *fifoPolicy) len() int { return len(p.items) }

func (p *fifoPolicy) removeInstance(instanceID uint64) []Task {
	return removeMatching(&p.items, instanceID)
}

// prioPolicy dispatches the lowest priority value first. Equal priorities
// keep arrival order.
type prioPolicy struct {
	items []Task
}

func (p *prioPolicy) push(t Task) {
	// Insert after the last entry with priority <= t's.
	i := len(p.items)
	for i > 0 && p.items[i-1].Priority() > t.Priority() {
		i--
	}
	p.items = append(p.items, nil)
	copy(p.items[i+1:], p.items[i:])
	p.items[i] = t
}

func (p *prioPolicy) pop() Task {
	if len(p.items) == 0 {
		return nil
	}
	t := p.items[0]
	p.items[0] = nil
	p.items = p.items[1:]
	return t
}

func (p *prioPolicy) len() int { return len(p.items) }

func (p *prioPolicy) removeInstance(instanceID uint64) []Task {
	return removeMatching(&p.items, instanceID)
}

func removeMatching(items *[]Task, instanceID uint64) []Task {
	var removed []Task
	kept := (*items)[:0]
	for _, t := range *items {
		if t.InstanceID() == instanceID {
			removed = append(removed, t)
			continue
		}
		kept = append(kept, t)
	}
	for i := len(kept); i < len(*items); i++ {
		(*items)[i] = nil
	}
	*items = kept
	return removed
}

func newPolicy(scheduler string) policy {
	if scheduler == SchedulerPrio {
		return &prioPolicy{}
	}
	return &fifoPolicy{}
}

// Stats is a point-in-time view of one queue. OverCeiling is non-zero only
// after the concurrency was lowered below the running count; it drops back
// to zero as those tasks end, since nothing is admitted meanwhile.
type Stats struct {
	Name        string `json:"name"`
	Concurrency int    `json:"concurrency"`
	Scheduler   string `json:"scheduler"`
	Dynamic     bool   `json:"dynamic"`
	Running     int    `json:"running"`
	Pending     int    `json:"pending"`
	OverCeiling int    `json:"over_ceiling,omitempty"`
	Quarantined bool   `json:"quarantined,omitempty"`
}

// DispatchQueue is a single named queue. It is not safe for concurrent use;
// the Pool guards every queue with its own lock.
type DispatchQueue struct {
	name        string
	concurrency int
	scheduler   string
	dynamic     bool

	running     int
	pending     policy
	cancelled   []Task
	quarantined bool
}

// NewDispatchQueue creates a queue. A concurrency of 0 means unbounded.
func NewDispatchQueue(name string, concurrency int, scheduler string, dynamic bool) *DispatchQueue {
	if scheduler != SchedulerPrio {
		scheduler = SchedulerFIFO
	}
	return &DispatchQueue{
		name:        name,
		concurrency: concurrency,
		scheduler:   scheduler,
		dynamic:     dynamic,
		pending:     newPolicy(scheduler),
	}
}

// Name returns the queue name.
func (q *DispatchQueue) Name() string { return q.name }

// Enqueue appends a task to the pending collection.
func (q *DispatchQueue) Enqueue(t Task) {
	q.pending.push(t)
}

// IsLocked reports whether Dequeue has nothing to hand out. A queue is
// unlocked when cancelled entries are waiting, or when pending work exists
// and a slot is free.
func (q *DispatchQueue) IsLocked() bool {
	if len(q.cancelled) > 0 {
		return false
	}
	if q.pending.len() == 0 {
		return true
	}
	return !q.hasCapacity()
}

func (q *DispatchQueue) hasCapacity() bool {
	return q.concurrency == 0 || q.running < q.concurrency
}

// Dequeue returns the next entry. Cancelled entries come first and do not
// take a slot; otherwise the next pending task is returned and running is
// incremented. ok is false when the queue is locked.
func (q *DispatchQueue) Dequeue() (t Task, cancelled bool, ok bool) {
	if len(q.cancelled) > 0 {
		t = q.cancelled[0]
		q.cancelled[0] = nil
		q.cancelled = q.cancelled[1:]
		return t, true, true
	}
	if q.pending.len() == 0 || !q.hasCapacity() {
		return nil, false, false
	}
	q.running++
	return q.pending.pop(), false, true
}

// release gives back a running slot. It reports false if running would go
// negative.
func (q *DispatchQueue) release() bool {
	if q.running == 0 {
		return false
	}
	q.running--
	return true
}

// CancelInstance moves the pending entries of an instance to the cancelled
// side-list and returns how many were moved.
func (q *DispatchQueue) CancelInstance(instanceID uint64) int {
	removed := q.pending.removeInstance(instanceID)
	q.cancelled = append(q.cancelled, removed...)
	return len(removed)
}

// SetConcurrency changes the ceiling in place. Running tasks above a lowered
// ceiling are left to finish and no task is admitted until running is back
// under it.
func (q *DispatchQueue) SetConcurrency(n int) {
	q.concurrency = n
}

// Running returns the number of tasks holding a slot.
func (q *DispatchQueue) Running() int { return q.running }

// Pending returns the number of tasks waiting for a slot, cancelled entries
// included.
func (q *DispatchQueue) Pending() int { return q.pending.len() + len(q.cancelled) }

// Stats returns a snapshot of the queue counters.
func (q *DispatchQueue) Stats() Stats {
	return Stats{
		Name:        q.name,
		Concurrency: q.concurrency,
		Scheduler:   q.scheduler,
		Dynamic:     q.dynamic,
		Running:     q.running,
		Pending:     q.Pending(),
		OverCeiling: q.overCeiling(),
		Quarantined: q.quarantined,
	}
}

func (q *DispatchQueue) overCeiling() int {
	if q.concurrency == 0 || q.running <= q.concurrency {
		return 0
	}
	return q.running - q.concurrency
}

// QueueError represents a queue-related error.
type QueueError struct {
	message string
}

func (e *QueueError) Error() string {
	return e.message
}

var (
	// ErrUnknownQueue is returned when a task names a queue the pool does not know.
	ErrUnknownQueue = &QueueError{message: "unknown queue"}

	// ErrUnknownTID is returned for a tid with no live mapping.
	ErrUnknownTID = &QueueError{message: "unknown tid"}

	// ErrDraining is returned when admissions are refused during shutdown.
	ErrDraining = &QueueError{message: "queue pool is draining"}

	// ErrQuarantined is returned when a queue was quarantined after an
	// internal bookkeeping violation.
	ErrQuarantined = &QueueError{message: "queue is quarantined"}

	// ErrPoolClosed is returned by DequeueTask once the pool is closed.
	ErrPoolClosed = &QueueError{message: "queue pool is closed"}
)
