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

// Package memory provides an in-memory backend implementation.
package memory

import (
	"context"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/tombee/dispatch/internal/daemon/backend"
	dispatcherrors "github.com/tombee/dispatch/pkg/errors"
)

// Compile-time interface assertions.
var (
	_ backend.WorkflowStore = (*Backend)(nil)
	_ backend.InstanceStore = (*Backend)(nil)
	_ backend.TaskLogStore  = (*Backend)(nil)
	_ backend.QueueStore    = (*Backend)(nil)
	_ backend.ScheduleStore = (*Backend)(nil)
	_ backend.Purger        = (*Backend)(nil)
	_ backend.Backend       = (*Backend)(nil)
)

// Backend is an in-memory storage backend. Records are copied on the way in
// and out so callers never share memory with the store.
type Backend struct {
	mu             sync.RWMutex
	workflows      map[string]*backend.Workflow
	instances      map[uint64]*backend.Instance
	logs           map[uint64][]*backend.TaskLog
	queues         map[string]*backend.Queue
	schedules      map[string]*backend.Schedule
	nextScheduleID int64
}

// New creates a new in-memory backend.
func New() *Backend {
	return &Backend{
		workflows: make(map[string]*backend.Workflow),
		instances: make(map[uint64]*backend.Instance),
		logs:      make(map[uint64][]*backend.TaskLog),
		queues:    make(map[string]*backend.Queue),
		schedules: make(map[string]*backend.Schedule),
	}
}

// GetWorkflow retrieves a workflow definition by name.
func (b *Backend) GetWorkflow(ctx context.Context, name string) (*backend.Workflow, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	wf, ok := b.workflows[name]
	if !ok {
		return nil, &dispatcherrors.NotFoundError{Resource: "workflow", ID: name}
	}
	cp := *wf
	return &cp, nil
}

// PutWorkflow creates or replaces a workflow definition.
func (b *Backend) PutWorkflow(ctx context.Context, wf *backend.Workflow) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := time.Now()
	cp := *wf
	cp.UpdatedAt = now
	if existing, ok := b.workflows[wf.Name]; ok {
		cp.CreatedAt = existing.CreatedAt
	} else {
		cp.CreatedAt = now
	}
	b.workflows[wf.Name] = &cp
	return nil
}

// ListWorkflows returns all definitions sorted by name.
func (b *Backend) ListWorkflows(ctx context.Context) ([]*backend.Workflow, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	result := make([]*backend.Workflow, 0, len(b.workflows))
	for _, wf := range b.workflows {
		cp := *wf
		result = append(result, &cp)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].Name < result[j].Name })
	return result, nil
}

// DeleteWorkflow removes a definition.
func (b *Backend) DeleteWorkflow(ctx context.Context, name string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, ok := b.workflows[name]; !ok {
		return &dispatcherrors.NotFoundError{Resource: "workflow", ID: name}
	}
	delete(b.workflows, name)
	return nil
}

// MaxInstanceID returns the highest stored instance id.
func (b *Backend) MaxInstanceID(ctx context.Context) (uint64, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	var max uint64
	for id := range b.instances {
		if id > max {
			max = id
		}
	}
	return max, nil
}

// SaveInstance inserts or replaces an instance record.
func (b *Backend) SaveInstance(ctx context.Context, inst *backend.Instance) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.instances[inst.ID] = copyInstance(inst)
	b.instances[inst.ID].UpdatedAt = time.Now()
	return nil
}

// GetInstance retrieves an instance record.
func (b *Backend) GetInstance(ctx context.Context, id uint64) (*backend.Instance, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	inst, ok := b.instances[id]
	if !ok {
		return nil, &dispatcherrors.NotFoundError{Resource: "instance", ID: strconv.FormatUint(id, 10)}
	}
	return copyInstance(inst), nil
}

// ListInstances lists instance records, newest first.
func (b *Backend) ListInstances(ctx context.Context, filter backend.InstanceFilter) ([]*backend.Instance, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	var result []*backend.Instance
	for _, inst := range b.instances {
		if filter.Status != "" && inst.Status != filter.Status {
			continue
		}
		if filter.Workflow != "" && inst.Workflow != filter.Workflow {
			continue
		}
		result = append(result, copyInstance(inst))
	}
	sort.Slice(result, func(i, j int) bool { return result[i].ID > result[j].ID })

	if filter.Limit > 0 && len(result) > filter.Limit {
		result = result[:filter.Limit]
	}
	return result, nil
}

// RecordTaskLog appends a captured log stream.
func (b *Backend) RecordTaskLog(ctx context.Context, entry *backend.TaskLog) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	cp := *entry
	cp.Data = append([]byte(nil), entry.Data...)
	cp.CreatedAt = time.Now()
	b.logs[entry.InstanceID] = append(b.logs[entry.InstanceID], &cp)
	return nil
}

// ListTaskLogs returns the logs of an instance in recording order.
func (b *Backend) ListTaskLogs(ctx context.Context, instanceID uint64) ([]*backend.TaskLog, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	logs := b.logs[instanceID]
	result := make([]*backend.TaskLog, 0, len(logs))
	for _, l := range logs {
		cp := *l
		result = append(result, &cp)
	}
	return result, nil
}

// PurgeInstances deletes up to limit ended instances, oldest id first.
func (b *Backend) PurgeInstances(ctx context.Context, before time.Time, limit int) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	var ids []uint64
	for id, inst := range b.instances {
		if inst.EndedAt != nil && !inst.EndedAt.After(before) {
			ids = append(ids, id)
		}
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	if limit > 0 && len(ids) > limit {
		ids = ids[:limit]
	}
	for _, id := range ids {
		delete(b.instances, id)
		delete(b.logs, id)
	}
	return len(ids), nil
}

// PurgeTaskLogs deletes up to limit task logs recorded at or before before.
func (b *Backend) PurgeTaskLogs(ctx context.Context, before time.Time, limit int) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	ids := make([]uint64, 0, len(b.logs))
	for id := range b.logs {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	purged := 0
	for _, id := range ids {
		kept := b.logs[id][:0]
		for _, l := range b.logs[id] {
			if (limit <= 0 || purged < limit) && !l.CreatedAt.After(before) {
				purged++
				continue
			}
			kept = append(kept, l)
		}
		if len(kept) == 0 {
			delete(b.logs, id)
		} else {
			b.logs[id] = kept
		}
	}
	return purged, nil
}

// ListQueues returns queue declarations sorted by name.
func (b *Backend) ListQueues(ctx context.Context) ([]*backend.Queue, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	result := make([]*backend.Queue, 0, len(b.queues))
	for _, q := range b.queues {
		cp := *q
		result = append(result, &cp)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].Name < result[j].Name })
	return result, nil
}

// PutQueue creates or replaces a queue declaration.
func (b *Backend) PutQueue(ctx context.Context, q *backend.Queue) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	cp := *q
	b.queues[q.Name] = &cp
	return nil
}

// DeleteQueue removes a queue declaration.
func (b *Backend) DeleteQueue(ctx context.Context, name string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, ok := b.queues[name]; !ok {
		return &dispatcherrors.NotFoundError{Resource: "queue", ID: name}
	}
	delete(b.queues, name)
	return nil
}

// ListSchedules returns schedules ordered by ID.
func (b *Backend) ListSchedules(ctx context.Context) ([]*backend.Schedule, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	result := make([]*backend.Schedule, 0, len(b.schedules))
	for _, s := range b.schedules {
		result = append(result, copySchedule(s))
	}
	sort.Slice(result, func(i, j int) bool { return result[i].ID < result[j].ID })
	return result, nil
}

// PutSchedule upserts a schedule by name.
func (b *Backend) PutSchedule(ctx context.Context, s *backend.Schedule) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if existing, ok := b.schedules[s.Name]; ok {
		s.ID = existing.ID
	} else {
		b.nextScheduleID++
		s.ID = b.nextScheduleID
	}
	s.UpdatedAt = time.Now()
	b.schedules[s.Name] = copySchedule(s)
	return nil
}

// SetScheduleActive flips the active flag of a schedule.
func (b *Backend) SetScheduleActive(ctx context.Context, id int64, active bool) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	for _, s := range b.schedules {
		if s.ID == id {
			s.Active = active
			s.UpdatedAt = time.Now()
			return nil
		}
	}
	return &dispatcherrors.NotFoundError{Resource: "schedule", ID: strconv.FormatInt(id, 10)}
}

// Close is a no-op for the memory backend.
func (b *Backend) Close() error {
	return nil
}

func copyInstance(inst *backend.Instance) *backend.Instance {
	cp := *inst
	cp.Snapshot = append([]byte(nil), inst.Snapshot...)
	if inst.Parameters != nil {
		cp.Parameters = make(map[string]string, len(inst.Parameters))
		for k, v := range inst.Parameters {
			cp.Parameters[k] = v
		}
	}
	if inst.EndedAt != nil {
		t := *inst.EndedAt
		cp.EndedAt = &t
	}
	return &cp
}

func copySchedule(s *backend.Schedule) *backend.Schedule {
	cp := *s
	if s.Parameters != nil {
		cp.Parameters = make(map[string]string, len(s.Parameters))
		for k, v := range s.Parameters {
			cp.Parameters[k] = v
		}
	}
	return &cp
}
