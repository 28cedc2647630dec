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

// Package backend defines the persistence collaborator of the daemon: workflow
// definitions, instance snapshots, task logs, queues and schedules.
package backend

import (
	"context"
	"io"
	"time"
)

// Workflow is a stored workflow definition. Content is the raw YAML document;
// parsing belongs to the instance engine.
type Workflow struct {
	Name      string    `json:"name"`
	Content   []byte    `json:"content"`
	Source    string    `json:"source,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Instance is the persisted form of a workflow instance.
type Instance struct {
	ID         uint64            `json:"id"`
	Workflow   string            `json:"workflow"`
	Status     string            `json:"status"`
	NodeName   string            `json:"node_name,omitempty"`
	ScheduleID int64             `json:"schedule_id,omitempty"`
	Parameters map[string]string `json:"parameters,omitempty"`
	Errors     int               `json:"errors"`

	// Snapshot is the serialized instance tree (the savepoint).
	Snapshot []byte `json:"snapshot,omitempty"`

	StartedAt time.Time  `json:"started_at"`
	EndedAt   *time.Time `json:"ended_at,omitempty"`
	UpdatedAt time.Time  `json:"updated_at"`
}

// InstanceFilter narrows ListInstances. Zero values match everything.
type InstanceFilter struct {
	Status   string
	Workflow string
	Limit    int
}

// TaskLog is one captured stream of one task attempt.
type TaskLog struct {
	InstanceID uint64    `json:"instance_id"`
	TaskPath   string    `json:"task"`
	Attempt    int       `json:"attempt"`
	Stream     string    `json:"stream"`
	Data       []byte    `json:"data"`
	CreatedAt  time.Time `json:"created_at"`
}

// Queue is a persisted queue declaration.
type Queue struct {
	Name        string `json:"name"`
	Concurrency int    `json:"concurrency"`
	Scheduler   string `json:"scheduler"`
	Dynamic     bool   `json:"dynamic"`
}

// Schedule is a periodic workflow launch.
type Schedule struct {
	ID         int64             `json:"id"`
	Name       string            `json:"name"`
	Workflow   string            `json:"workflow"`
	Cron       string            `json:"cron"`
	Parameters map[string]string `json:"parameters,omitempty"`
	OnFailure  string            `json:"on_failure"`
	Active     bool              `json:"active"`
	UpdatedAt  time.Time         `json:"updated_at"`
}

// WorkflowStore stores workflow definitions by name.
type WorkflowStore interface {
	GetWorkflow(ctx context.Context, name string) (*Workflow, error)
	PutWorkflow(ctx context.Context, wf *Workflow) error
	ListWorkflows(ctx context.Context) ([]*Workflow, error)
	DeleteWorkflow(ctx context.Context, name string) error
}

// InstanceStore stores instance records and their savepoints.
type InstanceStore interface {
	// MaxInstanceID returns the highest persisted instance id, or 0.
	MaxInstanceID(ctx context.Context) (uint64, error)

	// SaveInstance inserts or replaces the record with the same ID.
	SaveInstance(ctx context.Context, inst *Instance) error

	GetInstance(ctx context.Context, id uint64) (*Instance, error)

	// ListInstances returns matching records, newest first.
	ListInstances(ctx context.Context, filter InstanceFilter) ([]*Instance, error)
}

// TaskLogStore stores captured task output.
type TaskLogStore interface {
	RecordTaskLog(ctx context.Context, entry *TaskLog) error
	ListTaskLogs(ctx context.Context, instanceID uint64) ([]*TaskLog, error)
}

// QueueStore stores queue declarations.
type QueueStore interface {
	ListQueues(ctx context.Context) ([]*Queue, error)
	PutQueue(ctx context.Context, q *Queue) error
	DeleteQueue(ctx context.Context, name string) error
}

// ScheduleStore stores periodic schedules.
type ScheduleStore interface {
	ListSchedules(ctx context.Context) ([]*Schedule, error)

	// PutSchedule upserts by name and sets ID on the argument.
	PutSchedule(ctx context.Context, s *Schedule) error

	SetScheduleActive(ctx context.Context, id int64, active bool) error
}

// Purger deletes expired history. Each call removes at most limit records
// and reports how many it removed, so callers can batch until it returns 0.
type Purger interface {
	// PurgeInstances deletes ended instances whose end time is not after
	// before, along with their task logs.
	PurgeInstances(ctx context.Context, before time.Time, limit int) (int, error)

	// PurgeTaskLogs deletes task logs recorded at or before before.
	PurgeTaskLogs(ctx context.Context, before time.Time, limit int) (int, error)
}

// Backend combines every store.
type Backend interface {
	WorkflowStore
	InstanceStore
	TaskLogStore
	QueueStore
	ScheduleStore
	Purger
	io.Closer
}
