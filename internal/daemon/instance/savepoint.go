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
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/tombee/dispatch/internal/daemon/backend"
	"github.com/tombee/dispatch/internal/log"
)

// Snapshot is the serialized state of an instance. It is the savepoint
// format and the status document returned by the API.
type Snapshot struct {
	ID         uint64            `json:"id"`
	Workflow   string            `json:"workflow"`
	Status     string            `json:"status"`
	NodeName   string            `json:"node_name,omitempty"`
	ScheduleID int64             `json:"schedule_id,omitempty"`
	OnError    string            `json:"on_error"`
	Parameters map[string]string `json:"parameters,omitempty"`

	RunningTasks  int `json:"running_tasks"`
	QueuedTasks   int `json:"queued_tasks"`
	RetryingTasks int `json:"retrying_tasks"`
	ErrorTasks    int `json:"error_tasks"`

	StartTime time.Time  `json:"start_time"`
	EndTime   *time.Time `json:"end_time,omitempty"`

	Jobs []*Job `json:"jobs"`
}

// Summary is the short form of an instance used in listings and
// notifications.
type Summary struct {
	ID         uint64     `json:"id"`
	Workflow   string     `json:"workflow"`
	Status     string     `json:"status"`
	ScheduleID int64      `json:"schedule_id,omitempty"`
	NodeName   string     `json:"node_name,omitempty"`
	Errors     int        `json:"errors"`
	Running    int        `json:"running_tasks"`
	Retrying   int        `json:"retrying_tasks"`
	StartedAt  time.Time  `json:"started_at"`
	EndedAt    *time.Time `json:"ended_at,omitempty"`
}

func (i *Instance) statusLocked() string {
	switch {
	case i.ended:
		return StatusTerminated
	case i.cancelling:
		return StatusCancelling
	default:
		return StatusExecuting
	}
}

func (i *Instance) snapshotLocked() *Snapshot {
	return &Snapshot{
		ID:            i.id,
		Workflow:      i.workflow,
		Status:        i.statusLocked(),
		NodeName:      i.nodeName,
		ScheduleID:    i.scheduleID,
		OnError:       i.onError,
		Parameters:    i.params,
		RunningTasks:  i.running,
		QueuedTasks:   i.queued,
		RetryingTasks: i.retrying,
		ErrorTasks:    i.errors,
		StartTime:     i.startTime,
		EndTime:       i.endTime,
		Jobs:          i.jobs,
	}
}

// Snapshot returns a deep copy of the instance state.
func (i *Instance) Snapshot() (*Snapshot, error) {
	i.mu.Lock()
	data, err := json.Marshal(i.snapshotLocked())
	i.mu.Unlock()
	if err != nil {
		return nil, fmt.Errorf("failed to serialize instance %d: %w", i.id, err)
	}

	var s Snapshot
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("failed to copy instance %d: %w", i.id, err)
	}
	return &s, nil
}

// Summary returns the short form of the instance.
func (i *Instance) Summary() Summary {
	i.mu.Lock()
	defer i.mu.Unlock()

	return Summary{
		ID:         i.id,
		Workflow:   i.workflow,
		Status:     i.statusLocked(),
		ScheduleID: i.scheduleID,
		NodeName:   i.nodeName,
		Errors:     i.errors,
		Running:    i.running,
		Retrying:   i.retrying,
		StartedAt:  i.startTime,
		EndedAt:    i.endTime,
	}
}

// SummaryFromRecord builds a summary from a persisted record.
func SummaryFromRecord(rec *backend.Instance) Summary {
	return Summary{
		ID:         rec.ID,
		Workflow:   rec.Workflow,
		Status:     rec.Status,
		ScheduleID: rec.ScheduleID,
		NodeName:   rec.NodeName,
		Errors:     rec.Errors,
		StartedAt:  rec.StartedAt,
		EndedAt:    rec.EndedAt,
	}
}

// recordLocked builds the persisted record of the current state. A
// serialization failure is logged and yields a record without snapshot.
func (i *Instance) recordLocked() *backend.Instance {
	rec := &backend.Instance{
		ID:         i.id,
		Workflow:   i.workflow,
		Status:     i.statusLocked(),
		NodeName:   i.nodeName,
		ScheduleID: i.scheduleID,
		Errors:     i.errors,
		StartedAt:  i.startTime,
		EndedAt:    i.endTime,
		UpdatedAt:  time.Now(),
	}
	if i.opts.SaveParameters {
		rec.Parameters = i.params
	}

	data, err := json.Marshal(i.snapshotLocked())
	if err != nil {
		i.logger.Error("failed to serialize savepoint", log.Error(err))
		return rec
	}
	rec.Snapshot = data
	return rec
}

// persist writes a savepoint, retrying per configuration. Older versions
// than the last one written are dropped. Memory stays authoritative when
// every attempt fails.
func (i *Instance) persist(rec *backend.Instance, version uint64) {
	i.saveMu.Lock()
	defer i.saveMu.Unlock()

	if version <= i.savedVersion {
		return
	}

	sp := i.opts.Savepoint
	attempts := 1
	if sp.Retry {
		attempts += sp.RetryTimes
	}

	var err error
	for n := 1; n <= attempts; n++ {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		err = i.deps.store.SaveInstance(ctx, rec)
		cancel()
		if err == nil {
			i.savedVersion = version
			return
		}
		if n < attempts {
			i.logger.Warn("savepoint failed, retrying",
				slog.Int("attempt", n), slog.Duration("wait", sp.RetryWait), log.Error(err))
			time.Sleep(sp.RetryWait)
		}
	}

	i.logger.Error("savepoint failed, continuing from memory", log.Error(err))
	if i.deps.hooks.savepointFailed != nil {
		i.deps.hooks.savepointFailed(i, err)
	}
}

// Checkpoint writes the current state when the savepoint level allows
// resuming from it. It is used on daemon shutdown.
func (i *Instance) Checkpoint() {
	i.mu.Lock()
	if i.ended {
		i.mu.Unlock()
		return
	}
	var fx effects
	i.finishLocked(&fx, saveForce)
	i.mu.Unlock()

	i.apply(&fx)
}

// restore rebuilds an instance from a savepoint. Counters are recomputed
// from the task states; the error count is taken from the snapshot.
func restore(data []byte, opts Options, d deps, logger *slog.Logger) (*Instance, error) {
	var s Snapshot
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("failed to decode savepoint: %w", err)
	}

	i := &Instance{
		id:         s.ID,
		workflow:   s.Workflow,
		params:     s.Parameters,
		onError:    s.OnError,
		scheduleID: s.ScheduleID,
		nodeName:   s.NodeName,
		jobs:       s.Jobs,
		cancelling: s.Status == StatusCancelling,
		ended:      s.Status == StatusTerminated,
		errors:     s.ErrorTasks,
		startTime:  s.StartTime,
		endTime:    s.EndTime,
		done:       make(chan struct{}),
		opts:       opts,
		deps:       d,
		logger:     log.WithInstanceContext(logger, s.ID, s.Workflow),
	}
	if i.params == nil {
		i.params = make(map[string]string)
	}
	link(i.jobs, nil, i.id)

	walkTasks(i.jobs, func(t *Task) {
		switch t.Status {
		case TaskQueued:
			i.running++
			i.queued++
		case TaskExecuting:
			i.running++
		case TaskRetryWait:
			i.retrying++
		}
	})

	if i.ended {
		close(i.done)
	}
	return i, nil
}
