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

package scheduler

import (
	"log/slog"
	"sync"
	"time"

	"github.com/tombee/dispatch/internal/log"
)

// RetryEvent identifies a task waiting for its next attempt.
type RetryEvent struct {
	InstanceID uint64 `json:"instance_id"`
	TaskPath   string `json:"task_path"`
}

// RetryHandler receives retry events. TaskRestart is called when the retry
// delay expires; RetryFlushed when the retry was flushed early.
type RetryHandler interface {
	TaskRestart(instanceID uint64, taskPath string)
	RetryFlushed(instanceID uint64, taskPath string)
}

// Retrier schedules delayed task restarts.
type Retrier struct {
	ts *TimeScheduler[RetryEvent]

	mu      sync.RWMutex
	handler RetryHandler
	logger  *slog.Logger
}

// NewRetrier creates a Retrier. The handler is set separately with
// SetHandler since the instance registry is built after the retrier.
func NewRetrier(logger *slog.Logger) *Retrier {
	if logger == nil {
		logger = slog.Default()
	}
	r := &Retrier{logger: log.WithComponent(logger, "retrier")}
	r.ts = New(r.onEvent, r.logger)
	return r
}

// SetHandler sets the receiver of retry events.
func (r *Retrier) SetHandler(h RetryHandler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handler = h
}

// Schedule arms a restart of a task at the given time.
func (r *Retrier) Schedule(instanceID uint64, taskPath string, at time.Time) {
	r.logger.Debug("retry scheduled",
		slog.Uint64(log.InstanceIDKey, instanceID),
		slog.String(log.TaskKey, taskPath),
		slog.Time("retry_at", at))
	r.ts.InsertEvent(RetryEvent{InstanceID: instanceID, TaskPath: taskPath}, at)
}

// FlushInstance removes every pending retry of an instance, firing each
// with ReasonFlush. It returns the number flushed.
func (r *Retrier) FlushInstance(instanceID uint64) int {
	return r.ts.Flush(func(ev RetryEvent) bool { return ev.InstanceID == instanceID })
}

// Pending returns the pending retries in fire order.
func (r *Retrier) Pending() []Event[RetryEvent] {
	return r.ts.Events()
}

// Shutdown stops the retry worker. Pending retries are not fired; they are
// re-armed from savepoints on the next start.
func (r *Retrier) Shutdown() {
	r.ts.Shutdown()
}

func (r *Retrier) onEvent(ev RetryEvent, reason Reason) {
	r.mu.RLock()
	h := r.handler
	r.mu.RUnlock()

	if h == nil {
		r.logger.Warn("retry event dropped, no handler",
			slog.Uint64(log.InstanceIDKey, ev.InstanceID), slog.String(log.TaskKey, ev.TaskPath))
		return
	}

	switch reason {
	case ReasonAlarm:
		h.TaskRestart(ev.InstanceID, ev.TaskPath)
	case ReasonFlush:
		h.RetryFlushed(ev.InstanceID, ev.TaskPath)
	}
}
