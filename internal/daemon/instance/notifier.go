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
	"log/slog"

	"github.com/tombee/dispatch/internal/log"
)

// Notifier is told about terminated instances and aborted tasks. Calls are
// fire-and-forget and must not block.
type Notifier interface {
	InstanceTerminated(s Summary)
	TaskFailed(f TaskFailure)
}

// Observer receives lifecycle events for metrics.
type Observer interface {
	InstanceStarted(workflow string)
	InstanceEnded(s Summary)
	TaskFailed(workflow string)
	SavepointFailed(workflow string)
}

// Tracer records spans for instances and task attempts. Calls must not block.
type Tracer interface {
	InstanceStarted(id uint64, workflow string, scheduleID int64)
	InstanceEnded(s Summary)
	TaskStarted(instanceID uint64, path string, attempt int, tid uint64, pid int)
	TaskEnded(instanceID uint64, tid uint64, retval int, status, details string)
}

// LogNotifier writes notifications to the log.
type LogNotifier struct {
	logger *slog.Logger
}

// NewLogNotifier creates a LogNotifier.
func NewLogNotifier(logger *slog.Logger) *LogNotifier {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogNotifier{logger: log.WithComponent(logger, "notifier")}
}

// InstanceTerminated implements Notifier.
func (n *LogNotifier) InstanceTerminated(s Summary) {
	level := slog.LevelInfo
	if s.Errors > 0 {
		level = slog.LevelWarn
	}
	n.logger.LogAttrs(context.Background(), level, "workflow instance terminated",
		slog.String("event", "instance_terminated"),
		slog.Uint64(log.InstanceIDKey, s.ID),
		slog.String(log.WorkflowKey, s.Workflow),
		slog.Int("errors", s.Errors),
		slog.Int64(log.ScheduleIDKey, s.ScheduleID))
}

// TaskFailed implements Notifier.
func (n *LogNotifier) TaskFailed(f TaskFailure) {
	attrs := []slog.Attr{
		slog.String("event", "task_failed"),
		slog.Uint64(log.InstanceIDKey, f.InstanceID),
		slog.String(log.WorkflowKey, f.Workflow),
		slog.String(log.TaskKey, f.Path),
		slog.String("details", f.Details),
	}
	if f.Retval != nil {
		attrs = append(attrs, slog.Int("retval", *f.Retval))
	}
	n.logger.LogAttrs(context.Background(), slog.LevelWarn, "task failed", attrs...)
}

type nopObserver struct{}

func (nopObserver) InstanceStarted(string) {}
func (nopObserver) InstanceEnded(Summary)  {}
func (nopObserver) TaskFailed(string)      {}
func (nopObserver) SavepointFailed(string) {}

type nopTracer struct{}

func (nopTracer) InstanceStarted(uint64, string, int64)         {}
func (nopTracer) InstanceEnded(Summary)                         {}
func (nopTracer) TaskStarted(uint64, string, int, uint64, int)  {}
func (nopTracer) TaskEnded(uint64, uint64, int, string, string) {}
