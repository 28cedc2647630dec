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

package config

import (
	"fmt"
	"strings"

	"github.com/tombee/dispatch/internal/daemon/queue"
	"github.com/tombee/dispatch/internal/daemon/scheduler"
)

// Validate checks the configuration and reports every problem found.
func (c *Config) Validate() error {
	var errs []string

	validLevels := map[string]bool{"trace": true, "debug": true, "info": true, "warn": true, "warning": true, "error": true}
	if !validLevels[c.Log.Level] {
		errs = append(errs, fmt.Sprintf("log.level must be one of [trace, debug, info, warn, error], got %q", c.Log.Level))
	}
	if c.Log.Format != "json" && c.Log.Format != "text" {
		errs = append(errs, fmt.Sprintf("log.format must be one of [json, text], got %q", c.Log.Format))
	}

	if c.Daemon.ShutdownTimeout <= 0 {
		errs = append(errs, fmt.Sprintf("daemon.shutdown_timeout must be positive, got %v", c.Daemon.ShutdownTimeout))
	}
	if c.Daemon.DrainTimeout < 0 {
		errs = append(errs, fmt.Sprintf("daemon.drain_timeout must not be negative, got %v", c.Daemon.DrainTimeout))
	}
	if c.Daemon.LaunchRate < 0 {
		errs = append(errs, fmt.Sprintf("daemon.launch_rate must not be negative, got %v", c.Daemon.LaunchRate))
	}

	switch c.Backend.Type {
	case "memory":
	case "sqlite":
		if c.Backend.SQLite.Path == "" {
			errs = append(errs, "backend.sqlite.path is required for the sqlite backend")
		}
	default:
		errs = append(errs, fmt.Sprintf("backend.type must be one of [sqlite, memory], got %q", c.Backend.Type))
	}

	if !validScheduler(c.QueuePool.Scheduler) {
		errs = append(errs, fmt.Sprintf("queuepool.scheduler must be one of [fifo, prio], got %q", c.QueuePool.Scheduler))
	}

	seen := make(map[string]bool)
	for i, q := range c.Queues {
		key := fmt.Sprintf("queues[%d]", i)
		if err := queue.ValidateName(q.Name); err != nil {
			errs = append(errs, fmt.Sprintf("%s.name: %v", key, err))
		}
		if strings.Contains(q.Name, "@") {
			errs = append(errs, fmt.Sprintf("%s.name %q must not contain '@' (reserved for dynamic queues)", key, q.Name))
		}
		if seen[q.Name] {
			errs = append(errs, fmt.Sprintf("%s.name %q is declared more than once", key, q.Name))
		}
		seen[q.Name] = true
		if q.Concurrency < 0 {
			errs = append(errs, fmt.Sprintf("%s.concurrency must not be negative, got %d", key, q.Concurrency))
		}
		if q.Scheduler != "" && !validScheduler(q.Scheduler) {
			errs = append(errs, fmt.Sprintf("%s.scheduler must be one of [fifo, prio], got %q", key, q.Scheduler))
		}
	}

	if c.ProcessManager.Logs.TailSize <= 0 {
		errs = append(errs, "processmanager.logs.tailsize must be positive")
	}
	if c.Datastore.DOM.MaxSize <= 0 || c.Datastore.DB.MaxSize <= 0 {
		errs = append(errs, "datastore.dom.maxsize and datastore.db.maxsize must be positive")
	}

	sp := c.WorkflowInstance.Savepoint
	if sp.Level < 0 || sp.Level > 3 {
		errs = append(errs, fmt.Sprintf("workflowinstance.savepoint.level must be between 0 and 3, got %d", sp.Level))
	}
	if sp.Retry.Enable && (sp.Retry.Times < 0 || sp.Retry.Wait < 0) {
		errs = append(errs, "workflowinstance.savepoint.retry.times and wait must not be negative")
	}

	names := make(map[string]bool)
	for i, s := range c.Schedules {
		key := fmt.Sprintf("schedules[%d]", i)
		if s.Name == "" {
			errs = append(errs, fmt.Sprintf("%s.name is required", key))
		} else if names[s.Name] {
			errs = append(errs, fmt.Sprintf("%s.name %q is declared more than once", key, s.Name))
		}
		names[s.Name] = true
		if s.Workflow == "" {
			errs = append(errs, fmt.Sprintf("%s.workflow is required", key))
		}
		if s.Cron == "" {
			errs = append(errs, fmt.Sprintf("%s.cron is required", key))
		} else if err := scheduler.ValidateCron(s.Cron); err != nil {
			errs = append(errs, fmt.Sprintf("%s.cron: %v", key, err))
		}
		if s.OnFailure != "" && s.OnFailure != "continue" && s.OnFailure != "suspend" {
			errs = append(errs, fmt.Sprintf("%s.on_failure must be one of [continue, suspend], got %q", key, s.OnFailure))
		}
	}

	if c.GC.Interval <= 0 || c.GC.Delay < 0 {
		errs = append(errs, fmt.Sprintf("gc.interval must be positive and gc.delay not negative, got %v and %v", c.GC.Interval, c.GC.Delay))
	}
	if c.GC.Limit <= 0 {
		errs = append(errs, fmt.Sprintf("gc.limit must be positive, got %d", c.GC.Limit))
	}
	if c.GC.WorkflowInstance.Retention <= 0 || c.GC.Logs.Retention <= 0 {
		errs = append(errs, "gc.workflowinstance.retention and gc.logs.retention must be positive")
	}

	switch c.Tracing.Exporter {
	case "none", "stdout", "otlp", "otlp-http":
	default:
		errs = append(errs, fmt.Sprintf("tracing.exporter must be one of [none, stdout, otlp, otlp-http], got %q", c.Tracing.Exporter))
	}
	if c.Tracing.SampleRate < 0 || c.Tracing.SampleRate > 1 {
		errs = append(errs, fmt.Sprintf("tracing.sample_rate must be between 0 and 1, got %v", c.Tracing.SampleRate))
	}

	if len(errs) > 0 {
		return fmt.Errorf("%w:\n  - %s", ErrInvalidConfig, strings.Join(errs, "\n  - "))
	}
	return nil
}

func validScheduler(s string) bool {
	return s == "fifo" || s == "prio"
}
