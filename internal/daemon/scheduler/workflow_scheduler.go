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
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/tombee/dispatch/internal/daemon/backend"
	"github.com/tombee/dispatch/internal/log"
)

// On-failure policies of a schedule.
const (
	OnFailureContinue = "continue"
	OnFailureSuspend  = "suspend"
)

// Launcher submits a workflow instance on behalf of a schedule.
type Launcher interface {
	Launch(ctx context.Context, workflow string, params map[string]string, scheduleID int64) (uint64, error)
}

type scheduleEntry struct {
	rec  backend.Schedule
	cron cron.Schedule
	next time.Time

	live      uint64
	launching bool
	// endedDuringLaunch holds the outcome of an instance that ended before
	// its Launch call returned.
	endedDuringLaunch *bool

	lastRun    *time.Time
	runCount   int64
	errorCount int64
}

// WorkflowScheduler launches workflows from cron schedules stored in the
// backend. A schedule is not re-armed while the instance it launched is
// still running.
type WorkflowScheduler struct {
	mu        sync.Mutex
	store     backend.ScheduleStore
	launcher  Launcher
	ts        *TimeScheduler[int64]
	schedules map[int64]*scheduleEntry
	ctx       context.Context
	logger    *slog.Logger
}

// NewWorkflowScheduler creates a scheduler. Call Start to load schedules.
func NewWorkflowScheduler(store backend.ScheduleStore, launcher Launcher, logger *slog.Logger) *WorkflowScheduler {
	if logger == nil {
		logger = slog.Default()
	}
	s := &WorkflowScheduler{
		store:     store,
		launcher:  launcher,
		schedules: make(map[int64]*scheduleEntry),
		ctx:       context.Background(),
		logger:    log.WithComponent(logger, "workflow-scheduler"),
	}
	s.ts = New(s.onEvent, s.logger)
	return s
}

// Upsert stores declared schedules. An existing schedule keeps its active
// flag unless the declaration disables it, so a schedule suspended after a
// failure stays suspended across restarts.
func (s *WorkflowScheduler) Upsert(ctx context.Context, declared []backend.Schedule) error {
	existing, err := s.store.ListSchedules(ctx)
	if err != nil {
		return fmt.Errorf("failed to list schedules: %w", err)
	}
	byName := make(map[string]*backend.Schedule, len(existing))
	for _, rec := range existing {
		byName[rec.Name] = rec
	}

	for i := range declared {
		rec := declared[i]
		if err := ValidateCron(rec.Cron); err != nil {
			return fmt.Errorf("schedule %s: %w", rec.Name, err)
		}
		if prev, ok := byName[rec.Name]; ok && rec.Active {
			rec.Active = prev.Active
		}
		if err := s.store.PutSchedule(ctx, &rec); err != nil {
			return fmt.Errorf("failed to store schedule %s: %w", rec.Name, err)
		}
	}
	return nil
}

// Start loads the stored schedules and arms the active ones. ctx is used
// for launches and lives as long as the scheduler.
func (s *WorkflowScheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	s.ctx = ctx
	s.mu.Unlock()
	return s.Reload(ctx)
}

// Reload drops every armed event, re-reads the backend and re-arms each
// active schedule that has no live instance. Run counters survive for
// schedules that still exist.
func (s *WorkflowScheduler) Reload(ctx context.Context) error {
	// Flushed events are ignored by onEvent.
	s.ts.Flush(nil)

	records, err := s.store.ListSchedules(ctx)
	if err != nil {
		return fmt.Errorf("failed to list schedules: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	next := make(map[int64]*scheduleEntry, len(records))
	now := time.Now()
	for _, rec := range records {
		e, ok := s.schedules[rec.ID]
		if !ok {
			e = &scheduleEntry{}
		}
		e.rec = *rec
		e.next = time.Time{}

		sched, err := ParseCron(rec.Cron)
		if err != nil {
			s.logger.Error("schedule has an invalid cron expression",
				slog.Int64(log.ScheduleIDKey, rec.ID), log.Error(err))
			e.errorCount++
			e.cron = nil
			next[rec.ID] = e
			continue
		}
		e.cron = sched
		next[rec.ID] = e

		if rec.Active && e.live == 0 && !e.launching {
			s.armLocked(e, now)
		}
	}
	s.schedules = next

	s.logger.Info("schedules loaded", slog.Int("count", len(next)))
	return nil
}

func (s *WorkflowScheduler) armLocked(e *scheduleEntry, from time.Time) {
	if e.cron == nil {
		return
	}
	e.next = e.cron.Next(from)
	if e.next.IsZero() {
		return
	}
	s.ts.InsertEvent(e.rec.ID, e.next)
}

func (s *WorkflowScheduler) onEvent(id int64, reason Reason) {
	if reason == ReasonFlush {
		return
	}

	s.mu.Lock()
	e, ok := s.schedules[id]
	if !ok || !e.rec.Active || e.live != 0 || e.launching {
		s.mu.Unlock()
		return
	}
	e.launching = true
	e.next = time.Time{}
	rec := e.rec
	ctx := s.ctx
	s.mu.Unlock()

	logger := s.logger.With(slog.Int64(log.ScheduleIDKey, id), slog.String(log.WorkflowKey, rec.Workflow))
	logger.Info("triggering scheduled workflow")

	instanceID, err := s.launcher.Launch(ctx, rec.Workflow, rec.Parameters, id)

	s.mu.Lock()
	defer s.mu.Unlock()

	e.launching = false
	now := time.Now()
	e.lastRun = &now

	if err != nil {
		logger.Error("failed to launch scheduled workflow", log.Error(err))
		e.errorCount++
		s.armLocked(e, now)
		return
	}

	e.runCount++
	logger.Info("scheduled workflow launched", slog.Uint64(log.InstanceIDKey, instanceID))

	if failed := e.endedDuringLaunch; failed != nil {
		e.endedDuringLaunch = nil
		s.instanceEndedLocked(e, *failed)
		return
	}
	e.live = instanceID
}

// ScheduledInstanceEnded is called when an instance launched by a schedule
// terminates. A failed instance suspends a schedule whose policy is
// suspend; otherwise the schedule is re-armed.
func (s *WorkflowScheduler) ScheduledInstanceEnded(scheduleID int64, instanceID uint64, failed bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.schedules[scheduleID]
	if !ok {
		return
	}
	if e.launching && e.live == 0 {
		e.endedDuringLaunch = &failed
		return
	}
	if e.live != instanceID {
		s.logger.Debug("ignoring end of an instance the schedule does not track",
			slog.Int64(log.ScheduleIDKey, scheduleID), slog.Uint64(log.InstanceIDKey, instanceID))
		return
	}
	s.instanceEndedLocked(e, failed)
}

func (s *WorkflowScheduler) instanceEndedLocked(e *scheduleEntry, failed bool) {
	e.live = 0
	if failed {
		e.errorCount++
	}

	if failed && e.rec.OnFailure == OnFailureSuspend {
		e.rec.Active = false
		if err := s.store.SetScheduleActive(s.ctx, e.rec.ID, false); err != nil {
			s.logger.Error("failed to suspend schedule",
				slog.Int64(log.ScheduleIDKey, e.rec.ID), log.Error(err))
		}
		s.logger.Warn("schedule suspended after failed instance", slog.Int64(log.ScheduleIDKey, e.rec.ID))
		return
	}
	if e.rec.Active {
		s.armLocked(e, time.Now())
	}
}

// AdoptInstance records a live instance for a schedule, used when resuming
// instances after a restart so the schedule is not armed twice.
func (s *WorkflowScheduler) AdoptInstance(scheduleID int64, instanceID uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.schedules[scheduleID]
	if !ok || e.live != 0 {
		return
	}
	e.live = instanceID
	s.ts.Flush(func(id int64) bool { return id == scheduleID })
	e.next = time.Time{}
}

// ScheduleStatus contains status information for a schedule.
type ScheduleStatus struct {
	ID           int64      `json:"id"`
	Name         string     `json:"name"`
	Workflow     string     `json:"workflow"`
	Cron         string     `json:"cron"`
	OnFailure    string     `json:"on_failure"`
	Active       bool       `json:"active"`
	NextRun      *time.Time `json:"next_run,omitempty"`
	LastRun      *time.Time `json:"last_run,omitempty"`
	LiveInstance uint64     `json:"live_instance,omitempty"`
	RunCount     int64      `json:"run_count"`
	ErrorCount   int64      `json:"error_count"`
}

// Status returns every schedule ordered by ID.
func (s *WorkflowScheduler) Status() []ScheduleStatus {
	s.mu.Lock()
	defer s.mu.Unlock()

	result := make([]ScheduleStatus, 0, len(s.schedules))
	for _, e := range s.schedules {
		st := ScheduleStatus{
			ID:           e.rec.ID,
			Name:         e.rec.Name,
			Workflow:     e.rec.Workflow,
			Cron:         e.rec.Cron,
			OnFailure:    e.rec.OnFailure,
			Active:       e.rec.Active,
			LastRun:      e.lastRun,
			LiveInstance: e.live,
			RunCount:     e.runCount,
			ErrorCount:   e.errorCount,
		}
		if !e.next.IsZero() {
			next := e.next
			st.NextRun = &next
		}
		result = append(result, st)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].ID < result[j].ID })
	return result
}

// GetScheduleCount returns the total number of schedules.
func (s *WorkflowScheduler) GetScheduleCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.schedules)
}

// Shutdown stops the scheduler worker.
func (s *WorkflowScheduler) Shutdown() {
	s.ts.Shutdown()
}
