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
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/tombee/dispatch/internal/daemon/backend"
	"github.com/tombee/dispatch/internal/log"
	dispatcherrors "github.com/tombee/dispatch/pkg/errors"
	"github.com/tombee/dispatch/pkg/workflow"
	"github.com/tombee/dispatch/pkg/workflow/expression"
)

// recentLimit is how many ended instances stay answerable from memory.
const recentLimit = 256

// ErrShuttingDown is returned by Submit once Shutdown was called.
var ErrShuttingDown = errors.New("daemon is shutting down")

// QueuePool is the part of the queue pool the registry needs.
type QueuePool interface {
	Pool
	HasQueue(name string) bool
}

// ScheduleTracker is told when scheduled instances end or are adopted
// after a restart.
type ScheduleTracker interface {
	ScheduledInstanceEnded(scheduleID int64, instanceID uint64, failed bool)
	AdoptInstance(scheduleID int64, instanceID uint64)
}

// Deps are the collaborators of a Registry.
type Deps struct {
	Workflows backend.WorkflowStore
	Store     Store
	Pool      QueuePool
	Retrier   Retrier
	Signaler  Signaler
	Evaluator *expression.Evaluator
	Notifier  Notifier
	Observer  Observer
	Tracer    Tracer
	Logger    *slog.Logger
}

// Registry owns the live workflow instances and routes events to them.
type Registry struct {
	mu        sync.RWMutex
	instances map[uint64]*Instance
	recent    map[uint64]*Instance
	order     []uint64
	closed    bool
	schedules ScheduleTracker

	opts Options
	d    Deps
	seq  *SequenceGenerator

	logger *slog.Logger
}

// NewRegistry creates an empty registry.
func NewRegistry(opts Options, d Deps) *Registry {
	if d.Logger == nil {
		d.Logger = slog.Default()
	}
	if d.Evaluator == nil {
		d.Evaluator = expression.New(nil)
	}
	if d.Notifier == nil {
		d.Notifier = NewLogNotifier(d.Logger)
	}
	if d.Observer == nil {
		d.Observer = nopObserver{}
	}
	if d.Tracer == nil {
		d.Tracer = nopTracer{}
	}
	return &Registry{
		instances: make(map[uint64]*Instance),
		recent:    make(map[uint64]*Instance),
		opts:      opts,
		d:         d,
		seq:       NewSequenceGenerator(d.Store),
		logger:    log.WithComponent(d.Logger, "instances"),
	}
}

// SetScheduleTracker sets who is told about scheduled instances ending.
func (r *Registry) SetScheduleTracker(t ScheduleTracker) {
	r.mu.Lock()
	r.schedules = t
	r.mu.Unlock()
}

func (r *Registry) instanceDeps() deps {
	return deps{
		pool:      r.d.Pool,
		retrier:   r.d.Retrier,
		signaler:  r.d.Signaler,
		store:     r.d.Store,
		evaluator: r.d.Evaluator,
		tracer:    r.d.Tracer,
		hooks: hooks{
			ended:           r.instanceEnded,
			taskFailed:      r.taskFailed,
			savepointFailed: r.savepointFailed,
		},
	}
}

// Submit loads, validates and starts a workflow. scheduleID is 0 for
// manual submissions.
func (r *Registry) Submit(ctx context.Context, name string, params map[string]string, scheduleID int64) (uint64, error) {
	r.mu.RLock()
	closed := r.closed
	r.mu.RUnlock()
	if closed {
		return 0, ErrShuttingDown
	}

	wf, err := r.d.Workflows.GetWorkflow(ctx, name)
	if err != nil {
		return 0, err
	}

	def, err := workflow.ParseDefinition(wf.Content)
	if err != nil {
		var ve *dispatcherrors.ValidationError
		if !errors.As(err, &ve) {
			return 0, &dispatcherrors.ValidationError{Field: "definition", Message: err.Error()}
		}
		return 0, err
	}
	err = def.Validate(workflow.ValidateOptions{
		HasQueue:  r.d.Pool.HasQueue,
		Evaluator: r.d.Evaluator,
	})
	if err != nil {
		return 0, err
	}

	resolved, err := def.ResolveParameters(params)
	if err != nil {
		return 0, err
	}

	id, err := r.seq.Next(ctx)
	if err != nil {
		return 0, err
	}

	inst := newInstance(id, def, resolved, scheduleID, r.opts, r.instanceDeps(), r.d.Logger)

	r.mu.Lock()
	r.instances[id] = inst
	r.mu.Unlock()

	r.d.Observer.InstanceStarted(def.Name)
	r.d.Tracer.InstanceStarted(id, def.Name, scheduleID)
	inst.logger.Info("workflow instance submitted", slog.Int64(log.ScheduleIDKey, scheduleID))

	inst.Start()
	return id, nil
}

// Launch starts a scheduled workflow.
func (r *Registry) Launch(ctx context.Context, name string, params map[string]string, scheduleID int64) (uint64, error) {
	return r.Submit(ctx, name, params, scheduleID)
}

// Get returns a live instance.
func (r *Registry) Get(id uint64) (*Instance, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	inst, ok := r.instances[id]
	return inst, ok
}

// Count returns the number of live instances.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.instances)
}

func (r *Registry) lookup(id uint64) (inst *Instance, live bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if inst, ok := r.instances[id]; ok {
		return inst, true
	}
	return r.recent[id], false
}

func notFound(id uint64) error {
	return &dispatcherrors.NotFoundError{Resource: "instance", ID: strconv.FormatUint(id, 10)}
}

// Cancel cancels a running instance. Cancelling a cancelling instance is a
// no-op.
func (r *Registry) Cancel(ctx context.Context, id uint64) error {
	inst, live := r.lookup(id)
	if live {
		return inst.Cancel()
	}
	if inst == nil {
		if _, err := r.d.Store.GetInstance(ctx, id); err != nil {
			return err
		}
	}
	return fmt.Errorf("instance %d: %w", id, ErrNotRunning)
}

// KillTask sends SIGTERM to a running task of a live instance.
func (r *Registry) KillTask(ctx context.Context, id uint64, path string) error {
	inst, live := r.lookup(id)
	if live {
		return inst.KillTask(path)
	}
	if inst == nil {
		if _, err := r.d.Store.GetInstance(ctx, id); err != nil {
			return err
		}
	}
	return fmt.Errorf("instance %d: %w", id, ErrNotRunning)
}

// Status returns the current state of an instance. Ended instances are
// answered from memory while recent, then from their savepoint.
func (r *Registry) Status(ctx context.Context, id uint64) (*Snapshot, error) {
	if inst, _ := r.lookup(id); inst != nil {
		return inst.Snapshot()
	}

	rec, err := r.d.Store.GetInstance(ctx, id)
	if err != nil {
		return nil, err
	}
	return snapshotFromRecord(rec)
}

func snapshotFromRecord(rec *backend.Instance) (*Snapshot, error) {
	if len(rec.Snapshot) > 0 {
		var s Snapshot
		if err := json.Unmarshal(rec.Snapshot, &s); err != nil {
			return nil, fmt.Errorf("failed to decode savepoint of instance %d: %w", rec.ID, err)
		}
		// The record is written last and carries the redacted parameters.
		s.Parameters = rec.Parameters
		return &s, nil
	}
	return &Snapshot{
		ID:         rec.ID,
		Workflow:   rec.Workflow,
		Status:     rec.Status,
		NodeName:   rec.NodeName,
		ScheduleID: rec.ScheduleID,
		Parameters: rec.Parameters,
		ErrorTasks: rec.Errors,
		StartTime:  rec.StartedAt,
		EndTime:    rec.EndedAt,
	}, nil
}

// Wait blocks until the instance terminates, ctx ends or timeout elapses
// (0 waits forever), then returns its state.
func (r *Registry) Wait(ctx context.Context, id uint64, timeout time.Duration) (*Snapshot, error) {
	inst, live := r.lookup(id)
	if !live {
		return r.Status(ctx, id)
	}

	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	if err := inst.Wait(ctx); err != nil {
		if timeout > 0 && errors.Is(err, context.DeadlineExceeded) {
			return nil, &dispatcherrors.TimeoutError{Operation: "wait for instance", Duration: timeout, Cause: err}
		}
		return nil, err
	}
	return inst.Snapshot()
}

// List returns live and persisted instances matching filter, newest first.
func (r *Registry) List(ctx context.Context, filter backend.InstanceFilter) ([]Summary, error) {
	r.mu.RLock()
	live := make([]*Instance, 0, len(r.instances)+len(r.recent))
	for _, inst := range r.instances {
		live = append(live, inst)
	}
	for _, inst := range r.recent {
		live = append(live, inst)
	}
	r.mu.RUnlock()

	seen := make(map[uint64]bool)
	var out []Summary
	for _, inst := range live {
		s := inst.Summary()
		seen[s.ID] = true
		if filter.Status != "" && s.Status != filter.Status {
			continue
		}
		if filter.Workflow != "" && s.Workflow != filter.Workflow {
			continue
		}
		out = append(out, s)
	}

	records, err := r.d.Store.ListInstances(ctx, filter)
	if err != nil {
		return nil, err
	}
	for _, rec := range records {
		if seen[rec.ID] {
			continue
		}
		out = append(out, SummaryFromRecord(rec))
	}

	sort.Slice(out, func(a, b int) bool { return out[a].ID > out[b].ID })
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

// Resume reloads instances left executing or cancelling by a previous run
// and continues them. It returns how many instances were resumed.
func (r *Registry) Resume(ctx context.Context) (int, error) {
	var resumed []*Instance
	for _, status := range []string{StatusExecuting, StatusCancelling} {
		records, err := r.d.Store.ListInstances(ctx, backend.InstanceFilter{Status: status})
		if err != nil {
			return 0, fmt.Errorf("failed to list %s instances: %w", status, err)
		}
		for _, rec := range records {
			if len(rec.Snapshot) == 0 {
				r.logger.Warn("instance has no savepoint, cannot resume",
					slog.Uint64(log.InstanceIDKey, rec.ID))
				continue
			}
			inst, err := restore(rec.Snapshot, r.opts, r.instanceDeps(), r.d.Logger)
			if err != nil {
				r.logger.Error("failed to restore instance",
					slog.Uint64(log.InstanceIDKey, rec.ID), log.Error(err))
				continue
			}
			r.seq.Observe(inst.ID())
			resumed = append(resumed, inst)
		}
	}

	r.mu.Lock()
	for _, inst := range resumed {
		r.instances[inst.ID()] = inst
	}
	tracker := r.schedules
	r.mu.Unlock()

	for _, inst := range resumed {
		if tracker != nil && inst.ScheduleID() != 0 {
			tracker.AdoptInstance(inst.ScheduleID(), inst.ID())
		}
		r.d.Observer.InstanceStarted(inst.Workflow())
		r.d.Tracer.InstanceStarted(inst.ID(), inst.Workflow(), inst.ScheduleID())
		inst.Resume()
	}

	if len(resumed) > 0 {
		r.logger.Info("resumed workflow instances", slog.Int("count", len(resumed)))
	}
	return len(resumed), nil
}

// Shutdown refuses new submissions and writes a final savepoint of every
// live instance. Running tasks are left alone; their pids are in the
// savepoint so the next run can reap them.
func (r *Registry) Shutdown(ctx context.Context) error {
	r.mu.Lock()
	r.closed = true
	live := make([]*Instance, 0, len(r.instances))
	for _, inst := range r.instances {
		live = append(live, inst)
	}
	r.mu.Unlock()

	for _, inst := range live {
		if err := ctx.Err(); err != nil {
			return err
		}
		inst.Checkpoint()
	}
	return nil
}

// TaskRestart is called by the retrier when a retry delay elapses.
func (r *Registry) TaskRestart(instanceID uint64, taskPath string) {
	if inst, ok := r.Get(instanceID); ok {
		inst.TaskRestart(taskPath)
		return
	}
	r.logger.Debug("retry for unknown instance",
		slog.Uint64(log.InstanceIDKey, instanceID), slog.String(log.TaskKey, taskPath))
}

// RetryFlushed is called by the retrier for retries removed on cancel.
func (r *Registry) RetryFlushed(instanceID uint64, taskPath string) {
	if inst, ok := r.Get(instanceID); ok {
		inst.RetryFlushed(taskPath)
	}
}

func (r *Registry) instanceEnded(inst *Instance) {
	id := inst.ID()

	r.mu.Lock()
	delete(r.instances, id)
	r.recent[id] = inst
	r.order = append(r.order, id)
	for len(r.order) > recentLimit {
		delete(r.recent, r.order[0])
		r.order = r.order[1:]
	}
	tracker := r.schedules
	r.mu.Unlock()

	s := inst.Summary()
	if tracker != nil && s.ScheduleID != 0 {
		tracker.ScheduledInstanceEnded(s.ScheduleID, id, s.Errors > 0)
	}
	r.d.Notifier.InstanceTerminated(s)
	r.d.Observer.InstanceEnded(s)
	r.d.Tracer.InstanceEnded(s)
}

func (r *Registry) taskFailed(inst *Instance, f TaskFailure) {
	r.d.Notifier.TaskFailed(f)
	r.d.Observer.TaskFailed(inst.Workflow())
}

func (r *Registry) savepointFailed(inst *Instance, err error) {
	r.d.Observer.SavepointFailed(inst.Workflow())
}
