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

package tracing

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"

	"github.com/tombee/dispatch/internal/daemon/instance"
)

// Span attribute keys.
const (
	AttrInstanceID = attribute.Key("dispatch.instance.id")
	AttrWorkflow   = attribute.Key("dispatch.workflow")
	AttrScheduleID = attribute.Key("dispatch.schedule.id")
	AttrTaskPath   = attribute.Key("dispatch.task.path")
	AttrAttempt    = attribute.Key("dispatch.task.attempt")
	AttrTID        = attribute.Key("dispatch.task.tid")
	AttrRetval     = attribute.Key("dispatch.task.retval")
	AttrStatus     = attribute.Key("dispatch.status")
	AttrErrors     = attribute.Key("dispatch.instance.errors")
	attrResult     = attribute.Key("result")
)

type attemptKey struct {
	instanceID uint64
	tid        uint64
}

type instanceSpan struct {
	ctx      context.Context
	span     trace.Span
	workflow string
}

type attemptSpan struct {
	span     trace.Span
	start    time.Time
	workflow string
}

// InstanceTracer implements instance.Tracer on top of OpenTelemetry.
type InstanceTracer struct {
	tracer trace.Tracer

	attemptDuration metric.Float64Histogram
	attemptsTotal   metric.Int64Counter

	mu        sync.Mutex
	instances map[uint64]*instanceSpan
	attempts  map[attemptKey]*attemptSpan
}

var _ instance.Tracer = (*InstanceTracer)(nil)

// NewInstanceTracer creates an InstanceTracer using p's tracer and meter.
func NewInstanceTracer(p *Provider) (*InstanceTracer, error) {
	meter := p.Meter()

	duration, err := meter.Float64Histogram(
		"dispatch.task.attempt.duration",
		metric.WithDescription("Wall time of task attempts"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create attempt histogram: %w", err)
	}
	total, err := meter.Int64Counter(
		"dispatch.task.attempts",
		metric.WithDescription("Finished task attempts"),
		metric.WithUnit("{attempt}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create attempt counter: %w", err)
	}

	return &InstanceTracer{
		tracer:          p.Tracer(),
		attemptDuration: duration,
		attemptsTotal:   total,
		instances:       make(map[uint64]*instanceSpan),
		attempts:        make(map[attemptKey]*attemptSpan),
	}, nil
}

// InstanceStarted opens the root span of an instance. A second call for the
// same instance is ignored.
func (t *InstanceTracer) InstanceStarted(id uint64, workflow string, scheduleID int64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.instances[id]; ok {
		return
	}

	attrs := []attribute.KeyValue{
		AttrInstanceID.Int64(int64(id)),
		AttrWorkflow.String(workflow),
	}
	if scheduleID != 0 {
		attrs = append(attrs, AttrScheduleID.Int64(scheduleID))
	}
	ctx, span := t.tracer.Start(context.Background(), "instance "+workflow,
		trace.WithSpanKind(trace.SpanKindInternal),
		trace.WithAttributes(attrs...),
	)
	t.instances[id] = &instanceSpan{ctx: ctx, span: span, workflow: workflow}
}

// InstanceEnded closes the root span, and any attempt span still open for
// the instance.
func (t *InstanceTracer) InstanceEnded(s instance.Summary) {
	t.mu.Lock()
	is, ok := t.instances[s.ID]
	delete(t.instances, s.ID)
	var orphans []trace.Span
	for k, a := range t.attempts {
		if k.instanceID == s.ID {
			orphans = append(orphans, a.span)
			delete(t.attempts, k)
		}
	}
	t.mu.Unlock()

	for _, span := range orphans {
		span.AddEvent("instance terminated")
		span.End()
	}
	if !ok {
		return
	}

	is.span.SetAttributes(AttrStatus.String(s.Status), AttrErrors.Int(s.Errors))
	if s.Errors > 0 {
		is.span.SetStatus(codes.Error, fmt.Sprintf("%d task(s) did not succeed", s.Errors))
	} else {
		is.span.SetStatus(codes.Ok, "")
	}
	var opts []trace.SpanEndOption
	if s.EndedAt != nil {
		opts = append(opts, trace.WithTimestamp(*s.EndedAt))
	}
	is.span.End(opts...)
}

// TaskStarted opens an attempt span under the instance span.
func (t *InstanceTracer) TaskStarted(instanceID uint64, path string, attempt int, tid uint64, pid int) {
	t.mu.Lock()
	defer t.mu.Unlock()

	ctx := context.Background()
	var workflow string
	if is, ok := t.instances[instanceID]; ok {
		ctx = is.ctx
		workflow = is.workflow
	}
	_, span := t.tracer.Start(ctx, "task "+path,
		trace.WithSpanKind(trace.SpanKindInternal),
		trace.WithAttributes(
			AttrInstanceID.Int64(int64(instanceID)),
			AttrTaskPath.String(path),
			AttrAttempt.Int(attempt),
			AttrTID.Int64(int64(tid)),
			semconv.ProcessPID(pid),
		),
	)
	t.attempts[attemptKey{instanceID, tid}] = &attemptSpan{
		span:     span,
		start:    time.Now(),
		workflow: workflow,
	}
}

// TaskEnded closes an attempt span and records its duration. Unknown
// attempts, such as ones started before a daemon restart, are ignored.
func (t *InstanceTracer) TaskEnded(instanceID uint64, tid uint64, retval int, status, details string) {
	key := attemptKey{instanceID, tid}
	t.mu.Lock()
	a, ok := t.attempts[key]
	delete(t.attempts, key)
	t.mu.Unlock()
	if !ok {
		return
	}

	a.span.SetAttributes(AttrRetval.Int(retval), AttrStatus.String(status))
	result := "ok"
	if retval != 0 || status == string(instance.TaskAborted) {
		result = "failed"
		msg := details
		if msg == "" {
			msg = fmt.Sprintf("exited with %d", retval)
		}
		a.span.SetStatus(codes.Error, msg)
	} else {
		a.span.SetStatus(codes.Ok, "")
	}
	a.span.End()

	attrs := metric.WithAttributes(AttrWorkflow.String(a.workflow), attrResult.String(result))
	t.attemptDuration.Record(context.Background(), time.Since(a.start).Seconds(), attrs)
	t.attemptsTotal.Add(context.Background(), 1, attrs)
}
