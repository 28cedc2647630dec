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
	"bytes"
	"context"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/tombee/dispatch/internal/daemon/instance"
)

func newTestTracer(t *testing.T) (*InstanceTracer, *tracetest.InMemoryExporter, *prometheus.Registry) {
	t.Helper()
	exporter := tracetest.NewInMemoryExporter()
	reg := prometheus.NewRegistry()

	p, err := NewProvider(context.Background(), Config{
		ServiceVersion: "test",
		SampleRate:     1,
		Registerer:     reg,
	}, sdktrace.WithSyncer(exporter))
	require.NoError(t, err)
	t.Cleanup(func() { _ = p.Shutdown(context.Background()) })

	tr, err := NewInstanceTracer(p)
	require.NoError(t, err)
	return tr, exporter, reg
}

func spanByName(t *testing.T, spans tracetest.SpanStubs, name string) tracetest.SpanStub {
	t.Helper()
	for _, s := range spans {
		if s.Name == name {
			return s
		}
	}
	t.Fatalf("span %q not found", name)
	return tracetest.SpanStub{}
}

func TestInstanceTracer_Spans(t *testing.T) {
	tr, exporter, _ := newTestTracer(t)

	tr.InstanceStarted(7, "nightly", 3)
	tr.TaskStarted(7, "build/compile", 1, 11, 4242)
	tr.TaskEnded(7, 11, 0, "TERMINATED", "")
	tr.TaskStarted(7, "build/test", 2, 12, 4243)
	tr.TaskEnded(7, 12, 2, "ABORTED", "Retries exhausted")

	ended := time.Now()
	tr.InstanceEnded(instance.Summary{ID: 7, Workflow: "nightly", Status: "TERMINATED", Errors: 1, EndedAt: &ended})

	spans := exporter.GetSpans()
	require.Len(t, spans, 3)

	root := spanByName(t, spans, "instance nightly")
	compile := spanByName(t, spans, "task build/compile")
	test := spanByName(t, spans, "task build/test")

	assert.False(t, root.Parent.IsValid())
	assert.Equal(t, root.SpanContext.SpanID(), compile.Parent.SpanID())
	assert.Equal(t, root.SpanContext.TraceID(), test.SpanContext.TraceID())

	assert.Equal(t, codes.Ok, compile.Status.Code)
	assert.Equal(t, codes.Error, test.Status.Code)
	assert.Equal(t, "Retries exhausted", test.Status.Description)
	assert.Equal(t, codes.Error, root.Status.Code)
	assert.True(t, root.EndTime.Equal(ended))

	var sawSchedule bool
	for _, kv := range root.Attributes {
		if kv.Key == AttrScheduleID {
			sawSchedule = true
			assert.Equal(t, int64(3), kv.Value.AsInt64())
		}
	}
	assert.True(t, sawSchedule)
}

func TestInstanceTracer_DuplicateStartIgnored(t *testing.T) {
	tr, exporter, _ := newTestTracer(t)

	tr.InstanceStarted(1, "w", 0)
	tr.InstanceStarted(1, "w", 0)
	tr.InstanceEnded(instance.Summary{ID: 1, Workflow: "w", Status: "TERMINATED"})

	assert.Len(t, exporter.GetSpans(), 1)
}

func TestInstanceTracer_UnknownAttemptIgnored(t *testing.T) {
	tr, exporter, _ := newTestTracer(t)

	tr.TaskEnded(5, 99, 0, "TERMINATED", "")
	tr.InstanceEnded(instance.Summary{ID: 5})

	assert.Empty(t, exporter.GetSpans())
}

func TestInstanceTracer_OpenAttemptsClosedWithInstance(t *testing.T) {
	tr, exporter, _ := newTestTracer(t)

	tr.InstanceStarted(2, "w", 0)
	tr.TaskStarted(2, "j/t", 1, 20, 100)
	tr.InstanceEnded(instance.Summary{ID: 2, Workflow: "w", Status: "TERMINATED"})

	spans := exporter.GetSpans()
	require.Len(t, spans, 2)
	task := spanByName(t, spans, "task j/t")
	require.Len(t, task.Events, 1)
	assert.Equal(t, "instance terminated", task.Events[0].Name)
}

func TestInstanceTracer_AttemptMetrics(t *testing.T) {
	tr, _, reg := newTestTracer(t)

	tr.InstanceStarted(3, "w", 0)
	tr.TaskStarted(3, "j/t", 1, 30, 100)
	tr.TaskEnded(3, 30, 1, "TERMINATED", "")

	families, err := reg.Gather()
	require.NoError(t, err)

	var names []string
	for _, f := range families {
		names = append(names, strings.ReplaceAll(f.GetName(), ".", "_"))
	}
	joined := strings.Join(names, ",")
	assert.Contains(t, joined, "dispatch_task_attempt_duration")
	assert.Contains(t, joined, "dispatch_task_attempts")
}

func TestNewExporter(t *testing.T) {
	ctx := context.Background()

	exp, err := NewExporter(ctx, Config{Exporter: ExporterNone})
	require.NoError(t, err)
	assert.Nil(t, exp)

	var buf bytes.Buffer
	exp, err = NewExporter(ctx, Config{Exporter: ExporterStdout, Writer: &buf})
	require.NoError(t, err)
	require.NotNil(t, exp)
	require.NoError(t, exp.Shutdown(ctx))

	_, err = NewExporter(ctx, Config{Exporter: "jaeger"})
	assert.ErrorContains(t, err, "unknown exporter type")
}

func TestNewSampler(t *testing.T) {
	tests := []struct {
		rate float64
		want string
	}{
		{rate: 1, want: "AlwaysOnSampler"},
		{rate: 0, want: "AlwaysOffSampler"},
		{rate: 0.25, want: "TraceIDRatioBased{0.25}"},
	}
	for _, tt := range tests {
		assert.Contains(t, newSampler(tt.rate).Description(), tt.want)
	}
}
