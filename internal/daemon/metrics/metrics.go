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

// Package metrics exposes the daemon's Prometheus metrics.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/tombee/dispatch/internal/daemon/instance"
	"github.com/tombee/dispatch/internal/daemon/queue"
)

var (
	// instancesStarted counts submitted and resumed instances
	instancesStarted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dispatch_instances_started_total",
			Help: "Total workflow instances started by workflow",
		},
		[]string{"workflow"},
	)

	// instancesEnded counts terminated instances by outcome
	instancesEnded = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dispatch_instances_ended_total",
			Help: "Total workflow instances terminated by workflow and outcome",
		},
		[]string{"workflow", "outcome"},
	)

	instanceDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "dispatch_instance_duration_seconds",
			Help:    "Wall time of terminated workflow instances",
			Buckets: prometheus.ExponentialBuckets(1, 4, 10),
		},
		[]string{"workflow"},
	)

	instancesRunning = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "dispatch_instances_running",
			Help: "Number of live workflow instances",
		},
	)

	// tasksFailed counts aborted tasks
	tasksFailed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dispatch_tasks_failed_total",
			Help: "Total aborted tasks by workflow",
		},
		[]string{"workflow"},
	)

	tasksSpawned = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dispatch_tasks_spawned_total",
			Help: "Total task spawn attempts by queue and result",
		},
		[]string{"queue", "result"},
	)

	taskDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "dispatch_task_duration_seconds",
			Help:    "Wall time of task processes from spawn to exit",
			Buckets: prometheus.ExponentialBuckets(0.05, 4, 10),
		},
		[]string{"queue"},
	)

	savepointFailures = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dispatch_savepoint_failures_total",
			Help: "Total savepoints that could not be written",
		},
		[]string{"workflow"},
	)

	queueRunning = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "dispatch_queue_running_tasks",
			Help: "Tasks holding a slot of the queue",
		},
		[]string{"queue"},
	)

	queuePending = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "dispatch_queue_pending_tasks",
			Help: "Tasks waiting in the queue",
		},
		[]string{"queue"},
	)

	queueConcurrency = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "dispatch_queue_concurrency",
			Help: "Configured concurrency of the queue",
		},
		[]string{"queue"},
	)

	retriesPending = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "dispatch_retries_pending",
			Help: "Task retries waiting for their delay",
		},
	)

	scheduleLaunches = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dispatch_schedule_launches_total",
			Help: "Total periodic launches by schedule and result",
		},
		[]string{"schedule", "result"},
	)

	gcPurged = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dispatch_gc_purged_total",
			Help: "Total records deleted by the garbage collector by kind",
		},
		[]string{"kind"},
	)
)

// Observer records instance lifecycle events. It implements
// instance.Observer.
type Observer struct{}

// InstanceStarted implements instance.Observer.
func (Observer) InstanceStarted(workflow string) {
	instancesStarted.WithLabelValues(workflow).Inc()
	instancesRunning.Inc()
}

// InstanceEnded implements instance.Observer.
func (Observer) InstanceEnded(s instance.Summary) {
	outcome := "success"
	if s.Errors > 0 {
		outcome = "failure"
	}
	instancesEnded.WithLabelValues(s.Workflow, outcome).Inc()
	instancesRunning.Dec()
	if s.EndedAt != nil {
		instanceDuration.WithLabelValues(s.Workflow).Observe(s.EndedAt.Sub(s.StartedAt).Seconds())
	}
}

// TaskFailed implements instance.Observer.
func (Observer) TaskFailed(workflow string) {
	tasksFailed.WithLabelValues(workflow).Inc()
}

// SavepointFailed implements instance.Observer.
func (Observer) SavepointFailed(workflow string) {
	savepointFailures.WithLabelValues(workflow).Inc()
}

// RecordSpawn counts a spawn attempt on a queue.
func RecordSpawn(queueName string, err error) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	tasksSpawned.WithLabelValues(queueName, result).Inc()
}

// RecordTaskDuration observes the run time of a finished task process.
func RecordTaskDuration(queueName string, d time.Duration) {
	taskDuration.WithLabelValues(queueName).Observe(d.Seconds())
}

// RecordScheduleLaunch counts a periodic launch.
func RecordScheduleLaunch(schedule string, err error) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	scheduleLaunches.WithLabelValues(schedule, result).Inc()
}

// RecordPurged counts records deleted by the garbage collector.
func RecordPurged(kind string, n int) {
	gcPurged.WithLabelValues(kind).Add(float64(n))
}

// UpdateQueues replaces the per-queue gauges with stats.
func UpdateQueues(stats []queue.Stats) {
	queueRunning.Reset()
	queuePending.Reset()
	queueConcurrency.Reset()
	for _, s := range stats {
		queueRunning.WithLabelValues(s.Name).Set(float64(s.Running))
		queuePending.WithLabelValues(s.Name).Set(float64(s.Pending))
		queueConcurrency.WithLabelValues(s.Name).Set(float64(s.Concurrency))
	}
}

// SetRetriesPending sets the pending retry gauge.
func SetRetriesPending(n int) {
	retriesPending.Set(float64(n))
}

// Handler serves the default registry. refresh, when set, runs before each
// scrape to update point-in-time gauges.
func Handler(refresh func()) http.Handler {
	next := promhttp.Handler()
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if refresh != nil {
			refresh()
		}
		next.ServeHTTP(w, r)
	})
}
