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
	"log/slog"
	"time"

	"github.com/tombee/dispatch/internal/daemon/backend"
	"github.com/tombee/dispatch/internal/log"
)

// Kinds of purged records, as passed to GCConfig.OnPurge.
const (
	PurgedInstances = "instances"
	PurgedTaskLogs  = "task_logs"
)

// GCConfig configures a GarbageCollector.
type GCConfig struct {
	Interval time.Duration
	Delay    time.Duration
	Limit    int

	InstanceRetention time.Duration
	LogRetention      time.Duration

	// OnPurge, when set, is called for every non-empty batch.
	OnPurge func(kind string, n int)
}

// GarbageCollector periodically deletes terminated instances and task logs
// older than their retention. A pass deletes in batches of Limit records of
// each kind, Delay apart, until a batch deletes nothing.
type GarbageCollector struct {
	purger backend.Purger
	cfg    GCConfig
	now    func() time.Time
	logger *slog.Logger
}

// NewGarbageCollector creates a collector. Call Run to start it.
func NewGarbageCollector(purger backend.Purger, cfg GCConfig, logger *slog.Logger) *GarbageCollector {
	if logger == nil {
		logger = slog.Default()
	}
	return &GarbageCollector{
		purger: purger,
		cfg:    cfg,
		now:    time.Now,
		logger: log.WithComponent(logger, "gc"),
	}
}

// Run collects every Interval until ctx is cancelled. The first pass happens
// one Interval after start.
func (gc *GarbageCollector) Run(ctx context.Context) error {
	gc.logger.Info("garbage collector started",
		slog.Duration("interval", gc.cfg.Interval),
		slog.Int("limit", gc.cfg.Limit))

	ticker := time.NewTicker(gc.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			gc.Collect(ctx)
		}
	}
}

// Collect runs one pass and returns the number of deleted records. Cutoffs
// are computed once at the start of the pass.
func (gc *GarbageCollector) Collect(ctx context.Context) int {
	now := gc.now()
	instancesBefore := now.Add(-gc.cfg.InstanceRetention)
	logsBefore := now.Add(-gc.cfg.LogRetention)

	total := 0
	for {
		n := gc.purge(ctx, PurgedInstances, func() (int, error) {
			return gc.purger.PurgeInstances(ctx, instancesBefore, gc.cfg.Limit)
		})
		n += gc.purge(ctx, PurgedTaskLogs, func() (int, error) {
			return gc.purger.PurgeTaskLogs(ctx, logsBefore, gc.cfg.Limit)
		})
		if n == 0 {
			return total
		}
		total += n
		gc.logger.Info("removed expired entries", slog.Int("count", n))

		select {
		case <-ctx.Done():
			return total
		case <-time.After(gc.cfg.Delay):
		}
	}
}

func (gc *GarbageCollector) purge(ctx context.Context, kind string, fn func() (int, error)) int {
	n, err := fn()
	if err != nil {
		if ctx.Err() == nil {
			gc.logger.Error("purge failed", slog.String("kind", kind), log.Error(err))
		}
		return 0
	}
	if n > 0 && gc.cfg.OnPurge != nil {
		gc.cfg.OnPurge(kind, n)
	}
	return n
}
