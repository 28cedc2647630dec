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
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tombee/dispatch/internal/daemon/backend"
	"github.com/tombee/dispatch/internal/daemon/backend/memory"
	"github.com/tombee/dispatch/internal/log"
)

type purgeCounter struct {
	mu     sync.Mutex
	counts map[string]int
}

func (c *purgeCounter) record(kind string, n int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.counts == nil {
		c.counts = make(map[string]int)
	}
	c.counts[kind] += n
}

func (c *purgeCounter) get(kind string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.counts[kind]
}

func seedHistory(t *testing.T, be *memory.Backend) {
	t.Helper()
	ctx := context.Background()
	now := time.Now()
	old := now.Add(-40 * 24 * time.Hour)

	for id := uint64(1); id <= 7; id++ {
		inst := &backend.Instance{ID: id, Workflow: "wf", Status: "TERMINATED", StartedAt: old}
		switch {
		case id <= 5:
			inst.EndedAt = &old
		case id == 6:
			inst.EndedAt = &now
		default:
			inst.Status = "EXECUTING"
		}
		require.NoError(t, be.SaveInstance(ctx, inst))
	}
	for range 3 {
		require.NoError(t, be.RecordTaskLog(ctx, &backend.TaskLog{InstanceID: 7, TaskPath: "/job/t", Attempt: 1, Stream: "stdout"}))
	}
}

func TestGarbageCollectorCollect(t *testing.T) {
	be := memory.New()
	seedHistory(t, be)

	counter := &purgeCounter{}
	gc := NewGarbageCollector(be, GCConfig{
		Interval:          time.Hour,
		Delay:             time.Millisecond,
		Limit:             2,
		InstanceRetention: 30 * 24 * time.Hour,
		LogRetention:      7 * 24 * time.Hour,
		OnPurge:           counter.record,
	}, log.Discard())
	// Logs were recorded just now; look at them from eight days ahead.
	gc.now = func() time.Time { return time.Now().Add(8 * 24 * time.Hour) }

	assert.Equal(t, 8, gc.Collect(context.Background()))
	assert.Equal(t, 5, counter.get(PurgedInstances))
	assert.Equal(t, 3, counter.get(PurgedTaskLogs))

	list, err := be.ListInstances(context.Background(), backend.InstanceFilter{})
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, uint64(7), list[0].ID)
	assert.Equal(t, uint64(6), list[1].ID)

	assert.Zero(t, gc.Collect(context.Background()))
}

func TestGarbageCollectorRun(t *testing.T) {
	be := memory.New()
	seedHistory(t, be)

	counter := &purgeCounter{}
	gc := NewGarbageCollector(be, GCConfig{
		Interval:          10 * time.Millisecond,
		Limit:             100,
		InstanceRetention: 30 * 24 * time.Hour,
		LogRetention:      7 * 24 * time.Hour,
		OnPurge:           counter.record,
	}, log.Discard())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- gc.Run(ctx) }()

	require.Eventually(t, func() bool { return counter.get(PurgedInstances) == 5 }, 2*time.Second, 5*time.Millisecond)
	assert.Zero(t, counter.get(PurgedTaskLogs), "logs are within retention")

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

type failingPurger struct {
	calls int
}

func (p *failingPurger) PurgeInstances(context.Context, time.Time, int) (int, error) {
	p.calls++
	return 0, errors.New("database is locked")
}

func (p *failingPurger) PurgeTaskLogs(context.Context, time.Time, int) (int, error) {
	p.calls++
	return 0, errors.New("database is locked")
}

func TestGarbageCollectorPurgeError(t *testing.T) {
	p := &failingPurger{}
	gc := NewGarbageCollector(p, GCConfig{Interval: time.Hour, Limit: 10}, log.Discard())

	assert.Zero(t, gc.Collect(context.Background()))
	assert.Equal(t, 2, p.calls, "a failed pass is not retried until the next interval")
}
