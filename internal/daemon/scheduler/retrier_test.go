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
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tombee/dispatch/internal/log"
)

type fakeRetryHandler struct {
	mu        sync.Mutex
	restarted []RetryEvent
	flushed   []RetryEvent
}

func (h *fakeRetryHandler) TaskRestart(instanceID uint64, taskPath string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.restarted = append(h.restarted, RetryEvent{instanceID, taskPath})
}

func (h *fakeRetryHandler) RetryFlushed(instanceID uint64, taskPath string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.flushed = append(h.flushed, RetryEvent{instanceID, taskPath})
}

func (h *fakeRetryHandler) restarts() []RetryEvent {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]RetryEvent(nil), h.restarted...)
}

func TestRetrierAlarmRestartsTask(t *testing.T) {
	h := &fakeRetryHandler{}
	r := NewRetrier(log.Discard())
	r.SetHandler(h)
	defer r.Shutdown()

	r.Schedule(1, "/job/task", time.Now().Add(20*time.Millisecond))

	require.Eventually(t, func() bool { return len(h.restarts()) == 1 }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, RetryEvent{1, "/job/task"}, h.restarts()[0])
	assert.Empty(t, h.flushed)
}

func TestRetrierFlushInstance(t *testing.T) {
	h := &fakeRetryHandler{}
	r := NewRetrier(log.Discard())
	r.SetHandler(h)
	defer r.Shutdown()

	at := time.Now().Add(time.Hour)
	r.Schedule(1, "/a", at)
	r.Schedule(2, "/b", at)
	r.Schedule(1, "/c", at.Add(-time.Minute))

	assert.Equal(t, 2, r.FlushInstance(1))
	assert.Equal(t, []RetryEvent{{1, "/c"}, {1, "/a"}}, h.flushed)

	pending := r.Pending()
	require.Len(t, pending, 1)
	assert.Equal(t, uint64(2), pending[0].Payload.InstanceID)

	assert.Zero(t, r.FlushInstance(1))
}

func TestRetrierWithoutHandler(t *testing.T) {
	r := NewRetrier(log.Discard())
	defer r.Shutdown()

	r.Schedule(1, "/a", time.Now().Add(time.Hour))
	assert.Equal(t, 1, r.FlushInstance(1))
}
