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

type firing struct {
	payload string
	reason  Reason
}

type recorder struct {
	mu     sync.Mutex
	fired  []firing
	notify chan struct{}
}

func newRecorder() *recorder {
	return &recorder{notify: make(chan struct{}, 100)}
}

func (r *recorder) callback(p string, reason Reason) {
	r.mu.Lock()
	r.fired = append(r.fired, firing{p, reason})
	r.mu.Unlock()
	r.notify <- struct{}{}
}

func (r *recorder) get() []firing {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]firing(nil), r.fired...)
}

func (r *recorder) waitFor(t *testing.T, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		select {
		case <-r.notify:
		case <-time.After(2 * time.Second):
			t.Fatalf("timed out waiting for event %d of %d", i+1, n)
		}
	}
}

func TestTimeSchedulerOrdering(t *testing.T) {
	rec := newRecorder()
	s := New(rec.callback, log.Discard())
	defer s.Shutdown()

	now := time.Now()
	s.InsertEvent("t+5", now.Add(150*time.Millisecond))
	s.InsertEvent("t+1", now.Add(30*time.Millisecond))
	s.InsertEvent("t+3", now.Add(90*time.Millisecond))

	rec.waitFor(t, 3)
	assert.Equal(t, []firing{
		{"t+1", ReasonAlarm},
		{"t+3", ReasonAlarm},
		{"t+5", ReasonAlarm},
	}, rec.get())
	assert.Equal(t, 0, s.Len())
}

func TestTimeSchedulerEqualTimesKeepInsertionOrder(t *testing.T) {
	rec := newRecorder()
	s := New(rec.callback, log.Discard())
	defer s.Shutdown()

	at := time.Now().Add(time.Hour)
	s.InsertEvent("a", at)
	s.InsertEvent("b", at)
	s.InsertEvent("c", at.Add(-time.Minute))

	events := s.Events()
	require.Len(t, events, 3)
	assert.Equal(t, "c", events[0].Payload)
	assert.Equal(t, "a", events[1].Payload)
	assert.Equal(t, "b", events[2].Payload)
}

func TestTimeSchedulerFlush(t *testing.T) {
	rec := newRecorder()
	s := New(rec.callback, log.Discard())
	defer s.Shutdown()

	now := time.Now()
	s.InsertEvent("t+5", now.Add(5*time.Hour))
	s.InsertEvent("t+1", now.Add(1*time.Hour))
	s.InsertEvent("t+3", now.Add(3*time.Hour))

	n := s.Flush(func(string) bool { return false })
	assert.Zero(t, n)
	assert.Empty(t, rec.get())
	assert.Equal(t, 3, s.Len())

	n = s.Flush(func(p string) bool { return p == "t+3" })
	assert.Equal(t, 1, n)
	assert.Equal(t, []firing{{"t+3", ReasonFlush}}, rec.get())

	// Flush is synchronous: callbacks have run by the time it returns.
	n = s.Flush(nil)
	assert.Equal(t, 2, n)
	assert.Equal(t, []firing{
		{"t+3", ReasonFlush},
		{"t+1", ReasonFlush},
		{"t+5", ReasonFlush},
	}, rec.get())
	assert.Equal(t, 0, s.Len())
}

func TestTimeSchedulerEarlierInsertWakesWorker(t *testing.T) {
	rec := newRecorder()
	s := New(rec.callback, log.Discard())
	defer s.Shutdown()

	s.InsertEvent("later", time.Now().Add(time.Hour))
	time.Sleep(10 * time.Millisecond)
	s.InsertEvent("soon", time.Now().Add(10*time.Millisecond))

	rec.waitFor(t, 1)
	assert.Equal(t, []firing{{"soon", ReasonAlarm}}, rec.get())
	assert.Equal(t, 1, s.Len())
}

func TestTimeSchedulerPastEventFiresImmediately(t *testing.T) {
	rec := newRecorder()
	s := New(rec.callback, log.Discard())
	defer s.Shutdown()

	s.InsertEvent("past", time.Now().Add(-time.Minute))
	rec.waitFor(t, 1)
	assert.Equal(t, ReasonAlarm, rec.get()[0].reason)
}

func TestTimeSchedulerShutdownLeavesEvents(t *testing.T) {
	rec := newRecorder()
	s := New(rec.callback, log.Discard())

	s.InsertEvent("pending", time.Now().Add(time.Hour))
	s.Shutdown()
	s.Shutdown()

	assert.Empty(t, rec.get())
	assert.Equal(t, 1, s.Len())
}

func TestReasonString(t *testing.T) {
	assert.Equal(t, "ALARM", ReasonAlarm.String())
	assert.Equal(t, "FLUSH", ReasonFlush.String())
	assert.Equal(t, "UNKNOWN", Reason(7).String())
}
