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

// Package scheduler provides time-ordered event scheduling: a generic
// TimeScheduler, the task Retrier built on it, and the cron-driven
// WorkflowScheduler for periodic launches.
package scheduler

import (
	"log/slog"
	"sync"
	"time"

	"github.com/tombee/dispatch/internal/log"
)

// Reason tells a callback why an event left the scheduler.
type Reason int

const (
	// ReasonAlarm means the event reached its fire time.
	ReasonAlarm Reason = iota
	// ReasonFlush means the event was removed early by Flush.
	ReasonFlush
)

func (r Reason) String() string {
	switch r {
	case ReasonAlarm:
		return "ALARM"
	case ReasonFlush:
		return "FLUSH"
	default:
		return "UNKNOWN"
	}
}

// Event is a pending payload and its fire time.
type Event[T any] struct {
	Payload T         `json:"payload"`
	FireAt  time.Time `json:"fire_at"`
}

// TimeScheduler fires payload callbacks at or after their target time. A
// single worker goroutine sleeps until the earliest event. Callbacks are
// invoked without any scheduler lock held and must not panic.
type TimeScheduler[T any] struct {
	mu       sync.Mutex
	events   []Event[T]
	callback func(T, Reason)

	wake     chan struct{}
	stopCh   chan struct{}
	doneCh   chan struct{}
	stopOnce sync.Once
	logger   *slog.Logger
}

// New creates a TimeScheduler and starts its worker.
func New[T any](callback func(T, Reason), logger *slog.Logger) *TimeScheduler[T] {
	if logger == nil {
		logger = slog.Default()
	}
	s := &TimeScheduler[T]{
		callback: callback,
		wake:     make(chan struct{}, 1),
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
		logger:   logger,
	}
	go s.run()
	return s
}

// InsertEvent adds an event, keeping events sorted by fire time. Events with
// equal times fire in insertion order.
func (s *TimeScheduler[T]) InsertEvent(payload T, fireAt time.Time) {
	s.mu.Lock()
	i := len(s.events)
	for i > 0 && s.events[i-1].FireAt.After(fireAt) {
		i--
	}
	s.events = append(s.events, Event[T]{})
	copy(s.events[i+1:], s.events[i:])
	s.events[i] = Event[T]{Payload: payload, FireAt: fireAt}
	s.mu.Unlock()

	if i == 0 {
		select {
		case s.wake <- struct{}{}:
		default:
		}
	}
}

// Flush removes every event matching filter and fires it with ReasonFlush,
// synchronously and in time order. A nil filter matches all events. It
// returns the number of events flushed.
func (s *TimeScheduler[T]) Flush(filter func(T) bool) int {
	s.mu.Lock()
	var flushed []T
	kept := s.events[:0]
	for _, ev := range s.events {
		if filter == nil || filter(ev.Payload) {
			flushed = append(flushed, ev.Payload)
			continue
		}
		kept = append(kept, ev)
	}
	for i := len(kept); i < len(s.events); i++ {
		s.events[i] = Event[T]{}
	}
	s.events = kept
	s.mu.Unlock()

	for _, p := range flushed {
		s.callback(p, ReasonFlush)
	}
	return len(flushed)
}

// Len returns the number of pending events.
func (s *TimeScheduler[T]) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.events)
}

// Events returns a snapshot of the pending events in fire order.
func (s *TimeScheduler[T]) Events() []Event[T] {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Event[T](nil), s.events...)
}

// Shutdown stops the worker and waits for it to exit. Pending events are
// left unfired.
func (s *TimeScheduler[T]) Shutdown() {
	s.stopOnce.Do(func() { close(s.stopCh) })
	<-s.doneCh
}

func (s *TimeScheduler[T]) run() {
	defer close(s.doneCh)

	timer := time.NewTimer(time.Hour)
	timer.Stop()
	defer timer.Stop()

	for {
		s.mu.Lock()
		now := time.Now()
		var due []T
		for len(s.events) > 0 && !s.events[0].FireAt.After(now) {
			due = append(due, s.events[0].Payload)
			s.events[0] = Event[T]{}
			s.events = s.events[1:]
		}
		wait := time.Duration(-1)
		if len(s.events) > 0 {
			wait = s.events[0].FireAt.Sub(now)
		}
		s.mu.Unlock()

		if len(due) > 0 {
			for _, p := range due {
				s.callback(p, ReasonAlarm)
			}
			continue
		}

		var timerC <-chan time.Time
		if wait >= 0 {
			timer.Reset(wait)
			timerC = timer.C
			log.Trace(s.logger, "scheduler sleeping", log.Duration("wait", wait.Milliseconds()))
		}

		select {
		case <-s.stopCh:
			return
		case <-s.wake:
			timer.Stop()
		case <-timerC:
		}
	}
}
