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

package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// ErrNotReady is returned when the daemon does not answer before the
// readiness timeout.
var ErrNotReady = errors.New("daemon did not become ready")

// PingFunc checks the daemon once. The CLI passes the API client's Ping.
type PingFunc func(ctx context.Context) error

// ReadyWaiter polls a PingFunc with exponential backoff.
type ReadyWaiter struct {
	ping       PingFunc
	initial    time.Duration
	max        time.Duration
	multiplier float64
}

// NewReadyWaiter returns a waiter starting at 50ms, doubling up to 1s.
func NewReadyWaiter(ping PingFunc) *ReadyWaiter {
	return &ReadyWaiter{
		ping:       ping,
		initial:    50 * time.Millisecond,
		max:        time.Second,
		multiplier: 2,
	}
}

// WithBackoff overrides the polling intervals.
func (w *ReadyWaiter) WithBackoff(initial, max time.Duration, multiplier float64) *ReadyWaiter {
	w.initial = initial
	w.max = max
	w.multiplier = multiplier
	return w
}

// Wait polls until ping succeeds, ctx ends or timeout elapses.
// alive, when non-nil, is checked between attempts so a daemon that died
// during startup fails fast.
func (w *ReadyWaiter) Wait(ctx context.Context, timeout time.Duration, alive func() bool) (int, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	interval := w.initial
	for attempts := 1; ; attempts++ {
		err := w.ping(ctx)
		if err == nil {
			return attempts, nil
		}
		if alive != nil && !alive() {
			return attempts, fmt.Errorf("%w: process exited: %v", ErrNotReady, err)
		}

		select {
		case <-ctx.Done():
			return attempts, fmt.Errorf("%w after %d attempts: %v", ErrNotReady, attempts, err)
		case <-time.After(interval):
		}

		interval = time.Duration(float64(interval) * w.multiplier)
		if interval > w.max {
			interval = w.max
		}
	}
}
