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
	"errors"
	"fmt"
	"os"
	"strings"
	"syscall"
	"time"
)

var (
	// ErrProcessNotRunning is returned when the process does not exist.
	ErrProcessNotRunning = errors.New("process not running")

	// ErrStopTimeout is returned when the process outlives the stop timeout.
	ErrStopTimeout = errors.New("process did not exit in time")
)

// DaemonBinary is the executable name Stop and the PID file accept as a
// dispatch daemon.
const DaemonBinary = "dispatchd"

// IsProcessRunning reports whether a process with pid exists.
func IsProcessRunning(pid int) bool {
	proc, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	// FindProcess always succeeds on Unix; signal 0 checks existence.
	return proc.Signal(syscall.Signal(0)) == nil
}

// IsDispatchd reports whether pid runs the dispatch daemon. It guards
// against signalling an unrelated process that reused a stale PID.
func IsDispatchd(pid int) bool {
	cmd, err := processCommand(pid)
	if err != nil {
		return false
	}
	return matchesDaemon(cmd)
}

// RunsWithFlag reports whether the command line of pid contains flag as a
// separate argument. Helpers re-executed from the daemon binary are told
// apart this way.
func RunsWithFlag(pid int, flag string) bool {
	cmd, err := processCommand(pid)
	if err != nil {
		return false
	}
	for _, arg := range strings.Fields(cmd) {
		if arg == flag {
			return true
		}
	}
	return false
}

// Signal sends sig to pid.
func Signal(pid int, sig syscall.Signal) error {
	proc, err := os.FindProcess(pid)
	if err != nil {
		return fmt.Errorf("failed to find process %d: %w", pid, err)
	}
	if err := proc.Signal(sig); err != nil {
		return fmt.Errorf("failed to send %v to process %d: %w", sig, pid, err)
	}
	return nil
}

// WaitForExit polls until pid is gone or timeout elapses.
func WaitForExit(pid int, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if !IsProcessRunning(pid) {
			return nil
		}
		time.Sleep(100 * time.Millisecond)
	}
	return ErrStopTimeout
}

// Stop sends SIGTERM so the daemon drains its queues and checkpoints its
// instances, then waits up to timeout. With force, a daemon still alive
// afterwards is killed; its running instances resume at next start.
func Stop(pid int, timeout time.Duration, force bool) error {
	if !IsProcessRunning(pid) {
		return ErrProcessNotRunning
	}
	if err := Signal(pid, syscall.SIGTERM); err != nil {
		return err
	}

	err := WaitForExit(pid, timeout)
	if err == nil || !force {
		return err
	}

	if err := Signal(pid, syscall.SIGKILL); err != nil {
		return err
	}
	if err := WaitForExit(pid, 5*time.Second); err != nil {
		return fmt.Errorf("process survived SIGKILL: %w", err)
	}
	return nil
}

// Reload sends SIGHUP, which makes the daemon re-read its configuration.
func Reload(pid int) error {
	return Signal(pid, syscall.SIGHUP)
}
