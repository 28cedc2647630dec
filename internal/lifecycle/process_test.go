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
	"os"
	"os/exec"
	"testing"
	"time"
)

func TestIsProcessRunning(t *testing.T) {
	if !IsProcessRunning(os.Getpid()) {
		t.Error("IsProcessRunning(self) = false, want true")
	}
	if IsProcessRunning(999999) {
		t.Error("IsProcessRunning(999999) = true, want false")
	}
}

func TestRunsWithFlag(t *testing.T) {
	cmd := exec.Command("sleep", "30")
	if err := cmd.Start(); err != nil {
		t.Fatalf("failed to start sleep: %v", err)
	}
	defer func() {
		cmd.Process.Kill()
		cmd.Wait()
	}()
	pid := cmd.Process.Pid

	if !RunsWithFlag(pid, "30") {
		t.Error("RunsWithFlag(sleep, 30) = false, want true")
	}
	if RunsWithFlag(pid, "3") {
		t.Error("RunsWithFlag(sleep, 3) = true, want false")
	}
	if RunsWithFlag(999999, "30") {
		t.Error("RunsWithFlag(missing pid) = true, want false")
	}
}

func TestMatchesDaemon(t *testing.T) {
	tests := []struct {
		cmd  string
		want bool
	}{
		{"/usr/local/bin/dispatchd --config /etc/dispatch.yaml", true},
		{"dispatchd", true},
		{"/usr/bin/dispatch daemon start", false},
		{"vim dispatchd.go", false},
	}
	for _, tt := range tests {
		if got := matchesDaemon(tt.cmd); got != tt.want {
			t.Errorf("matchesDaemon(%q) = %v, want %v", tt.cmd, got, tt.want)
		}
	}
}

func TestIsDispatchd(t *testing.T) {
	if IsDispatchd(os.Getpid()) {
		t.Error("IsDispatchd(test binary) = true, want false")
	}
	if IsDispatchd(999999) {
		t.Error("IsDispatchd(999999) = true, want false")
	}
}

func TestStop(t *testing.T) {
	t.Run("not running", func(t *testing.T) {
		if err := Stop(999999, time.Second, false); !errors.Is(err, ErrProcessNotRunning) {
			t.Errorf("Stop() error = %v, want ErrProcessNotRunning", err)
		}
	})

	t.Run("terminates on SIGTERM", func(t *testing.T) {
		cmd := exec.Command("sleep", "60")
		if err := cmd.Start(); err != nil {
			t.Skipf("cannot start sleep: %v", err)
		}
		done := make(chan struct{})
		go func() {
			cmd.Wait()
			close(done)
		}()

		if err := Signal(cmd.Process.Pid, 15); err != nil {
			t.Fatalf("Signal() error = %v", err)
		}
		select {
		case <-done:
		case <-time.After(5 * time.Second):
			cmd.Process.Kill()
			t.Fatal("process did not exit after SIGTERM")
		}
	})

	t.Run("times out without force", func(t *testing.T) {
		cmd := exec.Command("sh", "-c", "trap '' TERM; sleep 5")
		if err := cmd.Start(); err != nil {
			t.Skipf("cannot start sh: %v", err)
		}
		defer func() {
			cmd.Process.Kill()
			cmd.Wait()
		}()
		time.Sleep(100 * time.Millisecond)

		err := Stop(cmd.Process.Pid, 300*time.Millisecond, false)
		if !errors.Is(err, ErrStopTimeout) {
			t.Errorf("Stop() error = %v, want ErrStopTimeout", err)
		}
	})
}
