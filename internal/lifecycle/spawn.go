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
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"syscall"
)

// Spawner starts the daemon detached from the calling terminal.
type Spawner struct {
	// Env is the child environment. Defaults to os.Environ().
	Env []string
}

// NewSpawner returns a Spawner inheriting the current environment.
func NewSpawner() *Spawner {
	return &Spawner{Env: os.Environ()}
}

// SpawnDetached starts binary in a new session with stdin closed and both
// output streams appended to logPath, and returns its PID without waiting.
func (s *Spawner) SpawnDetached(binary string, args []string, logPath string) (int, error) {
	if err := os.MkdirAll(filepath.Dir(logPath), 0700); err != nil {
		return 0, fmt.Errorf("failed to create log directory: %w", err)
	}
	logFile, err := os.OpenFile(logPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0600)
	if err != nil {
		return 0, fmt.Errorf("failed to open log file: %w", err)
	}
	defer logFile.Close()

	cmd := exec.Command(binary, args...)
	cmd.Env = s.Env
	cmd.Stdout = logFile
	cmd.Stderr = logFile
	cmd.SysProcAttr = &syscall.SysProcAttr{Setsid: true}

	if err := cmd.Start(); err != nil {
		return 0, fmt.Errorf("failed to start %s: %w", binary, err)
	}
	pid := cmd.Process.Pid
	if err := cmd.Process.Release(); err != nil {
		return pid, fmt.Errorf("process started but failed to release: %w", err)
	}
	return pid, nil
}

// FindDaemonBinary locates dispatchd: next to the running executable first,
// then on PATH.
func FindDaemonBinary() (string, error) {
	if exe, err := os.Executable(); err == nil {
		candidate := filepath.Join(filepath.Dir(exe), DaemonBinary)
		if info, err := os.Stat(candidate); err == nil && !info.IsDir() {
			return candidate, nil
		}
	}
	path, err := exec.LookPath(DaemonBinary)
	if err != nil {
		return "", fmt.Errorf("%s not found next to this executable or in PATH", DaemonBinary)
	}
	return path, nil
}
