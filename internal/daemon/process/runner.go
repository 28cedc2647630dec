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

package process

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"github.com/tombee/dispatch/internal/lifecycle"
	"github.com/tombee/dispatch/internal/log"
)

// Config configures a Runner.
type Config struct {
	// UseForker routes spawns through the forker helper. When false,
	// monitors are started directly from the daemon.
	UseForker bool

	// LogsDir receives the per-tid capture files.
	LogsDir string

	// TasksDir is the base for relative task working directories.
	TasksDir string

	// Executable is the binary re-executed for helper modes. Defaults to
	// os.Executable().
	Executable string

	// ReapGrace is how long Reap waits after SIGTERM before killing the
	// task. Defaults to 5s.
	ReapGrace time.Duration
}

const defaultReapGrace = 5 * time.Second

// ErrNotMonitor is returned by Reap when the pid is alive but is not a task
// monitor, typically because the pid was reused.
var ErrNotMonitor = errors.New("process is not a task monitor")

// Runner starts task processes and reports their completion.
type Runner struct {
	cfg    Config
	logger *slog.Logger

	statusR  *os.File
	statusW  *os.File
	gatherer *Gatherer

	// mu serializes request/response pairs with the forker.
	mu     sync.Mutex
	forker *exec.Cmd
	reqW   io.WriteCloser
	respR  io.ReadCloser

	closeOnce sync.Once
}

// NewRunner creates the status pipe, starts the gatherer and, in forker
// mode, the forker helper.
func NewRunner(cfg Config, logger *slog.Logger) (*Runner, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Executable == "" {
		self, err := os.Executable()
		if err != nil {
			return nil, fmt.Errorf("failed to resolve executable: %w", err)
		}
		cfg.Executable = self
	}
	if cfg.ReapGrace <= 0 {
		cfg.ReapGrace = defaultReapGrace
	}
	if err := os.MkdirAll(cfg.LogsDir, 0700); err != nil {
		return nil, fmt.Errorf("failed to create logs directory: %w", err)
	}

	statusR, statusW, err := os.Pipe()
	if err != nil {
		return nil, fmt.Errorf("failed to create status pipe: %w", err)
	}

	r := &Runner{
		cfg:     cfg,
		logger:  log.WithComponent(logger, "process-runner"),
		statusR: statusR,
		statusW: statusW,
	}
	r.gatherer = NewGatherer(statusR, log.WithComponent(logger, "gatherer"))

	if cfg.UseForker {
		if err := r.startForker(); err != nil {
			statusW.Close()
			statusR.Close()
			return nil, err
		}
	}
	return r, nil
}

func (r *Runner) startForker() error {
	cmd := exec.Command(r.cfg.Executable, ForkerFlag)
	cmd.ExtraFiles = []*os.File{r.statusW}
	cmd.Stderr = os.Stderr
	// Own process group, so terminal signals aimed at the daemon do not
	// reach the helper.
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	reqW, err := cmd.StdinPipe()
	if err != nil {
		return fmt.Errorf("failed to create forker request pipe: %w", err)
	}
	respR, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("failed to create forker response pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("failed to start forker: %w", err)
	}

	r.forker = cmd
	r.reqW = reqW
	r.respR = respR
	r.logger.Info("forker started", slog.Int(log.PIDKey, cmd.Process.Pid))
	return nil
}

// Spawn starts a task attempt and returns the pid of its monitor. A
// failure is reported synchronously with pid -1.
func (r *Runner) Spawn(req *SpawnRequest) (int, error) {
	req.LogsDir = r.cfg.LogsDir
	if req.WorkDir != "" && !filepath.IsAbs(req.WorkDir) && r.cfg.TasksDir != "" {
		req.WorkDir = filepath.Join(r.cfg.TasksDir, req.WorkDir)
	}
	if err := preflight(req); err != nil {
		return -1, err
	}

	payload, err := req.MarshalBinary()
	if err != nil {
		return -1, fmt.Errorf("failed to encode spawn request: %w", err)
	}

	if r.forker == nil {
		cmd, err := startMonitor(r.cfg.Executable, payload, r.statusW)
		if err != nil {
			return -1, err
		}
		go cmd.Wait()
		return cmd.Process.Pid, nil
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if err := WriteFrame(r.reqW, payload); err != nil {
		return -1, fmt.Errorf("failed to send request to forker: %w", err)
	}
	data, err := ReadFrame(r.respR)
	if err != nil {
		return -1, fmt.Errorf("failed to read forker response: %w", err)
	}
	var resp spawnResponse
	if err := resp.unmarshal(data); err != nil {
		return -1, err
	}
	if resp.Err != "" {
		return -1, errors.New(resp.Err)
	}
	return resp.PID, nil
}

// preflight catches the spawn errors that can be detected before a monitor
// is started.
func preflight(req *SpawnRequest) error {
	if req.Path == "" {
		return errors.New("task has no executable path")
	}
	if _, err := exec.LookPath(req.Path); err != nil {
		return fmt.Errorf("executable not found: %w", err)
	}
	if req.WorkDir != "" {
		info, err := os.Stat(req.WorkDir)
		if err != nil {
			return fmt.Errorf("invalid working directory: %w", err)
		}
		if !info.IsDir() {
			return fmt.Errorf("working directory %s is not a directory", req.WorkDir)
		}
	}
	return nil
}

// Signal sends sig to a monitor. Monitors forward SIGTERM to the task's
// process group.
func (r *Runner) Signal(pid int, sig syscall.Signal) error {
	if pid <= 0 {
		return fmt.Errorf("invalid pid %d", pid)
	}
	if err := syscall.Kill(pid, sig); err != nil {
		return fmt.Errorf("failed to send %v to %d: %w", sig, pid, err)
	}
	return nil
}

// Reap stops a monitor left running by a previous daemon, together with its
// task. The monitor gets SIGTERM, which it forwards to the task's process
// group; after ReapGrace it gets KillSignal and kills the group itself. A pid
// that no longer exists is not an error.
func (r *Runner) Reap(pid int) error {
	if pid <= 0 {
		return fmt.Errorf("invalid pid %d", pid)
	}
	if !lifecycle.IsProcessRunning(pid) {
		return nil
	}
	if !lifecycle.RunsWithFlag(pid, MonitorFlag) {
		return fmt.Errorf("%w: pid %d", ErrNotMonitor, pid)
	}

	logger := r.logger.With(slog.Int(log.PIDKey, pid))
	logger.Info("stopping task monitor left by a previous run")
	if err := signalAlive(pid, syscall.SIGTERM); err != nil {
		return err
	}
	if lifecycle.WaitForExit(pid, r.cfg.ReapGrace) == nil {
		return nil
	}

	logger.Warn("task ignored SIGTERM, killing its process group")
	if err := signalAlive(pid, KillSignal); err != nil {
		return err
	}
	if lifecycle.WaitForExit(pid, r.cfg.ReapGrace) == nil {
		return nil
	}
	if err := signalAlive(pid, syscall.SIGKILL); err != nil {
		return err
	}
	return lifecycle.WaitForExit(pid, r.cfg.ReapGrace)
}

func signalAlive(pid int, sig syscall.Signal) error {
	if err := syscall.Kill(pid, sig); err != nil && !errors.Is(err, syscall.ESRCH) {
		return fmt.Errorf("failed to send %v to %d: %w", sig, pid, err)
	}
	return nil
}

// Completions returns the channel of task exits.
func (r *Runner) Completions() <-chan Completion {
	return r.gatherer.Completions()
}

// Progress returns the channel of progress reports.
func (r *Runner) Progress() <-chan Progress {
	return r.gatherer.Progress()
}

// LogsDir returns the capture directory.
func (r *Runner) LogsDir() string {
	return r.cfg.LogsDir
}

// Close stops the forker and the gatherer. Running monitors are left alone;
// the next daemon reaps them on resume.
func (r *Runner) Close() error {
	var err error
	r.closeOnce.Do(func() {
		if r.forker != nil {
			r.mu.Lock()
			r.reqW.Close()
			if werr := r.forker.Wait(); werr != nil {
				r.logger.Warn("forker exited with error", log.Error(werr))
			}
			r.mu.Unlock()
		}
		r.statusW.Close()
		err = r.statusR.Close()
	})
	return err
}
