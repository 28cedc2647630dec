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
	"bufio"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"os/signal"
	"strconv"
	"strings"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/tombee/dispatch/internal/log"
)

// Environment variables set for every task.
const (
	EnvInstanceID = "DISPATCH_INSTANCE_ID"
	EnvTID        = "DISPATCH_TID"
	EnvTaskPath   = "DISPATCH_TASK_PATH"
	EnvLogFD      = "DISPATCH_LOG_FD"
)

// KillSignal makes a monitor SIGKILL its task's process group.
const KillSignal = syscall.SIGUSR1

// logDrainTimeout bounds how long the monitor waits for the task's log fd to
// close after the task exits, since background children may inherit it.
const logDrainTimeout = time.Second

// RunMonitor is the body of the monitor helper. It reads one SpawnRequest
// frame from in, runs the task in its own process group and reports progress
// and the final exit on status. It returns the helper's exit code.
func RunMonitor(in io.Reader, status io.Writer, logger *slog.Logger) int {
	// Catch termination signals from the start; they are acted on once the
	// task runs.
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT, KillSignal)
	defer signal.Stop(sigCh)

	payload, err := ReadFrame(in)
	if err != nil {
		logger.Error("monitor failed to read request", log.Error(err))
		return 2
	}
	var req SpawnRequest
	if err := req.UnmarshalBinary(payload); err != nil {
		logger.Error("monitor failed to decode request", log.Error(err))
		return 2
	}

	logger = logger.With(slog.Uint64(log.TIDKey, req.TID), slog.String(log.TaskKey, req.TaskPath))
	pid := os.Getpid()
	report := func(m StatusMessage) {
		m.TID = req.TID
		m.PID = pid
		data, err := m.MarshalBinary()
		if err == nil {
			err = WriteFrame(status, data)
		}
		if err != nil {
			logger.Error("monitor failed to write status", log.Error(err))
		}
	}
	exitAbnormal := func() int {
		report(StatusMessage{Type: MessageExit, Retcode: -1})
		return 1
	}

	files := LogPaths(req.LogsDir, req.TID)
	stdout, err := createLogFile(files.Stdout)
	if err != nil {
		logger.Error("monitor failed to create stdout file", log.Error(err))
		return exitAbnormal()
	}
	defer stdout.Close()
	stderr, err := createLogFile(files.Stderr)
	if err != nil {
		logger.Error("monitor failed to create stderr file", log.Error(err))
		return exitAbnormal()
	}
	defer stderr.Close()
	logFile, err := createLogFile(files.Log)
	if err != nil {
		logger.Error("monitor failed to create log file", log.Error(err))
		return exitAbnormal()
	}
	defer logFile.Close()

	logR, logW, err := os.Pipe()
	if err != nil {
		fmt.Fprintf(stderr, "failed to create log pipe: %v\n", err)
		return exitAbnormal()
	}

	cmd := exec.Command(req.Path, req.Args...)
	cmd.Env = taskEnv(&req)
	cmd.Dir = req.WorkDir
	cmd.Stdout = stdout
	if req.MergeStderr {
		cmd.Stderr = stdout
	} else {
		cmd.Stderr = stderr
	}
	if req.Stdin != "" {
		cmd.Stdin = strings.NewReader(req.Stdin)
	}
	cmd.ExtraFiles = []*os.File{logW}
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	if err := cmd.Start(); err != nil {
		logW.Close()
		logR.Close()
		fmt.Fprintf(stderr, "failed to start task: %v\n", err)
		return exitAbnormal()
	}
	logW.Close()
	pgid := cmd.Process.Pid

	logDone := make(chan struct{})
	go func() {
		defer close(logDone)
		copyTaskLog(logR, logFile, func(pct int) {
			report(StatusMessage{Type: MessageProgress, Progress: pct})
		})
	}()

	stopForward := make(chan struct{})
	go func() {
		for {
			select {
			case sig := <-sigCh:
				if sig == KillSignal {
					logger.Debug("killing task process group")
					syscall.Kill(-pgid, syscall.SIGKILL)
					continue
				}
				logger.Debug("forwarding SIGTERM to task")
				syscall.Kill(-pgid, syscall.SIGTERM)
			case <-stopForward:
				return
			}
		}
	}()

	var timedOut atomic.Bool
	var timer *time.Timer
	if req.Timeout > 0 {
		timer = time.AfterFunc(req.Timeout, func() {
			timedOut.Store(true)
			logger.Info("task timed out, killing process group", slog.Duration("timeout", req.Timeout))
			syscall.Kill(-pgid, syscall.SIGKILL)
		})
	}

	cmd.Wait()
	if timer != nil {
		timer.Stop()
	}
	close(stopForward)

	select {
	case <-logDone:
	case <-time.After(logDrainTimeout):
		logR.Close()
		<-logDone
	}

	msg := StatusMessage{Type: MessageExit, Retcode: -1, TimedOut: timedOut.Load()}
	if state := cmd.ProcessState; state != nil {
		if ws, ok := state.Sys().(syscall.WaitStatus); ok && ws.Signaled() {
			msg.Signaled = true
			msg.Signal = int(ws.Signal())
		} else if !msg.TimedOut {
			msg.Retcode = state.ExitCode()
		}
	}
	report(msg)
	return 0
}

func createLogFile(path string) (*os.File, error) {
	return os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0600)
}

// taskEnv builds the task environment: the monitor's own environment, the
// request variables, then the dispatch variables.
func taskEnv(req *SpawnRequest) []string {
	env := os.Environ()
	for k, v := range req.Env {
		env = append(env, k+"="+v)
	}
	return append(env,
		EnvInstanceID+"="+strconv.FormatUint(req.InstanceID, 10),
		EnvTID+"="+strconv.FormatUint(req.TID, 10),
		EnvTaskPath+"="+req.TaskPath,
		EnvLogFD+"=3",
	)
}

// copyTaskLog reads task log lines. Lines of the form %N report progress
// (clamped to 0..100); all other lines are appended to w.
func copyTaskLog(r io.ReadCloser, w io.Writer, progress func(int)) {
	defer r.Close()

	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		if pct, ok := parseProgress(line); ok {
			progress(pct)
			continue
		}
		io.WriteString(w, line+"\n")
	}
}

func parseProgress(line string) (int, bool) {
	if !strings.HasPrefix(line, "%") {
		return 0, false
	}
	n, err := strconv.Atoi(strings.TrimSpace(line[1:]))
	if err != nil {
		return 0, false
	}
	return min(max(n, 0), 100), true
}
