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
	"syscall"

	"github.com/tombee/dispatch/internal/log"
)

// Helper mode flags. The daemon binary dispatches on these before any other
// argument parsing.
const (
	ForkerFlag  = "--forker-child"
	MonitorFlag = "--monitor-child"
)

// statusFD is the file descriptor of the inherited status pipe in helpers.
const statusFD = 3

// HelperMain runs a helper mode when args select one. handled is false when
// args are not a helper invocation and the caller should continue normally.
func HelperMain(args []string) (handled bool, code int) {
	if len(args) == 0 {
		return false, 0
	}
	if args[0] != ForkerFlag && args[0] != MonitorFlag {
		return false, 0
	}

	logger := log.New(&log.Config{
		Level:  log.FromEnv().Level,
		Format: log.FormatJSON,
		Output: os.Stderr,
	})
	status := os.NewFile(statusFD, "status")
	if status == nil {
		logger.Error("status pipe is not open")
		return true, 2
	}

	switch args[0] {
	case MonitorFlag:
		logger = log.WithComponent(logger, "monitor")
		return true, RunMonitor(os.Stdin, status, logger)
	default:
		logger = log.WithComponent(logger, "forker")
		self, err := os.Executable()
		if err != nil {
			logger.Error("cannot resolve own executable", log.Error(err))
			return true, 2
		}
		return true, RunForker(os.Stdin, os.Stdout, status, self, logger)
	}
}

// RunForker is the body of the forker helper. For each request frame read
// from in it starts a monitor, hands it the request and answers on out with
// the monitor pid or an error. Monitors are reaped in the background. It
// returns when in is closed; monitors still running outlive it.
func RunForker(in io.Reader, out io.Writer, status *os.File, self string, logger *slog.Logger) int {
	for {
		payload, err := ReadFrame(in)
		if errors.Is(err, io.EOF) {
			logger.Debug("request pipe closed, forker exiting")
			return 0
		}
		if err != nil {
			logger.Error("failed to read spawn request", log.Error(err))
			return 1
		}

		var resp spawnResponse
		cmd, err := startMonitor(self, payload, status)
		if err != nil {
			resp.Err = err.Error()
		} else {
			resp.PID = cmd.Process.Pid
			go cmd.Wait()
		}

		data, err := resp.marshal()
		if err == nil {
			err = WriteFrame(out, data)
		}
		if err != nil {
			logger.Error("failed to write spawn response", log.Error(err))
			return 1
		}
	}
}

// startMonitor starts a monitor in its own process group and writes the
// request payload to its stdin.
func startMonitor(self string, payload []byte, status *os.File) (*exec.Cmd, error) {
	cmd := exec.Command(self, MonitorFlag)
	cmd.ExtraFiles = []*os.File{status}
	cmd.Stderr = os.Stderr
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to create monitor stdin: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("failed to start monitor: %w", err)
	}

	err = WriteFrame(stdin, payload)
	stdin.Close()
	if err != nil {
		cmd.Process.Kill()
		cmd.Wait()
		return nil, fmt.Errorf("failed to send request to monitor: %w", err)
	}
	return cmd, nil
}
