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

package shared

import (
	"errors"
	"fmt"
	"net/http"
	"os"

	"github.com/tombee/dispatch/internal/client"
)

// Exit codes of the dispatch CLI.
const (
	ExitSuccess        = 0
	ExitInstanceFailed = 1 // instance ended with errors, or a generic failure
	ExitInvalidRequest = 2 // definition or parameter error
	ExitNotFound       = 3
	ExitConflict       = 4 // instance not running, task not in the right state
	ExitTimeout        = 5
	ExitUnavailable    = 69 // daemon unreachable (EX_UNAVAILABLE from sysexits.h)
)

// ExitError is an error that carries an exit code
type ExitError struct {
	Code    int
	Message string
	Cause   error
}

func (e *ExitError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Cause)
	}
	return e.Message
}

func (e *ExitError) Unwrap() error {
	return e.Cause
}

// NewInstanceFailedError reports an instance that terminated with errors.
func NewInstanceFailedError(id uint64, errorTasks int) *ExitError {
	return &ExitError{
		Code:    ExitInstanceFailed,
		Message: fmt.Sprintf("instance %d terminated with %d failed task(s)", id, errorTasks),
	}
}

// ExitCode maps an error to the CLI exit code.
func ExitCode(err error) int {
	if err == nil {
		return ExitSuccess
	}
	var exitErr *ExitError
	if errors.As(err, &exitErr) {
		return exitErr.Code
	}
	if client.IsDaemonNotRunning(err) {
		return ExitUnavailable
	}
	var apiErr *client.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.StatusCode {
		case http.StatusBadRequest:
			return ExitInvalidRequest
		case http.StatusNotFound:
			return ExitNotFound
		case http.StatusConflict:
			return ExitConflict
		case http.StatusRequestTimeout:
			return ExitTimeout
		case http.StatusServiceUnavailable:
			return ExitUnavailable
		}
	}
	return ExitInstanceFailed
}

// HandleExitError prints err and exits with its code.
func HandleExitError(err error) {
	if err == nil {
		return
	}

	fmt.Fprintln(os.Stderr, RenderError(err.Error()))
	var dnr *client.DaemonNotRunningError
	if errors.As(err, &dnr) {
		fmt.Fprintln(os.Stderr)
		fmt.Fprintln(os.Stderr, dnr.Guidance())
	} else if client.IsDaemonNotRunning(err) {
		fmt.Fprintln(os.Stderr)
		fmt.Fprintln(os.Stderr, (&client.DaemonNotRunningError{}).Guidance())
	}

	os.Exit(ExitCode(err))
}
