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
	"bytes"
	"errors"
	"fmt"
	"net/http"
	"syscall"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/tombee/dispatch/internal/client"
)

func TestExitCode(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want int
	}{
		{"nil", nil, ExitSuccess},
		{"exit error", NewInstanceFailedError(3, 2), ExitInstanceFailed},
		{"bad request", &client.APIError{StatusCode: http.StatusBadRequest}, ExitInvalidRequest},
		{"not found", fmt.Errorf("status: %w", &client.APIError{StatusCode: http.StatusNotFound}), ExitNotFound},
		{"conflict", &client.APIError{StatusCode: http.StatusConflict}, ExitConflict},
		{"timeout", &client.APIError{StatusCode: http.StatusRequestTimeout}, ExitTimeout},
		{"draining", &client.APIError{StatusCode: http.StatusServiceUnavailable}, ExitUnavailable},
		{"refused", fmt.Errorf("request failed: %w", syscall.ECONNREFUSED), ExitUnavailable},
		{"other", errors.New("boom"), ExitInstanceFailed},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ExitCode(tt.err))
		})
	}
}

func TestUseJSON(t *testing.T) {
	prev := isTerminal
	defer func() { isTerminal = prev }()
	t.Setenv("NO_COLOR", "")
	t.Setenv("TERM", "xterm-256color")

	isTerminal = func() bool { return false }
	assert.True(t, UseJSON())

	isTerminal = func() bool { return true }
	assert.False(t, UseJSON())

	restore := SetJSONForTest(true)
	assert.True(t, UseJSON())
	restore()

	t.Setenv("NO_COLOR", "1")
	assert.True(t, UseJSON())
}

func TestTable(t *testing.T) {
	out := Table([]string{"ID", "STATUS"}, [][]string{{"1", "TERMINATED"}, {"2", "EXECUTING"}}, 1)
	assert.Contains(t, out, "ID")
	assert.Contains(t, out, "TERMINATED")
	assert.Contains(t, out, "EXECUTING")
}

func TestPrintJSON(t *testing.T) {
	var buf bytes.Buffer
	assert.NoError(t, PrintJSON(&buf, map[string]int{"id": 4}))
	assert.Equal(t, "{\n  \"id\": 4\n}\n", buf.String())
}

func TestConfirm(t *testing.T) {
	prevOut, prevIn, prevRun := isTerminal, stdinIsTerminal, runConfirm
	defer func() { isTerminal, stdinIsTerminal, runConfirm = prevOut, prevIn, prevRun }()
	t.Setenv("NO_COLOR", "")
	t.Setenv("TERM", "xterm-256color")

	asked := 0
	answer := false
	runConfirm = func(title, description, affirmative string) (bool, error) {
		asked++
		return answer, nil
	}
	isTerminal = func() bool { return true }
	stdinIsTerminal = func() bool { return true }

	ok, err := Confirm(false, "Cancel?", "", "Yes")
	assert.NoError(t, err)
	assert.False(t, ok)
	assert.Equal(t, 1, asked)

	ok, err = Confirm(true, "Cancel?", "", "Yes")
	assert.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, 1, asked, "--yes must not prompt")

	stdinIsTerminal = func() bool { return false }
	ok, err = Confirm(false, "Cancel?", "", "Yes")
	assert.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, 1, asked, "no terminal must not prompt")
}
