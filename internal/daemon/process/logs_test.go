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
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLogPaths(t *testing.T) {
	files := LogPaths("/logs", 42)
	assert.Equal(t, "/logs/42.stdout", files.Stdout)
	assert.Equal(t, "/logs/42.stderr", files.Stderr)
	assert.Equal(t, "/logs/42.log", files.Log)
}

func TestReadLogFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "1.stdout")
	require.NoError(t, os.WriteFile(path, []byte("ok\x01\tline\r\n\x7f"), 0600))

	got, err := ReadLogFile(path, 100, false)
	require.NoError(t, err)
	assert.Equal(t, "ok?\tline\r\n?", got)

	got, err = ReadLogFile(path, 4, true)
	require.NoError(t, err)
	assert.Equal(t, "ok?\t"+TruncatedMarker, got)
	_, err = os.Stat(path)
	assert.True(t, os.IsNotExist(err), "file removed after read")

	got, err = ReadLogFile(path, 10, false)
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestTailLogFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "1.stderr")
	require.NoError(t, os.WriteFile(path, []byte(strings.Repeat("a", 100)+"tail"), 0600))

	got, err := TailLogFile(path, 4)
	require.NoError(t, err)
	assert.Equal(t, "tail", got)

	got, err = TailLogFile(path, 1000)
	require.NoError(t, err)
	assert.Len(t, got, 104)
}

func TestLogFilesRemove(t *testing.T) {
	dir := t.TempDir()
	files := LogPaths(dir, 7)
	require.NoError(t, os.WriteFile(files.Stdout, []byte("x"), 0600))
	require.NoError(t, files.Remove())
	_, err := os.Stat(files.Stdout)
	assert.True(t, os.IsNotExist(err))
}

func TestMaxLogTID(t *testing.T) {
	dir := t.TempDir()
	for _, name := range []string{"3.stdout", "12.log", "9.stderr", "40.tmp", "notes.log", "x12.stdout"} {
		require.NoError(t, os.WriteFile(filepath.Join(dir, name), nil, 0600))
	}
	require.NoError(t, os.Mkdir(filepath.Join(dir, "99.log"), 0700))

	tid, err := MaxLogTID(dir)
	require.NoError(t, err)
	assert.Equal(t, uint64(12), tid)

	tid, err = MaxLogTID(filepath.Join(dir, "missing"))
	require.NoError(t, err)
	assert.Zero(t, tid)
}

func TestParseProgress(t *testing.T) {
	tests := []struct {
		line string
		pct  int
		ok   bool
	}{
		{"%42", 42, true},
		{"% 7 ", 7, true},
		{"%150", 100, true},
		{"%-3", 0, true},
		{"%abc", 0, false},
		{"50%", 0, false},
		{"", 0, false},
	}
	for _, tt := range tests {
		pct, ok := parseProgress(tt.line)
		assert.Equal(t, tt.ok, ok, tt.line)
		assert.Equal(t, tt.pct, pct, tt.line)
	}
}

func TestTruncate(t *testing.T) {
	assert.Equal(t, "short", Truncate("short", 10))
	assert.Equal(t, "abc"+TruncatedMarker, Truncate("abcdef", 3))
	assert.Equal(t, "abcdef", Truncate("abcdef", 0))
}
