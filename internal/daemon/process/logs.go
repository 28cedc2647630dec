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
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

// TruncatedMarker is appended to log contents cut at the size limit.
const TruncatedMarker = "...TRUNCATED..."

// LogFiles holds the per-attempt capture files of a task.
type LogFiles struct {
	Stdout string
	Stderr string
	Log    string
}

// LogPaths builds the capture file paths for a tid.
func LogPaths(dir string, tid uint64) LogFiles {
	base := filepath.Join(dir, strconv.FormatUint(tid, 10))
	return LogFiles{
		Stdout: base + ".stdout",
		Stderr: base + ".stderr",
		Log:    base + ".log",
	}
}

// MaxLogTID returns the highest tid that has a capture file in dir, or 0.
// Seeding the pool's tids above it keeps a new attempt from truncating the
// files of a monitor left over from a previous run.
func MaxLogTID(dir string) (uint64, error) {
	entries, err := os.ReadDir(dir)
	if errors.Is(err, os.ErrNotExist) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("failed to read logs directory: %w", err)
	}

	var max uint64
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		name := e.Name()
		ext := filepath.Ext(name)
		if ext != ".stdout" && ext != ".stderr" && ext != ".log" {
			continue
		}
		tid, err := strconv.ParseUint(strings.TrimSuffix(name, ext), 10, 64)
		if err != nil {
			continue
		}
		if tid > max {
			max = tid
		}
	}
	return max, nil
}

// Remove deletes the capture files, ignoring missing ones.
func (l LogFiles) Remove() error {
	var errs []error
	for _, p := range []string{l.Stdout, l.Stderr, l.Log} {
		if err := os.Remove(p); err != nil && !errors.Is(err, os.ErrNotExist) {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// ReadLogFile reads up to maxSize bytes of a log file. Longer files are cut
// and get TruncatedMarker appended. Control characters other than \r, \n and
// \t are replaced with '?'. A missing file reads as empty. When remove is
// set the file is deleted after reading.
func ReadLogFile(path string, maxSize int64, remove bool) (string, error) {
	f, err := os.Open(path)
	if errors.Is(err, os.ErrNotExist) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to open log file: %w", err)
	}
	defer func() {
		f.Close()
		if remove {
			os.Remove(path)
		}
	}()

	data, err := io.ReadAll(io.LimitReader(f, maxSize+1))
	if err != nil {
		return "", fmt.Errorf("failed to read log file: %w", err)
	}

	truncated := int64(len(data)) > maxSize
	if truncated {
		data = data[:maxSize]
	}
	sanitize(data)
	if truncated {
		return string(data) + TruncatedMarker, nil
	}
	return string(data), nil
}

// TailLogFile returns the last tailSize bytes of a log file.
func TailLogFile(path string, tailSize int64) (string, error) {
	f, err := os.Open(path)
	if errors.Is(err, os.ErrNotExist) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to open log file: %w", err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return "", fmt.Errorf("failed to stat log file: %w", err)
	}
	if info.Size() > tailSize {
		if _, err := f.Seek(-tailSize, io.SeekEnd); err != nil {
			return "", fmt.Errorf("failed to seek log file: %w", err)
		}
	}

	data, err := io.ReadAll(io.LimitReader(f, tailSize))
	if err != nil {
		return "", fmt.Errorf("failed to read log file: %w", err)
	}
	sanitize(data)
	return string(data), nil
}

func sanitize(data []byte) {
	for i, c := range data {
		if (c < 0x20 && c != '\r' && c != '\n' && c != '\t') || c == 0x7f {
			data[i] = '?'
		}
	}
}

// Truncate cuts s to maxSize bytes and appends TruncatedMarker when it was
// longer. A non-positive maxSize leaves s unchanged.
func Truncate(s string, maxSize int64) string {
	if maxSize <= 0 || int64(len(s)) <= maxSize {
		return s
	}
	return s[:maxSize] + TruncatedMarker
}
