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
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
)

var (
	// ErrAlreadyRunning is returned by Acquire when the PID file names a
	// live dispatchd process.
	ErrAlreadyRunning = errors.New("dispatchd is already running")

	// ErrPIDFileLocked is returned when another process holds the PID file lock.
	ErrPIDFileLocked = errors.New("PID file is locked by another process")

	// ErrInvalidPID is returned when the PID file contains invalid data.
	ErrInvalidPID = errors.New("invalid PID in file")

	// ErrUnsafeDirectory is returned when the PID file parent is world-writable.
	ErrUnsafeDirectory = errors.New("PID file directory is world-writable")
)

// PIDFile is the daemon's PID file. The file is created with O_EXCL and
// flock'ed for the lifetime of the daemon.
type PIDFile struct {
	path string
	lock *os.File

	// isDispatchd is replaced in tests.
	isDispatchd func(pid int) bool
}

// NewPIDFile returns a PID file at path. Nothing is written until Acquire.
func NewPIDFile(path string) *PIDFile {
	return &PIDFile{path: path, isDispatchd: IsDispatchd}
}

// Path returns the file path.
func (p *PIDFile) Path() string { return p.path }

// Acquire writes pid to the file and holds its lock. A file left behind by
// a dead daemon, or naming a process that is not dispatchd, is replaced.
func (p *PIDFile) Acquire(pid int) error {
	dir := filepath.Dir(p.path)
	if err := checkDirectory(dir); err != nil {
		return fmt.Errorf("unsafe PID file location: %w", err)
	}
	if err := os.MkdirAll(dir, 0700); err != nil {
		return fmt.Errorf("failed to create PID file directory: %w", err)
	}

	err := p.create(pid)
	if !os.IsExist(err) {
		return err
	}

	old, readErr := p.Read()
	if readErr == nil && IsProcessRunning(old) && p.isDispatchd(old) {
		return fmt.Errorf("%w (pid %d)", ErrAlreadyRunning, old)
	}
	if err := os.Remove(p.path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to remove stale PID file: %w", err)
	}
	return p.create(pid)
}

func (p *PIDFile) create(pid int) error {
	f, err := os.OpenFile(p.path, os.O_RDWR|os.O_CREATE|os.O_EXCL, 0600)
	if err != nil {
		if os.IsExist(err) {
			return err
		}
		return fmt.Errorf("failed to create PID file: %w", err)
	}

	if err := syscall.Flock(int(f.Fd()), syscall.LOCK_EX|syscall.LOCK_NB); err != nil {
		f.Close()
		os.Remove(p.path)
		if err == syscall.EWOULDBLOCK {
			return ErrPIDFileLocked
		}
		return fmt.Errorf("failed to lock PID file: %w", err)
	}

	if _, err := fmt.Fprintf(f, "%d\n", pid); err != nil {
		f.Close()
		os.Remove(p.path)
		return fmt.Errorf("failed to write PID: %w", err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(p.path)
		return fmt.Errorf("failed to sync PID file: %w", err)
	}

	p.lock = f
	return nil
}

// Read returns the PID stored in the file. A missing file yields an error
// satisfying os.IsNotExist.
func (p *PIDFile) Read() (int, error) {
	data, err := os.ReadFile(p.path)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, err
		}
		return 0, fmt.Errorf("failed to read PID file: %w", err)
	}

	s := strings.TrimSpace(string(data))
	pid, err := strconv.Atoi(s)
	if err != nil {
		return 0, fmt.Errorf("%w: %q", ErrInvalidPID, s)
	}
	if pid <= 0 {
		return 0, fmt.Errorf("%w: %d", ErrInvalidPID, pid)
	}
	return pid, nil
}

// Running returns the PID of the live dispatchd named by the file, or 0.
func (p *PIDFile) Running() int {
	pid, err := p.Read()
	if err != nil {
		return 0
	}
	if !IsProcessRunning(pid) || !p.isDispatchd(pid) {
		return 0
	}
	return pid
}

// Release unlocks and deletes the file.
func (p *PIDFile) Release() error {
	if p.lock != nil {
		syscall.Flock(int(p.lock.Fd()), syscall.LOCK_UN)
		p.lock.Close()
		p.lock = nil
	}
	if err := os.Remove(p.path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to remove PID file: %w", err)
	}
	return nil
}

// checkDirectory rejects world-writable parents, where another user could
// plant a symlink at the PID file path.
func checkDirectory(dir string) error {
	info, err := os.Stat(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("failed to stat directory: %w", err)
	}
	if mode := info.Mode(); mode&0002 != 0 {
		return fmt.Errorf("%w: %s has mode %04o", ErrUnsafeDirectory, dir, mode&os.ModePerm)
	}
	return nil
}
