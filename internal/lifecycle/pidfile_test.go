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
	"path/filepath"
	"testing"
)

func TestPIDFile_Acquire(t *testing.T) {
	dir := t.TempDir()

	t.Run("writes pid with restrictive mode", func(t *testing.T) {
		p := NewPIDFile(filepath.Join(dir, "a", "dispatchd.pid"))
		defer p.Release()

		if err := p.Acquire(1234); err != nil {
			t.Fatalf("Acquire() error = %v", err)
		}
		pid, err := p.Read()
		if err != nil {
			t.Fatalf("Read() error = %v", err)
		}
		if pid != 1234 {
			t.Errorf("Read() = %d, want 1234", pid)
		}
		info, err := os.Stat(p.Path())
		if err != nil {
			t.Fatalf("Stat() error = %v", err)
		}
		if mode := info.Mode() & os.ModePerm; mode != 0600 {
			t.Errorf("mode = %04o, want 0600", mode)
		}
	})

	t.Run("replaces file of a dead process", func(t *testing.T) {
		path := filepath.Join(dir, "stale.pid")
		if err := os.WriteFile(path, []byte("999999\n"), 0600); err != nil {
			t.Fatal(err)
		}
		p := NewPIDFile(path)
		defer p.Release()

		if err := p.Acquire(42); err != nil {
			t.Fatalf("Acquire() error = %v", err)
		}
		if pid, _ := p.Read(); pid != 42 {
			t.Errorf("Read() = %d, want 42", pid)
		}
	})

	t.Run("replaces file naming another program", func(t *testing.T) {
		path := filepath.Join(dir, "reused.pid")
		p1 := NewPIDFile(path)
		p1.isDispatchd = func(int) bool { return false }
		if err := os.WriteFile(path, []byte("1\n"), 0600); err != nil {
			t.Fatal(err)
		}
		defer p1.Release()

		if err := p1.Acquire(os.Getpid()); err != nil {
			t.Fatalf("Acquire() error = %v", err)
		}
	})

	t.Run("refuses when daemon is alive", func(t *testing.T) {
		path := filepath.Join(dir, "live.pid")
		p1 := NewPIDFile(path)
		if err := p1.Acquire(os.Getpid()); err != nil {
			t.Fatalf("first Acquire() error = %v", err)
		}
		defer p1.Release()

		p2 := NewPIDFile(path)
		p2.isDispatchd = func(int) bool { return true }
		err := p2.Acquire(os.Getpid())
		if !errors.Is(err, ErrAlreadyRunning) {
			t.Errorf("second Acquire() error = %v, want ErrAlreadyRunning", err)
		}
	})

	t.Run("rejects world-writable directory", func(t *testing.T) {
		unsafe := filepath.Join(dir, "unsafe")
		if err := os.Mkdir(unsafe, 0777); err != nil {
			t.Fatal(err)
		}
		if err := os.Chmod(unsafe, 0777); err != nil {
			t.Fatal(err)
		}
		err := NewPIDFile(filepath.Join(unsafe, "x.pid")).Acquire(1)
		if !errors.Is(err, ErrUnsafeDirectory) {
			t.Errorf("Acquire() error = %v, want ErrUnsafeDirectory", err)
		}
	})
}

func TestPIDFile_Read(t *testing.T) {
	dir := t.TempDir()

	tests := []struct {
		name    string
		content string
		want    int
		wantErr error
	}{
		{"valid", "4321\n", 4321, nil},
		{"garbage", "abc", 0, ErrInvalidPID},
		{"negative", "-3", 0, ErrInvalidPID},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := filepath.Join(dir, tt.name+".pid")
			if err := os.WriteFile(path, []byte(tt.content), 0600); err != nil {
				t.Fatal(err)
			}
			pid, err := NewPIDFile(path).Read()
			if tt.wantErr != nil {
				if !errors.Is(err, tt.wantErr) {
					t.Errorf("Read() error = %v, want %v", err, tt.wantErr)
				}
				return
			}
			if err != nil || pid != tt.want {
				t.Errorf("Read() = %d, %v; want %d", pid, err, tt.want)
			}
		})
	}

	t.Run("missing", func(t *testing.T) {
		_, err := NewPIDFile(filepath.Join(dir, "none.pid")).Read()
		if !os.IsNotExist(err) {
			t.Errorf("Read() error = %v, want not-exist", err)
		}
	})
}

func TestPIDFile_RunningAndRelease(t *testing.T) {
	path := filepath.Join(t.TempDir(), "dispatchd.pid")
	p := NewPIDFile(path)
	p.isDispatchd = func(pid int) bool { return pid == os.Getpid() }

	if got := p.Running(); got != 0 {
		t.Errorf("Running() before Acquire = %d, want 0", got)
	}
	if err := p.Acquire(os.Getpid()); err != nil {
		t.Fatal(err)
	}
	if got := p.Running(); got != os.Getpid() {
		t.Errorf("Running() = %d, want %d", got, os.Getpid())
	}
	if err := p.Release(); err != nil {
		t.Fatalf("Release() error = %v", err)
	}
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Error("PID file still present after Release()")
	}
	if err := p.Release(); err != nil {
		t.Errorf("second Release() error = %v", err)
	}
}
