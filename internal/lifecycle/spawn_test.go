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
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestSpawner_SpawnDetached(t *testing.T) {
	if os.Getenv("SKIP_SPAWN_TESTS") != "" {
		t.Skip("SKIP_SPAWN_TESTS is set")
	}

	logPath := filepath.Join(t.TempDir(), "logs", "dispatchd.log")
	s := NewSpawner()
	s.Env = append(s.Env, "SPAWN_MARKER=detached")

	pid, err := s.SpawnDetached("sh", []string{"-c", "echo $SPAWN_MARKER; echo oops >&2"}, logPath)
	if err != nil && strings.Contains(err.Error(), "operation not permitted") {
		t.Skipf("spawn not permitted: %v", err)
	}
	if err != nil {
		t.Fatalf("SpawnDetached() error = %v", err)
	}
	if pid <= 0 {
		t.Fatalf("pid = %d", pid)
	}

	var data []byte
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		data, _ = os.ReadFile(logPath)
		if strings.Contains(string(data), "oops") {
			break
		}
		time.Sleep(50 * time.Millisecond)
	}
	if !strings.Contains(string(data), "detached") || !strings.Contains(string(data), "oops") {
		t.Errorf("log = %q, want stdout and stderr", data)
	}
}

func TestSpawner_MissingBinary(t *testing.T) {
	_, err := NewSpawner().SpawnDetached("/nonexistent/dispatchd", nil, filepath.Join(t.TempDir(), "x.log"))
	if err == nil {
		t.Error("SpawnDetached() error = nil, want error")
	}
}
