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

//go:build linux

package lifecycle

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

func processCommand(pid int) (string, error) {
	cmdline, err := os.ReadFile(fmt.Sprintf("/proc/%d/cmdline", pid))
	if err != nil {
		return "", fmt.Errorf("failed to read cmdline: %w", err)
	}
	return strings.TrimSpace(strings.ReplaceAll(string(cmdline), "\x00", " ")), nil
}

// matchesDaemon checks the basename of argv[0]. Forker and monitor helpers
// are dispatchd re-executed, so they match too; the PID file only ever
// names the parent.
func matchesDaemon(cmd string) bool {
	argv0, _, _ := strings.Cut(cmd, " ")
	return filepath.Base(argv0) == DaemonBinary
}
