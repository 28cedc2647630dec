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

/*
Package lifecycle starts and stops the dispatch daemon from the CLI.

The daemon writes a flock'ed PID file when configured with one; the CLI
reads it to find the process to signal:

	pf := lifecycle.NewPIDFile(path)
	if pid := pf.Running(); pid != 0 {
	    err := lifecycle.Stop(pid, 30*time.Second, false)
	}

Stop sends SIGTERM and lets the daemon drain. Reload sends SIGHUP.

Starting detaches dispatchd into its own session and waits for its API:

	pid, err := lifecycle.NewSpawner().SpawnDetached(binary, args, logPath)
	_, err = lifecycle.NewReadyWaiter(c.Ping).Wait(ctx, 10*time.Second, func() bool {
	    return lifecycle.IsProcessRunning(pid)
	})
*/
package lifecycle
