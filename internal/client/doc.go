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
Package client provides an HTTP client for the dispatchd API.

CLI commands use it to launch and inspect workflow instances. It connects
over the daemon's Unix socket by default, or over TCP.

# Basic Usage

	c, err := client.FromEnvironment()
	if err != nil {
	    log.Fatal(err)
	}

	id, err := c.Launch(ctx, "nightly-etl", map[string]string{"date": "2024-01-01"})

	snap, err := c.Wait(ctx, id, 5*time.Minute)

# Transport

The default transport dials the socket from config.DefaultSocketPath:

	$XDG_RUNTIME_DIR/dispatch/dispatch.sock
	~/.dispatch/dispatch.sock

Override it with DISPATCH_HOST:

	export DISPATCH_HOST=tcp://127.0.0.1:7070
	export DISPATCH_HOST=unix:///run/dispatch/dispatch.sock

# Errors

Non-2xx responses are returned as *APIError carrying the status code and the
error type reported by the daemon (validation, not_found, state, timeout).
*/
package client
