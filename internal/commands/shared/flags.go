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
	"os"
	"time"

	"github.com/tombee/dispatch/internal/client"
	"github.com/tombee/dispatch/internal/config"
)

// Global flag values - set by root command
var (
	jsonFlag    bool
	hostFlag    string
	timeoutFlag time.Duration

	// Build-time version information
	version   = "dev"
	commit    = "unknown"
	buildDate = "unknown"

	// newClient is replaced in tests.
	newClient      = defaultClient
	clientReplaced bool
)

// RegisterFlagPointers returns pointers to flag variables for binding.
// Called by root command to register flags.
func RegisterFlagPointers() (*bool, *string, *time.Duration) {
	return &jsonFlag, &hostFlag, &timeoutFlag
}

// SetVersion sets the version information (called from main)
func SetVersion(v, c, b string) {
	version = v
	commit = c
	buildDate = b
}

// GetVersion returns version information
func GetVersion() (string, string, string) {
	return version, commit, buildDate
}

// GetJSON returns the JSON output flag value
func GetJSON() bool {
	return jsonFlag
}

// GetTimeout returns the per-request timeout.
func GetTimeout() time.Duration {
	if timeoutFlag <= 0 {
		return 30 * time.Second
	}
	return timeoutFlag
}

// Client returns a client for the daemon selected by --host or DISPATCH_HOST.
func Client() (*client.Client, error) {
	return newClient()
}

// DaemonClient returns a client for the daemon cfg describes. --host and
// DISPATCH_HOST still take precedence.
func DaemonClient(cfg *config.Config) (*client.Client, error) {
	if clientReplaced || hostFlag != "" || os.Getenv(client.HostEnv) != "" {
		return newClient()
	}
	if cfg.Daemon.TCPAddr != "" {
		return client.New(client.WithTransport(client.NewTCPTransport(cfg.Daemon.TCPAddr)))
	}
	return client.New(client.WithTransport(client.NewUnixTransport(cfg.Daemon.SocketPath)))
}

func defaultClient() (*client.Client, error) {
	if hostFlag == "" {
		return client.FromEnvironment()
	}
	transport, err := client.ParseHost(hostFlag)
	if err != nil {
		return nil, err
	}
	opts := []client.Option{client.WithTransport(transport)}
	if transport.TLSConfig != nil {
		opts = append(opts, client.WithBaseURL("https://"+transport.TCPAddr))
	}
	return client.New(opts...)
}

// SetClientForTest makes Client return c until the returned func is called.
func SetClientForTest(c *client.Client) func() {
	prev, prevReplaced := newClient, clientReplaced
	newClient = func() (*client.Client, error) { return c, nil }
	clientReplaced = true
	return func() { newClient, clientReplaced = prev, prevReplaced }
}

// SetJSONForTest sets the --json flag value until the returned func is called.
func SetJSONForTest(v bool) func() {
	prev := jsonFlag
	jsonFlag = v
	return func() { jsonFlag = prev }
}
