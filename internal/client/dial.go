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

package client

import (
	"crypto/tls"
	"errors"
	"fmt"
	"os"
	"strings"
	"syscall"

	"github.com/tombee/dispatch/internal/daemon/listener"
)

// HostEnv selects the daemon address: unix:///path, tcp://host:port or
// https://host:port.
const HostEnv = "DISPATCH_HOST"

// ParseHost turns a DISPATCH_HOST value into a transport. An empty value
// selects the default socket.
func ParseHost(host string) (*Transport, error) {
	cfg, err := listener.ParseHost(host)
	if err != nil {
		return nil, err
	}
	if cfg == nil {
		return DefaultTransport()
	}
	if cfg.SocketPath != "" {
		return NewUnixTransport(cfg.SocketPath), nil
	}
	if strings.HasPrefix(host, "https://") {
		return NewTLSTransport(cfg.TCPAddr, &tls.Config{MinVersion: tls.VersionTLS12}), nil
	}
	return NewTCPTransport(cfg.TCPAddr), nil
}

// FromEnvironment creates a client configured from DISPATCH_HOST.
func FromEnvironment() (*Client, error) {
	host := os.Getenv(HostEnv)
	transport, err := ParseHost(host)
	if err != nil {
		return nil, err
	}
	opts := []Option{WithTransport(transport)}
	if transport.TLSConfig != nil {
		opts = append(opts, WithBaseURL("https://"+transport.TCPAddr))
	}
	return New(opts...)
}

// DaemonNotRunningError indicates the daemon could not be reached.
type DaemonNotRunningError struct {
	Address string
	Err     error
}

func (e *DaemonNotRunningError) Error() string {
	return fmt.Sprintf("dispatch daemon is not running (address: %s)", e.Address)
}

func (e *DaemonNotRunningError) Unwrap() error {
	return e.Err
}

// Guidance returns user-facing advice for starting the daemon.
func (e *DaemonNotRunningError) Guidance() string {
	return `dispatchd is not running.

Start it with:
  dispatch daemon start        # background, waits until healthy
  dispatchd --config FILE      # foreground`
}

// IsDaemonNotRunning reports whether err means the daemon is unreachable.
func IsDaemonNotRunning(err error) bool {
	if err == nil {
		return false
	}
	var dnr *DaemonNotRunningError
	if errors.As(err, &dnr) {
		return true
	}
	return errors.Is(err, syscall.ECONNREFUSED) || errors.Is(err, syscall.ENOENT)
}
