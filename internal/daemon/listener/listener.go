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

// Package listener opens the API listener on a Unix socket or TCP.
package listener

import (
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strings"
)

// Config selects where the API listens. TCPAddr wins over SocketPath.
type Config struct {
	SocketPath  string
	TCPAddr     string
	AllowRemote bool
}

// New opens the listener described by cfg. A Unix socket gets mode 0600
// and replaces whatever file was at its path.
func New(cfg Config) (net.Listener, error) {
	if cfg.TCPAddr != "" {
		if !cfg.AllowRemote && isRemoteAddr(cfg.TCPAddr) {
			return nil, fmt.Errorf("refusing to listen on non-loopback address %s without allow_remote", cfg.TCPAddr)
		}
		ln, err := net.Listen("tcp", cfg.TCPAddr)
		if err != nil {
			return nil, fmt.Errorf("failed to listen on %s: %w", cfg.TCPAddr, err)
		}
		return ln, nil
	}

	if cfg.SocketPath == "" {
		return nil, fmt.Errorf("no socket path or TCP address configured")
	}
	if err := os.MkdirAll(filepath.Dir(cfg.SocketPath), 0o700); err != nil {
		return nil, fmt.Errorf("failed to create socket directory: %w", err)
	}
	if err := os.Remove(cfg.SocketPath); err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("failed to remove stale socket: %w", err)
	}

	ln, err := net.Listen("unix", cfg.SocketPath)
	if err != nil {
		return nil, fmt.Errorf("failed to listen on %s: %w", cfg.SocketPath, err)
	}
	if err := os.Chmod(cfg.SocketPath, 0o600); err != nil {
		ln.Close()
		return nil, fmt.Errorf("failed to set socket permissions: %w", err)
	}
	return ln, nil
}

// isRemoteAddr reports whether addr binds anything but a loopback interface.
func isRemoteAddr(addr string) bool {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return true
	}
	if host == "localhost" {
		return false
	}
	ip := net.ParseIP(host)
	return ip == nil || !ip.IsLoopback()
}

// ParseHost parses a DISPATCH_HOST value: unix:///path, tcp://host:port or
// https://host:port. An empty value returns nil.
func ParseHost(host string) (*Config, error) {
	if host == "" {
		return nil, nil
	}
	switch {
	case strings.HasPrefix(host, "unix://"):
		return &Config{SocketPath: strings.TrimPrefix(host, "unix://")}, nil
	case strings.HasPrefix(host, "tcp://"):
		return &Config{TCPAddr: strings.TrimPrefix(host, "tcp://")}, nil
	case strings.HasPrefix(host, "https://"):
		return &Config{TCPAddr: strings.TrimPrefix(host, "https://")}, nil
	default:
		return nil, fmt.Errorf("invalid host %q: expected unix://, tcp:// or https://", host)
	}
}
