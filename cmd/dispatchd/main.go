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

package main

import (
	"fmt"
	"os"

	"github.com/spf13/pflag"

	"github.com/tombee/dispatch/internal/config"
	"github.com/tombee/dispatch/internal/daemon"
	"github.com/tombee/dispatch/internal/daemon/process"
)

// Version information (injected via ldflags at build time)
var (
	version   = "dev"
	commit    = "unknown"
	buildDate = "unknown"
)

func main() {
	// The forker and monitor helpers are this binary re-executed with a
	// hidden flag. They must branch off before any flag parsing.
	if handled, code := process.HelperMain(os.Args[1:]); handled {
		os.Exit(code)
	}

	fs := pflag.NewFlagSet("dispatchd", pflag.ExitOnError)
	var (
		configPath   = fs.StringP("config", "c", "", "Path to config file (default: ~/.config/dispatch/config.yaml if present)")
		backendType  = fs.String("backend", "", "Storage backend (sqlite, memory)")
		socketPath   = fs.String("socket", "", "Unix socket path")
		tcpAddr      = fs.String("tcp", "", "TCP address to listen on instead of the socket")
		workflowsDir = fs.String("workflows-dir", "", "Directory of workflow definition files")
		pidFile      = fs.String("pid-file", "", "Write the daemon PID to this file")
		allowRemote  = fs.Bool("allow-remote", false, "Allow binding to non-localhost addresses (the API has no authentication)")
		noForker     = fs.Bool("no-forker", false, "Start task monitors directly instead of through the forker helper")
		showVersion  = fs.BoolP("version", "V", false, "Show version information")
	)
	_ = fs.Parse(os.Args[1:])

	if *showVersion {
		fmt.Printf("dispatchd %s (commit: %s, built: %s)\n", version, commit, buildDate)
		os.Exit(0)
	}

	if *configPath == "" {
		if p, err := config.ConfigPath(); err == nil {
			if _, err := os.Stat(p); err == nil {
				*configPath = p
			}
		}
	}

	err := daemon.Run(daemon.RunOptions{
		Version:      version,
		Commit:       commit,
		BuildDate:    buildDate,
		ConfigPath:   *configPath,
		BackendType:  *backendType,
		SocketPath:   *socketPath,
		TCPAddr:      *tcpAddr,
		WorkflowsDir: *workflowsDir,
		PIDFile:      *pidFile,
		AllowRemote:  *allowRemote,
		NoForker:     *noForker,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "dispatchd: %v\n", err)
		os.Exit(1)
	}
}
