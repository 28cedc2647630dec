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

package daemon

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/tombee/dispatch/internal/config"
	"github.com/tombee/dispatch/internal/log"
)

// RunOptions configures daemon execution.
type RunOptions struct {
	Version   string
	Commit    string
	BuildDate string

	ConfigPath string

	// Config overrides
	BackendType  string
	SocketPath   string
	TCPAddr      string
	WorkflowsDir string
	PIDFile      string
	AllowRemote  bool
	NoForker     bool
}

// Run starts the daemon and blocks until SIGINT or SIGTERM. SIGHUP reloads
// the configuration.
func Run(opts RunOptions) error {
	cfg, err := config.Load(opts.ConfigPath)
	if err != nil {
		log.New(log.FromEnv()).Error("failed to load config", log.Error(err))
		return fmt.Errorf("failed to load config: %w", err)
	}
	applyOverrides(cfg, opts)

	logger := log.New(&log.Config{
		Level:     cfg.Log.Level,
		Format:    log.Format(cfg.Log.Format),
		AddSource: cfg.Log.AddSource,
		Output:    os.Stderr,
	})
	slog.SetDefault(logger)

	if cfg.Daemon.AllowRemote {
		logger.Warn("--allow-remote is enabled. The API has no authentication; only expose it on trusted networks.")
	}

	d, err := New(cfg, Options{
		Version:    opts.Version,
		Commit:     opts.Commit,
		BuildDate:  opts.BuildDate,
		ConfigPath: opts.ConfigPath,
	}, logger)
	if err != nil {
		logger.Error("failed to create daemon", log.Error(err))
		return fmt.Errorf("failed to create daemon: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := d.Start(ctx); err != nil {
		logger.Error("failed to start daemon", log.Error(err))
		return fmt.Errorf("failed to start daemon: %w", err)
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)
	defer signal.Stop(sigCh)

	errCh := make(chan error, 1)
	go func() {
		errCh <- d.Wait()
	}()

	for {
		select {
		case sig := <-sigCh:
			if sig == syscall.SIGHUP {
				if err := d.Reload(ctx); err != nil {
					logger.Error("reload failed", log.Error(err))
				}
				continue
			}
			logger.Info("received signal, shutting down", slog.String("signal", sig.String()))
			cancel()
			if err := d.Shutdown(context.Background()); err != nil {
				return fmt.Errorf("shutdown error: %w", err)
			}
			return nil
		case err := <-errCh:
			shutdownErr := d.Shutdown(context.Background())
			if err != nil {
				logger.Error("daemon error", log.Error(err))
				return fmt.Errorf("daemon error: %w", err)
			}
			return shutdownErr
		}
	}
}

func applyOverrides(cfg *config.Config, opts RunOptions) {
	if opts.BackendType != "" {
		cfg.Backend.Type = opts.BackendType
	}
	if opts.SocketPath != "" {
		cfg.Daemon.SocketPath = opts.SocketPath
	}
	if opts.TCPAddr != "" {
		cfg.Daemon.TCPAddr = opts.TCPAddr
	}
	if opts.WorkflowsDir != "" {
		cfg.Daemon.WorkflowsDir = opts.WorkflowsDir
	}
	if opts.PIDFile != "" {
		cfg.Daemon.PIDFile = opts.PIDFile
	}
	if opts.AllowRemote {
		cfg.Daemon.AllowRemote = true
	}
	if opts.NoForker {
		cfg.ProcessManager.Forker = false
	}
}
