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

// Package daemon wires the dispatch daemon together.
package daemon

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"strconv"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/tombee/dispatch/internal/config"
	"github.com/tombee/dispatch/internal/daemon/api"
	"github.com/tombee/dispatch/internal/daemon/backend"
	"github.com/tombee/dispatch/internal/daemon/backend/memory"
	"github.com/tombee/dispatch/internal/daemon/backend/sqlite"
	"github.com/tombee/dispatch/internal/daemon/definitions"
	"github.com/tombee/dispatch/internal/daemon/instance"
	"github.com/tombee/dispatch/internal/daemon/listener"
	"github.com/tombee/dispatch/internal/daemon/manager"
	"github.com/tombee/dispatch/internal/daemon/metrics"
	"github.com/tombee/dispatch/internal/daemon/process"
	"github.com/tombee/dispatch/internal/daemon/queue"
	"github.com/tombee/dispatch/internal/daemon/scheduler"
	"github.com/tombee/dispatch/internal/lifecycle"
	internallog "github.com/tombee/dispatch/internal/log"
	"github.com/tombee/dispatch/internal/tracing"
	"github.com/tombee/dispatch/pkg/workflow/expression"
)

// Options contains daemon options set at build time or on the command line.
type Options struct {
	Version   string
	Commit    string
	BuildDate string

	// ConfigPath is re-read on reload. Empty means defaults plus environment.
	ConfigPath string

	// Executable is re-executed for the forker and monitor helpers.
	// Defaults to the running binary.
	Executable string
}

// Daemon is the dispatchd daemon.
type Daemon struct {
	cfg    *config.Config
	opts   Options
	logger *slog.Logger

	backend   backend.Backend
	pool      *queue.Pool
	runner    *process.Runner
	retrier   *scheduler.Retrier
	registry  *instance.Registry
	manager   *manager.Manager
	schedules *scheduler.WorkflowScheduler
	gc        *scheduler.GarbageCollector
	loader    *definitions.Loader
	tracing   *tracing.Provider

	server  *http.Server
	ln      net.Listener
	pidFile *lifecycle.PIDFile

	group *errgroup.Group
	stop  context.CancelFunc

	mu       sync.Mutex
	started  bool
	reloadMu sync.Mutex
}

// New creates a daemon. Nothing runs until Start.
func New(cfg *config.Config, opts Options, logger *slog.Logger) (*Daemon, error) {
	if logger == nil {
		logger = slog.Default()
	}
	logger = internallog.WithComponent(logger, "daemon")

	be, err := openBackend(cfg)
	if err != nil {
		return nil, err
	}

	pool := queue.NewPool(queueConfigs(cfg), logger)

	runner, err := process.NewRunner(process.Config{
		UseForker:  cfg.ProcessManager.Forker,
		LogsDir:    cfg.ProcessManager.Logs.Directory,
		TasksDir:   cfg.ProcessManager.TasksDirectory,
		Executable: opts.Executable,
	}, logger)
	if err != nil {
		be.Close()
		return nil, fmt.Errorf("failed to start process runner: %w", err)
	}

	// Capture files are named by tid, and tids restart with every run.
	// Start above whatever a previous run left behind.
	maxTID, err := process.MaxLogTID(cfg.ProcessManager.Logs.Directory)
	if err != nil {
		logger.Warn("failed to scan task logs directory", internallog.Error(err))
	}
	pool.SeedTID(maxTID)

	retrier := scheduler.NewRetrier(logger)
	provider, tracer := newTracer(cfg, opts, logger)

	registry := instance.NewRegistry(instance.Options{
		NodeName:       cfg.Cluster.NodeName,
		SaveParameters: cfg.WorkflowInstance.SaveParameters,
		Savepoint: instance.SavepointOptions{
			Level:      cfg.WorkflowInstance.Savepoint.Level,
			Retry:      cfg.WorkflowInstance.Savepoint.Retry.Enable,
			RetryTimes: cfg.WorkflowInstance.Savepoint.Retry.Times,
			RetryWait:  cfg.WorkflowInstance.Savepoint.Retry.Wait,
		},
		OutputMaxSize: int64(cfg.Datastore.DOM.MaxSize),
	}, instance.Deps{
		Workflows: be,
		Store:     be,
		Pool:      pool,
		Retrier:   retrier,
		Signaler:  runner,
		Evaluator: expression.New(nil),
		Notifier:  instance.NewLogNotifier(logger),
		Observer:  metrics.Observer{},
		Tracer:    tracer,
		Logger:    logger,
	})
	retrier.SetHandler(registry)

	mgr := manager.New(pool, runner, registry, manager.Config{
		MaxOutputSize: int64(cfg.Datastore.DB.MaxSize),
		DeleteLogs:    cfg.ProcessManager.Logs.Delete,
	}, logger)

	schedules := scheduler.NewWorkflowScheduler(be, meteredLauncher{registry}, logger)
	registry.SetScheduleTracker(schedules)

	d := &Daemon{
		cfg:       cfg,
		opts:      opts,
		logger:    logger,
		backend:   be,
		pool:      pool,
		runner:    runner,
		retrier:   retrier,
		registry:  registry,
		manager:   mgr,
		schedules: schedules,
		tracing:   provider,
	}
	if cfg.GC.Enable {
		d.gc = scheduler.NewGarbageCollector(be, scheduler.GCConfig{
			Interval:          cfg.GC.Interval,
			Delay:             cfg.GC.Delay,
			Limit:             cfg.GC.Limit,
			InstanceRetention: cfg.GC.WorkflowInstance.Age(),
			LogRetention:      cfg.GC.Logs.Age(),
			OnPurge:           metrics.RecordPurged,
		}, logger)
	}
	if cfg.Daemon.WorkflowsDir != "" {
		d.loader = definitions.NewLoader(cfg.Daemon.WorkflowsDir, be, logger)
	}
	if cfg.Daemon.PIDFile != "" {
		d.pidFile = lifecycle.NewPIDFile(cfg.Daemon.PIDFile)
	}

	router := api.NewRouter(api.RouterConfig{
		Version:     opts.Version,
		Commit:      opts.Commit,
		BuildDate:   opts.BuildDate,
		LaunchRate:  cfg.Daemon.LaunchRate,
		LaunchBurst: cfg.Daemon.LaunchBurst,
	}, registry, pool, logger)
	router.SetScheduleProvider(schedules)
	router.SetReloader(d)
	router.SetLogStore(be)
	router.SetMetricsHandler(metrics.Handler(d.refreshMetrics))

	d.server = &http.Server{
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return d, nil
}

// newTracer builds the span exporter pipeline. Failures are logged and
// leave tracing off.
func newTracer(cfg *config.Config, opts Options, logger *slog.Logger) (*tracing.Provider, instance.Tracer) {
	if cfg.Tracing.Exporter == "" || cfg.Tracing.Exporter == tracing.ExporterNone {
		return nil, nil
	}
	provider, err := tracing.NewProvider(context.Background(), tracing.Config{
		ServiceName:    "dispatchd",
		ServiceVersion: opts.Version,
		Exporter:       cfg.Tracing.Exporter,
		Endpoint:       cfg.Tracing.Endpoint,
		Insecure:       cfg.Tracing.Insecure,
		Headers:        cfg.Tracing.Headers,
		SampleRate:     cfg.Tracing.SampleRate,
	})
	if err != nil {
		logger.Warn("tracing disabled", internallog.Error(err))
		return nil, nil
	}
	tracer, err := tracing.NewInstanceTracer(provider)
	if err != nil {
		logger.Warn("tracing disabled", internallog.Error(err))
		_ = provider.Shutdown(context.Background())
		return nil, nil
	}
	logger.Info("tracing enabled",
		slog.String("exporter", cfg.Tracing.Exporter), slog.String("endpoint", cfg.Tracing.Endpoint))
	return provider, tracer
}

func openBackend(cfg *config.Config) (backend.Backend, error) {
	switch cfg.Backend.Type {
	case "memory":
		return memory.New(), nil
	default:
		if err := os.MkdirAll(cfg.Daemon.DataDir, 0700); err != nil {
			return nil, fmt.Errorf("failed to create data directory: %w", err)
		}
		be, err := sqlite.New(sqlite.Config{
			Path: cfg.Backend.SQLite.Path,
			WAL:  cfg.Backend.SQLite.WAL,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to open sqlite backend: %w", err)
		}
		return be, nil
	}
}

// Start loads definitions and schedules, resumes persisted instances and
// starts the fork, gather and API loops. It returns once everything runs;
// use Wait to block.
func (d *Daemon) Start(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.started {
		return errors.New("daemon already started")
	}

	if d.pidFile != nil {
		if err := d.pidFile.Acquire(os.Getpid()); err != nil {
			return fmt.Errorf("failed to write PID file: %w", err)
		}
	}

	if d.loader != nil {
		n, err := d.loader.LoadAll(ctx)
		if err != nil {
			return fmt.Errorf("failed to load workflow definitions: %w", err)
		}
		d.logger.Info("workflow definitions loaded", slog.Int("count", n))
	}

	if err := d.syncQueues(ctx, d.cfg); err != nil {
		return err
	}
	if err := d.syncSchedules(ctx, d.cfg.Schedules); err != nil {
		return err
	}

	runCtx, stop := context.WithCancel(context.Background())
	if err := d.schedules.Start(runCtx); err != nil {
		stop()
		return fmt.Errorf("failed to start schedules: %w", err)
	}

	resumed, err := d.registry.Resume(ctx)
	if err != nil {
		stop()
		return fmt.Errorf("failed to resume instances: %w", err)
	}
	if resumed > 0 {
		d.logger.Info("instances resumed", slog.Int("count", resumed))
	}

	ln, err := listener.New(listener.Config{
		SocketPath:  d.cfg.Daemon.SocketPath,
		TCPAddr:     d.cfg.Daemon.TCPAddr,
		AllowRemote: d.cfg.Daemon.AllowRemote,
	})
	if err != nil {
		stop()
		return fmt.Errorf("failed to listen: %w", err)
	}
	d.ln = ln

	g, gctx := errgroup.WithContext(runCtx)
	g.Go(func() error {
		return d.manager.Run(gctx)
	})
	if d.loader != nil && d.cfg.Daemon.WatchWorkflows {
		g.Go(func() error {
			return d.loader.Watch(gctx)
		})
	}
	if d.gc != nil {
		g.Go(func() error {
			return d.gc.Run(gctx)
		})
	}
	g.Go(func() error {
		if err := d.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("API server: %w", err)
		}
		return nil
	})
	d.group = g
	d.stop = stop
	d.started = true

	d.logger.Info("daemon started",
		slog.String("address", ln.Addr().String()),
		slog.String("backend", d.cfg.Backend.Type),
		slog.Bool("forker", d.cfg.ProcessManager.Forker),
		slog.Bool("gc", d.gc != nil),
		slog.Int("queues", len(d.pool.Stats())),
		slog.Int("schedules", d.schedules.GetScheduleCount()))
	return nil
}

// Wait blocks until a daemon loop fails or Shutdown stops them.
func (d *Daemon) Wait() error {
	d.mu.Lock()
	g := d.group
	d.mu.Unlock()
	if g == nil {
		return nil
	}
	return g.Wait()
}

// Reload re-reads the configuration file and applies queue and schedule
// changes, then rescans the definitions directory.
func (d *Daemon) Reload(ctx context.Context) error {
	d.reloadMu.Lock()
	defer d.reloadMu.Unlock()

	cfg, err := config.Load(d.opts.ConfigPath)
	if err != nil {
		return err
	}

	d.pool.Reload(queueConfigs(cfg))
	if err := d.syncQueues(ctx, cfg); err != nil {
		return err
	}
	if err := d.syncSchedules(ctx, cfg.Schedules); err != nil {
		return err
	}
	if err := d.schedules.Reload(ctx); err != nil {
		return fmt.Errorf("failed to reload schedules: %w", err)
	}
	if d.loader != nil {
		if _, err := d.loader.LoadAll(ctx); err != nil {
			return fmt.Errorf("failed to reload workflow definitions: %w", err)
		}
	}

	d.mu.Lock()
	d.cfg.QueuePool = cfg.QueuePool
	d.cfg.Queues = cfg.Queues
	d.cfg.Schedules = cfg.Schedules
	d.mu.Unlock()

	d.logger.Info("configuration reloaded",
		slog.Int("queues", len(cfg.Queues)),
		slog.Int("schedules", len(cfg.Schedules)))
	return nil
}

// Shutdown stops the daemon. Running tasks get DrainTimeout to finish;
// monitors still running after that are reaped at next start and their
// attempts retried.
func (d *Daemon) Shutdown(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.started {
		return nil
	}
	d.logger.Info("daemon shutting down")

	ctx, cancel := context.WithTimeout(ctx, d.cfg.Daemon.ShutdownTimeout)
	defer cancel()

	if err := d.server.Shutdown(ctx); err != nil {
		d.logger.Error("API server shutdown error", internallog.Error(err))
	}
	d.schedules.Shutdown()

	drainCtx, drainCancel := context.WithTimeout(ctx, d.cfg.Daemon.DrainTimeout)
	if err := d.pool.Drain(drainCtx); err != nil {
		d.logger.Warn("tasks still running at shutdown",
			slog.Int("running", d.pool.Running()), internallog.Error(err))
	}
	drainCancel()

	if err := d.registry.Shutdown(ctx); err != nil {
		d.logger.Error("failed to checkpoint instances", internallog.Error(err))
	}

	d.stop()
	d.pool.Close()
	if err := d.group.Wait(); err != nil {
		d.logger.Error("daemon loop failed", internallog.Error(err))
	}
	d.retrier.Shutdown()
	if err := d.runner.Close(); err != nil {
		d.logger.Error("failed to stop process runner", internallog.Error(err))
	}
	if err := d.backend.Close(); err != nil {
		d.logger.Error("failed to close backend", internallog.Error(err))
	}
	if d.tracing != nil {
		if err := d.tracing.Shutdown(ctx); err != nil {
			d.logger.Warn("failed to flush traces", internallog.Error(err))
		}
	}

	if d.pidFile != nil {
		if err := d.pidFile.Release(); err != nil {
			d.logger.Error("failed to remove PID file", internallog.Error(err))
		}
	}
	if d.cfg.Daemon.TCPAddr == "" && d.cfg.Daemon.SocketPath != "" {
		if err := os.Remove(d.cfg.Daemon.SocketPath); err != nil && !os.IsNotExist(err) {
			d.logger.Error("failed to remove socket file",
				internallog.Error(err), slog.String("path", d.cfg.Daemon.SocketPath))
		}
	}

	d.started = false
	d.logger.Info("daemon stopped")
	return nil
}

// syncQueues records the declared queues in the backend and removes stored
// queues that are no longer declared.
func (d *Daemon) syncQueues(ctx context.Context, cfg *config.Config) error {
	stored, err := d.backend.ListQueues(ctx)
	if err != nil {
		return fmt.Errorf("failed to list queues: %w", err)
	}
	keep := make(map[string]bool, len(cfg.Queues))
	for _, q := range cfg.Queues {
		keep[q.Name] = true
		if err := d.backend.PutQueue(ctx, &backend.Queue{
			Name:        q.Name,
			Concurrency: q.Concurrency,
			Scheduler:   cfg.QueueScheduler(q),
			Dynamic:     q.Dynamic,
		}); err != nil {
			return fmt.Errorf("failed to store queue %s: %w", q.Name, err)
		}
	}
	for _, q := range stored {
		if !keep[q.Name] {
			if err := d.backend.DeleteQueue(ctx, q.Name); err != nil {
				return fmt.Errorf("failed to delete queue %s: %w", q.Name, err)
			}
		}
	}
	return nil
}

// syncSchedules upserts declared schedules and deactivates stored ones that
// are no longer declared.
func (d *Daemon) syncSchedules(ctx context.Context, declared []config.ScheduleConfig) error {
	recs := make([]backend.Schedule, 0, len(declared))
	keep := make(map[string]bool, len(declared))
	for _, s := range declared {
		keep[s.Name] = true
		recs = append(recs, backend.Schedule{
			Name:       s.Name,
			Workflow:   s.Workflow,
			Cron:       s.Cron,
			Parameters: s.Parameters,
			OnFailure:  s.OnFailure,
			Active:     !s.Disabled,
		})
	}
	if err := d.schedules.Upsert(ctx, recs); err != nil {
		return err
	}

	stored, err := d.backend.ListSchedules(ctx)
	if err != nil {
		return fmt.Errorf("failed to list schedules: %w", err)
	}
	for _, s := range stored {
		if !keep[s.Name] && s.Active {
			if err := d.backend.SetScheduleActive(ctx, s.ID, false); err != nil {
				return fmt.Errorf("failed to deactivate schedule %s: %w", s.Name, err)
			}
		}
	}
	return nil
}

func (d *Daemon) refreshMetrics() {
	metrics.UpdateQueues(d.pool.Stats())
	metrics.SetRetriesPending(len(d.retrier.Pending()))
}

func queueConfigs(cfg *config.Config) []queue.Config {
	out := make([]queue.Config, 0, len(cfg.Queues))
	for _, q := range cfg.Queues {
		out = append(out, queue.Config{
			Name:        q.Name,
			Concurrency: q.Concurrency,
			Scheduler:   cfg.QueueScheduler(q),
			Dynamic:     q.Dynamic,
		})
	}
	return out
}

// meteredLauncher counts periodic launches.
type meteredLauncher struct {
	registry *instance.Registry
}

func (l meteredLauncher) Launch(ctx context.Context, workflow string, params map[string]string, scheduleID int64) (uint64, error) {
	id, err := l.registry.Launch(ctx, workflow, params, scheduleID)
	metrics.RecordScheduleLaunch(strconv.FormatInt(scheduleID, 10), err)
	return id, err
}
