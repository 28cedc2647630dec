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

package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	dispatcherrors "github.com/tombee/dispatch/pkg/errors"
	"gopkg.in/yaml.v3"
)

var (
	// ErrInvalidConfig is returned when configuration validation fails.
	ErrInvalidConfig = errors.New("config: invalid configuration")
)

// Config represents the complete dispatch daemon configuration.
type Config struct {
	Log              LogConfig              `yaml:"log"`
	Daemon           DaemonConfig           `yaml:"daemon"`
	Backend          BackendConfig          `yaml:"backend"`
	Cluster          ClusterConfig          `yaml:"cluster"`
	QueuePool        QueuePoolConfig        `yaml:"queuepool"`
	Queues           []QueueConfig          `yaml:"queues"`
	ProcessManager   ProcessManagerConfig   `yaml:"processmanager"`
	Datastore        DatastoreConfig        `yaml:"datastore"`
	WorkflowInstance WorkflowInstanceConfig `yaml:"workflowinstance"`
	Schedules        []ScheduleConfig       `yaml:"schedules,omitempty"`
	GC               GCConfig               `yaml:"gc"`
	Tracing          TracingConfig          `yaml:"tracing"`
}

// LogConfig configures daemon logging.
type LogConfig struct {
	// Level is the minimum log level (trace, debug, info, warn, error).
	Level string `yaml:"level"`

	// Format is the output format (json, text).
	Format string `yaml:"format"`

	// AddSource adds source file and line to each entry.
	AddSource bool `yaml:"add_source"`
}

// DaemonConfig configures the daemon process and its API listener.
type DaemonConfig struct {
	// SocketPath is the Unix socket path for the API.
	// Environment: DISPATCH_SOCKET
	SocketPath string `yaml:"socket_path,omitempty"`

	// TCPAddr makes the API listen on TCP instead of the Unix socket.
	// Environment: DISPATCH_TCP_ADDR
	TCPAddr string `yaml:"tcp_addr,omitempty"`

	// AllowRemote permits binding TCPAddr to a non-loopback address.
	AllowRemote bool `yaml:"allow_remote,omitempty"`

	// PIDFile is the path to the PID file. Empty means no PID file.
	PIDFile string `yaml:"pid_file,omitempty"`

	// DataDir holds the sqlite database and, by default, task logs.
	// Environment: DISPATCH_DATA_DIR
	DataDir string `yaml:"data_dir,omitempty"`

	// WorkflowsDir is scanned for workflow definition files at start.
	// Environment: DISPATCH_WORKFLOWS_DIR
	WorkflowsDir string `yaml:"workflows_dir,omitempty"`

	// WatchWorkflows reloads definitions when files in WorkflowsDir change.
	WatchWorkflows bool `yaml:"watch_workflows"`

	// ShutdownTimeout bounds the whole shutdown sequence.
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout,omitempty"`

	// DrainTimeout bounds the wait for running tasks during shutdown.
	// Tasks still running afterwards are resumed at next start.
	DrainTimeout time.Duration `yaml:"drain_timeout,omitempty"`

	// LaunchRate limits instance submissions per second through the API.
	// Zero disables the limit.
	LaunchRate float64 `yaml:"launch_rate,omitempty"`

	// LaunchBurst is the burst size for LaunchRate.
	LaunchBurst int `yaml:"launch_burst,omitempty"`
}

// BackendConfig configures the storage backend.
type BackendConfig struct {
	// Type is "sqlite" or "memory".
	// Environment: DISPATCH_BACKEND
	Type string `yaml:"type"`

	SQLite SQLiteConfig `yaml:"sqlite,omitempty"`
}

// SQLiteConfig configures the sqlite backend.
type SQLiteConfig struct {
	// Path is the database file. Defaults to <data_dir>/dispatch.db.
	Path string `yaml:"path,omitempty"`

	// WAL enables write-ahead logging.
	WAL bool `yaml:"wal"`
}

// ClusterConfig identifies this node.
type ClusterConfig struct {
	// NodeName is recorded on every instance launched here.
	// Environment: DISPATCH_NODE_NAME
	NodeName string `yaml:"node_name,omitempty"`
}

// QueuePoolConfig configures pool-wide defaults.
type QueuePoolConfig struct {
	// Scheduler is the default policy for queues that do not set one: fifo or prio.
	Scheduler string `yaml:"scheduler"`
}

// QueueConfig declares one dispatch queue.
type QueueConfig struct {
	Name string `yaml:"name"`

	// Concurrency is the maximum number of running tasks. Zero means unbounded.
	Concurrency int `yaml:"concurrency"`

	// Scheduler overrides queuepool.scheduler for this queue.
	Scheduler string `yaml:"scheduler,omitempty"`

	// Dynamic lets tasks target "name@suffix", creating that queue on first use.
	Dynamic bool `yaml:"dynamic,omitempty"`
}

// ProcessManagerConfig configures task process execution.
type ProcessManagerConfig struct {
	// Forker routes spawns through the forking helper process. When false the
	// daemon starts task monitors directly.
	Forker bool `yaml:"forker"`

	Logs ProcessLogsConfig `yaml:"logs"`

	// TasksDirectory is the base for relative task working directories.
	TasksDirectory string `yaml:"tasks_directory,omitempty"`
}

// ProcessLogsConfig configures per-task log files.
type ProcessLogsConfig struct {
	// Directory holds {tid}.stdout, {tid}.stderr and {tid}.log files.
	// Environment: DISPATCH_LOGS_DIR
	Directory string `yaml:"directory,omitempty"`

	// Delete removes log files once they have been read back.
	Delete bool `yaml:"delete"`

	// TailSize is how much of a log file is returned by tail requests.
	TailSize ByteSize `yaml:"tailsize,omitempty"`
}

// DatastoreConfig bounds how much task output is kept.
type DatastoreConfig struct {
	DOM DatastoreLimit `yaml:"dom"`
	DB  DatastoreLimit `yaml:"db"`
}

// DatastoreLimit is a size cap.
type DatastoreLimit struct {
	MaxSize ByteSize `yaml:"maxsize,omitempty"`
}

// WorkflowInstanceConfig configures instance persistence.
type WorkflowInstanceConfig struct {
	// SaveParameters stores launch parameters with the instance record.
	SaveParameters bool `yaml:"saveparameters"`

	Savepoint SavepointConfig `yaml:"savepoint"`
}

// SavepointConfig controls when instance snapshots are written.
type SavepointConfig struct {
	// Level: 0 never, 1 on terminate, 2 at start and on terminate, 3 on every change.
	// Environment: DISPATCH_SAVEPOINT_LEVEL
	Level int `yaml:"level"`

	Retry SavepointRetryConfig `yaml:"retry"`
}

// SavepointRetryConfig controls retries of failed snapshot writes.
type SavepointRetryConfig struct {
	Enable bool          `yaml:"enable"`
	Times  int           `yaml:"times"`
	Wait   time.Duration `yaml:"wait"`
}

// GCConfig configures the periodic purge of instance history and task logs.
type GCConfig struct {
	// Environment: DISPATCH_GC_ENABLE
	Enable bool `yaml:"enable"`

	// Interval between purge runs.
	Interval time.Duration `yaml:"interval"`

	// Delay between two batches of the same run.
	Delay time.Duration `yaml:"delay"`

	// Limit is the number of records deleted per batch.
	Limit int `yaml:"limit"`

	WorkflowInstance GCRetention `yaml:"workflowinstance"`
	Logs             GCRetention `yaml:"logs"`
}

// GCRetention is a retention period in days.
type GCRetention struct {
	Retention int `yaml:"retention"`
}

// Age returns the retention as a duration.
func (r GCRetention) Age() time.Duration {
	return time.Duration(r.Retention) * 24 * time.Hour
}

// ScheduleConfig declares a periodic workflow launch.
type ScheduleConfig struct {
	// Name identifies the schedule.
	Name string `yaml:"name"`

	// Workflow is the definition to launch.
	Workflow string `yaml:"workflow"`

	// Cron is a 6-field (with seconds) cron expression or a descriptor like "@every 5m".
	Cron string `yaml:"cron"`

	// Parameters are passed to each launched instance.
	Parameters map[string]string `yaml:"parameters,omitempty"`

	// OnFailure is "continue" (default) or "suspend".
	OnFailure string `yaml:"on_failure,omitempty"`

	// Disabled keeps the schedule stored but inactive.
	Disabled bool `yaml:"disabled,omitempty"`
}

// TracingConfig configures OpenTelemetry spans for instances and task attempts.
type TracingConfig struct {
	// Exporter is none, stdout, otlp (gRPC) or otlp-http.
	// Environment: DISPATCH_TRACING_EXPORTER
	Exporter string `yaml:"exporter"`

	// Endpoint is the collector address, e.g. "localhost:4317".
	// Environment: OTEL_EXPORTER_OTLP_ENDPOINT
	Endpoint string `yaml:"endpoint,omitempty"`

	// Insecure disables TLS towards the collector.
	Insecure bool `yaml:"insecure,omitempty"`

	Headers map[string]string `yaml:"headers,omitempty"`

	// SampleRate is the fraction of instances traced, between 0 and 1.
	SampleRate float64 `yaml:"sample_rate"`
}

// ByteSize is a size in bytes. In YAML it accepts plain integers or
// suffixed values such as "20K", "500K" or "50M".
type ByteSize int64

// UnmarshalYAML implements yaml.Unmarshaler.
func (b *ByteSize) UnmarshalYAML(node *yaml.Node) error {
	size, err := ParseByteSize(node.Value)
	if err != nil {
		return err
	}
	*b = size
	return nil
}

// ParseByteSize parses "1024", "20K", "50M" or "1G".
func ParseByteSize(s string) (ByteSize, error) {
	s = strings.TrimSpace(strings.ToUpper(s))
	if s == "" {
		return 0, fmt.Errorf("empty size")
	}

	mult := int64(1)
	switch s[len(s)-1] {
	case 'K':
		mult = 1024
	case 'M':
		mult = 1024 * 1024
	case 'G':
		mult = 1024 * 1024 * 1024
	}
	if mult != 1 {
		s = s[:len(s)-1]
	}

	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil || n < 0 {
		return 0, fmt.Errorf("invalid size %q", s)
	}
	return ByteSize(n * mult), nil
}

// Default returns a configuration with all defaults applied.
func Default() *Config {
	dataDir := defaultDataDir()

	return &Config{
		Log: LogConfig{
			Level:  "info",
			Format: "json",
		},
		Daemon: DaemonConfig{
			SocketPath:      defaultSocketPath(),
			DataDir:         dataDir,
			WatchWorkflows:  true,
			ShutdownTimeout: 30 * time.Second,
			DrainTimeout:    10 * time.Second,
			LaunchBurst:     10,
		},
		Backend: BackendConfig{
			Type:   "sqlite",
			SQLite: SQLiteConfig{WAL: true},
		},
		Cluster: ClusterConfig{
			NodeName: defaultNodeName(),
		},
		QueuePool: QueuePoolConfig{
			Scheduler: "fifo",
		},
		Queues: []QueueConfig{
			{Name: "default", Concurrency: 1},
		},
		ProcessManager: ProcessManagerConfig{
			Forker: true,
			Logs: ProcessLogsConfig{
				Delete:   true,
				TailSize: 20 * 1024,
			},
			TasksDirectory: ".",
		},
		Datastore: DatastoreConfig{
			DOM: DatastoreLimit{MaxSize: 500 * 1024},
			DB:  DatastoreLimit{MaxSize: 50 * 1024 * 1024},
		},
		WorkflowInstance: WorkflowInstanceConfig{
			SaveParameters: true,
			Savepoint: SavepointConfig{
				Level: 3,
				Retry: SavepointRetryConfig{
					Enable: true,
					Times:  2,
					Wait:   2 * time.Second,
				},
			},
		},
		GC: GCConfig{
			Enable:           true,
			Interval:         12 * time.Hour,
			Delay:            2 * time.Second,
			Limit:            1000,
			WorkflowInstance: GCRetention{Retention: 30},
			Logs:             GCRetention{Retention: 7},
		},
		Tracing: TracingConfig{
			Exporter:   "none",
			SampleRate: 1,
		},
	}
}

// Load loads configuration from an optional YAML file and environment variables.
// Environment variables take precedence over file-based configuration.
func Load(configPath string) (*Config, error) {
	cfg := Default()

	if configPath != "" {
		if err := cfg.loadFromFile(configPath); err != nil {
			return nil, &dispatcherrors.ConfigError{
				Key:    "config_file",
				Reason: fmt.Sprintf("failed to load from %s", configPath),
				Cause:  err,
			}
		}
	}

	cfg.loadFromEnv()
	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, &dispatcherrors.ConfigError{
			Key:    "validation",
			Reason: "configuration validation failed",
			Cause:  err,
		}
	}

	return cfg, nil
}

// applyDefaults fills values derived from other settings and zero values
// left by a minimal config file.
func (c *Config) applyDefaults() {
	defaults := Default()

	if c.Log.Level == "" {
		c.Log.Level = defaults.Log.Level
	}
	if c.Log.Format == "" {
		c.Log.Format = defaults.Log.Format
	}
	if c.Daemon.DataDir == "" {
		c.Daemon.DataDir = defaults.Daemon.DataDir
	}
	if c.Daemon.SocketPath == "" && c.Daemon.TCPAddr == "" {
		c.Daemon.SocketPath = defaults.Daemon.SocketPath
	}
	if c.Daemon.ShutdownTimeout == 0 {
		c.Daemon.ShutdownTimeout = defaults.Daemon.ShutdownTimeout
	}
	if c.Daemon.DrainTimeout == 0 {
		c.Daemon.DrainTimeout = defaults.Daemon.DrainTimeout
	}
	if c.Daemon.LaunchBurst == 0 {
		c.Daemon.LaunchBurst = defaults.Daemon.LaunchBurst
	}
	if c.Backend.Type == "" {
		c.Backend.Type = defaults.Backend.Type
	}
	if c.Backend.SQLite.Path == "" {
		c.Backend.SQLite.Path = filepath.Join(c.Daemon.DataDir, "dispatch.db")
	}
	if c.Cluster.NodeName == "" {
		c.Cluster.NodeName = defaults.Cluster.NodeName
	}
	if c.QueuePool.Scheduler == "" {
		c.QueuePool.Scheduler = defaults.QueuePool.Scheduler
	}
	if c.ProcessManager.Logs.Directory == "" {
		c.ProcessManager.Logs.Directory = filepath.Join(c.Daemon.DataDir, "logs")
	}
	if c.ProcessManager.Logs.TailSize == 0 {
		c.ProcessManager.Logs.TailSize = defaults.ProcessManager.Logs.TailSize
	}
	if c.ProcessManager.TasksDirectory == "" {
		c.ProcessManager.TasksDirectory = defaults.ProcessManager.TasksDirectory
	}
	if c.Datastore.DOM.MaxSize == 0 {
		c.Datastore.DOM.MaxSize = defaults.Datastore.DOM.MaxSize
	}
	if c.Datastore.DB.MaxSize == 0 {
		c.Datastore.DB.MaxSize = defaults.Datastore.DB.MaxSize
	}
	if c.GC.Interval == 0 {
		c.GC.Interval = defaults.GC.Interval
	}
	if c.GC.Limit == 0 {
		c.GC.Limit = defaults.GC.Limit
	}
	if c.GC.WorkflowInstance.Retention == 0 {
		c.GC.WorkflowInstance.Retention = defaults.GC.WorkflowInstance.Retention
	}
	if c.GC.Logs.Retention == 0 {
		c.GC.Logs.Retention = defaults.GC.Logs.Retention
	}
	if c.Tracing.Exporter == "" {
		c.Tracing.Exporter = defaults.Tracing.Exporter
	}
	for i := range c.Schedules {
		if c.Schedules[i].OnFailure == "" {
			c.Schedules[i].OnFailure = "continue"
		}
	}
}

// loadFromFile loads configuration from a YAML file on top of the defaults.
func (c *Config) loadFromFile(path string) error {
	if strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return fmt.Errorf("failed to get home directory: %w", err)
		}
		path = filepath.Join(home, path[2:])
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}

	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("failed to parse YAML: %w", err)
	}

	return nil
}

// loadFromEnv applies environment variable overrides.
func (c *Config) loadFromEnv() {
	if val := os.Getenv("LOG_LEVEL"); val != "" {
		c.Log.Level = strings.ToLower(val)
	}
	if val := os.Getenv("DISPATCH_LOG_LEVEL"); val != "" {
		c.Log.Level = strings.ToLower(val)
	}
	if val := os.Getenv("LOG_FORMAT"); val != "" {
		c.Log.Format = strings.ToLower(val)
	}
	if os.Getenv("LOG_SOURCE") == "1" {
		c.Log.AddSource = true
	}

	if val := os.Getenv("DISPATCH_SOCKET"); val != "" {
		c.Daemon.SocketPath = val
	}
	if val := os.Getenv("DISPATCH_TCP_ADDR"); val != "" {
		c.Daemon.TCPAddr = val
	}
	if val := os.Getenv("DISPATCH_PID_FILE"); val != "" {
		c.Daemon.PIDFile = val
	}
	if val := os.Getenv("DISPATCH_DATA_DIR"); val != "" {
		c.Daemon.DataDir = val
	}
	if val := os.Getenv("DISPATCH_WORKFLOWS_DIR"); val != "" {
		c.Daemon.WorkflowsDir = val
	}
	if val := os.Getenv("DISPATCH_SHUTDOWN_TIMEOUT"); val != "" {
		if d, err := time.ParseDuration(val); err == nil {
			c.Daemon.ShutdownTimeout = d
		}
	}
	if val := os.Getenv("DISPATCH_BACKEND"); val != "" {
		c.Backend.Type = strings.ToLower(val)
	}
	if val := os.Getenv("DISPATCH_SQLITE_PATH"); val != "" {
		c.Backend.SQLite.Path = val
	}
	if val := os.Getenv("DISPATCH_NODE_NAME"); val != "" {
		c.Cluster.NodeName = val
	}
	if val := os.Getenv("DISPATCH_LOGS_DIR"); val != "" {
		c.ProcessManager.Logs.Directory = val
	}
	if val := os.Getenv("DISPATCH_SAVEPOINT_LEVEL"); val != "" {
		if level, err := strconv.Atoi(val); err == nil {
			c.WorkflowInstance.Savepoint.Level = level
		}
	}
	if val := os.Getenv("DISPATCH_GC_ENABLE"); val != "" {
		if enable, err := strconv.ParseBool(val); err == nil {
			c.GC.Enable = enable
		}
	}
	if val := os.Getenv("DISPATCH_TRACING_EXPORTER"); val != "" {
		c.Tracing.Exporter = val
	}
	if val := os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"); val != "" {
		c.Tracing.Endpoint = val
	}
}

// QueueScheduler returns the effective scheduler for a queue declaration.
func (c *Config) QueueScheduler(q QueueConfig) string {
	if q.Scheduler != "" {
		return q.Scheduler
	}
	return c.QueuePool.Scheduler
}
