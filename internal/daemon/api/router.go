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

// Package api provides the HTTP API for the daemon.
package api

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/tombee/dispatch/internal/daemon/backend"
	"github.com/tombee/dispatch/internal/daemon/httputil"
	"github.com/tombee/dispatch/internal/daemon/instance"
	"github.com/tombee/dispatch/internal/daemon/queue"
	"github.com/tombee/dispatch/internal/daemon/scheduler"
	"github.com/tombee/dispatch/internal/log"
)

// RequestIDHeader carries the request id in both directions.
const RequestIDHeader = "X-Request-ID"

// RouterConfig holds configuration for the API router.
type RouterConfig struct {
	Version   string
	Commit    string
	BuildDate string

	// LaunchRate limits POST /v1/instances per second. Zero disables it.
	LaunchRate  float64
	LaunchBurst int
}

// Instances is the instance registry as seen by the API.
type Instances interface {
	Submit(ctx context.Context, name string, params map[string]string, scheduleID int64) (uint64, error)
	List(ctx context.Context, filter backend.InstanceFilter) ([]instance.Summary, error)
	Status(ctx context.Context, id uint64) (*instance.Snapshot, error)
	Cancel(ctx context.Context, id uint64) error
	Wait(ctx context.Context, id uint64, timeout time.Duration) (*instance.Snapshot, error)
	KillTask(ctx context.Context, id uint64, path string) error
	Count() int
}

// QueueStats reports the state of the queue pool.
type QueueStats interface {
	Stats() []queue.Stats
	Running() int
	Draining() bool
}

// ScheduleStatusProvider reports periodic schedules.
type ScheduleStatusProvider interface {
	Status() []scheduler.ScheduleStatus
}

// Reloader re-reads configuration and definitions.
type Reloader interface {
	Reload(ctx context.Context) error
}

// Router wraps an http.ServeMux with additional functionality.
type Router struct {
	mux              *http.ServeMux
	config           RouterConfig
	instances        Instances
	queues           QueueStats
	scheduleProvider ScheduleStatusProvider
	reloader         Reloader
	logger           *slog.Logger
	started          time.Time
}

// NewRouter creates a new HTTP router with all API endpoints.
func NewRouter(cfg RouterConfig, instances Instances, queues QueueStats, logger *slog.Logger) *Router {
	if logger == nil {
		logger = slog.Default()
	}
	r := &Router{
		mux:       http.NewServeMux(),
		config:    cfg,
		instances: instances,
		queues:    queues,
		logger:    log.WithComponent(logger, "api"),
		started:   time.Now(),
	}

	r.mux.HandleFunc("GET /health", r.handleHealth)
	r.mux.HandleFunc("GET /v1/version", r.handleVersion)
	r.mux.HandleFunc("GET /v1/queues", r.handleQueues)
	r.mux.HandleFunc("GET /v1/schedules", r.handleSchedules)
	r.mux.HandleFunc("POST /v1/reload", r.handleReload)
	r.mux.HandleFunc("GET /", r.handleRoot)

	NewInstancesHandler(instances, cfg.LaunchRate, cfg.LaunchBurst).RegisterRoutes(r.mux)
	return r
}

// SetScheduleProvider sets the schedule status provider.
func (r *Router) SetScheduleProvider(provider ScheduleStatusProvider) {
	r.scheduleProvider = provider
}

// SetReloader sets the target of POST /v1/reload.
func (r *Router) SetReloader(reloader Reloader) {
	r.reloader = reloader
}

// SetMetricsHandler registers the Prometheus metrics endpoint.
func (r *Router) SetMetricsHandler(handler http.Handler) {
	if handler != nil {
		r.mux.Handle("GET /metrics", handler)
	}
}

// ServeHTTP implements http.Handler.
func (r *Router) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	handler := log.HTTPMiddleware(r.logger, requestID, r.mux)
	withRequestID(handler).ServeHTTP(w, req)
}

type requestIDKey struct{}

// withRequestID assigns every request an id, keeping one sent by the client.
func withRequestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		id := req.Header.Get(RequestIDHeader)
		if _, err := uuid.Parse(id); err != nil {
			id = uuid.NewString()
		}
		w.Header().Set(RequestIDHeader, id)
		ctx := context.WithValue(req.Context(), requestIDKey{}, id)
		next.ServeHTTP(w, req.WithContext(ctx))
	})
}

func requestID(req *http.Request) string {
	id, _ := req.Context().Value(requestIDKey{}).(string)
	return id
}

// Mux returns the underlying ServeMux for registering additional routes.
func (r *Router) Mux() *http.ServeMux {
	return r.mux
}

// handleRoot handles GET / for basic connectivity.
func (r *Router) handleRoot(w http.ResponseWriter, req *http.Request) {
	if req.URL.Path != "/" {
		httputil.WriteError(w, http.StatusNotFound, "not found")
		return
	}
	httputil.WriteJSON(w, http.StatusOK, map[string]string{
		"name":    "dispatchd",
		"version": r.config.Version,
	})
}

// HealthResponse is returned by GET /health.
type HealthResponse struct {
	Status    string `json:"status"`
	Version   string `json:"version"`
	Uptime    string `json:"uptime"`
	Instances int    `json:"instances"`
	Running   int    `json:"running_tasks"`
	Draining  bool   `json:"draining,omitempty"`
	Schedules int    `json:"schedules"`
}

func (r *Router) handleHealth(w http.ResponseWriter, req *http.Request) {
	resp := HealthResponse{
		Status:  "ok",
		Version: r.config.Version,
		Uptime:  time.Since(r.started).Round(time.Second).String(),
	}
	if r.instances != nil {
		resp.Instances = r.instances.Count()
	}
	if r.queues != nil {
		resp.Running = r.queues.Running()
		resp.Draining = r.queues.Draining()
		if resp.Draining {
			resp.Status = "draining"
		}
	}
	if r.scheduleProvider != nil {
		resp.Schedules = len(r.scheduleProvider.Status())
	}
	httputil.WriteJSON(w, http.StatusOK, resp)
}

func (r *Router) handleVersion(w http.ResponseWriter, req *http.Request) {
	httputil.WriteJSON(w, http.StatusOK, map[string]string{
		"version":    r.config.Version,
		"commit":     r.config.Commit,
		"build_date": r.config.BuildDate,
	})
}

func (r *Router) handleQueues(w http.ResponseWriter, req *http.Request) {
	stats := []queue.Stats{}
	if r.queues != nil {
		stats = r.queues.Stats()
	}
	httputil.WriteJSON(w, http.StatusOK, map[string]any{"queues": stats})
}

func (r *Router) handleSchedules(w http.ResponseWriter, req *http.Request) {
	statuses := []scheduler.ScheduleStatus{}
	if r.scheduleProvider != nil {
		statuses = r.scheduleProvider.Status()
	}
	httputil.WriteJSON(w, http.StatusOK, map[string]any{"schedules": statuses})
}

func (r *Router) handleReload(w http.ResponseWriter, req *http.Request) {
	if r.reloader == nil {
		httputil.WriteError(w, http.StatusNotImplemented, "reload is not available")
		return
	}
	if err := r.reloader.Reload(req.Context()); err != nil {
		writeErr(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, map[string]string{"status": "reloaded"})
}

// writeErr extends httputil.WriteErr with the engine's sentinels.
func writeErr(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, instance.ErrNotRunning):
		httputil.WriteError(w, http.StatusConflict, err.Error())
	case errors.Is(err, instance.ErrShuttingDown), errors.Is(err, queue.ErrDraining):
		httputil.WriteError(w, http.StatusServiceUnavailable, err.Error())
	default:
		httputil.WriteErr(w, err)
	}
}
