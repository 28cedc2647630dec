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

package api

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"github.com/tombee/dispatch/internal/daemon/backend"
	"github.com/tombee/dispatch/internal/daemon/httputil"
	"github.com/tombee/dispatch/internal/daemon/instance"
	dispatcherrors "github.com/tombee/dispatch/pkg/errors"
)

// MaxWaitTimeout caps the timeout of GET /v1/instances/{id}/wait.
const MaxWaitTimeout = 10 * time.Minute

// LaunchRequest is the body of POST /v1/instances.
type LaunchRequest struct {
	Workflow   string            `json:"workflow"`
	Parameters map[string]string `json:"parameters,omitempty"`
}

// LaunchResponse is returned for an accepted launch.
type LaunchResponse struct {
	ID uint64 `json:"id"`
}

// InstancesHandler serves the instance routes.
type InstancesHandler struct {
	instances Instances
	limiter   *rate.Limiter
}

// NewInstancesHandler creates a handler. A zero launchRate disables launch
// rate limiting.
func NewInstancesHandler(instances Instances, launchRate float64, launchBurst int) *InstancesHandler {
	h := &InstancesHandler{instances: instances}
	if launchRate > 0 {
		if launchBurst < 1 {
			launchBurst = 1
		}
		h.limiter = rate.NewLimiter(rate.Limit(launchRate), launchBurst)
	}
	return h
}

// RegisterRoutes registers instance API routes on the mux.
func (h *InstancesHandler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("POST /v1/instances", h.handleLaunch)
	mux.HandleFunc("GET /v1/instances", h.handleList)
	mux.HandleFunc("GET /v1/instances/{id}", h.handleGet)
	mux.HandleFunc("POST /v1/instances/{id}/cancel", h.handleCancel)
	mux.HandleFunc("GET /v1/instances/{id}/wait", h.handleWait)
	mux.HandleFunc("POST /v1/instances/{id}/tasks/{path...}", h.handleTaskAction)
}

func (h *InstancesHandler) handleLaunch(w http.ResponseWriter, r *http.Request) {
	if h.limiter != nil && !h.limiter.Allow() {
		w.Header().Set("Retry-After", "1")
		httputil.WriteError(w, http.StatusTooManyRequests, "launch rate exceeded")
		return
	}

	var req LaunchRequest
	if err := httputil.DecodeJSON(r, &req); err != nil {
		writeErr(w, err)
		return
	}
	if req.Workflow == "" {
		writeErr(w, &dispatcherrors.ValidationError{Field: "workflow", Message: "workflow is required"})
		return
	}

	id, err := h.instances.Submit(r.Context(), req.Workflow, req.Parameters, 0)
	if err != nil {
		writeErr(w, err)
		return
	}
	w.Header().Set("Location", "/v1/instances/"+strconv.FormatUint(id, 10))
	httputil.WriteJSON(w, http.StatusCreated, LaunchResponse{ID: id})
}

func (h *InstancesHandler) handleList(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := backend.InstanceFilter{
		Status:   strings.ToUpper(q.Get("status")),
		Workflow: q.Get("workflow"),
	}
	if s := q.Get("limit"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n < 0 {
			writeErr(w, &dispatcherrors.ValidationError{Field: "limit", Message: "limit must be a non-negative integer"})
			return
		}
		filter.Limit = n
	}

	list, err := h.instances.List(r.Context(), filter)
	if err != nil {
		writeErr(w, err)
		return
	}
	if list == nil {
		list = []instance.Summary{}
	}
	httputil.WriteJSON(w, http.StatusOK, map[string]any{"instances": list})
}

func (h *InstancesHandler) handleGet(w http.ResponseWriter, r *http.Request) {
	id, ok := instanceID(w, r)
	if !ok {
		return
	}
	snap, err := h.instances.Status(r.Context(), id)
	if err != nil {
		writeErr(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, snap)
}

func (h *InstancesHandler) handleCancel(w http.ResponseWriter, r *http.Request) {
	id, ok := instanceID(w, r)
	if !ok {
		return
	}
	if err := h.instances.Cancel(r.Context(), id); err != nil {
		writeErr(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusAccepted, map[string]string{"status": instance.StatusCancelling})
}

func (h *InstancesHandler) handleWait(w http.ResponseWriter, r *http.Request) {
	id, ok := instanceID(w, r)
	if !ok {
		return
	}

	timeout := MaxWaitTimeout
	if s := r.URL.Query().Get("timeout"); s != "" {
		d, err := time.ParseDuration(s)
		if err != nil || d <= 0 {
			writeErr(w, &dispatcherrors.ValidationError{Field: "timeout", Message: "timeout must be a positive duration such as 30s"})
			return
		}
		timeout = min(d, MaxWaitTimeout)
	}

	snap, err := h.instances.Wait(r.Context(), id, timeout)
	if err != nil {
		writeErr(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, snap)
}

// handleTaskAction serves POST /v1/instances/{id}/tasks/{path}/kill. Task
// paths contain slashes, so the action is the last segment.
func (h *InstancesHandler) handleTaskAction(w http.ResponseWriter, r *http.Request) {
	id, ok := instanceID(w, r)
	if !ok {
		return
	}
	rest := r.PathValue("path")
	i := strings.LastIndex(rest, "/")
	if i <= 0 || rest[i+1:] != "kill" {
		httputil.WriteError(w, http.StatusNotFound, "unknown task action")
		return
	}
	path := rest[:i]

	if err := h.instances.KillTask(r.Context(), id, path); err != nil {
		writeErr(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusAccepted, map[string]string{"status": "signalled"})
}

func instanceID(w http.ResponseWriter, r *http.Request) (uint64, bool) {
	id, err := strconv.ParseUint(r.PathValue("id"), 10, 64)
	if err != nil || id == 0 {
		writeErr(w, &dispatcherrors.ValidationError{Field: "id", Message: "instance id must be a positive integer"})
		return 0, false
	}
	return id, true
}
