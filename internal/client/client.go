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
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/tombee/dispatch/internal/daemon/api"
	"github.com/tombee/dispatch/internal/daemon/backend"
	"github.com/tombee/dispatch/internal/daemon/instance"
	"github.com/tombee/dispatch/internal/daemon/queue"
	"github.com/tombee/dispatch/internal/daemon/scheduler"
)

// Client is a client for the dispatchd API.
type Client struct {
	httpClient *http.Client
	baseURL    string
}

// New creates a new client with the given options.
func New(opts ...Option) (*Client, error) {
	c := &Client{
		baseURL: "http://localhost", // Default for Unix socket
	}

	for _, opt := range opts {
		if err := opt(c); err != nil {
			return nil, err
		}
	}

	if c.httpClient == nil {
		transport, err := DefaultTransport()
		if err != nil {
			return nil, fmt.Errorf("failed to create transport: %w", err)
		}
		c.httpClient = &http.Client{Transport: transport}
	}

	return c, nil
}

// Option configures a Client.
type Option func(*Client) error

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(client *http.Client) Option {
	return func(c *Client) error {
		c.httpClient = client
		return nil
	}
}

// WithTransport sets a custom transport.
func WithTransport(transport http.RoundTripper) Option {
	return func(c *Client) error {
		c.httpClient = &http.Client{Transport: transport}
		return nil
	}
}

// WithBaseURL overrides the request base URL, for tests against httptest.
func WithBaseURL(base string) Option {
	return func(c *Client) error {
		c.baseURL = base
		return nil
	}
}

// APIError is a non-2xx response from the daemon.
type APIError struct {
	StatusCode int
	Type       string `json:"type"`
	Message    string `json:"error"`
}

func (e *APIError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("daemon returned status %d", e.StatusCode)
	}
	return fmt.Sprintf("daemon returned error %d: %s", e.StatusCode, e.Message)
}

// VersionResponse is the response from /v1/version.
type VersionResponse struct {
	Version   string `json:"version"`
	Commit    string `json:"commit"`
	BuildDate string `json:"build_date"`
}

// Health returns the daemon health status.
func (c *Client) Health(ctx context.Context) (*api.HealthResponse, error) {
	var health api.HealthResponse
	if err := c.do(ctx, http.MethodGet, "/health", nil, &health); err != nil {
		return nil, err
	}
	return &health, nil
}

// Ping checks if the daemon is reachable.
func (c *Client) Ping(ctx context.Context) error {
	_, err := c.Health(ctx)
	return err
}

// Version returns the daemon version information.
func (c *Client) Version(ctx context.Context) (*VersionResponse, error) {
	var version VersionResponse
	if err := c.do(ctx, http.MethodGet, "/v1/version", nil, &version); err != nil {
		return nil, err
	}
	return &version, nil
}

// Launch submits a workflow instance and returns its id.
func (c *Client) Launch(ctx context.Context, workflow string, params map[string]string) (uint64, error) {
	var resp api.LaunchResponse
	req := api.LaunchRequest{Workflow: workflow, Parameters: params}
	if err := c.do(ctx, http.MethodPost, "/v1/instances", req, &resp); err != nil {
		return 0, err
	}
	return resp.ID, nil
}

// Instances lists instances matching filter.
func (c *Client) Instances(ctx context.Context, filter backend.InstanceFilter) ([]instance.Summary, error) {
	q := url.Values{}
	if filter.Status != "" {
		q.Set("status", filter.Status)
	}
	if filter.Workflow != "" {
		q.Set("workflow", filter.Workflow)
	}
	if filter.Limit > 0 {
		q.Set("limit", strconv.Itoa(filter.Limit))
	}
	path := "/v1/instances"
	if len(q) > 0 {
		path += "?" + q.Encode()
	}

	var resp struct {
		Instances []instance.Summary `json:"instances"`
	}
	if err := c.do(ctx, http.MethodGet, path, nil, &resp); err != nil {
		return nil, err
	}
	return resp.Instances, nil
}

// Status returns the snapshot of an instance.
func (c *Client) Status(ctx context.Context, id uint64) (*instance.Snapshot, error) {
	var snap instance.Snapshot
	if err := c.do(ctx, http.MethodGet, instancePath(id), nil, &snap); err != nil {
		return nil, err
	}
	return &snap, nil
}

// Cancel requests cancellation of an instance.
func (c *Client) Cancel(ctx context.Context, id uint64) error {
	return c.do(ctx, http.MethodPost, instancePath(id)+"/cancel", nil, nil)
}

// Wait blocks until the instance terminates or timeout elapses on the
// daemon side.
func (c *Client) Wait(ctx context.Context, id uint64, timeout time.Duration) (*instance.Snapshot, error) {
	path := instancePath(id) + "/wait"
	if timeout > 0 {
		path += "?timeout=" + timeout.String()
	}
	var snap instance.Snapshot
	if err := c.do(ctx, http.MethodGet, path, nil, &snap); err != nil {
		return nil, err
	}
	return &snap, nil
}

// KillTask signals the running process of a task.
func (c *Client) KillTask(ctx context.Context, id uint64, taskPath string) error {
	return c.do(ctx, http.MethodPost, instancePath(id)+"/tasks/"+taskPath+"/kill", nil, nil)
}

// Logs returns the captured output of an instance's tasks. Empty task or
// stream match everything.
func (c *Client) Logs(ctx context.Context, id uint64, task, stream string) ([]backend.TaskLog, error) {
	q := url.Values{}
	if task != "" {
		q.Set("task", task)
	}
	if stream != "" {
		q.Set("stream", stream)
	}
	path := instancePath(id) + "/logs"
	if len(q) > 0 {
		path += "?" + q.Encode()
	}

	var resp struct {
		Logs []backend.TaskLog `json:"logs"`
	}
	if err := c.do(ctx, http.MethodGet, path, nil, &resp); err != nil {
		return nil, err
	}
	return resp.Logs, nil
}

// Queues returns the state of every queue.
func (c *Client) Queues(ctx context.Context) ([]queue.Stats, error) {
	var resp struct {
		Queues []queue.Stats `json:"queues"`
	}
	if err := c.do(ctx, http.MethodGet, "/v1/queues", nil, &resp); err != nil {
		return nil, err
	}
	return resp.Queues, nil
}

// Schedules returns the periodic schedules.
func (c *Client) Schedules(ctx context.Context) ([]scheduler.ScheduleStatus, error) {
	var resp struct {
		Schedules []scheduler.ScheduleStatus `json:"schedules"`
	}
	if err := c.do(ctx, http.MethodGet, "/v1/schedules", nil, &resp); err != nil {
		return nil, err
	}
	return resp.Schedules, nil
}

// Reload asks the daemon to re-read its configuration and definitions.
func (c *Client) Reload(ctx context.Context) error {
	return c.do(ctx, http.MethodPost, "/v1/reload", nil, nil)
}

func instancePath(id uint64) string {
	return "/v1/instances/" + strconv.FormatUint(id, 10)
}

// do sends a request with an optional JSON body and decodes a JSON
// response into out when out is non-nil.
func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var bodyReader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to marshal body: %w", err)
		}
		bodyReader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, bodyReader)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		apiErr := &APIError{StatusCode: resp.StatusCode}
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
		if json.Unmarshal(data, apiErr) != nil {
			apiErr.Message = string(bytes.TrimSpace(data))
		}
		return apiErr
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}
