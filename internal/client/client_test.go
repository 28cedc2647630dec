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
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tombee/dispatch/internal/daemon/backend"
	"github.com/tombee/dispatch/internal/daemon/instance"
)

func newTestClient(t *testing.T, handler http.HandlerFunc) *Client {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)

	c, err := New(WithHTTPClient(server.Client()), WithBaseURL(server.URL))
	require.NoError(t, err)
	return c
}

func TestClient_Launch(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/v1/instances", r.URL.Path)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))

		var req map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "nightly", req["workflow"])

		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte(`{"id":17}`))
	})

	id, err := c.Launch(context.Background(), "nightly", map[string]string{"date": "2024-01-01"})
	require.NoError(t, err)
	assert.Equal(t, uint64(17), id)
}

func TestClient_APIError(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusNotFound)
		_, _ = w.Write([]byte(`{"error":"instance not found: 4","type":"not_found"}`))
	})

	_, err := c.Status(context.Background(), 4)
	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusNotFound, apiErr.StatusCode)
	assert.Equal(t, "not_found", apiErr.Type)
	assert.Contains(t, err.Error(), "instance not found")
}

func TestClient_PlainTextError(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusBadGateway)
	})

	err := c.Reload(context.Background())
	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, "boom", apiErr.Message)
}

func TestClient_Routes(t *testing.T) {
	var got []string
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		req := r.Method + " " + r.URL.Path
		if r.URL.RawQuery != "" {
			req += "?" + r.URL.RawQuery
		}
		got = append(got, req)
		switch r.URL.Path {
		case "/v1/instances":
			_, _ = w.Write([]byte(`{"instances":[{"id":3,"workflow":"w","status":"EXECUTING"}]}`))
		case "/v1/instances/3/wait":
			_, _ = w.Write([]byte(`{"id":3,"workflow":"w","status":"TERMINATED"}`))
		default:
			w.WriteHeader(http.StatusAccepted)
			_, _ = w.Write([]byte(`{}`))
		}
	})
	ctx := context.Background()

	list, err := c.Instances(ctx, backend.InstanceFilter{Status: instance.StatusExecuting, Limit: 5})
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, uint64(3), list[0].ID)

	snap, err := c.Wait(ctx, 3, 30*time.Second)
	require.NoError(t, err)
	assert.Equal(t, instance.StatusTerminated, snap.Status)

	require.NoError(t, c.Cancel(ctx, 3))
	require.NoError(t, c.KillTask(ctx, 3, "main/fetch[0]"))
	_, err = c.Logs(ctx, 3, "main/say", "stdout")
	require.NoError(t, err)

	assert.Equal(t, []string{
		"GET /v1/instances?limit=5&status=EXECUTING",
		"GET /v1/instances/3/wait?timeout=30s",
		"POST /v1/instances/3/cancel",
		"POST /v1/instances/3/tasks/main/fetch[0]/kill",
		"GET /v1/instances/3/logs?stream=stdout&task=main%2Fsay",
	}, got)
}

func TestParseHost(t *testing.T) {
	tr, err := ParseHost("unix:///tmp/d.sock")
	require.NoError(t, err)
	assert.Equal(t, "/tmp/d.sock", tr.SocketPath)

	tr, err = ParseHost("tcp://127.0.0.1:7070")
	require.NoError(t, err)
	assert.Equal(t, "127.0.0.1:7070", tr.TCPAddr)
	assert.Nil(t, tr.TLSConfig)

	tr, err = ParseHost("https://dispatch.internal:7443")
	require.NoError(t, err)
	assert.NotNil(t, tr.TLSConfig)

	_, err = ParseHost("http://nope")
	assert.Error(t, err)
}

func TestUnixTransport(t *testing.T) {
	socketPath := filepath.Join(t.TempDir(), "d.sock")
	ln, err := net.Listen("unix", socketPath)
	require.NoError(t, err)

	server := &http.Server{Handler: http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"status":"ok","version":"1.0.0"}`))
	})}
	go func() { _ = server.Serve(ln) }()
	t.Cleanup(func() { _ = server.Close() })

	c, err := New(WithTransport(NewUnixTransport(socketPath)))
	require.NoError(t, err)

	health, err := c.Health(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "ok", health.Status)
}

func TestIsDaemonNotRunning(t *testing.T) {
	c, err := New(WithTransport(NewUnixTransport(filepath.Join(t.TempDir(), "missing.sock"))))
	require.NoError(t, err)

	err = c.Ping(context.Background())
	require.Error(t, err)
	assert.True(t, IsDaemonNotRunning(err))

	assert.True(t, IsDaemonNotRunning(&DaemonNotRunningError{Address: "x"}))
	assert.False(t, IsDaemonNotRunning(errors.New("other")))
	assert.False(t, IsDaemonNotRunning(nil))
}
