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

package httputil

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	dispatcherrors "github.com/tombee/dispatch/pkg/errors"
)

func TestWriteJSON(t *testing.T) {
	w := httptest.NewRecorder()
	WriteJSON(w, http.StatusCreated, map[string]any{"id": 42, "workflow": "nightly"})

	assert.Equal(t, http.StatusCreated, w.Code)
	assert.Equal(t, "application/json", w.Header().Get("Content-Type"))
	assert.JSONEq(t, `{"id":42,"workflow":"nightly"}`, w.Body.String())
}

func TestWriteError(t *testing.T) {
	w := httptest.NewRecorder()
	WriteError(w, http.StatusServiceUnavailable, "queue pool is draining")

	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.JSONEq(t, `{"error":"queue pool is draining"}`, w.Body.String())
}

func TestErrorStatus(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want int
	}{
		{"validation", &dispatcherrors.ValidationError{Field: "jobs", Message: "required"}, http.StatusBadRequest},
		{"not found", &dispatcherrors.NotFoundError{Resource: "instance", ID: "7"}, http.StatusNotFound},
		{"wrapped not found", fmt.Errorf("lookup: %w", &dispatcherrors.NotFoundError{Resource: "workflow", ID: "x"}), http.StatusNotFound},
		{"state", &dispatcherrors.StateError{Resource: "task", ID: "a", State: "QUEUED"}, http.StatusConflict},
		{"timeout", &dispatcherrors.TimeoutError{Operation: "wait"}, http.StatusRequestTimeout},
		{"other", errors.New("boom"), http.StatusInternalServerError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ErrorStatus(tt.err))
		})
	}
}

func TestWriteErr(t *testing.T) {
	w := httptest.NewRecorder()
	WriteErr(w, &dispatcherrors.NotFoundError{Resource: "instance", ID: "12"})

	require.Equal(t, http.StatusNotFound, w.Code)
	var body map[string]string
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, "not_found", body["type"])
	assert.Contains(t, body["error"], "12")

	w = httptest.NewRecorder()
	WriteErr(w, errors.New("disk full"))
	require.Equal(t, http.StatusInternalServerError, w.Code)
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, "disk full", body["error"])
}

func TestDecodeJSON(t *testing.T) {
	var v struct {
		Workflow string `json:"workflow"`
	}

	r := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(`{"workflow":"nightly"}`))
	require.NoError(t, DecodeJSON(r, &v))
	assert.Equal(t, "nightly", v.Workflow)

	for _, body := range []string{`{"workflow":"x","extra":1}`, `{"workflow":`, ``} {
		r = httptest.NewRequest(http.MethodPost, "/", strings.NewReader(body))
		err := DecodeJSON(r, &v)
		require.Error(t, err, body)
		assert.Equal(t, http.StatusBadRequest, ErrorStatus(err), body)
	}
}
