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

package log

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestLogRequest_ServerErrorLevel(t *testing.T) {
	var buf bytes.Buffer
	logger := New(&Config{Level: "debug", Format: FormatJSON, Output: &buf})

	LogRequest(logger, &RequestInfo{Method: "GET", Path: "/v1/queues", RequestID: "abc"}, 500, 3*time.Millisecond)

	var entry map[string]interface{}
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("invalid JSON: %v", err)
	}
	if entry["level"] != "ERROR" {
		t.Errorf("expected ERROR level, got %v", entry["level"])
	}
	if entry["request_id"] != "abc" {
		t.Errorf("expected request_id abc, got %v", entry["request_id"])
	}
	if entry[DurationKey] != float64(3) {
		t.Errorf("expected duration 3, got %v", entry[DurationKey])
	}
}

func TestHTTPMiddleware(t *testing.T) {
	var buf bytes.Buffer
	logger := New(&Config{Level: "debug", Format: FormatJSON, Output: &buf})

	handler := HTTPMiddleware(logger, func(*http.Request) string { return "req-1" },
		http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusTeapot)
		}))

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest("POST", "/v1/instances", nil))

	if rec.Code != http.StatusTeapot {
		t.Fatalf("expected status passthrough, got %d", rec.Code)
	}

	var entry map[string]interface{}
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("invalid JSON: %v", err)
	}
	if entry["status"] != float64(http.StatusTeapot) {
		t.Errorf("expected status 418 logged, got %v", entry["status"])
	}
	if entry["path"] != "/v1/instances" || entry["request_id"] != "req-1" {
		t.Errorf("unexpected entry: %v", entry)
	}
}
