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
	"context"
	"log/slog"
	"net/http"
	"time"
)

// RequestInfo describes an API request for logging purposes.
type RequestInfo struct {
	Method     string
	Path       string
	RequestID  string
	RemoteAddr string
}

// LogRequest logs a completed API request. Server errors log at error level.
func LogRequest(logger *slog.Logger, req *RequestInfo, status int, duration time.Duration) {
	attrs := []any{
		"event", "api_request",
		"method", req.Method,
		"path", req.Path,
		"status", status,
		DurationKey, duration.Milliseconds(),
	}
	if req.RequestID != "" {
		attrs = append(attrs, "request_id", req.RequestID)
	}
	if req.RemoteAddr != "" {
		attrs = append(attrs, "remote", req.RemoteAddr)
	}

	level := slog.LevelDebug
	message := "request completed"
	if status >= http.StatusInternalServerError {
		level = slog.LevelError
		message = "request failed"
	}

	logger.Log(context.Background(), level, message, attrs...)
}

// statusRecorder captures the response status code.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

// HTTPMiddleware logs every request passing through next. requestID extracts
// the request identifier, typically set by an earlier middleware.
func HTTPMiddleware(logger *slog.Logger, requestID func(*http.Request) string, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}

		next.ServeHTTP(rec, r)

		info := &RequestInfo{
			Method:     r.Method,
			Path:       r.URL.Path,
			RemoteAddr: r.RemoteAddr,
		}
		if requestID != nil {
			info.RequestID = requestID(r)
		}
		LogRequest(logger, info, rec.status, time.Since(start))
	})
}
