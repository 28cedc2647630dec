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

// Package httputil holds the JSON helpers shared by the API handlers.
package httputil

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"

	dispatcherrors "github.com/tombee/dispatch/pkg/errors"
)

// MaxBodySize bounds request bodies decoded by DecodeJSON.
const MaxBodySize = 1 << 20

// WriteJSON writes a JSON response with the given status code and data.
// If encoding fails, it logs the error.
func WriteJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		slog.Error("Failed to write JSON response", slog.Any("error", err))
	}
}

// WriteError writes a JSON error response with the given status code and message.
func WriteError(w http.ResponseWriter, status int, message string) {
	WriteJSON(w, status, map[string]string{
		"error": message,
	})
}

// WriteErr writes err with the status its type maps to, and the type
// name so clients can tell a validation problem from a missing resource.
func WriteErr(w http.ResponseWriter, err error) {
	body := map[string]string{"error": err.Error()}
	if t := dispatcherrors.TypeOf(err); t != "" {
		body["type"] = t
	}
	WriteJSON(w, ErrorStatus(err), body)
}

// ErrorStatus maps an error to an HTTP status code.
func ErrorStatus(err error) int {
	var (
		validation *dispatcherrors.ValidationError
		notFound   *dispatcherrors.NotFoundError
		state      *dispatcherrors.StateError
		timeout    *dispatcherrors.TimeoutError
	)
	switch {
	case errors.As(err, &validation):
		return http.StatusBadRequest
	case errors.As(err, &notFound):
		return http.StatusNotFound
	case errors.As(err, &state):
		return http.StatusConflict
	case errors.As(err, &timeout):
		return http.StatusRequestTimeout
	default:
		return http.StatusInternalServerError
	}
}

// DecodeJSON decodes the request body into v. Unknown fields and bodies
// over MaxBodySize are rejected.
func DecodeJSON(r *http.Request, v any) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, MaxBodySize))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return &dispatcherrors.ValidationError{Field: "body", Message: fmt.Sprintf("invalid JSON body: %v", err)}
	}
	return nil
}
