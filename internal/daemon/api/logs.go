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

	"github.com/tombee/dispatch/internal/daemon/backend"
	"github.com/tombee/dispatch/internal/daemon/httputil"
)

// SetLogStore registers GET /v1/instances/{id}/logs, serving the task
// output captured in store.
func (r *Router) SetLogStore(store backend.TaskLogStore) {
	if store == nil {
		return
	}
	r.mux.HandleFunc("GET /v1/instances/{id}/logs", func(w http.ResponseWriter, req *http.Request) {
		id, ok := instanceID(w, req)
		if !ok {
			return
		}
		if r.instances != nil {
			if _, err := r.instances.Status(req.Context(), id); err != nil {
				writeErr(w, err)
				return
			}
		}

		logs, err := store.ListTaskLogs(req.Context(), id)
		if err != nil {
			writeErr(w, err)
			return
		}

		task := req.URL.Query().Get("task")
		stream := req.URL.Query().Get("stream")
		out := make([]*backend.TaskLog, 0, len(logs))
		for _, l := range logs {
			if task != "" && l.TaskPath != task {
				continue
			}
			if stream != "" && l.Stream != stream {
				continue
			}
			out = append(out, l)
		}
		httputil.WriteJSON(w, http.StatusOK, map[string]any{"logs": out})
	})
}
