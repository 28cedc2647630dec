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

package jq

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExecutor_Execute(t *testing.T) {
	tests := []struct {
		name    string
		query   string
		data    interface{}
		want    interface{}
		wantErr bool
	}{
		{
			name:  "empty query returns data as-is",
			query: "",
			data:  map[string]interface{}{"foo": "bar"},
			want:  map[string]interface{}{"foo": "bar"},
		},
		{
			name:  "field extraction",
			query: ".foo",
			data:  map[string]interface{}{"foo": "bar"},
			want:  "bar",
		},
		{
			name:  "array map",
			query: "map(.x)",
			data:  []interface{}{map[string]interface{}{"x": 1}, map[string]interface{}{"x": 2}},
			want:  []interface{}{1, 2},
		},
		{
			name:  "several results become a slice",
			query: ".[]",
			data:  []interface{}{"a", "b"},
			want:  []interface{}{"a", "b"},
		},
		{
			name:  "no result is nil",
			query: "empty",
			data:  nil,
			want:  nil,
		},
		{
			name:    "invalid query",
			query:   ".[",
			data:    map[string]interface{}{"foo": "bar"},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			executor := NewExecutor(DefaultTimeout, DefaultMaxInputSize)
			got, err := executor.Execute(context.Background(), tt.query, tt.data)
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestExecutor_ExecuteJSON(t *testing.T) {
	executor := NewExecutor(0, 0)

	got, err := executor.ExecuteJSON(context.Background(), ".items | length", `{"items":[1,2,3]}`)
	require.NoError(t, err)
	assert.Equal(t, 3, got)

	got, err = executor.ExecuteJSON(context.Background(), ".status", `{"status":"ok"}`)
	require.NoError(t, err)
	assert.Equal(t, "ok", got)

	_, err = executor.ExecuteJSON(context.Background(), ".", "not json")
	assert.Error(t, err)
}

func TestExecutor_InputSizeLimit(t *testing.T) {
	executor := NewExecutor(DefaultTimeout, 16)

	_, err := executor.ExecuteJSON(context.Background(), ".", `"`+strings.Repeat("x", 32)+`"`)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "exceeds maximum")
}

func TestExecutor_Validate(t *testing.T) {
	executor := NewExecutor(DefaultTimeout, DefaultMaxInputSize)

	assert.NoError(t, executor.Validate(""))
	assert.NoError(t, executor.Validate(".foo"))
	assert.Error(t, executor.Validate(".["))
	assert.Error(t, executor.Validate("undefined_function(1)"))
}

func TestExecutor_Timeout(t *testing.T) {
	executor := NewExecutor(100*time.Millisecond, DefaultMaxInputSize)

	_, err := executor.Execute(context.Background(), "last(range(infinite))", 0)
	require.Error(t, err)
}
