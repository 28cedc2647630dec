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

package expression

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tombee/dispatch/pkg/errors"
)

func testContext() map[string]interface{} {
	return BuildContext(
		map[string]string{"date": "2025-01-01", "mode": "full"},
		map[string]interface{}{
			"extract/fetch": map[string]interface{}{
				"status": "TERMINATED",
				"retval": 0,
				"output": `{"items":[{"id":"a"},{"id":"b"}],"count":2}`,
			},
		},
		map[string]interface{}{"region": "eu"},
	)
}

func TestEvaluator_Conditions(t *testing.T) {
	e := New(nil)
	ctx := testContext()

	tests := []struct {
		name string
		expr string
		want bool
	}{
		{name: "empty is true", expr: "", want: true},
		{name: "parameter comparison", expr: `parameters.date != ""`, want: true},
		{name: "top level parameter", expr: `mode == "full"`, want: true},
		{name: "task retval", expr: `tasks["extract/fetch"].retval == 0`, want: true},
		{name: "loop item", expr: `loop.region == "us"`, want: false},
		{name: "has parameter key", expr: `has(parameters, "date")`, want: true},
		{name: "has missing key", expr: `has(parameters, "missing")`, want: false},
		{name: "jq over task output", expr: `jq(tasks["extract/fetch"].output, ".count") == 2`, want: true},
		{name: "length of jq list", expr: `length(jq(tasks["extract/fetch"].output, "[.items[].id]")) == 2`, want: true},
		{name: "boolean logic", expr: `mode == "full" && !(loop.region == "us")`, want: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := e.Evaluate(tt.expr, ctx)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestEvaluator_CompileError(t *testing.T) {
	e := New(nil)

	_, err := e.Evaluate(`parameters.date ==`, testContext())
	require.Error(t, err)

	var ve *errors.ValidationError
	require.True(t, errors.As(err, &ve))
	assert.Equal(t, "expression", ve.Field)

	assert.Error(t, e.Validate(`(`))
	assert.NoError(t, e.Validate(`parameters.date != ""`))
}

func TestEvaluator_JQError(t *testing.T) {
	e := New(nil)

	_, err := e.Evaluate(`jq("not json", ".a") == 1`, testContext())
	assert.Error(t, err)
}

func TestEvaluator_EvaluateList(t *testing.T) {
	e := New(nil)
	ctx := testContext()

	items, err := e.EvaluateList(`["a", "b", "c"]`, ctx)
	require.NoError(t, err)
	assert.Equal(t, []interface{}{"a", "b", "c"}, items)

	items, err = e.EvaluateList(`jq(tasks["extract/fetch"].output, "[.items[].id]")`, ctx)
	require.NoError(t, err)
	assert.Equal(t, []interface{}{"a", "b"}, items)

	items, err = e.EvaluateList(`nil`, ctx)
	require.NoError(t, err)
	assert.Empty(t, items)

	_, err = e.EvaluateList(`"scalar"`, ctx)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "must return a list")
}

func TestEvaluator_Cache(t *testing.T) {
	e := New(nil)
	ctx := testContext()

	for i := 0; i < 3; i++ {
		_, err := e.Evaluate(`mode == "full"`, ctx)
		require.NoError(t, err)
	}
	assert.Equal(t, 1, e.CacheSize())

	_, err := e.EvaluateList(`[mode]`, ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, e.CacheSize())
}

func TestContainsFunc(t *testing.T) {
	tests := []struct {
		name       string
		collection interface{}
		target     interface{}
		want       bool
	}{
		{name: "slice contains element", collection: []interface{}{"a", "b"}, target: "b", want: true},
		{name: "slice missing element", collection: []interface{}{"a", "b"}, target: "c", want: false},
		{name: "map has key", collection: map[string]interface{}{"k": 1}, target: "k", want: true},
		{name: "map with non-string key target", collection: map[string]interface{}{"k": 1}, target: 1, want: false},
		{name: "substring", collection: "nightly-run", target: "run", want: true},
		{name: "nil collection", collection: nil, target: "x", want: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := containsFunc(tt.collection, tt.target)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}

	_, err := containsFunc("only one")
	assert.Error(t, err)
}

func TestLenFunc(t *testing.T) {
	n, err := lenFunc([]interface{}{1, 2, 3})
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	n, err = lenFunc(nil)
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	_, err = lenFunc(42)
	assert.Error(t, err)
}

func TestBuildContext_Shadowing(t *testing.T) {
	ctx := BuildContext(map[string]string{"tasks": "x", "date": "d"}, nil, nil)

	assert.Equal(t, "d", ctx["date"])
	assert.IsType(t, map[string]interface{}{}, ctx[TasksKey])
	assert.NotContains(t, ctx, LoopKey)
}
