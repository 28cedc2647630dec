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
	"context"
	"fmt"
	"reflect"
	"strings"
)

type exprFunc = func(args ...interface{}) (interface{}, error)

// functions returns the custom functions available to every expression.
// "contains" is reserved in expr for string operations, hence has/includes.
func (e *Evaluator) functions() map[string]exprFunc {
	return map[string]exprFunc{
		"has":      containsFunc,
		"includes": containsFunc,
		"length":   lenFunc,
		"jq":       e.jqFunc,
	}
}

// containsFunc reports membership in a list, a key in a map, or a substring.
// Usage: has(parameters, "date"), includes(loop.tags, "eu")
func containsFunc(args ...interface{}) (interface{}, error) {
	if len(args) != 2 {
		return nil, fmt.Errorf("has requires exactly 2 arguments, got %d", len(args))
	}

	collection, target := args[0], args[1]
	if collection == nil {
		return false, nil
	}

	v := reflect.ValueOf(collection)
	switch v.Kind() {
	case reflect.Slice, reflect.Array:
		for i := 0; i < v.Len(); i++ {
			if reflect.DeepEqual(v.Index(i).Interface(), target) {
				return true, nil
			}
		}
		return false, nil

	case reflect.Map:
		key := reflect.ValueOf(target)
		if !key.IsValid() || !key.Type().AssignableTo(v.Type().Key()) {
			return false, nil
		}
		return v.MapIndex(key).IsValid(), nil

	case reflect.String:
		substr, ok := target.(string)
		if !ok || substr == "" {
			return false, nil
		}
		return strings.Contains(v.String(), substr), nil

	default:
		return false, nil
	}
}

// lenFunc returns the length of a collection or string. nil has length 0.
func lenFunc(args ...interface{}) (interface{}, error) {
	if len(args) != 1 {
		return nil, fmt.Errorf("length requires exactly 1 argument, got %d", len(args))
	}
	if args[0] == nil {
		return 0, nil
	}

	v := reflect.ValueOf(args[0])
	switch v.Kind() {
	case reflect.Slice, reflect.Array, reflect.Map, reflect.String:
		return v.Len(), nil
	default:
		return nil, fmt.Errorf("length: unsupported type %T", args[0])
	}
}

// jqFunc runs a jq query over task output.
// Usage: jq(tasks["extract/fetch"].output, ".items[].id")
//
// A string input is decoded as JSON first; other values are queried as is.
func (e *Evaluator) jqFunc(args ...interface{}) (interface{}, error) {
	if len(args) != 2 {
		return nil, fmt.Errorf("jq requires exactly 2 arguments, got %d", len(args))
	}
	query, ok := args[1].(string)
	if !ok {
		return nil, fmt.Errorf("jq: query must be a string, got %T", args[1])
	}

	if text, ok := args[0].(string); ok {
		return e.jq.ExecuteJSON(context.Background(), query, text)
	}
	return e.jq.Execute(context.Background(), query, args[0])
}
