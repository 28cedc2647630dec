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

// Package jq runs jq queries over task output. Queries are compiled once and
// cached; every run is bounded by a timeout and an input size limit.
package jq

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/itchyny/gojq"
)

const (
	// DefaultTimeout bounds a single query run.
	DefaultTimeout = 1 * time.Second

	// DefaultMaxInputSize is the largest JSON document a query accepts (10MB).
	DefaultMaxInputSize = 10 * 1024 * 1024
)

// Executor runs jq queries with timeout and size limits.
type Executor struct {
	timeout      time.Duration
	maxInputSize int64

	mu    sync.RWMutex
	cache map[string]*gojq.Code
}

// NewExecutor creates an executor. Zero values select the defaults.
func NewExecutor(timeout time.Duration, maxInputSize int64) *Executor {
	if timeout == 0 {
		timeout = DefaultTimeout
	}
	if maxInputSize == 0 {
		maxInputSize = DefaultMaxInputSize
	}
	return &Executor{
		timeout:      timeout,
		maxInputSize: maxInputSize,
		cache:        make(map[string]*gojq.Code),
	}
}

// Execute runs query against already decoded data. A single result is
// returned as is, several results as a slice, and no result as nil.
func (e *Executor) Execute(ctx context.Context, query string, data interface{}) (interface{}, error) {
	if query == "" {
		return data, nil
	}

	code, err := e.compile(query)
	if err != nil {
		return nil, err
	}

	runCtx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	var results []interface{}
	iter := code.RunWithContext(runCtx, data)
	for {
		v, ok := iter.Next()
		if !ok {
			break
		}
		if err, isErr := v.(error); isErr {
			if runCtx.Err() == context.DeadlineExceeded {
				return nil, fmt.Errorf("execution timeout after %v", e.timeout)
			}
			return nil, err
		}
		results = append(results, v)
	}

	switch len(results) {
	case 0:
		return nil, nil
	case 1:
		return results[0], nil
	default:
		return results, nil
	}
}

// ExecuteJSON decodes text as a JSON document and runs query against it.
func (e *Executor) ExecuteJSON(ctx context.Context, query, text string) (interface{}, error) {
	if int64(len(text)) > e.maxInputSize {
		return nil, fmt.Errorf("data size (%d bytes) exceeds maximum (%d bytes)", len(text), e.maxInputSize)
	}

	var data interface{}
	if err := json.Unmarshal([]byte(text), &data); err != nil {
		return nil, fmt.Errorf("input is not valid JSON: %w", err)
	}
	return e.Execute(ctx, query, data)
}

// Validate reports whether query parses and compiles.
func (e *Executor) Validate(query string) error {
	if query == "" {
		return nil
	}
	_, err := e.compile(query)
	return err
}

func (e *Executor) compile(query string) (*gojq.Code, error) {
	e.mu.RLock()
	code, ok := e.cache[query]
	e.mu.RUnlock()
	if ok {
		return code, nil
	}

	parsed, err := gojq.Parse(query)
	if err != nil {
		return nil, fmt.Errorf("invalid jq expression: %w", err)
	}
	code, err = gojq.Compile(parsed)
	if err != nil {
		return nil, fmt.Errorf("jq compilation failed: %w", err)
	}

	e.mu.Lock()
	e.cache[query] = code
	e.mu.Unlock()
	return code, nil
}
