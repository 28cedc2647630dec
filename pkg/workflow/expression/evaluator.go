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
	"fmt"
	"reflect"
	"sync"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"
	"github.com/tombee/dispatch/internal/jq"
	"github.com/tombee/dispatch/pkg/errors"
)

type resultKind int

const (
	kindBool resultKind = iota
	kindList
)

type cacheKey struct {
	kind       resultKind
	expression string
}

// Evaluator evaluates expressions against an instance context.
// Compiled programs are cached, so repeated evaluations are cheap.
type Evaluator struct {
	cache map[cacheKey]*vm.Program
	mu    sync.RWMutex
	jq    *jq.Executor
}

// New creates an evaluator. A nil executor selects jq defaults.
func New(executor *jq.Executor) *Evaluator {
	if executor == nil {
		executor = jq.NewExecutor(0, 0)
	}
	return &Evaluator{
		cache: make(map[cacheKey]*vm.Program),
		jq:    executor,
	}
}

// Evaluate evaluates a condition. An empty expression is true.
func (e *Evaluator) Evaluate(expression string, ctx map[string]interface{}) (bool, error) {
	if expression == "" {
		return true, nil
	}

	result, err := e.run(kindBool, expression, ctx)
	if err != nil {
		return false, err
	}

	b, ok := result.(bool)
	if !ok {
		return false, &errors.ValidationError{
			Field:      "condition",
			Message:    fmt.Sprintf("expression must return boolean, got %T (%v)", result, result),
			Suggestion: "use comparison operators (==, !=, <, >, etc.) or boolean functions",
		}
	}
	return b, nil
}

// EvaluateList evaluates a loop expression. The result must be a list or nil;
// nil yields no iterations.
func (e *Evaluator) EvaluateList(expression string, ctx map[string]interface{}) ([]interface{}, error) {
	result, err := e.run(kindList, expression, ctx)
	if err != nil {
		return nil, err
	}
	if result == nil {
		return nil, nil
	}

	v := reflect.ValueOf(result)
	if v.Kind() != reflect.Slice && v.Kind() != reflect.Array {
		return nil, &errors.ValidationError{
			Field:      "loop",
			Message:    fmt.Sprintf("loop expression must return a list, got %T", result),
			Suggestion: `return a list, e.g. ["a", "b"] or jq(tasks["t"].output, ".items")`,
		}
	}

	items := make([]interface{}, v.Len())
	for i := range items {
		items[i] = v.Index(i).Interface()
	}
	return items, nil
}

// Validate compiles a condition without evaluating it.
func (e *Evaluator) Validate(expression string) error {
	if expression == "" {
		return nil
	}
	_, err := e.compile(kindBool, expression)
	return err
}

// ValidateList compiles a loop expression without evaluating it.
func (e *Evaluator) ValidateList(expression string) error {
	if expression == "" {
		return nil
	}
	_, err := e.compile(kindList, expression)
	return err
}

func (e *Evaluator) run(kind resultKind, expression string, ctx map[string]interface{}) (interface{}, error) {
	program, err := e.compile(kind, expression)
	if err != nil {
		return nil, err
	}

	env := make(map[string]interface{}, len(ctx)+4)
	for k, v := range ctx {
		env[k] = v
	}
	for name, fn := range e.functions() {
		env[name] = fn
	}

	result, err := expr.Run(program, env)
	if err != nil {
		return nil, &errors.ValidationError{
			Field:      "expression",
			Message:    fmt.Sprintf("expression evaluation failed: %s", err.Error()),
			Suggestion: "verify that all referenced parameters and tasks exist",
		}
	}
	return result, nil
}

func (e *Evaluator) compile(kind resultKind, expression string) (*vm.Program, error) {
	key := cacheKey{kind: kind, expression: expression}

	e.mu.RLock()
	if prog, ok := e.cache[key]; ok {
		e.mu.RUnlock()
		return prog, nil
	}
	e.mu.RUnlock()

	env := make(map[string]interface{})
	for name, fn := range e.functions() {
		env[name] = fn
	}

	opts := []expr.Option{expr.Env(env), expr.AllowUndefinedVariables()}
	if kind == kindBool {
		opts = append(opts, expr.AsBool())
	}

	prog, err := expr.Compile(expression, opts...)
	if err != nil {
		return nil, &errors.ValidationError{
			Field:      "expression",
			Message:    fmt.Sprintf("failed to compile expression %q: %s", expression, err.Error()),
			Suggestion: "check expression syntax",
		}
	}

	e.mu.Lock()
	e.cache[key] = prog
	e.mu.Unlock()
	return prog, nil
}

// CacheSize returns the number of cached programs.
func (e *Evaluator) CacheSize() int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return len(e.cache)
}
