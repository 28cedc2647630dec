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

// Reserved top-level names in an expression context.
const (
	ParametersKey = "parameters"
	TasksKey      = "tasks"
	LoopKey       = "loop"
)

// BuildContext creates the expression context for a node of an instance.
//
// The structure is:
//
//	{
//	    "parameters": {"date": "2025-01-01", ...},
//	    "tasks": {
//	        "extract/fetch": {"status": "TERMINATED", "retval": 0, "output": "...", "json": ...},
//	        ...
//	    },
//	    "loop": <current loop item, if any>
//	}
//
// Parameters are also copied to the top level when they do not collide with
// a reserved name.
func BuildContext(parameters map[string]string, tasks map[string]interface{}, loop interface{}) map[string]interface{} {
	params := make(map[string]interface{}, len(parameters))
	for k, v := range parameters {
		params[k] = v
	}
	if tasks == nil {
		tasks = make(map[string]interface{})
	}

	ctx := map[string]interface{}{
		ParametersKey: params,
		TasksKey:      tasks,
	}
	if loop != nil {
		ctx[LoopKey] = loop
	}

	for k, v := range params {
		if _, exists := ctx[k]; !exists {
			ctx[k] = v
		}
	}
	return ctx
}
