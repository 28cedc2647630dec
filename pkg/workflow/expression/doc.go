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

// Package expression evaluates the condition and loop expressions of workflow
// definitions, and expands ${...} references in task arguments.
//
// Expressions use the expr language (github.com/expr-lang/expr). The context
// exposes:
//
//	parameters.date != ""
//	tasks["extract/fetch"].retval == 0
//	jq(tasks["extract/fetch"].output, ".items | length") > 0
//	has(parameters, "date")
//	loop.name == "eu"
//
// Launch parameters are also exposed at the top level, so "date" and
// "parameters.date" are equivalent unless a parameter shadows a reserved name.
//
// Note: expr uses "contains" as a string operator, so use "in" or "has()"
// for membership checks.
package expression
