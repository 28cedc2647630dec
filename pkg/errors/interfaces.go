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

package errors

// ErrorClassifier is implemented by errors that can be classified by type.
// The API layer maps the type to a response status.
type ErrorClassifier interface {
	error

	// ErrorType returns a string identifying the error category:
	// "validation", "not_found", "state" or "timeout".
	ErrorType() string

	// IsRetryable returns true if the caller may retry the operation.
	IsRetryable() bool
}

// TypeOf returns the ErrorType of the first classifier in err's chain,
// or "internal" when none is found.
func TypeOf(err error) string {
	var c ErrorClassifier
	if As(err, &c) {
		return c.ErrorType()
	}
	return "internal"
}
