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
	"encoding/json"
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

// referencePattern matches ${name} and ${loop.field} references.
var referencePattern = regexp.MustCompile(`\$\{([^{}]+)\}`)

// Expand replaces every ${path} in text with the value found at path in
// vars. Paths are dot separated; "$${" escapes a literal "${".
//
//	Expand("--date=${date}", map[string]interface{}{"date": "2025-01-01"})
//	=> "--date=2025-01-01"
func Expand(text string, vars map[string]interface{}) (string, error) {
	if !strings.Contains(text, "${") {
		return text, nil
	}

	const escaped = "\x00dollar\x00"
	text = strings.ReplaceAll(text, "$${", escaped)

	var lastErr error
	result := referencePattern.ReplaceAllStringFunc(text, func(match string) string {
		path := strings.TrimSpace(match[2 : len(match)-1])
		value, err := resolvePath(path, vars)
		if err != nil {
			lastErr = err
			return match
		}
		return valueToString(value)
	})
	if lastErr != nil {
		return "", fmt.Errorf("reference resolution failed: %w", lastErr)
	}

	return strings.ReplaceAll(result, escaped, "${"), nil
}

// resolvePath resolves a dot-separated path.
// Example: "loop.region" => vars["loop"]["region"]
func resolvePath(path string, vars map[string]interface{}) (interface{}, error) {
	if path == "" {
		return nil, fmt.Errorf("empty path")
	}

	var current interface{} = vars
	for i, part := range strings.Split(path, ".") {
		part = strings.TrimSpace(part)
		if part == "" {
			return nil, fmt.Errorf("invalid path %q: empty segment at position %d", path, i)
		}

		switch v := current.(type) {
		case map[string]interface{}:
			val, ok := v[part]
			if !ok {
				return nil, fmt.Errorf("path not found: %s (missing key '%s')", path, part)
			}
			current = val
		case map[string]string:
			val, ok := v[part]
			if !ok {
				return nil, fmt.Errorf("path not found: %s (missing key '%s')", path, part)
			}
			current = val
		case []interface{}:
			idx, err := strconv.Atoi(part)
			if err != nil || idx < 0 || idx >= len(v) {
				return nil, fmt.Errorf("path not found: %s (bad index '%s')", path, part)
			}
			current = v[idx]
		default:
			return nil, fmt.Errorf("path not found: %s (cannot index into %T at '%s')", path, current, part)
		}
	}
	return current, nil
}

// valueToString renders a value for a command line or environment variable.
// Scalars render plainly; lists and maps render as JSON.
func valueToString(value interface{}) string {
	switch v := value.(type) {
	case nil:
		return ""
	case string:
		return v
	case bool:
		return strconv.FormatBool(v)
	case int:
		return strconv.Itoa(v)
	case int64:
		return strconv.FormatInt(v, 10)
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	default:
		data, err := json.Marshal(v)
		if err != nil {
			return fmt.Sprintf("%v", v)
		}
		return string(data)
	}
}
