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
	"sort"
	"strings"
)

// References returns the distinct root names referenced by ${...} in text,
// sorted. "${loop.region}" yields "loop".
func References(text string) []string {
	text = strings.ReplaceAll(text, "$${", "")

	set := make(map[string]bool)
	for _, match := range referencePattern.FindAllStringSubmatch(text, -1) {
		root := strings.TrimSpace(match[1])
		if i := strings.IndexByte(root, '.'); i >= 0 {
			root = root[:i]
		}
		if root != "" {
			set[root] = true
		}
	}

	refs := make([]string, 0, len(set))
	for name := range set {
		refs = append(refs, name)
	}
	sort.Strings(refs)
	return refs
}

// ValidateReferences checks that every ${...} root in text is one of known.
func ValidateReferences(text string, known []string) error {
	refs := References(text)
	if len(refs) == 0 {
		return nil
	}

	knownSet := make(map[string]bool, len(known))
	for _, name := range known {
		knownSet[name] = true
	}

	var unknown []string
	for _, name := range refs {
		if !knownSet[name] {
			unknown = append(unknown, name)
		}
	}
	if len(unknown) > 0 {
		return fmt.Errorf("unknown reference(s): %s", strings.Join(unknown, ", "))
	}
	return nil
}
