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
)

func TestExpand(t *testing.T) {
	vars := map[string]interface{}{
		"date":  "2025-01-01",
		"count": 3,
		"loop": map[string]interface{}{
			"region": "eu",
			"hosts":  []interface{}{"a", "b"},
		},
	}

	tests := []struct {
		name    string
		text    string
		want    string
		wantErr bool
	}{
		{name: "no references", text: "--verbose", want: "--verbose"},
		{name: "simple reference", text: "--date=${date}", want: "--date=2025-01-01"},
		{name: "several references", text: "${date}/${count}", want: "2025-01-01/3"},
		{name: "nested path", text: "${loop.region}", want: "eu"},
		{name: "list index", text: "${loop.hosts.1}", want: "b"},
		{name: "list as json", text: "${loop.hosts}", want: `["a","b"]`},
		{name: "escaped reference", text: "$${date}", want: "${date}"},
		{name: "unknown reference", text: "${missing}", wantErr: true},
		{name: "bad index", text: "${loop.hosts.9}", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Expand(tt.text, vars)
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestReferences(t *testing.T) {
	assert.Equal(t, []string{"date", "loop"}, References("${date} ${loop.region} ${date}"))
	assert.Empty(t, References("plain $${escaped}"))
}

func TestValidateReferences(t *testing.T) {
	assert.NoError(t, ValidateReferences("${date}", []string{"date"}))
	assert.NoError(t, ValidateReferences("no refs", nil))

	err := ValidateReferences("${date} ${loop.x}", []string{"date"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "loop")
}
