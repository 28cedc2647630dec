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

package shared

import (
	"encoding/json"
	"io"
	"os"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"
	"golang.org/x/term"
)

// isTerminal is replaced in tests.
var isTerminal = func() bool {
	return term.IsTerminal(int(os.Stdout.Fd()))
}

// IsTTY reports whether stdout is a terminal that should get styled output.
// NO_COLOR and TERM=dumb turn styling off.
func IsTTY() bool {
	if os.Getenv("NO_COLOR") != "" {
		return false
	}
	if t := os.Getenv("TERM"); t == "dumb" || t == "" {
		return false
	}
	return isTerminal()
}

// UseJSON reports whether commands print JSON: with --json, or whenever
// stdout is not a terminal.
func UseJSON() bool {
	return GetJSON() || !IsTTY()
}

// PrintJSON writes v as indented JSON.
func PrintJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// Table renders rows under headers. styleCol, when >= 0, is a column whose
// cells are colored with StatusStyle.
func Table(headers []string, rows [][]string, styleCol int) string {
	t := table.New().
		Border(lipgloss.NormalBorder()).
		BorderStyle(Muted).
		Headers(headers...).
		Rows(rows...).
		StyleFunc(func(row, col int) lipgloss.Style {
			base := lipgloss.NewStyle().Padding(0, 1)
			if row == table.HeaderRow {
				return base.Inherit(Header)
			}
			if col == styleCol && row >= 0 && row < len(rows) {
				return base.Inherit(StatusStyle(rows[row][col]))
			}
			return base
		})
	return t.Render()
}
