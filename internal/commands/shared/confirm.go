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
	"errors"
	"os"

	"github.com/charmbracelet/huh"
	"github.com/charmbracelet/lipgloss"
	"golang.org/x/term"
)

// stdinIsTerminal is replaced in tests.
var stdinIsTerminal = func() bool {
	return term.IsTerminal(int(os.Stdin.Fd()))
}

// runConfirm shows the confirmation form. Replaced in tests.
var runConfirm = func(title, description, affirmative string) (bool, error) {
	ok := false
	form := huh.NewForm(
		huh.NewGroup(
			huh.NewConfirm().
				Title(title).
				Description(description).
				Affirmative(affirmative).
				Negative("No").
				Value(&ok),
		),
	).WithTheme(promptTheme())

	if err := form.Run(); err != nil {
		if errors.Is(err, huh.ErrUserAborted) {
			return false, nil
		}
		return false, err
	}
	return ok, nil
}

// Confirm asks a yes/no question. It answers yes without asking when
// assumeYes is set, output is JSON, or stdin is not a terminal.
func Confirm(assumeYes bool, title, description, affirmative string) (bool, error) {
	if assumeYes || UseJSON() || !stdinIsTerminal() {
		return true, nil
	}
	return runConfirm(title, description, affirmative)
}

func promptTheme() *huh.Theme {
	t := huh.ThemeCharm()
	t.Focused.Title = Header
	t.Focused.Description = Muted
	t.Focused.FocusedButton = lipgloss.NewStyle().
		Foreground(lipgloss.Color("231")).
		Background(lipgloss.Color("196")).
		Padding(0, 1).
		Bold(true)
	t.Focused.BlurredButton = Muted.Padding(0, 1)
	t.Blurred.Title = Muted
	return t
}
