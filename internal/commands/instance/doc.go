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

// Package instance implements the dispatch commands that act on workflow
// instances: launch, instances, status, wait, cancel and kill.
package instance

import (
	"context"
	"fmt"
	"strconv"

	"github.com/tombee/dispatch/internal/commands/shared"
)

func parseID(arg string) (uint64, error) {
	id, err := strconv.ParseUint(arg, 10, 64)
	if err != nil || id == 0 {
		return 0, &shared.ExitError{
			Code:    shared.ExitInvalidRequest,
			Message: fmt.Sprintf("invalid instance id %q", arg),
		}
	}
	return id, nil
}

func requestContext() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), shared.GetTimeout())
}
