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

package scheduler

import (
	"fmt"

	"github.com/robfig/cron/v3"
)

var cronParser = cron.NewParser(
	cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor,
)

// ParseCron parses a cron expression. An optional leading seconds field is
// accepted, as are descriptors.
// Examples:
//   - "0 * * * *" - every hour at minute 0
//   - "*/30 * * * * *" - every 30 seconds
//   - "0 9 * * 1-5" - 9 AM on weekdays
//   - "@every 10m" - every ten minutes
//   - "@daily" - midnight
func ParseCron(expr string) (cron.Schedule, error) {
	sched, err := cronParser.Parse(expr)
	if err != nil {
		return nil, fmt.Errorf("invalid cron expression %q: %w", expr, err)
	}
	return sched, nil
}

// ValidateCron checks that a cron expression parses.
func ValidateCron(expr string) error {
	_, err := ParseCron(expr)
	return err
}
