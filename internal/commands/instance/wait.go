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

package instance

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/spf13/cobra"

	"github.com/tombee/dispatch/internal/client"
	"github.com/tombee/dispatch/internal/commands/shared"
	"github.com/tombee/dispatch/internal/daemon/api"
)

// NewWaitCommand creates the wait command.
func NewWaitCommand() *cobra.Command {
	var limit time.Duration

	cmd := &cobra.Command{
		Use:   "wait <id>",
		Short: "Wait for an instance to terminate",
		Long: `Block until the instance terminates and print its final tree.

Exits 1 when any task of the instance ended in error and 5 when --for
elapses first.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			c, err := shared.Client()
			if err != nil {
				return err
			}
			return waitFor(cmd, c, id, limit)
		},
	}

	cmd.Flags().DurationVar(&limit, "for", 0, "Give up after this long (default: wait forever)")

	return cmd
}

// waitFor long-polls the daemon in slices the server accepts until the
// instance terminates or limit elapses.
func waitFor(cmd *cobra.Command, c *client.Client, id uint64, limit time.Duration) error {
	var deadline time.Time
	if limit > 0 {
		deadline = time.Now().Add(limit)
	}

	for {
		slice := api.MaxWaitTimeout
		if !deadline.IsZero() {
			remaining := time.Until(deadline)
			if remaining <= 0 {
				return &shared.ExitError{
					Code:    shared.ExitTimeout,
					Message: fmt.Sprintf("instance %d still running after %s", id, limit),
				}
			}
			slice = min(slice, remaining.Round(time.Millisecond)+time.Millisecond)
		}

		ctx, cancel := context.WithTimeout(context.Background(), slice+shared.GetTimeout())
		snap, err := c.Wait(ctx, id, slice)
		cancel()

		var apiErr *client.APIError
		if errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusRequestTimeout {
			continue
		}
		if err != nil {
			return fmt.Errorf("failed to wait for instance %d: %w", id, err)
		}
		if err := printSnapshot(cmd, snap); err != nil {
			return err
		}
		if snap.ErrorTasks > 0 {
			return shared.NewInstanceFailedError(id, snap.ErrorTasks)
		}
		return nil
	}
}
