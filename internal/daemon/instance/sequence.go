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
	"fmt"
	"sync"

	"github.com/tombee/dispatch/internal/daemon/backend"
)

// SequenceGenerator hands out instance ids: the highest persisted id plus
// one, then increasing.
type SequenceGenerator struct {
	mu     sync.Mutex
	store  backend.InstanceStore
	last   uint64
	loaded bool
}

// NewSequenceGenerator creates a generator backed by store.
func NewSequenceGenerator(store backend.InstanceStore) *SequenceGenerator {
	return &SequenceGenerator{store: store}
}

// Next returns the next instance id.
func (g *SequenceGenerator) Next(ctx context.Context) (uint64, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if !g.loaded {
		maxID, err := g.store.MaxInstanceID(ctx)
		if err != nil {
			return 0, fmt.Errorf("failed to load instance sequence: %w", err)
		}
		if maxID > g.last {
			g.last = maxID
		}
		g.loaded = true
	}
	g.last++
	return g.last, nil
}

// Observe makes sure ids handed out later are above id.
func (g *SequenceGenerator) Observe(id uint64) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if id > g.last {
		g.last = id
	}
}
