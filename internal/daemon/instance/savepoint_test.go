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
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tombee/dispatch/internal/log"
)

const snapshotYAML = `
name: snapshot
parameters:
  - date
retry_schedules:
  standard:
    levels:
      - {delay: 1h, times: 1}
      - {delay: 2h, times: 2}
jobs:
  - name: hosts
    loop: '["a", "b"]'
    tasks:
      - {name: sync, path: /bin/sync, queue: default, arguments: ["${loop}", "${date}"], retry_schedule: standard}
  - name: report
    tasks:
      - {name: mail, path: /bin/mail, queue: batch, loop: '[1, 2]'}
`

func marshalSnapshot(t *testing.T, i *Instance) []byte {
	t.Helper()
	i.mu.Lock()
	defer i.mu.Unlock()
	data, err := json.Marshal(i.snapshotLocked())
	require.NoError(t, err)
	return data
}

func TestSavepoint_RoundTrip(t *testing.T) {
	h := newHarness(t, 0)
	h.define("snapshot", snapshotYAML)
	inst := h.submit("snapshot", params("date", "2024-01-01"))

	queued := map[string]*Task{}
	for _, task := range h.pool.take() {
		queued[task.Path] = task
	}
	require.Len(t, queued, 4)

	// One task of each live state: waiting to retry, executing, finished
	// and still queued.
	h.run(inst, queued["hosts[0]/sync"], 1, "")
	h.exec(inst, queued["hosts[1]/sync"], 500)
	h.run(inst, queued["report/mail[0]"], 0, "sent")

	first := marshalSnapshot(t, inst)
	restored, err := restore(first, inst.opts, h.reg.instanceDeps(), log.Discard())
	require.NoError(t, err)
	second := marshalSnapshot(t, restored)
	require.JSONEq(t, string(first), string(second))

	assert.Equal(t, inst.running, restored.running)
	assert.Equal(t, inst.queued, restored.queued)
	assert.Equal(t, inst.retrying, restored.retrying)
	assert.Equal(t, inst.errors, restored.errors)

	s := h.snapshot(inst.ID())
	retrying := findSnapshotTask(s, "hosts[0]/sync")
	require.NotNil(t, retrying)
	assert.Equal(t, TaskRetryWait, retrying.Status)
	assert.Len(t, retrying.RetryLevels, 2)
	assert.Equal(t, "a", retrying.LoopItem)

	// Back-references are rebuilt, so restored tasks route to their
	// instance and job.
	task := findTask(restored.jobs, "hosts[1]/sync")
	require.NotNil(t, task)
	assert.Equal(t, inst.ID(), task.InstanceID())
	assert.Equal(t, "hosts[1]", task.job.Name)
	assert.Equal(t, 500, task.PID)
}
