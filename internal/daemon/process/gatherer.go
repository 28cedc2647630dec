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

package process

import (
	"errors"
	"io"
	"log/slog"
	"os"

	"github.com/tombee/dispatch/internal/log"
)

const (
	completionBuffer = 256
	progressBuffer   = 256
)

// Gatherer decodes status frames from the shared status pipe and publishes
// them on its channels. Completions are never dropped; progress reports are
// dropped when nobody keeps up.
type Gatherer struct {
	r           io.Reader
	completions chan Completion
	progress    chan Progress
	logger      *slog.Logger
}

// NewGatherer starts a gatherer reading from r. Both channels are closed
// when r fails or reaches EOF.
func NewGatherer(r io.Reader, logger *slog.Logger) *Gatherer {
	g := &Gatherer{
		r:           r,
		completions: make(chan Completion, completionBuffer),
		progress:    make(chan Progress, progressBuffer),
		logger:      logger,
	}
	go g.run()
	return g
}

// Completions returns the channel of task exits.
func (g *Gatherer) Completions() <-chan Completion {
	return g.completions
}

// Progress returns the channel of progress reports.
func (g *Gatherer) Progress() <-chan Progress {
	return g.progress
}

func (g *Gatherer) run() {
	defer close(g.completions)
	defer close(g.progress)

	for {
		payload, err := ReadFrame(g.r)
		if err != nil {
			if !errors.Is(err, io.EOF) && !errors.Is(err, os.ErrClosed) {
				g.logger.Error("status pipe read failed, gatherer stopping", log.Error(err))
			}
			return
		}

		var msg StatusMessage
		if err := msg.UnmarshalBinary(payload); err != nil {
			g.logger.Error("discarding malformed status message", log.Error(err))
			continue
		}
		log.Trace(g.logger, "status message",
			slog.String("type", msg.Type), slog.Uint64(log.TIDKey, msg.TID), slog.Int(log.PIDKey, msg.PID))

		switch msg.Type {
		case MessageExit:
			g.completions <- Completion{
				TID:      msg.TID,
				PID:      msg.PID,
				Retcode:  msg.Retcode,
				Signaled: msg.Signaled,
				Signal:   msg.Signal,
				TimedOut: msg.TimedOut,
			}
		case MessageProgress:
			select {
			case g.progress <- Progress{TID: msg.TID, Percent: msg.Progress}:
			default:
				g.logger.Debug("progress report dropped", slog.Uint64(log.TIDKey, msg.TID))
			}
		default:
			g.logger.Warn("unknown status message type", slog.String("type", msg.Type))
		}
	}
}
