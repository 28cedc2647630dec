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
	"bytes"
	"fmt"
	"time"
)

// SpawnRequest describes one task attempt to run.
type SpawnRequest struct {
	TID        uint64
	InstanceID uint64
	TaskPath   string

	// Path is the executable; Args excludes argv[0].
	Path    string
	Args    []string
	Env     map[string]string
	WorkDir string

	Stdin       string
	MergeStderr bool
	Timeout     time.Duration

	// LogsDir receives {tid}.stdout, {tid}.stderr and {tid}.log.
	LogsDir string
}

// MarshalBinary encodes the request for the helper protocol.
func (r *SpawnRequest) MarshalBinary() ([]byte, error) {
	var e Encoder
	e.Int(int64(r.TID))
	e.Int(int64(r.InstanceID))
	e.String(r.TaskPath)
	e.String(r.Path)
	e.Strings(r.Args)
	e.Map(r.Env)
	e.String(r.WorkDir)
	e.String(r.Stdin)
	e.Bool(r.MergeStderr)
	e.Int(int64(r.Timeout))
	e.String(r.LogsDir)
	return e.Bytes()
}

// UnmarshalBinary decodes a request written by MarshalBinary.
func (r *SpawnRequest) UnmarshalBinary(data []byte) error {
	f := fieldReader{d: NewDecoder(bytes.NewReader(data))}
	r.TID = uint64(f.int())
	r.InstanceID = uint64(f.int())
	r.TaskPath = f.str()
	r.Path = f.str()
	r.Args = f.list()
	r.Env = f.dict()
	r.WorkDir = f.str()
	r.Stdin = f.str()
	r.MergeStderr = f.bool()
	r.Timeout = time.Duration(f.int())
	r.LogsDir = f.str()
	if f.err != nil {
		return fmt.Errorf("failed to decode spawn request: %w", f.err)
	}
	return nil
}

// spawnResponse is the forker's answer to a SpawnRequest.
type spawnResponse struct {
	PID int
	Err string
}

func (r *spawnResponse) marshal() ([]byte, error) {
	var e Encoder
	e.Int(int64(r.PID))
	e.String(r.Err)
	return e.Bytes()
}

func (r *spawnResponse) unmarshal(data []byte) error {
	d := NewDecoder(bytes.NewReader(data))
	pid, err := d.Int()
	if err != nil {
		return fmt.Errorf("failed to decode spawn response: %w", err)
	}
	r.PID = int(pid)
	if r.Err, err = d.String(); err != nil {
		return fmt.Errorf("failed to decode spawn response: %w", err)
	}
	return nil
}

// Status message types.
const (
	MessageExit     = "exit"
	MessageProgress = "progress"
)

// Completion reports the end of a task process.
type Completion struct {
	TID uint64
	// PID is the monitor pid, the one recorded at spawn time.
	PID int
	// Retcode is the exit code, or -1 for an abnormal end.
	Retcode  int
	Signaled bool
	Signal   int
	TimedOut bool
}

// Progress reports a task's self-declared completion percentage.
type Progress struct {
	TID     uint64
	Percent int
}

// StatusMessage is the frame monitors write to the status pipe.
type StatusMessage struct {
	Type     string
	TID      uint64
	PID      int
	Retcode  int
	Signaled bool
	Signal   int
	TimedOut bool
	Progress int
}

// MarshalBinary encodes the message.
func (m *StatusMessage) MarshalBinary() ([]byte, error) {
	var e Encoder
	e.String(m.Type)
	e.Int(int64(m.TID))
	e.Int(int64(m.PID))
	e.Int(int64(m.Retcode))
	e.Bool(m.Signaled)
	e.Int(int64(m.Signal))
	e.Bool(m.TimedOut)
	e.Int(int64(m.Progress))
	return e.Bytes()
}

// UnmarshalBinary decodes a message written by MarshalBinary.
func (m *StatusMessage) UnmarshalBinary(data []byte) error {
	f := fieldReader{d: NewDecoder(bytes.NewReader(data))}
	m.Type = f.str()
	m.TID = uint64(f.int())
	m.PID = int(f.int())
	m.Retcode = int(f.int())
	m.Signaled = f.bool()
	m.Signal = int(f.int())
	m.TimedOut = f.bool()
	m.Progress = int(f.int())
	if f.err != nil {
		return fmt.Errorf("failed to decode status message: %w", f.err)
	}
	return nil
}

// fieldReader wraps a Decoder and keeps the first error, so a sequence of
// fields can be read without checking each one.
type fieldReader struct {
	d   *Decoder
	err error
}

func (f *fieldReader) str() string {
	if f.err != nil {
		return ""
	}
	s, err := f.d.String()
	f.err = err
	return s
}

func (f *fieldReader) int() int64 {
	if f.err != nil {
		return 0
	}
	n, err := f.d.Int()
	f.err = err
	return n
}

func (f *fieldReader) bool() bool {
	if f.err != nil {
		return false
	}
	b, err := f.d.Bool()
	f.err = err
	return b
}

func (f *fieldReader) list() []string {
	if f.err != nil {
		return nil
	}
	l, err := f.d.Strings()
	f.err = err
	return l
}

func (f *fieldReader) dict() map[string]string {
	if f.err != nil {
		return nil
	}
	m, err := f.d.Map()
	f.err = err
	return m
}
