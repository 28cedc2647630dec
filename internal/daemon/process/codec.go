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

// Package process runs tasks as OS processes. Tasks are started by a monitor
// helper (the daemon binary re-executed with --monitor-child), which is
// itself started either by a dedicated forker helper or directly. Monitors
// report completion through a shared status pipe read by the Gatherer.
package process

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"sort"
	"strconv"
)

// Field widths of the wire encoding.
const (
	stringLenDigits = 9
	countDigits     = 3
	frameLenDigits  = 9

	maxStringLen = 999999999
	maxCount     = 999
)

// ErrFieldTooLong is returned when a string or collection exceeds what its
// length prefix can express.
var ErrFieldTooLong = errors.New("field too long")

// Encoder builds a length-prefixed payload. Strings are a 9-digit ASCII
// length followed by the bytes; lists and maps a 3-digit count followed by
// their strings.
type Encoder struct {
	buf bytes.Buffer
	err error
}

// String appends a string.
func (e *Encoder) String(s string) {
	if e.err != nil {
		return
	}
	if len(s) > maxStringLen {
		e.err = fmt.Errorf("%w: string of %d bytes", ErrFieldTooLong, len(s))
		return
	}
	fmt.Fprintf(&e.buf, "%0*d", stringLenDigits, len(s))
	e.buf.WriteString(s)
}

// Int appends an integer as a decimal string.
func (e *Encoder) Int(n int64) {
	e.String(strconv.FormatInt(n, 10))
}

// Bool appends a boolean as "1" or "0".
func (e *Encoder) Bool(b bool) {
	if b {
		e.String("1")
	} else {
		e.String("0")
	}
}

func (e *Encoder) count(n int) {
	if e.err != nil {
		return
	}
	if n > maxCount {
		e.err = fmt.Errorf("%w: %d elements", ErrFieldTooLong, n)
		return
	}
	fmt.Fprintf(&e.buf, "%0*d", countDigits, n)
}

// Strings appends a list of strings.
func (e *Encoder) Strings(list []string) {
	e.count(len(list))
	for _, s := range list {
		e.String(s)
	}
}

// Map appends a string map. Keys are written in sorted order so equal maps
// encode identically.
func (e *Encoder) Map(m map[string]string) {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	e.count(len(keys))
	for _, k := range keys {
		e.String(k)
		e.String(m[k])
	}
}

// Bytes returns the encoded payload or the first error encountered.
func (e *Encoder) Bytes() ([]byte, error) {
	if e.err != nil {
		return nil, e.err
	}
	return e.buf.Bytes(), nil
}

// Decoder reads values written by an Encoder.
type Decoder struct {
	r io.Reader
}

// NewDecoder creates a decoder over r.
func NewDecoder(r io.Reader) *Decoder {
	return &Decoder{r: r}
}

func (d *Decoder) number(digits int) (int, error) {
	buf := make([]byte, digits)
	if _, err := io.ReadFull(d.r, buf); err != nil {
		return 0, err
	}
	n, err := strconv.Atoi(string(buf))
	if err != nil || n < 0 {
		return 0, fmt.Errorf("invalid length prefix %q", buf)
	}
	return n, nil
}

// String reads a string.
func (d *Decoder) String() (string, error) {
	n, err := d.number(stringLenDigits)
	if err != nil {
		return "", err
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(d.r, buf); err != nil {
		return "", err
	}
	return string(buf), nil
}

// Int reads an integer.
func (d *Decoder) Int() (int64, error) {
	s, err := d.String()
	if err != nil {
		return 0, err
	}
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid integer %q: %w", s, err)
	}
	return n, nil
}

// Bool reads a boolean.
func (d *Decoder) Bool() (bool, error) {
	s, err := d.String()
	if err != nil {
		return false, err
	}
	return s == "1", nil
}

// Strings reads a list of strings.
func (d *Decoder) Strings() ([]string, error) {
	n, err := d.number(countDigits)
	if err != nil {
		return nil, err
	}
	list := make([]string, 0, n)
	for i := 0; i < n; i++ {
		s, err := d.String()
		if err != nil {
			return nil, err
		}
		list = append(list, s)
	}
	return list, nil
}

// Map reads a string map.
func (d *Decoder) Map() (map[string]string, error) {
	n, err := d.number(countDigits)
	if err != nil {
		return nil, err
	}
	m := make(map[string]string, n)
	for i := 0; i < n; i++ {
		k, err := d.String()
		if err != nil {
			return nil, err
		}
		v, err := d.String()
		if err != nil {
			return nil, err
		}
		m[k] = v
	}
	return m, nil
}

// WriteFrame writes a 9-digit payload length followed by the payload in a
// single Write call, so frames up to PIPE_BUF are atomic on a pipe.
func WriteFrame(w io.Writer, payload []byte) error {
	if len(payload) > maxStringLen {
		return fmt.Errorf("%w: frame of %d bytes", ErrFieldTooLong, len(payload))
	}
	frame := make([]byte, 0, frameLenDigits+len(payload))
	frame = fmt.Appendf(frame, "%0*d", frameLenDigits, len(payload))
	frame = append(frame, payload...)
	_, err := w.Write(frame)
	return err
}

// ReadFrame reads one frame and returns its payload. It returns io.EOF when
// the stream ends cleanly between frames.
func ReadFrame(r io.Reader) ([]byte, error) {
	d := NewDecoder(r)
	n, err := d.number(frameLenDigits)
	if err != nil {
		return nil, err
	}
	payload := make([]byte, n)
	if _, err := io.ReadFull(r, payload); err != nil {
		if errors.Is(err, io.EOF) {
			err = io.ErrUnexpectedEOF
		}
		return nil, err
	}
	return payload, nil
}
