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

package log

import (
	"bytes"
	"encoding/json"
	"errors"
	"log/slog"
	"os"
	"strings"
	"testing"
)

func clearLogEnv(t *testing.T) {
	t.Helper()
	for _, k := range []string{"DISPATCH_DEBUG", "DISPATCH_LOG_LEVEL", "LOG_LEVEL", "LOG_FORMAT", "LOG_SOURCE"} {
		t.Setenv(k, "")
	}
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	if cfg.Level != "info" {
		t.Errorf("expected default level 'info', got %q", cfg.Level)
	}
	if cfg.Format != FormatJSON {
		t.Errorf("expected default format 'json', got %q", cfg.Format)
	}
	if cfg.Output != os.Stderr {
		t.Errorf("expected default output to be os.Stderr")
	}
}

func TestFromEnv(t *testing.T) {
	tests := []struct {
		name      string
		envVars   map[string]string
		level     string
		format    Format
		addSource bool
	}{
		{
			name:   "defaults when no env vars",
			level:  "info",
			format: FormatJSON,
		},
		{
			name:    "LOG_LEVEL=DEBUG (case insensitive)",
			envVars: map[string]string{"LOG_LEVEL": "DEBUG"},
			level:   "debug",
			format:  FormatJSON,
		},
		{
			name:    "DISPATCH_LOG_LEVEL wins over LOG_LEVEL",
			envVars: map[string]string{"LOG_LEVEL": "error", "DISPATCH_LOG_LEVEL": "warn"},
			level:   "warn",
			format:  FormatJSON,
		},
		{
			name:      "DISPATCH_DEBUG enables debug and source",
			envVars:   map[string]string{"DISPATCH_DEBUG": "1", "DISPATCH_LOG_LEVEL": "error"},
			level:     "debug",
			format:    FormatJSON,
			addSource: true,
		},
		{
			name:      "text format with source",
			envVars:   map[string]string{"LOG_FORMAT": "text", "LOG_SOURCE": "1"},
			level:     "info",
			format:    FormatText,
			addSource: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			clearLogEnv(t)
			for k, v := range tt.envVars {
				t.Setenv(k, v)
			}

			cfg := FromEnv()

			if cfg.Level != tt.level {
				t.Errorf("expected level %q, got %q", tt.level, cfg.Level)
			}
			if cfg.Format != tt.format {
				t.Errorf("expected format %q, got %q", tt.format, cfg.Format)
			}
			if cfg.AddSource != tt.addSource {
				t.Errorf("expected AddSource %v, got %v", tt.addSource, cfg.AddSource)
			}
		})
	}
}

func TestNew_JSONFormat(t *testing.T) {
	var buf bytes.Buffer
	logger := New(&Config{Level: "debug", Format: FormatJSON, Output: &buf})
	logger.Info("test message", "key", "value")

	var entry map[string]interface{}
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("expected valid JSON output, got error: %v", err)
	}
	if entry["msg"] != "test message" {
		t.Errorf("expected msg 'test message', got %v", entry["msg"])
	}
	if entry["key"] != "value" {
		t.Errorf("expected key 'value', got %v", entry["key"])
	}
}

func TestNew_TextFormat(t *testing.T) {
	var buf bytes.Buffer
	logger := New(&Config{Level: "info", Format: FormatText, Output: &buf})
	logger.Info("hello", "queue", "default")

	output := buf.String()
	if !strings.Contains(output, "msg=hello") || !strings.Contains(output, "queue=default") {
		t.Errorf("unexpected text output: %s", output)
	}
}

func TestParseLevel(t *testing.T) {
	tests := map[string]slog.Level{
		"trace":   LevelTrace,
		"debug":   slog.LevelDebug,
		"INFO":    slog.LevelInfo,
		"warning": slog.LevelWarn,
		"error":   slog.LevelError,
		"bogus":   slog.LevelInfo,
	}
	for input, want := range tests {
		if got := ParseLevel(input); got != want {
			t.Errorf("ParseLevel(%q) = %v, want %v", input, got, want)
		}
	}
}

func TestLogLevel_Filtering(t *testing.T) {
	var buf bytes.Buffer
	logger := New(&Config{Level: "warn", Format: FormatJSON, Output: &buf})

	logger.Info("dropped")
	logger.Warn("kept")

	output := buf.String()
	if strings.Contains(output, "dropped") {
		t.Errorf("info entry should be filtered at warn level: %s", output)
	}
	if !strings.Contains(output, "kept") {
		t.Errorf("warn entry missing: %s", output)
	}
}

func TestContextHelpers(t *testing.T) {
	var buf bytes.Buffer
	logger := New(&Config{Level: "info", Format: FormatJSON, Output: &buf})

	logger = WithComponent(logger, "queuepool")
	logger = WithInstanceContext(logger, 42, "nightly")
	logger = WithTaskContext(logger, "extract/fetch", "default")
	logger.Info("dispatched", Error(errors.New("boom")))

	var entry map[string]interface{}
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("invalid JSON: %v", err)
	}

	checks := map[string]interface{}{
		"component":   "queuepool",
		InstanceIDKey: float64(42),
		WorkflowKey:   "nightly",
		TaskKey:       "extract/fetch",
		QueueKey:      "default",
		"error":       "boom",
	}
	for k, want := range checks {
		if entry[k] != want {
			t.Errorf("field %s = %v, want %v", k, entry[k], want)
		}
	}
}

func TestTrace(t *testing.T) {
	var buf bytes.Buffer

	Trace(New(&Config{Level: "debug", Output: &buf}), "hidden")
	if buf.Len() != 0 {
		t.Errorf("trace should be filtered at debug level, got %s", buf.String())
	}

	Trace(New(&Config{Level: "trace", Output: &buf}), "visible", String("frame", "exit"))
	if !strings.Contains(buf.String(), "visible") {
		t.Errorf("trace entry missing: %s", buf.String())
	}
}

func TestNilConfig(t *testing.T) {
	if New(nil) == nil {
		t.Fatal("New(nil) returned nil logger")
	}
	Discard().Error("nothing to see")
}
