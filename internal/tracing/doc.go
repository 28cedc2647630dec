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

// Package tracing records OpenTelemetry spans for workflow instances and
// their task attempts.
//
// Every instance gets a root span that lives from submission (or resume)
// until it terminates. Each task attempt is a child span opened when the
// task starts executing and closed when its monitor reports the exit.
// Spans are exported to stdout, or to an OTLP collector over gRPC or HTTP.
//
// Task attempt durations are also recorded as OpenTelemetry metrics and
// exposed through the daemon's Prometheus endpoint.
package tracing
