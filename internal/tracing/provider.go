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

package tracing

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel"
	otelprom "go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
)

// ScopeName is the instrumentation scope of dispatch spans and metrics.
const ScopeName = "github.com/tombee/dispatch"

// Config configures a Provider.
type Config struct {
	ServiceName    string
	ServiceVersion string

	Exporter string
	Endpoint string
	Insecure bool
	Headers  map[string]string

	// SampleRate is the fraction of root spans sampled. Child spans follow
	// their parent.
	SampleRate float64

	// Writer receives stdout exporter output. Defaults to os.Stdout.
	Writer io.Writer

	// Registerer receives the metrics collector. Defaults to
	// prometheus.DefaultRegisterer.
	Registerer prometheus.Registerer
}

// Provider owns the tracer and meter providers.
type Provider struct {
	tp *sdktrace.TracerProvider
	mp *sdkmetric.MeterProvider
}

// NewProvider builds the tracer provider and registers it globally. opts
// are appended after the configured exporter, so tests can add a syncer.
func NewProvider(ctx context.Context, cfg Config, opts ...sdktrace.TracerProviderOption) (*Provider, error) {
	if cfg.ServiceName == "" {
		cfg.ServiceName = "dispatchd"
	}

	res, err := resource.Merge(
		resource.Default(),
		resource.NewWithAttributes(
			"",
			semconv.ServiceName(cfg.ServiceName),
			semconv.ServiceVersion(cfg.ServiceVersion),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create resource: %w", err)
	}

	exporter, err := NewExporter(ctx, cfg)
	if err != nil {
		return nil, err
	}

	all := []sdktrace.TracerProviderOption{
		sdktrace.WithResource(res),
		sdktrace.WithSampler(newSampler(cfg.SampleRate)),
	}
	if exporter != nil {
		all = append(all, sdktrace.WithBatcher(exporter))
	}
	tp := sdktrace.NewTracerProvider(append(all, opts...)...)

	reg := cfg.Registerer
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	promExporter, err := otelprom.New(otelprom.WithRegisterer(reg))
	if err != nil {
		_ = tp.Shutdown(ctx)
		return nil, fmt.Errorf("failed to create prometheus exporter: %w", err)
	}
	mp := sdkmetric.NewMeterProvider(
		sdkmetric.WithResource(res),
		sdkmetric.WithReader(promExporter),
	)

	otel.SetTracerProvider(tp)

	return &Provider{tp: tp, mp: mp}, nil
}

func newSampler(rate float64) sdktrace.Sampler {
	switch {
	case rate >= 1:
		return sdktrace.ParentBased(sdktrace.AlwaysSample())
	case rate <= 0:
		return sdktrace.ParentBased(sdktrace.NeverSample())
	}
	return sdktrace.ParentBased(sdktrace.TraceIDRatioBased(rate))
}

// Tracer returns the dispatch tracer.
func (p *Provider) Tracer() trace.Tracer {
	return p.tp.Tracer(ScopeName)
}

// Meter returns the dispatch meter.
func (p *Provider) Meter() metric.Meter {
	return p.mp.Meter(ScopeName)
}

// ForceFlush exports pending spans synchronously.
func (p *Provider) ForceFlush(ctx context.Context) error {
	return errors.Join(p.tp.ForceFlush(ctx), p.mp.ForceFlush(ctx))
}

// Shutdown flushes and stops both providers.
func (p *Provider) Shutdown(ctx context.Context) error {
	return errors.Join(p.tp.Shutdown(ctx), p.mp.Shutdown(ctx))
}
