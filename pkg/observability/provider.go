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

// Package observability bootstraps OpenTelemetry tracing and metrics for
// the engine. Trace export is selected by configuration (OTLP over gRPC
// or HTTP, stdout for local debugging, or none); metrics always flow to
// the Prometheus registry so the metrics endpoint works regardless of
// the trace exporter.
package observability

import (
	"context"
	"fmt"
	"net/http"
	"os"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"

	lferrors "github.com/leadforge/engine/pkg/errors"
)

// Exporter names accepted in Config.Exporter and OTEL_EXPORTER.
const (
	ExporterOTLPGRPC = "otlp-grpc"
	ExporterOTLPHTTP = "otlp-http"
	ExporterStdout   = "stdout"
	ExporterNone     = "none"
)

// Config selects the trace exporter and identifies the service.
type Config struct {
	ServiceName    string
	ServiceVersion string

	// Exporter is one of otlp-grpc, otlp-http, stdout, none.
	// Empty means none.
	Exporter string

	// Endpoint overrides the OTLP collector endpoint. Empty falls back
	// to the SDK's OTEL_EXPORTER_OTLP_ENDPOINT handling.
	Endpoint string
}

// FromEnv builds a Config from OTEL_EXPORTER, defaulting to none.
func FromEnv(serviceName, serviceVersion string) Config {
	exporter := os.Getenv("OTEL_EXPORTER")
	if exporter == "" {
		exporter = ExporterNone
	}
	return Config{
		ServiceName:    serviceName,
		ServiceVersion: serviceVersion,
		Exporter:       exporter,
	}
}

// Provider owns the tracer and meter providers for one process.
type Provider struct {
	tp *sdktrace.TracerProvider
	mp *sdkmetric.MeterProvider
}

// New builds the provider, installs it globally, and returns it for
// shutdown. An unknown exporter name is a configuration error.
func New(ctx context.Context, cfg Config) (*Provider, error) {
	res, err := resource.Merge(
		resource.Default(),
		resource.NewWithAttributes(
			"",
			semconv.ServiceName(cfg.ServiceName),
			semconv.ServiceVersion(cfg.ServiceVersion),
		),
	)
	if err != nil {
		return nil, lferrors.Wrap(err, "building telemetry resource")
	}

	traceOpts := []sdktrace.TracerProviderOption{sdktrace.WithResource(res)}
	exporter, err := traceExporter(ctx, cfg)
	if err != nil {
		return nil, err
	}
	if exporter != nil {
		traceOpts = append(traceOpts, sdktrace.WithBatcher(exporter))
	}
	tp := sdktrace.NewTracerProvider(traceOpts...)
	otel.SetTracerProvider(tp)

	// The prometheus reader registers with the default registry, which
	// already carries the engine's counters.
	promExporter, err := prometheus.New()
	if err != nil {
		return nil, lferrors.Wrap(err, "creating prometheus exporter")
	}
	mp := sdkmetric.NewMeterProvider(
		sdkmetric.WithResource(res),
		sdkmetric.WithReader(promExporter),
	)
	otel.SetMeterProvider(mp)

	return &Provider{tp: tp, mp: mp}, nil
}

// traceExporter builds the span exporter named by cfg, nil for none.
func traceExporter(ctx context.Context, cfg Config) (sdktrace.SpanExporter, error) {
	switch cfg.Exporter {
	case ExporterOTLPGRPC:
		opts := []otlptracegrpc.Option{}
		if cfg.Endpoint != "" {
			opts = append(opts, otlptracegrpc.WithEndpoint(cfg.Endpoint), otlptracegrpc.WithInsecure())
		}
		exp, err := otlptracegrpc.New(ctx, opts...)
		if err != nil {
			return nil, lferrors.Wrap(err, "creating otlp grpc exporter")
		}
		return exp, nil

	case ExporterOTLPHTTP:
		opts := []otlptracehttp.Option{}
		if cfg.Endpoint != "" {
			opts = append(opts, otlptracehttp.WithEndpoint(cfg.Endpoint), otlptracehttp.WithInsecure())
		}
		exp, err := otlptracehttp.New(ctx, opts...)
		if err != nil {
			return nil, lferrors.Wrap(err, "creating otlp http exporter")
		}
		return exp, nil

	case ExporterStdout:
		exp, err := stdouttrace.New(stdouttrace.WithPrettyPrint())
		if err != nil {
			return nil, lferrors.Wrap(err, "creating stdout exporter")
		}
		return exp, nil

	case ExporterNone, "":
		return nil, nil

	default:
		return nil, &lferrors.ConfigError{
			Key:    "OTEL_EXPORTER",
			Reason: fmt.Sprintf("unknown exporter %q", cfg.Exporter),
		}
	}
}

// Tracer returns a tracer for the given instrumentation scope.
func (p *Provider) Tracer(name string) trace.Tracer {
	return p.tp.Tracer(name)
}

// MetricsHandler serves the Prometheus registry, including the engine's
// counters and the OTel-exported instruments.
func (p *Provider) MetricsHandler() http.Handler {
	return promhttp.Handler()
}

// ForceFlush exports pending spans synchronously. Useful before a
// short-lived worker exits.
func (p *Provider) ForceFlush(ctx context.Context) error {
	if err := p.tp.ForceFlush(ctx); err != nil {
		return err
	}
	return p.mp.ForceFlush(ctx)
}

// Shutdown flushes and releases both providers.
func (p *Provider) Shutdown(ctx context.Context) error {
	if err := p.tp.Shutdown(ctx); err != nil {
		return err
	}
	return p.mp.Shutdown(ctx)
}
