//go:build otel

package cmd

import (
	"context"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"

	"github.com/nextlevelbuilder/agentgate/internal/config"
)

// initOTelExporter wires the OTLP trace exporter when telemetry is enabled.
// Compiled only with -tags otel; the default build keeps the no-op tracer.
func initOTelExporter(ctx context.Context, cfg *config.Config) func() {
	tel := cfg.Telemetry
	if !tel.Enabled || tel.Endpoint == "" {
		return func() {}
	}

	var exporter *otlptrace.Exporter
	var err error
	switch tel.Protocol {
	case "http":
		opts := []otlptracehttp.Option{otlptracehttp.WithEndpoint(tel.Endpoint)}
		if tel.Insecure {
			opts = append(opts, otlptracehttp.WithInsecure())
		}
		if len(tel.Headers) > 0 {
			opts = append(opts, otlptracehttp.WithHeaders(tel.Headers))
		}
		exporter, err = otlptracehttp.New(ctx, opts...)
	default:
		opts := []otlptracegrpc.Option{otlptracegrpc.WithEndpoint(tel.Endpoint)}
		if tel.Insecure {
			opts = append(opts, otlptracegrpc.WithInsecure())
		}
		if len(tel.Headers) > 0 {
			opts = append(opts, otlptracegrpc.WithHeaders(tel.Headers))
		}
		exporter, err = otlptracegrpc.New(ctx, opts...)
	}
	if err != nil {
		slog.Warn("otel exporter init failed, tracing disabled", "error", err)
		return func() {}
	}

	serviceName := tel.ServiceName
	if serviceName == "" {
		serviceName = "agentgate"
	}
	res, _ := resource.Merge(resource.Default(),
		resource.NewSchemaless(attribute.String("service.name", serviceName)))

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
	)
	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{}, propagation.Baggage{}))

	slog.Info("otel tracing enabled",
		"endpoint", tel.Endpoint, "protocol", tel.Protocol, "service", serviceName)

	return func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := tp.Shutdown(shutdownCtx); err != nil {
			slog.Warn("otel shutdown failed", "error", err)
		}
	}
}
