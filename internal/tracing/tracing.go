// Package tracing emits one OpenTelemetry span per dispatched turn. The
// global tracer provider is a no-op unless the binary is built with OTLP
// export enabled (-tags otel) and telemetry is configured.
package tracing

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "github.com/nextlevelbuilder/agentgate"

// StartTurnSpan opens a span covering one turn dispatch.
func StartTurnSpan(ctx context.Context, sessionKey, channel string) (context.Context, trace.Span) {
	return otel.Tracer(tracerName).Start(ctx, "agentgate.turn",
		trace.WithSpanKind(trace.SpanKindServer),
		trace.WithAttributes(
			attribute.String("session.key", sessionKey),
			attribute.String("channel", channel),
		),
	)
}

// EndTurnSpan records the turn outcome and closes the span.
func EndTurnSpan(span trace.Span, toolCount, blockCount, finalCount int, stopKind string, err error) {
	span.SetAttributes(
		attribute.Int("turn.tool_msgs", toolCount),
		attribute.Int("turn.block_msgs", blockCount),
		attribute.Int("turn.final_msgs", finalCount),
	)
	if stopKind != "" {
		span.SetAttributes(attribute.String("turn.stop_kind", stopKind))
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	} else {
		span.SetStatus(codes.Ok, "")
	}
	span.End()
}
