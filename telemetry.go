package slonik

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const instrumentationName = "github.com/gajus/slonik-sub000"

// TelemetryConfig holds telemetry configuration
type TelemetryConfig struct {
	Enabled bool
}

// EnableTelemetry enables or disables OpenTelemetry tracing for this pool
func (p *Pool) EnableTelemetry(enabled bool) {
	if p == nil {
		return
	}
	p.telemetryEnabled.Store(enabled)
}

// tracer resolves through the current global provider.
func tracer() trace.Tracer {
	return otel.Tracer(instrumentationName, trace.WithInstrumentationVersion(Version()))
}

// startSpan creates a new span with common database attributes
func (p *Pool) startSpan(ctx context.Context, operation string, statement string) (context.Context, trace.Span) {
	if p == nil || !p.telemetryEnabled.Load() {
		return ctx, trace.SpanFromContext(ctx)
	}

	ctx, span := tracer().Start(ctx, "slonik."+operation, trace.WithSpanKind(trace.SpanKindClient))
	span.SetAttributes(
		attribute.String("db.system", "postgresql"),
		attribute.String("db.operation", operation),
		attribute.String("slonik.pool_id", p.id),
	)
	if statement != "" {
		span.SetAttributes(attribute.String("db.statement", statement))
	}
	return ctx, span
}

// annotateSpan adds attributes to a span this pool started.
func (p *Pool) annotateSpan(span trace.Span, attrs ...attribute.KeyValue) {
	if p == nil || !p.telemetryEnabled.Load() {
		return
	}
	span.SetAttributes(attrs...)
}

// finishSpan completes a span with error handling
func (p *Pool) finishSpan(span trace.Span, err error) {
	if p == nil || !p.telemetryEnabled.Load() {
		return
	}

	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		if code := SQLState(err); code != "" {
			span.SetAttributes(attribute.String("db.response.status_code", code))
		}
	} else {
		span.SetStatus(codes.Ok, "")
	}
	span.End()
}
