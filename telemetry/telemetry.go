// Package telemetry instruments the SDK with OpenTelemetry metrics and
// traces and clue-backed structured logging. It uses the global otel
// providers; configure them before constructing a client (typically via
// clue.ConfigureOpenTelemetry or OTEL_* environment variables).
package telemetry

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"goa.design/clue/log"
)

const scope = "github.com/latticedb/lattice-go"

// Instruments bundles the SDK's meters and tracer.
type Instruments struct {
	tracer       trace.Tracer
	operations   metric.Int64Counter
	reconnects   metric.Int64Counter
	decodeErrors metric.Int64Counter
	events       metric.Int64Counter
}

// New builds the instrument set from the global providers.
func New() (*Instruments, error) {
	meter := otel.Meter(scope)
	ops, err := meter.Int64Counter("lattice.operations",
		metric.WithDescription("Monitored operations by terminal outcome"))
	if err != nil {
		return nil, fmt.Errorf("create operations counter: %w", err)
	}
	rec, err := meter.Int64Counter("lattice.stream.reconnects",
		metric.WithDescription("Stream reconnect attempts"))
	if err != nil {
		return nil, fmt.Errorf("create reconnects counter: %w", err)
	}
	dec, err := meter.Int64Counter("lattice.stream.decode_errors",
		metric.WithDescription("Malformed stream events dropped"))
	if err != nil {
		return nil, fmt.Errorf("create decode errors counter: %w", err)
	}
	evs, err := meter.Int64Counter("lattice.stream.events",
		metric.WithDescription("Stream events dispatched, by kind"))
	if err != nil {
		return nil, fmt.Errorf("create events counter: %w", err)
	}
	return &Instruments{
		tracer:       otel.Tracer(scope),
		operations:   ops,
		reconnects:   rec,
		decodeErrors: dec,
		events:       evs,
	}, nil
}

// StartSpan opens a client span around one executor request.
func (t *Instruments) StartSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return t.tracer.Start(ctx, name,
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(attrs...))
}

// EndSpan closes the span, recording err when non-nil.
func (t *Instruments) EndSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}

// RecordOperation counts one terminal operation outcome
// (completed, failed, cancelled, timed_out or queued).
func (t *Instruments) RecordOperation(ctx context.Context, op, outcome string) {
	t.operations.Add(ctx, 1, metric.WithAttributes(
		attribute.String("operation", op),
		attribute.String("outcome", outcome),
	))
	log.Debug(ctx, log.KV{K: "msg", V: "operation settled"},
		log.KV{K: "operation", V: op}, log.KV{K: "outcome", V: outcome})
}

// RecordEvent counts one dispatched stream event.
func (t *Instruments) RecordEvent(ctx context.Context, kind string) {
	t.events.Add(ctx, 1, metric.WithAttributes(attribute.String("kind", kind)))
}

// RecordDecodeError counts one dropped malformed event.
func (t *Instruments) RecordDecodeError(ctx context.Context) {
	t.decodeErrors.Add(ctx, 1)
}

// RecordReconnect counts one reconnect attempt.
func (t *Instruments) RecordReconnect(ctx context.Context) {
	t.reconnects.Add(ctx, 1)
}
