package mediator

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/rillflow/rill/runtime/result"
	"github.com/rillflow/rill/runtime/telemetry"
)

// TelemetryBehavior records a span plus dispatch counters and duration for
// every message.
type TelemetryBehavior struct {
	metrics telemetry.Metrics
	tracer  telemetry.Tracer
}

// NewTelemetryBehavior returns a behavior recording through the given
// metrics and tracer.
func NewTelemetryBehavior(metrics telemetry.Metrics, tracer telemetry.Tracer) *TelemetryBehavior {
	return &TelemetryBehavior{metrics: metrics, tracer: tracer}
}

// Name implements Behavior.
func (b *TelemetryBehavior) Name() string { return "telemetry" }

// Handle implements Behavior.
func (b *TelemetryBehavior) Handle(ctx context.Context, msg Message, next Next) result.Result[any] {
	ctx, span := b.tracer.Start(ctx, "dispatch "+msg.Type,
		trace.WithSpanKind(trace.SpanKindInternal))
	defer span.End()
	span.AddEvent("dispatch", "msg_id", msg.ID.String(), "kind", string(msg.Kind))

	start := time.Now()
	r := next(ctx)
	elapsed := time.Since(start)

	outcome := "ok"
	if r.Failed() {
		outcome = string(r.Kind())
		span.RecordError(r.Err())
		span.SetStatus(codes.Error, string(r.Kind()))
	} else {
		span.SetStatus(codes.Ok, "")
	}
	tags := []string{"type", msg.Type, "kind", string(msg.Kind), "outcome", outcome}
	b.metrics.IncCounter(telemetry.MetricDispatchTotal, 1, tags...)
	b.metrics.RecordTimer(telemetry.MetricDispatchDuration, elapsed, tags...)
	return r
}
