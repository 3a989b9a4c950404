// Package telemetry abstracts logging, metrics, and tracing behind small
// interfaces so runtime components stay agnostic of the observability
// backend. Production wiring uses goa.design/clue for logs and the global
// OpenTelemetry providers for metrics and traces; tests use the no-op
// implementations.
package telemetry

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Metric names recorded by the runtime. Dimensions are passed as
// alternating tag key-value pairs.
const (
	// MetricDispatchTotal counts mediator dispatches, tagged by message
	// type, kind (request or event), and outcome.
	MetricDispatchTotal = "rill.dispatch.total"
	// MetricDispatchDuration is the dispatch duration histogram, tagged
	// like MetricDispatchTotal.
	MetricDispatchDuration = "rill.dispatch.duration"
	// MetricOutboxDispatched counts outbox messages handed to the
	// publisher, tagged by outcome.
	MetricOutboxDispatched = "rill.outbox.dispatched.total"
	// MetricOutboxDeadLettered counts outbox messages moved to the
	// dead-letter store.
	MetricOutboxDeadLettered = "rill.outbox.deadlettered.total"
	// MetricFlowSteps counts flow step executions, tagged by flow, step,
	// and outcome.
	MetricFlowSteps = "rill.flow.steps.total"
	// MetricFlowCompensations counts compensation executions, tagged by
	// flow and step.
	MetricFlowCompensations = "rill.flow.compensations.total"
	// MetricClusterLeader is a 0/1 gauge of this node's leadership,
	// tagged by election key and node.
	MetricClusterLeader = "rill.cluster.leader"
	// MetricProjectionApplied counts events folded into projections,
	// tagged by projection name.
	MetricProjectionApplied = "rill.projection.applied.total"
)

type (
	// Logger emits structured log records with alternating key-value
	// pairs.
	Logger interface {
		Debug(ctx context.Context, msg string, keyvals ...any)
		Info(ctx context.Context, msg string, keyvals ...any)
		Warn(ctx context.Context, msg string, keyvals ...any)
		Error(ctx context.Context, msg string, keyvals ...any)
	}

	// Metrics records counters, timers, and gauges. Tags are alternating
	// key-value string pairs.
	Metrics interface {
		IncCounter(name string, value float64, tags ...string)
		RecordTimer(name string, duration time.Duration, tags ...string)
		RecordGauge(name string, value float64, tags ...string)
	}

	// Tracer starts and recovers spans. It uses OTel option types so
	// callers keep full control over span kinds and attributes.
	Tracer interface {
		Start(ctx context.Context, name string, opts ...trace.SpanStartOption) (context.Context, Span)
		Span(ctx context.Context) Span
	}

	// Span is an in-flight tracing span.
	Span interface {
		End(opts ...trace.SpanEndOption)
		AddEvent(name string, attrs ...any)
		SetStatus(code codes.Code, description string)
		RecordError(err error, opts ...trace.EventOption)
	}
)
