package mediator

import (
	"context"
	"time"

	"github.com/rillflow/rill/runtime/result"
	"github.com/rillflow/rill/runtime/telemetry"
)

// Conventional pipeline orders for the built-in behaviors. Lower runs
// outermost.
const (
	OrderLogging     = 100
	OrderTelemetry   = 200
	OrderLeader      = 300
	OrderThrottle    = 400
	OrderIdempotency = 500
	OrderValidation  = 600
	OrderRetry       = 700
)

// LoggingBehavior logs every dispatch with its outcome and duration.
type LoggingBehavior struct {
	logger telemetry.Logger
}

// NewLoggingBehavior returns a behavior logging through l.
func NewLoggingBehavior(l telemetry.Logger) *LoggingBehavior {
	return &LoggingBehavior{logger: l}
}

// Name implements Behavior.
func (b *LoggingBehavior) Name() string { return "logging" }

// Handle implements Behavior.
func (b *LoggingBehavior) Handle(ctx context.Context, msg Message, next Next) result.Result[any] {
	b.logger.Debug(ctx, "dispatching",
		"type", msg.Type, "kind", string(msg.Kind), "msg_id", msg.ID.String())

	start := time.Now()
	r := next(ctx)
	elapsed := time.Since(start)

	if r.Failed() {
		b.logger.Error(ctx, "dispatch failed",
			"type", msg.Type,
			"kind", string(msg.Kind),
			"msg_id", msg.ID.String(),
			"failure", string(r.Kind()),
			"error", r.Err().Error(),
			"duration_ms", elapsed.Milliseconds())
		return r
	}
	b.logger.Info(ctx, "dispatched",
		"type", msg.Type,
		"kind", string(msg.Kind),
		"msg_id", msg.ID.String(),
		"duration_ms", elapsed.Milliseconds())
	return r
}
