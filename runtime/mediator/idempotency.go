package mediator

import (
	"context"
	"encoding/json"
	"time"

	"github.com/rillflow/rill/runtime/codec"
	"github.com/rillflow/rill/runtime/result"
	"github.com/rillflow/rill/runtime/telemetry"
)

// IdempotencyKeyer is implemented by requests that participate in
// idempotent dispatch. Requests returning an empty key pass through.
type IdempotencyKeyer interface {
	IdempotencyKey() string
}

// ResultStore is the slice of the idempotency store this behavior needs.
// *idempotency.Store implementations satisfy it.
type ResultStore interface {
	Store(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Get(ctx context.Context, key string) ([]byte, bool, error)
}

// storedResult is the persisted envelope of a successful response.
type storedResult struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// IdempotencyBehavior short-circuits requests whose idempotency key was
// already processed, replaying the stored response. Successful responses
// are recorded with a TTL; failures are never recorded, so the caller can
// retry them under the same key. Response types other than result.Void
// must be registered in the type registry.
type IdempotencyBehavior struct {
	store  ResultStore
	c      codec.Codec
	reg    *codec.Registry
	ttl    time.Duration
	logger telemetry.Logger
}

// NewIdempotencyBehavior returns an idempotency behavior persisting
// responses in store for ttl.
func NewIdempotencyBehavior(store ResultStore, c codec.Codec, reg *codec.Registry, ttl time.Duration, logger telemetry.Logger) *IdempotencyBehavior {
	return &IdempotencyBehavior{store: store, c: c, reg: reg, ttl: ttl, logger: logger}
}

// Name implements Behavior.
func (b *IdempotencyBehavior) Name() string { return "idempotency" }

// Handle implements Behavior.
func (b *IdempotencyBehavior) Handle(ctx context.Context, msg Message, next Next) result.Result[any] {
	if msg.Kind != KindRequest {
		return next(ctx)
	}
	keyer, ok := msg.Body.(IdempotencyKeyer)
	if !ok {
		return next(ctx)
	}
	key := keyer.IdempotencyKey()
	if key == "" {
		return next(ctx)
	}

	data, found, err := b.store.Get(ctx, key)
	if err != nil {
		return result.Fail[any](result.Wrapf(result.KindTransient, err, "idempotency lookup for %s", msg.Type))
	}
	if found {
		v, err := b.decode(data)
		if err != nil {
			return result.Fail[any](err)
		}
		b.logger.Debug(ctx, "replaying idempotent response", "type", msg.Type, "key", key)
		return result.OK(v)
	}

	r := next(ctx)
	if r.Failed() {
		return r
	}
	if err := b.record(ctx, key, r.Value()); err != nil {
		// The handler already ran; losing the record only costs a
		// duplicate execution on retry.
		b.logger.Warn(ctx, "idempotency record failed", "type", msg.Type, "key", key, "error", err.Error())
	}
	return r
}

func (b *IdempotencyBehavior) decode(data []byte) (any, error) {
	var env storedResult
	if err := b.c.Unmarshal(data, &env); err != nil {
		return nil, result.Wrap(result.KindFatal, err, "corrupt idempotency record")
	}
	if env.Type == "" {
		return result.Void{}, nil
	}
	v, err := b.reg.Decode(b.c, env.Type, env.Payload)
	if err != nil {
		return nil, err
	}
	return v, nil
}

func (b *IdempotencyBehavior) record(ctx context.Context, key string, v any) error {
	env := storedResult{}
	if _, isVoid := v.(result.Void); !isVoid && v != nil {
		name, payload, err := b.reg.Encode(b.c, v)
		if err != nil {
			return err
		}
		env.Type = name
		env.Payload = payload
	}
	data, err := b.c.Marshal(env)
	if err != nil {
		return err
	}
	return b.store.Store(ctx, key, data, b.ttl)
}
