// Package pulse provides the thin client the envelope relay publishes
// through. Callers build a Redis client, hand it to New, and receive a
// typed interface exposing only the stream operations the relay and its
// subscribers need.
package pulse

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
	"goa.design/clue/health"
	"goa.design/pulse/streaming"
	streamopts "goa.design/pulse/streaming/options"

	"github.com/rillflow/rill/runtime/result"
)

const relayClientName = "relay-pulse"

type (
	// Options configures the Pulse client.
	Options struct {
		// Redis is the connection backing Pulse streams. Required.
		Redis *redis.Client
		// StreamMaxLen bounds the entries kept per stream. Zero uses the
		// Pulse default.
		StreamMaxLen int
		// OperationTimeout bounds individual publish operations. Zero
		// means no timeout.
		OperationTimeout time.Duration
	}

	// Client exposes the subset of Pulse needed to relay envelopes.
	Client interface {
		health.Pinger

		// Stream returns a handle to the named Pulse stream, creating it
		// on first use.
		Stream(name string, opts ...streamopts.Stream) (Stream, error)
	}

	// Stream publishes entries and spawns consumer groups.
	Stream interface {
		// Add publishes one named event, returning the Redis entry id.
		Add(ctx context.Context, event string, payload []byte) (string, error)
		// NewSink creates a consumer group on this stream.
		NewSink(ctx context.Context, name string, opts ...streamopts.Sink) (Sink, error)
		// Destroy deletes the stream and all its entries.
		Destroy(ctx context.Context) error
	}

	// Sink is a consumer group over one Pulse stream.
	Sink interface {
		// Subscribe returns the channel entries arrive on.
		Subscribe() <-chan *streaming.Event
		// Ack marks an entry processed so it leaves the pending list.
		Ack(context.Context, *streaming.Event) error
		// Close stops the sink and releases its resources.
		Close(context.Context)
	}
)

type client struct {
	redis   *redis.Client
	maxLen  int
	timeout time.Duration
}

// New constructs a Pulse client on the provided Redis connection. The
// caller keeps ownership of the connection's lifecycle.
func New(opts Options) (Client, error) {
	if opts.Redis == nil {
		return nil, result.Configurationf("relay pulse: redis client is required")
	}
	return &client{
		redis:   opts.Redis,
		maxLen:  opts.StreamMaxLen,
		timeout: opts.OperationTimeout,
	}, nil
}

// Name implements health.Pinger.
func (c *client) Name() string { return relayClientName }

// Ping implements health.Pinger.
func (c *client) Ping(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	return c.redis.Ping(ctx).Err()
}

// Stream implements Client.
func (c *client) Stream(name string, opts ...streamopts.Stream) (Stream, error) {
	if name == "" {
		return nil, result.Validationf("stream name is empty")
	}
	var streamOptions []streamopts.Stream
	if c.maxLen > 0 {
		streamOptions = append(streamOptions, streamopts.WithStreamMaxLen(c.maxLen))
	}
	streamOptions = append(streamOptions, opts...)
	str, err := streaming.NewStream(name, c.redis, streamOptions...)
	if err != nil {
		return nil, result.Wrapf(result.KindValidation, err, "opening pulse stream %q", name)
	}
	return &handle{name: name, stream: str, timeout: c.timeout}, nil
}

// handle wraps one Pulse stream and applies the configured timeout to
// publishes.
type handle struct {
	name    string
	stream  *streaming.Stream
	timeout time.Duration
}

// Add implements Stream.
func (h *handle) Add(ctx context.Context, event string, payload []byte) (string, error) {
	if event == "" {
		return "", result.Validationf("event name is empty")
	}
	if h.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, h.timeout)
		defer cancel()
	}
	id, err := h.stream.Add(ctx, event, payload)
	if err != nil {
		return "", result.Wrapf(result.KindTransient, err, "publishing %q to %q", event, h.name)
	}
	return id, nil
}

// NewSink implements Stream.
func (h *handle) NewSink(ctx context.Context, name string, opts ...streamopts.Sink) (Sink, error) {
	sink, err := h.stream.NewSink(ctx, name, opts...)
	if err != nil {
		return nil, result.Wrapf(result.KindTransient, err, "creating sink %q on %q", name, h.name)
	}
	return sinkAdapter{Sink: sink}, nil
}

// Destroy implements Stream.
func (h *handle) Destroy(ctx context.Context) error {
	if err := h.stream.Destroy(ctx); err != nil {
		return result.Wrapf(result.KindTransient, err, "destroying stream %q", h.name)
	}
	return nil
}

// sinkAdapter narrows *streaming.Sink to the Sink interface.
type sinkAdapter struct {
	*streaming.Sink
}

func (s sinkAdapter) Close(ctx context.Context) {
	s.Sink.Close(ctx)
}
