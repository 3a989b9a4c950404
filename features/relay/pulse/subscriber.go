package pulse

import (
	"context"
	"encoding/json"

	streamopts "goa.design/pulse/streaming/options"

	clientspulse "github.com/rillflow/rill/features/relay/pulse/clients/pulse"
	"github.com/rillflow/rill/runtime/codec"
	"github.com/rillflow/rill/runtime/eventstore"
	"github.com/rillflow/rill/runtime/result"
)

const defaultSinkName = "rill_relay"

type (
	// SubscriberOptions configures a relay subscriber.
	SubscriberOptions struct {
		// Client consumes from Pulse. Required.
		Client clientspulse.Client
		// Registry resolves relayed payload types. Required.
		Registry *codec.Registry
		// Codec decodes payloads. Must match the relay's. Defaults to
		// codec.JSON().
		Codec codec.Codec
		// SinkName identifies the consumer group. Subscribers sharing a
		// name share the topic's entries; distinct names each see every
		// entry. Defaults to "rill_relay".
		SinkName string
		// Buffer is the event channel capacity. Defaults to 64.
		Buffer int
	}

	// Subscriber consumes relayed envelopes from a Pulse topic and decodes
	// them back into event envelopes.
	Subscriber struct {
		client clientspulse.Client
		reg    *codec.Registry
		codec  codec.Codec
		name   string
		buffer int
	}
)

// NewSubscriber builds a subscriber reading through the given client.
func NewSubscriber(opts SubscriberOptions) (*Subscriber, error) {
	if opts.Client == nil {
		return nil, result.Configurationf("relay pulse: client is required")
	}
	if opts.Registry == nil {
		return nil, result.Configurationf("relay pulse: type registry is required")
	}
	c := opts.Codec
	if c == nil {
		c = codec.JSON()
	}
	name := opts.SinkName
	if name == "" {
		name = defaultSinkName
	}
	buffer := opts.Buffer
	if buffer <= 0 {
		buffer = 64
	}
	return &Subscriber{
		client: opts.Client,
		reg:    opts.Registry,
		codec:  c,
		name:   name,
		buffer: buffer,
	}, nil
}

// Subscribe opens a consumer group on topic and returns channels for
// envelopes and errors. Consumption stops on the first error; entries are
// acked only after they were emitted, so nothing is lost in between. The
// returned cancel function stops consumption, closes the sink and closes
// both channels.
func (s *Subscriber) Subscribe(
	ctx context.Context,
	topic string,
	opts ...streamopts.Sink,
) (<-chan eventstore.EventEnvelope, <-chan error, context.CancelFunc, error) {
	str, err := s.client.Stream(topic)
	if err != nil {
		return nil, nil, nil, err
	}
	sink, err := str.NewSink(ctx, s.name, opts...)
	if err != nil {
		return nil, nil, nil, err
	}
	events := make(chan eventstore.EventEnvelope, s.buffer)
	errs := make(chan error, 1)
	runCtx, cancel := context.WithCancel(ctx)
	go s.consume(runCtx, sink, events, errs)
	cancelFunc := func() {
		cancel()
		sink.Close(context.Background())
	}
	return events, errs, cancelFunc, nil
}

func (s *Subscriber) consume(ctx context.Context, sink clientspulse.Sink, out chan<- eventstore.EventEnvelope, errs chan<- error) {
	defer close(out)
	defer close(errs)
	ch := sink.Subscribe()
	for {
		select {
		case <-ctx.Done():
			return
		case evt, ok := <-ch:
			if !ok {
				return
			}
			env, err := s.decode(evt.Payload)
			if err != nil {
				errs <- err
				return
			}
			select {
			case out <- env:
			case <-ctx.Done():
				return
			}
			if err := sink.Ack(ctx, evt); err != nil {
				errs <- result.Wrapf(result.KindTransient, err, "acking entry %s", evt.ID)
				return
			}
		}
	}
}

func (s *Subscriber) decode(frame []byte) (eventstore.EventEnvelope, error) {
	var w wireEnvelope
	if err := json.Unmarshal(frame, &w); err != nil {
		return eventstore.EventEnvelope{}, result.Wrapf(result.KindFatal, err, "decoding relayed envelope")
	}
	if w.Codec != "" && w.Codec != s.codec.Name() {
		return eventstore.EventEnvelope{}, result.Fatalf(
			"relayed envelope encoded with %q, subscriber expects %q", w.Codec, s.codec.Name())
	}
	event, err := s.reg.Decode(s.codec, w.Type, w.Payload)
	if err != nil {
		return eventstore.EventEnvelope{}, err
	}
	return eventstore.EventEnvelope{
		StreamID:  w.StreamID,
		Version:   w.Version,
		GlobalSeq: w.GlobalSeq,
		Type:      w.Type,
		Event:     event,
		Timestamp: w.Timestamp,
		Metadata:  w.Metadata,
	}, nil
}
