// Package pulse relays appended event envelopes into Pulse streams so
// other processes can follow the log without reading the event store
// directly. The relay is a projection: a projection.Runner drives it
// through the usual checkpoint, catch-up and live-tail machinery, which
// makes relaying resumable and at-least-once.
package pulse

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"time"

	clientspulse "github.com/rillflow/rill/features/relay/pulse/clients/pulse"
	"github.com/rillflow/rill/runtime/codec"
	"github.com/rillflow/rill/runtime/eventstore"
	"github.com/rillflow/rill/runtime/projection"
	"github.com/rillflow/rill/runtime/result"
)

const (
	defaultRelayName = "pulse-relay"
	defaultTopic     = "events"
)

type (
	// PublishedEvent describes one envelope after it reached its topic.
	PublishedEvent struct {
		// Envelope is the relayed envelope.
		Envelope eventstore.EventEnvelope
		// Topic is the Pulse stream the envelope was published to.
		Topic string
		// EntryID is the Redis entry id assigned on publish.
		EntryID string
	}

	// Options configures the relay.
	Options struct {
		// Client publishes to Pulse. Required.
		Client clientspulse.Client
		// Registry resolves envelope payload types. Required.
		Registry *codec.Registry
		// Codec encodes payloads on the wire. Defaults to codec.JSON().
		// Subscribers must use the same codec.
		Codec codec.Codec
		// Name keys the relay's checkpoint. Defaults to "pulse-relay".
		Name string
		// Topic derives the target Pulse stream from an envelope. The
		// default routes every envelope to the fixed topic "events".
		Topic func(eventstore.EventEnvelope) (string, error)
		// OnPublished runs after each publish, for metrics or tests. An
		// error fails the Apply, so the runner redelivers the envelope.
		OnPublished func(ctx context.Context, ev PublishedEvent) error
	}

	// Relay publishes event envelopes to Pulse streams. Drive it with a
	// projection.Runner.
	Relay struct {
		client      clientspulse.Client
		reg         *codec.Registry
		codec       codec.Codec
		name        string
		topic       func(eventstore.EventEnvelope) (string, error)
		onPublished func(ctx context.Context, ev PublishedEvent) error

		mu     sync.Mutex
		topics map[string]struct{}
	}

	// wireEnvelope is the JSON frame relayed over Pulse.
	wireEnvelope struct {
		StreamID  string            `json:"stream"`
		Version   int64             `json:"version"`
		GlobalSeq int64             `json:"seq"`
		Type      string            `json:"type"`
		Codec     string            `json:"codec"`
		Payload   []byte            `json:"payload"`
		Timestamp time.Time         `json:"ts"`
		Metadata  map[string]string `json:"meta,omitempty"`
	}
)

// NewRelay builds a relay publishing through the given client.
func NewRelay(opts Options) (*Relay, error) {
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
	name := opts.Name
	if name == "" {
		name = defaultRelayName
	}
	topic := opts.Topic
	if topic == nil {
		topic = func(eventstore.EventEnvelope) (string, error) { return defaultTopic, nil }
	}
	return &Relay{
		client:      opts.Client,
		reg:         opts.Registry,
		codec:       c,
		name:        name,
		topic:       topic,
		onPublished: opts.OnPublished,
		topics:      make(map[string]struct{}),
	}, nil
}

var _ projection.Projection = (*Relay)(nil)

// Name implements projection.Projection and keys the relay's checkpoint.
func (r *Relay) Name() string { return r.name }

// Apply implements projection.Projection. A failure leaves the checkpoint
// behind the envelope so the runner redelivers it; subscribers therefore
// receive at-least-once and must dedupe on (stream, version).
func (r *Relay) Apply(ctx context.Context, env eventstore.EventEnvelope) error {
	topic, err := r.topic(env)
	if err != nil {
		return err
	}
	name, payload, err := r.reg.Encode(r.codec, env.Event)
	if err != nil {
		return err
	}
	frame, err := json.Marshal(wireEnvelope{
		StreamID:  env.StreamID,
		Version:   env.Version,
		GlobalSeq: env.GlobalSeq,
		Type:      name,
		Codec:     r.codec.Name(),
		Payload:   payload,
		Timestamp: env.Timestamp,
		Metadata:  env.Metadata,
	})
	if err != nil {
		return result.Wrapf(result.KindValidation, err, "encoding envelope %s@%d", env.StreamID, env.Version)
	}
	h, err := r.client.Stream(topic)
	if err != nil {
		return err
	}
	id, err := h.Add(ctx, name, frame)
	if err != nil {
		return err
	}
	r.mu.Lock()
	r.topics[topic] = struct{}{}
	r.mu.Unlock()
	if r.onPublished != nil {
		return r.onPublished(ctx, PublishedEvent{Envelope: env, Topic: topic, EntryID: id})
	}
	return nil
}

// Reset implements projection.Projection. A rebuild republishes the log,
// so the topics this relay has written in this process are destroyed
// first. Topics written by earlier incarnations are left in place.
func (r *Relay) Reset(ctx context.Context) error {
	r.mu.Lock()
	topics := make([]string, 0, len(r.topics))
	for t := range r.topics {
		topics = append(topics, t)
	}
	r.topics = make(map[string]struct{})
	r.mu.Unlock()
	sort.Strings(topics)
	for _, t := range topics {
		h, err := r.client.Stream(t)
		if err != nil {
			return err
		}
		if err := h.Destroy(ctx); err != nil {
			return err
		}
	}
	return nil
}
