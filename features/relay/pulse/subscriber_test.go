package pulse

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"goa.design/pulse/streaming"

	"github.com/rillflow/rill/runtime/codec"
	"github.com/rillflow/rill/runtime/eventstore"
	"github.com/rillflow/rill/runtime/result"
)

func TestNewSubscriberValidatesOptions(t *testing.T) {
	_, err := NewSubscriber(SubscriberOptions{Registry: codec.NewRegistry()})
	require.Error(t, err)
	require.Equal(t, result.KindConfiguration, result.KindOf(err))

	_, err = NewSubscriber(SubscriberOptions{Client: newFakeClient()})
	require.Error(t, err)
	require.Equal(t, result.KindConfiguration, result.KindOf(err))
}

func TestSubscriberDefaults(t *testing.T) {
	sub, err := NewSubscriber(SubscriberOptions{Client: newFakeClient(), Registry: codec.NewRegistry()})
	require.NoError(t, err)
	assert.Equal(t, "rill_relay", sub.name)
	assert.Equal(t, "json", sub.codec.Name())
	assert.Equal(t, 64, sub.buffer)
}

func TestSubscribeDecodesEnvelopes(t *testing.T) {
	reg := newTestRegistry(t)
	fc, sink := newSubscribedClient(t, "events", 4)

	env1 := eventstore.EventEnvelope{
		StreamID:  "orders-1",
		Version:   1,
		GlobalSeq: 1,
		Event:     orderPlaced{OrderID: "o-1", Total: 12},
		Timestamp: time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC),
		Metadata:  map[string]string{"corr": "c-9"},
	}
	env2 := eventstore.EventEnvelope{
		StreamID:  "orders-1",
		Version:   2,
		GlobalSeq: 2,
		Event:     orderPaid{OrderID: "o-1"},
		Timestamp: time.Date(2026, 3, 1, 10, 1, 0, 0, time.UTC),
	}
	sink.ch <- &streaming.Event{ID: "1-0", Payload: relayFrame(t, reg, env1)}
	sink.ch <- &streaming.Event{ID: "2-0", Payload: relayFrame(t, reg, env2)}

	sub, err := NewSubscriber(SubscriberOptions{Client: fc, Registry: reg})
	require.NoError(t, err)
	events, errs, cancel, err := sub.Subscribe(context.Background(), "events")
	require.NoError(t, err)
	defer cancel()

	got := recvEnvelope(t, events)
	assert.Equal(t, "orders-1", got.StreamID)
	assert.Equal(t, int64(1), got.Version)
	assert.Equal(t, int64(1), got.GlobalSeq)
	assert.Equal(t, "orders.placed", got.Type)
	assert.Equal(t, orderPlaced{OrderID: "o-1", Total: 12}, got.Event)
	assert.Equal(t, env1.Timestamp, got.Timestamp)
	assert.Equal(t, "c-9", got.Metadata["corr"])

	got = recvEnvelope(t, events)
	assert.Equal(t, "orders.paid", got.Type)
	assert.Equal(t, orderPaid{OrderID: "o-1"}, got.Event)

	require.Eventually(t, func() bool { return len(sink.ackedIDs()) == 2 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, []string{"1-0", "2-0"}, sink.ackedIDs())

	cancel()
	assertClosed(t, events, errs)
}

func TestSubscribeSurfacesDecodeError(t *testing.T) {
	fc, sink := newSubscribedClient(t, "events", 1)
	sink.ch <- &streaming.Event{ID: "1-0", Payload: []byte("{not json")}

	events, errs := subscribe(t, fc, "events")
	err := recvError(t, errs)
	assert.Equal(t, result.KindFatal, result.KindOf(err))
	assertClosed(t, events, errs)
}

func TestSubscribeRejectsCodecMismatch(t *testing.T) {
	fc, sink := newSubscribedClient(t, "events", 1)
	frame, err := json.Marshal(wireEnvelope{
		StreamID: "orders-1",
		Version:  1,
		Type:     "orders.placed",
		Codec:    "msgpack",
		Payload:  []byte(`{}`),
	})
	require.NoError(t, err)
	sink.ch <- &streaming.Event{ID: "1-0", Payload: frame}

	events, errs := subscribe(t, fc, "events")
	got := recvError(t, errs)
	assert.Equal(t, result.KindFatal, result.KindOf(got))
	assert.Contains(t, got.Error(), `"msgpack"`)
	assertClosed(t, events, errs)
}

func TestSubscribeUnregisteredTypeFails(t *testing.T) {
	fc, sink := newSubscribedClient(t, "events", 1)
	frame, err := json.Marshal(wireEnvelope{
		StreamID: "orders-1",
		Version:  1,
		Type:     "orders.refunded",
		Codec:    "json",
		Payload:  []byte(`{}`),
	})
	require.NoError(t, err)
	sink.ch <- &streaming.Event{ID: "1-0", Payload: frame}

	events, errs := subscribe(t, fc, "events")
	got := recvError(t, errs)
	assert.Equal(t, result.KindConfiguration, result.KindOf(got))
	assertClosed(t, events, errs)
}

func TestSubscribeAckFailureStopsConsumption(t *testing.T) {
	reg := newTestRegistry(t)
	fc, sink := newSubscribedClient(t, "events", 2)
	sink.failAck = fmt.Errorf("redis gone")
	sink.ch <- &streaming.Event{ID: "1-0", Payload: relayFrame(t, reg, placedEnvelope("orders-1", 1, 1))}

	sub, err := NewSubscriber(SubscriberOptions{Client: fc, Registry: reg})
	require.NoError(t, err)
	events, errs, cancel, err := sub.Subscribe(context.Background(), "events")
	require.NoError(t, err)
	defer cancel()

	// The envelope is emitted before the ack is attempted.
	got := recvEnvelope(t, events)
	assert.Equal(t, "orders-1", got.StreamID)

	gotErr := recvError(t, errs)
	assert.Equal(t, result.KindTransient, result.KindOf(gotErr))
	assert.Contains(t, gotErr.Error(), "acking entry 1-0")
	assertClosed(t, events, errs)
}

func TestRelayToSubscriberRoundTrip(t *testing.T) {
	reg := newTestRegistry(t)
	fc, sink := newSubscribedClient(t, "events", 4)
	relay, err := NewRelay(Options{Client: fc, Registry: reg})
	require.NoError(t, err)

	env := eventstore.EventEnvelope{
		StreamID:  "orders-7",
		Version:   4,
		GlobalSeq: 21,
		Type:      "orders.placed",
		Event:     orderPlaced{OrderID: "o-7", Total: 350},
		Timestamp: time.Date(2026, 3, 2, 8, 30, 0, 0, time.UTC),
		Metadata:  map[string]string{"corr": "c-7"},
	}
	require.NoError(t, relay.Apply(context.Background(), env))

	// Feed the published frame back through the sink, as Pulse would.
	entries := fc.stream("events").entries
	require.Len(t, entries, 1)
	sink.ch <- &streaming.Event{ID: "1-0", Payload: entries[0].payload}

	sub, err := NewSubscriber(SubscriberOptions{Client: fc, Registry: reg})
	require.NoError(t, err)
	events, _, cancel, err := sub.Subscribe(context.Background(), "events")
	require.NoError(t, err)
	defer cancel()

	got := recvEnvelope(t, events)
	assert.Equal(t, env, got)
}

// newSubscribedClient returns a client whose topic stream hands out sink.
func newSubscribedClient(t *testing.T, topic string, buffer int) (*fakeClient, *fakeSink) {
	t.Helper()
	fc := newFakeClient()
	st, err := fc.Stream(topic)
	require.NoError(t, err)
	sink := newFakeSink(buffer)
	st.(*fakeStream).sink = sink
	return fc, sink
}

func subscribe(t *testing.T, fc *fakeClient, topic string) (<-chan eventstore.EventEnvelope, <-chan error) {
	t.Helper()
	sub, err := NewSubscriber(SubscriberOptions{Client: fc, Registry: newTestRegistry(t)})
	require.NoError(t, err)
	events, errs, cancel, err := sub.Subscribe(context.Background(), topic)
	require.NoError(t, err)
	t.Cleanup(cancel)
	return events, errs
}

func relayFrame(t *testing.T, reg *codec.Registry, env eventstore.EventEnvelope) []byte {
	t.Helper()
	name, payload, err := reg.Encode(codec.JSON(), env.Event)
	require.NoError(t, err)
	frame, err := json.Marshal(wireEnvelope{
		StreamID:  env.StreamID,
		Version:   env.Version,
		GlobalSeq: env.GlobalSeq,
		Type:      name,
		Codec:     codec.JSON().Name(),
		Payload:   payload,
		Timestamp: env.Timestamp,
		Metadata:  env.Metadata,
	})
	require.NoError(t, err)
	return frame
}

func recvEnvelope(t *testing.T, events <-chan eventstore.EventEnvelope) eventstore.EventEnvelope {
	t.Helper()
	select {
	case env, ok := <-events:
		require.True(t, ok, "event channel closed early")
		return env
	case <-time.After(time.Second):
		t.Fatal("no envelope delivered")
		return eventstore.EventEnvelope{}
	}
}

func recvError(t *testing.T, errs <-chan error) error {
	t.Helper()
	select {
	case err, ok := <-errs:
		require.True(t, ok, "error channel closed without an error")
		return err
	case <-time.After(time.Second):
		t.Fatal("no error delivered")
		return nil
	}
}

// assertClosed waits for the consume loop to close both channels.
func assertClosed(t *testing.T, events <-chan eventstore.EventEnvelope, errs <-chan error) {
	t.Helper()
	require.Eventually(t, func() bool {
		select {
		case _, ok := <-events:
			if ok {
				return false
			}
		default:
			return false
		}
		select {
		case _, ok := <-errs:
			return !ok
		default:
			return false
		}
	}, time.Second, 5*time.Millisecond)
}
