// Package redis implements the event store on Redis. Each stream is a list
// of envelope frames plus a header hash holding the current version; a
// global sorted set scored by sequence number serves ReadAll. Appends run
// as one Lua script so the version check, the sequence draws, and the
// writes to stream and global log commit atomically.
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/rillflow/rill/runtime/codec"
	"github.com/rillflow/rill/runtime/eventstore"
	"github.com/rillflow/rill/runtime/result"
)

const (
	defaultKeyPrefix = "rill:es:"
	storeName        = "eventstore-redis"
)

// appendScript checks the expected version, then writes every frame to the
// stream list and the global log under freshly drawn sequence numbers.
// Frames arrive without version or sequence; the script completes them so
// concurrent appenders cannot interleave numbering.
var appendScript = redis.NewScript(`
local cur = tonumber(redis.call("hget", KEYS[1], "ver") or "0")
local expected = tonumber(ARGV[1])
if expected >= 0 and cur ~= expected then
	return {0, cur}
end
local n = tonumber(ARGV[3])
for i = 1, n do
	local seq = redis.call("incr", KEYS[4])
	local entry = (cur + i) .. "|" .. seq .. "|" .. ARGV[2] .. "|" .. ARGV[3 + i]
	redis.call("rpush", KEYS[2], entry)
	redis.call("zadd", KEYS[3], seq, entry)
end
redis.call("hset", KEYS[1], "ver", cur + n)
return {1, cur + n}
`)

// readScript returns the stream version followed by the requested frame
// window, in one atomic step so the window never runs past the version.
var readScript = redis.NewScript(`
local ver = tonumber(redis.call("hget", KEYS[1], "ver") or "0")
local from = tonumber(ARGV[1])
local stop = -1
if tonumber(ARGV[2]) > 0 then
	stop = from - 1 + tonumber(ARGV[2]) - 1
end
local out = {ver}
local entries = redis.call("lrange", KEYS[2], from - 1, stop)
for i, e in ipairs(entries) do
	out[i + 1] = e
end
return out
`)

// deleteScript removes the stream's frames from the global log, then drops
// the stream list and header. Sequence numbers are never reused.
var deleteScript = redis.NewScript(`
local entries = redis.call("lrange", KEYS[2], 0, -1)
for _, e in ipairs(entries) do
	local seq = string.match(e, "^%d+|(%d+)|")
	if seq then
		redis.call("zremrangebyscore", KEYS[3], seq, seq)
	end
end
redis.call("del", KEYS[1], KEYS[2])
return #entries
`)

// frame is the stored envelope body. Version, sequence, and timestamp ride
// outside the JSON because the append script assigns the first two.
type frame struct {
	Stream   string            `json:"stream"`
	Type     string            `json:"type"`
	Payload  []byte            `json:"payload"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

// Options configures the Redis event store.
type Options struct {
	// Client is the Redis client. Required.
	Client *redis.Client
	// Registry resolves event type names. Required; only registered event
	// types can be appended.
	Registry *codec.Registry
	// Codec marshals event payloads. Defaults to codec.JSON().
	Codec codec.Codec
	// KeyPrefix namespaces all event store keys. Defaults to "rill:es:".
	KeyPrefix string
}

// Store is a Redis-backed eventstore.Store.
type Store struct {
	client   *redis.Client
	registry *codec.Registry
	codec    codec.Codec
	prefix   string
	now      func() time.Time
}

var _ eventstore.Store = (*Store)(nil)

// New returns a Redis-backed event store.
func New(opts Options) (*Store, error) {
	if opts.Client == nil {
		return nil, result.Configurationf("eventstore redis: client is required")
	}
	if opts.Registry == nil {
		return nil, result.Configurationf("eventstore redis: type registry is required")
	}
	c := opts.Codec
	if c == nil {
		c = codec.JSON()
	}
	prefix := opts.KeyPrefix
	if prefix == "" {
		prefix = defaultKeyPrefix
	}
	return &Store{
		client:   opts.Client,
		registry: opts.Registry,
		codec:    c,
		prefix:   prefix,
		now:      time.Now,
	}, nil
}

// Name implements health.Pinger.
func (s *Store) Name() string { return storeName }

// Ping implements health.Pinger.
func (s *Store) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

// Append implements eventstore.Store.
func (s *Store) Append(ctx context.Context, streamID string, events []any, expectedVersion int64, opts ...eventstore.AppendOption) (int64, error) {
	if streamID == "" {
		return 0, result.Validationf("stream id must not be empty")
	}
	if len(events) == 0 {
		return 0, result.Validationf("append to %q carries no events", streamID)
	}
	o := eventstore.BuildAppendOptions(opts)

	args := make([]any, 0, len(events)+3)
	args = append(args, expectedVersion, s.now().UTC().UnixNano(), len(events))
	for _, ev := range events {
		name, payload, err := s.registry.Encode(s.codec, ev)
		if err != nil {
			return 0, err
		}
		data, err := json.Marshal(frame{
			Stream:   streamID,
			Type:     name,
			Payload:  payload,
			Metadata: o.Metadata,
		})
		if err != nil {
			return 0, result.Wrapf(result.KindFatal, err, "encoding frame for %q", streamID)
		}
		args = append(args, string(data))
	}

	keys := []string{s.headKey(streamID), s.eventsKey(streamID), s.allKey(), s.seqKey()}
	res, err := appendScript.Run(ctx, s.client, keys, args...).Slice()
	if err != nil {
		return 0, result.Wrapf(result.KindTransient, err, "appending to %q", streamID)
	}
	ok, version, err := parseAppendReply(res)
	if err != nil {
		return 0, result.Wrapf(result.KindFatal, err, "appending to %q", streamID)
	}
	if !ok {
		return 0, &eventstore.ConcurrencyError{StreamID: streamID, Expected: expectedVersion, Current: version}
	}
	return version, nil
}

// Read implements eventstore.Store. A missing stream reads as empty at
// version 0.
func (s *Store) Read(ctx context.Context, streamID string, fromVersion, maxCount int64) (eventstore.Stream, error) {
	if streamID == "" {
		return eventstore.Stream{}, result.Validationf("stream id must not be empty")
	}
	if fromVersion < 1 {
		fromVersion = 1
	}
	if maxCount < 0 {
		maxCount = 0
	}
	keys := []string{s.headKey(streamID), s.eventsKey(streamID)}
	res, err := readScript.Run(ctx, s.client, keys, fromVersion, maxCount).Slice()
	if err != nil {
		return eventstore.Stream{}, result.Wrapf(result.KindTransient, err, "reading %q", streamID)
	}
	if len(res) == 0 {
		return eventstore.Stream{}, result.Fatalf("reading %q: empty reply", streamID)
	}
	version, err := toInt64(res[0])
	if err != nil {
		return eventstore.Stream{}, result.Wrapf(result.KindFatal, err, "reading %q", streamID)
	}
	stream := eventstore.Stream{ID: streamID, Version: version}
	for _, raw := range res[1:] {
		entry, ok := raw.(string)
		if !ok {
			return eventstore.Stream{}, result.Fatalf("reading %q: unexpected frame %T", streamID, raw)
		}
		env, err := s.parseEntry(entry)
		if err != nil {
			return eventstore.Stream{}, err
		}
		stream.Events = append(stream.Events, env)
	}
	return stream, nil
}

// ReadAll implements eventstore.Store. fromSeq is exclusive: pass the last
// processed sequence number to resume after it, 0 to read from the start.
func (s *Store) ReadAll(ctx context.Context, fromSeq int64, limit int) ([]eventstore.EventEnvelope, error) {
	if fromSeq < 0 {
		return nil, result.Validationf("fromSeq must not be negative, got %d", fromSeq)
	}
	by := &redis.ZRangeBy{Min: "(" + strconv.FormatInt(fromSeq, 10), Max: "+inf"}
	if limit > 0 {
		by.Count = int64(limit)
	}
	entries, err := s.client.ZRangeByScore(ctx, s.allKey(), by).Result()
	if err != nil {
		return nil, result.Wrapf(result.KindTransient, err, "reading global log from %d", fromSeq)
	}
	var envs []eventstore.EventEnvelope
	for _, entry := range entries {
		env, err := s.parseEntry(entry)
		if err != nil {
			return nil, err
		}
		envs = append(envs, env)
	}
	return envs, nil
}

// StreamExists implements eventstore.Store.
func (s *Store) StreamExists(ctx context.Context, streamID string) (bool, error) {
	if streamID == "" {
		return false, result.Validationf("stream id must not be empty")
	}
	n, err := s.client.Exists(ctx, s.headKey(streamID)).Result()
	if err != nil {
		return false, result.Wrapf(result.KindTransient, err, "probing %q", streamID)
	}
	return n > 0, nil
}

// StreamVersion implements eventstore.Store. A missing stream is version 0.
func (s *Store) StreamVersion(ctx context.Context, streamID string) (int64, error) {
	if streamID == "" {
		return 0, result.Validationf("stream id must not be empty")
	}
	raw, err := s.client.HGet(ctx, s.headKey(streamID), "ver").Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return 0, nil
		}
		return 0, result.Wrapf(result.KindTransient, err, "reading version of %q", streamID)
	}
	version, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, result.Wrapf(result.KindFatal, err, "reading version of %q", streamID)
	}
	return version, nil
}

// DeleteStream implements eventstore.Store. Deleting a missing stream is a
// no-op; the global sequence is never reused.
func (s *Store) DeleteStream(ctx context.Context, streamID string) error {
	if streamID == "" {
		return result.Validationf("stream id must not be empty")
	}
	keys := []string{s.headKey(streamID), s.eventsKey(streamID), s.allKey()}
	if err := deleteScript.Run(ctx, s.client, keys).Err(); err != nil {
		return result.Wrapf(result.KindTransient, err, "deleting %q", streamID)
	}
	return nil
}

// ListStreams implements eventstore.Store.
func (s *Store) ListStreams(ctx context.Context, pattern string) ([]string, error) {
	p, err := eventstore.CompilePattern(pattern)
	if err != nil {
		return nil, err
	}
	var (
		ids    []string
		cursor uint64
	)
	match := s.prefix + "head:*"
	for {
		keys, next, err := s.client.Scan(ctx, cursor, match, 256).Result()
		if err != nil {
			return nil, result.Wrapf(result.KindTransient, err, "scanning streams %q", pattern)
		}
		for _, key := range keys {
			id := strings.TrimPrefix(key, s.prefix+"head:")
			if p.Match(id) {
				ids = append(ids, id)
			}
		}
		cursor = next
		if cursor == 0 {
			break
		}
	}
	sort.Strings(ids)
	return ids, nil
}

func (s *Store) parseEntry(entry string) (eventstore.EventEnvelope, error) {
	parts := strings.SplitN(entry, "|", 4)
	if len(parts) != 4 {
		return eventstore.EventEnvelope{}, &eventstore.CorruptionError{
			Cause: fmt.Errorf("malformed frame %q", entry),
		}
	}
	version, verErr := strconv.ParseInt(parts[0], 10, 64)
	seq, seqErr := strconv.ParseInt(parts[1], 10, 64)
	ts, tsErr := strconv.ParseInt(parts[2], 10, 64)
	if verErr != nil || seqErr != nil || tsErr != nil {
		return eventstore.EventEnvelope{}, &eventstore.CorruptionError{
			Cause: fmt.Errorf("malformed frame header %q", entry),
		}
	}
	var f frame
	if err := json.Unmarshal([]byte(parts[3]), &f); err != nil {
		return eventstore.EventEnvelope{}, &eventstore.CorruptionError{Version: version, Cause: err}
	}
	event, err := s.registry.Decode(s.codec, f.Type, f.Payload)
	if err != nil {
		return eventstore.EventEnvelope{}, &eventstore.CorruptionError{
			StreamID: f.Stream,
			Version:  version,
			Cause:    err,
		}
	}
	return eventstore.EventEnvelope{
		StreamID:  f.Stream,
		Version:   version,
		GlobalSeq: seq,
		Type:      f.Type,
		Event:     event,
		Timestamp: time.Unix(0, ts).UTC(),
		Metadata:  f.Metadata,
	}, nil
}

func parseAppendReply(res []any) (bool, int64, error) {
	if len(res) != 2 {
		return false, 0, fmt.Errorf("unexpected script reply of %d values", len(res))
	}
	flag, err := toInt64(res[0])
	if err != nil {
		return false, 0, err
	}
	version, err := toInt64(res[1])
	if err != nil {
		return false, 0, err
	}
	return flag == 1, version, nil
}

func toInt64(v any) (int64, error) {
	switch n := v.(type) {
	case int64:
		return n, nil
	case string:
		return strconv.ParseInt(n, 10, 64)
	default:
		return 0, fmt.Errorf("unexpected numeric reply %T", v)
	}
}

func (s *Store) headKey(streamID string) string   { return s.prefix + "head:" + streamID }
func (s *Store) eventsKey(streamID string) string { return s.prefix + "events:" + streamID }
func (s *Store) allKey() string                   { return s.prefix + "all" }
func (s *Store) seqKey() string                   { return s.prefix + "seq" }
