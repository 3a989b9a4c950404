// Package eventstore defines the append-only event log at the core of the
// runtime.
//
// Events live in streams, one stream per aggregate. Appends are atomic per
// stream and versioned contiguously from 1; optimistic concurrency is
// enforced through the expected version passed to Append. Every event also
// receives a store-wide global sequence number, the coordinate projections
// checkpoint against.
//
// Implementations: the inmem subpackage backs tests and local development;
// features/eventstore/redis and features/eventstore/mongo persist through
// their respective clients.
package eventstore

import (
	"context"
	"fmt"
	"time"

	"github.com/rillflow/rill/runtime/result"
)

// AnyVersion disables the optimistic concurrency check on Append.
const AnyVersion int64 = -1

type (
	// EventEnvelope is one persisted event with its position coordinates.
	EventEnvelope struct {
		// StreamID is the stream the event belongs to.
		StreamID string
		// Version is the event's 1-based position within its stream.
		Version int64
		// GlobalSeq is the store-wide 1-based append sequence.
		GlobalSeq int64
		// Type is the registered type name of the payload.
		Type string
		// Event is the decoded payload.
		Event any
		// Timestamp is the append time in UTC.
		Timestamp time.Time
		// Metadata carries caller-supplied key-value pairs, such as
		// correlation ids.
		Metadata map[string]string
	}

	// Stream is a read result: an ordered slice of a single stream.
	Stream struct {
		// ID is the stream id.
		ID string
		// Version is the stream's current (latest) version.
		Version int64
		// Events holds the requested envelopes in version order.
		Events []EventEnvelope
	}

	// Store is the event log contract.
	//
	// Append writes events atomically to streamID and returns the new
	// stream version. expectedVersion carries the optimistic concurrency
	// check: AnyVersion skips it, 0 requires the stream to not exist yet,
	// and N > 0 requires the current version to equal N. On mismatch
	// Append fails with *ConcurrencyError and writes nothing.
	//
	// Read returns up to maxCount envelopes starting at fromVersion
	// (1-based, inclusive); maxCount <= 0 means no limit. Reading a
	// missing stream succeeds with an empty stream at version 0.
	//
	// ReadAll returns up to limit envelopes across all streams with
	// GlobalSeq > fromSeq, in global sequence order.
	//
	// StreamVersion reports 0 for a missing stream. DeleteStream is
	// idempotent. ListStreams matches ids against a glob pattern where
	// "*" matches any sequence of characters.
	Store interface {
		Append(ctx context.Context, streamID string, events []any, expectedVersion int64, opts ...AppendOption) (int64, error)
		Read(ctx context.Context, streamID string, fromVersion, maxCount int64) (Stream, error)
		ReadAll(ctx context.Context, fromSeq int64, limit int) ([]EventEnvelope, error)
		StreamExists(ctx context.Context, streamID string) (bool, error)
		StreamVersion(ctx context.Context, streamID string) (int64, error)
		DeleteStream(ctx context.Context, streamID string) error
		ListStreams(ctx context.Context, pattern string) ([]string, error)
	}

	// Watcher is implemented by stores that can signal appends, letting
	// projection runners tail the log without polling. Signals coalesce;
	// a receive means "new events may be visible to ReadAll".
	Watcher interface {
		Watch(ctx context.Context) <-chan struct{}
	}

	// AppendOption customizes a single Append call.
	AppendOption func(*AppendOptions)

	// AppendOptions collects the resolved append options.
	AppendOptions struct {
		// Metadata is attached to every event in the batch.
		Metadata map[string]string
	}
)

// WithMetadata attaches metadata to every event appended by this call.
func WithMetadata(md map[string]string) AppendOption {
	return func(o *AppendOptions) { o.Metadata = md }
}

// BuildAppendOptions resolves opts into a value implementations can read.
func BuildAppendOptions(opts []AppendOption) AppendOptions {
	var o AppendOptions
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// ConcurrencyError reports an optimistic concurrency violation on Append.
type ConcurrencyError struct {
	// StreamID is the contended stream.
	StreamID string
	// Expected is the version the caller presented.
	Expected int64
	// Current is the stream's actual version at check time.
	Current int64
}

// Error implements the error interface.
func (e *ConcurrencyError) Error() string {
	return fmt.Sprintf("stream %q at version %d, expected %d", e.StreamID, e.Current, e.Expected)
}

// ResultKind classifies the error as KindConflict.
func (e *ConcurrencyError) ResultKind() result.Kind { return result.KindConflict }

// CorruptionError reports stored data that cannot be decoded, for example
// an envelope whose type name is no longer registered.
type CorruptionError struct {
	// StreamID and Version locate the undecodable event.
	StreamID string
	Version  int64
	// Cause is the decode failure.
	Cause error
}

// Error implements the error interface.
func (e *CorruptionError) Error() string {
	return fmt.Sprintf("corrupt event %s@%d: %v", e.StreamID, e.Version, e.Cause)
}

// Unwrap returns the decode failure.
func (e *CorruptionError) Unwrap() error { return e.Cause }

// ResultKind classifies the error as KindFatal.
func (e *CorruptionError) ResultKind() result.Kind { return result.KindFatal }
