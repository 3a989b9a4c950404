package mongo

import (
	"context"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	clientsmongo "github.com/rillflow/rill/features/eventstore/mongo/clients/mongo"
	"github.com/rillflow/rill/runtime/codec"
	"github.com/rillflow/rill/runtime/eventstore"
	"github.com/rillflow/rill/runtime/result"
)

type accountOpened struct {
	Owner string `json:"owner"`
}

type moneyDeposited struct {
	Amount int64 `json:"amount"`
}

func newTestStore(t *testing.T) (*Store, *fakeClient) {
	t.Helper()
	reg := codec.NewRegistry()
	require.NoError(t, codec.RegisterType[accountOpened](reg, "accounts.opened"))
	require.NoError(t, codec.RegisterType[moneyDeposited](reg, "accounts.deposited"))

	fc := newFakeClient()
	store, err := NewStore(Options{Client: fc, Registry: reg})
	require.NoError(t, err)
	return store, fc
}

func TestNewStoreValidatesOptions(t *testing.T) {
	reg := codec.NewRegistry()
	_, err := NewStore(Options{Registry: reg})
	assert.Equal(t, result.KindConfiguration, result.KindOf(err))

	_, err = NewStore(Options{Client: newFakeClient()})
	assert.Equal(t, result.KindConfiguration, result.KindOf(err))
}

func TestAppendAndRead(t *testing.T) {
	ctx := context.Background()
	store, _ := newTestStore(t)

	version, err := store.Append(ctx, "account-1", []any{accountOpened{Owner: "ada"}}, 0)
	require.NoError(t, err)
	assert.Equal(t, int64(1), version)

	version, err = store.Append(ctx, "account-1",
		[]any{moneyDeposited{Amount: 50}, moneyDeposited{Amount: 70}}, 1,
		eventstore.WithMetadata(map[string]string{"corr": "c-1"}))
	require.NoError(t, err)
	assert.Equal(t, int64(3), version)

	stream, err := store.Read(ctx, "account-1", 1, 0)
	require.NoError(t, err)
	assert.Equal(t, "account-1", stream.ID)
	assert.Equal(t, int64(3), stream.Version)
	require.Len(t, stream.Events, 3)
	assert.Equal(t, accountOpened{Owner: "ada"}, stream.Events[0].Event)
	assert.Equal(t, "accounts.opened", stream.Events[0].Type)
	assert.Equal(t, moneyDeposited{Amount: 70}, stream.Events[2].Event)
	assert.Equal(t, "c-1", stream.Events[1].Metadata["corr"])
	for i, env := range stream.Events {
		assert.Equal(t, int64(i+1), env.Version)
		assert.Equal(t, time.UTC, env.Timestamp.Location())
	}
}

func TestAppendValidation(t *testing.T) {
	ctx := context.Background()
	store, fc := newTestStore(t)

	_, err := store.Append(ctx, "", []any{accountOpened{}}, 0)
	assert.Equal(t, result.KindValidation, result.KindOf(err))

	_, err = store.Append(ctx, "account-1", nil, 0)
	assert.Equal(t, result.KindValidation, result.KindOf(err))
	assert.Empty(t, fc.docs)
}

func TestAppendRequiresRegisteredType(t *testing.T) {
	ctx := context.Background()
	store, fc := newTestStore(t)

	type unregistered struct{ X int }
	_, err := store.Append(ctx, "account-1", []any{accountOpened{}, unregistered{X: 1}}, 0)
	assert.Equal(t, result.KindConfiguration, result.KindOf(err))
	assert.Empty(t, fc.docs, "a rejected batch must write nothing")
}

func TestReadClampsWindow(t *testing.T) {
	ctx := context.Background()
	store, _ := newTestStore(t)

	_, err := store.Append(ctx, "account-1",
		[]any{accountOpened{}, moneyDeposited{Amount: 1}, moneyDeposited{Amount: 2}}, 0)
	require.NoError(t, err)

	stream, err := store.Read(ctx, "account-1", 0, -5)
	require.NoError(t, err)
	assert.Len(t, stream.Events, 3)

	stream, err = store.Read(ctx, "account-1", 2, 1)
	require.NoError(t, err)
	require.Len(t, stream.Events, 1)
	assert.Equal(t, int64(2), stream.Events[0].Version)

	_, err = store.Read(ctx, "", 1, 0)
	assert.Equal(t, result.KindValidation, result.KindOf(err))
}

func TestReadMissingStream(t *testing.T) {
	ctx := context.Background()
	store, _ := newTestStore(t)

	stream, err := store.Read(ctx, "ghost", 1, 0)
	require.NoError(t, err)
	assert.Equal(t, eventstore.Stream{ID: "ghost"}, stream)
}

func TestReadAllResumesAfterSeq(t *testing.T) {
	ctx := context.Background()
	store, _ := newTestStore(t)

	_, err := store.Append(ctx, "account-1", []any{accountOpened{Owner: "ada"}}, 0)
	require.NoError(t, err)
	_, err = store.Append(ctx, "account-2", []any{accountOpened{Owner: "bob"}}, 0)
	require.NoError(t, err)
	_, err = store.Append(ctx, "account-1", []any{moneyDeposited{Amount: 5}}, 1)
	require.NoError(t, err)

	envs, err := store.ReadAll(ctx, 0, 0)
	require.NoError(t, err)
	require.Len(t, envs, 3)
	for i, env := range envs {
		assert.Equal(t, int64(i+1), env.GlobalSeq)
	}

	envs, err = store.ReadAll(ctx, 1, 1)
	require.NoError(t, err)
	require.Len(t, envs, 1)
	assert.Equal(t, int64(2), envs[0].GlobalSeq)

	_, err = store.ReadAll(ctx, -1, 0)
	assert.Equal(t, result.KindValidation, result.KindOf(err))
}

func TestUndecodablePayloadIsFatal(t *testing.T) {
	ctx := context.Background()
	store, fc := newTestStore(t)

	_, err := store.Append(ctx, "account-1", []any{accountOpened{Owner: "ada"}}, 0)
	require.NoError(t, err)
	fc.tamper("account-1", 1, []byte(`{broken`))

	_, err = store.Read(ctx, "account-1", 1, 0)
	var corrupt *eventstore.CorruptionError
	require.ErrorAs(t, err, &corrupt)
	assert.Equal(t, "account-1", corrupt.StreamID)
	assert.Equal(t, int64(1), corrupt.Version)
	assert.Equal(t, result.KindFatal, result.KindOf(err))

	_, err = store.ReadAll(ctx, 0, 0)
	require.ErrorAs(t, err, &corrupt)
}

func TestStreamExistsAndVersion(t *testing.T) {
	ctx := context.Background()
	store, _ := newTestStore(t)

	ok, err := store.StreamExists(ctx, "account-1")
	require.NoError(t, err)
	assert.False(t, ok)

	_, err = store.Append(ctx, "account-1", []any{accountOpened{}}, 0)
	require.NoError(t, err)

	ok, err = store.StreamExists(ctx, "account-1")
	require.NoError(t, err)
	assert.True(t, ok)

	ver, err := store.StreamVersion(ctx, "account-1")
	require.NoError(t, err)
	assert.Equal(t, int64(1), ver)

	_, err = store.StreamVersion(ctx, "")
	assert.Equal(t, result.KindValidation, result.KindOf(err))
}

func TestDeleteStream(t *testing.T) {
	ctx := context.Background()
	store, _ := newTestStore(t)

	_, err := store.Append(ctx, "account-1", []any{accountOpened{}}, 0)
	require.NoError(t, err)
	require.NoError(t, store.DeleteStream(ctx, "account-1"))
	require.NoError(t, store.DeleteStream(ctx, "account-1"))

	ver, err := store.StreamVersion(ctx, "account-1")
	require.NoError(t, err)
	assert.Zero(t, ver)

	assert.Equal(t, result.KindValidation, result.KindOf(store.DeleteStream(ctx, "")))
}

func TestListStreamsNarrowsByPrefix(t *testing.T) {
	ctx := context.Background()
	store, fc := newTestStore(t)

	for _, id := range []string{"orders-1", "orders-2", "accounts-1"} {
		_, err := store.Append(ctx, id, []any{accountOpened{}}, 0)
		require.NoError(t, err)
	}

	ids, err := store.ListStreams(ctx, "orders-*")
	require.NoError(t, err)
	assert.Equal(t, []string{"orders-1", "orders-2"}, ids)
	assert.Equal(t, "orders-", fc.lastPrefix)

	ids, err = store.ListStreams(ctx, "*")
	require.NoError(t, err)
	assert.Len(t, ids, 3)
	assert.Equal(t, "", fc.lastPrefix)

	ids, err = store.ListStreams(ctx, "orders-*-priority")
	require.NoError(t, err)
	assert.Empty(t, ids)

	_, err = store.ListStreams(ctx, "")
	assert.Equal(t, result.KindValidation, result.KindOf(err))
}

// fakeClient is an in-memory clientsmongo.Client covering the protocol the
// store delegates: version assignment, sequence numbering and prefix scans.
type fakeClient struct {
	mu         sync.Mutex
	docs       []clientsmongo.EventDocument
	headers    map[string]int64
	seq        int64
	lastPrefix string
}

func newFakeClient() *fakeClient {
	return &fakeClient{headers: make(map[string]int64)}
}

func (f *fakeClient) Name() string { return "eventstore-fake" }

func (f *fakeClient) Ping(ctx context.Context) error { return nil }

func (f *fakeClient) AppendEvents(ctx context.Context, streamID string, records []clientsmongo.EventRecord, expectedVersion int64, metadata map[string]string) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	cur := f.headers[streamID]
	if expectedVersion >= 0 && cur != expectedVersion {
		return 0, &eventstore.ConcurrencyError{StreamID: streamID, Expected: expectedVersion, Current: cur}
	}
	for i, rec := range records {
		f.seq++
		f.docs = append(f.docs, clientsmongo.EventDocument{
			Stream:    streamID,
			Version:   cur + int64(i) + 1,
			Seq:       f.seq,
			Type:      rec.Type,
			Payload:   rec.Payload,
			Timestamp: time.Now().UTC().Truncate(time.Millisecond),
			Metadata:  metadata,
		})
	}
	f.headers[streamID] = cur + int64(len(records))
	return f.headers[streamID], nil
}

func (f *fakeClient) ReadEvents(ctx context.Context, streamID string, fromVersion, maxCount int64) ([]clientsmongo.EventDocument, int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []clientsmongo.EventDocument
	for _, doc := range f.docs {
		if doc.Stream == streamID && doc.Version >= fromVersion {
			out = append(out, doc)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Version < out[j].Version })
	if maxCount > 0 && int64(len(out)) > maxCount {
		out = out[:maxCount]
	}
	return out, f.headers[streamID], nil
}

func (f *fakeClient) ReadAllEvents(ctx context.Context, fromSeq int64, limit int) ([]clientsmongo.EventDocument, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []clientsmongo.EventDocument
	for _, doc := range f.docs {
		if doc.Seq > fromSeq {
			out = append(out, doc)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Seq < out[j].Seq })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (f *fakeClient) StreamVersion(ctx context.Context, streamID string) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.headers[streamID], nil
}

func (f *fakeClient) DeleteStream(ctx context.Context, streamID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	var kept []clientsmongo.EventDocument
	for _, doc := range f.docs {
		if doc.Stream != streamID {
			kept = append(kept, doc)
		}
	}
	f.docs = kept
	delete(f.headers, streamID)
	return nil
}

func (f *fakeClient) ListStreamIDs(ctx context.Context, prefix string) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.lastPrefix = prefix
	var ids []string
	for id := range f.headers {
		if strings.HasPrefix(id, prefix) {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids, nil
}

func (f *fakeClient) tamper(streamID string, version int64, payload []byte) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i, doc := range f.docs {
		if doc.Stream == streamID && doc.Version == version {
			f.docs[i].Payload = payload
		}
	}
}
