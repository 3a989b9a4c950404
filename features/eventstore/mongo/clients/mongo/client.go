// Package mongo hosts the MongoDB client used by the Mongo event store.
package mongo

import (
	"context"
	"errors"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	mongodriver "go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/mongo/readpref"

	"goa.design/clue/health"

	"github.com/rillflow/rill/runtime/eventstore"
	"github.com/rillflow/rill/runtime/result"
)

const (
	defaultEventsCollection   = "events"
	defaultStreamsCollection  = "streams"
	defaultCountersCollection = "counters"
	defaultOpTimeout          = 5 * time.Second
	eventstoreClientName      = "eventstore-mongo"

	// seqCounterID is the _id of the counter document that allocates
	// store-wide sequence numbers.
	seqCounterID = "events"

	// maxAppendRetries bounds the number of times an AnyVersion append is
	// replayed after losing an insert race.
	maxAppendRetries = 3
)

// EventRecord is one encoded event handed to AppendEvents.
type EventRecord struct {
	Type    string
	Payload []byte
}

// EventDocument is one persisted event as read back from Mongo.
type EventDocument struct {
	Stream    string            `bson:"stream"`
	Version   int64             `bson:"version"`
	Seq       int64             `bson:"seq"`
	Type      string            `bson:"type"`
	Payload   []byte            `bson:"payload"`
	Timestamp time.Time         `bson:"ts"`
	Metadata  map[string]string `bson:"meta,omitempty"`
}

// Client exposes Mongo-backed operations over the event log.
//
// Appends are made safe without multi-document transactions: a unique
// (stream, version) index on the events collection arbitrates between
// concurrent writers, and the streams header collection keeps the current
// version readable in O(1). A writer that loses the insert race observes a
// duplicate-key error, re-reads the true version from the events collection
// and repairs the header before reporting the conflict.
type Client interface {
	health.Pinger

	AppendEvents(ctx context.Context, streamID string, records []EventRecord, expectedVersion int64, metadata map[string]string) (int64, error)
	ReadEvents(ctx context.Context, streamID string, fromVersion, maxCount int64) ([]EventDocument, int64, error)
	ReadAllEvents(ctx context.Context, fromSeq int64, limit int) ([]EventDocument, error)
	StreamVersion(ctx context.Context, streamID string) (int64, error)
	DeleteStream(ctx context.Context, streamID string) error
	ListStreamIDs(ctx context.Context, prefix string) ([]string, error)
}

// Options configures the Mongo event store client.
type Options struct {
	Client             *mongodriver.Client
	Database           string
	EventsCollection   string
	StreamsCollection  string
	CountersCollection string
	Timeout            time.Duration
}

type client struct {
	mongo    *mongodriver.Client
	events   collection
	streams  collection
	counters collection
	timeout  time.Duration
	now      func() time.Time
}

type headerDocument struct {
	ID      string `bson:"_id"`
	Version int64  `bson:"ver"`
}

type counterDocument struct {
	ID    string `bson:"_id"`
	Value int64  `bson:"value"`
}

// New returns a Client backed by MongoDB.
func New(opts Options) (Client, error) {
	if opts.Client == nil {
		return nil, result.Configurationf("mongo client is required")
	}
	if opts.Database == "" {
		return nil, result.Configurationf("database name is required")
	}
	eventsName := opts.EventsCollection
	if eventsName == "" {
		eventsName = defaultEventsCollection
	}
	streamsName := opts.StreamsCollection
	if streamsName == "" {
		streamsName = defaultStreamsCollection
	}
	countersName := opts.CountersCollection
	if countersName == "" {
		countersName = defaultCountersCollection
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = defaultOpTimeout
	}
	db := opts.Client.Database(opts.Database)
	events := mongoCollection{coll: db.Collection(eventsName)}
	streams := mongoCollection{coll: db.Collection(streamsName)}
	counters := mongoCollection{coll: db.Collection(countersName)}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	if err := ensureIndexes(ctx, events); err != nil {
		return nil, result.Wrapf(result.KindTransient, err, "ensuring event store indexes")
	}
	return newClientWithCollections(opts.Client, events, streams, counters, timeout)
}

func (c *client) Name() string {
	return eventstoreClientName
}

func (c *client) Ping(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	return c.mongo.Ping(ctx, readpref.Primary())
}

// AppendEvents writes records to streamID after checking expectedVersion
// against the stream header. Versions are assigned contiguously from the
// current head; sequence numbers come from the counters collection and are
// burned, not reused, when an insert loses its race.
func (c *client) AppendEvents(ctx context.Context, streamID string, records []EventRecord, expectedVersion int64, metadata map[string]string) (int64, error) {
	for attempt := 0; ; attempt++ {
		cur, err := c.StreamVersion(ctx, streamID)
		if err != nil {
			return 0, err
		}
		if expectedVersion >= 0 && cur != expectedVersion {
			return 0, &eventstore.ConcurrencyError{StreamID: streamID, Expected: expectedVersion, Current: cur}
		}

		n := int64(len(records))
		endSeq, err := c.nextSeq(ctx, n)
		if err != nil {
			return 0, err
		}
		ts := c.now().UTC().Truncate(time.Millisecond)
		docs := make([]any, n)
		for i, rec := range records {
			docs[i] = EventDocument{
				Stream:    streamID,
				Version:   cur + int64(i) + 1,
				Seq:       endSeq - n + int64(i) + 1,
				Type:      rec.Type,
				Payload:   rec.Payload,
				Timestamp: ts,
				Metadata:  metadata,
			}
		}

		insertCtx, cancel := c.withTimeout(ctx)
		_, err = c.events.InsertMany(insertCtx, docs)
		cancel()
		if err != nil {
			if !mongodriver.IsDuplicateKeyError(err) {
				return 0, result.Wrapf(result.KindTransient, err, "appending to %q", streamID)
			}
			// Another writer claimed cur+1 first. The loser fails on
			// its first document, so nothing of this batch landed.
			actual, repairErr := c.repairHeader(ctx, streamID)
			if repairErr != nil {
				return 0, repairErr
			}
			if expectedVersion == eventstore.AnyVersion && attempt < maxAppendRetries {
				continue
			}
			return 0, &eventstore.ConcurrencyError{StreamID: streamID, Expected: expectedVersion, Current: actual}
		}

		if err := c.advanceHeader(ctx, streamID, cur+n); err != nil {
			return 0, err
		}
		return cur + n, nil
	}
}

// ReadEvents returns events of streamID with version >= fromVersion in
// version order, plus the stream's current version. A missing stream reads
// as no documents at version 0.
func (c *client) ReadEvents(ctx context.Context, streamID string, fromVersion, maxCount int64) ([]EventDocument, int64, error) {
	head, err := c.StreamVersion(ctx, streamID)
	if err != nil {
		return nil, 0, err
	}
	filter := bson.M{"stream": streamID, "version": bson.M{"$gte": fromVersion}}
	findOpts := options.Find().SetSort(bson.D{{Key: "version", Value: 1}})
	if maxCount > 0 {
		findOpts = findOpts.SetLimit(maxCount)
	}
	docs, err := c.findEvents(ctx, filter, findOpts)
	if err != nil {
		return nil, 0, result.Wrapf(result.KindTransient, err, "reading %q", streamID)
	}
	// An append is visible in the events collection before its header
	// update lands. Report the larger of the two so readers never see a
	// version behind the events they were handed.
	if n := len(docs); n > 0 && docs[n-1].Version > head {
		head = docs[n-1].Version
	}
	return docs, head, nil
}

// ReadAllEvents returns up to limit events with seq > fromSeq in sequence
// order.
func (c *client) ReadAllEvents(ctx context.Context, fromSeq int64, limit int) ([]EventDocument, error) {
	filter := bson.M{"seq": bson.M{"$gt": fromSeq}}
	findOpts := options.Find().SetSort(bson.D{{Key: "seq", Value: 1}})
	if limit > 0 {
		findOpts = findOpts.SetLimit(int64(limit))
	}
	docs, err := c.findEvents(ctx, filter, findOpts)
	if err != nil {
		return nil, result.Wrapf(result.KindTransient, err, "reading global log from %d", fromSeq)
	}
	return docs, nil
}

// StreamVersion reads the stream header. Missing streams report version 0.
func (c *client) StreamVersion(ctx context.Context, streamID string) (int64, error) {
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()
	var doc headerDocument
	if err := c.streams.FindOne(ctx, bson.M{"_id": streamID}).Decode(&doc); err != nil {
		if errors.Is(err, mongodriver.ErrNoDocuments) {
			return 0, nil
		}
		return 0, result.Wrapf(result.KindTransient, err, "reading header of %q", streamID)
	}
	return doc.Version, nil
}

// DeleteStream removes the stream's events and header. Sequence numbers are
// not reclaimed.
func (c *client) DeleteStream(ctx context.Context, streamID string) error {
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()
	if _, err := c.events.DeleteMany(ctx, bson.M{"stream": streamID}); err != nil {
		return result.Wrapf(result.KindTransient, err, "deleting events of %q", streamID)
	}
	if _, err := c.streams.DeleteOne(ctx, bson.M{"_id": streamID}); err != nil {
		return result.Wrapf(result.KindTransient, err, "deleting header of %q", streamID)
	}
	return nil
}

// ListStreamIDs returns stream ids beginning with prefix in ascending order.
// The empty prefix lists every stream. The filter is a pure range scan on
// the header _id index, no regex involved.
func (c *client) ListStreamIDs(ctx context.Context, prefix string) ([]string, error) {
	filter := bson.M{}
	if prefix != "" {
		rng := bson.M{"$gte": prefix}
		if upper := prefixUpperBound(prefix); upper != "" {
			rng["$lt"] = upper
		}
		filter["_id"] = rng
	}
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()
	cur, err := c.streams.Find(ctx, filter, options.Find().SetSort(bson.D{{Key: "_id", Value: 1}}))
	if err != nil {
		return nil, result.Wrapf(result.KindTransient, err, "listing streams")
	}
	defer func() {
		_ = cur.Close(ctx)
	}()
	var ids []string
	for cur.Next(ctx) {
		var doc headerDocument
		if err := cur.Decode(&doc); err != nil {
			return nil, result.Wrapf(result.KindTransient, err, "listing streams")
		}
		ids = append(ids, doc.ID)
	}
	if err := cur.Err(); err != nil {
		return nil, result.Wrapf(result.KindTransient, err, "listing streams")
	}
	return ids, nil
}

func (c *client) findEvents(ctx context.Context, filter bson.M, findOpts *options.FindOptions) ([]EventDocument, error) {
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()
	cur, err := c.events.Find(ctx, filter, findOpts)
	if err != nil {
		return nil, err
	}
	defer func() {
		_ = cur.Close(ctx)
	}()
	var docs []EventDocument
	for cur.Next(ctx) {
		var doc EventDocument
		if err := cur.Decode(&doc); err != nil {
			return nil, err
		}
		docs = append(docs, doc)
	}
	if err := cur.Err(); err != nil {
		return nil, err
	}
	return docs, nil
}

// nextSeq reserves n sequence numbers and returns the last one.
func (c *client) nextSeq(ctx context.Context, n int64) (int64, error) {
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()
	filter := bson.M{"_id": seqCounterID}
	update := bson.M{"$inc": bson.M{"value": n}}
	opts := options.FindOneAndUpdate().SetUpsert(true).SetReturnDocument(options.After)
	var doc counterDocument
	if err := c.counters.FindOneAndUpdate(ctx, filter, update, opts).Decode(&doc); err != nil {
		return 0, result.Wrapf(result.KindTransient, err, "reserving %d sequence numbers", n)
	}
	return doc.Value, nil
}

// advanceHeader raises the stream header to version. $max keeps the header
// monotone under concurrent updates.
func (c *client) advanceHeader(ctx context.Context, streamID string, version int64) error {
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()
	filter := bson.M{"_id": streamID}
	update := bson.M{"$max": bson.M{"ver": version}}
	if _, err := c.streams.UpdateOne(ctx, filter, update, options.Update().SetUpsert(true)); err != nil {
		return result.Wrapf(result.KindTransient, err, "advancing header of %q", streamID)
	}
	return nil
}

// repairHeader recomputes the stream's true version from the events
// collection and raises the header to it. It covers the window between a
// successful insert and the header update of a writer that crashed.
func (c *client) repairHeader(ctx context.Context, streamID string) (int64, error) {
	findCtx, cancel := c.withTimeout(ctx)
	defer cancel()
	findOpts := options.FindOne().SetSort(bson.D{{Key: "version", Value: -1}})
	var doc EventDocument
	if err := c.events.FindOne(findCtx, bson.M{"stream": streamID}, findOpts).Decode(&doc); err != nil {
		if errors.Is(err, mongodriver.ErrNoDocuments) {
			return 0, nil
		}
		return 0, result.Wrapf(result.KindTransient, err, "reading tail of %q", streamID)
	}
	if err := c.advanceHeader(ctx, streamID, doc.Version); err != nil {
		return 0, err
	}
	return doc.Version, nil
}

func (c *client) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if ctx == nil {
		ctx = context.Background()
	}
	if c.timeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, c.timeout)
}

// prefixUpperBound returns the smallest string greater than every string
// with the given prefix, or "" when no such bound exists.
func prefixUpperBound(prefix string) string {
	b := []byte(prefix)
	for i := len(b) - 1; i >= 0; i-- {
		if b[i] < 0xff {
			b[i]++
			return string(b[:i+1])
		}
	}
	return ""
}

func ensureIndexes(ctx context.Context, eventsColl collection) error {
	streamVersionIndex := mongodriver.IndexModel{
		Keys: bson.D{
			{Key: "stream", Value: 1},
			{Key: "version", Value: 1},
		},
		Options: options.Index().SetUnique(true),
	}
	if _, err := eventsColl.Indexes().CreateOne(ctx, streamVersionIndex); err != nil {
		return err
	}
	seqIndex := mongodriver.IndexModel{
		Keys:    bson.D{{Key: "seq", Value: 1}},
		Options: options.Index().SetUnique(true),
	}
	if _, err := eventsColl.Indexes().CreateOne(ctx, seqIndex); err != nil {
		return err
	}
	return nil
}

func newClientWithCollections(mongoClient *mongodriver.Client, eventsColl, streamsColl, countersColl collection, timeout time.Duration) (*client, error) {
	if eventsColl == nil || streamsColl == nil || countersColl == nil {
		return nil, result.Configurationf("collections are required")
	}
	if timeout <= 0 {
		timeout = defaultOpTimeout
	}
	return &client{
		mongo:    mongoClient,
		events:   eventsColl,
		streams:  streamsColl,
		counters: countersColl,
		timeout:  timeout,
		now:      time.Now,
	}, nil
}

type collection interface {
	FindOne(ctx context.Context, filter any, opts ...*options.FindOneOptions) singleResult
	Find(ctx context.Context, filter any, opts ...*options.FindOptions) (cursor, error)
	FindOneAndUpdate(ctx context.Context, filter any, update any,
		opts ...*options.FindOneAndUpdateOptions) singleResult
	InsertMany(ctx context.Context, docs []any,
		opts ...*options.InsertManyOptions) (*mongodriver.InsertManyResult, error)
	UpdateOne(ctx context.Context, filter any, update any,
		opts ...*options.UpdateOptions) (*mongodriver.UpdateResult, error)
	DeleteOne(ctx context.Context, filter any, opts ...*options.DeleteOptions) (*mongodriver.DeleteResult, error)
	DeleteMany(ctx context.Context, filter any, opts ...*options.DeleteOptions) (*mongodriver.DeleteResult, error)
	Indexes() indexView
}

type indexView interface {
	CreateOne(ctx context.Context, model mongodriver.IndexModel,
		opts ...*options.CreateIndexesOptions) (string, error)
}

type singleResult interface {
	Decode(val any) error
}

type cursor interface {
	Close(ctx context.Context) error
	Decode(val any) error
	Err() error
	Next(ctx context.Context) bool
}

type mongoCollection struct {
	coll *mongodriver.Collection
}

func (c mongoCollection) FindOne(ctx context.Context, filter any, opts ...*options.FindOneOptions) singleResult {
	return mongoSingleResult{res: c.coll.FindOne(ctx, filter, opts...)}
}

func (c mongoCollection) Find(ctx context.Context, filter any, opts ...*options.FindOptions) (cursor, error) {
	cur, err := c.coll.Find(ctx, filter, opts...)
	if err != nil {
		return nil, err
	}
	return mongoCursor{cur: cur}, nil
}

func (c mongoCollection) FindOneAndUpdate(ctx context.Context, filter any, update any,
	opts ...*options.FindOneAndUpdateOptions) singleResult {
	return mongoSingleResult{res: c.coll.FindOneAndUpdate(ctx, filter, update, opts...)}
}

func (c mongoCollection) InsertMany(ctx context.Context, docs []any,
	opts ...*options.InsertManyOptions) (*mongodriver.InsertManyResult, error) {
	return c.coll.InsertMany(ctx, docs, opts...)
}

func (c mongoCollection) UpdateOne(ctx context.Context, filter any, update any,
	opts ...*options.UpdateOptions) (*mongodriver.UpdateResult, error) {
	return c.coll.UpdateOne(ctx, filter, update, opts...)
}

func (c mongoCollection) DeleteOne(ctx context.Context, filter any, opts ...*options.DeleteOptions) (*mongodriver.DeleteResult, error) {
	return c.coll.DeleteOne(ctx, filter, opts...)
}

func (c mongoCollection) DeleteMany(ctx context.Context, filter any, opts ...*options.DeleteOptions) (*mongodriver.DeleteResult, error) {
	return c.coll.DeleteMany(ctx, filter, opts...)
}

func (c mongoCollection) Indexes() indexView {
	return mongoIndexView{view: c.coll.Indexes()}
}

type mongoSingleResult struct {
	res *mongodriver.SingleResult
}

func (r mongoSingleResult) Decode(val any) error {
	return r.res.Decode(val)
}

type mongoCursor struct {
	cur *mongodriver.Cursor
}

func (c mongoCursor) Close(ctx context.Context) error {
	return c.cur.Close(ctx)
}

func (c mongoCursor) Decode(val any) error {
	return c.cur.Decode(val)
}

func (c mongoCursor) Err() error {
	return c.cur.Err()
}

func (c mongoCursor) Next(ctx context.Context) bool {
	return c.cur.Next(ctx)
}

type mongoIndexView struct {
	view mongodriver.IndexView
}

func (v mongoIndexView) CreateOne(ctx context.Context, model mongodriver.IndexModel,
	opts ...*options.CreateIndexesOptions) (string, error) {
	return v.view.CreateOne(ctx, model, opts...)
}
