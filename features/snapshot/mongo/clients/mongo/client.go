// Package mongo hosts the MongoDB client used by the Mongo snapshot store.
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

	"github.com/rillflow/rill/runtime/result"
)

const (
	defaultSnapshotsCollection = "snapshots"
	defaultOpTimeout           = 5 * time.Second
	snapshotClientName         = "snapshot-mongo"
)

// SnapshotDocument is one persisted snapshot. State carries the
// codec-marshalled aggregate state; the store layer owns the codec.
type SnapshotDocument struct {
	Stream  string    `bson:"stream"`
	Version int64     `bson:"version"`
	State   []byte    `bson:"state"`
	TakenAt time.Time `bson:"taken_at"`
}

// Client exposes Mongo-backed operations for snapshots.
type Client interface {
	health.Pinger

	// UpsertSnapshot writes the document, replacing any previous one at
	// the same (stream, version).
	UpsertSnapshot(ctx context.Context, doc SnapshotDocument) error
	// LatestSnapshot returns the highest-version document for streamID.
	LatestSnapshot(ctx context.Context, streamID string) (SnapshotDocument, bool, error)
	// ListSnapshots returns streamID's documents in ascending version
	// order.
	ListSnapshots(ctx context.Context, streamID string) ([]SnapshotDocument, error)
	// DeleteSnapshotsBelow removes documents with version strictly below
	// version.
	DeleteSnapshotsBelow(ctx context.Context, streamID string, version int64) error
}

// Options configures the Mongo snapshot client.
type Options struct {
	Client     *mongodriver.Client
	Database   string
	Collection string
	Timeout    time.Duration
}

type client struct {
	mongo     *mongodriver.Client
	snapshots collection
	timeout   time.Duration
}

// New returns a Client backed by MongoDB.
func New(opts Options) (Client, error) {
	if opts.Client == nil {
		return nil, result.Configurationf("mongo client is required")
	}
	if opts.Database == "" {
		return nil, result.Configurationf("database name is required")
	}
	collName := opts.Collection
	if collName == "" {
		collName = defaultSnapshotsCollection
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = defaultOpTimeout
	}
	coll := mongoCollection{coll: opts.Client.Database(opts.Database).Collection(collName)}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	if err := ensureIndexes(ctx, coll); err != nil {
		return nil, result.Wrapf(result.KindTransient, err, "ensuring snapshot indexes")
	}
	return newClientWithCollection(opts.Client, coll, timeout)
}

func (c *client) Name() string {
	return snapshotClientName
}

func (c *client) Ping(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	return c.mongo.Ping(ctx, readpref.Primary())
}

func (c *client) UpsertSnapshot(ctx context.Context, doc SnapshotDocument) error {
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()
	filter := bson.M{"stream": doc.Stream, "version": doc.Version}
	update := bson.M{"$set": bson.M{
		"state":    doc.State,
		"taken_at": doc.TakenAt,
	}}
	if _, err := c.snapshots.UpdateOne(ctx, filter, update, options.Update().SetUpsert(true)); err != nil {
		return result.Wrapf(result.KindTransient, err, "saving snapshot of %q at %d", doc.Stream, doc.Version)
	}
	return nil
}

func (c *client) LatestSnapshot(ctx context.Context, streamID string) (SnapshotDocument, bool, error) {
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()
	filter := bson.M{"stream": streamID}
	findOpts := options.FindOne().SetSort(bson.D{{Key: "version", Value: -1}})
	var doc SnapshotDocument
	if err := c.snapshots.FindOne(ctx, filter, findOpts).Decode(&doc); err != nil {
		if errors.Is(err, mongodriver.ErrNoDocuments) {
			return SnapshotDocument{}, false, nil
		}
		return SnapshotDocument{}, false, result.Wrapf(result.KindTransient, err, "loading latest snapshot of %q", streamID)
	}
	return doc, true, nil
}

func (c *client) ListSnapshots(ctx context.Context, streamID string) ([]SnapshotDocument, error) {
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()
	filter := bson.M{"stream": streamID}
	cur, err := c.snapshots.Find(ctx, filter, options.Find().SetSort(bson.D{{Key: "version", Value: 1}}))
	if err != nil {
		return nil, result.Wrapf(result.KindTransient, err, "listing snapshots of %q", streamID)
	}
	defer func() {
		_ = cur.Close(ctx)
	}()
	var docs []SnapshotDocument
	for cur.Next(ctx) {
		var doc SnapshotDocument
		if err := cur.Decode(&doc); err != nil {
			return nil, result.Wrapf(result.KindTransient, err, "listing snapshots of %q", streamID)
		}
		docs = append(docs, doc)
	}
	if err := cur.Err(); err != nil {
		return nil, result.Wrapf(result.KindTransient, err, "listing snapshots of %q", streamID)
	}
	return docs, nil
}

func (c *client) DeleteSnapshotsBelow(ctx context.Context, streamID string, version int64) error {
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()
	filter := bson.M{"stream": streamID, "version": bson.M{"$lt": version}}
	if _, err := c.snapshots.DeleteMany(ctx, filter); err != nil {
		return result.Wrapf(result.KindTransient, err, "pruning snapshots of %q below %d", streamID, version)
	}
	return nil
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

func ensureIndexes(ctx context.Context, snapshotsColl collection) error {
	streamVersionIndex := mongodriver.IndexModel{
		Keys: bson.D{
			{Key: "stream", Value: 1},
			{Key: "version", Value: 1},
		},
		Options: options.Index().SetUnique(true),
	}
	if _, err := snapshotsColl.Indexes().CreateOne(ctx, streamVersionIndex); err != nil {
		return err
	}
	return nil
}

func newClientWithCollection(mongoClient *mongodriver.Client, snapshotsColl collection, timeout time.Duration) (*client, error) {
	if snapshotsColl == nil {
		return nil, result.Configurationf("collection is required")
	}
	if timeout <= 0 {
		timeout = defaultOpTimeout
	}
	return &client{
		mongo:     mongoClient,
		snapshots: snapshotsColl,
		timeout:   timeout,
	}, nil
}

type collection interface {
	FindOne(ctx context.Context, filter any, opts ...*options.FindOneOptions) singleResult
	Find(ctx context.Context, filter any, opts ...*options.FindOptions) (cursor, error)
	UpdateOne(ctx context.Context, filter any, update any,
		opts ...*options.UpdateOptions) (*mongodriver.UpdateResult, error)
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

func (c mongoCollection) UpdateOne(ctx context.Context, filter any, update any,
	opts ...*options.UpdateOptions) (*mongodriver.UpdateResult, error) {
	return c.coll.UpdateOne(ctx, filter, update, opts...)
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
