// Package mongo hosts the MongoDB client used by the Mongo checkpoint
// store.
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
	defaultCheckpointsCollection = "projection_checkpoints"
	defaultOpTimeout             = 5 * time.Second
	checkpointClientName         = "projection-mongo"
)

// CheckpointDocument is one projection's persisted position in the log.
type CheckpointDocument struct {
	Name            string    `bson:"name"`
	StreamPattern   string    `bson:"stream_pattern"`
	Position        int64     `bson:"position"`
	ProcessedCount  int64     `bson:"processed_count"`
	LastProcessedAt time.Time `bson:"last_processed_at"`
}

// Client exposes Mongo-backed operations for projection checkpoints.
type Client interface {
	health.Pinger

	// SaveCheckpoint writes the document, replacing any previous one with
	// the same name.
	SaveCheckpoint(ctx context.Context, doc CheckpointDocument) error
	// LoadCheckpoint returns the document for name and whether one exists.
	LoadCheckpoint(ctx context.Context, name string) (CheckpointDocument, bool, error)
}

// Options configures the Mongo checkpoint client.
type Options struct {
	Client     *mongodriver.Client
	Database   string
	Collection string
	Timeout    time.Duration
}

type client struct {
	mongo       *mongodriver.Client
	checkpoints collection
	timeout     time.Duration
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
		collName = defaultCheckpointsCollection
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = defaultOpTimeout
	}
	coll := mongoCollection{coll: opts.Client.Database(opts.Database).Collection(collName)}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	if err := ensureIndexes(ctx, coll); err != nil {
		return nil, result.Wrapf(result.KindTransient, err, "ensuring checkpoint indexes")
	}
	return newClientWithCollection(opts.Client, coll, timeout)
}

func (c *client) Name() string {
	return checkpointClientName
}

func (c *client) Ping(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	return c.mongo.Ping(ctx, readpref.Primary())
}

func (c *client) SaveCheckpoint(ctx context.Context, doc CheckpointDocument) error {
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()
	filter := bson.M{"name": doc.Name}
	update := bson.M{"$set": bson.M{
		"stream_pattern":    doc.StreamPattern,
		"position":          doc.Position,
		"processed_count":   doc.ProcessedCount,
		"last_processed_at": doc.LastProcessedAt,
	}}
	if _, err := c.checkpoints.UpdateOne(ctx, filter, update, options.Update().SetUpsert(true)); err != nil {
		return result.Wrapf(result.KindTransient, err, "saving checkpoint of %q", doc.Name)
	}
	return nil
}

func (c *client) LoadCheckpoint(ctx context.Context, name string) (CheckpointDocument, bool, error) {
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()
	var doc CheckpointDocument
	if err := c.checkpoints.FindOne(ctx, bson.M{"name": name}).Decode(&doc); err != nil {
		if errors.Is(err, mongodriver.ErrNoDocuments) {
			return CheckpointDocument{}, false, nil
		}
		return CheckpointDocument{}, false, result.Wrapf(result.KindTransient, err, "loading checkpoint of %q", name)
	}
	return doc, true, nil
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

func ensureIndexes(ctx context.Context, checkpointsColl collection) error {
	nameIndex := mongodriver.IndexModel{
		Keys:    bson.D{{Key: "name", Value: 1}},
		Options: options.Index().SetUnique(true),
	}
	if _, err := checkpointsColl.Indexes().CreateOne(ctx, nameIndex); err != nil {
		return err
	}
	return nil
}

func newClientWithCollection(mongoClient *mongodriver.Client, checkpointsColl collection, timeout time.Duration) (*client, error) {
	if checkpointsColl == nil {
		return nil, result.Configurationf("collection is required")
	}
	if timeout <= 0 {
		timeout = defaultOpTimeout
	}
	return &client{
		mongo:       mongoClient,
		checkpoints: checkpointsColl,
		timeout:     timeout,
	}, nil
}

type collection interface {
	FindOne(ctx context.Context, filter any, opts ...*options.FindOneOptions) singleResult
	UpdateOne(ctx context.Context, filter any, update any,
		opts ...*options.UpdateOptions) (*mongodriver.UpdateResult, error)
	Indexes() indexView
}

type indexView interface {
	CreateOne(ctx context.Context, model mongodriver.IndexModel,
		opts ...*options.CreateIndexesOptions) (string, error)
}

type singleResult interface {
	Decode(val any) error
}

type mongoCollection struct {
	coll *mongodriver.Collection
}

func (c mongoCollection) FindOne(ctx context.Context, filter any, opts ...*options.FindOneOptions) singleResult {
	return mongoSingleResult{res: c.coll.FindOne(ctx, filter, opts...)}
}

func (c mongoCollection) UpdateOne(ctx context.Context, filter any, update any,
	opts ...*options.UpdateOptions) (*mongodriver.UpdateResult, error) {
	return c.coll.UpdateOne(ctx, filter, update, opts...)
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

type mongoIndexView struct {
	view mongodriver.IndexView
}

func (v mongoIndexView) CreateOne(ctx context.Context, model mongodriver.IndexModel,
	opts ...*options.CreateIndexesOptions) (string, error) {
	return v.view.CreateOne(ctx, model, opts...)
}
