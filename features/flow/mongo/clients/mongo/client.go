// Package mongo hosts the MongoDB client used by the Mongo flow store.
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

	"github.com/rillflow/rill/runtime/flow"
	"github.com/rillflow/rill/runtime/result"
)

const (
	defaultFlowsCollection = "flows"
	defaultOpTimeout       = 5 * time.Second
	flowClientName         = "flow-mongo"
)

// FlowDocument is one persisted flow instance. Data carries the
// codec-marshalled snapshot; Status and UpdatedAt are lifted out of it so
// operators can query for stuck instances without decoding blobs.
type FlowDocument struct {
	ID        string    `bson:"_id"`
	Status    string    `bson:"status"`
	Data      []byte    `bson:"data"`
	UpdatedAt time.Time `bson:"updated_at"`
}

// Client exposes Mongo-backed operations for flow snapshots.
type Client interface {
	health.Pinger

	// UpsertFlow replaces the instance's document, last writer wins. The
	// engine guarantees a single writer per flow id.
	UpsertFlow(ctx context.Context, doc FlowDocument) error
	// LoadFlow returns the instance's document or *flow.NotFoundError.
	LoadFlow(ctx context.Context, flowID string) (FlowDocument, error)
	// DeleteFlow removes the instance's document. Unknown ids are a
	// no-op.
	DeleteFlow(ctx context.Context, flowID string) error
}

// Options configures the Mongo flow client.
type Options struct {
	Client     *mongodriver.Client
	Database   string
	Collection string
	Timeout    time.Duration
}

type client struct {
	mongo   *mongodriver.Client
	flows   collection
	timeout time.Duration
}

// New returns a Client backed by MongoDB. Flow documents are keyed by _id,
// so no additional indexes are needed.
func New(opts Options) (Client, error) {
	if opts.Client == nil {
		return nil, result.Configurationf("mongo client is required")
	}
	if opts.Database == "" {
		return nil, result.Configurationf("database name is required")
	}
	collName := opts.Collection
	if collName == "" {
		collName = defaultFlowsCollection
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = defaultOpTimeout
	}
	coll := mongoCollection{coll: opts.Client.Database(opts.Database).Collection(collName)}
	return newClientWithCollection(opts.Client, coll, timeout)
}

func (c *client) Name() string {
	return flowClientName
}

func (c *client) Ping(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	return c.mongo.Ping(ctx, readpref.Primary())
}

func (c *client) UpsertFlow(ctx context.Context, doc FlowDocument) error {
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()
	filter := bson.M{"_id": doc.ID}
	if _, err := c.flows.ReplaceOne(ctx, filter, doc, options.Replace().SetUpsert(true)); err != nil {
		return result.Wrapf(result.KindTransient, err, "saving flow %q", doc.ID)
	}
	return nil
}

func (c *client) LoadFlow(ctx context.Context, flowID string) (FlowDocument, error) {
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()
	var doc FlowDocument
	if err := c.flows.FindOne(ctx, bson.M{"_id": flowID}).Decode(&doc); err != nil {
		if errors.Is(err, mongodriver.ErrNoDocuments) {
			return FlowDocument{}, &flow.NotFoundError{FlowID: flowID}
		}
		return FlowDocument{}, result.Wrapf(result.KindTransient, err, "loading flow %q", flowID)
	}
	return doc, nil
}

func (c *client) DeleteFlow(ctx context.Context, flowID string) error {
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()
	if _, err := c.flows.DeleteOne(ctx, bson.M{"_id": flowID}); err != nil {
		return result.Wrapf(result.KindTransient, err, "deleting flow %q", flowID)
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

func newClientWithCollection(mongoClient *mongodriver.Client, flowsColl collection, timeout time.Duration) (*client, error) {
	if flowsColl == nil {
		return nil, result.Configurationf("collection is required")
	}
	if timeout <= 0 {
		timeout = defaultOpTimeout
	}
	return &client{
		mongo:   mongoClient,
		flows:   flowsColl,
		timeout: timeout,
	}, nil
}

type collection interface {
	FindOne(ctx context.Context, filter any, opts ...*options.FindOneOptions) singleResult
	ReplaceOne(ctx context.Context, filter any, replacement any,
		opts ...*options.ReplaceOptions) (*mongodriver.UpdateResult, error)
	DeleteOne(ctx context.Context, filter any, opts ...*options.DeleteOptions) (*mongodriver.DeleteResult, error)
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

func (c mongoCollection) ReplaceOne(ctx context.Context, filter any, replacement any,
	opts ...*options.ReplaceOptions) (*mongodriver.UpdateResult, error) {
	return c.coll.ReplaceOne(ctx, filter, replacement, opts...)
}

func (c mongoCollection) DeleteOne(ctx context.Context, filter any, opts ...*options.DeleteOptions) (*mongodriver.DeleteResult, error) {
	return c.coll.DeleteOne(ctx, filter, opts...)
}

type mongoSingleResult struct {
	res *mongodriver.SingleResult
}

func (r mongoSingleResult) Decode(val any) error {
	return r.res.Decode(val)
}
