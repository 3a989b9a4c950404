// Package mongo hosts the MongoDB client used by the Mongo idempotency
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
	defaultRecordsCollection = "idempotency_records"
	defaultOpTimeout         = 5 * time.Second
	idempotencyClientName    = "idempotency-mongo"
)

// RecordDocument is one cached request result. A nil ExpiresAt keeps the
// record until it is overwritten; otherwise the TTL index reaps it.
type RecordDocument struct {
	RequestID string     `bson:"request_id"`
	Result    []byte     `bson:"result"`
	StoredAt  time.Time  `bson:"stored_at"`
	ExpiresAt *time.Time `bson:"expires_at,omitempty"`
}

// Client exposes Mongo-backed operations for idempotency records.
type Client interface {
	health.Pinger

	// PutRecord writes the document, replacing any previous one with the
	// same request id and resetting its expiry.
	PutRecord(ctx context.Context, doc RecordDocument) error
	// GetRecord returns the document for requestID and whether one exists.
	// Expiry is not evaluated here; the store layer owns that check.
	GetRecord(ctx context.Context, requestID string) (RecordDocument, bool, error)
}

// Options configures the Mongo idempotency client.
type Options struct {
	Client     *mongodriver.Client
	Database   string
	Collection string
	Timeout    time.Duration
}

type client struct {
	mongo   *mongodriver.Client
	records collection
	timeout time.Duration
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
		collName = defaultRecordsCollection
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = defaultOpTimeout
	}
	coll := mongoCollection{coll: opts.Client.Database(opts.Database).Collection(collName)}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	if err := ensureIndexes(ctx, coll); err != nil {
		return nil, result.Wrapf(result.KindTransient, err, "ensuring idempotency indexes")
	}
	return newClientWithCollection(opts.Client, coll, timeout)
}

func (c *client) Name() string {
	return idempotencyClientName
}

func (c *client) Ping(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	return c.mongo.Ping(ctx, readpref.Primary())
}

func (c *client) PutRecord(ctx context.Context, doc RecordDocument) error {
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()
	set := bson.M{
		"result":    doc.Result,
		"stored_at": doc.StoredAt,
	}
	update := bson.M{"$set": set}
	if doc.ExpiresAt != nil {
		set["expires_at"] = *doc.ExpiresAt
	} else {
		// Overwriting a bounded record with an unbounded one must clear
		// the old expiry or the TTL reaper would still collect it.
		update["$unset"] = bson.M{"expires_at": ""}
	}
	filter := bson.M{"request_id": doc.RequestID}
	if _, err := c.records.UpdateOne(ctx, filter, update, options.Update().SetUpsert(true)); err != nil {
		return result.Wrapf(result.KindTransient, err, "storing idempotency record %q", doc.RequestID)
	}
	return nil
}

func (c *client) GetRecord(ctx context.Context, requestID string) (RecordDocument, bool, error) {
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()
	var doc RecordDocument
	if err := c.records.FindOne(ctx, bson.M{"request_id": requestID}).Decode(&doc); err != nil {
		if errors.Is(err, mongodriver.ErrNoDocuments) {
			return RecordDocument{}, false, nil
		}
		return RecordDocument{}, false, result.Wrapf(result.KindTransient, err, "loading idempotency record %q", requestID)
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

func ensureIndexes(ctx context.Context, recordsColl collection) error {
	requestIndex := mongodriver.IndexModel{
		Keys:    bson.D{{Key: "request_id", Value: 1}},
		Options: options.Index().SetUnique(true),
	}
	if _, err := recordsColl.Indexes().CreateOne(ctx, requestIndex); err != nil {
		return err
	}
	// expireAfterSeconds of zero reaps each document at its own
	// expires_at; documents without the field are never collected.
	expiryIndex := mongodriver.IndexModel{
		Keys:    bson.D{{Key: "expires_at", Value: 1}},
		Options: options.Index().SetExpireAfterSeconds(0),
	}
	if _, err := recordsColl.Indexes().CreateOne(ctx, expiryIndex); err != nil {
		return err
	}
	return nil
}

func newClientWithCollection(mongoClient *mongodriver.Client, recordsColl collection, timeout time.Duration) (*client, error) {
	if recordsColl == nil {
		return nil, result.Configurationf("collection is required")
	}
	if timeout <= 0 {
		timeout = defaultOpTimeout
	}
	return &client{
		mongo:   mongoClient,
		records: recordsColl,
		timeout: timeout,
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
