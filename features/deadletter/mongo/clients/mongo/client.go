// Package mongo hosts the MongoDB client used by the Mongo dead-letter
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

	"github.com/rillflow/rill/runtime/deadletter"
	"github.com/rillflow/rill/runtime/result"
)

const (
	defaultLettersCollection = "dead_letters"
	defaultOpTimeout         = 5 * time.Second
	deadletterClientName     = "deadletter-mongo"
)

// LetterDocument is one parked message as persisted in Mongo.
type LetterDocument struct {
	MessageID   string            `bson:"message_id"`
	OriginQueue string            `bson:"origin_queue"`
	Payload     []byte            `bson:"payload"`
	Reason      string            `bson:"reason"`
	FailedAt    time.Time         `bson:"failed_at"`
	RetryCount  int               `bson:"retry_count"`
	Permanent   bool              `bson:"permanent"`
	Headers     map[string]string `bson:"headers,omitempty"`
}

// Client exposes Mongo-backed operations for dead letters.
type Client interface {
	health.Pinger

	// UpsertLetter writes the document, replacing any previous one with
	// the same (origin_queue, message_id).
	UpsertLetter(ctx context.Context, doc LetterDocument) error
	// ListLetters returns queue's documents ordered by failed_at then
	// message_id, skipping offset and returning at most limit.
	ListLetters(ctx context.Context, queue string, offset, limit int) ([]LetterDocument, error)
	// RemoveLetter deletes the document or reports
	// *deadletter.NotFoundError.
	RemoveLetter(ctx context.Context, queue, messageID string) error
	// SetPermanent retires the letter so TakeLetter refuses it.
	SetPermanent(ctx context.Context, queue, messageID string) error
	// TakeLetter atomically removes and returns a non-permanent letter.
	// Permanent letters fail with a conflict, missing ones with
	// *deadletter.NotFoundError.
	TakeLetter(ctx context.Context, queue, messageID string) (LetterDocument, error)
}

// Options configures the Mongo dead-letter client.
type Options struct {
	Client     *mongodriver.Client
	Database   string
	Collection string
	Timeout    time.Duration
}

type client struct {
	mongo   *mongodriver.Client
	letters collection
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
		collName = defaultLettersCollection
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = defaultOpTimeout
	}
	coll := mongoCollection{coll: opts.Client.Database(opts.Database).Collection(collName)}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	if err := ensureIndexes(ctx, coll); err != nil {
		return nil, result.Wrapf(result.KindTransient, err, "ensuring dead-letter indexes")
	}
	return newClientWithCollection(opts.Client, coll, timeout)
}

func (c *client) Name() string {
	return deadletterClientName
}

func (c *client) Ping(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	return c.mongo.Ping(ctx, readpref.Primary())
}

func (c *client) UpsertLetter(ctx context.Context, doc LetterDocument) error {
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()
	filter := letterFilter(doc.OriginQueue, doc.MessageID)
	update := bson.M{"$set": bson.M{
		"payload":     doc.Payload,
		"reason":      doc.Reason,
		"failed_at":   doc.FailedAt,
		"retry_count": doc.RetryCount,
		"permanent":   doc.Permanent,
		"headers":     doc.Headers,
	}}
	if _, err := c.letters.UpdateOne(ctx, filter, update, options.Update().SetUpsert(true)); err != nil {
		return result.Wrapf(result.KindTransient, err, "parking %q on %q", doc.MessageID, doc.OriginQueue)
	}
	return nil
}

func (c *client) ListLetters(ctx context.Context, queue string, offset, limit int) ([]LetterDocument, error) {
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()
	findOpts := options.Find().
		SetSort(bson.D{{Key: "failed_at", Value: 1}, {Key: "message_id", Value: 1}}).
		SetSkip(int64(offset)).
		SetLimit(int64(limit))
	cur, err := c.letters.Find(ctx, bson.M{"origin_queue": queue}, findOpts)
	if err != nil {
		return nil, result.Wrapf(result.KindTransient, err, "listing dead letters of %q", queue)
	}
	defer func() {
		_ = cur.Close(ctx)
	}()
	var docs []LetterDocument
	for cur.Next(ctx) {
		var doc LetterDocument
		if err := cur.Decode(&doc); err != nil {
			return nil, result.Wrapf(result.KindTransient, err, "listing dead letters of %q", queue)
		}
		docs = append(docs, doc)
	}
	if err := cur.Err(); err != nil {
		return nil, result.Wrapf(result.KindTransient, err, "listing dead letters of %q", queue)
	}
	return docs, nil
}

func (c *client) RemoveLetter(ctx context.Context, queue, messageID string) error {
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()
	res, err := c.letters.DeleteOne(ctx, letterFilter(queue, messageID))
	if err != nil {
		return result.Wrapf(result.KindTransient, err, "removing %q from %q", messageID, queue)
	}
	if res.DeletedCount == 0 {
		return &deadletter.NotFoundError{Queue: queue, MessageID: messageID}
	}
	return nil
}

func (c *client) SetPermanent(ctx context.Context, queue, messageID string) error {
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()
	update := bson.M{"$set": bson.M{"permanent": true}}
	res, err := c.letters.UpdateOne(ctx, letterFilter(queue, messageID), update)
	if err != nil {
		return result.Wrapf(result.KindTransient, err, "retiring %q on %q", messageID, queue)
	}
	if res.MatchedCount == 0 {
		return &deadletter.NotFoundError{Queue: queue, MessageID: messageID}
	}
	return nil
}

func (c *client) TakeLetter(ctx context.Context, queue, messageID string) (LetterDocument, error) {
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()
	filter := letterFilter(queue, messageID)
	filter["permanent"] = false
	var doc LetterDocument
	err := c.letters.FindOneAndDelete(ctx, filter).Decode(&doc)
	if err == nil {
		return doc, nil
	}
	if !errors.Is(err, mongodriver.ErrNoDocuments) {
		return LetterDocument{}, result.Wrapf(result.KindTransient, err, "requeueing %q from %q", messageID, queue)
	}
	// Either the letter is missing or it was retired. One more read
	// disambiguates; losing a race here only turns a conflict into a
	// not-found, which is still accurate.
	if err := c.letters.FindOne(ctx, letterFilter(queue, messageID)).Decode(&doc); err != nil {
		if errors.Is(err, mongodriver.ErrNoDocuments) {
			return LetterDocument{}, &deadletter.NotFoundError{Queue: queue, MessageID: messageID}
		}
		return LetterDocument{}, result.Wrapf(result.KindTransient, err, "requeueing %q from %q", messageID, queue)
	}
	return LetterDocument{}, result.Conflictf(
		"dead letter %q on queue %q is permanent and cannot be requeued", messageID, queue)
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

func letterFilter(queue, messageID string) bson.M {
	return bson.M{"origin_queue": queue, "message_id": messageID}
}

func ensureIndexes(ctx context.Context, lettersColl collection) error {
	letterKeyIndex := mongodriver.IndexModel{
		Keys: bson.D{
			{Key: "origin_queue", Value: 1},
			{Key: "message_id", Value: 1},
		},
		Options: options.Index().SetUnique(true),
	}
	if _, err := lettersColl.Indexes().CreateOne(ctx, letterKeyIndex); err != nil {
		return err
	}
	browseIndex := mongodriver.IndexModel{
		Keys: bson.D{
			{Key: "origin_queue", Value: 1},
			{Key: "failed_at", Value: 1},
		},
	}
	if _, err := lettersColl.Indexes().CreateOne(ctx, browseIndex); err != nil {
		return err
	}
	return nil
}

func newClientWithCollection(mongoClient *mongodriver.Client, lettersColl collection, timeout time.Duration) (*client, error) {
	if lettersColl == nil {
		return nil, result.Configurationf("collection is required")
	}
	if timeout <= 0 {
		timeout = defaultOpTimeout
	}
	return &client{
		mongo:   mongoClient,
		letters: lettersColl,
		timeout: timeout,
	}, nil
}

type collection interface {
	FindOne(ctx context.Context, filter any, opts ...*options.FindOneOptions) singleResult
	Find(ctx context.Context, filter any, opts ...*options.FindOptions) (cursor, error)
	FindOneAndDelete(ctx context.Context, filter any,
		opts ...*options.FindOneAndDeleteOptions) singleResult
	UpdateOne(ctx context.Context, filter any, update any,
		opts ...*options.UpdateOptions) (*mongodriver.UpdateResult, error)
	DeleteOne(ctx context.Context, filter any, opts ...*options.DeleteOptions) (*mongodriver.DeleteResult, error)
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

func (c mongoCollection) FindOneAndDelete(ctx context.Context, filter any,
	opts ...*options.FindOneAndDeleteOptions) singleResult {
	return mongoSingleResult{res: c.coll.FindOneAndDelete(ctx, filter, opts...)}
}

func (c mongoCollection) UpdateOne(ctx context.Context, filter any, update any,
	opts ...*options.UpdateOptions) (*mongodriver.UpdateResult, error) {
	return c.coll.UpdateOne(ctx, filter, update, opts...)
}

func (c mongoCollection) DeleteOne(ctx context.Context, filter any, opts ...*options.DeleteOptions) (*mongodriver.DeleteResult, error) {
	return c.coll.DeleteOne(ctx, filter, opts...)
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
