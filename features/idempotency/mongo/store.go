package mongo

import (
	"context"
	"time"

	clientsmongo "github.com/rillflow/rill/features/idempotency/mongo/clients/mongo"
	"github.com/rillflow/rill/runtime/idempotency"
	"github.com/rillflow/rill/runtime/result"
)

// Options configures the Store wrapper.
type Options struct {
	// Client is the low-level Mongo client. Required.
	Client clientsmongo.Client
}

// Store implements idempotency.Store by delegating to the Mongo client.
// Records past their expiry read as missing even before the TTL reaper
// collects them.
type Store struct {
	client clientsmongo.Client
	now    func() time.Time
}

var _ idempotency.Store = (*Store)(nil)

// NewStore builds a Mongo-backed idempotency store using the provided
// client.
func NewStore(opts Options) (*Store, error) {
	if opts.Client == nil {
		return nil, result.Configurationf("idempotency mongo: client is required")
	}
	return &Store{client: opts.Client, now: time.Now}, nil
}

// NewStoreFromMongo instantiates the underlying client from its options.
func NewStoreFromMongo(opts clientsmongo.Options) (*Store, error) {
	client, err := clientsmongo.New(opts)
	if err != nil {
		return nil, err
	}
	return NewStore(Options{Client: client})
}

// Name implements health.Pinger.
func (s *Store) Name() string { return s.client.Name() }

// Ping implements health.Pinger.
func (s *Store) Ping(ctx context.Context) error { return s.client.Ping(ctx) }

// Store implements idempotency.Store. A ttl of zero keeps the record until
// it is overwritten.
func (s *Store) Store(ctx context.Context, requestID string, res []byte, ttl time.Duration) error {
	if requestID == "" {
		return result.Validationf("idempotency request id is empty")
	}
	doc := clientsmongo.RecordDocument{
		RequestID: requestID,
		Result:    res,
		StoredAt:  s.now().UTC().Truncate(time.Millisecond),
	}
	if ttl > 0 {
		expires := doc.StoredAt.Add(ttl)
		doc.ExpiresAt = &expires
	}
	return s.client.PutRecord(ctx, doc)
}

// IsProcessed implements idempotency.Store.
func (s *Store) IsProcessed(ctx context.Context, requestID string) (bool, error) {
	if requestID == "" {
		return false, result.Validationf("idempotency request id is empty")
	}
	doc, ok, err := s.client.GetRecord(ctx, requestID)
	if err != nil {
		return false, err
	}
	return ok && s.alive(doc), nil
}

// Get implements idempotency.Store.
func (s *Store) Get(ctx context.Context, requestID string) ([]byte, bool, error) {
	if requestID == "" {
		return nil, false, result.Validationf("idempotency request id is empty")
	}
	doc, ok, err := s.client.GetRecord(ctx, requestID)
	if err != nil {
		return nil, false, err
	}
	if !ok || !s.alive(doc) {
		return nil, false, nil
	}
	return doc.Result, true, nil
}

func (s *Store) alive(doc clientsmongo.RecordDocument) bool {
	return doc.ExpiresAt == nil || doc.ExpiresAt.After(s.now())
}
