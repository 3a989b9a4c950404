package mongo

import (
	"context"
	"time"

	clientsmongo "github.com/rillflow/rill/features/deadletter/mongo/clients/mongo"
	"github.com/rillflow/rill/runtime/deadletter"
	"github.com/rillflow/rill/runtime/result"
)

// Options configures the Store wrapper.
type Options struct {
	// Client is the low-level Mongo client. Required.
	Client clientsmongo.Client
}

// Store implements deadletter.Store by delegating to the Mongo client.
type Store struct {
	client clientsmongo.Client
}

var _ deadletter.Store = (*Store)(nil)

// NewStore builds a Mongo-backed dead-letter store using the provided
// client.
func NewStore(opts Options) (*Store, error) {
	if opts.Client == nil {
		return nil, result.Configurationf("deadletter mongo: client is required")
	}
	return &Store{client: opts.Client}, nil
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

// Add implements deadletter.Store. Re-parking the same (queue, message id)
// replaces the earlier letter with the latest reason and retry count.
func (s *Store) Add(ctx context.Context, letter deadletter.DeadLetter) error {
	if letter.MessageID == "" || letter.OriginQueue == "" {
		return result.Validationf("dead letter requires a message id and an origin queue")
	}
	return s.client.UpsertLetter(ctx, fromLetter(letter))
}

// List implements deadletter.Store.
func (s *Store) List(ctx context.Context, queue string, offset, limit int) ([]deadletter.DeadLetter, error) {
	if limit <= 0 {
		return nil, result.Validationf("list limit must be positive, got %d", limit)
	}
	if offset < 0 {
		offset = 0
	}
	docs, err := s.client.ListLetters(ctx, queue, offset, limit)
	if err != nil {
		return nil, err
	}
	var out []deadletter.DeadLetter
	for _, doc := range docs {
		out = append(out, toLetter(doc))
	}
	return out, nil
}

// Remove implements deadletter.Store.
func (s *Store) Remove(ctx context.Context, queue, messageID string) error {
	return s.client.RemoveLetter(ctx, queue, messageID)
}

// MarkPermanent implements deadletter.Store.
func (s *Store) MarkPermanent(ctx context.Context, queue, messageID string) error {
	return s.client.SetPermanent(ctx, queue, messageID)
}

// Requeue implements deadletter.Store.
func (s *Store) Requeue(ctx context.Context, queue, messageID string) (deadletter.DeadLetter, error) {
	doc, err := s.client.TakeLetter(ctx, queue, messageID)
	if err != nil {
		return deadletter.DeadLetter{}, err
	}
	return toLetter(doc), nil
}

func fromLetter(letter deadletter.DeadLetter) clientsmongo.LetterDocument {
	failedAt := letter.FailedAt
	if failedAt.IsZero() {
		failedAt = time.Now()
	}
	return clientsmongo.LetterDocument{
		MessageID:   letter.MessageID,
		OriginQueue: letter.OriginQueue,
		Payload:     letter.Payload,
		Reason:      letter.Reason,
		FailedAt:    failedAt.UTC().Truncate(time.Millisecond),
		RetryCount:  letter.RetryCount,
		Permanent:   letter.Permanent,
		Headers:     letter.Headers,
	}
}

func toLetter(doc clientsmongo.LetterDocument) deadletter.DeadLetter {
	return deadletter.DeadLetter{
		MessageID:   doc.MessageID,
		OriginQueue: doc.OriginQueue,
		Payload:     doc.Payload,
		Reason:      doc.Reason,
		FailedAt:    doc.FailedAt.UTC(),
		RetryCount:  doc.RetryCount,
		Permanent:   doc.Permanent,
		Headers:     doc.Headers,
	}
}
