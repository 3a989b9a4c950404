package outbox

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"golang.org/x/sync/errgroup"

	"github.com/rillflow/rill/runtime/deadletter"
	"github.com/rillflow/rill/runtime/result"
	"github.com/rillflow/rill/runtime/telemetry"
)

// Publisher delivers one message to the external transport.
type Publisher func(ctx context.Context, msg Message) error

// Processor drains the outbox: it polls for pending messages, publishes
// them, and acknowledges successes. Messages sharing a partition key are
// delivered in order; a failed message blocks the rest of its key until
// redelivery. Messages that exhaust their attempts move to the dead-letter
// store. Run one processor per outbox: a second one double-delivers, which
// at-least-once semantics permit but waste.
type Processor struct {
	store   Store
	publish Publisher
	dlq     deadletter.Store
	queue   string

	batchSize       int
	pollInterval    time.Duration
	maxPollInterval time.Duration
	maxAttempts     int
	concurrency     int

	logger  telemetry.Logger
	metrics telemetry.Metrics

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// ProcessorOption configures a Processor.
type ProcessorOption func(*Processor)

// WithBatchSize bounds how many messages one cycle leases.
func WithBatchSize(n int) ProcessorOption {
	return func(p *Processor) { p.batchSize = n }
}

// WithPollInterval sets the delay between productive cycles. Idle and
// failing cycles back off exponentially up to the max poll interval.
func WithPollInterval(d time.Duration) ProcessorOption {
	return func(p *Processor) { p.pollInterval = d }
}

// WithMaxPollInterval caps the idle backoff.
func WithMaxPollInterval(d time.Duration) ProcessorOption {
	return func(p *Processor) { p.maxPollInterval = d }
}

// WithMaxAttempts sets how many failed deliveries park a message in the
// dead-letter store.
func WithMaxAttempts(n int) ProcessorOption {
	return func(p *Processor) { p.maxAttempts = n }
}

// WithConcurrency bounds how many partition groups dispatch at once.
func WithConcurrency(n int) ProcessorOption {
	return func(p *Processor) { p.concurrency = n }
}

// WithDeadLetters wires the store receiving exhausted messages and the
// queue name they are filed under. Without it, exhausted messages are
// dropped with an error log.
func WithDeadLetters(s deadletter.Store, queue string) ProcessorOption {
	return func(p *Processor) {
		p.dlq = s
		p.queue = queue
	}
}

// WithProcessorLogger sets the processor logger.
func WithProcessorLogger(l telemetry.Logger) ProcessorOption {
	return func(p *Processor) { p.logger = l }
}

// WithProcessorMetrics sets the processor metrics sink.
func WithProcessorMetrics(m telemetry.Metrics) ProcessorOption {
	return func(p *Processor) { p.metrics = m }
}

// NewProcessor returns a processor draining store through publish.
func NewProcessor(store Store, publish Publisher, opts ...ProcessorOption) (*Processor, error) {
	if store == nil {
		return nil, result.Configurationf("outbox processor requires a store")
	}
	if publish == nil {
		return nil, result.Configurationf("outbox processor requires a publisher")
	}
	p := &Processor{
		store:           store,
		publish:         publish,
		queue:           "outbox",
		batchSize:       64,
		pollInterval:    100 * time.Millisecond,
		maxPollInterval: 5 * time.Second,
		maxAttempts:     5,
		concurrency:     8,
		logger:          telemetry.NewNoopLogger(),
		metrics:         telemetry.NewNoopMetrics(),
	}
	for _, opt := range opts {
		opt(p)
	}
	if p.batchSize <= 0 || p.maxAttempts <= 0 || p.concurrency <= 0 {
		return nil, result.Configurationf(
			"outbox processor settings must be positive: batch %d, max attempts %d, concurrency %d",
			p.batchSize, p.maxAttempts, p.concurrency)
	}
	if p.pollInterval <= 0 {
		return nil, result.Configurationf("outbox poll interval must be positive, got %s", p.pollInterval)
	}
	if p.maxPollInterval < p.pollInterval {
		p.maxPollInterval = p.pollInterval
	}
	return p, nil
}

// Start launches the polling loop. It fails if the processor is already
// running.
func (p *Processor) Start(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.cancel != nil {
		return result.Conflictf("outbox processor already running")
	}
	runCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	p.cancel, p.done = cancel, done
	go func() {
		defer close(done)
		p.loop(runCtx)
	}()
	p.logger.Info(ctx, "outbox processor started",
		"poll_interval", p.pollInterval.String(), "batch_size", p.batchSize, "max_attempts", p.maxAttempts)
	return nil
}

// Stop halts the polling loop and waits for the in-flight cycle, bounded by
// ctx. Stopping an idle processor is a no-op.
func (p *Processor) Stop(ctx context.Context) error {
	p.mu.Lock()
	cancel, done := p.cancel, p.done
	p.cancel, p.done = nil, nil
	p.mu.Unlock()
	if cancel == nil {
		return nil
	}
	cancel()
	select {
	case <-done:
		p.logger.Info(ctx, "outbox processor stopped")
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (p *Processor) loop(ctx context.Context) {
	// BackOff values are stateful; the loop owns this one.
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = p.pollInterval
	bo.MaxInterval = p.maxPollInterval
	bo.MaxElapsedTime = 0
	bo.Reset()

	wait := p.pollInterval
	for {
		select {
		case <-ctx.Done():
			return
		case <-time.After(wait):
		}
		published, err := p.ProcessOnce(ctx)
		switch {
		case err != nil:
			if ctx.Err() != nil {
				return
			}
			p.logger.Error(ctx, "outbox cycle failed", "error", err.Error())
			wait = bo.NextBackOff()
		case published == 0:
			// Idle, or everything failing: ease off the store.
			wait = bo.NextBackOff()
		default:
			bo.Reset()
			wait = p.pollInterval
		}
	}
}

// ProcessOnce leases one batch and dispatches it, returning how many
// messages were published and acknowledged. Tests and drain loops call it
// directly to avoid timing on the poll interval.
func (p *Processor) ProcessOnce(ctx context.Context) (int, error) {
	batch, err := p.store.GetPending(ctx, p.batchSize)
	if err != nil {
		return 0, result.Wrapf(result.KindOf(err), err, "lease outbox batch")
	}
	if len(batch) == 0 {
		return 0, nil
	}
	return p.dispatchBatch(ctx, batch)
}

// Drain processes cycles until the outbox is empty. Failing messages churn
// their attempt budget and eventually dead-letter, so the drain terminates
// unless the store itself errors.
func (p *Processor) Drain(ctx context.Context) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		if _, err := p.ProcessOnce(ctx); err != nil {
			return err
		}
		pending, err := p.store.GetPending(ctx, 1)
		if err != nil {
			return err
		}
		if len(pending) == 0 {
			return nil
		}
	}
}

// dispatchBatch fans the batch out by partition key. Keys dispatch
// concurrently; messages within a key serially and in order.
func (p *Processor) dispatchBatch(ctx context.Context, batch []Message) (int, error) {
	groups := make(map[string][]Message)
	keys := make([]string, 0, len(batch))
	for _, m := range batch {
		k := m.PartitionKey
		if k == "" {
			// Unkeyed messages dispatch independently.
			k = "\x00" + m.ID
		}
		if _, ok := groups[k]; !ok {
			keys = append(keys, k)
		}
		groups[k] = append(groups[k], m)
	}

	var published atomic.Int32
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(p.concurrency)
	for _, k := range keys {
		msgs := groups[k]
		g.Go(func() error {
			for _, m := range msgs {
				if err := gctx.Err(); err != nil {
					return err
				}
				ok, proceed := p.dispatchOne(gctx, m)
				if ok {
					published.Add(1)
				}
				if !proceed {
					// Hold back the rest of this key until redelivery so
					// per-key order survives the failure.
					return nil
				}
			}
			return nil
		})
	}
	err := g.Wait()
	return int(published.Load()), err
}

// dispatchOne publishes a single message. published reports a successful
// delivery and ack; proceed reports whether later messages of the same
// partition key may dispatch in this cycle.
func (p *Processor) dispatchOne(ctx context.Context, m Message) (published, proceed bool) {
	err := p.publish(ctx, m)
	if err == nil {
		if ackErr := p.store.MarkAsProcessed(ctx, m.ID); ackErr != nil {
			// The transport has the message but the ack is lost, so it
			// will redeliver. Receivers dedupe by message id.
			p.logger.Error(ctx, "outbox ack failed",
				"message_id", m.ID, "type", m.Type, "error", ackErr.Error())
			return false, false
		}
		p.metrics.IncCounter(telemetry.MetricOutboxDispatched, 1, "type", m.Type, "outcome", "ok")
		return true, true
	}
	if ctx.Err() != nil {
		return false, false
	}

	attempts, incErr := p.store.IncrementAttempts(ctx, m.ID)
	if incErr != nil {
		p.logger.Error(ctx, "outbox attempt tracking failed",
			"message_id", m.ID, "error", incErr.Error())
		return false, false
	}
	if attempts >= p.maxAttempts {
		return false, p.deadLetter(ctx, m, attempts, err)
	}
	p.metrics.IncCounter(telemetry.MetricOutboxDispatched, 1, "type", m.Type, "outcome", "failed")
	p.logger.Warn(ctx, "outbox dispatch failed; message redelivers",
		"message_id", m.ID, "type", m.Type, "attempts", attempts, "error", err.Error())
	return false, false
}

// deadLetter moves an exhausted message out of the outbox. It reports
// whether the poison row is gone and its partition key may proceed.
func (p *Processor) deadLetter(ctx context.Context, m Message, attempts int, cause error) bool {
	if p.dlq == nil {
		p.logger.Error(ctx, "outbox message exhausted attempts with no dead-letter store; dropping",
			"message_id", m.ID, "type", m.Type, "attempts", attempts, "error", cause.Error())
	} else {
		letter := deadletter.DeadLetter{
			MessageID:   m.ID,
			OriginQueue: p.queue,
			Payload:     m.Payload,
			Reason:      cause.Error(),
			FailedAt:    time.Now().UTC(),
			RetryCount:  attempts,
			Headers: map[string]string{
				"type":          m.Type,
				"partition_key": m.PartitionKey,
			},
		}
		if err := p.dlq.Add(ctx, letter); err != nil {
			// Keep the row pending: double delivery beats losing it.
			p.logger.Error(ctx, "dead-letter hand-off failed",
				"message_id", m.ID, "error", err.Error())
			return false
		}
	}
	if err := p.store.MarkAsProcessed(ctx, m.ID); err != nil {
		p.logger.Error(ctx, "outbox ack after dead-letter failed",
			"message_id", m.ID, "error", err.Error())
		return false
	}
	p.metrics.IncCounter(telemetry.MetricOutboxDeadLettered, 1, "type", m.Type)
	p.logger.Error(ctx, "outbox message dead-lettered",
		"message_id", m.ID, "type", m.Type, "attempts", attempts, "error", cause.Error())
	return true
}
