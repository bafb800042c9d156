// Package feed relays change events from the vault to downstream consumers.
// The relay drains the transactional outbox into Kafka; the consumer hands
// feed messages to handlers with at-least-once semantics.
package feed

import (
	"context"
	"log/slog"
	"time"

	"github.com/twmb/franz-go/pkg/kgo"

	"idvault/internal/platform/metrics"
	"idvault/internal/vault/store/postgres"
)

// Relay polls the outbox and produces pending change events to the feed
// topic, keyed by identity key so per-key write order survives partitioning.
type Relay struct {
	store    *postgres.Store
	producer *kgo.Client
	topic    string
	logger   *slog.Logger
	metrics  *metrics.Metrics

	interval  time.Duration
	batchSize int
}

// RelayOption configures the relay.
type RelayOption func(*Relay)

// WithInterval overrides the poll interval.
func WithInterval(d time.Duration) RelayOption {
	return func(r *Relay) { r.interval = d }
}

// WithBatchSize overrides how many rows are drained per poll.
func WithBatchSize(n int) RelayOption {
	return func(r *Relay) { r.batchSize = n }
}

// NewRelay constructs an outbox relay.
func NewRelay(store *postgres.Store, producer *kgo.Client, topic string, logger *slog.Logger, m *metrics.Metrics, opts ...RelayOption) *Relay {
	r := &Relay{
		store:     store,
		producer:  producer,
		topic:     topic,
		logger:    logger,
		metrics:   m,
		interval:  time.Second,
		batchSize: 100,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Run drains the outbox until ctx is cancelled. Rows are only marked
// published after the produce succeeds, so a crash between produce and mark
// re-delivers: at-least-once, never lost.
func (r *Relay) Run(ctx context.Context) error {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := r.drainOnce(ctx); err != nil {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				r.metrics.ChangeFeedErrors.Inc()
				r.logger.ErrorContext(ctx, "outbox drain failed", "error", err)
			}
		}
	}
}

func (r *Relay) drainOnce(ctx context.Context) error {
	rows, err := r.store.FetchUnpublished(ctx, r.batchSize)
	if err != nil {
		return err
	}
	if len(rows) == 0 {
		return nil
	}

	records := make([]*kgo.Record, 0, len(rows))
	for _, row := range rows {
		records = append(records, &kgo.Record{
			Topic: r.topic,
			Key:   []byte(row.IdentityKey),
			Value: row.Payload,
		})
	}

	if err := r.producer.ProduceSync(ctx, records...).FirstErr(); err != nil {
		return err
	}

	positions := make([]int64, 0, len(rows))
	for _, row := range rows {
		positions = append(positions, row.Position)
	}
	if err := r.store.MarkPublished(ctx, positions); err != nil {
		return err
	}

	r.metrics.ChangeEventsPublished.Add(float64(len(rows)))
	r.logger.DebugContext(ctx, "relayed change events", "count", len(rows))
	return nil
}
