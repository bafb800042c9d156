package feed

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/twmb/franz-go/pkg/kgo"

	"idvault/internal/platform/metrics"
	"idvault/internal/vault"
)

// Handler processes one change event. Returning an error rewinds the
// partition to the failed event so it is redelivered.
type Handler interface {
	Handle(ctx context.Context, ev vault.ChangeEvent) error
}

// HandlerFunc adapts a function to the Handler interface.
type HandlerFunc func(ctx context.Context, ev vault.ChangeEvent) error

func (f HandlerFunc) Handle(ctx context.Context, ev vault.ChangeEvent) error { return f(ctx, ev) }

// Consumer drives a Kafka group consumer and dispatches change events to a
// handler. Offsets commit only after the handler returns, so delivery is
// at-least-once and in partition (per identity key) order.
type Consumer struct {
	client  *kgo.Client
	handler Handler
	logger  *slog.Logger
	metrics *metrics.Metrics
}

// NewConsumer constructs a feed consumer.
func NewConsumer(client *kgo.Client, handler Handler, logger *slog.Logger, m *metrics.Metrics) *Consumer {
	return &Consumer{client: client, handler: handler, logger: logger, metrics: m}
}

// Run polls and dispatches until ctx is cancelled.
func (c *Consumer) Run(ctx context.Context) error {
	for {
		fetches := c.client.PollFetches(ctx)
		if fetches.IsClientClosed() {
			return nil
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		fetches.EachError(func(topic string, partition int32, err error) {
			c.metrics.ChangeFeedErrors.Inc()
			c.logger.ErrorContext(ctx, "feed fetch error",
				"topic", topic,
				"partition", partition,
				"error", err,
			)
		})

		var handleErr error
		rewind := make(map[string]map[int32]kgo.EpochOffset)
		fetches.EachPartition(func(p kgo.FetchTopicPartition) {
			for _, record := range p.Records {
				if handleErr != nil {
					markRewind(rewind, record)
					return
				}
				if err := c.dispatch(ctx, record); err != nil {
					handleErr = err
					markRewind(rewind, record)
					return
				}
			}
		})
		if handleErr != nil {
			// Polling has already advanced the client past the failed records,
			// so skipping the commit alone is not enough: the next successful
			// commit would cover their offsets and lose the events. Rewind each
			// affected partition to its first unhandled record so the next poll
			// refetches it. Handlers tolerate re-application.
			c.client.SetOffsets(rewind)
			c.metrics.ChangeFeedErrors.Inc()
			c.logger.ErrorContext(ctx, "change event handling failed, rewinding", "error", handleErr)
			continue
		}

		if err := c.client.CommitUncommittedOffsets(ctx); err != nil {
			c.metrics.ChangeFeedErrors.Inc()
			c.logger.ErrorContext(ctx, "offset commit failed", "error", err)
		}
	}
}

// markRewind records the earliest unhandled offset per partition. Later
// records of the same partition arrive in order, so the first mark wins.
func markRewind(rewind map[string]map[int32]kgo.EpochOffset, record *kgo.Record) {
	parts := rewind[record.Topic]
	if parts == nil {
		parts = make(map[int32]kgo.EpochOffset)
		rewind[record.Topic] = parts
	}
	if _, ok := parts[record.Partition]; !ok {
		parts[record.Partition] = kgo.EpochOffset{Epoch: record.LeaderEpoch, Offset: record.Offset}
	}
}

func (c *Consumer) dispatch(ctx context.Context, record *kgo.Record) error {
	var ev vault.ChangeEvent
	if err := json.Unmarshal(record.Value, &ev); err != nil {
		// Poison messages are logged and skipped; redelivering them forever
		// would wedge the partition.
		c.logger.ErrorContext(ctx, "undecodable change event, skipping",
			"key", string(record.Key),
			"error", err,
		)
		return nil
	}
	if err := c.handler.Handle(ctx, ev); err != nil {
		return fmt.Errorf("handle change event %s/%d: %w", ev.IdentityKey, ev.Sequence, err)
	}
	return nil
}
