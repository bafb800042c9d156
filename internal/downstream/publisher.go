package downstream

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"idvault/internal/platform/metrics"
	"idvault/internal/profile/models"
	"idvault/internal/vault"
	"idvault/pkg/platform/circuit"
)

// SequenceCache remembers the last sequence number applied at the target per
// identity key, so redelivered change events are skipped cheaply. A cache
// miss is never an error; it only costs one redundant idempotent upsert.
type SequenceCache interface {
	LastPublished(ctx context.Context, identityKey string) (uint64, bool, error)
	SetLastPublished(ctx context.Context, identityKey string, seq uint64) error
}

// Publisher consumes change events and pushes profiles to one target with
// bounded retry. It satisfies feed.Handler.
type Publisher struct {
	name    string
	client  *Client
	cache   SequenceCache
	breaker *circuit.Breaker
	logger  *slog.Logger
	metrics *metrics.Metrics

	maxAttempts int
	backoff     time.Duration
}

// PublisherOption configures the Publisher.
type PublisherOption func(*Publisher)

// WithSequenceCache installs a published-sequence cache.
func WithSequenceCache(cache SequenceCache) PublisherOption {
	return func(p *Publisher) { p.cache = cache }
}

// WithMetrics sets the metrics collector.
func WithMetrics(m *metrics.Metrics) PublisherOption {
	return func(p *Publisher) { p.metrics = m }
}

// WithRetry overrides the retry bound and base backoff.
func WithRetry(maxAttempts int, backoff time.Duration) PublisherOption {
	return func(p *Publisher) {
		if maxAttempts > 0 {
			p.maxAttempts = maxAttempts
		}
		if backoff > 0 {
			p.backoff = backoff
		}
	}
}

// NewPublisher constructs a publisher for one named target.
func NewPublisher(name string, client *Client, logger *slog.Logger, opts ...PublisherOption) *Publisher {
	p := &Publisher{
		name:        name,
		client:      client,
		breaker:     circuit.New(name, circuit.WithFailureThreshold(5), circuit.WithSuccessThreshold(2)),
		logger:      logger,
		maxAttempts: 5,
		backoff:     500 * time.Millisecond,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// FilterKnown returns the subset of identityKeys already present at the
// target, using one enumeration call for the whole batch.
func (p *Publisher) FilterKnown(ctx context.Context, identityKeys []string) (map[string]struct{}, error) {
	known, err := p.client.KnownIdentities(ctx)
	if err != nil {
		return nil, fmt.Errorf("filter known identities: %w", err)
	}
	knownSet := make(map[string]struct{}, len(known))
	for _, k := range known {
		knownSet[k] = struct{}{}
	}
	out := make(map[string]struct{})
	for _, k := range identityKeys {
		if _, ok := knownSet[k]; ok {
			out[k] = struct{}{}
		}
	}
	return out, nil
}

// Publish pushes one profile with exponential backoff. Transient failures
// are retried up to the attempt bound; permanent rejections are surfaced
// immediately.
func (p *Publisher) Publish(ctx context.Context, profile models.Profile) error {
	var lastErr error
	backoff := p.backoff
	for attempt := 0; attempt < p.maxAttempts; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(backoff):
			}
			backoff *= 2
		}

		if p.metrics != nil {
			p.metrics.DownstreamAttempts.Inc()
		}
		err := p.client.Upsert(ctx, profile)
		if err == nil {
			p.breaker.RecordSuccess()
			return nil
		}
		p.breaker.RecordFailure()

		if errors.Is(err, ErrPermanent) {
			if p.metrics != nil {
				p.metrics.DownstreamFailures.WithLabelValues("permanent").Inc()
			}
			p.logger.ErrorContext(ctx, "downstream rejected profile",
				"target", p.name,
				"identity_key", profile.IdentityKey(),
				"error", err,
			)
			return err
		}

		if p.metrics != nil {
			p.metrics.DownstreamFailures.WithLabelValues("transient").Inc()
		}
		lastErr = err
	}
	return fmt.Errorf("publish to %s exhausted %d attempts: %w", p.name, p.maxAttempts, lastErr)
}

// Handle implements the change feed contract: skip events the target has
// already applied, then push the new profile. Errors propagate so the feed
// redelivers.
func (p *Publisher) Handle(ctx context.Context, ev vault.ChangeEvent) error {
	if p.cache != nil {
		last, ok, err := p.cache.LastPublished(ctx, ev.IdentityKey)
		if err != nil {
			p.logger.WarnContext(ctx, "sequence cache read failed, publishing anyway",
				"target", p.name,
				"identity_key", ev.IdentityKey,
				"error", err,
			)
		} else if ok && last >= ev.Sequence {
			if p.metrics != nil {
				p.metrics.DownstreamSkipped.Inc()
			}
			return nil
		}
	}

	if p.breaker.IsOpen() {
		// Back off the whole partition instead of hammering an unhealthy
		// target; redelivery will retry once the breaker closes.
		return fmt.Errorf("target %s circuit open: %w", p.name, ErrTransient)
	}

	if err := p.Publish(ctx, ev.New); err != nil {
		if errors.Is(err, ErrPermanent) {
			// Redelivering a permanently rejected profile would wedge the
			// partition. It is logged above; record the sequence and move on.
			p.recordPublished(ctx, ev)
			return nil
		}
		return err
	}

	p.recordPublished(ctx, ev)
	return nil
}

func (p *Publisher) recordPublished(ctx context.Context, ev vault.ChangeEvent) {
	if p.cache == nil {
		return
	}
	if err := p.cache.SetLastPublished(ctx, ev.IdentityKey, ev.Sequence); err != nil {
		p.logger.WarnContext(ctx, "sequence cache write failed",
			"target", p.name,
			"identity_key", ev.IdentityKey,
			"error", err,
		)
	}
}
