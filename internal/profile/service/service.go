// Package service implements the merge engine: it resolves the target
// identity, derives the lifecycle condition, verifies every submitted
// attribute, and commits the next profile version with an optimistic
// conditional write.
package service

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"idvault/internal/platform/metrics"
	"idvault/internal/profile/models"
	"idvault/internal/profile/rules"
	"idvault/internal/vault"
	dErrors "idvault/pkg/domain-errors"
	"idvault/pkg/platform/sentinel"
)

// Verifier is the per-attribute verification engine.
type Verifier interface {
	VerifyAttribute(ctx context.Context, path string, attr models.Attribute, cond rules.Condition) error
}

// MergeResult reports the outcome of an accepted merge.
type MergeResult struct {
	Condition      rules.Condition `json:"condition"`
	SequenceNumber uint64          `json:"sequence_number"`
}

// Service is the merge engine.
type Service struct {
	store    vault.Store
	verifier Verifier
	logger   *slog.Logger
	metrics  *metrics.Metrics

	maxAttempts  int
	writeTimeout time.Duration
}

// Option configures the Service.
type Option func(*Service)

// WithLogger sets a logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Service) { s.logger = logger }
}

// WithMetrics sets the metrics collector.
func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Service) { s.metrics = m }
}

// WithMaxAttempts bounds the optimistic concurrency retry loop.
func WithMaxAttempts(n int) Option {
	return func(s *Service) {
		if n > 0 {
			s.maxAttempts = n
		}
	}
}

// WithWriteTimeout bounds each conditional write; expiry surfaces as
// storage unavailability, which is safe for the caller to retry.
func WithWriteTimeout(d time.Duration) Option {
	return func(s *Service) {
		if d > 0 {
			s.writeTimeout = d
		}
	}
}

// New constructs the merge engine.
func New(store vault.Store, verifier Verifier, opts ...Option) *Service {
	s := &Service{
		store:        store,
		verifier:     verifier,
		logger:       slog.Default(),
		maxAttempts:  3,
		writeTimeout: 5 * time.Second,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Merge applies a partial signed profile to the canonical record.
//
// The whole submission is atomic: one rejected attribute, or an identity
// mismatch, fails the request and leaves the stored record untouched.
// Conflicting concurrent writers are retried internally up to the attempt
// bound; the conditional write is the commit point.
func (s *Service) Merge(ctx context.Context, identityHint string, incoming models.Profile) (MergeResult, error) {
	start := time.Now()

	identityKey := identityHint
	if identityKey == "" {
		identityKey = incoming.IdentityKey()
	}
	if identityKey == "" {
		return MergeResult{}, s.reject("missing_identity",
			dErrors.New(dErrors.CodeValidation, "no identity key in hint or profile"))
	}

	var lastErr error
	for attempt := 0; attempt < s.maxAttempts; attempt++ {
		result, err := s.mergeOnce(ctx, identityKey, incoming)
		if err == nil {
			if s.metrics != nil {
				s.metrics.MergesTotal.WithLabelValues(string(result.Condition)).Inc()
				s.metrics.MergeDuration.Observe(time.Since(start).Seconds())
			}
			return result, nil
		}
		if !errors.Is(err, sentinel.ErrConflict) {
			return MergeResult{}, err
		}
		lastErr = err
		if s.metrics != nil {
			s.metrics.MergeConflictsTotal.Inc()
		}
		s.logger.DebugContext(ctx, "conditional write lost race, retrying",
			"identity_key", identityKey,
			"attempt", attempt+1,
		)
	}

	return MergeResult{}, dErrors.Wrap(lastErr, dErrors.CodeConflict,
		"merge conflicted with concurrent writers")
}

func (s *Service) mergeOnce(ctx context.Context, identityKey string, incoming models.Profile) (MergeResult, error) {
	// Single storage read; everything until the conditional write races
	// against concurrent writers and is guarded by the sequence number.
	stored, err := s.store.Get(ctx, identityKey)
	condition := rules.ConditionUpdate
	switch {
	case errors.Is(err, sentinel.ErrNotFound):
		condition = rules.ConditionCreate
	case errors.Is(err, sentinel.ErrUnavailable):
		return MergeResult{}, dErrors.Wrap(err, dErrors.CodeUnavailable, "vault storage unavailable")
	case err != nil:
		return MergeResult{}, dErrors.Wrap(err, dErrors.CodeInternal, "vault read failed")
	}

	// Identity is immutable once a record exists. The declared identity in
	// the submission must match the stored one; the secondary-key indices
	// are never consulted for this check.
	if condition == rules.ConditionUpdate {
		if declared := incoming.IdentityKey(); declared != "" && declared != stored.IdentityKey {
			return MergeResult{}, s.reject("identity_mismatch",
				dErrors.Newf(dErrors.CodeValidation,
					"declared identity %q does not match stored identity", declared))
		}
	}

	// All submitted attributes must verify, or nothing changes. At least one
	// attribute must be set under either condition: an all-null create would
	// otherwise mint a versioned record with zero verified content.
	paths := incoming.SetAttributes()
	if len(paths) == 0 {
		return MergeResult{}, s.reject("empty_submission",
			dErrors.New(dErrors.CodeValidation, "submission contains no set attributes"))
	}
	for _, path := range paths {
		attr, _ := incoming.Lookup(path)
		if err := s.verifier.VerifyAttribute(ctx, path, attr, condition); err != nil {
			return MergeResult{}, s.reject("verification_failed",
				dErrors.Wrap(err, dErrors.CodeValidation, "attribute verification failed"))
		}
	}

	next, seq := s.buildCandidate(stored, incoming, condition, paths)

	writeCtx, cancel := context.WithTimeout(ctx, s.writeTimeout)
	defer cancel()

	expectedPrior := uint64(0)
	if condition == rules.ConditionUpdate {
		expectedPrior = stored.Sequence
	}
	err = s.store.ConditionalPut(writeCtx, vault.Record{
		IdentityKey: identityKey,
		Sequence:    seq,
		Profile:     next,
	}, expectedPrior)
	switch {
	case err == nil:
		return MergeResult{Condition: condition, SequenceNumber: seq}, nil
	case errors.Is(err, sentinel.ErrConflict):
		return MergeResult{}, err
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, sentinel.ErrUnavailable):
		// The write is conditional, so retrying with a freshly read prior
		// sequence number cannot double-apply.
		return MergeResult{}, dErrors.Wrap(err, dErrors.CodeUnavailable, "vault write timed out")
	default:
		return MergeResult{}, dErrors.Wrap(err, dErrors.CodeInternal, "vault write failed")
	}
}

// buildCandidate overlays each accepted attribute onto the stored profile
// (an empty skeleton on create) by full replacement, leaving everything
// else untouched.
func (s *Service) buildCandidate(stored vault.Record, incoming models.Profile, condition rules.Condition, paths []string) (models.Profile, uint64) {
	var next models.Profile
	seq := vault.InitialSequence
	if condition == rules.ConditionUpdate {
		next = stored.Profile.Clone()
		seq = stored.Sequence + 1
	}

	if incoming.Schema != "" {
		next.Schema = incoming.Schema
	}

	now := time.Now().UTC()
	for _, path := range paths {
		attr, _ := incoming.Lookup(path)
		if prior, ok := next.Lookup(path); ok && !prior.Metadata.Created.IsZero() {
			attr.Metadata.Created = prior.Metadata.Created
		} else if attr.Metadata.Created.IsZero() {
			attr.Metadata.Created = now
		}
		attr.Metadata.LastModified = now
		next.Overlay(path, attr)
	}
	return next, seq
}

func (s *Service) reject(reason string, err error) error {
	if s.metrics != nil {
		s.metrics.MergeRejectionsTotal.WithLabelValues(reason).Inc()
	}
	return err
}

// ResolveIdentityHint resolves a secondary-key lookup (email, username or
// UUID) into an identity key. The result is advisory: merge re-reads the
// primary record and performs the immutability check against it alone.
func (s *Service) ResolveIdentityHint(ctx context.Context, kind models.SecondaryKind, value string) (string, error) {
	key, err := s.store.FindBySecondaryKey(ctx, kind, value)
	if errors.Is(err, sentinel.ErrNotFound) {
		return "", dErrors.Newf(dErrors.CodeNotFound, "no record for %s %q", kind, value)
	}
	if err != nil {
		return "", dErrors.Wrap(err, dErrors.CodeUnavailable, "secondary key lookup failed")
	}
	return key, nil
}

// GetRecord loads the canonical record for an identity key.
func (s *Service) GetRecord(ctx context.Context, identityKey string) (vault.Record, error) {
	rec, err := s.store.Get(ctx, identityKey)
	if errors.Is(err, sentinel.ErrNotFound) {
		return vault.Record{}, dErrors.Newf(dErrors.CodeNotFound, "no record for identity %q", identityKey)
	}
	if err != nil {
		return vault.Record{}, dErrors.Wrap(err, dErrors.CodeUnavailable, "vault read failed")
	}
	return rec, nil
}

// ListIdentityKeys enumerates stored identity keys in sequence order, for
// peer hubs and downstream targets that filter known identities. fromSeq is
// the lowest sequence number included, so callers page through the full
// vault in limit-sized chunks.
func (s *Service) ListIdentityKeys(ctx context.Context, fromSeq uint64, limit int) ([]string, error) {
	records, err := s.store.ScanBySequence(ctx, fromSeq, limit)
	if err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeUnavailable, "vault scan failed")
	}
	keys := make([]string, 0, len(records))
	for _, rec := range records {
		keys = append(keys, rec.IdentityKey)
	}
	return keys, nil
}
