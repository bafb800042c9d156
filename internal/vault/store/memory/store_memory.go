// Package memory holds the in-memory vault store used by unit tests and
// local development. It favors clarity over performance.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"idvault/internal/profile/models"
	"idvault/internal/vault"
	"idvault/pkg/platform/sentinel"
)

// Store keeps records in a map guarded by a mutex and emits change events on
// an in-process feed channel.
type Store struct {
	mu      sync.RWMutex
	records map[string]vault.Record
	feed    chan vault.ChangeEvent
}

// New creates an empty in-memory store.
func New() *Store {
	return &Store{
		records: make(map[string]vault.Record),
		feed:    make(chan vault.ChangeEvent, 256),
	}
}

// Feed exposes the in-process change feed. Events are emitted in write order
// per identity key.
func (s *Store) Feed() <-chan vault.ChangeEvent {
	return s.feed
}

func (s *Store) Get(_ context.Context, identityKey string) (vault.Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.records[identityKey]
	if !ok {
		return vault.Record{}, sentinel.ErrNotFound
	}
	return rec, nil
}

func (s *Store) ConditionalPut(_ context.Context, rec vault.Record, expectedPrior uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	existing, exists := s.records[rec.IdentityKey]
	if expectedPrior == 0 {
		if exists {
			return sentinel.ErrConflict
		}
	} else {
		if !exists || existing.Sequence != expectedPrior {
			return sentinel.ErrConflict
		}
	}

	if rec.UpdatedAt.IsZero() {
		rec.UpdatedAt = time.Now()
	}
	s.records[rec.IdentityKey] = rec

	event := vault.ChangeEvent{
		IdentityKey: rec.IdentityKey,
		Sequence:    rec.Sequence,
		New:         rec.Profile,
	}
	if exists {
		old := existing.Profile
		event.Old = &old
	}
	// The in-process feed is best effort; durable at-least-once delivery is
	// the outbox relay's job in the Postgres store.
	select {
	case s.feed <- event:
	default:
	}
	return nil
}

func (s *Store) FindBySecondaryKey(_ context.Context, kind models.SecondaryKind, value string) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for key, rec := range s.records {
		if rec.Profile.SecondaryKeys()[kind] == value {
			return key, nil
		}
	}
	return "", sentinel.ErrNotFound
}

func (s *Store) ScanBySequence(_ context.Context, fromSeq uint64, limit int) ([]vault.Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []vault.Record
	for _, rec := range s.records {
		if rec.Sequence >= fromSeq {
			out = append(out, rec)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Sequence < out[j].Sequence })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}
