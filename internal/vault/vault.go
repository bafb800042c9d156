// Package vault defines the durable keyed store of profiles, its lookup
// indices and its change notification feed.
package vault

import (
	"context"
	"time"

	"idvault/internal/profile/models"
)

// InitialSequence is the sequence number assigned on the first successful
// create-condition merge.
const InitialSequence uint64 = 1

// Record is the persisted profile plus its monotonically increasing
// sequence number, keyed by the immutable identity key.
type Record struct {
	IdentityKey string         `json:"identity_key"`
	Sequence    uint64         `json:"sequence_number"`
	Profile     models.Profile `json:"profile"`
	UpdatedAt   time.Time      `json:"updated_at"`
}

// ChangeEvent is emitted exactly once per successful write and delivered
// at-least-once to subscribers.
type ChangeEvent struct {
	IdentityKey string          `json:"identity_key"`
	Sequence    uint64          `json:"sequence_number"`
	Old         *models.Profile `json:"old_profile,omitempty"`
	New         models.Profile  `json:"new_profile"`
}

// Store is the vault storage contract. Secondary-key lookups are advisory:
// index projections may lag the primary record, so they resolve identity
// hints but never back the identity-immutability check.
type Store interface {
	// Get returns the record for an identity key, or sentinel.ErrNotFound.
	Get(ctx context.Context, identityKey string) (Record, error)

	// ConditionalPut writes the record only if the stored sequence still
	// equals expectedPrior (0 means the record must not exist yet).
	// A lost race returns sentinel.ErrConflict.
	ConditionalPut(ctx context.Context, rec Record, expectedPrior uint64) error

	// FindBySecondaryKey resolves an identity key from a lookup index.
	FindBySecondaryKey(ctx context.Context, kind models.SecondaryKind, value string) (string, error)

	// ScanBySequence returns records ordered by sequence number, for
	// administrative scans and identity enumeration.
	ScanBySequence(ctx context.Context, fromSeq uint64, limit int) ([]Record, error)
}
