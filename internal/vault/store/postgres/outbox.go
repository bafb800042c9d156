package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/lib/pq"

	"idvault/internal/vault"
)

// OutboxRow is one pending change event awaiting relay to the feed.
type OutboxRow struct {
	Position    int64
	IdentityKey string
	Sequence    uint64
	Payload     []byte
}

// FetchUnpublished returns pending outbox rows in write order.
func (s *Store) FetchUnpublished(ctx context.Context, limit int) ([]OutboxRow, error) {
	const query = `
		SELECT position, identity_key, sequence_number, payload
		FROM vault_outbox
		WHERE published_at IS NULL
		ORDER BY position
		LIMIT $1
	`
	rows, err := s.db.QueryContext(ctx, query, limit)
	if err != nil {
		return nil, wrapUnavailable("fetch outbox", err)
	}
	defer rows.Close()

	var out []OutboxRow
	for rows.Next() {
		var row OutboxRow
		if err := rows.Scan(&row.Position, &row.IdentityKey, &row.Sequence, &row.Payload); err != nil {
			return nil, wrapUnavailable("scan outbox row", err)
		}
		out = append(out, row)
	}
	return out, rows.Err()
}

// MarkPublished stamps outbox rows as delivered to the feed. Re-marking an
// already published row is harmless, which keeps the relay safe to retry.
func (s *Store) MarkPublished(ctx context.Context, positions []int64) error {
	if len(positions) == 0 {
		return nil
	}
	_, err := s.db.ExecContext(ctx,
		`UPDATE vault_outbox SET published_at = $1 WHERE position = ANY($2)`,
		time.Now(), pq.Array(positions),
	)
	if err != nil {
		return wrapUnavailable("mark outbox published", err)
	}
	return nil
}

// DecodeEvent decodes one outbox row into its change event; used by tests
// and administrative inspection.
func DecodeEvent(row OutboxRow) (vault.ChangeEvent, error) {
	var ev vault.ChangeEvent
	if err := json.Unmarshal(row.Payload, &ev); err != nil {
		return vault.ChangeEvent{}, fmt.Errorf("decode outbox payload: %w", err)
	}
	return ev, nil
}
