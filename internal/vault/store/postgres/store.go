// Package postgres persists vault records in PostgreSQL with secondary key
// projections and a transactional outbox for change events. The outbox row
// is written in the same transaction as the record, so every successful
// write produces exactly one change event; the relay delivers it
// at-least-once.
package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"idvault/internal/profile/models"
	"idvault/internal/vault"
	"idvault/pkg/platform/sentinel"
)

// Store is the PostgreSQL-backed vault store.
type Store struct {
	db *sql.DB
}

// New constructs a store over an open database handle.
func New(db *sql.DB) *Store {
	return &Store{db: db}
}

// EnsureSchema provisions the vault tables and indices. Creating a store
// that already exists is a no-op; this is the find-or-create contract.
func (s *Store) EnsureSchema(ctx context.Context) error {
	const schema = `
CREATE TABLE IF NOT EXISTS vault_records (
	identity_key     TEXT PRIMARY KEY,
	sequence_number  BIGINT NOT NULL,
	profile          JSONB NOT NULL,
	primary_email    TEXT,
	primary_username TEXT,
	user_uuid        TEXT,
	updated_at       TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS vault_records_sequence_idx ON vault_records (sequence_number);
CREATE INDEX IF NOT EXISTS vault_records_primary_email_idx ON vault_records (primary_email, identity_key);
CREATE INDEX IF NOT EXISTS vault_records_primary_username_idx ON vault_records (primary_username, identity_key);
CREATE INDEX IF NOT EXISTS vault_records_user_uuid_idx ON vault_records (user_uuid, identity_key);

CREATE TABLE IF NOT EXISTS vault_outbox (
	position      BIGSERIAL PRIMARY KEY,
	id            UUID NOT NULL,
	identity_key  TEXT NOT NULL,
	sequence_number BIGINT NOT NULL,
	payload       JSONB NOT NULL,
	created_at    TIMESTAMPTZ NOT NULL DEFAULT now(),
	published_at  TIMESTAMPTZ
);
CREATE INDEX IF NOT EXISTS vault_outbox_unpublished_idx ON vault_outbox (position) WHERE published_at IS NULL;
`
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("ensure vault schema: %w", err)
	}
	return nil
}

func (s *Store) Get(ctx context.Context, identityKey string) (vault.Record, error) {
	const query = `
		SELECT sequence_number, profile, updated_at
		FROM vault_records
		WHERE identity_key = $1
	`
	var (
		rec     = vault.Record{IdentityKey: identityKey}
		rawProf []byte
	)
	err := s.db.QueryRowContext(ctx, query, identityKey).Scan(&rec.Sequence, &rawProf, &rec.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return vault.Record{}, sentinel.ErrNotFound
	}
	if err != nil {
		return vault.Record{}, wrapUnavailable("get vault record", err)
	}
	if err := json.Unmarshal(rawProf, &rec.Profile); err != nil {
		return vault.Record{}, fmt.Errorf("decode stored profile %q: %w", identityKey, err)
	}
	return rec, nil
}

func (s *Store) ConditionalPut(ctx context.Context, rec vault.Record, expectedPrior uint64) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return wrapUnavailable("begin vault write", err)
	}
	defer tx.Rollback() //nolint:errcheck

	// Lock the current row (if any) so the old image in the change event is
	// consistent with the guard check.
	var oldProfile *models.Profile
	var currentSeq uint64
	var rawOld []byte
	err = tx.QueryRowContext(ctx,
		`SELECT sequence_number, profile FROM vault_records WHERE identity_key = $1 FOR UPDATE`,
		rec.IdentityKey,
	).Scan(&currentSeq, &rawOld)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		if expectedPrior != 0 {
			return sentinel.ErrConflict
		}
	case err != nil:
		return wrapUnavailable("read vault record", err)
	default:
		if currentSeq != expectedPrior {
			return sentinel.ErrConflict
		}
		var prof models.Profile
		if err := json.Unmarshal(rawOld, &prof); err != nil {
			return fmt.Errorf("decode stored profile %q: %w", rec.IdentityKey, err)
		}
		oldProfile = &prof
	}

	rawProf, err := json.Marshal(rec.Profile)
	if err != nil {
		return fmt.Errorf("encode profile %q: %w", rec.IdentityKey, err)
	}
	if rec.UpdatedAt.IsZero() {
		rec.UpdatedAt = time.Now()
	}
	secondary := rec.Profile.SecondaryKeys()

	const upsert = `
		INSERT INTO vault_records (identity_key, sequence_number, profile, primary_email, primary_username, user_uuid, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (identity_key) DO UPDATE SET
			sequence_number = EXCLUDED.sequence_number,
			profile = EXCLUDED.profile,
			primary_email = EXCLUDED.primary_email,
			primary_username = EXCLUDED.primary_username,
			user_uuid = EXCLUDED.user_uuid,
			updated_at = EXCLUDED.updated_at
	`
	_, err = tx.ExecContext(ctx, upsert,
		rec.IdentityKey,
		int64(rec.Sequence),
		rawProf,
		nullString(secondary[models.SecondaryEmail]),
		nullString(secondary[models.SecondaryUsername]),
		nullString(secondary[models.SecondaryUUID]),
		rec.UpdatedAt,
	)
	if err != nil {
		// A concurrent create slipping past the FOR UPDATE gap surfaces as a
		// unique violation; report it as the CAS conflict it is.
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code.Name() == "unique_violation" {
			return sentinel.ErrConflict
		}
		return wrapUnavailable("write vault record", err)
	}

	event := vault.ChangeEvent{
		IdentityKey: rec.IdentityKey,
		Sequence:    rec.Sequence,
		Old:         oldProfile,
		New:         rec.Profile,
	}
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("encode change event %q: %w", rec.IdentityKey, err)
	}
	_, err = tx.ExecContext(ctx,
		`INSERT INTO vault_outbox (id, identity_key, sequence_number, payload) VALUES ($1, $2, $3, $4)`,
		uuid.New(), rec.IdentityKey, int64(rec.Sequence), payload,
	)
	if err != nil {
		return wrapUnavailable("write change event", err)
	}

	if err := tx.Commit(); err != nil {
		return wrapUnavailable("commit vault write", err)
	}
	return nil
}

func (s *Store) FindBySecondaryKey(ctx context.Context, kind models.SecondaryKind, value string) (string, error) {
	var column string
	switch kind {
	case models.SecondaryEmail:
		column = "primary_email"
	case models.SecondaryUsername:
		column = "primary_username"
	case models.SecondaryUUID:
		column = "user_uuid"
	default:
		return "", fmt.Errorf("unknown secondary key kind %q", kind)
	}

	var identityKey string
	query := fmt.Sprintf(`SELECT identity_key FROM vault_records WHERE %s = $1 ORDER BY identity_key LIMIT 1`, column)
	err := s.db.QueryRowContext(ctx, query, value).Scan(&identityKey)
	if errors.Is(err, sql.ErrNoRows) {
		return "", sentinel.ErrNotFound
	}
	if err != nil {
		return "", wrapUnavailable("secondary key lookup", err)
	}
	return identityKey, nil
}

func (s *Store) ScanBySequence(ctx context.Context, fromSeq uint64, limit int) ([]vault.Record, error) {
	const query = `
		SELECT identity_key, sequence_number, profile, updated_at
		FROM vault_records
		WHERE sequence_number >= $1
		ORDER BY sequence_number
		LIMIT $2
	`
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, query, int64(fromSeq), limit)
	if err != nil {
		return nil, wrapUnavailable("scan vault records", err)
	}
	defer rows.Close()

	var out []vault.Record
	for rows.Next() {
		var rec vault.Record
		var rawProf []byte
		if err := rows.Scan(&rec.IdentityKey, &rec.Sequence, &rawProf, &rec.UpdatedAt); err != nil {
			return nil, wrapUnavailable("scan vault record row", err)
		}
		if err := json.Unmarshal(rawProf, &rec.Profile); err != nil {
			return nil, fmt.Errorf("decode stored profile %q: %w", rec.IdentityKey, err)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func wrapUnavailable(op string, err error) error {
	return fmt.Errorf("%s: %w: %v", op, sentinel.ErrUnavailable, err)
}
