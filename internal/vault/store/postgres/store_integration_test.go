//go:build integration

package postgres_test

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/suite"

	"idvault/internal/profile/models"
	"idvault/internal/vault"
	"idvault/internal/vault/store/postgres"
	"idvault/pkg/platform/sentinel"
	"idvault/pkg/testutil/containers"
)

type PostgresStoreSuite struct {
	suite.Suite
	postgres *containers.PostgresContainer
	store    *postgres.Store
}

func TestPostgresStoreSuite(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}
	suite.Run(t, new(PostgresStoreSuite))
}

func (s *PostgresStoreSuite) SetupSuite() {
	s.postgres = containers.NewPostgresContainer(s.T())
	s.store = postgres.New(s.postgres.DB)
	s.Require().NoError(s.store.EnsureSchema(context.Background()))
	// EnsureSchema is find-or-create; a second run is a no-op.
	s.Require().NoError(s.store.EnsureSchema(context.Background()))
}

func (s *PostgresStoreSuite) SetupTest() {
	err := s.postgres.TruncateTables(context.Background(), "vault_records", "vault_outbox")
	s.Require().NoError(err)
}

func record(identity string, seq uint64, email string) vault.Record {
	var p models.Profile
	p.Overlay(models.AttrUserID, models.Attribute{Value: json.RawMessage(`"` + identity + `"`)})
	if email != "" {
		p.Overlay(models.AttrPrimaryEmail, models.Attribute{Value: json.RawMessage(`"` + email + `"`)})
	}
	return vault.Record{IdentityKey: identity, Sequence: seq, Profile: p}
}

func (s *PostgresStoreSuite) TestConditionalPutAndGet() {
	ctx := context.Background()

	_, err := s.store.Get(ctx, "ad|Example-LDAP|jdoe")
	s.ErrorIs(err, sentinel.ErrNotFound)

	s.Require().NoError(s.store.ConditionalPut(ctx, record("ad|Example-LDAP|jdoe", 1, "jdoe@example.test"), 0))

	rec, err := s.store.Get(ctx, "ad|Example-LDAP|jdoe")
	s.Require().NoError(err)
	s.Equal(uint64(1), rec.Sequence)
	s.Equal("ad|Example-LDAP|jdoe", rec.Profile.IdentityKey())
	s.False(rec.UpdatedAt.IsZero())

	// Duplicate create loses.
	err = s.store.ConditionalPut(ctx, record("ad|Example-LDAP|jdoe", 1, ""), 0)
	s.ErrorIs(err, sentinel.ErrConflict)

	// Stale prior sequence loses; matching one wins.
	err = s.store.ConditionalPut(ctx, record("ad|Example-LDAP|jdoe", 3, ""), 2)
	s.ErrorIs(err, sentinel.ErrConflict)
	s.Require().NoError(s.store.ConditionalPut(ctx, record("ad|Example-LDAP|jdoe", 2, "new@example.test"), 1))

	rec, err = s.store.Get(ctx, "ad|Example-LDAP|jdoe")
	s.Require().NoError(err)
	s.Equal(uint64(2), rec.Sequence)
}

func (s *PostgresStoreSuite) TestConcurrentWritersOneWinnerPerSequence() {
	ctx := context.Background()
	s.Require().NoError(s.store.ConditionalPut(ctx, record("a", 1, ""), 0))

	const writers = 10
	var wg sync.WaitGroup
	var wins atomic.Int32
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := s.store.ConditionalPut(ctx, record("a", 2, ""), 1); err == nil {
				wins.Add(1)
			}
		}()
	}
	wg.Wait()

	s.Equal(int32(1), wins.Load(), "exactly one writer may advance a given sequence")
	rec, err := s.store.Get(ctx, "a")
	s.Require().NoError(err)
	s.Equal(uint64(2), rec.Sequence)
}

func (s *PostgresStoreSuite) TestSecondaryKeyLookup() {
	ctx := context.Background()
	s.Require().NoError(s.store.ConditionalPut(ctx, record("a", 1, "a@example.test"), 0))
	s.Require().NoError(s.store.ConditionalPut(ctx, record("b", 1, "b@example.test"), 0))

	key, err := s.store.FindBySecondaryKey(ctx, models.SecondaryEmail, "b@example.test")
	s.Require().NoError(err)
	s.Equal("b", key)

	_, err = s.store.FindBySecondaryKey(ctx, models.SecondaryEmail, "c@example.test")
	s.ErrorIs(err, sentinel.ErrNotFound)

	// Index projections follow the record: an update that changes the email
	// moves the lookup.
	s.Require().NoError(s.store.ConditionalPut(ctx, record("b", 2, "moved@example.test"), 1))
	key, err = s.store.FindBySecondaryKey(ctx, models.SecondaryEmail, "moved@example.test")
	s.Require().NoError(err)
	s.Equal("b", key)
	_, err = s.store.FindBySecondaryKey(ctx, models.SecondaryEmail, "b@example.test")
	s.ErrorIs(err, sentinel.ErrNotFound)
}

func (s *PostgresStoreSuite) TestScanBySequence() {
	ctx := context.Background()
	s.Require().NoError(s.store.ConditionalPut(ctx, record("a", 3, ""), 0))
	s.Require().NoError(s.store.ConditionalPut(ctx, record("b", 1, ""), 0))
	s.Require().NoError(s.store.ConditionalPut(ctx, record("c", 2, ""), 0))

	all, err := s.store.ScanBySequence(ctx, 0, 10)
	s.Require().NoError(err)
	s.Require().Len(all, 3)
	s.Equal("b", all[0].IdentityKey)
	s.Equal("a", all[2].IdentityKey)

	from, err := s.store.ScanBySequence(ctx, 2, 10)
	s.Require().NoError(err)
	s.Len(from, 2)
}

func (s *PostgresStoreSuite) TestOutboxOneEventPerWrite() {
	ctx := context.Background()
	s.Require().NoError(s.store.ConditionalPut(ctx, record("a", 1, "a@example.test"), 0))
	s.Require().NoError(s.store.ConditionalPut(ctx, record("a", 2, "a2@example.test"), 1))

	rows, err := s.store.FetchUnpublished(ctx, 10)
	s.Require().NoError(err)
	s.Require().Len(rows, 2)
	s.Less(rows[0].Position, rows[1].Position)

	ev, err := postgres.DecodeEvent(rows[0])
	s.Require().NoError(err)
	s.Equal("a", ev.IdentityKey)
	s.Equal(uint64(1), ev.Sequence)
	s.Nil(ev.Old, "create event has no prior profile")

	ev, err = postgres.DecodeEvent(rows[1])
	s.Require().NoError(err)
	s.Equal(uint64(2), ev.Sequence)
	s.Require().NotNil(ev.Old)
	attr, _ := ev.Old.Lookup(models.AttrPrimaryEmail)
	s.Equal(`"a@example.test"`, string(attr.Value))

	// A failed conditional write leaves no outbox row behind.
	s.ErrorIs(s.store.ConditionalPut(ctx, record("a", 5, ""), 4), sentinel.ErrConflict)
	rows, err = s.store.FetchUnpublished(ctx, 10)
	s.Require().NoError(err)
	s.Len(rows, 2)
}

func (s *PostgresStoreSuite) TestMarkPublishedIsIdempotent() {
	ctx := context.Background()
	s.Require().NoError(s.store.ConditionalPut(ctx, record("a", 1, ""), 0))
	s.Require().NoError(s.store.ConditionalPut(ctx, record("b", 1, ""), 0))

	rows, err := s.store.FetchUnpublished(ctx, 10)
	s.Require().NoError(err)
	s.Require().Len(rows, 2)

	s.Require().NoError(s.store.MarkPublished(ctx, []int64{rows[0].Position}))
	remaining, err := s.store.FetchUnpublished(ctx, 10)
	s.Require().NoError(err)
	s.Require().Len(remaining, 1)
	s.Equal(rows[1].Position, remaining[0].Position)

	// Re-marking published rows is harmless.
	s.Require().NoError(s.store.MarkPublished(ctx, []int64{rows[0].Position, rows[1].Position}))
	remaining, err = s.store.FetchUnpublished(ctx, 10)
	s.Require().NoError(err)
	s.Empty(remaining)

	s.NoError(s.store.MarkPublished(ctx, nil))
}
