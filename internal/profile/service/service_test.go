package service_test

import (
	"context"
	"encoding/json"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"idvault/internal/profile/models"
	"idvault/internal/profile/profiletest"
	"idvault/internal/profile/rules"
	"idvault/internal/profile/service"
	"idvault/internal/profile/verify"
	"idvault/internal/vault"
	"idvault/internal/vault/store/memory"
	dErrors "idvault/pkg/domain-errors"
	"idvault/pkg/platform/sentinel"
)

const mergeRules = `{
	"create": {
		"user_id": ["ldap"],
		"primary_email": ["ldap"],
		"first_name": ["ldap"],
		"last_name": ["ldap"],
		"access_information": ["access_provider"]
	},
	"update": {
		"user_id": ["ldap"],
		"primary_email": ["ldap"],
		"first_name": ["mozilliansorg"],
		"last_name": ["mozilliansorg"],
		"access_information": ["access_provider"]
	}
}`

type fixture struct {
	store  *memory.Store
	svc    *service.Service
	signer *profiletest.Signer
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	table, err := rules.Load([]byte(mergeRules))
	require.NoError(t, err)
	signer := profiletest.NewSigner(t, "ldap", "mozilliansorg", "access_provider")
	store := memory.New()
	svc := service.New(store, verify.New(table, signer.Resolver()))
	return &fixture{store: store, svc: svc, signer: signer}
}

// profile assembles a submission from path/attribute pairs.
func profile(attrs map[string]models.Attribute) models.Profile {
	var p models.Profile
	for path, attr := range attrs {
		p.Overlay(path, attr)
	}
	return p
}

func (f *fixture) seed(t *testing.T, identity string) vault.Record {
	t.Helper()
	res, err := f.svc.Merge(context.Background(), "", profile(map[string]models.Attribute{
		"user_id":       f.signer.Attr(t, identity, "ldap"),
		"primary_email": f.signer.Attr(t, "jdoe@example.test", "ldap"),
		"last_name":     f.signer.Attr(t, "Doe", "ldap"),
	}))
	require.NoError(t, err)
	require.Equal(t, rules.ConditionCreate, res.Condition)

	rec, err := f.store.Get(context.Background(), identity)
	require.NoError(t, err)
	return rec
}

func TestMergeCreatesRecord(t *testing.T) {
	f := newFixture(t)

	rec := f.seed(t, "ad|Example-LDAP|jdoe")

	assert.Equal(t, vault.InitialSequence, rec.Sequence)
	assert.Equal(t, "ad|Example-LDAP|jdoe", rec.Profile.IdentityKey())

	attr, ok := rec.Profile.Lookup("primary_email")
	require.True(t, ok)
	assert.Equal(t, `"jdoe@example.test"`, string(attr.Value))
	assert.False(t, attr.Metadata.LastModified.IsZero())
}

func TestMergePartialUpdatePreservesOtherAttributes(t *testing.T) {
	f := newFixture(t)
	f.seed(t, "ad|Example-LDAP|jdoe")

	res, err := f.svc.Merge(context.Background(), "ad|Example-LDAP|jdoe", profile(map[string]models.Attribute{
		"last_name": f.signer.Attr(t, "Smith", "mozilliansorg"),
	}))
	require.NoError(t, err)
	assert.Equal(t, rules.ConditionUpdate, res.Condition)
	assert.Equal(t, vault.InitialSequence+1, res.SequenceNumber)

	rec, err := f.store.Get(context.Background(), "ad|Example-LDAP|jdoe")
	require.NoError(t, err)

	attr, _ := rec.Profile.Lookup("last_name")
	assert.Equal(t, `"Smith"`, string(attr.Value))
	assert.Equal(t, "mozilliansorg", attr.Signature.Publisher.Name)

	// Untouched attributes survive the merge verbatim.
	attr, ok := rec.Profile.Lookup("primary_email")
	require.True(t, ok)
	assert.Equal(t, `"jdoe@example.test"`, string(attr.Value))
}

func TestMergeIdentityMismatchRejected(t *testing.T) {
	f := newFixture(t)
	before := f.seed(t, "ad|Example-LDAP|jdoe")

	_, err := f.svc.Merge(context.Background(), "ad|Example-LDAP|jdoe", profile(map[string]models.Attribute{
		"user_id":   f.signer.Attr(t, "ad|Example-LDAP|other", "ldap"),
		"last_name": f.signer.Attr(t, "Smith", "mozilliansorg"),
	}))
	require.Error(t, err)
	assert.True(t, dErrors.HasCode(err, dErrors.CodeValidation))
	assert.Contains(t, err.Error(), "does not match")

	after, err := f.store.Get(context.Background(), "ad|Example-LDAP|jdoe")
	require.NoError(t, err)
	assert.Equal(t, before.Sequence, after.Sequence)
}

func TestMergeUnauthorizedPublisherRejectsWholeSubmission(t *testing.T) {
	f := newFixture(t)
	before := f.seed(t, "ad|Example-LDAP|jdoe")

	// primary_email verifies, but last_name by ldap is unauthorized on
	// update; neither attribute may land.
	_, err := f.svc.Merge(context.Background(), "ad|Example-LDAP|jdoe", profile(map[string]models.Attribute{
		"primary_email": f.signer.Attr(t, "new@example.test", "ldap"),
		"last_name":     f.signer.Attr(t, "Smith", "ldap"),
	}))
	require.Error(t, err)
	assert.True(t, dErrors.HasCode(err, dErrors.CodeValidation))

	after, err := f.store.Get(context.Background(), "ad|Example-LDAP|jdoe")
	require.NoError(t, err)
	assert.Equal(t, before.Sequence, after.Sequence)
	attr, _ := after.Profile.Lookup("primary_email")
	assert.Equal(t, `"jdoe@example.test"`, string(attr.Value))
}

func TestMergeNullNeverOverwrites(t *testing.T) {
	f := newFixture(t)
	f.seed(t, "ad|Example-LDAP|jdoe")

	// A null attribute is skipped, not merged; the non-null sibling lands.
	res, err := f.svc.Merge(context.Background(), "ad|Example-LDAP|jdoe", profile(map[string]models.Attribute{
		"first_name": f.signer.Attr(t, "Jane", "mozilliansorg"),
		"last_name":  profiletest.NullAttr("mozilliansorg"),
	}))
	require.NoError(t, err)
	assert.Equal(t, rules.ConditionUpdate, res.Condition)

	rec, err := f.store.Get(context.Background(), "ad|Example-LDAP|jdoe")
	require.NoError(t, err)
	attr, _ := rec.Profile.Lookup("last_name")
	assert.Equal(t, `"Doe"`, string(attr.Value))
	attr, _ = rec.Profile.Lookup("first_name")
	assert.Equal(t, `"Jane"`, string(attr.Value))
}

func TestMergeAllNullUpdateRejected(t *testing.T) {
	f := newFixture(t)
	f.seed(t, "ad|Example-LDAP|jdoe")

	_, err := f.svc.Merge(context.Background(), "ad|Example-LDAP|jdoe", profile(map[string]models.Attribute{
		"last_name": profiletest.NullAttr("mozilliansorg"),
	}))
	require.Error(t, err)
	assert.True(t, dErrors.HasCode(err, dErrors.CodeValidation))
	assert.Contains(t, err.Error(), "no set attributes")
}

func TestMergeAllNullCreateRejected(t *testing.T) {
	f := newFixture(t)

	// A create with no verified content must not mint a record, even with a
	// caller-supplied identity hint.
	_, err := f.svc.Merge(context.Background(), "ad|Example-LDAP|ghost", profile(map[string]models.Attribute{
		"last_name": profiletest.NullAttr("mozilliansorg"),
	}))
	require.Error(t, err)
	assert.True(t, dErrors.HasCode(err, dErrors.CodeValidation))
	assert.Contains(t, err.Error(), "no set attributes")

	_, err = f.store.Get(context.Background(), "ad|Example-LDAP|ghost")
	assert.ErrorIs(t, err, sentinel.ErrNotFound)

	// An entirely empty submission is rejected the same way.
	_, err = f.svc.Merge(context.Background(), "ad|Example-LDAP|ghost", models.Profile{})
	require.Error(t, err)
	assert.True(t, dErrors.HasCode(err, dErrors.CodeValidation))
	_, err = f.store.Get(context.Background(), "ad|Example-LDAP|ghost")
	assert.ErrorIs(t, err, sentinel.ErrNotFound)
}

func TestMergeMissingIdentityRejected(t *testing.T) {
	f := newFixture(t)

	_, err := f.svc.Merge(context.Background(), "", profile(map[string]models.Attribute{
		"last_name": f.signer.Attr(t, "Doe", "ldap"),
	}))
	require.Error(t, err)
	assert.True(t, dErrors.HasCode(err, dErrors.CodeValidation))
}

func TestMergeCreateRejectsDuplicate(t *testing.T) {
	f := newFixture(t)
	f.seed(t, "ad|Example-LDAP|jdoe")

	// A second full submission for the same identity is an update, not a
	// duplicate create; sequence advances.
	res, err := f.svc.Merge(context.Background(), "", profile(map[string]models.Attribute{
		"user_id":       f.signer.Attr(t, "ad|Example-LDAP|jdoe", "ldap"),
		"primary_email": f.signer.Attr(t, "jdoe@example.test", "ldap"),
	}))
	require.NoError(t, err)
	assert.Equal(t, rules.ConditionUpdate, res.Condition)
	assert.Equal(t, vault.InitialSequence+1, res.SequenceNumber)
}

func TestMergeSequenceIsMonotonic(t *testing.T) {
	f := newFixture(t)
	f.seed(t, "ad|Example-LDAP|jdoe")

	const updates = 5
	for i := 0; i < updates; i++ {
		res, err := f.svc.Merge(context.Background(), "ad|Example-LDAP|jdoe", profile(map[string]models.Attribute{
			"primary_email": f.signer.Attr(t, "jdoe@example.test", "ldap"),
		}))
		require.NoError(t, err)
		assert.Equal(t, vault.InitialSequence+uint64(i+1), res.SequenceNumber)
	}
}

func TestMergeConcurrentUpdatesNeverShareASequence(t *testing.T) {
	f := newFixture(t)
	f.seed(t, "ad|Example-LDAP|jdoe")

	const writers = 8
	var wg sync.WaitGroup
	results := make(chan uint64, writers)
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := f.svc.Merge(context.Background(), "ad|Example-LDAP|jdoe", profile(map[string]models.Attribute{
				"primary_email": f.signer.Attr(t, "jdoe@example.test", "ldap"),
			}))
			if err == nil {
				results <- res.SequenceNumber
			}
		}()
	}
	wg.Wait()
	close(results)

	seen := make(map[uint64]bool)
	for seq := range results {
		assert.False(t, seen[seq], "sequence %d assigned twice", seq)
		seen[seq] = true
	}
	require.NotEmpty(t, seen)

	rec, err := f.store.Get(context.Background(), "ad|Example-LDAP|jdoe")
	require.NoError(t, err)
	assert.Equal(t, vault.InitialSequence+uint64(len(seen)), rec.Sequence)
}

// flakyStore fails the first n conditional writes with a conflict.
type flakyStore struct {
	vault.Store
	mu        sync.Mutex
	conflicts int
}

func (s *flakyStore) ConditionalPut(ctx context.Context, rec vault.Record, expectedPrior uint64) error {
	s.mu.Lock()
	if s.conflicts > 0 {
		s.conflicts--
		s.mu.Unlock()
		return sentinel.ErrConflict
	}
	s.mu.Unlock()
	return s.Store.ConditionalPut(ctx, rec, expectedPrior)
}

func TestMergeRetriesLostRaces(t *testing.T) {
	table, err := rules.Load([]byte(mergeRules))
	require.NoError(t, err)
	signer := profiletest.NewSigner(t, "ldap")
	store := &flakyStore{Store: memory.New(), conflicts: 2}
	svc := service.New(store, verify.New(table, signer.Resolver()), service.WithMaxAttempts(3))

	res, err := svc.Merge(context.Background(), "", profile(map[string]models.Attribute{
		"user_id": signer.Attr(t, "ad|Example-LDAP|jdoe", "ldap"),
	}))
	require.NoError(t, err)
	assert.Equal(t, vault.InitialSequence, res.SequenceNumber)
}

func TestMergeGivesUpAfterBoundedRetries(t *testing.T) {
	table, err := rules.Load([]byte(mergeRules))
	require.NoError(t, err)
	signer := profiletest.NewSigner(t, "ldap")
	store := &flakyStore{Store: memory.New(), conflicts: 100}
	svc := service.New(store, verify.New(table, signer.Resolver()), service.WithMaxAttempts(3))

	_, err = svc.Merge(context.Background(), "", profile(map[string]models.Attribute{
		"user_id": signer.Attr(t, "ad|Example-LDAP|jdoe", "ldap"),
	}))
	require.Error(t, err)
	assert.True(t, dErrors.HasCode(err, dErrors.CodeConflict))
}

// downStore reports storage unavailability on every call.
type downStore struct{ vault.Store }

func (downStore) Get(context.Context, string) (vault.Record, error) {
	return vault.Record{}, sentinel.ErrUnavailable
}

func TestMergeStorageUnavailable(t *testing.T) {
	table, err := rules.Load([]byte(mergeRules))
	require.NoError(t, err)
	signer := profiletest.NewSigner(t, "ldap")
	svc := service.New(downStore{}, verify.New(table, signer.Resolver()))

	_, err = svc.Merge(context.Background(), "", profile(map[string]models.Attribute{
		"user_id": signer.Attr(t, "ad|Example-LDAP|jdoe", "ldap"),
	}))
	require.Error(t, err)
	assert.True(t, dErrors.HasCode(err, dErrors.CodeUnavailable))
}

func TestMergePreservesCreatedTimestamp(t *testing.T) {
	f := newFixture(t)
	f.seed(t, "ad|Example-LDAP|jdoe")

	rec, err := f.store.Get(context.Background(), "ad|Example-LDAP|jdoe")
	require.NoError(t, err)
	attr, _ := rec.Profile.Lookup("primary_email")
	created := attr.Metadata.Created
	require.False(t, created.IsZero())

	_, err = f.svc.Merge(context.Background(), "ad|Example-LDAP|jdoe", profile(map[string]models.Attribute{
		"primary_email": f.signer.Attr(t, "new@example.test", "ldap"),
	}))
	require.NoError(t, err)

	rec, err = f.store.Get(context.Background(), "ad|Example-LDAP|jdoe")
	require.NoError(t, err)
	attr, _ = rec.Profile.Lookup("primary_email")
	assert.Equal(t, created, attr.Metadata.Created)
	assert.True(t, attr.Metadata.LastModified.After(created) || attr.Metadata.LastModified.Equal(created))
}

func TestMergeGroupSubkeyIndependent(t *testing.T) {
	f := newFixture(t)
	f.seed(t, "ad|Example-LDAP|jdoe")

	_, err := f.svc.Merge(context.Background(), "ad|Example-LDAP|jdoe", profile(map[string]models.Attribute{
		"access_information.ldap": f.signer.Attr(t, map[string]bool{"admins": true}, "access_provider"),
	}))
	require.NoError(t, err)

	_, err = f.svc.Merge(context.Background(), "ad|Example-LDAP|jdoe", profile(map[string]models.Attribute{
		"access_information.hris": f.signer.Attr(t, json.RawMessage(`{"dept": "IT"}`), "access_provider"),
	}))
	require.NoError(t, err)

	rec, err := f.store.Get(context.Background(), "ad|Example-LDAP|jdoe")
	require.NoError(t, err)
	_, ok := rec.Profile.Lookup("access_information.ldap")
	assert.True(t, ok, "earlier subkey should survive a sibling merge")
	_, ok = rec.Profile.Lookup("access_information.hris")
	assert.True(t, ok)
}

func TestMergeSchemaPassesThroughUnsigned(t *testing.T) {
	f := newFixture(t)

	// The schema version string is flat metadata, not a signed attribute.
	p := profile(map[string]models.Attribute{
		"user_id": f.signer.Attr(t, "ad|Example-LDAP|jdoe", "ldap"),
	})
	p.Schema = "https://example.test/profile/v2"

	_, err := f.svc.Merge(context.Background(), "", p)
	require.NoError(t, err)

	rec, err := f.store.Get(context.Background(), "ad|Example-LDAP|jdoe")
	require.NoError(t, err)
	assert.Equal(t, "https://example.test/profile/v2", rec.Profile.Schema)

	// An update without a schema leaves the stored one in place.
	_, err = f.svc.Merge(context.Background(), "ad|Example-LDAP|jdoe", profile(map[string]models.Attribute{
		"primary_email": f.signer.Attr(t, "jdoe@example.test", "ldap"),
	}))
	require.NoError(t, err)
	rec, err = f.store.Get(context.Background(), "ad|Example-LDAP|jdoe")
	require.NoError(t, err)
	assert.Equal(t, "https://example.test/profile/v2", rec.Profile.Schema)
}

func TestResolveIdentityHint(t *testing.T) {
	f := newFixture(t)
	f.seed(t, "ad|Example-LDAP|jdoe")

	key, err := f.svc.ResolveIdentityHint(context.Background(), models.SecondaryEmail, "jdoe@example.test")
	require.NoError(t, err)
	assert.Equal(t, "ad|Example-LDAP|jdoe", key)

	_, err = f.svc.ResolveIdentityHint(context.Background(), models.SecondaryEmail, "nobody@example.test")
	require.Error(t, err)
	assert.True(t, dErrors.HasCode(err, dErrors.CodeNotFound))
}

func TestGetRecordAndListIdentityKeys(t *testing.T) {
	f := newFixture(t)
	f.seed(t, "ad|Example-LDAP|jdoe")

	rec, err := f.svc.GetRecord(context.Background(), "ad|Example-LDAP|jdoe")
	require.NoError(t, err)
	assert.Equal(t, vault.InitialSequence, rec.Sequence)

	_, err = f.svc.GetRecord(context.Background(), "ad|Example-LDAP|ghost")
	require.Error(t, err)
	assert.True(t, dErrors.HasCode(err, dErrors.CodeNotFound))

	keys, err := f.svc.ListIdentityKeys(context.Background(), 0, 0)
	require.NoError(t, err)
	assert.Equal(t, []string{"ad|Example-LDAP|jdoe"}, keys)
}

func TestListIdentityKeysPagesBySequence(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	for i, identity := range []string{"ad|Example-LDAP|a", "ad|Example-LDAP|b", "ad|Example-LDAP|c"} {
		err := f.store.ConditionalPut(ctx, vault.Record{
			IdentityKey: identity,
			Sequence:    uint64(i + 1),
			Profile:     models.Profile{},
		}, 0)
		require.NoError(t, err)
	}

	page, err := f.svc.ListIdentityKeys(ctx, 0, 2)
	require.NoError(t, err)
	assert.Equal(t, []string{"ad|Example-LDAP|a", "ad|Example-LDAP|b"}, page)

	// Resuming from the last seen sequence plus one yields the remainder.
	rest, err := f.svc.ListIdentityKeys(ctx, 3, 0)
	require.NoError(t, err)
	assert.Equal(t, []string{"ad|Example-LDAP|c"}, rest)
}
