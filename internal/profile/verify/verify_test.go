package verify_test

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"idvault/internal/profile/profiletest"
	"idvault/internal/profile/rules"
	"idvault/internal/profile/verify"
)

const testRules = `{
	"create": {
		"user_id": ["ldap"],
		"last_name": ["ldap", "mozilliansorg"],
		"access_information": ["access_provider"]
	},
	"update": {
		"user_id": ["ldap"],
		"last_name": ["mozilliansorg"],
		"access_information": ["access_provider"]
	}
}`

func newVerifier(t *testing.T) (*verify.Verifier, *profiletest.Signer) {
	t.Helper()
	table, err := rules.Load([]byte(testRules))
	require.NoError(t, err)
	signer := profiletest.NewSigner(t, "ldap", "mozilliansorg", "access_provider")
	return verify.New(table, signer.Resolver()), signer
}

func TestVerifyAttributeAccepted(t *testing.T) {
	v, signer := newVerifier(t)
	ctx := context.Background()

	attr := signer.Attr(t, "ad|Example-LDAP|jdoe", "ldap")
	assert.NoError(t, v.VerifyAttribute(ctx, "user_id", attr, rules.ConditionCreate))

	group := signer.Attr(t, true, "access_provider")
	assert.NoError(t, v.VerifyAttribute(ctx, "access_information.ldap", group, rules.ConditionUpdate))
}

func TestVerifyAttributeNullValue(t *testing.T) {
	v, _ := newVerifier(t)

	// A null attribute is rejected even with a well-formed signature block.
	err := v.VerifyAttribute(context.Background(), "last_name", profiletest.NullAttr("mozilliansorg"), rules.ConditionUpdate)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "null value")
}

func TestVerifyAttributeUnauthorizedPublisher(t *testing.T) {
	v, signer := newVerifier(t)

	// ldap may set last_name on create but not on update.
	attr := signer.Attr(t, "Doe", "ldap")
	require.NoError(t, v.VerifyAttribute(context.Background(), "last_name", attr, rules.ConditionCreate))

	err := v.VerifyAttribute(context.Background(), "last_name", attr, rules.ConditionUpdate)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not authorized")
}

func TestVerifyAttributeBadSignature(t *testing.T) {
	v, _ := newVerifier(t)

	err := v.VerifyAttribute(context.Background(), "last_name", profiletest.UnsignedAttr("Doe", "mozilliansorg"), rules.ConditionUpdate)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "signature")
}

func TestVerifyAttributeWrongKey(t *testing.T) {
	table, err := rules.Load([]byte(testRules))
	require.NoError(t, err)

	// The signature was produced by a different key than the published one.
	signer := profiletest.NewSigner(t, "mozilliansorg")
	rogue, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	v := verify.New(table, verify.NewStaticKeys(map[string]*rsa.PublicKey{
		"mozilliansorg": &rogue.PublicKey,
	}))

	attr := signer.Attr(t, "Doe", "mozilliansorg")
	err = v.VerifyAttribute(context.Background(), "last_name", attr, rules.ConditionUpdate)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid signature")
}

func TestVerifyAttributeSignatureValueMismatch(t *testing.T) {
	v, signer := newVerifier(t)

	// A valid signature replayed onto a different value must not verify.
	attr := signer.Attr(t, "Doe", "mozilliansorg")
	forged := signer.Attr(t, "Mallory", "mozilliansorg")
	forged.Signature = attr.Signature

	err := v.VerifyAttribute(context.Background(), "last_name", forged, rules.ConditionUpdate)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "does not match")
}

func TestVerifyAttributeKeyResolutionFailure(t *testing.T) {
	table, err := rules.Load([]byte(testRules))
	require.NoError(t, err)
	v := verify.New(table, verify.NewStaticKeys(nil))

	signer := profiletest.NewSigner(t, "mozilliansorg")
	attr := signer.Attr(t, "Doe", "mozilliansorg")

	err = v.VerifyAttribute(context.Background(), "last_name", attr, rules.ConditionUpdate)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "resolve key")
}
