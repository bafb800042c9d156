// Package verify implements the per-attribute verification and authorization
// engine. Checks are pure given the rule table, key material and condition;
// prior stored state is the merge engine's concern.
package verify

import (
	"context"
	"crypto/rsa"
	"fmt"
	"reflect"

	"github.com/golang-jwt/jwt/v5"

	"idvault/internal/profile/models"
	"idvault/internal/profile/rules"
)

// KeyResolver resolves published key material for a named publisher.
// Resolution failure is treated as verification failure for the attribute.
type KeyResolver interface {
	ResolvePublicKey(ctx context.Context, publisher string) (*rsa.PublicKey, error)
}

// Verifier validates one attribute's provenance: value present, publisher
// authorized for the lifecycle condition, signature cryptographically valid.
type Verifier struct {
	rules    *rules.Table
	resolver KeyResolver
}

// New constructs a Verifier over an immutable rule table and key resolver.
func New(table *rules.Table, resolver KeyResolver) *Verifier {
	return &Verifier{rules: table, resolver: resolver}
}

// VerifyAttribute accepts or rejects a single attribute under the given
// condition. A nil error means accepted; any error names the rejection
// reason.
func (v *Verifier) VerifyAttribute(ctx context.Context, path string, attr models.Attribute, cond rules.Condition) error {
	// Null values are excluded from write consideration regardless of
	// signature presence.
	if !attr.ValueSet() {
		return fmt.Errorf("attribute %q: null value cannot be signed content", path)
	}

	publisher := attr.Signature.Publisher.Name
	if publisher == "" {
		return fmt.Errorf("attribute %q: missing signing publisher", path)
	}
	if !v.rules.Authorized(cond, path, publisher) {
		return fmt.Errorf("attribute %q: publisher %q not authorized for condition %q", path, publisher, cond)
	}

	key, err := v.resolver.ResolvePublicKey(ctx, publisher)
	if err != nil {
		return fmt.Errorf("attribute %q: resolve key for publisher %q: %w", path, publisher, err)
	}

	if err := verifySignature(attr, key); err != nil {
		return fmt.Errorf("attribute %q: %w", path, err)
	}
	return nil
}

// verifySignature checks the detached RS256 JWS in the attribute signature
// and that its claims bind to the attribute value actually submitted, so a
// signature cannot be replayed onto a different value.
func verifySignature(attr models.Attribute, key *rsa.PublicKey) error {
	compact := attr.Signature.Publisher.Value
	if compact == "" {
		return fmt.Errorf("missing signature")
	}

	claims := jwt.MapClaims{}
	_, err := jwt.ParseWithClaims(compact, claims, func(t *jwt.Token) (any, error) {
		return key, nil
	}, jwt.WithValidMethods([]string{"RS256"}))
	if err != nil {
		return fmt.Errorf("invalid signature: %w", err)
	}

	signed, ok := claims["value"]
	if !ok {
		return fmt.Errorf("signature does not cover a value")
	}
	declared, err := attr.DecodedValue()
	if err != nil {
		return err
	}
	if !reflect.DeepEqual(signed, declared) {
		return fmt.Errorf("signature does not match attribute value")
	}
	return nil
}

// SignAttribute produces the compact JWS for an attribute value on behalf of
// a publisher. Exposed for publishers and tests; the hub itself only
// verifies.
func SignAttribute(attr models.Attribute, publisher string, key *rsa.PrivateKey) (string, error) {
	value, err := attr.DecodedValue()
	if err != nil {
		return "", err
	}
	token := jwt.NewWithClaims(jwt.SigningMethodRS256, jwt.MapClaims{
		"value":     value,
		"publisher": publisher,
	})
	signed, err := token.SignedString(key)
	if err != nil {
		return "", fmt.Errorf("sign attribute: %w", err)
	}
	return signed, nil
}
