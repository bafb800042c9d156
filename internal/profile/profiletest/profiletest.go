// Package profiletest builds signed profiles for tests. It generates real
// RSA key material per publisher so verification paths run end to end.
package profiletest

import (
	"crypto/rand"
	"crypto/rsa"
	"encoding/json"
	"testing"

	"idvault/internal/profile/models"
	"idvault/internal/profile/verify"
)

// Signer holds generated private keys for a set of publishers.
type Signer struct {
	keys map[string]*rsa.PrivateKey
}

// NewSigner generates key material for each named publisher.
func NewSigner(t *testing.T, publishers ...string) *Signer {
	t.Helper()
	keys := make(map[string]*rsa.PrivateKey, len(publishers))
	for _, name := range publishers {
		key, err := rsa.GenerateKey(rand.Reader, 2048)
		if err != nil {
			t.Fatalf("generate key for %s: %v", name, err)
		}
		keys[name] = key
	}
	return &Signer{keys: keys}
}

// Resolver returns a key resolver over the public halves.
func (s *Signer) Resolver() *verify.StaticKeys {
	public := make(map[string]*rsa.PublicKey, len(s.keys))
	for name, key := range s.keys {
		public[name] = &key.PublicKey
	}
	return verify.NewStaticKeys(public)
}

// Attr builds a signed attribute with the given value on behalf of the
// publisher.
func (s *Signer) Attr(t *testing.T, value any, publisher string) models.Attribute {
	t.Helper()
	raw, err := json.Marshal(value)
	if err != nil {
		t.Fatalf("marshal attribute value: %v", err)
	}
	attr := models.Attribute{
		Value: raw,
		Signature: models.Signature{
			Publisher: models.Publisher{Alg: "RS256", Name: publisher},
		},
	}
	key, ok := s.keys[publisher]
	if !ok {
		t.Fatalf("no key material for publisher %q", publisher)
	}
	signed, err := verify.SignAttribute(attr, publisher, key)
	if err != nil {
		t.Fatalf("sign attribute: %v", err)
	}
	attr.Signature.Publisher.Value = signed
	return attr
}

// UnsignedAttr builds an attribute claiming a publisher without a valid
// signature.
func UnsignedAttr(value any, publisher string) models.Attribute {
	raw, _ := json.Marshal(value)
	return models.Attribute{
		Value: raw,
		Signature: models.Signature{
			Publisher: models.Publisher{Alg: "RS256", Name: publisher},
		},
	}
}

// NullAttr builds an unset attribute, optionally still claiming a signer.
func NullAttr(publisher string) models.Attribute {
	return models.Attribute{
		Value: json.RawMessage("null"),
		Signature: models.Signature{
			Publisher: models.Publisher{Alg: "RS256", Name: publisher},
		},
	}
}
