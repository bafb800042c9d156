package verify

import (
	"context"
	"crypto/rsa"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"idvault/pkg/platform/sentinel"
)

// StaticKeys resolves publishers from a fixed in-memory map. Used for tests
// and file-based deployments.
type StaticKeys struct {
	keys map[string]*rsa.PublicKey
}

// NewStaticKeys builds a resolver over the given key material.
func NewStaticKeys(keys map[string]*rsa.PublicKey) *StaticKeys {
	return &StaticKeys{keys: keys}
}

// LoadKeysFile reads a JSON document mapping publisher names to PEM-encoded
// RSA public keys.
func LoadKeysFile(path string) (*StaticKeys, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read publisher keys: %w", err)
	}
	return parseKeyDocument(data)
}

func parseKeyDocument(data []byte) (*StaticKeys, error) {
	var doc map[string]string
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parse publisher keys: %w", err)
	}
	keys := make(map[string]*rsa.PublicKey, len(doc))
	for name, pem := range doc {
		key, err := jwt.ParseRSAPublicKeyFromPEM([]byte(pem))
		if err != nil {
			return nil, fmt.Errorf("parse key for publisher %q: %w", name, err)
		}
		keys[name] = key
	}
	return &StaticKeys{keys: keys}, nil
}

func (s *StaticKeys) ResolvePublicKey(_ context.Context, publisher string) (*rsa.PublicKey, error) {
	key, ok := s.keys[publisher]
	if !ok {
		return nil, fmt.Errorf("publisher %q: %w", publisher, sentinel.ErrNotFound)
	}
	return key, nil
}

// WellKnownResolver fetches publisher key material from a well-known HTTP
// document and caches it for a bounded interval. The document has the same
// shape as the local keys file.
type WellKnownResolver struct {
	url    string
	client *http.Client
	ttl    time.Duration

	mu      sync.RWMutex
	cached  *StaticKeys
	expires time.Time
}

// NewWellKnownResolver builds a resolver over a remote key document.
func NewWellKnownResolver(url string, client *http.Client, ttl time.Duration) *WellKnownResolver {
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	return &WellKnownResolver{url: url, client: client, ttl: ttl}
}

func (r *WellKnownResolver) ResolvePublicKey(ctx context.Context, publisher string) (*rsa.PublicKey, error) {
	keys, err := r.keys(ctx)
	if err != nil {
		return nil, err
	}
	return keys.ResolvePublicKey(ctx, publisher)
}

func (r *WellKnownResolver) keys(ctx context.Context) (*StaticKeys, error) {
	r.mu.RLock()
	if r.cached != nil && time.Now().Before(r.expires) {
		cached := r.cached
		r.mu.RUnlock()
		return cached, nil
	}
	r.mu.RUnlock()

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.cached != nil && time.Now().Before(r.expires) {
		return r.cached, nil
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, r.url, nil)
	if err != nil {
		return nil, fmt.Errorf("build well-known request: %w", err)
	}
	resp, err := r.client.Do(req)
	if err != nil {
		// Serve stale key material rather than failing every merge while
		// the well-known endpoint is down.
		if r.cached != nil {
			return r.cached, nil
		}
		return nil, fmt.Errorf("fetch well-known keys: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		if r.cached != nil {
			return r.cached, nil
		}
		return nil, fmt.Errorf("fetch well-known keys: unexpected status %d", resp.StatusCode)
	}

	var doc json.RawMessage
	if err := json.NewDecoder(resp.Body).Decode(&doc); err != nil {
		// A malformed document is an outage too; keep serving stale keys.
		if r.cached != nil {
			return r.cached, nil
		}
		return nil, fmt.Errorf("decode well-known keys: %w", err)
	}
	keys, err := parseKeyDocument(doc)
	if err != nil {
		if r.cached != nil {
			return r.cached, nil
		}
		return nil, err
	}
	r.cached = keys
	r.expires = time.Now().Add(r.ttl)
	return keys, nil
}
