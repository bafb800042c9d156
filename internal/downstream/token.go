package downstream

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"
)

// TokenSource exchanges client credentials for short-lived bearer tokens and
// caches them until near expiry. Invalidate drops the cached token so the
// next call re-exchanges, which is how 401 responses trigger a transparent
// refresh.
type TokenSource struct {
	tokenURL     string
	clientID     string
	clientSecret string
	audience     string
	client       *http.Client

	// earlyExpiry is subtracted from the advertised lifetime so a token is
	// never presented moments before it dies in flight.
	earlyExpiry time.Duration

	mu      sync.Mutex
	token   string
	expires time.Time
}

// NewTokenSource builds a client-credentials token source.
func NewTokenSource(tokenURL, clientID, clientSecret, audience string, client *http.Client) *TokenSource {
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	return &TokenSource{
		tokenURL:     tokenURL,
		clientID:     clientID,
		clientSecret: clientSecret,
		audience:     audience,
		client:       client,
		earlyExpiry:  60 * time.Second,
	}
}

// Token returns a cached bearer token, exchanging credentials when the cache
// is empty or near expiry.
func (t *TokenSource) Token(ctx context.Context) (string, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.token != "" && time.Now().Before(t.expires) {
		return t.token, nil
	}

	body, err := json.Marshal(map[string]string{
		"grant_type":    "client_credentials",
		"client_id":     t.clientID,
		"client_secret": t.clientSecret,
		"audience":      t.audience,
	})
	if err != nil {
		return "", fmt.Errorf("encode token request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.tokenURL, bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("build token request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := t.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("token exchange: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("token exchange: unexpected status %d", resp.StatusCode)
	}

	var payload struct {
		AccessToken string `json:"access_token"`
		ExpiresIn   int    `json:"expires_in"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return "", fmt.Errorf("decode token response: %w", err)
	}
	if payload.AccessToken == "" {
		return "", fmt.Errorf("token exchange: empty access token")
	}

	lifetime := time.Duration(payload.ExpiresIn) * time.Second
	if lifetime <= t.earlyExpiry {
		lifetime = t.earlyExpiry + time.Second
	}
	t.token = payload.AccessToken
	t.expires = time.Now().Add(lifetime - t.earlyExpiry)
	return t.token, nil
}

// Invalidate drops the cached token.
func (t *TokenSource) Invalidate() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.token = ""
	t.expires = time.Time{}
}
