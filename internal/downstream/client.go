// Package downstream propagates accepted profile changes to one external
// target per configured consumer. Delivery is at-least-once and decoupled
// from the merge path: publish failures never fail a merge.
package downstream

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"idvault/internal/profile/models"
)

// ErrPermanent marks a target-side validation rejection. It is surfaced to
// operators and never retried.
var ErrPermanent = errors.New("permanent downstream rejection")

// ErrTransient marks a retryable failure (network, 5xx, expired auth).
var ErrTransient = errors.New("transient downstream failure")

// Tokens abstracts the credential exchange so tests can stub it.
type Tokens interface {
	Token(ctx context.Context) (string, error)
	Invalidate()
}

// Client talks to one downstream target: an enumeration endpoint for known
// identities and an idempotent profile upsert endpoint.
type Client struct {
	baseURL string
	http    *http.Client
	tokens  Tokens
}

// NewClient constructs a target client.
func NewClient(baseURL string, tokens Tokens, httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 15 * time.Second}
	}
	return &Client{baseURL: baseURL, http: httpClient, tokens: tokens}
}

// KnownIdentities fetches the target's identity enumeration once. Callers
// batch this; it is not a per-profile call.
func (c *Client) KnownIdentities(ctx context.Context) ([]string, error) {
	resp, err := c.do(ctx, http.MethodGet, c.baseURL+"/v2/users", nil)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, classifyStatus(resp.StatusCode, "enumerate known identities")
	}
	var keys []string
	if err := json.NewDecoder(resp.Body).Decode(&keys); err != nil {
		return nil, fmt.Errorf("decode known identities: %w", err)
	}
	return keys, nil
}

// Upsert posts the profile to the target. The target keys on identity, so
// re-delivery of an already-applied change is harmless.
func (c *Client) Upsert(ctx context.Context, profile models.Profile) error {
	body, err := json.Marshal(profile)
	if err != nil {
		return fmt.Errorf("encode profile: %w", err)
	}

	resp, err := c.do(ctx, http.MethodPost, c.baseURL+"/v2/user", body)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusOK || resp.StatusCode == http.StatusCreated || resp.StatusCode == http.StatusNoContent {
		return nil
	}
	return classifyStatus(resp.StatusCode, "upsert profile")
}

// do issues one authenticated request, refreshing the cached token and
// retrying exactly once on a 401-class response.
func (c *Client) do(ctx context.Context, method, url string, body []byte) (*http.Response, error) {
	resp, err := c.attempt(ctx, method, url, body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode == http.StatusUnauthorized {
		resp.Body.Close()
		c.tokens.Invalidate()
		return c.attempt(ctx, method, url, body)
	}
	return resp, nil
}

func (c *Client) attempt(ctx context.Context, method, url string, body []byte) (*http.Response, error) {
	token, err := c.tokens.Token(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: obtain token: %v", ErrTransient, err)
	}

	var reader *bytes.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	} else {
		reader = bytes.NewReader(nil)
	}
	req, err := http.NewRequestWithContext(ctx, method, url, reader)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+token)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrTransient, err)
	}
	return resp, nil
}

// classifyStatus splits target responses into the retry taxonomy: 4xx is a
// validation rejection (permanent, except auth which is handled upstream),
// everything else is transient.
func classifyStatus(status int, op string) error {
	if status >= 400 && status < 500 && status != http.StatusUnauthorized && status != http.StatusTooManyRequests {
		return fmt.Errorf("%w: %s: status %d", ErrPermanent, op, status)
	}
	return fmt.Errorf("%w: %s: status %d", ErrTransient, op, status)
}
