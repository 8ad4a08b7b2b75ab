// Package tokenserver exchanges an FxA access token for the short-lived
// Hawk credentials and per-user endpoint of the storage service.
package tokenserver

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/weavekit/sync15/internal/common"
	"github.com/weavekit/sync15/internal/hawk"
)

// Token is a successful exchange: Hawk credentials, the user's storage
// endpoint, and how long the pair stays valid.
type Token struct {
	ID          string  `json:"id"`
	Key         string  `json:"key"`
	UID         uint64  `json:"uid"`
	APIEndpoint string  `json:"api_endpoint"`
	Duration    float64 `json:"duration"`

	// HashedFxAUID identifies the user in telemetry without exposing
	// the real uid.
	HashedFxAUID string `json:"hashed_fxa_uid"`

	fetchedAt time.Time
}

// Credentials returns the token's Hawk signing pair.
func (t *Token) Credentials() *hawk.Credentials {
	return &hawk.Credentials{TokenID: t.ID, Key: []byte(t.Key)}
}

// Expired reports whether the token has outlived its duration.
func (t *Token) Expired(now time.Time) bool {
	if t.fetchedAt.IsZero() {
		return false
	}
	return now.After(t.fetchedAt.Add(time.Duration(t.Duration * float64(time.Second))))
}

// Client fetches tokens. XKeyID is the key identifier the host derived
// alongside kSync; the token server uses it to detect key rotation.
type Client struct {
	URL         string
	AccessToken string
	XKeyID      string
	HTTPClient  *http.Client
}

// Fetch performs the exchange. A 401 maps to the auth error taxonomy so
// the host knows to refresh its FxA token.
func (c *Client) Fetch(ctx context.Context) (*Token, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.URL, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to build tokenserver request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.AccessToken)
	if c.XKeyID != "" {
		req.Header.Set("X-KeyID", c.XKeyID)
	}

	httpClient := c.HTTPClient
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	resp, err := httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: tokenserver: %v", common.ErrNetwork, err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
	case http.StatusUnauthorized:
		return nil, &common.UnauthorizedError{Route: "tokenserver"}
	default:
		return nil, &common.HTTPError{Status: resp.StatusCode, Route: "tokenserver"}
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("%w: reading tokenserver response: %v", common.ErrNetwork, err)
	}
	var token Token
	if err := json.Unmarshal(body, &token); err != nil {
		return nil, fmt.Errorf("failed to decode tokenserver response: %w", err)
	}
	if token.ID == "" || token.Key == "" || token.APIEndpoint == "" {
		return nil, fmt.Errorf("tokenserver response missing fields")
	}
	token.fetchedAt = time.Now()
	return &token, nil
}
