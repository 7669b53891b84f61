package aps

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"
)

// tokenSkew is the safety margin before expiry inside which a cached token
// is treated as stale and refreshed.
const tokenSkew = time.Minute

const tokenScope = "bucket:create bucket:delete data:create data:read data:write code:all"

// tokenCache holds one process-wide two-legged credential. Concurrent
// refreshes are idempotent; whichever write lands last is an equally valid
// credential.
type tokenCache struct {
	mu      sync.Mutex
	token   string
	expires time.Time
}

// token returns a valid bearer token, fetching a fresh one only when the
// cache is empty or within the skew margin of expiry.
func (c *Client) token(ctx context.Context) (string, error) {
	c.cache.mu.Lock()
	defer c.cache.mu.Unlock()

	if c.cache.token != "" && c.now().Before(c.cache.expires.Add(-tokenSkew)) {
		return c.cache.token, nil
	}

	form := url.Values{
		"grant_type":    {"client_credentials"},
		"client_id":     {c.clientID},
		"client_secret": {c.clientSecret},
		"scope":         {tokenScope},
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.baseURL+"/authentication/v2/token", strings.NewReader(form.Encode()))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := c.http.Do(req)
	if err != nil {
		return "", fmt.Errorf("request token: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return "", fmt.Errorf("token endpoint returned %d: %s", resp.StatusCode, truncate(string(body), 200))
	}

	var payload struct {
		AccessToken string `json:"access_token"`
		ExpiresIn   int    `json:"expires_in"`
	}
	if err := decodeJSON(resp.Body, &payload); err != nil {
		return "", fmt.Errorf("decode token response: %w", err)
	}
	if payload.AccessToken == "" {
		return "", fmt.Errorf("token endpoint returned an empty access_token")
	}

	c.cache.token = payload.AccessToken
	c.cache.expires = c.now().Add(time.Duration(payload.ExpiresIn) * time.Second)
	return c.cache.token, nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
