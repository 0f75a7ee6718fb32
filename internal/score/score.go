// Package score queries the external reputation service. The result is
// attached to outbound messages as human context only; the certificate
// lifecycle never conditions issuance or revocation on it.
package score

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"time"
)

const defaultTimeout = 10 * time.Second

// Score is one identity's reputation reading.
type Score struct {
	Identity   string  `json:"identity"`
	Percentile float64 `json:"percentile"`
	Tier       string  `json:"tier,omitempty"`
}

// Client fetches reputation scores. A nil Client is valid and reports no
// score, so callers need no special casing when the service is not
// configured.
type Client struct {
	httpClient *http.Client
	baseURL    string
}

// NewClient creates a score client, or nil when no service is configured.
func NewClient(baseURL string) *Client {
	if baseURL == "" {
		return nil
	}
	return &Client{
		httpClient: &http.Client{Timeout: defaultTimeout},
		baseURL:    baseURL,
	}
}

// Lookup fetches the identity's percentile. Errors are for the caller to log;
// a missing score never blocks a flow.
func (c *Client) Lookup(ctx context.Context, identity string) (*Score, error) {
	if c == nil {
		return nil, nil
	}

	u := fmt.Sprintf("%s/score/%s", c.baseURL, url.PathEscape(identity))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, http.NoBody)
	if err != nil {
		return nil, fmt.Errorf("building score request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("querying score service: %w", err)
	}
	defer resp.Body.Close() //nolint:errcheck // read-only HTTP response

	if resp.StatusCode == http.StatusNotFound {
		return nil, nil // unscored identity
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("score service returned status %d", resp.StatusCode)
	}

	var s Score
	if err := json.NewDecoder(resp.Body).Decode(&s); err != nil {
		return nil, fmt.Errorf("decoding score response: %w", err)
	}
	return &s, nil
}
