package collab

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/audius/snapback-node/pkg/models"
)

// probeTimeout bounds every individual outbound HTTP call issued by this
// package; it is independent of the completion monitor's overall deadline.
const probeTimeout = 2 * time.Second

// Client issues the four outbound HTTP calls named in spec.md §6. It holds
// no state beyond the underlying *http.Client and is safe for concurrent use.
type Client struct {
	hc *http.Client
}

// NewClient builds a Client with the given per-call timeout; if timeout is
// zero, probeTimeout is used.
func NewClient(timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = probeTimeout
	}
	return &Client{hc: &http.Client{Timeout: timeout}}
}

func (c *Client) postJSON(ctx context.Context, url string, body any, out any) error {
	buf, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("marshal request body: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(buf))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.hc.Do(req)
	if err != nil {
		return fmt.Errorf("POST %s: %w", url, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("POST %s: status %d", url, resp.StatusCode)
	}

	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func (c *Client) getJSON(ctx context.Context, url string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}

	resp, err := c.hc.Do(req)
	if err != nil {
		return fmt.Errorf("GET %s: %w", url, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("GET %s: status %d", url, resp.StatusCode)
	}

	return json.NewDecoder(resp.Body).Decode(out)
}

// Sync issues POST {target}/sync.
func (c *Client) Sync(ctx context.Context, target models.Endpoint, req SyncRequest) error {
	url := fmt.Sprintf("%s/sync", target)
	return c.postJSON(ctx, url, req, nil)
}

// BatchClockStatus issues POST {target}/users/batch_clock_status and returns
// a wallet->clock map built from the response.
func (c *Client) BatchClockStatus(ctx context.Context, target models.Endpoint, wallets []string) (map[string]int64, error) {
	url := fmt.Sprintf("%s/users/batch_clock_status", target)
	var resp BatchClockStatusResponse
	if err := c.postJSON(ctx, url, BatchClockStatusRequest{WalletPublicKeys: wallets}, &resp); err != nil {
		return nil, err
	}

	out := make(map[string]int64, len(resp.Data.Users))
	for _, u := range resp.Data.Users {
		out[u.WalletPublicKey] = u.Clock
	}
	return out, nil
}

// ClockStatus issues GET {target}/users/clock_status/{wallet}.
func (c *Client) ClockStatus(ctx context.Context, target models.Endpoint, wallet string) (int64, error) {
	url := fmt.Sprintf("%s/users/clock_status/%s", target, wallet)
	var resp ClockStatusResponse
	if err := c.getJSON(ctx, url, &resp); err != nil {
		return 0, err
	}
	return resp.Data.ClockValue, nil
}

// HealthProbe issues a GET against endpoint's health route. Any transport
// error or non-2xx response reports unhealthy, per spec.md §4.1; the
// returned error (nil when healthy) carries the transport-level cause so
// callers can classify it as a transient peer failure.
func (c *Client) HealthProbe(ctx context.Context, endpoint models.Endpoint) error {
	ctx, cancel := context.WithTimeout(ctx, probeTimeout)
	defer cancel()

	url := fmt.Sprintf("%s/health_check", endpoint)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("build health check request: %w", err)
	}

	resp, err := c.hc.Do(req)
	if err != nil {
		return fmt.Errorf("health check transport error: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("health check status %d", resp.StatusCode)
	}
	return nil
}
