// Package matchworker provides the trigger interface to the external
// Matching Worker. The worker selects lender capital for a trade and
// calls back into the allocation and trade endpoints; the core never
// inspects its matching policy.
package matchworker

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"
)

// Client invokes the Matching Worker over HTTP. Calls carry a bounded
// timeout; a timeout is an unknown outcome and the trade stays in
// PENDING_MATCH for the next scheduler pass.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// NewClient creates a worker client against the given base URL.
func NewClient(baseURL string, timeout time.Duration) *Client {
	return &Client{
		baseURL:    baseURL,
		httpClient: &http.Client{Timeout: timeout},
	}
}

// Invoke asks the worker to attempt a match for the trade.
func (c *Client) Invoke(ctx context.Context, tradeID string) error {
	body, err := json.Marshal(map[string]string{"trade_id": tradeID})
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.baseURL+"/invoke", bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("matchworker: invoke trade %s: %w", tradeID, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("matchworker: invoke trade %s: status %d", tradeID, resp.StatusCode)
	}
	return nil
}

// Noop is used when no worker is configured (development). Invocations
// are logged and dropped; trades stay in PENDING_MATCH until matched by
// hand or expired.
type Noop struct{}

func (Noop) Invoke(_ context.Context, tradeID string) error {
	slog.Warn("match invocation dropped (no worker configured)", "trade_id", tradeID)
	return nil
}
