// Package feed fetches external provider statements for reconciliation.
package feed

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"vinowpay/internal/recon"
)

// Config holds statement feed configuration
type Config struct {
	BaseURL string        `envconfig:"STATEMENT_BASE_URL" required:"true"`
	APIKey  string        `envconfig:"STATEMENT_API_KEY" required:"true"`
	Timeout time.Duration `envconfig:"STATEMENT_TIMEOUT" default:"30s"`
}

// Client fetches settlement statements from the payment gateway's
// statement API. It implements recon.StatementFeed.
type Client struct {
	config     Config
	httpClient *http.Client
	logger     *slog.Logger
}

// NewClient creates a new statement feed client
func NewClient(cfg Config, logger *slog.Logger) *Client {
	return &Client{
		config: cfg,
		httpClient: &http.Client{
			Timeout: cfg.Timeout,
		},
		logger: logger,
	}
}

type statementResponse struct {
	Entries []recon.StatementEntry `json:"entries"`
}

// Fetch retrieves the statement lines for a merchant's window
func (c *Client) Fetch(ctx context.Context, merchantID string, periodStart, periodEnd time.Time) ([]recon.StatementEntry, error) {
	endpoint := fmt.Sprintf("%s/v1/merchants/%s/statements", c.config.BaseURL, url.PathEscape(merchantID))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("building statement request: %w", err)
	}

	q := req.URL.Query()
	q.Set("from", periodStart.UTC().Format(time.RFC3339))
	q.Set("to", periodEnd.UTC().Format(time.RFC3339))
	req.URL.RawQuery = q.Encode()
	req.Header.Set("Authorization", "Bearer "+c.config.APIKey)
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetching statement: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		c.logger.Warn("statement API returned error",
			"merchant_id", merchantID,
			"status", resp.StatusCode,
			"body", string(body),
		)
		return nil, fmt.Errorf("statement API returned %d", resp.StatusCode)
	}

	var parsed statementResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return nil, fmt.Errorf("decoding statement: %w", err)
	}

	entries := parsed.Entries
	if entries == nil {
		entries = []recon.StatementEntry{}
	}

	return entries, nil
}
