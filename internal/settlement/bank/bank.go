// Package bank executes settlement payouts through the bank transfer API.
package bank

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"vinowpay/internal/settlement"
)

// Config holds bank transfer API configuration
type Config struct {
	BaseURL string        `envconfig:"BANK_BASE_URL" required:"true"`
	APIKey  string        `envconfig:"BANK_API_KEY" required:"true"`
	Timeout time.Duration `envconfig:"BANK_TIMEOUT" default:"30s"`
}

// Client implements settlement.BankClient over the bank's HTTP API
type Client struct {
	config     Config
	httpClient *http.Client
	logger     *slog.Logger
}

// NewClient creates a new bank client
func NewClient(cfg Config, logger *slog.Logger) *Client {
	return &Client{
		config: cfg,
		httpClient: &http.Client{
			Timeout: cfg.Timeout,
		},
		logger: logger,
	}
}

type transferRequest struct {
	IdempotencyKey string `json:"idempotency_key"`
	Amount         int64  `json:"amount"`
	Currency       string `json:"currency"`
	BankName       string `json:"bank_name"`
	AccountNo      string `json:"account_no"`
	AccountName    string `json:"account_name"`
	Description    string `json:"description"`
}

type transferResponse struct {
	Reference string `json:"reference"`
	Status    string `json:"status"`
	Message   string `json:"message"`
}

// Payout initiates a transfer of the settlement's net amount. The
// settlement number doubles as the idempotency key, so retrying a
// PROCESSING settlement cannot double-pay.
func (c *Client) Payout(ctx context.Context, req settlement.PayoutRequest) (string, error) {
	body, err := json.Marshal(transferRequest{
		IdempotencyKey: req.SettlementNo,
		Amount:         req.Amount.AmountMinor,
		Currency:       string(req.Amount.Currency),
		BankName:       req.Account.BankName,
		AccountNo:      req.Account.AccountNo,
		AccountName:    req.Account.AccountName,
		Description:    req.Description,
	})
	if err != nil {
		return "", fmt.Errorf("encoding transfer request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.config.BaseURL+"/v1/transfers", bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("building transfer request: %w", err)
	}
	httpReq.Header.Set("Authorization", "Bearer "+c.config.APIKey)
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return "", fmt.Errorf("sending transfer: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		c.logger.Error("bank transfer rejected",
			"settlement_no", req.SettlementNo,
			"status", resp.StatusCode,
			"body", string(raw),
		)
		return "", fmt.Errorf("bank API returned %d", resp.StatusCode)
	}

	var parsed transferResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return "", fmt.Errorf("decoding transfer response: %w", err)
	}
	if parsed.Reference == "" {
		return "", fmt.Errorf("bank API returned no reference: %s", parsed.Message)
	}

	return parsed.Reference, nil
}
