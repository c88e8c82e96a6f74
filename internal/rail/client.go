package rail

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/shopspring/decimal"
)

// Client talks to the external NGN payment-rail provider. Job creation and
// quoting are plain request/response calls; settlement arrives later through
// the provider's webhook.
type Client interface {
	// Quote returns the current NGN-per-USDC rate.
	Quote(ctx context.Context) (decimal.Decimal, error)
	// CreateOnramp opens an NGN collection that settles as USDC. Returns the
	// provider's transfer identifier.
	CreateOnramp(ctx context.Context, amountNGN int64, accountPhone string) (string, error)
	// CreateOfframp opens a USDC→NGN payout to a bank account. Returns the
	// provider's transfer identifier.
	CreateOfframp(ctx context.Context, amountUSDC int64, bankCode, bankAccount string) (string, error)
}

// HTTPClient is the production Client.
type HTTPClient struct {
	baseURL string
	apiKey  string
	http    *http.Client
}

func NewHTTPClient(baseURL, apiKey string) *HTTPClient {
	return &HTTPClient{
		baseURL: baseURL,
		apiKey:  apiKey,
		http:    &http.Client{Timeout: 15 * time.Second},
	}
}

func (c *HTTPClient) Quote(ctx context.Context) (decimal.Decimal, error) {
	var out struct {
		RateNGN string `json:"rate_ngn"`
	}
	if err := c.do(ctx, http.MethodGet, "/v1/rates/usdc-ngn", nil, &out); err != nil {
		return decimal.Zero, err
	}
	rate, err := decimal.NewFromString(out.RateNGN)
	if err != nil {
		return decimal.Zero, fmt.Errorf("provider returned malformed rate %q: %w", out.RateNGN, err)
	}
	if rate.Sign() <= 0 {
		return decimal.Zero, fmt.Errorf("provider returned non-positive rate %s", rate)
	}
	return rate, nil
}

func (c *HTTPClient) CreateOnramp(ctx context.Context, amountNGN int64, accountPhone string) (string, error) {
	req := map[string]any{"amount_ngn": amountNGN, "phone": accountPhone}
	var out struct {
		TransferID string `json:"transfer_id"`
	}
	if err := c.do(ctx, http.MethodPost, "/v1/onramps", req, &out); err != nil {
		return "", err
	}
	return out.TransferID, nil
}

func (c *HTTPClient) CreateOfframp(ctx context.Context, amountUSDC int64, bankCode, bankAccount string) (string, error) {
	req := map[string]any{"amount_usdc": amountUSDC, "bank_code": bankCode, "bank_account": bankAccount}
	var out struct {
		TransferID string `json:"transfer_id"`
	}
	if err := c.do(ctx, http.MethodPost, "/v1/offramps", req, &out); err != nil {
		return "", err
	}
	return out.TransferID, nil
}

func (c *HTTPClient) do(ctx context.Context, method, path string, body, out any) error {
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.apiKey)

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("rail provider unreachable: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("rail provider responded %d", resp.StatusCode)
	}
	return json.NewDecoder(resp.Body).Decode(out)
}
