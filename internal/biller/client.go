// Package biller is the external bill-aggregator boundary (electricity,
// airtime, TV). The ledger debits first; this client only reports whether
// the provider accepted the payment.
package biller

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

type HTTPClient struct {
	baseURL string
	apiKey  string
	http    *http.Client
}

func NewHTTPClient(baseURL, apiKey string) *HTTPClient {
	return &HTTPClient{
		baseURL: baseURL,
		apiKey:  apiKey,
		http:    &http.Client{Timeout: 20 * time.Second},
	}
}

func (c *HTTPClient) Pay(ctx context.Context, category, billerRef string, amountUSDC int64) error {
	payload, err := json.Marshal(map[string]any{
		"category":    category,
		"biller_ref":  billerRef,
		"amount_usdc": amountUSDC,
	})
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/payments", bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.apiKey)

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("biller unreachable: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("biller responded %d", resp.StatusCode)
	}
	return nil
}
