// Package gateway queries the payment provider for the authoritative state of
// a payment. Webhook payloads are hints only; reconciliation always re-reads
// the payment from here before crediting anything.
package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"go.uber.org/zap"

	"github.com/girinapp/girinhas/pkg/girinhas"
)

// Payment status values as reported by the provider.
const (
	StatusApproved = "approved"
	StatusPending  = "pending"
	StatusRejected = "rejected"
)

const defaultRequestTimeout = 8 * time.Second

// Payment is the provider's view of a single payment.
type Payment struct {
	PaymentID         string `json:"id"`
	Status            string `json:"status"`
	AmountBRLCents    int64  `json:"transaction_amount_cents"`
	ExternalReference string `json:"external_reference"`
}

// Client looks up payments over the provider's REST API.
type Client struct {
	baseURL     string
	accessToken string
	httpClient  *http.Client
	logger      *zap.Logger
}

// NewClient returns a Client for the given provider endpoint. A nil logger
// falls back to a no-op logger.
func NewClient(baseURL string, accessToken string, logger *zap.Logger) *Client {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{
		baseURL:     baseURL,
		accessToken: accessToken,
		httpClient:  &http.Client{Timeout: defaultRequestTimeout},
		logger:      logger,
	}
}

// Lookup fetches the current state of a payment. A missing payment maps to
// girinhas.ErrPaymentNotFound; any transport or non-2xx failure maps to
// girinhas.ErrGatewayUnavailable so callers can retry.
func (client *Client) Lookup(ctx context.Context, paymentID string) (Payment, error) {
	endpoint := fmt.Sprintf("%s/v1/payments/%s", client.baseURL, url.PathEscape(paymentID))
	request, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return Payment{}, fmt.Errorf("build payment lookup: %w", err)
	}
	request.Header.Set("Authorization", "Bearer "+client.accessToken)

	response, err := client.httpClient.Do(request)
	if err != nil {
		client.logger.Warn("payment lookup failed",
			zap.String("payment_id", paymentID),
			zap.Error(err),
		)
		return Payment{}, fmt.Errorf("payment lookup: %w", girinhas.ErrGatewayUnavailable)
	}
	defer func() { _ = response.Body.Close() }()

	switch {
	case response.StatusCode == http.StatusNotFound:
		return Payment{}, fmt.Errorf("payment %s: %w", paymentID, girinhas.ErrPaymentNotFound)
	case response.StatusCode < 200 || response.StatusCode > 299:
		client.logger.Warn("payment lookup rejected",
			zap.String("payment_id", paymentID),
			zap.Int("status_code", response.StatusCode),
		)
		return Payment{}, fmt.Errorf("payment lookup status %d: %w", response.StatusCode, girinhas.ErrGatewayUnavailable)
	}

	var payment Payment
	if err := json.NewDecoder(response.Body).Decode(&payment); err != nil {
		return Payment{}, fmt.Errorf("decode payment %s: %w", paymentID, girinhas.ErrGatewayUnavailable)
	}
	if payment.PaymentID == "" {
		payment.PaymentID = paymentID
	}
	return payment, nil
}
