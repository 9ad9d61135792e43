// Package provider holds clients for external payment APIs.
package provider

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/shopspring/decimal"

	"github.com/nexus/payments/internal/domain"
)

// MercadoPagoClient fetches payment details from the Mercado Pago API. A
// webhook only carries the payment id; the authoritative status and amount
// come from this lookup.
type MercadoPagoClient struct {
	accessToken string
	baseURL     string
	http        *http.Client
	logger      *slog.Logger
}

// NewMercadoPagoClient creates a client with a bounded request timeout.
func NewMercadoPagoClient(accessToken, baseURL string, timeout time.Duration, logger *slog.Logger) *MercadoPagoClient {
	if baseURL == "" {
		baseURL = "https://api.mercadopago.com"
	}
	return &MercadoPagoClient{
		accessToken: accessToken,
		baseURL:     baseURL,
		http:        &http.Client{Timeout: timeout},
		logger:      logger,
	}
}

// Payment is the subset of the Mercado Pago payment resource the gateway
// uses.
type Payment struct {
	ID                json.Number     `json:"id"`
	Status            string          `json:"status"`
	StatusDetail      string          `json:"status_detail"`
	TransactionAmount decimal.Decimal `json:"transaction_amount"`
	PaymentTypeID     string          `json:"payment_type_id"`
	DateApproved      string          `json:"date_approved"`
	ExternalReference string          `json:"external_reference"`
	Metadata          PaymentMetadata `json:"metadata"`
}

// PaymentMetadata carries the checkout fields the storefront attaches.
type PaymentMetadata struct {
	Username string `json:"username"`
}

// PlayerUsername resolves the player this payment belongs to: the metadata
// field first, then the external reference. Returns false when neither is
// set rather than an empty username.
func (p *Payment) PlayerUsername() (string, bool) {
	if p.Metadata.Username != "" {
		return p.Metadata.Username, true
	}
	if p.ExternalReference != "" {
		return p.ExternalReference, true
	}
	return "", false
}

// GetPayment fetches a payment by id. Timeouts and non-2xx responses are
// retryable: the webhook answers 5xx so the provider redelivers.
func (c *MercadoPagoClient) GetPayment(ctx context.Context, id string) (*Payment, error) {
	url := fmt.Sprintf("%s/v1/payments/%s", c.baseURL, id)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, domain.ErrInternal("build payment request", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.accessToken)

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, domain.ErrUnavailable("mercadopago api call", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		c.logger.Error("mercadopago api error",
			"payment_id", id, "status", resp.StatusCode, "body", string(body))
		return nil, domain.ErrUnavailable(
			fmt.Sprintf("mercadopago returned status %d", resp.StatusCode), nil)
	}

	var payment Payment
	if err := json.NewDecoder(resp.Body).Decode(&payment); err != nil {
		return nil, domain.ErrUnavailable("decode payment response", err)
	}
	return &payment, nil
}
