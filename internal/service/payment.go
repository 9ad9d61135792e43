package service

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"

	"github.com/nexus/payments/internal/domain"
	"github.com/nexus/payments/internal/provider"
	"github.com/nexus/payments/internal/reconcile"
	"github.com/nexus/payments/internal/signature"
)

// Payment method tags stored on transactions. MERCADO_PAGO_PIX is what the
// game server plugin expects for PIX purchases.
const (
	methodPIX           = "MERCADO_PAGO_PIX"
	defaultManualMethod = "MANUAL"
)

// PaymentService orchestrates webhook processing: verify, normalize,
// reconcile.
type PaymentService struct {
	engine        *reconcile.Engine
	mercadopago   *provider.MercadoPagoClient
	webhookSecret string
	customSecret  string
	logger        *slog.Logger
}

// NewPaymentService creates a PaymentService.
func NewPaymentService(
	engine *reconcile.Engine,
	mercadopago *provider.MercadoPagoClient,
	webhookSecret, customSecret string,
	logger *slog.Logger,
) *PaymentService {
	return &PaymentService{
		engine:        engine,
		mercadopago:   mercadopago,
		webhookSecret: webhookSecret,
		customSecret:  customSecret,
		logger:        logger,
	}
}

type webhookEnvelope struct {
	Type string `json:"type"`
	Data struct {
		ID json.Number `json:"id"`
	} `json:"data"`
}

// HandleMercadoPagoWebhook processes one provider notification. The caller
// passes the raw body and the x-signature / x-request-id headers.
//
// Outcomes other than bad signatures and infrastructure failures return nil:
// the endpoint must acknowledge receipt so the provider does not build a
// retry storm out of events we can never apply.
func (s *PaymentService) HandleMercadoPagoWebhook(ctx context.Context, body []byte, sigHeader, requestID string) error {
	var envelope webhookEnvelope
	if err := json.Unmarshal(body, &envelope); err != nil {
		return domain.ErrValidation("malformed webhook body")
	}

	if !signature.VerifyManifest(envelope.Data.ID.String(), requestID, sigHeader, s.webhookSecret) {
		return domain.ErrUnauthorized("invalid webhook signature")
	}

	if envelope.Type != "payment" {
		s.logger.Info("ignoring webhook type", "type", envelope.Type)
		return nil
	}

	paymentID := envelope.Data.ID.String()
	payment, err := s.mercadopago.GetPayment(ctx, paymentID)
	if err != nil {
		return err
	}

	s.logger.Info("payment details retrieved",
		"payment_id", paymentID,
		"status", payment.Status,
		"amount", payment.TransactionAmount.String(),
	)

	username, ok := payment.PlayerUsername()
	if !ok {
		s.logger.Error("payment has no player reference", "payment_id", paymentID)
		return nil
	}

	status, ok := mapProviderStatus(payment.Status)
	if !ok {
		s.logger.Info("ignoring payment status",
			"payment_id", paymentID, "status", payment.Status)
		return nil
	}

	event := domain.PaymentEvent{
		Provider:   "mercadopago",
		ExternalID: "MP_" + paymentID,
		Username:   username,
		Amount:     payment.TransactionAmount,
		Status:     status,
		Method:     methodPIX,
		Metadata: map[string]any{
			"mercadoPagoId": paymentID,
			"paymentType":   payment.PaymentTypeID,
			"statusDetail":  payment.StatusDetail,
			"approvedAt":    payment.DateApproved,
		},
		ReceivedAt: time.Now(),
	}

	result, err := s.engine.Reconcile(ctx, event)
	if err != nil {
		var appErr *domain.AppError
		if errors.As(err, &appErr) {
			switch appErr.Code {
			case "NOT_FOUND":
				// An approved payment for a player we do not know.
				// Redelivery cannot fix this; acknowledge and alert.
				s.logger.Error("player not found for payment",
					"payment_id", paymentID, "username", username)
				return nil
			case "CONFLICT":
				s.logger.Error("terminal-state conflict",
					"payment_id", paymentID, "external_id", event.ExternalID, "error", err)
				return nil
			}
		}
		return err
	}

	s.logger.Info("payment reconciled",
		"payment_id", paymentID,
		"external_id", event.ExternalID,
		"outcome", string(result.Outcome),
	)
	return nil
}

func mapProviderStatus(status string) (domain.EventStatus, bool) {
	switch status {
	case "approved":
		return domain.EventApproved, true
	case "pending":
		return domain.EventPending, true
	case "rejected":
		return domain.EventRejected, true
	case "cancelled":
		return domain.EventCancelled, true
	default:
		return "", false
	}
}

// ManualConfirmation is a synchronous operator-confirmed payment.
type ManualConfirmation struct {
	Username string
	Amount   decimal.Decimal
	Method   string
	Metadata map[string]any
}

// ConfirmManual records a manual payment as COMPLETED with immediate balance
// effect. The external id is generated here; each confirmation is its own
// payment.
func (s *PaymentService) ConfirmManual(ctx context.Context, req ManualConfirmation) (*reconcile.Result, error) {
	if req.Username == "" || !req.Amount.IsPositive() {
		return nil, domain.ErrValidation("missing required fields: username, amount")
	}
	method := req.Method
	if method == "" {
		method = defaultManualMethod
	}

	meta := map[string]any{}
	for k, v := range req.Metadata {
		meta[k] = v
	}
	meta["confirmedAt"] = time.Now().UTC().Format(time.RFC3339)
	meta["source"] = "custom_webhook"

	event := domain.PaymentEvent{
		Provider:   "custom",
		ExternalID: newCustomExternalID(),
		Username:   req.Username,
		Amount:     req.Amount,
		Status:     domain.EventManual,
		Method:     method,
		Metadata:   meta,
		ReceivedAt: time.Now(),
	}
	return s.engine.Reconcile(ctx, event)
}

// PendingPayment is a caller-supplied deferred payment awaiting confirmation.
type PendingPayment struct {
	Username   string
	Amount     decimal.Decimal
	Method     string
	ExternalID string
}

// CreatePending records a PENDING transaction. The balance is untouched until
// an approved event arrives for the same external id.
func (s *PaymentService) CreatePending(ctx context.Context, req PendingPayment) (*reconcile.Result, error) {
	if req.Username == "" || !req.Amount.IsPositive() || req.ExternalID == "" {
		return nil, domain.ErrValidation("missing required fields: username, amount, externalId")
	}
	method := req.Method
	if method == "" {
		method = defaultManualMethod
	}

	event := domain.PaymentEvent{
		Provider:   "custom",
		ExternalID: req.ExternalID,
		Username:   req.Username,
		Amount:     req.Amount,
		Status:     domain.EventPending,
		Method:     method,
		ReceivedAt: time.Now(),
	}
	return s.engine.Reconcile(ctx, event)
}

// VerifyCustomSignature checks the x-payment-signature header against the
// raw request body.
func (s *PaymentService) VerifyCustomSignature(body []byte, header string) bool {
	return signature.VerifySimpleHMAC(body, header, s.customSecret)
}

// SignCustomPayload signs a canonical body for the operator helper endpoint.
func (s *PaymentService) SignCustomPayload(body []byte) string {
	return signature.Sign(body, s.customSecret)
}

// newCustomExternalID builds ids like CUSTOM_1704908010123_9f3a21bc: unique
// per confirmation, recognizable in the shared table.
func newCustomExternalID() string {
	buf := make([]byte, 4)
	rand.Read(buf)
	return fmt.Sprintf("CUSTOM_%d_%s", time.Now().UnixMilli(), hex.EncodeToString(buf))
}
