package handler

import (
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"

	"github.com/shopspring/decimal"

	"github.com/nexus/payments/internal/service"
)

// CustomPaymentHandler handles the manual-confirmation webhook surface: a
// shared-secret HMAC over the exact request body authenticates each call.
type CustomPaymentHandler struct {
	paymentSvc *service.PaymentService
	logger     *slog.Logger
}

// NewCustomPaymentHandler creates a CustomPaymentHandler.
func NewCustomPaymentHandler(paymentSvc *service.PaymentService, logger *slog.Logger) *CustomPaymentHandler {
	return &CustomPaymentHandler{paymentSvc: paymentSvc, logger: logger}
}

type confirmRequest struct {
	Username string         `json:"username"`
	Amount   json.Number    `json:"amount"`
	Method   string         `json:"method"`
	Metadata map[string]any `json:"metadata"`
}

type pendingRequest struct {
	Username   string      `json:"username"`
	Amount     json.Number `json:"amount"`
	Method     string      `json:"method"`
	ExternalID string      `json:"externalId"`
}

// Confirm handles POST /api/webhooks/custom/confirm.
func (h *CustomPaymentHandler) Confirm(w http.ResponseWriter, r *http.Request) {
	body, ok := h.verifiedBody(w, r)
	if !ok {
		return
	}

	var req confirmRequest
	if err := json.Unmarshal(body, &req); err != nil {
		RespondJSON(w, http.StatusBadRequest, map[string]string{"error": "malformed JSON body"})
		return
	}

	amount, err := decimal.NewFromString(req.Amount.String())
	if err != nil || req.Username == "" {
		RespondJSON(w, http.StatusBadRequest,
			map[string]string{"error": "Missing required fields: username, amount"})
		return
	}

	result, err := h.paymentSvc.ConfirmManual(r.Context(), service.ManualConfirmation{
		Username: req.Username,
		Amount:   amount,
		Method:   req.Method,
		Metadata: req.Metadata,
	})
	if err != nil {
		h.logger.Error("confirm manual payment", "username", req.Username, "error", err)
		RespondError(w, err)
		return
	}

	h.logger.Info("custom payment processed",
		"username", req.Username,
		"amount", amount.String(),
		"transaction_id", result.Transaction.ID,
	)

	RespondJSON(w, http.StatusOK, map[string]any{
		"success": true,
		"message": "Payment confirmed",
		"data": map[string]any{
			"player":        req.Username,
			"amount":        json.Number(amount.String()),
			"newBalance":    json.Number(result.NewBalance.String()),
			"transactionId": result.Transaction.ID,
			"externalId":    result.Transaction.ExternalID,
		},
	})
}

// Pending handles POST /api/webhooks/custom/pending.
func (h *CustomPaymentHandler) Pending(w http.ResponseWriter, r *http.Request) {
	body, ok := h.verifiedBody(w, r)
	if !ok {
		return
	}

	var req pendingRequest
	if err := json.Unmarshal(body, &req); err != nil {
		RespondJSON(w, http.StatusBadRequest, map[string]string{"error": "malformed JSON body"})
		return
	}

	amount, err := decimal.NewFromString(req.Amount.String())
	if err != nil || req.Username == "" || req.ExternalID == "" {
		RespondJSON(w, http.StatusBadRequest,
			map[string]string{"error": "Missing required fields: username, amount, externalId"})
		return
	}

	result, err := h.paymentSvc.CreatePending(r.Context(), service.PendingPayment{
		Username:   req.Username,
		Amount:     amount,
		Method:     req.Method,
		ExternalID: req.ExternalID,
	})
	if err != nil {
		h.logger.Error("create pending payment", "external_id", req.ExternalID, "error", err)
		RespondError(w, err)
		return
	}

	h.logger.Info("pending payment created",
		"username", req.Username,
		"external_id", req.ExternalID,
		"outcome", string(result.Outcome),
	)

	RespondJSON(w, http.StatusOK, map[string]any{
		"success": true,
		"message": "Pending payment created",
		"data": map[string]any{
			"player":     req.Username,
			"amount":     json.Number(amount.String()),
			"externalId": req.ExternalID,
			"status":     "PENDING",
		},
	})
}

// canonicalBody is the field order clients sign against.
type canonicalBody struct {
	Username string      `json:"username"`
	Amount   json.Number `json:"amount"`
	Method   string      `json:"method"`
}

// GenerateSignature handles GET /api/webhooks/custom/generate-signature: an
// operator helper that returns a signed, ready-to-paste confirmation call.
func (h *CustomPaymentHandler) GenerateSignature(w http.ResponseWriter, r *http.Request) {
	username := r.URL.Query().Get("username")
	rawAmount := r.URL.Query().Get("amount")
	method := r.URL.Query().Get("method")
	if method == "" {
		method = "MANUAL"
	}

	amount, err := decimal.NewFromString(rawAmount)
	if err != nil || username == "" {
		RespondJSON(w, http.StatusBadRequest,
			map[string]string{"error": "Missing required parameters: username, amount"})
		return
	}

	body, _ := json.Marshal(canonicalBody{
		Username: username,
		Amount:   json.Number(amount.String()),
		Method:   method,
	})
	sig := h.paymentSvc.SignCustomPayload(body)

	RespondJSON(w, http.StatusOK, map[string]any{
		"body":      string(body),
		"signature": sig,
		"headers": map[string]string{
			"Content-Type":        "application/json",
			"X-Payment-Signature": sig,
		},
		"curlExample": fmt.Sprintf(
			"curl -X POST http://localhost:3000/api/webhooks/custom/confirm \\\n"+
				"  -H \"Content-Type: application/json\" \\\n"+
				"  -H \"X-Payment-Signature: %s\" \\\n"+
				"  -d '%s'", sig, string(body)),
	})
}

// verifiedBody reads the raw body and checks the x-payment-signature header.
// Verification happens on the exact bytes sent; parse only after it passes.
func (h *CustomPaymentHandler) verifiedBody(w http.ResponseWriter, r *http.Request) ([]byte, bool) {
	body, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
	if err != nil {
		RespondJSON(w, http.StatusBadRequest, map[string]string{"error": "unreadable body"})
		return nil, false
	}

	if !h.paymentSvc.VerifyCustomSignature(body, r.Header.Get("x-payment-signature")) {
		h.logger.Warn("invalid custom payment signature")
		RespondJSON(w, http.StatusUnauthorized, map[string]string{"error": "Invalid signature"})
		return nil, false
	}
	return body, true
}
