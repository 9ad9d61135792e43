package handler

import (
	"io"
	"log/slog"
	"net/http"

	"github.com/nexus/payments/internal/domain"
	"github.com/nexus/payments/internal/service"
)

// WebhookHandler handles Mercado Pago webhook callbacks.
type WebhookHandler struct {
	paymentSvc *service.PaymentService
	logger     *slog.Logger
}

// NewWebhookHandler creates a new WebhookHandler.
func NewWebhookHandler(paymentSvc *service.PaymentService, logger *slog.Logger) *WebhookHandler {
	return &WebhookHandler{paymentSvc: paymentSvc, logger: logger}
}

// HandleMercadoPago handles POST /api/webhooks/mercadopago.
// The raw body is required for signature verification; no JSON middleware may
// touch it first.
func (h *WebhookHandler) HandleMercadoPago(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
	if err != nil {
		h.logger.Error("read webhook body", "error", err)
		w.WriteHeader(http.StatusBadRequest)
		return
	}

	sigHeader := r.Header.Get("x-signature")
	requestID := r.Header.Get("x-request-id")

	if err := h.paymentSvc.HandleMercadoPagoWebhook(r.Context(), body, sigHeader, requestID); err != nil {
		if appErr, ok := err.(*domain.AppError); ok && appErr.Status == http.StatusUnauthorized {
			h.logger.Warn("invalid mercadopago webhook signature")
			RespondJSON(w, http.StatusUnauthorized, map[string]string{"error": "Invalid signature"})
			return
		}
		// Infrastructure failure: answer 5xx so the provider retries.
		h.logger.Error("process mercadopago webhook", "error", err)
		RespondError(w, err)
		return
	}

	// Acknowledge receipt on every processed outcome.
	RespondJSON(w, http.StatusOK, map[string]bool{"received": true})
}
