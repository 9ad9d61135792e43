package domain

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Outbox event types published to Kafka for the game server.
const (
	EventTypePaymentCompleted = "payment.completed"
)

// OutboxEvent is one row of the transactional payment_outbox. Rows are
// written in the same database transaction as the balance increment and
// published by cmd/outbox-publisher.
type OutboxEvent struct {
	EventID     uuid.UUID
	ExternalID  string
	EventType   string
	Payload     json.RawMessage
	OccurredAt  time.Time
	PublishedAt *time.Time
}

// NewPaymentCompletedEvent builds the outbox row for a completed payment.
func NewPaymentCompletedEvent(tx *Transaction, newBalance decimal.Decimal) OutboxEvent {
	payload, _ := json.Marshal(map[string]any{
		"transaction_id": tx.ID,
		"external_id":    tx.ExternalID,
		"player_uuid":    tx.PlayerUUID,
		"amount":         json.Number(tx.Amount.String()),
		"new_balance":    json.Number(newBalance.String()),
		"payment_method": tx.PaymentMethod,
	})
	return OutboxEvent{
		EventID:    uuid.New(),
		ExternalID: tx.ExternalID,
		EventType:  EventTypePaymentCompleted,
		Payload:    payload,
	}
}
