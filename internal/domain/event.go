package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// EventStatus is the declared status of an inbound payment notification,
// normalized from the provider's vocabulary.
type EventStatus string

const (
	EventApproved  EventStatus = "approved"
	EventPending   EventStatus = "pending"
	EventRejected  EventStatus = "rejected"
	EventCancelled EventStatus = "cancelled"
	// EventManual is a synchronous operator confirmation: completed
	// immediately, no prior pending row expected.
	EventManual EventStatus = "manual"
)

// PaymentEvent is the normalized, verified form of one inbound notification.
// It is ephemeral; the reconciliation engine turns it into ledger writes.
type PaymentEvent struct {
	Provider   string
	ExternalID string
	Username   string
	Amount     decimal.Decimal
	Status     EventStatus
	Method     string
	Metadata   map[string]any
	ReceivedAt time.Time
}
