package domain

import (
	"encoding/json"
	"time"

	"github.com/shopspring/decimal"
)

// TransactionStatus is the payment state machine. PENDING may move to
// COMPLETED or FAILED; both of those are terminal and must never be
// overwritten.
type TransactionStatus string

const (
	StatusPending   TransactionStatus = "PENDING"
	StatusCompleted TransactionStatus = "COMPLETED"
	StatusFailed    TransactionStatus = "FAILED"
)

// Terminal reports whether the status may never change again.
func (s TransactionStatus) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// CanTransitionTo reports whether the state machine allows s -> to.
func (s TransactionStatus) CanTransitionTo(to TransactionStatus) bool {
	return s == StatusPending && to.Terminal()
}

// TransactionType classifies what was purchased. Only VIP packages today.
type TransactionType string

const TypeVIPPurchase TransactionType = "VIP_PURCHASE"

// Transaction mirrors the nexus_transactions table. ExternalID carries the
// provider- or caller-assigned payment id and is the idempotency key: the
// table holds a unique index on it.
//
// BalanceApplied is the crash-recovery marker: it is flipped to true in the
// same database transaction that increments the player balance, so a
// COMPLETED row with BalanceApplied=false is exactly the state the sweeper
// must repair.
type Transaction struct {
	ID             int64
	PlayerUUID     string
	Amount         decimal.Decimal
	Type           TransactionType
	Status         TransactionStatus
	Description    string
	PaymentMethod  string
	ExternalID     string
	Metadata       json.RawMessage
	BalanceApplied bool
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// NewTransaction holds the caller-supplied fields for an insert.
type NewTransaction struct {
	PlayerUUID    string
	Amount        decimal.Decimal
	Type          TransactionType
	Status        TransactionStatus
	Description   string
	PaymentMethod string
	ExternalID    string
	Metadata      json.RawMessage
}
