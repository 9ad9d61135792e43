// Package reconcile applies verified payment events to the transaction
// ledger and player balances exactly once, regardless of delivery count or
// order. Correctness comes from atomic storage operations (conditional
// UPDATEs, the external_id unique index, server-side balance arithmetic),
// never from in-process locking: the database is the only component that
// sees every concurrent writer.
package reconcile

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/shopspring/decimal"

	"github.com/nexus/payments/internal/domain"
	"github.com/nexus/payments/internal/repository"
)

// Outcome classifies what a reconciliation call did.
type Outcome string

const (
	// OutcomeCreated: a new transaction was inserted directly as COMPLETED
	// and the balance was credited.
	OutcomeCreated Outcome = "created"
	// OutcomeCompleted: an existing PENDING transaction was transitioned to
	// COMPLETED and the balance was credited.
	OutcomeCompleted Outcome = "completed"
	// OutcomeAlreadyPending: a pending event for an external id that
	// already has a row. No-op.
	OutcomeAlreadyPending Outcome = "already_pending"
	// OutcomeAlreadyCompleted: a duplicate delivery for a transaction that
	// already completed. The balance was not credited again.
	OutcomeAlreadyCompleted Outcome = "already_completed"
	// OutcomeRejected: the transaction was marked FAILED (or there was
	// nothing to fail). The balance is untouched.
	OutcomeRejected Outcome = "rejected"
)

// Result reports the effect of one reconciliation.
type Result struct {
	Outcome     Outcome
	Transaction *domain.Transaction
	// NewBalance is set only when this call credited the balance.
	NewBalance decimal.Decimal
}

// Engine is the reconciliation core. All storage access goes through the
// injected repositories and pool; the engine itself holds no state.
type Engine struct {
	db           repository.DB
	players      repository.PlayerRepository
	transactions repository.TransactionRepository
	outbox       repository.OutboxRepository
	logger       *slog.Logger
}

// NewEngine creates a reconciliation engine.
func NewEngine(
	db repository.DB,
	players repository.PlayerRepository,
	transactions repository.TransactionRepository,
	outbox repository.OutboxRepository,
	logger *slog.Logger,
) *Engine {
	return &Engine{
		db:           db,
		players:      players,
		transactions: transactions,
		outbox:       outbox,
		logger:       logger,
	}
}

// Reconcile applies one verified payment event. Replaying the same event any
// number of times, in any order relative to its siblings for the same
// external id, yields the same terminal state and exactly one balance credit.
func (e *Engine) Reconcile(ctx context.Context, event domain.PaymentEvent) (*Result, error) {
	switch event.Status {
	case domain.EventApproved, domain.EventManual:
		return e.complete(ctx, event)
	case domain.EventPending:
		return e.createPending(ctx, event)
	case domain.EventRejected, domain.EventCancelled:
		return e.reject(ctx, event)
	default:
		return nil, domain.ErrValidation(fmt.Sprintf("unknown event status %q", event.Status))
	}
}

// complete handles approved and manual events. Two paths race safely:
// transition an existing PENDING row, or insert a fresh COMPLETED row. The
// external_id unique index guarantees at most one of each ever succeeds.
func (e *Engine) complete(ctx context.Context, event domain.PaymentEvent) (*Result, error) {
	player, err := e.players.FindByUsername(ctx, e.db, event.Username)
	if err != nil {
		return nil, domain.ErrUnavailable("look up player", err)
	}
	if player == nil {
		return nil, domain.ErrNotFound("player", event.Username)
	}

	meta := encodeMetadata(event.Metadata)

	// A bounded retry absorbs the window where a concurrent pending insert
	// commits between our transition attempt and our insert attempt.
	for attempt := 0; attempt < 3; attempt++ {
		// Path 1: complete an existing PENDING row. Single conditional
		// UPDATE; the stored amount wins over the event's.
		tx, err := e.transactions.TransitionStatus(ctx, e.db, event.ExternalID,
			domain.StatusPending, domain.StatusCompleted, meta)
		if err != nil {
			return nil, domain.ErrUnavailable("transition transaction", err)
		}
		if tx != nil {
			return e.credit(ctx, tx, OutcomeCompleted)
		}

		// Path 2: no pending row; record the payment directly as COMPLETED.
		tx, err = e.transactions.Insert(ctx, e.db, domain.NewTransaction{
			PlayerUUID:    player.UUID,
			Amount:        event.Amount,
			Type:          domain.TypeVIPPurchase,
			Status:        domain.StatusCompleted,
			Description:   completionDescription(event),
			PaymentMethod: event.Method,
			ExternalID:    event.ExternalID,
			Metadata:      meta,
		})
		if err == nil {
			return e.credit(ctx, tx, OutcomeCreated)
		}
		if !errors.Is(err, domain.ErrDuplicateTransaction) {
			return nil, domain.ErrUnavailable("insert transaction", err)
		}

		// Duplicate: some row exists. Terminal rows settle the outcome;
		// a PENDING row loops back to path 1.
		existing, err := e.transactions.FindByExternalID(ctx, e.db, event.ExternalID)
		if err != nil {
			return nil, domain.ErrUnavailable("find transaction", err)
		}
		if existing == nil {
			return nil, domain.ErrInternal("duplicate insert but no row found", nil)
		}
		switch existing.Status {
		case domain.StatusCompleted:
			// Re-run the credit: if the first writer crashed before
			// applying the balance, this repairs it; otherwise the
			// applied marker makes it a no-op.
			return e.credit(ctx, existing, OutcomeAlreadyCompleted)
		case domain.StatusFailed:
			return nil, domain.ErrConflict(fmt.Sprintf(
				"approved event for failed transaction %s", event.ExternalID))
		}
	}

	return nil, domain.ErrInternal(
		fmt.Sprintf("could not settle transaction %s after retries", event.ExternalID), nil)
}

// createPending records a deferred payment. The balance is never touched.
func (e *Engine) createPending(ctx context.Context, event domain.PaymentEvent) (*Result, error) {
	player, err := e.players.FindByUsername(ctx, e.db, event.Username)
	if err != nil {
		return nil, domain.ErrUnavailable("look up player", err)
	}
	if player == nil {
		return nil, domain.ErrNotFound("player", event.Username)
	}

	meta := event.Metadata
	if meta == nil {
		meta = map[string]any{}
	}
	meta["pending"] = true

	tx, err := e.transactions.Insert(ctx, e.db, domain.NewTransaction{
		PlayerUUID:    player.UUID,
		Amount:        event.Amount,
		Type:          domain.TypeVIPPurchase,
		Status:        domain.StatusPending,
		Description:   fmt.Sprintf("Pagamento PIX pendente - %s", event.Method),
		PaymentMethod: event.Method,
		ExternalID:    event.ExternalID,
		Metadata:      encodeMetadata(meta),
	})
	if err == nil {
		return &Result{Outcome: OutcomeCreated, Transaction: tx}, nil
	}
	if !errors.Is(err, domain.ErrDuplicateTransaction) {
		return nil, domain.ErrUnavailable("insert pending transaction", err)
	}

	// The unique index caught a replay. Report the truth about the row
	// that is already there.
	existing, err := e.transactions.FindByExternalID(ctx, e.db, event.ExternalID)
	if err != nil {
		return nil, domain.ErrUnavailable("find transaction", err)
	}
	outcome := OutcomeAlreadyPending
	if existing != nil && existing.Status == domain.StatusCompleted {
		outcome = OutcomeAlreadyCompleted
	}
	e.logger.Info("duplicate pending event absorbed",
		"external_id", event.ExternalID, "outcome", string(outcome))
	return &Result{Outcome: outcome, Transaction: existing}, nil
}

// reject marks the transaction FAILED unless it already completed. Failing a
// COMPLETED transaction is a terminal-state violation and surfaces as a
// conflict instead of being applied.
func (e *Engine) reject(ctx context.Context, event domain.PaymentEvent) (*Result, error) {
	tx, err := e.transactions.FailUnlessCompleted(ctx, e.db, event.ExternalID)
	if err != nil {
		return nil, domain.ErrUnavailable("fail transaction", err)
	}
	if tx != nil {
		return &Result{Outcome: OutcomeRejected, Transaction: tx}, nil
	}

	existing, err := e.transactions.FindByExternalID(ctx, e.db, event.ExternalID)
	if err != nil {
		return nil, domain.ErrUnavailable("find transaction", err)
	}
	if existing != nil && existing.Status == domain.StatusCompleted {
		return nil, domain.ErrConflict(fmt.Sprintf(
			"rejected event for completed transaction %s", event.ExternalID))
	}

	e.logger.Info("rejected event with no transaction", "external_id", event.ExternalID)
	return &Result{Outcome: OutcomeRejected}, nil
}

// credit applies the balance effect of a COMPLETED transaction exactly once.
// The conditional balance_applied flip is the once-only gate; it runs first
// in the same database transaction as the increment, so a concurrent caller
// (duplicate webhook or the sweeper) either loses the flip or blocks on the
// row lock until this commit and then loses it.
func (e *Engine) credit(ctx context.Context, tx *domain.Transaction, outcome Outcome) (*Result, error) {
	dbtx, err := e.db.Begin(ctx)
	if err != nil {
		return nil, domain.ErrUnavailable("begin transaction", err)
	}
	defer dbtx.Rollback(ctx)

	claimed, err := e.transactions.ClaimBalanceApplication(ctx, dbtx, tx.ID)
	if err != nil {
		return nil, domain.ErrUnavailable("claim balance application", err)
	}
	if !claimed {
		// Someone else already credited this transaction.
		return &Result{Outcome: OutcomeAlreadyCompleted, Transaction: tx}, nil
	}

	newBalance, err := e.players.IncrementBalance(ctx, dbtx, tx.PlayerUUID, tx.Amount)
	if err != nil {
		return nil, domain.ErrUnavailable("increment balance", err)
	}

	if err := e.outbox.Insert(ctx, dbtx, domain.NewPaymentCompletedEvent(tx, newBalance)); err != nil {
		return nil, domain.ErrUnavailable("insert outbox event", err)
	}

	if err := dbtx.Commit(ctx); err != nil {
		return nil, domain.ErrUnavailable("commit balance credit", err)
	}

	e.logger.Info("balance credited",
		"transaction_id", tx.ID,
		"external_id", tx.ExternalID,
		"player_uuid", tx.PlayerUUID,
		"amount", tx.Amount.String(),
		"new_balance", newBalance.String(),
	)
	return &Result{Outcome: outcome, Transaction: tx, NewBalance: newBalance}, nil
}

func completionDescription(event domain.PaymentEvent) string {
	if event.Status == domain.EventManual {
		return fmt.Sprintf("Pagamento manual confirmado - %s", event.Method)
	}
	return "Pagamento PIX aprovado"
}

func encodeMetadata(meta map[string]any) json.RawMessage {
	if len(meta) == 0 {
		return json.RawMessage(`{}`)
	}
	raw, err := json.Marshal(meta)
	if err != nil {
		return json.RawMessage(`{}`)
	}
	return raw
}
