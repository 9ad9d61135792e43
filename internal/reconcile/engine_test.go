package reconcile

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nexus/payments/internal/domain"
	"github.com/nexus/payments/internal/testutil"
)

const playerUUID = "9f3a21bc-0000-0000-0000-000000000001"

func newTestEngine(t *testing.T) (*Engine, *testutil.MemStore) {
	t.Helper()
	store := testutil.NewMemStore()
	store.AddPlayer(playerUUID, "Player123", decimal.RequireFromString("10.00"))
	engine := NewEngine(store, store, store, store.OutboxRepo(), slog.New(slog.NewTextHandler(io.Discard, nil)))
	return engine, store
}

func approvedEvent(externalID string, amount string) domain.PaymentEvent {
	return domain.PaymentEvent{
		Provider:   "mercadopago",
		ExternalID: externalID,
		Username:   "Player123",
		Amount:     decimal.RequireFromString(amount),
		Status:     domain.EventApproved,
		Method:     "MERCADO_PAGO_PIX",
		ReceivedAt: time.Now(),
	}
}

func pendingEvent(externalID string, amount string) domain.PaymentEvent {
	e := approvedEvent(externalID, amount)
	e.Status = domain.EventPending
	return e
}

func rejectedEvent(externalID string) domain.PaymentEvent {
	e := approvedEvent(externalID, "1.00")
	e.Status = domain.EventRejected
	return e
}

func TestReconcileApprovedNewTransaction(t *testing.T) {
	engine, store := newTestEngine(t)

	res, err := engine.Reconcile(context.Background(), approvedEvent("MP_100", "50.00"))
	require.NoError(t, err)

	assert.Equal(t, OutcomeCreated, res.Outcome)
	assert.True(t, res.NewBalance.Equal(decimal.RequireFromString("60.00")), "got %s", res.NewBalance)

	tx := store.TransactionByExternalID("MP_100")
	require.NotNil(t, tx)
	assert.Equal(t, domain.StatusCompleted, tx.Status)
	assert.True(t, tx.BalanceApplied)
	assert.Equal(t, domain.TypeVIPPurchase, tx.Type)
	require.Len(t, store.Outbox, 1)
	assert.Equal(t, domain.EventTypePaymentCompleted, store.Outbox[0].EventType)
}

func TestReconcileApprovedIsIdempotent(t *testing.T) {
	engine, store := newTestEngine(t)

	first, err := engine.Reconcile(context.Background(), approvedEvent("MP_100", "50.00"))
	require.NoError(t, err)
	assert.Equal(t, OutcomeCreated, first.Outcome)

	second, err := engine.Reconcile(context.Background(), approvedEvent("MP_100", "50.00"))
	require.NoError(t, err)
	assert.Equal(t, OutcomeAlreadyCompleted, second.Outcome)

	// Balance credited exactly once.
	assert.True(t, store.Balance(playerUUID).Equal(decimal.RequireFromString("60.00")))
	assert.Equal(t, 1, store.TransactionCount())
}

func TestReconcilePendingThenApproved(t *testing.T) {
	engine, store := newTestEngine(t)

	res, err := engine.Reconcile(context.Background(), pendingEvent("MP_555", "50.00"))
	require.NoError(t, err)
	assert.Equal(t, OutcomeCreated, res.Outcome)

	// Pending never touches the balance.
	assert.True(t, store.Balance(playerUUID).Equal(decimal.RequireFromString("10.00")))
	tx := store.TransactionByExternalID("MP_555")
	require.NotNil(t, tx)
	assert.Equal(t, domain.StatusPending, tx.Status)

	res, err = engine.Reconcile(context.Background(), approvedEvent("MP_555", "50.00"))
	require.NoError(t, err)
	assert.Equal(t, OutcomeCompleted, res.Outcome)
	assert.Equal(t, tx.ID, res.Transaction.ID, "same row transitions, no second row")

	assert.True(t, store.Balance(playerUUID).Equal(decimal.RequireFromString("60.00")))
	assert.Equal(t, 1, store.TransactionCount())
}

func TestReconcileApprovedThenPending(t *testing.T) {
	engine, store := newTestEngine(t)

	_, err := engine.Reconcile(context.Background(), approvedEvent("MP_555", "50.00"))
	require.NoError(t, err)

	res, err := engine.Reconcile(context.Background(), pendingEvent("MP_555", "50.00"))
	require.NoError(t, err)
	assert.Equal(t, OutcomeAlreadyCompleted, res.Outcome)

	// Either delivery order ends at the same state.
	assert.True(t, store.Balance(playerUUID).Equal(decimal.RequireFromString("60.00")))
	assert.Equal(t, 1, store.TransactionCount())
	assert.Equal(t, domain.StatusCompleted, store.TransactionByExternalID("MP_555").Status)
}

func TestReconcileCompletionUsesStoredAmount(t *testing.T) {
	engine, store := newTestEngine(t)

	_, err := engine.Reconcile(context.Background(), pendingEvent("MP_555", "50.00"))
	require.NoError(t, err)

	// The approval quotes a different amount; the pending row's wins.
	res, err := engine.Reconcile(context.Background(), approvedEvent("MP_555", "100.00"))
	require.NoError(t, err)
	assert.Equal(t, OutcomeCompleted, res.Outcome)
	assert.True(t, store.Balance(playerUUID).Equal(decimal.RequireFromString("60.00")),
		"balance moved by the stored 50.00, got %s", store.Balance(playerUUID))
}

func TestReconcileDuplicatePending(t *testing.T) {
	engine, store := newTestEngine(t)

	_, err := engine.Reconcile(context.Background(), pendingEvent("MP_555", "50.00"))
	require.NoError(t, err)

	res, err := engine.Reconcile(context.Background(), pendingEvent("MP_555", "50.00"))
	require.NoError(t, err)
	assert.Equal(t, OutcomeAlreadyPending, res.Outcome)
	assert.Equal(t, 1, store.TransactionCount())
	assert.True(t, store.Balance(playerUUID).Equal(decimal.RequireFromString("10.00")))
}

func TestReconcileRejectedPending(t *testing.T) {
	engine, store := newTestEngine(t)

	_, err := engine.Reconcile(context.Background(), pendingEvent("MP_555", "50.00"))
	require.NoError(t, err)

	res, err := engine.Reconcile(context.Background(), rejectedEvent("MP_555"))
	require.NoError(t, err)
	assert.Equal(t, OutcomeRejected, res.Outcome)
	assert.Equal(t, domain.StatusFailed, store.TransactionByExternalID("MP_555").Status)
	assert.True(t, store.Balance(playerUUID).Equal(decimal.RequireFromString("10.00")))
}

func TestReconcileRejectedCannotDowngradeCompleted(t *testing.T) {
	engine, store := newTestEngine(t)

	_, err := engine.Reconcile(context.Background(), approvedEvent("MP_555", "50.00"))
	require.NoError(t, err)

	_, err = engine.Reconcile(context.Background(), rejectedEvent("MP_555"))
	require.Error(t, err)
	appErr, ok := err.(*domain.AppError)
	require.True(t, ok)
	assert.Equal(t, "CONFLICT", appErr.Code)

	// Terminal state and balance are untouched.
	assert.Equal(t, domain.StatusCompleted, store.TransactionByExternalID("MP_555").Status)
	assert.True(t, store.Balance(playerUUID).Equal(decimal.RequireFromString("60.00")))
}

func TestReconcileApprovedAfterFailedIsConflict(t *testing.T) {
	engine, store := newTestEngine(t)

	_, err := engine.Reconcile(context.Background(), pendingEvent("MP_555", "50.00"))
	require.NoError(t, err)
	_, err = engine.Reconcile(context.Background(), rejectedEvent("MP_555"))
	require.NoError(t, err)

	_, err = engine.Reconcile(context.Background(), approvedEvent("MP_555", "50.00"))
	require.Error(t, err)
	appErr, ok := err.(*domain.AppError)
	require.True(t, ok)
	assert.Equal(t, "CONFLICT", appErr.Code)
	assert.True(t, store.Balance(playerUUID).Equal(decimal.RequireFromString("10.00")))
}

func TestReconcileRejectedWithNoRow(t *testing.T) {
	engine, store := newTestEngine(t)

	res, err := engine.Reconcile(context.Background(), rejectedEvent("MP_999"))
	require.NoError(t, err)
	assert.Equal(t, OutcomeRejected, res.Outcome)
	assert.Nil(t, res.Transaction)
	assert.Equal(t, 0, store.TransactionCount())
}

func TestReconcileUnknownPlayer(t *testing.T) {
	engine, store := newTestEngine(t)

	event := approvedEvent("MP_100", "50.00")
	event.Username = "Nobody"

	_, err := engine.Reconcile(context.Background(), event)
	require.Error(t, err)
	appErr, ok := err.(*domain.AppError)
	require.True(t, ok)
	assert.Equal(t, "NOT_FOUND", appErr.Code)

	// No transaction row is created for an unknown player.
	assert.Equal(t, 0, store.TransactionCount())
}

func TestReconcileManualEvent(t *testing.T) {
	engine, store := newTestEngine(t)

	event := approvedEvent("CUSTOM_1_ab", "100.00")
	event.Status = domain.EventManual
	event.Method = "MANUAL"

	res, err := engine.Reconcile(context.Background(), event)
	require.NoError(t, err)
	assert.Equal(t, OutcomeCreated, res.Outcome)
	assert.True(t, res.NewBalance.Equal(decimal.RequireFromString("110.00")))

	tx := store.TransactionByExternalID("CUSTOM_1_ab")
	require.NotNil(t, tx)
	assert.Equal(t, "Pagamento manual confirmado - MANUAL", tx.Description)
}

func TestReconcileUnknownStatus(t *testing.T) {
	engine, _ := newTestEngine(t)

	event := approvedEvent("MP_100", "50.00")
	event.Status = domain.EventStatus("charged_back")

	_, err := engine.Reconcile(context.Background(), event)
	require.Error(t, err)
	appErr, ok := err.(*domain.AppError)
	require.True(t, ok)
	assert.Equal(t, "VALIDATION_ERROR", appErr.Code)
}

func TestSweepUnapplied(t *testing.T) {
	engine, store := newTestEngine(t)

	_, err := engine.Reconcile(context.Background(), approvedEvent("MP_700", "25.00"))
	require.NoError(t, err)
	assert.True(t, store.Balance(playerUUID).Equal(decimal.RequireFromString("35.00")))

	// Simulate a crash between the status write and the balance credit.
	store.SetUnapplied("MP_700", time.Now().Add(-5*time.Minute))

	applied, err := engine.SweepUnapplied(context.Background(), time.Minute, 100)
	require.NoError(t, err)
	assert.Equal(t, 1, applied)
	assert.True(t, store.Balance(playerUUID).Equal(decimal.RequireFromString("60.00")))
	assert.True(t, store.TransactionByExternalID("MP_700").BalanceApplied)

	// A second sweep finds nothing.
	applied, err = engine.SweepUnapplied(context.Background(), time.Minute, 100)
	require.NoError(t, err)
	assert.Equal(t, 0, applied)
	assert.True(t, store.Balance(playerUUID).Equal(decimal.RequireFromString("60.00")))
}

func TestSweepRespectsGracePeriod(t *testing.T) {
	engine, store := newTestEngine(t)

	_, err := engine.Reconcile(context.Background(), approvedEvent("MP_700", "25.00"))
	require.NoError(t, err)
	store.SetUnapplied("MP_700", time.Now()) // just updated, still in grace

	applied, err := engine.SweepUnapplied(context.Background(), time.Minute, 100)
	require.NoError(t, err)
	assert.Equal(t, 0, applied)
}
