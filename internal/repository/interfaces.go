package repository

import (
	"context"
	"encoding/json"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/shopspring/decimal"

	"github.com/nexus/payments/internal/domain"
)

// DBTX abstracts pgx.Tx and pgxpool.Pool so repositories work with both.
type DBTX interface {
	Exec(ctx context.Context, sql string, arguments ...interface{}) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...interface{}) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...interface{}) pgx.Row
}

// DB is a DBTX that can also open transactions. pgxpool.Pool satisfies it.
type DB interface {
	DBTX
	Begin(ctx context.Context) (pgx.Tx, error)
}

// PlayerRepository provides access to nexus_players.
type PlayerRepository interface {
	// FindByUsername returns a player by username, or nil if absent.
	FindByUsername(ctx context.Context, db DBTX, username string) (*domain.Player, error)

	// FindByUUID returns a player by uuid, or nil if absent.
	FindByUUID(ctx context.Context, db DBTX, uuid string) (*domain.Player, error)

	// Create inserts a new player.
	Create(ctx context.Context, db DBTX, player *domain.Player) error

	// IncrementBalance applies money = money + amount server-side and
	// returns the new balance. Never read-modify-write in the caller:
	// concurrent increments must not lose updates.
	IncrementBalance(ctx context.Context, db DBTX, playerUUID string, amount decimal.Decimal) (decimal.Decimal, error)
}

// TransactionRepository provides access to nexus_transactions. external_id
// carries a unique index and is the idempotency key.
type TransactionRepository interface {
	// Insert creates a new transaction row. A unique-constraint violation
	// on external_id is translated to domain.ErrDuplicateTransaction; it is
	// expected control flow, not a fault.
	Insert(ctx context.Context, db DBTX, params domain.NewTransaction) (*domain.Transaction, error)

	// FindByExternalID returns the transaction for an external id, or nil.
	FindByExternalID(ctx context.Context, db DBTX, externalID string) (*domain.Transaction, error)

	// TransitionStatus atomically moves the transaction from one status to
	// another in a single conditional UPDATE, merging meta into the
	// metadata blob. Returns the updated row, or nil if no row was in the
	// from status (absent or already terminal).
	TransitionStatus(ctx context.Context, db DBTX, externalID string, from, to domain.TransactionStatus, meta json.RawMessage) (*domain.Transaction, error)

	// FailUnlessCompleted marks the transaction FAILED unless it already
	// COMPLETED. Returns the updated row, or nil if nothing matched.
	FailUnlessCompleted(ctx context.Context, db DBTX, externalID string) (*domain.Transaction, error)

	// ClaimBalanceApplication conditionally flips balance_applied
	// false -> true and reports whether this caller won the flip. It is the
	// once-only gate for the balance increment; call it first inside the
	// same database transaction as IncrementBalance.
	ClaimBalanceApplication(ctx context.Context, db DBTX, id int64) (bool, error)

	// ListUnapplied returns COMPLETED transactions whose balance effect was
	// never applied, last updated before the cutoff. Input for the sweeper.
	ListUnapplied(ctx context.Context, db DBTX, before time.Time, limit int) ([]domain.Transaction, error)
}

// OutboxRepository provides access to the payment_outbox table.
type OutboxRepository interface {
	// Insert writes an outbox event, normally within the same transaction
	// as the balance increment.
	Insert(ctx context.Context, db DBTX, event domain.OutboxEvent) error
}
