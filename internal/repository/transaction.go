package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgtype"

	"github.com/nexus/payments/internal/domain"
	"github.com/nexus/payments/internal/infra"
)

const uniqueViolation = "23505"

const transactionColumns = `id, player_uuid, amount, type, status, description,
	payment_method, external_id, metadata, balance_applied, created_at, updated_at`

type transactionRepo struct{}

// NewTransactionRepository returns a pgx-backed TransactionRepository.
func NewTransactionRepository() TransactionRepository {
	return &transactionRepo{}
}

func (r *transactionRepo) Insert(ctx context.Context, db DBTX, params domain.NewTransaction) (*domain.Transaction, error) {
	meta := params.Metadata
	if meta == nil {
		meta = json.RawMessage(`{}`)
	}

	row := db.QueryRow(ctx, `
		INSERT INTO nexus_transactions
		  (player_uuid, amount, type, status, description, payment_method, external_id, metadata)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		RETURNING `+transactionColumns,
		params.PlayerUUID,
		infra.DecimalToNumeric(params.Amount),
		string(params.Type),
		string(params.Status),
		params.Description,
		params.PaymentMethod,
		params.ExternalID,
		meta,
	)

	tx, err := scanTransaction(row)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, domain.ErrDuplicateTransaction
		}
		return nil, err
	}
	return tx, nil
}

func (r *transactionRepo) FindByExternalID(ctx context.Context, db DBTX, externalID string) (*domain.Transaction, error) {
	row := db.QueryRow(ctx, `
		SELECT `+transactionColumns+`
		FROM nexus_transactions WHERE external_id = $1`, externalID)

	tx, err := scanTransaction(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return tx, nil
}

// TransitionStatus is a single conditional UPDATE, not a read followed by a
// write. Under concurrent duplicate deliveries only one caller sees a row.
func (r *transactionRepo) TransitionStatus(ctx context.Context, db DBTX, externalID string, from, to domain.TransactionStatus, meta json.RawMessage) (*domain.Transaction, error) {
	if meta == nil {
		meta = json.RawMessage(`{}`)
	}

	row := db.QueryRow(ctx, `
		UPDATE nexus_transactions
		SET status = $1, metadata = metadata || $2, updated_at = now()
		WHERE external_id = $3 AND status = $4
		RETURNING `+transactionColumns,
		string(to), meta, externalID, string(from))

	tx, err := scanTransaction(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return tx, nil
}

func (r *transactionRepo) FailUnlessCompleted(ctx context.Context, db DBTX, externalID string) (*domain.Transaction, error) {
	row := db.QueryRow(ctx, `
		UPDATE nexus_transactions
		SET status = $1, updated_at = now()
		WHERE external_id = $2 AND status <> $3
		RETURNING `+transactionColumns,
		string(domain.StatusFailed), externalID, string(domain.StatusCompleted))

	tx, err := scanTransaction(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return tx, nil
}

func (r *transactionRepo) ClaimBalanceApplication(ctx context.Context, db DBTX, id int64) (bool, error) {
	tag, err := db.Exec(ctx, `
		UPDATE nexus_transactions
		SET balance_applied = TRUE, updated_at = now()
		WHERE id = $1 AND balance_applied = FALSE`, id)
	if err != nil {
		return false, fmt.Errorf("claim balance application: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

func (r *transactionRepo) ListUnapplied(ctx context.Context, db DBTX, before time.Time, limit int) ([]domain.Transaction, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}

	rows, err := db.Query(ctx, `
		SELECT `+transactionColumns+`
		FROM nexus_transactions
		WHERE status = $1 AND balance_applied = FALSE AND updated_at < $2
		ORDER BY updated_at ASC
		LIMIT $3`,
		string(domain.StatusCompleted), before, limit)
	if err != nil {
		return nil, fmt.Errorf("query unapplied transactions: %w", err)
	}
	defer rows.Close()

	var txs []domain.Transaction
	for rows.Next() {
		tx, err := scanTransaction(rows)
		if err != nil {
			return nil, err
		}
		txs = append(txs, *tx)
	}
	return txs, rows.Err()
}

func scanTransaction(row pgx.Row) (*domain.Transaction, error) {
	var tx domain.Transaction
	var amountNum pgtype.Numeric
	var txType, status string
	err := row.Scan(
		&tx.ID, &tx.PlayerUUID, &amountNum, &txType, &status, &tx.Description,
		&tx.PaymentMethod, &tx.ExternalID, &tx.Metadata, &tx.BalanceApplied,
		&tx.CreatedAt, &tx.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, pgx.ErrNoRows
		}
		return nil, fmt.Errorf("scan transaction: %w", err)
	}

	tx.Type = domain.TransactionType(txType)
	tx.Status = domain.TransactionStatus(status)
	tx.Amount, err = infra.NumericToDecimal(amountNum)
	if err != nil {
		return nil, fmt.Errorf("convert amount: %w", err)
	}
	return &tx, nil
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == uniqueViolation
}
