package repository

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/shopspring/decimal"

	"github.com/nexus/payments/internal/domain"
	"github.com/nexus/payments/internal/infra"
)

type playerRepo struct{}

// NewPlayerRepository returns a pgx-backed PlayerRepository.
func NewPlayerRepository() PlayerRepository {
	return &playerRepo{}
}

func (r *playerRepo) FindByUsername(ctx context.Context, db DBTX, username string) (*domain.Player, error) {
	row := db.QueryRow(ctx, `
		SELECT uuid, username, money, last_transaction, created_at
		FROM nexus_players WHERE username = $1`, username)
	return scanPlayer(row)
}

func (r *playerRepo) FindByUUID(ctx context.Context, db DBTX, uuid string) (*domain.Player, error) {
	row := db.QueryRow(ctx, `
		SELECT uuid, username, money, last_transaction, created_at
		FROM nexus_players WHERE uuid = $1`, uuid)
	return scanPlayer(row)
}

func (r *playerRepo) Create(ctx context.Context, db DBTX, player *domain.Player) error {
	_, err := db.Exec(ctx, `
		INSERT INTO nexus_players (uuid, username, money)
		VALUES ($1, $2, $3)`,
		player.UUID,
		player.Username,
		infra.DecimalToNumeric(player.Money),
	)
	if err != nil {
		return fmt.Errorf("insert player: %w", err)
	}
	return nil
}

func (r *playerRepo) IncrementBalance(ctx context.Context, db DBTX, playerUUID string, amount decimal.Decimal) (decimal.Decimal, error) {
	row := db.QueryRow(ctx, `
		UPDATE nexus_players
		SET money = money + $1, last_transaction = now()
		WHERE uuid = $2
		RETURNING money`,
		infra.DecimalToNumeric(amount), playerUUID)

	var moneyNum pgtype.Numeric
	if err := row.Scan(&moneyNum); err != nil {
		if err == pgx.ErrNoRows {
			return decimal.Decimal{}, fmt.Errorf("increment balance: player %s not found", playerUUID)
		}
		return decimal.Decimal{}, fmt.Errorf("increment balance: %w", err)
	}
	newBalance, err := infra.NumericToDecimal(moneyNum)
	if err != nil {
		return decimal.Decimal{}, fmt.Errorf("convert money: %w", err)
	}
	return newBalance, nil
}

func scanPlayer(row pgx.Row) (*domain.Player, error) {
	var p domain.Player
	var moneyNum pgtype.Numeric
	err := row.Scan(&p.UUID, &p.Username, &moneyNum, &p.LastTransaction, &p.CreatedAt)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("scan player: %w", err)
	}

	p.Money, err = infra.NumericToDecimal(moneyNum)
	if err != nil {
		return nil, fmt.Errorf("convert money: %w", err)
	}
	return &p, nil
}
