package repository

import (
	"context"
	"fmt"

	"github.com/nexus/payments/internal/domain"
)

type outboxRepo struct{}

// NewOutboxRepository returns a pgx-backed OutboxRepository.
func NewOutboxRepository() OutboxRepository {
	return &outboxRepo{}
}

func (r *outboxRepo) Insert(ctx context.Context, db DBTX, event domain.OutboxEvent) error {
	_, err := db.Exec(ctx, `
		INSERT INTO payment_outbox (event_id, external_id, event_type, payload)
		VALUES ($1, $2, $3, $4)`,
		event.EventID, event.ExternalID, event.EventType, event.Payload)
	if err != nil {
		return fmt.Errorf("insert outbox event: %w", err)
	}
	return nil
}
