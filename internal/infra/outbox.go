package infra

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
)

// OutboxPoller polls the payment_outbox table and publishes events to Kafka.
// The game server consumes these to grant purchases in-game without polling
// the shared tables.
type OutboxPoller struct {
	pool      *pgxpool.Pool
	producer  *KafkaProducer
	logger    *slog.Logger
	interval  time.Duration
	batchSize int
}

// NewOutboxPoller creates a new outbox poller.
func NewOutboxPoller(pool *pgxpool.Pool, producer *KafkaProducer, logger *slog.Logger) *OutboxPoller {
	return &OutboxPoller{
		pool:      pool,
		producer:  producer,
		logger:    logger,
		interval:  500 * time.Millisecond,
		batchSize: 100,
	}
}

// Run polls until ctx is cancelled.
func (p *OutboxPoller) Run(ctx context.Context) {
	p.logger.Info("outbox poller started", "interval", p.interval, "batch_size", p.batchSize)

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			p.logger.Info("outbox poller stopped")
			return
		case <-ticker.C:
			if err := p.poll(ctx); err != nil {
				p.logger.Error("outbox poll error", "error", err)
			}
		}
	}
}

func (p *OutboxPoller) poll(ctx context.Context) error {
	rows, err := p.pool.Query(ctx, `
		SELECT event_id, external_id, event_type, payload, occurred_at
		FROM payment_outbox
		WHERE published_at IS NULL
		ORDER BY occurred_at ASC
		LIMIT $1`, p.batchSize)
	if err != nil {
		return err
	}
	defer rows.Close()

	type outboxRow struct {
		EventID    uuid.UUID
		ExternalID string
		EventType  string
		Payload    json.RawMessage
		OccurredAt time.Time
	}

	var events []outboxRow
	for rows.Next() {
		var e outboxRow
		if err := rows.Scan(&e.EventID, &e.ExternalID, &e.EventType, &e.Payload, &e.OccurredAt); err != nil {
			return err
		}
		events = append(events, e)
	}
	if err := rows.Err(); err != nil {
		return err
	}

	for _, e := range events {
		topic := "nexus.payments." + e.EventType

		msg, _ := json.Marshal(map[string]any{
			"event_id":    e.EventID,
			"external_id": e.ExternalID,
			"event_type":  e.EventType,
			"payload":     e.Payload,
			"occurred_at": e.OccurredAt,
		})

		if err := p.producer.Publish(ctx, topic, []byte(e.ExternalID), msg); err != nil {
			p.logger.Error("kafka publish failed", "event_id", e.EventID, "error", err)
			continue
		}

		if _, err := p.pool.Exec(ctx,
			`UPDATE payment_outbox SET published_at = now() WHERE event_id = $1`, e.EventID); err != nil {
			p.logger.Error("mark published failed", "event_id", e.EventID, "error", err)
		}
	}

	if len(events) > 0 {
		p.logger.Debug("outbox poll complete", "published", len(events))
	}
	return nil
}
